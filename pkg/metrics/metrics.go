package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "navibridge"

var (
	// AuthRequests counts calls against the vendor auth endpoints by operation
	// (login, exchange, refresh, verify) and outcome.
	AuthRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "auth_requests_total", Help: "Vendor auth endpoint calls by operation and outcome."},
		[]string{"op", "outcome"},
	)
	CredentialRefresh = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "credential_refresh_total", Help: "Credential refreshes by credential type and outcome."},
		[]string{"credential", "outcome"},
	)
	APIRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "api_retries_total", Help: "Vendor API requests re-sent, by reason."},
		[]string{"reason"},
	)
	BrokerState = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "broker_state_total", Help: "Cloud broker connection state transitions."},
		[]string{"state"},
	)
	RateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rate_limit_allowed_total", Help: "Number of allowed requests by limiter type."},
		[]string{"limiter"},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rate_limit_rejected_total", Help: "Number of rejected requests by limiter type."},
		[]string{"limiter"},
	)
)

// Outcome labels shared by the counters above.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(AuthRequests)
	reg.MustRegister(CredentialRefresh)
	reg.MustRegister(APIRetries)
	reg.MustRegister(BrokerState)
	reg.MustRegister(RateLimitAllowed)
	reg.MustRegister(RateLimitRejected)
}

// Outcome maps an error to the outcome label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
