// Package api performs authenticated calls against the vendor device API.
// It is the only place that refreshes the account session implicitly.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/navibridge/navibridge/internal/config"
	"github.com/navibridge/navibridge/internal/credentials"
	apperrors "github.com/navibridge/navibridge/internal/errors"
	"github.com/navibridge/navibridge/internal/models"
	"github.com/navibridge/navibridge/pkg/logger"
	"github.com/navibridge/navibridge/pkg/metrics"
	"golang.org/x/time/rate"
)

// SessionSource supplies credential snapshots and the explicit refresh.
type SessionSource interface {
	Session() (credentials.AccountSession, bool)
	User() (credentials.UserIdentity, bool)
	RefreshAccountSession(ctx context.Context) (credentials.AccountSession, error)
}

// Request is replayable: the body is kept as bytes so a retry resends it.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
}

type Client struct {
	baseURL      string
	http         *http.Client
	sessions     SessionSource
	limiter      *rate.Limiter
	retryInitial time.Duration
	retryMax     time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetryDelay sets the backoff before the single transient retry.
func WithRetryDelay(initial, max time.Duration) Option {
	return func(c *Client) {
		c.retryInitial = initial
		c.retryMax = max
	}
}

func NewClient(cfg config.VendorConfig, sessions SessionSource, opts ...Option) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	c := &Client{
		baseURL:      cfg.APIURL,
		http:         &http.Client{Timeout: timeout},
		sessions:     sessions,
		limiter:      rate.NewLimiter(limit, burst),
		retryInitial: 200 * time.Millisecond,
		retryMax:     2 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do sends req and decodes the envelope's data into out (which may be nil).
// A token-expired answer triggers one session refresh and one resend.
func (c *Client) Do(ctx context.Context, req Request, out interface{}) error {
	res, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	if res.kind == outcomeAuthExpired {
		logger.Warnf("token expired on %s %s; refreshing session and retrying once", req.Method, req.Path)
		metrics.APIRetries.WithLabelValues("token_expired").Inc()
		if _, err := c.sessions.RefreshAccountSession(ctx); err != nil {
			return apperrors.Wrapf(err, "%s %s: refresh after token expiry", req.Method, req.Path)
		}
		if res, err = c.send(ctx, req); err != nil {
			return err
		}
	}
	return apperrors.Wrapf(res.decode(out), "%s %s", req.Method, req.Path)
}

// send performs one logical attempt, retrying once after a backoff delay when
// the failure is a transient network error.
func (c *Client) send(ctx context.Context, req Request) (outcome, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxInterval = c.retryMax
	policy := backoff.WithContext(backoff.WithMaxRetries(b, 1), ctx)

	op := func() (outcome, error) {
		res, err := c.attempt(ctx, req)
		if err != nil && !apperrors.IsTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	notify := func(err error, d time.Duration) {
		metrics.APIRetries.WithLabelValues("transient").Inc()
		logger.Warnf("%s %s failed (%v); retrying in %s", req.Method, req.Path, err, d)
	}
	return backoff.RetryNotifyWithData(op, policy, notify)
}

func (c *Client) attempt(ctx context.Context, req Request) (outcome, error) {
	// An expired token is still sent; the vendor's token-expired answer is
	// what drives the single refresh and resend in Do.
	sess, ok := c.sessions.Session()
	if !ok || sess.AccessToken == "" {
		return outcome{}, apperrors.ErrNoSession
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return outcome{}, err
	}

	u := c.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return outcome{}, err
	}
	hreq.Header.Set("Authorization", sess.AccessToken)
	if req.Body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return outcome{}, apperrors.Transient(req.Method+" "+req.Path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return outcome{}, apperrors.Transient(req.Method+" "+req.Path, err)
	}
	return classify(resp.StatusCode, raw)
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeAPIError
	outcomeAuthExpired
	outcomeNotAuthorized
)

// outcome is the closed set of answers a vendor call can produce.
type outcome struct {
	kind   outcomeKind
	status int
	env    models.Envelope
}

// classify prefers the envelope code and falls back to the HTTP status when
// the body carries none.
func classify(status int, raw []byte) (outcome, error) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Code != 0 {
		o := outcome{status: status, env: env}
		switch env.Code {
		case models.CodeSuccess:
			o.kind = outcomeSuccess
		case models.CodeTokenExpired:
			o.kind = outcomeAuthExpired
		case models.CodeNotAuthorized:
			o.kind = outcomeNotAuthorized
		default:
			o.kind = outcomeAPIError
		}
		return o, nil
	}

	o := outcome{status: status, env: models.Envelope{Msg: http.StatusText(status)}}
	switch {
	case status >= 200 && status < 300:
		o.kind = outcomeSuccess
		o.env.Data = raw
	case status == http.StatusUnauthorized:
		o.kind = outcomeNotAuthorized
	case status == http.StatusForbidden || status == int(models.CodeTokenExpired):
		o.kind = outcomeAuthExpired
	case status >= http.StatusInternalServerError:
		return o, apperrors.Transient("vendor api", fmt.Errorf("status %d", status))
	default:
		o.kind = outcomeAPIError
	}
	return o, nil
}

func (o outcome) decode(out interface{}) error {
	switch o.kind {
	case outcomeSuccess:
		if out == nil || !o.env.HasData() {
			return nil
		}
		if err := json.Unmarshal(o.env.Data, out); err != nil {
			return &apperrors.APIError{Status: o.status, Code: int(o.env.Code), Message: "malformed response data", Err: err}
		}
		return nil
	case outcomeAuthExpired:
		return &apperrors.APIError{Status: o.status, Code: int(o.env.Code), Message: o.env.Msg, Err: apperrors.ErrTokenExpired}
	case outcomeNotAuthorized:
		return &apperrors.AuthError{
			Reason:            apperrors.AuthNotAuthorized,
			Message:           "signed in from another device",
			RemainingAttempts: -1,
			Err:               &apperrors.APIError{Status: o.status, Code: int(o.env.Code), Message: o.env.Msg},
		}
	}
	return &apperrors.APIError{Status: o.status, Code: int(o.env.Code), Message: o.env.Msg}
}
