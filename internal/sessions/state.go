package sessions

// State is the session manager lifecycle position.
type State int32

const (
	StateUninitialized State = iota
	StateBootstrapping
	StateReady
	StateRefreshingAccount
	StateRefreshingCloud
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBootstrapping:
		return "bootstrapping"
	case StateReady:
		return "ready"
	case StateRefreshingAccount:
		return "refreshing_account"
	case StateRefreshingCloud:
		return "refreshing_cloud"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}
