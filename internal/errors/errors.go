package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared across the bridge.
var (
	// Session lifecycle
	ErrNotReady            = errors.New("session manager is not ready")
	ErrNoSession           = errors.New("no account session available")
	ErrTokenExpired        = errors.New("access token expired")
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// Persisted state
	ErrNotFound       = errors.New("not found")
	ErrObsoleteSchema = errors.New("obsolete persisted schema")
	ErrInvalidPayload = errors.New("invalid persisted payload")

	// Devices
	ErrDeviceNotFound   = errors.New("device not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrChannelNotActive = errors.New("cloud event channel is not active")
)

// ConfigurationError reports a missing or invalid configuration property.
// It is fatal and never retried.
type ConfigurationError struct {
	Property string
	Message  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Property, e.Message)
}

// EmptyConfig reports a required property that is not set.
func EmptyConfig(property string) *ConfigurationError {
	return &ConfigurationError{
		Property: property,
		Message:  fmt.Sprintf("no %s in config, please add %q to your configuration", property, property),
	}
}

// InvalidConfig reports a property whose value is outside the accepted set.
func InvalidConfig(property string, value interface{}, valid string) *ConfigurationError {
	return &ConfigurationError{
		Property: property,
		Message:  fmt.Sprintf("invalid %s %q, expected %s", property, fmt.Sprint(value), valid),
	}
}

type AuthReason string

const (
	AuthWrongUsername          AuthReason = "wrong_username"
	AuthWrongPassword          AuthReason = "wrong_password"
	AuthPasswordChangeRequired AuthReason = "password_change_required"
	AuthInvalidCredentials     AuthReason = "invalid_credentials"
	AuthRefreshTokenExpired    AuthReason = "refresh_token_expired"
	AuthNotAuthorized          AuthReason = "not_authorized"
	AuthIdentityMismatch       AuthReason = "identity_mismatch"
)

// AuthError is a credential rejection by the vendor. RemainingAttempts is -1
// when the vendor did not report a counter.
type AuthError struct {
	Reason            AuthReason
	Message           string
	RemainingAttempts int
	Err               error
}

func NewAuthError(reason AuthReason, msg string) *AuthError {
	return &AuthError{Reason: reason, Message: msg, RemainingAttempts: -1}
}

func (e *AuthError) Error() string {
	s := fmt.Sprintf("auth error (%s): %s", e.Reason, e.Message)
	if e.RemainingAttempts >= 0 {
		s += fmt.Sprintf(" (%d attempts remaining)", e.RemainingAttempts)
	}
	return s
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError carries the vendor's {code, msg} envelope intact.
type APIError struct {
	Status  int
	Code    int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%d msg=%q", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// TransientNetworkError wraps connection failures and timeouts.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientNetworkError for op.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientNetworkError{Op: op, Err: err}
}

// IsTransient reports whether err is eligible for the bounded network retry.
func IsTransient(err error) bool {
	var t *TransientNetworkError
	return errors.As(err, &t)
}

// IsAuth reports whether err is an AuthError, optionally of one of reasons.
func IsAuth(err error, reasons ...AuthReason) bool {
	var a *AuthError
	if !errors.As(err, &a) {
		return false
	}
	if len(reasons) == 0 {
		return true
	}
	for _, r := range reasons {
		if a.Reason == r {
			return true
		}
	}
	return false
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var c *ConfigurationError
	return errors.As(err, &c)
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New is errors.New, re-exported so callers need a single import.
func New(text string) error {
	return errors.New(text)
}

// HTTPStatus maps an error from the bridge onto the status the host-facing
// API should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case Is(err, ErrDeviceNotFound):
		return http.StatusNotFound
	case Is(err, ErrNotReady), Is(err, ErrNoSession), Is(err, ErrChannelNotActive):
		return http.StatusServiceUnavailable
	case IsConfiguration(err):
		return http.StatusServiceUnavailable
	case IsAuth(err):
		return http.StatusUnauthorized
	case IsTransient(err):
		return http.StatusGatewayTimeout
	}
	var apiErr *APIError
	if As(err, &apiErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
