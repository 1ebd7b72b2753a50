// Package auth talks to the vendor's authentication endpoints: the HTML login
// page, the secured sign-in that yields the user identity and cloud
// credential, token refresh and token verification.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/navibridge/navibridge/internal/config"
	"github.com/navibridge/navibridge/internal/credentials"
	apperrors "github.com/navibridge/navibridge/internal/errors"
	"github.com/navibridge/navibridge/internal/models"
	"github.com/navibridge/navibridge/pkg/metrics"
)

// LoginResult is the first-stage session plus the identifiers the login page
// reported for it.
type LoginResult struct {
	Session    credentials.AccountSession
	LoginID    string
	AccountSeq int64
}

// Client implements the auth gateway over HTTP.
type Client struct {
	loginURL  string
	apiURL    string
	userAgent string
	timeout   time.Duration
	http      *http.Client
	now       credentials.Clock
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for the JSON endpoints.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock injects the clock used to stamp expiries.
func WithClock(now credentials.Clock) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(cfg config.VendorConfig, opts ...Option) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		loginURL:  cfg.LoginURL,
		apiURL:    cfg.APIURL,
		userAgent: cfg.UserAgent,
		timeout:   timeout,
		http:      &http.Client{Timeout: timeout},
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ExchangeForUserSession performs the secured sign-in. The vendor must echo
// back the same login id and at least one home.
func (c *Client) ExchangeForUserSession(ctx context.Context, accessToken, loginID string, accountSeq int64) (u credentials.UserIdentity, cc credentials.CloudCredential, err error) {
	defer func() { metrics.AuthRequests.WithLabelValues("exchange", metrics.Outcome(err)).Inc() }()

	env, status, err := c.postJSON(ctx, "exchange", "/users/secured-sign-in", accessToken,
		models.SignInRequest{UserID: loginID, AccountSeq: accountSeq})
	if err != nil {
		return u, cc, err
	}
	if env.Code != models.CodeSuccess {
		return u, cc, envelopeError(status, env)
	}
	if !env.HasData() {
		return u, cc, &apperrors.APIError{Status: status, Code: int(env.Code), Message: "no data in sign-in response"}
	}
	var data models.SignInData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return u, cc, &apperrors.APIError{Status: status, Code: int(env.Code), Message: "malformed sign-in data", Err: err}
	}
	if data.UserInfo.UserID != loginID {
		return u, cc, apperrors.NewAuthError(apperrors.AuthIdentityMismatch,
			fmt.Sprintf("sign-in returned user %q, expected %q", data.UserInfo.UserID, loginID))
	}
	if len(data.Home) == 0 {
		return u, cc, &apperrors.APIError{Status: status, Code: int(env.Code), Message: "no home in sign-in response"}
	}

	now := c.now()
	u = credentials.UserIdentity{
		LoginID:    loginID,
		AccountSeq: accountSeq,
		UserSeq:    data.UserInfo.UserSeq,
		HomeSeq:    data.Home[0].HomeSeq,
	}
	info := data.AuthInfo
	cc = credentials.NewCloudCredential(info.AccessKeyID, info.SecretKey, info.SessionToken,
		time.Duration(info.AuthorizationExpiresIn)*time.Second, now)
	return u, cc, nil
}

// Refresh trades a refresh token for a new access token. A response without
// data means the refresh token itself is no longer accepted.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (s credentials.AccountSession, err error) {
	defer func() { metrics.AuthRequests.WithLabelValues("refresh", metrics.Outcome(err)).Inc() }()

	env, _, err := c.postJSON(ctx, "refresh", "/auth/token/refresh", "", models.RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return s, err
	}
	if !env.HasData() {
		return s, &apperrors.AuthError{
			Reason:            apperrors.AuthRefreshTokenExpired,
			Message:           fmt.Sprintf("refresh token rejected (code=%d msg=%q)", env.Code, env.Msg),
			RemainingAttempts: -1,
			Err:               apperrors.ErrRefreshTokenExpired,
		}
	}
	var data models.RefreshData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.AuthInfo.AccessToken == "" {
		return s, &apperrors.AuthError{
			Reason:            apperrors.AuthRefreshTokenExpired,
			Message:           "refresh response carried no access token",
			RemainingAttempts: -1,
			Err:               apperrors.ErrRefreshTokenExpired,
		}
	}
	now := c.now()
	ttl := credentials.TTLOrHint(time.Duration(data.AuthInfo.AuthenticationExpiresIn)*time.Second,
		data.AuthInfo.AccessToken, now, time.Hour)
	return credentials.NewAccountSession(data.AuthInfo.AccessToken, refreshToken, ttl, now), nil
}

// Verify asks the vendor whether accessToken is still live for userSeq.
func (c *Client) Verify(ctx context.Context, accessToken string, userSeq int64) (ok bool, err error) {
	defer func() { metrics.AuthRequests.WithLabelValues("verify", metrics.Outcome(err)).Inc() }()

	env, _, err := c.postJSON(ctx, "verify", fmt.Sprintf("/users/%d/session/verify", userSeq), accessToken, nil)
	if err != nil {
		return false, err
	}
	return env.Code == models.CodeSuccess, nil
}

func (c *Client) postJSON(ctx context.Context, op, path, accessToken string, body interface{}) (models.Envelope, int, error) {
	var env models.Envelope
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return env, 0, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, rdr)
	if err != nil {
		return env, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", accessToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return env, 0, apperrors.Transient(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return env, resp.StatusCode, apperrors.Transient(op, err)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			return env, resp.StatusCode, apperrors.Transient(op, fmt.Errorf("status %d", resp.StatusCode))
		}
		return env, resp.StatusCode, &apperrors.APIError{Status: resp.StatusCode, Message: "response is not a vendor envelope", Err: err}
	}
	return env, resp.StatusCode, nil
}

func envelopeError(status int, env models.Envelope) error {
	return &apperrors.APIError{Status: status, Code: int(env.Code), Message: env.Msg}
}
