// Package credentials holds the immutable credential values owned by the
// session manager. Values are replaced, never mutated; every expiry check
// takes the instant to compare against so one decision uses one clock read.
package credentials

import (
	"strconv"
	"time"
)

// Clock returns the current instant. Injected so expiry decisions are testable.
type Clock func() time.Time

// AccountSession is the long-lived vendor API credential pair.
type AccountSession struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// NewAccountSession computes ExpiresAt once, as now + ttl.
func NewAccountSession(accessToken, refreshToken string, ttl time.Duration, now time.Time) AccountSession {
	return AccountSession{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    now.Add(ttl),
	}
}

// WithRefreshedToken returns a new session carrying the new access token and
// the same refresh token.
func (s AccountSession) WithRefreshedToken(accessToken string, ttl time.Duration, now time.Time) AccountSession {
	return NewAccountSession(accessToken, s.RefreshToken, ttl, now)
}

func (s AccountSession) IsExpired(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}

func (s AccountSession) HasValidToken(now time.Time) bool {
	return s.AccessToken != "" && s.ExpiresAt.After(now)
}

// UserIdentity scopes every per-user vendor call.
type UserIdentity struct {
	LoginID    string
	AccountSeq int64
	UserSeq    int64
	HomeSeq    int64
}

// HomeKey is the home sequence as used in query strings and client ids.
func (u UserIdentity) HomeKey() string {
	return strconv.FormatInt(u.HomeSeq, 10)
}

// CloudCredential is the short-lived broker credential. It is never persisted.
type CloudCredential struct {
	AccessKeyID  string
	SecretKey    string
	SessionToken string
	ExpiresAt    time.Time
}

func NewCloudCredential(accessKeyID, secretKey, sessionToken string, ttl time.Duration, now time.Time) CloudCredential {
	return CloudCredential{
		AccessKeyID:  accessKeyID,
		SecretKey:    secretKey,
		SessionToken: sessionToken,
		ExpiresAt:    now.Add(ttl),
	}
}

func (c CloudCredential) IsExpired(now time.Time) bool {
	return c.ExpiresAt.Before(now)
}

func (c CloudCredential) HasValidToken(now time.Time) bool {
	return c.AccessKeyID != "" && c.SecretKey != "" && c.ExpiresAt.After(now)
}
