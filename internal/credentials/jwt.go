package credentials

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiryHint reads the exp claim from an access token without verifying its
// signature. The vendor signs tokens with keys we never see, so this is only a
// fallback when a response omits the TTL.
func ExpiryHint(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// TTLOrHint returns ttl when positive, otherwise the time left until the
// token's exp claim, otherwise fallback.
func TTLOrHint(ttl time.Duration, token string, now time.Time, fallback time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if exp, ok := ExpiryHint(token); ok && exp.After(now) {
		return exp.Sub(now)
	}
	return fallback
}
