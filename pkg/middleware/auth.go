package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ClientKey is the context key holding the authenticated client name.
const ClientKey = "client"

var errInvalidToken = errors.New("invalid token")

// Verifier resolves a bearer token to a client name.
type Verifier interface {
	Verify(ctx context.Context, raw string) (string, error)
}

// StaticToken accepts a single shared token configured for the bridge.
type StaticToken struct {
	Token  string
	Client string
}

func (s StaticToken) Verify(ctx context.Context, raw string) (string, error) {
	if s.Token == "" || subtle.ConstantTimeCompare([]byte(raw), []byte(s.Token)) != 1 {
		return "", errInvalidToken
	}
	if s.Client == "" {
		return "host", nil
	}
	return s.Client, nil
}

// AuthMiddleware returns a Gin middleware that verifies Bearer tokens using the provided verifier
func AuthMiddleware(ver Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}
		// Expect 'Bearer <token>'
		var token string
		if n, _ := fmt.Sscanf(auth, "Bearer %s", &token); n != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header"})
			return
		}

		client, err := ver.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ClientKey, client)
		c.Next()
	}
}
