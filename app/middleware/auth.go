package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"spotfleet/app/handler"
	"spotfleet/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ClientAuthenticator resolves a client id from an API token, "" when unknown
type ClientAuthenticator interface {
	AuthenticateClient(ctx context.Context, token string) (string, error)
}

// AuthMiddleware token authentication. The admin API key grants access to every
// client; a client token is scoped to that client's agents.
func AuthMiddleware(apiKey string, clients ClientAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")

		if apiKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) == 1 {
			c.Set(handler.ContextAdmin, true)
			c.Next()
			return
		}

		clientID, err := clients.AuthenticateClient(c.Request.Context(), token)
		if err != nil {
			logger.ErrorCtx(c.Request.Context(), "failed to authenticate client token: %v", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		if clientID != "" {
			c.Set(handler.ContextClientID, clientID)
			c.Next()
			return
		}

		// Skip authentication if API key is not configured
		if apiKey == "" {
			logger.DebugCtx(c.Request.Context(), "API key not configured, skipping auth")
			c.Set(handler.ContextAdmin, true)
			c.Next()
			return
		}

		logger.WarnCtx(c.Request.Context(), "unauthorized request, invalid token, path: %s", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}
