package auth

import (
	"net/http"
	"strings"

	"callflow-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

const bearerPrefix = "Bearer "

// RequireAccessToken verifies an access token and injects the identity into
// the request context. Role checks belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(raw, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(strings.TrimPrefix(raw, bearerPrefix), TokenTypeAccess, m.Now())
		if err != nil {
			logger.FromGin(c).Debug("access token rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := WithIdentity(c.Request.Context(), claims.UserID, claims.WorkspaceID, claims.Role)
		log := logger.FromGin(c).With("user_id", claims.UserID, "workspace_id", claims.WorkspaceID)
		c.Request = c.Request.WithContext(logger.With(ctx, log))
		c.Set("logger", log)
		c.Next()
	}
}
