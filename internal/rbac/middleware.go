package rbac

import (
	"net/http"

	"callflow-platform/internal/auth"
	"callflow-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequireWorkspace enforces that every request is scoped to a workspace.
func RequireWorkspace() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := auth.WorkspaceID(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
			return
		}
		c.Next()
	}
}

// RequirePermission allows the request when the caller's role grants p.
// Hidden roles only pass where the grant table lists them.
func RequirePermission(p Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if !Can(role, p) {
			logger.FromGin(c).Info("permission denied", "role", role, "permission", p)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// super_admin bypasses the check; hidden roles must be listed explicitly.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}
	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if IsSuperAdmin(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
