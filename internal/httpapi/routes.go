package httpapi

import (
	"callflow-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register mounts the authenticated API on g. The caller installs the
// access-token middleware on g; the workspace and permission gates are added
// here so every route carries them.
func (h Handlers) Register(g *gin.RouterGroup) {
	g.Use(rbac.RequireWorkspace())

	view := rbac.RequirePermission(rbac.PermView)
	edit := rbac.RequirePermission(rbac.PermEdit)
	deploy := rbac.RequirePermission(rbac.PermDeploy)

	wf := g.Group("/workflows")
	{
		wf.POST("", edit, h.CreateWorkflow)
		wf.GET("/:workflow_id", view, h.GetWorkflow)
		wf.GET("/:workflow_id/versions", view, h.ListVersions)
		wf.POST("/:workflow_id/drafts", edit, h.CreateDraft)
		wf.PUT("/:workflow_id/status", deploy, h.SetStatus)
		wf.POST("/:workflow_id/deploy", deploy, h.Deploy)
	}

	ver := g.Group("/versions/:version_id")
	{
		ver.GET("", view, h.GetVersion)
		ver.GET("/validation", view, h.Validate)
		ver.POST("/simulations", view, h.Simulate)

		ver.POST("/nodes", edit, h.AddNode)
		ver.PUT("/nodes/:node_id", edit, h.UpdateNode)
		ver.DELETE("/nodes/:node_id", edit, h.DeleteNode)
		ver.POST("/edges", edit, h.AddEdge)
		ver.PUT("/edges/:edge_id", edit, h.UpdateEdge)
		ver.DELETE("/edges/:edge_id", edit, h.DeleteEdge)
	}

	if h.Outbound != nil {
		g.POST("/calls", rbac.RequirePermission(rbac.PermDial), h.StartCall)
	}
	if h.Numbers != nil {
		g.PUT("/numbers/:number", rbac.RequireAnyRole(rbac.RoleOwner), h.BindNumber)
	}
	if h.Numbers != nil && h.Overrides != nil {
		g.PUT("/numbers/:number/override", rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleNetworkOperator), h.SetOverride)
	}
	if h.Queues != nil {
		g.PUT("/queues/:queue_id", rbac.RequireAnyRole(rbac.RoleOwner), h.SetQueue)
	}
	if h.Audit != nil {
		// network_operator reads audit trails across tenants it supports.
		g.GET("/audit", rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleNetworkOperator), h.ListAudit)
	}
}
