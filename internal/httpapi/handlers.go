package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"callflow-platform/internal/audit"
	"callflow-platform/internal/auth"
	"callflow-platform/internal/calls"
	"callflow-platform/internal/routing"
	"callflow-platform/internal/simulate"
	"callflow-platform/internal/workflow"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// NumberBinder stores dialed-number bindings for inbound routing.
type NumberBinder interface {
	ResolveNumber(ctx context.Context, number string) (routing.Binding, error)
	Bind(ctx context.Context, b routing.Binding) error
}

// QueueAdmin replaces the agents serving a queue.
type QueueAdmin interface {
	SetQueue(ctx context.Context, workspaceID, queueID string, agents ...routing.Agent) error
}

// OverrideAdmin stores time-bounded number overrides.
type OverrideAdmin interface {
	Set(ctx context.Context, o routing.Override) error
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Workflows *workflow.Service
	Deployer  *workflow.Deployer
	Sandbox   *simulate.Sandbox
	Outbound  *calls.Outbound
	Numbers   NumberBinder
	Queues    QueueAdmin
	Overrides OverrideAdmin
	Audit     *audit.Service

	Now   func() time.Time
	NewID func() string
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func caller(c *gin.Context) (auth.Identity, bool) {
	id, err := auth.FromContext(c.Request.Context())
	if err != nil || id.WorkspaceID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return auth.Identity{}, false
	}
	return id, true
}

func actor(id auth.Identity) workflow.Actor {
	return workflow.Actor{UserID: id.UserID, Role: id.Role}
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json", "detail": err.Error()})
		return false
	}
	return true
}

// --- Workflows ---

type createWorkflowRequest struct {
	Name        string `json:"name" binding:"required,max=200"`
	Description string `json:"description" binding:"max=2000"`
}

func (h Handlers) CreateWorkflow(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req createWorkflowRequest
	if !bindJSON(c, &req) {
		return
	}
	w, draft, err := h.Workflows.CreateWorkflow(c.Request.Context(), id.WorkspaceID, req.Name, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"workflow": w, "draft": draft})
}

func (h Handlers) GetWorkflow(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	w, err := h.Workflows.GetWorkflow(c.Request.Context(), id.WorkspaceID, c.Param("workflow_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h Handlers) ListVersions(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	vs, err := h.Workflows.ListVersions(c.Request.Context(), id.WorkspaceID, c.Param("workflow_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": vs})
}

type setStatusRequest struct {
	Status workflow.Status `json:"status" binding:"required,oneof=ACTIVE INACTIVE ARCHIVED"`
}

func (h Handlers) SetStatus(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req setStatusRequest
	if !bindJSON(c, &req) {
		return
	}
	w, err := h.Workflows.SetStatus(c.Request.Context(), actor(id), id.WorkspaceID, c.Param("workflow_id"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h Handlers) CreateDraft(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	v, err := h.Workflows.CreateDraft(c.Request.Context(), id.WorkspaceID, c.Param("workflow_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

type deployRequest struct {
	// VersionID is optional; the current draft is deployed when empty.
	VersionID string `json:"version_id"`
}

func (h Handlers) Deploy(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req deployRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	res, err := h.Deployer.Deploy(c.Request.Context(), actor(id), id.WorkspaceID, c.Param("workflow_id"), req.VersionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Versions ---

func (h Handlers) GetVersion(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	v, err := h.Workflows.GetVersion(c.Request.Context(), id.WorkspaceID, c.Param("version_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h Handlers) Validate(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	rep, err := h.Workflows.Validate(c.Request.Context(), id.WorkspaceID, c.Param("version_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": rep.Valid(), "report": rep})
}

func (h Handlers) Simulate(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var sc simulate.Scenario
	if !bindJSON(c, &sc) {
		return
	}
	res, err := h.Sandbox.Run(c.Request.Context(), id.WorkspaceID, c.Param("version_id"), sc)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Draft mutations ---

func (h Handlers) mutate(c *gin.Context, op workflow.Op, status int) {
	id, ok := caller(c)
	if !ok {
		return
	}
	v, err := h.Workflows.Mutate(c.Request.Context(), id.WorkspaceID, c.Param("version_id"), op)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, v)
}

func (h Handlers) AddNode(c *gin.Context) {
	var n workflow.Node
	if !bindJSON(c, &n) {
		return
	}
	h.mutate(c, workflow.Op{Kind: workflow.OpAddNode, Node: n}, http.StatusCreated)
}

func (h Handlers) UpdateNode(c *gin.Context) {
	var n workflow.Node
	if !bindJSON(c, &n) {
		return
	}
	n.ID = c.Param("node_id")
	h.mutate(c, workflow.Op{Kind: workflow.OpUpdateNode, Node: n}, http.StatusOK)
}

func (h Handlers) DeleteNode(c *gin.Context) {
	h.mutate(c, workflow.Op{Kind: workflow.OpDeleteNode, ID: c.Param("node_id")}, http.StatusOK)
}

func (h Handlers) AddEdge(c *gin.Context) {
	var e workflow.Edge
	if !bindJSON(c, &e) {
		return
	}
	h.mutate(c, workflow.Op{Kind: workflow.OpAddEdge, Edge: e}, http.StatusCreated)
}

func (h Handlers) UpdateEdge(c *gin.Context) {
	var e workflow.Edge
	if !bindJSON(c, &e) {
		return
	}
	e.ID = c.Param("edge_id")
	h.mutate(c, workflow.Op{Kind: workflow.OpUpdateEdge, Edge: e}, http.StatusOK)
}

func (h Handlers) DeleteEdge(c *gin.Context) {
	h.mutate(c, workflow.Op{Kind: workflow.OpDeleteEdge, ID: c.Param("edge_id")}, http.StatusOK)
}

// --- Calls ---

// StartCall places an outbound call running the workflow's active version.
func (h Handlers) StartCall(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req calls.OutboundRequest
	if !bindJSON(c, &req) {
		return
	}
	req.WorkspaceID = id.WorkspaceID
	req.ActorUserID = id.UserID
	req.ActorRole = id.Role

	s, err := h.Outbound.Start(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"call_id":          s.ID,
		"provider_call_id": s.ProviderCallID,
		"state":            s.State,
		"version_id":       s.VersionID,
	})
}

// --- Numbers ---

type bindNumberRequest struct {
	WorkflowID string `json:"workflow_id" binding:"required"`
	CampaignID string `json:"campaign_id"`
}

// BindNumber points a dialed number at a workflow of the caller's workspace.
// A number bound by another workspace is a conflict.
func (h Handlers) BindNumber(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req bindNumberRequest
	if !bindJSON(c, &req) {
		return
	}
	number := c.Param("number")
	ctx := c.Request.Context()

	if _, err := h.Workflows.GetWorkflow(ctx, id.WorkspaceID, req.WorkflowID); err != nil {
		writeError(c, err)
		return
	}
	cur, err := h.Numbers.ResolveNumber(ctx, number)
	switch {
	case errors.Is(err, routing.ErrUnknownNumber):
	case err != nil:
		writeError(c, err)
		return
	case cur.WorkspaceID != id.WorkspaceID:
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "number is bound to another workspace"})
		return
	}

	b := routing.Binding{Number: number, WorkspaceID: id.WorkspaceID, WorkflowID: req.WorkflowID, CampaignID: req.CampaignID}
	if err := h.Numbers.Bind(ctx, b); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

type overrideRequest struct {
	WorkflowID string `json:"workflow_id" binding:"required"`
	TTLSeconds int    `json:"ttl_seconds" binding:"required,min=60,max=604800"`
	Metadata   string `json:"metadata"`
}

// SetOverride silently points a number of the caller's workspace at another
// workflow until the TTL runs out.
func (h Handlers) SetOverride(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req overrideRequest
	if !bindJSON(c, &req) {
		return
	}
	number := c.Param("number")
	ctx := c.Request.Context()

	cur, err := h.Numbers.ResolveNumber(ctx, number)
	if err != nil {
		if errors.Is(err, routing.ErrUnknownNumber) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "number is not bound"})
			return
		}
		writeError(c, err)
		return
	}
	if cur.WorkspaceID != id.WorkspaceID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "number is not bound"})
		return
	}
	if _, err := h.Workflows.GetWorkflow(ctx, id.WorkspaceID, req.WorkflowID); err != nil {
		writeError(c, err)
		return
	}

	newID := h.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	o := routing.Override{
		Number:      number,
		WorkspaceID: id.WorkspaceID,
		OverrideID:  newID(),
		WorkflowID:  req.WorkflowID,
		ExpiresAt:   h.now().Add(time.Duration(req.TTLSeconds) * time.Second),
		Metadata:    req.Metadata,
	}
	if err := h.Overrides.Set(ctx, o); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// --- Queues ---

type setQueueRequest struct {
	Agents []routing.Agent `json:"agents" binding:"required,min=1"`
}

func (h Handlers) SetQueue(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req setQueueRequest
	if !bindJSON(c, &req) {
		return
	}
	for _, a := range req.Agents {
		if a.ID == "" || a.Number == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "every agent needs id and number"})
			return
		}
	}
	if err := h.Queues.SetQueue(c.Request.Context(), id.WorkspaceID, c.Param("queue_id"), req.Agents...); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue_id": c.Param("queue_id"), "agents": req.Agents})
}

// --- Audit ---

func (h Handlers) ListAudit(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	evs, err := h.Audit.List(c.Request.Context(), id.WorkspaceID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}
