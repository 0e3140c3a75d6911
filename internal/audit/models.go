package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - workspace_id is required for tenancy isolation.
// - audit writes are best-effort; a failed append never undoes the action it records.
type Event struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	Type EventType `json:"type" db:"type"`

	// ActorUserID is empty for system actions (webhooks, timers).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	WorkflowID string `json:"workflow_id,omitempty" db:"workflow_id"`
	VersionID  string `json:"version_id,omitempty" db:"version_id"`
	CallID     string `json:"call_id,omitempty" db:"call_id"`

	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeWorkflowDeployed EventType = "workflow_deployed"
	EventTypeWorkflowStatus   EventType = "workflow_status_changed"
	EventTypeOutboundCall     EventType = "outbound_call_started"
	EventTypeSessionFault     EventType = "session_fault"
	EventTypeRoutingOverride  EventType = "routing_override_applied"
)
