package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events. It is append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
	// List returns a workspace's events, newest first.
	List(ctx context.Context, workspaceID string, limit int) ([]Event, error)
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Service records authoring and call-control actions.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.WorkspaceID == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// List returns the newest events of a workspace. limit is clamped to
// [1, MaxListLimit]; zero means DefaultListLimit.
func (s *Service) List(ctx context.Context, workspaceID string, limit int) ([]Event, error) {
	if workspaceID == "" {
		return nil, ErrInvalidEvent
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	return s.repo.List(ctx, workspaceID, limit)
}

// LogDeploy records a version promotion.
func (s *Service) LogDeploy(ctx context.Context, workspaceID, actorUserID, actorRole, workflowID, versionID string, versionNumber int) error {
	return s.Append(ctx, Event{
		WorkspaceID: workspaceID,
		Type:        EventTypeWorkflowDeployed,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		WorkflowID:  workflowID,
		VersionID:   versionID,
		Message:     fmt.Sprintf("version %d deployed", versionNumber),
	})
}

// LogStatusChange records an administrative workflow status change.
func (s *Service) LogStatusChange(ctx context.Context, workspaceID, actorUserID, actorRole, workflowID, from, to string) error {
	return s.Append(ctx, Event{
		WorkspaceID: workspaceID,
		Type:        EventTypeWorkflowStatus,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		WorkflowID:  workflowID,
		Message:     from + " -> " + to,
	})
}

// LogOutboundCall records an operator-initiated outbound call.
func (s *Service) LogOutboundCall(ctx context.Context, workspaceID, actorUserID, actorRole, workflowID, callID, to string) error {
	return s.Append(ctx, Event{
		WorkspaceID: workspaceID,
		Type:        EventTypeOutboundCall,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		WorkflowID:  workflowID,
		CallID:      callID,
		Message:     "outbound call to " + to,
	})
}

// LogSessionFault records a call session that ended in FAILED because of an
// internal fault. metadata carries the session context as JSON.
func (s *Service) LogSessionFault(ctx context.Context, workspaceID, workflowID, versionID, callID, reason, metadata string) error {
	return s.Append(ctx, Event{
		WorkspaceID: workspaceID,
		Type:        EventTypeSessionFault,
		WorkflowID:  workflowID,
		VersionID:   versionID,
		CallID:      callID,
		Message:     reason,
		Metadata:    metadata,
	})
}
