package calls

import (
	"context"
	"fmt"
	"log/slog"

	"callflow-platform/internal/workflow"
)

// ActiveVersions resolves the version a new call must run.
type ActiveVersions interface {
	ActiveVersion(ctx context.Context, workflowID string) (workflow.Workflow, workflow.Version, error)
}

// Dialer places the customer leg of an outbound call.
type Dialer interface {
	Dial(ctx context.Context, to, from string) (string, error)
}

type OutboundAuditor interface {
	LogOutboundCall(ctx context.Context, workspaceID, actorUserID, actorRole, workflowID, callID, to string) error
}

type OutboundRequest struct {
	WorkspaceID string            `json:"-"`
	WorkflowID  string            `json:"workflow_id" binding:"required"`
	CampaignID  string            `json:"campaign_id,omitempty"`
	To          string            `json:"to" binding:"required"`
	From        string            `json:"from,omitempty"`
	Vars        map[string]string `json:"vars,omitempty"`

	ActorUserID string `json:"-"`
	ActorRole   string `json:"-"`
}

// Outbound starts calls placed by the platform.
type Outbound struct {
	machine  *Machine
	versions ActiveVersions
	dialer   Dialer
	audit    OutboundAuditor
	log      *slog.Logger

	// DefaultFrom is the caller id used when a request names none.
	DefaultFrom string
}

func NewOutbound(machine *Machine, versions ActiveVersions, dialer Dialer, auditor OutboundAuditor, defaultFrom string, log *slog.Logger) *Outbound {
	if log == nil {
		log = slog.Default()
	}
	return &Outbound{machine: machine, versions: versions, dialer: dialer, audit: auditor, log: log, DefaultFrom: defaultFrom}
}

// Start reserves capacity, dials and opens the INITIATED session pinned to
// the workflow's active version.
func (o *Outbound) Start(ctx context.Context, req OutboundRequest) (Session, error) {
	if req.WorkspaceID == "" || req.WorkflowID == "" || req.To == "" {
		return Session{}, fmt.Errorf("%w: workspace, workflow and destination are required", ErrInvalidSession)
	}
	from := req.From
	if from == "" {
		from = o.DefaultFrom
	}
	if from == "" {
		return Session{}, fmt.Errorf("%w: no caller id", ErrInvalidSession)
	}

	w, ver, err := o.versions.ActiveVersion(ctx, req.WorkflowID)
	if err != nil {
		return Session{}, err
	}
	if w.WorkspaceID != req.WorkspaceID {
		return Session{}, workflow.ErrNotFound
	}

	slot, err := o.machine.Reserve(ctx, req.WorkspaceID)
	if err != nil {
		return Session{}, err
	}
	providerCallID, err := o.dialer.Dial(ctx, req.To, from)
	if err != nil {
		o.machine.Release(ctx, req.WorkspaceID, slot)
		return Session{}, err
	}

	s, err := o.machine.Open(ctx, OpenRequest{
		WorkspaceID:    req.WorkspaceID,
		ProviderCallID: providerCallID,
		WorkflowID:     req.WorkflowID,
		VersionID:      ver.ID,
		CampaignID:     req.CampaignID,
		Direction:      DirectionOutbound,
		From:           from,
		To:             req.To,
		Vars:           req.Vars,
		Slot:           slot,
	})
	if err != nil {
		return Session{}, err
	}

	if o.audit != nil {
		if err := o.audit.LogOutboundCall(ctx, req.WorkspaceID, req.ActorUserID, req.ActorRole, req.WorkflowID, s.ID, req.To); err != nil {
			o.log.Warn("audit outbound call failed", "call_id", s.ID, "err", err)
		}
	}
	return s, nil
}
