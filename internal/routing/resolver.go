package routing

import (
	"context"
	"errors"

	"callflow-platform/internal/engine"
	"callflow-platform/internal/telephony"
	"callflow-platform/internal/workflow"
)

// VersionSource returns the version new calls of a workflow must run.
type VersionSource interface {
	ActiveVersion(ctx context.Context, workflowID string) (workflow.Workflow, workflow.Version, error)
}

// Resolver decides what happens to an inbound call.
//
// Priority:
//  1. Active number override
//  2. Number binding
//  3. Workflow availability (ACTIVE status and a deployed version)
//
// Caller enrichment seeds contact_id when the caller is a known contact.
// Return routing decision only. No side effects besides override auditing.
type Resolver struct {
	Directory Directory
	Overrides *OverrideEngine
	Versions  VersionSource
}

func NewResolver(dir Directory, overrides *OverrideEngine, versions VersionSource) *Resolver {
	return &Resolver{Directory: dir, Overrides: overrides, Versions: versions}
}

func (r *Resolver) RouteInbound(ctx context.Context, req telephony.InboundCallRequest) (Decision, error) {
	if r.Directory == nil || r.Versions == nil {
		return Decision{}, errors.New("routing: resolver not configured")
	}

	b, overridden, err := r.Overrides.Apply(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	if !overridden {
		b, err = r.Directory.ResolveNumber(ctx, req.To)
		if errors.Is(err, ErrUnknownNumber) {
			return Decision{Action: ActionReject, Reason: ReasonUnknownNumber}, nil
		}
		if err != nil {
			return Decision{}, err
		}
	}

	_, ver, err := r.Versions.ActiveVersion(ctx, b.WorkflowID)
	switch {
	case errors.Is(err, workflow.ErrWorkflowInactive), errors.Is(err, workflow.ErrNotDeployed), errors.Is(err, workflow.ErrNotFound):
		return Decision{WorkspaceID: b.WorkspaceID, WorkflowID: b.WorkflowID, Action: ActionReject, Reason: ReasonWorkflowUnavailable}, nil
	case err != nil:
		return Decision{}, err
	}

	vars := map[string]string{}
	if req.From != "" {
		contactID, ok, err := r.Directory.LookupCaller(ctx, b.WorkspaceID, req.From)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			vars[engine.VarContactID] = contactID
		}
	}

	return Decision{
		Action:      ActionStart,
		WorkspaceID: b.WorkspaceID,
		WorkflowID:  b.WorkflowID,
		VersionID:   ver.ID,
		CampaignID:  b.CampaignID,
		Vars:        vars,
	}, nil
}
