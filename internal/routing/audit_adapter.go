package routing

import (
	"context"
	"encoding/json"

	"callflow-platform/internal/audit"
)

// AuditAdapter bridges routing's override audit hook to the shared audit.Service.
type AuditAdapter struct {
	Audit *audit.Service
}

func (a AuditAdapter) LogOverrideApplied(ctx context.Context, e OverrideAuditEvent) error {
	if a.Audit == nil {
		return nil
	}
	meta, _ := json.Marshal(map[string]any{
		"override_id":      e.OverrideID,
		"provider_call_id": e.ProviderCallID,
		"from":             e.From,
		"to":               e.To,
		"remote_addr":      e.RemoteAddr,
		"expires_at":       e.ExpiresAt,
		"metadata":         e.Metadata,
	})
	return a.Audit.Append(ctx, audit.Event{
		WorkspaceID: e.WorkspaceID,
		Type:        audit.EventTypeRoutingOverride,
		WorkflowID:  e.WorkflowID,
		Message:     "routing override applied",
		Metadata:    string(meta),
		CreatedAt:   e.AppliedAt,
	})
}
