package routing

import (
	"context"
	"errors"
	"sync"
	"time"

	"callflow-platform/internal/telephony"
)

// OverrideEngine applies silent, expiry-based number overrides: an operator
// points a number at a different workflow (an emergency closure message, a
// failover flow) for a bounded time.
//
// Requirements:
// - Silent routing: callers must not be able to infer that an override was used.
// - Expiry based: overrides must be time-bounded.
// - Internal audit logging: every applied override is recorded.
//
// It is placed ahead of the number binding lookup.
type OverrideEngine struct {
	Store OverrideStore
	Audit AuditLogger
	Now   func() time.Time
}

// OverrideStore resolves currently-active overrides.
type OverrideStore interface {
	// GetActiveOverride returns an active override for the dialed number.
	// If none exists, it returns (Override{}, false, nil).
	GetActiveOverride(ctx context.Context, number string, now time.Time) (Override, bool, error)
}

// AuditLogger records internal-only audit events.
type AuditLogger interface {
	LogOverrideApplied(ctx context.Context, e OverrideAuditEvent) error
}

type Override struct {
	Number      string
	WorkspaceID string
	// OverrideID correlates audit records.
	OverrideID string

	// WorkflowID is the workflow that answers while the override is active.
	WorkflowID string

	ExpiresAt time.Time

	// Metadata is optional JSON for internal audit correlation.
	Metadata string
}

type OverrideAuditEvent struct {
	WorkspaceID string
	OverrideID  string
	WorkflowID  string

	ProviderCallID string
	From           string
	To             string
	RemoteAddr     string

	AppliedAt time.Time
	ExpiresAt time.Time

	Metadata string
}

func NewOverrideEngine(store OverrideStore, audit AuditLogger) *OverrideEngine {
	return &OverrideEngine{Store: store, Audit: audit, Now: time.Now}
}

// Apply returns (binding, true, nil) when an active override replaces the
// number's binding.
func (e *OverrideEngine) Apply(ctx context.Context, req telephony.InboundCallRequest) (Binding, bool, error) {
	if e == nil || e.Store == nil {
		return Binding{}, false, nil
	}
	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	o, ok, err := e.Store.GetActiveOverride(ctx, req.To, now)
	if err != nil {
		return Binding{}, false, err
	}
	if !ok || !o.ExpiresAt.After(now) {
		return Binding{}, false, nil
	}
	if o.WorkspaceID == "" || o.WorkflowID == "" {
		return Binding{}, false, errors.New("routing: override needs workspace and workflow")
	}

	if e.Audit != nil {
		_ = e.Audit.LogOverrideApplied(ctx, OverrideAuditEvent{
			WorkspaceID:    o.WorkspaceID,
			OverrideID:     o.OverrideID,
			WorkflowID:     o.WorkflowID,
			ProviderCallID: req.ProviderCallID,
			From:           req.From,
			To:             req.To,
			RemoteAddr:     RemoteAddrFromContext(ctx),
			AppliedAt:      now,
			ExpiresAt:      o.ExpiresAt,
			Metadata:       o.Metadata,
		})
	}
	return Binding{Number: req.To, WorkspaceID: o.WorkspaceID, WorkflowID: o.WorkflowID}, true, nil
}

// MemoryOverrides is an OverrideStore for tests and the local profile.
type MemoryOverrides struct {
	mu        sync.Mutex
	overrides map[string]Override
}

func NewMemoryOverrides() *MemoryOverrides {
	return &MemoryOverrides{overrides: map[string]Override{}}
}

func (m *MemoryOverrides) Set(_ context.Context, o Override) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[o.Number] = o
	return nil
}

func (m *MemoryOverrides) GetActiveOverride(_ context.Context, number string, now time.Time) (Override, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.overrides[number]
	if !ok || !o.ExpiresAt.After(now) {
		return Override{}, false, nil
	}
	return o, true, nil
}

type remoteAddrKey struct{}

// WithRemoteAddr attaches the webhook sender's address for audit records.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	if addr == "" {
		return ctx
	}
	return context.WithValue(ctx, remoteAddrKey{}, addr)
}

func RemoteAddrFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(remoteAddrKey{}).(string); ok {
		return s
	}
	return ""
}
