package audit

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory append-only repository for tests and local runs.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything appended so far, optionally filtered by type.
func (r *MemoryRepo) Events(types ...EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if len(types) == 0 || hasType(types, e.Type) {
			out = append(out, e)
		}
	}
	return out
}

// List returns the newest events of workspaceID first, at most limit.
func (r *MemoryRepo) List(_ context.Context, workspaceID string, limit int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		if r.events[i].WorkspaceID == workspaceID {
			out = append(out, r.events[i])
		}
	}
	return out, nil
}

func hasType(types []EventType, t EventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
