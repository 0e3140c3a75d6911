package routing

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrUnknownNumber = errors.New("routing: number not bound")
	ErrNoAgents      = errors.New("routing: queue has no agents")
)

// Binding ties a dialed number to the workflow that answers it.
//
// Multi-tenant invariant: WorkspaceID is required.
type Binding struct {
	Number      string `json:"number"`
	WorkspaceID string `json:"workspace_id"`
	WorkflowID  string `json:"workflow_id"`
	CampaignID  string `json:"campaign_id,omitempty"`
}

// Agent is a dial target serving a queue.
type Agent struct {
	ID string `json:"id"`
	// Number is a provider-agnostic dial target.
	// Examples:
	// - sip:agent-123@pbx.example.com
	// - +15551234567
	Number string `json:"number"`
}

// Directory answers the lookups inbound routing and queue transfers need.
type Directory interface {
	ResolveNumber(ctx context.Context, number string) (Binding, error)
	// LookupCaller returns the contact id known for caller in the workspace.
	LookupCaller(ctx context.Context, workspaceID, caller string) (string, bool, error)
	// NextAgent rotates through the queue's agents.
	NextAgent(ctx context.Context, workspaceID, queueID string) (Agent, error)
}

// MemoryDirectory is a Directory for tests and the local profile.
type MemoryDirectory struct {
	mu       sync.Mutex
	bindings map[string]Binding
	contacts map[string]string
	queues   map[string][]Agent
	next     map[string]int
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		bindings: map[string]Binding{},
		contacts: map[string]string{},
		queues:   map[string][]Agent{},
		next:     map[string]int{},
	}
}

func (m *MemoryDirectory) Bind(_ context.Context, b Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[b.Number] = b
	return nil
}

func (m *MemoryDirectory) AddContact(_ context.Context, workspaceID, caller, contactID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[workspaceID+"|"+caller] = contactID
	return nil
}

func (m *MemoryDirectory) SetQueue(_ context.Context, workspaceID, queueID string, agents ...Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := workspaceID + "|" + queueID
	m.queues[k] = append([]Agent(nil), agents...)
	m.next[k] = 0
	return nil
}

func (m *MemoryDirectory) ResolveNumber(_ context.Context, number string) (Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[number]
	if !ok {
		return Binding{}, ErrUnknownNumber
	}
	return b, nil
}

func (m *MemoryDirectory) LookupCaller(_ context.Context, workspaceID, caller string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.contacts[workspaceID+"|"+caller]
	return id, ok, nil
}

func (m *MemoryDirectory) NextAgent(_ context.Context, workspaceID, queueID string) (Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := workspaceID + "|" + queueID
	agents := m.queues[k]
	if len(agents) == 0 {
		return Agent{}, ErrNoAgents
	}
	i := m.next[k] % len(agents)
	m.next[k] = i + 1
	return agents[i], nil
}
