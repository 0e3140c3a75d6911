package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory Store for tests and the offline CLI.
// InTx works on a copy of the state and swaps it in only when fn succeeds.
type MemoryRepo struct {
	mu    sync.Mutex
	state *memState
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{state: newMemState()}
}

func (r *MemoryRepo) InTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.state.clone()
	if err := fn(ctx, work); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *MemoryRepo) CreateWorkflow(ctx context.Context, w Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.CreateWorkflow(ctx, w)
}

func (r *MemoryRepo) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.GetWorkflow(ctx, id)
}

func (r *MemoryRepo) LockWorkflow(ctx context.Context, id string) (Workflow, error) {
	return r.GetWorkflow(ctx, id)
}

func (r *MemoryRepo) UpdateWorkflow(ctx context.Context, w Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.UpdateWorkflow(ctx, w)
}

func (r *MemoryRepo) ListVersions(ctx context.Context, workflowID string) ([]Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.ListVersions(ctx, workflowID)
}

func (r *MemoryRepo) GetVersion(ctx context.Context, id string) (Version, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.GetVersion(ctx, id)
}

func (r *MemoryRepo) FindVersion(ctx context.Context, workflowID string, flag VersionFlag) (Version, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.FindVersion(ctx, workflowID, flag)
}

func (r *MemoryRepo) InsertVersion(ctx context.Context, v Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.InsertVersion(ctx, v)
}

func (r *MemoryRepo) UpdateVersionFlags(ctx context.Context, v Version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.UpdateVersionFlags(ctx, v)
}

func (r *MemoryRepo) UpsertNode(ctx context.Context, n Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.UpsertNode(ctx, n)
}

func (r *MemoryRepo) DeleteNode(ctx context.Context, versionID, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.DeleteNode(ctx, versionID, nodeID)
}

func (r *MemoryRepo) UpsertEdge(ctx context.Context, e Edge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.UpsertEdge(ctx, e)
}

func (r *MemoryRepo) DeleteEdge(ctx context.Context, versionID, edgeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.DeleteEdge(ctx, versionID, edgeID)
}

// memState is the unlocked state; it also serves as the Repository handed to
// InTx callbacks.
type memState struct {
	workflows map[string]Workflow
	versions  map[string]Version
}

func newMemState() *memState {
	return &memState{workflows: map[string]Workflow{}, versions: map[string]Version{}}
}

func (s *memState) clone() *memState {
	out := newMemState()
	for k, w := range s.workflows {
		out.workflows[k] = w
	}
	for k, v := range s.versions {
		out.versions[k] = v.clone()
	}
	return out
}

func (s *memState) CreateWorkflow(_ context.Context, w Workflow) error {
	if w.ID == "" {
		return ErrInvalidArgument
	}
	if _, ok := s.workflows[w.ID]; ok {
		return fmt.Errorf("%w: workflow %s exists", ErrInvalidArgument, w.ID)
	}
	s.workflows[w.ID] = w
	return nil
}

func (s *memState) GetWorkflow(_ context.Context, id string) (Workflow, error) {
	w, ok := s.workflows[id]
	if !ok {
		return Workflow{}, ErrNotFound
	}
	return w, nil
}

func (s *memState) LockWorkflow(ctx context.Context, id string) (Workflow, error) {
	return s.GetWorkflow(ctx, id)
}

func (s *memState) UpdateWorkflow(_ context.Context, w Workflow) error {
	if _, ok := s.workflows[w.ID]; !ok {
		return ErrNotFound
	}
	s.workflows[w.ID] = w
	return nil
}

func (s *memState) ListVersions(_ context.Context, workflowID string) ([]Version, error) {
	out := make([]Version, 0)
	for _, v := range s.versions {
		if v.WorkflowID == workflowID {
			out = append(out, v.Header())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *memState) GetVersion(_ context.Context, id string) (Version, error) {
	v, ok := s.versions[id]
	if !ok {
		return Version{}, ErrNotFound
	}
	return v.clone(), nil
}

func (s *memState) FindVersion(_ context.Context, workflowID string, flag VersionFlag) (Version, bool, error) {
	for _, v := range s.versions {
		if v.WorkflowID != workflowID {
			continue
		}
		if (flag == FlagActive && v.Active) || (flag == FlagDraft && v.Draft) {
			return v.clone(), true, nil
		}
	}
	return Version{}, false, nil
}

func (s *memState) InsertVersion(_ context.Context, v Version) error {
	if v.ID == "" || v.WorkflowID == "" {
		return ErrInvalidArgument
	}
	if _, ok := s.versions[v.ID]; ok {
		return fmt.Errorf("%w: version %s exists", ErrInvalidArgument, v.ID)
	}
	for _, other := range s.versions {
		if other.WorkflowID != v.WorkflowID {
			continue
		}
		if other.Number == v.Number {
			return fmt.Errorf("%w: version number %d exists", ErrInvalidArgument, v.Number)
		}
		if (v.Active && other.Active) || (v.Draft && other.Draft) {
			return fmt.Errorf("%w: workflow %s already has that flag set", ErrDeploymentConflict, v.WorkflowID)
		}
	}
	s.versions[v.ID] = v.clone()
	return nil
}

func (s *memState) UpdateVersionFlags(_ context.Context, v Version) error {
	cur, ok := s.versions[v.ID]
	if !ok {
		return ErrNotFound
	}
	for _, other := range s.versions {
		if other.ID == v.ID || other.WorkflowID != cur.WorkflowID {
			continue
		}
		if (v.Active && other.Active) || (v.Draft && other.Draft) {
			return fmt.Errorf("%w: workflow %s already has that flag set", ErrDeploymentConflict, cur.WorkflowID)
		}
	}
	cur.Active = v.Active
	cur.Draft = v.Draft
	cur.PublishedAt = v.PublishedAt
	s.versions[v.ID] = cur
	return nil
}

func (s *memState) UpsertNode(_ context.Context, n Node) error {
	v, ok := s.versions[n.VersionID]
	if !ok {
		return ErrNotFound
	}
	for i := range v.Nodes {
		if v.Nodes[i].ID == n.ID {
			v.Nodes[i] = n.clone()
			s.versions[v.ID] = v
			return nil
		}
	}
	v.Nodes = append(v.Nodes, n.clone())
	s.versions[v.ID] = v
	return nil
}

func (s *memState) DeleteNode(_ context.Context, versionID, nodeID string) error {
	v, ok := s.versions[versionID]
	if !ok {
		return ErrNotFound
	}
	for i := range v.Nodes {
		if v.Nodes[i].ID == nodeID {
			v.Nodes = append(v.Nodes[:i], v.Nodes[i+1:]...)
			s.versions[versionID] = v
			return nil
		}
	}
	return ErrNotFound
}

func (s *memState) UpsertEdge(_ context.Context, e Edge) error {
	v, ok := s.versions[e.VersionID]
	if !ok {
		return ErrNotFound
	}
	for i := range v.Edges {
		if v.Edges[i].ID == e.ID {
			v.Edges[i] = e
			s.versions[v.ID] = v
			return nil
		}
	}
	v.Edges = append(v.Edges, e)
	s.versions[v.ID] = v
	return nil
}

func (s *memState) DeleteEdge(_ context.Context, versionID, edgeID string) error {
	v, ok := s.versions[versionID]
	if !ok {
		return ErrNotFound
	}
	for i := range v.Edges {
		if v.Edges[i].ID == edgeID {
			v.Edges = append(v.Edges[:i], v.Edges[i+1:]...)
			s.versions[versionID] = v
			return nil
		}
	}
	return ErrNotFound
}
