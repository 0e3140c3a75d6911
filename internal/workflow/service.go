package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Actor identifies who performs an authoring action.
type Actor struct {
	UserID string
	Role   string
}

// Auditor receives authoring events. *audit.Service satisfies it.
type Auditor interface {
	LogDeploy(ctx context.Context, workspaceID, actorUserID, actorRole, workflowID, versionID string, versionNumber int) error
	LogStatusChange(ctx context.Context, workspaceID, actorUserID, actorRole, workflowID, from, to string) error
}

// Service implements workflow administration and draft editing. All methods
// taking a workspaceID hide workflows of other workspaces behind ErrNotFound.
type Service struct {
	store     Store
	validator *Validator
	audit     Auditor
	log       *slog.Logger

	Now   func() time.Time
	NewID func() string
}

func NewService(store Store, auditor Auditor, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     store,
		validator: NewValidator(),
		audit:     auditor,
		log:       log,
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

func (s *Service) now() time.Time { return s.Now().UTC() }

// CreateWorkflow creates an INACTIVE workflow together with an empty draft v1.
func (s *Service) CreateWorkflow(ctx context.Context, workspaceID, name, description string) (Workflow, Version, error) {
	if workspaceID == "" || name == "" {
		return Workflow{}, Version{}, fmt.Errorf("%w: workspace_id and name are required", ErrInvalidArgument)
	}
	now := s.now()
	w := Workflow{
		ID:          s.NewID(),
		WorkspaceID: workspaceID,
		Name:        name,
		Description: description,
		Status:      StatusInactive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	draft := Version{
		ID:         s.NewID(),
		WorkflowID: w.ID,
		Number:     1,
		Draft:      true,
		CreatedAt:  now,
		Nodes:      []Node{},
		Edges:      []Edge{},
	}
	err := s.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := repo.CreateWorkflow(ctx, w); err != nil {
			return err
		}
		return repo.InsertVersion(ctx, draft)
	})
	if err != nil {
		return Workflow{}, Version{}, err
	}
	return w, draft, nil
}

func (s *Service) GetWorkflow(ctx context.Context, workspaceID, workflowID string) (Workflow, error) {
	return owned(ctx, s.store, workspaceID, workflowID)
}

func owned(ctx context.Context, repo Repository, workspaceID, workflowID string) (Workflow, error) {
	w, err := repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return Workflow{}, err
	}
	if workspaceID != "" && w.WorkspaceID != workspaceID {
		return Workflow{}, ErrNotFound
	}
	return w, nil
}

func (s *Service) ListVersions(ctx context.Context, workspaceID, workflowID string) ([]Version, error) {
	if _, err := owned(ctx, s.store, workspaceID, workflowID); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, workflowID)
}

func (s *Service) GetVersion(ctx context.Context, workspaceID, versionID string) (Version, error) {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return Version{}, err
	}
	if _, err := owned(ctx, s.store, workspaceID, v.WorkflowID); err != nil {
		return Version{}, err
	}
	return v, nil
}

// CreateDraft returns the current draft, creating one when none exists. A new
// draft is a deep clone of the active version, or empty if nothing is deployed.
func (s *Service) CreateDraft(ctx context.Context, workspaceID, workflowID string) (Version, error) {
	var out Version
	err := s.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
		w, err := owned(ctx, repo, workspaceID, workflowID)
		if err != nil {
			return err
		}
		if w.Status == StatusArchived {
			return ErrWorkflowArchived
		}
		draft, ok, err := repo.FindVersion(ctx, workflowID, FlagDraft)
		if err != nil {
			return err
		}
		if ok {
			out = draft
			return nil
		}

		next, err := nextVersionNumber(ctx, repo, workflowID)
		if err != nil {
			return err
		}
		active, ok, err := repo.FindVersion(ctx, workflowID, FlagActive)
		if err != nil {
			return err
		}
		if ok {
			out = cloneAsDraft(active, s.NewID(), next, s.now(), s.NewID)
		} else {
			out = Version{ID: s.NewID(), WorkflowID: workflowID, Number: next, Draft: true, CreatedAt: s.now(), Nodes: []Node{}, Edges: []Edge{}}
		}
		return repo.InsertVersion(ctx, out)
	})
	if err != nil {
		return Version{}, err
	}
	return out, nil
}

func nextVersionNumber(ctx context.Context, repo Repository, workflowID string) (int, error) {
	versions, err := repo.ListVersions(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	highest := 0
	for _, v := range versions {
		if v.Number > highest {
			highest = v.Number
		}
	}
	return highest + 1, nil
}

// cloneAsDraft copies src's graph under fresh node and edge ids. Edges are
// re-pointed through the id map so the copy never references src.
func cloneAsDraft(src Version, id string, number int, now time.Time, newID func() string) Version {
	out := Version{
		ID:         id,
		WorkflowID: src.WorkflowID,
		Number:     number,
		Draft:      true,
		CreatedAt:  now,
		Nodes:      make([]Node, 0, len(src.Nodes)),
		Edges:      make([]Edge, 0, len(src.Edges)),
	}
	remap := make(map[string]string, len(src.Nodes))
	for _, n := range src.Nodes {
		c := n.clone()
		c.ID = newID()
		c.VersionID = id
		remap[n.ID] = c.ID
		out.Nodes = append(out.Nodes, c)
	}
	for _, e := range src.Edges {
		c := e
		c.ID = newID()
		c.VersionID = id
		if nid, ok := remap[e.SourceNodeID]; ok {
			c.SourceNodeID = nid
		}
		if nid, ok := remap[e.TargetNodeID]; ok {
			c.TargetNodeID = nid
		}
		out.Edges = append(out.Edges, c)
	}
	return out
}

type OpKind string

const (
	OpAddNode    OpKind = "add_node"
	OpUpdateNode OpKind = "update_node"
	OpDeleteNode OpKind = "delete_node"
	OpAddEdge    OpKind = "add_edge"
	OpUpdateEdge OpKind = "update_edge"
	OpDeleteEdge OpKind = "delete_edge"
)

// Op is one graph edit. Node is used by node ops, Edge by edge ops, ID by deletes.
type Op struct {
	Kind OpKind
	Node Node
	Edge Edge
	ID   string
}

// Mutate applies op to versionID, which must be the current draft. Drafts may
// be left invalid; endpoints and configs are checked by Validate, not here.
func (s *Service) Mutate(ctx context.Context, workspaceID, versionID string, op Op) (Version, error) {
	var out Version
	err := s.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
		v, err := repo.GetVersion(ctx, versionID)
		if err != nil {
			return err
		}
		w, err := owned(ctx, repo, workspaceID, v.WorkflowID)
		if err != nil {
			return err
		}
		if w.Status == StatusArchived {
			return ErrWorkflowArchived
		}
		if !v.Draft || v.PublishedAt != nil {
			return ErrVersionNotDraft
		}
		if err := s.apply(ctx, repo, v, op); err != nil {
			return err
		}
		out, err = repo.GetVersion(ctx, versionID)
		return err
	})
	if err != nil {
		return Version{}, err
	}
	return out, nil
}

func (s *Service) apply(ctx context.Context, repo Repository, v Version, op Op) error {
	switch op.Kind {
	case OpAddNode:
		n := op.Node
		if n.Type == "" {
			return fmt.Errorf("%w: node type is required", ErrInvalidArgument)
		}
		if n.ID == "" {
			n.ID = s.NewID()
		} else if _, ok := v.Node(n.ID); ok {
			return fmt.Errorf("%w: node %s exists", ErrInvalidArgument, n.ID)
		}
		n.VersionID = v.ID
		return repo.UpsertNode(ctx, n)

	case OpUpdateNode:
		n := op.Node
		if _, ok := v.Node(n.ID); !ok {
			return ErrNotFound
		}
		if n.Type == "" {
			return fmt.Errorf("%w: node type is required", ErrInvalidArgument)
		}
		n.VersionID = v.ID
		return repo.UpsertNode(ctx, n)

	case OpDeleteNode:
		if _, ok := v.Node(op.ID); !ok {
			return ErrNotFound
		}
		for _, e := range v.Edges {
			if e.SourceNodeID == op.ID || e.TargetNodeID == op.ID {
				if err := repo.DeleteEdge(ctx, v.ID, e.ID); err != nil {
					return err
				}
			}
		}
		return repo.DeleteNode(ctx, v.ID, op.ID)

	case OpAddEdge, OpUpdateEdge:
		e := op.Edge
		if e.SourceNodeID == "" || e.TargetNodeID == "" {
			return fmt.Errorf("%w: edge needs source and target", ErrInvalidArgument)
		}
		exists := false
		for _, cur := range v.Edges {
			if cur.ID == e.ID {
				exists = true
				break
			}
		}
		if op.Kind == OpAddEdge {
			if e.ID == "" {
				e.ID = s.NewID()
			} else if exists {
				return fmt.Errorf("%w: edge %s exists", ErrInvalidArgument, e.ID)
			}
		} else if !exists {
			return ErrNotFound
		}
		e.VersionID = v.ID
		return repo.UpsertEdge(ctx, e)

	case OpDeleteEdge:
		return repo.DeleteEdge(ctx, v.ID, op.ID)

	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidArgument, op.Kind)
	}
}

// Validate runs every validation rule against the version.
func (s *Service) Validate(ctx context.Context, workspaceID, versionID string) (Report, error) {
	v, err := s.GetVersion(ctx, workspaceID, versionID)
	if err != nil {
		return Report{}, err
	}
	return s.validator.Validate(v), nil
}

// SetStatus changes the administrative status. ARCHIVED is final, and ACTIVE
// requires a deployed version.
func (s *Service) SetStatus(ctx context.Context, actor Actor, workspaceID, workflowID string, status Status) (Workflow, error) {
	if !status.Valid() {
		return Workflow{}, fmt.Errorf("%w: status %q", ErrInvalidArgument, status)
	}
	var (
		out  Workflow
		prev Status
	)
	err := s.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
		if _, err := owned(ctx, repo, workspaceID, workflowID); err != nil {
			return err
		}
		w, err := repo.LockWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		prev = w.Status
		if w.Status == status {
			out = w
			return nil
		}
		if w.Status == StatusArchived {
			return ErrWorkflowArchived
		}
		if status == StatusActive {
			if _, ok, err := repo.FindVersion(ctx, workflowID, FlagActive); err != nil {
				return err
			} else if !ok {
				return ErrNotDeployed
			}
		}
		w.Status = status
		w.UpdatedAt = s.now()
		out = w
		return repo.UpdateWorkflow(ctx, w)
	})
	if err != nil {
		return Workflow{}, err
	}
	if prev != status && s.audit != nil {
		if err := s.audit.LogStatusChange(ctx, out.WorkspaceID, actor.UserID, actor.Role, out.ID, string(prev), string(status)); err != nil {
			s.log.Warn("audit status change failed", "workflow_id", out.ID, "error", err)
		}
	}
	return out, nil
}

// ActiveVersion returns the live graph used to start new calls.
func (s *Service) ActiveVersion(ctx context.Context, workflowID string) (Workflow, Version, error) {
	w, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return Workflow{}, Version{}, err
	}
	if w.Status != StatusActive {
		return Workflow{}, Version{}, ErrWorkflowInactive
	}
	v, ok, err := s.store.FindVersion(ctx, workflowID, FlagActive)
	if err != nil {
		return Workflow{}, Version{}, err
	}
	if !ok {
		return Workflow{}, Version{}, ErrNotDeployed
	}
	return w, v, nil
}

// IsNotFound reports whether err means the workflow or version does not exist
// for the caller.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
