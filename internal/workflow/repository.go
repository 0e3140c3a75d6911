package workflow

import (
	"context"
	"errors"
)

var (
	ErrNotFound           = errors.New("workflow: not found")
	ErrVersionNotDraft    = errors.New("workflow: version is not the current draft")
	ErrDeploymentConflict = errors.New("workflow: deployment conflict")
	ErrWorkflowArchived   = errors.New("workflow: archived")
	ErrNotDeployed        = errors.New("workflow: no active version")
	ErrWorkflowInactive   = errors.New("workflow: not active")
	ErrInvalidArgument    = errors.New("workflow: invalid argument")
)

// VersionFlag selects the active or the draft version of a workflow.
type VersionFlag int

const (
	FlagActive VersionFlag = iota
	FlagDraft
)

// Repository is the persistence contract for workflows and their graphs.
// GetVersion and FindVersion return the full node/edge set; ListVersions
// returns headers only.
type Repository interface {
	CreateWorkflow(ctx context.Context, w Workflow) error
	GetWorkflow(ctx context.Context, id string) (Workflow, error)
	// LockWorkflow reads the workflow and, inside a transaction, holds it
	// against concurrent deploys until commit.
	LockWorkflow(ctx context.Context, id string) (Workflow, error)
	UpdateWorkflow(ctx context.Context, w Workflow) error

	ListVersions(ctx context.Context, workflowID string) ([]Version, error)
	GetVersion(ctx context.Context, id string) (Version, error)
	FindVersion(ctx context.Context, workflowID string, flag VersionFlag) (Version, bool, error)
	InsertVersion(ctx context.Context, v Version) error
	UpdateVersionFlags(ctx context.Context, v Version) error

	UpsertNode(ctx context.Context, n Node) error
	DeleteNode(ctx context.Context, versionID, nodeID string) error
	UpsertEdge(ctx context.Context, e Edge) error
	DeleteEdge(ctx context.Context, versionID, edgeID string) error
}

// Store is a Repository that can run a unit of work atomically.
// Either every write made through the Repository passed to fn becomes
// visible, or none does.
type Store interface {
	Repository
	InTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}
