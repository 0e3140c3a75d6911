package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DeployResult is the state after a successful deploy.
type DeployResult struct {
	Workflow Workflow `json:"workflow"`
	Active   Version  `json:"active"`
	Draft    Version  `json:"draft"`
}

// Deployer promotes a draft to active. Every step runs in one Store
// transaction; a failure leaves the previously active version in place.
type Deployer struct {
	store     Store
	validator *Validator
	audit     Auditor
	log       *slog.Logger

	Now   func() time.Time
	NewID func() string
}

func NewDeployer(store Store, auditor Auditor, log *slog.Logger) *Deployer {
	if log == nil {
		log = slog.Default()
	}
	return &Deployer{
		store:     store,
		validator: NewValidator(),
		audit:     auditor,
		log:       log,
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

// Deploy promotes versionID, or the current draft when versionID is empty.
// Only the current draft can be deployed; naming any other version is a
// conflict (a concurrent deploy already promoted it).
func (d *Deployer) Deploy(ctx context.Context, actor Actor, workspaceID, workflowID, versionID string) (DeployResult, error) {
	var res DeployResult
	err := d.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
		if _, err := owned(ctx, repo, workspaceID, workflowID); err != nil {
			return err
		}
		w, err := repo.LockWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if w.Status == StatusArchived {
			return ErrWorkflowArchived
		}

		target, err := d.target(ctx, repo, workflowID, versionID)
		if err != nil {
			return err
		}

		// 1. re-validate under the lock
		if rep := d.validator.Validate(target); !rep.Valid() {
			return &AuthoringError{VersionID: target.ID, Findings: rep.Errors}
		}

		now := d.Now().UTC()

		// 2. demote
		prev, ok, err := repo.FindVersion(ctx, workflowID, FlagActive)
		if err != nil {
			return err
		}
		if ok {
			prev.Active = false
			if err := repo.UpdateVersionFlags(ctx, prev); err != nil {
				return fmt.Errorf("demote version %d: %w", prev.Number, err)
			}
		}

		// 3. promote
		target.Active = true
		target.Draft = false
		target.PublishedAt = &now
		if err := repo.UpdateVersionFlags(ctx, target); err != nil {
			return fmt.Errorf("promote version %d: %w", target.Number, err)
		}

		// 4. workflow status
		w.Status = StatusActive
		w.UpdatedAt = now
		if err := repo.UpdateWorkflow(ctx, w); err != nil {
			return err
		}

		// 5. fork the next draft
		next, err := nextVersionNumber(ctx, repo, workflowID)
		if err != nil {
			return err
		}
		if next <= target.Number {
			next = target.Number + 1
		}
		draft := cloneAsDraft(target, d.NewID(), next, now, d.NewID)
		if err := repo.InsertVersion(ctx, draft); err != nil {
			return fmt.Errorf("fork draft: %w", err)
		}

		res = DeployResult{Workflow: w, Active: target, Draft: draft}
		return nil
	})
	if err != nil {
		return DeployResult{}, err
	}

	d.log.Info("workflow deployed",
		"workflow_id", res.Workflow.ID,
		"workspace_id", res.Workflow.WorkspaceID,
		"version_id", res.Active.ID,
		"version_number", res.Active.Number,
		"draft_version_id", res.Draft.ID,
	)
	if d.audit != nil {
		if err := d.audit.LogDeploy(ctx, res.Workflow.WorkspaceID, actor.UserID, actor.Role, res.Workflow.ID, res.Active.ID, res.Active.Number); err != nil {
			d.log.Warn("audit deploy failed", "workflow_id", res.Workflow.ID, "error", err)
		}
	}
	return res, nil
}

func (d *Deployer) target(ctx context.Context, repo Repository, workflowID, versionID string) (Version, error) {
	draft, ok, err := repo.FindVersion(ctx, workflowID, FlagDraft)
	if err != nil {
		return Version{}, err
	}
	if versionID == "" {
		if !ok {
			return Version{}, fmt.Errorf("%w: workflow has no draft", ErrDeploymentConflict)
		}
		return draft, nil
	}
	if ok && draft.ID == versionID {
		return draft, nil
	}
	v, err := repo.GetVersion(ctx, versionID)
	if err != nil {
		return Version{}, err
	}
	if v.WorkflowID != workflowID {
		return Version{}, ErrNotFound
	}
	return Version{}, fmt.Errorf("%w: version %d is not the current draft", ErrDeploymentConflict, v.Number)
}
