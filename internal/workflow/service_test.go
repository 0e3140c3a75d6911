package workflow

import (
	"context"
	"errors"
	"testing"
)

func TestService_CreateWorkflowStartsWithEmptyDraft(t *testing.T) {
	svc := newTestService(NewMemoryRepo())
	w, draft, err := svc.CreateWorkflow(context.Background(), "ws1", "Support line", "")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if w.Status != StatusInactive {
		t.Fatalf("expected INACTIVE, got %s", w.Status)
	}
	if !draft.Draft || draft.Active || draft.Number != 1 {
		t.Fatalf("unexpected draft %+v", draft)
	}

	again, err := svc.CreateDraft(context.Background(), "ws1", w.ID)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if again.ID != draft.ID {
		t.Fatalf("CreateDraft should return the existing draft")
	}
}

func TestService_CreateWorkflowRequiresName(t *testing.T) {
	svc := newTestService(NewMemoryRepo())
	if _, _, err := svc.CreateWorkflow(context.Background(), "ws1", "", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestService_MutateDraft(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(NewMemoryRepo())
	_, draft, _ := svc.CreateWorkflow(ctx, "ws1", "Support", "")
	nodes, edges := hoursGraph()
	v := seed(t, svc, "ws1", draft.ID, nodes, edges)
	if len(v.Nodes) != 4 || len(v.Edges) != 3 {
		t.Fatalf("unexpected graph %d nodes %d edges", len(v.Nodes), len(v.Edges))
	}

	// Drafts may reference missing nodes while being edited.
	if _, err := svc.Mutate(ctx, "ws1", draft.ID, Op{Kind: OpAddEdge, Edge: edge("tmp", "hours", "x", "missing")}); err != nil {
		t.Fatalf("dangling edge should be accepted on a draft: %v", err)
	}

	v, err := svc.Mutate(ctx, "ws1", draft.ID, Op{Kind: OpDeleteNode, ID: "hours"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(v.Nodes) != 3 || len(v.Edges) != 0 {
		t.Fatalf("deleting a node must drop its edges, got %d nodes %d edges", len(v.Nodes), len(v.Edges))
	}

	upd := node("end", NodeEndCall, false, map[string]any{"message": "bye"})
	if v, err = svc.Mutate(ctx, "ws1", draft.ID, Op{Kind: OpUpdateNode, Node: upd}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	n, _ := v.Node("end")
	if string(n.Config) != `{"message":"bye"}` {
		t.Fatalf("unexpected config %s", n.Config)
	}

	if _, err := svc.Mutate(ctx, "ws1", draft.ID, Op{Kind: OpUpdateNode, Node: node("ghost", NodeEndCall, false, nil)}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Mutate(ctx, "ws1", draft.ID, Op{Kind: OpAddNode, Node: node("end", NodeEndCall, false, nil)}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected duplicate node to fail, got %v", err)
	}
	if _, err := svc.Mutate(ctx, "ws2", draft.ID, Op{Kind: OpDeleteNode, ID: "end"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other workspace must not see the draft, got %v", err)
	}
}

func TestService_MutatePublishedVersionIsRejected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRepo()
	svc := newTestService(store)
	w, draft, _ := svc.CreateWorkflow(ctx, "ws1", "Support", "")
	nodes, edges := hoursGraph()
	seed(t, svc, "ws1", draft.ID, nodes, edges)

	if _, err := newTestDeployer(store, nil).Deploy(ctx, Actor{}, "ws1", w.ID, ""); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	_, err := svc.Mutate(ctx, "ws1", draft.ID, Op{Kind: OpDeleteNode, ID: "end"})
	if !errors.Is(err, ErrVersionNotDraft) {
		t.Fatalf("expected ErrVersionNotDraft, got %v", err)
	}
}

func TestService_ValidateReturnsReport(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(NewMemoryRepo())
	_, draft, _ := svc.CreateWorkflow(ctx, "ws1", "Support", "")

	rep, err := svc.Validate(ctx, "ws1", draft.ID)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rep.Valid() || rep.VersionID != draft.ID {
		t.Fatalf("empty draft must be invalid, got %+v", rep)
	}
}

func TestService_SetStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRepo()
	svc := newTestService(store)
	w, draft, _ := svc.CreateWorkflow(ctx, "ws1", "Support", "")

	if _, err := svc.SetStatus(ctx, Actor{}, "ws1", w.ID, StatusActive); !errors.Is(err, ErrNotDeployed) {
		t.Fatalf("expected ErrNotDeployed, got %v", err)
	}
	if _, err := svc.SetStatus(ctx, Actor{}, "ws1", w.ID, Status("PAUSED")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	nodes, edges := hoursGraph()
	seed(t, svc, "ws1", draft.ID, nodes, edges)
	if _, err := newTestDeployer(store, nil).Deploy(ctx, Actor{}, "ws1", w.ID, ""); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	got, err := svc.SetStatus(ctx, Actor{}, "ws1", w.ID, StatusInactive)
	if err != nil || got.Status != StatusInactive {
		t.Fatalf("expected INACTIVE, got %v %v", got.Status, err)
	}
	if _, _, err := svc.ActiveVersion(ctx, w.ID); !errors.Is(err, ErrWorkflowInactive) {
		t.Fatalf("inactive workflow must not start calls, got %v", err)
	}

	if _, err := svc.SetStatus(ctx, Actor{}, "ws1", w.ID, StatusArchived); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := svc.SetStatus(ctx, Actor{}, "ws1", w.ID, StatusActive); !errors.Is(err, ErrWorkflowArchived) {
		t.Fatalf("archived is final, got %v", err)
	}
	if _, err := svc.CreateDraft(ctx, "ws1", w.ID); !errors.Is(err, ErrWorkflowArchived) {
		t.Fatalf("expected ErrWorkflowArchived, got %v", err)
	}
}
