package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newTestService(store Store) *Service {
	svc := NewService(store, nil, nil)
	svc.Now = func() time.Time { return testNow }
	svc.NewID = seqIDs("s")
	return svc
}

func newTestDeployer(store Store, auditor Auditor) *Deployer {
	d := NewDeployer(store, auditor, nil)
	d.Now = func() time.Time { return testNow }
	d.NewID = seqIDs("d")
	return d
}

func cfg(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func node(id string, t NodeType, entry bool, config any) Node {
	n := Node{ID: id, Type: t, Label: id, IsEntry: entry}
	if config != nil {
		n.Config = cfg(config)
	}
	return n
}

func edge(id, from, port, to string) Edge {
	return Edge{ID: id, SourceNodeID: from, SourcePort: port, TargetNodeID: to}
}

// hoursGraph is entry -> business_hours (true -> queue, false -> end).
func hoursGraph() ([]Node, []Edge) {
	nodes := []Node{
		node("entry", NodeTrigger, true, nil),
		node("hours", NodeBusinessHours, false, map[string]any{
			"timezone": "UTC",
			"windows":  []map[string]any{{"days": []string{"mon", "tue", "wed", "thu", "fri"}, "open": "09:00", "close": "17:00"}},
		}),
		node("queue", NodeQueueTransfer, false, map[string]any{"queue_id": "support"}),
		node("end", NodeEndCall, false, map[string]any{"message": "We are closed."}),
	}
	edges := []Edge{
		edge("e1", "entry", PortDefault, "hours"),
		edge("e2", "hours", PortTrue, "queue"),
		edge("e3", "hours", PortFalse, "end"),
	}
	return nodes, edges
}

func seed(t *testing.T, svc *Service, workspaceID, versionID string, nodes []Node, edges []Edge) Version {
	t.Helper()
	ctx := context.Background()
	var (
		v   Version
		err error
	)
	for _, n := range nodes {
		if v, err = svc.Mutate(ctx, workspaceID, versionID, Op{Kind: OpAddNode, Node: n}); err != nil {
			t.Fatalf("add node %s: %v", n.ID, err)
		}
	}
	for _, e := range edges {
		if v, err = svc.Mutate(ctx, workspaceID, versionID, Op{Kind: OpAddEdge, Edge: e}); err != nil {
			t.Fatalf("add edge %s: %v", e.ID, err)
		}
	}
	return v
}

func codes(fs []Finding) map[FindingCode]int {
	out := map[FindingCode]int{}
	for _, f := range fs {
		out[f.Code]++
	}
	return out
}
