package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"callflow-platform/internal/workflow"
)

// DefaultMaxSteps bounds a walk so a cycle in the graph cannot hang a call.
const DefaultMaxSteps = 50

var (
	ErrNodeNotFound = errors.New("engine: node not found")
	ErrDeadEnd      = errors.New("engine: no edge for port")
	ErrStepLimit    = errors.New("engine: step limit reached")
	ErrNoHandler    = errors.New("engine: no handler for node type")
	ErrNoEntry      = errors.New("engine: version has no entry node")
	ErrNotSuspended = errors.New("engine: walk is not suspended")
	ErrFinished     = errors.New("engine: walk already finished")
	ErrNoRoute      = errors.New("engine: entry has no edge for port")
)

// Cursor is the resumable position of a walk. It is persisted on the call
// session; resuming is a function of the cursor and the incoming event.
type Cursor struct {
	EntryNodeID string `json:"entry_node_id"`
	NodeID      string `json:"node_id"`
	Steps       int    `json:"steps"`
	Suspended   bool   `json:"suspended"`
	Done        bool   `json:"done"`
	Trace       []Step `json:"trace"`
}

// Step is one visited node, recorded when the walk leaves it.
type Step struct {
	NodeID string            `json:"node_id"`
	Type   workflow.NodeType `json:"type"`
	Label  string            `json:"label,omitempty"`
	Port   string            `json:"port,omitempty"`
}

type RunStatus string

const (
	RunSuspended RunStatus = "suspended"
	RunCompleted RunStatus = "completed"
)

// Run is the state a walk stopped in. Faults are reported as errors instead.
type Run struct {
	Status  RunStatus `json:"status"`
	Outcome string    `json:"outcome,omitempty"`
	NodeID  string    `json:"node_id"`
}

// Engine interprets one version's graph for one session. It performs no I/O
// besides emitting instructions to the sink, so it is safe to run inside the
// session lock.
type Engine struct {
	registry *Registry
	maxSteps int
}

func New(registry *Registry, maxSteps int) *Engine {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Engine{registry: registry, maxSteps: maxSteps}
}

func (e *Engine) MaxSteps() int { return e.maxSteps }

// SelectEntry picks the entry node for a call direction: a trigger whose
// direction matches, then a trigger for any direction, then the first entry.
func SelectEntry(ver workflow.Version, direction string) (workflow.Node, error) {
	entries := ver.Entries()
	if len(entries) == 0 {
		return workflow.Node{}, ErrNoEntry
	}
	var anyDir *workflow.Node
	for i, n := range entries {
		if n.Type != workflow.NodeTrigger {
			continue
		}
		tc := TriggerConfig(ver, n.ID)
		if tc.Direction == direction && direction != "" {
			return n, nil
		}
		if anyDir == nil && (tc.Direction == "" || tc.Direction == "any") {
			anyDir = &entries[i]
		}
	}
	if anyDir != nil {
		return *anyDir, nil
	}
	return entries[0], nil
}

// TriggerConfig returns the trigger config of nodeID, or the zero value when
// the node is not a readable trigger.
func TriggerConfig(ver workflow.Version, nodeID string) workflow.TriggerConfig {
	n, ok := ver.Node(nodeID)
	if !ok || n.Type != workflow.NodeTrigger {
		return workflow.TriggerConfig{}
	}
	cfg, err := workflow.DecodeConfig(n.Type, n.Config)
	if err != nil {
		return workflow.TriggerConfig{}
	}
	return cfg.(workflow.TriggerConfig)
}

// Start positions cur on the entry node for env.Direction and walks until the
// first suspend or terminal node.
func (e *Engine) Start(ctx context.Context, ver workflow.Version, env *Env, cur *Cursor, sink Sink) (Run, error) {
	entry, err := SelectEntry(ver, env.Direction)
	if err != nil {
		return Run{}, err
	}
	*cur = Cursor{EntryNodeID: entry.ID, NodeID: entry.ID, Trace: []Step{}}
	return e.walk(ctx, ver, env, cur, sink, nil)
}

// Resume continues a suspended walk from the node it is parked on.
func (e *Engine) Resume(ctx context.Context, ver workflow.Version, env *Env, cur *Cursor, in Input, sink Sink) (Run, error) {
	if cur.Done {
		return Run{}, ErrFinished
	}
	if !cur.Suspended {
		return Run{}, ErrNotSuspended
	}
	return e.walk(ctx, ver, env, cur, sink, &in)
}

// Jump abandons the current position and continues from the target of the
// entry node's port (used for answering-machine routing). Only an exact port
// match counts; the default edge is the normal flow.
func (e *Engine) Jump(ctx context.Context, ver workflow.Version, env *Env, cur *Cursor, port string, sink Sink) (Run, error) {
	if cur.Done {
		return Run{}, ErrFinished
	}
	for _, edge := range ver.Outgoing(cur.EntryNodeID) {
		if edge.SourcePort == port {
			cur.NodeID = edge.TargetNodeID
			cur.Suspended = false
			return e.walk(ctx, ver, env, cur, sink, nil)
		}
	}
	return Run{}, fmt.Errorf("%w: %q", ErrNoRoute, port)
}

// Prompt re-evaluates the node a suspended walk is parked on and returns the
// instruction it asks the caller with. The cursor is not moved.
func (e *Engine) Prompt(ctx context.Context, ver workflow.Version, env *Env, cur Cursor) (Instruction, error) {
	if cur.Done || !cur.Suspended {
		return Instruction{}, ErrNotSuspended
	}
	node, ok := ver.Node(cur.NodeID)
	if !ok {
		return Instruction{}, fmt.Errorf("%w: %s", ErrNodeNotFound, cur.NodeID)
	}
	h, ok := e.registry.Lookup(node.Type)
	if !ok {
		return Instruction{}, fmt.Errorf("%w: %s (node %s)", ErrNoHandler, node.Type, node.ID)
	}
	cfg, err := workflow.DecodeConfig(node.Type, node.Config)
	if err != nil {
		return Instruction{}, fmt.Errorf("node %s: %w", node.ID, err)
	}
	res, err := h.Evaluate(ctx, env, node, cfg)
	if err != nil {
		return Instruction{}, fmt.Errorf("node %s: %w", node.ID, err)
	}
	if !res.Suspend || res.Instruction == nil {
		return Instruction{}, fmt.Errorf("%w: node %s does not wait for input", ErrNotSuspended, node.ID)
	}
	return *res.Instruction, nil
}

func (e *Engine) walk(ctx context.Context, ver workflow.Version, env *Env, cur *Cursor, sink Sink, pending *Input) (Run, error) {
	if env.Vars == nil {
		env.Vars = map[string]string{}
	}
	for {
		if err := ctx.Err(); err != nil {
			return Run{}, err
		}

		node, ok := ver.Node(cur.NodeID)
		if !ok {
			return Run{}, fmt.Errorf("%w: %s", ErrNodeNotFound, cur.NodeID)
		}
		h, ok := e.registry.Lookup(node.Type)
		if !ok {
			return Run{}, fmt.Errorf("%w: %s (node %s)", ErrNoHandler, node.Type, node.ID)
		}
		cfg, err := workflow.DecodeConfig(node.Type, node.Config)
		if err != nil {
			return Run{}, fmt.Errorf("node %s: %w", node.ID, err)
		}

		var res Result
		if pending != nil {
			r, ok := h.(Resumer)
			if !ok {
				return Run{}, fmt.Errorf("%w: node %s cannot resume", ErrNotSuspended, node.ID)
			}
			res, err = r.Resume(ctx, env, node, cfg, *pending)
			pending = nil
			cur.Suspended = false
		} else {
			if cur.Steps >= e.maxSteps {
				return Run{}, fmt.Errorf("%w: %d steps at node %s", ErrStepLimit, cur.Steps, node.ID)
			}
			cur.Steps++
			res, err = h.Evaluate(ctx, env, node, cfg)
		}
		if err != nil {
			return Run{}, fmt.Errorf("node %s: %w", node.ID, err)
		}

		if res.Instruction != nil {
			if err := sink.Emit(ctx, *res.Instruction); err != nil {
				return Run{}, fmt.Errorf("node %s: %w", node.ID, err)
			}
		}

		switch {
		case res.Suspend:
			cur.Suspended = true
			return Run{Status: RunSuspended, NodeID: node.ID}, nil
		case res.Terminal:
			cur.Trace = append(cur.Trace, Step{NodeID: node.ID, Type: node.Type, Label: node.Label})
			cur.Done = true
			return Run{Status: RunCompleted, Outcome: res.Outcome, NodeID: node.ID}, nil
		}

		cur.Trace = append(cur.Trace, Step{NodeID: node.ID, Type: node.Type, Label: node.Label, Port: res.Port})
		next, err := selectEdge(ver, node.ID, res.Port)
		if err != nil {
			return Run{}, err
		}
		cur.NodeID = next
	}
}

// selectEdge picks the first edge whose port matches exactly, then the first
// default-port edge.
func selectEdge(ver workflow.Version, nodeID, port string) (string, error) {
	out := ver.Outgoing(nodeID)
	for _, e := range out {
		if e.SourcePort == port {
			return e.TargetNodeID, nil
		}
	}
	for _, e := range out {
		if e.SourcePort == workflow.PortDefault {
			return e.TargetNodeID, nil
		}
	}
	return "", fmt.Errorf("%w: node %s port %q", ErrDeadEnd, nodeID, port)
}

// IsGraphFault reports whether err is a defect of the deployed graph. These
// are never retried.
func IsGraphFault(err error) bool {
	return errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrDeadEnd) ||
		errors.Is(err, ErrStepLimit) ||
		errors.Is(err, ErrNoHandler) ||
		errors.Is(err, ErrNoEntry) ||
		errors.Is(err, workflow.ErrInvalidConfig) ||
		errors.Is(err, workflow.ErrUnknownNodeType)
}

// expandVars replaces {{name}} placeholders with session variables. Unknown
// placeholders are left as they are.
func expandVars(s string, vars map[string]string) string {
	if !strings.Contains(s, "{{") || len(vars) == 0 {
		return s
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
