package simulate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callflow-platform/internal/engine"
	"callflow-platform/internal/workflow"
)

// InputTimeout in Scenario.Digits stands for a caller who pressed nothing.
const InputTimeout = "timeout"

var ErrInvalidScenario = errors.New("simulate: invalid scenario")

// Scenario is the mock call a simulation runs against. Digits feed the
// suspend points in order.
type Scenario struct {
	Direction string            `json:"direction,omitempty"`
	Caller    string            `json:"caller,omitempty"`
	Callee    string            `json:"callee,omitempty"`
	Now       time.Time         `json:"now,omitempty"`
	Vars      map[string]string `json:"vars,omitempty"`
	Digits    []string          `json:"digits,omitempty"`
	// AMD "machine" delivers an answering-machine result once the walk first
	// waits for input or ends, the way async detection arrives on a live call.
	AMD string `json:"amd,omitempty"`
}

type Status string

const (
	StatusCompleted     Status = "completed"
	StatusAwaitingInput Status = "awaiting_input"
	StatusFault         Status = "fault"
)

// Result is everything a simulation observed. Two runs of one scenario over
// one version produce equal Results.
type Result struct {
	Status       Status               `json:"status"`
	Outcome      string               `json:"outcome,omitempty"`
	NodeID       string               `json:"node_id,omitempty"`
	Trace        []engine.Step        `json:"trace"`
	Instructions []engine.Instruction `json:"instructions"`
	Vars         map[string]string    `json:"vars"`
	Steps        int                  `json:"steps"`
	Fault        string               `json:"fault,omitempty"`
}

// TraceIDs lists the visited node ids in order.
func (r Result) TraceIDs() []string {
	out := make([]string, 0, len(r.Trace))
	for _, s := range r.Trace {
		out = append(out, s.NodeID)
	}
	return out
}

// VersionSource loads the version a simulation runs against.
type VersionSource interface {
	GetVersion(ctx context.Context, workspaceID, versionID string) (workflow.Version, error)
}

// Sandbox runs the execution engine against mock input. Nothing it does
// reaches a call-control provider or a session store.
type Sandbox struct {
	engine   *engine.Engine
	versions VersionSource

	// Now is the clock used when a scenario does not pin one.
	Now func() time.Time
}

func New(eng *engine.Engine, versions VersionSource) *Sandbox {
	if eng == nil {
		eng = engine.New(nil, 0)
	}
	return &Sandbox{engine: eng, versions: versions, Now: time.Now}
}

// Run simulates sc against a stored version of workspaceID.
func (s *Sandbox) Run(ctx context.Context, workspaceID, versionID string, sc Scenario) (Result, error) {
	if s.versions == nil {
		return Result{}, errors.New("simulate: no version source configured")
	}
	ver, err := s.versions.GetVersion(ctx, workspaceID, versionID)
	if err != nil {
		return Result{}, err
	}
	if sc.Now.IsZero() {
		sc.Now = s.Now()
	}
	return Simulate(ctx, s.engine, ver, sc)
}

// Simulate walks ver for sc. Graph faults end the run with StatusFault; only
// an invalid scenario or a cancelled ctx is an error.
func Simulate(ctx context.Context, eng *engine.Engine, ver workflow.Version, sc Scenario) (Result, error) {
	switch sc.Direction {
	case "":
		sc.Direction = "inbound"
	case "inbound", "outbound":
	default:
		return Result{}, fmt.Errorf("%w: direction %q", ErrInvalidScenario, sc.Direction)
	}
	if sc.Now.IsZero() {
		return Result{}, fmt.Errorf("%w: now is required", ErrInvalidScenario)
	}

	vars := make(map[string]string, len(sc.Vars))
	for k, v := range sc.Vars {
		vars[k] = v
	}
	env := &engine.Env{
		CallID:    "simulation",
		Direction: sc.Direction,
		Caller:    sc.Caller,
		Callee:    sc.Callee,
		Vars:      vars,
		Now:       sc.Now,
	}
	rec := &engine.Recorder{}
	var cur engine.Cursor

	run, err := eng.Start(ctx, ver, env, &cur, rec)
	amdPending := sc.AMD == "machine"
	digits := sc.Digits
	for err == nil {
		if amdPending {
			amdPending = false
			if run.Status == engine.RunSuspended {
				var done bool
				run, done, err = answeringMachine(ctx, eng, ver, env, &cur, rec)
				if done || err != nil {
					break
				}
				continue
			}
		}
		if run.Status != engine.RunSuspended {
			break
		}
		if len(digits) == 0 {
			break
		}
		in := engine.Input{Digits: digits[0]}
		if in.Digits == InputTimeout || in.Digits == "" {
			in = engine.Input{Timeout: true}
		}
		digits = digits[1:]
		run, err = eng.Resume(ctx, ver, env, &cur, in, rec)
	}

	res := Result{
		NodeID:       run.NodeID,
		Trace:        append([]engine.Step{}, cur.Trace...),
		Instructions: append([]engine.Instruction{}, rec.Instructions...),
		Vars:         env.Vars,
		Steps:        cur.Steps,
	}
	switch {
	case err != nil && ctx.Err() != nil:
		return Result{}, err
	case err != nil:
		res.Status = StatusFault
		res.Fault = err.Error()
		res.NodeID = cur.NodeID
	case run.Status == engine.RunCompleted:
		res.Status = StatusCompleted
		res.Outcome = run.Outcome
	default:
		res.Status = StatusAwaitingInput
	}
	return res, nil
}

// answeringMachine applies the entry trigger's AMD policy. done reports that
// the walk ended without running the graph further.
func answeringMachine(ctx context.Context, eng *engine.Engine, ver workflow.Version, env *engine.Env, cur *engine.Cursor, sink engine.Sink) (engine.Run, bool, error) {
	hangup := func() (engine.Run, bool, error) {
		err := sink.Emit(ctx, engine.Instruction{Kind: engine.KindHangup, Reason: "machine"})
		cur.Done = true
		return engine.Run{Status: engine.RunCompleted, Outcome: "machine", NodeID: cur.NodeID}, true, err
	}
	switch engine.TriggerConfig(ver, cur.EntryNodeID).AMDPolicy {
	case workflow.AMDRoute:
		run, err := eng.Jump(ctx, ver, env, cur, workflow.PortMachine, sink)
		if errors.Is(err, engine.ErrNoRoute) {
			return hangup()
		}
		return run, false, err
	case workflow.AMDHangup:
		return hangup()
	default:
		return engine.Run{Status: engine.RunSuspended, NodeID: cur.NodeID}, false, nil
	}
}
