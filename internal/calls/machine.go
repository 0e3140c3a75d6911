package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"callflow-platform/internal/bridge"
	"callflow-platform/internal/engine"
	"callflow-platform/internal/workflow"
	"callflow-platform/pkg/logger"
)

// Disposition is what Apply did with an event. Duplicates, late events and
// unknown calls are expected under at-least-once delivery and are not errors.
type Disposition string

const (
	Applied     Disposition = "applied"
	Duplicate   Disposition = "duplicate"
	Ignored     Disposition = "ignored"
	UnknownCall Disposition = "unknown_call"
	Forwarded   Disposition = "forwarded"
)

// Outcomes set by the state machine itself; node outcomes come from the graph.
const (
	OutcomeAbandoned     = "abandoned"
	OutcomeCallerHangup  = "caller_hangup"
	OutcomeMachine       = "machine"
	OutcomeInternalError = "internal_error"
)

var (
	ErrCapacity       = errors.New("calls: workspace at concurrent call limit")
	ErrInvalidSession = errors.New("calls: invalid session")
)

type FaultKind string

const (
	FaultNodeNotFound FaultKind = "node_not_found"
	FaultDeadEnd      FaultKind = "dead_end"
	FaultStepLimit    FaultKind = "step_limit"
	FaultInstruction  FaultKind = "instruction_failed"
	FaultInternal     FaultKind = "internal"
)

// SessionFault ends a session in FAILED. It is returned after the session has
// been archived, so callers only need to log it.
type SessionFault struct {
	Kind   FaultKind
	CallID string
	NodeID string
	Err    error
}

func (f *SessionFault) Error() string {
	return fmt.Sprintf("calls: session %s failed at node %s (%s): %v", f.CallID, f.NodeID, f.Kind, f.Err)
}

func (f *SessionFault) Unwrap() error { return f.Err }

func classifyFault(err error) FaultKind {
	switch {
	case errors.Is(err, engine.ErrNodeNotFound):
		return FaultNodeNotFound
	case errors.Is(err, engine.ErrDeadEnd):
		return FaultDeadEnd
	case errors.Is(err, engine.ErrStepLimit):
		return FaultStepLimit
	case errors.Is(err, bridge.ErrInstructionFailed):
		return FaultInstruction
	default:
		return FaultInternal
	}
}

// VersionLoader reads the version a session is pinned to.
type VersionLoader interface {
	GetVersion(ctx context.Context, workspaceID, versionID string) (workflow.Version, error)
}

// Executor carries engine instructions to the customer leg.
type Executor interface {
	Execute(ctx context.Context, leg bridge.Leg, in engine.Instruction) error
	Flush(ctx context.Context, leg bridge.Leg) error
}

type FaultAuditor interface {
	LogSessionFault(ctx context.Context, workspaceID, workflowID, versionID, callID, reason, metadata string) error
}

type MachineDeps struct {
	Store    Store
	Archive  Archive
	Notifier Notifier
	Versions VersionLoader
	Engine   *engine.Engine
	Bridge   Executor
	Locks    Locker
	Capacity Capacity
	Audit    FaultAuditor
	Log      *slog.Logger
}

// Machine is the call session state machine. Every event for one call runs
// under that call's lock; different calls never wait on each other.
type Machine struct {
	store    Store
	archive  Archive
	notifier Notifier
	versions VersionLoader
	engine   *engine.Engine
	bridge   Executor
	locks    Locker
	capacity Capacity
	audit    FaultAuditor
	log      *slog.Logger

	// published versions never change, so they are cached by id
	cache sync.Map

	Now   func() time.Time
	NewID func() string
}

func NewMachine(d MachineDeps) *Machine {
	m := &Machine{
		store:    d.Store,
		archive:  d.Archive,
		notifier: d.Notifier,
		versions: d.Versions,
		engine:   d.Engine,
		bridge:   d.Bridge,
		locks:    d.Locks,
		capacity: d.Capacity,
		audit:    d.Audit,
		log:      d.Log,
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.archive == nil {
		m.archive = NewMemoryArchive()
	}
	if m.notifier == nil {
		m.notifier = NewMemoryNotifier()
	}
	if m.engine == nil {
		m.engine = engine.New(nil, 0)
	}
	if m.locks == nil {
		m.locks = NewKeyedMutex()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// OpenRequest starts tracking a call. Slot is a reservation the caller
// already took with Reserve; empty means Open reserves one itself.
type OpenRequest struct {
	WorkspaceID    string
	ProviderCallID string
	WorkflowID     string
	VersionID      string
	CampaignID     string
	Direction      Direction
	From           string
	To             string
	Vars           map[string]string
	Slot           string
}

// Open creates the INITIATED session for a call. Opening a call that is
// already tracked returns the existing session unchanged.
func (m *Machine) Open(ctx context.Context, req OpenRequest) (Session, error) {
	if req.WorkspaceID == "" || req.ProviderCallID == "" || req.VersionID == "" {
		return Session{}, fmt.Errorf("%w: workspace, provider call id and version are required", ErrInvalidSession)
	}
	if req.Direction != DirectionInbound && req.Direction != DirectionOutbound {
		return Session{}, fmt.Errorf("%w: direction %q", ErrInvalidSession, req.Direction)
	}

	unlock, err := m.locks.Lock(ctx, req.ProviderCallID)
	if err != nil {
		return Session{}, err
	}
	defer unlock()

	existing, err := m.lookup(ctx, req.ProviderCallID)
	if err == nil {
		if req.Slot != "" && req.Slot != existing.Slot {
			m.release(ctx, req.WorkspaceID, req.Slot)
		}
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}

	slot := req.Slot
	if slot == "" {
		if slot, err = m.Reserve(ctx, req.WorkspaceID); err != nil {
			return Session{}, err
		}
	}

	now := m.Now().UTC()
	vars := make(map[string]string, len(req.Vars))
	for k, v := range req.Vars {
		vars[k] = v
	}
	s := Session{
		ID:             m.NewID(),
		WorkspaceID:    req.WorkspaceID,
		ProviderCallID: req.ProviderCallID,
		WorkflowID:     req.WorkflowID,
		VersionID:      req.VersionID,
		CampaignID:     req.CampaignID,
		Direction:      req.Direction,
		From:           req.From,
		To:             req.To,
		State:          StateInitiated,
		Vars:           vars,
		Slot:           slot,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastEventAt:    now,
	}
	if err := m.store.Create(ctx, s); err != nil {
		m.release(ctx, req.WorkspaceID, slot)
		if errors.Is(err, ErrSessionExists) {
			return m.store.Get(ctx, req.ProviderCallID)
		}
		return Session{}, err
	}
	m.log.Info("call session opened",
		"call_id", s.ID,
		"provider_call_id", s.ProviderCallID,
		"workspace_id", s.WorkspaceID,
		"workflow_id", s.WorkflowID,
		"version_id", s.VersionID,
		"direction", s.Direction,
	)
	return s, nil
}

// lookup finds a live or archived session.
func (m *Machine) lookup(ctx context.Context, providerCallID string) (Session, error) {
	s, err := m.store.Get(ctx, providerCallID)
	if !errors.Is(err, ErrNotFound) {
		return s, err
	}
	return m.archive.FindByProviderCallID(ctx, providerCallID)
}

// Reserve takes one live-call slot for workspaceID and returns the
// reservation token that releases it.
func (m *Machine) Reserve(ctx context.Context, workspaceID string) (string, error) {
	token := m.NewID()
	if m.capacity == nil {
		return token, nil
	}
	ok, err := m.capacity.Acquire(ctx, workspaceID, token)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrCapacity
	}
	return token, nil
}

// Release gives back a slot taken with Reserve for a call that never opened.
func (m *Machine) Release(ctx context.Context, workspaceID, slot string) {
	m.release(ctx, workspaceID, slot)
}

func (m *Machine) release(ctx context.Context, workspaceID, slot string) {
	if m.capacity == nil || slot == "" {
		return
	}
	if err := m.capacity.Release(ctx, workspaceID, slot); err != nil {
		m.log.Warn("capacity release failed", "workspace_id", workspaceID, "err", err)
	}
}

// Get returns the live or archived session for a provider call id.
func (m *Machine) Get(ctx context.Context, providerCallID string) (Session, error) {
	return m.lookup(ctx, providerCallID)
}

// Apply runs one normalized event against the session it belongs to.
func (m *Machine) Apply(ctx context.Context, ev Event) (Disposition, State, error) {
	if ev.ProviderCallID == "" {
		return Ignored, "", nil
	}
	if ev.At.IsZero() {
		ev.At = m.Now().UTC()
	}

	unlock, err := m.locks.Lock(ctx, ev.ProviderCallID)
	if err != nil {
		return "", "", err
	}
	defer unlock()

	s, err := m.store.Get(ctx, ev.ProviderCallID)
	if errors.Is(err, ErrNotFound) {
		return m.applyArchived(ctx, ev)
	}
	if err != nil {
		return "", "", err
	}
	if s.State.IsTerminal() {
		return Duplicate, s.State, nil
	}
	if s.Vars == nil {
		s.Vars = map[string]string{}
	}
	s.LastEventAt = ev.At
	s.UpdatedAt = m.Now().UTC()

	switch ev.Type {
	case EventRinging:
		if s.State != StateInitiated {
			return Duplicate, s.State, nil
		}
		s.State = StateRinging
		return m.put(ctx, &s)

	case EventAnswered:
		if s.State.rank() >= StateAnswered.rank() {
			return Duplicate, s.State, nil
		}
		at := ev.At
		s.State = StateAnswered
		s.AnsweredAt = &at
		return m.start(ctx, &s)

	case EventDTMFDigit:
		if s.State != StateInProgress || !s.Cursor.Suspended {
			return Ignored, s.State, nil
		}
		if node := ev.Payload["node_id"]; node != "" && node != s.Cursor.NodeID {
			// a retried gather for a node the walk already left
			return Duplicate, s.State, nil
		}
		return m.resume(ctx, &s, engine.Input{Digits: ev.Digits, Timeout: ev.Timeout})

	case EventAMDResult:
		if ev.AMD == "" || s.AMDResult == ev.AMD {
			return Duplicate, s.State, nil
		}
		s.AMDResult = ev.AMD
		if ev.AMD != AMDMachine || s.State != StateInProgress {
			return m.put(ctx, &s)
		}
		return m.answeringMachine(ctx, &s)

	case EventCompleted:
		if s.State.rank() < StateAnswered.rank() {
			s.Outcome = OutcomeAbandoned
			return m.finish(ctx, &s, StateAbandoned, ev)
		}
		if s.Outcome == "" {
			s.Outcome = OutcomeCallerHangup
		}
		return m.finish(ctx, &s, StateCompleted, ev)

	case EventFailed:
		s.FailureReason = ev.Reason
		if s.FailureReason == "" {
			s.FailureReason = "provider_failed"
		}
		return m.finish(ctx, &s, StateFailed, ev)

	case EventRecordingReady:
		if ev.RecordingURL == "" || s.RecordingURL == ev.RecordingURL {
			return Duplicate, s.State, nil
		}
		s.RecordingURL = ev.RecordingURL
		if _, _, err := m.put(ctx, &s); err != nil {
			return "", "", err
		}
		m.notify(ctx, s, NotifyRecordingReady, ev.At, 0)
		return Forwarded, s.State, nil

	default:
		return Ignored, s.State, nil
	}
}

// Reprompt re-issues the prompt of the node a suspended walk is parked on.
// It serves a provider retrying a webhook whose response carried that
// prompt. It reports false when the call is not waiting for input.
func (m *Machine) Reprompt(ctx context.Context, providerCallID string) (bool, error) {
	unlock, err := m.locks.Lock(ctx, providerCallID)
	if err != nil {
		return false, err
	}
	defer unlock()

	s, err := m.store.Get(ctx, providerCallID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if s.State != StateInProgress || !s.Cursor.Suspended || s.Cursor.Done {
		return false, nil
	}
	ver, err := m.version(ctx, &s)
	if err != nil {
		return false, err
	}
	in, err := m.engine.Prompt(ctx, ver, m.env(&s), s.Cursor)
	if err != nil {
		return false, err
	}
	if err := m.sink(&s).Emit(ctx, in); err != nil {
		return false, err
	}
	if err := m.flush(ctx, &s); err != nil {
		return false, err
	}
	return true, nil
}

// applyArchived handles events for calls no longer live. Only a recording
// arriving after the call ended still matters.
func (m *Machine) applyArchived(ctx context.Context, ev Event) (Disposition, State, error) {
	s, err := m.archive.FindByProviderCallID(ctx, ev.ProviderCallID)
	if errors.Is(err, ErrNotFound) {
		return UnknownCall, "", nil
	}
	if err != nil {
		return "", "", err
	}
	if ev.Type != EventRecordingReady || ev.RecordingURL == "" || s.RecordingURL == ev.RecordingURL {
		return Duplicate, s.State, nil
	}
	s.RecordingURL = ev.RecordingURL
	if err := m.archive.Save(ctx, s); err != nil {
		return "", "", err
	}
	m.notify(ctx, s, NotifyRecordingReady, ev.At, 0)
	return Forwarded, s.State, nil
}

func (m *Machine) put(ctx context.Context, s *Session) (Disposition, State, error) {
	if err := m.store.Put(ctx, *s); err != nil {
		return "", "", err
	}
	return Applied, s.State, nil
}

func (m *Machine) version(ctx context.Context, s *Session) (workflow.Version, error) {
	if v, ok := m.cache.Load(s.VersionID); ok {
		return v.(workflow.Version), nil
	}
	if m.versions == nil {
		return workflow.Version{}, errors.New("calls: no version loader configured")
	}
	v, err := m.versions.GetVersion(ctx, s.WorkspaceID, s.VersionID)
	if err != nil {
		return workflow.Version{}, err
	}
	if v.PublishedAt != nil {
		m.cache.Store(s.VersionID, v)
	}
	return v, nil
}

func (m *Machine) env(s *Session) *engine.Env {
	caller, callee := s.From, s.To
	if s.Direction == DirectionOutbound {
		caller, callee = s.To, s.From
	}
	return &engine.Env{
		CallID:    s.ID,
		Direction: string(s.Direction),
		Caller:    caller,
		Callee:    callee,
		Vars:      s.Vars,
		Now:       m.Now(),
	}
}

func legOf(s *Session) bridge.Leg {
	local := s.To
	if s.Direction == DirectionOutbound {
		local = s.From
	}
	return bridge.Leg{ID: s.ProviderCallID, CallID: s.ID, WorkspaceID: s.WorkspaceID, LocalNumber: local}
}

func (m *Machine) sink(s *Session) engine.Sink {
	leg := legOf(s)
	return engine.SinkFunc(func(ctx context.Context, in engine.Instruction) error {
		if m.bridge == nil {
			return fmt.Errorf("%w: no bridge configured", bridge.ErrInstructionFailed)
		}
		return m.bridge.Execute(ctx, leg, in)
	})
}

func (m *Machine) start(ctx context.Context, s *Session) (Disposition, State, error) {
	ver, err := m.version(ctx, s)
	if err != nil {
		return m.fault(ctx, s, err)
	}
	if s.AMDResult == AMDMachine {
		// The detector reported before the answer: apply its policy in place
		// of the normal walk.
		entry, err := engine.SelectEntry(ver, string(s.Direction))
		if err != nil {
			return m.fault(ctx, s, err)
		}
		switch engine.TriggerConfig(ver, entry.ID).AMDPolicy {
		case workflow.AMDRoute, workflow.AMDHangup:
			s.Cursor = engine.Cursor{EntryNodeID: entry.ID, NodeID: entry.ID, Trace: []engine.Step{}}
			return m.answeringMachine(ctx, s)
		}
	}
	run, err := m.engine.Start(ctx, ver, m.env(s), &s.Cursor, m.sink(s))
	return m.settle(ctx, s, run, err)
}

func (m *Machine) resume(ctx context.Context, s *Session, in engine.Input) (Disposition, State, error) {
	ver, err := m.version(ctx, s)
	if err != nil {
		return m.fault(ctx, s, err)
	}
	run, err := m.engine.Resume(ctx, ver, m.env(s), &s.Cursor, in, m.sink(s))
	return m.settle(ctx, s, run, err)
}

// answeringMachine applies the entry trigger's AMD policy.
func (m *Machine) answeringMachine(ctx context.Context, s *Session) (Disposition, State, error) {
	ver, err := m.version(ctx, s)
	if err != nil {
		return m.fault(ctx, s, err)
	}
	switch engine.TriggerConfig(ver, s.Cursor.EntryNodeID).AMDPolicy {
	case workflow.AMDRoute:
		run, err := m.engine.Jump(ctx, ver, m.env(s), &s.Cursor, workflow.PortMachine, m.sink(s))
		if !errors.Is(err, engine.ErrNoRoute) {
			return m.settle(ctx, s, run, err)
		}
		m.log.Warn("amd route has no machine edge, hanging up", "call_id", s.ID, "entry_node_id", s.Cursor.EntryNodeID)
		return m.hangupMachine(ctx, s)
	case workflow.AMDHangup:
		return m.hangupMachine(ctx, s)
	default:
		return m.put(ctx, s)
	}
}

func (m *Machine) hangupMachine(ctx context.Context, s *Session) (Disposition, State, error) {
	err := m.sink(s).Emit(ctx, engine.Instruction{Kind: engine.KindHangup, Reason: OutcomeMachine})
	if err == nil {
		err = m.flush(ctx, s)
	}
	if err != nil {
		return m.fault(ctx, s, err)
	}
	s.Cursor.Done = true
	s.Outcome = OutcomeMachine
	return m.finish(ctx, s, StateCompleted, Event{At: m.Now().UTC()})
}

func (m *Machine) flush(ctx context.Context, s *Session) error {
	if m.bridge == nil {
		return nil
	}
	return m.bridge.Flush(ctx, legOf(s))
}

// settle records where a walk stopped: a finished walk completes the session,
// a suspended one leaves it IN_PROGRESS waiting for input.
func (m *Machine) settle(ctx context.Context, s *Session, run engine.Run, err error) (Disposition, State, error) {
	if err == nil {
		err = m.flush(ctx, s)
	}
	if err != nil {
		return m.fault(ctx, s, err)
	}
	if run.Status == engine.RunCompleted {
		s.Outcome = run.Outcome
		return m.finish(ctx, s, StateCompleted, Event{At: m.Now().UTC()})
	}
	s.State = StateInProgress
	return m.put(ctx, s)
}

// fault ends the session in FAILED with full context in the log. The caller
// leg is hung up on a best-effort basis.
func (m *Machine) fault(ctx context.Context, s *Session, cause error) (Disposition, State, error) {
	f := &SessionFault{Kind: classifyFault(cause), CallID: s.ID, NodeID: s.Cursor.NodeID, Err: cause}
	log := logger.Session(m.log, s.ID, s.ProviderCallID, s.WorkflowID, s.VersionID)
	log.Error("call session fault",
		"workspace_id", s.WorkspaceID,
		"node_id", s.Cursor.NodeID,
		"state", s.State,
		"steps", s.Cursor.Steps,
		"kind", f.Kind,
		"err", cause,
	)

	if m.bridge != nil {
		leg := legOf(s)
		herr := m.bridge.Execute(ctx, leg, engine.Instruction{Kind: engine.KindHangup, Reason: OutcomeInternalError})
		if herr == nil {
			herr = m.bridge.Flush(ctx, leg)
		}
		if herr != nil {
			log.Warn("hangup after fault failed", "err", herr)
		}
	}

	s.Outcome = OutcomeInternalError
	s.FailureReason = string(f.Kind)
	if _, _, err := m.finish(ctx, s, StateFailed, Event{At: m.Now().UTC()}); err != nil {
		return "", "", err
	}

	if m.audit != nil {
		meta, _ := json.Marshal(map[string]any{
			"kind":             f.Kind,
			"node_id":          f.NodeID,
			"steps":            s.Cursor.Steps,
			"provider_call_id": s.ProviderCallID,
			"error":            cause.Error(),
		})
		if err := m.audit.LogSessionFault(ctx, s.WorkspaceID, s.WorkflowID, s.VersionID, s.ID, string(f.Kind), string(meta)); err != nil {
			log.Warn("audit session fault failed", "err", err)
		}
	}
	return Applied, StateFailed, f
}

// finish archives the session in its terminal state and releases everything
// it held. A failed archive leaves the live session in place so the
// provider's retry can finish it.
func (m *Machine) finish(ctx context.Context, s *Session, state State, ev Event) (Disposition, State, error) {
	at := ev.At
	s.State = state
	s.EndedAt = &at
	s.UpdatedAt = m.Now().UTC()

	if err := m.archive.Save(ctx, *s); err != nil {
		return "", "", fmt.Errorf("calls: archive %s: %w", s.ID, err)
	}
	if err := m.store.Delete(ctx, s.ProviderCallID); err != nil {
		m.log.Warn("live session delete failed", "call_id", s.ID, "err", err)
	}
	m.release(ctx, s.WorkspaceID, s.Slot)

	durationMs := s.DurationMs()
	if ev.DurationSeconds > 0 {
		durationMs = int64(ev.DurationSeconds) * 1000
	}
	m.notify(ctx, *s, NotifyCallEnded, at, durationMs)

	m.log.Info("call session ended",
		"call_id", s.ID,
		"provider_call_id", s.ProviderCallID,
		"workspace_id", s.WorkspaceID,
		"state", s.State,
		"outcome", s.Outcome,
		"duration_ms", durationMs,
		"steps", s.Cursor.Steps,
	)
	return Applied, s.State, nil
}

// notify is fire-and-forget: a failed notification never fails the call.
func (m *Machine) notify(ctx context.Context, s Session, kind NotificationKind, at time.Time, durationMs int64) {
	if m.notifier == nil {
		return
	}
	n := Notification{
		Kind:           kind,
		CallID:         s.ID,
		ProviderCallID: s.ProviderCallID,
		WorkspaceID:    s.WorkspaceID,
		State:          s.State,
		Outcome:        s.Outcome,
		DurationMs:     durationMs,
		RecordingURL:   s.RecordingURL,
		At:             at,
	}
	if kind == NotifyRecordingReady {
		n.DurationMs = s.DurationMs()
	}
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.log.Warn("downstream notify failed", "call_id", s.ID, "kind", kind, "err", err)
	}
}
