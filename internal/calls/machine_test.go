package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"callflow-platform/internal/audit"
	"callflow-platform/internal/bridge"
	"callflow-platform/internal/engine"
	"callflow-platform/internal/routing"
	"callflow-platform/internal/telephony"
	"callflow-platform/internal/workflow"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type stubVersions map[string]workflow.Version

func (s stubVersions) GetVersion(_ context.Context, _ string, versionID string) (workflow.Version, error) {
	v, ok := s[versionID]
	if !ok {
		return workflow.Version{}, workflow.ErrNotFound
	}
	return v, nil
}

func mkNode(id string, t workflow.NodeType, entry bool, cfg any) workflow.Node {
	n := workflow.Node{ID: id, Type: t, Label: id, IsEntry: entry}
	if cfg != nil {
		b, err := json.Marshal(cfg)
		if err != nil {
			panic(err)
		}
		n.Config = b
	}
	return n
}

func mkEdge(from, port, to string) workflow.Edge {
	return workflow.Edge{ID: from + ">" + port + ">" + to, SourceNodeID: from, SourcePort: port, TargetNodeID: to}
}

func published(id string, nodes []workflow.Node, edges []workflow.Edge) workflow.Version {
	at := testNow.Add(-time.Hour)
	return workflow.Version{ID: id, WorkflowID: "wf", Number: 1, Active: true, PublishedAt: &at, Nodes: nodes, Edges: edges}
}

// menuVersion: entry -> menu; 1 -> sales (end), default -> bye (end).
func menuVersion(id string, trigger map[string]any) workflow.Version {
	return published(id,
		[]workflow.Node{
			mkNode("entry", workflow.NodeTrigger, true, trigger),
			mkNode("menu", workflow.NodeIVRMenu, false, map[string]any{
				"prompt_text": "Press 1 for sales",
				"options":     []map[string]any{{"digit": "1"}},
			}),
			mkNode("sales", workflow.NodeEndCall, false, map[string]any{"message": "Thanks", "outcome": "sales"}),
			mkNode("bye", workflow.NodeEndCall, false, map[string]any{"outcome": "fallback"}),
			mkNode("vm", workflow.NodeEndCall, false, map[string]any{"message": "Please call us back", "outcome": "voicemail_drop"}),
		},
		[]workflow.Edge{
			mkEdge("entry", "", "menu"),
			mkEdge("entry", workflow.PortMachine, "vm"),
			mkEdge("menu", "1", "sales"),
			mkEdge("menu", "", "bye"),
		},
	)
}

func loopVersion(id string) workflow.Version {
	return published(id,
		[]workflow.Node{
			mkNode("entry", workflow.NodeTrigger, true, nil),
			mkNode("a", workflow.NodeTextToSpeech, false, map[string]any{"text": "a"}),
			mkNode("b", workflow.NodeTextToSpeech, false, map[string]any{"text": "b"}),
		},
		[]workflow.Edge{
			mkEdge("entry", "", "a"),
			mkEdge("a", "", "b"),
			mkEdge("b", "", "a"),
		},
	)
}

type harness struct {
	m        *Machine
	control  *telephony.MemoryControl
	store    *MemoryStore
	archive  *MemoryArchive
	notifier *MemoryNotifier
	capacity *MemoryCapacity
	audit    *audit.MemoryRepo
	dir      *routing.MemoryDirectory
	bridge   *bridge.Coordinator
}

func newHarness(t *testing.T, limit int, versions ...workflow.Version) *harness {
	t.Helper()
	h := &harness{
		control:  telephony.NewMemoryControl(),
		store:    NewMemoryStore(),
		archive:  NewMemoryArchive(),
		notifier: NewMemoryNotifier(),
		capacity: NewMemoryCapacity(limit),
		audit:    audit.NewMemoryRepo(),
		dir:      routing.NewMemoryDirectory(),
	}
	h.bridge = bridge.NewCoordinator(h.control, h.dir, nil, bridge.Options{BaseURL: "https://cb.example", RetryDelay: time.Millisecond}, nil)
	vs := stubVersions{}
	for _, v := range versions {
		vs[v.ID] = v
	}
	h.m = NewMachine(MachineDeps{
		Store:    h.store,
		Archive:  h.archive,
		Notifier: h.notifier,
		Versions: vs,
		Engine:   engine.New(nil, 10),
		Bridge:   h.bridge,
		Locks:    NewKeyedMutex(),
		Capacity: h.capacity,
		Audit:    audit.NewService(h.audit),
	})
	h.m.Now = func() time.Time { return testNow }
	seq := 0
	h.m.NewID = func() string {
		seq++
		return fmt.Sprintf("call-%d", seq)
	}
	return h
}

func (h *harness) open(t *testing.T, providerCallID, versionID string) Session {
	t.Helper()
	s, err := h.m.Open(context.Background(), OpenRequest{
		WorkspaceID:    "w1",
		ProviderCallID: providerCallID,
		WorkflowID:     "wf",
		VersionID:      versionID,
		Direction:      DirectionInbound,
		From:           "+14155550111",
		To:             "+14155550100",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func (h *harness) apply(t *testing.T, ev Event) (Disposition, State) {
	t.Helper()
	d, st, err := h.m.Apply(context.Background(), ev)
	if err != nil {
		t.Fatalf("apply %s: %v", ev.Type, err)
	}
	return d, st
}

func (h *harness) answer(t *testing.T, providerCallID string) State {
	t.Helper()
	h.apply(t, Event{Type: EventRinging, ProviderCallID: providerCallID})
	_, st := h.apply(t, Event{Type: EventAnswered, ProviderCallID: providerCallID})
	return st
}

func TestMachine_IVRCallResumesOnDigit(t *testing.T) {
	h := newHarness(t, 10, menuVersion("v1", nil))
	s := h.open(t, "CA1", "v1")
	if s.State != StateInitiated || h.capacity.Live("w1") != 1 {
		t.Fatalf("unexpected open state %s live=%d", s.State, h.capacity.Live("w1"))
	}

	if d, st := h.apply(t, Event{Type: EventRinging, ProviderCallID: "CA1"}); d != Applied || st != StateRinging {
		t.Fatalf("ringing: %s %s", d, st)
	}
	if d, st := h.apply(t, Event{Type: EventAnswered, ProviderCallID: "CA1"}); d != Applied || st != StateInProgress {
		t.Fatalf("answered: %s %s", d, st)
	}
	live, err := h.store.Get(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !live.Cursor.Suspended || live.Cursor.NodeID != "menu" || live.AnsweredAt == nil {
		t.Fatalf("expected suspension at menu, got %+v", live.Cursor)
	}
	var gather *telephony.Gather
	for _, a := range h.control.Actions() {
		if a.Kind == telephony.ActionGather {
			gather = a.Gather
		}
	}
	if gather == nil || !strings.HasSuffix(gather.Action, telephony.PathGather+"?node_id=menu") {
		t.Fatalf("expected gather with node callback, got %+v", gather)
	}

	d, st := h.apply(t, Event{Type: EventDTMFDigit, ProviderCallID: "CA1", Digits: "1", Payload: map[string]string{"node_id": "menu"}})
	if d != Applied || st != StateCompleted {
		t.Fatalf("digit: %s %s", d, st)
	}

	archived, err := h.archive.FindByProviderCallID(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived.Outcome != "sales" || archived.Vars[engine.VarMenuChoice] != "1" {
		t.Fatalf("unexpected archived session %+v", archived)
	}
	trace := make([]string, 0, len(archived.Cursor.Trace))
	for _, st := range archived.Cursor.Trace {
		trace = append(trace, st.NodeID)
	}
	if strings.Join(trace, ",") != "entry,menu,sales" {
		t.Fatalf("unexpected trace %v", trace)
	}
	if h.store.Len() != 0 || h.capacity.Live("w1") != 0 {
		t.Fatalf("expected live session and slot released")
	}
	sent := h.notifier.Sent()
	if len(sent) != 1 || sent[0].Kind != NotifyCallEnded || sent[0].CallID != s.ID || sent[0].Outcome != "sales" {
		t.Fatalf("unexpected notifications %+v", sent)
	}
	if kinds := h.control.Kinds("CA1"); strings.Join(kinds, ",") != "gather,speak,hangup" {
		t.Fatalf("unexpected call control %v", kinds)
	}
}

func TestMachine_CompletedTwiceNotifiesOnce(t *testing.T) {
	h := newHarness(t, 10, menuVersion("v1", nil))
	h.open(t, "CA1", "v1")
	h.answer(t, "CA1")

	ev := Event{Type: EventCompleted, ProviderCallID: "CA1", DurationSeconds: 42}
	if d, st := h.apply(t, ev); d != Applied || st != StateCompleted {
		t.Fatalf("first completed: %s %s", d, st)
	}
	if d, st := h.apply(t, ev); d != Duplicate || st != StateCompleted {
		t.Fatalf("second completed: %s %s", d, st)
	}
	sent := h.notifier.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(sent))
	}
	if sent[0].DurationMs != 42000 || sent[0].Outcome != OutcomeCallerHangup {
		t.Fatalf("unexpected notification %+v", sent[0])
	}
}

func TestMachine_ReplayedTransitionsAreNoops(t *testing.T) {
	h := newHarness(t, 10, menuVersion("v1", nil))
	h.open(t, "CA1", "v1")
	h.answer(t, "CA1")

	if d, _ := h.apply(t, Event{Type: EventRinging, ProviderCallID: "CA1"}); d != Duplicate {
		t.Fatalf("replayed ringing: %s", d)
	}
	if d, _ := h.apply(t, Event{Type: EventAnswered, ProviderCallID: "CA1"}); d != Duplicate {
		t.Fatalf("replayed answered: %s", d)
	}
	if n := len(h.control.Kinds("CA1")); n != 1 {
		t.Fatalf("replay must not re-run the graph, got %d actions", n)
	}
}

func TestMachine_HangupBeforeAnswerIsAbandoned(t *testing.T) {
	h := newHarness(t, 10, menuVersion("v1", nil))
	h.open(t, "CA1", "v1")
	h.apply(t, Event{Type: EventRinging, ProviderCallID: "CA1"})

	if d, st := h.apply(t, Event{Type: EventCompleted, ProviderCallID: "CA1"}); d != Applied || st != StateAbandoned {
		t.Fatalf("completed while ringing: %s %s", d, st)
	}
	sent := h.notifier.Sent()
	if len(sent) != 1 || sent[0].Outcome != OutcomeAbandoned || sent[0].DurationMs != 0 {
		t.Fatalf("unexpected notifications %+v", sent)
	}
}

func TestMachine_ProviderFailure(t *testing.T) {
	h := newHarness(t, 10, menuVersion("v1", nil))
	h.open(t, "CA1", "v1")
	if d, st := h.apply(t, Event{Type: EventFailed, ProviderCallID: "CA1", Reason: "busy"}); d != Applied || st != StateFailed {
		t.Fatalf("failed: %s %s", d, st)
	}
	archived, _ := h.archive.FindByProviderCallID(context.Background(), "CA1")
	if archived.FailureReason != "busy" {
		t.Fatalf("failure reason %q", archived.FailureReason)
	}
}

func TestMachine_LateOrStaleDigits(t *testing.T) {
	h := newHarness(t, 10, menuVersion("v1", nil))
	h.open(t, "CA1", "v1")

	if d, _ := h.apply(t, Event{Type: EventDTMFDigit, ProviderCallID: "CA1", Digits: "1"}); d != Ignored {
		t.Fatalf("digit before answer: %s", d)
	}
	h.answer(t, "CA1")
	if d, st := h.apply(t, Event{Type: EventDTMFDigit, ProviderCallID: "CA1", Digits: "1", Payload: map[string]string{"node_id": "older"}}); d != Duplicate || st != StateInProgress {
		t.Fatalf("stale gather: %s %s", d, st)
	}
}

func TestMachine_UnknownCallIsAcknowledged(t *testing.T) {
	h := newHarness(t, 10)
	d, st, err := h.m.Apply(context.Background(), Event{Type: EventCompleted, ProviderCallID: "CA404"})
	if err != nil || d != UnknownCall || st != "" {
		t.Fatalf("unknown call: %s %s %v", d, st, err)
	}
}

func TestMachine_StepLimitFailsSession(t *testing.T) {
	h := newHarness(t, 10, loopVersion("v1"))
	h.open(t, "CA1", "v1")
	h.apply(t, Event{Type: EventRinging, ProviderCallID: "CA1"})

	d, st, err := h.m.Apply(context.Background(), Event{Type: EventAnswered, ProviderCallID: "CA1"})
	var fault *SessionFault
	if !errors.As(err, &fault) {
		t.Fatalf("expected session fault, got %v", err)
	}
	if fault.Kind != FaultStepLimit || !errors.Is(err, engine.ErrStepLimit) {
		t.Fatalf("unexpected fault %+v", fault)
	}
	if d != Applied || st != StateFailed {
		t.Fatalf("unexpected result %s %s", d, st)
	}

	archived, _ := h.archive.FindByProviderCallID(context.Background(), "CA1")
	if archived.State != StateFailed || archived.FailureReason != string(FaultStepLimit) || archived.Cursor.Steps != 10 {
		t.Fatalf("unexpected archived session %+v", archived)
	}
	kinds := h.control.Kinds("CA1")
	if kinds[len(kinds)-1] != telephony.ActionHangup {
		t.Fatalf("expected hangup after fault, got %v", kinds)
	}
	if evs := h.audit.Events(audit.EventTypeSessionFault); len(evs) != 1 || evs[0].CallID != archived.ID {
		t.Fatalf("expected one session fault audit, got %+v", evs)
	}
	if h.store.Len() != 0 || h.capacity.Live("w1") != 0 {
		t.Fatalf("faulted session must not stay live")
	}
}

func TestMachine_InstructionFailureFailsSession(t *testing.T) {
	h := newHarness(t, 10, menuVersion("v1", nil))
	h.control.Fail = func(a telephony.Action) error {
		if a.Kind == telephony.ActionGather {
			return telephony.ErrRejected
		}
		return nil
	}
	h.open(t, "CA1", "v1")
	h.apply(t, Event{Type: EventRinging, ProviderCallID: "CA1"})

	_, st, err := h.m.Apply(context.Background(), Event{Type: EventAnswered, ProviderCallID: "CA1"})
	var fault *SessionFault
	if !errors.As(err, &fault) || fault.Kind != FaultInstruction || fault.NodeID != "menu" {
		t.Fatalf("expected instruction fault at menu, got %v", err)
	}
	if !errors.Is(err, bridge.ErrInstructionFailed) || st != StateFailed {
		t.Fatalf("unexpected %v %s", err, st)
	}
}

func TestMachine_TransientFailureIsRetriedOnce(t *testing.T) {
	h := newHarness(t, 10, menuVersion("v1", nil))
	failed := false
	h.control.Fail = func(a telephony.Action) error {
		if a.Kind == telephony.ActionGather && !failed {
			failed = true
			return telephony.ErrProvider
		}
		return nil
	}
	h.open(t, "CA1", "v1")
	if st := h.answer(t, "CA1"); st != StateInProgress {
		t.Fatalf("expected retry to recover, got %s", st)
	}
}

func TestMachine_AMDPolicies(t *testing.T) {
	cases := []struct {
		name    string
		policy  string
		state   State
		outcome string
	}{
		{"hangup", "hangup", StateCompleted, OutcomeMachine},
		{"route", "route", StateCompleted, "voicemail_drop"},
		{"ignore", "ignore", StateInProgress, ""},
		{"default", "", StateInProgress, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trigger := map[string]any{}
			if tc.policy != "" {
				trigger["amd_policy"] = tc.policy
			}
			h := newHarness(t, 10, menuVersion("v1", trigger))
			h.open(t, "CA1", "v1")
			h.answer(t, "CA1")

			d, st := h.apply(t, Event{Type: EventAMDResult, ProviderCallID: "CA1", AMD: AMDMachine})
			if d != Applied || st != tc.state {
				t.Fatalf("amd: %s %s", d, st)
			}
			if tc.outcome != "" {
				archived, _ := h.archive.FindByProviderCallID(context.Background(), "CA1")
				if archived.Outcome != tc.outcome || archived.AMDResult != AMDMachine {
					t.Fatalf("unexpected archived session %+v", archived)
				}
			}
			if d, _ := h.apply(t, Event{Type: EventAMDResult, ProviderCallID: "CA1", AMD: AMDMachine}); d != Duplicate {
				t.Fatalf("replayed amd: %s", d)
			}
		})
	}
}

func TestMachine_AMDBeforeAnswerAppliesOnAnswer(t *testing.T) {
	cases := []struct {
		policy  string
		state   State
		outcome string
	}{
		{"hangup", StateCompleted, OutcomeMachine},
		{"route", StateCompleted, "voicemail_drop"},
		{"ignore", StateInProgress, ""},
	}
	for _, tc := range cases {
		t.Run(tc.policy, func(t *testing.T) {
			h := newHarness(t, 10, menuVersion("v1", map[string]any{"amd_policy": tc.policy}))
			h.open(t, "CA1", "v1")
			h.apply(t, Event{Type: EventRinging, ProviderCallID: "CA1"})
			if d, st := h.apply(t, Event{Type: EventAMDResult, ProviderCallID: "CA1", AMD: AMDMachine}); d != Applied || st != StateRinging {
				t.Fatalf("early amd: %s %s", d, st)
			}

			_, st := h.apply(t, Event{Type: EventAnswered, ProviderCallID: "CA1"})
			if st != tc.state {
				t.Fatalf("answered: got %s want %s", st, tc.state)
			}
			gathered := false
			for _, k := range h.control.Kinds("CA1") {
				if k == telephony.ActionGather {
					gathered = true
				}
			}
			if gathered != (tc.outcome == "") {
				t.Fatalf("menu gather emitted=%v for policy %s: %v", gathered, tc.policy, h.control.Kinds("CA1"))
			}
			if tc.outcome != "" {
				archived, err := h.archive.FindByProviderCallID(context.Background(), "CA1")
				if err != nil || archived.Outcome != tc.outcome || h.capacity.Live("w1") != 0 {
					t.Fatalf("unexpected archived session %+v err=%v", archived, err)
				}
			}
		})
	}
}

func TestMachine_ConcurrentDigitsAdvanceOnce(t *testing.T) {
	h := newHarness(t, 10, menuVersion("v1", nil))
	h.open(t, "CA1", "v1")
	h.answer(t, "CA1")

	ev := Event{Type: EventDTMFDigit, ProviderCallID: "CA1", Digits: "1", Payload: map[string]string{"node_id": "menu"}}
	const workers = 2
	disps := make([]Disposition, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			disps[i], _, errs[i] = h.m.Apply(context.Background(), ev)
		}(i)
	}
	wg.Wait()

	applied, dup := 0, 0
	for i := range disps {
		if errs[i] != nil {
			t.Fatalf("apply %d: %v", i, errs[i])
		}
		switch disps[i] {
		case Applied:
			applied++
		case Duplicate:
			dup++
		}
	}
	if applied != 1 || dup != 1 {
		t.Fatalf("expected one applied and one duplicate, got %v", disps)
	}

	archived, err := h.archive.FindByProviderCallID(context.Background(), "CA1")
	if err != nil || archived.Outcome != "sales" {
		t.Fatalf("unexpected archived session %+v err=%v", archived, err)
	}
	menuVisits := 0
	for _, st := range archived.Cursor.Trace {
		if st.NodeID == "menu" {
			menuVisits++
		}
	}
	if menuVisits != 1 {
		t.Fatalf("menu left %d times, trace %+v", menuVisits, archived.Cursor.Trace)
	}
	hangups := 0
	for _, k := range h.control.Kinds("CA1") {
		if k == telephony.ActionHangup {
			hangups++
		}
	}
	if hangups != 1 {
		t.Fatalf("expected one hangup, got %v", h.control.Kinds("CA1"))
	}
}

func TestMachine_AMDHumanIsRecordedOnly(t *testing.T) {
	h := newHarness(t, 10, menuVersion("v1", map[string]any{"amd_policy": "hangup"}))
	h.open(t, "CA1", "v1")
	h.answer(t, "CA1")
	if _, st := h.apply(t, Event{Type: EventAMDResult, ProviderCallID: "CA1", AMD: AMDHuman}); st != StateInProgress {
		t.Fatalf("human answer must not end the call, got %s", st)
	}
}

func TestMachine_RecordingReadyAfterArchive(t *testing.T) {
	h := newHarness(t, 10, menuVersion("v1", nil))
	h.open(t, "CA1", "v1")
	h.answer(t, "CA1")
	h.apply(t, Event{Type: EventCompleted, ProviderCallID: "CA1"})

	ev := Event{Type: EventRecordingReady, ProviderCallID: "CA1", RecordingURL: "https://rec.example/RE1"}
	if d, _ := h.apply(t, ev); d != Forwarded {
		t.Fatalf("recording: %s", d)
	}
	if d, _ := h.apply(t, ev); d != Duplicate {
		t.Fatalf("replayed recording: %s", d)
	}
	sent := h.notifier.Sent()
	if len(sent) != 2 || sent[1].Kind != NotifyRecordingReady || sent[1].RecordingURL != ev.RecordingURL {
		t.Fatalf("unexpected notifications %+v", sent)
	}
	archived, _ := h.archive.FindByProviderCallID(context.Background(), "CA1")
	if archived.RecordingURL != ev.RecordingURL {
		t.Fatalf("recording url not archived")
	}
}

func TestMachine_OpenIsIdempotentAndCapped(t *testing.T) {
	h := newHarness(t, 1, menuVersion("v1", nil))
	first := h.open(t, "CA1", "v1")
	again := h.open(t, "CA1", "v1")
	if again.ID != first.ID || h.capacity.Live("w1") != 1 {
		t.Fatalf("reopen must return the existing session without a new slot")
	}

	_, err := h.m.Open(context.Background(), OpenRequest{WorkspaceID: "w1", ProviderCallID: "CA2", VersionID: "v1", Direction: DirectionInbound})
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}

	h.apply(t, Event{Type: EventCompleted, ProviderCallID: "CA1"})
	h.open(t, "CA2", "v1")
}

func TestMachine_OpenValidates(t *testing.T) {
	h := newHarness(t, 10)
	_, err := h.m.Open(context.Background(), OpenRequest{WorkspaceID: "w1", ProviderCallID: "CA1", VersionID: "v1", Direction: "sideways"})
	if !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestMachine_QueueTransferJoinsConference(t *testing.T) {
	ver := published("v1",
		[]workflow.Node{
			mkNode("entry", workflow.NodeTrigger, true, nil),
			mkNode("queue", workflow.NodeQueueTransfer, false, map[string]any{"queue_id": "support", "hold_music_url": "https://hold.example/m.mp3"}),
		},
		[]workflow.Edge{mkEdge("entry", "", "queue")},
	)
	h := newHarness(t, 10, ver)
	_ = h.dir.SetQueue(context.Background(), "w1", "support", routing.Agent{ID: "a1", Number: "+14155550199"})
	h.open(t, "CA1", "v1")

	if st := h.answer(t, "CA1"); st != StateCompleted {
		t.Fatalf("expected completed after hand-off, got %s", st)
	}
	var dial *telephony.DialRequest
	var conf *telephony.Conference
	for _, a := range h.control.Actions() {
		switch a.Kind {
		case telephony.ActionDial:
			dial = a.Dial
		case telephony.ActionConference:
			conf = a.Conference
		}
	}
	if dial == nil || conf == nil {
		t.Fatalf("expected agent dial and conference join, got %+v", h.control.Actions())
	}
	if dial.To != "+14155550199" || dial.From != "+14155550100" || dial.Conference.Name != conf.Name {
		t.Fatalf("agent leg not dialed into the customer's conference: %+v %+v", dial, conf)
	}
	if !conf.EndOnExit || !dial.Conference.EndOnExit || conf.WaitURL != "https://hold.example/m.mp3" {
		t.Fatalf("conference must end when either leg exits: %+v %+v", conf, dial.Conference)
	}
	archived, _ := h.archive.FindByProviderCallID(context.Background(), "CA1")
	if archived.Outcome != engine.OutcomeQueued {
		t.Fatalf("outcome %q", archived.Outcome)
	}
}
