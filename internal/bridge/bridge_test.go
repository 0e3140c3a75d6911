package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"callflow-platform/internal/engine"
	"callflow-platform/internal/routing"
	"callflow-platform/internal/telephony"
)

func newTestCoordinator(control *telephony.MemoryControl, agents AgentSource) (*Coordinator, *MemoryConferences) {
	confs := NewMemoryConferences()
	c := NewCoordinator(control, agents, confs, Options{BaseURL: "https://cb.example/", CallerID: "+14155550100", RetryDelay: time.Millisecond}, nil)
	c.NewID = func() string { return "fixed" }
	c.Now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	return c, confs
}

var customer = Leg{ID: "CA1", CallID: "call-1", WorkspaceID: "w1", LocalNumber: "+14155550100"}

func TestCoordinator_QueueTransferAndTeardown(t *testing.T) {
	control := telephony.NewMemoryControl()
	dir := routing.NewMemoryDirectory()
	_ = dir.SetQueue(context.Background(), "w1", "support", routing.Agent{ID: "a1", Number: "sip:agent-1@pbx.example.com"})
	c, confs := newTestCoordinator(control, dir)
	ctx := context.Background()

	err := c.Execute(ctx, customer, engine.Instruction{Kind: engine.KindTransferQueue, QueueID: "support", Text: "Connecting you"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if confs.Len() != 1 {
		t.Fatalf("expected conference to be tracked")
	}
	kinds := control.Kinds("CA1")
	if len(kinds) != 2 || kinds[0] != telephony.ActionSpeak || kinds[1] != telephony.ActionConference {
		t.Fatalf("announce must precede the conference join, got %v", kinds)
	}
	rec, ok, _ := confs.ByLeg(ctx, "CA1")
	if !ok || rec.Name != "cf-fixed" || len(rec.Legs) != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
	agentLeg := rec.Legs[1]

	// Customer hangs up: the agent leg is hung up and the record dropped.
	torn, err := c.LegExited(ctx, "CA1")
	if err != nil || !torn {
		t.Fatalf("teardown: %v %v", torn, err)
	}
	if got := control.Kinds(agentLeg); len(got) != 2 || got[0] != telephony.ActionDial || got[1] != telephony.ActionHangup {
		t.Fatalf("expected agent dial then hangup, got %v", got)
	}
	if confs.Len() != 0 {
		t.Fatalf("expected conference record removed")
	}

	// The agent's own exit callback arrives later and finds nothing to do.
	torn, err = c.LegExited(ctx, agentLeg)
	if err != nil || torn {
		t.Fatalf("second teardown should be a no-op, got %v %v", torn, err)
	}
}

func TestCoordinator_ExternalTransferUsesCallerID(t *testing.T) {
	control := telephony.NewMemoryControl()
	c, _ := newTestCoordinator(control, nil)

	err := c.Execute(context.Background(), customer, engine.Instruction{Kind: engine.KindTransferExternal, Destination: "+14155550177", CallerID: "+14155550155", TimeoutSeconds: 20})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var dial *telephony.DialRequest
	for _, a := range control.Actions() {
		if a.Kind == telephony.ActionDial {
			dial = a.Dial
		}
	}
	if dial == nil || dial.From != "+14155550155" || dial.TimeoutSeconds != 20 || dial.StatusCallback != "https://cb.example"+telephony.PathStatus {
		t.Fatalf("unexpected dial %+v", dial)
	}
}

func TestCoordinator_EmptyQueueFails(t *testing.T) {
	c, confs := newTestCoordinator(telephony.NewMemoryControl(), routing.NewMemoryDirectory())
	err := c.Execute(context.Background(), customer, engine.Instruction{Kind: engine.KindTransferQueue, QueueID: "nobody"})
	if !errors.Is(err, ErrInstructionFailed) || !errors.Is(err, routing.ErrNoAgents) {
		t.Fatalf("expected instruction failure wrapping ErrNoAgents, got %v", err)
	}
	if confs.Len() != 0 {
		t.Fatalf("failed transfer must not be tracked")
	}
}

func TestCoordinator_RetriesOnceThenFails(t *testing.T) {
	control := telephony.NewMemoryControl()
	attempts := 0
	control.Fail = func(a telephony.Action) error {
		if a.Kind == telephony.ActionPlay {
			attempts++
			return telephony.ErrProvider
		}
		return nil
	}
	c, _ := newTestCoordinator(control, nil)

	err := c.Execute(context.Background(), customer, engine.Instruction{Kind: engine.KindPlayAudio, URL: "https://audio.example/a.mp3"})
	if !errors.Is(err, ErrInstructionFailed) || !errors.Is(err, telephony.ErrProvider) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly one retry, got %d attempts", attempts)
	}
}

func TestCoordinator_RejectedIsNotRetried(t *testing.T) {
	control := telephony.NewMemoryControl()
	attempts := 0
	control.Fail = func(a telephony.Action) error {
		attempts++
		return telephony.ErrRejected
	}
	c, _ := newTestCoordinator(control, nil)
	if err := c.Execute(context.Background(), customer, engine.Instruction{Kind: engine.KindHangup}); err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 {
		t.Fatalf("rejected requests must not be retried, got %d attempts", attempts)
	}
}

func TestCoordinator_CollectDigitsCallback(t *testing.T) {
	control := telephony.NewMemoryControl()
	c, _ := newTestCoordinator(control, nil)
	err := c.Execute(context.Background(), customer, engine.Instruction{Kind: engine.KindCollectDigits, NodeID: "menu 1", MaxDigits: 4, Text: "Enter your PIN"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	g := control.Actions()[0].Gather
	if g.Action != "https://cb.example/webhooks/twilio/gather?node_id=menu+1" || g.Prompt == nil || g.MaxDigits != 4 {
		t.Fatalf("unexpected gather %+v", g)
	}
}

func TestCoordinator_DialUsesDefaultCallerID(t *testing.T) {
	control := telephony.NewMemoryControl()
	c, _ := newTestCoordinator(control, nil)
	leg, err := c.Dial(context.Background(), "+14155550111", "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	a := control.Actions()[0]
	if a.LegID != leg || a.Dial.From != "+14155550100" || a.Dial.AMDCallback != "https://cb.example"+telephony.PathAMD {
		t.Fatalf("unexpected dial %+v", a.Dial)
	}
}
