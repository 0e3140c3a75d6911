package telephony

import (
	"context"
	"fmt"
	"sync"
)

// Action kinds recorded by MemoryControl.
const (
	ActionDial       = "dial"
	ActionConference = "conference"
	ActionPlay       = "play"
	ActionSpeak      = "speak"
	ActionGather     = "gather"
	ActionHangup     = "hangup"
	ActionFlush      = "flush"
)

// Action is one recorded call-control request.
type Action struct {
	Kind       string
	LegID      string
	Dial       *DialRequest
	Conference *Conference
	URL        string
	Loop       int
	Speech     *Speech
	Gather     *Gather
}

// MemoryControl is a CallControl that records every request. It is used by
// tests and the local profile.
type MemoryControl struct {
	mu      sync.Mutex
	actions []Action
	dialed  int

	// Fail, when set, is consulted before an action is recorded; a non-nil
	// result fails the request.
	Fail func(a Action) error
}

func NewMemoryControl() *MemoryControl {
	return &MemoryControl{}
}

func (m *MemoryControl) record(a Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		if err := m.Fail(a); err != nil {
			return err
		}
	}
	m.actions = append(m.actions, a)
	return nil
}

func (m *MemoryControl) Dial(_ context.Context, req DialRequest) (string, error) {
	if req.To == "" {
		return "", fmt.Errorf("%w: dial needs to", ErrInvalidRequest)
	}
	m.mu.Lock()
	m.dialed++
	leg := fmt.Sprintf("leg-%d", m.dialed)
	m.mu.Unlock()

	r := req
	if err := m.record(Action{Kind: ActionDial, LegID: leg, Dial: &r}); err != nil {
		return "", err
	}
	return leg, nil
}

func (m *MemoryControl) JoinConference(_ context.Context, legID string, conf Conference) error {
	c := conf
	return m.record(Action{Kind: ActionConference, LegID: legID, Conference: &c})
}

func (m *MemoryControl) PlayAudio(_ context.Context, legID, audioURL string, loop int) error {
	return m.record(Action{Kind: ActionPlay, LegID: legID, URL: audioURL, Loop: loop})
}

func (m *MemoryControl) Speak(_ context.Context, legID string, s Speech) error {
	sp := s
	return m.record(Action{Kind: ActionSpeak, LegID: legID, Speech: &sp})
}

func (m *MemoryControl) CollectDigits(_ context.Context, legID string, g Gather) error {
	gg := g
	return m.record(Action{Kind: ActionGather, LegID: legID, Gather: &gg})
}

func (m *MemoryControl) Hangup(_ context.Context, legID string) error {
	return m.record(Action{Kind: ActionHangup, LegID: legID})
}

func (m *MemoryControl) Flush(_ context.Context, legID string) error {
	return m.record(Action{Kind: ActionFlush, LegID: legID})
}

// Actions returns a copy of everything recorded so far.
func (m *MemoryControl) Actions() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Action(nil), m.actions...)
}

// Kinds lists the action kinds recorded for legID, flushes excluded.
func (m *MemoryControl) Kinds(legID string) []string {
	var out []string
	for _, a := range m.Actions() {
		if a.LegID == legID && a.Kind != ActionFlush {
			out = append(out, a.Kind)
		}
	}
	return out
}
