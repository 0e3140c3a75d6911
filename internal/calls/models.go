package calls

import (
	"time"

	"callflow-platform/internal/engine"
)

// Session is one call's progress through a pinned workflow version.
//
// Multi-tenant invariant: WorkspaceID is required on every session.
// ProviderCallID is the provider's identifier (Twilio CallSid) and the key
// webhooks are dispatched by; ID is ours and is what downstream consumers see.
type Session struct {
	ID             string `json:"id" db:"id"`
	WorkspaceID    string `json:"workspace_id" db:"workspace_id"`
	ProviderCallID string `json:"provider_call_id" db:"provider_call_id"`

	WorkflowID string `json:"workflow_id" db:"workflow_id"`
	VersionID  string `json:"version_id" db:"version_id"`
	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`

	Direction Direction `json:"direction" db:"direction"`
	From      string    `json:"from" db:"from_number"`
	To        string    `json:"to" db:"to_number"`

	State State `json:"state" db:"status"`

	// Cursor holds the suspend/resume position of the graph walk.
	Cursor engine.Cursor `json:"cursor"`
	// Vars is the session's variable bag; nothing outside this session reads it.
	Vars map[string]string `json:"vars"`

	Outcome       string `json:"outcome,omitempty" db:"outcome"`
	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`
	AMDResult     string `json:"amd_result,omitempty"`
	RecordingURL  string `json:"recording_url,omitempty" db:"recording_url"`

	// Slot is the capacity reservation this session holds while live.
	Slot string `json:"slot,omitempty"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AnsweredAt  *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	LastEventAt time.Time  `json:"last_event_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type State string

const (
	StateInitiated  State = "INITIATED"
	StateRinging    State = "RINGING"
	StateAnswered   State = "ANSWERED"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateAbandoned  State = "ABANDONED"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateAbandoned:
		return true
	default:
		return false
	}
}

// rank orders the forward path; terminal states share the top rank.
func (s State) rank() int {
	switch s {
	case StateInitiated:
		return 0
	case StateRinging:
		return 1
	case StateAnswered:
		return 2
	case StateInProgress:
		return 3
	default:
		return 4
	}
}

// DurationMs is the time from answer to end, or zero if never answered.
func (s Session) DurationMs() int64 {
	if s.AnsweredAt == nil || s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(*s.AnsweredAt).Milliseconds()
}

func (s Session) clone() Session {
	out := s
	out.Vars = make(map[string]string, len(s.Vars))
	for k, v := range s.Vars {
		out.Vars[k] = v
	}
	out.Cursor.Trace = append([]engine.Step(nil), s.Cursor.Trace...)
	return out
}

// EventType is the closed set of normalized provider events.
type EventType string

const (
	EventRinging        EventType = "ringing"
	EventAnswered       EventType = "answered"
	EventAMDResult      EventType = "amd-result"
	EventDTMFDigit      EventType = "dtmf-digit"
	EventRecordingReady EventType = "recording-ready"
	EventCompleted      EventType = "completed"
	EventFailed         EventType = "failed"
)

// AMD classifications.
const (
	AMDHuman   = "human"
	AMDMachine = "machine"
)

// Event is a normalized, idempotency-keyed provider webhook.
type Event struct {
	Key            string    `json:"key"`
	Type           EventType `json:"type"`
	ProviderCallID string    `json:"provider_call_id"`
	At             time.Time `json:"at"`

	Digits  string `json:"digits,omitempty"`
	Timeout bool   `json:"timeout,omitempty"`

	AMD string `json:"amd,omitempty"`

	RecordingURL    string `json:"recording_url,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`

	// Reason carries the provider status for failed calls.
	Reason string `json:"reason,omitempty"`

	Payload map[string]string `json:"payload,omitempty"`
}

// Notification is the downstream message for recording/analytics consumers.
type Notification struct {
	Kind           NotificationKind `json:"kind"`
	CallID         string           `json:"call_id"`
	ProviderCallID string           `json:"provider_call_id"`
	WorkspaceID    string           `json:"workspace_id"`
	State          State            `json:"state,omitempty"`
	Outcome        string           `json:"outcome,omitempty"`
	DurationMs     int64            `json:"duration_ms"`
	RecordingURL   string           `json:"recording_url,omitempty"`
	At             time.Time        `json:"at"`
}

type NotificationKind string

const (
	NotifyCallEnded      NotificationKind = "call_ended"
	NotifyRecordingReady NotificationKind = "recording_ready"
)
