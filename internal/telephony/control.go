package telephony

import (
	"context"
	"errors"
	"time"
)

// CallControl is the provider-agnostic call-control surface the bridge drives.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Leg ids are the provider's call identifiers.
// - Actions on one leg are delivered in call order; Flush hands them to the provider.
type CallControl interface {
	// Dial places a new leg and returns its id.
	Dial(ctx context.Context, req DialRequest) (string, error)
	JoinConference(ctx context.Context, legID string, conf Conference) error
	PlayAudio(ctx context.Context, legID, url string, loop int) error
	Speak(ctx context.Context, legID string, s Speech) error
	CollectDigits(ctx context.Context, legID string, g Gather) error
	Hangup(ctx context.Context, legID string) error
	Flush(ctx context.Context, legID string) error
}

var (
	ErrInvalidRequest = errors.New("telephony: invalid request")
	// ErrProvider marks failures the provider reported or that never reached it.
	// They are worth one retry.
	ErrProvider = errors.New("telephony: provider error")
	// ErrRejected marks requests the provider refused as invalid.
	ErrRejected = errors.New("telephony: provider rejected request")
	// ErrOutcomeUnknown accompanies ErrProvider when the request may have
	// been applied anyway, such as a timeout or an unreadable 2xx body.
	// Non-idempotent requests must not be repeated on it.
	ErrOutcomeUnknown = errors.New("telephony: request outcome unknown")
)

// DialRequest places an outbound leg. When Conference is set the leg joins
// it on answer instead of fetching URL.
type DialRequest struct {
	To   string `json:"to"`
	From string `json:"from"`

	URL            string      `json:"url,omitempty"`
	StatusCallback string      `json:"status_callback,omitempty"`
	Conference     *Conference `json:"conference,omitempty"`

	MachineDetection bool   `json:"machine_detection,omitempty"`
	AMDCallback      string `json:"amd_callback,omitempty"`

	Record            bool   `json:"record,omitempty"`
	RecordingCallback string `json:"recording_callback,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Conference describes how a leg takes part in a named conference.
type Conference struct {
	Name           string `json:"name"`
	WaitURL        string `json:"wait_url,omitempty"`
	StartOnEnter   bool   `json:"start_on_enter"`
	EndOnExit      bool   `json:"end_on_exit"`
	StatusCallback string `json:"status_callback,omitempty"`
}

type Speech struct {
	Text     string `json:"text"`
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language,omitempty"`
}

// Gather collects digits and reports them to Action. The prompt plays while
// waiting for the first digit.
type Gather struct {
	MaxDigits   int    `json:"max_digits"`
	TimeoutMs   int    `json:"timeout_ms"`
	FinishOnKey string `json:"finish_on_key,omitempty"`
	Action      string `json:"action"`

	Prompt    *Speech `json:"prompt,omitempty"`
	PromptURL string  `json:"prompt_url,omitempty"`
}

// InboundCallRequest represents an inbound call received from a provider.
type InboundCallRequest struct {
	// ProviderCallID is the provider's unique identifier for this call.
	ProviderCallID string `json:"provider_call_id"`

	// From and To are E.164 where possible.
	From string `json:"from"`
	To   string `json:"to"`

	// OccurredAt is the provider event time.
	OccurredAt time.Time `json:"occurred_at"`

	// RawPayload is optional for debugging/audit; store as JSON string.
	RawPayload string `json:"raw_payload,omitempty"`
}
