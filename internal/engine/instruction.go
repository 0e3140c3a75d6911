package engine

import "context"

// InstructionKind is the closed set of call-control actions a node can ask for.
type InstructionKind string

const (
	KindPlayAudio        InstructionKind = "play_audio"
	KindSpeak            InstructionKind = "speak"
	KindCollectDigits    InstructionKind = "collect_digits"
	KindTransferQueue    InstructionKind = "transfer_queue"
	KindTransferExternal InstructionKind = "transfer_external"
	KindHangup           InstructionKind = "hangup"
)

// Instruction is provider-agnostic. The bridge turns it into concrete
// call-control actions on the customer leg.
type Instruction struct {
	Kind   InstructionKind `json:"kind"`
	NodeID string          `json:"node_id,omitempty"`

	// play_audio / speak, and the prompt of collect_digits.
	URL      string `json:"url,omitempty"`
	Text     string `json:"text,omitempty"`
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language,omitempty"`
	Loop     int    `json:"loop,omitempty"`

	// collect_digits
	MaxDigits   int    `json:"max_digits,omitempty"`
	TimeoutMs   int    `json:"timeout_ms,omitempty"`
	FinishOnKey string `json:"finish_on_key,omitempty"`

	// transfer_queue
	QueueID      string `json:"queue_id,omitempty"`
	HoldMusicURL string `json:"hold_music_url,omitempty"`

	// transfer_external
	Destination    string `json:"destination,omitempty"`
	CallerID       string `json:"caller_id,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`

	// hangup
	Reason string `json:"reason,omitempty"`
}

// Sink receives instructions in emission order.
type Sink interface {
	Emit(ctx context.Context, in Instruction) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, in Instruction) error

func (f SinkFunc) Emit(ctx context.Context, in Instruction) error { return f(ctx, in) }

// Recorder is a Sink that keeps every instruction.
type Recorder struct {
	Instructions []Instruction
}

func (r *Recorder) Emit(_ context.Context, in Instruction) error {
	r.Instructions = append(r.Instructions, in)
	return nil
}
