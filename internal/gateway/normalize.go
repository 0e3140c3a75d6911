package gateway

import (
	"strconv"
	"strings"
	"time"

	"callflow-platform/internal/calls"
	"callflow-platform/internal/telephony"
)

// IdempotencyHeader is set by Twilio on every webhook and repeated on its
// retries.
const IdempotencyHeader = "I-Twilio-Idempotency-Token"

// Twilio CallStatus values.
const (
	statusRinging   = "ringing"
	statusCompleted = "completed"
	statusBusy      = "busy"
	statusFailed    = "failed"
	statusNoAnswer  = "no-answer"
	statusCanceled  = "canceled"
)

// StatusEvent maps a status callback. initiated and in-progress are dropped:
// the voice webhook is what answers a call. A call that never connected
// because nobody picked up ends as completed, which the state machine records
// as abandoned.
func StatusEvent(f telephony.TwilioForm, at time.Time) (calls.Event, bool) {
	ev := calls.Event{ProviderCallID: f.CallSid, At: at}
	switch f.CallStatus {
	case statusRinging:
		ev.Type = calls.EventRinging
	case statusCompleted, statusNoAnswer, statusCanceled:
		ev.Type = calls.EventCompleted
		ev.DurationSeconds = f.DurationSeconds()
	case statusBusy, statusFailed:
		ev.Type = calls.EventFailed
		ev.Reason = f.CallStatus
		if f.ErrorCode != "" {
			ev.Reason += ":" + f.ErrorCode
		}
	default:
		return calls.Event{}, false
	}
	return ev, true
}

// GatherEvent maps a gather action callback. An empty Digits is the gather
// timing out.
func GatherEvent(f telephony.TwilioForm, nodeID string, at time.Time) calls.Event {
	ev := calls.Event{
		Type:           calls.EventDTMFDigit,
		ProviderCallID: f.CallSid,
		At:             at,
		Digits:         f.Digits,
		Timeout:        f.Digits == "",
	}
	if nodeID != "" {
		ev.Payload = map[string]string{"node_id": nodeID}
	}
	return ev
}

// AMDEvent maps an async AMD callback. "unknown" carries no decision.
func AMDEvent(f telephony.TwilioForm, at time.Time) (calls.Event, bool) {
	ev := calls.Event{Type: calls.EventAMDResult, ProviderCallID: f.CallSid, At: at}
	switch {
	case f.AnsweredByMachine():
		ev.AMD = calls.AMDMachine
	case f.AnsweredBy == "human":
		ev.AMD = calls.AMDHuman
	default:
		return calls.Event{}, false
	}
	return ev, true
}

// RecordingEvent maps a recording status callback; only finished recordings
// are forwarded.
func RecordingEvent(f telephony.TwilioForm, at time.Time) (calls.Event, bool) {
	if f.RecordingURL == "" || (f.RecordingStatus != "" && f.RecordingStatus != "completed") {
		return calls.Event{}, false
	}
	return calls.Event{
		Type:           calls.EventRecordingReady,
		ProviderCallID: f.CallSid,
		At:             at,
		RecordingURL:   f.RecordingURL,
	}, true
}

// EventKey is the idempotency key of ev. Twilio's token wins; without it the
// key is built from the event itself. Digits can legitimately repeat at the
// same node (a menu loop), so they also carry the time bucket they arrived in.
func EventKey(token string, ev calls.Event, bucket time.Duration) string {
	if token != "" {
		return "tw:" + token
	}
	parts := []string{ev.ProviderCallID, string(ev.Type)}
	switch ev.Type {
	case calls.EventDTMFDigit:
		parts = append(parts, ev.Payload["node_id"], ev.Digits)
		if bucket > 0 {
			parts = append(parts, strconv.FormatInt(ev.At.Truncate(bucket).Unix(), 10))
		}
	case calls.EventAMDResult:
		parts = append(parts, ev.AMD)
	case calls.EventRecordingReady:
		parts = append(parts, ev.RecordingURL)
	}
	return strings.Join(parts, "|")
}
