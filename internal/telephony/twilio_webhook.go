package telephony

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Webhook routes Twilio is pointed at. Callback URLs are PUBLIC_BASE_URL plus
// one of these.
const (
	PathVoice     = "/webhooks/twilio/voice"
	PathStatus    = "/webhooks/twilio/status"
	PathGather    = "/webhooks/twilio/gather"
	PathAMD       = "/webhooks/twilio/amd"
	PathRecording = "/webhooks/twilio/recording"
)

// TwilioForm captures the subset of voice webhook fields we care about.
// Twilio sends application/x-www-form-urlencoded by default. Voice, status,
// gather, AMD and recording callbacks share one shape; fields a callback
// does not carry stay empty.
// Ref: https://www.twilio.com/docs/voice/twiml
//
// Keep it minimal and provider-adapter-only.
// Business logic (routing decisions) is not made here.
type TwilioForm struct {
	CallSid       string
	ParentCallSid string
	AccountSid    string
	From          string
	To            string
	Direction     string
	CallStatus    string
	Timestamp     string
	CallerName    string
	ForwardedFrom string

	// gather
	Digits string

	// async AMD
	AnsweredBy string

	// recording status callback
	RecordingURL      string
	RecordingSid      string
	RecordingStatus   string
	RecordingDuration string

	CallDuration string
	ErrorCode    string
}

func ParseTwilioForm(r *http.Request) (TwilioForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioForm{}, err
	}
	f := TwilioForm{
		CallSid:           r.PostFormValue("CallSid"),
		ParentCallSid:     r.PostFormValue("ParentCallSid"),
		AccountSid:        r.PostFormValue("AccountSid"),
		From:              normalizePhone(r.PostFormValue("From")),
		To:                normalizePhone(r.PostFormValue("To")),
		Direction:         r.PostFormValue("Direction"),
		CallStatus:        r.PostFormValue("CallStatus"),
		Timestamp:         r.PostFormValue("Timestamp"),
		CallerName:        r.PostFormValue("CallerName"),
		ForwardedFrom:     normalizePhone(r.PostFormValue("ForwardedFrom")),
		Digits:            strings.TrimSpace(r.PostFormValue("Digits")),
		AnsweredBy:        r.PostFormValue("AnsweredBy"),
		RecordingURL:      r.PostFormValue("RecordingUrl"),
		RecordingSid:      r.PostFormValue("RecordingSid"),
		RecordingStatus:   r.PostFormValue("RecordingStatus"),
		RecordingDuration: r.PostFormValue("RecordingDuration"),
		CallDuration:      r.PostFormValue("CallDuration"),
		ErrorCode:         r.PostFormValue("ErrorCode"),
	}
	return f, nil
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}

// OccurredAt is the provider timestamp when present, else fallback.
func (f TwilioForm) OccurredAt(fallback time.Time) time.Time {
	if f.Timestamp == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC1123Z, f.Timestamp)
	if err != nil {
		return fallback
	}
	return t.UTC()
}

// DurationSeconds is CallDuration, or zero when absent or malformed.
func (f TwilioForm) DurationSeconds() int {
	n, err := strconv.Atoi(f.CallDuration)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// AnsweredByMachine reports whether async AMD classified the callee as a
// machine (any of the machine_* / fax results).
func (f TwilioForm) AnsweredByMachine() bool {
	return strings.HasPrefix(f.AnsweredBy, "machine") || f.AnsweredBy == "fax"
}

func (f TwilioForm) ToInboundCallRequest(occurredAt time.Time) InboundCallRequest {
	raw, _ := json.Marshal(f)
	return InboundCallRequest{
		ProviderCallID: f.CallSid,
		From:           f.From,
		To:             f.To,
		OccurredAt:     occurredAt,
		RawPayload:     string(raw),
	}
}
