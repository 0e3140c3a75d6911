package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// It intentionally avoids any provider SDK dependency.
//
// Only include primitives the bridge emits.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlPause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

type twimlSay struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type twimlPlay struct {
	XMLName xml.Name `xml:"Play"`
	Loop    int      `xml:"loop,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName             xml.Name `xml:"Gather"`
	Input               string   `xml:"input,attr"`
	NumDigits           int      `xml:"numDigits,attr,omitempty"`
	Timeout             int      `xml:"timeout,attr,omitempty"`
	FinishOnKey         string   `xml:"finishOnKey,attr,omitempty"`
	Action              string   `xml:"action,attr,omitempty"`
	Method              string   `xml:"method,attr,omitempty"`
	ActionOnEmptyResult bool     `xml:"actionOnEmptyResult,attr,omitempty"`
	Verbs               []any    `xml:",any"`
}

type twimlDial struct {
	XMLName    xml.Name         `xml:"Dial"`
	Conference *twimlConference `xml:"Conference,omitempty"`
}

type twimlConference struct {
	StartConferenceOnEnter bool   `xml:"startConferenceOnEnter,attr"`
	EndConferenceOnExit    bool   `xml:"endConferenceOnExit,attr"`
	WaitURL                string `xml:"waitUrl,attr,omitempty"`
	StatusCallback         string `xml:"statusCallback,attr,omitempty"`
	StatusCallbackEvent    string `xml:"statusCallbackEvent,attr,omitempty"`
	Name                   string `xml:",chardata"`
}

// Document accumulates verbs for one leg in the order they must run.
type Document struct {
	verbs []any
}

func (d *Document) Len() int { return len(d.verbs) }

func (d *Document) Say(s Speech) {
	d.verbs = append(d.verbs, twimlSay{Voice: s.Voice, Language: s.Language, Text: s.Text})
}

func (d *Document) Play(url string, loop int) {
	d.verbs = append(d.verbs, twimlPlay{Loop: loop, URL: url})
}

// Gather waits for digits. An empty result still posts to the action URL so
// a timeout reaches the session as an event.
func (d *Document) Gather(g Gather) {
	v := twimlGather{
		Input:               "dtmf",
		NumDigits:           g.MaxDigits,
		Timeout:             timeoutSeconds(g.TimeoutMs),
		FinishOnKey:         g.FinishOnKey,
		Action:              g.Action,
		Method:              "POST",
		ActionOnEmptyResult: true,
	}
	if g.Prompt != nil && g.Prompt.Text != "" {
		v.Verbs = append(v.Verbs, twimlSay{Voice: g.Prompt.Voice, Language: g.Prompt.Language, Text: g.Prompt.Text})
	}
	if g.PromptURL != "" {
		v.Verbs = append(v.Verbs, twimlPlay{URL: g.PromptURL})
	}
	d.verbs = append(d.verbs, v)
}

func (d *Document) Conference(c Conference) {
	conf := &twimlConference{
		StartConferenceOnEnter: c.StartOnEnter,
		EndConferenceOnExit:    c.EndOnExit,
		WaitURL:                c.WaitURL,
		StatusCallback:         c.StatusCallback,
		Name:                   c.Name,
	}
	if c.StatusCallback != "" {
		conf.StatusCallbackEvent = "leave end"
	}
	d.verbs = append(d.verbs, twimlDial{Conference: conf})
}

func (d *Document) Pause(seconds int) {
	d.verbs = append(d.verbs, twimlPause{Length: seconds})
}

func (d *Document) Hangup() {
	d.verbs = append(d.verbs, twimlHangup{})
}

// Reject refuses an unanswered inbound call. reason is "busy" or "rejected".
func (d *Document) Reject(reason string) {
	d.verbs = append(d.verbs, twimlReject{Reason: reason})
}

// Render encodes the document. An empty document renders an empty Response.
func (d *Document) Render() (string, error) {
	return RenderTwiML(d.verbs...)
}

// RenderTwiML encodes verbs as a TwiML Response.
func RenderTwiML(verbs ...any) (string, error) {
	for _, v := range verbs {
		if c, ok := v.(twimlDial); ok && (c.Conference == nil || strings.TrimSpace(c.Conference.Name) == "") {
			return "", errors.New("telephony: conference name required")
		}
	}
	r := twimlResponse{Verbs: verbs}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func timeoutSeconds(ms int) int {
	if ms <= 0 {
		return 0
	}
	s := (ms + 999) / 1000
	if s < 1 {
		s = 1
	}
	return s
}
