package telephony

import (
	"strings"
	"testing"
)

func TestRenderTwiMLReject(t *testing.T) {
	var d Document
	d.Reject("busy")
	xml, err := d.Render()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if want := `<Reject reason="busy">`; !strings.Contains(xml, want) {
		t.Fatalf("expected %q in xml: %s", want, xml)
	}
}

func TestRenderTwiMLGatherNestsPrompt(t *testing.T) {
	var d Document
	d.Say(Speech{Text: "Welcome", Voice: "alice"})
	d.Gather(Gather{MaxDigits: 1, TimeoutMs: 4500, Action: "https://cb.example/webhooks/twilio/gather", Prompt: &Speech{Text: "Press 1"}})
	xml, err := d.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{
		`<Say voice="alice">Welcome</Say>`,
		`numDigits="1"`,
		`timeout="5"`,
		`actionOnEmptyResult="true"`,
		`<Say>Press 1</Say>`,
	} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}
	if strings.Index(xml, "Welcome") > strings.Index(xml, "<Gather") {
		t.Fatalf("verbs out of order: %s", xml)
	}
}

func TestRenderTwiMLConference(t *testing.T) {
	var d Document
	d.Conference(Conference{Name: "cf-1", WaitURL: "https://hold.example/music.mp3", EndOnExit: true, StatusCallback: "https://cb.example/conf"})
	xml, err := d.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{`endConferenceOnExit="true"`, `startConferenceOnEnter="false"`, `statusCallbackEvent="leave end"`, ">cf-1</Conference>"} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}
}

func TestRenderTwiMLConferenceRequiresName(t *testing.T) {
	var d Document
	d.Conference(Conference{})
	if _, err := d.Render(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestTimeoutSecondsRoundsUp(t *testing.T) {
	cases := map[int]int{0: 0, 1: 1, 1000: 1, 1001: 2, 5000: 5}
	for ms, want := range cases {
		if got := timeoutSeconds(ms); got != want {
			t.Fatalf("timeoutSeconds(%d)=%d want %d", ms, got, want)
		}
	}
}
