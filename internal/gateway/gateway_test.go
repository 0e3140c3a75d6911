package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"callflow-platform/internal/bridge"
	"callflow-platform/internal/calls"
	"callflow-platform/internal/engine"
	"callflow-platform/internal/routing"
	"callflow-platform/internal/telephony"
	"callflow-platform/internal/workflow"
)

const (
	localNumber = "+14155550100"
	callerNum   = "+14155550111"
	authToken   = "tok"
	publicBase  = "https://cb.example"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type stubVersions struct{ ver workflow.Version }

func (s stubVersions) ActiveVersion(_ context.Context, workflowID string) (workflow.Workflow, workflow.Version, error) {
	if workflowID != s.ver.WorkflowID {
		return workflow.Workflow{}, workflow.Version{}, workflow.ErrNotFound
	}
	return workflow.Workflow{ID: workflowID, WorkspaceID: "w1", Status: workflow.StatusActive}, s.ver, nil
}

func (s stubVersions) GetVersion(_ context.Context, _ string, versionID string) (workflow.Version, error) {
	if versionID != s.ver.ID {
		return workflow.Version{}, workflow.ErrNotFound
	}
	return s.ver, nil
}

func node(id string, t workflow.NodeType, entry bool, cfg map[string]any) workflow.Node {
	n := workflow.Node{ID: id, Type: t, Label: id, IsEntry: entry}
	if cfg != nil {
		b, _ := json.Marshal(cfg)
		n.Config = b
	}
	return n
}

func edge(from, port, to string) workflow.Edge {
	return workflow.Edge{ID: from + port + to, SourceNodeID: from, SourcePort: port, TargetNodeID: to}
}

// entry -> menu; 1 -> sales (end), default -> bye (end)
func menuVersion() workflow.Version {
	at := testNow.Add(-time.Hour)
	return workflow.Version{
		ID: "v1", WorkflowID: "wf", Number: 1, Active: true, PublishedAt: &at,
		Nodes: []workflow.Node{
			node("entry", workflow.NodeTrigger, true, nil),
			node("menu", workflow.NodeIVRMenu, false, map[string]any{
				"prompt_text": "Press 1 for sales",
				"options":     []map[string]any{{"digit": "1"}},
			}),
			node("sales", workflow.NodeEndCall, false, map[string]any{"message": "Thanks for calling sales", "outcome": "sales"}),
			node("bye", workflow.NodeEndCall, false, map[string]any{"outcome": "fallback"}),
		},
		Edges: []workflow.Edge{
			edge("entry", "", "menu"),
			edge("menu", "1", "sales"),
			edge("menu", "", "bye"),
		},
	}
}

type fixture struct {
	router   *gin.Engine
	gw       *Gateway
	notifier *calls.MemoryNotifier
	capacity *calls.MemoryCapacity
	rest     func() []string
}

func newFixture(t *testing.T, limit int, verifier Verifier) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	control := telephony.NewTwilioControl(telephony.TwilioConfig{AccountSID: "AC1", AuthToken: authToken, BaseURL: srv.URL})
	dir := routing.NewMemoryDirectory()
	_ = dir.Bind(context.Background(), routing.Binding{Number: localNumber, WorkspaceID: "w1", WorkflowID: "wf"})
	versions := stubVersions{ver: menuVersion()}

	coord := bridge.NewCoordinator(control, dir, nil, bridge.Options{BaseURL: publicBase, RetryDelay: time.Millisecond}, nil)
	f := &fixture{
		notifier: calls.NewMemoryNotifier(),
		capacity: calls.NewMemoryCapacity(limit),
	}
	m := calls.NewMachine(calls.MachineDeps{
		Notifier: f.notifier,
		Versions: versions,
		Engine:   engine.New(nil, 20),
		Bridge:   coord,
		Capacity: f.capacity,
	})
	m.Now = func() time.Time { return testNow }

	f.gw = New(routing.NewResolver(dir, nil, versions), m, coord, control, NewMemoryDedup(time.Hour), Options{Verifier: verifier})
	f.gw.Now = func() time.Time { return testNow }
	f.router = gin.New()
	f.gw.Register(f.router)
	f.rest = func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), paths...)
	}
	return f
}

func (f *fixture) post(t *testing.T, target string, form url.Values, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func voiceForm(callSid, to string) url.Values {
	return url.Values{"CallSid": {callSid}, "From": {callerNum}, "To": {to}, "Direction": {"inbound"}, "CallStatus": {"ringing"}}
}

func TestGateway_InboundIVRCall(t *testing.T) {
	f := newFixture(t, 10, Verifier{})

	w := f.post(t, telephony.PathVoice, voiceForm("CA1", localNumber), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("voice status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
		t.Fatalf("content-type=%q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "<Gather") || !strings.Contains(body, "Press 1 for sales") || !strings.Contains(body, "node_id=menu") {
		t.Fatalf("expected menu gather, got %s", body)
	}

	w = f.post(t, telephony.PathGather+"?node_id=menu", url.Values{"CallSid": {"CA1"}, "Digits": {"1"}}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("gather status=%d", w.Code)
	}
	body = w.Body.String()
	if !strings.Contains(body, "Thanks for calling sales") || !strings.Contains(body, "<Hangup") {
		t.Fatalf("expected goodbye and hangup, got %s", body)
	}
	if got := f.rest(); len(got) != 0 {
		t.Fatalf("webhook answers must not use the REST API, got %v", got)
	}

	// The session already completed on the terminal node; the provider's
	// completed callback (and its retry) change nothing.
	done := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}, "CallDuration": {"30"}}
	hdr := http.Header{IdempotencyHeader: {"tok-1"}}
	for i := 0; i < 2; i++ {
		if w := f.post(t, telephony.PathStatus, done, hdr); w.Code != http.StatusNoContent {
			t.Fatalf("status callback %d: code=%d", i, w.Code)
		}
	}
	sent := f.notifier.Sent()
	if len(sent) != 1 || sent[0].Outcome != "sales" {
		t.Fatalf("expected one call_ended notification, got %+v", sent)
	}
	if f.capacity.Live("w1") != 0 {
		t.Fatalf("slot not released")
	}
}

func TestGateway_UnknownNumberIsRejected(t *testing.T) {
	f := newFixture(t, 10, Verifier{})
	w := f.post(t, telephony.PathVoice, voiceForm("CA1", "+14155550999"), nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `<Reject reason="rejected">`) {
		t.Fatalf("expected reject, got %d %s", w.Code, w.Body.String())
	}
}

func TestGateway_BusyOverWorkspaceLimit(t *testing.T) {
	f := newFixture(t, 1, Verifier{})
	if w := f.post(t, telephony.PathVoice, voiceForm("CA1", localNumber), nil); w.Code != http.StatusOK {
		t.Fatalf("first call: %d", w.Code)
	}
	w := f.post(t, telephony.PathVoice, voiceForm("CA2", localNumber), nil)
	if !strings.Contains(w.Body.String(), `<Reject reason="busy">`) {
		t.Fatalf("expected busy reject, got %s", w.Body.String())
	}
}

func TestGateway_UnknownCallIsAcknowledged(t *testing.T) {
	f := newFixture(t, 10, Verifier{})
	for _, path := range []string{telephony.PathStatus, telephony.PathAMD, telephony.PathRecording} {
		form := url.Values{"CallSid": {"CA404"}, "CallStatus": {"completed"}, "AnsweredBy": {"human"}, "RecordingUrl": {"https://rec.example/1"}}
		if w := f.post(t, path, form, nil); w.Code != http.StatusNoContent {
			t.Fatalf("%s: code=%d", path, w.Code)
		}
	}
	w := f.post(t, telephony.PathGather+"?node_id=menu", url.Values{"CallSid": {"CA404"}, "Digits": {"1"}}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("gather: code=%d", w.Code)
	}
}

func TestGateway_SignatureFailsClosed(t *testing.T) {
	f := newFixture(t, 10, Verifier{AuthToken: authToken, BaseURL: publicBase})
	form := url.Values{"CallSid": {"CA404"}, "CallStatus": {"ringing"}}

	if w := f.post(t, telephony.PathStatus, form, nil); w.Code != http.StatusForbidden {
		t.Fatalf("unsigned: code=%d", w.Code)
	}
	bad := http.Header{telephony.SignatureHeader: {"bm9wZQ=="}}
	if w := f.post(t, telephony.PathStatus, form, bad); w.Code != http.StatusForbidden {
		t.Fatalf("bad signature: code=%d", w.Code)
	}
	good := http.Header{telephony.SignatureHeader: {telephony.Signature(authToken, publicBase+telephony.PathStatus, form)}}
	if w := f.post(t, telephony.PathStatus, form, good); w.Code != http.StatusNoContent {
		t.Fatalf("signed: code=%d", w.Code)
	}

	closed := newFixture(t, 10, Verifier{Required: true})
	if w := closed.post(t, telephony.PathStatus, form, good); w.Code != http.StatusForbidden {
		t.Fatalf("missing secret must reject, code=%d", w.Code)
	}
}

func TestGateway_MissingCallSid(t *testing.T) {
	f := newFixture(t, 10, Verifier{})
	if w := f.post(t, telephony.PathStatus, url.Values{"CallStatus": {"completed"}}, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("code=%d", w.Code)
	}
}

type flakySessions struct {
	Sessions
	fail    int
	applied int
}

func (s *flakySessions) Apply(_ context.Context, _ calls.Event) (calls.Disposition, calls.State, error) {
	if s.fail > 0 {
		s.fail--
		return "", "", errors.New("store down")
	}
	s.applied++
	return calls.Applied, calls.StateCompleted, nil
}

type legRecorder struct{ exited []string }

func (l *legRecorder) LegExited(_ context.Context, legID string) (bool, error) {
	l.exited = append(l.exited, legID)
	return true, nil
}

func TestDispatch_ReleasesKeyOnFailure(t *testing.T) {
	s := &flakySessions{fail: 1}
	legs := &legRecorder{}
	g := New(nil, s, legs, nil, NewMemoryDedup(time.Hour), Options{})
	ev := calls.Event{Type: calls.EventCompleted, ProviderCallID: "CA1", At: testNow}
	ctx := context.Background()

	if _, err := g.Dispatch(ctx, "k1", ev); err == nil {
		t.Fatalf("expected error")
	}
	d, err := g.Dispatch(ctx, "k1", ev)
	if err != nil || d != calls.Applied {
		t.Fatalf("retry should apply, got %s %v", d, err)
	}
	d, err = g.Dispatch(ctx, "k1", ev)
	if err != nil || d != calls.Duplicate {
		t.Fatalf("third delivery should be a duplicate, got %s %v", d, err)
	}
	if s.applied != 1 {
		t.Fatalf("applied=%d", s.applied)
	}
	if len(legs.exited) != 1 || legs.exited[0] != "CA1" {
		t.Fatalf("expected one leg exit, got %v", legs.exited)
	}
}

func TestGateway_RetriedWebhookGetsPendingPrompt(t *testing.T) {
	f := newFixture(t, 10, Verifier{})

	if w := f.post(t, telephony.PathVoice, voiceForm("CA1", localNumber), nil); w.Code != http.StatusOK {
		t.Fatalf("voice status=%d", w.Code)
	}
	retry := f.post(t, telephony.PathVoice, voiceForm("CA1", localNumber), nil)
	body := retry.Body.String()
	if retry.Code != http.StatusOK || !strings.Contains(body, "<Gather") || !strings.Contains(body, "Press 1 for sales") || !strings.Contains(body, "node_id=menu") {
		t.Fatalf("voice retry must repeat the menu, got %d %s", retry.Code, body)
	}

	// A gather for a node the walk no longer waits on is answered with the
	// node it does wait on.
	w := f.post(t, telephony.PathGather+"?node_id=older", url.Values{"CallSid": {"CA1"}, "Digits": {"1"}}, nil)
	if body := w.Body.String(); w.Code != http.StatusOK || !strings.Contains(body, "node_id=menu") {
		t.Fatalf("stale gather: %d %s", w.Code, body)
	}
	if got := f.rest(); len(got) != 0 {
		t.Fatalf("retries must be answered inline, got REST calls %v", got)
	}
	if f.capacity.Live("w1") != 1 {
		t.Fatalf("retry must not open a second session")
	}
}
