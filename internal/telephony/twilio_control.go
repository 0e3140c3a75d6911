package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const DefaultTwilioBaseURL = "https://api.twilio.com"

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	HTTPClient *http.Client
}

// TwilioControl implements CallControl over the Twilio REST API.
//
// Actions on a leg are buffered as a TwiML document. Flush either leaves the
// document for the webhook response currently open for that leg (see
// WithSyncLeg) or replaces the leg's live TwiML through the REST API.
type TwilioControl struct {
	accountSID string
	authToken  string
	baseURL    string
	http       *http.Client

	mu      sync.Mutex
	pending map[string]*Document
}

func NewTwilioControl(cfg TwilioConfig) *TwilioControl {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultTwilioBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &TwilioControl{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    base,
		http:       hc,
		pending:    map[string]*Document{},
	}
}

type syncLegKey struct{}

// WithSyncLeg marks legID as answered by the webhook response being built on
// ctx. Flush leaves that leg's actions for TakeTwiML.
func WithSyncLeg(ctx context.Context, legID string) context.Context {
	if legID == "" {
		return ctx
	}
	return context.WithValue(ctx, syncLegKey{}, legID)
}

func syncLegFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(syncLegKey{}).(string); ok {
		return s
	}
	return ""
}

func (t *TwilioControl) Dial(ctx context.Context, req DialRequest) (string, error) {
	if req.To == "" || req.From == "" {
		return "", fmt.Errorf("%w: dial needs to and from", ErrInvalidRequest)
	}
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	if req.Conference != nil {
		var d Document
		d.Conference(*req.Conference)
		twiml, err := d.Render()
		if err != nil {
			return "", err
		}
		form.Set("Twiml", twiml)
	} else {
		if req.URL == "" {
			return "", fmt.Errorf("%w: dial needs a url or a conference", ErrInvalidRequest)
		}
		form.Set("Url", req.URL)
		form.Set("Method", http.MethodPost)
	}
	if req.StatusCallback != "" {
		form.Set("StatusCallback", req.StatusCallback)
		form.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}
	if req.MachineDetection {
		form.Set("MachineDetection", "Enable")
		form.Set("AsyncAmd", "true")
		if req.AMDCallback != "" {
			form.Set("AsyncAmdStatusCallback", req.AMDCallback)
			form.Set("AsyncAmdStatusCallbackMethod", http.MethodPost)
		}
	}
	if req.Record {
		form.Set("Record", "true")
		if req.RecordingCallback != "" {
			form.Set("RecordingStatusCallback", req.RecordingCallback)
			form.Set("RecordingStatusCallbackMethod", http.MethodPost)
		}
	}
	if req.TimeoutSeconds > 0 {
		form.Set("Timeout", strconv.Itoa(req.TimeoutSeconds))
	}

	var out struct {
		Sid string `json:"sid"`
	}
	if err := t.post(ctx, "/Calls.json", form, &out); err != nil {
		return "", err
	}
	if out.Sid == "" {
		return "", fmt.Errorf("%w: %w: dial returned no call sid", ErrProvider, ErrOutcomeUnknown)
	}
	return out.Sid, nil
}

func (t *TwilioControl) JoinConference(_ context.Context, legID string, conf Conference) error {
	if conf.Name == "" {
		return fmt.Errorf("%w: conference name required", ErrInvalidRequest)
	}
	t.doc(legID).Conference(conf)
	return nil
}

func (t *TwilioControl) PlayAudio(_ context.Context, legID, audioURL string, loop int) error {
	if audioURL == "" {
		return fmt.Errorf("%w: audio url required", ErrInvalidRequest)
	}
	t.doc(legID).Play(audioURL, loop)
	return nil
}

func (t *TwilioControl) Speak(_ context.Context, legID string, s Speech) error {
	if s.Text == "" {
		return fmt.Errorf("%w: speech text required", ErrInvalidRequest)
	}
	t.doc(legID).Say(s)
	return nil
}

func (t *TwilioControl) CollectDigits(_ context.Context, legID string, g Gather) error {
	if g.Action == "" {
		return fmt.Errorf("%w: gather action url required", ErrInvalidRequest)
	}
	t.doc(legID).Gather(g)
	return nil
}

func (t *TwilioControl) Hangup(_ context.Context, legID string) error {
	t.doc(legID).Hangup()
	return nil
}

// Flush delivers the buffered actions for legID.
func (t *TwilioControl) Flush(ctx context.Context, legID string) error {
	if syncLegFromContext(ctx) == legID {
		return nil
	}
	d := t.take(legID)
	if d == nil || d.Len() == 0 {
		return nil
	}
	twiml, err := d.Render()
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("Twiml", twiml)
	if err := t.post(ctx, "/Calls/"+url.PathEscape(legID)+".json", form, nil); err != nil {
		if errors.Is(err, ErrProvider) {
			t.restore(legID, d)
		}
		return err
	}
	return nil
}

// TakeTwiML removes and renders the actions buffered for legID. A leg with
// nothing buffered renders an empty Response.
func (t *TwilioControl) TakeTwiML(legID string) (string, error) {
	d := t.take(legID)
	if d == nil {
		d = &Document{}
	}
	return d.Render()
}

func (t *TwilioControl) doc(legID string) *Document {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.pending[legID]
	if !ok {
		d = &Document{}
		t.pending[legID] = d
	}
	return d
}

func (t *TwilioControl) take(legID string) *Document {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.pending[legID]
	delete(t.pending, legID)
	return d
}

// restore puts an undelivered document back ahead of anything buffered for
// legID since it was taken.
func (t *TwilioControl) restore(legID string, d *Document) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.pending[legID]; ok {
		d.verbs = append(d.verbs, cur.verbs...)
	}
	t.pending[legID] = d
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (t *TwilioControl) post(ctx context.Context, path string, form url.Values, out any) error {
	endpoint := t.baseURL + "/2010-04-01/Accounts/" + url.PathEscape(t.accountSID) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w: %v", ErrProvider, ErrOutcomeUnknown, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %w: read response: %v", ErrProvider, ErrOutcomeUnknown, err)
	}

	if resp.StatusCode >= 300 {
		var te twilioError
		_ = json.Unmarshal(body, &te)
		kind := ErrProvider
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			kind = ErrRejected
		}
		return fmt.Errorf("%w: status %d code %d: %s", kind, resp.StatusCode, te.Code, te.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %w: decode response: %v", ErrProvider, ErrOutcomeUnknown, err)
	}
	return nil
}
