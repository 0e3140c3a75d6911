package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"callflow-platform/internal/calls"
	"callflow-platform/internal/routing"
	"callflow-platform/internal/telephony"
	"callflow-platform/pkg/logger"
)

// DefaultDedupBucket groups repeated digit callbacks without an idempotency
// token.
const DefaultDedupBucket = 10 * time.Second

// Reject reasons rendered to callers the platform will not take.
const (
	rejectBusy     = "busy"
	rejectRejected = "rejected"
)

// Router decides what happens to an inbound call.
type Router interface {
	RouteInbound(ctx context.Context, req telephony.InboundCallRequest) (routing.Decision, error)
}

// Sessions is the call session state machine.
type Sessions interface {
	Open(ctx context.Context, req calls.OpenRequest) (calls.Session, error)
	Apply(ctx context.Context, ev calls.Event) (calls.Disposition, calls.State, error)
	Get(ctx context.Context, providerCallID string) (calls.Session, error)
	Reprompt(ctx context.Context, providerCallID string) (bool, error)
}

// LegTracker tears down conferences when one of their legs ends.
type LegTracker interface {
	LegExited(ctx context.Context, legID string) (bool, error)
}

// TwiMLSource hands out the actions buffered for a leg whose webhook response
// is being built.
type TwiMLSource interface {
	TakeTwiML(legID string) (string, error)
}

type Options struct {
	Verifier Verifier
	// DedupBucket is the window repeated digits without a provider token are
	// treated as one event in.
	DedupBucket time.Duration
}

// Gateway is the intake for Twilio webhooks: it verifies, de-duplicates and
// normalizes them, then hands them to the session state machine.
type Gateway struct {
	router   Router
	sessions Sessions
	legs     LegTracker
	twiml    TwiMLSource
	dedup    Dedup
	verifier Verifier
	bucket   time.Duration

	Now func() time.Time
}

func New(router Router, sessions Sessions, legs LegTracker, twiml TwiMLSource, dedup Dedup, opts Options) *Gateway {
	if dedup == nil {
		dedup = NewMemoryDedup(0)
	}
	if opts.DedupBucket <= 0 {
		opts.DedupBucket = DefaultDedupBucket
	}
	return &Gateway{
		router:   router,
		sessions: sessions,
		legs:     legs,
		twiml:    twiml,
		dedup:    dedup,
		verifier: opts.Verifier,
		bucket:   opts.DedupBucket,
		Now:      time.Now,
	}
}

// Register mounts the webhook routes.
func (g *Gateway) Register(r gin.IRoutes) {
	r.POST(telephony.PathVoice, g.Voice)
	r.POST(telephony.PathStatus, g.Status)
	r.POST(telephony.PathGather, g.Gather)
	r.POST(telephony.PathAMD, g.AMD)
	r.POST(telephony.PathRecording, g.Recording)
}

// Dispatch applies ev once per key. Duplicates, unknown calls and session
// faults are not errors; the provider is told the event was taken.
func (g *Gateway) Dispatch(ctx context.Context, key string, ev calls.Event) (calls.Disposition, error) {
	log := logger.From(ctx)
	if key != "" {
		first, err := g.dedup.Claim(ctx, key)
		if err != nil {
			// the state machine is idempotent on its own; dedup only saves work
			log.Warn("webhook dedup unavailable", "key", key, "err", err)
		} else if !first {
			log.Debug("webhook duplicate dropped", "key", key, "call_sid", ev.ProviderCallID, "type", ev.Type)
			return calls.Duplicate, nil
		}
	}

	d, st, err := g.sessions.Apply(ctx, ev)
	var fault *calls.SessionFault
	if err != nil && !errors.As(err, &fault) {
		if key != "" {
			if rerr := g.dedup.Release(ctx, key); rerr != nil {
				log.Warn("webhook dedup release failed", "key", key, "err", rerr)
			}
		}
		return "", err
	}

	if ev.Type == calls.EventCompleted || ev.Type == calls.EventFailed {
		g.legExited(ctx, ev.ProviderCallID)
	}

	switch {
	case fault != nil:
		log.Warn("webhook ended session with fault", "call_sid", ev.ProviderCallID, "type", ev.Type, "fault", fault.Kind)
	case d == calls.UnknownCall:
		log.Info("webhook for unknown call acknowledged", "call_sid", ev.ProviderCallID, "type", ev.Type)
	default:
		log.Debug("webhook applied", "call_sid", ev.ProviderCallID, "type", ev.Type, "disposition", d, "state", st)
	}
	return d, nil
}

func (g *Gateway) legExited(ctx context.Context, legID string) {
	if g.legs == nil {
		return
	}
	torn, err := g.legs.LegExited(ctx, legID)
	if err != nil {
		logger.From(ctx).Warn("conference teardown failed", "leg", legID, "err", err)
		return
	}
	if torn {
		logger.From(ctx).Info("conference torn down on leg exit", "leg", legID)
	}
}

// intake parses and verifies a webhook. It writes the error response itself.
func (g *Gateway) intake(c *gin.Context) (telephony.TwilioForm, context.Context, bool) {
	log := logger.FromGin(c)
	f, err := telephony.ParseTwilioForm(c.Request)
	if err != nil {
		log.Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return telephony.TwilioForm{}, nil, false
	}
	if err := g.verifier.Verify(c.Request); err != nil {
		log.Warn("twilio webhook rejected", "path", c.Request.URL.Path, "err", err)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "signature verification failed"})
		return telephony.TwilioForm{}, nil, false
	}
	if f.CallSid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "CallSid required"})
		return telephony.TwilioForm{}, nil, false
	}
	ctx := logger.With(c.Request.Context(), log.With("call_sid", f.CallSid))
	return f, ctx, true
}

// Voice answers a call. Inbound calls are routed and opened here; outbound
// calls were opened when they were dialed.
func (g *Gateway) Voice(c *gin.Context) {
	f, ctx, ok := g.intake(c)
	if !ok {
		return
	}
	log := logger.From(ctx)
	ctx = telephony.WithSyncLeg(ctx, f.CallSid)
	at := f.OccurredAt(g.Now().UTC())

	_, err := g.sessions.Get(ctx, f.CallSid)
	switch {
	case err == nil:
	case errors.Is(err, calls.ErrNotFound):
		reason, err := g.openInbound(ctx, c.ClientIP(), f, at)
		if err != nil {
			log.Error("inbound call open failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "routing failed"})
			return
		}
		if reason != "" {
			g.reject(c, reason)
			return
		}
		if _, err := g.Dispatch(ctx, "", calls.Event{Type: calls.EventRinging, ProviderCallID: f.CallSid, At: at}); err != nil {
			g.fail(c, err)
			return
		}
	default:
		g.fail(c, err)
		return
	}

	d, err := g.Dispatch(ctx, "", calls.Event{Type: calls.EventAnswered, ProviderCallID: f.CallSid, At: at})
	if err != nil {
		g.fail(c, err)
		return
	}
	if !g.reprompt(c, ctx, f.CallSid, d) {
		return
	}
	g.respond(c, f.CallSid)
}

// openInbound routes and opens an inbound call. A non-empty reason means the
// call must be rejected with it.
func (g *Gateway) openInbound(ctx context.Context, clientIP string, f telephony.TwilioForm, at time.Time) (string, error) {
	log := logger.From(ctx)
	if g.router == nil {
		return "", errors.New("gateway: no inbound router configured")
	}
	dec, err := g.router.RouteInbound(routing.WithRemoteAddr(ctx, clientIP), f.ToInboundCallRequest(at))
	if err != nil {
		return "", err
	}
	if dec.Action != routing.ActionStart {
		log.Info("inbound call rejected", "to", f.To, "reason", dec.Reason)
		return rejectRejected, nil
	}
	_, err = g.sessions.Open(ctx, calls.OpenRequest{
		WorkspaceID:    dec.WorkspaceID,
		ProviderCallID: f.CallSid,
		WorkflowID:     dec.WorkflowID,
		VersionID:      dec.VersionID,
		CampaignID:     dec.CampaignID,
		Direction:      calls.DirectionInbound,
		From:           f.From,
		To:             f.To,
		Vars:           dec.Vars,
	})
	if errors.Is(err, calls.ErrCapacity) {
		log.Warn("inbound call over workspace limit", "workspace_id", dec.WorkspaceID)
		return rejectBusy, nil
	}
	if err != nil {
		return "", err
	}
	return "", nil
}

// Gather resumes a walk suspended on digit collection.
func (g *Gateway) Gather(c *gin.Context) {
	f, ctx, ok := g.intake(c)
	if !ok {
		return
	}
	ctx = telephony.WithSyncLeg(ctx, f.CallSid)
	ev := GatherEvent(f, c.Query("node_id"), f.OccurredAt(g.Now().UTC()))
	d, err := g.Dispatch(ctx, EventKey(c.GetHeader(IdempotencyHeader), ev, g.bucket), ev)
	if err != nil {
		g.fail(c, err)
		return
	}
	if !g.reprompt(c, ctx, f.CallSid, d) {
		return
	}
	g.respond(c, f.CallSid)
}

// reprompt rebuilds the pending prompt when a synchronous webhook turned out
// to be a retry, so the provider does not get an empty document back. It
// returns false once it has answered the request itself.
func (g *Gateway) reprompt(c *gin.Context, ctx context.Context, legID string, d calls.Disposition) bool {
	if d != calls.Duplicate {
		return true
	}
	ok, err := g.sessions.Reprompt(ctx, legID)
	if err != nil {
		g.fail(c, err)
		return false
	}
	if ok {
		logger.From(ctx).Info("webhook retry answered with pending prompt", "call_sid", legID)
	}
	return true
}

func (g *Gateway) Status(c *gin.Context) {
	f, ctx, ok := g.intake(c)
	if !ok {
		return
	}
	ev, ok := StatusEvent(f, f.OccurredAt(g.Now().UTC()))
	g.dispatchAsync(c, ctx, ev, ok)
}

func (g *Gateway) AMD(c *gin.Context) {
	f, ctx, ok := g.intake(c)
	if !ok {
		return
	}
	ev, ok := AMDEvent(f, f.OccurredAt(g.Now().UTC()))
	g.dispatchAsync(c, ctx, ev, ok)
}

func (g *Gateway) Recording(c *gin.Context) {
	f, ctx, ok := g.intake(c)
	if !ok {
		return
	}
	ev, ok := RecordingEvent(f, f.OccurredAt(g.Now().UTC()))
	g.dispatchAsync(c, ctx, ev, ok)
}

// dispatchAsync handles callbacks whose response body Twilio ignores.
func (g *Gateway) dispatchAsync(c *gin.Context, ctx context.Context, ev calls.Event, ok bool) {
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	if _, err := g.Dispatch(ctx, EventKey(c.GetHeader(IdempotencyHeader), ev, g.bucket), ev); err != nil {
		g.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// respond writes the TwiML buffered for legID.
func (g *Gateway) respond(c *gin.Context, legID string) {
	var (
		twiml string
		err   error
	)
	if g.twiml != nil {
		twiml, err = g.twiml.TakeTwiML(legID)
	} else {
		twiml, err = telephony.RenderTwiML()
	}
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	writeTwiML(c, twiml)
}

func (g *Gateway) reject(c *gin.Context, reason string) {
	var d telephony.Document
	d.Reject(reason)
	twiml, err := d.Render()
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	writeTwiML(c, twiml)
}

// fail answers non-2xx so Twilio retries the webhook.
func (g *Gateway) fail(c *gin.Context, err error) {
	logger.FromGin(c).Error("webhook processing failed", "path", c.Request.URL.Path, "err", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
}

func writeTwiML(c *gin.Context, twiml string) {
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}
