package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"callflow-platform/internal/engine"
	"callflow-platform/internal/routing"
	"callflow-platform/internal/telephony"
)

// ErrInstructionFailed is returned when the call-control boundary could not
// carry out an instruction after its retry.
var ErrInstructionFailed = errors.New("bridge: instruction failed")

// Leg is the customer leg a session's instructions are applied to.
type Leg struct {
	// ID is the provider call id.
	ID          string
	CallID      string
	WorkspaceID string
	// LocalNumber is the platform's own number on the call; it is the caller id
	// for legs dialed on the customer's behalf.
	LocalNumber string
}

// AgentSource picks the agent that takes the next call of a queue.
type AgentSource interface {
	NextAgent(ctx context.Context, workspaceID, queueID string) (routing.Agent, error)
}

type Options struct {
	// BaseURL is the public origin provider callbacks are sent to.
	BaseURL string
	// CallerID is used for outbound dials that name no caller id.
	CallerID string
	// Record turns on call recording for outbound dials.
	Record bool
	// RetryDelay is the pause before the single retry of a failed action.
	RetryDelay time.Duration
}

// Coordinator turns engine instructions into call-control actions.
type Coordinator struct {
	control     telephony.CallControl
	agents      AgentSource
	conferences ConferenceStore
	opts        Options
	log         *slog.Logger

	Now   func() time.Time
	NewID func() string
}

func NewCoordinator(control telephony.CallControl, agents AgentSource, conferences ConferenceStore, opts Options, log *slog.Logger) *Coordinator {
	if conferences == nil {
		conferences = NewMemoryConferences()
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Coordinator{
		control:     control,
		agents:      agents,
		conferences: conferences,
		opts:        opts,
		log:         log,
		Now:         time.Now,
		NewID:       uuid.NewString,
	}
}

func (c *Coordinator) callback(path string) string {
	return c.opts.BaseURL + path
}

// Execute applies one instruction to leg. Failures wrap ErrInstructionFailed.
func (c *Coordinator) Execute(ctx context.Context, leg Leg, in engine.Instruction) error {
	if err := c.execute(ctx, leg, in); err != nil {
		return fmt.Errorf("%w: %s on leg %s: %w", ErrInstructionFailed, in.Kind, leg.ID, err)
	}
	return nil
}

func (c *Coordinator) execute(ctx context.Context, leg Leg, in engine.Instruction) error {
	switch in.Kind {
	case engine.KindPlayAudio:
		return c.retry(ctx, func(ctx context.Context) error {
			return c.control.PlayAudio(ctx, leg.ID, in.URL, in.Loop)
		})
	case engine.KindSpeak:
		return c.retry(ctx, func(ctx context.Context) error {
			return c.control.Speak(ctx, leg.ID, telephony.Speech{Text: in.Text, Voice: in.Voice, Language: in.Language})
		})
	case engine.KindCollectDigits:
		g := telephony.Gather{
			MaxDigits:   in.MaxDigits,
			TimeoutMs:   in.TimeoutMs,
			FinishOnKey: in.FinishOnKey,
			Action:      c.callback(telephony.PathGather) + "?node_id=" + url.QueryEscape(in.NodeID),
			PromptURL:   in.URL,
		}
		if in.Text != "" {
			g.Prompt = &telephony.Speech{Text: in.Text, Voice: in.Voice, Language: in.Language}
		}
		return c.retry(ctx, func(ctx context.Context) error {
			return c.control.CollectDigits(ctx, leg.ID, g)
		})
	case engine.KindTransferQueue:
		if c.agents == nil {
			return errors.New("bridge: no agent source configured")
		}
		agent, err := c.agents.NextAgent(ctx, leg.WorkspaceID, in.QueueID)
		if err != nil {
			return fmt.Errorf("queue %s: %w", in.QueueID, err)
		}
		return c.transfer(ctx, leg, transfer{
			target:    agent.Number,
			callerID:  leg.LocalNumber,
			holdMusic: in.HoldMusicURL,
			announce:  in.Text,
		})
	case engine.KindTransferExternal:
		callerID := in.CallerID
		if callerID == "" {
			callerID = leg.LocalNumber
		}
		return c.transfer(ctx, leg, transfer{
			target:   in.Destination,
			callerID: callerID,
			timeout:  in.TimeoutSeconds,
		})
	case engine.KindHangup:
		if in.Text != "" {
			if err := c.retry(ctx, func(ctx context.Context) error {
				return c.control.Speak(ctx, leg.ID, telephony.Speech{Text: in.Text})
			}); err != nil {
				return err
			}
		}
		return c.retry(ctx, func(ctx context.Context) error {
			return c.control.Hangup(ctx, leg.ID)
		})
	default:
		return fmt.Errorf("bridge: unknown instruction kind %q", in.Kind)
	}
}

// Flush hands the actions queued for leg to the provider.
func (c *Coordinator) Flush(ctx context.Context, leg Leg) error {
	if err := c.retry(ctx, func(ctx context.Context) error { return c.control.Flush(ctx, leg.ID) }); err != nil {
		return fmt.Errorf("%w: flush leg %s: %w", ErrInstructionFailed, leg.ID, err)
	}
	return nil
}

type transfer struct {
	target    string
	callerID  string
	holdMusic string
	announce  string
	timeout   int
}

// transfer joins the customer leg and a newly dialed leg for target into a
// fresh conference. Both legs end the conference when they leave.
func (c *Coordinator) transfer(ctx context.Context, leg Leg, t transfer) error {
	if t.target == "" {
		return errors.New("bridge: transfer target required")
	}
	name := "cf-" + c.NewID()

	if t.announce != "" {
		if err := c.retry(ctx, func(ctx context.Context) error {
			return c.control.Speak(ctx, leg.ID, telephony.Speech{Text: t.announce})
		}); err != nil {
			return err
		}
	}

	var otherLeg string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.retry(gctx, func(ctx context.Context) error {
			return c.control.JoinConference(ctx, leg.ID, telephony.Conference{
				Name:         name,
				WaitURL:      t.holdMusic,
				StartOnEnter: false,
				EndOnExit:    true,
			})
		})
	})
	g.Go(func() error {
		return c.retryDial(gctx, func(ctx context.Context) error {
			id, err := c.control.Dial(ctx, telephony.DialRequest{
				To:             t.target,
				From:           t.callerID,
				StatusCallback: c.callback(telephony.PathStatus),
				Conference:     &telephony.Conference{Name: name, StartOnEnter: true, EndOnExit: true},
				TimeoutSeconds: t.timeout,
			})
			if err != nil {
				return err
			}
			otherLeg = id
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		if otherLeg != "" {
			c.hangupQuietly(ctx, otherLeg)
		}
		return fmt.Errorf("conference %s: %w", name, err)
	}

	rec := ConferenceRecord{
		Name:        name,
		WorkspaceID: leg.WorkspaceID,
		CallID:      leg.CallID,
		Legs:        []string{leg.ID, otherLeg},
		CreatedAt:   c.Now().UTC(),
	}
	if err := c.conferences.Put(ctx, rec); err != nil {
		// Both legs still end the conference on exit; only the hangup of the
		// remaining leg is lost.
		c.log.Warn("conference record failed", "conference", name, "err", err)
	}
	c.log.Info("conference started", "conference", name, "call_id", leg.CallID, "leg", leg.ID, "other_leg", otherLeg)
	return nil
}

// Dial places an outbound customer leg with the session callbacks wired in.
func (c *Coordinator) Dial(ctx context.Context, to, from string) (string, error) {
	if from == "" {
		from = c.opts.CallerID
	}
	req := telephony.DialRequest{
		To:               to,
		From:             from,
		URL:              c.callback(telephony.PathVoice),
		StatusCallback:   c.callback(telephony.PathStatus),
		MachineDetection: true,
		AMDCallback:      c.callback(telephony.PathAMD),
		Record:           c.opts.Record,
	}
	if c.opts.Record {
		req.RecordingCallback = c.callback(telephony.PathRecording)
	}
	var id string
	err := c.retryDial(ctx, func(ctx context.Context) error {
		var err error
		id, err = c.control.Dial(ctx, req)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: dial %s: %w", ErrInstructionFailed, to, err)
	}
	return id, nil
}

// LegExited tears down the conference legID belonged to by hanging up every
// other leg. It reports whether this call performed the teardown.
func (c *Coordinator) LegExited(ctx context.Context, legID string) (bool, error) {
	rec, ok, err := c.conferences.ByLeg(ctx, legID)
	if err != nil || !ok {
		return false, err
	}
	removed, err := c.conferences.Remove(ctx, rec.Name)
	if err != nil || !removed {
		return false, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range rec.Legs {
		if l == legID || l == "" {
			continue
		}
		g.Go(func() error {
			if err := c.control.Hangup(gctx, l); err != nil {
				return err
			}
			return c.control.Flush(gctx, l)
		})
	}
	if err := g.Wait(); err != nil {
		return true, fmt.Errorf("bridge: teardown %s: %w", rec.Name, err)
	}
	c.log.Info("conference torn down", "conference", rec.Name, "exited_leg", legID)
	return true, nil
}

func (c *Coordinator) hangupQuietly(ctx context.Context, legID string) {
	if err := c.control.Hangup(ctx, legID); err != nil {
		c.log.Warn("hangup failed", "leg", legID, "err", err)
		return
	}
	if err := c.control.Flush(ctx, legID); err != nil {
		c.log.Warn("hangup failed", "leg", legID, "err", err)
	}
}

// retry runs op and, when the provider failed transiently, runs it once more.
func (c *Coordinator) retry(ctx context.Context, op func(ctx context.Context) error) error {
	return c.retryIf(ctx, transient, op)
}

// retryDial is retry for requests that create a leg. A failure with an
// unknown outcome may still have placed the call, so it is not repeated.
func (c *Coordinator) retryDial(ctx context.Context, op func(ctx context.Context) error) error {
	return c.retryIf(ctx, func(err error) bool {
		return transient(err) && !errors.Is(err, telephony.ErrOutcomeUnknown)
	}, op)
}

func transient(err error) bool {
	return errors.Is(err, telephony.ErrProvider)
}

func (c *Coordinator) retryIf(ctx context.Context, retryable func(error) bool, op func(ctx context.Context) error) error {
	err := op(ctx)
	if err == nil || !retryable(err) {
		return err
	}
	c.log.Warn("call control failed, retrying", "err", err)
	select {
	case <-ctx.Done():
		return err
	case <-time.After(c.opts.RetryDelay):
	}
	return op(ctx)
}
