package engine

import (
	"context"
	"fmt"

	"callflow-platform/internal/workflow"
)

// Well-known session variables.
const (
	VarContactID  = "contact_id"
	VarMenuChoice = "menu_choice"
)

// Outcomes recorded on terminal steps.
const (
	OutcomeCompleted   = "completed"
	OutcomeQueued      = "queued"
	OutcomeTransferred = "transferred"
)

func wrongConfig(node workflow.Node, cfg workflow.NodeConfig) error {
	return fmt.Errorf("%w: node %s has %T config", workflow.ErrInvalidConfig, node.ID, cfg)
}

type triggerHandler struct{}

func (triggerHandler) Evaluate(_ context.Context, _ *Env, _ workflow.Node, _ workflow.NodeConfig) (Result, error) {
	return Result{Port: workflow.PortDefault}, nil
}

type businessHoursHandler struct{}

func (businessHoursHandler) Evaluate(_ context.Context, env *Env, node workflow.Node, cfg workflow.NodeConfig) (Result, error) {
	c, ok := cfg.(workflow.BusinessHoursConfig)
	if !ok {
		return Result{}, wrongConfig(node, cfg)
	}
	open, err := c.OpenAt(env.Now)
	if err != nil {
		return Result{}, err
	}
	if open {
		return Result{Port: workflow.PortTrue}, nil
	}
	return Result{Port: workflow.PortFalse}, nil
}

type callerLookupHandler struct{}

func (callerLookupHandler) Evaluate(_ context.Context, env *Env, node workflow.Node, cfg workflow.NodeConfig) (Result, error) {
	c, ok := cfg.(workflow.CallerLookupConfig)
	if !ok {
		return Result{}, wrongConfig(node, cfg)
	}
	for _, n := range c.Numbers {
		if n == env.Caller {
			return Result{Port: workflow.PortFound}, nil
		}
	}
	variable := c.Variable
	if variable == "" {
		variable = VarContactID
	}
	if env.Vars[variable] != "" {
		return Result{Port: workflow.PortFound}, nil
	}
	return Result{Port: workflow.PortNotFound}, nil
}

type audioPlaybackHandler struct{}

func (audioPlaybackHandler) Evaluate(_ context.Context, _ *Env, node workflow.Node, cfg workflow.NodeConfig) (Result, error) {
	c, ok := cfg.(workflow.AudioPlaybackConfig)
	if !ok {
		return Result{}, wrongConfig(node, cfg)
	}
	return Result{Instruction: &Instruction{Kind: KindPlayAudio, NodeID: node.ID, URL: c.URL, Loop: c.Loop}}, nil
}

type textToSpeechHandler struct{}

func (textToSpeechHandler) Evaluate(_ context.Context, env *Env, node workflow.Node, cfg workflow.NodeConfig) (Result, error) {
	c, ok := cfg.(workflow.TextToSpeechConfig)
	if !ok {
		return Result{}, wrongConfig(node, cfg)
	}
	return Result{Instruction: &Instruction{
		Kind:     KindSpeak,
		NodeID:   node.ID,
		Text:     expandVars(c.Text, env.Vars),
		Voice:    c.Voice,
		Language: c.Language,
	}}, nil
}

type ivrMenuHandler struct{}

func (ivrMenuHandler) Evaluate(_ context.Context, _ *Env, node workflow.Node, cfg workflow.NodeConfig) (Result, error) {
	c, ok := cfg.(workflow.IVRMenuConfig)
	if !ok {
		return Result{}, wrongConfig(node, cfg)
	}
	return Result{
		Instruction: &Instruction{
			Kind:      KindCollectDigits,
			NodeID:    node.ID,
			Text:      c.PromptText,
			URL:       c.PromptURL,
			MaxDigits: 1,
			TimeoutMs: c.TimeoutMs,
		},
		Suspend: true,
	}, nil
}

// Resume uses the pressed digit as port. Unknown digits fall through to the
// default edge in the engine.
func (ivrMenuHandler) Resume(_ context.Context, env *Env, _ workflow.Node, _ workflow.NodeConfig, in Input) (Result, error) {
	if in.Timeout || in.Digits == "" {
		return Result{Port: workflow.PortTimeout}, nil
	}
	env.Vars[VarMenuChoice] = in.Digits
	return Result{Port: in.Digits}, nil
}

type inputCollectionHandler struct{}

func (inputCollectionHandler) Evaluate(_ context.Context, _ *Env, node workflow.Node, cfg workflow.NodeConfig) (Result, error) {
	c, ok := cfg.(workflow.InputCollectionConfig)
	if !ok {
		return Result{}, wrongConfig(node, cfg)
	}
	return Result{
		Instruction: &Instruction{
			Kind:        KindCollectDigits,
			NodeID:      node.ID,
			Text:        c.PromptText,
			URL:         c.PromptURL,
			MaxDigits:   c.MaxDigits,
			TimeoutMs:   c.TimeoutMs,
			FinishOnKey: c.FinishOnKey,
		},
		Suspend: true,
	}, nil
}

func (inputCollectionHandler) Resume(_ context.Context, env *Env, node workflow.Node, cfg workflow.NodeConfig, in Input) (Result, error) {
	c, ok := cfg.(workflow.InputCollectionConfig)
	if !ok {
		return Result{}, wrongConfig(node, cfg)
	}
	if in.Timeout || in.Digits == "" {
		return Result{Port: workflow.PortTimeout}, nil
	}
	env.Vars[c.Variable] = in.Digits
	return Result{Port: workflow.PortCollected}, nil
}

type queueTransferHandler struct{}

func (queueTransferHandler) Evaluate(_ context.Context, _ *Env, node workflow.Node, cfg workflow.NodeConfig) (Result, error) {
	c, ok := cfg.(workflow.QueueTransferConfig)
	if !ok {
		return Result{}, wrongConfig(node, cfg)
	}
	return Result{
		Instruction: &Instruction{
			Kind:         KindTransferQueue,
			NodeID:       node.ID,
			QueueID:      c.QueueID,
			HoldMusicURL: c.HoldMusicURL,
			Text:         c.Announce,
		},
		Terminal: true,
		Outcome:  OutcomeQueued,
	}, nil
}

type externalTransferHandler struct{}

func (externalTransferHandler) Evaluate(_ context.Context, _ *Env, node workflow.Node, cfg workflow.NodeConfig) (Result, error) {
	c, ok := cfg.(workflow.ExternalTransferConfig)
	if !ok {
		return Result{}, wrongConfig(node, cfg)
	}
	return Result{
		Instruction: &Instruction{
			Kind:           KindTransferExternal,
			NodeID:         node.ID,
			Destination:    c.Destination,
			CallerID:       c.CallerID,
			TimeoutSeconds: c.TimeoutSeconds,
		},
		Terminal: true,
		Outcome:  OutcomeTransferred,
	}, nil
}

type endCallHandler struct{}

func (endCallHandler) Evaluate(_ context.Context, env *Env, node workflow.Node, cfg workflow.NodeConfig) (Result, error) {
	c, ok := cfg.(workflow.EndCallConfig)
	if !ok {
		return Result{}, wrongConfig(node, cfg)
	}
	outcome := c.Outcome
	if outcome == "" {
		outcome = OutcomeCompleted
	}
	return Result{
		Instruction: &Instruction{Kind: KindHangup, NodeID: node.ID, Text: expandVars(c.Message, env.Vars), Reason: outcome},
		Terminal:    true,
		Outcome:     outcome,
	}, nil
}
