package engine

import (
	"context"
	"sync"
	"time"

	"callflow-platform/internal/workflow"
)

// Env is the part of the owning call session a handler may see. Vars belongs
// to that session alone and is mutated in place.
type Env struct {
	CallID    string
	Direction string
	Caller    string
	Callee    string
	Vars      map[string]string
	Now       time.Time
}

// Input is the external event a suspended node resumes with.
type Input struct {
	Digits  string
	Timeout bool
}

// Result is what a handler decides for one step.
type Result struct {
	// Instruction is emitted before the engine moves on (zero or one per step).
	Instruction *Instruction
	// Port selects the outgoing edge. Ignored when Suspend or Terminal is set.
	Port string
	// Suspend parks the walk on this node until Resume.
	Suspend bool
	// Terminal ends the walk; Outcome labels how.
	Terminal bool
	Outcome  string
}

// Handler evaluates one node type. cfg is the decoded config for node.Type.
type Handler interface {
	Evaluate(ctx context.Context, env *Env, node workflow.Node, cfg workflow.NodeConfig) (Result, error)
}

// Resumer is implemented by handlers that suspend.
type Resumer interface {
	Resume(ctx context.Context, env *Env, node workflow.Node, cfg workflow.NodeConfig, in Input) (Result, error)
}

// Registry maps node types to handlers. New node types plug in here without
// touching the engine loop.
type Registry struct {
	mu       sync.RWMutex
	handlers map[workflow.NodeType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[workflow.NodeType]Handler{}}
}

func (r *Registry) Register(t workflow.NodeType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

func (r *Registry) Lookup(t workflow.NodeType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// DefaultRegistry registers a handler for every built-in node type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(workflow.NodeTrigger, triggerHandler{})
	r.Register(workflow.NodeBusinessHours, businessHoursHandler{})
	r.Register(workflow.NodeCallerLookup, callerLookupHandler{})
	r.Register(workflow.NodeAudioPlayback, audioPlaybackHandler{})
	r.Register(workflow.NodeTextToSpeech, textToSpeechHandler{})
	r.Register(workflow.NodeIVRMenu, ivrMenuHandler{})
	r.Register(workflow.NodeInputCollection, inputCollectionHandler{})
	r.Register(workflow.NodeQueueTransfer, queueTransferHandler{})
	r.Register(workflow.NodeExternalTransfer, externalTransferHandler{})
	r.Register(workflow.NodeEndCall, endCallHandler{})
	return r
}
