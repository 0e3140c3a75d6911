package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
)

// NodeConfig is the typed configuration of one node type. The concrete type is
// selected by Node.Type (a tagged union keyed by node type).
type NodeConfig interface {
	NodeType() NodeType
}

type AMDPolicy string

const (
	AMDHangup AMDPolicy = "hangup"
	AMDRoute  AMDPolicy = "route"
	AMDIgnore AMDPolicy = "ignore"
)

type TriggerConfig struct {
	Direction string    `json:"direction,omitempty" validate:"omitempty,oneof=inbound outbound any"`
	AMDPolicy AMDPolicy `json:"amd_policy,omitempty" validate:"omitempty,oneof=hangup route ignore"`
}

type BusinessHoursConfig struct {
	Timezone string        `json:"timezone" validate:"required,timezone"`
	Windows  []HoursWindow `json:"windows" validate:"required,min=1,dive"`
	Holidays []string      `json:"holidays,omitempty" validate:"omitempty,dive,datetime=2006-01-02"`
}

// HoursWindow is open from Open (inclusive) to Close (exclusive) on each listed
// day. Close at or before Open wraps past midnight.
type HoursWindow struct {
	Days  []string `json:"days" validate:"required,min=1,dive,oneof=mon tue wed thu fri sat sun"`
	Open  string   `json:"open" validate:"required,datetime=15:04"`
	Close string   `json:"close" validate:"required,datetime=15:04"`
}

type CallerLookupConfig struct {
	// Numbers are matched against the caller number.
	Numbers []string `json:"numbers,omitempty" validate:"omitempty,dive,dialable"`
	// Variable, when set on the session (e.g. contact_id from routing), also counts as found.
	Variable string `json:"variable,omitempty"`
}

type AudioPlaybackConfig struct {
	URL  string `json:"url" validate:"required,url"`
	Loop int    `json:"loop,omitempty" validate:"omitempty,min=1,max=10"`
}

type TextToSpeechConfig struct {
	Text     string `json:"text" validate:"required"`
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language,omitempty"`
}

type IVRMenuConfig struct {
	PromptText string      `json:"prompt_text,omitempty" validate:"required_without=PromptURL"`
	PromptURL  string      `json:"prompt_url,omitempty" validate:"omitempty,url"`
	Options    []IVROption `json:"options" validate:"required,min=1,dive"`
	TimeoutMs  int         `json:"timeout_ms,omitempty" validate:"omitempty,min=1000,max=60000"`
}

type IVROption struct {
	Digit string `json:"digit" validate:"required,digit"`
	Label string `json:"label,omitempty"`
}

type InputCollectionConfig struct {
	PromptText  string `json:"prompt_text,omitempty" validate:"required_without=PromptURL"`
	PromptURL   string `json:"prompt_url,omitempty" validate:"omitempty,url"`
	MaxDigits   int    `json:"max_digits" validate:"required,min=1,max=32"`
	TimeoutMs   int    `json:"timeout_ms,omitempty" validate:"omitempty,min=1000,max=60000"`
	FinishOnKey string `json:"finish_on_key,omitempty" validate:"omitempty,oneof=# *"`
	Variable    string `json:"variable" validate:"required"`
}

type QueueTransferConfig struct {
	QueueID      string `json:"queue_id" validate:"required"`
	HoldMusicURL string `json:"hold_music_url,omitempty" validate:"omitempty,url"`
	Announce     string `json:"announce,omitempty"`
}

type ExternalTransferConfig struct {
	Destination    string `json:"destination" validate:"required,dialable"`
	CallerID       string `json:"caller_id,omitempty" validate:"omitempty,dialable"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" validate:"omitempty,min=5,max=120"`
}

type EndCallConfig struct {
	Message string `json:"message,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

func (TriggerConfig) NodeType() NodeType          { return NodeTrigger }
func (BusinessHoursConfig) NodeType() NodeType    { return NodeBusinessHours }
func (CallerLookupConfig) NodeType() NodeType     { return NodeCallerLookup }
func (AudioPlaybackConfig) NodeType() NodeType    { return NodeAudioPlayback }
func (TextToSpeechConfig) NodeType() NodeType     { return NodeTextToSpeech }
func (IVRMenuConfig) NodeType() NodeType          { return NodeIVRMenu }
func (InputCollectionConfig) NodeType() NodeType  { return NodeInputCollection }
func (QueueTransferConfig) NodeType() NodeType    { return NodeQueueTransfer }
func (ExternalTransferConfig) NodeType() NodeType { return NodeExternalTransfer }
func (EndCallConfig) NodeType() NodeType          { return NodeEndCall }

var configFactories = map[NodeType]func() NodeConfig{
	NodeTrigger:          func() NodeConfig { return &TriggerConfig{} },
	NodeBusinessHours:    func() NodeConfig { return &BusinessHoursConfig{} },
	NodeCallerLookup:     func() NodeConfig { return &CallerLookupConfig{} },
	NodeAudioPlayback:    func() NodeConfig { return &AudioPlaybackConfig{} },
	NodeTextToSpeech:     func() NodeConfig { return &TextToSpeechConfig{} },
	NodeIVRMenu:          func() NodeConfig { return &IVRMenuConfig{} },
	NodeInputCollection:  func() NodeConfig { return &InputCollectionConfig{} },
	NodeQueueTransfer:    func() NodeConfig { return &QueueTransferConfig{} },
	NodeExternalTransfer: func() NodeConfig { return &ExternalTransferConfig{} },
	NodeEndCall:          func() NodeConfig { return &EndCallConfig{} },
}

// KnownNodeType reports whether t has a config schema.
func KnownNodeType(t NodeType) bool {
	_, ok := configFactories[t]
	return ok
}

var (
	ErrUnknownNodeType = errors.New("workflow: unknown node type")
	ErrInvalidConfig   = errors.New("workflow: invalid node config")
)

// DecodeConfig parses raw into the typed config for t. It does not check
// required fields; see ConfigValidator.
func DecodeConfig(t NodeType, raw json.RawMessage) (NodeConfig, error) {
	factory, ok := configFactories[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, t)
	}
	cfg := factory()
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return deref(cfg), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return deref(cfg), nil
}

// deref turns the *T produced by a factory into T so handlers switch on values.
func deref(cfg NodeConfig) NodeConfig {
	return reflect.ValueOf(cfg).Elem().Interface().(NodeConfig)
}

// FieldError is one failed required/format rule on a node config.
type FieldError struct {
	Field string
	Rule  string
}

// ConfigValidator checks typed configs with validator/v10 struct tags.
type ConfigValidator struct {
	v *validator.Validate
}

var (
	e164Pattern  = regexp.MustCompile(`^\+[1-9][0-9]{1,14}$`)
	digitPattern = regexp.MustCompile(`^[0-9*#]$`)
)

func NewConfigValidator() *ConfigValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("dialable", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return e164Pattern.MatchString(s) || (strings.HasPrefix(strings.ToLower(s), "sip:") && len(s) > 4)
	})
	_ = v.RegisterValidation("digit", func(fl validator.FieldLevel) bool {
		return digitPattern.MatchString(fl.Field().String())
	})
	return &ConfigValidator{v: v}
}

// Check returns one FieldError per failing field.
func (c *ConfigValidator) Check(cfg NodeConfig) []FieldError {
	err := c.v.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Field: "", Rule: err.Error()}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fieldPath(fe.Namespace()), Rule: fe.Tag()})
	}
	return out
}

// fieldPath drops the struct name prefix from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

var weekdayNames = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

// OpenAt reports whether t falls inside any window, evaluated in c.Timezone.
func (c BusinessHoursConfig) OpenAt(t time.Time) (bool, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return false, fmt.Errorf("%w: timezone %q", ErrInvalidConfig, c.Timezone)
	}
	local := t.In(loc)

	today := local.Format("2006-01-02")
	for _, h := range c.Holidays {
		if h == today {
			return false, nil
		}
	}

	minute := local.Hour()*60 + local.Minute()
	day := weekdayNames[local.Weekday()]
	prevDay := weekdayNames[local.Add(-24*time.Hour).Weekday()]

	for _, w := range c.Windows {
		open, err := clockMinutes(w.Open)
		if err != nil {
			return false, err
		}
		closeAt, err := clockMinutes(w.Close)
		if err != nil {
			return false, err
		}
		if closeAt > open {
			if hasDay(w.Days, day) && minute >= open && minute < closeAt {
				return true, nil
			}
			continue
		}
		// Overnight window: the evening part belongs to the listed day, the
		// early-morning part to the day after.
		if hasDay(w.Days, day) && minute >= open {
			return true, nil
		}
		if hasDay(w.Days, prevDay) && minute < closeAt {
			return true, nil
		}
	}
	return false, nil
}

func clockMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: time %q", ErrInvalidConfig, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func hasDay(days []string, d string) bool {
	for _, x := range days {
		if strings.EqualFold(x, d) {
			return true
		}
	}
	return false
}
