package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Payload is the closed set of message bodies. Every MessageKind maps to
// exactly one payload type through its phase.
type Payload interface {
	PipelineRef() string
	isPayload()
}

var payloadValidate *validator.Validate

func init() {
	payloadValidate = validator.New()
	_ = payloadValidate.RegisterValidation("stage", validateStage)
	payloadValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
}

func validateStage(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return s == "" || ProcessingStage(s).IsValid()
}

type StartPayload struct {
	PipelineID string                 `json:"pipeline_id" validate:"required"`
	Stage      ProcessingStage        `json:"stage,omitempty" validate:"stage"`
	Config     map[string]interface{} `json:"config" validate:"required"`
	Attempt    int                    `json:"attempt,omitempty" validate:"gte=0"`
}

type ProgressPayload struct {
	PipelineID string          `json:"pipeline_id" validate:"required"`
	Stage      ProcessingStage `json:"stage" validate:"required,stage"`
	Progress   float64         `json:"progress" validate:"gte=0,lte=100"`
	Scale      int             `json:"scale,omitempty" validate:"omitempty,oneof=1 100"`
	Message    string          `json:"message,omitempty"`
}

// Fraction normalizes progress to 0..1. Domains reporting percentages set
// Scale to 100.
func (p ProgressPayload) Fraction() float64 {
	v := p.Progress
	if p.Scale == 100 {
		v = v / 100
	}
	if v > 1 {
		v = 1
	}
	if v < 0 {
		v = 0
	}
	return v
}

type CompletePayload struct {
	PipelineID string                 `json:"pipeline_id" validate:"required"`
	Stage      ProcessingStage        `json:"stage,omitempty" validate:"stage"`
	Results    map[string]interface{} `json:"results" validate:"required_without=Report"`
	Report     map[string]interface{} `json:"report,omitempty"`
	Metrics    map[string]float64     `json:"metrics,omitempty"`
}

// Data returns Results, falling back to Report.
func (p CompletePayload) Data() map[string]interface{} {
	if p.Results != nil {
		return p.Results
	}
	return p.Report
}

type FailedPayload struct {
	PipelineID string          `json:"pipeline_id" validate:"required"`
	Stage      ProcessingStage `json:"stage,omitempty" validate:"stage"`
	Error      string          `json:"error" validate:"required"`
	Permanent  bool            `json:"permanent,omitempty"`
	Category   string          `json:"category,omitempty"`
}

type ErrorPayload struct {
	PipelineID        string       `json:"pipeline_id,omitempty"`
	Component         string       `json:"component" validate:"required"`
	Error             string       `json:"error" validate:"required"`
	Category          string       `json:"category,omitempty"`
	OriginalKind      MessageKind  `json:"original_type,omitempty"`
	OriginalMessageID string       `json:"original_message_id,omitempty"`
	OriginalContent   Payload      `json:"original_content,omitempty" validate:"-"`
	Denied            bool         `json:"denied,omitempty"`
	DenialReason      DenialReason `json:"denial_reason,omitempty"`
}

type CommandPayload struct {
	PipelineID string                 `json:"pipeline_id"`
	Reason     string                 `json:"reason,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`
}

type ConfigUpdatePayload struct {
	Component string                 `json:"component,omitempty"`
	Settings  map[string]interface{} `json:"settings" validate:"required,min=1"`
}

type AlertPayload struct {
	PipelineID string           `json:"pipeline_id,omitempty"`
	Component  string           `json:"component" validate:"required"`
	Metric     PressureMetric   `json:"metric,omitempty"`
	Severity   PressureSeverity `json:"severity" validate:"required,oneof=normal warning critical"`
	Value      float64          `json:"value"`
	Threshold  float64          `json:"threshold"`
	Message    string           `json:"message,omitempty"`
}

type RequestPayload struct {
	PipelineID string                 `json:"pipeline_id" validate:"required"`
	Subject    string                 `json:"subject" validate:"required"`
	Options    []string               `json:"options,omitempty"`
	Config     map[string]interface{} `json:"config,omitempty"`
}

type ResponsePayload struct {
	PipelineID string                 `json:"pipeline_id,omitempty"`
	Status     string                 `json:"status" validate:"required"`
	Reference  string                 `json:"reference,omitempty"`
	Data       []byte                 `json:"data,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Values     map[string]interface{} `json:"values,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// StagingPayload carries the staging verbs (store, retrieve, delete, grant,
// deny). Which fields are required depends on the verb.
type StagingPayload struct {
	PipelineID string                 `json:"pipeline_id,omitempty"`
	Reference  string                 `json:"reference,omitempty"`
	Data       []byte                 `json:"data,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	SourceType string                 `json:"source_type,omitempty"`
	Requester  string                 `json:"requester,omitempty"`
	Grantee    string                 `json:"grantee,omitempty"`
}

type NoticePayload struct {
	PipelineID string                 `json:"pipeline_id,omitempty"`
	Component  string                 `json:"component,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

type ResourcePayload struct {
	PipelineID string          `json:"pipeline_id,omitempty"`
	Component  string          `json:"component,omitempty"`
	Resources  ResourceRequest `json:"resources"`
	Mitigation *Mitigation     `json:"mitigation,omitempty"`
	Sample     *PressureSample `json:"sample,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

func (p StartPayload) PipelineRef() string        { return p.PipelineID }
func (p ProgressPayload) PipelineRef() string     { return p.PipelineID }
func (p CompletePayload) PipelineRef() string     { return p.PipelineID }
func (p FailedPayload) PipelineRef() string       { return p.PipelineID }
func (p ErrorPayload) PipelineRef() string        { return p.PipelineID }
func (p CommandPayload) PipelineRef() string      { return p.PipelineID }
func (p ConfigUpdatePayload) PipelineRef() string { return "" }
func (p AlertPayload) PipelineRef() string        { return p.PipelineID }
func (p RequestPayload) PipelineRef() string      { return p.PipelineID }
func (p ResponsePayload) PipelineRef() string     { return p.PipelineID }
func (p StagingPayload) PipelineRef() string      { return p.PipelineID }
func (p NoticePayload) PipelineRef() string       { return p.PipelineID }
func (p ResourcePayload) PipelineRef() string     { return p.PipelineID }

func (StartPayload) isPayload()        {}
func (ProgressPayload) isPayload()     {}
func (CompletePayload) isPayload()     {}
func (FailedPayload) isPayload()       {}
func (ErrorPayload) isPayload()        {}
func (CommandPayload) isPayload()      {}
func (ConfigUpdatePayload) isPayload() {}
func (AlertPayload) isPayload()        {}
func (RequestPayload) isPayload()      {}
func (ResponsePayload) isPayload()     {}
func (StagingPayload) isPayload()      {}
func (NoticePayload) isPayload()       {}
func (ResourcePayload) isPayload()     {}

var phasePayloads = map[MessagePhase]reflect.Type{
	PhaseStart:    reflect.TypeOf(StartPayload{}),
	PhaseProgress: reflect.TypeOf(ProgressPayload{}),
	PhaseComplete: reflect.TypeOf(CompletePayload{}),
	PhaseFailed:   reflect.TypeOf(FailedPayload{}),
	PhaseError:    reflect.TypeOf(ErrorPayload{}),
	PhaseCommand:  reflect.TypeOf(CommandPayload{}),
	PhaseConfig:   reflect.TypeOf(ConfigUpdatePayload{}),
	PhaseAlert:    reflect.TypeOf(AlertPayload{}),
	PhaseRequest:  reflect.TypeOf(RequestPayload{}),
	PhaseResponse: reflect.TypeOf(ResponsePayload{}),
	PhaseStaging:  reflect.TypeOf(StagingPayload{}),
	PhaseNotice:   reflect.TypeOf(NoticePayload{}),
	PhaseResource: reflect.TypeOf(ResourcePayload{}),
}

// PayloadTypeFor names the Go type a kind must carry.
func PayloadTypeFor(kind MessageKind) string {
	if t, ok := phasePayloads[kind.Phase()]; ok {
		return t.Name()
	}
	return ""
}

// ValidateMessage checks the envelope once, at the broker boundary: the kind
// must be known, the payload must be the type its phase requires and the
// payload's field constraints must hold.
func ValidateMessage(msg ProcessingMessage) error {
	if msg.MessageID == "" {
		return NewValidationError("message id is required", ErrInvalidInput)
	}
	if !msg.Kind.IsKnown() {
		return NewValidationError(fmt.Sprintf("unknown message kind %q", msg.Kind), ErrInvalidInput,
			WithMessageID(msg.MessageID))
	}
	if msg.Metadata.TargetComponent == "" && !msg.Metadata.Broadcast {
		return NewValidationError("target component is required", ErrInvalidInput,
			WithMessageID(msg.MessageID), WithContextDetail("message_kind", string(msg.Kind)))
	}
	if msg.Payload == nil {
		return NewValidationError(fmt.Sprintf("%s requires a %s payload", msg.Kind, PayloadTypeFor(msg.Kind)), ErrInvalidInput,
			WithMessageID(msg.MessageID))
	}

	want := phasePayloads[msg.Kind.Phase()]
	got := reflect.TypeOf(msg.Payload)
	if got.Kind() == reflect.Ptr {
		got = got.Elem()
	}
	if got != want {
		return NewValidationError(fmt.Sprintf("%s requires a %s payload, got %s", msg.Kind, want.Name(), got.Name()), ErrInvalidInput,
			WithMessageID(msg.MessageID))
	}

	if err := payloadValidate.Struct(msg.Payload); err != nil {
		return NewValidationError(fmt.Sprintf("invalid %s payload: %s", msg.Kind, describeValidation(err)), ErrInvalidInput,
			WithMessageID(msg.MessageID), WithPipelineID(msg.PipelineID()))
	}

	if sp, ok := msg.Payload.(StagingPayload); ok {
		if err := validateStagingVerb(msg.Kind, sp); err != nil {
			return NewValidationError(err.Error(), ErrInvalidInput, WithMessageID(msg.MessageID))
		}
	}
	if msg.Kind.Phase() == PhaseCommand && msg.Kind.Domain() == DomainPipeline && msg.PipelineID() == "" {
		return NewValidationError(fmt.Sprintf("%s requires pipeline_id", msg.Kind), ErrInvalidInput, WithMessageID(msg.MessageID))
	}
	return nil
}

func validateStagingVerb(kind MessageKind, p StagingPayload) error {
	switch kind {
	case KindStagingStoreRequest:
		if len(p.Data) == 0 {
			return errors.New("store request requires data")
		}
	case KindStagingRetrieveRequest:
		if p.Reference == "" || p.Requester == "" {
			return errors.New("retrieve request requires reference and requester")
		}
	case KindStagingDeleteRequest:
		if p.Reference == "" {
			return errors.New("delete request requires reference")
		}
	case KindStagingAccessGrant, KindStagingAccessDeny:
		if p.Reference == "" || p.Grantee == "" {
			return errors.New("access change requires reference and grantee")
		}
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

// ValidateStruct runs the shared validator over any tagged struct.
func ValidateStruct(v interface{}) error {
	if err := payloadValidate.Struct(v); err != nil {
		return NewValidationError(describeValidation(err), ErrInvalidInput)
	}
	return nil
}
