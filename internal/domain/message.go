package domain

import (
	"time"

	"github.com/google/uuid"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// Demote returns the next lower priority. Low stays low.
func (p Priority) Demote() Priority {
	switch p {
	case PriorityCritical:
		return PriorityHigh
	case PriorityHigh:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

type MessageMetadata struct {
	Timestamp        time.Time       `json:"timestamp"`
	CorrelationID    string          `json:"correlation_id"`
	SourceComponent  string          `json:"source_component"`
	TargetComponent  string          `json:"target_component"`
	Priority         Priority        `json:"priority"`
	RetryCount       int             `json:"retry_count"`
	Domain           string          `json:"domain,omitempty"`
	ProcessingStage  ProcessingStage `json:"processing_stage,omitempty"`
	RequiresResponse bool            `json:"requires_response"`
	Timeout          time.Duration   `json:"timeout,omitempty"`
	ChainID          string          `json:"chain_id"`
	Department       string          `json:"department,omitempty"`
	WorkflowStep     int             `json:"workflow_step"`
	Broadcast        bool            `json:"broadcast"`
	ResponseTo       string          `json:"response_to,omitempty"`
}

// ProcessingMessage is the envelope routed by the broker. Values are treated
// as immutable once published; the helpers below always return copies.
type ProcessingMessage struct {
	MessageID  string          `json:"message_id"`
	Kind       MessageKind     `json:"message_type"`
	Payload    Payload         `json:"content"`
	Metadata   MessageMetadata `json:"metadata"`
	ContextRef string          `json:"context_ref,omitempty"`
	Source     RoutingIdentity `json:"source_identity,omitempty"`
	Target     RoutingIdentity `json:"target_identity,omitempty"`
}

// NewMessage builds an envelope from source to target. Correlation and chain
// ids default to the new message id.
func NewMessage(kind MessageKind, payload Payload, source RoutingIdentity, target string) ProcessingMessage {
	id := uuid.New().String()
	return ProcessingMessage{
		MessageID: id,
		Kind:      kind,
		Payload:   payload,
		Source:    source,
		Metadata: MessageMetadata{
			Timestamp:       time.Now(),
			CorrelationID:   id,
			SourceComponent: source.ComponentName,
			TargetComponent: target,
			Priority:        PriorityNormal,
			Domain:          kind.Domain(),
			ChainID:         id,
			Department:      source.Department,
		},
	}
}

func (m ProcessingMessage) WithCorrelationID(id string) ProcessingMessage {
	m.Metadata.CorrelationID = id
	return m
}

func (m ProcessingMessage) WithChainID(id string) ProcessingMessage {
	m.Metadata.ChainID = id
	return m
}

func (m ProcessingMessage) WithPriority(p Priority) ProcessingMessage {
	m.Metadata.Priority = p
	return m
}

func (m ProcessingMessage) WithStage(stage ProcessingStage) ProcessingMessage {
	m.Metadata.ProcessingStage = stage
	return m
}

func (m ProcessingMessage) WithTimeout(d time.Duration) ProcessingMessage {
	m.Metadata.Timeout = d
	m.Metadata.RequiresResponse = true
	return m
}

func (m ProcessingMessage) WithContextRef(ref string) ProcessingMessage {
	m.ContextRef = ref
	return m
}

func (m ProcessingMessage) WithTarget(target RoutingIdentity) ProcessingMessage {
	m.Target = target
	m.Metadata.TargetComponent = target.ComponentName
	return m
}

// RoutingKey is the key matched against subscription patterns:
// `{target_component}.{kind}`.
func (m ProcessingMessage) RoutingKey() string {
	return m.Metadata.TargetComponent + "." + string(m.Kind)
}

// BroadcastKey is the routing key used when the message is fanned out to a
// department.
func (m ProcessingMessage) BroadcastKey(department string) string {
	return department + "." + string(m.Kind)
}

func (m ProcessingMessage) PipelineID() string {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.PipelineRef()
}

// Clone returns a copy with a fresh message id. Correlation and chain ids are
// kept.
func (m ProcessingMessage) Clone() ProcessingMessage {
	c := m
	c.MessageID = uuid.New().String()
	c.Metadata.Timestamp = time.Now()
	return c
}

// CreateResponse builds the reply to m: source and target are swapped while
// correlation id and chain id are preserved.
func (m ProcessingMessage) CreateResponse(kind MessageKind, payload Payload) ProcessingMessage {
	r := ProcessingMessage{
		MessageID:  uuid.New().String(),
		Kind:       kind,
		Payload:    payload,
		ContextRef: m.ContextRef,
		Source:     m.Target,
		Target:     m.Source,
		Metadata: MessageMetadata{
			Timestamp:       time.Now(),
			CorrelationID:   m.Metadata.CorrelationID,
			SourceComponent: m.Metadata.TargetComponent,
			TargetComponent: m.Metadata.SourceComponent,
			Priority:        m.Metadata.Priority,
			RetryCount:      m.Metadata.RetryCount,
			Domain:          kind.Domain(),
			ProcessingStage: m.Metadata.ProcessingStage,
			ChainID:         m.Metadata.ChainID,
			Department:      m.Metadata.Department,
			WorkflowStep:    m.Metadata.WorkflowStep + 1,
			ResponseTo:      m.MessageID,
		},
	}
	return r
}

// Forward re-targets a copy of m. Correlation id and chain id are preserved.
func (m ProcessingMessage) Forward(target string) ProcessingMessage {
	f := m.Clone()
	f.Target = RoutingIdentity{}
	f.Metadata.SourceComponent = m.Metadata.TargetComponent
	f.Metadata.TargetComponent = target
	f.Metadata.WorkflowStep = m.Metadata.WorkflowStep + 1
	f.Metadata.Broadcast = false
	return f
}

// ForBroadcast returns the copy delivered to one department during a
// broadcast.
func (m ProcessingMessage) ForBroadcast(department string) ProcessingMessage {
	b := m
	b.Metadata.Broadcast = true
	b.Metadata.Department = department
	b.Metadata.TargetComponent = department
	return b
}

// Age is how long ago the message was created.
func (m ProcessingMessage) Age(now time.Time) time.Duration {
	return now.Sub(m.Metadata.Timestamp)
}
