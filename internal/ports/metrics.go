package ports

import (
	"time"

	"github.com/eleven-am/conduit/internal/domain"
)

// MetricsRecorder receives counters and observations from the coordination
// substrate. Implementations must be safe for concurrent use.
type MetricsRecorder interface {
	MessagePublished(kind domain.MessageKind)
	MessageDelivered(subscriber string, kind domain.MessageKind)
	MessageFailed(subscriber string, kind domain.MessageKind)
	MessageUnrouted(kind domain.MessageKind)
	MailboxDepth(subscriber string, depth int64)

	HandlerDuration(component string, kind domain.MessageKind, d time.Duration, err error)
	ManagerState(component string, state domain.ManagerState)

	PipelineStarted()
	PipelineFinished(state domain.RunState, d time.Duration)
	StageFinished(stage domain.ProcessingStage, status domain.StageStatus, d time.Duration)
	StageRetried(stage domain.ProcessingStage)

	AdmissionDecision(admitted bool, reason domain.DenialReason)
	ResourceAllocation(usage domain.ResourceUsage)
	MitigationApplied(kind domain.MitigationKind, severity domain.PressureSeverity)
	Backpressure(active bool)

	BreakerTransition(name string, from, to BreakerState)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) MessagePublished(domain.MessageKind)                                    {}
func (NopMetrics) MessageDelivered(string, domain.MessageKind)                            {}
func (NopMetrics) MessageFailed(string, domain.MessageKind)                               {}
func (NopMetrics) MessageUnrouted(domain.MessageKind)                                     {}
func (NopMetrics) MailboxDepth(string, int64)                                             {}
func (NopMetrics) HandlerDuration(string, domain.MessageKind, time.Duration, error)       {}
func (NopMetrics) ManagerState(string, domain.ManagerState)                               {}
func (NopMetrics) PipelineStarted()                                                       {}
func (NopMetrics) PipelineFinished(domain.RunState, time.Duration)                        {}
func (NopMetrics) StageFinished(domain.ProcessingStage, domain.StageStatus, time.Duration) {}
func (NopMetrics) StageRetried(domain.ProcessingStage)                                    {}
func (NopMetrics) AdmissionDecision(bool, domain.DenialReason)                            {}
func (NopMetrics) ResourceAllocation(domain.ResourceUsage)                                {}
func (NopMetrics) MitigationApplied(domain.MitigationKind, domain.PressureSeverity)       {}
func (NopMetrics) Backpressure(bool)                                                      {}
func (NopMetrics) BreakerTransition(string, BreakerState, BreakerState)                   {}
