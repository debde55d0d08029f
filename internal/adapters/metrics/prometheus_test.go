package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_BrokerCounters(t *testing.T) {
	r := NewRecorder()

	r.MessagePublished(domain.KindQualityCheckStart)
	r.MessagePublished(domain.KindQualityCheckStart)
	r.MessageDelivered(domain.QualityManager, domain.KindQualityCheckStart)
	r.MessageFailed(domain.QualityManager, domain.KindQualityCheckStart)
	r.MessageUnrouted(domain.KindDecisionRequest)
	r.MailboxDepth(domain.QualityManager, 7)

	kind := string(domain.KindQualityCheckStart)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.messagesPublished.WithLabelValues(kind)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.messagesDelivered.WithLabelValues(domain.QualityManager, kind)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.messagesFailed.WithLabelValues(domain.QualityManager, kind)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.messagesUnrouted.WithLabelValues(string(domain.KindDecisionRequest))))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.mailboxDepth.WithLabelValues(domain.QualityManager)))
}

func TestRecorder_ManagerStateIsOneHot(t *testing.T) {
	r := NewRecorder()

	r.ManagerState(domain.InsightManager, domain.ManagerActive)
	r.ManagerState(domain.InsightManager, domain.ManagerBackpressure)

	assert.Equal(t, 0.0, testutil.ToFloat64(r.managerState.WithLabelValues(domain.InsightManager, string(domain.ManagerActive))))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.managerState.WithLabelValues(domain.InsightManager, string(domain.ManagerBackpressure))))
}

func TestRecorder_PipelineLifecycle(t *testing.T) {
	r := NewRecorder()

	r.PipelineStarted()
	r.PipelineStarted()
	r.StageRetried(domain.StageQualityCheck)
	r.StageFinished(domain.StageQualityCheck, domain.StageCompleted, 2*time.Second)
	r.PipelineFinished(domain.RunCompleted, 10*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.pipelinesStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.pipelinesActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.pipelinesFinished.WithLabelValues(string(domain.RunCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.stageRetries.WithLabelValues(string(domain.StageQualityCheck))))
	assert.Equal(t, 1, testutil.CollectAndCount(r.stageDuration))
}

func TestRecorder_GovernorGauges(t *testing.T) {
	r := NewRecorder()

	r.AdmissionDecision(false, domain.DenialCapacity)
	r.AdmissionDecision(true, domain.DenialNone)
	r.ResourceAllocation(domain.ResourceUsage{
		Capacity:   domain.ResourceRequest{CPU: 8, MemoryGB: 32},
		Allocated:  domain.ResourceRequest{CPU: 2, MemoryGB: 4},
		ActiveRuns: 1,
	})
	r.MitigationApplied(domain.MitigationRateLimit, domain.PressureWarning)
	r.Backpressure(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.admissions.WithLabelValues("false", string(domain.DenialCapacity))))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.allocated.WithLabelValues("cpu")))
	assert.Equal(t, 32.0, testutil.ToFloat64(r.capacity.WithLabelValues("memory_gb")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.backpress))

	r.Backpressure(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.backpress))
}

func TestRecorder_HandlerDurationStatusLabel(t *testing.T) {
	r := NewRecorder()

	r.HandlerDuration(domain.QualityManager, domain.KindQualityCheckStart, time.Millisecond, nil)
	r.HandlerDuration(domain.QualityManager, domain.KindQualityCheckStart, time.Millisecond,
		domain.NewValidationError("bad", errors.New("x")))

	families, err := r.Registry().Gather()
	require.NoError(t, err)

	var statuses []string
	for _, f := range families {
		if f.GetName() != "conduit_runtime_handler_duration_seconds" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "status" {
					statuses = append(statuses, l.GetValue())
				}
			}
		}
	}
	assert.ElementsMatch(t, []string{"ok", "validation"}, statuses)
}

func TestRecorder_RegistryIncludesRuntimeCollectors(t *testing.T) {
	r := NewRecorder()

	families, err := r.Registry().Gather()
	require.NoError(t, err)

	var sawGo bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "go_") {
			sawGo = true
		}
	}
	assert.True(t, sawGo)
}

func TestRecorder_BreakerTransitions(t *testing.T) {
	r := NewRecorder()

	r.BreakerTransition("staging", ports.BreakerClosed, ports.BreakerOpen)
	r.BreakerTransition("staging", ports.BreakerOpen, ports.BreakerHalfOpen)
	r.BreakerTransition("staging", ports.BreakerHalfOpen, ports.BreakerOpen)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.breakerState.WithLabelValues("staging")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.breakerTrips.WithLabelValues("staging")))
}
