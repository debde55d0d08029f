package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/conduit/internal/adapters/broker"
	"github.com/eleven-am/conduit/internal/adapters/rate_limiter"
	"github.com/eleven-am/conduit/internal/adapters/scheduler"
	"github.com/eleven-am/conduit/internal/adapters/tracing"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	broker    *broker.Broker
	scheduler *scheduler.Scheduler
	system    chan domain.ProcessingMessage
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := broker.New(domain.BrokerConfig{MailboxHighWater: 100, DrainTimeout: time.Second}, nil, quietLogger())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })

	s := scheduler.New(quietLogger())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	h := &harness{broker: b, scheduler: s, system: make(chan domain.ProcessingMessage, 100)}
	sys := domain.NewRoutingIdentity(domain.SystemTarget, domain.ComponentService, domain.SystemTarget)
	require.NoError(t, b.Subscribe(sys, domain.SystemTarget+".#", func(_ context.Context, m domain.ProcessingMessage) error {
		h.system <- m
		return nil
	}))
	return h
}

func (h *harness) deps() Deps {
	return Deps{Broker: h.broker, Scheduler: h.scheduler, Logger: quietLogger()}
}

// next waits for the next system message of kind, skipping others.
func (h *harness) next(t *testing.T, kind domain.MessageKind) domain.ProcessingMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-h.system:
			if m.Kind == kind {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s message", kind)
		}
	}
}

func (h *harness) none(t *testing.T, kind domain.MessageKind, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case m := <-h.system:
			if m.Kind == kind {
				t.Fatalf("unexpected %s message", kind)
			}
		case <-deadline:
			return
		}
	}
}

// replies captures what managers send back to the orchestrator, the source
// used by sendTo.
func (h *harness) replies(t *testing.T) chan domain.ProcessingMessage {
	t.Helper()
	out := make(chan domain.ProcessingMessage, 10)
	id := domain.NewRoutingIdentity(domain.OrchestratorComponent, domain.ComponentManager, domain.DomainPipeline)
	require.NoError(t, h.broker.Subscribe(id, domain.OrchestratorComponent+".#", func(_ context.Context, m domain.ProcessingMessage) error {
		out <- m
		return nil
	}))
	return out
}

func qualityIdentity() domain.RoutingIdentity {
	return domain.NewRoutingIdentity(domain.QualityManager, domain.ComponentManager, domain.DomainQuality)
}

func sendTo(t *testing.T, b *broker.Broker, kind domain.MessageKind, payload domain.Payload) domain.ProcessingMessage {
	t.Helper()
	src := domain.NewRoutingIdentity(domain.OrchestratorComponent, domain.ComponentManager, domain.DomainPipeline)
	msg := domain.NewMessage(kind, payload, src, domain.QualityManager)
	require.NoError(t, b.Publish(context.Background(), msg))
	return msg
}

func startPayload(id string) domain.StartPayload {
	return domain.StartPayload{PipelineID: id, Config: map[string]interface{}{"k": "v"}}
}

func TestNewRuntimeHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	rt := NewRuntime(qualityIdentity(), domain.DefaultRuntimeConfig(), h.deps())

	require.NoError(t, rt.RegisterHandler(domain.KindQualityCheckStart, func(context.Context, domain.ProcessingMessage) error { return nil }))

	assert.Equal(t, domain.ManagerInitializing, rt.State())
	assert.Equal(t, 1, h.broker.Stats().Subscriptions)
	assert.Empty(t, h.scheduler.Tasks(domain.QualityManager))

	require.NoError(t, rt.Start(context.Background()))
	assert.Equal(t, domain.ManagerActive, rt.State())
	assert.Equal(t, 3, h.broker.Stats().Subscriptions)
	assert.Len(t, h.scheduler.Tasks(domain.QualityManager), 1)
	h.next(t, domain.KindComponentStarted)

	err := rt.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAlreadyStarted)
}

func TestRegisterHandlerIsIdempotent(t *testing.T) {
	h := newHarness(t)
	rt := NewRuntime(qualityIdentity(), domain.DefaultRuntimeConfig(), h.deps())
	require.NoError(t, rt.Start(context.Background()))

	var first, second atomic.Int32
	require.NoError(t, rt.RegisterHandler(domain.KindQualityCheckStart, func(context.Context, domain.ProcessingMessage) error {
		first.Add(1)
		return nil
	}))
	subs := h.broker.Stats().Subscriptions

	done := make(chan struct{}, 1)
	require.NoError(t, rt.RegisterHandler(domain.KindQualityCheckStart, func(context.Context, domain.ProcessingMessage) error {
		second.Add(1)
		done <- struct{}{}
		return nil
	}))
	assert.Equal(t, subs, h.broker.Stats().Subscriptions)
	assert.Equal(t, []domain.MessageKind{domain.KindQualityCheckStart}, rt.Handlers())

	sendTo(t, h.broker, domain.KindQualityCheckStart, startPayload("P1"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())

	err := rt.RegisterHandler(domain.MessageKind("quality.nope"), func(context.Context, domain.ProcessingMessage) error { return nil })
	assert.True(t, domain.IsValidationError(err))
}

func TestHandlerErrorBecomesComponentError(t *testing.T) {
	h := newHarness(t)
	rt := NewRuntime(qualityIdentity(), domain.DefaultRuntimeConfig(), h.deps())
	require.NoError(t, rt.RegisterHandler(domain.KindQualityCheckStart, func(context.Context, domain.ProcessingMessage) error {
		return domain.NewTransientError("analyzer unavailable", errors.New("dial tcp: refused"))
	}))
	require.NoError(t, rt.Start(context.Background()))

	orig := sendTo(t, h.broker, domain.KindQualityCheckStart, startPayload("P1"))

	errMsg := h.next(t, domain.KindComponentError)
	payload, ok := errMsg.Payload.(domain.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, domain.QualityManager, payload.Component)
	assert.Equal(t, "P1", payload.PipelineID)
	assert.Equal(t, domain.KindQualityCheckStart, payload.OriginalKind)
	assert.Equal(t, orig.MessageID, payload.OriginalMessageID)
	assert.Equal(t, startPayload("P1"), payload.OriginalContent)
	assert.Equal(t, "transient", payload.Category)
	assert.False(t, payload.Denied)
	assert.Equal(t, orig.Metadata.CorrelationID, errMsg.Metadata.CorrelationID)
	assert.Equal(t, domain.SystemTarget, errMsg.Metadata.TargetComponent)

	require.Eventually(t, func() bool { return rt.State() == domain.ManagerActive }, time.Second, 5*time.Millisecond)
	status := rt.Status()
	assert.Equal(t, int64(1), status.Metrics.MessagesProcessed)
	assert.Equal(t, int64(1), status.Metrics.ErrorsEncountered)
	h.none(t, domain.KindComponentError, 50*time.Millisecond)
}

func TestHandlerPanicIsContained(t *testing.T) {
	h := newHarness(t)
	rt := NewRuntime(qualityIdentity(), domain.DefaultRuntimeConfig(), h.deps())
	require.NoError(t, rt.RegisterHandler(domain.KindQualityCheckStart, func(context.Context, domain.ProcessingMessage) error {
		panic("nil map write")
	}))
	require.NoError(t, rt.Start(context.Background()))

	sendTo(t, h.broker, domain.KindQualityCheckStart, startPayload("P1"))

	errMsg := h.next(t, domain.KindComponentError)
	payload := errMsg.Payload.(domain.ErrorPayload)
	assert.Contains(t, payload.Error, "nil map write")
	assert.Equal(t, "fatal", payload.Category)
	require.Eventually(t, func() bool { return rt.State() == domain.ManagerActive }, time.Second, 5*time.Millisecond)
}

func TestBackpressureRefusesStartPhase(t *testing.T) {
	h := newHarness(t)
	replies := h.replies(t)
	rt := NewRuntime(qualityIdentity(), domain.DefaultRuntimeConfig(), h.deps())

	var started, progressed atomic.Int32
	progressDone := make(chan struct{}, 1)
	require.NoError(t, rt.RegisterHandler(domain.KindQualityCheckStart, func(context.Context, domain.ProcessingMessage) error {
		started.Add(1)
		return nil
	}))
	require.NoError(t, rt.RegisterHandler(domain.KindQualityConfigUpdate, func(context.Context, domain.ProcessingMessage) error {
		progressed.Add(1)
		progressDone <- struct{}{}
		return nil
	}))
	require.NoError(t, rt.Start(context.Background()))

	require.NoError(t, rt.EnterBackpressure("queue length critical"))
	assert.Equal(t, domain.ManagerBackpressure, rt.State())
	h.next(t, domain.KindComponentBackpressure)

	sent := sendTo(t, h.broker, domain.KindQualityCheckStart, startPayload("P1"))
	denied := h.next(t, domain.KindComponentError).Payload.(domain.ErrorPayload)
	assert.True(t, denied.Denied)
	assert.Equal(t, domain.DenialBackpressure, denied.DenialReason)
	assert.Equal(t, "policy", denied.Category)

	select {
	case reply := <-replies:
		assert.Equal(t, domain.KindQualityCheckFailed, reply.Kind)
		assert.Equal(t, sent.Metadata.CorrelationID, reply.Metadata.CorrelationID)
		fp := reply.Payload.(domain.FailedPayload)
		assert.Equal(t, "P1", fp.PipelineID)
		assert.Equal(t, domain.StageQualityCheck, fp.Stage)
		assert.True(t, fp.Permanent)
		assert.Equal(t, "policy", fp.Category)
	case <-time.After(2 * time.Second):
		t.Fatal("refused start was not answered")
	}

	sendTo(t, h.broker, domain.KindQualityConfigUpdate, domain.ConfigUpdatePayload{Settings: map[string]interface{}{"x": 1}})
	select {
	case <-progressDone:
	case <-time.After(2 * time.Second):
		t.Fatal("non-start message not dispatched under backpressure")
	}
	assert.Equal(t, int32(0), started.Load())
	assert.Equal(t, domain.ManagerBackpressure, rt.State())
	assert.Equal(t, int64(1), rt.Status().Metrics.MessagesDenied)

	require.NoError(t, rt.ExitBackpressure())
	assert.Equal(t, domain.ManagerActive, rt.State())
}

func TestAdmissionRateLimit(t *testing.T) {
	h := newHarness(t)
	limiter := rate_limiter.NewRateLimiter("admission", ports.RateLimiterConfig{}, quietLogger())
	t.Cleanup(limiter.Stop)

	deps := h.deps()
	deps.Limiter = limiter
	cfg := domain.DefaultRuntimeConfig()
	cfg.AdmissionRate = 0.001
	cfg.AdmissionBurst = 1
	rt := NewRuntime(qualityIdentity(), cfg, deps)

	handled := make(chan struct{}, 2)
	require.NoError(t, rt.RegisterHandler(domain.KindQualityCheckStart, func(context.Context, domain.ProcessingMessage) error {
		handled <- struct{}{}
		return nil
	}))
	require.NoError(t, rt.Start(context.Background()))

	sendTo(t, h.broker, domain.KindQualityCheckStart, startPayload("P1"))
	sendTo(t, h.broker, domain.KindQualityCheckStart, startPayload("P2"))

	denied := h.next(t, domain.KindComponentError).Payload.(domain.ErrorPayload)
	assert.Equal(t, domain.DenialRateLimited, denied.DenialReason)
	assert.Equal(t, "P2", denied.PipelineID)
	assert.Len(t, handled, 1)
	assert.True(t, limiter.Limited(domain.QualityManager))
}

func TestSamePipelineIsSerialized(t *testing.T) {
	h := newHarness(t)
	rt := NewRuntime(qualityIdentity(), domain.DefaultRuntimeConfig(), h.deps())

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	handler := func(context.Context, domain.ProcessingMessage) error {
		defer wg.Done()
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	}
	require.NoError(t, rt.RegisterHandler(domain.KindQualityCheckStart, handler))
	require.NoError(t, rt.RegisterHandler(domain.KindValidationStart, handler))
	require.NoError(t, rt.RegisterHandler(domain.KindProfilingStart, handler))
	require.NoError(t, rt.Start(context.Background()))

	wg.Add(3)
	sendTo(t, h.broker, domain.KindQualityCheckStart, startPayload("P1"))
	sendTo(t, h.broker, domain.KindValidationStart, startPayload("P1"))
	sendTo(t, h.broker, domain.KindProfilingStart, startPayload("P1"))
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	require.Eventually(t, func() bool { return rt.locks.size() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rt.State() == domain.ManagerActive }, time.Second, 5*time.Millisecond)
}

func TestCleanupIsIdempotent(t *testing.T) {
	h := newHarness(t)
	rt := NewRuntime(qualityIdentity(), domain.DefaultRuntimeConfig(), h.deps())
	require.NoError(t, rt.RegisterHandler(domain.KindQualityCheckStart, func(context.Context, domain.ProcessingMessage) error { return nil }))
	require.NoError(t, rt.Start(context.Background()))

	require.NoError(t, rt.Cleanup(context.Background()))
	h.next(t, domain.KindComponentCleanup)
	assert.Equal(t, domain.ManagerShutdown, rt.State())
	assert.Empty(t, rt.Handlers())
	assert.Equal(t, 1, h.broker.Stats().Subscriptions)
	assert.Empty(t, h.scheduler.Tasks(domain.QualityManager))

	require.NoError(t, rt.Cleanup(context.Background()))
	h.none(t, domain.KindComponentCleanup, 50*time.Millisecond)

	err := rt.RegisterHandler(domain.KindQualityCheckStart, func(context.Context, domain.ProcessingMessage) error { return nil })
	assert.ErrorIs(t, err, domain.ErrAlreadyShutdown)
}

func TestErrorStateAndRecover(t *testing.T) {
	h := newHarness(t)
	rt := NewRuntime(qualityIdentity(), domain.DefaultRuntimeConfig(), h.deps())
	calls := make(chan struct{}, 2)
	require.NoError(t, rt.RegisterHandler(domain.KindQualityCheckStart, func(context.Context, domain.ProcessingMessage) error {
		calls <- struct{}{}
		return nil
	}))
	require.NoError(t, rt.Start(context.Background()))

	assert.Error(t, rt.Recover())

	rt.MarkError(errors.New("analyzer pool exhausted"))
	assert.Equal(t, domain.ManagerError, rt.State())
	assert.Equal(t, "analyzer pool exhausted", rt.Status().Reason)

	sendTo(t, h.broker, domain.KindQualityCheckStart, startPayload("P1"))
	select {
	case <-calls:
		t.Fatal("message dispatched while in error state")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, rt.Recover())
	h.next(t, domain.KindComponentRecovered)
	sendTo(t, h.broker, domain.KindQualityCheckStart, startPayload("P2"))
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched after recovery")
	}
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t)
	cfg := domain.DefaultRuntimeConfig()
	cfg.HealthInterval = 10 * time.Millisecond
	rt := NewRuntime(qualityIdentity(), cfg, h.deps())
	require.NoError(t, rt.Start(context.Background()))

	hb := h.next(t, domain.KindComponentHealth)
	notice := hb.Payload.(domain.NoticePayload)
	assert.Equal(t, domain.QualityManager, notice.Component)
	assert.Contains(t, notice.Details, "messages_processed")
}

func TestDispatchSpans(t *testing.T) {
	h := newHarness(t)
	recorder := tracetest.NewSpanRecorder()
	tp := tracing.NewTracingProvider(domain.TracingConfig{Enabled: true, ServiceName: "conduit-test", SamplingRate: 1},
		quietLogger(), tracing.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	deps := h.deps()
	deps.Tracer = tp.GetTracer("runtime")
	rt := NewRuntime(qualityIdentity(), domain.DefaultRuntimeConfig(), deps)
	require.NoError(t, rt.RegisterHandler(domain.KindQualityCheckStart, func(context.Context, domain.ProcessingMessage) error {
		return errors.New("boom")
	}))
	require.NoError(t, rt.Start(context.Background()))

	sendTo(t, h.broker, domain.KindQualityCheckStart, startPayload("P1"))
	h.next(t, domain.KindComponentError)

	require.Eventually(t, func() bool { return len(recorder.Ended()) == 1 }, time.Second, 5*time.Millisecond)
	span := recorder.Ended()[0]
	assert.Equal(t, "dispatch "+string(domain.KindQualityCheckStart), span.Name())
	assert.Len(t, span.Events(), 1)
}
