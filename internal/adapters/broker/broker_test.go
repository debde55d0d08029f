package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startedBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(domain.BrokerConfig{MailboxHighWater: 10, DrainTimeout: time.Second}, nil, quietLogger())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

type collector struct {
	mu   sync.Mutex
	msgs []domain.ProcessingMessage
	ch   chan domain.ProcessingMessage
}

func newCollector() *collector {
	return &collector{ch: make(chan domain.ProcessingMessage, 100)}
}

func (c *collector) handle(_ context.Context, msg domain.ProcessingMessage) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.ch <- msg
	return nil
}

func (c *collector) wait(t *testing.T, n int) []domain.ProcessingMessage {
	t.Helper()
	out := make([]domain.ProcessingMessage, 0, n)
	for len(out) < n {
		select {
		case m := <-c.ch:
			out = append(out, m)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d/%d messages", len(out), n)
		}
	}
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func startMsg(target, pipelineID string) domain.ProcessingMessage {
	src := domain.NewRoutingIdentity(domain.OrchestratorComponent, domain.ComponentManager, domain.DomainPipeline)
	return domain.NewMessage(domain.KindQualityCheckStart,
		domain.StartPayload{PipelineID: pipelineID, Config: map[string]interface{}{}}, src, target)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"quality_manager.quality.check_start", "quality_manager.quality.check_start", true},
		{"quality_manager.*.check_start", "quality_manager.quality.check_start", true},
		{"quality_manager.*", "quality_manager.quality.check_start", false},
		{"quality_manager.#", "quality_manager.quality.check_start", true},
		{"#", "anything.at.all", true},
		{"#.check_start", "quality_manager.quality.check_start", true},
		{"quality_manager.#.check_start", "quality_manager.check_start", true},
		{"*.quality.*", "quality_manager.quality.check_start", true},
		{"*.quality.*", "quality_manager.insight.check_start", false},
		{"analytics_manager.#", "quality_manager.quality.check_start", false},
		{"a.b.c.d", "a.b.c", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.key))
		})
	}
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern("quality_manager.#"))
	assert.Error(t, ValidatePattern(""))
	assert.Error(t, ValidatePattern("a..b"))
	assert.Error(t, ValidatePattern("a.b*"))
}

func TestBroker_PublishRoutesToMatchingSubscriber(t *testing.T) {
	b := startedBroker(t)
	quality := domain.NewRoutingIdentity(domain.QualityManager, domain.ComponentManager, domain.DomainQuality)
	insight := domain.NewRoutingIdentity(domain.InsightManager, domain.ComponentManager, domain.DomainInsight)

	qc, ic := newCollector(), newCollector()
	require.NoError(t, b.Subscribe(quality, "quality_manager.#", qc.handle))
	require.NoError(t, b.Subscribe(insight, "insight_manager.#", ic.handle))

	msg := startMsg(domain.QualityManager, "P1")
	require.NoError(t, b.Publish(context.Background(), msg))

	got := qc.wait(t, 1)
	assert.Equal(t, msg.MessageID, got[0].MessageID)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, ic.count())
}

func TestBroker_SingleSegmentWildcardDoesNotDeliver(t *testing.T) {
	b := startedBroker(t)
	analytics := domain.NewRoutingIdentity(domain.AnalyticsManager, domain.ComponentManager, domain.DomainAnalytics)
	c := newCollector()
	require.NoError(t, b.Subscribe(analytics, "quality_manager.*", c.handle))

	require.NoError(t, b.Publish(context.Background(), startMsg(domain.QualityManager, "P1")))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, c.count())
	assert.Equal(t, int64(1), b.Stats().Unrouted)
}

func TestBroker_FIFOPerSubscriber(t *testing.T) {
	b := startedBroker(t)
	quality := domain.NewRoutingIdentity(domain.QualityManager, domain.ComponentManager, domain.DomainQuality)
	c := newCollector()
	require.NoError(t, b.Subscribe(quality, "quality_manager.#", c.handle))

	var ids []string
	for i := 0; i < 50; i++ {
		msg := startMsg(domain.QualityManager, "P1")
		ids = append(ids, msg.MessageID)
		require.NoError(t, b.Publish(context.Background(), msg))
	}

	got := c.wait(t, 50)
	for i, m := range got {
		assert.Equal(t, ids[i], m.MessageID)
	}
}

func TestBroker_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := startedBroker(t)
	slowID := domain.NewRoutingIdentity("slow", domain.ComponentService, "slow")
	fastID := domain.NewRoutingIdentity("fast", domain.ComponentService, "fast")

	release := make(chan struct{})
	require.NoError(t, b.Subscribe(slowID, "quality_manager.#", func(ctx context.Context, _ domain.ProcessingMessage) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))
	fast := newCollector()
	require.NoError(t, b.Subscribe(fastID, "quality_manager.#", fast.handle))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), startMsg(domain.QualityManager, "P1")))
	}

	fast.wait(t, 5)
	close(release)
}

func TestBroker_ResubscribeReplacesHandler(t *testing.T) {
	b := startedBroker(t)
	id := domain.NewRoutingIdentity(domain.QualityManager, domain.ComponentManager, domain.DomainQuality)
	first, second := newCollector(), newCollector()

	require.NoError(t, b.Subscribe(id, "quality_manager.#", first.handle))
	require.NoError(t, b.Subscribe(id, "quality_manager.#", second.handle))
	assert.Equal(t, 1, b.Stats().Subscriptions)

	require.NoError(t, b.Publish(context.Background(), startMsg(domain.QualityManager, "P1")))
	second.wait(t, 1)
	assert.Equal(t, 0, first.count())
}

func TestBroker_UnsubscribeAll(t *testing.T) {
	b := startedBroker(t)
	id := domain.NewRoutingIdentity(domain.QualityManager, domain.ComponentManager, domain.DomainQuality)
	c := newCollector()
	require.NoError(t, b.Subscribe(id, "quality_manager.#", c.handle))
	require.NoError(t, b.Subscribe(id, "quality.#", c.handle))

	assert.Equal(t, 2, b.UnsubscribeAll(id))
	assert.Equal(t, 0, b.Stats().Subscriptions)
	assert.Empty(t, b.Stats().Departments)

	err := b.Unsubscribe(id, "quality_manager.#")
	assert.True(t, domain.IsNotFound(err))
}

func TestBroker_HandlerErrorAndPanicAreContained(t *testing.T) {
	b := startedBroker(t)
	id := domain.NewRoutingIdentity("flaky", domain.ComponentService, "flaky")
	calls := make(chan struct{}, 2)
	var n int
	require.NoError(t, b.Subscribe(id, "quality_manager.#", func(context.Context, domain.ProcessingMessage) error {
		n++
		calls <- struct{}{}
		if n == 1 {
			return errors.New("boom")
		}
		panic("worse")
	}))

	require.NoError(t, b.Publish(context.Background(), startMsg(domain.QualityManager, "P1")))
	require.NoError(t, b.Publish(context.Background(), startMsg(domain.QualityManager, "P1")))
	<-calls
	<-calls

	assert.Eventually(t, func() bool { return b.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)
}

func TestBroker_RejectsInvalidMessages(t *testing.T) {
	b := startedBroker(t)
	msg := startMsg(domain.QualityManager, "")

	err := b.Publish(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))
	assert.Equal(t, int64(1), b.Stats().Rejected)
	assert.Equal(t, int64(0), b.Stats().Published)
}

func TestBroker_PublishBeforeStart(t *testing.T) {
	b := New(domain.BrokerConfig{}, nil, quietLogger())
	err := b.Publish(context.Background(), startMsg(domain.QualityManager, "P1"))
	assert.True(t, domain.IsNotStarted(err))
}

func TestBroker_BroadcastReachesEveryDepartmentOnce(t *testing.T) {
	b := startedBroker(t)
	quality := domain.NewRoutingIdentity(domain.QualityManager, domain.ComponentManager, domain.DomainQuality)
	insight := domain.NewRoutingIdentity(domain.InsightManager, domain.ComponentManager, domain.DomainInsight)
	monitor := domain.NewRoutingIdentity("tap", domain.ComponentService, "tap")

	qc, ic, tap := newCollector(), newCollector(), newCollector()
	require.NoError(t, b.Subscribe(quality, "quality.#", qc.handle))
	require.NoError(t, b.Subscribe(insight, "insight.#", ic.handle))
	require.NoError(t, b.Subscribe(monitor, "*.component.health", tap.handle))

	src := domain.NewRoutingIdentity("system", domain.ComponentService, "system")
	msg := domain.NewMessage(domain.KindComponentHealth, domain.NoticePayload{Component: "system"}, src, "")
	require.NoError(t, b.Broadcast(context.Background(), msg))

	q := qc.wait(t, 1)
	i := ic.wait(t, 1)
	assert.True(t, q[0].Metadata.Broadcast)
	assert.Equal(t, domain.DomainQuality, q[0].Metadata.Department)
	assert.Equal(t, domain.DomainInsight, i[0].Metadata.Department)

	tap.wait(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tap.count(), "one copy per subscription")
}

func TestBroker_RequestResponse(t *testing.T) {
	b := startedBroker(t)
	decider := domain.NewRoutingIdentity(domain.DecisionManager, domain.ComponentManager, domain.DomainDecision)
	require.NoError(t, b.Subscribe(decider, "decision_manager.#", func(ctx context.Context, msg domain.ProcessingMessage) error {
		resp := msg.CreateResponse(domain.KindDecisionResponse, domain.ResponsePayload{PipelineID: "P1", Status: "approved"})
		return b.Publish(ctx, resp)
	}))

	src := domain.NewRoutingIdentity("reviewer", domain.ComponentService, "review")
	req := domain.NewMessage(domain.KindDecisionRequest,
		domain.RequestPayload{PipelineID: "P1", Subject: "ship it?"}, src, domain.DecisionManager)

	resp, err := b.Request(context.Background(), req, time.Second)
	require.NoError(t, err)
	assert.Equal(t, req.Metadata.CorrelationID, resp.Metadata.CorrelationID)
	assert.Equal(t, req.MessageID, resp.Metadata.ResponseTo)
	assert.Equal(t, "approved", resp.Payload.(domain.ResponsePayload).Status)
	assert.Equal(t, 0, b.Stats().PendingReqs)
}

func TestBroker_RequestTimeout(t *testing.T) {
	b := startedBroker(t)
	src := domain.NewRoutingIdentity("reviewer", domain.ComponentService, "review")
	req := domain.NewMessage(domain.KindDecisionRequest,
		domain.RequestPayload{PipelineID: "P1", Subject: "anyone?"}, src, domain.DecisionManager)

	_, err := b.Request(context.Background(), req, 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRequestTimeout))
	assert.True(t, domain.IsTimeout(err))
	assert.Equal(t, 0, b.Stats().PendingReqs)

	_, err = b.Request(context.Background(), req, 0)
	assert.True(t, domain.IsValidationError(err))
}

func TestBroker_StopDrainsQueuedMessages(t *testing.T) {
	b := New(domain.BrokerConfig{DrainTimeout: time.Second}, nil, quietLogger())
	require.NoError(t, b.Start(context.Background()))

	id := domain.NewRoutingIdentity(domain.QualityManager, domain.ComponentManager, domain.DomainQuality)
	c := newCollector()
	require.NoError(t, b.Subscribe(id, "quality_manager.#", func(ctx context.Context, msg domain.ProcessingMessage) error {
		time.Sleep(time.Millisecond)
		return c.handle(ctx, msg)
	}))

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(context.Background(), startMsg(domain.QualityManager, "P1")))
	}
	require.NoError(t, b.Stop())
	assert.Equal(t, 20, c.count())

	assert.True(t, domain.IsNotStarted(b.Stop()))
}
