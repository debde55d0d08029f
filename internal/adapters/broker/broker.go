package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/google/uuid"
)

type subscription struct {
	id       string
	identity domain.RoutingIdentity
	pattern  string
	mailbox  *mailbox

	mu      sync.RWMutex
	handler ports.MessageHandler
	warned  bool
}

func (s *subscription) key() string {
	return subscriptionKey(s.identity, s.pattern)
}

func (s *subscription) getHandler() ports.MessageHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

func subscriptionKey(identity domain.RoutingIdentity, pattern string) string {
	return identity.RoutingKey() + "|" + pattern
}

type waiter struct {
	requestID string
	source    string
	ch        chan domain.ProcessingMessage
}

// Broker is the in-process publish/subscribe bus. Each subscription owns a
// mailbox goroutine, which keeps delivery FIFO per subscriber and isolates
// slow subscribers from everyone else.
type Broker struct {
	config  domain.BrokerConfig
	logger  *slog.Logger
	metrics ports.MetricsRecorder

	mu            sync.RWMutex
	subscriptions map[string]*subscription
	departments   map[string]int
	pending       map[string]*waiter
	running       bool
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	published atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	unrouted  atomic.Int64
	rejected  atomic.Int64
}

func New(config domain.BrokerConfig, metrics ports.MetricsRecorder, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if config.MailboxHighWater <= 0 {
		config.MailboxHighWater = domain.DefaultBrokerConfig().MailboxHighWater
	}

	return &Broker{
		config:        config,
		logger:        logger.With("component", "broker"),
		metrics:       metrics,
		subscriptions: make(map[string]*subscription),
		departments:   make(map[string]int),
		pending:       make(map[string]*waiter),
	}
}

func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return domain.NewStateError("broker already started", domain.ErrAlreadyStarted,
			domain.WithComponent("broker"), domain.WithOperation("start"))
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.running = true

	for _, sub := range b.subscriptions {
		b.spawn(sub)
	}

	b.logger.Debug("broker started", "subscriptions", len(b.subscriptions))
	return nil
}

// Stop refuses new publishes, gives queued messages up to DrainTimeout to be
// delivered, then tears every mailbox down.
func (b *Broker) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return domain.NewStateError("broker not started", domain.ErrNotStarted,
			domain.WithComponent("broker"), domain.WithOperation("stop"))
	}
	b.running = false
	b.mu.Unlock()

	b.drain()

	b.mu.Lock()
	b.cancel()
	dropped := 0
	for _, sub := range b.subscriptions {
		dropped += sub.mailbox.close()
	}
	b.subscriptions = make(map[string]*subscription)
	b.departments = make(map[string]int)
	for corr, w := range b.pending {
		close(w.ch)
		delete(b.pending, corr)
	}
	b.mu.Unlock()

	b.wg.Wait()

	if dropped > 0 {
		b.logger.Warn("broker stopped with undelivered messages", "dropped", dropped)
	}
	b.logger.Debug("broker stopped")
	return nil
}

func (b *Broker) drain() {
	if b.config.DrainTimeout <= 0 {
		return
	}
	deadline := time.Now().Add(b.config.DrainTimeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if b.queueDepth() == 0 {
			return
		}
		<-ticker.C
	}
}

func (b *Broker) queueDepth() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var total int64
	for _, sub := range b.subscriptions {
		total += sub.mailbox.len()
	}
	return total
}

func (b *Broker) Subscribe(identity domain.RoutingIdentity, pattern string, handler ports.MessageHandler) error {
	if identity.IsZero() {
		return domain.NewValidationError("subscriber identity is required", domain.ErrInvalidInput,
			domain.WithComponent("broker"), domain.WithOperation("subscribe"))
	}
	if handler == nil {
		return domain.NewValidationError("handler is required", domain.ErrInvalidInput,
			domain.WithComponent("broker"), domain.WithOperation("subscribe"))
	}
	if err := ValidatePattern(pattern); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := subscriptionKey(identity, pattern)
	if existing, ok := b.subscriptions[key]; ok {
		existing.mu.Lock()
		existing.handler = handler
		existing.mu.Unlock()
		b.logger.Debug("replaced subscription handler", "subscriber", identity.RoutingKey(), "pattern", pattern)
		return nil
	}

	sub := &subscription{
		id:       uuid.New().String(),
		identity: identity,
		pattern:  pattern,
		mailbox:  newMailbox(),
		handler:  handler,
	}
	b.subscriptions[key] = sub
	if identity.Department != "" {
		b.departments[identity.Department]++
	}

	if b.running {
		b.spawn(sub)
	}

	b.logger.Debug("subscribed", "subscriber", identity.RoutingKey(), "pattern", pattern)
	return nil
}

func (b *Broker) Unsubscribe(identity domain.RoutingIdentity, pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscriptions[subscriptionKey(identity, pattern)]
	if !ok {
		return domain.NewNotFoundError(fmt.Sprintf("no subscription %s for %s", pattern, identity.RoutingKey()),
			domain.ErrNotFound, domain.WithComponent("broker"), domain.WithOperation("unsubscribe"))
	}
	b.removeLocked(sub)
	return nil
}

func (b *Broker) UnsubscribeAll(identity domain.RoutingIdentity) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for _, sub := range b.subscriptions {
		if sub.identity.Matches(identity) {
			b.removeLocked(sub)
			removed++
		}
	}
	if removed > 0 {
		b.logger.Debug("unsubscribed all", "subscriber", identity.RoutingKey(), "removed", removed)
	}
	return removed
}

func (b *Broker) removeLocked(sub *subscription) {
	delete(b.subscriptions, sub.key())
	if dept := sub.identity.Department; dept != "" {
		b.departments[dept]--
		if b.departments[dept] <= 0 {
			delete(b.departments, dept)
		}
	}
	if dropped := sub.mailbox.close(); dropped > 0 {
		b.logger.Debug("dropped queued messages on unsubscribe",
			"subscriber", sub.identity.RoutingKey(), "pattern", sub.pattern, "dropped", dropped)
	}
	b.metrics.MailboxDepth(sub.key(), 0)
}

// Publish validates msg and queues it for every subscription whose pattern
// matches the routing key. No match is a silent no-op.
func (b *Broker) Publish(ctx context.Context, msg domain.ProcessingMessage) error {
	if msg.Metadata.Broadcast {
		return b.Broadcast(ctx, msg)
	}

	if err := b.admit(msg); err != nil {
		return err
	}

	b.resolveWaiter(msg)

	key := msg.RoutingKey()
	matched := b.match(key)
	if len(matched) == 0 {
		b.unrouted.Add(1)
		b.metrics.MessageUnrouted(msg.Kind)
		b.logger.Debug("no subscriber for message",
			"routing_key", key, "message_id", msg.MessageID, "correlation_id", msg.Metadata.CorrelationID)
		return nil
	}

	for _, sub := range matched {
		b.enqueue(sub, msg)
	}
	return nil
}

// Broadcast delivers a copy of msg to every known department. A subscription
// matching several departments receives one copy.
func (b *Broker) Broadcast(ctx context.Context, msg domain.ProcessingMessage) error {
	msg.Metadata.Broadcast = true
	if err := b.admit(msg); err != nil {
		return err
	}

	b.mu.RLock()
	departments := make([]string, 0, len(b.departments))
	for dept := range b.departments {
		departments = append(departments, dept)
	}
	b.mu.RUnlock()
	sort.Strings(departments)

	seen := make(map[string]bool)
	for _, dept := range departments {
		fanout := msg.ForBroadcast(dept)
		for _, sub := range b.match(fanout.BroadcastKey(dept)) {
			if seen[sub.id] {
				continue
			}
			seen[sub.id] = true
			b.enqueue(sub, fanout)
		}
	}

	if len(seen) == 0 {
		b.unrouted.Add(1)
		b.metrics.MessageUnrouted(msg.Kind)
		b.logger.Debug("broadcast reached no subscriber", "kind", msg.Kind, "message_id", msg.MessageID)
	}
	return nil
}

func (b *Broker) admit(msg domain.ProcessingMessage) error {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()

	if !running {
		return domain.NewStateError("broker not running", domain.ErrNotStarted,
			domain.WithComponent("broker"), domain.WithOperation("publish"), domain.WithMessageID(msg.MessageID))
	}

	if err := domain.ValidateMessage(msg); err != nil {
		b.rejected.Add(1)
		b.logger.Warn("rejected invalid message",
			"kind", msg.Kind, "message_id", msg.MessageID, "source", msg.Metadata.SourceComponent, "error", err)
		return err
	}

	b.published.Add(1)
	b.metrics.MessagePublished(msg.Kind)
	return nil
}

func (b *Broker) match(key string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []*subscription
	for _, sub := range b.subscriptions {
		if Match(sub.pattern, key) {
			matched = append(matched, sub)
		}
	}
	return matched
}

func (b *Broker) enqueue(sub *subscription, msg domain.ProcessingMessage) {
	depth, ok := sub.mailbox.push(msg)
	if !ok {
		return
	}
	b.metrics.MailboxDepth(sub.key(), depth)

	sub.mu.Lock()
	if depth > int64(b.config.MailboxHighWater) && !sub.warned {
		sub.warned = true
		b.logger.Warn("subscriber mailbox above high water",
			"subscriber", sub.identity.RoutingKey(), "pattern", sub.pattern,
			"depth", depth, "high_water", b.config.MailboxHighWater)
	} else if depth < int64(b.config.MailboxHighWater)/2 {
		sub.warned = false
	}
	sub.mu.Unlock()
}

func (b *Broker) spawn(sub *subscription) {
	b.wg.Add(1)
	go b.run(b.ctx, sub)
}

func (b *Broker) run(ctx context.Context, sub *subscription) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.mailbox.notify:
			if !ok {
				return
			}
		}

		for {
			msg, ok := sub.mailbox.pop()
			if !ok {
				break
			}
			b.metrics.MailboxDepth(sub.key(), sub.mailbox.len())
			b.deliver(ctx, sub, msg)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (b *Broker) deliver(ctx context.Context, sub *subscription, msg domain.ProcessingMessage) {
	handlerCtx := ctx
	if msg.Metadata.Timeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, msg.Metadata.Timeout)
		defer cancel()
	}

	subscriber := sub.identity.RoutingKey()
	if err := b.safeCall(handlerCtx, sub.getHandler(), msg); err != nil {
		b.failed.Add(1)
		b.metrics.MessageFailed(subscriber, msg.Kind)
		b.logger.Error("subscriber failed to handle message",
			"subscriber", subscriber, "kind", msg.Kind, "message_id", msg.MessageID, "error", err)
		return
	}

	b.delivered.Add(1)
	b.metrics.MessageDelivered(subscriber, msg.Kind)
}

func (b *Broker) safeCall(ctx context.Context, handler ports.MessageHandler, msg domain.ProcessingMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewPanicError("broker", r)
		}
	}()
	return handler(ctx, msg)
}

// Request publishes msg and blocks until a message with the same correlation
// id addressed back to msg's source arrives, the timeout fires or ctx ends.
func (b *Broker) Request(ctx context.Context, msg domain.ProcessingMessage, timeout time.Duration) (domain.ProcessingMessage, error) {
	if timeout <= 0 {
		return domain.ProcessingMessage{}, domain.NewValidationError("request timeout is required", domain.ErrInvalidInput,
			domain.WithComponent("broker"), domain.WithOperation("request"), domain.WithMessageID(msg.MessageID))
	}
	if msg.Metadata.CorrelationID == "" {
		msg.Metadata.CorrelationID = msg.MessageID
	}
	msg.Metadata.RequiresResponse = true
	if msg.Metadata.Timeout == 0 {
		msg.Metadata.Timeout = timeout
	}

	w := &waiter{
		requestID: msg.MessageID,
		source:    msg.Metadata.SourceComponent,
		ch:        make(chan domain.ProcessingMessage, 1),
	}
	corr := msg.Metadata.CorrelationID

	b.mu.Lock()
	if _, busy := b.pending[corr]; busy {
		b.mu.Unlock()
		return domain.ProcessingMessage{}, domain.NewValidationError(
			fmt.Sprintf("a request with correlation id %s is already pending", corr), domain.ErrInvalidInput,
			domain.WithComponent("broker"), domain.WithOperation("request"))
	}
	b.pending[corr] = w
	b.mu.Unlock()

	release := func() {
		b.mu.Lock()
		if b.pending[corr] == w {
			delete(b.pending, corr)
		}
		b.mu.Unlock()
	}

	if err := b.Publish(ctx, msg); err != nil {
		release()
		return domain.ProcessingMessage{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-w.ch:
		if !ok {
			return domain.ProcessingMessage{}, domain.NewStateError("broker stopped while awaiting response",
				domain.ErrAlreadyShutdown, domain.WithComponent("broker"), domain.WithMessageID(msg.MessageID))
		}
		return resp, nil
	case <-timer.C:
		release()
		return domain.ProcessingMessage{}, domain.NewTimeoutError(
			fmt.Sprintf("no response to %s within %s", msg.Kind, timeout), domain.ErrRequestTimeout,
			domain.WithComponent("broker"), domain.WithOperation("request"), domain.WithMessageID(msg.MessageID))
	case <-ctx.Done():
		release()
		return domain.ProcessingMessage{}, ctx.Err()
	}
}

func (b *Broker) resolveWaiter(msg domain.ProcessingMessage) {
	corr := msg.Metadata.CorrelationID
	if corr == "" {
		return
	}

	b.mu.Lock()
	w, ok := b.pending[corr]
	if !ok || w.requestID == msg.MessageID || msg.Metadata.TargetComponent != w.source {
		b.mu.Unlock()
		return
	}
	delete(b.pending, corr)
	b.mu.Unlock()

	w.ch <- msg
}

func (b *Broker) Stats() ports.BrokerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := ports.BrokerStats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Failed:        b.failed.Load(),
		Unrouted:      b.unrouted.Load(),
		Rejected:      b.rejected.Load(),
		Subscriptions: len(b.subscriptions),
		QueueDepth:    make(map[string]int64, len(b.subscriptions)),
		PendingReqs:   len(b.pending),
	}
	for _, sub := range b.subscriptions {
		stats.QueueDepth[sub.key()] = sub.mailbox.len()
	}
	for dept := range b.departments {
		stats.Departments = append(stats.Departments, dept)
	}
	sort.Strings(stats.Departments)
	return stats
}

var _ ports.Broker = (*Broker)(nil)
