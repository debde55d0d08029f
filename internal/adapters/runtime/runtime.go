package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

// Deps are the shared collaborators every manager runtime is built on.
// Broker and Scheduler are required; the rest are optional.
type Deps struct {
	Broker    ports.Broker
	Scheduler ports.Scheduler
	Metrics   ports.MetricsRecorder
	Tracer    ports.Tracer
	Limiter   ports.RateLimiter
	Logger    *slog.Logger
	Clock     ports.Clock
}

type handlerEntry struct {
	handler  ports.MessageHandler
	patterns []string
}

// Runtime is the base every domain manager embeds: handler table, dispatch
// boundary, lifecycle state, heartbeat and backpressure hooks.
type Runtime struct {
	identity  domain.RoutingIdentity
	config    domain.RuntimeConfig
	broker    ports.Broker
	scheduler ports.Scheduler
	metrics   ports.MetricsRecorder
	tracer    ports.Tracer
	limiter   ports.RateLimiter
	logger    *slog.Logger
	now       ports.Clock

	mu       sync.RWMutex
	handlers map[domain.MessageKind]*handlerEntry
	state    domain.ManagerState
	reason   string
	inFlight int
	stats    domain.ManagerMetrics
	started  bool

	locks *keyedMutex
}

// NewRuntime has no side effects: nothing is subscribed or scheduled until
// Start.
func NewRuntime(identity domain.RoutingIdentity, config domain.RuntimeConfig, deps Deps) *Runtime {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = domain.DefaultRuntimeConfig().HealthInterval
	}

	return &Runtime{
		identity:  identity,
		config:    config,
		broker:    deps.Broker,
		scheduler: deps.Scheduler,
		metrics:   metrics,
		tracer:    deps.Tracer,
		limiter:   deps.Limiter,
		logger:    logger.With("component", identity.ComponentName),
		now:       clock,
		handlers:  make(map[domain.MessageKind]*handlerEntry),
		state:     domain.ManagerInitializing,
		locks:     newKeyedMutex(),
	}
}

func (r *Runtime) Identity() domain.RoutingIdentity {
	return r.identity
}

func (r *Runtime) Name() string {
	return r.identity.ComponentName
}

func (r *Runtime) Logger() *slog.Logger {
	return r.logger
}

func (r *Runtime) Now() time.Time {
	return r.now()
}

// RegisterHandler binds handler to kind. The subscription pattern is
// {component}.{kind}, plus {department}.{kind} when the department differs,
// not {domain}.{kind}: kinds already carry their domain prefix, and routing
// is by target component. Registering a kind again replaces the handler
// without adding a second subscription. Before Start the binding is only
// recorded; Start performs the subscriptions.
func (r *Runtime) RegisterHandler(kind domain.MessageKind, handler ports.MessageHandler) error {
	if !kind.IsKnown() {
		return domain.NewValidationError(fmt.Sprintf("unknown message kind %q", kind), domain.ErrInvalidInput,
			domain.WithComponent(r.Name()), domain.WithOperation("register_handler"))
	}
	if handler == nil {
		return domain.NewValidationError("handler is required", domain.ErrInvalidInput,
			domain.WithComponent(r.Name()), domain.WithOperation("register_handler"))
	}

	r.mu.Lock()
	if r.state == domain.ManagerShutdown {
		r.mu.Unlock()
		return domain.NewStateError("runtime is shut down", domain.ErrAlreadyShutdown,
			domain.WithComponent(r.Name()), domain.WithOperation("register_handler"))
	}
	if existing, ok := r.handlers[kind]; ok {
		existing.handler = handler
		r.mu.Unlock()
		return nil
	}
	entry := &handlerEntry{handler: handler, patterns: r.patternsFor(kind)}
	r.handlers[kind] = entry
	started := r.started
	r.mu.Unlock()

	if started {
		return r.subscribe(entry)
	}
	return nil
}

// patternsFor subscribes a kind under the component name and, when it
// differs, the department so broadcasts reach the manager.
func (r *Runtime) patternsFor(kind domain.MessageKind) []string {
	patterns := []string{r.identity.ComponentName + "." + string(kind)}
	if dept := r.identity.Department; dept != "" && dept != r.identity.ComponentName {
		patterns = append(patterns, dept+"."+string(kind))
	}
	return patterns
}

func (r *Runtime) subscribe(entry *handlerEntry) error {
	for _, pattern := range entry.patterns {
		if err := r.broker.Subscribe(r.identity, pattern, r.Dispatch); err != nil {
			return err
		}
	}
	return nil
}

// Start subscribes every registered handler, schedules the heartbeat and moves
// the runtime to active.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return domain.NewStateError("runtime already started", domain.ErrAlreadyStarted,
			domain.WithComponent(r.Name()), domain.WithOperation("start"))
	}
	if r.state == domain.ManagerShutdown {
		r.mu.Unlock()
		return domain.NewStateError("runtime is shut down", domain.ErrAlreadyShutdown,
			domain.WithComponent(r.Name()), domain.WithOperation("start"))
	}
	if r.broker == nil || r.scheduler == nil {
		r.mu.Unlock()
		return domain.NewConfigurationError("runtime requires a broker and a scheduler", domain.ErrInvalidConfig,
			domain.WithComponent(r.Name()))
	}
	entries := make([]*handlerEntry, 0, len(r.handlers))
	for _, e := range r.handlers {
		entries = append(entries, e)
	}
	r.started = true
	r.mu.Unlock()

	r.transition(domain.ManagerActive, "")

	for _, e := range entries {
		if err := r.subscribe(e); err != nil {
			r.broker.UnsubscribeAll(r.identity)
			r.MarkError(err)
			return err
		}
	}

	if err := r.scheduler.Every(r.Name(), "heartbeat", r.config.HealthInterval, r.heartbeat); err != nil {
		r.logger.Warn("failed to schedule heartbeat", "error", err)
	}

	r.notify(ctx, domain.KindComponentStarted, "started", map[string]interface{}{
		"handlers": len(entries),
	})
	r.logger.Info("manager started", "handlers", len(entries))
	return nil
}

// Cleanup shuts the runtime down: publishes component.cleanup, clears the
// handler table, drops every subscription and scheduled task. Calling it
// again is a no-op.
func (r *Runtime) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	if r.state == domain.ManagerShutdown {
		r.mu.Unlock()
		return nil
	}
	started := r.started
	handlers := len(r.handlers)
	r.mu.Unlock()

	r.transition(domain.ManagerShutdown, "cleanup")

	if started {
		r.notify(ctx, domain.KindComponentCleanup, "cleanup", map[string]interface{}{
			"handlers": handlers,
		})
	}

	r.mu.Lock()
	r.handlers = make(map[domain.MessageKind]*handlerEntry)
	r.started = false
	r.mu.Unlock()

	if r.broker != nil {
		r.broker.UnsubscribeAll(r.identity)
	}
	if r.scheduler != nil {
		r.scheduler.CancelOwner(r.Name())
	}

	r.logger.Info("manager cleaned up")
	return nil
}

func (r *Runtime) State() domain.ManagerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Runtime) Status() domain.ManagerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers := make(map[domain.MessageKind]string, len(r.handlers))
	for kind, e := range r.handlers {
		handlers[kind] = e.patterns[0]
	}
	m := r.stats
	m.InFlight = int64(r.inFlight)

	return domain.ManagerStatus{
		Identity: r.identity,
		State:    r.state,
		Handlers: handlers,
		Metrics:  m,
		Reason:   r.reason,
	}
}

// Handlers lists the registered kinds in order.
func (r *Runtime) Handlers() []domain.MessageKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]domain.MessageKind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// transition applies next if the lifecycle table allows it and reports the
// state it left.
func (r *Runtime) transition(next domain.ManagerState, reason string) (domain.ManagerState, bool) {
	r.mu.Lock()
	prev := r.state
	if !prev.CanTransitionTo(next) {
		r.mu.Unlock()
		return prev, false
	}
	r.state = next
	r.reason = reason
	r.mu.Unlock()

	if prev != next {
		r.metrics.ManagerState(r.Name(), next)
		r.logger.Debug("manager state changed", "from", prev, "to", next, "reason", reason)
	}
	return prev, true
}

func (r *Runtime) EnterBackpressure(reason string) error {
	prev, ok := r.transition(domain.ManagerBackpressure, reason)
	if !ok {
		return domain.NewStateError(fmt.Sprintf("cannot enter backpressure from %s", prev), domain.ErrInvalidState,
			domain.WithComponent(r.Name()), domain.WithOperation("enter_backpressure"))
	}
	if prev != domain.ManagerBackpressure {
		r.logger.Warn("entered backpressure", "reason", reason)
		r.notify(context.Background(), domain.KindComponentBackpressure, reason, map[string]interface{}{
			"active": true,
		})
	}
	return nil
}

func (r *Runtime) ExitBackpressure() error {
	r.mu.RLock()
	current := r.state
	r.mu.RUnlock()
	if current != domain.ManagerBackpressure {
		return nil
	}

	next := domain.ManagerActive
	r.mu.RLock()
	if r.inFlight > 0 {
		next = domain.ManagerProcessing
	}
	r.mu.RUnlock()

	if _, ok := r.transition(next, ""); !ok {
		return domain.NewStateError("cannot exit backpressure", domain.ErrInvalidState,
			domain.WithComponent(r.Name()), domain.WithOperation("exit_backpressure"))
	}
	r.logger.Info("exited backpressure")
	r.notify(context.Background(), domain.KindComponentBackpressure, "resolved", map[string]interface{}{
		"active": false,
	})
	return nil
}

// MarkError parks the runtime in the error state. Messages are discarded until
// Recover or Cleanup.
func (r *Runtime) MarkError(err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	if _, ok := r.transition(domain.ManagerError, reason); ok {
		r.logger.Error("manager entered error state", "error", err)
		r.notify(context.Background(), domain.KindComponentStateChange, reason, map[string]interface{}{
			"state": string(domain.ManagerError),
		})
	}
}

func (r *Runtime) Recover() error {
	r.mu.RLock()
	current := r.state
	r.mu.RUnlock()
	if current != domain.ManagerError {
		return domain.NewStateError(fmt.Sprintf("cannot recover from %s", current), domain.ErrInvalidState,
			domain.WithComponent(r.Name()), domain.WithOperation("recover"))
	}

	r.transition(domain.ManagerActive, "")
	r.notify(context.Background(), domain.KindComponentRecovered, "recovered", nil)
	r.logger.Info("manager recovered")
	return nil
}

// Emit publishes a fresh message from this manager.
func (r *Runtime) Emit(ctx context.Context, kind domain.MessageKind, payload domain.Payload, target string) (domain.ProcessingMessage, error) {
	msg := domain.NewMessage(kind, payload, r.identity, target)
	return msg, r.Publish(ctx, msg)
}

// Reply answers parent, keeping its correlation and chain ids.
func (r *Runtime) Reply(ctx context.Context, parent domain.ProcessingMessage, kind domain.MessageKind, payload domain.Payload) error {
	resp := parent.CreateResponse(kind, payload)
	resp.Source = r.identity
	resp.Metadata.SourceComponent = r.Name()
	return r.Publish(ctx, resp)
}

func (r *Runtime) Publish(ctx context.Context, msg domain.ProcessingMessage) error {
	if msg.Source.IsZero() {
		msg.Source = r.identity
	}
	if msg.Metadata.SourceComponent == "" {
		msg.Metadata.SourceComponent = r.Name()
	}
	if r.broker == nil {
		return domain.NewStateError("runtime has no broker", domain.ErrNotStarted, domain.WithComponent(r.Name()))
	}
	return r.broker.Publish(ctx, msg)
}

func (r *Runtime) notify(ctx context.Context, kind domain.MessageKind, message string, details map[string]interface{}) {
	if r.broker == nil {
		return
	}
	payload := domain.NoticePayload{Component: r.Name(), Message: message, Details: details}
	if _, err := r.Emit(ctx, kind, payload, domain.SystemTarget); err != nil {
		r.logger.Debug("failed to publish notice", "kind", kind, "error", err)
	}
}

func (r *Runtime) heartbeat(ctx context.Context) error {
	status := r.Status()
	r.notify(ctx, domain.KindComponentHealth, string(status.State), map[string]interface{}{
		"messages_processed": status.Metrics.MessagesProcessed,
		"errors":             status.Metrics.ErrorsEncountered,
		"denied":             status.Metrics.MessagesDenied,
		"in_flight":          status.Metrics.InFlight,
		"average_ms":         status.Metrics.AverageProcessingTime.Milliseconds(),
	})
	return nil
}

// Every schedules a periodic task owned by this manager. Cleanup cancels it.
func (r *Runtime) Every(name string, interval time.Duration, fn ports.TaskFunc) error {
	return r.scheduler.Every(r.Name(), name, interval, fn)
}

func (r *Runtime) After(name string, delay time.Duration, fn ports.TaskFunc) error {
	return r.scheduler.After(r.Name(), name, delay, fn)
}

func (r *Runtime) Cancel(name string) bool {
	return r.scheduler.Cancel(r.Name(), name)
}
