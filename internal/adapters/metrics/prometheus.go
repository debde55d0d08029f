package metrics

import (
	"strconv"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "conduit"

var managerStates = []domain.ManagerState{
	domain.ManagerInitializing,
	domain.ManagerActive,
	domain.ManagerProcessing,
	domain.ManagerBackpressure,
	domain.ManagerError,
	domain.ManagerShutdown,
}

// Recorder is the Prometheus implementation of ports.MetricsRecorder. Each
// Recorder owns its registry so tests and embedded coordinators never collide
// on the global default registerer.
type Recorder struct {
	registry *prometheus.Registry

	messagesPublished *prometheus.CounterVec
	messagesDelivered *prometheus.CounterVec
	messagesFailed    *prometheus.CounterVec
	messagesUnrouted  *prometheus.CounterVec
	mailboxDepth      *prometheus.GaugeVec

	handlerDuration *prometheus.HistogramVec
	managerState    *prometheus.GaugeVec

	pipelinesStarted  prometheus.Counter
	pipelinesFinished *prometheus.CounterVec
	pipelineDuration  *prometheus.HistogramVec
	pipelinesActive   prometheus.Gauge
	stageDuration     *prometheus.HistogramVec
	stageRetries      *prometheus.CounterVec

	admissions  *prometheus.CounterVec
	allocated   *prometheus.GaugeVec
	capacity    *prometheus.GaugeVec
	activeRuns  prometheus.Gauge
	mitigations *prometheus.CounterVec
	backpress   prometheus.Gauge

	breakerState *prometheus.GaugeVec
	breakerTrips *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		messagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "messages_published_total",
			Help: "Messages accepted by the broker",
		}, []string{"kind"}),
		messagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "messages_delivered_total",
			Help: "Messages handled successfully by a subscriber",
		}, []string{"subscriber", "kind"}),
		messagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "messages_failed_total",
			Help: "Messages whose handler returned an error or panicked",
		}, []string{"subscriber", "kind"}),
		messagesUnrouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broker", Name: "messages_unrouted_total",
			Help: "Messages that matched no subscription",
		}, []string{"kind"}),
		mailboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "broker", Name: "mailbox_depth",
			Help: "Queued messages per subscriber",
		}, []string{"subscriber"}),

		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "runtime", Name: "handler_duration_seconds",
			Help:    "Handler execution time",
			Buckets: prometheus.DefBuckets,
		}, []string{"component", "kind", "status"}),
		managerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "runtime", Name: "manager_state",
			Help: "1 for the manager's current state, 0 otherwise",
		}, []string{"component", "state"}),

		pipelinesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "started_total",
			Help: "Pipeline runs started",
		}),
		pipelinesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "finished_total",
			Help: "Pipeline runs that reached a terminal state",
		}, []string{"state"}),
		pipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "duration_seconds",
			Help:    "Wall time from start to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"state"}),
		pipelinesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "active",
			Help: "Pipeline runs not yet in a terminal state",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "stage_duration_seconds",
			Help:    "Stage execution time",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
		}, []string{"stage", "status"}),
		stageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "stage_retries_total",
			Help: "Stage retries scheduled",
		}, []string{"stage"}),

		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "governor", Name: "admission_decisions_total",
			Help: "Admission decisions by outcome and denial reason",
		}, []string{"admitted", "reason"}),
		allocated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "governor", Name: "allocated",
			Help: "Reserved resources",
		}, []string{"resource"}),
		capacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "governor", Name: "capacity",
			Help: "Configured resource capacity",
		}, []string{"resource"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "governor", Name: "active_reservations",
			Help: "Runs holding a resource reservation",
		}),
		mitigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "governor", Name: "mitigations_total",
			Help: "Pressure mitigations applied",
		}, []string{"kind", "severity"}),
		backpress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "governor", Name: "backpressure",
			Help: "1 while system-wide backpressure is in effect",
		}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "state",
			Help: "0 closed, 1 half-open, 2 open",
		}, []string{"breaker"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "trips_total",
			Help: "Transitions into the open state",
		}, []string{"breaker"}),
	}

	r.registry.MustRegister(
		r.messagesPublished, r.messagesDelivered, r.messagesFailed, r.messagesUnrouted, r.mailboxDepth,
		r.handlerDuration, r.managerState,
		r.pipelinesStarted, r.pipelinesFinished, r.pipelineDuration, r.pipelinesActive,
		r.stageDuration, r.stageRetries,
		r.admissions, r.allocated, r.capacity, r.activeRuns, r.mitigations, r.backpress,
		r.breakerState, r.breakerTrips,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)

	return r
}

// Registry is served by the observability server.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) MessagePublished(kind domain.MessageKind) {
	r.messagesPublished.WithLabelValues(string(kind)).Inc()
}

func (r *Recorder) MessageDelivered(subscriber string, kind domain.MessageKind) {
	r.messagesDelivered.WithLabelValues(subscriber, string(kind)).Inc()
}

func (r *Recorder) MessageFailed(subscriber string, kind domain.MessageKind) {
	r.messagesFailed.WithLabelValues(subscriber, string(kind)).Inc()
}

func (r *Recorder) MessageUnrouted(kind domain.MessageKind) {
	r.messagesUnrouted.WithLabelValues(string(kind)).Inc()
}

func (r *Recorder) MailboxDepth(subscriber string, depth int64) {
	r.mailboxDepth.WithLabelValues(subscriber).Set(float64(depth))
}

func (r *Recorder) HandlerDuration(component string, kind domain.MessageKind, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = domain.GetErrorCategory(err).String()
	}
	r.handlerDuration.WithLabelValues(component, string(kind), status).Observe(d.Seconds())
}

func (r *Recorder) ManagerState(component string, state domain.ManagerState) {
	for _, s := range managerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.managerState.WithLabelValues(component, string(s)).Set(v)
	}
}

func (r *Recorder) PipelineStarted() {
	r.pipelinesStarted.Inc()
	r.pipelinesActive.Inc()
}

func (r *Recorder) PipelineFinished(state domain.RunState, d time.Duration) {
	r.pipelinesFinished.WithLabelValues(string(state)).Inc()
	r.pipelineDuration.WithLabelValues(string(state)).Observe(d.Seconds())
	r.pipelinesActive.Dec()
}

func (r *Recorder) StageFinished(stage domain.ProcessingStage, status domain.StageStatus, d time.Duration) {
	r.stageDuration.WithLabelValues(string(stage), string(status)).Observe(d.Seconds())
}

func (r *Recorder) StageRetried(stage domain.ProcessingStage) {
	r.stageRetries.WithLabelValues(string(stage)).Inc()
}

func (r *Recorder) AdmissionDecision(admitted bool, reason domain.DenialReason) {
	r.admissions.WithLabelValues(strconv.FormatBool(admitted), string(reason)).Inc()
}

func (r *Recorder) ResourceAllocation(usage domain.ResourceUsage) {
	for name, v := range usage.Allocated.ToMap() {
		r.allocated.WithLabelValues(name).Set(v.(float64))
	}
	for name, v := range usage.Capacity.ToMap() {
		r.capacity.WithLabelValues(name).Set(v.(float64))
	}
	r.activeRuns.Set(float64(usage.ActiveRuns))
}

func (r *Recorder) MitigationApplied(kind domain.MitigationKind, severity domain.PressureSeverity) {
	r.mitigations.WithLabelValues(string(kind), string(severity)).Inc()
}

func (r *Recorder) Backpressure(active bool) {
	if active {
		r.backpress.Set(1)
		return
	}
	r.backpress.Set(0)
}

func (r *Recorder) BreakerTransition(name string, _, to ports.BreakerState) {
	r.breakerState.WithLabelValues(name).Set(float64(to))
	if to == ports.BreakerOpen {
		r.breakerTrips.WithLabelValues(name).Inc()
	}
}

var _ ports.MetricsRecorder = (*Recorder)(nil)
