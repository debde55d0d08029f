package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	AttrComponent     = "conduit.component"
	AttrKind          = "conduit.message.kind"
	AttrMessageID     = "conduit.message.id"
	AttrPipelineID    = "conduit.pipeline.id"
	AttrCorrelationID = "conduit.correlation.id"
	AttrSource        = "conduit.message.source"
)

type TracingMetrics struct {
	SpansCreated  int64 `json:"spans_created"`
	SpansFinished int64 `json:"spans_finished"`
	TracesActive  int64 `json:"traces_active"`
}

type Option func(*options)

type options struct {
	processors []sdktrace.SpanProcessor
	exporters  []sdktrace.SpanExporter
}

// WithSpanProcessor attaches a processor synchronously; tests use it with a
// tracetest.SpanRecorder.
func WithSpanProcessor(p sdktrace.SpanProcessor) Option {
	return func(o *options) { o.processors = append(o.processors, p) }
}

// WithExporter batches finished spans into exp.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporters = append(o.exporters, exp) }
}

// TracingProvider hands out per-component tracers backed by the
// OpenTelemetry SDK. A disabled provider returns no-op spans.
type TracingProvider struct {
	mu       sync.RWMutex
	config   domain.TracingConfig
	logger   *slog.Logger
	sdk      *sdktrace.TracerProvider
	provider trace.TracerProvider
	tracers  map[string]ports.Tracer

	created  atomic.Int64
	finished atomic.Int64
}

func NewTracingProvider(config domain.TracingConfig, logger *slog.Logger, opts ...Option) *TracingProvider {
	if logger == nil {
		logger = slog.Default()
	}

	tp := &TracingProvider{
		config:  config,
		logger:  logger.With("component", "tracing"),
		tracers: make(map[string]ports.Tracer),
	}

	if !config.Enabled {
		tp.provider = noop.NewTracerProvider()
		return tp
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	serviceName := config.ServiceName
	if serviceName == "" {
		serviceName = "conduit"
	}

	sdkOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	}
	for _, p := range o.processors {
		sdkOpts = append(sdkOpts, sdktrace.WithSpanProcessor(p))
	}
	for _, exp := range o.exporters {
		sdkOpts = append(sdkOpts, sdktrace.WithBatcher(exp))
	}

	tp.sdk = sdktrace.NewTracerProvider(sdkOpts...)
	tp.provider = tp.sdk

	tp.logger.Debug("tracing enabled", "service", serviceName, "sampling_rate", config.SamplingRate)
	return tp
}

func (tp *TracingProvider) GetTracer(name string) ports.Tracer {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tracer, exists := tp.tracers[name]; exists {
		return tracer
	}

	tracer := &tracerImpl{
		name:     name,
		provider: tp,
		tracer:   tp.provider.Tracer("conduit/" + name),
	}

	tp.tracers[name] = tracer
	return tracer
}

func (tp *TracingProvider) Shutdown(ctx context.Context) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	tp.tracers = make(map[string]ports.Tracer)
	if tp.sdk == nil {
		return nil
	}

	tp.logger.Info("shutting down tracing provider", "spans_finished", tp.finished.Load())
	return tp.sdk.Shutdown(ctx)
}

func (tp *TracingProvider) ForceFlush(ctx context.Context) error {
	if tp.sdk == nil {
		return nil
	}
	return tp.sdk.ForceFlush(ctx)
}

func (tp *TracingProvider) GetMetrics() TracingMetrics {
	created := tp.created.Load()
	finished := tp.finished.Load()
	return TracingMetrics{
		SpansCreated:  created,
		SpansFinished: finished,
		TracesActive:  created - finished,
	}
}

type tracerImpl struct {
	name     string
	provider *TracingProvider
	tracer   trace.Tracer
}

func (t *tracerImpl) StartSpan(ctx context.Context, operationName string) (context.Context, ports.Span) {
	ctx, span := t.tracer.Start(ctx, operationName, trace.WithAttributes(attribute.String(AttrComponent, t.name)))
	return t.wrap(ctx, span)
}

func (t *tracerImpl) StartDispatch(ctx context.Context, component string, msg domain.ProcessingMessage) (context.Context, ports.Span) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrComponent, component),
		attribute.String(AttrKind, string(msg.Kind)),
		attribute.String(AttrMessageID, msg.MessageID),
		attribute.String(AttrSource, msg.Source.String()),
	}
	if id := msg.PipelineID(); id != "" {
		attrs = append(attrs, attribute.String(AttrPipelineID, id))
	}
	if msg.Metadata.CorrelationID != "" {
		attrs = append(attrs, attribute.String(AttrCorrelationID, msg.Metadata.CorrelationID))
	}

	ctx, span := t.tracer.Start(ctx, "dispatch "+string(msg.Kind),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...))
	return t.wrap(ctx, span)
}

func (t *tracerImpl) wrap(ctx context.Context, span trace.Span) (context.Context, ports.Span) {
	t.provider.created.Add(1)
	return ctx, &spanImpl{span: span, provider: t.provider}
}

type spanImpl struct {
	span     trace.Span
	provider *TracingProvider
	once     sync.Once
}

func (s *spanImpl) SetTag(key string, value interface{}) {
	s.span.SetAttributes(toAttribute(key, value))
}

func (s *spanImpl) SetError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
	if de, ok := domain.AsDomainError(err); ok {
		s.span.SetAttributes(
			attribute.String("error.category", de.Category.String()),
			attribute.String("error.code", de.Code),
		)
	}
}

func (s *spanImpl) AddEvent(name string, attributes map[string]interface{}) {
	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, toAttribute(k, v))
	}
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

func (s *spanImpl) Finish() {
	s.once.Do(func() {
		s.span.End()
		s.provider.finished.Add(1)
	})
}

func (s *spanImpl) TraceID() string {
	sc := s.span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func toAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

var _ ports.TracingProvider = (*TracingProvider)(nil)
