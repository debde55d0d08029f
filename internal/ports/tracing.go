package ports

import (
	"context"

	"github.com/eleven-am/conduit/internal/domain"
)

type Span interface {
	SetTag(key string, value interface{})
	SetError(err error)
	AddEvent(name string, attributes map[string]interface{})
	Finish()
	TraceID() string
}

type Tracer interface {
	StartSpan(ctx context.Context, operationName string) (context.Context, Span)
	// StartDispatch opens a span around the delivery of msg to component,
	// tagged with kind, pipeline id and correlation id.
	StartDispatch(ctx context.Context, component string, msg domain.ProcessingMessage) (context.Context, Span)
}

type TracingProvider interface {
	GetTracer(name string) Tracer
	Shutdown(ctx context.Context) error
	ForceFlush(ctx context.Context) error
}
