package ports

import (
	"context"
	"log/slog"
	"time"
)

const (
	FieldPipelineID = "pipeline_id"
	FieldStage      = "stage"
	FieldInstance   = "instance_id"
	FieldOperation  = "operation"
	FieldDuration   = "duration"
	FieldRequestID  = "request_id"
	FieldError      = "error"
	FieldStatus     = "status"
	FieldComponent  = "component"
)

// StructuredLogger scopes an slog.Logger to one component instance and adds
// pipeline- and operation-scoped views on top of it.
type StructuredLogger struct {
	logger *slog.Logger
	now    Clock
}

func NewStructuredLogger(logger *slog.Logger, component, instanceID string) *StructuredLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &StructuredLogger{
		logger: logger.With(FieldComponent, component, FieldInstance, instanceID),
		now:    time.Now,
	}
}

func (sl *StructuredLogger) Slog() *slog.Logger {
	return sl.logger
}

func (sl *StructuredLogger) Debug(msg string, args ...any) { sl.log(slog.LevelDebug, msg, args) }
func (sl *StructuredLogger) Info(msg string, args ...any)  { sl.log(slog.LevelInfo, msg, args) }
func (sl *StructuredLogger) Warn(msg string, args ...any)  { sl.log(slog.LevelWarn, msg, args) }
func (sl *StructuredLogger) Error(msg string, args ...any) { sl.log(slog.LevelError, msg, args) }

// log renders error values as their message so JSON handlers do not emit
// empty objects for them.
func (sl *StructuredLogger) log(level slog.Level, msg string, args []any) {
	ctx := context.Background()
	if !sl.logger.Enabled(ctx, level) {
		return
	}
	for i := 1; i < len(args); i += 2 {
		if err, ok := args[i].(error); ok && err != nil {
			args[i] = err.Error()
		}
	}
	sl.logger.Log(ctx, level, msg, args...)
}

// WithPipeline tags every record with the run and, when set, its stage.
func (sl *StructuredLogger) WithPipeline(pipelineID, stage string) *StructuredLogger {
	l := sl.logger.With(FieldPipelineID, pipelineID)
	if stage != "" {
		l = l.With(FieldStage, stage)
	}
	return &StructuredLogger{logger: l, now: sl.now}
}

// LogPipelineEvent records a lifecycle transition of a pipeline run.
func (sl *StructuredLogger) LogPipelineEvent(event, pipelineID string, details map[string]interface{}) {
	args := make([]any, 0, 4+2*len(details))
	args = append(args, "event", event, FieldPipelineID, pipelineID)
	for key, val := range details {
		args = append(args, key, val)
	}
	sl.Info("pipeline event", args...)
}

// OperationLogger times one operation and reports its outcome with the
// elapsed duration attached.
type OperationLogger struct {
	parent    *StructuredLogger
	logger    *StructuredLogger
	startedAt time.Time
}

func (sl *StructuredLogger) WithOperation(operation, requestID string) *OperationLogger {
	return &OperationLogger{
		parent:    sl,
		logger:    &StructuredLogger{logger: sl.logger.With(FieldOperation, operation, FieldRequestID, requestID), now: sl.now},
		startedAt: sl.now(),
	}
}

func (ol *OperationLogger) elapsed() time.Duration {
	return ol.parent.now().Sub(ol.startedAt)
}

func (ol *OperationLogger) Debug(msg string, args ...any) { ol.logger.Debug(msg, args...) }
func (ol *OperationLogger) Info(msg string, args ...any)  { ol.logger.Info(msg, args...) }

func (ol *OperationLogger) Complete(msg string, args ...any) {
	ol.logger.Info(msg, append(args, FieldStatus, "completed", FieldDuration, ol.elapsed())...)
}

func (ol *OperationLogger) Fail(msg string, err error, args ...any) {
	ol.logger.Error(msg, append(args, FieldStatus, "failed", FieldError, err, FieldDuration, ol.elapsed())...)
}
