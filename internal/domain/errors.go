package domain

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

var (
	ErrAlreadyStarted  = errors.New("component already started")
	ErrAlreadyShutdown = errors.New("component already shut down")
	ErrNotStarted      = errors.New("component not started")
	ErrNotFound        = errors.New("resource not found")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrTimeout         = errors.New("operation timeout")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidState    = errors.New("invalid state transition")
	ErrTerminalState   = errors.New("pipeline is in a terminal state")
	ErrUnknownStage    = errors.New("unknown stage")
	ErrStageOutOfOrder = errors.New("stage is not the next stage in order")
	ErrRequestTimeout  = errors.New("request timed out waiting for response")
	ErrCapacityLimit   = errors.New("capacity limit reached")
	ErrBackpressure    = errors.New("component is under backpressure")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrAccessDenied    = errors.New("access denied")
	ErrQuotaExceeded   = errors.New("storage quota exceeded")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
)

type ErrorCategory int

const (
	CategoryUnknown ErrorCategory = iota
	CategoryValidation
	CategoryTransient
	CategoryFatal
	CategoryPolicy
	CategoryTimeout
	CategoryResource
	CategoryConfiguration
	CategoryNotFound
	CategoryState
	CategoryInternal
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryTransient:
		return "transient"
	case CategoryFatal:
		return "fatal"
	case CategoryPolicy:
		return "policy"
	case CategoryTimeout:
		return "timeout"
	case CategoryResource:
		return "resource"
	case CategoryConfiguration:
		return "configuration"
	case CategoryNotFound:
		return "not_found"
	case CategoryState:
		return "state"
	case CategoryInternal:
		return "internal"
	default:
		return "unknown"
	}
}

type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s ErrorSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// DenialReason explains why the governor refused work. Denials are never
// retried automatically; the caller has to re-request.
type DenialReason string

const (
	DenialNone           DenialReason = ""
	DenialCapacity       DenialReason = "capacity"
	DenialPolicyCeiling  DenialReason = "policy_ceiling"
	DenialMaintenance    DenialReason = "maintenance_window"
	DenialPeakHours      DenialReason = "peak_hours"
	DenialBackpressure   DenialReason = "backpressure"
	DenialRateLimited    DenialReason = "rate_limited"
	DenialConcurrency    DenialReason = "concurrency"
	DenialQuota          DenialReason = "quota"
	DenialAccess         DenialReason = "access"
	DenialEvaluationFail DenialReason = "evaluation_failed"
)

type ErrorContext struct {
	Component  string
	Operation  string
	PipelineID string
	Stage      string
	MessageID  string
	Details    map[string]interface{}
	File       string
	Line       int
	Function   string
}

type DomainError struct {
	Category   ErrorCategory
	Severity   ErrorSeverity
	Code       string
	Message    string
	Cause      error
	Retryable  bool
	UserFacing bool
	Denial     DenialReason
	Timestamp  time.Time
	Context    ErrorContext
}

type ErrorOption func(*DomainError)

func (e *DomainError) Error() string {
	prefix := e.Category.String()
	if e.Context.Component != "" {
		prefix = prefix + ":" + e.Context.Component
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(prefix)
	b.WriteString("] ")
	if e.Code != "" {
		b.WriteString(e.Code)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches another DomainError of the same category, so callers can test
// against a bare category template with errors.Is.
func (e *DomainError) Is(target error) bool {
	var other *DomainError
	if !errors.As(target, &other) {
		return false
	}
	return e.Category == other.Category
}

func (e *DomainError) WithPipelineID(pipelineID string) *DomainError {
	e.Context.PipelineID = pipelineID
	return e
}

func (e *DomainError) WithStage(stage string) *DomainError {
	e.Context.Stage = stage
	return e
}

func (e *DomainError) WithOperation(operation string) *DomainError {
	e.Context.Operation = operation
	return e
}

func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context.Details == nil {
		e.Context.Details = make(map[string]interface{})
	}
	e.Context.Details[key] = value
	return e
}

func WithComponent(component string) ErrorOption {
	return func(e *DomainError) { e.Context.Component = component }
}

func WithOperation(operation string) ErrorOption {
	return func(e *DomainError) { e.Context.Operation = operation }
}

func WithPipelineID(pipelineID string) ErrorOption {
	return func(e *DomainError) { e.Context.PipelineID = pipelineID }
}

func WithStage(stage ProcessingStage) ErrorOption {
	return func(e *DomainError) { e.Context.Stage = string(stage) }
}

func WithMessageID(messageID string) ErrorOption {
	return func(e *DomainError) { e.Context.MessageID = messageID }
}

func WithCode(code string) ErrorOption {
	return func(e *DomainError) { e.Code = code }
}

func WithSeverity(severity ErrorSeverity) ErrorOption {
	return func(e *DomainError) { e.Severity = severity }
}

func WithDenial(reason DenialReason) ErrorOption {
	return func(e *DomainError) { e.Denial = reason }
}

func WithContextDetail(key string, value interface{}) ErrorOption {
	return func(e *DomainError) {
		if e.Context.Details == nil {
			e.Context.Details = make(map[string]interface{})
		}
		e.Context.Details[key] = value
	}
}

func newDomainError(category ErrorCategory, message string, cause error, opts ...ErrorOption) *DomainError {
	err := &DomainError{
		Category:  category,
		Severity:  SeverityError,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}

	switch category {
	case CategoryValidation, CategoryConfiguration:
		err.UserFacing = true
	case CategoryPolicy:
		err.UserFacing = true
		err.Severity = SeverityWarning
	case CategoryTransient, CategoryTimeout, CategoryResource:
		err.Retryable = true
	case CategoryFatal:
		err.Severity = SeverityCritical
	}

	if pc, file, line, ok := runtime.Caller(2); ok {
		err.Context.File = file
		err.Context.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			err.Context.Function = fn.Name()
		}
	}

	err.Code = inferErrorCode(category, message)

	for _, opt := range opts {
		opt(err)
	}
	return err
}

func NewDomainErrorWithCategory(category ErrorCategory, message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(category, message, cause, opts...)
}

func NewValidationError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryValidation, message, cause, opts...)
}

func NewTransientError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryTransient, message, cause, opts...)
}

func NewFatalError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryFatal, message, cause, opts...)
}

func NewPolicyDenial(reason DenialReason, message string, opts ...ErrorOption) *DomainError {
	opts = append([]ErrorOption{WithDenial(reason)}, opts...)
	return newDomainError(CategoryPolicy, message, nil, opts...)
}

func NewTimeoutError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryTimeout, message, cause, opts...)
}

func NewResourceError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryResource, message, cause, opts...)
}

func NewConfigurationError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryConfiguration, message, cause, opts...)
}

func NewNotFoundError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryNotFound, message, cause, opts...)
}

func NewStateError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryState, message, cause, opts...)
}

func NewInternalError(message string, cause error, opts ...ErrorOption) *DomainError {
	return newDomainError(CategoryInternal, message, cause, opts...)
}

func inferErrorCode(category ErrorCategory, message string) string {
	msg := strings.ToLower(message)
	prefix := strings.ToUpper(category.String())

	switch category {
	case CategoryValidation:
		if strings.Contains(msg, "required") || strings.Contains(msg, "missing") {
			return prefix + "_REQUIRED"
		}
		return prefix + "_INVALID"
	case CategoryTransient:
		if strings.Contains(msg, "unavailable") || strings.Contains(msg, "open") {
			return prefix + "_UNAVAILABLE"
		}
		return prefix + "_RETRY"
	case CategoryPolicy:
		return prefix + "_DENIED"
	case CategoryTimeout:
		return prefix + "_EXCEEDED"
	case CategoryResource:
		if strings.Contains(msg, "quota") || strings.Contains(msg, "full") {
			return prefix + "_EXHAUSTED"
		}
		return prefix + "_LIMIT"
	case CategoryState:
		if strings.Contains(msg, "terminal") {
			return prefix + "_TERMINAL"
		}
		return prefix + "_TRANSITION"
	case CategoryFatal:
		if strings.Contains(msg, "panic") {
			return prefix + "_PANIC"
		}
		return prefix + "_HANDLER"
	default:
		return prefix + "_ERROR"
	}
}

func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

func AsDomainError(err error) (*DomainError, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

func GetErrorCategory(err error) ErrorCategory {
	if de, ok := AsDomainError(err); ok {
		return de.Category
	}
	return CategoryUnknown
}

func GetErrorSeverity(err error) ErrorSeverity {
	if de, ok := AsDomainError(err); ok {
		return de.Severity
	}
	return SeverityError
}

func GetErrorContext(err error) *ErrorContext {
	if de, ok := AsDomainError(err); ok {
		return &de.Context
	}
	return nil
}

// IsRetryableError reports whether a stage may be retried after err. Plain
// errors fall back to the sentinel and message heuristics.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if de, ok := AsDomainError(err); ok {
		return de.Retryable
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrRequestTimeout) || errors.Is(err, ErrCircuitOpen) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "unavailable") || strings.Contains(msg, "temporar")
}

func IsUserFacingError(err error) bool {
	if de, ok := AsDomainError(err); ok {
		return de.UserFacing
	}
	return false
}

func IsValidationError(err error) bool {
	return GetErrorCategory(err) == CategoryValidation
}

func IsPolicyDenial(err error) bool {
	return GetErrorCategory(err) == CategoryPolicy
}

func GetDenialReason(err error) DenialReason {
	if de, ok := AsDomainError(err); ok {
		return de.Denial
	}
	return DenialNone
}

func IsTerminalState(err error) bool {
	return errors.Is(err, ErrTerminalState)
}

func IsNotStarted(err error) bool {
	return errors.Is(err, ErrNotStarted)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || GetErrorCategory(err) == CategoryNotFound
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRequestTimeout) || GetErrorCategory(err) == CategoryTimeout
}

func ErrorLogAttrs(err error) []any {
	if err == nil {
		return nil
	}

	attrs := []any{
		"error", err.Error(),
		"error_category", GetErrorCategory(err).String(),
		"error_retryable", IsRetryableError(err),
	}

	if ctx := GetErrorContext(err); ctx != nil {
		if ctx.Component != "" {
			attrs = append(attrs, "error_component", ctx.Component)
		}
		if ctx.Operation != "" {
			attrs = append(attrs, "error_operation", ctx.Operation)
		}
		if ctx.PipelineID != "" {
			attrs = append(attrs, "pipeline_id", ctx.PipelineID)
		}
		if ctx.Stage != "" {
			attrs = append(attrs, "stage", ctx.Stage)
		}
	}
	if reason := GetDenialReason(err); reason != DenialNone {
		attrs = append(attrs, "denial_reason", string(reason))
	}
	return attrs
}

func formatPanic(r interface{}) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", r)
}

// NewPanicError converts a recovered panic value into a fatal error carrying
// the stack of the panicking goroutine.
func NewPanicError(component string, r interface{}) *DomainError {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return newDomainError(CategoryFatal, "handler panic: "+formatPanic(r), nil,
		WithComponent(component),
		WithContextDetail("stack", string(buf[:n])),
	)
}
