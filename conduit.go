// Package conduit coordinates multi-stage data analysis pipelines inside a
// single process.
//
// A pipeline run moves through an ordered set of stages (reception,
// validation, quality checks, insight generation, analytics, decisions, user
// review, reporting). Each stage is executed by a domain manager that hands
// the work to an external Analyzer; every exchange travels as a message over
// an in-process broker with topic routing and request/response correlation.
// A resource governor admits runs against a capacity budget and puts managers
// into backpressure when they fall behind.
//
// Basic usage:
//
//	c, err := conduit.New(conduit.Analyzers{
//	    Quality:   qualityService,
//	    Insight:   insightService,
//	    Analytics: analyticsService,
//	    Decision:  decisionService,
//	    Report:    reportService,
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	if err := c.Start(ctx); err != nil {
//	    return err
//	}
//	defer c.Stop(context.Background())
//
//	correlationID, err := c.StartPipeline(ctx, conduit.StartRequest{
//	    PipelineID: "orders-2024-q3",
//	    Config:     map[string]interface{}{"data": csv},
//	})
package conduit

import (
	"log/slog"

	"github.com/eleven-am/conduit/internal/core"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

// Coordinator runs the broker, orchestrator, governor, storage and every
// domain manager of one process.
type Coordinator = core.Coordinator

// Analyzers supplies the external service behind each analysis domain.
type Analyzers = core.Analyzers

// Option customizes a Coordinator at construction.
type Option = core.Option

// Analyzer performs the work of one stage on behalf of a domain manager.
type Analyzer = ports.Analyzer

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc = ports.AnalyzerFunc

// AnalysisRequest is what a domain manager hands its analyzer.
type AnalysisRequest = ports.AnalysisRequest

// AnalysisResult is the analyzer's output: results merged into the run and
// numeric metrics recorded on the stage.
type AnalysisResult = ports.AnalysisResult

// StartRequest describes a pipeline run to admit.
type StartRequest = ports.StartRequest

// RunSummary is a one-line view of a run.
type RunSummary = ports.RunSummary

// MessageHandler receives messages from Subscribe.
type MessageHandler = ports.MessageHandler

// PipelineContext is the shared state of a run across its stages.
type PipelineContext = domain.PipelineContext

// CompletionReport summarizes a run and each of its stages.
type CompletionReport = domain.CompletionReport

type ProcessingStage = domain.ProcessingStage

type RunState = domain.RunState

type ResourceRequest = domain.ResourceRequest

type Priority = domain.Priority

type ProcessingMessage = domain.ProcessingMessage

type MessageKind = domain.MessageKind

type RoutingIdentity = domain.RoutingIdentity

// DomainError is the error type every component returns.
type DomainError = domain.DomainError

const (
	StageReception         = domain.StageReception
	StageValidation        = domain.StageValidation
	StageQualityCheck      = domain.StageQualityCheck
	StageContextAnalysis   = domain.StageContextAnalysis
	StageInsightGeneration = domain.StageInsightGeneration
	StageAdvancedAnalytics = domain.StageAdvancedAnalytics
	StageDecisionMaking    = domain.StageDecisionMaking
	StageRecommendation    = domain.StageRecommendation
	StageUserReview        = domain.StageUserReview
	StageReportGeneration  = domain.StageReportGeneration
	StageCompletion        = domain.StageCompletion
)

const (
	RunInitialized = domain.RunInitialized
	RunRunning     = domain.RunRunning
	RunPaused      = domain.RunPaused
	RunCompleted   = domain.RunCompleted
	RunFailed      = domain.RunFailed
	RunCancelled   = domain.RunCancelled
)

// New builds a coordinator with the default configuration.
func New(analyzers Analyzers, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	return core.New(analyzers, logger, opts...)
}

// NewWithConfig builds a coordinator from a full configuration. The
// configuration is validated before anything is constructed.
func NewWithConfig(config *Config, analyzers Analyzers, opts ...Option) (*Coordinator, error) {
	return core.NewWithConfig(config, analyzers, opts...)
}

// WithSpanExporter sends dispatch spans to exp when tracing is enabled.
var WithSpanExporter = core.WithSpanExporter

// WithMemorySampler replaces the heap-based memory reading fed to the
// governor.
var WithMemorySampler = core.WithMemorySampler

// WithClock replaces time.Now for timeouts, cooldowns and retention.
var WithClock = core.WithClock

// NewRoutingIdentity names a subscriber for Subscribe.
func NewRoutingIdentity(name, department string) RoutingIdentity {
	return domain.NewRoutingIdentity(name, domain.ComponentService, department)
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return domain.IsRetryableError(err)
}

// IsPolicyDenial reports whether err is an admission or access refusal.
func IsPolicyDenial(err error) bool {
	return domain.IsPolicyDenial(err)
}

// IsNotFound reports whether err refers to an unknown pipeline, object or
// decision.
func IsNotFound(err error) bool {
	return domain.IsNotFound(err)
}
