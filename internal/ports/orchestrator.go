package ports

import (
	"context"

	"github.com/eleven-am/conduit/internal/domain"
)

type StartRequest struct {
	PipelineID    string                              `json:"pipeline_id"`
	CorrelationID string                              `json:"correlation_id,omitempty"`
	Config        map[string]interface{}              `json:"config"`
	Order         []domain.ProcessingStage            `json:"order,omitempty"`
	Resources     domain.ResourceRequest              `json:"resources"`
	Requester     string                              `json:"requester,omitempty"`
	Priority      domain.Priority                     `json:"priority,omitempty"`
	RequiredKeys  map[domain.ProcessingStage][]string `json:"required_keys,omitempty"`
}

type RunSummary struct {
	PipelineID    string                 `json:"pipeline_id"`
	CorrelationID string                 `json:"correlation_id"`
	State         domain.RunState        `json:"state"`
	CurrentStage  domain.ProcessingStage `json:"current_stage"`
	Progress      float64                `json:"progress"`
	Retries       int                    `json:"retries"`
	Error         string                 `json:"error,omitempty"`
}

// Orchestrator drives pipeline runs through their stage order. Every method
// that mutates a run serializes on that run's pipeline id.
type Orchestrator interface {
	StartPipeline(ctx context.Context, req StartRequest) (string, error)
	CompleteStage(ctx context.Context, pipelineID string, stage domain.ProcessingStage, results map[string]interface{}, metrics map[string]float64) error
	FailStage(ctx context.Context, pipelineID string, stage domain.ProcessingStage, reason string, permanent bool) error
	ReportProgress(ctx context.Context, pipelineID string, stage domain.ProcessingStage, progress float64) error

	Pause(ctx context.Context, pipelineID string) error
	Resume(ctx context.Context, pipelineID string) error
	Cancel(ctx context.Context, pipelineID, reason string) error
	Rollback(ctx context.Context, pipelineID, reason string) error

	PipelineStatus(pipelineID string) (domain.PipelineContext, error)
	Progress(pipelineID string) (float64, error)
	Report(pipelineID string) (domain.CompletionReport, error)
	Runs() []RunSummary
	SweepTimeouts(ctx context.Context) int
}
