package ports

import (
	"context"

	"github.com/eleven-am/conduit/internal/domain"
)

type AnalysisRequest struct {
	PipelineID string
	Stage      domain.ProcessingStage
	Kind       domain.MessageKind
	Config     map[string]interface{}
	Attempt    int
	// Report forwards fractional progress (0..1) as a progress message.
	Report func(progress float64)
}

type AnalysisResult struct {
	Results map[string]interface{}
	Metrics map[string]float64
}

// Analyzer is the external collaborator a domain manager delegates its stage
// work to. A returned error fails the stage; wrap with a ValidationError or
// FatalError to mark it permanent.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalysisRequest) (AnalysisResult, error)
}

type AnalyzerFunc func(ctx context.Context, req AnalysisRequest) (AnalysisResult, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, req AnalysisRequest) (AnalysisResult, error) {
	return f(ctx, req)
}
