package managers

import (
	"context"
	"fmt"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/eleven-am/conduit/internal/xjson"
)

const reportSourceType = "report/json"

// NewReportManager serves report generation, rendering and delivery. When a
// staging store is given, generated reports are staged and the reference is
// added to the stage results under "report_reference".
func NewReportManager(analyzer ports.Analyzer, store ports.StagingStore, config domain.ManagersConfig, runtimeConfig domain.RuntimeConfig, deps Deps) *StageManager {
	if store != nil && analyzer != nil {
		analyzer = stagedReports(analyzer, store)
	}
	aux := func(start, progress, complete, failed domain.MessageKind) Family {
		return Family{
			Kinds: domain.StageKinds{Start: start, Progress: progress, Complete: complete, Failed: failed},
			Stage: domain.StageReportGeneration,
		}
	}
	return newStageManager(domain.ReportManager, domain.DomainReport, []Family{
		stageFamily(domain.StageReportGeneration),
		aux(domain.KindRenderStart, domain.KindRenderProgress, domain.KindRenderComplete, domain.KindRenderFailed),
		aux(domain.KindDeliveryStart, domain.KindDeliveryProgress, domain.KindDeliveryComplete, domain.KindDeliveryFailed),
	}, analyzer, config, runtimeConfig, deps)
}

func stagedReports(inner ports.Analyzer, store ports.StagingStore) ports.Analyzer {
	return ports.AnalyzerFunc(func(ctx context.Context, req ports.AnalysisRequest) (ports.AnalysisResult, error) {
		result, err := inner.Analyze(ctx, req)
		if err != nil || req.Kind != domain.KindReportStart {
			return result, err
		}

		body, err := xjson.Marshal(result.Results)
		if err != nil {
			return result, domain.NewFatalError("report results are not serializable", err,
				domain.WithComponent(domain.ReportManager), domain.WithPipelineID(req.PipelineID))
		}
		ref, err := store.Store(ctx, ports.StagedObject{
			PipelineID: req.PipelineID,
			Owner:      domain.ReportManager,
			SourceType: reportSourceType,
			Data:       body,
			Metadata: map[string]interface{}{
				"stage":   string(req.Stage),
				"attempt": req.Attempt,
			},
		})
		if err != nil {
			return result, fmt.Errorf("stage report: %w", err)
		}

		results := copySettings(result.Results)
		results["report_reference"] = ref
		result.Results = results
		return result, nil
	})
}
