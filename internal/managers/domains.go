package managers

import (
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

// NewQualityManager serves validation, quality checks and context analysis,
// plus on-demand profiling.
func NewQualityManager(analyzer ports.Analyzer, config domain.ManagersConfig, runtimeConfig domain.RuntimeConfig, deps Deps) *StageManager {
	return newStageManager(domain.QualityManager, domain.DomainQuality, []Family{
		stageFamily(domain.StageValidation),
		stageFamily(domain.StageQualityCheck),
		stageFamily(domain.StageContextAnalysis),
		{
			Kinds: domain.StageKinds{
				Start:    domain.KindProfilingStart,
				Progress: domain.KindProfilingProgress,
				Complete: domain.KindProfilingComplete,
				Failed:   domain.KindProfilingFailed,
			},
			Stage: domain.StageQualityCheck,
		},
	}, analyzer, config, runtimeConfig, deps)
}

func NewInsightManager(analyzer ports.Analyzer, config domain.ManagersConfig, runtimeConfig domain.RuntimeConfig, deps Deps) *StageManager {
	aux := func(start, progress, complete, failed domain.MessageKind) Family {
		return Family{
			Kinds: domain.StageKinds{Start: start, Progress: progress, Complete: complete, Failed: failed},
			Stage: domain.StageInsightGeneration,
		}
	}
	return newStageManager(domain.InsightManager, domain.DomainInsight, []Family{
		stageFamily(domain.StageInsightGeneration),
		aux(domain.KindPatternDetectionStart, domain.KindPatternDetectionProgress, domain.KindPatternDetectionComplete, domain.KindPatternDetectionFailed),
		aux(domain.KindTrendAnalysisStart, domain.KindTrendAnalysisProgress, domain.KindTrendAnalysisComplete, domain.KindTrendAnalysisFailed),
		aux(domain.KindAnomalyDetectionStart, domain.KindAnomalyDetectionProgress, domain.KindAnomalyDetectionComplete, domain.KindAnomalyDetectionFailed),
		aux(domain.KindBiasDetectionStart, domain.KindBiasDetectionProgress, domain.KindBiasDetectionComplete, domain.KindBiasDetectionFailed),
	}, analyzer, config, runtimeConfig, deps)
}

func NewAnalyticsManager(analyzer ports.Analyzer, config domain.ManagersConfig, runtimeConfig domain.RuntimeConfig, deps Deps) *StageManager {
	aux := func(start, progress, complete, failed domain.MessageKind) Family {
		return Family{
			Kinds: domain.StageKinds{Start: start, Progress: progress, Complete: complete, Failed: failed},
			Stage: domain.StageAdvancedAnalytics,
		}
	}
	return newStageManager(domain.AnalyticsManager, domain.DomainAnalytics, []Family{
		stageFamily(domain.StageAdvancedAnalytics),
		aux(domain.KindModelTrainingStart, domain.KindModelTrainingProgress, domain.KindModelTrainingComplete, domain.KindModelTrainingFailed),
		aux(domain.KindModelEvaluationStart, domain.KindModelEvaluationProgress, domain.KindModelEvaluationComplete, domain.KindModelEvaluationFailed),
		aux(domain.KindForecastStart, domain.KindForecastProgress, domain.KindForecastComplete, domain.KindForecastFailed),
	}, analyzer, config, runtimeConfig, deps)
}
