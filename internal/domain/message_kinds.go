package domain

import (
	"sort"
	"strings"
)

// MessageKind is the dotted `domain.name` tag carried by every envelope. The
// set is closed: publishing a kind missing from the registry is rejected.
type MessageKind string

type MessagePhase string

const (
	PhaseStart    MessagePhase = "start"
	PhaseProgress MessagePhase = "progress"
	PhaseComplete MessagePhase = "complete"
	PhaseFailed   MessagePhase = "failed"
	PhaseError    MessagePhase = "error"
	PhaseCommand  MessagePhase = "command"
	PhaseConfig   MessagePhase = "config"
	PhaseAlert    MessagePhase = "alert"
	PhaseRequest  MessagePhase = "request"
	PhaseResponse MessagePhase = "response"
	PhaseStaging  MessagePhase = "staging"
	PhaseNotice   MessagePhase = "notice"
	PhaseResource MessagePhase = "resource"
)

const (
	DomainPipeline   = "pipeline"
	DomainQuality    = "quality"
	DomainInsight    = "insight"
	DomainAnalytics  = "analytics"
	DomainDecision   = "decision"
	DomainMonitoring = "monitoring"
	DomainStaging    = "staging"
	DomainReport     = "report"
	DomainComponent  = "component"
)

// pipeline.*
const (
	KindPipelineStart         MessageKind = "pipeline.start"
	KindPipelineStarted       MessageKind = "pipeline.started"
	KindPipelineProgress      MessageKind = "pipeline.progress"
	KindPipelineComplete      MessageKind = "pipeline.complete"
	KindPipelineFailed        MessageKind = "pipeline.failed"
	KindPipelineError         MessageKind = "pipeline.error"
	KindPipelinePause         MessageKind = "pipeline.pause"
	KindPipelinePaused        MessageKind = "pipeline.paused"
	KindPipelineResume        MessageKind = "pipeline.resume"
	KindPipelineResumed       MessageKind = "pipeline.resumed"
	KindPipelineCancel        MessageKind = "pipeline.cancel"
	KindPipelineCancelled     MessageKind = "pipeline.cancelled"
	KindPipelineRollback      MessageKind = "pipeline.rollback"
	KindPipelineRolledBack    MessageKind = "pipeline.rolled_back"
	KindPipelineTimeout       MessageKind = "pipeline.timeout"
	KindPipelineStatusRequest MessageKind = "pipeline.status_request"
	KindPipelineStatus        MessageKind = "pipeline.status_response"
	KindPipelineConfigUpdate  MessageKind = "pipeline.config_update"
	KindPipelineAdmission     MessageKind = "pipeline.admission_denied"
	KindPipelineArchived      MessageKind = "pipeline.archived"

	KindStageStart    MessageKind = "pipeline.stage_start"
	KindStageProgress MessageKind = "pipeline.stage_progress"
	KindStageComplete MessageKind = "pipeline.stage_complete"
	KindStageFailed   MessageKind = "pipeline.stage_failed"
	KindStageRetry    MessageKind = "pipeline.stage_retry"
	KindStageTimeout  MessageKind = "pipeline.stage_timeout"

	KindCompletionStart    MessageKind = "pipeline.completion_start"
	KindCompletionProgress MessageKind = "pipeline.completion_progress"
	KindCompletionComplete MessageKind = "pipeline.completion_complete"
	KindCompletionFailed   MessageKind = "pipeline.completion_failed"
)

// staging.*
const (
	KindReceptionStart    MessageKind = "staging.reception_start"
	KindReceptionProgress MessageKind = "staging.reception_progress"
	KindReceptionComplete MessageKind = "staging.reception_complete"
	KindReceptionFailed   MessageKind = "staging.reception_failed"

	KindStagingStoreRequest    MessageKind = "staging.store_request"
	KindStagingStoreResponse   MessageKind = "staging.store_response"
	KindStagingRetrieveRequest MessageKind = "staging.retrieve_request"
	KindStagingRetrieveResp    MessageKind = "staging.retrieve_response"
	KindStagingDeleteRequest   MessageKind = "staging.delete_request"
	KindStagingDeleteResponse  MessageKind = "staging.delete_response"
	KindStagingAccessGrant     MessageKind = "staging.access_grant"
	KindStagingAccessDeny      MessageKind = "staging.access_deny"
	KindStagingAccessGranted   MessageKind = "staging.access_granted"
	KindStagingAccessDenied    MessageKind = "staging.access_denied"
	KindStagingQuotaExceeded   MessageKind = "staging.quota_exceeded"
	KindStagingConfigUpdate    MessageKind = "staging.config_update"
	KindStagingError           MessageKind = "staging.error"
	KindStagingAlert           MessageKind = "staging.alert"
)

// quality.*
const (
	KindValidationStart    MessageKind = "quality.validation_start"
	KindValidationProgress MessageKind = "quality.validation_progress"
	KindValidationComplete MessageKind = "quality.validation_complete"
	KindValidationFailed   MessageKind = "quality.validation_failed"

	KindQualityCheckStart    MessageKind = "quality.check_start"
	KindQualityCheckProgress MessageKind = "quality.check_progress"
	KindQualityCheckComplete MessageKind = "quality.check_complete"
	KindQualityCheckFailed   MessageKind = "quality.check_failed"

	KindContextAnalysisStart    MessageKind = "quality.context_analysis_start"
	KindContextAnalysisProgress MessageKind = "quality.context_analysis_progress"
	KindContextAnalysisComplete MessageKind = "quality.context_analysis_complete"
	KindContextAnalysisFailed   MessageKind = "quality.context_analysis_failed"

	KindProfilingStart    MessageKind = "quality.profiling_start"
	KindProfilingProgress MessageKind = "quality.profiling_progress"
	KindProfilingComplete MessageKind = "quality.profiling_complete"
	KindProfilingFailed   MessageKind = "quality.profiling_failed"

	KindQualityConfigUpdate MessageKind = "quality.config_update"
	KindQualityAlert        MessageKind = "quality.alert"
	KindQualityError        MessageKind = "quality.error"
)

// insight.*
const (
	KindInsightStart    MessageKind = "insight.generation_start"
	KindInsightProgress MessageKind = "insight.generation_progress"
	KindInsightComplete MessageKind = "insight.generation_complete"
	KindInsightFailed   MessageKind = "insight.generation_failed"

	KindPatternDetectionStart    MessageKind = "insight.pattern_detection_start"
	KindPatternDetectionProgress MessageKind = "insight.pattern_detection_progress"
	KindPatternDetectionComplete MessageKind = "insight.pattern_detection_complete"
	KindPatternDetectionFailed   MessageKind = "insight.pattern_detection_failed"

	KindTrendAnalysisStart    MessageKind = "insight.trend_analysis_start"
	KindTrendAnalysisProgress MessageKind = "insight.trend_analysis_progress"
	KindTrendAnalysisComplete MessageKind = "insight.trend_analysis_complete"
	KindTrendAnalysisFailed   MessageKind = "insight.trend_analysis_failed"

	KindAnomalyDetectionStart    MessageKind = "insight.anomaly_detection_start"
	KindAnomalyDetectionProgress MessageKind = "insight.anomaly_detection_progress"
	KindAnomalyDetectionComplete MessageKind = "insight.anomaly_detection_complete"
	KindAnomalyDetectionFailed   MessageKind = "insight.anomaly_detection_failed"

	KindBiasDetectionStart    MessageKind = "insight.bias_detection_start"
	KindBiasDetectionProgress MessageKind = "insight.bias_detection_progress"
	KindBiasDetectionComplete MessageKind = "insight.bias_detection_complete"
	KindBiasDetectionFailed   MessageKind = "insight.bias_detection_failed"

	KindInsightConfigUpdate MessageKind = "insight.config_update"
	KindInsightAlert        MessageKind = "insight.alert"
	KindInsightError        MessageKind = "insight.error"
)

// analytics.*
const (
	KindAnalyticsStart    MessageKind = "analytics.analysis_start"
	KindAnalyticsProgress MessageKind = "analytics.analysis_progress"
	KindAnalyticsComplete MessageKind = "analytics.analysis_complete"
	KindAnalyticsFailed   MessageKind = "analytics.analysis_failed"

	KindModelTrainingStart    MessageKind = "analytics.model_training_start"
	KindModelTrainingProgress MessageKind = "analytics.model_training_progress"
	KindModelTrainingComplete MessageKind = "analytics.model_training_complete"
	KindModelTrainingFailed   MessageKind = "analytics.model_training_failed"

	KindModelEvaluationStart    MessageKind = "analytics.model_evaluation_start"
	KindModelEvaluationProgress MessageKind = "analytics.model_evaluation_progress"
	KindModelEvaluationComplete MessageKind = "analytics.model_evaluation_complete"
	KindModelEvaluationFailed   MessageKind = "analytics.model_evaluation_failed"

	KindForecastStart    MessageKind = "analytics.forecast_start"
	KindForecastProgress MessageKind = "analytics.forecast_progress"
	KindForecastComplete MessageKind = "analytics.forecast_complete"
	KindForecastFailed   MessageKind = "analytics.forecast_failed"

	KindAnalyticsConfigUpdate MessageKind = "analytics.config_update"
	KindAnalyticsAlert        MessageKind = "analytics.alert"
	KindAnalyticsError        MessageKind = "analytics.error"
	KindAnalyticsResource     MessageKind = "analytics.resource_request"
)

// decision.*
const (
	KindDecisionStart    MessageKind = "decision.making_start"
	KindDecisionProgress MessageKind = "decision.making_progress"
	KindDecisionComplete MessageKind = "decision.making_complete"
	KindDecisionFailed   MessageKind = "decision.making_failed"

	KindRecommendationStart    MessageKind = "decision.recommendation_start"
	KindRecommendationProgress MessageKind = "decision.recommendation_progress"
	KindRecommendationComplete MessageKind = "decision.recommendation_complete"
	KindRecommendationFailed   MessageKind = "decision.recommendation_failed"

	KindReviewStart    MessageKind = "decision.review_start"
	KindReviewProgress MessageKind = "decision.review_progress"
	KindReviewComplete MessageKind = "decision.review_complete"
	KindReviewFailed   MessageKind = "decision.review_failed"

	KindDecisionRequest      MessageKind = "decision.request"
	KindDecisionResponse     MessageKind = "decision.response"
	KindDecisionTimeout      MessageKind = "decision.timeout"
	KindDecisionConfigUpdate MessageKind = "decision.config_update"
	KindDecisionAlert        MessageKind = "decision.alert"
	KindDecisionError        MessageKind = "decision.error"
)

// report.*
const (
	KindReportStart    MessageKind = "report.generation_start"
	KindReportProgress MessageKind = "report.generation_progress"
	KindReportComplete MessageKind = "report.generation_complete"
	KindReportFailed   MessageKind = "report.generation_failed"

	KindRenderStart    MessageKind = "report.render_start"
	KindRenderProgress MessageKind = "report.render_progress"
	KindRenderComplete MessageKind = "report.render_complete"
	KindRenderFailed   MessageKind = "report.render_failed"

	KindDeliveryStart    MessageKind = "report.delivery_start"
	KindDeliveryProgress MessageKind = "report.delivery_progress"
	KindDeliveryComplete MessageKind = "report.delivery_complete"
	KindDeliveryFailed   MessageKind = "report.delivery_failed"

	KindReportConfigUpdate MessageKind = "report.config_update"
	KindReportAlert        MessageKind = "report.alert"
	KindReportError        MessageKind = "report.error"
)

// monitoring.*
const (
	KindMetricsSample        MessageKind = "monitoring.metrics_sample"
	KindMetricsRequest       MessageKind = "monitoring.metrics_request"
	KindMetricsResponse      MessageKind = "monitoring.metrics_response"
	KindHealthCheckRequest   MessageKind = "monitoring.health_check_request"
	KindHealthCheckResponse  MessageKind = "monitoring.health_check_response"
	KindPressureAlert        MessageKind = "monitoring.pressure_alert"
	KindPressureResolved     MessageKind = "monitoring.pressure_resolved"
	KindBackpressureEnter    MessageKind = "monitoring.backpressure_enter"
	KindBackpressureExit     MessageKind = "monitoring.backpressure_exit"
	KindRateLimitApplied     MessageKind = "monitoring.rate_limit_applied"
	KindBatchSizeReduced     MessageKind = "monitoring.batch_size_reduced"
	KindPriorityDemoted      MessageKind = "monitoring.priority_demoted"
	KindScaleUpRequest       MessageKind = "monitoring.scale_up_request"
	KindScaleUpResponse      MessageKind = "monitoring.scale_up_response"
	KindResourceReserve      MessageKind = "monitoring.resource_reserve"
	KindResourceRelease      MessageKind = "monitoring.resource_release"
	KindResourceDenied       MessageKind = "monitoring.resource_denied"
	KindMonitoringConfig     MessageKind = "monitoring.config_update"
	KindMonitoringError      MessageKind = "monitoring.error"
	KindMaintenanceScheduled MessageKind = "monitoring.maintenance_scheduled"
)

// component.*
const (
	KindComponentError        MessageKind = "component.error"
	KindComponentCleanup      MessageKind = "component.cleanup"
	KindComponentHealth       MessageKind = "component.health"
	KindComponentStarted      MessageKind = "component.started"
	KindComponentStateChange  MessageKind = "component.state_change"
	KindComponentBackpressure MessageKind = "component.backpressure"
	KindComponentRecovered    MessageKind = "component.recovered"
	KindComponentDenied       MessageKind = "component.denied"
)

type kindSpec struct {
	domain string
	phase  MessagePhase
}

var kindRegistry = map[MessageKind]kindSpec{}

// StageKinds is the four-phase family a stage is driven through.
type StageKinds struct {
	Start    MessageKind
	Progress MessageKind
	Complete MessageKind
	Failed   MessageKind
}

func (f StageKinds) All() []MessageKind {
	return []MessageKind{f.Start, f.Progress, f.Complete, f.Failed}
}

var stageFamilies = map[ProcessingStage]StageKinds{
	StageReception:         {KindReceptionStart, KindReceptionProgress, KindReceptionComplete, KindReceptionFailed},
	StageValidation:        {KindValidationStart, KindValidationProgress, KindValidationComplete, KindValidationFailed},
	StageQualityCheck:      {KindQualityCheckStart, KindQualityCheckProgress, KindQualityCheckComplete, KindQualityCheckFailed},
	StageContextAnalysis:   {KindContextAnalysisStart, KindContextAnalysisProgress, KindContextAnalysisComplete, KindContextAnalysisFailed},
	StageInsightGeneration: {KindInsightStart, KindInsightProgress, KindInsightComplete, KindInsightFailed},
	StageAdvancedAnalytics: {KindAnalyticsStart, KindAnalyticsProgress, KindAnalyticsComplete, KindAnalyticsFailed},
	StageDecisionMaking:    {KindDecisionStart, KindDecisionProgress, KindDecisionComplete, KindDecisionFailed},
	StageRecommendation:    {KindRecommendationStart, KindRecommendationProgress, KindRecommendationComplete, KindRecommendationFailed},
	StageUserReview:        {KindReviewStart, KindReviewProgress, KindReviewComplete, KindReviewFailed},
	StageReportGeneration:  {KindReportStart, KindReportProgress, KindReportComplete, KindReportFailed},
	StageCompletion:        {KindCompletionStart, KindCompletionProgress, KindCompletionComplete, KindCompletionFailed},
}

var stageOwners = map[ProcessingStage]string{
	StageReception:         StagingManager,
	StageValidation:        QualityManager,
	StageQualityCheck:      QualityManager,
	StageContextAnalysis:   QualityManager,
	StageInsightGeneration: InsightManager,
	StageAdvancedAnalytics: AnalyticsManager,
	StageDecisionMaking:    DecisionManager,
	StageRecommendation:    DecisionManager,
	StageUserReview:        DecisionManager,
	StageReportGeneration:  ReportManager,
	StageCompletion:        OrchestratorComponent,
}

var kindToStage = map[MessageKind]ProcessingStage{}

var failedKinds = map[MessageKind]MessageKind{}

func init() {
	register := func(phase MessagePhase, kinds ...MessageKind) {
		for _, k := range kinds {
			kindRegistry[k] = kindSpec{domain: k.Domain(), phase: phase}
		}
	}
	family := func(start, progress, complete, failed MessageKind) {
		register(PhaseStart, start)
		register(PhaseProgress, progress)
		register(PhaseComplete, complete)
		register(PhaseFailed, failed)
		failedKinds[start] = failed
	}

	for stage, f := range stageFamilies {
		family(f.Start, f.Progress, f.Complete, f.Failed)
		for _, k := range f.All() {
			kindToStage[k] = stage
		}
	}

	family(KindPipelineStart, KindPipelineProgress, KindPipelineComplete, KindPipelineFailed)
	family(KindStageStart, KindStageProgress, KindStageComplete, KindStageFailed)
	family(KindProfilingStart, KindProfilingProgress, KindProfilingComplete, KindProfilingFailed)
	family(KindPatternDetectionStart, KindPatternDetectionProgress, KindPatternDetectionComplete, KindPatternDetectionFailed)
	family(KindTrendAnalysisStart, KindTrendAnalysisProgress, KindTrendAnalysisComplete, KindTrendAnalysisFailed)
	family(KindAnomalyDetectionStart, KindAnomalyDetectionProgress, KindAnomalyDetectionComplete, KindAnomalyDetectionFailed)
	family(KindBiasDetectionStart, KindBiasDetectionProgress, KindBiasDetectionComplete, KindBiasDetectionFailed)
	family(KindModelTrainingStart, KindModelTrainingProgress, KindModelTrainingComplete, KindModelTrainingFailed)
	family(KindModelEvaluationStart, KindModelEvaluationProgress, KindModelEvaluationComplete, KindModelEvaluationFailed)
	family(KindForecastStart, KindForecastProgress, KindForecastComplete, KindForecastFailed)
	family(KindRenderStart, KindRenderProgress, KindRenderComplete, KindRenderFailed)
	family(KindDeliveryStart, KindDeliveryProgress, KindDeliveryComplete, KindDeliveryFailed)

	register(PhaseError,
		KindPipelineError, KindStagingError, KindQualityError, KindInsightError,
		KindAnalyticsError, KindDecisionError, KindReportError, KindMonitoringError,
		KindComponentError,
	)
	register(PhaseCommand,
		KindPipelinePause, KindPipelineResume, KindPipelineCancel, KindPipelineRollback,
		KindPipelineStatusRequest, KindStageRetry, KindMetricsRequest, KindHealthCheckRequest,
	)
	register(PhaseConfig,
		KindPipelineConfigUpdate, KindStagingConfigUpdate, KindQualityConfigUpdate,
		KindInsightConfigUpdate, KindAnalyticsConfigUpdate, KindDecisionConfigUpdate,
		KindReportConfigUpdate, KindMonitoringConfig,
	)
	register(PhaseAlert,
		KindStagingAlert, KindQualityAlert, KindInsightAlert, KindAnalyticsAlert,
		KindDecisionAlert, KindReportAlert, KindPressureAlert, KindPressureResolved,
		KindStagingQuotaExceeded,
	)
	register(PhaseRequest, KindDecisionRequest)
	register(PhaseResponse,
		KindDecisionResponse, KindStagingStoreResponse, KindStagingRetrieveResp,
		KindStagingDeleteResponse, KindStagingAccessGranted, KindStagingAccessDenied,
		KindMetricsResponse, KindHealthCheckResponse, KindScaleUpResponse, KindPipelineStatus,
	)
	register(PhaseStaging,
		KindStagingStoreRequest, KindStagingRetrieveRequest, KindStagingDeleteRequest,
		KindStagingAccessGrant, KindStagingAccessDeny,
	)
	register(PhaseResource,
		KindAnalyticsResource, KindScaleUpRequest, KindResourceReserve, KindResourceRelease,
		KindResourceDenied, KindMetricsSample, KindRateLimitApplied, KindBatchSizeReduced,
		KindPriorityDemoted, KindBackpressureEnter, KindBackpressureExit,
	)
	register(PhaseNotice,
		KindPipelineStarted, KindPipelinePaused, KindPipelineResumed, KindPipelineCancelled,
		KindPipelineRolledBack, KindPipelineTimeout, KindPipelineAdmission, KindPipelineArchived,
		KindStageTimeout, KindDecisionTimeout, KindMaintenanceScheduled,
		KindComponentCleanup, KindComponentHealth, KindComponentStarted, KindComponentStateChange,
		KindComponentBackpressure, KindComponentRecovered, KindComponentDenied,
	)
}

func (k MessageKind) String() string {
	return string(k)
}

func (k MessageKind) Domain() string {
	s := string(k)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

func (k MessageKind) Name() string {
	s := string(k)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func (k MessageKind) IsKnown() bool {
	_, ok := kindRegistry[k]
	return ok
}

func (k MessageKind) Phase() MessagePhase {
	return kindRegistry[k].phase
}

// IsStartPhase reports kinds that begin new work. These are the kinds refused
// while a manager is under backpressure.
func (k MessageKind) IsStartPhase() bool {
	return k.Phase() == PhaseStart
}

func AllKinds() []MessageKind {
	kinds := make([]MessageKind, 0, len(kindRegistry))
	for k := range kindRegistry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func KindsByDomain(domain string) []MessageKind {
	var out []MessageKind
	for _, k := range AllKinds() {
		if k.Domain() == domain {
			out = append(out, k)
		}
	}
	return out
}

func KindsForStage(stage ProcessingStage) (StageKinds, bool) {
	f, ok := stageFamilies[stage]
	return f, ok
}

func StageForKind(kind MessageKind) (ProcessingStage, bool) {
	s, ok := kindToStage[kind]
	return s, ok
}

// FailedKindFor returns the failed kind of the family a start kind opens.
func FailedKindFor(start MessageKind) (MessageKind, bool) {
	k, ok := failedKinds[start]
	return k, ok
}

// StageOwner returns the component that executes a stage.
func StageOwner(stage ProcessingStage) string {
	return stageOwners[stage]
}

// ConfigUpdateKind returns the `<domain>.config_update` kind for a domain.
func ConfigUpdateKind(domain string) MessageKind {
	return MessageKind(domain + ".config_update")
}

// ErrorKind returns the `<domain>.error` kind, falling back to component.error.
func ErrorKind(domain string) MessageKind {
	k := MessageKind(domain + ".error")
	if k.IsKnown() {
		return k
	}
	return KindComponentError
}
