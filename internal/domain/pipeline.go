package domain

import (
	"fmt"
	"time"
)

type ProcessingStage string

const (
	StageReception         ProcessingStage = "reception"
	StageValidation        ProcessingStage = "validation"
	StageQualityCheck      ProcessingStage = "quality_check"
	StageContextAnalysis   ProcessingStage = "context_analysis"
	StageInsightGeneration ProcessingStage = "insight_generation"
	StageAdvancedAnalytics ProcessingStage = "advanced_analytics"
	StageDecisionMaking    ProcessingStage = "decision_making"
	StageReportGeneration  ProcessingStage = "report_generation"
	StageRecommendation    ProcessingStage = "recommendation"
	StageUserReview        ProcessingStage = "user_review"
	StageCompletion        ProcessingStage = "completion"
)

// DefaultStageOrder is the order stages run in when no explicit order or
// dependency graph is configured.
var DefaultStageOrder = []ProcessingStage{
	StageReception,
	StageValidation,
	StageQualityCheck,
	StageContextAnalysis,
	StageInsightGeneration,
	StageAdvancedAnalytics,
	StageDecisionMaking,
	StageRecommendation,
	StageUserReview,
	StageReportGeneration,
	StageCompletion,
}

func (s ProcessingStage) IsValid() bool {
	_, ok := stageFamilies[s]
	return ok
}

func ParseStage(s string) (ProcessingStage, error) {
	stage := ProcessingStage(s)
	if !stage.IsValid() {
		return "", NewValidationError(fmt.Sprintf("unknown stage %q", s), ErrUnknownStage)
	}
	return stage, nil
}

type ProcessingStatus string

const (
	StatusPending          ProcessingStatus = "pending"
	StatusInProgress       ProcessingStatus = "in_progress"
	StatusAwaitingDecision ProcessingStatus = "awaiting_decision"
	StatusDecisionTimeout  ProcessingStatus = "decision_timeout"
	StatusPaused           ProcessingStatus = "paused"
	StatusCompleted        ProcessingStatus = "completed"
	StatusFailed           ProcessingStatus = "failed"
	StatusCancelled        ProcessingStatus = "cancelled"
	StatusArchived         ProcessingStatus = "archived"
)

// statusTransitions only moves forward, with in_progress and paused allowed
// to alternate. Terminal states may only be archived.
var statusTransitions = map[ProcessingStatus][]ProcessingStatus{
	StatusPending:          {StatusInProgress, StatusPaused, StatusCancelled, StatusFailed},
	StatusInProgress:       {StatusAwaitingDecision, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAwaitingDecision: {StatusInProgress, StatusDecisionTimeout, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusDecisionTimeout:  {StatusInProgress, StatusFailed, StatusCancelled},
	StatusPaused:           {StatusInProgress, StatusCompleted, StatusCancelled, StatusFailed},
	StatusCompleted:        {StatusArchived},
	StatusFailed:           {StatusArchived},
	StatusCancelled:        {StatusArchived},
	StatusArchived:         {},
}

func (s ProcessingStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusArchived:
		return true
	}
	return false
}

func (s ProcessingStatus) CanTransitionTo(next ProcessingStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageCancelled StageStatus = "cancelled"
)

func (s StageStatus) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

type StageRecord struct {
	Stage      ProcessingStage        `json:"stage"`
	Status     StageStatus            `json:"status"`
	StartTime  time.Time              `json:"start_time,omitempty"`
	EndTime    time.Time              `json:"end_time,omitempty"`
	Error      string                 `json:"error,omitempty"`
	RetryCount int                    `json:"retry_count"`
	MaxRetries int                    `json:"max_retries"`
	Progress   float64                `json:"progress"`
	Elapsed    time.Duration          `json:"elapsed"`
	Metrics    map[string]float64     `json:"metrics,omitempty"`
	Results    map[string]interface{} `json:"results,omitempty"`
}

// Duration is the time spent running, excluding paused intervals.
func (r *StageRecord) Duration(now time.Time) time.Duration {
	d := r.Elapsed
	if r.Status == StageRunning && !r.StartTime.IsZero() {
		d += now.Sub(r.StartTime)
	}
	return d
}

type StagingRefs struct {
	Input  []string `json:"input,omitempty"`
	Output []string `json:"output,omitempty"`
}

// PipelineContext is the per-run record owned by the orchestrator. Other
// components only observe it through messages.
type PipelineContext struct {
	PipelineID   string                           `json:"pipeline_id"`
	CurrentStage ProcessingStage                  `json:"current_stage"`
	Status       ProcessingStatus                 `json:"status"`
	Metadata     map[string]interface{}           `json:"metadata,omitempty"`
	CreatedAt    time.Time                        `json:"created_at"`
	UpdatedAt    time.Time                        `json:"updated_at"`
	Staging      StagingRefs                      `json:"staging"`
	Stages       map[ProcessingStage]*StageRecord `json:"stages"`
	ArchivedAt   *time.Time                       `json:"archived_at,omitempty"`
}

func NewPipelineContext(pipelineID string, stages []ProcessingStage, maxRetries int, now time.Time) *PipelineContext {
	pc := &PipelineContext{
		PipelineID: pipelineID,
		Status:     StatusPending,
		Metadata:   make(map[string]interface{}),
		CreatedAt:  now,
		UpdatedAt:  now,
		Stages:     make(map[ProcessingStage]*StageRecord, len(stages)),
	}
	for _, s := range stages {
		pc.Stages[s] = &StageRecord{Stage: s, Status: StagePending, MaxRetries: maxRetries}
	}
	if len(stages) > 0 {
		pc.CurrentStage = stages[0]
	}
	return pc
}

func (pc *PipelineContext) SetStatus(next ProcessingStatus, now time.Time) error {
	if pc.Status == next {
		return nil
	}
	if pc.Status.IsTerminal() && next != StatusArchived {
		return NewStateError(fmt.Sprintf("pipeline %s is %s", pc.PipelineID, pc.Status), ErrTerminalState,
			WithPipelineID(pc.PipelineID))
	}
	if !pc.Status.CanTransitionTo(next) {
		return NewStateError(fmt.Sprintf("cannot move pipeline %s from %s to %s", pc.PipelineID, pc.Status, next), ErrInvalidState,
			WithPipelineID(pc.PipelineID))
	}
	pc.Status = next
	pc.UpdatedAt = now
	return nil
}

// MarkArchived stamps a finished context as archived. The terminal status is
// left untouched so a failed run still reads failed after archival.
func (pc *PipelineContext) MarkArchived(now time.Time) error {
	if !pc.Status.IsTerminal() {
		return NewStateError(fmt.Sprintf("pipeline %s is %s, not finished", pc.PipelineID, pc.Status), ErrInvalidState,
			WithPipelineID(pc.PipelineID))
	}
	if pc.ArchivedAt == nil {
		at := now
		pc.ArchivedAt = &at
	}
	return nil
}

func (pc *PipelineContext) Archived() bool {
	return pc.ArchivedAt != nil || pc.Status == StatusArchived
}

func (pc *PipelineContext) SetCurrentStage(stage ProcessingStage, now time.Time) error {
	if pc.Status.IsTerminal() {
		return NewStateError("pipeline "+pc.PipelineID+" is terminal", ErrTerminalState, WithPipelineID(pc.PipelineID))
	}
	if _, ok := pc.Stages[stage]; !ok {
		return NewValidationError(fmt.Sprintf("stage %s is not part of pipeline %s", stage, pc.PipelineID), ErrUnknownStage,
			WithPipelineID(pc.PipelineID), WithStage(stage))
	}
	pc.CurrentStage = stage
	pc.UpdatedAt = now
	return nil
}

func (pc *PipelineContext) Stage(stage ProcessingStage) (*StageRecord, bool) {
	r, ok := pc.Stages[stage]
	return r, ok
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (pc *PipelineContext) Snapshot() PipelineContext {
	cp := *pc
	cp.Metadata = make(map[string]interface{}, len(pc.Metadata))
	for k, v := range pc.Metadata {
		cp.Metadata[k] = v
	}
	cp.Staging.Input = append([]string(nil), pc.Staging.Input...)
	cp.Staging.Output = append([]string(nil), pc.Staging.Output...)
	if pc.ArchivedAt != nil {
		at := *pc.ArchivedAt
		cp.ArchivedAt = &at
	}
	cp.Stages = make(map[ProcessingStage]*StageRecord, len(pc.Stages))
	for k, v := range pc.Stages {
		rec := *v
		if v.Metrics != nil {
			rec.Metrics = make(map[string]float64, len(v.Metrics))
			for mk, mv := range v.Metrics {
				rec.Metrics[mk] = mv
			}
		}
		if v.Results != nil {
			rec.Results = make(map[string]interface{}, len(v.Results))
			for rk, rv := range v.Results {
				rec.Results[rk] = rv
			}
		}
		cp.Stages[k] = &rec
	}
	return cp
}
