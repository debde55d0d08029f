package domain

import (
	"fmt"
	"sort"
	"time"
)

type RunState string

const (
	RunInitialized RunState = "initialized"
	RunRunning     RunState = "running"
	RunPaused      RunState = "paused"
	RunCompleted   RunState = "completed"
	RunFailed      RunState = "failed"
	RunCancelled   RunState = "cancelled"
	RunRecovering  RunState = "recovering"
)

func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// PipelineRun is one execution of the stage state machine. It is not safe
// for concurrent use; the orchestrator serializes access per pipeline id.
type PipelineRun struct {
	ID              string                            `json:"pipeline_id"`
	CorrelationID   string                            `json:"correlation_id"`
	State           RunState                          `json:"state"`
	Order           []ProcessingStage                 `json:"order"`
	CompletedStages []ProcessingStage                 `json:"completed_stages"`
	Context         *PipelineContext                  `json:"context"`
	Config          map[string]interface{}            `json:"config,omitempty"`
	RequiredKeys    map[ProcessingStage][]string      `json:"-"`
	StageTimeouts   map[ProcessingStage]time.Duration `json:"-"`
	DefaultTimeout  time.Duration                     `json:"stage_timeout"`
	Resources       ResourceRequest                   `json:"resources"`
	ResourcesHeld   bool                              `json:"resources_held"`
	Requester       string                            `json:"requester,omitempty"`
	Priority        Priority                          `json:"priority"`
	CreatedAt       time.Time                         `json:"created_at"`
	StartedAt       time.Time                         `json:"started_at,omitempty"`
	FinishedAt      time.Time                         `json:"finished_at,omitempty"`
	Error           string                            `json:"error,omitempty"`
}

type RunOptions struct {
	Order          []ProcessingStage
	MaxRetries     int
	DefaultTimeout time.Duration
	StageTimeouts  map[ProcessingStage]time.Duration
	RequiredKeys   map[ProcessingStage][]string
	Config         map[string]interface{}
	Resources      ResourceRequest
	Requester      string
	Priority       Priority
}

func NewPipelineRun(pipelineID, correlationID string, opts RunOptions, now time.Time) (*PipelineRun, error) {
	if pipelineID == "" {
		return nil, NewValidationError("pipeline id is required", ErrInvalidInput)
	}
	order := opts.Order
	if len(order) == 0 {
		order = DefaultStageOrder
	}
	seen := make(map[ProcessingStage]bool, len(order))
	for _, s := range order {
		if !s.IsValid() {
			return nil, NewValidationError(fmt.Sprintf("unknown stage %q", s), ErrUnknownStage, WithPipelineID(pipelineID))
		}
		if seen[s] {
			return nil, NewValidationError(fmt.Sprintf("stage %q listed twice", s), ErrInvalidInput, WithPipelineID(pipelineID))
		}
		seen[s] = true
	}
	if opts.MaxRetries < 0 {
		return nil, NewValidationError("max retries cannot be negative", ErrInvalidInput, WithPipelineID(pipelineID))
	}

	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	return &PipelineRun{
		ID:             pipelineID,
		CorrelationID:  correlationID,
		State:          RunInitialized,
		Order:          append([]ProcessingStage(nil), order...),
		Context:        NewPipelineContext(pipelineID, order, opts.MaxRetries, now),
		Config:         opts.Config,
		RequiredKeys:   opts.RequiredKeys,
		StageTimeouts:  opts.StageTimeouts,
		DefaultTimeout: opts.DefaultTimeout,
		Resources:      opts.Resources,
		Requester:      opts.Requester,
		Priority:       priority,
		CreatedAt:      now,
	}, nil
}

func (r *PipelineRun) terminalErr() error {
	return NewStateError(fmt.Sprintf("pipeline %s is %s", r.ID, r.State), ErrTerminalState, WithPipelineID(r.ID))
}

func (r *PipelineRun) CurrentStage() ProcessingStage {
	return r.Context.CurrentStage
}

func (r *PipelineRun) stageRecord(stage ProcessingStage) (*StageRecord, error) {
	rec, ok := r.Context.Stages[stage]
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("stage %s is not part of pipeline %s", stage, r.ID), ErrUnknownStage,
			WithPipelineID(r.ID), WithStage(stage))
	}
	return rec, nil
}

// Start moves the run to running and begins its first stage.
func (r *PipelineRun) Start(now time.Time) (ProcessingStage, error) {
	if r.State != RunInitialized {
		return "", NewStateError(fmt.Sprintf("pipeline %s already %s", r.ID, r.State), ErrInvalidState, WithPipelineID(r.ID))
	}
	if err := r.Context.SetStatus(StatusInProgress, now); err != nil {
		return "", err
	}
	r.State = RunRunning
	r.StartedAt = now
	first := r.Order[0]
	if err := r.BeginStage(first, now); err != nil {
		return "", err
	}
	return first, nil
}

// BeginStage starts the stage that the configured order selects next. Any
// other stage is rejected.
func (r *PipelineRun) BeginStage(stage ProcessingStage, now time.Time) error {
	if r.State.IsTerminal() {
		return r.terminalErr()
	}
	if r.State != RunRunning {
		return NewStateError(fmt.Sprintf("pipeline %s is %s", r.ID, r.State), ErrInvalidState, WithPipelineID(r.ID), WithStage(stage))
	}
	rec, err := r.stageRecord(stage)
	if err != nil {
		return err
	}
	if stage != r.Context.CurrentStage {
		return NewValidationError(fmt.Sprintf("stage %s cannot start, next stage is %s", stage, r.Context.CurrentStage),
			ErrStageOutOfOrder, WithPipelineID(r.ID), WithStage(stage))
	}
	if rec.Status != StagePending {
		return NewStateError(fmt.Sprintf("stage %s is %s", stage, rec.Status), ErrInvalidState, WithPipelineID(r.ID), WithStage(stage))
	}
	rec.Status = StageRunning
	rec.StartTime = now
	rec.Error = ""
	r.Context.UpdatedAt = now
	return nil
}

// CompleteStage validates the stage result and advances the run. It returns
// the next stage to start, or done when every stage has completed.
func (r *PipelineRun) CompleteStage(stage ProcessingStage, results map[string]interface{}, metrics map[string]float64, now time.Time) (next ProcessingStage, done bool, err error) {
	if r.State.IsTerminal() || r.State == RunRecovering {
		return "", false, r.terminalErr()
	}
	rec, err := r.stageRecord(stage)
	if err != nil {
		return "", false, err
	}
	if rec.Status != StageRunning {
		return "", false, NewStateError(fmt.Sprintf("stage %s is %s, not running", stage, rec.Status), ErrInvalidState,
			WithPipelineID(r.ID), WithStage(stage))
	}
	for _, key := range r.RequiredKeys[stage] {
		if _, ok := results[key]; !ok {
			return "", false, NewValidationError(fmt.Sprintf("stage %s result missing required key %q", stage, key), ErrInvalidInput,
				WithPipelineID(r.ID), WithStage(stage))
		}
	}

	if r.State == RunRunning {
		rec.Elapsed += now.Sub(rec.StartTime)
	}
	rec.Status = StageCompleted
	rec.EndTime = now
	rec.Progress = 1.0
	rec.Results = results
	if len(metrics) > 0 {
		if rec.Metrics == nil {
			rec.Metrics = make(map[string]float64, len(metrics))
		}
		for k, v := range metrics {
			rec.Metrics[k] = v
		}
	}
	r.CompletedStages = append(r.CompletedStages, stage)
	r.Context.UpdatedAt = now

	idx := r.indexOf(stage)
	if idx == len(r.Order)-1 {
		r.State = RunCompleted
		r.FinishedAt = now
		if err := r.Context.SetStatus(StatusCompleted, now); err != nil {
			return "", false, err
		}
		return "", true, nil
	}

	next = r.Order[idx+1]
	r.Context.CurrentStage = next
	return next, false, nil
}

// FailStage records a stage failure. While the retry budget lasts the stage
// is reset and retry is true; otherwise the stage is failed and the run moves
// to recovering so the caller can roll it back.
func (r *PipelineRun) FailStage(stage ProcessingStage, reason string, permanent bool, now time.Time) (retry bool, err error) {
	if r.State.IsTerminal() || r.State == RunRecovering {
		return false, r.terminalErr()
	}
	rec, err := r.stageRecord(stage)
	if err != nil {
		return false, err
	}
	if stage != r.Context.CurrentStage || rec.Status.IsTerminal() {
		return false, NewStateError(fmt.Sprintf("stage %s is not the active stage", stage), ErrInvalidState,
			WithPipelineID(r.ID), WithStage(stage))
	}

	if r.State == RunRunning && rec.Status == StageRunning {
		rec.Elapsed += now.Sub(rec.StartTime)
	}
	rec.Error = reason

	if !permanent && rec.RetryCount < rec.MaxRetries {
		rec.RetryCount++
		rec.Progress = 0
		if r.State == RunPaused {
			rec.Status = StagePending
		} else {
			rec.Status = StageRunning
			rec.StartTime = now
		}
		r.Context.UpdatedAt = now
		return true, nil
	}

	rec.Status = StageFailed
	rec.EndTime = now
	r.State = RunRecovering
	r.Error = fmt.Sprintf("stage %s failed: %s", stage, reason)
	r.Context.UpdatedAt = now
	return false, nil
}

// BeginRollback moves a live run into recovering on request. The active stage
// is marked failed with reason.
func (r *PipelineRun) BeginRollback(reason string, now time.Time) error {
	if r.State.IsTerminal() {
		return r.terminalErr()
	}
	if r.State == RunRecovering {
		return nil
	}
	if rec, ok := r.Context.Stages[r.Context.CurrentStage]; ok && !rec.Status.IsTerminal() {
		if rec.Status == StageRunning && r.State == RunRunning {
			rec.Elapsed += now.Sub(rec.StartTime)
		}
		rec.Status = StageFailed
		rec.Error = reason
		rec.EndTime = now
	}
	r.State = RunRecovering
	r.Error = reason
	r.Context.UpdatedAt = now
	return nil
}

// FinishRollback ends the recovering state. The run is always failed after a
// rollback.
func (r *PipelineRun) FinishRollback(now time.Time) error {
	if r.State != RunRecovering {
		return NewStateError(fmt.Sprintf("pipeline %s is not recovering", r.ID), ErrInvalidState, WithPipelineID(r.ID))
	}
	r.State = RunFailed
	r.FinishedAt = now
	return r.Context.SetStatus(StatusFailed, now)
}

// Fail marks a run failed without a stage failure, e.g. on admission loss.
func (r *PipelineRun) Fail(reason string, now time.Time) error {
	if r.State.IsTerminal() {
		return r.terminalErr()
	}
	r.State = RunRecovering
	r.Error = reason
	return r.FinishRollback(now)
}

func (r *PipelineRun) Pause(now time.Time) error {
	if r.State != RunRunning {
		if r.State.IsTerminal() {
			return r.terminalErr()
		}
		return NewStateError(fmt.Sprintf("pipeline %s cannot pause from %s", r.ID, r.State), ErrInvalidState, WithPipelineID(r.ID))
	}
	if rec, ok := r.Context.Stages[r.Context.CurrentStage]; ok && rec.Status == StageRunning {
		rec.Elapsed += now.Sub(rec.StartTime)
	}
	if err := r.Context.SetStatus(StatusPaused, now); err != nil {
		return err
	}
	r.State = RunPaused
	return nil
}

// Resume restarts the current stage's clock. When the current stage is still
// pending (it completed or failed while paused) the stage is returned so the
// caller can emit its start.
func (r *PipelineRun) Resume(now time.Time) (pending ProcessingStage, err error) {
	if r.State != RunPaused {
		if r.State.IsTerminal() {
			return "", r.terminalErr()
		}
		return "", NewStateError(fmt.Sprintf("pipeline %s cannot resume from %s", r.ID, r.State), ErrInvalidState, WithPipelineID(r.ID))
	}
	if err := r.Context.SetStatus(StatusInProgress, now); err != nil {
		return "", err
	}
	r.State = RunRunning
	rec := r.Context.Stages[r.Context.CurrentStage]
	switch rec.Status {
	case StageRunning:
		rec.StartTime = now
	case StagePending:
		if err := r.BeginStage(rec.Stage, now); err != nil {
			return "", err
		}
		return rec.Stage, nil
	}
	return "", nil
}

func (r *PipelineRun) Cancel(now time.Time) error {
	if r.State.IsTerminal() {
		return r.terminalErr()
	}
	if rec, ok := r.Context.Stages[r.Context.CurrentStage]; ok && !rec.Status.IsTerminal() {
		if rec.Status == StageRunning && r.State == RunRunning {
			rec.Elapsed += now.Sub(rec.StartTime)
		}
		rec.Status = StageCancelled
		rec.EndTime = now
	}
	r.State = RunCancelled
	r.FinishedAt = now
	return r.Context.SetStatus(StatusCancelled, now)
}

// ReportProgress records fractional progress (0..1) for the running stage.
func (r *PipelineRun) ReportProgress(stage ProcessingStage, progress float64, now time.Time) error {
	if r.State.IsTerminal() || r.State == RunRecovering {
		return r.terminalErr()
	}
	rec, err := r.stageRecord(stage)
	if err != nil {
		return err
	}
	if rec.Status != StageRunning {
		return NewStateError(fmt.Sprintf("stage %s is %s, not running", stage, rec.Status), ErrInvalidState,
			WithPipelineID(r.ID), WithStage(stage))
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	rec.Progress = progress
	r.Context.UpdatedAt = now
	return nil
}

// Progress is the mean of per-stage completion fractions.
func (r *PipelineRun) Progress() float64 {
	if len(r.Order) == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.Order {
		if rec, ok := r.Context.Stages[s]; ok {
			sum += rec.Progress
		}
	}
	return sum / float64(len(r.Order))
}

func (r *PipelineRun) TimeoutFor(stage ProcessingStage) time.Duration {
	if d, ok := r.StageTimeouts[stage]; ok && d > 0 {
		return d
	}
	return r.DefaultTimeout
}

// TimedOut reports whether the running stage has exceeded its timeout.
// Paused runs never time out.
func (r *PipelineRun) TimedOut(now time.Time) (ProcessingStage, bool) {
	if r.State != RunRunning {
		return "", false
	}
	stage := r.Context.CurrentStage
	rec, ok := r.Context.Stages[stage]
	if !ok || rec.Status != StageRunning {
		return "", false
	}
	timeout := r.TimeoutFor(stage)
	if timeout <= 0 {
		return "", false
	}
	return stage, now.Sub(rec.StartTime) > timeout
}

func (r *PipelineRun) indexOf(stage ProcessingStage) int {
	for i, s := range r.Order {
		if s == stage {
			return i
		}
	}
	return -1
}

type StageReport struct {
	Stage    ProcessingStage    `json:"stage"`
	Status   StageStatus        `json:"status"`
	Duration time.Duration      `json:"duration"`
	Retries  int                `json:"retries"`
	Error    string             `json:"error,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

type CompletionReport struct {
	PipelineID    string        `json:"pipeline_id"`
	CorrelationID string        `json:"correlation_id"`
	State         RunState      `json:"state"`
	Progress      float64       `json:"progress"`
	TotalElapsed  time.Duration `json:"total_elapsed"`
	Stages        []StageReport `json:"stages"`
	Error         string        `json:"error,omitempty"`
}

func (r *PipelineRun) Report(now time.Time) CompletionReport {
	end := r.FinishedAt
	if end.IsZero() {
		end = now
	}
	start := r.StartedAt
	if start.IsZero() {
		start = r.CreatedAt
	}
	report := CompletionReport{
		PipelineID:    r.ID,
		CorrelationID: r.CorrelationID,
		State:         r.State,
		Progress:      r.Progress(),
		TotalElapsed:  end.Sub(start),
		Error:         r.Error,
	}
	for _, s := range r.Order {
		rec := r.Context.Stages[s]
		report.Stages = append(report.Stages, StageReport{
			Stage:    s,
			Status:   rec.Status,
			Duration: rec.Duration(now),
			Retries:  rec.RetryCount,
			Error:    rec.Error,
			Metrics:  rec.Metrics,
		})
	}
	return report
}

// ToMap flattens the report into a payload map.
func (c CompletionReport) ToMap() map[string]interface{} {
	stages := make(map[string]interface{}, len(c.Stages))
	for _, s := range c.Stages {
		stages[string(s.Stage)] = map[string]interface{}{
			"status":      string(s.Status),
			"duration_ms": s.Duration.Milliseconds(),
			"retries":     s.Retries,
			"metrics":     s.Metrics,
		}
	}
	return map[string]interface{}{
		"pipeline_id":      c.PipelineID,
		"correlation_id":   c.CorrelationID,
		"state":            string(c.State),
		"progress":         c.Progress,
		"total_elapsed_ms": c.TotalElapsed.Milliseconds(),
		"stages":           stages,
	}
}

// ResolveStageOrder returns a topological order of the stages in deps.
// Stages without dependencies keep their relative position from
// DefaultStageOrder. A cycle is a validation error.
func ResolveStageOrder(deps map[ProcessingStage][]ProcessingStage) ([]ProcessingStage, error) {
	rank := make(map[ProcessingStage]int, len(DefaultStageOrder))
	for i, s := range DefaultStageOrder {
		rank[s] = i
	}

	indegree := make(map[ProcessingStage]int)
	children := make(map[ProcessingStage][]ProcessingStage)
	for stage, parents := range deps {
		if !stage.IsValid() {
			return nil, NewValidationError(fmt.Sprintf("unknown stage %q", stage), ErrUnknownStage)
		}
		if _, ok := indegree[stage]; !ok {
			indegree[stage] = 0
		}
		for _, p := range parents {
			if !p.IsValid() {
				return nil, NewValidationError(fmt.Sprintf("unknown stage %q", p), ErrUnknownStage)
			}
			if _, ok := indegree[p]; !ok {
				indegree[p] = 0
			}
			indegree[stage]++
			children[p] = append(children[p], stage)
		}
	}

	var ready []ProcessingStage
	for s, d := range indegree {
		if d == 0 {
			ready = append(ready, s)
		}
	}

	order := make([]ProcessingStage, 0, len(indegree))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return rank[ready[i]] < rank[ready[j]] })
		s := ready[0]
		ready = ready[1:]
		order = append(order, s)
		for _, c := range children[s] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}

	if len(order) != len(indegree) {
		return nil, NewValidationError("stage dependency graph contains a cycle", ErrInvalidInput)
	}
	return order, nil
}
