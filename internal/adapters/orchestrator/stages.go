package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
)

const maxBackoffShift = 16

func retryTask(pipelineID string) string {
	return "retry:" + pipelineID
}

func (o *Orchestrator) requester(r *domain.PipelineRun) string {
	if r.Requester != "" {
		return r.Requester
	}
	return domain.SystemTarget
}

func (o *Orchestrator) emit(ctx context.Context, r *domain.PipelineRun, kind domain.MessageKind, payload domain.Payload, target string) {
	msg := domain.NewMessage(kind, payload, o.Identity(), target).
		WithCorrelationID(r.CorrelationID).
		WithChainID(r.CorrelationID).
		WithPriority(r.Priority)
	if err := o.Publish(context.WithoutCancel(ctx), msg); err != nil {
		o.log.WithPipeline(r.ID, string(r.CurrentStage())).Warn("failed to publish pipeline event",
			"message_kind", string(kind), "target", target, "error", err)
	}
}

func (o *Orchestrator) notice(ctx context.Context, r *domain.PipelineRun, kind domain.MessageKind, message string, details map[string]interface{}) {
	target := domain.SystemTarget
	switch kind {
	case domain.KindPipelineStarted, domain.KindPipelinePaused, domain.KindPipelineResumed, domain.KindPipelineCancelled:
		target = o.requester(r)
	}
	o.emit(ctx, r, kind, domain.NoticePayload{
		PipelineID: r.ID,
		Component:  o.Name(),
		Message:    message,
		Details:    details,
	}, target)
}

// launch hands a begun stage to its owner. The completion stage belongs to
// the orchestrator and finishes inline with the run report.
func (o *Orchestrator) launch(ctx context.Context, e *entry, stage domain.ProcessingStage) error {
	r := e.run
	if domain.StageOwner(stage) != domain.OrchestratorComponent {
		o.emitStart(ctx, e, stage)
		return nil
	}

	now := o.now()
	next, done, err := r.CompleteStage(stage, r.Report(now).ToMap(), nil, now)
	if err != nil {
		return err
	}
	o.stageFinished(r, stage, now)
	if done {
		o.finish(ctx, e, now)
		return nil
	}
	// Completion is normally last; an order placing it earlier just moves on.
	if r.State != domain.RunRunning {
		return nil
	}
	if err := r.BeginStage(next, now); err != nil {
		return err
	}
	return o.launch(ctx, e, next)
}

func (o *Orchestrator) emitStart(ctx context.Context, e *entry, stage domain.ProcessingStage) {
	r := e.run
	kinds, ok := domain.KindsForStage(stage)
	if !ok {
		o.log.WithPipeline(r.ID, string(stage)).Error("stage has no message family")
		return
	}
	owner := domain.StageOwner(stage)
	attempt := 0
	if rec, ok := r.Context.Stages[stage]; ok {
		attempt = rec.RetryCount
	}

	config := make(map[string]interface{}, len(r.Config)+1)
	for k, v := range r.Config {
		config[k] = v
	}
	if len(e.results) > 0 {
		config["upstream_results"] = e.results
	}

	priority := r.Priority
	if o.governor != nil {
		priority = o.governor.AdjustPriority(owner, priority)
	}

	msg := domain.NewMessage(kinds.Start, domain.StartPayload{
		PipelineID: r.ID,
		Stage:      stage,
		Config:     config,
		Attempt:    attempt,
	}, o.Identity(), owner).
		WithCorrelationID(r.CorrelationID).
		WithChainID(r.CorrelationID).
		WithPriority(priority).
		WithStage(stage).
		WithTimeout(r.TimeoutFor(stage))

	if err := o.Publish(context.WithoutCancel(ctx), msg); err != nil {
		o.log.WithPipeline(r.ID, string(stage)).Warn("failed to emit stage start",
			"owner", owner, "attempt", attempt, "error", err)
		return
	}
	o.log.WithPipeline(r.ID, string(stage)).Debug("stage start emitted", "owner", owner, "attempt", attempt)
}

func (o *Orchestrator) stageFinished(r *domain.PipelineRun, stage domain.ProcessingStage, now time.Time) {
	rec, ok := r.Context.Stages[stage]
	if !ok {
		return
	}
	o.metrics.StageFinished(stage, rec.Status, rec.Duration(now))
}

// CompleteStage records a stage result, folds it into the run's accumulated
// results and starts the next stage. While paused the next stage is left
// pending until Resume.
func (o *Orchestrator) CompleteStage(ctx context.Context, pipelineID string, stage domain.ProcessingStage, results map[string]interface{}, metrics map[string]float64) error {
	return o.withRun(pipelineID, func(e *entry) error {
		r := e.run
		now := o.now()
		next, done, err := r.CompleteStage(stage, results, metrics, now)
		if err != nil {
			return err
		}
		o.stageFinished(r, stage, now)
		o.clearRetry(e)

		merged, err := domain.MergeResults(e.results, results)
		if err != nil {
			o.log.WithPipeline(r.ID, string(stage)).Warn("failed to merge stage results", "error", err)
		} else {
			e.results = merged
			r.Context.Metadata["results"] = merged
		}
		o.log.WithPipeline(r.ID, string(stage)).Info("stage completed",
			"duration", r.Context.Stages[stage].Duration(now), "progress", r.Progress())

		if done {
			o.finish(ctx, e, now)
			return nil
		}
		if r.State != domain.RunRunning {
			return nil
		}
		if err := r.BeginStage(next, now); err != nil {
			return err
		}
		return o.launch(ctx, e, next)
	})
}

// FailStage retries the stage while its budget lasts and rolls the run back
// once it is exhausted or the failure is permanent.
func (o *Orchestrator) FailStage(ctx context.Context, pipelineID string, stage domain.ProcessingStage, reason string, permanent bool) error {
	return o.withRun(pipelineID, func(e *entry) error {
		return o.failLocked(ctx, e, stage, reason, permanent)
	})
}

func (o *Orchestrator) failLocked(ctx context.Context, e *entry, stage domain.ProcessingStage, reason string, permanent bool) error {
	r := e.run
	now := o.now()
	retry, err := r.FailStage(stage, reason, permanent, now)
	if err != nil {
		return err
	}
	log := o.log.WithPipeline(r.ID, string(stage))

	if retry {
		rec := r.Context.Stages[stage]
		o.metrics.StageRetried(stage)
		log.Warn("stage failed, retrying", "attempt", rec.RetryCount, "max_retries", rec.MaxRetries, "reason", reason)
		if r.State == domain.RunRunning {
			o.scheduleRetry(ctx, e, stage, rec.RetryCount)
		}
		return nil
	}

	o.stageFinished(r, stage, now)
	log.Error("stage failed", "reason", reason, "permanent", permanent)
	return o.rollbackLocked(ctx, e, r.Error)
}

func (o *Orchestrator) retryDelay(attempt int) time.Duration {
	cfg := o.cfg()
	if cfg.RetryBackoff <= 0 || attempt < 1 {
		return 0
	}
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	delay := cfg.RetryBackoff << shift
	if cfg.MaxRetryBackoff > 0 && delay > cfg.MaxRetryBackoff {
		delay = cfg.MaxRetryBackoff
	}
	return delay
}

func (o *Orchestrator) scheduleRetry(ctx context.Context, e *entry, stage domain.ProcessingStage, attempt int) {
	delay := o.retryDelay(attempt)
	if delay <= 0 {
		o.emitStart(ctx, e, stage)
		return
	}

	pipelineID := e.run.ID
	e.retrying = stage
	err := o.After(retryTask(pipelineID), delay, func(tctx context.Context) error {
		_ = o.withRun(pipelineID, func(e *entry) error {
			r := e.run
			if e.retrying != stage || r.State != domain.RunRunning {
				return nil
			}
			e.retrying = ""
			if rec, ok := r.Context.Stages[stage]; ok && rec.Status == domain.StageRunning {
				rec.StartTime = o.now()
			}
			o.emitStart(tctx, e, stage)
			return nil
		})
		return nil
	})
	if err != nil {
		o.log.WithPipeline(pipelineID, string(stage)).Warn("retry backoff unavailable, retrying now", "error", err)
		e.retrying = ""
		o.emitStart(ctx, e, stage)
	}
}

func (o *Orchestrator) clearRetry(e *entry) {
	if e.retrying == "" {
		return
	}
	e.retrying = ""
	o.Runtime.Cancel(retryTask(e.run.ID))
}

// Rollback moves a live run to recovering and unwinds it. The run ends failed.
func (o *Orchestrator) Rollback(ctx context.Context, pipelineID, reason string) error {
	return o.withRun(pipelineID, func(e *entry) error {
		if reason == "" {
			reason = "rollback requested"
		}
		return o.rollbackLocked(ctx, e, reason)
	})
}

func (o *Orchestrator) rollbackLocked(ctx context.Context, e *entry, reason string) error {
	r := e.run
	now := o.now()
	if r.State != domain.RunRecovering {
		if err := r.BeginRollback(reason, now); err != nil {
			return err
		}
	}
	o.clearRetry(e)
	held := r.ResourcesHeld
	o.releaseLocked(r)
	o.notice(ctx, r, domain.KindPipelineRolledBack, reason, map[string]interface{}{
		"released":         held,
		"completed_stages": len(r.CompletedStages),
	})

	failed := r.CurrentStage()
	if err := r.FinishRollback(now); err != nil {
		return err
	}
	o.emit(ctx, r, domain.KindPipelineFailed, domain.FailedPayload{
		PipelineID: r.ID,
		Stage:      failed,
		Error:      r.Error,
		Permanent:  true,
	}, o.requester(r))
	o.finish(ctx, e, now)
	return nil
}

func (o *Orchestrator) Pause(ctx context.Context, pipelineID string) error {
	return o.withRun(pipelineID, func(e *entry) error {
		r := e.run
		if err := r.Pause(o.now()); err != nil {
			return err
		}
		// The pending retry is re-emitted by Resume.
		if e.retrying != "" {
			o.Runtime.Cancel(retryTask(r.ID))
		}
		o.notice(ctx, r, domain.KindPipelinePaused, "pipeline paused", map[string]interface{}{
			"stage": string(r.CurrentStage()),
		})
		return nil
	})
}

func (o *Orchestrator) Resume(ctx context.Context, pipelineID string) error {
	return o.withRun(pipelineID, func(e *entry) error {
		r := e.run
		pending, err := r.Resume(o.now())
		if err != nil {
			return err
		}
		o.notice(ctx, r, domain.KindPipelineResumed, "pipeline resumed", map[string]interface{}{
			"stage": string(r.CurrentStage()),
		})
		switch {
		case pending != "":
			e.retrying = ""
			return o.launch(ctx, e, pending)
		case e.retrying != "":
			stage := e.retrying
			e.retrying = ""
			o.emitStart(ctx, e, stage)
		}
		return nil
	})
}

func (o *Orchestrator) Cancel(ctx context.Context, pipelineID, reason string) error {
	return o.withRun(pipelineID, func(e *entry) error {
		r := e.run
		now := o.now()
		stage := r.CurrentStage()
		if err := r.Cancel(now); err != nil {
			return err
		}
		if reason == "" {
			reason = "cancelled"
		}
		r.Error = reason
		o.clearRetry(e)
		o.stageFinished(r, stage, now)
		o.releaseLocked(r)
		o.notice(ctx, r, domain.KindPipelineCancelled, reason, map[string]interface{}{
			"stage": string(stage),
		})
		o.finish(ctx, e, now)
		return nil
	})
}

// ReportProgress records stage progress (0..1) and forwards the run's overall
// progress to whoever started it.
func (o *Orchestrator) ReportProgress(ctx context.Context, pipelineID string, stage domain.ProcessingStage, progress float64) error {
	return o.withRun(pipelineID, func(e *entry) error {
		r := e.run
		if err := r.ReportProgress(stage, progress, o.now()); err != nil {
			return err
		}
		o.emit(ctx, r, domain.KindPipelineProgress, domain.ProgressPayload{
			PipelineID: r.ID,
			Stage:      stage,
			Progress:   r.Progress(),
			Scale:      1,
		}, o.requester(r))
		return nil
	})
}

// SweepTimeouts fails every running stage that has outlived its timeout and
// returns how many were found.
func (o *Orchestrator) SweepTimeouts(ctx context.Context) int {
	o.mu.RLock()
	live := make([]*entry, 0, len(o.runs))
	for _, e := range o.runs {
		if !e.done.Load() {
			live = append(live, e)
		}
	}
	o.mu.RUnlock()

	timedOut := 0
	for _, e := range live {
		e.mu.Lock()
		r := e.run
		stage, expired := r.TimedOut(o.now())
		if expired {
			timedOut++
			timeout := r.TimeoutFor(stage)
			o.notice(ctx, r, domain.KindStageTimeout, fmt.Sprintf("stage %s timed out", stage), map[string]interface{}{
				"stage":   string(stage),
				"timeout": timeout.String(),
			})
			if err := o.failLocked(ctx, e, stage, fmt.Sprintf("stage %s timed out after %s", stage, timeout), false); err != nil {
				o.log.WithPipeline(r.ID, string(stage)).Warn("failed to handle stage timeout", "error", err)
			}
		}
		e.mu.Unlock()
	}
	return timedOut
}

// finish closes out a terminal run: report, metrics, completion event and
// archival. The caller holds the entry lock.
func (o *Orchestrator) finish(ctx context.Context, e *entry, now time.Time) {
	r := e.run
	report := r.Report(now)
	e.report = &report
	e.done.Store(true)
	o.clearRetry(e)
	o.releaseLocked(r)

	o.metrics.PipelineFinished(r.State, report.TotalElapsed)
	o.log.LogPipelineEvent(string(r.State), r.ID, map[string]interface{}{
		"correlation_id": r.CorrelationID,
		"elapsed":        report.TotalElapsed.String(),
		"stages":         len(r.CompletedStages),
		"error":          r.Error,
	})

	if r.State == domain.RunCompleted {
		results := e.results
		if results == nil {
			results = map[string]interface{}{}
		}
		o.emit(ctx, r, domain.KindPipelineComplete, domain.CompletePayload{
			PipelineID: r.ID,
			Results:    results,
			Report:     report.ToMap(),
		}, o.requester(r))
	}

	o.archiveLocked(ctx, e, now)
}
