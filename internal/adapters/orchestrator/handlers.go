package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

func (o *Orchestrator) registerHandlers() error {
	handlers := map[domain.MessageKind]ports.MessageHandler{
		domain.KindPipelineStart:         o.handleStart,
		domain.KindStageComplete:         o.handleComplete,
		domain.KindStageFailed:           o.handleFailed,
		domain.KindStageProgress:         o.handleProgress,
		domain.KindPipelinePause:         o.handleCommand,
		domain.KindPipelineResume:        o.handleCommand,
		domain.KindPipelineCancel:        o.handleCommand,
		domain.KindPipelineRollback:      o.handleCommand,
		domain.KindPipelineStatusRequest: o.handleStatus,
		domain.KindPipelineConfigUpdate:  o.handleConfigUpdate,
	}
	for _, stage := range domain.DefaultStageOrder {
		if domain.StageOwner(stage) == domain.OrchestratorComponent {
			continue
		}
		kinds, ok := domain.KindsForStage(stage)
		if !ok {
			continue
		}
		handlers[kinds.Complete] = o.handleComplete
		handlers[kinds.Failed] = o.handleFailed
		handlers[kinds.Progress] = o.handleProgress
	}

	for kind, h := range handlers {
		if err := o.RegisterHandler(kind, h); err != nil {
			return err
		}
	}
	return nil
}

func stageOf(msg domain.ProcessingMessage, stage domain.ProcessingStage) (domain.ProcessingStage, error) {
	if stage != "" {
		return stage, nil
	}
	if msg.Metadata.ProcessingStage != "" {
		return msg.Metadata.ProcessingStage, nil
	}
	if s, ok := domain.StageForKind(msg.Kind); ok {
		return s, nil
	}
	return "", domain.NewValidationError(fmt.Sprintf("%s does not name a stage", msg.Kind), domain.ErrUnknownStage,
		domain.WithMessageID(msg.MessageID), domain.WithPipelineID(msg.PipelineID()))
}

// stray reports whether a stage event refers to a run that is unknown or
// already finished. Late results after a cancel or rollback are expected and
// dropped.
func (o *Orchestrator) stray(msg domain.ProcessingMessage) bool {
	id := msg.PipelineID()
	e, err := o.lookup(id)
	if err == nil && !e.done.Load() {
		return false
	}
	o.log.Debug("dropping message for inactive pipeline",
		"pipeline_id", id, "message_kind", string(msg.Kind), "source", msg.Metadata.SourceComponent)
	return true
}

func (o *Orchestrator) handleStart(ctx context.Context, msg domain.ProcessingMessage) error {
	p, ok := msg.Payload.(domain.StartPayload)
	if !ok {
		return payloadError(msg)
	}

	req := ports.StartRequest{
		PipelineID:    p.PipelineID,
		CorrelationID: msg.Metadata.CorrelationID,
		Config:        p.Config,
		Requester:     msg.Metadata.SourceComponent,
		Priority:      msg.Metadata.Priority,
	}
	if raw, ok := p.Config["stage_order"]; ok {
		order, err := parseOrder(raw)
		if err != nil {
			return err
		}
		req.Order = order
	}
	if raw, ok := p.Config["resources"].(map[string]interface{}); ok {
		if err := domain.ApplySettings(&req.Resources, raw); err != nil {
			return err
		}
	}

	_, err := o.StartPipeline(ctx, req)
	return err
}

func parseOrder(raw interface{}) ([]domain.ProcessingStage, error) {
	var names []string
	switch v := raw.(type) {
	case []string:
		names = v
	case []interface{}:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, domain.NewValidationError("stage_order must be a list of stage names", domain.ErrInvalidInput)
			}
			names = append(names, s)
		}
	case []domain.ProcessingStage:
		return v, nil
	default:
		return nil, domain.NewValidationError("stage_order must be a list of stage names", domain.ErrInvalidInput)
	}

	order := make([]domain.ProcessingStage, 0, len(names))
	for _, n := range names {
		s, err := domain.ParseStage(n)
		if err != nil {
			return nil, err
		}
		order = append(order, s)
	}
	return order, nil
}

func (o *Orchestrator) handleComplete(ctx context.Context, msg domain.ProcessingMessage) error {
	p, ok := msg.Payload.(domain.CompletePayload)
	if !ok {
		return payloadError(msg)
	}
	if o.stray(msg) {
		return nil
	}
	stage, err := stageOf(msg, p.Stage)
	if err != nil {
		return err
	}
	return o.CompleteStage(ctx, p.PipelineID, stage, p.Data(), p.Metrics)
}

func (o *Orchestrator) handleFailed(ctx context.Context, msg domain.ProcessingMessage) error {
	p, ok := msg.Payload.(domain.FailedPayload)
	if !ok {
		return payloadError(msg)
	}
	if o.stray(msg) {
		return nil
	}
	stage, err := stageOf(msg, p.Stage)
	if err != nil {
		return err
	}
	return o.FailStage(ctx, p.PipelineID, stage, p.Error, p.Permanent)
}

func (o *Orchestrator) handleProgress(ctx context.Context, msg domain.ProcessingMessage) error {
	p, ok := msg.Payload.(domain.ProgressPayload)
	if !ok {
		return payloadError(msg)
	}
	if o.stray(msg) {
		return nil
	}
	stage, err := stageOf(msg, p.Stage)
	if err != nil {
		return err
	}
	err = o.ReportProgress(ctx, p.PipelineID, stage, p.Fraction())
	// Progress racing a retry or a completion is not worth an error event.
	if errors.Is(err, domain.ErrInvalidState) {
		o.log.Debug("ignoring progress for inactive stage", "pipeline_id", p.PipelineID, "stage", string(stage))
		return nil
	}
	return err
}

func (o *Orchestrator) handleCommand(ctx context.Context, msg domain.ProcessingMessage) error {
	p, ok := msg.Payload.(domain.CommandPayload)
	if !ok {
		return payloadError(msg)
	}
	switch msg.Kind {
	case domain.KindPipelinePause:
		return o.Pause(ctx, p.PipelineID)
	case domain.KindPipelineResume:
		return o.Resume(ctx, p.PipelineID)
	case domain.KindPipelineCancel:
		return o.Cancel(ctx, p.PipelineID, p.Reason)
	case domain.KindPipelineRollback:
		return o.Rollback(ctx, p.PipelineID, p.Reason)
	}
	return payloadError(msg)
}

func (o *Orchestrator) handleStatus(ctx context.Context, msg domain.ProcessingMessage) error {
	p, ok := msg.Payload.(domain.CommandPayload)
	if !ok {
		return payloadError(msg)
	}

	response := domain.ResponsePayload{PipelineID: p.PipelineID}
	report, err := o.Report(p.PipelineID)
	switch {
	case err != nil:
		response.Status = "not_found"
		response.Error = err.Error()
	default:
		response.Status = string(report.State)
		response.Values = report.ToMap()
		if pc, err := o.PipelineStatus(p.PipelineID); err == nil {
			response.Metadata = map[string]interface{}{
				"status":        string(pc.Status),
				"current_stage": string(pc.CurrentStage),
			}
		}
	}
	return o.Reply(ctx, msg, domain.KindPipelineStatus, response)
}

func (o *Orchestrator) handleConfigUpdate(ctx context.Context, msg domain.ProcessingMessage) error {
	p, ok := msg.Payload.(domain.ConfigUpdatePayload)
	if !ok {
		return payloadError(msg)
	}
	return o.UpdateConfig(p.Settings)
}

func payloadError(msg domain.ProcessingMessage) error {
	return domain.NewValidationError(fmt.Sprintf("%s carries an unexpected payload", msg.Kind), domain.ErrInvalidInput,
		domain.WithMessageID(msg.MessageID), domain.WithComponent("orchestrator"))
}
