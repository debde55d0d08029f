package runtime

import (
	"context"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

// Dispatch is the single boundary where handler failures become messages. It
// always returns nil so nothing propagates back into the broker.
func (r *Runtime) Dispatch(ctx context.Context, msg domain.ProcessingMessage) error {
	r.mu.RLock()
	state := r.state
	entry, ok := r.handlers[msg.Kind]
	var handler ports.MessageHandler
	if ok {
		handler = entry.handler
	}
	r.mu.RUnlock()

	if !state.Accepting() {
		r.logger.Debug("discarding message, manager not accepting",
			"state", state, "kind", msg.Kind, "message_id", msg.MessageID)
		return nil
	}
	if handler == nil {
		r.logger.Debug("no handler registered", "kind", msg.Kind, "message_id", msg.MessageID)
		return nil
	}

	if reason, denied := r.refuse(state, msg); denied {
		r.deny(ctx, msg, reason)
		return nil
	}

	if pipelineID := msg.PipelineID(); pipelineID != "" {
		unlock := r.locks.lock(pipelineID)
		defer unlock()
	}

	r.beginProcessing()
	defer r.endProcessing()

	var span ports.Span
	if r.tracer != nil {
		ctx, span = r.tracer.StartDispatch(ctx, r.Name(), msg)
		defer span.Finish()
	}

	start := r.now()
	err := r.safeCall(ctx, handler, msg)
	if err != nil && span != nil {
		span.SetError(err)
	}
	r.record(ctx, msg, start, err)
	return nil
}

// refuse applies the admission rules for new work: start-phase messages are
// denied while in backpressure or once the admission limiter runs dry.
func (r *Runtime) refuse(state domain.ManagerState, msg domain.ProcessingMessage) (domain.DenialReason, bool) {
	if !msg.Kind.IsStartPhase() {
		return domain.DenialNone, false
	}
	if state == domain.ManagerBackpressure {
		return domain.DenialBackpressure, true
	}
	if r.limiter == nil {
		return domain.DenialNone, false
	}

	name := r.Name()
	if !r.limiter.Limited(name) && r.config.AdmissionRate > 0 {
		burst := r.config.AdmissionBurst
		if burst <= 0 {
			burst = int(r.config.AdmissionRate)
		}
		r.limiter.SetLimit(name, r.config.AdmissionRate, burst)
	}
	if r.limiter.Limited(name) && !r.limiter.Allow(name) {
		return domain.DenialRateLimited, true
	}
	return domain.DenialNone, false
}

func (r *Runtime) deny(ctx context.Context, msg domain.ProcessingMessage, reason domain.DenialReason) {
	r.mu.Lock()
	r.stats.MessagesDenied++
	r.mu.Unlock()

	err := domain.NewPolicyDenial(reason, "manager refused new work: "+string(reason),
		domain.WithComponent(r.Name()), domain.WithMessageID(msg.MessageID), domain.WithPipelineID(msg.PipelineID()))

	r.logger.Info("refused start message",
		"kind", msg.Kind, "pipeline_id", msg.PipelineID(), "reason", reason)
	r.publishError(ctx, msg, err)
	r.replyDenied(ctx, msg, err)
}

// replyDenied answers a refused start with its family's failed kind, marked
// permanent. Denials are never retried automatically.
func (r *Runtime) replyDenied(ctx context.Context, msg domain.ProcessingMessage, err error) {
	failed, ok := domain.FailedKindFor(msg.Kind)
	if !ok {
		return
	}
	stage, _ := domain.StageForKind(msg.Kind)
	if p, ok := msg.Payload.(domain.StartPayload); ok && p.Stage != "" {
		stage = p.Stage
	}

	payload := domain.FailedPayload{
		PipelineID: msg.PipelineID(),
		Stage:      stage,
		Error:      err.Error(),
		Permanent:  true,
		Category:   domain.CategoryPolicy.String(),
	}
	if perr := r.Reply(context.WithoutCancel(ctx), msg, failed, payload); perr != nil {
		r.logger.Warn("failed to reply to refused start", "kind", msg.Kind, "error", perr)
	}
}

func (r *Runtime) beginProcessing() {
	r.mu.Lock()
	r.inFlight++
	first := r.inFlight == 1 && r.state == domain.ManagerActive
	if first {
		r.state = domain.ManagerProcessing
	}
	r.mu.Unlock()

	if first {
		r.metrics.ManagerState(r.Name(), domain.ManagerProcessing)
	}
}

// endProcessing restores active once nothing is in flight. Backpressure and
// error states set meanwhile are left alone.
func (r *Runtime) endProcessing() {
	r.mu.Lock()
	r.inFlight--
	restored := r.inFlight == 0 && r.state == domain.ManagerProcessing
	if restored {
		r.state = domain.ManagerActive
	}
	r.mu.Unlock()

	if restored {
		r.metrics.ManagerState(r.Name(), domain.ManagerActive)
	}
}

func (r *Runtime) safeCall(ctx context.Context, handler ports.MessageHandler, msg domain.ProcessingMessage) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = domain.NewPanicError(r.Name(), rec)
		}
	}()
	if err := handler(ctx, msg); err != nil {
		if domain.IsDomainError(err) {
			return err
		}
		return domain.NewFatalError("handler failed", err,
			domain.WithComponent(r.Name()), domain.WithMessageID(msg.MessageID))
	}
	return nil
}

func (r *Runtime) record(ctx context.Context, msg domain.ProcessingMessage, start time.Time, err error) {
	d := r.now().Sub(start)

	r.mu.Lock()
	r.stats.Record(d, err != nil, r.now())
	r.mu.Unlock()

	r.metrics.HandlerDuration(r.Name(), msg.Kind, d, err)

	if err == nil {
		return
	}

	args := append([]any{"kind", msg.Kind, "message_id", msg.MessageID, "pipeline_id", msg.PipelineID()},
		domain.ErrorLogAttrs(err)...)
	r.logger.Error("handler failed", args...)
	r.publishError(ctx, msg, err)
}

// publishError reports a failed or refused message to the system target with
// the original content attached.
func (r *Runtime) publishError(ctx context.Context, msg domain.ProcessingMessage, err error) {
	payload := domain.ErrorPayload{
		PipelineID:        msg.PipelineID(),
		Component:         r.Name(),
		Error:             err.Error(),
		Category:          domain.GetErrorCategory(err).String(),
		OriginalKind:      msg.Kind,
		OriginalMessageID: msg.MessageID,
		OriginalContent:   msg.Payload,
	}
	if domain.IsPolicyDenial(err) {
		payload.Denied = true
		payload.DenialReason = domain.GetDenialReason(err)
	}

	out := domain.NewMessage(domain.KindComponentError, payload, r.identity, domain.SystemTarget).
		WithCorrelationID(msg.Metadata.CorrelationID).
		WithChainID(msg.Metadata.ChainID)

	if perr := r.Publish(context.WithoutCancel(ctx), out); perr != nil {
		r.logger.Warn("failed to publish component error", "kind", msg.Kind, "error", perr)
	}
}
