package managers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

type pendingDecision struct {
	parent   domain.ProcessingMessage
	subject  string
	options  []string
	review   bool
	deadline time.Time
}

// DecisionManager runs decision making and recommendation through its
// analyzer. User review is different: it parks the stage until someone
// answers the published decision.request or the decision timeout expires.
type DecisionManager struct {
	*StageManager

	mu      sync.Mutex
	pending map[string]*pendingDecision
}

func NewDecisionManager(analyzer ports.Analyzer, config domain.ManagersConfig, runtimeConfig domain.RuntimeConfig, deps Deps) *DecisionManager {
	return &DecisionManager{
		StageManager: newStageManager(domain.DecisionManager, domain.DomainDecision, []Family{
			stageFamily(domain.StageDecisionMaking),
			stageFamily(domain.StageRecommendation),
		}, analyzer, config, runtimeConfig, deps),
		pending: make(map[string]*pendingDecision),
	}
}

func (m *DecisionManager) Start(ctx context.Context) error {
	handlers := map[domain.MessageKind]ports.MessageHandler{
		domain.KindReviewStart:      m.handleReviewStart,
		domain.KindDecisionRequest:  m.handleRequest,
		domain.KindDecisionResponse: m.handleResponse,
	}
	for kind, h := range handlers {
		if err := m.RegisterHandler(kind, h); err != nil {
			return err
		}
	}
	return m.StageManager.Start(ctx)
}

func (m *DecisionManager) handleReviewStart(ctx context.Context, msg domain.ProcessingMessage) error {
	p, ok := msg.Payload.(domain.StartPayload)
	if !ok {
		return domain.NewValidationError("review start requires a StartPayload", domain.ErrInvalidInput,
			domain.WithComponent(m.Name()))
	}

	subject, _ := p.Config["subject"].(string)
	if subject == "" {
		subject = string(domain.StageUserReview)
	}
	options := stringList(p.Config["options"])
	reviewer, _ := p.Config["reviewer"].(string)
	if reviewer == "" {
		reviewer = domain.SystemTarget
	}

	if err := m.park(p.PipelineID, &pendingDecision{parent: msg, subject: subject, options: options, review: true}); err != nil {
		return err
	}

	req := domain.NewMessage(domain.KindDecisionRequest, domain.RequestPayload{
		PipelineID: p.PipelineID,
		Subject:    subject,
		Options:    options,
		Config:     p.Config,
	}, m.Identity(), reviewer).
		WithCorrelationID(msg.Metadata.CorrelationID).
		WithChainID(msg.Metadata.ChainID).
		WithStage(domain.StageUserReview)
	if err := m.Publish(ctx, req); err != nil {
		m.drop(p.PipelineID)
		return err
	}

	m.Logger().Info("awaiting decision", "pipeline_id", p.PipelineID, "subject", subject, "reviewer", reviewer)
	return nil
}

// handleRequest parks an external decision request. The answer goes back to
// the requester as decision.response.
func (m *DecisionManager) handleRequest(_ context.Context, msg domain.ProcessingMessage) error {
	p, ok := msg.Payload.(domain.RequestPayload)
	if !ok {
		return domain.NewValidationError("decision request requires a RequestPayload", domain.ErrInvalidInput,
			domain.WithComponent(m.Name()))
	}
	return m.park(p.PipelineID, &pendingDecision{parent: msg, subject: p.Subject, options: p.Options})
}

func (m *DecisionManager) handleResponse(ctx context.Context, msg domain.ProcessingMessage) error {
	p, ok := msg.Payload.(domain.ResponsePayload)
	if !ok {
		return domain.NewValidationError("decision response requires a ResponsePayload", domain.ErrInvalidInput,
			domain.WithComponent(m.Name()))
	}
	decidedBy := msg.Metadata.SourceComponent
	return m.Decide(ctx, p.PipelineID, p.Status, decidedBy, p.Values)
}

// Decide resolves the pending decision for a pipeline. choice must be one of
// the offered options when options were given.
func (m *DecisionManager) Decide(ctx context.Context, pipelineID, choice, decidedBy string, values map[string]interface{}) error {
	m.mu.Lock()
	d, ok := m.pending[pipelineID]
	if ok && len(d.options) > 0 && !contains(d.options, choice) {
		m.mu.Unlock()
		return domain.NewValidationError(fmt.Sprintf("%q is not one of %v", choice, d.options), domain.ErrInvalidInput,
			domain.WithComponent(m.Name()), domain.WithPipelineID(pipelineID))
	}
	if ok {
		delete(m.pending, pipelineID)
	}
	m.mu.Unlock()

	if !ok {
		return domain.NewNotFoundError(fmt.Sprintf("no pending decision for %s", pipelineID), domain.ErrNotFound,
			domain.WithComponent(m.Name()), domain.WithPipelineID(pipelineID))
	}
	m.Runtime.Cancel(decisionTask(pipelineID))

	outcome := copySettings(values)
	outcome["decision"] = choice
	outcome["subject"] = d.subject
	if decidedBy != "" {
		outcome["decided_by"] = decidedBy
	}
	m.Logger().Info("decision recorded", "pipeline_id", pipelineID, "decision", choice)

	if d.review {
		return m.Reply(ctx, d.parent, domain.KindReviewComplete, domain.CompletePayload{
			PipelineID: pipelineID,
			Stage:      domain.StageUserReview,
			Results:    outcome,
		})
	}
	return m.Reply(ctx, d.parent, domain.KindDecisionResponse, domain.ResponsePayload{
		PipelineID: pipelineID,
		Status:     "decided",
		Values:     outcome,
	})
}

// Pending lists the pipelines waiting on a decision.
func (m *DecisionManager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func decisionTask(pipelineID string) string {
	return "decision:" + pipelineID
}

// park records d, replacing any earlier decision for the pipeline, and arms
// the timeout.
func (m *DecisionManager) park(pipelineID string, d *pendingDecision) error {
	if pipelineID == "" {
		return domain.NewValidationError("decision requires a pipeline id", domain.ErrInvalidInput,
			domain.WithComponent(m.Name()))
	}
	timeout := m.cfg().DecisionTimeout
	d.deadline = deadline(m.Now(), timeout)

	m.mu.Lock()
	m.pending[pipelineID] = d
	m.mu.Unlock()

	if timeout <= 0 {
		return nil
	}
	return m.After(decisionTask(pipelineID), timeout, func(ctx context.Context) error {
		m.expire(ctx, pipelineID, d)
		return nil
	})
}

func (m *DecisionManager) drop(pipelineID string) {
	m.mu.Lock()
	delete(m.pending, pipelineID)
	m.mu.Unlock()
	m.Runtime.Cancel(decisionTask(pipelineID))
}

func (m *DecisionManager) expire(ctx context.Context, pipelineID string, d *pendingDecision) {
	m.mu.Lock()
	if m.pending[pipelineID] != d {
		m.mu.Unlock()
		return
	}
	delete(m.pending, pipelineID)
	m.mu.Unlock()

	m.Logger().Warn("decision timed out", "pipeline_id", pipelineID, "subject", d.subject)
	notice := domain.NoticePayload{
		PipelineID: pipelineID,
		Component:  m.Name(),
		Message:    "decision timed out",
		Details:    map[string]interface{}{"subject": d.subject},
	}
	if err := m.Reply(ctx, d.parent, domain.KindDecisionTimeout, notice); err != nil {
		m.Logger().Debug("failed to publish decision timeout", "pipeline_id", pipelineID, "error", err)
	}
	if !d.review {
		return
	}
	err := domain.NewTimeoutError(fmt.Sprintf("no decision on %s", d.subject), domain.ErrRequestTimeout,
		domain.WithComponent(m.Name()), domain.WithPipelineID(pipelineID))
	if err := m.replyFailed(ctx, d.parent, stageFamily(domain.StageUserReview), pipelineID, domain.StageUserReview, err); err != nil {
		m.Logger().Debug("failed to publish review failure", "pipeline_id", pipelineID, "error", err)
	}
}

func stringList(v interface{}) []string {
	switch tv := v.(type) {
	case []string:
		return append([]string(nil), tv...)
	case []interface{}:
		out := make([]string, 0, len(tv))
		for _, item := range tv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
