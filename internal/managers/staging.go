package managers

import (
	"context"
	"fmt"

	"github.com/eleven-am/conduit/internal/adapters/runtime"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

// downstreamReaders are granted read access to received input by default.
var downstreamReaders = []string{
	domain.QualityManager,
	domain.InsightManager,
	domain.AnalyticsManager,
	domain.DecisionManager,
	domain.ReportManager,
}

// StagingManager owns the reception stage and answers the staging verbs on
// behalf of the store.
type StagingManager struct {
	*runtime.Runtime
	store ports.StagingStore
}

func NewStagingManager(store ports.StagingStore, runtimeConfig domain.RuntimeConfig, deps Deps) *StagingManager {
	identity := domain.NewRoutingIdentity(domain.StagingManager, domain.ComponentManager, domain.DomainStaging)
	return &StagingManager{
		Runtime: deps.runtime(identity, runtimeConfig),
		store:   store,
	}
}

func (m *StagingManager) Start(ctx context.Context) error {
	if m.store == nil {
		return domain.NewConfigurationError("staging manager requires a store", domain.ErrInvalidConfig,
			domain.WithComponent(m.Name()))
	}
	handlers := map[domain.MessageKind]ports.MessageHandler{
		domain.KindReceptionStart:         m.handleReception,
		domain.KindStagingStoreRequest:    m.handleStore,
		domain.KindStagingRetrieveRequest: m.handleRetrieve,
		domain.KindStagingDeleteRequest:   m.handleDelete,
		domain.KindStagingAccessGrant:     m.handleAccess,
		domain.KindStagingAccessDeny:      m.handleAccess,
		domain.KindStagingConfigUpdate:    m.handleConfig,
	}
	for kind, h := range handlers {
		if err := m.RegisterHandler(kind, h); err != nil {
			return err
		}
	}
	return m.Runtime.Start(ctx)
}

// handleReception stages the pipeline input, or checks a reference staged
// earlier, and grants the downstream managers read access.
func (m *StagingManager) handleReception(ctx context.Context, msg domain.ProcessingMessage) error {
	p, ok := msg.Payload.(domain.StartPayload)
	if !ok {
		return domain.NewValidationError("reception requires a StartPayload", domain.ErrInvalidInput,
			domain.WithComponent(m.Name()))
	}
	family := stageFamily(domain.StageReception)

	results, err := m.receive(ctx, p)
	if err != nil {
		m.Logger().Warn("reception failed", "pipeline_id", p.PipelineID, "error", err)
		return m.Reply(context.WithoutCancel(ctx), msg, family.Kinds.Failed, domain.FailedPayload{
			PipelineID: p.PipelineID,
			Stage:      domain.StageReception,
			Error:      err.Error(),
			Permanent:  permanent(err),
			Category:   domain.GetErrorCategory(err).String(),
		})
	}
	return m.Reply(ctx, msg, family.Kinds.Complete, domain.CompletePayload{
		PipelineID: p.PipelineID,
		Stage:      domain.StageReception,
		Results:    results,
	})
}

func (m *StagingManager) receive(ctx context.Context, p domain.StartPayload) (map[string]interface{}, error) {
	if ref, ok := p.Config["input_reference"].(string); ok && ref != "" {
		obj, err := m.store.Retrieve(ctx, ref, m.Name())
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"input_reference": ref,
			"input_bytes":     obj.Size,
			"source_type":     obj.SourceType,
		}, nil
	}

	var data []byte
	switch v := p.Config["data"].(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}
	if len(data) == 0 {
		return nil, domain.NewValidationError("reception needs data or an input_reference", domain.ErrInvalidInput,
			domain.WithComponent(m.Name()), domain.WithPipelineID(p.PipelineID), domain.WithStage(domain.StageReception))
	}

	sourceType, _ := p.Config["source_type"].(string)
	metadata, _ := p.Config["metadata"].(map[string]interface{})
	ref, err := m.store.Store(ctx, ports.StagedObject{
		PipelineID: p.PipelineID,
		Owner:      m.Name(),
		SourceType: sourceType,
		Data:       data,
		Metadata:   metadata,
	})
	if err != nil {
		if domain.GetDenialReason(err) == domain.DenialQuota {
			m.quotaExceeded(ctx, p.PipelineID, int64(len(data)), err)
		}
		return nil, err
	}

	readers := stringList(p.Config["grants"])
	if readers == nil {
		readers = downstreamReaders
	}
	for _, reader := range readers {
		if err := m.store.Grant(ctx, ref, m.Name(), reader); err != nil {
			return nil, err
		}
	}

	m.Logger().Info("input staged", "pipeline_id", p.PipelineID, "reference", ref, "bytes", len(data))
	return map[string]interface{}{
		"input_reference": ref,
		"input_bytes":     int64(len(data)),
		"source_type":     sourceType,
	}, nil
}

func (m *StagingManager) handleStore(ctx context.Context, msg domain.ProcessingMessage) error {
	p, err := stagingPayload(msg)
	if err != nil {
		return err
	}
	ref, err := m.store.Store(ctx, ports.StagedObject{
		PipelineID: p.PipelineID,
		Owner:      requesterOf(msg, p),
		SourceType: p.SourceType,
		Data:       p.Data,
		Metadata:   p.Metadata,
	})
	if domain.GetDenialReason(err) == domain.DenialQuota {
		m.quotaExceeded(ctx, p.PipelineID, int64(len(p.Data)), err)
	}
	resp := response(p.PipelineID, "stored", err)
	resp.Reference = ref
	if err == nil {
		resp.Metadata = map[string]interface{}{"size": int64(len(p.Data))}
	}
	return m.Reply(ctx, msg, domain.KindStagingStoreResponse, resp)
}

func (m *StagingManager) handleRetrieve(ctx context.Context, msg domain.ProcessingMessage) error {
	p, err := stagingPayload(msg)
	if err != nil {
		return err
	}
	obj, err := m.store.Retrieve(ctx, p.Reference, p.Requester)
	resp := response(p.PipelineID, "ok", err)
	resp.Reference = p.Reference
	if err == nil {
		resp.PipelineID = obj.PipelineID
		resp.Data = obj.Data
		resp.Metadata = obj.Metadata
	}
	return m.Reply(ctx, msg, domain.KindStagingRetrieveResp, resp)
}

func (m *StagingManager) handleDelete(ctx context.Context, msg domain.ProcessingMessage) error {
	p, err := stagingPayload(msg)
	if err != nil {
		return err
	}
	err = m.store.Delete(ctx, p.Reference, requesterOf(msg, p))
	resp := response(p.PipelineID, "deleted", err)
	resp.Reference = p.Reference
	return m.Reply(ctx, msg, domain.KindStagingDeleteResponse, resp)
}

func (m *StagingManager) handleAccess(ctx context.Context, msg domain.ProcessingMessage) error {
	p, err := stagingPayload(msg)
	if err != nil {
		return err
	}
	owner := requesterOf(msg, p)

	kind, status := domain.KindStagingAccessGranted, "granted"
	if msg.Kind == domain.KindStagingAccessDeny {
		kind, status = domain.KindStagingAccessDenied, "revoked"
		err = m.store.Deny(ctx, p.Reference, owner, p.Grantee)
	} else {
		err = m.store.Grant(ctx, p.Reference, owner, p.Grantee)
	}

	resp := response(p.PipelineID, status, err)
	resp.Reference = p.Reference
	resp.Metadata = map[string]interface{}{"grantee": p.Grantee}
	return m.Reply(ctx, msg, kind, resp)
}

func (m *StagingManager) handleConfig(_ context.Context, msg domain.ProcessingMessage) error {
	p, ok := msg.Payload.(domain.ConfigUpdatePayload)
	if !ok {
		return domain.NewValidationError("config update requires a ConfigUpdatePayload", domain.ErrInvalidInput,
			domain.WithComponent(m.Name()))
	}
	if err := m.store.UpdateConfig(p.Settings); err != nil {
		return err
	}
	m.Logger().Info("staging config updated", "keys", len(p.Settings))
	return nil
}

func (m *StagingManager) quotaExceeded(ctx context.Context, pipelineID string, requested int64, cause error) {
	usage := m.store.Usage()
	alert := domain.AlertPayload{
		PipelineID: pipelineID,
		Component:  m.Name(),
		Severity:   domain.PressureWarning,
		Value:      float64(usage.BytesUsed + requested),
		Threshold:  float64(usage.QuotaBytes),
		Message:    cause.Error(),
	}
	if _, err := m.Emit(context.WithoutCancel(ctx), domain.KindStagingQuotaExceeded, alert, domain.SystemTarget); err != nil {
		m.Logger().Debug("failed to publish quota alert", "error", err)
	}
}

func stagingPayload(msg domain.ProcessingMessage) (domain.StagingPayload, error) {
	p, ok := msg.Payload.(domain.StagingPayload)
	if !ok {
		return p, domain.NewValidationError(fmt.Sprintf("%s requires a StagingPayload", msg.Kind), domain.ErrInvalidInput,
			domain.WithComponent(domain.StagingManager), domain.WithMessageID(msg.MessageID))
	}
	return p, nil
}

// requesterOf defaults the acting owner to the sending component.
func requesterOf(msg domain.ProcessingMessage, p domain.StagingPayload) string {
	if p.Requester != "" {
		return p.Requester
	}
	return msg.Metadata.SourceComponent
}

func response(pipelineID, success string, err error) domain.ResponsePayload {
	resp := domain.ResponsePayload{PipelineID: pipelineID, Status: success}
	if err == nil {
		return resp
	}
	resp.Error = err.Error()
	switch {
	case domain.IsPolicyDenial(err):
		resp.Status = "denied"
	case domain.IsNotFound(err):
		resp.Status = "not_found"
	case domain.IsValidationError(err):
		resp.Status = "invalid"
	default:
		resp.Status = "error"
	}
	return resp
}
