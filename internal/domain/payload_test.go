package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(kind MessageKind, payload Payload) ProcessingMessage {
	src := NewRoutingIdentity("tester", ComponentService, "test")
	return NewMessage(kind, payload, src, OrchestratorComponent)
}

func TestValidateMessage(t *testing.T) {
	cfg := map[string]interface{}{"k": "v"}

	tests := []struct {
		name    string
		msg     ProcessingMessage
		wantErr bool
	}{
		{"valid start", testMessage(KindPipelineStart, StartPayload{PipelineID: "P1", Config: cfg}), false},
		{"start without config", testMessage(KindPipelineStart, StartPayload{PipelineID: "P1"}), true},
		{"start without pipeline", testMessage(KindQualityCheckStart, StartPayload{Config: cfg}), true},
		{"wrong payload type", testMessage(KindPipelineStart, FailedPayload{PipelineID: "P1", Error: "x"}), true},
		{"pointer payload accepted", testMessage(KindPipelineStart, &StartPayload{PipelineID: "P1", Config: cfg}), false},
		{"nil payload", testMessage(KindPipelineStart, nil), true},
		{"unknown kind", testMessage("quality.nonsense", StartPayload{PipelineID: "P1", Config: cfg}), true},
		{"progress ok", testMessage(KindInsightProgress, ProgressPayload{PipelineID: "P1", Stage: StageInsightGeneration, Progress: 0.5}), false},
		{"progress percent", testMessage(KindInsightProgress, ProgressPayload{PipelineID: "P1", Stage: StageInsightGeneration, Progress: 55, Scale: 100}), false},
		{"progress bad stage", testMessage(KindInsightProgress, ProgressPayload{PipelineID: "P1", Stage: "nope", Progress: 0.5}), true},
		{"progress out of range", testMessage(KindInsightProgress, ProgressPayload{PipelineID: "P1", Stage: StageInsightGeneration, Progress: 101}), true},
		{"complete with results", testMessage(KindReportComplete, CompletePayload{PipelineID: "P1", Results: cfg}), false},
		{"complete with report", testMessage(KindReportComplete, CompletePayload{PipelineID: "P1", Report: cfg}), false},
		{"complete without data", testMessage(KindReportComplete, CompletePayload{PipelineID: "P1"}), true},
		{"failed without error", testMessage(KindReportFailed, FailedPayload{PipelineID: "P1"}), true},
		{"error payload", testMessage(KindComponentError, ErrorPayload{Component: "x", Error: "boom"}), false},
		{"cancel without pipeline", testMessage(KindPipelineCancel, CommandPayload{}), true},
		{"cancel ok", testMessage(KindPipelineCancel, CommandPayload{PipelineID: "P1"}), false},
		{"empty config update", testMessage(KindPipelineConfigUpdate, ConfigUpdatePayload{Settings: map[string]interface{}{}}), true},
		{"alert bad severity", testMessage(KindPressureAlert, AlertPayload{Component: "c", Severity: "meh"}), true},
		{"store without data", testMessage(KindStagingStoreRequest, StagingPayload{PipelineID: "P1"}), true},
		{"store ok", testMessage(KindStagingStoreRequest, StagingPayload{PipelineID: "P1", Data: []byte("x")}), false},
		{"retrieve without requester", testMessage(KindStagingRetrieveRequest, StagingPayload{Reference: "r"}), true},
		{"grant ok", testMessage(KindStagingAccessGrant, StagingPayload{Reference: "r", Grantee: "g"}), false},
		{"resource negative", testMessage(KindResourceReserve, ResourcePayload{Resources: ResourceRequest{CPU: -1}}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.msg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidationError(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateMessage_RequiresTargetUnlessBroadcast(t *testing.T) {
	msg := testMessage(KindComponentHealth, NoticePayload{Component: "c"})
	msg.Metadata.TargetComponent = ""
	assert.Error(t, ValidateMessage(msg))

	msg.Metadata.Broadcast = true
	assert.NoError(t, ValidateMessage(msg))
}

func TestProgressPayload_Fraction(t *testing.T) {
	assert.InDelta(t, 0.5, ProgressPayload{Progress: 0.5}.Fraction(), 1e-9)
	assert.InDelta(t, 0.55, ProgressPayload{Progress: 55, Scale: 100}.Fraction(), 1e-9)
	assert.InDelta(t, 1.0, ProgressPayload{Progress: 3}.Fraction(), 1e-9)
}

func TestCompletePayload_Data(t *testing.T) {
	r := map[string]interface{}{"a": 1}
	assert.Equal(t, r, CompletePayload{Report: r}.Data())
	assert.Equal(t, r, CompletePayload{Results: r, Report: map[string]interface{}{}}.Data())
}

func TestResourceRequestFromMap(t *testing.T) {
	req := ResourceRequestFromMap(map[string]interface{}{"cpu": 2, "memory_gb": 4.5, "gpu": "lots"})
	assert.Equal(t, ResourceRequest{CPU: 2, MemoryGB: 4.5}, req)
	assert.NoError(t, req.Validate())
	assert.Error(t, ResourceRequest{CPU: -1}.Validate())
}
