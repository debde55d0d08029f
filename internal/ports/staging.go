package ports

import (
	"context"
	"time"
)

type StagedObject struct {
	Reference  string                 `json:"reference"`
	PipelineID string                 `json:"pipeline_id,omitempty"`
	Owner      string                 `json:"owner"`
	SourceType string                 `json:"source_type,omitempty"`
	Size       int64                  `json:"size"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Grants     []string               `json:"grants,omitempty"`
	Denied     []string               `json:"denied,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	Data       []byte                 `json:"-"`
}

type StagingUsage struct {
	Objects    int   `json:"objects"`
	BytesUsed  int64 `json:"bytes_used"`
	QuotaBytes int64 `json:"quota_bytes"`
}

// StagingStore keeps payload blobs referenced by pipeline contexts. Access is
// checked against the owner and the grant list on every read.
type StagingStore interface {
	Store(ctx context.Context, obj StagedObject) (string, error)
	Retrieve(ctx context.Context, reference, requester string) (StagedObject, error)
	Delete(ctx context.Context, reference, requester string) error
	Grant(ctx context.Context, reference, owner, grantee string) error
	Deny(ctx context.Context, reference, owner, grantee string) error
	ListByPipeline(ctx context.Context, pipelineID string) ([]StagedObject, error)
	Usage() StagingUsage
	UpdateConfig(settings map[string]interface{}) error
	Close() error
}
