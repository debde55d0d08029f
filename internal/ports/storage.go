package ports

import (
	"context"
	"time"
)

// ArchiveStore keeps finished run records. Entries written with a ttl expire
// on their own once the retention period has passed.
type ArchiveStore interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}
