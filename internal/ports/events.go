package ports

import (
	"context"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
)

// MessageHandler processes one delivered envelope. Returning an error never
// reaches the publisher; the broker logs it and counts a failed delivery.
type MessageHandler func(ctx context.Context, msg domain.ProcessingMessage) error

type Broker interface {
	Start(ctx context.Context) error
	Stop() error

	// Subscribe registers handler for pattern under identity. Re-subscribing
	// the same (identity, pattern) pair replaces the handler.
	Subscribe(identity domain.RoutingIdentity, pattern string, handler MessageHandler) error
	Unsubscribe(identity domain.RoutingIdentity, pattern string) error
	UnsubscribeAll(identity domain.RoutingIdentity) int

	Publish(ctx context.Context, msg domain.ProcessingMessage) error
	Broadcast(ctx context.Context, msg domain.ProcessingMessage) error
	// Request publishes msg and waits for the first message carrying the same
	// correlation id back to msg's source. timeout is mandatory.
	Request(ctx context.Context, msg domain.ProcessingMessage, timeout time.Duration) (domain.ProcessingMessage, error)

	Stats() BrokerStats
}

type BrokerStats struct {
	Published     int64            `json:"published"`
	Delivered     int64            `json:"delivered"`
	Failed        int64            `json:"failed"`
	Unrouted      int64            `json:"unrouted"`
	Rejected      int64            `json:"rejected"`
	Subscriptions int              `json:"subscriptions"`
	Departments   []string         `json:"departments"`
	QueueDepth    map[string]int64 `json:"queue_depth"`
	PendingReqs   int              `json:"pending_requests"`
}

// TotalQueueDepth sums the depth of every subscription mailbox.
func (s BrokerStats) TotalQueueDepth() int64 {
	var n int64
	for _, d := range s.QueueDepth {
		n += d
	}
	return n
}
