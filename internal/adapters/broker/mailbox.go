package broker

import (
	"sync"
	"sync/atomic"

	"github.com/eleven-am/conduit/internal/domain"
)

// mailbox is an unbounded FIFO drained by exactly one goroutine. push never
// blocks, so a slow subscriber only grows its own queue.
type mailbox struct {
	mu     sync.Mutex
	queue  []domain.ProcessingMessage
	notify chan struct{}
	closed bool
	depth  atomic.Int64
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (mb *mailbox) push(msg domain.ProcessingMessage) (int64, bool) {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return 0, false
	}
	mb.queue = append(mb.queue, msg)
	depth := mb.depth.Add(1)
	select {
	case mb.notify <- struct{}{}:
	default:
	}
	mb.mu.Unlock()
	return depth, true
}

func (mb *mailbox) pop() (domain.ProcessingMessage, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if len(mb.queue) == 0 {
		return domain.ProcessingMessage{}, false
	}
	msg := mb.queue[0]
	mb.queue[0] = domain.ProcessingMessage{}
	mb.queue = mb.queue[1:]
	mb.depth.Add(-1)
	return msg, true
}

// close stops accepting messages and returns how many were still queued.
func (mb *mailbox) close() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return 0
	}
	mb.closed = true
	dropped := len(mb.queue)
	mb.queue = nil
	mb.depth.Store(0)
	close(mb.notify)
	return dropped
}

func (mb *mailbox) len() int64 {
	return mb.depth.Load()
}
