package inboxsync

import (
	"context"
	"sync"
)

// Gateway abstracts the remote backend. Every call may fail with a
// TransientError, NotFoundError or ConflictError.
type Gateway interface {
	FetchList(ctx context.Context, ownerID string, filter Filter) ([]Item, error)
	FetchStats(ctx context.Context, ownerID string) (Stats, error)
	// ApplyMutation must be idempotent for archive and delete.
	ApplyMutation(ctx context.Context, ownerID string, intent MutationIntent) (Item, error)
	Subscribe(ctx context.Context, ownerID string, onEvent func(Event)) (Subscription, error)
}

// Subscription is a live event stream. Cancel is idempotent; Done closes when
// delivery stops for any reason and Err reports the transport failure, if any.
type Subscription interface {
	Cancel()
	Done() <-chan struct{}
	Err() error
}

// StreamHandle is a Subscription backed by a cancel func. Gateway adapters
// close it with Finish when their delivery goroutine exits.
type StreamHandle struct {
	cancel func()

	once     sync.Once
	doneOnce sync.Once
	done     chan struct{}

	mu  sync.Mutex
	err error
}

func NewStreamHandle(cancel func()) *StreamHandle {
	return &StreamHandle{cancel: cancel, done: make(chan struct{})}
}

func (h *StreamHandle) Cancel() {
	h.once.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
	})
}

func (h *StreamHandle) Done() <-chan struct{} {
	return h.done
}

func (h *StreamHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Finish records the terminal error and closes Done. Only the first call wins.
func (h *StreamHandle) Finish(err error) {
	h.doneOnce.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}
