package inboxsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultNotifyTimeout = 5 * time.Second

// Activity is the "new activity" signal handed to notifiers.
type Activity struct {
	OwnerID         string
	ItemID          string
	CounterpartName string
	At              time.Time
	UnreadTotal     int
}

type Notifier interface {
	Notify(ctx context.Context, activity Activity) error
}

type NotifierFunc func(ctx context.Context, activity Activity) error

func (f NotifierFunc) Notify(ctx context.Context, activity Activity) error {
	return f(ctx, activity)
}

type DispatcherOptions struct {
	Logger        *zap.Logger
	NotifyTimeout time.Duration
}

// Dispatcher diffs consecutive snapshots per owner and fires notifiers when
// remote truth shows new activity. It never feeds back into the store.
type Dispatcher struct {
	notifiers []Notifier
	logger    *zap.Logger
	timeout   time.Duration

	mu        sync.Mutex
	baselines map[string]*activityBaseline
	wg        sync.WaitGroup
}

type activityBaseline struct {
	version     uint64
	unreadTotal int
	latest      time.Time
	unread      map[string]int
}

func NewDispatcher(notifiers []Notifier, opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		notifiers: append([]Notifier(nil), notifiers...),
		logger:    opts.Logger,
		timeout:   opts.NotifyTimeout,
		baselines: map[string]*activityBaseline{},
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.timeout <= 0 {
		d.timeout = defaultNotifyTimeout
	}
	return d
}

// Observe is registered as a store observer. Every snapshot advances the
// baseline; only fetch and event snapshots may signal.
func (d *Dispatcher) Observe(snap Snapshot) {
	d.mu.Lock()
	base, ok := d.baselines[snap.OwnerID]
	next := newBaseline(snap)
	if !ok {
		d.baselines[snap.OwnerID] = next
		d.mu.Unlock()
		return
	}
	if snap.Version <= base.version {
		d.mu.Unlock()
		return
	}
	d.baselines[snap.OwnerID] = next
	d.mu.Unlock()

	if snap.Cause != CauseFetch && snap.Cause != CauseEvent {
		return
	}
	if activity, ok := detectActivity(base, snap); ok {
		d.fire(activity)
	}
}

// Forget drops the baseline for an owner whose session closed.
func (d *Dispatcher) Forget(ownerID string) {
	d.mu.Lock()
	delete(d.baselines, ownerID)
	d.mu.Unlock()
}

// Wait blocks until every fired notifier has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func newBaseline(snap Snapshot) *activityBaseline {
	b := &activityBaseline{
		version:     snap.Version,
		unreadTotal: snap.Stats.UnreadTotal,
		unread:      make(map[string]int, len(snap.Items)),
	}
	for _, it := range snap.Items {
		b.unread[it.ID] = it.UnreadCount
		if it.LastActivityAt.After(b.latest) {
			b.latest = it.LastActivityAt
		}
	}
	return b
}

func detectActivity(base *activityBaseline, snap Snapshot) (Activity, bool) {
	var candidate *Item
	consider := func(it *Item) {
		if candidate == nil || it.LastActivityAt.After(candidate.LastActivityAt) {
			candidate = it
		}
	}
	unreadIncreased := snap.Stats.UnreadTotal > base.unreadTotal
	for i := range snap.Items {
		it := &snap.Items[i]
		if it.Status != StatusActive {
			continue
		}
		prev, known := base.unread[it.ID]
		if !known && it.LastActivityAt.After(base.latest) {
			consider(it)
			continue
		}
		if unreadIncreased && it.UnreadCount > prev {
			consider(it)
		}
	}
	if candidate == nil && unreadIncreased {
		// Rows that became active again raise the total without any single
		// counter going up.
		for i := range snap.Items {
			it := &snap.Items[i]
			if it.Status == StatusActive && it.UnreadCount > 0 {
				consider(it)
			}
		}
	}
	if candidate == nil {
		return Activity{}, false
	}
	return Activity{
		OwnerID:         snap.OwnerID,
		ItemID:          candidate.ID,
		CounterpartName: candidate.Counterpart.DisplayName,
		At:              candidate.LastActivityAt,
		UnreadTotal:     snap.Stats.UnreadTotal,
	}, true
}

func (d *Dispatcher) fire(activity Activity) {
	for _, n := range d.notifiers {
		d.wg.Add(1)
		go func(n Notifier) {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Warn("notifier panicked", zap.String("panic", fmt.Sprint(r)))
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := n.Notify(ctx, activity); err != nil {
				d.logger.Debug("notifier failed",
					zap.String("owner_id", activity.OwnerID),
					zap.String("item_id", activity.ItemID),
					zap.Error(err))
			}
		}(n)
	}
}
