package inboxsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReconnectInitial = time.Second
	defaultReconnectMax     = 30 * time.Second
	defaultReconnectBudget  = 6
)

type ListenerOptions struct {
	Logger           *zap.Logger
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// ReconnectBudget is the number of consecutive transport failures
	// tolerated before the listener reports itself degraded.
	ReconnectBudget int
	// Resync performs a full fetch at a fresh generation.
	Resync     func(ctx context.Context) error
	OnDegraded func(degraded bool)
}

// Listener keeps one live subscription for an owner and merges every
// delivered event into the store.
type Listener struct {
	ownerID     string
	gateway     Gateway
	store       *Store
	generations *Generations
	logger      *zap.Logger

	reconnectInitial time.Duration
	reconnectMax     time.Duration
	reconnectBudget  int
	resync           func(ctx context.Context) error
	onDegraded       func(bool)

	degraded  atomic.Bool
	resyncing atomic.Bool
	resyncWG  sync.WaitGroup
}

func NewListener(gateway Gateway, store *Store, generations *Generations, opts ListenerOptions) (*Listener, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if generations == nil {
		generations = &Generations{}
	}
	l := &Listener{
		ownerID:          store.OwnerID(),
		gateway:          gateway,
		store:            store,
		generations:      generations,
		logger:           opts.Logger,
		reconnectInitial: opts.ReconnectInitial,
		reconnectMax:     opts.ReconnectMax,
		reconnectBudget:  opts.ReconnectBudget,
		resync:           opts.Resync,
		onDegraded:       opts.OnDegraded,
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	l.logger = l.logger.With(zap.String("owner_id", l.ownerID))
	if l.reconnectInitial <= 0 {
		l.reconnectInitial = defaultReconnectInitial
	}
	if l.reconnectMax <= 0 {
		l.reconnectMax = defaultReconnectMax
	}
	if l.reconnectMax < l.reconnectInitial {
		l.reconnectMax = l.reconnectInitial
	}
	if l.reconnectBudget <= 0 {
		l.reconnectBudget = defaultReconnectBudget
	}
	return l, nil
}

func (l *Listener) Degraded() bool {
	return l.degraded.Load()
}

// Run subscribes and resubscribes until ctx is done. Every reconnect after
// the first successful subscribe is followed by one full resync.
func (l *Listener) Run(ctx context.Context) error {
	defer l.resyncWG.Wait()

	policy := newRetryPolicy(l.reconnectInitial, l.reconnectMax)

	onEvent := func(ev Event) { l.handle(ctx, ev) }
	connectedOnce := false
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		sub, err := l.gateway.Subscribe(ctx, l.ownerID, onEvent)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			l.noteFailure(failures, err)
			if waitErr := waitWithContext(ctx, policy.NextBackOff()); waitErr != nil {
				return nil
			}
			continue
		}

		if connectedOnce || failures > 0 {
			l.logger.Info("subscription re-established", zap.Int("failures", failures))
			l.runResync(ctx, "reconnect")
		}
		connectedOnce = true
		failures = 0
		policy.Reset()
		l.setDegraded(false)

		select {
		case <-ctx.Done():
			sub.Cancel()
			return nil
		case <-sub.Done():
		}
		if ctx.Err() != nil {
			return nil
		}
		failures++
		l.noteFailure(failures, sub.Err())
		if waitErr := waitWithContext(ctx, policy.NextBackOff()); waitErr != nil {
			return nil
		}
	}
}

func (l *Listener) handle(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		return
	}
	if !wellFormed(ev) {
		l.logger.Warn("malformed event, falling back to full resync", zap.String("event_type", string(ev.Type)))
		l.resyncAsync(ctx)
		return
	}
	generation := l.generations.Next()
	if l.store.ApplyEvent(ev, generation) {
		l.logger.Debug("event applied",
			zap.String("event_type", string(ev.Type)),
			zap.String("item_id", ev.ItemID()),
			zap.Uint64("generation", generation))
	}
}

func wellFormed(ev Event) bool {
	switch ev.Type {
	case EventInsert, EventUpdate:
		return ev.Current != nil && ev.Current.ID != ""
	case EventDelete:
		return ev.ItemID() != ""
	default:
		return false
	}
}

// resyncAsync coalesces fallback resyncs so a burst of bad frames costs one
// fetch.
func (l *Listener) resyncAsync(ctx context.Context) {
	if l.resync == nil || !l.resyncing.CompareAndSwap(false, true) {
		return
	}
	l.resyncWG.Add(1)
	go func() {
		defer l.resyncWG.Done()
		defer l.resyncing.Store(false)
		l.runResync(ctx, "malformed event")
	}()
}

func (l *Listener) runResync(ctx context.Context, reason string) {
	if l.resync == nil {
		return
	}
	if err := l.resync(ctx); err != nil && ctx.Err() == nil {
		l.logger.Warn("resync failed", zap.String("reason", reason), zap.Error(err))
	}
}

func (l *Listener) noteFailure(failures int, err error) {
	l.logger.Warn("subscription lost", zap.Int("failures", failures), zap.Error(err))
	if failures > l.reconnectBudget {
		l.setDegraded(true)
	}
}

func (l *Listener) setDegraded(degraded bool) {
	if l.degraded.Swap(degraded) == degraded {
		return
	}
	if degraded {
		l.logger.Error("subscription degraded, data may be stale")
	} else {
		l.logger.Info("subscription recovered")
	}
	if l.onDegraded != nil {
		l.onDegraded(degraded)
	}
}
