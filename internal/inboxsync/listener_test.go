package inboxsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func startListener(t *testing.T, gw *fakeGateway, store *Store, opts ListenerOptions) (*Listener, context.CancelFunc) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	if opts.ReconnectInitial == 0 {
		opts.ReconnectInitial = time.Millisecond
	}
	if opts.ReconnectMax == 0 {
		opts.ReconnectMax = 4 * time.Millisecond
	}
	l, err := NewListener(gw, store, nil, opts)
	if err != nil {
		t.Fatalf("new listener failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return l, stop
}

func TestListenerMergesEventsIncrementally(t *testing.T) {
	gw := newFakeGateway()
	store := NewStore("U1", nil)
	var resyncs atomic.Int32
	startListener(t, gw, store, ListenerOptions{
		Resync: func(context.Context) error { resyncs.Add(1); return nil },
	})
	sub := waitForSub(t, gw)

	a := testItem("a", 2, StatusActive, 1)
	b := testItem("b", 1, StatusActive, 2)
	sub.emit(Event{Type: EventInsert, Current: &a})
	sub.emit(Event{Type: EventInsert, Current: &b})
	sub.emit(Event{Type: EventInsert, Current: &b})

	if store.Stats().UnreadTotal != 3 {
		t.Fatalf("expected unread 3, got %d", store.Stats().UnreadTotal)
	}
	if store.AppliedGeneration() != 3 {
		t.Fatalf("expected one generation per event, got %d", store.AppliedGeneration())
	}
	if resyncs.Load() != 0 {
		t.Fatalf("expected no resync on first subscribe, got %d", resyncs.Load())
	}
}

func TestListenerResyncsAfterReconnect(t *testing.T) {
	gw := newFakeGateway()
	store := NewStore("U1", nil)
	var resyncs atomic.Int32
	startListener(t, gw, store, ListenerOptions{
		Resync: func(context.Context) error { resyncs.Add(1); return nil },
	})
	first := waitForSub(t, gw)
	first.Finish(errors.New("connection reset"))

	second := waitForSub(t, gw)
	if second == first {
		t.Fatalf("expected a fresh subscription")
	}
	eventually(t, "resync after reconnect", func() bool { return resyncs.Load() == 1 })
}

func TestListenerMalformedEventFallsBackToResync(t *testing.T) {
	gw := newFakeGateway()
	store := NewStore("U1", nil)
	var resyncs atomic.Int32
	startListener(t, gw, store, ListenerOptions{
		Resync: func(context.Context) error { resyncs.Add(1); return nil },
	})
	sub := waitForSub(t, gw)

	sub.emit(Event{})
	sub.emit(Event{Type: EventUpdate})
	eventually(t, "fallback resync", func() bool { return resyncs.Load() >= 1 })
	if store.AppliedGeneration() != 0 {
		t.Fatalf("expected malformed events not to mint generations, got %d", store.AppliedGeneration())
	}
}

func TestListenerMarksDegradedAndRecovers(t *testing.T) {
	gw := newFakeGateway()
	transient := &TransientError{Op: "subscribe"}
	gw.subscribeErrs = []error{transient, transient, transient, transient}
	store := NewStore("U1", nil)

	var (
		mu          sync.Mutex
		transitions []bool
	)
	l, _ := startListener(t, gw, store, ListenerOptions{
		ReconnectBudget: 2,
		OnDegraded: func(degraded bool) {
			mu.Lock()
			transitions = append(transitions, degraded)
			mu.Unlock()
		},
	})

	waitForSub(t, gw)
	eventually(t, "recovered listener", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 2
	})
	if l.Degraded() {
		t.Fatalf("expected listener to clear degraded flag")
	}
	mu.Lock()
	defer mu.Unlock()
	if !transitions[0] || transitions[1] {
		t.Fatalf("expected degraded then recovered, got %v", transitions)
	}
	if _, _, subscribe := gw.calls(); subscribe != 5 {
		t.Fatalf("expected 5 subscribe attempts, got %d", subscribe)
	}
}

func TestListenerCancelStopsSubscription(t *testing.T) {
	gw := newFakeGateway()
	store := NewStore("U1", nil)
	_, stop := startListener(t, gw, store, ListenerOptions{})
	sub := waitForSub(t, gw)
	stop()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected subscription to be cancelled")
	}
	late := testItem("late", 5, StatusActive, 1)
	sub.emit(Event{Type: EventInsert, Current: &late})
	if _, ok := store.Item("late"); ok {
		t.Fatalf("expected no delivery after cancel")
	}
}
