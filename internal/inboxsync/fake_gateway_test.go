package inboxsync

import (
	"context"
	"sync"
	"testing"
	"time"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return baseTime.Add(time.Duration(minutes) * time.Minute)
}

func testItem(id string, unread int, status Status, minutes int) Item {
	return Item{
		ID:             id,
		OwnerID:        "U1",
		Counterpart:    Counterpart{ID: "c_" + id, DisplayName: "Contact " + id},
		PreviewText:    "hello from " + id,
		LastActivityAt: at(minutes),
		UnreadCount:    unread,
		Priority:       PriorityNormal,
		Status:         status,
	}
}

type fakeSub struct {
	*StreamHandle
	onEvent func(Event)
}

func (s *fakeSub) emit(ev Event) {
	select {
	case <-s.Done():
		return
	default:
	}
	s.onEvent(ev)
}

// fakeGateway is an in-memory Gateway with scripted failures.
type fakeGateway struct {
	mu    sync.Mutex
	items map[string]Item

	listCalls      int
	listHook       func(call int)
	listErr        error
	mutateErrs     []error
	mutateCalls    int
	mutateBlock    chan struct{}
	subscribeErrs  []error
	subscribeCalls int
	subs           []*fakeSub
	subscribed     chan *fakeSub
}

func newFakeGateway(items ...Item) *fakeGateway {
	g := &fakeGateway{items: map[string]Item{}, subscribed: make(chan *fakeSub, 16)}
	for _, it := range items {
		g.items[it.ID] = it
	}
	return g
}

func (g *fakeGateway) FetchList(ctx context.Context, ownerID string, filter Filter) ([]Item, error) {
	g.mu.Lock()
	g.listCalls++
	call := g.listCalls
	hook := g.listHook
	err := g.listErr
	g.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Item, 0, len(g.items))
	for _, it := range g.items {
		if it.OwnerID == ownerID {
			out = append(out, it.clone())
		}
	}
	SortItems(out)
	return filter.Apply(out), nil
}

func (g *fakeGateway) FetchStats(ctx context.Context, ownerID string) (Stats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	items := make([]Item, 0, len(g.items))
	for _, it := range g.items {
		if it.OwnerID == ownerID {
			items = append(items, it)
		}
	}
	return ComputeStats(items), nil
}

func (g *fakeGateway) ApplyMutation(ctx context.Context, ownerID string, intent MutationIntent) (Item, error) {
	g.mu.Lock()
	g.mutateCalls++
	var scripted error
	if len(g.mutateErrs) > 0 {
		scripted = g.mutateErrs[0]
		g.mutateErrs = g.mutateErrs[1:]
	}
	block := g.mutateBlock
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Item{}, ctx.Err()
		}
	}
	if scripted != nil {
		return Item{}, scripted
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	it, ok := g.items[intent.TargetItemID]
	if !ok {
		return Item{}, &NotFoundError{ItemID: intent.TargetItemID}
	}
	it = intent.Patch.apply(it)
	if intent.Kind == MutationDelete {
		delete(g.items, it.ID)
		it.Status = StatusGone
		return it, nil
	}
	g.items[it.ID] = it
	return it, nil
}

func (g *fakeGateway) Subscribe(ctx context.Context, ownerID string, onEvent func(Event)) (Subscription, error) {
	g.mu.Lock()
	g.subscribeCalls++
	var scripted error
	if len(g.subscribeErrs) > 0 {
		scripted = g.subscribeErrs[0]
		g.subscribeErrs = g.subscribeErrs[1:]
	}
	g.mu.Unlock()
	if scripted != nil {
		return nil, scripted
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sub := &fakeSub{onEvent: onEvent}
	sub.StreamHandle = NewStreamHandle(cancel)
	go func() {
		<-streamCtx.Done()
		sub.Finish(nil)
	}()
	g.mu.Lock()
	g.subs = append(g.subs, sub)
	g.mu.Unlock()
	select {
	case g.subscribed <- sub:
	default:
	}
	return sub, nil
}

func (g *fakeGateway) calls() (list, mutate, subscribe int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listCalls, g.mutateCalls, g.subscribeCalls
}

func (g *fakeGateway) put(it Item) {
	g.mu.Lock()
	g.items[it.ID] = it
	g.mu.Unlock()
}

func waitForSub(t *testing.T, g *fakeGateway) *fakeSub {
	t.Helper()
	select {
	case sub := <-g.subscribed:
		return sub
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for subscribe")
		return nil
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func assertUnreadMatchesRows(t *testing.T, s *Store) {
	t.Helper()
	snap := s.Snapshot()
	sum := 0
	for _, it := range snap.Items {
		if it.Status == StatusActive {
			sum += it.UnreadCount
		}
	}
	if snap.Stats.UnreadTotal != sum {
		t.Fatalf("unread total drifted: stats=%d sum=%d", snap.Stats.UnreadTotal, sum)
	}
}

func ids(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}
