package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/agentworkforce/inboxsync/internal/inboxsync"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func item(owner, id string, unread int, minutes int) inboxsync.Item {
	return inboxsync.Item{
		ID:             id,
		OwnerID:        owner,
		Counterpart:    inboxsync.Counterpart{ID: "c_" + id, DisplayName: "Contact " + id},
		LastActivityAt: t0.Add(time.Duration(minutes) * time.Minute),
		UnreadCount:    unread,
		Priority:       inboxsync.PriorityNormal,
		Status:         inboxsync.StatusActive,
	}
}

func collect(t *testing.T, m *Memory, owner string) (<-chan inboxsync.Event, inboxsync.Subscription) {
	t.Helper()
	events := make(chan inboxsync.Event, 16)
	sub, err := m.Subscribe(context.Background(), owner, func(ev inboxsync.Event) { events <- ev })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	t.Cleanup(sub.Cancel)
	return events, sub
}

func next(t *testing.T, events <-chan inboxsync.Event) inboxsync.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return inboxsync.Event{}
	}
}

func TestMemoryFetchOrdersAndScopesByOwner(t *testing.T) {
	m := NewMemory(MemoryOptions{Logger: zaptest.NewLogger(t)})
	m.Replace("U1", []inboxsync.Item{item("U1", "a", 2, 1), item("U1", "b", 1, 2)})
	m.Replace("U2", []inboxsync.Item{item("U2", "z", 7, 3)})

	items, err := m.FetchList(context.Background(), "U1", inboxsync.Filter{})
	if err != nil {
		t.Fatalf("fetch list failed: %v", err)
	}
	if len(items) != 2 || items[0].ID != "b" || items[1].ID != "a" {
		t.Fatalf("expected [b a], got %+v", items)
	}
	stats, _ := m.FetchStats(context.Background(), "U1")
	if stats.UnreadTotal != 3 || stats.Total != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestMemoryMutationsFanOutAndAreIdempotent(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	m.Replace("U1", []inboxsync.Item{item("U1", "a", 2, 1)})
	events, _ := collect(t, m, "U1")
	ctx := context.Background()

	archived, err := m.ApplyMutation(ctx, "U1", inboxsync.MutationIntent{ID: "i1", TargetItemID: "a", Kind: inboxsync.MutationArchive, IssuedAt: t0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	if archived.Status != inboxsync.StatusArchived {
		t.Fatalf("expected archived, got %s", archived.Status)
	}
	if ev := next(t, events); ev.Type != inboxsync.EventUpdate || ev.Current.Status != inboxsync.StatusArchived {
		t.Fatalf("unexpected archive event %+v", ev)
	}
	if _, err := m.ApplyMutation(ctx, "U1", inboxsync.MutationIntent{ID: "i2", TargetItemID: "a", Kind: inboxsync.MutationArchive}); err != nil {
		t.Fatalf("repeated archive failed: %v", err)
	}

	if _, err := m.ApplyMutation(ctx, "U1", inboxsync.MutationIntent{ID: "i3", TargetItemID: "a", Kind: inboxsync.MutationDelete}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if ev := next(t, events); ev.Type != inboxsync.EventDelete || ev.ItemID() != "a" {
		t.Fatalf("unexpected delete event %+v", ev)
	}
	_, err = m.ApplyMutation(ctx, "U1", inboxsync.MutationIntent{ID: "i4", TargetItemID: "a", Kind: inboxsync.MutationDelete})
	if !errors.Is(err, inboxsync.ErrNotFound) {
		t.Fatalf("expected not found for repeated delete, got %v", err)
	}
}

func TestMemoryRejectsStaleArchive(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	m.Replace("U1", []inboxsync.Item{item("U1", "a", 2, 30)})
	_, err := m.ApplyMutation(context.Background(), "U1", inboxsync.MutationIntent{
		ID: "i1", TargetItemID: "a", Kind: inboxsync.MutationArchive, IssuedAt: t0,
	})
	if !errors.Is(err, inboxsync.ErrConflict) {
		t.Fatalf("expected conflict for archive issued before newer activity, got %v", err)
	}
}

func TestMemoryPublishAppliesWebhookEvents(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	events, _ := collect(t, m, "U1")
	current := item("", "b", 1, 2)
	if err := m.Publish("U1", inboxsync.Event{Type: inboxsync.EventInsert, Current: &current}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	ev := next(t, events)
	if ev.Type != inboxsync.EventInsert || ev.Current.OwnerID != "U1" {
		t.Fatalf("unexpected published event %+v", ev)
	}
	if err := m.Publish("U1", inboxsync.Event{Type: "bogus"}); err == nil {
		t.Fatalf("expected unknown event type to be rejected")
	}
}

func TestMemoryDropsLaggingSubscriber(t *testing.T) {
	m := NewMemory(MemoryOptions{SubscriberBuffer: 1})
	block := make(chan struct{})
	sub, err := m.Subscribe(context.Background(), "U1", func(inboxsync.Event) { <-block })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer close(block)
	for i := 0; i < 5; i++ {
		if err := m.Upsert(item("U1", "a", i+1, i)); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected lagging subscriber to be dropped")
	}
	if !errors.Is(sub.Err(), inboxsync.ErrTransient) {
		t.Fatalf("expected transient error, got %v", sub.Err())
	}
}

func TestMemoryServesSyncSession(t *testing.T) {
	m := NewMemory(MemoryOptions{})
	m.Replace("U1", []inboxsync.Item{item("U1", "a", 2, 1)})
	session, err := inboxsync.OpenSession(context.Background(), m, "U1", inboxsync.Filter{}, inboxsync.SessionOptions{
		Logger:           zaptest.NewLogger(t),
		ReconnectInitial: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}
	defer session.Close()

	if err := m.Upsert(item("U1", "b", 3, 5)); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for session.Stats().UnreadTotal != 5 {
		if time.Now().After(deadline) {
			t.Fatalf("expected pushed insert to reach the session, stats=%+v", session.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}

	p, err := session.MarkAsRead("b")
	if err != nil {
		t.Fatalf("mark as read failed: %v", err)
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("mark as read did not confirm: %v", err)
	}
	stats, _ := m.FetchStats(context.Background(), "U1")
	if stats.UnreadTotal != 2 || session.Stats().UnreadTotal != 2 {
		t.Fatalf("expected remote and local unread 2, got remote=%d local=%d", stats.UnreadTotal, session.Stats().UnreadTotal)
	}
}
