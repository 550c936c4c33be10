// Package backend is an authoritative in-memory inbox used by the relay
// server and by tests.
package backend

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/inboxsync/internal/inboxsync"
)

const defaultSubscriberBuffer = 256

type MemoryOptions struct {
	Logger *zap.Logger
	// SubscriberBuffer bounds queued events per subscriber; a subscriber
	// that falls further behind is disconnected.
	SubscriberBuffer int
}

type Memory struct {
	logger *zap.Logger
	buffer int

	mu      sync.Mutex
	owners  map[string]map[string]inboxsync.Item
	subs    map[string]map[int]*subscriber
	nextSub int
}

type subscriber struct {
	events chan inboxsync.Event
	handle *inboxsync.StreamHandle
}

var _ inboxsync.Gateway = (*Memory)(nil)

func NewMemory(opts MemoryOptions) *Memory {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := opts.SubscriberBuffer
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Memory{
		logger: logger,
		buffer: buffer,
		owners: map[string]map[string]inboxsync.Item{},
		subs:   map[string]map[int]*subscriber{},
	}
}

func (m *Memory) FetchList(_ context.Context, ownerID string, filter inboxsync.Filter) ([]inboxsync.Item, error) {
	m.mu.Lock()
	items := m.ownerItemsLocked(ownerID)
	m.mu.Unlock()
	inboxsync.SortItems(items)
	return filter.Apply(items), nil
}

func (m *Memory) FetchStats(_ context.Context, ownerID string) (inboxsync.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return inboxsync.ComputeStats(m.ownerItemsLocked(ownerID)), nil
}

// ApplyMutation is idempotent for archive. Deleting a missing item reports
// NotFound, which clients treat as already deleted. Archive and delete are
// rejected with a conflict when the item saw activity after the intent was
// issued.
func (m *Memory) ApplyMutation(_ context.Context, ownerID string, intent inboxsync.MutationIntent) (inboxsync.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.owners[ownerID]
	it, ok := items[intent.TargetItemID]
	if !ok {
		return inboxsync.Item{}, &inboxsync.NotFoundError{ItemID: intent.TargetItemID}
	}
	stale := !intent.IssuedAt.IsZero() && it.LastActivityAt.After(intent.IssuedAt)

	previous := it
	switch intent.Kind {
	case inboxsync.MutationMarkRead:
		if it.UnreadCount == 0 {
			return it, nil
		}
		it.UnreadCount = 0
	case inboxsync.MutationArchive:
		if it.Status == inboxsync.StatusArchived {
			return it, nil
		}
		if stale {
			return inboxsync.Item{}, &inboxsync.ConflictError{ItemID: it.ID}
		}
		it.Status = inboxsync.StatusArchived
	case inboxsync.MutationDelete:
		if stale {
			return inboxsync.Item{}, &inboxsync.ConflictError{ItemID: it.ID}
		}
		delete(items, it.ID)
		m.fanOutLocked(ownerID, inboxsync.Event{Type: inboxsync.EventDelete, Previous: &previous})
		it.Status = inboxsync.StatusGone
		return it, nil
	default:
		return inboxsync.Item{}, &inboxsync.ValidationError{ItemID: it.ID, Reason: "unknown mutation kind " + string(intent.Kind)}
	}
	items[it.ID] = it
	current := it
	m.fanOutLocked(ownerID, inboxsync.Event{Type: inboxsync.EventUpdate, Previous: &previous, Current: &current})
	return it, nil
}

func (m *Memory) Subscribe(ctx context.Context, ownerID string, onEvent func(inboxsync.Event)) (inboxsync.Subscription, error) {
	if onEvent == nil {
		return nil, fmt.Errorf("event callback is required")
	}
	streamCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		events: make(chan inboxsync.Event, m.buffer),
		handle: inboxsync.NewStreamHandle(cancel),
	}
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	if m.subs[ownerID] == nil {
		m.subs[ownerID] = map[int]*subscriber{}
	}
	m.subs[ownerID][id] = sub
	m.mu.Unlock()

	go func() {
		defer cancel()
		defer m.unsubscribe(ownerID, id)
		for {
			select {
			case <-streamCtx.Done():
				sub.handle.Finish(nil)
				return
			case <-sub.handle.Done():
				return
			case ev := <-sub.events:
				onEvent(ev)
			}
		}
	}()
	return sub.handle, nil
}

// Upsert stores it as remote truth and notifies subscribers.
func (m *Memory) Upsert(it inboxsync.Item) error {
	ownerID := strings.TrimSpace(it.OwnerID)
	if ownerID == "" || strings.TrimSpace(it.ID) == "" {
		return fmt.Errorf("item owner and id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertLocked(ownerID, it)
	return nil
}

// Remove deletes an item and notifies subscribers. Missing items are ignored.
func (m *Memory) Remove(ownerID, itemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(ownerID, itemID)
}

// Publish applies an externally delivered event. A redelivered update that
// changes nothing is not fanned out again; a redelivered delete is.
func (m *Memory) Publish(ownerID string, ev inboxsync.Event) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return fmt.Errorf("owner id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Type {
	case inboxsync.EventInsert, inboxsync.EventUpdate:
		if ev.Current == nil || ev.Current.ID == "" {
			return fmt.Errorf("%s event requires current item", ev.Type)
		}
		it := *ev.Current
		it.OwnerID = ownerID
		m.upsertLocked(ownerID, it)
	case inboxsync.EventDelete:
		itemID := ev.ItemID()
		if itemID == "" {
			return fmt.Errorf("delete event requires an item id")
		}
		if !m.removeLocked(ownerID, itemID) {
			m.fanOutLocked(ownerID, ev)
		}
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	return nil
}

// Replace swaps an owner's full item set and publishes the difference.
func (m *Memory) Replace(ownerID string, items []inboxsync.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := make(map[string]struct{}, len(items))
	for _, it := range items {
		it.OwnerID = ownerID
		keep[it.ID] = struct{}{}
		m.upsertLocked(ownerID, it)
	}
	for id := range m.owners[ownerID] {
		if _, ok := keep[id]; !ok {
			m.removeLocked(ownerID, id)
		}
	}
}

func (m *Memory) Owners() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.owners))
	for owner := range m.owners {
		out = append(out, owner)
	}
	return out
}

func (m *Memory) upsertLocked(ownerID string, it inboxsync.Item) {
	if it.LastActivityAt.IsZero() {
		it.LastActivityAt = time.Now().UTC()
	}
	if it.Status == "" {
		it.Status = inboxsync.StatusActive
	}
	if it.Priority == "" {
		it.Priority = inboxsync.PriorityNormal
	}
	if m.owners[ownerID] == nil {
		m.owners[ownerID] = map[string]inboxsync.Item{}
	}
	previous, existed := m.owners[ownerID][it.ID]
	if existed && reflect.DeepEqual(previous, it) {
		return
	}
	m.owners[ownerID][it.ID] = it
	current := it
	if !existed {
		m.fanOutLocked(ownerID, inboxsync.Event{Type: inboxsync.EventInsert, Current: &current})
		return
	}
	m.fanOutLocked(ownerID, inboxsync.Event{Type: inboxsync.EventUpdate, Previous: &previous, Current: &current})
}

func (m *Memory) removeLocked(ownerID, itemID string) bool {
	previous, ok := m.owners[ownerID][itemID]
	if !ok {
		return false
	}
	delete(m.owners[ownerID], itemID)
	m.fanOutLocked(ownerID, inboxsync.Event{Type: inboxsync.EventDelete, Previous: &previous})
	return true
}

func (m *Memory) fanOutLocked(ownerID string, ev inboxsync.Event) {
	for id, sub := range m.subs[ownerID] {
		select {
		case sub.events <- ev:
		default:
			m.logger.Warn("dropping lagging subscriber", zap.String("owner_id", ownerID), zap.Int("subscriber", id))
			delete(m.subs[ownerID], id)
			sub.handle.Finish(&inboxsync.TransientError{Op: "subscribe", Err: fmt.Errorf("subscriber fell behind")})
		}
	}
}

func (m *Memory) unsubscribe(ownerID string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs[ownerID], id)
	if len(m.subs[ownerID]) == 0 {
		delete(m.subs, ownerID)
	}
}

func (m *Memory) ownerItemsLocked(ownerID string) []inboxsync.Item {
	items := make([]inboxsync.Item, 0, len(m.owners[ownerID]))
	for _, it := range m.owners[ownerID] {
		items = append(items, it)
	}
	return items
}
