package inboxsync

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type ChangeCause string

const (
	CauseCache      ChangeCause = "cache"
	CauseFetch      ChangeCause = "fetch"
	CauseEvent      ChangeCause = "event"
	CauseOptimistic ChangeCause = "optimistic"
	CauseConfirm    ChangeCause = "confirm"
	CauseRollback   ChangeCause = "rollback"
)

// Snapshot is an immutable copy of the store published after every accepted
// change. Observers receive snapshots one at a time in Version order.
type Snapshot struct {
	OwnerID    string
	Items      []Item
	Stats      Stats
	Generation uint64
	Version    uint64
	Cause      ChangeCause
}

// Outcome resolves a pending intent. Gone reports that the target no longer
// exists remotely; Item is the authoritative row returned by the gateway.
type Outcome struct {
	Err  error
	Item *Item
	Gone bool
}

type pendingPatch struct {
	intent MutationIntent
	// base is the pre-patch item, rebased onto every newer remote version.
	base     Item
	baseGone bool
}

type Store struct {
	ownerID string
	logger  *zap.Logger

	mu                  sync.Mutex
	items               map[string]Item
	stats               Stats
	appliedGeneration   uint64
	lastFetchGeneration uint64
	pending             map[string]*pendingPatch
	intents             map[string]string
	// tombstones holds the newest LastActivityAt seen for removed items.
	tombstones          map[string]time.Time
	version             uint64
	observers           []func(Snapshot)
	queue               []Snapshot
	delivering          bool
}

func NewStore(ownerID string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		ownerID:    ownerID,
		logger:     logger.With(zap.String("owner_id", ownerID)),
		items:      map[string]Item{},
		pending:    map[string]*pendingPatch{},
		intents:    map[string]string{},
		tombstones: map[string]time.Time{},
	}
}

func (s *Store) OwnerID() string {
	return s.ownerID
}

// Observe registers fn for every published snapshot.
func (s *Store) Observe(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// ReplaceAll installs a full fetch result. It is discarded when a newer
// fetch or event generation has already been applied. Pending optimistic
// patches are re-applied on top of the fetched rows.
func (s *Store) ReplaceAll(items []Item, remote Stats, generation uint64) bool {
	return s.replace(items, remote, generation, CauseFetch)
}

// Seed installs cached rows at generation zero so any fetch supersedes them.
func (s *Store) Seed(items []Item) bool {
	return s.replace(items, Stats{}, 0, CauseCache)
}

func (s *Store) replace(items []Item, remote Stats, generation uint64, cause ChangeCause) bool {
	s.mu.Lock()
	if generation < s.appliedGeneration {
		applied := s.appliedGeneration
		s.mu.Unlock()
		s.logger.Debug("discarding superseded fetch",
			zap.Uint64("generation", generation),
			zap.Uint64("applied_generation", applied))
		return false
	}
	if cause == CauseCache && (s.lastFetchGeneration > 0 || len(s.items) > 0) {
		s.mu.Unlock()
		return false
	}

	next := make(map[string]Item, len(items))
	for _, it := range items {
		if it.ID == "" || it.Status == StatusGone {
			continue
		}
		if it.OwnerID != "" && it.OwnerID != s.ownerID {
			s.logger.Warn("dropping item scoped to another owner", zap.String("item_id", it.ID))
			continue
		}
		it.OwnerID = s.ownerID
		next[it.ID] = it.clone()
	}
	for itemID, p := range s.pending {
		if remoteItem, ok := next[itemID]; ok {
			p.base = remoteItem
			p.baseGone = false
			next[itemID] = p.intent.Patch.apply(remoteItem)
			continue
		}
		// Absent from a bounded fetch does not prove deletion; keep the
		// optimistic row until the intent resolves.
		if held, ok := s.items[itemID]; ok {
			next[itemID] = held
		}
	}
	s.items = next
	s.appliedGeneration = generation
	if cause == CauseFetch {
		s.lastFetchGeneration = generation
		s.tombstones = map[string]time.Time{}
	}
	s.recomputeLocked()
	if cause == CauseFetch && remote != s.stats {
		s.logger.Debug("remote stats differ from held items",
			zap.Int("remote_unread_total", remote.UnreadTotal),
			zap.Int("held_unread_total", s.stats.UnreadTotal),
			zap.Int("remote_total", remote.Total),
			zap.Int("held_total", s.stats.Total))
	}
	s.publishLocked(cause)
	s.mu.Unlock()
	s.drain()
	return true
}

// ApplyEvent merges one pushed change. Events are never rejected by
// generation; stale updates are discarded per item by LastActivityAt.
func (s *Store) ApplyEvent(ev Event, generation uint64) bool {
	itemID := ev.ItemID()
	if itemID == "" {
		return false
	}
	s.mu.Lock()
	if generation > s.appliedGeneration {
		s.appliedGeneration = generation
	}
	changed := false
	switch ev.Type {
	case EventInsert, EventUpdate:
		if ev.Current == nil {
			break
		}
		current := ev.Current.clone()
		if current.OwnerID != "" && current.OwnerID != s.ownerID {
			break
		}
		current.OwnerID = s.ownerID
		if current.Status == StatusGone {
			changed = s.removeLocked(itemID, current.LastActivityAt)
			break
		}
		changed = s.upsertLocked(current)
	case EventDelete:
		if ev.Previous != nil && ev.Previous.OwnerID != "" && ev.Previous.OwnerID != s.ownerID {
			break
		}
		var seen time.Time
		if ev.Previous != nil {
			seen = ev.Previous.LastActivityAt
		}
		changed = s.removeLocked(itemID, seen)
	}
	if !changed {
		s.mu.Unlock()
		return false
	}
	s.recomputeLocked()
	s.publishLocked(CauseEvent)
	s.mu.Unlock()
	s.drain()
	return true
}

func (s *Store) upsertLocked(current Item) bool {
	if removedAt, ok := s.tombstones[current.ID]; ok {
		if !current.LastActivityAt.After(removedAt) {
			s.logger.Debug("discarding event for removed item", zap.String("item_id", current.ID))
			return false
		}
		delete(s.tombstones, current.ID)
	}
	if p, ok := s.pending[current.ID]; ok {
		if !p.baseGone && current.LastActivityAt.Before(p.base.LastActivityAt) {
			s.logger.Debug("discarding stale event for pending item", zap.String("item_id", current.ID))
			return false
		}
		p.base = current
		p.baseGone = false
		patched := p.intent.Patch.apply(current)
		if held, ok := s.items[current.ID]; ok && itemsEqual(held, patched) {
			return false
		}
		s.items[current.ID] = patched
		return true
	}
	held, ok := s.items[current.ID]
	if ok {
		if current.LastActivityAt.Before(held.LastActivityAt) {
			s.logger.Debug("discarding stale event", zap.String("item_id", current.ID))
			return false
		}
		if itemsEqual(held, current) {
			return false
		}
	}
	s.items[current.ID] = current
	return true
}

func (s *Store) removeLocked(itemID string, seen time.Time) bool {
	if p, ok := s.pending[itemID]; ok {
		if !p.baseGone {
			seen = latest(seen, p.base.LastActivityAt)
		}
		p.baseGone = true
	}
	held, ok := s.items[itemID]
	if ok {
		seen = latest(seen, held.LastActivityAt)
	}
	s.tombstoneLocked(itemID, seen)
	if !ok {
		return false
	}
	delete(s.items, itemID)
	return true
}

func (s *Store) tombstoneLocked(itemID string, seen time.Time) {
	s.tombstones[itemID] = latest(s.tombstones[itemID], seen)
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// ApplyOptimisticPatch validates the transition and applies the intent's
// patch immediately. It fails with ErrBusy while another intent for the same
// item is unresolved.
func (s *Store) ApplyOptimisticPatch(intent MutationIntent) error {
	s.mu.Lock()
	if _, busy := s.pending[intent.TargetItemID]; busy {
		s.mu.Unlock()
		return ErrBusy
	}
	held, ok := s.items[intent.TargetItemID]
	if !ok {
		s.mu.Unlock()
		return &ValidationError{ItemID: intent.TargetItemID, Reason: "item is not in the inbox"}
	}
	if err := validateTransition(held, intent.Kind); err != nil {
		s.mu.Unlock()
		return err
	}
	s.pending[held.ID] = &pendingPatch{intent: intent, base: held}
	s.intents[intent.ID] = held.ID
	patched := intent.Patch.apply(held)
	if itemsEqual(held, patched) {
		s.mu.Unlock()
		return nil
	}
	s.items[held.ID] = patched
	s.recomputeLocked()
	s.publishLocked(CauseOptimistic)
	s.mu.Unlock()
	s.drain()
	return nil
}

func validateTransition(held Item, kind MutationKind) error {
	switch kind {
	case MutationMarkRead:
		if held.Status != StatusActive && held.Status != StatusArchived {
			return &ValidationError{ItemID: held.ID, Reason: "cannot mark " + string(held.Status) + " item as read"}
		}
	case MutationArchive:
		if held.Status != StatusActive {
			return &ValidationError{ItemID: held.ID, Reason: "only active items can be archived"}
		}
	case MutationDelete:
		if held.Status != StatusActive && held.Status != StatusArchived {
			return &ValidationError{ItemID: held.ID, Reason: "cannot delete " + string(held.Status) + " item"}
		}
	default:
		return &ValidationError{ItemID: held.ID, Reason: "unknown mutation kind " + string(kind)}
	}
	return nil
}

// ConfirmOrRollback resolves a pending intent. Success makes the patch
// permanent (or purges the item for deletes); failure restores the rebased
// pre-patch snapshot.
func (s *Store) ConfirmOrRollback(intentID string, outcome Outcome) {
	s.mu.Lock()
	itemID, ok := s.intents[intentID]
	if !ok {
		s.mu.Unlock()
		return
	}
	p := s.pending[itemID]
	delete(s.intents, intentID)
	delete(s.pending, itemID)

	cause := CauseConfirm
	if outcome.Err == nil {
		switch {
		case outcome.Gone, p.intent.Kind == MutationDelete, p.baseGone:
			seen := p.base.LastActivityAt
			if held, ok := s.items[itemID]; ok {
				seen = latest(seen, held.LastActivityAt)
			}
			s.tombstoneLocked(itemID, seen)
			delete(s.items, itemID)
		case outcome.Item != nil && outcome.Item.ID == itemID:
			confirmed := outcome.Item.clone()
			confirmed.OwnerID = s.ownerID
			if confirmed.LastActivityAt.Before(p.base.LastActivityAt) {
				// A remote change landed after the gateway applied the intent.
				s.items[itemID] = p.base
			} else {
				s.items[itemID] = confirmed
			}
		}
	} else {
		cause = CauseRollback
		if p.baseGone {
			delete(s.items, itemID)
		} else {
			s.items[itemID] = p.base
		}
	}
	s.recomputeLocked()
	s.publishLocked(cause)
	s.mu.Unlock()
	s.drain()
}

func (s *Store) Item(itemID string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	return it.clone(), ok
}

func (s *Store) IsPending(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[itemID]
	return ok
}

func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Store) AppliedGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appliedGeneration
}

func (s *Store) LastFetchGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFetchGeneration
}

// Project returns the ordered view for filter. Deleted-pending rows are
// always hidden.
func (s *Store) Project(filter Filter) []Item {
	s.mu.Lock()
	ordered := s.orderedLocked()
	s.mu.Unlock()
	return filter.Apply(ordered)
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked("")
}

func (s *Store) recomputeLocked() {
	items := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		items = append(items, it)
	}
	s.stats = ComputeStats(items)
}

func (s *Store) orderedLocked() []Item {
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.clone())
	}
	SortItems(out)
	return out
}

func (s *Store) snapshotLocked(cause ChangeCause) Snapshot {
	return Snapshot{
		OwnerID:    s.ownerID,
		Items:      s.orderedLocked(),
		Stats:      s.stats,
		Generation: s.appliedGeneration,
		Version:    s.version,
		Cause:      cause,
	}
}

func (s *Store) publishLocked(cause ChangeCause) {
	s.version++
	if len(s.observers) == 0 {
		return
	}
	s.queue = append(s.queue, s.snapshotLocked(cause))
}

// drain delivers queued snapshots outside the lock. Only one goroutine
// drains at a time; observers may call back into the store.
func (s *Store) drain() {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.queue) > 0 {
		snap := s.queue[0]
		s.queue = s.queue[1:]
		observers := append(([]func(Snapshot))(nil), s.observers...)
		s.mu.Unlock()
		for _, fn := range observers {
			fn(snap)
		}
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

func itemsEqual(a, b Item) bool {
	if a.ID != b.ID || a.OwnerID != b.OwnerID || a.Counterpart != b.Counterpart ||
		a.PreviewText != b.PreviewText || !a.LastActivityAt.Equal(b.LastActivityAt) ||
		a.UnreadCount != b.UnreadCount || a.Priority != b.Priority || a.Status != b.Status ||
		len(a.Tags) != len(b.Tags) {
		return false
	}
	seen := make(map[string]int, len(a.Tags))
	for _, tag := range a.Tags {
		seen[tag]++
	}
	for _, tag := range b.Tags {
		if seen[tag] == 0 {
			return false
		}
		seen[tag]--
	}
	return true
}
