package inboxsync

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type Status string

const (
	StatusActive         Status = "active"
	StatusArchived       Status = "archived"
	StatusDeletedPending Status = "deleted-pending"
	StatusGone           Status = "gone"
)

type Counterpart struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Item is one conversation row as held by the owner's inbox.
type Item struct {
	ID             string      `json:"id"`
	OwnerID        string      `json:"ownerId"`
	Counterpart    Counterpart `json:"counterpart"`
	PreviewText    string      `json:"previewText,omitempty"`
	LastActivityAt time.Time   `json:"lastActivityAt"`
	UnreadCount    int         `json:"unreadCount"`
	Priority       Priority    `json:"priority"`
	Status         Status      `json:"status"`
	Tags           []string    `json:"tags,omitempty"`
}

func (it Item) clone() Item {
	if it.Tags != nil {
		it.Tags = append([]string(nil), it.Tags...)
	}
	return it
}

func (it Item) visible() bool {
	return it.Status != StatusDeletedPending && it.Status != StatusGone
}

// Stats is derived from the held item set and is never patched directly.
type Stats struct {
	Total             int `json:"total"`
	ActiveCount       int `json:"activeCount"`
	ArchivedCount     int `json:"archivedCount"`
	UnreadTotal       int `json:"unreadTotal"`
	HighPriorityCount int `json:"highPriorityCount"`
}

func ComputeStats(items []Item) Stats {
	var stats Stats
	for _, it := range items {
		if !it.visible() {
			continue
		}
		stats.Total++
		switch it.Status {
		case StatusActive:
			stats.ActiveCount++
			stats.UnreadTotal += it.UnreadCount
			if it.Priority == PriorityHigh || it.Priority == PriorityUrgent {
				stats.HighPriorityCount++
			}
		case StatusArchived:
			stats.ArchivedCount++
		}
	}
	return stats
}

// SortItems orders by LastActivityAt descending with ID ascending as tiebreak.
func SortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].LastActivityAt.Equal(items[j].LastActivityAt) {
			return items[i].LastActivityAt.After(items[j].LastActivityAt)
		}
		return items[i].ID < items[j].ID
	})
}

type Filter struct {
	Status     Status `json:"status,omitempty"`
	SearchTerm string `json:"searchTerm,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func (f Filter) Match(it Item) bool {
	if !it.visible() {
		return false
	}
	if f.Status != "" && it.Status != f.Status {
		return false
	}
	term := strings.ToLower(strings.TrimSpace(f.SearchTerm))
	if term == "" {
		return true
	}
	if strings.Contains(strings.ToLower(it.Counterpart.DisplayName), term) ||
		strings.Contains(strings.ToLower(it.PreviewText), term) {
		return true
	}
	for _, tag := range it.Tags {
		if strings.Contains(strings.ToLower(tag), term) {
			return true
		}
	}
	return false
}

// Apply filters an ordered slice and truncates it to the limit.
func (f Filter) Apply(items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if !f.Match(it) {
			continue
		}
		out = append(out, it.clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

type MutationKind string

const (
	MutationMarkRead MutationKind = "markRead"
	MutationArchive  MutationKind = "archive"
	MutationDelete   MutationKind = "delete"
)

// Patch carries the item fields an intent changes; nil fields are untouched.
type Patch struct {
	UnreadCount *int    `json:"unreadCount,omitempty"`
	Status      *Status `json:"status,omitempty"`
}

func (p Patch) apply(it Item) Item {
	if p.UnreadCount != nil {
		it.UnreadCount = *p.UnreadCount
	}
	if p.Status != nil {
		it.Status = *p.Status
	}
	return it
}

type MutationIntent struct {
	ID           string       `json:"id"`
	TargetItemID string       `json:"targetItemId"`
	Kind         MutationKind `json:"kind"`
	IssuedAt     time.Time    `json:"issuedAt"`
	Patch        Patch        `json:"patch"`
	Generation   uint64       `json:"generation"`
}

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

type Event struct {
	Type     EventType `json:"eventType"`
	Previous *Item     `json:"previous,omitempty"`
	Current  *Item     `json:"current,omitempty"`
}

// ItemID resolves the target id from whichever side of the event is present.
func (e Event) ItemID() string {
	if e.Current != nil && e.Current.ID != "" {
		return e.Current.ID
	}
	if e.Previous != nil {
		return e.Previous.ID
	}
	return ""
}

// Generations mints the per-owner sequence shared by fetches and events.
type Generations struct {
	last atomic.Uint64
}

func (g *Generations) Next() uint64 {
	return g.last.Add(1)
}

func (g *Generations) Current() uint64 {
	return g.last.Load()
}

func intPtr(v int) *int { return &v }

func statusPtr(s Status) *Status { return &s }
