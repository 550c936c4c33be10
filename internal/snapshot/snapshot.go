// Package snapshot caches the last accepted inbox fetch per owner so a new
// session can render before its first fetch resolves.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/inboxsync/internal/inboxsync"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Record is one owner's cached fetch.
type Record struct {
	OwnerID string           `json:"ownerId"`
	Items   []inboxsync.Item `json:"items"`
	Stats   inboxsync.Stats  `json:"stats"`
	SavedAt time.Time        `json:"savedAt"`
}

// Backend stores records keyed by owner. Load returns nil, nil when nothing
// is cached for the owner.
type Backend interface {
	Load(ctx context.Context, ownerID string) (*Record, error)
	Save(ctx context.Context, record *Record) error
	Close() error
}

type CacheOptions struct {
	// MaxAge discards records older than this on load; zero keeps them all.
	MaxAge time.Duration
	Now    func() time.Time
}

// Cache adapts a Backend to the session's snapshot cache.
type Cache struct {
	backend Backend
	maxAge  time.Duration
	now     func() time.Time
}

func NewCache(backend Backend, opts CacheOptions) (*Cache, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{backend: backend, maxAge: opts.MaxAge, now: now}, nil
}

func (c *Cache) Load(ctx context.Context, ownerID string) ([]inboxsync.Item, bool, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, false, ErrInvalidInput
	}
	record, err := c.backend.Load(ctx, ownerID)
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot for %s: %w", ownerID, err)
	}
	if record == nil {
		return nil, false, nil
	}
	if c.maxAge > 0 && c.now().Sub(record.SavedAt) > c.maxAge {
		return nil, false, nil
	}
	return record.Items, true, nil
}

func (c *Cache) Save(ctx context.Context, ownerID string, items []inboxsync.Item, stats inboxsync.Stats) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return ErrInvalidInput
	}
	record := &Record{
		OwnerID: ownerID,
		Items:   append([]inboxsync.Item(nil), items...),
		Stats:   stats,
		SavedAt: c.now().UTC(),
	}
	if err := c.backend.Save(ctx, record); err != nil {
		return fmt.Errorf("save snapshot for %s: %w", ownerID, err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.backend.Close()
}
