package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentworkforce/inboxsync/internal/inboxsync"
)

const fixtureDebounce = 100 * time.Millisecond

// LoadFixtures reads a JSON array of items and replaces every owner it
// names. Owners loaded earlier but absent from the file are emptied.
func LoadFixtures(m *Memory, path string, known map[string]struct{}) (map[string]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return known, fmt.Errorf("read fixtures: %w", err)
	}
	var items []inboxsync.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return known, fmt.Errorf("decode fixtures: %w", err)
	}
	byOwner := map[string][]inboxsync.Item{}
	for _, it := range items {
		owner := strings.TrimSpace(it.OwnerID)
		if owner == "" || strings.TrimSpace(it.ID) == "" {
			return known, fmt.Errorf("fixture item requires ownerId and id")
		}
		byOwner[owner] = append(byOwner[owner], it)
	}
	loaded := make(map[string]struct{}, len(byOwner))
	for owner, ownerItems := range byOwner {
		m.Replace(owner, ownerItems)
		loaded[owner] = struct{}{}
	}
	for owner := range known {
		if _, ok := loaded[owner]; !ok {
			m.Replace(owner, nil)
		}
	}
	return loaded, nil
}

// WatchFixtures loads path and reloads it whenever it changes until ctx is
// done. The parent directory is watched so editors that replace the file
// by rename are picked up.
func WatchFixtures(ctx context.Context, m *Memory, path string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	path = filepath.Clean(path)
	known, err := LoadFixtures(m, path, nil)
	if err != nil {
		return err
	}
	logger.Info("fixtures loaded", zap.String("path", path), zap.Int("owners", len(known)))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fixture watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				reload = time.After(fixtureDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("fixture watcher error", zap.Error(err))
		case <-reload:
			reload = nil
			next, err := LoadFixtures(m, path, known)
			if err != nil {
				logger.Warn("fixture reload failed", zap.String("path", path), zap.Error(err))
				continue
			}
			known = next
			logger.Info("fixtures reloaded", zap.String("path", path), zap.Int("owners", len(known)))
		}
	}
}
