package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// JSONFileBackend keeps every owner's record in one JSON document that is
// rewritten atomically on save.
type JSONFileBackend struct {
	Path string

	mu sync.Mutex
}

type fileDocument struct {
	Owners map[string]*Record `json:"owners"`
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load(_ context.Context, ownerID string) (*Record, error) {
	if strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, err := b.readLocked()
	if err != nil {
		return nil, err
	}
	return doc.Owners[ownerID], nil
}

func (b *JSONFileBackend) Save(_ context.Context, record *Record) error {
	if strings.TrimSpace(b.Path) == "" || record == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, err := b.readLocked()
	if err != nil {
		return err
	}
	doc.Owners[record.OwnerID] = record
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(b.Path, data, 0o600)
}

func (b *JSONFileBackend) Close() error {
	return nil
}

func (b *JSONFileBackend) readLocked() (*fileDocument, error) {
	doc := &fileDocument{}
	data, err := os.ReadFile(b.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, err
		}
	}
	if doc.Owners == nil {
		doc.Owners = map[string]*Record{}
	}
	return doc, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
