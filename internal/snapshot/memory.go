package snapshot

import (
	"context"
	"encoding/json"
	"sync"
)

type MemoryBackend struct {
	mu      sync.Mutex
	records map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: map[string][]byte{}}
}

// Records round-trip through JSON so callers never share slices with the
// backend.
func (b *MemoryBackend) Load(_ context.Context, ownerID string) (*Record, error) {
	b.mu.Lock()
	data, ok := b.records[ownerID]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (b *MemoryBackend) Save(_ context.Context, record *Record) error {
	if record == nil {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[record.OwnerID] = data
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
