package history

import (
	"context"
	"sync"
)

// MemoryBackend keeps histories in process memory. Used by the console
// chat and in tests.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]Message
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]Message)}
}

func (b *MemoryBackend) Read(_ context.Context, key string) ([]Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msgs := b.data[key]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (b *MemoryBackend) Write(_ context.Context, key string, msgs []Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]Message, len(msgs))
	copy(cp, msgs)
	b.data[key] = cp
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

func (b *MemoryBackend) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	return keys, nil
}
