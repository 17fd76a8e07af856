package handoff

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryBackendConfig bounds the in-memory backend. Eviction and expiry are
// independent policies: MaxEntries evicts the least recently used record on
// insert, TTL expires records lazily on read.
type MemoryBackendConfig struct {
	MaxEntries int           `yaml:"max_entries" json:"max_entries"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultMemoryBackendConfig returns defaults sized for a single node.
func DefaultMemoryBackendConfig() MemoryBackendConfig {
	return MemoryBackendConfig{
		MaxEntries: 1024,
		TTL:        30 * time.Minute,
	}
}

type memoryEntry struct {
	rec     PreservedContext
	element *list.Element
}

// MemoryBackend is the default single-process store backend.
type MemoryBackend struct {
	mu      sync.Mutex
	config  MemoryBackendConfig
	entries map[string]*memoryEntry
	recency *list.List // front = most recently used, values are handoff ids
}

// NewMemoryBackend creates an in-memory backend.
func NewMemoryBackend(config MemoryBackendConfig) *MemoryBackend {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMemoryBackendConfig().MaxEntries
	}
	return &MemoryBackend{
		config:  config,
		entries: make(map[string]*memoryEntry),
		recency: list.New(),
	}
}

func (b *MemoryBackend) Put(_ context.Context, rec PreservedContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.entries[rec.HandoffID]; ok {
		existing.rec = rec
		b.recency.MoveToFront(existing.element)
		return nil
	}

	for len(b.entries) >= b.config.MaxEntries {
		oldest := b.recency.Back()
		if oldest == nil {
			break
		}
		b.remove(oldest.Value.(string))
	}

	b.entries[rec.HandoffID] = &memoryEntry{
		rec:     rec,
		element: b.recency.PushFront(rec.HandoffID),
	}
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, handoffID string) (PreservedContext, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[handoffID]
	if !ok {
		return PreservedContext{}, false, nil
	}
	if b.expired(entry.rec) {
		b.remove(handoffID)
		return PreservedContext{}, false, nil
	}
	b.recency.MoveToFront(entry.element)
	return entry.rec, true, nil
}

func (b *MemoryBackend) Delete(_ context.Context, handoffID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[handoffID]; !ok {
		return false, nil
	}
	b.remove(handoffID)
	return true, nil
}

func (b *MemoryBackend) Stats(_ context.Context) (BackendStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := BackendStats{Count: len(b.entries)}
	now := time.Now()
	for _, entry := range b.entries {
		stats.TotalSize += int64(entry.rec.Size)
		if age := now.Sub(entry.rec.CreatedAt); age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	return stats, nil
}

// remove must be called with the lock held.
func (b *MemoryBackend) remove(handoffID string) {
	if entry, ok := b.entries[handoffID]; ok {
		b.recency.Remove(entry.element)
		delete(b.entries, handoffID)
	}
}

func (b *MemoryBackend) expired(rec PreservedContext) bool {
	return b.config.TTL > 0 && time.Since(rec.CreatedAt) > b.config.TTL
}
