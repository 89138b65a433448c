package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps entries in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[Ref]*Entry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[Ref]*Entry)}
}

// Get implements Backend.
func (b *MemoryBackend) Get(_ context.Context, ref Ref) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.entries[ref]
	if !ok {
		return nil, ErrNotFound
	}

	return entry, nil
}

// Put implements Backend.
func (b *MemoryBackend) Put(_ context.Context, entry *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[entry.Ref]; ok {
		return ErrExists
	}

	b.entries[entry.Ref] = entry

	return nil
}

// History implements Backend.
func (b *MemoryBackend) History(_ context.Context, prID int64, path string) ([]*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Entry

	for ref, entry := range b.entries {
		if ref.PRID == prID && ref.Path == path {
			out = append(out, entry)
		}
	}

	sortByCreation(out)

	return out, nil
}

// Expired implements Backend.
func (b *MemoryBackend) Expired(_ context.Context, before time.Time) ([]Ref, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Ref

	for ref, entry := range b.entries {
		if entry.CreatedAt.Before(before) {
			out = append(out, ref)
		}
	}

	return out, nil
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(_ context.Context, refs ...Ref) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ref := range refs {
		delete(b.entries, ref)
	}

	return nil
}

// Len returns the number of stored entries.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.entries)
}

func sortByCreation(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}

		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
