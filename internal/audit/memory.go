package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository menyimpan entri di memori untuk mode pengembangan dan tes.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries []Entry
	seen    map[uuid.UUID]struct{}
}

// NewMemoryRepository membuat repository kosong.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{seen: make(map[uuid.UUID]struct{})}
}

// Append menambahkan entri; ID yang sama diabaikan.
func (r *MemoryRepository) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[entry.ID]; ok {
		return nil
	}
	r.seen[entry.ID] = struct{}{}
	r.entries = append(r.entries, entry)
	return nil
}

// Query mengembalikan entri terbaru lebih dulu.
func (r *MemoryRepository) Query(ctx context.Context, q Query) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	matched := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if q.Matches(e) {
			matched = append(matched, e)
		}
	}
	r.mu.RUnlock()
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].OccurredAt.After(matched[j].OccurredAt)
	})
	if q.Offset >= len(matched) {
		return []Entry{}, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

// Len mengembalikan jumlah entri tersimpan.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
