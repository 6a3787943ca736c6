package identity

import (
	"context"
	"sync"
)

// Directory resolves account display names. Ids without an account are omitted from the result.
type Directory interface {
	DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error)
}

// InMemoryDirectory is a Directory for development and tests.
type InMemoryDirectory struct {
	mu    sync.RWMutex
	names map[int64]string
}

// NewInMemoryDirectory constructs a directory seeded with names (may be nil).
func NewInMemoryDirectory(names map[int64]string) *InMemoryDirectory {
	d := &InMemoryDirectory{names: make(map[int64]string, len(names))}
	for id, n := range names {
		d.names[id] = n
	}
	return d
}

// Put sets the display name for id.
func (d *InMemoryDirectory) Put(id int64, name string) {
	d.mu.Lock()
	d.names[id] = name
	d.mu.Unlock()
}

func (d *InMemoryDirectory) DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[int64]string, len(ids))
	for _, id := range ids {
		if n, ok := d.names[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
