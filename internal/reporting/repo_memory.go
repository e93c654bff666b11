package reporting

import (
	"context"
	"sync"

	"clinic-paging/internal/calls"
)

// MemoryRepo is a simple in-memory reporting repository for tests.
type MemoryRepo struct {
	mu    sync.Mutex
	Calls []calls.Call
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) SectorCalls(ctx context.Context, sectorID int64) ([]calls.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.Call, 0)
	for _, c := range r.Calls {
		if c.SectorID == sectorID {
			out = append(out, c)
		}
	}
	return out, nil
}
