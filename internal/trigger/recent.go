package trigger

import (
	"sync"

	"pullci/internal/core"
)

// RecentRuns keeps the last N finished run records in memory.
type RecentRuns struct {
	mu    sync.RWMutex
	size  int
	order []string
	byID  map[string]*core.RunRecord
}

// NewRecentRuns keeps at most size records. size < 1 is treated as 1.
func NewRecentRuns(size int) *RecentRuns {
	if size < 1 {
		size = 1
	}
	return &RecentRuns{size: size, byID: make(map[string]*core.RunRecord, size)}
}

func (r *RecentRuns) Add(rec *core.RunRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[rec.ID]; !ok {
		r.order = append(r.order, rec.ID)
	}
	r.byID[rec.ID] = rec
	for len(r.order) > r.size {
		delete(r.byID, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *RecentRuns) Get(id string) (*core.RunRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	return rec, ok
}

// List returns the kept records, newest first.
func (r *RecentRuns) List() []*core.RunRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.RunRecord, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, r.byID[r.order[i]])
	}
	return out
}
