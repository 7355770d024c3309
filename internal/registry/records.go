package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is a generic row for the append-mostly repositories (requests,
// policies, compliance, audit). Fields is the flattened attribute map.
type Record struct {
	ID        uuid.UUID              `json:"id"`
	CreatedAt time.Time              `json:"created_at"`
	Fields    map[string]interface{} `json:"fields"`
}

// RecordRepository is an in-memory append-mostly store shared by the four
// non-catalog repositories. Reads go through the same invalidate-on-write
// cache discipline as the catalog repositories.
type RecordRepository struct {
	name string

	mu      sync.RWMutex
	records []*Record
	byID    map[uuid.UUID]*Record
	cache   *queryCache
}

func NewRecordRepository(name string) *RecordRepository {
	return &RecordRepository{
		name:  name,
		byID:  make(map[uuid.UUID]*Record),
		cache: newQueryCache(),
	}
}

// Append stores a new record and returns it.
func (r *RecordRepository) Append(fields map[string]interface{}) *Record {
	rec := &Record{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
		Fields:    fields,
	}
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.byID[rec.ID] = rec
	r.mu.Unlock()
	r.cache.invalidate()
	return rec
}

// Get returns a record by id, or nil.
func (r *RecordRepository) Get(id uuid.UUID) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Recent returns the newest n records, newest first.
func (r *RecordRepository) Recent(n int) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > len(r.records) {
		n = len(r.records)
	}
	out := make([]*Record, 0, n)
	for i := len(r.records) - 1; i >= len(r.records)-n; i-- {
		out = append(out, r.records[i])
	}
	return out
}

// FilterBy returns records whose field key equals value.
func (r *RecordRepository) FilterBy(key string, value interface{}) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Record
	for _, rec := range r.records {
		if rec.Fields[key] == value {
			out = append(out, rec)
		}
	}
	return out
}

// Count returns the number of records.
func (r *RecordRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// CacheStats exposes the repository cache counters.
func (r *RecordRepository) CacheStats() map[string]interface{} {
	return r.cache.stats()
}

func (r *RecordRepository) snapshot() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := make([]*Record, len(r.records))
	copy(snap, r.records)
	return snap
}

func (r *RecordRepository) restore(snap []*Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make([]*Record, len(snap))
	copy(r.records, snap)
	r.byID = make(map[uuid.UUID]*Record, len(snap))
	for _, rec := range snap {
		r.byID[rec.ID] = rec
	}
	r.cache.invalidate()
}
