package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-memory audit log for demo/development mode.
type MemoryLog struct {
	records []*Record
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryLog creates an in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, rec *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	cp := *rec
	cp.ID = l.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	l.records = append(l.records, &cp)
	return nil
}

func (l *MemoryLog) Query(_ context.Context, f Filter) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var result []*Record
	// Iterate in reverse for descending order.
	for i := len(l.records) - 1; i >= 0 && len(result) < limit; i-- {
		r := l.records[i]
		if f.EntityType != "" && r.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && r.EntityID != f.EntityID {
			continue
		}
		if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && r.CreatedAt.After(f.To) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	return result, nil
}

// Records returns all stored records in append order (for testing).
func (l *MemoryLog) Records() []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Record, len(l.records))
	copy(result, l.records)
	return result
}
