package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gamedayrelics/ordercore/internal/audit"
)

// MemoryStore is an in-memory escrow store for development mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	auditl  audit.Logger
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(auditl audit.Logger) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		auditl:  auditl,
	}
}

func (s *MemoryStore) Create(ctx context.Context, e *Entry, rec *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.OrderID]; exists {
		return fmt.Errorf("escrow entry for order %s already exists", e.OrderID)
	}
	s.entries[e.OrderID] = cloneEntry(e)
	return s.auditl.Append(ctx, rec)
}

func (s *MemoryStore) Get(_ context.Context, orderID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(e), nil
}

func (s *MemoryStore) Update(ctx context.Context, e *Entry, expectCustody CustodyStatus, rec *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[e.OrderID]
	if !ok {
		return ErrNotFound
	}
	if cur.Custody != expectCustody {
		return fmt.Errorf("%w: custody is %s, not %s", ErrConflictingCustody, cur.Custody, expectCustody)
	}
	s.entries[e.OrderID] = cloneEntry(e)
	return s.auditl.Append(ctx, rec)
}

func (s *MemoryStore) ListFailedPayouts(_ context.Context, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, e := range s.entries {
		if e.Payout == PayoutFailed {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneEntry(e *Entry) *Entry {
	c := *e
	if e.SettledAt != nil {
		t := *e.SettledAt
		c.SettledAt = &t
	}
	return &c
}

var _ Store = (*MemoryStore)(nil)
