package order

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gamedayrelics/ordercore/internal/audit"
	"github.com/gamedayrelics/ordercore/internal/pagination"
)

// MemoryStore is an in-memory order store for development mode and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
	auditl audit.Logger
}

// NewMemoryStore creates an in-memory store. The audit logger receives the
// record for every successful write, under the store's lock.
func NewMemoryStore(auditl audit.Logger) *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		auditl: auditl,
	}
}

func (s *MemoryStore) Create(ctx context.Context, o *Order, rec *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("%w: order %s already exists", ErrConflict, o.ID)
	}
	s.orders[o.ID] = cloneOrder(o)
	return s.auditl.Append(ctx, rec)
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) Update(ctx context.Context, o *Order, expectStatus Status, rec *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expectStatus {
		return fmt.Errorf("%w: expected status %s, found %s", ErrConflict, expectStatus, cur.Status)
	}
	s.orders[o.ID] = cloneOrder(o)
	return s.auditl.Append(ctx, rec)
}

func (s *MemoryStore) ListByBuyer(_ context.Context, buyerID string, after *pagination.Cursor, limit int) ([]*Order, error) {
	return s.list(func(o *Order) bool { return o.BuyerID == buyerID }, after, limit), nil
}

func (s *MemoryStore) ListBySeller(_ context.Context, sellerID string, after *pagination.Cursor, limit int) ([]*Order, error) {
	return s.list(func(o *Order) bool { return o.SellerID == sellerID }, after, limit), nil
}

func (s *MemoryStore) list(match func(*Order) bool, after *pagination.Cursor, limit int) []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Order
	for _, o := range s.orders {
		if !match(o) {
			continue
		}
		if after != nil && !beforeCursor(o, after) {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// beforeCursor reports whether o sorts strictly after the cursor position in
// the newest-first ordering.
func beforeCursor(o *Order, c *pagination.Cursor) bool {
	if o.CreatedAt.Equal(c.CreatedAt) {
		return o.ID < c.ID
	}
	return o.CreatedAt.Before(c.CreatedAt)
}

func cloneOrder(o *Order) *Order {
	c := *o
	c.History = append([]Transition(nil), o.History...)
	return &c
}

var _ Store = (*MemoryStore)(nil)
