package dispute

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gamedayrelics/ordercore/internal/audit"
)

// MemoryStore is an in-memory dispute store for development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	byOrder  map[string]string
	auditl   audit.Logger
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(auditl audit.Logger) *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		byOrder:  make(map[string]string),
		auditl:   auditl,
	}
}

func (s *MemoryStore) Create(ctx context.Context, d *Dispute, rec *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byOrder[d.OrderID]; exists {
		return ErrAlreadyDisputed
	}
	s.disputes[d.ID] = cloneDispute(d)
	s.byOrder[d.OrderID] = d.ID
	return s.auditl.Append(ctx, rec)
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDispute(d), nil
}

func (s *MemoryStore) GetByOrder(_ context.Context, orderID string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDispute(s.disputes[id]), nil
}

func (s *MemoryStore) Update(ctx context.Context, d *Dispute, expectStatus Status, rec *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.disputes[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expectStatus {
		return fmt.Errorf("%w: status is %s, not %s", ErrAlreadyResolved, cur.Status, expectStatus)
	}
	s.disputes[d.ID] = cloneDispute(d)
	return s.auditl.Append(ctx, rec)
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.disputes[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byOrder, d.OrderID)
	delete(s.disputes, id)
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Dispute
	for _, d := range s.disputes {
		if d.Status == status {
			out = append(out, cloneDispute(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneDispute(d *Dispute) *Dispute {
	c := *d
	c.Evidence = append([]Evidence(nil), d.Evidence...)
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

var _ Store = (*MemoryStore)(nil)
