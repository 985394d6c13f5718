// Package dispute handles buyer disputes against orders and their admin
// resolution. A dispute is 1:1 with an order, carries at least one piece of
// evidence, and is resolved exactly once.
//
// Flow:
//  1. Buyer raises a dispute on an in-transit or delivered order → order
//     frozen in disputed, satisfaction forced to disputed
//  2. Parties attach evidence while the dispute is open
//  3. Admin resolves → escrow settles (refund or release), order moves to
//     refunded/completed, dispute closes with the outcome recorded
//
// The escrow settlement is the commit point: if it aborts, the dispute stays
// open and the order stays disputed.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gamedayrelics/ordercore/internal/actor"
	"github.com/gamedayrelics/ordercore/internal/audit"
	"github.com/gamedayrelics/ordercore/internal/escrow"
	"github.com/gamedayrelics/ordercore/internal/idgen"
	"github.com/gamedayrelics/ordercore/internal/logging"
	"github.com/gamedayrelics/ordercore/internal/metrics"
	"github.com/gamedayrelics/ordercore/internal/order"
	"github.com/gamedayrelics/ordercore/internal/syncutil"
	"github.com/gamedayrelics/ordercore/internal/traces"
)

var (
	ErrNotFound        = errors.New("dispute not found")
	ErrAlreadyDisputed = errors.New("order already has a dispute")
	ErrAlreadyResolved = errors.New("dispute already resolved")
	ErrNoEvidence      = errors.New("a dispute requires at least one piece of evidence")
	ErrNotDisputable   = errors.New("order status does not permit a dispute")
	ErrUnauthorized    = errors.New("actor not permitted for this dispute action")
	ErrInvalidInput    = errors.New("invalid dispute input")
)

// Status is the lifecycle state of a dispute.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Reason is the buyer's claimed grounds for the dispute.
type Reason string

const (
	ReasonFake        Reason = "fake"
	ReasonBroken      Reason = "broken"
	ReasonNotVerified Reason = "not_verified"
	ReasonOther       Reason = "other"
)

// Valid reports whether r is a recognized reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonFake, ReasonBroken, ReasonNotVerified, ReasonOther:
		return true
	}
	return false
}

// Resolution is the admin's decision on a dispute.
type Resolution string

const (
	ResolutionRefundBuyer   Resolution = "refund_buyer"
	ResolutionReleaseSeller Resolution = "release_seller"
)

// Evidence is one item attached to a dispute.
type Evidence struct {
	SubmittedByID string    `json:"submittedById"`
	SubmittedRole string    `json:"submittedRole"`
	Content       string    `json:"content"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// Dispute is a buyer's claim against an order.
type Dispute struct {
	ID             string     `json:"id"`
	OrderID        string     `json:"orderId"`
	RaisedByID     string     `json:"raisedById"`
	Reason         Reason     `json:"reason"`
	Description    string     `json:"description,omitempty"`
	Evidence       []Evidence `json:"evidence"`
	Status         Status     `json:"status"`
	Resolution     Resolution `json:"resolution,omitempty"`
	ResolvedByID   string     `json:"resolvedById,omitempty"`
	ResolutionNote string     `json:"resolutionNote,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists disputes. Update applies a compare-and-swap on status with
// the audit record in the same transaction. Delete exists only to unwind a
// dispute whose order transition failed.
type Store interface {
	Create(ctx context.Context, d *Dispute, rec *audit.Record) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByOrder(ctx context.Context, orderID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute, expectStatus Status, rec *audit.Record) error
	Delete(ctx context.Context, id string) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
}

// Orders is the slice of the order service disputes act on.
type Orders interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	Transition(ctx context.Context, orderID string, to order.Status, a actor.Actor) (*order.Order, error)
}

// Ledger settles escrowed funds when a dispute is resolved.
type Ledger interface {
	Release(ctx context.Context, orderID string, a actor.Actor, opts escrow.SettleOpts) (*escrow.Entry, error)
	Refund(ctx context.Context, orderID string, a actor.Actor, opts escrow.SettleOpts) (*escrow.Entry, error)
}

// OpenRequest contains the parameters for raising a dispute.
type OpenRequest struct {
	OrderID     string   `json:"orderId" binding:"required"`
	Reason      Reason   `json:"reason" binding:"required"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence" binding:"required"`
}

// Service manages the dispute lifecycle.
type Service struct {
	store  Store
	orders Orders
	ledger Ledger
	locks  syncutil.ShardedMutex
}

// NewService creates a new dispute service.
func NewService(store Store, orders Orders, ledger Ledger) *Service {
	return &Service{store: store, orders: orders, ledger: ledger}
}

// Open raises a dispute on behalf of the order's buyer. The order must be
// in_transit or delivered, must not already have a dispute, and at least one
// piece of evidence is required up front.
func (s *Service) Open(ctx context.Context, req OpenRequest, a actor.Actor) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open", traces.OrderID(req.OrderID))
	defer span.End()

	evidence := trimEvidence(req.Evidence)
	if len(evidence) == 0 {
		return nil, ErrNoEvidence
	}
	if !req.Reason.Valid() {
		return nil, fmt.Errorf("%w: unknown reason %q", ErrInvalidInput, req.Reason)
	}

	unlock := s.locks.Lock(req.OrderID)
	defer unlock()

	o, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	// The duplicate check runs before the status check: a second claim on a
	// disputed order reports the existing dispute, not the frozen status.
	if _, err := s.store.GetByOrder(ctx, req.OrderID); err == nil {
		return nil, ErrAlreadyDisputed
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if o.Status != order.StatusInTransit && o.Status != order.StatusDelivered {
		return nil, fmt.Errorf("%w: order is %s", ErrNotDisputable, o.Status)
	}
	if a.Role == actor.RoleBuyer && a.ID != o.BuyerID {
		return nil, fmt.Errorf("%w: only the order's buyer may dispute it", ErrUnauthorized)
	}
	if a.Role != actor.RoleBuyer && a.Role != actor.RoleSystem {
		return nil, fmt.Errorf("%w: role %s cannot raise disputes", ErrUnauthorized, a.Role)
	}

	now := time.Now()
	d := &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		OrderID:     req.OrderID,
		RaisedByID:  a.ID,
		Reason:      req.Reason,
		Description: strings.TrimSpace(req.Description),
		Status:      StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, content := range evidence {
		d.Evidence = append(d.Evidence, Evidence{
			SubmittedByID: a.ID,
			SubmittedRole: string(a.Role),
			Content:       content,
			SubmittedAt:   now,
		})
	}

	rec := audit.New(audit.EntityDispute, d.ID, a, "dispute_opened")
	rec.After = audit.Snapshot(disputeView(d))
	rec.RequestID = logging.RequestID(ctx)
	if err := s.store.Create(ctx, d, rec); err != nil {
		return nil, fmt.Errorf("failed to record dispute: %w", err)
	}

	// Freezing the order is what gives the dispute effect; if the transition
	// loses a race the dispute record is unwound.
	if _, err := s.orders.Transition(ctx, req.OrderID, order.StatusDisputed, a); err != nil {
		if derr := s.store.Delete(ctx, d.ID); derr != nil {
			logging.L(ctx).Error("CRITICAL: dispute recorded but order not frozen and unwind failed",
				"disputeId", d.ID, "orderId", req.OrderID, "error", derr)
		}
		return nil, fmt.Errorf("failed to freeze order: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("opened").Inc()
	logging.L(ctx).Info("dispute opened",
		"disputeId", d.ID, "orderId", req.OrderID, "raisedBy", a.ID)
	return d, nil
}

// AddEvidence attaches an item to an open dispute. The order's buyer,
// seller, and admins may submit.
func (s *Service) AddEvidence(ctx context.Context, disputeID, content string, a actor.Actor) (*Dispute, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: evidence content is required", ErrInvalidInput)
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(d.OrderID)
	defer unlock()

	d, err = s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrAlreadyResolved
	}

	o, err := s.orders.Get(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	switch {
	case a.Role == actor.RoleAdmin:
	case a.Role == actor.RoleBuyer && a.ID == o.BuyerID:
	case a.Role == actor.RoleSeller && a.ID == o.SellerID:
	default:
		return nil, fmt.Errorf("%w: only the order's parties may submit evidence", ErrUnauthorized)
	}

	rec := audit.New(audit.EntityDispute, d.ID, a, "evidence_added")
	rec.Before = audit.Snapshot(disputeView(d))
	rec.RequestID = logging.RequestID(ctx)

	d.Evidence = append(d.Evidence, Evidence{
		SubmittedByID: a.ID,
		SubmittedRole: string(a.Role),
		Content:       content,
		SubmittedAt:   time.Now(),
	})
	d.UpdatedAt = time.Now()
	rec.After = audit.Snapshot(disputeView(d))

	if err := s.store.Update(ctx, d, StatusOpen, rec); err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("evidence_added").Inc()
	return d, nil
}

// Resolve closes an open dispute with the admin's decision. The escrow
// settlement commits first: if it aborts, nothing else changes and the
// dispute stays open. Once custody is committed, the resolution stands even
// if the provider transfer itself fails (the payout is retried separately).
func (s *Service) Resolve(ctx context.Context, disputeID string, resolution Resolution, note string, a actor.Actor) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve",
		traces.DisputeID(disputeID), traces.ActorRole(string(a.Role)))
	defer span.End()

	if a.Role != actor.RoleAdmin {
		return nil, fmt.Errorf("%w: only admins resolve disputes", ErrUnauthorized)
	}
	if resolution != ResolutionRefundBuyer && resolution != ResolutionReleaseSeller {
		return nil, fmt.Errorf("%w: unknown resolution %q", ErrInvalidInput, resolution)
	}
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, fmt.Errorf("%w: a resolution note is required", ErrInvalidInput)
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(d.OrderID)
	defer unlock()

	d, err = s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, ErrAlreadyResolved
	}

	var (
		entry     *escrow.Entry
		settleErr error
		toStatus  order.Status
		event     string
	)
	opts := escrow.SettleOpts{DisputeResolution: true}
	switch resolution {
	case ResolutionRefundBuyer:
		entry, settleErr = s.ledger.Refund(ctx, d.OrderID, a, opts)
		toStatus, event = order.StatusRefunded, "resolved_refund"
	case ResolutionReleaseSeller:
		entry, settleErr = s.ledger.Release(ctx, d.OrderID, a, opts)
		toStatus, event = order.StatusCompleted, "resolved_release"
	}

	if settleErr != nil && entry == nil {
		// Settlement aborted before the custody commit: dispute stays open.
		return nil, fmt.Errorf("escrow settlement failed: %w", settleErr)
	}
	if settleErr != nil {
		// Custody committed; the transfer failed and is retried via the
		// admin payout surface. The resolution proceeds.
		logging.L(ctx).Warn("dispute resolved with failed provider transfer",
			"disputeId", d.ID, "orderId", d.OrderID, "error", settleErr)
	}

	if _, err := s.orders.Transition(ctx, d.OrderID, toStatus, a); err != nil {
		// Funds already moved. Retry once, then leave the trail for a human.
		if _, err2 := s.orders.Transition(ctx, d.OrderID, toStatus, a); err2 != nil {
			logging.L(ctx).Error("CRITICAL: escrow settled but order transition failed",
				"disputeId", d.ID, "orderId", d.OrderID, "to", toStatus, "error", err2)
		}
	}

	rec := audit.New(audit.EntityDispute, d.ID, a, "dispute_"+event)
	rec.Before = audit.Snapshot(disputeView(d))
	rec.RequestID = logging.RequestID(ctx)

	now := time.Now()
	d.Status = StatusResolved
	d.Resolution = resolution
	d.ResolvedByID = a.ID
	d.ResolutionNote = note
	d.UpdatedAt = now
	d.ResolvedAt = &now
	rec.After = audit.Snapshot(disputeView(d))

	if err := s.store.Update(ctx, d, StatusOpen, rec); err != nil {
		if err2 := s.store.Update(ctx, d, StatusOpen, rec); err2 != nil {
			logging.L(ctx).Error("CRITICAL: escrow settled but dispute not marked resolved",
				"disputeId", d.ID, "orderId", d.OrderID, "error", err2)
			return nil, err2
		}
	}

	metrics.DisputesTotal.WithLabelValues(event).Inc()
	logging.L(ctx).Info("dispute resolved",
		"disputeId", d.ID, "orderId", d.OrderID, "resolution", resolution, "admin", a.ID)
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns the dispute attached to an order.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	return s.store.GetByOrder(ctx, orderID)
}

// ListOpen returns open disputes, oldest first.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, StatusOpen, limit)
}

func trimEvidence(items []string) []string {
	var out []string
	for _, item := range items {
		if t := strings.TrimSpace(item); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// disputeView is the slice of dispute state captured in audit snapshots.
func disputeView(d *Dispute) map[string]any {
	return map[string]any{
		"status":        string(d.Status),
		"resolution":    string(d.Resolution),
		"evidenceCount": len(d.Evidence),
	}
}
