package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gamedayrelics/ordercore/internal/actor"
	"github.com/gamedayrelics/ordercore/internal/audit"
	"github.com/gamedayrelics/ordercore/internal/idgen"
	"github.com/gamedayrelics/ordercore/internal/logging"
	"github.com/gamedayrelics/ordercore/internal/metrics"
	"github.com/gamedayrelics/ordercore/internal/pagination"
	"github.com/gamedayrelics/ordercore/internal/syncutil"
	"github.com/gamedayrelics/ordercore/internal/traces"
	"github.com/gamedayrelics/ordercore/internal/validation"
)

// Store persists orders. Update must apply a compare-and-swap on the order's
// status (expectStatus) and commit the audit record in the same transaction,
// so a transition is never visible without its audit trail.
type Store interface {
	Create(ctx context.Context, o *Order, rec *audit.Record) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order, expectStatus Status, rec *audit.Record) error
	ListByBuyer(ctx context.Context, buyerID string, after *pagination.Cursor, limit int) ([]*Order, error)
	ListBySeller(ctx context.Context, sellerID string, after *pagination.Cursor, limit int) ([]*Order, error)
}

// EscrowOpener places the escrow hold at order creation. Implemented by the
// escrow service; declared here so order does not import escrow.
type EscrowOpener interface {
	Hold(ctx context.Context, orderID, sellerAccount, amount, currency string, a actor.Actor) (string, error)
}

// EscrowReleaser releases escrowed funds when the buyer verifies completion.
type EscrowReleaser interface {
	Release(ctx context.Context, orderID string, a actor.Actor) error
}

// CreateRequest contains the parameters for creating an order.
type CreateRequest struct {
	BuyerID       string `json:"buyerId" binding:"required"`
	SellerID      string `json:"sellerId" binding:"required"`
	SellerAccount string `json:"sellerAccount" binding:"required"` // opaque payment-provider account ref
	ProductID     string `json:"productId" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	Currency      string `json:"currency"`
}

// Service implements the order state machine. All state-changing operations
// serialize per order ID so that transition-check-then-apply is atomic even
// under concurrent buyer/seller/admin actors.
type Service struct {
	store    Store
	escrow   EscrowOpener
	releaser EscrowReleaser
	locks    syncutil.ShardedMutex
}

// NewService creates a new order service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// WithEscrow wires the escrow hold used at order creation.
func (s *Service) WithEscrow(e EscrowOpener) *Service {
	s.escrow = e
	return s
}

// WithReleaser wires the escrow release triggered by buyer verification.
func (s *Service) WithReleaser(r EscrowReleaser) *Service {
	s.releaser = r
	return s
}

// Create creates an order, places the escrow hold, and advances it to
// pending_shipment once the hold is authorized. If the hold fails the order
// stays in pending_payment.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "order.Create", traces.Amount(req.Amount))
	defer span.End()

	if req.BuyerID == req.SellerID {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same user", ErrInvalidInput)
	}
	if errs := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, errs.Error())
	}

	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = "usd"
	}

	now := time.Now()
	o := &Order{
		ID:           idgen.WithPrefix("ord_"),
		BuyerID:      req.BuyerID,
		SellerID:     req.SellerID,
		ProductID:    req.ProductID,
		Amount:       req.Amount,
		Currency:     currency,
		Status:       StatusPendingPayment,
		Satisfaction: SatisfactionPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	rec := audit.New(audit.EntityOrder, o.ID, actor.Actor{ID: req.BuyerID, Role: actor.RoleBuyer}, "order_created")
	rec.After = audit.Snapshot(stateView(o))
	rec.RequestID = logging.RequestID(ctx)
	if err := s.store.Create(ctx, o, rec); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if s.escrow == nil {
		return o, nil
	}

	escrowRef, err := s.escrow.Hold(ctx, o.ID, req.SellerAccount, o.Amount, o.Currency, actor.System())
	if err != nil {
		// Order remains pending_payment; the hold can be retried or the
		// order force-cancelled.
		logging.L(ctx).Warn("escrow hold failed at order creation",
			"orderId", o.ID, "error", err)
		return o, fmt.Errorf("escrow hold failed: %w", err)
	}
	o.EscrowRef = escrowRef

	return s.transitionLocked(ctx, o.ID, StatusPendingShipment, actor.System(), func(fresh *Order) {
		fresh.EscrowRef = escrowRef
	})
}

// Transition validates and applies a status transition on behalf of actor a.
// Returns the updated order, or ErrInvalidTransition / ErrUnauthorized /
// ErrConflict / ErrNotFound.
func (s *Service) Transition(ctx context.Context, orderID string, to Status, a actor.Actor) (*Order, error) {
	return s.transitionLocked(ctx, orderID, to, a, nil)
}

// transitionLocked performs the serialized check-then-apply. mutate, when
// non-nil, is applied to the freshly loaded order before the status change
// is committed.
func (s *Service) transitionLocked(ctx context.Context, orderID string, to Status, a actor.Actor, mutate func(*Order)) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "order.Transition",
		traces.OrderID(orderID), traces.ActorRole(string(a.Role)))
	defer span.End()

	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	from := o.Status
	if o.Terminal() {
		metrics.OrderTransitionsTotal.WithLabelValues(string(to), "rejected").Inc()
		return nil, fmt.Errorf("%w: order %s is %s (terminal)", ErrInvalidTransition, orderID, from)
	}
	if !CanTransition(from, to) {
		metrics.OrderTransitionsTotal.WithLabelValues(string(to), "rejected").Inc()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !roleAllowed(from, to, a.Role) {
		metrics.OrderTransitionsTotal.WithLabelValues(string(to), "unauthorized").Inc()
		return nil, fmt.Errorf("%w: role %s cannot apply %s -> %s", ErrUnauthorized, a.Role, from, to)
	}

	if mutate != nil {
		mutate(o)
	}

	rec := audit.New(audit.EntityOrder, o.ID, a, "status_"+string(to))
	rec.Before = audit.Snapshot(stateView(o))
	rec.RequestID = logging.RequestID(ctx)

	now := time.Now()
	o.Status = to
	if to == StatusDisputed {
		o.Satisfaction = SatisfactionDisputed
	}
	o.History = append(o.History, Transition{
		From: from, To: to, ActorID: a.ID, ActorRole: string(a.Role), At: now,
	})
	o.UpdatedAt = now
	rec.After = audit.Snapshot(stateView(o))

	if err := s.store.Update(ctx, o, from, rec); err != nil {
		metrics.OrderTransitionsTotal.WithLabelValues(string(to), "conflict").Inc()
		return nil, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(to), "ok").Inc()
	logging.L(ctx).Info("order transition applied",
		"orderId", o.ID, "from", from, "to", to, "actorRole", a.Role)
	return o, nil
}

// SetSatisfaction records the buyer's satisfaction signal. Only the buyer on
// the order may report it, only on non-terminal, non-disputed orders, and
// only as satisfied or fine (disputed is set by raising a dispute).
func (s *Service) SetSatisfaction(ctx context.Context, orderID string, sat Satisfaction, a actor.Actor) (*Order, error) {
	if sat != SatisfactionSatisfied && sat != SatisfactionFine {
		return nil, fmt.Errorf("%w: satisfaction must be satisfied or fine", ErrInvalidInput)
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if a.Role != actor.RoleBuyer || a.ID != o.BuyerID {
		return nil, fmt.Errorf("%w: only the order's buyer may report satisfaction", ErrUnauthorized)
	}
	if o.Terminal() || o.Status == StatusDisputed {
		return nil, fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, orderID, o.Status)
	}

	rec := audit.New(audit.EntityOrder, o.ID, a, "satisfaction_set")
	rec.Before = audit.Snapshot(stateView(o))
	rec.RequestID = logging.RequestID(ctx)

	from := o.Status
	o.Satisfaction = sat
	o.UpdatedAt = time.Now()
	rec.After = audit.Snapshot(stateView(o))

	if err := s.store.Update(ctx, o, from, rec); err != nil {
		return nil, err
	}
	return o, nil
}

// VerifyComplete is the buyer's confirmation on a delivered order. It
// completes the order and triggers escrow release to the seller.
func (s *Service) VerifyComplete(ctx context.Context, orderID string, a actor.Actor) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if a.Role == actor.RoleBuyer && a.ID != o.BuyerID {
		return nil, fmt.Errorf("%w: not the order's buyer", ErrUnauthorized)
	}
	if !o.ReleaseEligible() {
		return nil, fmt.Errorf("%w: buyer satisfaction is %s, must be satisfied or fine", ErrInvalidTransition, o.Satisfaction)
	}

	o, err = s.Transition(ctx, orderID, StatusCompleted, a)
	if err != nil {
		return nil, err
	}

	if s.releaser != nil {
		// A payout failure here does not undo the completion: the custody
		// decision stands and the payout is retried via the admin surface.
		if err := s.releaser.Release(ctx, orderID, actor.System()); err != nil {
			logging.L(ctx).Warn("escrow release after buyer verification failed",
				"orderId", orderID, "error", err)
		}
	}
	return o, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ReleaseEligible reports whether the order's satisfaction gate permits
// escrow release. Used by the escrow ledger through its OrderInfo interface.
func (s *Service) ReleaseEligible(ctx context.Context, orderID string) (bool, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	return o.ReleaseEligible(), nil
}

// ListByBuyer returns a page of a buyer's orders, newest first, with an
// opaque cursor for the next page.
func (s *Service) ListByBuyer(ctx context.Context, buyerID, cursor string, limit int) ([]*Order, string, error) {
	return s.listPage(ctx, cursor, limit, func(after *pagination.Cursor, limit int) ([]*Order, error) {
		return s.store.ListByBuyer(ctx, buyerID, after, limit)
	})
}

// ListBySeller returns a page of a seller's orders, newest first.
func (s *Service) ListBySeller(ctx context.Context, sellerID, cursor string, limit int) ([]*Order, string, error) {
	return s.listPage(ctx, cursor, limit, func(after *pagination.Cursor, limit int) ([]*Order, error) {
		return s.store.ListBySeller(ctx, sellerID, after, limit)
	})
}

func (s *Service) listPage(_ context.Context, cursor string, limit int, fetch func(*pagination.Cursor, int) ([]*Order, error)) ([]*Order, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	orders, err := fetch(after, limit+1)
	if err != nil {
		return nil, "", err
	}
	orders, next, _ := pagination.ComputePage(orders, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	return orders, next, nil
}

// stateView is the slice of order state captured in audit snapshots.
func stateView(o *Order) map[string]string {
	return map[string]string{
		"status":       string(o.Status),
		"satisfaction": string(o.Satisfaction),
		"escrowRef":    o.EscrowRef,
	}
}
