// Package escrow is the custody ledger for order funds. Each order has at
// most one escrow entry, and the entry's custody moves exactly once from
// held to released (seller) or refunded (buyer).
//
// Flow:
//  1. Order created → provider hold authorized → entry recorded as held
//  2. Buyer verifies (or admin resolves) → custody commits to released/refunded
//  3. Provider payout runs after the custody commit; a payout failure never
//     reverses the custody decision, it marks the entry for retry instead
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gamedayrelics/ordercore/internal/actor"
	"github.com/gamedayrelics/ordercore/internal/audit"
	"github.com/gamedayrelics/ordercore/internal/logging"
	"github.com/gamedayrelics/ordercore/internal/metrics"
	"github.com/gamedayrelics/ordercore/internal/payment"
	"github.com/gamedayrelics/ordercore/internal/retry"
	"github.com/gamedayrelics/ordercore/internal/syncutil"
	"github.com/gamedayrelics/ordercore/internal/traces"
)

var (
	ErrNotFound           = errors.New("escrow entry not found")
	ErrDuplicateHold      = errors.New("order already has an escrow hold")
	ErrConflictingCustody = errors.New("funds already settled in the opposite direction")
	ErrNotHeld            = errors.New("order has no held escrow entry")
	ErrReleaseBlocked     = errors.New("buyer satisfaction does not permit release")
	ErrPayoutFailed       = errors.New("custody committed but provider payout failed")
	ErrNoFailedPayout     = errors.New("escrow entry has no failed payout to retry")
)

// CustodyStatus is who the held funds belong to.
type CustodyStatus string

const (
	CustodyHeld     CustodyStatus = "held"
	CustodyReleased CustodyStatus = "released" // seller's money
	CustodyRefunded CustodyStatus = "refunded" // buyer's money
)

// PayoutStatus tracks the provider-side transfer that settles a custody
// decision. Custody and payout are deliberately separate axes.
type PayoutStatus string

const (
	PayoutNone      PayoutStatus = "none"
	PayoutSucceeded PayoutStatus = "succeeded"
	PayoutFailed    PayoutStatus = "failed"
)

// Entry is one order's escrow record, keyed by order ID.
type Entry struct {
	OrderID       string        `json:"orderId"`
	ProviderRef   string        `json:"providerRef"` // provider escrow token
	SellerAccount string        `json:"sellerAccount"`
	Amount        string        `json:"amount"`
	Currency      string        `json:"currency"`
	Custody       CustodyStatus `json:"custody"`
	Payout        PayoutStatus  `json:"payout"`
	TransferID    string        `json:"transferId,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	SettledAt     *time.Time    `json:"settledAt,omitempty"`
}

// Store persists escrow entries. Update applies a compare-and-swap on custody
// and commits the audit record in the same transaction.
type Store interface {
	Create(ctx context.Context, e *Entry, rec *audit.Record) error
	Get(ctx context.Context, orderID string) (*Entry, error)
	Update(ctx context.Context, e *Entry, expectCustody CustodyStatus, rec *audit.Record) error
	ListFailedPayouts(ctx context.Context, limit int) ([]*Entry, error)
}

// OrderInfo is the slice of the order service the ledger needs: whether the
// buyer's satisfaction signal permits release. Declared here so escrow does
// not import order.
type OrderInfo interface {
	ReleaseEligible(ctx context.Context, orderID string) (bool, error)
}

// SettleOpts qualifies a Release or Refund call.
type SettleOpts struct {
	// DisputeResolution marks the settlement as the outcome of an admin
	// dispute resolution. It is the only context that may release funds past
	// the buyer-satisfaction gate, since a disputed order's satisfaction is
	// pinned to disputed.
	DisputeResolution bool
}

// Service is the escrow ledger. It owns the custody decision; the payment
// provider only moves money after the decision is durable.
type Service struct {
	store    Store
	provider payment.Provider
	orders   OrderInfo
	locks    *syncutil.ContextShardedMutex

	payoutAttempts int
	payoutBackoff  time.Duration
}

// NewService creates a new escrow ledger service.
func NewService(store Store, provider payment.Provider) *Service {
	return &Service{
		store:          store,
		provider:       provider,
		locks:          syncutil.NewContextShardedMutex(),
		payoutAttempts: 3,
		payoutBackoff:  500 * time.Millisecond,
	}
}

// WithOrderInfo wires the satisfaction gate consulted before release.
func (s *Service) WithOrderInfo(o OrderInfo) *Service {
	s.orders = o
	return s
}

// WithPayoutAttempts overrides the payout retry budget.
func (s *Service) WithPayoutAttempts(attempts int, backoff time.Duration) *Service {
	if attempts > 0 {
		s.payoutAttempts = attempts
	}
	if backoff > 0 {
		s.payoutBackoff = backoff
	}
	return s
}

// Hold authorizes the buyer's funds with the provider and records the entry
// as held. An order carries at most one entry, so a second hold is
// ErrDuplicateHold. If the entry cannot be persisted the authorization is
// voided.
func (s *Service) Hold(ctx context.Context, orderID, sellerAccount, amount, currency string, a actor.Actor) (string, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Hold",
		traces.OrderID(orderID), traces.Amount(amount))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return "", err
	}
	defer unlock()

	if _, err := s.store.Get(ctx, orderID); err == nil {
		return "", fmt.Errorf("%w: order %s", ErrDuplicateHold, orderID)
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	token, err := s.provider.Hold(ctx, sellerAccount, amount, currency)
	if err != nil {
		metrics.EscrowCustodyTotal.WithLabelValues("hold_failed").Inc()
		return "", fmt.Errorf("provider hold failed: %w", err)
	}

	now := time.Now()
	e := &Entry{
		OrderID:       orderID,
		ProviderRef:   token,
		SellerAccount: sellerAccount,
		Amount:        amount,
		Currency:      currency,
		Custody:       CustodyHeld,
		Payout:        PayoutNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	rec := audit.New(audit.EntityEscrow, orderID, a, "escrow_held")
	rec.After = audit.Snapshot(custodyView(e))
	rec.RequestID = logging.RequestID(ctx)

	if err := s.store.Create(ctx, e, rec); err != nil {
		// Void the authorization so the buyer's funds are not stranded.
		if _, rerr := s.provider.RefundToBuyer(ctx, token); rerr != nil {
			logging.L(ctx).Error("CRITICAL: failed to void hold after store failure; funds held with no ledger entry",
				"orderId", orderID, "providerRef", token, "error", rerr)
		}
		return "", fmt.Errorf("failed to record escrow entry: %w", err)
	}

	metrics.EscrowCustodyTotal.WithLabelValues("held").Inc()
	return token, nil
}

// Release commits custody to the seller and then pays out. Repeating a
// release is a no-op; releasing refunded funds is ErrConflictingCustody;
// releasing an order without an entry is ErrNotHeld.
//
// The buyer-satisfaction gate applies to every caller except an admin
// settling a dispute (opts.DisputeResolution).
//
// A payout failure after the custody commit returns the updated entry
// together with ErrPayoutFailed: the decision stands and the transfer is
// retried via RetryPayout.
func (s *Service) Release(ctx context.Context, orderID string, a actor.Actor, opts SettleOpts) (*Entry, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release",
		traces.OrderID(orderID), traces.ActorRole(string(a.Role)))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: order %s", ErrNotHeld, orderID)
	}
	if err != nil {
		return nil, err
	}

	switch e.Custody {
	case CustodyReleased:
		return e, nil // idempotent
	case CustodyRefunded:
		return nil, fmt.Errorf("%w: already refunded to buyer", ErrConflictingCustody)
	}

	disputeResolution := opts.DisputeResolution && a.Role == actor.RoleAdmin
	if !disputeResolution && s.orders != nil {
		eligible, err := s.orders.ReleaseEligible(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if !eligible {
			return nil, ErrReleaseBlocked
		}
	}

	if err := s.commitCustody(ctx, e, CustodyReleased, a); err != nil {
		return nil, err
	}
	metrics.EscrowCustodyTotal.WithLabelValues("released").Inc()

	return s.runPayout(ctx, e, a)
}

// Refund commits custody to the buyer and returns the funds via the
// provider. Repeating a refund is a no-op; refunding released funds is
// ErrConflictingCustody; refunding an order without an entry is ErrNotHeld.
func (s *Service) Refund(ctx context.Context, orderID string, a actor.Actor, _ SettleOpts) (*Entry, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund",
		traces.OrderID(orderID), traces.ActorRole(string(a.Role)))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: order %s", ErrNotHeld, orderID)
	}
	if err != nil {
		return nil, err
	}

	switch e.Custody {
	case CustodyRefunded:
		return e, nil // idempotent
	case CustodyReleased:
		return nil, fmt.Errorf("%w: already released to seller", ErrConflictingCustody)
	}

	if err := s.commitCustody(ctx, e, CustodyRefunded, a); err != nil {
		return nil, err
	}
	metrics.EscrowCustodyTotal.WithLabelValues("refunded").Inc()

	payoutErr := retry.Do(ctx, s.payoutAttempts, s.payoutBackoff, func() error {
		_, err := s.provider.RefundToBuyer(ctx, e.ProviderRef)
		if err != nil && !payment.Retryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	return s.recordPayoutResult(ctx, e, "refund", payoutErr, "", a)
}

// RetryPayout re-runs the provider transfer for an entry whose custody is
// committed but whose payout failed.
func (s *Service) RetryPayout(ctx context.Context, orderID string, a actor.Actor) (*Entry, error) {
	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if e.Custody == CustodyHeld || e.Payout != PayoutFailed {
		return nil, fmt.Errorf("%w: custody=%s payout=%s", ErrNoFailedPayout, e.Custody, e.Payout)
	}

	if e.Custody == CustodyReleased {
		return s.runPayout(ctx, e, a)
	}

	payoutErr := retry.Do(ctx, s.payoutAttempts, s.payoutBackoff, func() error {
		_, err := s.provider.RefundToBuyer(ctx, e.ProviderRef)
		if err != nil && !payment.Retryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	return s.recordPayoutResult(ctx, e, "refund", payoutErr, "", a)
}

// Get returns the escrow entry for an order.
func (s *Service) Get(ctx context.Context, orderID string) (*Entry, error) {
	return s.store.Get(ctx, orderID)
}

// ListFailedPayouts returns entries with a committed custody decision and a
// failed provider transfer, for the admin retry surface.
func (s *Service) ListFailedPayouts(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListFailedPayouts(ctx, limit)
}

// commitCustody persists the held→to custody change with its audit record.
// The compare-and-swap on held guarantees exactly-once settlement even if a
// concurrent settler slipped past the lock.
func (s *Service) commitCustody(ctx context.Context, e *Entry, to CustodyStatus, a actor.Actor) error {
	action := "escrow_released"
	if to == CustodyRefunded {
		action = "escrow_refunded"
	}
	rec := audit.New(audit.EntityEscrow, e.OrderID, a, action)
	rec.Before = audit.Snapshot(custodyView(e))
	rec.RequestID = logging.RequestID(ctx)

	now := time.Now()
	e.Custody = to
	e.UpdatedAt = now
	e.SettledAt = &now
	rec.After = audit.Snapshot(custodyView(e))

	if err := s.store.Update(ctx, e, CustodyHeld, rec); err != nil {
		return err
	}

	logging.L(ctx).Info("escrow custody committed",
		"orderId", e.OrderID, "custody", to, "actorRole", a.Role)
	return nil
}

// runPayout executes the seller transfer for a released entry and records
// the outcome.
func (s *Service) runPayout(ctx context.Context, e *Entry, a actor.Actor) (*Entry, error) {
	var transferID string
	payoutErr := retry.Do(ctx, s.payoutAttempts, s.payoutBackoff, func() error {
		result, err := s.provider.Payout(ctx, e.ProviderRef, e.SellerAccount)
		if err != nil {
			if !payment.Retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		transferID = result.TransferID
		if result.Status == payment.TransferFailed {
			return fmt.Errorf("provider reported transfer %s failed", result.TransferID)
		}
		return nil
	})
	return s.recordPayoutResult(ctx, e, "payout", payoutErr, transferID, a)
}

// recordPayoutResult persists the payout outcome. Store failures here are
// logged but never surfaced as payout failures: the custody commit already
// happened and must not appear reverted.
func (s *Service) recordPayoutResult(ctx context.Context, e *Entry, op string, payoutErr error, transferID string, a actor.Actor) (*Entry, error) {
	rec := audit.New(audit.EntityEscrow, e.OrderID, a, op+"_succeeded")
	rec.Before = audit.Snapshot(custodyView(e))
	rec.RequestID = logging.RequestID(ctx)

	if payoutErr != nil {
		e.Payout = PayoutFailed
		rec.Action = op + "_failed"
		rec.Failure = payoutErr.Error()
	} else {
		e.Payout = PayoutSucceeded
		e.TransferID = transferID
	}
	e.UpdatedAt = time.Now()
	rec.After = audit.Snapshot(custodyView(e))

	if err := s.store.Update(ctx, e, e.Custody, rec); err != nil {
		// Retry once; beyond that the ledger and provider disagree and a
		// human needs the log line.
		if err2 := s.store.Update(ctx, e, e.Custody, rec); err2 != nil {
			logging.L(ctx).Error("CRITICAL: provider transfer ran but payout status not persisted",
				"orderId", e.OrderID, "op", op, "transferId", transferID, "error", err2)
		}
	}

	metrics.PayoutResultsTotal.WithLabelValues(op, string(e.Payout)).Inc()
	if payoutErr != nil {
		logging.L(ctx).Error("provider transfer failed after custody commit",
			"orderId", e.OrderID, "op", op, "error", payoutErr)
		return e, fmt.Errorf("%w: %v", ErrPayoutFailed, payoutErr)
	}
	return e, nil
}

// custodyView is the slice of entry state captured in audit snapshots.
func custodyView(e *Entry) map[string]string {
	return map[string]string{
		"custody":    string(e.Custody),
		"payout":     string(e.Payout),
		"transferId": e.TransferID,
	}
}
