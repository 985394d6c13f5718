// Package admin is the single checkpoint for privileged operations. Every
// mutation enters through the Gateway, which authenticates the admin,
// performs the action, and appends exactly one admin audit record per call,
// success or failure.
package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/gamedayrelics/ordercore/internal/actor"
	"github.com/gamedayrelics/ordercore/internal/audit"
	"github.com/gamedayrelics/ordercore/internal/dispute"
	"github.com/gamedayrelics/ordercore/internal/escrow"
	"github.com/gamedayrelics/ordercore/internal/logging"
	"github.com/gamedayrelics/ordercore/internal/metrics"
	"github.com/gamedayrelics/ordercore/internal/order"
)

var ErrForbidden = errors.New("admin credentials required")

// Orders is the slice of the order service the gateway drives.
type Orders interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	Transition(ctx context.Context, orderID string, to order.Status, a actor.Actor) (*order.Order, error)
}

// Ledger is the slice of the escrow service the gateway drives.
type Ledger interface {
	Get(ctx context.Context, orderID string) (*escrow.Entry, error)
	Release(ctx context.Context, orderID string, a actor.Actor, opts escrow.SettleOpts) (*escrow.Entry, error)
	Refund(ctx context.Context, orderID string, a actor.Actor, opts escrow.SettleOpts) (*escrow.Entry, error)
	RetryPayout(ctx context.Context, orderID string, a actor.Actor) (*escrow.Entry, error)
	ListFailedPayouts(ctx context.Context, limit int) ([]*escrow.Entry, error)
}

// Disputes is the slice of the dispute service the gateway drives.
type Disputes interface {
	Resolve(ctx context.Context, disputeID string, resolution dispute.Resolution, note string, a actor.Actor) (*dispute.Dispute, error)
	ListOpen(ctx context.Context, limit int) ([]*dispute.Dispute, error)
}

// Gateway executes admin actions against the order, escrow, and dispute
// services.
type Gateway struct {
	orders   Orders
	ledger   Ledger
	disputes Disputes
	auditl   audit.Logger
}

// NewGateway creates the admin gateway.
func NewGateway(orders Orders, ledger Ledger, disputes Disputes, auditl audit.Logger) *Gateway {
	return &Gateway{orders: orders, ledger: ledger, disputes: disputes, auditl: auditl}
}

// record runs fn and appends one admin audit record for the call, carrying
// the failure message when fn errors. The entity-level records written by
// the underlying services are separate.
func (g *Gateway) record(ctx context.Context, entityType, entityID, action string, a actor.Actor, fn func() error) error {
	rec := audit.New(entityType, entityID, a, "admin_"+action)
	rec.RequestID = logging.RequestID(ctx)

	err := fn()
	result := "ok"
	if err != nil {
		result = "failed"
		rec.Failure = err.Error()
	}
	if aerr := g.auditl.Append(ctx, rec); aerr != nil {
		logging.L(ctx).Error("failed to append admin audit record",
			"action", action, "entityId", entityID, "error", aerr)
	}
	metrics.AdminActionsTotal.WithLabelValues(action, result).Inc()
	return err
}

// ReleaseEscrow settles an order's funds to the seller outside a dispute.
// The buyer-satisfaction gate still applies; only dispute resolutions may
// settle past it.
func (g *Gateway) ReleaseEscrow(ctx context.Context, orderID string, a actor.Actor) (*escrow.Entry, error) {
	var entry *escrow.Entry
	err := g.record(ctx, audit.EntityEscrow, orderID, "release_escrow", a, func() error {
		var err error
		entry, err = g.ledger.Release(ctx, orderID, a, escrow.SettleOpts{})
		return err
	})
	return entry, err
}

// RefundEscrow settles an order's funds back to the buyer outside a dispute.
func (g *Gateway) RefundEscrow(ctx context.Context, orderID string, a actor.Actor) (*escrow.Entry, error) {
	var entry *escrow.Entry
	err := g.record(ctx, audit.EntityEscrow, orderID, "refund_escrow", a, func() error {
		var err error
		entry, err = g.ledger.Refund(ctx, orderID, a, escrow.SettleOpts{})
		return err
	})
	return entry, err
}

// ForceCancelOrder cancels an order before delivery and refunds any held
// funds. Disputed orders cannot be force-cancelled; the dispute must be
// resolved instead.
func (g *Gateway) ForceCancelOrder(ctx context.Context, orderID string, a actor.Actor) (*order.Order, error) {
	var o *order.Order
	err := g.record(ctx, audit.EntityOrder, orderID, "force_cancel", a, func() error {
		cur, err := g.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if cur.Status == order.StatusDisputed {
			return fmt.Errorf("%w: resolve the dispute instead", order.ErrInvalidTransition)
		}

		o, err = g.orders.Transition(ctx, orderID, order.StatusCancelled, a)
		if err != nil {
			return err
		}

		// Return the buyer's money if a hold exists.
		if _, err := g.ledger.Refund(ctx, orderID, a, escrow.SettleOpts{}); err != nil && !errors.Is(err, escrow.ErrNotHeld) {
			return fmt.Errorf("order cancelled but refund failed: %w", err)
		}
		return nil
	})
	return o, err
}

// ResolveDispute applies the admin's decision on an open dispute.
func (g *Gateway) ResolveDispute(ctx context.Context, disputeID string, resolution dispute.Resolution, note string, a actor.Actor) (*dispute.Dispute, error) {
	var d *dispute.Dispute
	err := g.record(ctx, audit.EntityDispute, disputeID, "resolve_dispute", a, func() error {
		var err error
		d, err = g.disputes.Resolve(ctx, disputeID, resolution, note, a)
		return err
	})
	return d, err
}

// RetryPayout re-runs a failed provider transfer for a settled entry.
func (g *Gateway) RetryPayout(ctx context.Context, orderID string, a actor.Actor) (*escrow.Entry, error) {
	var entry *escrow.Entry
	err := g.record(ctx, audit.EntityEscrow, orderID, "retry_payout", a, func() error {
		var err error
		entry, err = g.ledger.RetryPayout(ctx, orderID, a)
		return err
	})
	return entry, err
}

// FailedPayouts lists entries awaiting a payout retry. Read-only, so no
// admin record is written.
func (g *Gateway) FailedPayouts(ctx context.Context, limit int) ([]*escrow.Entry, error) {
	return g.ledger.ListFailedPayouts(ctx, limit)
}

// OpenDisputes lists disputes awaiting resolution.
func (g *Gateway) OpenDisputes(ctx context.Context, limit int) ([]*dispute.Dispute, error) {
	return g.disputes.ListOpen(ctx, limit)
}

// AuditTrail queries the audit log.
func (g *Gateway) AuditTrail(ctx context.Context, f audit.Filter) ([]*audit.Record, error) {
	return g.auditl.Query(ctx, f)
}
