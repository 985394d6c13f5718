package admin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gamedayrelics/ordercore/internal/actor"
	"github.com/gamedayrelics/ordercore/internal/audit"
	"github.com/gamedayrelics/ordercore/internal/dispute"
	"github.com/gamedayrelics/ordercore/internal/escrow"
	"github.com/gamedayrelics/ordercore/internal/order"
	"github.com/gamedayrelics/ordercore/internal/payment"
)

var (
	buyer  = actor.Actor{ID: "buyer-1", Role: actor.RoleBuyer}
	seller = actor.Actor{ID: "seller-1", Role: actor.RoleSeller}
	admin  = actor.Actor{ID: "admin-1", Role: actor.RoleAdmin}
)

type fixture struct {
	gateway  *Gateway
	orders   *order.Service
	ledger   *escrow.Service
	disputes *dispute.Service
	provider *payment.ManualProvider
	log      *audit.MemoryLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := audit.NewMemoryLog()
	provider := payment.NewManualProvider()

	ledger := escrow.NewService(escrow.NewMemoryStore(log), provider).
		WithPayoutAttempts(1, time.Millisecond)
	orders := order.NewService(order.NewMemoryStore(log)).WithEscrow(ledger)
	ledger.WithOrderInfo(orders)
	disputes := dispute.NewService(dispute.NewMemoryStore(log), orders, ledger)

	return &fixture{
		gateway:  NewGateway(orders, ledger, disputes, log),
		orders:   orders,
		ledger:   ledger,
		disputes: disputes,
		provider: provider,
		log:      log,
	}
}

func (f *fixture) newOrder(t *testing.T) *order.Order {
	t.Helper()
	o, err := f.orders.Create(context.Background(), order.CreateRequest{
		BuyerID:       buyer.ID,
		SellerID:      seller.ID,
		SellerAccount: "acct_s1",
		ProductID:     "prod-1",
		Amount:        "40.00",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

// adminRecords returns the gateway-written audit records, in append order.
func (f *fixture) adminRecords() []*audit.Record {
	var out []*audit.Record
	for _, r := range f.log.Records() {
		if r.ActorRole == string(actor.RoleAdmin) && len(r.Action) > 6 && r.Action[:6] == "admin_" {
			out = append(out, r)
		}
	}
	return out
}

func TestForceCancelRefundsHeldFunds(t *testing.T) {
	f := newFixture(t)
	o := f.newOrder(t)

	cancelled, err := f.gateway.ForceCancelOrder(context.Background(), o.ID, admin)
	if err != nil {
		t.Fatalf("ForceCancelOrder: %v", err)
	}
	if cancelled.Status != order.StatusCancelled {
		t.Errorf("order status = %s, want cancelled", cancelled.Status)
	}

	e, err := f.ledger.Get(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("escrow Get: %v", err)
	}
	if e.Custody != escrow.CustodyRefunded {
		t.Errorf("custody = %s, want refunded", e.Custody)
	}

	recs := f.adminRecords()
	if len(recs) != 1 || recs[0].Action != "admin_force_cancel" || recs[0].Failure != "" {
		t.Errorf("admin records = %+v", recs)
	}
}

func TestForceCancelRejectedWhileDisputed(t *testing.T) {
	f := newFixture(t)
	o := f.newOrder(t)
	if _, err := f.orders.Transition(context.Background(), o.ID, order.StatusInTransit, seller); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if _, err := f.disputes.Open(context.Background(), dispute.OpenRequest{
		OrderID:     o.ID,
		Reason:      dispute.ReasonBroken,
		Description: "not as described",
		Evidence:    []string{"photo"},
	}, buyer); err != nil {
		t.Fatalf("open dispute: %v", err)
	}

	_, err := f.gateway.ForceCancelOrder(context.Background(), o.ID, admin)
	if !errors.Is(err, order.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}

	// The rejected attempt is still audited, with the failure captured.
	recs := f.adminRecords()
	if len(recs) != 1 || recs[0].Action != "admin_force_cancel" {
		t.Fatalf("admin records = %+v", recs)
	}
	if recs[0].Failure == "" {
		t.Error("failed action should carry the failure message")
	}

	o, _ = f.orders.Get(context.Background(), o.ID)
	if o.Status != order.StatusDisputed {
		t.Errorf("order status = %s, want still disputed", o.Status)
	}
}

func TestEveryGatewayCallWritesOneAdminRecord(t *testing.T) {
	f := newFixture(t)
	o := f.newOrder(t)

	// Success and failure both audited, one record each.
	if _, err := f.gateway.RefundEscrow(context.Background(), o.ID, admin); err != nil {
		t.Fatalf("RefundEscrow: %v", err)
	}
	if _, err := f.gateway.ReleaseEscrow(context.Background(), o.ID, admin); err == nil {
		t.Fatal("release after refund should conflict")
	}
	if _, err := f.gateway.RetryPayout(context.Background(), "ord_missing", admin); err == nil {
		t.Fatal("retry on unknown order should fail")
	}

	recs := f.adminRecords()
	if len(recs) != 3 {
		t.Fatalf("admin records = %d, want 3", len(recs))
	}
	wantActions := []string{"admin_refund_escrow", "admin_release_escrow", "admin_retry_payout"}
	for i, want := range wantActions {
		if recs[i].Action != want {
			t.Errorf("record %d action = %s, want %s", i, recs[i].Action, want)
		}
	}
	if recs[0].Failure != "" {
		t.Error("successful refund should not carry a failure")
	}
	if recs[1].Failure == "" || recs[2].Failure == "" {
		t.Error("failed calls should carry failure messages")
	}
}

func TestRetryPayoutThroughGateway(t *testing.T) {
	f := newFixture(t)
	o := f.newOrder(t)

	f.provider.RefundErr = errors.New("provider outage")
	if _, err := f.gateway.RefundEscrow(context.Background(), o.ID, admin); !errors.Is(err, escrow.ErrPayoutFailed) {
		t.Fatalf("err = %v, want ErrPayoutFailed", err)
	}

	failed, err := f.gateway.FailedPayouts(context.Background(), 10)
	if err != nil {
		t.Fatalf("FailedPayouts: %v", err)
	}
	if len(failed) != 1 || failed[0].OrderID != o.ID {
		t.Fatalf("failed payouts = %+v", failed)
	}

	f.provider.RefundErr = nil
	e, err := f.gateway.RetryPayout(context.Background(), o.ID, admin)
	if err != nil {
		t.Fatalf("RetryPayout: %v", err)
	}
	if e.Payout != escrow.PayoutSucceeded {
		t.Errorf("payout = %s, want succeeded", e.Payout)
	}

	failed, _ = f.gateway.FailedPayouts(context.Background(), 10)
	if len(failed) != 0 {
		t.Errorf("failed payouts after retry = %+v", failed)
	}
}

func TestResolveDisputeThroughGateway(t *testing.T) {
	f := newFixture(t)
	o := f.newOrder(t)
	if _, err := f.orders.Transition(context.Background(), o.ID, order.StatusInTransit, seller); err != nil {
		t.Fatalf("ship: %v", err)
	}
	d, err := f.disputes.Open(context.Background(), dispute.OpenRequest{
		OrderID:     o.ID,
		Reason:      dispute.ReasonNotVerified,
		Description: "never arrived",
		Evidence:    []string{"tracking stalled"},
	}, buyer)
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}

	open, err := f.gateway.OpenDisputes(context.Background(), 10)
	if err != nil || len(open) != 1 {
		t.Fatalf("OpenDisputes = %v, %v", open, err)
	}

	resolved, err := f.gateway.ResolveDispute(context.Background(), d.ID, dispute.ResolutionRefundBuyer, "carrier lost it", admin)
	if err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if resolved.Status != dispute.StatusResolved {
		t.Errorf("dispute = %s, want resolved", resolved.Status)
	}

	o, _ = f.orders.Get(context.Background(), o.ID)
	if o.Status != order.StatusRefunded {
		t.Errorf("order status = %s, want refunded", o.Status)
	}
}

func TestAuditTrailFilters(t *testing.T) {
	f := newFixture(t)
	o := f.newOrder(t)
	if _, err := f.gateway.RefundEscrow(context.Background(), o.ID, admin); err != nil {
		t.Fatalf("RefundEscrow: %v", err)
	}

	recs, err := f.gateway.AuditTrail(context.Background(), audit.Filter{
		EntityType: audit.EntityEscrow,
		EntityID:   o.ID,
	})
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(recs) == 0 {
		t.Fatal("expected escrow audit records")
	}
	for _, r := range recs {
		if r.EntityType != audit.EntityEscrow || r.EntityID != o.ID {
			t.Errorf("record out of filter scope: %+v", r)
		}
	}
}
