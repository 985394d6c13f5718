package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gamedayrelics/ordercore/internal/actor"
	"github.com/gamedayrelics/ordercore/internal/audit"
	"github.com/gamedayrelics/ordercore/internal/payment"
)

type fakeOrderInfo struct {
	eligible bool
}

func (f *fakeOrderInfo) ReleaseEligible(context.Context, string) (bool, error) {
	return f.eligible, nil
}

func newTestLedger(t *testing.T) (*Service, *payment.ManualProvider, *audit.MemoryLog) {
	t.Helper()
	log := audit.NewMemoryLog()
	provider := payment.NewManualProvider()
	svc := NewService(NewMemoryStore(log), provider).
		WithOrderInfo(&fakeOrderInfo{eligible: true}).
		WithPayoutAttempts(2, time.Millisecond)
	return svc, provider, log
}

func hold(t *testing.T, svc *Service, orderID string) string {
	t.Helper()
	token, err := svc.Hold(context.Background(), orderID, "acct_seller", "25.00", "usd", actor.System())
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	return token
}

var (
	buyer = actor.Actor{ID: "buyer-1", Role: actor.RoleBuyer}
	admin = actor.Actor{ID: "admin-1", Role: actor.RoleAdmin}
)

func TestHoldCreatesEntry(t *testing.T) {
	svc, provider, _ := newTestLedger(t)

	token := hold(t, svc, "ord_a1")
	if token == "" {
		t.Fatal("expected provider token")
	}

	e, err := svc.Get(context.Background(), "ord_a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Custody != CustodyHeld || e.Payout != PayoutNone {
		t.Errorf("entry = custody %s payout %s, want held/none", e.Custody, e.Payout)
	}
	if provider.Holds() != 1 {
		t.Errorf("provider holds = %d, want 1", provider.Holds())
	}
}

func TestHoldRejectsDuplicate(t *testing.T) {
	svc, provider, _ := newTestLedger(t)

	hold(t, svc, "ord_a1")
	if _, err := svc.Hold(context.Background(), "ord_a1", "acct_seller", "25.00", "usd", actor.System()); !errors.Is(err, ErrDuplicateHold) {
		t.Errorf("second hold: err = %v, want ErrDuplicateHold", err)
	}
	// The duplicate never reaches the provider.
	if provider.Holds() != 1 {
		t.Errorf("provider holds = %d, want 1", provider.Holds())
	}
}

func TestHoldProviderFailure(t *testing.T) {
	svc, provider, _ := newTestLedger(t)
	provider.HoldErr = errors.New("card declined")

	if _, err := svc.Hold(context.Background(), "ord_a1", "acct", "10.00", "usd", actor.System()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := svc.Get(context.Background(), "ord_a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("entry should not exist, got err %v", err)
	}
}

func TestReleasePaysOutSeller(t *testing.T) {
	svc, _, log := newTestLedger(t)
	hold(t, svc, "ord_a1")

	e, err := svc.Release(context.Background(), "ord_a1", buyer, SettleOpts{})
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if e.Custody != CustodyReleased {
		t.Errorf("custody = %s, want released", e.Custody)
	}
	if e.Payout != PayoutSucceeded || e.TransferID == "" {
		t.Errorf("payout = %s transfer %q, want succeeded with ID", e.Payout, e.TransferID)
	}
	if e.SettledAt == nil {
		t.Error("SettledAt should be set")
	}

	// Custody commit and payout outcome both audited.
	actions := recordedActions(log)
	if !actions["escrow_released"] || !actions["payout_succeeded"] {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	svc, _, _ := newTestLedger(t)
	hold(t, svc, "ord_a1")

	first, err := svc.Release(context.Background(), "ord_a1", buyer, SettleOpts{})
	if err != nil {
		t.Fatalf("first release: %v", err)
	}
	second, err := svc.Release(context.Background(), "ord_a1", buyer, SettleOpts{})
	if err != nil {
		t.Fatalf("repeat release should be a no-op: %v", err)
	}
	if second.TransferID != first.TransferID {
		t.Errorf("repeat release changed transfer: %s vs %s", second.TransferID, first.TransferID)
	}
}

func TestReleaseAfterRefundConflicts(t *testing.T) {
	svc, _, _ := newTestLedger(t)
	hold(t, svc, "ord_a1")

	if _, err := svc.Refund(context.Background(), "ord_a1", admin, SettleOpts{}); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if _, err := svc.Release(context.Background(), "ord_a1", buyer, SettleOpts{}); !errors.Is(err, ErrConflictingCustody) {
		t.Errorf("err = %v, want ErrConflictingCustody", err)
	}
}

func TestRefundAfterReleaseConflicts(t *testing.T) {
	svc, _, _ := newTestLedger(t)
	hold(t, svc, "ord_a1")

	if _, err := svc.Release(context.Background(), "ord_a1", buyer, SettleOpts{}); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := svc.Refund(context.Background(), "ord_a1", admin, SettleOpts{}); !errors.Is(err, ErrConflictingCustody) {
		t.Errorf("err = %v, want ErrConflictingCustody", err)
	}
}

func TestReleaseBlockedBySatisfactionGate(t *testing.T) {
	log := audit.NewMemoryLog()
	provider := payment.NewManualProvider()
	svc := NewService(NewMemoryStore(log), provider).
		WithOrderInfo(&fakeOrderInfo{eligible: false})
	hold(t, svc, "ord_a1")

	if _, err := svc.Release(context.Background(), "ord_a1", buyer, SettleOpts{}); !errors.Is(err, ErrReleaseBlocked) {
		t.Errorf("buyer release: err = %v, want ErrReleaseBlocked", err)
	}

	// The gate holds for admins too: a manual admin release is not a dispute
	// resolution.
	if _, err := svc.Release(context.Background(), "ord_a1", admin, SettleOpts{}); !errors.Is(err, ErrReleaseBlocked) {
		t.Errorf("plain admin release: err = %v, want ErrReleaseBlocked", err)
	}

	// Only an admin resolving a dispute may settle past the gate; the flag
	// means nothing coming from a buyer.
	if _, err := svc.Release(context.Background(), "ord_a1", buyer, SettleOpts{DisputeResolution: true}); !errors.Is(err, ErrReleaseBlocked) {
		t.Errorf("buyer with resolution flag: err = %v, want ErrReleaseBlocked", err)
	}
	if _, err := svc.Release(context.Background(), "ord_a1", admin, SettleOpts{DisputeResolution: true}); err != nil {
		t.Errorf("admin dispute resolution: %v", err)
	}
}

func TestSettleWithoutEntryNotHeld(t *testing.T) {
	svc, _, _ := newTestLedger(t)

	if _, err := svc.Release(context.Background(), "ord_missing", admin, SettleOpts{}); !errors.Is(err, ErrNotHeld) {
		t.Errorf("release without entry: err = %v, want ErrNotHeld", err)
	}
	if _, err := svc.Refund(context.Background(), "ord_missing", admin, SettleOpts{}); !errors.Is(err, ErrNotHeld) {
		t.Errorf("refund without entry: err = %v, want ErrNotHeld", err)
	}
}

func TestPayoutFailureKeepsCustodyCommitted(t *testing.T) {
	svc, provider, _ := newTestLedger(t)
	hold(t, svc, "ord_a1")

	provider.PayoutErr = &payment.ProviderError{Op: "payout", Code: "account_frozen", Err: errors.New("frozen")}

	e, err := svc.Release(context.Background(), "ord_a1", buyer, SettleOpts{})
	if !errors.Is(err, ErrPayoutFailed) {
		t.Fatalf("err = %v, want ErrPayoutFailed", err)
	}
	if e == nil {
		t.Fatal("entry should be returned with the error")
	}
	if e.Custody != CustodyReleased {
		t.Errorf("custody = %s, want released (decision stands)", e.Custody)
	}
	if e.Payout != PayoutFailed {
		t.Errorf("payout = %s, want failed", e.Payout)
	}

	failed, err := svc.ListFailedPayouts(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListFailedPayouts: %v", err)
	}
	if len(failed) != 1 || failed[0].OrderID != "ord_a1" {
		t.Errorf("failed payouts = %+v", failed)
	}
}

func TestRetryPayout(t *testing.T) {
	svc, provider, _ := newTestLedger(t)
	hold(t, svc, "ord_a1")

	provider.PayoutErr = &payment.ProviderError{Op: "payout", Code: "outage", Retryable: true, Err: errors.New("down")}
	if _, err := svc.Release(context.Background(), "ord_a1", buyer, SettleOpts{}); !errors.Is(err, ErrPayoutFailed) {
		t.Fatalf("expected payout failure, got %v", err)
	}

	// Provider recovers.
	provider.PayoutErr = nil
	e, err := svc.RetryPayout(context.Background(), "ord_a1", admin)
	if err != nil {
		t.Fatalf("RetryPayout: %v", err)
	}
	if e.Payout != PayoutSucceeded || e.TransferID == "" {
		t.Errorf("payout = %s transfer %q, want succeeded", e.Payout, e.TransferID)
	}
}

func TestRetryPayoutRequiresFailedPayout(t *testing.T) {
	svc, _, _ := newTestLedger(t)
	hold(t, svc, "ord_a1")

	if _, err := svc.RetryPayout(context.Background(), "ord_a1", admin); !errors.Is(err, ErrNoFailedPayout) {
		t.Errorf("retry on held entry: err = %v, want ErrNoFailedPayout", err)
	}

	if _, err := svc.Release(context.Background(), "ord_a1", buyer, SettleOpts{}); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := svc.RetryPayout(context.Background(), "ord_a1", admin); !errors.Is(err, ErrNoFailedPayout) {
		t.Errorf("retry on succeeded payout: err = %v, want ErrNoFailedPayout", err)
	}
}

func TestConcurrentSettlementExactlyOneOutcome(t *testing.T) {
	svc, _, _ := newTestLedger(t)
	hold(t, svc, "ord_a1")

	const n = 20
	var wg sync.WaitGroup
	outcomes := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		refund := i%2 == 0
		go func() {
			defer wg.Done()
			if refund {
				if _, err := svc.Refund(context.Background(), "ord_a1", admin, SettleOpts{}); err == nil {
					outcomes <- "refund"
				}
			} else {
				if _, err := svc.Release(context.Background(), "ord_a1", admin, SettleOpts{}); err == nil {
					outcomes <- "release"
				}
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	kinds := make(map[string]int)
	for k := range outcomes {
		kinds[k]++
	}
	// Idempotent repeats of the winning direction succeed; the losing
	// direction must never report success.
	if len(kinds) != 1 {
		t.Fatalf("both directions succeeded: %v", kinds)
	}

	e, _ := svc.Get(context.Background(), "ord_a1")
	if e.Custody != CustodyReleased && e.Custody != CustodyRefunded {
		t.Errorf("custody = %s, want settled", e.Custody)
	}
}

func recordedActions(log *audit.MemoryLog) map[string]bool {
	actions := make(map[string]bool)
	for _, r := range log.Records() {
		actions[r.Action] = true
	}
	return actions
}
