package escrow

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/gamedayrelics/ordercore/internal/actor"
	"github.com/gamedayrelics/ordercore/internal/audit"
	"github.com/gamedayrelics/ordercore/internal/testutil"
)

// seedOrder inserts the parent order row the escrow FK requires.
func seedOrder(t *testing.T, db *sql.DB, orderID string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO orders (id, buyer_id, seller_id, product_id, amount, status)
		VALUES ($1, 'buyer-1', 'seller-1', 'prod-1', 25.00, 'pending_shipment')`, orderID)
	if err != nil {
		t.Fatalf("seed order %s: %v", orderID, err)
	}
}

func pgEntry(orderID string) *Entry {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Entry{
		OrderID:       orderID,
		ProviderRef:   "pi_test_" + orderID,
		SellerAccount: "acct_s1",
		Amount:        "25.00",
		Currency:      "usd",
		Custody:       CustodyHeld,
		Payout:        PayoutNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func pgRecord(orderID, action string) *audit.Record {
	return audit.New(audit.EntityEscrow, orderID,
		actor.Actor{ID: "sys", Role: actor.RoleSystem}, action)
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	e := pgEntry("ord_0000000001")
	seedOrder(t, db, e.OrderID)
	if err := store.Create(ctx, e, pgRecord(e.OrderID, "escrow_held")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, e.OrderID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Custody != CustodyHeld || got.Payout != PayoutNone {
		t.Errorf("entry = %s/%s, want held/none", got.Custody, got.Payout)
	}
	if got.Amount != "25.00" {
		t.Errorf("amount = %q, want 25.00", got.Amount)
	}
	if got.SettledAt != nil {
		t.Errorf("SettledAt = %v, want nil", got.SettledAt)
	}

	if _, err := store.Get(ctx, "ord_0000000099"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing entry: err = %v, want ErrNotFound", err)
	}
}

func TestPostgresStoreCustodyCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	e := pgEntry("ord_0000000002")
	seedOrder(t, db, e.OrderID)
	if err := store.Create(ctx, e, pgRecord(e.OrderID, "escrow_held")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	e.Custody = CustodyReleased
	e.UpdatedAt = now
	e.SettledAt = &now
	if err := store.Update(ctx, e, CustodyHeld, pgRecord(e.OrderID, "escrow_released")); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// The expectation no longer matches: the swap must fail.
	e.Custody = CustodyRefunded
	if err := store.Update(ctx, e, CustodyHeld, pgRecord(e.OrderID, "escrow_refunded")); !errors.Is(err, ErrConflictingCustody) {
		t.Fatalf("stale CAS: err = %v, want ErrConflictingCustody", err)
	}

	got, err := store.Get(ctx, e.OrderID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Custody != CustodyReleased {
		t.Errorf("custody = %s, want released", got.Custody)
	}
	if got.SettledAt == nil {
		t.Error("SettledAt should be set after settlement")
	}

	// Unknown order disambiguates from the custody conflict.
	missing := pgEntry("ord_0000000003")
	missing.Custody = CustodyReleased
	if err := store.Update(ctx, missing, CustodyHeld, pgRecord(missing.OrderID, "escrow_released")); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing entry: err = %v, want ErrNotFound", err)
	}
}

func TestPostgresStoreUpdateCommitsAuditAtomically(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	log := audit.NewPostgresLog(db)
	ctx := context.Background()

	e := pgEntry("ord_0000000004")
	seedOrder(t, db, e.OrderID)
	if err := store.Create(ctx, e, pgRecord(e.OrderID, "escrow_held")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	e.Custody = CustodyRefunded
	e.UpdatedAt = now
	e.SettledAt = &now
	if err := store.Update(ctx, e, CustodyHeld, pgRecord(e.OrderID, "escrow_refunded")); err != nil {
		t.Fatalf("Update: %v", err)
	}

	recs, err := log.Query(ctx, audit.Filter{EntityType: audit.EntityEscrow, EntityID: e.OrderID})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	actions := make(map[string]bool)
	for _, r := range recs {
		actions[r.Action] = true
	}
	if !actions["escrow_held"] || !actions["escrow_refunded"] {
		t.Errorf("audit actions = %v, want held + refunded", actions)
	}
}

func TestPostgresStoreListFailedPayouts(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	for i, payout := range []PayoutStatus{PayoutFailed, PayoutSucceeded, PayoutFailed} {
		e := pgEntry("ord_000000001" + string(rune('0'+i)))
		seedOrder(t, db, e.OrderID)
		if err := store.Create(ctx, e, pgRecord(e.OrderID, "escrow_held")); err != nil {
			t.Fatalf("Create: %v", err)
		}
		now := time.Now().UTC().Truncate(time.Microsecond)
		e.Custody = CustodyReleased
		e.Payout = payout
		e.UpdatedAt = now
		e.SettledAt = &now
		if err := store.Update(ctx, e, CustodyHeld, pgRecord(e.OrderID, "escrow_released")); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	failed, err := store.ListFailedPayouts(ctx, 10)
	if err != nil {
		t.Fatalf("ListFailedPayouts: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("failed payouts = %d, want 2", len(failed))
	}
	for _, e := range failed {
		if e.Payout != PayoutFailed {
			t.Errorf("entry %s payout = %s", e.OrderID, e.Payout)
		}
	}
}
