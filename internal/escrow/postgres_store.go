package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gamedayrelics/ordercore/internal/audit"
)

// PostgresStore persists escrow entries in PostgreSQL. Custody changes and
// their audit records commit in one transaction, with a compare-and-swap on
// the custody column.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Entry, rec *audit.Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_entries (
			order_id, provider_ref, seller_account, amount, currency,
			custody, payout, transfer_id, created_at, updated_at, settled_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,2), $5,
			$6, $7, $8, $9, $10, $11
		)`,
		e.OrderID, e.ProviderRef, e.SellerAccount, e.Amount, e.Currency,
		string(e.Custody), string(e.Payout), nullString(e.TransferID),
		e.CreatedAt, e.UpdatedAt, nullTime(e.SettledAt),
	)
	if err != nil {
		return err
	}
	if err := audit.AppendTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

const entryColumns = `order_id, provider_ref, seller_account, amount::TEXT, currency,
		       custody, payout, transfer_id, created_at, updated_at, settled_at`

func (p *PostgresStore) Get(ctx context.Context, orderID string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM escrow_entries WHERE order_id = $1`, orderID)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Entry, expectCustody CustodyStatus, rec *audit.Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE escrow_entries SET
			custody = $1, payout = $2, transfer_id = $3,
			updated_at = $4, settled_at = $5
		WHERE order_id = $6 AND custody = $7`,
		string(e.Custody), string(e.Payout), nullString(e.TransferID),
		e.UpdatedAt, nullTime(e.SettledAt),
		e.OrderID, string(expectCustody),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrow_entries WHERE order_id = $1)`, e.OrderID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return fmt.Errorf("%w: custody no longer %s", ErrConflictingCustody, expectCustody)
	}

	if err := audit.AppendTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListFailedPayouts(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM escrow_entries
		WHERE payout = 'failed'
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var (
		custody    string
		payout     string
		transferID sql.NullString
		settledAt  sql.NullTime
	)

	err := s.Scan(
		&e.OrderID, &e.ProviderRef, &e.SellerAccount, &e.Amount, &e.Currency,
		&custody, &payout, &transferID, &e.CreatedAt, &e.UpdatedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}

	e.Custody = CustodyStatus(custody)
	e.Payout = PayoutStatus(payout)
	e.TransferID = transferID.String
	if settledAt.Valid {
		t := settledAt.Time
		e.SettledAt = &t
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
