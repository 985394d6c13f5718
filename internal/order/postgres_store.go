package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/gamedayrelics/ordercore/internal/audit"
	"github.com/gamedayrelics/ordercore/internal/pagination"
)

// PostgresStore persists orders in PostgreSQL. Status updates and their audit
// records commit in a single transaction, with a compare-and-swap on the
// status column for concurrency control.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Order, rec *audit.Record) error {
	historyJSON, _ := json.Marshal(o.History)
	if o.History == nil {
		historyJSON = []byte("[]")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, buyer_id, seller_id, product_id, amount, currency,
			status, buyer_satisfaction, escrow_ref, history, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(20,2), $6,
			$7, $8, $9, $10, $11, $12
		)`,
		o.ID, o.BuyerID, o.SellerID, o.ProductID, o.Amount, o.Currency,
		string(o.Status), string(o.Satisfaction), nullString(o.EscrowRef),
		historyJSON, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if err := audit.AppendTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

const orderColumns = `id, buyer_id, seller_id, product_id, amount::TEXT, currency,
		       status, buyer_satisfaction, escrow_ref, history, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Order, expectStatus Status, rec *audit.Record) error {
	historyJSON, _ := json.Marshal(o.History)
	if o.History == nil {
		historyJSON = []byte("[]")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, buyer_satisfaction = $2, escrow_ref = $3,
			history = $4, updated_at = $5
		WHERE id = $6 AND status = $7`,
		string(o.Status), string(o.Satisfaction), nullString(o.EscrowRef),
		historyJSON, o.UpdatedAt,
		o.ID, string(expectStatus),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing order from a concurrent status change.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return fmt.Errorf("%w: status no longer %s", ErrConflict, expectStatus)
	}

	if err := audit.AppendTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, after *pagination.Cursor, limit int) ([]*Order, error) {
	return p.listBy(ctx, "buyer_id", buyerID, after, limit)
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, after *pagination.Cursor, limit int) ([]*Order, error) {
	return p.listBy(ctx, "seller_id", sellerID, after, limit)
}

func (p *PostgresStore) listBy(ctx context.Context, column, value string, after *pagination.Cursor, limit int) ([]*Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE ` + column + ` = $1`
	args := []any{value}

	if after != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, after.CreatedAt, after.ID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status       string
		satisfaction string
		escrowRef    sql.NullString
		historyJSON  []byte
	)

	err := s.Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &o.ProductID, &o.Amount, &o.Currency,
		&status, &satisfaction, &escrowRef, &historyJSON, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.Satisfaction = Satisfaction(satisfaction)
	o.EscrowRef = escrowRef.String
	if len(historyJSON) > 0 {
		_ = json.Unmarshal(historyJSON, &o.History)
	}
	return o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
