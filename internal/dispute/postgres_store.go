package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/gamedayrelics/ordercore/internal/audit"
)

// PostgresStore persists disputes in PostgreSQL. A unique index on order_id
// backs the one-dispute-per-order rule; status changes and their audit
// records commit in one transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute, rec *audit.Record) error {
	evidenceJSON, _ := json.Marshal(d.Evidence)
	if d.Evidence == nil {
		evidenceJSON = []byte("[]")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO disputes (
			id, order_id, raised_by_id, reason, description, evidence, status,
			resolution, resolved_by_id, resolution_note,
			created_at, updated_at, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13
		)`,
		d.ID, d.OrderID, d.RaisedByID, string(d.Reason), d.Description, evidenceJSON, string(d.Status),
		nullString(string(d.Resolution)), nullString(d.ResolvedByID), nullString(d.ResolutionNote),
		d.CreatedAt, d.UpdatedAt, nullTime(d.ResolvedAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyDisputed
		}
		return err
	}
	if err := audit.AppendTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

const disputeColumns = `id, order_id, raised_by_id, reason, description, evidence, status,
		       resolution, resolved_by_id, resolution_note,
		       created_at, updated_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanOne(row)
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1`, orderID)
	return scanOne(row)
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute, expectStatus Status, rec *audit.Record) error {
	evidenceJSON, _ := json.Marshal(d.Evidence)
	if d.Evidence == nil {
		evidenceJSON = []byte("[]")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE disputes SET
			evidence = $1, status = $2, resolution = $3,
			resolved_by_id = $4, resolution_note = $5,
			updated_at = $6, resolved_at = $7
		WHERE id = $8 AND status = $9`,
		evidenceJSON, string(d.Status), nullString(string(d.Resolution)),
		nullString(d.ResolvedByID), nullString(d.ResolutionNote),
		d.UpdatedAt, nullTime(d.ResolvedAt),
		d.ID, string(expectStatus),
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
			`SELECT EXISTS(SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyResolved
	}

	if err := audit.AppendTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM disputes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var disputes []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOne(row *sql.Row) (*Dispute, error) {
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		evidenceJSON   []byte
		reason         string
		status         string
		resolution     sql.NullString
		resolvedByID   sql.NullString
		resolutionNote sql.NullString
		resolvedAt     sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.OrderID, &d.RaisedByID, &reason, &d.Description, &evidenceJSON, &status,
		&resolution, &resolvedByID, &resolutionNote,
		&d.CreatedAt, &d.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Reason = Reason(reason)
	d.Status = Status(status)
	d.Resolution = Resolution(resolution.String)
	d.ResolvedByID = resolvedByID.String
	d.ResolutionNote = resolutionNote.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	if len(evidenceJSON) > 0 {
		_ = json.Unmarshal(evidenceJSON, &d.Evidence)
	}
	return d, nil
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
