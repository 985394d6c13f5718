package audit

import (
	"context"
	"database/sql"
	"strconv"
)

// PostgresLog writes audit records to PostgreSQL. The audit_log table has no
// UPDATE or DELETE path anywhere in the codebase.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog creates an audit log backed by PostgreSQL.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (l *PostgresLog) Append(ctx context.Context, rec *Record) error {
	return appendTx(ctx, l.db, rec)
}

// execer is satisfied by both *sql.DB and *sql.Tx, so stores can include an
// audit append inside their own transactions.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendTx inserts an audit record using the given transaction, letting a
// state change and its audit record commit atomically.
func AppendTx(ctx context.Context, tx *sql.Tx, rec *Record) error {
	return appendTx(ctx, tx, rec)
}

func appendTx(ctx context.Context, db execer, rec *Record) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_log (entity_type, entity_id, actor_id, actor_role, action, before_state, after_state, failure, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::JSONB, NULLIF($7, '')::JSONB, NULLIF($8, ''), NULLIF($9, ''), NOW())
	`, rec.EntityType, rec.EntityID, rec.ActorID, rec.ActorRole, rec.Action,
		rec.Before, rec.After, rec.Failure, rec.RequestID)
	return err
}

func (l *PostgresLog) Query(ctx context.Context, f Filter) ([]*Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, entity_type, entity_id, actor_id, actor_role, action,
		COALESCE(before_state::TEXT, ''), COALESCE(after_state::TEXT, ''),
		COALESCE(failure, ''), COALESCE(request_id, ''), created_at
		FROM audit_log WHERE 1=1`
	var args []any

	if f.EntityType != "" {
		args = append(args, f.EntityType)
		query += ` AND entity_type = $` + strconv.Itoa(len(args))
	}
	if f.EntityID != "" {
		args = append(args, f.EntityID)
		query += ` AND entity_id = $` + strconv.Itoa(len(args))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		query += ` AND created_at >= $` + strconv.Itoa(len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		query += ` AND created_at <= $` + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(&r.ID, &r.EntityType, &r.EntityID, &r.ActorID, &r.ActorRole,
			&r.Action, &r.Before, &r.After, &r.Failure, &r.RequestID, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Compile-time assertion that PostgresLog implements Logger.
var _ Logger = (*PostgresLog)(nil)
var _ Logger = (*MemoryLog)(nil)
