// Package audit provides the append-only record of every status-changing and
// fund-moving action. Records are never updated or deleted.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gamedayrelics/ordercore/internal/actor"
)

// Entity types recorded in the audit log.
const (
	EntityOrder   = "order"
	EntityEscrow  = "escrow"
	EntityDispute = "dispute"
)

// Record is a single audit log entry capturing who did what to which entity,
// with before/after snapshots of the relevant fields.
type Record struct {
	ID         int64     `json:"id"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	ActorID    string    `json:"actorId"`
	ActorRole  string    `json:"actorRole"`
	Action     string    `json:"action"`
	Before     string    `json:"before,omitempty"` // JSON snapshot
	After      string    `json:"after,omitempty"`  // JSON snapshot
	Failure    string    `json:"failure,omitempty"` // empty on success
	RequestID  string    `json:"requestId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Filter narrows a Query to an entity and time range.
type Filter struct {
	EntityType string
	EntityID   string
	From       time.Time
	To         time.Time
	Limit      int
}

// Logger persists audit records. Implementations must be safe for concurrent
// appenders; append is the only write operation.
type Logger interface {
	Append(ctx context.Context, rec *Record) error
	Query(ctx context.Context, f Filter) ([]*Record, error)
}

// New builds a record for the given action. Before/after snapshots are
// attached by the caller via Snapshot.
func New(entityType, entityID string, a actor.Actor, action string) *Record {
	return &Record{
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    a.ID,
		ActorRole:  string(a.Role),
		Action:     action,
		CreatedAt:  time.Now(),
	}
}

// Snapshot renders v as a compact JSON string for before/after fields.
func Snapshot(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
