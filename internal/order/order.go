// Package order owns the canonical lifecycle of a marketplace order, from
// creation through terminal states.
//
// Flow:
//  1. Buyer pays → funds held in escrow → pending_payment → pending_shipment
//  2. Seller ships → in_transit; delivery confirmed → delivered
//  3. Buyer verifies → completed, escrow released to seller
//  4. Buyer disputes while in_transit/delivered → disputed, transitions frozen
//  5. Admin resolves a dispute → refunded or completed
package order

import (
	"errors"
	"time"

	"github.com/gamedayrelics/ordercore/internal/actor"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrUnauthorized      = errors.New("actor role not permitted for this transition")
	ErrConflict          = errors.New("order changed concurrently, retry with fresh state")
	ErrInvalidInput      = errors.New("invalid order input")
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPendingPayment  Status = "pending_payment"
	StatusPendingShipment Status = "pending_shipment"
	StatusInTransit       Status = "in_transit"
	StatusDelivered       Status = "delivered"
	StatusCompleted       Status = "completed" // terminal
	StatusDisputed        Status = "disputed"
	StatusCancelled       Status = "cancelled" // terminal
	StatusRefunded        Status = "refunded"  // terminal
)

// Satisfaction is the buyer-reported signal on a fulfilled order. It is an
// independent axis from Status but gates escrow release.
type Satisfaction string

const (
	SatisfactionPending   Satisfaction = "pending"
	SatisfactionSatisfied Satisfaction = "satisfied"
	SatisfactionFine      Satisfaction = "fine"
	SatisfactionDisputed  Satisfaction = "disputed"
)

// Transition is one entry in an order's append-only status history.
type Transition struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	ActorID   string    `json:"actorId"`
	ActorRole string    `json:"actorRole"`
	At        time.Time `json:"at"`
}

// Order represents a single purchase. Buyer, seller, product, and amount are
// immutable after creation.
type Order struct {
	ID           string       `json:"id"`
	BuyerID      string       `json:"buyerId"`
	SellerID     string       `json:"sellerId"`
	ProductID    string       `json:"productId"`
	Amount       string       `json:"amount"`
	Currency     string       `json:"currency"`
	Status       Status       `json:"status"`
	Satisfaction Satisfaction `json:"buyerSatisfaction"`
	EscrowRef    string       `json:"escrowRef,omitempty"`
	History      []Transition `json:"history"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Terminal returns true if the order is in a final state and immutable.
func (o *Order) Terminal() bool {
	switch o.Status {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// ReleaseEligible reports whether the buyer-reported satisfaction permits
// escrow release outside a dispute resolution.
//
// "satisfied" and "fine" are both release-eligible; the product distinction
// between the two is preserved but not interpreted here.
func (o *Order) ReleaseEligible() bool {
	return o.Satisfaction == SatisfactionSatisfied || o.Satisfaction == SatisfactionFine
}

// edge is a single legal transition in the state machine.
type edge struct {
	from, to Status
}

// transitions is the full table of legal edges and the roles allowed to
// trigger each. Anything not listed is an invalid transition; a role not
// listed for an edge is unauthorized. Terminal states have no outgoing edges.
var transitions = map[edge][]actor.Role{
	// Payment authorized (gateway callback, or admin repair).
	{StatusPendingPayment, StatusPendingShipment}: {actor.RoleSystem, actor.RoleAdmin},

	// Fulfillment.
	{StatusPendingShipment, StatusInTransit}: {actor.RoleSeller, actor.RoleAdmin},
	{StatusInTransit, StatusDelivered}:       {actor.RoleSeller, actor.RoleAdmin},

	// Buyer verifies, or admin releases on the buyer's behalf.
	{StatusDelivered, StatusCompleted}: {actor.RoleBuyer, actor.RoleAdmin, actor.RoleSystem},

	// Force-cancel is pre-delivery only; after delivery, disputes are the recourse.
	{StatusPendingPayment, StatusCancelled}:  {actor.RoleAdmin},
	{StatusPendingShipment, StatusCancelled}: {actor.RoleAdmin},
	{StatusInTransit, StatusCancelled}:       {actor.RoleAdmin},

	// Dispute raise freezes normal transitions until admin resolution.
	{StatusInTransit, StatusDisputed}: {actor.RoleBuyer, actor.RoleSystem},
	{StatusDelivered, StatusDisputed}: {actor.RoleBuyer, actor.RoleSystem},

	// Dispute resolution outcomes.
	{StatusDisputed, StatusRefunded}:  {actor.RoleAdmin},
	{StatusDisputed, StatusCompleted}: {actor.RoleAdmin},
}

// CanTransition reports whether from→to is a legal edge at all.
func CanTransition(from, to Status) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// roleAllowed reports whether role may trigger the from→to edge.
func roleAllowed(from, to Status, role actor.Role) bool {
	for _, r := range transitions[edge{from, to}] {
		if r == role {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is a known order status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPendingPayment, StatusPendingShipment, StatusInTransit, StatusDelivered,
		StatusCompleted, StatusDisputed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}
