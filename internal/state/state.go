// Package state implements the transition validator for deliveries and
// payments.
//
// Every state change goes through a table-driven finite-state machine:
// the table maps (kind, current state, target state) to the set of roles
// allowed to drive that edge. Terminal states have no outgoing edges, so
// any transition request out of them fails with ErrInvalidTransition —
// there is no silent no-op path that could resurrect a finished record.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound               = errors.New("resource not found")
	ErrInvalidTransition      = errors.New("no such transition from current state")
	ErrUnauthorizedTransition = errors.New("role not authorized for this transition")
	ErrAmountMismatch         = errors.New("payment amount does not match authorized total")
	ErrConflict               = errors.New("resource state changed concurrently")
	ErrExists                 = errors.New("resource already exists")
)

// Kind identifies which state machine governs a resource.
type Kind string

const (
	KindDelivery Kind = "delivery"
	KindPayment  Kind = "payment"
)

// Valid reports whether k is a known resource kind.
func (k Kind) Valid() bool {
	return k == KindDelivery || k == KindPayment
}

// Role is the closed set of actor roles the platform knows about.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleCourier  Role = "courier"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// ParseRole converts a string to a Role, rejecting anything outside the
// closed set.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleCustomer, RoleCourier, RoleAdmin, RoleSystem:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Actor is the authenticated caller attempting a transition.
type Actor struct {
	ID   string
	Role Role
}

// State is a resource lifecycle state. Delivery and payment states share
// the type; the transition table keeps the two machines apart.
type State string

// Delivery states.
const (
	DeliveryPending   State = "PENDING"
	DeliveryAccepted  State = "ACCEPTED"
	DeliveryPickedUp  State = "PICKED_UP"
	DeliveryInTransit State = "IN_TRANSIT"
	DeliveryDelivered State = "DELIVERED"
	DeliveryCancelled State = "CANCELLED"
)

// Payment states.
const (
	PaymentPending    State = "PENDING"
	PaymentProcessing State = "PROCESSING"
	PaymentCompleted  State = "COMPLETED"
	PaymentFailed     State = "FAILED"
	PaymentDisputed   State = "DISPUTED"
	PaymentRefunded   State = "REFUNDED"
)

// Resource is a transitionable record: a delivery or a payment. Only the
// fields the validator inspects are modeled here; the business workflow
// owns everything else.
type Resource struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	State      State     `json:"state"`
	CustomerID string    `json:"customerId"`
	CourierID  string    `json:"courierId,omitempty"` // assigned courier (deliveries)
	Amount     string    `json:"amount,omitempty"`    // settled amount (payments), decimal string
	Total      string    `json:"total,omitempty"`     // authoritative total (payments), decimal string
	DeliveryID string    `json:"deliveryId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the resource is in a final state.
func (r *Resource) IsTerminal() bool {
	_, ok := transitions[r.Kind][r.State]
	return ok && len(transitions[r.Kind][r.State]) == 0
}

// Store persists resources. CompareAndSwap is the serialization point for
// concurrent transitions: the update commits only if the stored state still
// equals expected, otherwise ErrConflict. Two requests racing to apply the
// same edge cannot both succeed.
type Store interface {
	Create(ctx context.Context, r *Resource) error
	Get(ctx context.Context, kind Kind, id string) (*Resource, error)
	CompareAndSwap(ctx context.Context, kind Kind, id string, expected, next State, updatedAt time.Time) error
}
