package state

import (
	"context"
	"math"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/parceld/gate/internal/metrics"
	"github.com/parceld/gate/internal/traces"
)

// AmountTolerance is the allowed gap between a payment's settled amount and
// the authoritative total when completing it: one minor currency unit, to
// absorb rounding differences between the capture path and the fare engine.
const AmountTolerance = 0.01

// AuditRecorder receives the outcome of every transition attempt.
// Implementations must never block the caller; see internal/audit.
type AuditRecorder interface {
	TransitionApplied(ctx context.Context, actor Actor, r *Resource, from, to State)
	TransitionDenied(ctx context.Context, actor Actor, kind Kind, id string, target State, reason string)
}

// Validator applies state transitions against the transition table.
type Validator struct {
	store Store
	audit AuditRecorder
}

// NewValidator creates a transition validator backed by the given store.
func NewValidator(store Store) *Validator {
	return &Validator{store: store}
}

// WithAudit attaches an audit recorder.
func (v *Validator) WithAudit(a AuditRecorder) *Validator {
	v.audit = a
	return v
}

// Create registers a new resource in its machine's initial state.
func (v *Validator) Create(ctx context.Context, r *Resource) (*Resource, error) {
	now := time.Now()
	r.State = InitialState(r.Kind)
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := v.store.Create(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns a resource by kind and id.
func (v *Validator) Get(ctx context.Context, kind Kind, id string) (*Resource, error) {
	return v.store.Get(ctx, kind, id)
}

// Apply attempts to move resource (kind, id) to target on behalf of actor.
//
// The decision order matters for the error taxonomy:
//  1. missing resource            -> ErrNotFound
//  2. no (current, target) edge   -> ErrInvalidTransition (terminal states
//     always land here: they have no outgoing edges)
//  3. edge exists, role not in it -> ErrUnauthorizedTransition
//  4. role ok, wrong instance     -> ErrUnauthorizedTransition
//  5. completing a payment whose amount drifts from the authoritative
//     total beyond AmountTolerance -> ErrAmountMismatch
//
// The commit is a compare-and-swap conditional on the state read in step 1,
// so two requests racing the same edge cannot both succeed; the loser gets
// ErrConflict and must re-read.
func (v *Validator) Apply(ctx context.Context, actor Actor, kind Kind, id string, target State) (*Resource, error) {
	ctx, span := traces.StartSpan(ctx, "state.Apply",
		traces.ResourceKind(string(kind)),
		traces.ResourceID(id),
		attribute.String("transition.target", string(target)),
	)
	defer span.End()

	r, err := v.store.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}

	from := r.State
	allowed, edgeExists := AllowedRoles(kind, from, target)
	if !edgeExists {
		v.deny(ctx, actor, kind, id, target, "invalid_transition")
		return nil, ErrInvalidTransition
	}
	if !allowed[actor.Role] {
		v.deny(ctx, actor, kind, id, target, "role_not_allowed")
		return nil, ErrUnauthorizedTransition
	}

	// Role permission covers the edge generically; non-admin actors must
	// also own this specific instance.
	if !v.ownsInstance(actor, r) {
		v.deny(ctx, actor, kind, id, target, "not_instance_owner")
		return nil, ErrUnauthorizedTransition
	}

	if kind == KindPayment && target == PaymentCompleted {
		if !amountsMatch(r.Amount, r.Total) {
			v.deny(ctx, actor, kind, id, target, "amount_mismatch")
			return nil, ErrAmountMismatch
		}
	}

	now := time.Now()
	if err := v.store.CompareAndSwap(ctx, kind, id, from, target, now); err != nil {
		if err == ErrConflict {
			v.deny(ctx, actor, kind, id, target, "concurrent_update")
		}
		return nil, err
	}

	r.State = target
	r.UpdatedAt = now

	metrics.TransitionsTotal.WithLabelValues(string(kind), "applied").Inc()
	if v.audit != nil {
		v.audit.TransitionApplied(ctx, actor, r, from, target)
	}
	return r, nil
}

func (v *Validator) deny(ctx context.Context, actor Actor, kind Kind, id string, target State, reason string) {
	metrics.TransitionsTotal.WithLabelValues(string(kind), reason).Inc()
	if v.audit != nil {
		v.audit.TransitionDenied(ctx, actor, kind, id, target, reason)
	}
}

// ownsInstance binds a non-admin actor to the concrete resource: a courier
// may only drive the delivery it is assigned to, a customer only its own
// records. System actors act on payments on behalf of the capture pipeline
// and carry no instance binding.
func (v *Validator) ownsInstance(actor Actor, r *Resource) bool {
	switch actor.Role {
	case RoleAdmin, RoleSystem:
		return true
	case RoleCustomer:
		return actor.ID == r.CustomerID
	case RoleCourier:
		return r.CourierID != "" && actor.ID == r.CourierID
	}
	return false
}

// amountsMatch compares two decimal strings within AmountTolerance.
// Unparseable or missing values never match.
func amountsMatch(amount, total string) bool {
	a, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return false
	}
	t, err := strconv.ParseFloat(total, 64)
	if err != nil {
		return false
	}
	// Round to 2 decimal places before comparing so 523.404999... behaves
	// like its wire representation.
	a = math.Round(a*100) / 100
	t = math.Round(t*100) / 100
	return math.Abs(a-t) <= AmountTolerance+1e-9
}
