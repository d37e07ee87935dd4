package state

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type auditCapture struct {
	mu      sync.Mutex
	applied []string // "kind:from->to"
	denied  []string // reason
}

func (a *auditCapture) TransitionApplied(_ context.Context, _ Actor, r *Resource, from, to State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, string(r.Kind)+":"+string(from)+"->"+string(to))
}

func (a *auditCapture) TransitionDenied(_ context.Context, _ Actor, _ Kind, _ string, _ State, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.denied = append(a.denied, reason)
}

func newTestValidator(t *testing.T, resources ...*Resource) (*Validator, *auditCapture) {
	t.Helper()
	store := NewMemoryStore()
	for _, r := range resources {
		if err := store.Create(context.Background(), r); err != nil {
			t.Fatalf("Create(%s): %v", r.ID, err)
		}
	}
	ac := &auditCapture{}
	return NewValidator(store).WithAudit(ac), ac
}

var (
	customer = Actor{ID: "cust_1", Role: RoleCustomer}
	courier  = Actor{ID: "cour_1", Role: RoleCourier}
	admin    = Actor{ID: "adm_1", Role: RoleAdmin}
	system   = Actor{ID: "sys_1", Role: RoleSystem}
)

func delivery(id string, s State) *Resource {
	return &Resource{ID: id, Kind: KindDelivery, State: s, CustomerID: "cust_1", CourierID: "cour_1"}
}

func payment(id string, s State, amount, total string) *Resource {
	return &Resource{ID: id, Kind: KindPayment, State: s, CustomerID: "cust_1", Amount: amount, Total: total}
}

func TestApplyHappyPathDelivery(t *testing.T) {
	v, ac := newTestValidator(t, delivery("del_1", DeliveryPending))
	ctx := context.Background()

	steps := []struct {
		actor Actor
		to    State
	}{
		{courier, DeliveryAccepted},
		{courier, DeliveryPickedUp},
		{courier, DeliveryInTransit},
		{courier, DeliveryDelivered},
	}
	for _, step := range steps {
		r, err := v.Apply(ctx, step.actor, KindDelivery, "del_1", step.to)
		if err != nil {
			t.Fatalf("Apply(%s): %v", step.to, err)
		}
		if r.State != step.to {
			t.Fatalf("expected state %s, got %s", step.to, r.State)
		}
	}
	if len(ac.applied) != 4 {
		t.Errorf("expected 4 audit records, got %d", len(ac.applied))
	}
}

func TestApplyMissingEdgeIsInvalidForAllRoles(t *testing.T) {
	ctx := context.Background()
	// PENDING -> IN_TRANSIT is not an edge; no role may take it.
	for _, actor := range []Actor{customer, courier, admin, system} {
		v, _ := newTestValidator(t, delivery("del_1", DeliveryPending))
		_, err := v.Apply(ctx, actor, KindDelivery, "del_1", DeliveryInTransit)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("role %s: expected ErrInvalidTransition, got %v", actor.Role, err)
		}
	}
}

func TestApplyTerminalStatesHaveNoExits(t *testing.T) {
	ctx := context.Background()
	terminals := []*Resource{
		delivery("del_d", DeliveryDelivered),
		delivery("del_c", DeliveryCancelled),
		payment("pay_r", PaymentRefunded, "10.00", "10.00"),
	}
	targets := map[Kind][]State{
		KindDelivery: {DeliveryPending, DeliveryAccepted, DeliveryPickedUp, DeliveryInTransit, DeliveryDelivered, DeliveryCancelled},
		KindPayment:  {PaymentPending, PaymentProcessing, PaymentCompleted, PaymentFailed, PaymentDisputed, PaymentRefunded},
	}

	for _, res := range terminals {
		v, _ := newTestValidator(t, res)
		for _, target := range targets[res.Kind] {
			_, err := v.Apply(ctx, admin, res.Kind, res.ID, target)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s %s -> %s: expected ErrInvalidTransition, got %v", res.ID, res.State, target, err)
			}
		}
	}
}

func TestApplyRoleNotInEdge(t *testing.T) {
	v, ac := newTestValidator(t, delivery("del_1", DeliveryPending))

	// PENDING -> ACCEPTED is courier/admin only.
	_, err := v.Apply(context.Background(), customer, KindDelivery, "del_1", DeliveryAccepted)
	if !errors.Is(err, ErrUnauthorizedTransition) {
		t.Fatalf("expected ErrUnauthorizedTransition, got %v", err)
	}
	if len(ac.denied) != 1 || ac.denied[0] != "role_not_allowed" {
		t.Errorf("expected role_not_allowed denial, got %v", ac.denied)
	}
}

func TestApplyCourierMustOwnInstance(t *testing.T) {
	v, ac := newTestValidator(t, delivery("del_1", DeliveryAccepted))

	// The edge permits couriers generically, but only the assigned one.
	other := Actor{ID: "cour_9", Role: RoleCourier}
	_, err := v.Apply(context.Background(), other, KindDelivery, "del_1", DeliveryPickedUp)
	if !errors.Is(err, ErrUnauthorizedTransition) {
		t.Fatalf("expected ErrUnauthorizedTransition, got %v", err)
	}
	if len(ac.denied) != 1 || ac.denied[0] != "not_instance_owner" {
		t.Errorf("expected not_instance_owner denial, got %v", ac.denied)
	}
}

func TestApplyUnassignedDeliveryRejectsAnyCourier(t *testing.T) {
	r := delivery("del_1", DeliveryPending)
	r.CourierID = ""
	v, _ := newTestValidator(t, r)

	_, err := v.Apply(context.Background(), courier, KindDelivery, "del_1", DeliveryAccepted)
	if !errors.Is(err, ErrUnauthorizedTransition) {
		t.Fatalf("expected ErrUnauthorizedTransition for unassigned delivery, got %v", err)
	}
}

func TestApplyNotFound(t *testing.T) {
	v, _ := newTestValidator(t)
	_, err := v.Apply(context.Background(), admin, KindDelivery, "del_missing", DeliveryAccepted)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyCustomerCancelsThenLocked(t *testing.T) {
	v, _ := newTestValidator(t, delivery("del_1", DeliveryPending))
	ctx := context.Background()

	r, err := v.Apply(ctx, customer, KindDelivery, "del_1", DeliveryCancelled)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if r.State != DeliveryCancelled {
		t.Fatalf("expected CANCELLED, got %s", r.State)
	}

	for _, target := range []State{DeliveryAccepted, DeliveryPending, DeliveryDelivered} {
		if _, err := v.Apply(ctx, admin, KindDelivery, "del_1", target); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("post-cancel -> %s: expected ErrInvalidTransition, got %v", target, err)
		}
	}
}

func TestApplyAmountTolerance(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name    string
		amount  string
		total   string
		wantErr error
	}{
		{"exact", "523.40", "523.40", nil},
		{"one paisa under", "523.40", "523.41", nil},
		{"one paisa over", "523.41", "523.40", nil},
		{"way off", "550.00", "523.41", ErrAmountMismatch},
		{"two paise off", "523.38", "523.40", ErrAmountMismatch},
		{"unparseable amount", "", "523.40", ErrAmountMismatch},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, _ := newTestValidator(t, payment("pay_1", PaymentProcessing, tc.amount, tc.total))
			_, err := v.Apply(ctx, system, KindPayment, "pay_1", PaymentCompleted)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("expected success, got %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestApplyAmountCheckOnlyOnCompletion(t *testing.T) {
	// A mismatched amount must not block non-completing edges.
	v, _ := newTestValidator(t, payment("pay_1", PaymentPending, "550.00", "523.41"))
	_, err := v.Apply(context.Background(), system, KindPayment, "pay_1", PaymentProcessing)
	if err != nil {
		t.Fatalf("expected PENDING -> PROCESSING to succeed, got %v", err)
	}
}

func TestApplyConcurrentRaceSingleWinner(t *testing.T) {
	v, _ := newTestValidator(t, delivery("del_1", DeliveryPending))
	ctx := context.Background()

	const racers = 16
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = v.Apply(ctx, courier, KindDelivery, "del_1", DeliveryAccepted)
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidTransition):
			// Losers see either the CAS conflict or, if they read after the
			// winner committed, a machine with no ACCEPTED -> ACCEPTED edge.
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winning transition, got %d", wins)
	}
	if wins+conflicts != racers {
		t.Fatalf("expected %d accounted outcomes, got %d", racers, wins+conflicts)
	}

	r, err := v.Get(ctx, KindDelivery, "del_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.State != DeliveryAccepted {
		t.Fatalf("expected ACCEPTED after race, got %s", r.State)
	}
}

func TestCreateStartsInInitialState(t *testing.T) {
	v, _ := newTestValidator(t)
	ctx := context.Background()

	r, err := v.Create(ctx, &Resource{ID: "del_9", Kind: KindDelivery, CustomerID: "cust_1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.State != DeliveryPending {
		t.Errorf("expected PENDING, got %s", r.State)
	}
	if r.CreatedAt.IsZero() || r.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be stamped")
	}

	p, err := v.Create(ctx, &Resource{ID: "pay_9", Kind: KindPayment, CustomerID: "cust_1", Amount: "10.00", Total: "10.00"})
	if err != nil {
		t.Fatalf("Create payment: %v", err)
	}
	if p.State != PaymentPending {
		t.Errorf("expected PENDING, got %s", p.State)
	}
}

func TestCreateDuplicate(t *testing.T) {
	v, _ := newTestValidator(t, delivery("del_1", DeliveryPending))
	_, err := v.Create(context.Background(), &Resource{ID: "del_1", Kind: KindDelivery, CustomerID: "cust_1"})
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}
