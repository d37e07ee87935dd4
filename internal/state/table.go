package state

// RoleSet is the set of roles allowed to drive a transition edge.
type RoleSet map[Role]bool

func roles(rs ...Role) RoleSet {
	set := make(RoleSet, len(rs))
	for _, r := range rs {
		set[r] = true
	}
	return set
}

// transitions is the full transition table for both machines:
// kind -> from -> to -> allowed roles.
//
// Terminal states appear with an empty edge map so the table distinguishes
// "known state with no exits" from "unknown state".
var transitions = map[Kind]map[State]map[State]RoleSet{
	KindDelivery: {
		DeliveryPending: {
			DeliveryAccepted:  roles(RoleCourier, RoleAdmin),
			DeliveryCancelled: roles(RoleCustomer, RoleAdmin),
		},
		DeliveryAccepted: {
			DeliveryPickedUp:  roles(RoleCourier, RoleAdmin),
			DeliveryCancelled: roles(RoleCourier, RoleCustomer, RoleAdmin),
		},
		DeliveryPickedUp: {
			DeliveryInTransit: roles(RoleCourier, RoleAdmin),
		},
		DeliveryInTransit: {
			DeliveryDelivered: roles(RoleCourier, RoleAdmin),
		},
		DeliveryDelivered: {},
		DeliveryCancelled: {},
	},
	KindPayment: {
		PaymentPending: {
			PaymentProcessing: roles(RoleCustomer, RoleSystem, RoleAdmin),
			PaymentFailed:     roles(RoleSystem, RoleAdmin),
		},
		PaymentProcessing: {
			PaymentCompleted: roles(RoleSystem, RoleAdmin),
			PaymentFailed:    roles(RoleSystem, RoleAdmin),
		},
		PaymentCompleted: {
			PaymentRefunded: roles(RoleAdmin),
			PaymentDisputed: roles(RoleCustomer, RoleAdmin),
		},
		PaymentFailed: {
			PaymentPending: roles(RoleCustomer, RoleAdmin),
		},
		PaymentDisputed: {
			PaymentCompleted: roles(RoleAdmin),
			PaymentRefunded:  roles(RoleAdmin),
		},
		PaymentRefunded: {},
	},
}

// AllowedRoles returns the role set for the (kind, from, to) edge.
// The second return distinguishes a missing edge from an empty role set.
func AllowedRoles(kind Kind, from, to State) (RoleSet, bool) {
	edges, ok := transitions[kind][from]
	if !ok {
		return nil, false
	}
	set, ok := edges[to]
	return set, ok
}

// InitialState returns the entry state for a kind. Both machines start in
// PENDING.
func InitialState(kind Kind) State {
	switch kind {
	case KindDelivery:
		return DeliveryPending
	default:
		return PaymentPending
	}
}

// KnownState reports whether s is a state the kind's machine defines.
func KnownState(kind Kind, s State) bool {
	_, ok := transitions[kind][s]
	return ok
}
