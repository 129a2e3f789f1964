package lab

// OrderStatus is the closed set of lab order states. Orders only move along
// the edges in validNext; there is no way to store a status outside this set.
type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderPaid           OrderStatus = "paid"
	OrderCollecting     OrderStatus = "collecting"
	OrderCollected      OrderStatus = "collected"
	OrderProcessing     OrderStatus = "processing"
	OrderCompleted      OrderStatus = "completed"
	OrderVerified       OrderStatus = "verified"
	OrderReleased       OrderStatus = "released"
	OrderCancelled      OrderStatus = "cancelled"
)

// validNext: source status -> allowed targets. released and cancelled are
// terminal, no outgoing edges. Cancellation is reachable from every
// non-terminal state as the universal escape hatch.
var validNext = map[OrderStatus][]OrderStatus{
	OrderPendingPayment: {OrderPaid, OrderCancelled},
	OrderPaid:           {OrderCollecting, OrderCancelled},
	OrderCollecting:     {OrderCollected, OrderCancelled},
	OrderCollected:      {OrderProcessing, OrderCancelled},
	OrderProcessing:     {OrderCompleted, OrderCancelled},
	OrderCompleted:      {OrderVerified, OrderReleased, OrderCancelled},
	OrderVerified:       {OrderReleased, OrderCancelled},
	OrderReleased:       {},
	OrderCancelled:      {},
}

// CanTransition reports whether from -> to is an edge of the table.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NextStates returns the legal targets from the given status. The returned
// slice is a copy; callers may keep it.
func (s OrderStatus) NextStates() []OrderStatus {
	next := validNext[s]
	out := make([]OrderStatus, len(next))
	copy(out, next)
	return out
}

// Terminal reports whether the status has no outgoing edges.
func (s OrderStatus) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

func (s OrderStatus) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// PaymentStatus of an order, tracked separately from the workflow status.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

// Priority of an order.
type Priority string

const (
	PriorityRoutine Priority = "routine"
	PriorityUrgent  Priority = "urgent"
	PriorityStat    Priority = "stat"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityRoutine, PriorityUrgent, PriorityStat:
		return true
	}
	return false
}

// SpecimenStatus is the per-specimen sub-state, independent of the order.
type SpecimenStatus string

const (
	SpecimenPending    SpecimenStatus = "pending"
	SpecimenCollected  SpecimenStatus = "collected"
	SpecimenReceived   SpecimenStatus = "received"
	SpecimenProcessing SpecimenStatus = "processing"
	SpecimenCompleted  SpecimenStatus = "completed"
	SpecimenRejected   SpecimenStatus = "rejected"
)

// Final reports whether the specimen can no longer move. A specimen never
// leaves rejected and never goes past completed.
func (s SpecimenStatus) Final() bool {
	return s == SpecimenRejected || s == SpecimenCompleted
}

// atLeastCollected reports whether the specimen has reached collection, used
// by the order-level collected cascade. Rejected specimens do not count.
func (s SpecimenStatus) atLeastCollected() bool {
	switch s {
	case SpecimenCollected, SpecimenReceived, SpecimenProcessing, SpecimenCompleted:
		return true
	}
	return false
}

// ItemStatus tracks each order item through resulting and verification.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemCompleted ItemStatus = "completed"
	ItemVerified  ItemStatus = "verified"
)
