package lab

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure so transports can map it without string
// matching.
type Kind string

const (
	KindNotFound                   Kind = "not_found"
	KindInvalidTransition          Kind = "invalid_transition"
	KindInvalidState               Kind = "invalid_state"
	KindNotModifiable              Kind = "not_modifiable"
	KindAlreadyPaid                Kind = "already_paid"
	KindAlreadyCancelled           Kind = "already_cancelled"
	KindAlreadyVerified            Kind = "already_verified"
	KindAlreadyReleased            Kind = "already_released"
	KindOrderCancelled             Kind = "order_cancelled"
	KindReleasedImmutable          Kind = "released_immutable"
	KindResultReleased             Kind = "result_released"
	KindRequiresManualCancellation Kind = "requires_manual_cancellation"
	KindDuplicateResult            Kind = "duplicate_result"
	KindDuplicateTest              Kind = "duplicate_test"
	KindResultExists               Kind = "result_exists"
	KindLastItemProtected          Kind = "last_item_protected"
	KindNothingToAdd               Kind = "nothing_to_add"
	KindNotFullyVerified           Kind = "not_fully_verified"
	KindReasonRequired             Kind = "reason_required"
)

// Error is the kind-tagged failure returned by every lifecycle operation.
// Validation failures are detected before any write is issued.
type Error struct {
	Kind    Kind
	Message string

	// Allowed is the legal next-state set, populated for invalid transitions
	// so callers can present the valid actions.
	Allowed []OrderStatus

	// Unverified is the count of items still lacking a verified result,
	// populated when a release is refused.
	Unverified int
}

func (e *Error) Error() string { return e.Message }

// KindOf extracts the Kind from err, or "" if err is not a lab error.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// AsError unwraps err to a *Error, or nil.
func AsError(err error) *Error {
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	return nil
}

func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func notFound(entity, id string) *Error {
	return errf(KindNotFound, "%s %s not found", entity, id)
}

func invalidTransition(from, to OrderStatus) *Error {
	e := errf(KindInvalidTransition, "cannot move order from %s to %s", from, to)
	e.Allowed = from.NextStates()
	return e
}

func invalidSpecimenState(op string, status SpecimenStatus) *Error {
	return errf(KindInvalidState, "cannot %s specimen in status %s", op, status)
}

func notFullyVerified(unverified int) *Error {
	e := errf(KindNotFullyVerified, "%d item(s) without a verified result", unverified)
	e.Unverified = unverified
	return e
}
