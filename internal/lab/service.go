package lab

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Service is the single authoritative implementation of the order, specimen
// and result lifecycles. Every HTTP endpoint goes through it; the transition
// table and cascade rules live here and nowhere else.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

type CreateOrderInput struct {
	PatientID string   `json:"patient_id"`
	Priority  Priority `json:"priority"`
	TestIDs   []string `json:"test_ids"`
	PanelIDs  []string `json:"panel_ids"`
}

// CreateOrder places a new order in pending_payment with price snapshots
// taken from the catalog. Panels expand to their member tests; a test listed
// twice (directly or via overlapping panels) is only added once.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*OrderView, error) {
	if in.PatientID == "" {
		return nil, errf(KindReasonRequired, "patient_id is required")
	}
	if in.Priority == "" {
		in.Priority = PriorityRoutine
	}
	if !in.Priority.Valid() {
		return nil, errf(KindInvalidState, "invalid priority %q", in.Priority)
	}

	tests, err := s.resolveTests(ctx, in.TestIDs, in.PanelIDs)
	if err != nil {
		return nil, err
	}
	if len(tests) == 0 {
		return nil, errf(KindNothingToAdd, "order must contain at least one test")
	}

	now := time.Now().UTC()
	o := &Order{
		ID:            uuid.NewString(),
		PatientID:     in.PatientID,
		Status:        OrderPendingPayment,
		PaymentStatus: PaymentPending,
		Priority:      in.Priority,
		PlacedAt:      now,
		UpdatedAt:     now,
	}
	items := make([]OrderItem, 0, len(tests))
	for _, t := range tests {
		items = append(items, OrderItem{
			ID:         uuid.NewString(),
			OrderID:    o.ID,
			TestID:     t.ID,
			TestCode:   t.Code,
			TestName:   t.Name,
			PriceCents: t.PriceCents,
			Status:     ItemPending,
			CreatedAt:  now,
		})
		o.TotalCents += t.PriceCents
	}
	if err := s.store.CreateOrder(ctx, o, items); err != nil {
		return nil, err
	}
	return &OrderView{Order: *o, Items: items}, nil
}

// resolveTests expands panels and dedupes against each other and themselves.
func (s *Service) resolveTests(ctx context.Context, testIDs, panelIDs []string) ([]Test, error) {
	seen := map[string]bool{}
	var out []Test
	add := func(t Test) {
		if !seen[t.ID] {
			seen[t.ID] = true
			out = append(out, t)
		}
	}
	for _, id := range testIDs {
		t, err := s.store.TestByID(ctx, id)
		if err != nil {
			return nil, err
		}
		add(*t)
	}
	for _, id := range panelIDs {
		p, err := s.store.PanelByID(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, t := range p.Tests {
			add(t)
		}
	}
	return out, nil
}

// GetOrder returns the full read model for one order.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*OrderView, error) {
	var view *OrderView
	err := s.store.WithOrder(ctx, orderID, func(tx OrderTx) error {
		items, err := tx.Items(ctx)
		if err != nil {
			return err
		}
		specimens, err := tx.Specimens(ctx)
		if err != nil {
			return err
		}
		results, err := tx.Results(ctx)
		if err != nil {
			return err
		}
		view = &OrderView{Order: *tx.Order(), Items: items, Specimens: specimens, Results: results}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// ConfirmPayment marks the order paid. Refused for cancelled orders and
// orders already paid.
func (s *Service) ConfirmPayment(ctx context.Context, orderID, paymentRef string) (*Order, error) {
	var out *Order
	err := s.store.WithOrder(ctx, orderID, func(tx OrderTx) error {
		o := tx.Order()
		if o.Status == OrderCancelled {
			return errf(KindOrderCancelled, "order %s is cancelled", o.ID)
		}
		if o.PaymentStatus == PaymentPaid {
			return errf(KindAlreadyPaid, "order %s is already paid", o.ID)
		}
		now := time.Now().UTC()
		o.PaymentStatus = PaymentPaid
		o.PaymentRef = paymentRef
		o.PaidAt = &now
		if o.Status == OrderPendingPayment {
			o.Status = OrderPaid
		}
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelOutcome reports the cascade performed by Cancel.
type CancelOutcome struct {
	RejectedSpecimens []string `json:"rejected_specimens"`
}

// Cancel moves the order to cancelled and rejects every specimen still in
// pending or collected. Orders with lab work in flight (processing,
// completed, verified) need manual cancellation and are refused here.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (*Order, *CancelOutcome, error) {
	var (
		out     *Order
		outcome CancelOutcome
	)
	err := s.store.WithOrder(ctx, orderID, func(tx OrderTx) error {
		o := tx.Order()
		switch o.Status {
		case OrderCancelled:
			return errf(KindAlreadyCancelled, "order %s is already cancelled", o.ID)
		case OrderReleased:
			return errf(KindReleasedImmutable, "order %s is released and cannot be cancelled", o.ID)
		case OrderProcessing, OrderCompleted, OrderVerified:
			return errf(KindRequiresManualCancellation,
				"order %s has lab work in progress; cancel it through manual review", o.ID)
		}

		now := time.Now().UTC()
		specimens, err := tx.Specimens(ctx)
		if err != nil {
			return err
		}
		for i := range specimens {
			sp := &specimens[i]
			if sp.Status != SpecimenPending && sp.Status != SpecimenCollected {
				continue
			}
			sp.Status = SpecimenRejected
			sp.RejectedReason = "Order cancelled"
			sp.RejectedAt = &now
			if err := tx.UpdateSpecimen(ctx, sp); err != nil {
				return err
			}
			if err := tx.AppendEvent(ctx, &SpecimenEvent{
				ID:          uuid.NewString(),
				SpecimenID:  sp.ID,
				EventType:   EvRejected,
				Details:     "Order cancelled",
				PerformedAt: now,
			}); err != nil {
				return err
			}
			outcome.RejectedSpecimens = append(outcome.RejectedSpecimens, sp.ID)
		}

		o.Status = OrderCancelled
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		_ = reason // recorded by the caller's event, not on the row
		out = o
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, &outcome, nil
}

// SetStatus is the operator override. It is validated purely through the
// transition table, except that released is refused as a target: a release
// must go through Release so results get stamped.
func (s *Service) SetStatus(ctx context.Context, orderID string, next OrderStatus) (*Order, error) {
	if !next.Valid() {
		return nil, errf(KindInvalidState, "unknown status %q", next)
	}
	if next == OrderReleased {
		return nil, errf(KindNotModifiable, "use the release operation to release an order")
	}
	var out *Order
	err := s.store.WithOrder(ctx, orderID, func(tx OrderTx) error {
		o := tx.Order()
		if !CanTransition(o.Status, next) {
			return invalidTransition(o.Status, next)
		}
		now := time.Now().UTC()
		if o.Status == OrderPendingPayment && next == OrderPaid {
			// Same side effects as ConfirmPayment for consistency.
			o.PaymentStatus = PaymentPaid
			o.PaidAt = &now
		}
		o.Status = next
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type AddItemInput struct {
	TestID  string `json:"test_id,omitempty"`
	PanelID string `json:"panel_id,omitempty"`
}

// AddItem adds a test or expands a panel into the order. Only legal while the
// order is still modifiable (pending_payment or paid). Tests already present
// are skipped for panels and refused for single tests.
func (s *Service) AddItem(ctx context.Context, orderID string, in AddItemInput) ([]OrderItem, *Order, error) {
	if (in.TestID == "") == (in.PanelID == "") {
		return nil, nil, errf(KindInvalidState, "exactly one of test_id or panel_id is required")
	}
	// Catalog rows are immutable; resolve them before taking the order lock.
	var (
		single *Test
		panel  *Panel
	)
	if in.TestID != "" {
		t, err := s.store.TestByID(ctx, in.TestID)
		if err != nil {
			return nil, nil, err
		}
		single = t
	} else {
		p, err := s.store.PanelByID(ctx, in.PanelID)
		if err != nil {
			return nil, nil, err
		}
		panel = p
	}

	var (
		added []OrderItem
		out   *Order
	)
	err := s.store.WithOrder(ctx, orderID, func(tx OrderTx) error {
		o := tx.Order()
		if o.Status != OrderPendingPayment && o.Status != OrderPaid {
			return errf(KindNotModifiable, "order %s in status %s cannot be modified", o.ID, o.Status)
		}

		items, err := tx.Items(ctx)
		if err != nil {
			return err
		}
		present := map[string]bool{}
		for _, it := range items {
			present[it.TestID] = true
		}

		var candidates []Test
		if single != nil {
			if present[single.ID] {
				return errf(KindDuplicateTest, "test %s is already on the order", single.Code)
			}
			candidates = []Test{*single}
		} else {
			for _, t := range panel.Tests {
				if !present[t.ID] {
					candidates = append(candidates, t)
				}
			}
			if len(candidates) == 0 {
				return errf(KindNothingToAdd, "every test of panel %s is already on the order", panel.Code)
			}
		}

		now := time.Now().UTC()
		added = added[:0]
		for _, t := range candidates {
			it := OrderItem{
				ID:         uuid.NewString(),
				OrderID:    o.ID,
				TestID:     t.ID,
				TestCode:   t.Code,
				TestName:   t.Name,
				PriceCents: t.PriceCents,
				Status:     ItemPending,
				CreatedAt:  now,
			}
			if err := tx.InsertItem(ctx, &it); err != nil {
				return err
			}
			added = append(added, it)
		}

		// Recompute the total from persisted items rather than adjusting the
		// running figure.
		items, err = tx.Items(ctx)
		if err != nil {
			return err
		}
		o.TotalCents = sumPrices(items)
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return added, out, nil
}

// RemoveItem removes one item while the order is still modifiable. Items that
// already have a result cannot be removed, and neither can the last item;
// cancel the order instead.
func (s *Service) RemoveItem(ctx context.Context, orderID, itemID string) (*Order, error) {
	var out *Order
	err := s.store.WithOrder(ctx, orderID, func(tx OrderTx) error {
		o := tx.Order()
		if o.Status != OrderPendingPayment && o.Status != OrderPaid {
			return errf(KindNotModifiable, "order %s in status %s cannot be modified", o.ID, o.Status)
		}
		items, err := tx.Items(ctx)
		if err != nil {
			return err
		}
		var target *OrderItem
		for i := range items {
			if items[i].ID == itemID {
				target = &items[i]
				break
			}
		}
		if target == nil {
			return notFound("order item", itemID)
		}
		results, err := tx.Results(ctx)
		if err != nil {
			return err
		}
		for _, res := range results {
			if res.ItemID == itemID {
				return errf(KindResultExists, "item %s already has a result", itemID)
			}
		}
		if len(items) == 1 {
			return errf(KindLastItemProtected,
				"cannot remove the last item; cancel the order instead")
		}

		if err := tx.DeleteItem(ctx, itemID); err != nil {
			return err
		}
		items, err = tx.Items(ctx)
		if err != nil {
			return err
		}
		o.TotalCents = sumPrices(items)
		o.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Release stamps releasedAt on every result and moves the order to released,
// as one unit of work. Refused unless every item has a verified result.
// Results are stamped before the status flips, and already-stamped results
// are left untouched, so an interrupted release can be re-run safely.
func (s *Service) Release(ctx context.Context, orderID string) (*Order, error) {
	var out *Order
	err := s.store.WithOrder(ctx, orderID, func(tx OrderTx) error {
		o := tx.Order()
		if o.Status == OrderReleased {
			return errf(KindAlreadyReleased, "order %s is already released", o.ID)
		}
		if o.Status == OrderCancelled {
			return errf(KindOrderCancelled, "order %s is cancelled", o.ID)
		}

		items, err := tx.Items(ctx)
		if err != nil {
			return err
		}
		results, err := tx.Results(ctx)
		if err != nil {
			return err
		}
		verified := map[string]bool{}
		for _, res := range results {
			if res.Verified() {
				verified[res.ItemID] = true
			}
		}
		unverified := 0
		for _, it := range items {
			if !verified[it.ID] {
				unverified++
			}
		}
		if unverified > 0 {
			return notFullyVerified(unverified)
		}

		now := time.Now().UTC()
		for i := range results {
			if results[i].Released() {
				continue
			}
			results[i].ReleasedAt = &now
			results[i].UpdatedAt = now
			if err := tx.UpdateResult(ctx, &results[i]); err != nil {
				return err
			}
		}
		o.Status = OrderReleased
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sumPrices(items []OrderItem) int {
	total := 0
	for _, it := range items {
		total += it.PriceCents
	}
	return total
}
