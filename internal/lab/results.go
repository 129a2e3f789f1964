package lab

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ResultValues carries the measured values for create/update.
type ResultValues struct {
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
	Text  string `json:"text,omitempty"`
	Flags string `json:"flags,omitempty"`
}

// CreateResult records the result for an item. Only legal once the order has
// reached collection. Marks the item completed, advances the referenced
// specimen into processing, and recomputes the order status from the full
// set of items.
func (s *Service) CreateResult(ctx context.Context, itemID string, values ResultValues) (*Result, error) {
	orderID, err := s.store.OrderIDForItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	var out *Result
	err = s.store.WithOrder(ctx, orderID, func(tx OrderTx) error {
		o := tx.Order()
		switch o.Status {
		case OrderCollected, OrderProcessing, OrderCompleted, OrderVerified:
		default:
			return errf(KindNotModifiable, "order %s in status %s cannot accept results", o.ID, o.Status)
		}

		items, err := tx.Items(ctx)
		if err != nil {
			return err
		}
		var item *OrderItem
		for i := range items {
			if items[i].ID == itemID {
				item = &items[i]
				break
			}
		}
		if item == nil {
			return notFound("order item", itemID)
		}

		results, err := tx.Results(ctx)
		if err != nil {
			return err
		}
		for _, res := range results {
			if res.ItemID == itemID {
				return errf(KindDuplicateResult, "item %s already has a result; update it instead", itemID)
			}
		}

		now := time.Now().UTC()
		res := &Result{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			ItemID:    itemID,
			Value:     values.Value,
			Unit:      values.Unit,
			Text:      values.Text,
			Flags:     values.Flags,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertResult(ctx, res); err != nil {
			return err
		}

		if err := updateItemStatus(ctx, tx, item, ItemCompleted); err != nil {
			return err
		}

		// Advance the referenced specimen into processing once the lab has a
		// result in hand.
		specimens, err := tx.Specimens(ctx)
		if err != nil {
			return err
		}
		for i := range specimens {
			sp := &specimens[i]
			if sp.ItemID != itemID {
				continue
			}
			if sp.Status == SpecimenReceived || sp.Status == SpecimenProcessing {
				sp.Status = SpecimenProcessing
				if err := tx.UpdateSpecimen(ctx, sp); err != nil {
					return err
				}
			}
		}

		if err := recomputeOnResult(ctx, tx, now); err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateResult replaces the values of an unreleased result.
func (s *Service) UpdateResult(ctx context.Context, resultID string, values ResultValues) (*Result, error) {
	orderID, err := s.store.OrderIDForResult(ctx, resultID)
	if err != nil {
		return nil, err
	}
	var out *Result
	err = s.store.WithOrder(ctx, orderID, func(tx OrderTx) error {
		res, err := resultByID(ctx, tx, resultID)
		if err != nil {
			return err
		}
		if res.Released() {
			return errf(KindResultReleased, "result %s is released and immutable", resultID)
		}
		res.Value = values.Value
		res.Unit = values.Unit
		res.Text = values.Text
		res.Flags = values.Flags
		res.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateResult(ctx, res); err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyResult stamps second-reviewer verification on a result, marks the
// item verified, and cascades the order to verified once every item has a
// verified result. The boolean reports whether that cascade happened, so the
// caller can prompt for release.
func (s *Service) VerifyResult(ctx context.Context, resultID string) (*Result, bool, error) {
	orderID, err := s.store.OrderIDForResult(ctx, resultID)
	if err != nil {
		return nil, false, err
	}
	var (
		out           *Result
		orderVerified bool
	)
	err = s.store.WithOrder(ctx, orderID, func(tx OrderTx) error {
		res, err := resultByID(ctx, tx, resultID)
		if err != nil {
			return err
		}
		if res.Released() {
			return errf(KindAlreadyReleased, "result %s is already released", resultID)
		}
		if res.Verified() {
			return errf(KindAlreadyVerified, "result %s is already verified", resultID)
		}
		now := time.Now().UTC()
		res.VerifiedAt = &now
		res.UpdatedAt = now
		if err := tx.UpdateResult(ctx, res); err != nil {
			return err
		}

		items, err := tx.Items(ctx)
		if err != nil {
			return err
		}
		var item *OrderItem
		for i := range items {
			if items[i].ID == res.ItemID {
				item = &items[i]
				break
			}
		}
		if item != nil {
			if err := updateItemStatus(ctx, tx, item, ItemVerified); err != nil {
				return err
			}
		}

		// Re-query: is every item now covered by a verified result?
		results, err := tx.Results(ctx)
		if err != nil {
			return err
		}
		verified := map[string]bool{}
		for _, r := range results {
			if r.Verified() {
				verified[r.ItemID] = true
			}
		}
		allVerified := true
		for _, it := range items {
			if !verified[it.ID] {
				allVerified = false
				break
			}
		}
		o := tx.Order()
		if allVerified && CanTransition(o.Status, OrderVerified) {
			o.Status = OrderVerified
			o.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return err
			}
			orderVerified = true
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, orderVerified, nil
}

// recomputeOnResult derives the order status from the authoritative item and
// result rows after a result lands: completed once every item has a result,
// processing otherwise. Orders already past processing keep their more
// advanced status.
func recomputeOnResult(ctx context.Context, tx OrderTx, now time.Time) error {
	o := tx.Order()
	if o.Status != OrderCollected && o.Status != OrderProcessing {
		return nil
	}
	items, err := tx.Items(ctx)
	if err != nil {
		return err
	}
	results, err := tx.Results(ctx)
	if err != nil {
		return err
	}
	resulted := map[string]bool{}
	for _, r := range results {
		resulted[r.ItemID] = true
	}
	next := OrderCompleted
	for _, it := range items {
		if !resulted[it.ID] {
			next = OrderProcessing
			break
		}
	}
	if o.Status == next {
		return nil
	}
	o.Status = next
	o.UpdatedAt = now
	return tx.UpdateOrder(ctx, o)
}

func updateItemStatus(ctx context.Context, tx OrderTx, item *OrderItem, st ItemStatus) error {
	if item.Status == st {
		return nil
	}
	item.Status = st
	return tx.UpdateItem(ctx, item)
}

func resultByID(ctx context.Context, tx OrderTx, id string) (*Result, error) {
	results, err := tx.Results(ctx)
	if err != nil {
		return nil, err
	}
	for i := range results {
		if results[i].ID == id {
			return &results[i], nil
		}
	}
	return nil, notFound("result", id)
}
