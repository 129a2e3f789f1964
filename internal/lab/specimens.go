package lab

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SpecimenInput describes a specimen to accession onto an order.
type SpecimenInput struct {
	ItemID string `json:"item_id,omitempty"`
	Type   string `json:"type"`
}

// CollectionMeta is recorded when a specimen is collected.
type CollectionMeta struct {
	Appearance string  `json:"appearance,omitempty"`
	VolumeML   float64 `json:"volume_ml,omitempty"`
	Notes      string  `json:"notes,omitempty"`
}

// AccessionSpecimen registers a new specimen on the order with a fresh
// accession number and an accessioned audit event.
func (s *Service) AccessionSpecimen(ctx context.Context, orderID string, in SpecimenInput) (*Specimen, error) {
	var out *Specimen
	err := s.store.WithOrder(ctx, orderID, func(tx OrderTx) error {
		o := tx.Order()
		if o.Status == OrderCancelled || o.Status == OrderReleased {
			return errf(KindNotModifiable, "order %s in status %s cannot receive specimens", o.ID, o.Status)
		}
		if in.ItemID != "" {
			items, err := tx.Items(ctx)
			if err != nil {
				return err
			}
			found := false
			for _, it := range items {
				if it.ID == in.ItemID {
					found = true
					break
				}
			}
			if !found {
				return notFound("order item", in.ItemID)
			}
		}
		acc, err := tx.NextAccession(ctx)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		sp := &Specimen{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			ItemID:    in.ItemID,
			Accession: acc,
			Type:      in.Type,
			Status:    SpecimenPending,
			CreatedAt: now,
		}
		if err := tx.InsertSpecimen(ctx, sp); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &SpecimenEvent{
			ID:          uuid.NewString(),
			SpecimenID:  sp.ID,
			EventType:   EvAccessioned,
			Details:     "accession " + acc,
			PerformedAt: now,
		}); err != nil {
			return err
		}
		out = sp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CollectSpecimen records collection metadata on a pending specimen. When the
// last outstanding specimen of the order reaches collected, the order itself
// cascades to collected. The second return value reports that cascade.
func (s *Service) CollectSpecimen(ctx context.Context, specimenID string, meta CollectionMeta) (*Specimen, bool, error) {
	orderID, err := s.store.OrderIDForSpecimen(ctx, specimenID)
	if err != nil {
		return nil, false, err
	}
	var (
		out            *Specimen
		orderCollected bool
	)
	err = s.store.WithOrder(ctx, orderID, func(tx OrderTx) error {
		sp, err := specimenByID(ctx, tx, specimenID)
		if err != nil {
			return err
		}
		if sp.Status != SpecimenPending {
			return invalidSpecimenState("collect", sp.Status)
		}
		now := time.Now().UTC()
		sp.Status = SpecimenCollected
		sp.Appearance = meta.Appearance
		sp.VolumeML = meta.VolumeML
		sp.Notes = meta.Notes
		sp.CollectedAt = &now
		if err := tx.UpdateSpecimen(ctx, sp); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &SpecimenEvent{
			ID:          uuid.NewString(),
			SpecimenID:  sp.ID,
			EventType:   EvCollected,
			Details:     meta.Notes,
			PerformedAt: now,
		}); err != nil {
			return err
		}

		// Re-query all specimens: the cascade never trusts what this request
		// happens to have in memory.
		specimens, err := tx.Specimens(ctx)
		if err != nil {
			return err
		}
		all := len(specimens) > 0
		for _, other := range specimens {
			if other.Status == SpecimenRejected {
				continue
			}
			if !other.Status.atLeastCollected() {
				all = false
				break
			}
		}
		o := tx.Order()
		if all && (o.Status == OrderPaid || o.Status == OrderCollecting) {
			o.Status = OrderCollected
			o.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return err
			}
			orderCollected = true
		}
		out = sp
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, orderCollected, nil
}

// ReceiveSpecimen stamps lab intake on a collected specimen.
func (s *Service) ReceiveSpecimen(ctx context.Context, specimenID string) (*Specimen, error) {
	orderID, err := s.store.OrderIDForSpecimen(ctx, specimenID)
	if err != nil {
		return nil, err
	}
	var out *Specimen
	err = s.store.WithOrder(ctx, orderID, func(tx OrderTx) error {
		sp, err := specimenByID(ctx, tx, specimenID)
		if err != nil {
			return err
		}
		if sp.Status != SpecimenCollected {
			return invalidSpecimenState("receive", sp.Status)
		}
		now := time.Now().UTC()
		sp.Status = SpecimenReceived
		sp.ReceivedAt = &now
		if err := tx.UpdateSpecimen(ctx, sp); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &SpecimenEvent{
			ID:          uuid.NewString(),
			SpecimenID:  sp.ID,
			EventType:   EvReceived,
			PerformedAt: now,
		}); err != nil {
			return err
		}
		out = sp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RejectSpecimen marks a specimen unusable. Rejection requires a reason and
// is refused once the specimen is already rejected or completed. Rejecting a
// specimen never cascades to the order; only the order-level cancel
// bulk-rejects.
func (s *Service) RejectSpecimen(ctx context.Context, specimenID, reason string) (*Specimen, error) {
	if reason == "" {
		return nil, errf(KindReasonRequired, "a rejection reason is required")
	}
	orderID, err := s.store.OrderIDForSpecimen(ctx, specimenID)
	if err != nil {
		return nil, err
	}
	var out *Specimen
	err = s.store.WithOrder(ctx, orderID, func(tx OrderTx) error {
		sp, err := specimenByID(ctx, tx, specimenID)
		if err != nil {
			return err
		}
		if sp.Status.Final() {
			return invalidSpecimenState("reject", sp.Status)
		}
		now := time.Now().UTC()
		sp.Status = SpecimenRejected
		sp.RejectedReason = reason
		sp.RejectedAt = &now
		if err := tx.UpdateSpecimen(ctx, sp); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &SpecimenEvent{
			ID:          uuid.NewString(),
			SpecimenID:  sp.ID,
			EventType:   EvRejected,
			Details:     reason,
			PerformedAt: now,
		}); err != nil {
			return err
		}
		out = sp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func specimenByID(ctx context.Context, tx OrderTx, id string) (*Specimen, error) {
	specimens, err := tx.Specimens(ctx)
	if err != nil {
		return nil, err
	}
	for i := range specimens {
		if specimens[i].ID == id {
			return &specimens[i], nil
		}
	}
	return nil, notFound("specimen", id)
}
