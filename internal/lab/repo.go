package lab

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo is the Postgres implementation of Store. Per-order serialization comes
// from SELECT ... FOR UPDATE on the order row: every WithOrder call locks the
// row for the length of the transaction, so two mutations of the same order
// cannot race past each other.
type Repo struct{ DB *pgxpool.Pool }

const orderCols = `id, patient_id, status, payment_status, payment_ref, priority,
	total_cents, placed_at, paid_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.PatientID, &o.Status, &o.PaymentStatus, &o.PaymentRef,
		&o.Priority, &o.TotalCents, &o.PlacedAt, &o.PaidAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("order", "")
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Repo) CreateOrder(ctx context.Context, o *Order, items []OrderItem) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO lab_orders (`+orderCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		o.ID, o.PatientID, o.Status, o.PaymentStatus, o.PaymentRef, o.Priority,
		o.TotalCents, o.PlacedAt, o.PaidAt, o.UpdatedAt)
	if err != nil {
		return err
	}
	for _, it := range items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO lab_order_items (id, order_id, test_id, test_code, test_name, price_cents, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			it.ID, it.OrderID, it.TestID, it.TestCode, it.TestName, it.PriceCents, it.Status, it.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Repo) WithOrder(ctx context.Context, orderID string, fn func(tx OrderTx) error) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+orderCols+` FROM lab_orders WHERE id=$1 FOR UPDATE`, orderID)
	o, err := scanOrder(row)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return notFound("order", orderID)
		}
		return err
	}
	if err := fn(&pgOrderTx{tx: tx, order: o}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repo) OrderIDForItem(ctx context.Context, itemID string) (string, error) {
	return r.ownerID(ctx, `SELECT order_id FROM lab_order_items WHERE id=$1`, "order item", itemID)
}

func (r *Repo) OrderIDForSpecimen(ctx context.Context, specimenID string) (string, error) {
	return r.ownerID(ctx, `SELECT order_id FROM lab_specimens WHERE id=$1`, "specimen", specimenID)
}

func (r *Repo) OrderIDForResult(ctx context.Context, resultID string) (string, error) {
	return r.ownerID(ctx, `SELECT order_id FROM lab_results WHERE id=$1`, "result", resultID)
}

func (r *Repo) ownerID(ctx context.Context, q, entity, id string) (string, error) {
	var orderID string
	err := r.DB.QueryRow(ctx, q, id).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", notFound(entity, id)
	}
	if err != nil {
		return "", err
	}
	return orderID, nil
}

func (r *Repo) TestByID(ctx context.Context, id string) (*Test, error) {
	var t Test
	err := r.DB.QueryRow(ctx, `
		SELECT id, code, name, price_cents, specimen_type FROM lab_tests WHERE id=$1`, id).
		Scan(&t.ID, &t.Code, &t.Name, &t.PriceCents, &t.SpecimenType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("test", id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repo) PanelByID(ctx context.Context, id string) (*Panel, error) {
	var p Panel
	err := r.DB.QueryRow(ctx, `SELECT id, code, name FROM lab_panels WHERE id=$1`, id).
		Scan(&p.ID, &p.Code, &p.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("panel", id)
	}
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.Query(ctx, `
		SELECT t.id, t.code, t.name, t.price_cents, t.specimen_type
		FROM lab_panel_tests pt JOIN lab_tests t ON t.id = pt.test_id
		WHERE pt.panel_id = $1 ORDER BY t.code`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var t Test
		if err := rows.Scan(&t.ID, &t.Code, &t.Name, &t.PriceCents, &t.SpecimenType); err != nil {
			return nil, err
		}
		p.Tests = append(p.Tests, t)
	}
	return &p, rows.Err()
}

// pgOrderTx is the transaction-scoped OrderTx. All reads go back to the
// database inside the same transaction, never to request-local caches.
type pgOrderTx struct {
	tx    pgx.Tx
	order *Order
}

func (t *pgOrderTx) Order() *Order { return t.order }

func (t *pgOrderTx) Items(ctx context.Context) ([]OrderItem, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, test_id, test_code, test_name, price_cents, status, created_at
		FROM lab_order_items WHERE order_id=$1 ORDER BY created_at, id`, t.order.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.TestID, &it.TestCode, &it.TestName,
			&it.PriceCents, &it.Status, &it.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (t *pgOrderTx) Specimens(ctx context.Context) ([]Specimen, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, item_id, accession, type, status, appearance, volume_ml, notes,
		       collected_at, received_at, rejected_at, rejected_reason, created_at
		FROM lab_specimens WHERE order_id=$1 ORDER BY created_at, id`, t.order.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Specimen
	for rows.Next() {
		var sp Specimen
		if err := rows.Scan(&sp.ID, &sp.OrderID, &sp.ItemID, &sp.Accession, &sp.Type, &sp.Status,
			&sp.Appearance, &sp.VolumeML, &sp.Notes,
			&sp.CollectedAt, &sp.ReceivedAt, &sp.RejectedAt, &sp.RejectedReason, &sp.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (t *pgOrderTx) Results(ctx context.Context) ([]Result, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, item_id, value, unit, text, flags, verified_at, released_at, created_at, updated_at
		FROM lab_results WHERE order_id=$1 ORDER BY created_at, id`, t.order.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Result
	for rows.Next() {
		var res Result
		if err := rows.Scan(&res.ID, &res.OrderID, &res.ItemID, &res.Value, &res.Unit, &res.Text,
			&res.Flags, &res.VerifiedAt, &res.ReleasedAt, &res.CreatedAt, &res.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (t *pgOrderTx) UpdateOrder(ctx context.Context, o *Order) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE lab_orders
		SET status=$2, payment_status=$3, payment_ref=$4, total_cents=$5, paid_at=$6, updated_at=$7
		WHERE id=$1`,
		o.ID, o.Status, o.PaymentStatus, o.PaymentRef, o.TotalCents, o.PaidAt, o.UpdatedAt)
	return err
}

func (t *pgOrderTx) InsertItem(ctx context.Context, it *OrderItem) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO lab_order_items (id, order_id, test_id, test_code, test_name, price_cents, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		it.ID, it.OrderID, it.TestID, it.TestCode, it.TestName, it.PriceCents, it.Status, it.CreatedAt)
	return err
}

func (t *pgOrderTx) UpdateItem(ctx context.Context, it *OrderItem) error {
	// Price snapshot is immutable after insert; only the status moves.
	_, err := t.tx.Exec(ctx, `UPDATE lab_order_items SET status=$2 WHERE id=$1`, it.ID, it.Status)
	return err
}

func (t *pgOrderTx) DeleteItem(ctx context.Context, itemID string) error {
	ct, err := t.tx.Exec(ctx, `DELETE FROM lab_order_items WHERE id=$1`, itemID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return notFound("order item", itemID)
	}
	return nil
}

func (t *pgOrderTx) InsertSpecimen(ctx context.Context, sp *Specimen) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO lab_specimens (id, order_id, item_id, accession, type, status, appearance, volume_ml, notes,
		                           collected_at, received_at, rejected_at, rejected_reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		sp.ID, sp.OrderID, sp.ItemID, sp.Accession, sp.Type, sp.Status, sp.Appearance, sp.VolumeML, sp.Notes,
		sp.CollectedAt, sp.ReceivedAt, sp.RejectedAt, sp.RejectedReason, sp.CreatedAt)
	return err
}

func (t *pgOrderTx) UpdateSpecimen(ctx context.Context, sp *Specimen) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE lab_specimens
		SET status=$2, appearance=$3, volume_ml=$4, notes=$5,
		    collected_at=$6, received_at=$7, rejected_at=$8, rejected_reason=$9
		WHERE id=$1`,
		sp.ID, sp.Status, sp.Appearance, sp.VolumeML, sp.Notes,
		sp.CollectedAt, sp.ReceivedAt, sp.RejectedAt, sp.RejectedReason)
	return err
}

func (t *pgOrderTx) AppendEvent(ctx context.Context, ev *SpecimenEvent) error {
	// Append-only: there is no update or delete path for specimen events.
	_, err := t.tx.Exec(ctx, `
		INSERT INTO lab_specimen_events (id, specimen_id, event_type, details, performed_at)
		VALUES ($1,$2,$3,$4,$5)`,
		ev.ID, ev.SpecimenID, ev.EventType, ev.Details, ev.PerformedAt)
	return err
}

func (t *pgOrderTx) InsertResult(ctx context.Context, res *Result) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO lab_results (id, order_id, item_id, value, unit, text, flags,
		                         verified_at, released_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		res.ID, res.OrderID, res.ItemID, res.Value, res.Unit, res.Text, res.Flags,
		res.VerifiedAt, res.ReleasedAt, res.CreatedAt, res.UpdatedAt)
	return err
}

func (t *pgOrderTx) UpdateResult(ctx context.Context, res *Result) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE lab_results
		SET value=$2, unit=$3, text=$4, flags=$5, verified_at=$6, released_at=$7, updated_at=$8
		WHERE id=$1`,
		res.ID, res.Value, res.Unit, res.Text, res.Flags, res.VerifiedAt, res.ReleasedAt, res.UpdatedAt)
	return err
}

func (t *pgOrderTx) NextAccession(ctx context.Context) (string, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, `SELECT nextval('lab_accession_seq')`).Scan(&n); err != nil {
		return "", err
	}
	return fmt.Sprintf("ACC-%09d", n), nil
}
