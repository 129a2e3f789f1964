package lab

import "time"

// Test is a catalog entry for a single orderable test.
type Test struct {
	ID         string `json:"id"`
	Code       string `json:"code"`
	Name       string `json:"name"`
	PriceCents int    `json:"price_cents"`
	// Specimen type required for the test, e.g. "serum", "whole_blood".
	SpecimenType string `json:"specimen_type"`
}

// Panel is a named bundle of tests orderable as one unit. Adding a panel to
// an order expands to its member tests.
type Panel struct {
	ID    string `json:"id"`
	Code  string `json:"code"`
	Name  string `json:"name"`
	Tests []Test `json:"tests"`
}

type Order struct {
	ID            string        `json:"id"`
	PatientID     string        `json:"patient_id"`
	Status        OrderStatus   `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	PaymentRef    string        `json:"payment_ref,omitempty"`
	Priority      Priority      `json:"priority"`
	TotalCents    int           `json:"total_cents"`
	PlacedAt      time.Time     `json:"placed_at"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// OrderItem is one ordered test. PriceCents is snapshotted from the catalog
// when the item is added and never changes afterwards.
type OrderItem struct {
	ID         string     `json:"id"`
	OrderID    string     `json:"order_id"`
	TestID     string     `json:"test_id"`
	TestCode   string     `json:"test_code"`
	TestName   string     `json:"test_name"`
	PriceCents int        `json:"price_cents"`
	Status     ItemStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
}

type Specimen struct {
	ID        string         `json:"id"`
	OrderID   string         `json:"order_id"`
	ItemID    string         `json:"item_id,omitempty"`
	Accession string         `json:"accession"`
	Type      string         `json:"type"`
	Status    SpecimenStatus `json:"status"`

	Appearance string  `json:"appearance,omitempty"`
	VolumeML   float64 `json:"volume_ml,omitempty"`
	Notes      string  `json:"notes,omitempty"`

	CollectedAt    *time.Time `json:"collected_at,omitempty"`
	ReceivedAt     *time.Time `json:"received_at,omitempty"`
	RejectedAt     *time.Time `json:"rejected_at,omitempty"`
	RejectedReason string     `json:"rejected_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Specimen event types. Events are append-only; they form the audit trail
// and are never edited or deleted.
const (
	EvAccessioned = "accessioned"
	EvCollected   = "collected"
	EvReceived    = "received"
	EvRejected    = "rejected"
)

type SpecimenEvent struct {
	ID          string    `json:"id"`
	SpecimenID  string    `json:"specimen_id"`
	EventType   string    `json:"event_type"`
	Details     string    `json:"details,omitempty"`
	PerformedAt time.Time `json:"performed_at"`
}

// Result holds the measured values for one order item. One result per item.
// Once ReleasedAt is set the record is immutable.
type Result struct {
	ID         string     `json:"id"`
	OrderID    string     `json:"order_id"`
	ItemID     string     `json:"item_id"`
	Value      string     `json:"value"`
	Unit       string     `json:"unit,omitempty"`
	Text       string     `json:"text,omitempty"`
	Flags      string     `json:"flags,omitempty"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Released reports whether the result has been released (and is therefore
// frozen).
func (r *Result) Released() bool { return r.ReleasedAt != nil }

// Verified reports whether the result has passed second-reviewer
// verification.
func (r *Result) Verified() bool { return r.VerifiedAt != nil }

// OrderView is the full read model for one order.
type OrderView struct {
	Order     Order      `json:"order"`
	Items     []OrderItem `json:"items"`
	Specimens []Specimen  `json:"specimens"`
	Results   []Result    `json:"results"`
}
