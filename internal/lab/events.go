package lab

import (
	"encoding/json"
	"time"
)

const (
	EventOrderPaid         = "OrderPaid"
	EventOrderCancelled    = "OrderCancelled"
	EventOrderStatusSet    = "OrderStatusSet"
	EventOrderReleased     = "OrderReleased"
	EventSpecimenCollected = "SpecimenCollected"
	EventSpecimenRejected  = "SpecimenRejected"
	EventResultVerified    = "ResultVerified"
	EventResultReady       = "ResultReady"
)

// Envelope is the wire frame shared by every lifecycle event.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type OrderPaidPayload struct {
	OrderID     string `json:"order_id"`
	PatientID   string `json:"patient_id"`
	PaymentRef  string `json:"payment_ref"`
	AmountCents int    `json:"amount_cents"`
}

type OrderCancelledPayload struct {
	OrderID           string   `json:"order_id"`
	Reason            string   `json:"reason,omitempty"`
	RejectedSpecimens []string `json:"rejected_specimens,omitempty"`
}

type OrderStatusSetPayload struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
}

type OrderReleasedPayload struct {
	OrderID   string `json:"order_id"`
	PatientID string `json:"patient_id"`
}

type SpecimenCollectedPayload struct {
	OrderID        string `json:"order_id"`
	SpecimenID     string `json:"specimen_id"`
	Accession      string `json:"accession"`
	OrderCollected bool   `json:"order_collected"`
}

type SpecimenRejectedPayload struct {
	OrderID    string `json:"order_id"`
	SpecimenID string `json:"specimen_id"`
	Accession  string `json:"accession"`
	Reason     string `json:"reason"`
}

type ResultVerifiedPayload struct {
	OrderID       string `json:"order_id"`
	ResultID      string `json:"result_id"`
	ItemID        string `json:"item_id"`
	OrderVerified bool   `json:"order_verified"`
}

type ResultReadyPayload struct {
	OrderID   string    `json:"order_id"`
	PatientID string    `json:"patient_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
