package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/clinilab/go-lab-orders/internal/kafka"
	"github.com/clinilab/go-lab-orders/internal/lab"
	"github.com/clinilab/go-lab-orders/internal/redisx"
	"github.com/clinilab/go-lab-orders/internal/tokens"
)

// Publisher is what the handler needs from a kafka producer.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

var _ Publisher = (*kafkax.Producer)(nil)

// LabHandler exposes the lifecycle service over REST.
type LabHandler struct {
	Svc    *lab.Service
	Tokens *tokens.Store

	OrderEvents    Publisher
	SpecimenEvents Publisher
	ResultEvents   Publisher

	Redis   *redis.Client
	Service string
}

func (h *LabHandler) Register(r *chi.Mux) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
	r.Post("/orders/{id}/payment", h.confirmPayment)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/status", h.setStatus)
	r.Post("/orders/{id}/items", h.addItem)
	r.Delete("/orders/{id}/items/{itemID}", h.removeItem)
	r.Post("/orders/{id}/release", h.releaseOrder)
	r.Post("/orders/{id}/specimens", h.accessionSpecimen)
	r.Post("/orders/{id}/token", h.issueToken)

	r.Post("/specimens/{id}/collect", h.collectSpecimen)
	r.Post("/specimens/{id}/receive", h.receiveSpecimen)
	r.Post("/specimens/{id}/reject", h.rejectSpecimen)

	r.Post("/items/{id}/result", h.createResult)
	r.Put("/results/{id}", h.updateResult)
	r.Post("/results/{id}/verify", h.verifyResult)

	r.Get("/public/results/{token}", h.publicResults)
	r.Delete("/public/results/{token}", h.deactivateToken)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errBody is the uniform error shape. Transition failures carry the legal
// next states; release failures carry the unverified count.
type errBody struct {
	Error       string            `json:"error"`
	Kind        lab.Kind          `json:"kind,omitempty"`
	AllowedNext []lab.OrderStatus `json:"allowed_next,omitempty"`
	Unverified  int               `json:"unverified_count,omitempty"`
}

func writeErr(w http.ResponseWriter, err error) {
	le := lab.AsError(err)
	if le == nil {
		writeJSON(w, http.StatusInternalServerError, errBody{Error: err.Error()})
		return
	}
	code := http.StatusConflict
	switch le.Kind {
	case lab.KindNotFound:
		code = http.StatusNotFound
	case lab.KindReasonRequired:
		code = http.StatusBadRequest
	}
	writeJSON(w, code, errBody{
		Error:       le.Message,
		Kind:        le.Kind,
		AllowedNext: le.Allowed,
		Unverified:  le.Unverified,
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody{Error: "invalid json"})
		return false
	}
	return true
}

func reqCtx(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}

func (h *LabHandler) publish(p Publisher, r *http.Request, orderID, eventType string, payload any) {
	if p == nil {
		return
	}
	ev := lab.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      h.Service,
		TraceID:       r.Header.Get("X-Request-Id"),
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	p.Publish(lab.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (h *LabHandler) cacheStatus(ctx context.Context, orderID string, status lab.OrderStatus) {
	if h.Redis == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	body, _ := json.Marshal(map[string]any{"status": status})
	_ = h.Redis.Set(ctx, key, body, redisx.TTLStatusCache).Err()
}

func (h *LabHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var in lab.CreateOrderInput
	if !decode(w, r, &in) {
		return
	}
	ctx, cancel := reqCtx(r, 5*time.Second)
	defer cancel()

	view, err := h.Svc.CreateOrder(ctx, in)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.cacheStatus(ctx, view.Order.ID, view.Order.Status)
	writeJSON(w, http.StatusCreated, view)
}

func (h *LabHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r, 3*time.Second)
	defer cancel()

	view, err := h.Svc.GetOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	h.cacheStatus(ctx, view.Order.ID, view.Order.Status)
	writeJSON(w, http.StatusOK, view)
}

// getOrderStatus is the hot read: served from the redis cache when fresh,
// falling back to the store. The database stays the source of truth.
func (h *LabHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := reqCtx(r, 3*time.Second)
	defer cancel()

	if h.Redis != nil {
		key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			writeJSON(w, http.StatusOK, json.RawMessage(s))
			return
		}
	}
	view, err := h.Svc.GetOrder(ctx, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.cacheStatus(ctx, orderID, view.Order.Status)
	writeJSON(w, http.StatusOK, map[string]any{"status": view.Order.Status})
}

type confirmPaymentReq struct {
	PaymentRef  string `json:"payment_ref"`
	AmountCents int    `json:"amount_cents"`
}

func (h *LabHandler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := reqCtx(r, 5*time.Second)
	defer cancel()

	o, err := h.Svc.ConfirmPayment(ctx, chi.URLParam(r, "id"), req.PaymentRef)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.cacheStatus(ctx, o.ID, o.Status)
	h.publish(h.OrderEvents, r, o.ID, lab.EventOrderPaid, lab.OrderPaidPayload{
		OrderID:     o.ID,
		PatientID:   o.PatientID,
		PaymentRef:  req.PaymentRef,
		AmountCents: o.TotalCents,
	})
	writeJSON(w, http.StatusOK, o)
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *LabHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := reqCtx(r, 5*time.Second)
	defer cancel()

	o, outcome, err := h.Svc.Cancel(ctx, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.cacheStatus(ctx, o.ID, o.Status)
	h.publish(h.OrderEvents, r, o.ID, lab.EventOrderCancelled, lab.OrderCancelledPayload{
		OrderID:           o.ID,
		Reason:            req.Reason,
		RejectedSpecimens: outcome.RejectedSpecimens,
	})
	writeJSON(w, http.StatusOK, map[string]any{"order": o, "cascade": outcome})
}

type setStatusReq struct {
	Status lab.OrderStatus `json:"status"`
}

func (h *LabHandler) setStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := reqCtx(r, 5*time.Second)
	defer cancel()

	o, err := h.Svc.SetStatus(ctx, chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.cacheStatus(ctx, o.ID, o.Status)
	h.publish(h.OrderEvents, r, o.ID, lab.EventOrderStatusSet, lab.OrderStatusSetPayload{
		OrderID: o.ID,
		Status:  o.Status,
	})
	writeJSON(w, http.StatusOK, o)
}

func (h *LabHandler) addItem(w http.ResponseWriter, r *http.Request) {
	var in lab.AddItemInput
	if !decode(w, r, &in) {
		return
	}
	ctx, cancel := reqCtx(r, 5*time.Second)
	defer cancel()

	added, o, err := h.Svc.AddItem(ctx, chi.URLParam(r, "id"), in)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"added": added, "order": o})
}

func (h *LabHandler) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r, 5*time.Second)
	defer cancel()

	o, err := h.Svc.RemoveItem(ctx, chi.URLParam(r, "id"), chi.URLParam(r, "itemID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *LabHandler) releaseOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r, 5*time.Second)
	defer cancel()

	o, err := h.Svc.Release(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	h.cacheStatus(ctx, o.ID, o.Status)
	h.publish(h.OrderEvents, r, o.ID, lab.EventOrderReleased, lab.OrderReleasedPayload{
		OrderID:   o.ID,
		PatientID: o.PatientID,
	})
	writeJSON(w, http.StatusOK, o)
}

func (h *LabHandler) accessionSpecimen(w http.ResponseWriter, r *http.Request) {
	var in lab.SpecimenInput
	if !decode(w, r, &in) {
		return
	}
	ctx, cancel := reqCtx(r, 5*time.Second)
	defer cancel()

	sp, err := h.Svc.AccessionSpecimen(ctx, chi.URLParam(r, "id"), in)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sp)
}

func (h *LabHandler) collectSpecimen(w http.ResponseWriter, r *http.Request) {
	var meta lab.CollectionMeta
	if !decode(w, r, &meta) {
		return
	}
	ctx, cancel := reqCtx(r, 5*time.Second)
	defer cancel()

	sp, orderCollected, err := h.Svc.CollectSpecimen(ctx, chi.URLParam(r, "id"), meta)
	if err != nil {
		writeErr(w, err)
		return
	}
	if orderCollected {
		h.cacheStatus(ctx, sp.OrderID, lab.OrderCollected)
	}
	h.publish(h.SpecimenEvents, r, sp.OrderID, lab.EventSpecimenCollected, lab.SpecimenCollectedPayload{
		OrderID:        sp.OrderID,
		SpecimenID:     sp.ID,
		Accession:      sp.Accession,
		OrderCollected: orderCollected,
	})
	writeJSON(w, http.StatusOK, map[string]any{"specimen": sp, "order_collected": orderCollected})
}

func (h *LabHandler) receiveSpecimen(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r, 5*time.Second)
	defer cancel()

	sp, err := h.Svc.ReceiveSpecimen(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

func (h *LabHandler) rejectSpecimen(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := reqCtx(r, 5*time.Second)
	defer cancel()

	sp, err := h.Svc.RejectSpecimen(ctx, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.publish(h.SpecimenEvents, r, sp.OrderID, lab.EventSpecimenRejected, lab.SpecimenRejectedPayload{
		OrderID:    sp.OrderID,
		SpecimenID: sp.ID,
		Accession:  sp.Accession,
		Reason:     req.Reason,
	})
	writeJSON(w, http.StatusOK, sp)
}

func (h *LabHandler) createResult(w http.ResponseWriter, r *http.Request) {
	var values lab.ResultValues
	if !decode(w, r, &values) {
		return
	}
	ctx, cancel := reqCtx(r, 5*time.Second)
	defer cancel()

	res, err := h.Svc.CreateResult(ctx, chi.URLParam(r, "id"), values)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *LabHandler) updateResult(w http.ResponseWriter, r *http.Request) {
	var values lab.ResultValues
	if !decode(w, r, &values) {
		return
	}
	ctx, cancel := reqCtx(r, 5*time.Second)
	defer cancel()

	res, err := h.Svc.UpdateResult(ctx, chi.URLParam(r, "id"), values)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *LabHandler) verifyResult(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r, 5*time.Second)
	defer cancel()

	res, orderVerified, err := h.Svc.VerifyResult(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if orderVerified {
		h.cacheStatus(ctx, res.OrderID, lab.OrderVerified)
	}
	h.publish(h.ResultEvents, r, res.OrderID, lab.EventResultVerified, lab.ResultVerifiedPayload{
		OrderID:       res.OrderID,
		ResultID:      res.ID,
		ItemID:        res.ItemID,
		OrderVerified: orderVerified,
	})
	writeJSON(w, http.StatusOK, map[string]any{"result": res, "order_verified": orderVerified})
}

func (h *LabHandler) issueToken(w http.ResponseWriter, r *http.Request) {
	if h.Tokens == nil {
		writeJSON(w, http.StatusServiceUnavailable, errBody{Error: "token store unavailable"})
		return
	}
	ctx, cancel := reqCtx(r, 5*time.Second)
	defer cancel()

	orderID := chi.URLParam(r, "id")
	view, err := h.Svc.GetOrder(ctx, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if view.Order.Status != lab.OrderReleased {
		writeErr(w, &lab.Error{Kind: lab.KindNotModifiable,
			Message: "tokens can only be issued for released orders"})
		return
	}
	tok, err := h.Tokens.Issue(ctx, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (h *LabHandler) publicResults(w http.ResponseWriter, r *http.Request) {
	if h.Tokens == nil {
		writeJSON(w, http.StatusServiceUnavailable, errBody{Error: "token store unavailable"})
		return
	}
	ctx, cancel := reqCtx(r, 5*time.Second)
	defer cancel()

	tok, err := h.Tokens.Redeem(ctx, chi.URLParam(r, "token"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errBody{Error: err.Error()})
		return
	}
	view, err := h.Svc.GetOrder(ctx, tok.OrderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if view.Order.Status != lab.OrderReleased {
		writeJSON(w, http.StatusNotFound, errBody{Error: "results not released"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":   view.Order,
		"items":   view.Items,
		"results": view.Results,
	})
}

func (h *LabHandler) deactivateToken(w http.ResponseWriter, r *http.Request) {
	if h.Tokens == nil {
		writeJSON(w, http.StatusServiceUnavailable, errBody{Error: "token store unavailable"})
		return
	}
	ctx, cancel := reqCtx(r, 5*time.Second)
	defer cancel()

	if err := h.Tokens.Deactivate(ctx, chi.URLParam(r, "token")); err != nil {
		writeJSON(w, http.StatusNotFound, errBody{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
