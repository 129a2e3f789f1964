package lab_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinilab/go-lab-orders/internal/lab"
	"github.com/clinilab/go-lab-orders/internal/lab/labtest"
)

var (
	testCBC = lab.Test{ID: "t-cbc", Code: "CBC", Name: "Complete Blood Count", PriceCents: 1500, SpecimenType: "whole_blood"}
	testGLU = lab.Test{ID: "t-glu", Code: "GLU", Name: "Fasting Glucose", PriceCents: 800, SpecimenType: "serum"}
	testLIP = lab.Test{ID: "t-lip", Code: "LIP", Name: "Lipid Profile", PriceCents: 2200, SpecimenType: "serum"}

	panelMetabolic = lab.Panel{ID: "p-met", Code: "METAB", Name: "Metabolic Panel", Tests: []lab.Test{testGLU, testLIP}}
)

func newFixture(t *testing.T) (*lab.Service, *labtest.MemStore) {
	t.Helper()
	store := labtest.NewMemStore()
	store.SeedTest(testCBC)
	store.SeedTest(testGLU)
	store.SeedTest(testLIP)
	store.SeedPanel(panelMetabolic)
	return lab.NewService(store), store
}

func placeOrder(t *testing.T, svc *lab.Service, testIDs ...string) *lab.OrderView {
	t.Helper()
	view, err := svc.CreateOrder(context.Background(), lab.CreateOrderInput{
		PatientID: "patient-1",
		TestIDs:   testIDs,
	})
	require.NoError(t, err)
	return view
}

func TestCreateOrder(t *testing.T) {
	svc, _ := newFixture(t)
	view := placeOrder(t, svc, testCBC.ID, testGLU.ID)

	assert.Equal(t, lab.OrderPendingPayment, view.Order.Status)
	assert.Equal(t, lab.PaymentPending, view.Order.PaymentStatus)
	assert.Equal(t, lab.PriorityRoutine, view.Order.Priority)
	assert.Equal(t, 2300, view.Order.TotalCents)
	require.Len(t, view.Items, 2)
	for _, it := range view.Items {
		assert.Equal(t, lab.ItemPending, it.Status)
	}
}

func TestCreateOrderPanelExpansionDedupes(t *testing.T) {
	svc, _ := newFixture(t)
	view, err := svc.CreateOrder(context.Background(), lab.CreateOrderInput{
		PatientID: "patient-1",
		TestIDs:   []string{testGLU.ID},
		PanelIDs:  []string{panelMetabolic.ID},
	})
	require.NoError(t, err)
	require.Len(t, view.Items, 2) // GLU once, LIP once
	assert.Equal(t, testGLU.PriceCents+testLIP.PriceCents, view.Order.TotalCents)
}

func TestCreateOrderRequiresTests(t *testing.T) {
	svc, _ := newFixture(t)
	_, err := svc.CreateOrder(context.Background(), lab.CreateOrderInput{PatientID: "patient-1"})
	assert.Equal(t, lab.KindNothingToAdd, lab.KindOf(err))
}

func TestConfirmPayment(t *testing.T) {
	svc, _ := newFixture(t)
	view := placeOrder(t, svc, testCBC.ID)
	ctx := context.Background()

	o, err := svc.ConfirmPayment(ctx, view.Order.ID, "pos-123")
	require.NoError(t, err)
	assert.Equal(t, lab.OrderPaid, o.Status)
	assert.Equal(t, lab.PaymentPaid, o.PaymentStatus)
	require.NotNil(t, o.PaidAt)

	_, err = svc.ConfirmPayment(ctx, view.Order.ID, "pos-123")
	assert.Equal(t, lab.KindAlreadyPaid, lab.KindOf(err))
}

func TestConfirmPaymentOnCancelledOrder(t *testing.T) {
	svc, _ := newFixture(t)
	view := placeOrder(t, svc, testCBC.ID)
	ctx := context.Background()

	_, _, err := svc.Cancel(ctx, view.Order.ID, "changed mind")
	require.NoError(t, err)

	_, err = svc.ConfirmPayment(ctx, view.Order.ID, "pos-123")
	assert.Equal(t, lab.KindOrderCancelled, lab.KindOf(err))
}

func TestConfirmPaymentUnknownOrder(t *testing.T) {
	svc, _ := newFixture(t)
	_, err := svc.ConfirmPayment(context.Background(), "nope", "pos-1")
	assert.Equal(t, lab.KindNotFound, lab.KindOf(err))
}

func TestCancelCascadesOnlyPendingAndCollectedSpecimens(t *testing.T) {
	svc, _ := newFixture(t)
	view := placeOrder(t, svc, testCBC.ID)
	ctx := context.Background()
	_, err := svc.ConfirmPayment(ctx, view.Order.ID, "pos-1")
	require.NoError(t, err)

	sp1, err := svc.AccessionSpecimen(ctx, view.Order.ID, lab.SpecimenInput{Type: "serum"})
	require.NoError(t, err)
	sp2, err := svc.AccessionSpecimen(ctx, view.Order.ID, lab.SpecimenInput{Type: "serum"})
	require.NoError(t, err)
	sp3, err := svc.AccessionSpecimen(ctx, view.Order.ID, lab.SpecimenInput{Type: "whole_blood"})
	require.NoError(t, err)

	// Walk sp3 to received; sp1 and sp2 stay pending.
	_, _, err = svc.CollectSpecimen(ctx, sp3.ID, lab.CollectionMeta{})
	require.NoError(t, err)
	_, err = svc.ReceiveSpecimen(ctx, sp3.ID)
	require.NoError(t, err)

	o, outcome, err := svc.Cancel(ctx, view.Order.ID, "patient no-show")
	require.NoError(t, err)
	assert.Equal(t, lab.OrderCancelled, o.Status)
	assert.ElementsMatch(t, []string{sp1.ID, sp2.ID}, outcome.RejectedSpecimens)

	got, err := svc.GetOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	statuses := map[string]lab.SpecimenStatus{}
	for _, sp := range got.Specimens {
		statuses[sp.ID] = sp.Status
	}
	assert.Equal(t, lab.SpecimenRejected, statuses[sp1.ID])
	assert.Equal(t, lab.SpecimenRejected, statuses[sp2.ID])
	assert.Equal(t, lab.SpecimenReceived, statuses[sp3.ID])
}

func TestCancelGuards(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()

	view := placeOrder(t, svc, testCBC.ID)
	_, _, err := svc.Cancel(ctx, view.Order.ID, "")
	require.NoError(t, err)
	_, _, err = svc.Cancel(ctx, view.Order.ID, "")
	assert.Equal(t, lab.KindAlreadyCancelled, lab.KindOf(err))

	// Orders with lab work in flight need manual cancellation.
	view2 := orderInStatus(t, svc, lab.OrderProcessing)
	_, _, err = svc.Cancel(ctx, view2.Order.ID, "")
	assert.Equal(t, lab.KindRequiresManualCancellation, lab.KindOf(err))
}

// orderInStatus walks a fresh one-item order to the wanted status through the
// operator override.
func orderInStatus(t *testing.T, svc *lab.Service, want lab.OrderStatus) *lab.OrderView {
	t.Helper()
	ctx := context.Background()
	view := placeOrder(t, svc, testCBC.ID)
	path := []lab.OrderStatus{lab.OrderPaid, lab.OrderCollecting, lab.OrderCollected, lab.OrderProcessing, lab.OrderCompleted, lab.OrderVerified}
	for _, st := range path {
		if view.Order.Status == want {
			break
		}
		o, err := svc.SetStatus(ctx, view.Order.ID, st)
		require.NoError(t, err)
		view.Order = *o
	}
	require.Equal(t, want, view.Order.Status)
	return view
}

func TestSetStatusValidatesTransitions(t *testing.T) {
	svc, _ := newFixture(t)
	view := placeOrder(t, svc, testCBC.ID)
	ctx := context.Background()

	_, err := svc.SetStatus(ctx, view.Order.ID, lab.OrderCollected)
	require.Equal(t, lab.KindInvalidTransition, lab.KindOf(err))
	le := lab.AsError(err)
	assert.ElementsMatch(t, []lab.OrderStatus{lab.OrderPaid, lab.OrderCancelled}, le.Allowed)

	_, err = svc.SetStatus(ctx, view.Order.ID, lab.OrderStatus("shipped"))
	assert.Equal(t, lab.KindInvalidState, lab.KindOf(err))
}

func TestSetStatusToPaidStampsPayment(t *testing.T) {
	svc, _ := newFixture(t)
	view := placeOrder(t, svc, testCBC.ID)

	o, err := svc.SetStatus(context.Background(), view.Order.ID, lab.OrderPaid)
	require.NoError(t, err)
	assert.Equal(t, lab.PaymentPaid, o.PaymentStatus)
	require.NotNil(t, o.PaidAt)
}

func TestSetStatusRefusesReleased(t *testing.T) {
	svc, _ := newFixture(t)
	view := orderInStatus(t, svc, lab.OrderVerified)

	_, err := svc.SetStatus(context.Background(), view.Order.ID, lab.OrderReleased)
	assert.Equal(t, lab.KindNotModifiable, lab.KindOf(err))
}

func TestAddItem(t *testing.T) {
	svc, _ := newFixture(t)
	view := placeOrder(t, svc, testCBC.ID)
	ctx := context.Background()

	added, o, err := svc.AddItem(ctx, view.Order.ID, lab.AddItemInput{TestID: testGLU.ID})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, testCBC.PriceCents+testGLU.PriceCents, o.TotalCents)

	_, _, err = svc.AddItem(ctx, view.Order.ID, lab.AddItemInput{TestID: testGLU.ID})
	assert.Equal(t, lab.KindDuplicateTest, lab.KindOf(err))
}

func TestAddPanelSkipsPresentTests(t *testing.T) {
	svc, _ := newFixture(t)
	view := placeOrder(t, svc, testGLU.ID)
	ctx := context.Background()

	added, o, err := svc.AddItem(ctx, view.Order.ID, lab.AddItemInput{PanelID: panelMetabolic.ID})
	require.NoError(t, err)
	require.Len(t, added, 1) // only LIP; GLU already present
	assert.Equal(t, testLIP.ID, added[0].TestID)
	assert.Equal(t, testGLU.PriceCents+testLIP.PriceCents, o.TotalCents)

	_, _, err = svc.AddItem(ctx, view.Order.ID, lab.AddItemInput{PanelID: panelMetabolic.ID})
	assert.Equal(t, lab.KindNothingToAdd, lab.KindOf(err))
}

func TestAddItemRefusedOnceCollecting(t *testing.T) {
	svc, _ := newFixture(t)
	view := orderInStatus(t, svc, lab.OrderCollecting)

	_, _, err := svc.AddItem(context.Background(), view.Order.ID, lab.AddItemInput{TestID: testGLU.ID})
	assert.Equal(t, lab.KindNotModifiable, lab.KindOf(err))
}

func TestRemoveItem(t *testing.T) {
	svc, _ := newFixture(t)
	view := placeOrder(t, svc, testCBC.ID, testGLU.ID)
	ctx := context.Background()

	var gluItem lab.OrderItem
	for _, it := range view.Items {
		if it.TestID == testGLU.ID {
			gluItem = it
		}
	}
	o, err := svc.RemoveItem(ctx, view.Order.ID, gluItem.ID)
	require.NoError(t, err)
	assert.Equal(t, testCBC.PriceCents, o.TotalCents)

	got, err := svc.GetOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)

	_, err = svc.RemoveItem(ctx, view.Order.ID, "missing")
	assert.Equal(t, lab.KindNotFound, lab.KindOf(err))

	// Last item is protected; the caller must cancel the order instead.
	_, err = svc.RemoveItem(ctx, view.Order.ID, got.Items[0].ID)
	assert.Equal(t, lab.KindLastItemProtected, lab.KindOf(err))
}

func TestRemoveItemAfterCollectionRefused(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	view := placeOrder(t, svc, testCBC.ID, testGLU.ID)
	walkToCollected(t, svc, view.Order.ID)

	_, err := svc.CreateResult(ctx, view.Items[0].ID, lab.ResultValues{Value: "5.1"})
	require.NoError(t, err)
	_, err = svc.RemoveItem(ctx, view.Order.ID, view.Items[0].ID)
	assert.Equal(t, lab.KindNotModifiable, lab.KindOf(err))

	_, err = svc.RemoveItem(ctx, view.Order.ID, "missing")
	assert.Equal(t, lab.KindNotModifiable, lab.KindOf(err))
}

func TestReleaseGate(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	view := placeOrder(t, svc, testCBC.ID, testGLU.ID, testLIP.ID)
	walkToCollected(t, svc, view.Order.ID)

	var resultIDs []string
	for _, it := range view.Items {
		res, err := svc.CreateResult(ctx, it.ID, lab.ResultValues{Value: "ok"})
		require.NoError(t, err)
		resultIDs = append(resultIDs, res.ID)
	}

	// Verify two of three.
	for _, id := range resultIDs[:2] {
		_, _, err := svc.VerifyResult(ctx, id)
		require.NoError(t, err)
	}
	_, err := svc.Release(ctx, view.Order.ID)
	require.Equal(t, lab.KindNotFullyVerified, lab.KindOf(err))
	assert.Equal(t, 1, lab.AsError(err).Unverified)

	_, orderVerified, err := svc.VerifyResult(ctx, resultIDs[2])
	require.NoError(t, err)
	assert.True(t, orderVerified)

	o, err := svc.Release(ctx, view.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, lab.OrderReleased, o.Status)

	got, err := svc.GetOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	require.Len(t, got.Results, 3)
	for _, res := range got.Results {
		assert.NotNil(t, res.ReleasedAt)
	}

	_, err = svc.Release(ctx, view.Order.ID)
	assert.Equal(t, lab.KindAlreadyReleased, lab.KindOf(err))
}

func TestReleaseCancelledOrderRefused(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	view := placeOrder(t, svc, testCBC.ID)
	_, _, err := svc.Cancel(ctx, view.Order.ID, "")
	require.NoError(t, err)

	_, err = svc.Release(ctx, view.Order.ID)
	assert.Equal(t, lab.KindOrderCancelled, lab.KindOf(err))
}

// walkToCollected pays the order, accessions one specimen per item, and
// collects them all, leaving the order in collected.
func walkToCollected(t *testing.T, svc *lab.Service, orderID string) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.ConfirmPayment(ctx, orderID, "pos-1")
	require.NoError(t, err)

	view, err := svc.GetOrder(ctx, orderID)
	require.NoError(t, err)
	for _, it := range view.Items {
		sp, err := svc.AccessionSpecimen(ctx, orderID, lab.SpecimenInput{ItemID: it.ID, Type: "serum"})
		require.NoError(t, err)
		_, _, err = svc.CollectSpecimen(ctx, sp.ID, lab.CollectionMeta{})
		require.NoError(t, err)
		_, err = svc.ReceiveSpecimen(ctx, sp.ID)
		require.NoError(t, err)
	}
	got, err := svc.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, lab.OrderCollected, got.Order.Status)
}

// Full pass through the workflow with no skipped steps.
func TestFullLifecycleScenario(t *testing.T) {
	svc, store := newFixture(t)
	ctx := context.Background()

	view := placeOrder(t, svc, testCBC.ID)
	orderID := view.Order.ID
	require.Equal(t, lab.OrderPendingPayment, view.Order.Status)

	// Release before anything else must fail.
	_, err := svc.Release(ctx, orderID)
	require.Equal(t, lab.KindNotFullyVerified, lab.KindOf(err))

	o, err := svc.ConfirmPayment(ctx, orderID, "loyverse-778")
	require.NoError(t, err)
	require.Equal(t, lab.OrderPaid, o.Status)
	require.Equal(t, lab.PaymentPaid, o.PaymentStatus)

	sp, err := svc.AccessionSpecimen(ctx, orderID, lab.SpecimenInput{ItemID: view.Items[0].ID, Type: "whole_blood"})
	require.NoError(t, err)
	require.NotEmpty(t, sp.Accession)

	// Result before collection must fail.
	_, err = svc.CreateResult(ctx, view.Items[0].ID, lab.ResultValues{Value: "x"})
	require.Equal(t, lab.KindNotModifiable, lab.KindOf(err))

	_, orderCollected, err := svc.CollectSpecimen(ctx, sp.ID, lab.CollectionMeta{Appearance: "clear", VolumeML: 4})
	require.NoError(t, err)
	require.True(t, orderCollected)

	_, err = svc.ReceiveSpecimen(ctx, sp.ID)
	require.NoError(t, err)

	res, err := svc.CreateResult(ctx, view.Items[0].ID, lab.ResultValues{Value: "13.1", Unit: "g/dL"})
	require.NoError(t, err)

	// Single item with a result: order goes straight to completed.
	got, err := svc.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, lab.OrderCompleted, got.Order.Status)

	// Release before verification must fail.
	_, err = svc.Release(ctx, orderID)
	require.Equal(t, lab.KindNotFullyVerified, lab.KindOf(err))

	_, orderVerified, err := svc.VerifyResult(ctx, res.ID)
	require.NoError(t, err)
	require.True(t, orderVerified)

	o, err = svc.Release(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, lab.OrderReleased, o.Status)

	got, err = svc.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.NotNil(t, got.Results[0].ReleasedAt)

	// The specimen audit trail recorded every step.
	events := store.Events(sp.ID)
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.EventType)
	}
	require.Equal(t, []string{lab.EvAccessioned, lab.EvCollected, lab.EvReceived}, kinds)
}
