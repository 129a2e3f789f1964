package lab_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinilab/go-lab-orders/internal/lab"
)

func TestCreateResult(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	view := placeOrder(t, svc, testCBC.ID, testGLU.ID)
	walkToCollected(t, svc, view.Order.ID)

	res, err := svc.CreateResult(ctx, view.Items[0].ID, lab.ResultValues{
		Value: "13.4",
		Unit:  "g/dL",
		Flags: "H",
	})
	require.NoError(t, err)
	assert.Equal(t, view.Items[0].ID, res.ItemID)
	assert.Nil(t, res.VerifiedAt)
	assert.Nil(t, res.ReleasedAt)

	// One result per item.
	_, err = svc.CreateResult(ctx, view.Items[0].ID, lab.ResultValues{Value: "13.5"})
	assert.Equal(t, lab.KindDuplicateResult, lab.KindOf(err))

	_, err = svc.CreateResult(ctx, "missing", lab.ResultValues{Value: "x"})
	assert.Equal(t, lab.KindNotFound, lab.KindOf(err))
}

func TestCreateResultAdvancesItemAndSpecimen(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	view := placeOrder(t, svc, testCBC.ID)
	walkToCollected(t, svc, view.Order.ID)

	_, err := svc.CreateResult(ctx, view.Items[0].ID, lab.ResultValues{Value: "5.2"})
	require.NoError(t, err)

	got, err := svc.GetOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, lab.ItemCompleted, got.Items[0].Status)
	require.Len(t, got.Specimens, 1)
	assert.Equal(t, lab.SpecimenProcessing, got.Specimens[0].Status)
}

func TestOrderStatusRecomputedFromResults(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	view := placeOrder(t, svc, testCBC.ID, testGLU.ID)
	walkToCollected(t, svc, view.Order.ID)

	// First of two results: processing.
	_, err := svc.CreateResult(ctx, view.Items[0].ID, lab.ResultValues{Value: "a"})
	require.NoError(t, err)
	got, err := svc.GetOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, lab.OrderProcessing, got.Order.Status)

	// Second of two: completed.
	_, err = svc.CreateResult(ctx, view.Items[1].ID, lab.ResultValues{Value: "b"})
	require.NoError(t, err)
	got, err = svc.GetOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, lab.OrderCompleted, got.Order.Status)
}

func TestUpdateResult(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	view := placeOrder(t, svc, testCBC.ID)
	walkToCollected(t, svc, view.Order.ID)

	res, err := svc.CreateResult(ctx, view.Items[0].ID, lab.ResultValues{Value: "4.9", Unit: "mmol/L"})
	require.NoError(t, err)

	updated, err := svc.UpdateResult(ctx, res.ID, lab.ResultValues{Value: "5.1", Unit: "mmol/L", Flags: "H"})
	require.NoError(t, err)
	assert.Equal(t, "5.1", updated.Value)
	assert.Equal(t, "H", updated.Flags)
	assert.True(t, updated.UpdatedAt.After(res.UpdatedAt) || updated.UpdatedAt.Equal(res.UpdatedAt))

	_, err = svc.UpdateResult(ctx, "missing", lab.ResultValues{Value: "x"})
	assert.Equal(t, lab.KindNotFound, lab.KindOf(err))
}

func TestUpdateResultAfterReleaseRefused(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	view := placeOrder(t, svc, testCBC.ID)
	walkToCollected(t, svc, view.Order.ID)

	res, err := svc.CreateResult(ctx, view.Items[0].ID, lab.ResultValues{Value: "9"})
	require.NoError(t, err)
	_, _, err = svc.VerifyResult(ctx, res.ID)
	require.NoError(t, err)
	_, err = svc.Release(ctx, view.Order.ID)
	require.NoError(t, err)

	_, err = svc.UpdateResult(ctx, res.ID, lab.ResultValues{Value: "10"})
	assert.Equal(t, lab.KindResultReleased, lab.KindOf(err))
}

func TestVerifyResultIdempotencyGuards(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	view := placeOrder(t, svc, testCBC.ID)
	walkToCollected(t, svc, view.Order.ID)

	res, err := svc.CreateResult(ctx, view.Items[0].ID, lab.ResultValues{Value: "7"})
	require.NoError(t, err)

	verified, orderVerified, err := svc.VerifyResult(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, orderVerified)
	require.NotNil(t, verified.VerifiedAt)
	firstStamp := *verified.VerifiedAt

	// Verifying again is refused and the original stamp survives.
	_, _, err = svc.VerifyResult(ctx, res.ID)
	require.Equal(t, lab.KindAlreadyVerified, lab.KindOf(err))

	got, err := svc.GetOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Results[0].VerifiedAt)
	assert.Equal(t, firstStamp, *got.Results[0].VerifiedAt)
	assert.Equal(t, lab.ItemVerified, got.Items[0].Status)

	// Verifying a released result reports released, not verified.
	_, err = svc.Release(ctx, view.Order.ID)
	require.NoError(t, err)
	_, _, err = svc.VerifyResult(ctx, res.ID)
	assert.Equal(t, lab.KindAlreadyReleased, lab.KindOf(err))
}

func TestVerifyCascadeNeedsEveryItem(t *testing.T) {
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

	// N-1 verifications leave the order in completed.
	for _, id := range resultIDs[:len(resultIDs)-1] {
		_, orderVerified, err := svc.VerifyResult(ctx, id)
		require.NoError(t, err)
		assert.False(t, orderVerified)
	}
	got, err := svc.GetOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, lab.OrderCompleted, got.Order.Status)

	// The Nth flips it.
	_, orderVerified, err := svc.VerifyResult(ctx, resultIDs[len(resultIDs)-1])
	require.NoError(t, err)
	assert.True(t, orderVerified)

	got, err = svc.GetOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, lab.OrderVerified, got.Order.Status)
}

func TestVerifyBeforeOrderCompletedDoesNotCascade(t *testing.T) {
	svc, _ := newFixture(t)
	ctx := context.Background()
	view := placeOrder(t, svc, testCBC.ID, testGLU.ID)
	walkToCollected(t, svc, view.Order.ID)

	res, err := svc.CreateResult(ctx, view.Items[0].ID, lab.ResultValues{Value: "a"})
	require.NoError(t, err)

	// Order is processing; verifying the only existing result must not move
	// it to verified while an item still lacks a result.
	_, orderVerified, err := svc.VerifyResult(ctx, res.ID)
	require.NoError(t, err)
	assert.False(t, orderVerified)

	got, err := svc.GetOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, lab.OrderProcessing, got.Order.Status)
}
