package service

import (
	"context"
	"testing"
	"time"

	"checkout-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCheckoutValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*StartCheckoutRequest)
	}{
		{"missing customer", func(r *StartCheckoutRequest) { r.CustomerID = "" }},
		{"missing address", func(r *StartCheckoutRequest) { r.ShippingAddress = "  " }},
		{"missing name", func(r *StartCheckoutRequest) { r.Contact.Name = "" }},
		{"missing email and phone", func(r *StartCheckoutRequest) { r.Contact.Email = "" }},
		{"unknown zone", func(r *StartCheckoutRequest) { r.Zone = "moon" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.carts.items["cust-1"] = threeSellerCart()
			req := validRequest()
			tt.mutate(&req)

			_, err := env.checkout.StartCheckout(context.Background(), req)
			assert.True(t, IsKind(err, KindValidation), "got %v", err)
			assert.Empty(t, env.runs.runs)
			assert.Equal(t, 0, env.gw.callCount())
		})
	}
}

func TestStartCheckoutRejectsEmptyCart(t *testing.T) {
	env := newTestEnv()
	_, err := env.checkout.StartCheckout(context.Background(), validRequest())
	assert.True(t, IsKind(err, KindValidation))
}

func TestStartCheckoutDefaultsZoneAndPersistsRun(t *testing.T) {
	env := newTestEnv()
	env.carts.items["cust-1"] = threeSellerCart()
	req := validRequest()
	req.Zone = ""

	run, err := env.checkout.StartCheckout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.ZoneLocal, run.Zone)
	assert.Equal(t, "NGN", run.Currency)
	assert.Equal(t, int64(1), run.Version)

	stored, summary, err := env.checkout.GetRun(context.Background(), run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, run.Totals(), stored.Totals())
	assert.Equal(t, 3, summary.Pending)
}

func TestStartCheckoutHonorsIdempotencyKey(t *testing.T) {
	env := newTestEnv()
	env.carts.items["cust-1"] = threeSellerCart()
	req := validRequest()
	req.IdempotencyKey = "key-1"

	first, err := env.checkout.StartCheckout(context.Background(), req)
	require.NoError(t, err)
	second, err := env.checkout.StartCheckout(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Len(t, env.runs.runs, 1)
}

func TestStartCheckoutReleasesIdempotencyKeyWhenSaveFails(t *testing.T) {
	env := newTestEnv()
	env.carts.items["cust-1"] = threeSellerCart()
	req := validRequest()
	req.IdempotencyKey = "idem-1"

	env.runs.saveErr = errBoom
	_, err := env.checkout.StartCheckout(context.Background(), req)
	require.ErrorIs(t, err, errBoom)
	assert.Empty(t, env.idem.keys)

	env.runs.saveErr = nil
	run, err := env.checkout.StartCheckout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, run.SessionID, env.idem.keys["idem-1"])

	stored, err := env.runs.LoadRun(context.Background(), run.SessionID)
	require.NoError(t, err)
	assert.Len(t, stored.Groups, 3)
}

func TestChangeZoneOnlyBeforePaymentStarts(t *testing.T) {
	env := newTestEnv()
	env.carts.items["cust-1"] = []models.CartItem{{
		ProductID: "p1", UnitPrice: 1000, Quantity: 1, SellerID: strPtr("s-zed"),
		ShippingFee: int64Ptr(100), FeeMode: modePtr(models.FeeModeFlatOnce),
		ZoneFees: models.ZoneFees{models.ZoneRegional: 300},
	}}
	run, err := env.checkout.StartCheckout(context.Background(), validRequest())
	require.NoError(t, err)

	updated, err := env.checkout.ChangeZone(context.Background(), run.SessionID, models.ZoneRegional)
	require.NoError(t, err)
	assert.Equal(t, int64(300), updated.Groups[0].Shipping)

	_, err = env.checkout.ChangeZone(context.Background(), run.SessionID, "moon")
	assert.True(t, IsKind(err, KindValidation))

	_, err = env.orchestrator.ProcessAll(context.Background(), run.SessionID)
	require.NoError(t, err)

	_, err = env.checkout.ChangeZone(context.Background(), run.SessionID, models.ZoneLocal)
	assert.True(t, IsKind(err, KindConflict))
}

func TestGetRunUnknownSession(t *testing.T) {
	env := newTestEnv()
	_, _, err := env.checkout.GetRun(context.Background(), "missing")
	assert.True(t, IsKind(err, KindNotFound))
}

func TestStartProcessingRunsInBackground(t *testing.T) {
	env := newTestEnv()
	env.carts.items["cust-1"] = threeSellerCart()
	run, err := env.checkout.StartCheckout(context.Background(), validRequest())
	require.NoError(t, err)

	require.NoError(t, env.checkout.StartProcessing(context.Background(), run.SessionID))

	require.Eventually(t, func() bool {
		_, summary, err := env.checkout.GetRun(context.Background(), run.SessionID)
		return err == nil && summary.Complete
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAbandonStopsBackgroundBatch(t *testing.T) {
	env := newTestEnv()
	env.carts.items["cust-1"] = threeSellerCart()
	env.gw.hold = true
	run, err := env.checkout.StartCheckout(context.Background(), validRequest())
	require.NoError(t, err)

	require.NoError(t, env.checkout.StartProcessing(context.Background(), run.SessionID))
	err = env.checkout.StartProcessing(context.Background(), run.SessionID)
	assert.True(t, IsKind(err, KindConflict))

	require.Eventually(t, func() bool { return env.gw.callCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, env.checkout.Abandon(run.SessionID))

	require.Eventually(t, func() bool {
		_, summary, err := env.checkout.GetRun(context.Background(), run.SessionID)
		return err == nil && len(summary.Failed) == 1 && summary.Pending == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.gw.callCount())
}

func TestStartRetryRequiresFailedGroup(t *testing.T) {
	env := newTestEnv()
	env.carts.items["cust-1"] = threeSellerCart()
	run, err := env.checkout.StartCheckout(context.Background(), validRequest())
	require.NoError(t, err)

	err = env.checkout.StartRetry(context.Background(), run.SessionID, "s-zed")
	assert.True(t, IsKind(err, KindConflict))

	err = env.checkout.StartRetry(context.Background(), run.SessionID, "nobody")
	assert.True(t, IsKind(err, KindNotFound))
}
