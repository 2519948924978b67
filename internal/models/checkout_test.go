package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to PaymentStatus
		retry    bool
		ok       bool
	}{
		{PaymentStatusPending, PaymentStatusProcessing, false, true},
		{PaymentStatusProcessing, PaymentStatusPaid, false, true},
		{PaymentStatusProcessing, PaymentStatusFailed, false, true},
		{PaymentStatusFailed, PaymentStatusProcessing, false, false},
		{PaymentStatusFailed, PaymentStatusProcessing, true, true},
		{PaymentStatusPaid, PaymentStatusProcessing, true, false},
		{PaymentStatusPaid, PaymentStatusFailed, false, false},
		{PaymentStatusPending, PaymentStatusPaid, false, false},
		{PaymentStatusProcessing, PaymentStatusPending, false, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransitionTo(tc.from, tc.to, tc.retry), "%s -> %s retry=%v", tc.from, tc.to, tc.retry)
	}
}

func TestSellerGroupTransition(t *testing.T) {
	g := &SellerGroup{PaymentStatus: PaymentStatusPaid}

	err := g.Transition(PaymentStatusProcessing, true)
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, PaymentStatusPaid, g.PaymentStatus)
}

func TestBatchRunTotalsAndFailures(t *testing.T) {
	run := &BatchRun{
		Groups: []*SellerGroup{
			{Subtotal: 1000, Shipping: 200, Tax: 75, Total: 1275, PaymentStatus: PaymentStatusPaid},
			{SellerID: "s1", Subtotal: 500, Shipping: 0, Tax: 38, Total: 538, PaymentStatus: PaymentStatusFailed},
		},
	}

	totals := run.Totals()
	assert.Equal(t, int64(1500), totals.Subtotal)
	assert.Equal(t, int64(1813), totals.Total)
	assert.False(t, run.AllPaid())

	run.RecordFailure("s1")
	run.RecordFailure("s1")
	assert.Equal(t, []string{"s1"}, run.FailedKeys)

	run.ClearFailure("s1")
	assert.Empty(t, run.FailedKeys)

	assert.Equal(t, PlatformGroupKey, run.Groups[0].Key())
	assert.Same(t, run.Groups[1], run.GroupByKey("s1"))
}

func TestCartLineFee(t *testing.T) {
	line := CartLine{ShippingFee: 300, ZoneFees: ZoneFees{ZoneNational: 900}}

	assert.Equal(t, int64(900), line.Fee(ZoneNational))
	assert.Equal(t, int64(300), line.Fee(ZoneLocal))
	assert.True(t, line.DeclaresFee())
	assert.False(t, CartLine{}.DeclaresFee())
}

func TestFailureListKeepsSellersWithTheSameName(t *testing.T) {
	run := &BatchRun{
		Groups: []*SellerGroup{
			{SellerID: "s-a", SellerName: "Crafts Co"},
			{SellerID: "s-b", SellerName: "Crafts Co"},
		},
	}

	run.RecordFailure("s-a")
	run.RecordFailure("s-b")
	run.ClearFailure("s-a")

	assert.Equal(t, []string{"s-b"}, run.FailedKeys)
	assert.Equal(t, []string{"Crafts Co"}, run.FailedSellerNames())
}
