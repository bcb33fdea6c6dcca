package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchpos/backend/internal/domain"
	"branchpos/backend/internal/store"
)

func TestMergeCartSumsDuplicateLines(t *testing.T) {
	merged := MergeCart([]domain.CartItem{
		{ID: "a", SellingPrice: dec("10"), Quantity: 1},
		{ID: "b", SellingPrice: dec("5"), Quantity: 2},
		{ID: "a", SellingPrice: dec("99"), Quantity: 3},
	})

	require.Len(t, merged, 2)
	assert.Equal(t, "a", merged[0].ID)
	assert.Equal(t, 4, merged[0].Quantity)
	assert.True(t, merged[0].SellingPrice.Equal(dec("10")), "first snapshot wins")
}

func TestComputeTotals(t *testing.T) {
	items := []domain.CartItem{{ID: "a", SellingPrice: dec("19.99"), Quantity: 3}}

	cases := []struct {
		name     string
		discount domain.DiscountSpec
		total    string
		off      string
	}{
		{"none", domain.DiscountSpec{}, "59.97", "0"},
		{"percent rounds to cents", domain.DiscountSpec{Type: domain.DiscountPercentage, Value: dec("12.5")}, "52.47", "7.50"},
		{"fixed", domain.DiscountSpec{Type: domain.DiscountFixed, Value: dec("9.97")}, "50", "9.97"},
		{"fixed capped", domain.DiscountSpec{Type: domain.DiscountFixed, Value: dec("100")}, "0", "59.97"},
		{"full percent", domain.DiscountSpec{Type: domain.DiscountPercentage, Value: dec("100")}, "0", "59.97"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			totals, err := ComputeTotals(items, tc.discount)
			require.NoError(t, err)
			assert.True(t, totals.Subtotal.Equal(dec("59.97")))
			assert.True(t, totals.Total.Equal(dec(tc.total)), totals.Total.String())
			assert.True(t, totals.Discount.Equal(dec(tc.off)), totals.Discount.String())
		})
	}
}

func TestResolvePaymentDefaultsToCash(t *testing.T) {
	settlement, err := ResolvePayment(domain.PaymentSpec{Amount: dec("12")})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCash, settlement.Method)
	assert.True(t, settlement.Received.Equal(dec("12")))
	assert.False(t, settlement.HasCredit)
}

func TestResolvePaymentCreditReceivesNothing(t *testing.T) {
	settlement, err := ResolvePayment(domain.PaymentSpec{Method: domain.PaymentCredit, Amount: dec("500")})
	require.NoError(t, err)
	assert.True(t, settlement.HasCredit)
	assert.True(t, settlement.Received.IsZero())
	require.Len(t, settlement.Parts, 1)
	assert.True(t, settlement.Parts[0].Amount.Equal(dec("500")))
}

func TestClassifyStatusUsesEpsilon(t *testing.T) {
	assert.Equal(t, domain.TxStatusCompleted, ClassifyStatus(dec("99.99"), dec("100")))
	assert.Equal(t, domain.TxStatusPartial, ClassifyStatus(dec("99.98"), dec("100")))
	assert.Equal(t, domain.TxStatusCompleted, ClassifyStatus(dec("0"), dec("0")))
}

func TestBuildTransactionEmptyCart(t *testing.T) {
	_, err := BuildTransaction(nil, domain.DiscountSpec{}, domain.PaymentSpec{}, nil)
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
}
