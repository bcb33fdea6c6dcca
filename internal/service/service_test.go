package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchpos/backend/internal/domain"
	"branchpos/backend/internal/store"
	"branchpos/backend/internal/store/memory"
)

const branch = "branch-1"

var (
	cashier = domain.Actor{ID: "cashier-1", Name: "Front Cashier", Role: domain.RoleCashier, StoreID: branch}
	manager = domain.Actor{ID: "manager-1", Name: "Branch Manager", Role: domain.RoleBranchAdmin, StoreID: branch}
	head    = domain.Actor{ID: "admin", Name: "Head Office", Role: domain.RoleSuperAdmin}
)

var skuSeq atomic.Int64

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	svc  *Service
	repo *memory.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := memory.New()
	return fixture{svc: New(repo, Options{DefaultStoreID: branch}), repo: repo}
}

func (f fixture) product(t *testing.T, price string, stock int) domain.Product {
	t.Helper()
	p, err := f.repo.CreateProduct(context.Background(), domain.Product{
		SKU:          fmt.Sprintf("SKU-%03d", skuSeq.Add(1)),
		Name:         "Item " + price,
		Category:     "test",
		SellingPrice: dec(price),
		Stock:        stock,
		StoreID:      branch,
	})
	require.NoError(t, err)
	return *p
}

func (f fixture) stock(t *testing.T, id string) int {
	t.Helper()
	p, err := f.repo.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func cartOf(p domain.Product, qty int) []domain.CartItem {
	return []domain.CartItem{{ID: p.ID, SKU: p.SKU, Name: p.Name, SellingPrice: p.SellingPrice, Quantity: qty}}
}

func scope() domain.Scope {
	return domain.BranchScope(branch)
}

func TestCashSaleCompletes(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", 10)

	tx, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
		Cart:    cartOf(p, 2),
		Payment: domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("2000")},
	})
	require.NoError(t, err)

	assert.True(t, tx.Subtotal.Equal(dec("2000")))
	assert.True(t, tx.Total.Equal(dec("2000")))
	assert.True(t, tx.AmountPaid.Equal(dec("2000")))
	assert.Equal(t, domain.TxStatusCompleted, tx.Status)
	assert.Equal(t, 8, f.stock(t, p.ID))
}

func TestCreditSaleSettledByDebtPayment(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", 10)
	due := time.Now().Add(72 * time.Hour)

	tx, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
		Cart:    cartOf(p, 2),
		Payment: domain.PaymentSpec{Method: domain.PaymentCredit, Amount: decimal.Zero},
		DueDate: &due,
	})
	require.NoError(t, err)
	assert.True(t, tx.AmountPaid.IsZero())
	assert.Equal(t, domain.TxStatusPartial, tx.Status)
	require.NotNil(t, tx.DueDate)

	settled, err := f.svc.AddDebtPayment(context.Background(), manager, scope(), domain.DebtPaymentRequest{
		TransactionID: tx.ID,
		Amount:        dec("2000"),
	})
	require.NoError(t, err)
	assert.True(t, settled.AmountPaid.Equal(dec("2000")))
	assert.Equal(t, domain.TxStatusCompleted, settled.Status)
	assert.Len(t, settled.DebtPayments, 1)
}

func TestCreditSaleRequiresDueDate(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", 10)

	_, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
		Cart:    cartOf(p, 1),
		Payment: domain.PaymentSpec{Method: domain.PaymentCredit},
	})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
	assert.Equal(t, 10, f.stock(t, p.ID))
}

func TestRefundRestocksOnlyGoodCondition(t *testing.T) {
	for _, tc := range []struct {
		condition string
		want      int
	}{
		{"Good", 7},
		{"good", 7},
		{"Damaged", 5},
	} {
		t.Run(tc.condition, func(t *testing.T) {
			f := newFixture(t)
			p := f.product(t, "1000", 7)
			tx, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
				Cart:    cartOf(p, 2),
				Payment: domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("2000")},
			})
			require.NoError(t, err)
			require.Equal(t, 5, f.stock(t, p.ID))

			result, err := f.svc.ProcessRefund(context.Background(), manager, scope(), domain.RefundRequest{
				TransactionID: tx.ID,
				Items:         []domain.RefundItem{{ItemID: p.ID, Quantity: 2}},
				Reason:        "customer return",
				Condition:     tc.condition,
			})
			require.NoError(t, err)
			assert.True(t, result.Refund.Amount.Equal(dec("2000")))
			assert.Equal(t, tc.want, f.stock(t, p.ID))
			assert.Len(t, result.Transaction.Refunds, 1)
		})
	}
}

func TestReserveRejectsOversell(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", 3)

	err := f.svc.Inventory().Reserve(context.Background(), []domain.StockLine{{ProductID: p.ID, Quantity: 10}})
	var stockErr *store.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 3, stockErr.Available)
	assert.Equal(t, 3, f.stock(t, p.ID))
}

func TestFinalizeIsAtomicAcrossLines(t *testing.T) {
	f := newFixture(t)
	a := f.product(t, "100", 10)
	b := f.product(t, "200", 1)

	cart := append(cartOf(a, 2), cartOf(b, 2)...)
	_, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
		Cart:    cart,
		Payment: domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("600")},
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, 10, f.stock(t, a.ID))
	assert.Equal(t, 1, f.stock(t, b.ID))

	list, err := f.svc.ListTransactions(context.Background(), scope(), domain.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFinalizeSkipsDeletedProducts(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "100", 5)
	cart := append(cartOf(p, 1), domain.CartItem{ID: "prd-gone", SellingPrice: dec("50"), Quantity: 1})

	tx, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
		Cart:    cart,
		Payment: domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("150")},
	})
	require.NoError(t, err)
	assert.True(t, tx.Total.Equal(dec("150")))
	assert.Equal(t, 4, f.stock(t, p.ID))
}

func TestFinalizePricesLinesFromCatalog(t *testing.T) {
	f := newFixture(t)
	p, err := f.repo.CreateProduct(context.Background(), domain.Product{
		SKU:          "CAT-1",
		Name:         "Rice 5kg",
		Category:     "staples",
		CostPrice:    dec("600"),
		SellingPrice: dec("1000"),
		Stock:        10,
		StoreID:      branch,
	})
	require.NoError(t, err)

	tx, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
		Cart:    []domain.CartItem{{ID: p.ID, SKU: "FREE", Name: "free rice", SellingPrice: decimal.Zero, Quantity: 2}},
		Payment: domain.PaymentSpec{Method: domain.PaymentCash, Amount: decimal.Zero},
	})
	require.NoError(t, err)

	require.Len(t, tx.Items, 1)
	line := tx.Items[0]
	assert.Equal(t, "CAT-1", line.SKU)
	assert.Equal(t, "Rice 5kg", line.Name)
	assert.Equal(t, "staples", line.Category)
	assert.True(t, line.CostPrice.Equal(dec("600")))
	assert.True(t, line.SellingPrice.Equal(dec("1000")))
	assert.True(t, tx.Total.Equal(dec("2000")))
	assert.NotEqual(t, domain.TxStatusCompleted, tx.Status)
	assert.Equal(t, 8, f.stock(t, p.ID))
}

func TestFinalizeIdempotencyKeyDecrementsOnce(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "100", 5)
	req := domain.FinalizeRequest{
		IdempotencyKey: "idem-1",
		Cart:           cartOf(p, 2),
		Payment:        domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("200")},
	}

	first, err := f.svc.Finalize(context.Background(), cashier, scope(), req)
	require.NoError(t, err)
	second, err := f.svc.Finalize(context.Background(), cashier, scope(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 3, f.stock(t, p.ID))
}

func TestStatusAndTotalInvariants(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "333.33", 100)
	due := time.Now().Add(24 * time.Hour)

	for _, tc := range []struct {
		name     string
		discount domain.DiscountSpec
		payment  domain.PaymentSpec
	}{
		{"exact", domain.DiscountSpec{}, domain.PaymentSpec{Method: domain.PaymentPOS, Amount: dec("999.99")}},
		{"within epsilon", domain.DiscountSpec{}, domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("999.98")}},
		{"short", domain.DiscountSpec{}, domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("500")}},
		{"percent", domain.DiscountSpec{Type: domain.DiscountPercentage, Value: dec("15")}, domain.PaymentSpec{Method: domain.PaymentTransfer, Amount: dec("850")}},
		{"fixed above subtotal", domain.DiscountSpec{Type: domain.DiscountFixed, Value: dec("5000")}, domain.PaymentSpec{Method: domain.PaymentCash}},
		{"overpaid", domain.DiscountSpec{}, domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("1200")}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tx, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
				Cart:     cartOf(p, 3),
				Discount: tc.discount,
				Payment:  tc.payment,
				DueDate:  &due,
			})
			require.NoError(t, err)

			assert.True(t, tx.Total.Equal(decimal.Max(decimal.Zero, tx.Subtotal.Sub(tx.Discount))))
			partial := tx.AmountPaid.LessThan(tx.Total.Sub(domain.Epsilon))
			assert.Equal(t, partial, tx.Status == domain.TxStatusPartial)
			assert.False(t, tx.AmountPaid.GreaterThan(tx.Total))
		})
	}
}

func TestOverpaymentRecordsChange(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", 10)

	tx, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
		Cart:    cartOf(p, 2),
		Payment: domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("2500")},
	})
	require.NoError(t, err)
	assert.True(t, tx.AmountPaid.Equal(dec("2000")))
	assert.True(t, tx.Tendered.Equal(dec("2500")))
	assert.True(t, tx.Change.Equal(dec("500")))
}

func TestSplitPaymentIgnoresCreditParts(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", 10)
	due := time.Now().Add(48 * time.Hour)

	tx, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
		Cart: cartOf(p, 3),
		Payment: domain.PaymentSpec{IsSplit: true, Parts: []domain.PaymentPart{
			{Method: domain.PaymentCash, Amount: dec("1000")},
			{Method: domain.PaymentTransfer, Amount: dec("500")},
			{Method: domain.PaymentCredit, Amount: dec("1500")},
		}},
		DueDate: &due,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSplit, tx.PaymentMethod)
	assert.Len(t, tx.Payments, 3)
	assert.True(t, tx.AmountPaid.Equal(dec("1500")))
	assert.Equal(t, domain.TxStatusPartial, tx.Status)
}

func TestSplitPaymentRejectsBadParts(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", 10)

	for _, payment := range []domain.PaymentSpec{
		{IsSplit: true},
		{IsSplit: true, Parts: []domain.PaymentPart{{Method: domain.PaymentSplit, Amount: dec("1000")}}},
		{IsSplit: true, Parts: []domain.PaymentPart{{Method: domain.PaymentCash, Amount: dec("-1")}}},
		{Method: "CHEQUE", Amount: dec("1000")},
	} {
		_, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{Cart: cartOf(p, 1), Payment: payment})
		assert.ErrorIs(t, err, store.ErrInvalidTransaction)
	}
	assert.Equal(t, 10, f.stock(t, p.ID))
}

func TestFinalizeRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", 10)
	cash := domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("1000")}

	for name, req := range map[string]domain.FinalizeRequest{
		"empty cart":       {Payment: cash},
		"negative":         {Cart: cartOf(p, 1), Discount: domain.DiscountSpec{Type: domain.DiscountFixed, Value: dec("-5")}, Payment: cash},
		"percent over 100": {Cart: cartOf(p, 1), Discount: domain.DiscountSpec{Type: domain.DiscountPercentage, Value: dec("120")}, Payment: cash},
		"unknown type":     {Cart: cartOf(p, 1), Discount: domain.DiscountSpec{Type: "BOGO", Value: dec("1")}, Payment: cash},
		"zero quantity":    {Cart: []domain.CartItem{{ID: p.ID, SellingPrice: p.SellingPrice}}, Payment: cash},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Finalize(context.Background(), cashier, scope(), req)
			assert.ErrorIs(t, err, store.ErrInvalidTransaction)
		})
	}
}

func TestHoldRecallAndFinalizeOnce(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", 10)
	discount := domain.DiscountSpec{Type: domain.DiscountFixed, Value: dec("100")}

	held, err := f.svc.Hold(context.Background(), cashier, scope(), domain.HoldRequest{
		Cart:     cartOf(p, 2),
		Discount: discount,
		Customer: domain.Customer{Name: "Ana", Phone: "0800"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusHeld, held.Status)
	assert.True(t, held.Total.Equal(held.Subtotal))
	assert.True(t, held.AmountPaid.IsZero())
	assert.Empty(t, held.Payments)
	assert.Equal(t, 10, f.stock(t, p.ID))

	state, err := f.svc.Recall(context.Background(), cashier, scope(), held.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DiscountFixed, state.Discount.Type)
	assert.True(t, state.Discount.Value.Equal(dec("100")))
	assert.Equal(t, "Ana", state.Customer.Name)

	req := domain.FinalizeRequest{
		HeldID:   state.HeldID,
		Cart:     state.Cart,
		Discount: state.Discount,
		Customer: state.Customer,
		Payment:  domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("1900")},
	}
	tx, err := f.svc.Finalize(context.Background(), cashier, scope(), req)
	require.NoError(t, err)
	assert.Equal(t, held.ID, tx.ID)
	assert.Equal(t, domain.TxStatusCompleted, tx.Status)
	assert.Equal(t, 8, f.stock(t, p.ID))

	_, err = f.svc.Finalize(context.Background(), cashier, scope(), req)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 8, f.stock(t, p.ID))

	_, err = f.svc.Recall(context.Background(), cashier, scope(), held.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHoldAllowsEmptyCart(t *testing.T) {
	f := newFixture(t)

	held, err := f.svc.Hold(context.Background(), cashier, scope(), domain.HoldRequest{})
	require.NoError(t, err)
	assert.True(t, held.Total.IsZero())

	list, err := f.svc.ListHeld(context.Background(), scope(), 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRecallOutsideScopeIsNotFound(t *testing.T) {
	f := newFixture(t)
	held, err := f.svc.Hold(context.Background(), cashier, scope(), domain.HoldRequest{})
	require.NoError(t, err)

	_, err = f.svc.Recall(context.Background(), cashier, domain.BranchScope("branch-2"), held.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.Recall(context.Background(), cashier, scope(), "tx-unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconstructDiscount(t *testing.T) {
	assert.Equal(t, domain.DiscountSpec{}, reconstructDiscount(dec("2000"), decimal.Zero))

	pct := reconstructDiscount(dec("2000"), dec("200"))
	assert.Equal(t, domain.DiscountPercentage, pct.Type)
	assert.True(t, pct.Value.Equal(dec("10")))

	fixed := reconstructDiscount(dec("2000"), dec("123.45"))
	assert.Equal(t, domain.DiscountFixed, fixed.Type)
	assert.True(t, fixed.Value.Equal(dec("123.45")))

	noSubtotal := reconstructDiscount(decimal.Zero, dec("50"))
	assert.Equal(t, domain.DiscountFixed, noSubtotal.Type)
}

func TestRefundIsCumulativeAndMarksRefunded(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", 10)
	tx, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
		Cart:    cartOf(p, 3),
		Payment: domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("3000")},
	})
	require.NoError(t, err)

	first, err := f.svc.ProcessRefund(context.Background(), manager, scope(), domain.RefundRequest{
		TransactionID: tx.ID,
		Items:         []domain.RefundItem{{ItemID: p.ID, Quantity: 2}},
		Condition:     "Damaged",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusCompleted, first.Transaction.Status)

	_, err = f.svc.ProcessRefund(context.Background(), manager, scope(), domain.RefundRequest{
		TransactionID: tx.ID,
		Items:         []domain.RefundItem{{ItemID: p.ID, Quantity: 2}},
		Condition:     "Good",
	})
	require.ErrorIs(t, err, store.ErrInvalidItem)

	last, err := f.svc.ProcessRefund(context.Background(), manager, scope(), domain.RefundRequest{
		TransactionID: tx.ID,
		Items:         []domain.RefundItem{{ItemID: p.ID, Quantity: 1}},
		Condition:     "Good",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusRefunded, last.Transaction.Status)
	assert.Len(t, last.Transaction.Refunds, 2)
	assert.Equal(t, 8, f.stock(t, p.ID))
}

func TestRefundRejectsUnknownItemAndScope(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", 10)
	tx, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
		Cart:    cartOf(p, 1),
		Payment: domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("1000")},
	})
	require.NoError(t, err)

	_, err = f.svc.ProcessRefund(context.Background(), manager, scope(), domain.RefundRequest{
		TransactionID: tx.ID,
		Items:         []domain.RefundItem{{ItemID: "prd-other", Quantity: 1}},
	})
	assert.ErrorIs(t, err, store.ErrInvalidItem)

	_, err = f.svc.ProcessRefund(context.Background(), manager, domain.BranchScope("branch-2"), domain.RefundRequest{
		TransactionID: tx.ID,
		Items:         []domain.RefundItem{{ItemID: p.ID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	stored, err := f.svc.GetTransaction(context.Background(), scope(), tx.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Refunds)
}

func TestDebtPaymentValidation(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", 10)
	due := time.Now().Add(time.Hour)
	tx, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
		Cart:    cartOf(p, 2),
		Payment: domain.PaymentSpec{Method: domain.PaymentCredit},
		DueDate: &due,
	})
	require.NoError(t, err)

	for _, amount := range []string{"0", "-10", "2000.02"} {
		_, err := f.svc.AddDebtPayment(context.Background(), manager, scope(), domain.DebtPaymentRequest{TransactionID: tx.ID, Amount: dec(amount)})
		assert.ErrorIs(t, err, store.ErrInvalidTransaction, amount)
	}

	part, err := f.svc.AddDebtPayment(context.Background(), manager, scope(), domain.DebtPaymentRequest{TransactionID: tx.ID, Amount: dec("500"), IdempotencyKey: "dp-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusPartial, part.Status)

	again, err := f.svc.AddDebtPayment(context.Background(), manager, scope(), domain.DebtPaymentRequest{TransactionID: tx.ID, Amount: dec("500"), IdempotencyKey: "dp-1"})
	require.NoError(t, err)
	assert.True(t, again.AmountPaid.Equal(dec("500")))
	assert.Len(t, again.DebtPayments, 1)

	debts, err := f.svc.ListOutstandingDebts(context.Background(), scope(), domain.DebtFilter{})
	require.NoError(t, err)
	require.Len(t, debts, 1)
	assert.True(t, debts[0].Outstanding().Equal(dec("1500")))

	overdue, err := f.svc.ListOutstandingDebts(context.Background(), scope(), domain.DebtFilter{OverdueOnly: true, AsOf: due.Add(time.Minute)})
	require.NoError(t, err)
	assert.Len(t, overdue, 1)
}

func TestConcurrentDebtPaymentsDoNotLoseUpdates(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", 10)
	due := time.Now().Add(time.Hour)
	tx, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
		Cart:    cartOf(p, 2),
		Payment: domain.PaymentSpec{Method: domain.PaymentCredit},
		DueDate: &due,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AddDebtPayment(context.Background(), manager, scope(), domain.DebtPaymentRequest{TransactionID: tx.ID, Amount: dec("100")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	final, err := f.svc.GetTransaction(context.Background(), scope(), tx.ID)
	require.NoError(t, err)
	assert.True(t, final.AmountPaid.Equal(dec("2000")))
	assert.Equal(t, domain.TxStatusCompleted, final.Status)
	assert.Len(t, final.DebtPayments, 20)
}

func TestConcurrentFinalizeNeverOversells(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "10", 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
				Cart:    cartOf(p, 1),
				Payment: domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("10")},
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 0, f.stock(t, p.ID))
}

func TestSoftDeleteRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", 10)
	tx, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
		Cart:    cartOf(p, 1),
		Payment: domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("1000")},
	})
	require.NoError(t, err)
	original, err := f.svc.GetTransaction(context.Background(), scope(), tx.ID)
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.SoftDelete(context.Background(), cashier, scope(), tx.ID), ErrForbidden)
	require.NoError(t, f.svc.SoftDelete(context.Background(), manager, scope(), tx.ID))

	_, err = f.svc.GetTransaction(context.Background(), scope(), tx.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	bin, err := f.svc.ListDeleted(context.Background(), scope(), 0)
	require.NoError(t, err)
	require.Len(t, bin, 1)
	assert.Equal(t, manager.ID, bin[0].DeletedBy)
	assert.NotNil(t, bin[0].DeletedAt)
	assert.Equal(t, 9, f.stock(t, p.ID))

	restored, err := f.svc.Restore(context.Background(), manager, scope(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, *original, *restored)
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]*domain.Transaction
}

func (c *mapCache) Get(_ context.Context, key string) (*domain.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.entries[key]
	return tx, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value *domain.Transaction, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func TestSoftDeleteStopsIdempotentReplay(t *testing.T) {
	repo := memory.New()
	idem := &mapCache{entries: make(map[string]*domain.Transaction)}
	f := fixture{svc: New(repo, Options{DefaultStoreID: branch, Cache: idem}), repo: repo}
	p := f.product(t, "1000", 10)
	req := domain.FinalizeRequest{
		IdempotencyKey: "idem-del",
		Cart:           cartOf(p, 1),
		Payment:        domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("1000")},
	}

	tx, err := f.svc.Finalize(context.Background(), cashier, scope(), req)
	require.NoError(t, err)
	_, cached, _ := idem.Get(context.Background(), "idem-del")
	require.True(t, cached)

	require.NoError(t, f.svc.SoftDelete(context.Background(), manager, scope(), tx.ID))
	_, cached, _ = idem.Get(context.Background(), "idem-del")
	assert.False(t, cached)

	_, err = f.svc.Finalize(context.Background(), cashier, scope(), req)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 9, f.stock(t, p.ID))

	_, err = f.svc.Restore(context.Background(), manager, scope(), tx.ID)
	require.NoError(t, err)
	replay, err := f.svc.Finalize(context.Background(), cashier, scope(), req)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, replay.ID)
	assert.Equal(t, 9, f.stock(t, p.ID))
}

func TestPurgeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", 10)
	tx, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
		Cart:    cartOf(p, 1),
		Payment: domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("1000")},
	})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Purge(context.Background(), manager, scope(), tx.ID), store.ErrNotFound)
	_, err = f.svc.GetTransaction(context.Background(), scope(), tx.ID)
	require.NoError(t, err, "purge must never touch active transactions")

	require.NoError(t, f.svc.SoftDelete(context.Background(), manager, scope(), tx.ID))
	require.NoError(t, f.svc.Purge(context.Background(), manager, scope(), tx.ID))
	assert.ErrorIs(t, f.svc.Purge(context.Background(), manager, scope(), tx.ID), store.ErrNotFound)
	_, err = f.svc.Restore(context.Background(), manager, scope(), tx.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentDeleteAndRestoreKeepOneCopy(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", 50)
	tx, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
		Cart:    cartOf(p, 1),
		Payment: domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("1000")},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = f.svc.SoftDelete(context.Background(), manager, scope(), tx.ID)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.svc.Restore(context.Background(), manager, scope(), tx.ID)
		}()
	}
	wg.Wait()

	_, activeErr := f.repo.FindTransactionByID(context.Background(), tx.ID)
	_, deletedErr := f.repo.FindDeletedTransaction(context.Background(), tx.ID)
	assert.True(t, (activeErr == nil) != (deletedErr == nil), "id must live in exactly one collection")
}

func TestSuperAdminSeesAllBranches(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "1000", 10)
	_, err := f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
		Cart:    cartOf(p, 1),
		Payment: domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("1000")},
	})
	require.NoError(t, err)

	other, err := f.svc.ListTransactions(context.Background(), domain.BranchScope("branch-2"), domain.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, other)

	all, err := f.svc.ListTransactions(context.Background(), domain.ScopeFor(head), domain.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	activity, err := f.svc.ListActivity(context.Background(), domain.ScopeFor(head), 0)
	require.NoError(t, err)
	require.NotEmpty(t, activity)
	assert.Equal(t, "transaction_create", activity[0].Action)
	assert.Equal(t, cashier.ID, activity[0].ActorID)
}

func TestFinalizeRejectsOtherBranchProduct(t *testing.T) {
	f := newFixture(t)
	foreign, err := f.repo.CreateProduct(context.Background(), domain.Product{SKU: "F-1", Name: "Foreign", SellingPrice: dec("10"), Stock: 5, StoreID: "branch-2"})
	require.NoError(t, err)

	_, err = f.svc.Finalize(context.Background(), cashier, scope(), domain.FinalizeRequest{
		Cart:    cartOf(*foreign, 1),
		Payment: domain.PaymentSpec{Method: domain.PaymentCash, Amount: dec("10")},
	})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
	assert.Equal(t, 5, f.stock(t, foreign.ID))
}
