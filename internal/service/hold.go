package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"branchpos/backend/internal/domain"
	"branchpos/backend/internal/store"
)

// Hold parks a cart as a HELD transaction. No payment is taken, no discount
// is applied to the total and stock is left alone; the discount spec is kept
// so Recall can hand it back unchanged.
func (s *Service) Hold(ctx context.Context, actor domain.Actor, scope domain.Scope, req domain.HoldRequest) (*domain.Transaction, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	storeID, err := s.resolveStoreID(actor, scope, req.StoreID)
	if err != nil {
		return nil, err
	}

	items := MergeCart(req.Cart)
	totals, err := ComputeTotals(items, domain.DiscountSpec{})
	if err != nil {
		return nil, err
	}
	if err := validateDiscount(req.Discount); err != nil {
		return nil, err
	}

	tx := domain.Transaction{
		Date:          s.now(),
		StoreID:       storeID,
		CashierID:     actor.ID,
		CashierName:   actor.Name,
		Items:         items,
		Subtotal:      totals.Subtotal,
		Discount:      decimal.Zero,
		Total:         totals.Subtotal,
		AmountPaid:    decimal.Zero,
		Tendered:      decimal.Zero,
		Change:        decimal.Zero,
		Payments:      []domain.PaymentPart{},
		Status:        domain.TxStatusHeld,
		CustomerName:  strings.TrimSpace(req.Customer.Name),
		CustomerPhone: strings.TrimSpace(req.Customer.Phone),
		Note:          strings.TrimSpace(req.Note),
	}
	if req.DueDate != nil {
		due := req.DueDate.UTC()
		tx.DueDate = &due
	}
	if !req.Discount.IsZero() {
		spec := req.Discount
		tx.DiscountSpec = &spec
	}

	saved, err := s.repo.CreateHeldTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, actor, saved.StoreID, "transaction_hold", "transaction", saved.ID,
		fmt.Sprintf("items=%d,subtotal=%s", len(saved.Items), saved.Subtotal.StringFixed(2)))
	return saved, nil
}

// Recall returns the state needed to resume a HELD cart. The record stays
// HELD until a finalize with HeldID supersedes it.
func (s *Service) Recall(ctx context.Context, actor domain.Actor, scope domain.Scope, id string) (domain.RecalledState, error) {
	tx, err := s.findInScope(ctx, scope, id)
	if err != nil {
		return domain.RecalledState{}, err
	}
	if tx.Status != domain.TxStatusHeld {
		return domain.RecalledState{}, store.ErrNotFound
	}

	discount := reconstructDiscount(tx.Subtotal, tx.Discount)
	if tx.DiscountSpec != nil {
		discount = *tx.DiscountSpec
	}

	state := domain.RecalledState{
		HeldID:   tx.ID,
		StoreID:  tx.StoreID,
		Cart:     tx.Items,
		Discount: discount,
		Customer: domain.Customer{Name: tx.CustomerName, Phone: tx.CustomerPhone},
		DueDate:  tx.DueDate,
		Note:     tx.Note,
		HeldAt:   tx.Date,
	}

	s.logAudit(ctx, actor, tx.StoreID, "transaction_recall", "transaction", tx.ID, "")
	return state, nil
}

func (s *Service) ListHeld(ctx context.Context, scope domain.Scope, limit int) ([]domain.Transaction, error) {
	return s.repo.ListTransactions(ctx, scope, domain.TransactionFilter{Status: domain.TxStatusHeld, Limit: limit})
}

// reconstructDiscount guesses the discount spec of records that only kept
// the amount: a whole percentage of the subtotal reads as PERCENTAGE,
// anything else as FIXED.
func reconstructDiscount(subtotal decimal.Decimal, discount decimal.Decimal) domain.DiscountSpec {
	if !discount.IsPositive() {
		return domain.DiscountSpec{}
	}
	if subtotal.IsPositive() {
		pct := discount.Mul(hundred).Div(subtotal)
		whole := pct.Round(0)
		if pct.Sub(whole).Abs().LessThan(domain.Epsilon) && whole.IsPositive() && whole.LessThanOrEqual(hundred) {
			return domain.DiscountSpec{Type: domain.DiscountPercentage, Value: whole}
		}
	}
	return domain.DiscountSpec{Type: domain.DiscountFixed, Value: discount}
}
