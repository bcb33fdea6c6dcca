package service

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"branchpos/backend/internal/domain"
	"branchpos/backend/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Totals is the priced view of a cart after discount.
type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// Settlement is what a payment spec resolves to before it is compared with
// the total.
type Settlement struct {
	Method    domain.PaymentMethod
	Parts     []domain.PaymentPart
	Received  decimal.Decimal
	HasCredit bool
}

// MergeCart folds lines with the same product id into one, keeping the
// first snapshot and summing quantities.
func MergeCart(items []domain.CartItem) []domain.CartItem {
	index := make(map[string]int, len(items))
	merged := make([]domain.CartItem, 0, len(items))
	for _, item := range items {
		if i, seen := index[item.ID]; seen {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ID] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

func validateDiscount(spec domain.DiscountSpec) error {
	if spec.Value.IsNegative() {
		return fmt.Errorf("%w: negative discount", store.ErrInvalidTransaction)
	}
	switch spec.Type {
	case "":
		if !spec.Value.IsZero() {
			return fmt.Errorf("%w: discount value without type", store.ErrInvalidTransaction)
		}
	case domain.DiscountFixed:
	case domain.DiscountPercentage:
		if spec.Value.GreaterThan(hundred) {
			return fmt.Errorf("%w: discount above 100%%", store.ErrInvalidTransaction)
		}
	default:
		return fmt.Errorf("%w: unknown discount type %q", store.ErrInvalidTransaction, spec.Type)
	}
	return nil
}

// ComputeTotals prices the cart. Percentage discounts are rounded to cents and
// a discount never exceeds the subtotal, so Total = Subtotal - Discount.
func ComputeTotals(items []domain.CartItem, spec domain.DiscountSpec) (Totals, error) {
	if err := validateDiscount(spec); err != nil {
		return Totals{}, err
	}

	subtotal := decimal.Zero
	for _, item := range items {
		if item.Quantity < 1 || item.SellingPrice.IsNegative() {
			return Totals{}, fmt.Errorf("%w: invalid cart line %s", store.ErrInvalidTransaction, item.ID)
		}
		subtotal = subtotal.Add(item.LineTotal())
	}

	discount := decimal.Zero
	switch spec.Type {
	case domain.DiscountPercentage:
		discount = subtotal.Mul(spec.Value).Div(hundred).Round(2)
	case domain.DiscountFixed:
		discount = spec.Value
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}

	return Totals{
		Subtotal: subtotal,
		Discount: discount,
		Total:    subtotal.Sub(discount),
	}, nil
}

func isPartMethod(method domain.PaymentMethod) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentPOS, domain.PaymentTransfer,
		domain.PaymentWallet, domain.PaymentCredit, domain.PaymentDeposit:
		return true
	}
	return false
}

// ResolvePayment turns a single or split payment into its parts. CREDIT
// amounts are recorded but never count as received.
func ResolvePayment(spec domain.PaymentSpec) (Settlement, error) {
	if spec.IsSplit || spec.Method == domain.PaymentSplit {
		if len(spec.Parts) == 0 {
			return Settlement{}, fmt.Errorf("%w: split payment without parts", store.ErrInvalidTransaction)
		}
		out := Settlement{Method: domain.PaymentSplit, Parts: make([]domain.PaymentPart, 0, len(spec.Parts)), Received: decimal.Zero}
		for _, part := range spec.Parts {
			if !isPartMethod(part.Method) {
				return Settlement{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidTransaction, part.Method)
			}
			if part.Amount.IsNegative() {
				return Settlement{}, fmt.Errorf("%w: negative payment amount", store.ErrInvalidTransaction)
			}
			if part.Method == domain.PaymentCredit {
				out.HasCredit = true
			} else {
				out.Received = out.Received.Add(part.Amount)
			}
			out.Parts = append(out.Parts, part)
		}
		return out, nil
	}

	method := spec.Method
	if method == "" {
		method = domain.PaymentCash
	}
	if !isPartMethod(method) {
		return Settlement{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidTransaction, method)
	}
	if spec.Amount.IsNegative() {
		return Settlement{}, fmt.Errorf("%w: negative payment amount", store.ErrInvalidTransaction)
	}

	out := Settlement{
		Method:   method,
		Parts:    []domain.PaymentPart{{Method: method, Amount: spec.Amount}},
		Received: spec.Amount,
	}
	if method == domain.PaymentCredit {
		out.HasCredit = true
		out.Received = decimal.Zero
	}
	return out, nil
}

// ClassifyStatus is PARTIAL when less than total-ε was received.
func ClassifyStatus(received decimal.Decimal, total decimal.Decimal) domain.TransactionStatus {
	if received.LessThan(total.Sub(domain.Epsilon)) {
		return domain.TxStatusPartial
	}
	return domain.TxStatusCompleted
}

// BuildTransaction computes the money fields and status of a sale. Store,
// cashier and identity fields are left to the caller.
func BuildTransaction(cart []domain.CartItem, discount domain.DiscountSpec, payment domain.PaymentSpec, dueDate *time.Time) (domain.Transaction, error) {
	items := MergeCart(cart)
	if len(items) == 0 {
		return domain.Transaction{}, fmt.Errorf("%w: empty cart", store.ErrInvalidTransaction)
	}

	totals, err := ComputeTotals(items, discount)
	if err != nil {
		return domain.Transaction{}, err
	}
	settlement, err := ResolvePayment(payment)
	if err != nil {
		return domain.Transaction{}, err
	}

	status := ClassifyStatus(settlement.Received, totals.Total)
	if status == domain.TxStatusPartial && settlement.HasCredit && dueDate == nil {
		return domain.Transaction{}, fmt.Errorf("%w: credit sale requires a due date", store.ErrInvalidTransaction)
	}

	amountPaid := decimal.Min(settlement.Received, totals.Total)
	tx := domain.Transaction{
		Items:         items,
		Subtotal:      totals.Subtotal,
		Discount:      totals.Discount,
		Total:         totals.Total,
		AmountPaid:    amountPaid,
		Tendered:      settlement.Received,
		Change:        settlement.Received.Sub(amountPaid),
		PaymentMethod: settlement.Method,
		Payments:      settlement.Parts,
		Status:        status,
	}
	if dueDate != nil {
		due := dueDate.UTC()
		tx.DueDate = &due
	}
	if !discount.IsZero() {
		spec := discount
		tx.DiscountSpec = &spec
	}
	return tx, nil
}
