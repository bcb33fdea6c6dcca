package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"branchpos/backend/internal/domain"
	"branchpos/backend/internal/store"
	"branchpos/backend/internal/xid"
)

// RestockableCondition is the return condition that puts goods back on sale.
const RestockableCondition = "Good"

func isRestockable(condition string) bool {
	return strings.EqualFold(strings.TrimSpace(condition), RestockableCondition)
}

// ProcessRefund records a return against a finalized transaction. Quantities
// are checked against what is left after earlier refunds; once every unit
// has come back the transaction becomes REFUNDED.
func (s *Service) ProcessRefund(ctx context.Context, actor domain.Actor, scope domain.Scope, req domain.RefundRequest) (domain.RefundResult, error) {
	if err := s.validateRequest(req); err != nil {
		return domain.RefundResult{}, err
	}

	var result domain.RefundResult
	err := s.withTransactionLock(ctx, req.TransactionID, func() error {
		return retryOnConflict(func() error {
			tx, err := s.findInScope(ctx, scope, req.TransactionID)
			if err != nil {
				return err
			}
			if tx.Status == domain.TxStatusHeld {
				return fmt.Errorf("%w: held transactions cannot be refunded", store.ErrInvalidTransaction)
			}

			refund, err := s.buildRefund(*tx, actor, req)
			if err != nil {
				return err
			}

			tx.Refunds = append(tx.Refunds, refund)
			if fullyRefunded(*tx) {
				tx.Status = domain.TxStatusRefunded
			}
			var release []domain.StockLine
			if refund.Restocked {
				release = refundLines(refund)
			}
			saved, missing, err := s.repo.RecordRefund(ctx, *tx, release)
			if err != nil {
				return err
			}
			s.inventory.logSkipped("release", missing)
			result = domain.RefundResult{Refund: refund, Transaction: *saved}
			return nil
		})
	})
	if err != nil {
		return domain.RefundResult{}, err
	}

	s.logAudit(ctx, actor, result.Transaction.StoreID, "transaction_refund", "transaction", result.Transaction.ID,
		fmt.Sprintf("refund=%s,amount=%s,condition=%s,restocked=%t", result.Refund.ID, result.Refund.Amount.StringFixed(2), result.Refund.Condition, result.Refund.Restocked))
	return result, nil
}

func (s *Service) buildRefund(tx domain.Transaction, actor domain.Actor, req domain.RefundRequest) (domain.RefundLog, error) {
	lines := make(map[string]domain.CartItem, len(tx.Items))
	for _, item := range tx.Items {
		lines[item.ID] = item
	}
	already := tx.RefundedQuantities()

	requested := make(map[string]int, len(req.Items))
	items := make([]domain.RefundItem, 0, len(req.Items))
	for _, item := range req.Items {
		if _, seen := requested[item.ItemID]; !seen {
			items = append(items, domain.RefundItem{ItemID: item.ItemID})
		}
		requested[item.ItemID] += item.Quantity
	}

	amount := decimal.Zero
	for i := range items {
		id := items[i].ItemID
		qty := requested[id]
		line, exists := lines[id]
		if !exists {
			return domain.RefundLog{}, fmt.Errorf("%w: item %s is not part of transaction %s", store.ErrInvalidItem, id, tx.ID)
		}
		if qty < 1 || already[id]+qty > line.Quantity {
			return domain.RefundLog{}, fmt.Errorf("%w: item %s: returning %d, %d of %d left", store.ErrInvalidItem, id, qty, line.Quantity-already[id], line.Quantity)
		}
		items[i].Quantity = qty
		amount = amount.Add(line.SellingPrice.Mul(decimal.NewFromInt(int64(qty))))
	}

	return domain.RefundLog{
		ID:          xid.New("rf"),
		Date:        s.now(),
		Reason:      strings.TrimSpace(req.Reason),
		Condition:   strings.TrimSpace(req.Condition),
		Amount:      amount,
		Items:       items,
		ProcessedBy: actor.ID,
		Restocked:   isRestockable(req.Condition),
	}, nil
}

func refundLines(refund domain.RefundLog) []domain.StockLine {
	lines := make([]domain.StockLine, 0, len(refund.Items))
	for _, item := range refund.Items {
		lines = append(lines, domain.StockLine{ProductID: item.ItemID, Quantity: item.Quantity})
	}
	return lines
}

func fullyRefunded(tx domain.Transaction) bool {
	refunded := tx.RefundedQuantities()
	total := 0
	for _, qty := range refunded {
		total += qty
	}
	return total > 0 && total >= tx.TotalQuantity()
}
