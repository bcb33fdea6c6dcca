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

// AddDebtPayment settles part or all of a PARTIAL transaction. Payments on
// the same transaction are serialized by the per-id lock and the store's
// version check; a repeated idempotency key is a no-op.
func (s *Service) AddDebtPayment(ctx context.Context, actor domain.Actor, scope domain.Scope, req domain.DebtPaymentRequest) (*domain.Transaction, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidTransaction)
	}
	method := req.Method
	if method == "" {
		method = domain.PaymentCash
	}
	if !isPartMethod(method) || method == domain.PaymentCredit {
		return nil, fmt.Errorf("%w: unsupported settlement method %q", store.ErrInvalidTransaction, method)
	}
	key := strings.TrimSpace(req.IdempotencyKey)

	var result *domain.Transaction
	applied := false
	err := s.withTransactionLock(ctx, req.TransactionID, func() error {
		return retryOnConflict(func() error {
			tx, err := s.findInScope(ctx, scope, req.TransactionID)
			if err != nil {
				return err
			}
			if tx.HasDebtPaymentKey(key) {
				result = tx
				return nil
			}
			if tx.Status != domain.TxStatusPartial {
				return fmt.Errorf("%w: transaction %s has no outstanding debt", store.ErrInvalidTransaction, tx.ID)
			}
			outstanding := tx.Outstanding()
			if req.Amount.GreaterThan(outstanding.Add(domain.Epsilon)) {
				return fmt.Errorf("%w: payment %s exceeds outstanding %s", store.ErrInvalidTransaction, req.Amount.StringFixed(2), outstanding.StringFixed(2))
			}

			paid := decimal.Min(tx.AmountPaid.Add(req.Amount), tx.Total)
			tx.AmountPaid = paid
			tx.Status = ClassifyStatus(paid, tx.Total)
			tx.DebtPayments = append(tx.DebtPayments, domain.DebtPayment{
				ID:             xid.New("dp"),
				Date:           s.now(),
				Amount:         req.Amount,
				Method:         method,
				ReceivedBy:     actor.ID,
				IdempotencyKey: key,
			})

			saved, err := s.repo.UpdateTransaction(ctx, *tx)
			if err != nil {
				return err
			}
			result = saved
			applied = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if applied {
		s.logAudit(ctx, actor, result.StoreID, "debt_payment", "transaction", result.ID,
			fmt.Sprintf("amount=%s,paid=%s,status=%s", req.Amount.StringFixed(2), result.AmountPaid.StringFixed(2), result.Status))
	}
	return result, nil
}

// ListOutstandingDebts returns PARTIAL transactions that still owe money,
// optionally only those whose due date has passed.
func (s *Service) ListOutstandingDebts(ctx context.Context, scope domain.Scope, filter domain.DebtFilter) ([]domain.Transaction, error) {
	partial, err := s.repo.ListTransactions(ctx, scope, domain.TransactionFilter{Status: domain.TxStatusPartial})
	if err != nil {
		return nil, err
	}

	asOf := filter.AsOf
	if asOf.IsZero() {
		asOf = s.now()
	}
	result := make([]domain.Transaction, 0, len(partial))
	for _, tx := range partial {
		if !tx.Outstanding().GreaterThanOrEqual(domain.Epsilon) {
			continue
		}
		if filter.OverdueOnly && (tx.DueDate == nil || !tx.DueDate.Before(asOf)) {
			continue
		}
		result = append(result, tx)
	}
	return result, nil
}
