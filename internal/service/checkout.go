package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"branchpos/backend/internal/domain"
	"branchpos/backend/internal/store"
)

// Finalize builds a sale from the request and commits it together with the
// stock reservation. A repeated idempotency key returns the first result
// without touching stock again.
func (s *Service) Finalize(ctx context.Context, actor domain.Actor, scope domain.Scope, req domain.FinalizeRequest) (*domain.Transaction, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if existing, err := s.lookupIdempotent(ctx, scope, req.IdempotencyKey); err != nil || existing != nil {
		return existing, err
	}

	storeID, err := s.resolveStoreID(actor, scope, req.StoreID)
	if err != nil {
		return nil, err
	}

	var held *domain.Transaction
	if req.HeldID != "" {
		held, err = s.findInScope(ctx, scope, req.HeldID)
		if err != nil {
			return nil, err
		}
		if held.Status != domain.TxStatusHeld {
			return nil, fmt.Errorf("%w: transaction %s is no longer held", store.ErrConflict, held.ID)
		}
		storeID = held.StoreID
	}

	cart, err := s.priceFromCatalog(ctx, storeID, req.Cart)
	if err != nil {
		return nil, err
	}
	built, err := BuildTransaction(cart, req.Discount, req.Payment, req.DueDate)
	if err != nil {
		return nil, err
	}

	tx := built
	tx.Date = s.now()
	tx.StoreID = storeID
	tx.CashierID = actor.ID
	tx.CashierName = actor.Name
	tx.CustomerName = strings.TrimSpace(req.Customer.Name)
	tx.CustomerPhone = strings.TrimSpace(req.Customer.Phone)
	tx.Note = strings.TrimSpace(req.Note)
	tx.IdempotencyKey = req.IdempotencyKey
	if held != nil {
		tx.ID = held.ID
		tx.Version = held.Version
	}

	saved, missing, err := s.repo.FinalizeTransaction(ctx, tx)
	if err != nil {
		if errors.Is(err, store.ErrConflict) && req.IdempotencyKey != "" {
			if existing, lookupErr := s.repo.FindTransactionByIdempotency(ctx, req.IdempotencyKey); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	s.inventory.logSkipped("reserve", missing)

	if saved.IdempotencyKey != "" {
		if err := s.idem.Set(ctx, saved.IdempotencyKey, saved, s.idemTTL); err != nil {
			s.log.WithField("transaction_id", saved.ID).WithError(err).Warn("failed to cache idempotency key")
		}
	}

	s.logAudit(ctx, actor, saved.StoreID, "transaction_create", "transaction", saved.ID,
		fmt.Sprintf("status=%s,total=%s,paid=%s,method=%s", saved.Status, saved.Total.StringFixed(2), saved.AmountPaid.StringFixed(2), saved.PaymentMethod))
	s.log.WithFields(logrus.Fields{
		"action":         "finalize",
		"transaction_id": saved.ID,
		"store_id":       saved.StoreID,
		"status":         saved.Status,
	}).Info("transaction finalized")

	return saved, nil
}

// lookupIdempotent returns the earlier result for key, or nil when the key is
// new. Cached results outside the caller's scope are ignored.
func (s *Service) lookupIdempotent(ctx context.Context, scope domain.Scope, key string) (*domain.Transaction, error) {
	if key == "" {
		return nil, nil
	}

	cached, ok, err := s.idem.Get(ctx, key)
	if err != nil {
		s.log.WithError(err).Warn("idempotency cache unavailable")
	} else if ok && scope.Allows(cached.StoreID) {
		return cached, nil
	}

	existing, err := s.repo.FindTransactionByIdempotency(ctx, key)
	if err == nil {
		if !scope.Allows(existing.StoreID) {
			return nil, fmt.Errorf("%w: idempotency key already used", store.ErrConflict)
		}
		return existing, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return nil, err
}

// priceFromCatalog copies the current product record into every cart line
// and rejects products of another branch. Lines for products that no longer
// exist keep the submitted snapshot; the reservation skips them.
func (s *Service) priceFromCatalog(ctx context.Context, storeID string, cart []domain.CartItem) ([]domain.CartItem, error) {
	ids := make([]string, 0, len(cart))
	for _, item := range cart {
		ids = append(ids, item.ID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	priced := make([]domain.CartItem, 0, len(cart))
	for _, item := range cart {
		product, exists := products[item.ID]
		if exists {
			if product.StoreID != "" && product.StoreID != storeID {
				return nil, fmt.Errorf("%w: product %s belongs to another branch", store.ErrInvalidTransaction, item.ID)
			}
			item.SKU = product.SKU
			item.Name = product.Name
			item.Category = product.Category
			item.CostPrice = product.CostPrice
			item.SellingPrice = product.SellingPrice
		}
		priced = append(priced, item)
	}
	return priced, nil
}
