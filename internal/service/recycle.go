package service

import (
	"context"
	"fmt"

	"branchpos/backend/internal/domain"
	"branchpos/backend/internal/store"
)

// SoftDelete moves a transaction into the recycle bin. Stock is not touched.
func (s *Service) SoftDelete(ctx context.Context, actor domain.Actor, scope domain.Scope, id string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}

	var deleted *domain.Transaction
	err := s.withTransactionLock(ctx, id, func() error {
		if _, err := s.findInScope(ctx, scope, id); err != nil {
			return err
		}
		var err error
		deleted, err = s.repo.SoftDeleteTransaction(ctx, id, actor.ID, s.now())
		return err
	})
	if err != nil {
		return err
	}

	s.forgetIdempotencyKey(ctx, deleted)
	s.logAudit(ctx, actor, deleted.StoreID, "transaction_delete", "transaction", id,
		fmt.Sprintf("status=%s,total=%s", deleted.Status, deleted.Total.StringFixed(2)))
	return nil
}

// Restore moves a transaction out of the recycle bin with the delete stamp
// stripped.
func (s *Service) Restore(ctx context.Context, actor domain.Actor, scope domain.Scope, id string) (*domain.Transaction, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	var restored *domain.Transaction
	err := s.withTransactionLock(ctx, id, func() error {
		if err := s.checkDeletedScope(ctx, scope, id); err != nil {
			return err
		}
		var err error
		restored, err = s.repo.RestoreTransaction(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, actor, restored.StoreID, "transaction_restore", "transaction", id, "")
	return restored, nil
}

// Purge removes a transaction from the recycle bin for good. Purging an id
// that is not in the bin returns store.ErrNotFound and changes nothing.
func (s *Service) Purge(ctx context.Context, actor domain.Actor, scope domain.Scope, id string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}

	var purged *domain.Transaction
	err := s.withTransactionLock(ctx, id, func() error {
		tx, err := s.repo.FindDeletedTransaction(ctx, id)
		if err != nil {
			return err
		}
		if !scope.Allows(tx.StoreID) {
			return store.ErrNotFound
		}
		purged = tx
		return s.repo.PurgeTransaction(ctx, id)
	})
	if err != nil {
		return err
	}

	s.forgetIdempotencyKey(ctx, purged)
	s.logAudit(ctx, actor, purged.StoreID, "transaction_purge", "transaction", id, "")
	return nil
}

func (s *Service) ListDeleted(ctx context.Context, scope domain.Scope, limit int) ([]domain.Transaction, error) {
	return s.repo.ListDeletedTransactions(ctx, scope, limit)
}

func (s *Service) checkDeletedScope(ctx context.Context, scope domain.Scope, id string) error {
	tx, err := s.repo.FindDeletedTransaction(ctx, id)
	if err != nil {
		return err
	}
	if !scope.Allows(tx.StoreID) {
		return store.ErrNotFound
	}
	return nil
}

// forgetIdempotencyKey drops the cached replay of tx so a retried finalize
// is answered by the store, which no longer counts it as active.
func (s *Service) forgetIdempotencyKey(ctx context.Context, tx *domain.Transaction) {
	if tx.IdempotencyKey == "" {
		return
	}
	if err := s.idem.Delete(ctx, tx.IdempotencyKey); err != nil {
		s.log.WithField("transaction_id", tx.ID).WithError(err).Warn("failed to drop idempotency key")
	}
}
