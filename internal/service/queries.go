package service

import (
	"context"

	"branchpos/backend/internal/domain"
)

func (s *Service) GetTransaction(ctx context.Context, scope domain.Scope, id string) (*domain.Transaction, error) {
	return s.findInScope(ctx, scope, id)
}

func (s *Service) ListTransactions(ctx context.Context, scope domain.Scope, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	return s.repo.ListTransactions(ctx, scope, filter)
}

func (s *Service) ListActivity(ctx context.Context, scope domain.Scope, limit int) ([]domain.ActivityLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListActivityLogs(ctx, scope, limit)
}
