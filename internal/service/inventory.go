package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"branchpos/backend/internal/domain"
	"branchpos/backend/internal/store"
)

// Adjuster moves product stock for sales and returns. Lines whose product no
// longer exists are skipped and logged.
type Adjuster struct {
	repo store.Repository
	log  logrus.FieldLogger
}

func NewAdjuster(repo store.Repository, log logrus.FieldLogger) *Adjuster {
	return &Adjuster{repo: repo, log: log}
}

// Reserve decrements every line or none. A shortfall is reported as
// *store.InsufficientStockError.
func (a *Adjuster) Reserve(ctx context.Context, lines []domain.StockLine) error {
	missing, err := a.repo.ReserveStock(ctx, lines)
	if err != nil {
		return err
	}
	a.logSkipped("reserve", missing)
	return nil
}

// Release adds the quantities back only when the goods are restockable.
func (a *Adjuster) Release(ctx context.Context, lines []domain.StockLine, restockable bool) error {
	if !restockable || len(lines) == 0 {
		return nil
	}
	missing, err := a.repo.ReleaseStock(ctx, lines)
	if err != nil {
		return err
	}
	a.logSkipped("release", missing)
	return nil
}

func (a *Adjuster) logSkipped(op string, missing []string) {
	for _, id := range missing {
		a.log.WithFields(logrus.Fields{
			"op":         op,
			"product_id": id,
		}).Warn("product no longer exists; stock line skipped")
	}
}
