package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"branchpos/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidItem        = errors.New("invalid item")
	ErrConflict           = errors.New("concurrent modification")
)

// InsufficientStockError reports the first line that could not be reserved.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// MergeLines sums quantities per product id, keeping first-seen order.
// Empty ids and quantities below one are rejected.
func MergeLines(lines []domain.StockLine) ([]domain.StockLine, error) {
	index := make(map[string]int, len(lines))
	merged := make([]domain.StockLine, 0, len(lines))
	for _, line := range lines {
		if line.ProductID == "" || line.Quantity < 1 {
			return nil, ErrInvalidTransaction
		}
		if i, seen := index[line.ProductID]; seen {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged, nil
}

// Repository is the ledger store. Implementations must make every method
// atomic; methods taking a record with a Version compare it against the
// stored one and fail with ErrConflict on mismatch.
type Repository interface {
	ListProducts(ctx context.Context, scope domain.Scope) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	// ReserveStock decrements every line or none of them. Lines whose product
	// does not exist are skipped and returned in missing.
	ReserveStock(ctx context.Context, lines []domain.StockLine) (missing []string, err error)
	ReleaseStock(ctx context.Context, lines []domain.StockLine) (missing []string, err error)

	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, scope domain.Scope, filter domain.TransactionFilter) ([]domain.Transaction, error)
	CreateHeldTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	// FinalizeTransaction reserves stock for tx.Items and stores tx in one
	// step. When tx.ID names a HELD transaction of the same version, that
	// record is overwritten; any other existing id is a conflict.
	FinalizeTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, []string, error)
	UpdateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	// RecordRefund stores tx under the same version check as
	// UpdateTransaction and adds release back to stock in the same step.
	// Missing products are skipped and returned.
	RecordRefund(ctx context.Context, tx domain.Transaction, release []domain.StockLine) (*domain.Transaction, []string, error)

	SoftDeleteTransaction(ctx context.Context, id string, deletedBy string, at time.Time) (*domain.Transaction, error)
	RestoreTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	PurgeTransaction(ctx context.Context, id string) error
	FindDeletedTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListDeletedTransactions(ctx context.Context, scope domain.Scope, limit int) ([]domain.Transaction, error)

	CreateActivityLog(ctx context.Context, entry domain.ActivityLog) error
	ListActivityLogs(ctx context.Context, scope domain.Scope, limit int) ([]domain.ActivityLog, error)

	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
