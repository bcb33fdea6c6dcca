package memory

import (
	"cmp"
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"branchpos/backend/internal/domain"
	"branchpos/backend/internal/store"
	"branchpos/backend/internal/xid"
)

// Store keeps the whole ledger in process memory. A single mutex guards all
// collections, so every method is atomic with respect to the others.
type Store struct {
	mu           sync.RWMutex
	products     map[string]domain.Product
	transactions map[string]domain.Transaction
	deleted      map[string]domain.Transaction
	idempotency  map[string]string
	activity     []domain.ActivityLog
	users        map[string]domain.UserAccount
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		products:     make(map[string]domain.Product),
		transactions: make(map[string]domain.Transaction),
		deleted:      make(map[string]domain.Transaction),
		idempotency:  make(map[string]string),
		activity:     make([]domain.ActivityLog, 0, 128),
		users:        make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Passwords come from SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and
// SEED_CASHIER_PASSWORD; dev defaults are used when they are unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logrus.WithField("module", "memory-store").Warn("using default dev credentials; set SEED_*_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		name     string
		password string
		role     string
		storeID  string
	}{
		{"admin", "Head Office", adminPwd, domain.RoleSuperAdmin, ""},
		{"manager", "Branch Manager", managerPwd, domain.RoleBranchAdmin, "main-store"},
		{"cashier", "Front Cashier", cashierPwd, domain.RoleCashier, "main-store"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithField("module", "memory-store").Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Name:      u.name,
			Password:  string(hash),
			Role:      u.role,
			StoreID:   u.storeID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo products for "main-store", a few
// central inventory items and the demo user accounts.
func NewSeeded() *Store {
	s := New()
	s.users = seedUsers()

	now := time.Now().UTC()
	seed := []domain.Product{
		{SKU: "BEV-COLA-330", Name: "Cola 330ml", Category: "beverage", CostPrice: decimal.NewFromInt(350), SellingPrice: decimal.NewFromInt(500), Stock: 120, MinStockAlert: 24, StoreID: "main-store"},
		{SKU: "BEV-WATER-600", Name: "Mineral Water 600ml", Category: "beverage", CostPrice: decimal.NewFromInt(150), SellingPrice: decimal.NewFromInt(250), Stock: 200, MinStockAlert: 48, StoreID: "main-store"},
		{SKU: "GRO-RICE-5KG", Name: "Rice 5kg", Category: "grocery", CostPrice: decimal.NewFromInt(7200), SellingPrice: decimal.NewFromInt(8500), Stock: 40, MinStockAlert: 10, StoreID: "main-store"},
		{SKU: "GRO-OIL-1L", Name: "Vegetable Oil 1L", Category: "grocery", CostPrice: decimal.NewFromInt(1800), SellingPrice: decimal.NewFromInt(2200), Stock: 60, MinStockAlert: 12, StoreID: "main-store"},
		{SKU: "HOU-SOAP-01", Name: "Bar Soap", Category: "household", CostPrice: decimal.NewFromInt(300), SellingPrice: decimal.NewFromInt(450), Stock: 90, MinStockAlert: 20, StoreID: "main-store"},
		{SKU: "SNK-CHIPS-01", Name: "Potato Chips", Category: "snack", CostPrice: decimal.NewFromInt(400), SellingPrice: decimal.NewFromInt(650), Stock: 75, MinStockAlert: 15, StoreID: "main-store"},
		{SKU: "CEN-BAG-01", Name: "Shopping Bag", Category: "supplies", CostPrice: decimal.NewFromInt(20), SellingPrice: decimal.NewFromInt(50), Stock: 1000, MinStockAlert: 100},
		{SKU: "CEN-GIFT-01", Name: "Gift Wrap", Category: "supplies", CostPrice: decimal.NewFromInt(80), SellingPrice: decimal.NewFromInt(150), Stock: 300, MinStockAlert: 50},
	}
	for _, p := range seed {
		p.ID = xid.New("prd")
		p.UpdatedAt = now
		p.Version = 1
		s.products[p.ID] = p
	}
	return s
}

func (s *Store) ListProducts(_ context.Context, scope domain.Scope) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !scope.AllowsProduct(p) {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmp.Compare(a.Name, b.Name)
		}
		return cmp.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.Stock < 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.products {
		if existing.StoreID == product.StoreID && strings.EqualFold(existing.SKU, product.SKU) {
			return nil, store.ErrInvalidTransaction
		}
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrConflict
	}
	product.Version = 1
	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.Stock < 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.products[product.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if existing.Version != product.Version {
		return nil, store.ErrConflict
	}
	product.Version = existing.Version + 1
	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) ReserveStock(_ context.Context, lines []domain.StockLine) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reserveLocked(lines)
}

// reserveLocked checks every line before touching any product so a failing
// line leaves all stock unchanged. Callers must hold s.mu.
func (s *Store) reserveLocked(lines []domain.StockLine) ([]string, error) {
	merged, err := store.MergeLines(lines)
	if err != nil {
		return nil, err
	}

	missing := make([]string, 0)
	for _, line := range merged {
		product, exists := s.products[line.ProductID]
		if !exists {
			missing = append(missing, line.ProductID)
			continue
		}
		if product.Stock < line.Quantity {
			return nil, &store.InsufficientStockError{ProductID: line.ProductID, Requested: line.Quantity, Available: product.Stock}
		}
	}

	now := time.Now().UTC()
	for _, line := range merged {
		product, exists := s.products[line.ProductID]
		if !exists {
			continue
		}
		product.Stock -= line.Quantity
		product.Version++
		product.UpdatedAt = now
		s.products[line.ProductID] = product
	}
	return missing, nil
}

func (s *Store) ReleaseStock(_ context.Context, lines []domain.StockLine) ([]string, error) {
	merged, err := store.MergeLines(lines)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.releaseLocked(merged), nil
}

func (s *Store) releaseLocked(merged []domain.StockLine) []string {
	missing := make([]string, 0)
	now := time.Now().UTC()
	for _, line := range merged {
		product, exists := s.products[line.ProductID]
		if !exists {
			missing = append(missing, line.ProductID)
			continue
		}
		product.Stock += line.Quantity
		product.Version++
		product.UpdatedAt = now
		s.products[line.ProductID] = product
	}
	return missing
}

func (s *Store) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, exists := s.transactions[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	found := cloneTransaction(tx)
	return &found, nil
}

func (s *Store) FindTransactionByIdempotency(_ context.Context, key string) (*domain.Transaction, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.idempotency[key]
	if !exists {
		return nil, store.ErrNotFound
	}
	tx, exists := s.transactions[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	found := cloneTransaction(tx)
	return &found, nil
}

func (s *Store) ListTransactions(_ context.Context, scope domain.Scope, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return collect(s.transactions, scope, filter.Status, filter.Limit), nil
}

func (s *Store) CreateHeldTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.Status != domain.TxStatusHeld {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	if s.exists(tx.ID) {
		return nil, store.ErrConflict
	}
	if tx.Date.IsZero() {
		tx.Date = time.Now().UTC()
	}
	tx.Version = 1
	tx.UpdatedAt = time.Now().UTC()
	s.transactions[tx.ID] = cloneTransaction(tx)
	saved := cloneTransaction(tx)
	return &saved, nil
}

func (s *Store) FinalizeTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, []string, error) {
	if tx.Status == domain.TxStatusHeld || tx.Status == "" || len(tx.Items) == 0 {
		return nil, nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.IdempotencyKey != "" {
		if id, exists := s.idempotency[tx.IdempotencyKey]; exists && s.exists(id) {
			return nil, nil, store.ErrConflict
		}
	}

	nextVersion := int64(1)
	if tx.ID == "" {
		tx.ID = xid.New("tx")
	} else if held, exists := s.transactions[tx.ID]; exists {
		if held.Status != domain.TxStatusHeld || held.Version != tx.Version {
			return nil, nil, store.ErrConflict
		}
		nextVersion = held.Version + 1
	} else if _, exists := s.deleted[tx.ID]; exists {
		return nil, nil, store.ErrConflict
	}

	missing, err := s.reserveLocked(tx.StockLines())
	if err != nil {
		return nil, nil, err
	}

	tx.Version = nextVersion
	tx.UpdatedAt = time.Now().UTC()
	if tx.Date.IsZero() {
		tx.Date = tx.UpdatedAt
	}
	s.transactions[tx.ID] = cloneTransaction(tx)
	if tx.IdempotencyKey != "" {
		s.idempotency[tx.IdempotencyKey] = tx.ID
	}
	saved := cloneTransaction(tx)
	return &saved, missing, nil
}

func (s *Store) UpdateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.transactions[tx.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if existing.Version != tx.Version {
		return nil, store.ErrConflict
	}
	tx.Version = existing.Version + 1
	tx.UpdatedAt = time.Now().UTC()
	s.transactions[tx.ID] = cloneTransaction(tx)
	saved := cloneTransaction(tx)
	return &saved, nil
}

func (s *Store) RecordRefund(_ context.Context, tx domain.Transaction, release []domain.StockLine) (*domain.Transaction, []string, error) {
	var merged []domain.StockLine
	if len(release) > 0 {
		var err error
		if merged, err = store.MergeLines(release); err != nil {
			return nil, nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.transactions[tx.ID]
	if !exists {
		return nil, nil, store.ErrNotFound
	}
	if existing.Version != tx.Version {
		return nil, nil, store.ErrConflict
	}

	missing := s.releaseLocked(merged)
	tx.Version = existing.Version + 1
	tx.UpdatedAt = time.Now().UTC()
	s.transactions[tx.ID] = cloneTransaction(tx)
	saved := cloneTransaction(tx)
	return &saved, missing, nil
}

func (s *Store) SoftDeleteTransaction(_ context.Context, id string, deletedBy string, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, exists := s.transactions[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if _, dup := s.deleted[id]; dup {
		return nil, store.ErrConflict
	}
	deletedAt := at.UTC()
	tx.IsDeleted = true
	tx.DeletedAt = &deletedAt
	tx.DeletedBy = deletedBy

	delete(s.transactions, id)
	s.deleted[id] = tx
	moved := cloneTransaction(tx)
	return &moved, nil
}

func (s *Store) RestoreTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, exists := s.deleted[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if _, dup := s.transactions[id]; dup {
		return nil, store.ErrConflict
	}
	tx.IsDeleted = false
	tx.DeletedAt = nil
	tx.DeletedBy = ""

	delete(s.deleted, id)
	s.transactions[id] = tx
	restored := cloneTransaction(tx)
	return &restored, nil
}

func (s *Store) PurgeTransaction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, exists := s.deleted[id]
	if !exists {
		return store.ErrNotFound
	}
	delete(s.deleted, id)
	if tx.IdempotencyKey != "" && s.idempotency[tx.IdempotencyKey] == id {
		delete(s.idempotency, tx.IdempotencyKey)
	}
	return nil
}

func (s *Store) FindDeletedTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, exists := s.deleted[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	found := cloneTransaction(tx)
	return &found, nil
}

func (s *Store) ListDeletedTransactions(_ context.Context, scope domain.Scope, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return collect(s.deleted, scope, "", limit), nil
}

func (s *Store) CreateActivityLog(_ context.Context, entry domain.ActivityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("act")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.activity = append(s.activity, entry)
	return nil
}

func (s *Store) ListActivityLogs(_ context.Context, scope domain.Scope, limit int) ([]domain.ActivityLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.ActivityLog, 0, limit)
	for i := len(s.activity) - 1; i >= 0 && len(result) < limit; i-- {
		if scope.Allows(s.activity[i].StoreID) {
			result = append(result, s.activity[i])
		}
	}
	return result, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmp.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return store.ErrConflict
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

// exists reports whether id is in either collection. Callers must hold s.mu.
func (s *Store) exists(id string) bool {
	if _, ok := s.transactions[id]; ok {
		return true
	}
	_, ok := s.deleted[id]
	return ok
}

func collect(src map[string]domain.Transaction, scope domain.Scope, status domain.TransactionStatus, limit int) []domain.Transaction {
	result := make([]domain.Transaction, 0, len(src))
	for _, tx := range src {
		if !scope.Allows(tx.StoreID) {
			continue
		}
		if status != "" && tx.Status != status {
			continue
		}
		result = append(result, cloneTransaction(tx))
	}
	slices.SortFunc(result, func(a, b domain.Transaction) int {
		if a.Date.Equal(b.Date) {
			return cmp.Compare(b.ID, a.ID)
		}
		return b.Date.Compare(a.Date)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func cloneTransaction(src domain.Transaction) domain.Transaction {
	dst := src
	dst.Items = slices.Clone(src.Items)
	dst.Payments = slices.Clone(src.Payments)
	dst.DebtPayments = slices.Clone(src.DebtPayments)
	if src.Refunds != nil {
		dst.Refunds = make([]domain.RefundLog, len(src.Refunds))
		for i, refund := range src.Refunds {
			refund.Items = slices.Clone(refund.Items)
			dst.Refunds[i] = refund
		}
	}
	if src.DiscountSpec != nil {
		spec := *src.DiscountSpec
		dst.DiscountSpec = &spec
	}
	if src.DueDate != nil {
		due := *src.DueDate
		dst.DueDate = &due
	}
	if src.DeletedAt != nil {
		at := *src.DeletedAt
		dst.DeletedAt = &at
	}
	return dst
}
