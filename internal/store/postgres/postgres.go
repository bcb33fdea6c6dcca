package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"branchpos/backend/internal/domain"
	"branchpos/backend/internal/store"
	"branchpos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const productColumns = `id, sku, name, category, cost_price, selling_price, stock, min_stock_alert, store_id, updated_at, version`

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.CostPrice, &p.SellingPrice,
		&p.Stock, &p.MinStockAlert, &p.StoreID, &p.UpdatedAt, &p.Version)
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func (s *Store) ListProducts(ctx context.Context, scope domain.Scope) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE store_id = '' OR $1 OR store_id = $2
		ORDER BY category, name
	`, scope.AllBranches, scope.StoreID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.Stock < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	product.Version = 1
	product.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, category, cost_price, selling_price, stock, min_stock_alert, store_id, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
	`, product.ID, product.SKU, product.Name, product.Category, product.CostPrice, product.SellingPrice,
		product.Stock, product.MinStockAlert, product.StoreID, product.Version, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Stock < 0 {
		return nil, store.ErrInvalidTransaction
	}

	expected := product.Version
	product.Version = expected + 1
	product.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, cost_price = $4, selling_price = $5, stock = $6,
			min_stock_alert = $7, version = $8, updated_at = $9
		WHERE id = $1 AND version = $10
	`, product.ID, product.Name, product.Category, product.CostPrice, product.SellingPrice,
		product.Stock, product.MinStockAlert, product.Version, product.UpdatedAt, expected)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := s.GetProduct(ctx, product.ID); err != nil {
			return nil, err
		}
		return nil, store.ErrConflict
	}

	updated := product
	return &updated, nil
}

func (s *Store) ReserveStock(ctx context.Context, lines []domain.StockLine) ([]string, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	missing, err := reserveTx(ctx, pgTx, lines)
	if err != nil {
		return nil, conflictOr(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, conflictOr(err)
	}
	return missing, nil
}

// reserveTx locks every referenced product row in id order, checks all of
// them and only then decrements.
func reserveTx(ctx context.Context, pgTx *sql.Tx, lines []domain.StockLine) ([]string, error) {
	merged, err := store.MergeLines(lines)
	if err != nil {
		return nil, err
	}
	stock, err := lockStock(ctx, pgTx, merged)
	if err != nil {
		return nil, err
	}

	missing := make([]string, 0)
	for _, line := range merged {
		available, exists := stock[line.ProductID]
		if !exists {
			missing = append(missing, line.ProductID)
			continue
		}
		if available < line.Quantity {
			return nil, &store.InsufficientStockError{ProductID: line.ProductID, Requested: line.Quantity, Available: available}
		}
	}

	for _, line := range merged {
		if _, exists := stock[line.ProductID]; !exists {
			continue
		}
		_, err := pgTx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $1, version = version + 1, updated_at = now()
			WHERE id = $2
		`, line.Quantity, line.ProductID)
		if err != nil {
			return nil, err
		}
	}
	return missing, nil
}

func (s *Store) ReleaseStock(ctx context.Context, lines []domain.StockLine) ([]string, error) {
	merged, err := store.MergeLines(lines)
	if err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	missing, err := releaseTx(ctx, pgTx, merged)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, conflictOr(err)
	}
	return missing, nil
}

func releaseTx(ctx context.Context, pgTx *sql.Tx, merged []domain.StockLine) ([]string, error) {
	missing := make([]string, 0)
	if len(merged) == 0 {
		return missing, nil
	}
	stock, err := lockStock(ctx, pgTx, merged)
	if err != nil {
		return nil, err
	}

	for _, line := range merged {
		if _, exists := stock[line.ProductID]; !exists {
			missing = append(missing, line.ProductID)
			continue
		}
		_, err := pgTx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock + $1, version = version + 1, updated_at = now()
			WHERE id = $2
		`, line.Quantity, line.ProductID)
		if err != nil {
			return nil, err
		}
	}
	return missing, nil
}

func lockStock(ctx context.Context, pgTx *sql.Tx, lines []domain.StockLine) (map[string]int, error) {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	sort.Strings(ids)

	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, stock
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stock := make(map[string]int, len(ids))
	for rows.Next() {
		var id string
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		stock[id] = qty
	}
	return stock, rows.Err()
}

// Transactions and their tombstones share one column layout; the nested
// collections are JSONB documents.
var (
	txColumns = []string{
		"id", "store_id", "date", "cashier_id", "cashier_name",
		"subtotal", "discount", "total", "amount_paid", "tendered", "change_amount",
		"payment_method", "status", "customer_name", "customer_phone", "due_date", "note",
		"idempotency_key", "items", "payments", "refunds", "debt_payments", "discount_spec",
		"version", "updated_at",
	}
	jsonColumns = map[string]bool{
		"items": true, "payments": true, "refunds": true, "debt_payments": true, "discount_spec": true,
	}

	txColumnList    = strings.Join(txColumns, ", ")
	txSelectColumns = strings.Replace(txColumnList, "idempotency_key", "COALESCE(idempotency_key, '')", 1)
	insertTxSQL     = buildInsertTx()
	updateTxSQL     = buildUpdateTx()
)

func placeholder(i int, column string) string {
	if jsonColumns[column] {
		return fmt.Sprintf("$%d::jsonb", i)
	}
	return fmt.Sprintf("$%d", i)
}

func buildInsertTx() string {
	values := make([]string, len(txColumns))
	for i, column := range txColumns {
		values[i] = placeholder(i+1, column)
	}
	return fmt.Sprintf("INSERT INTO transactions (%s) VALUES (%s)", txColumnList, strings.Join(values, ", "))
}

// buildUpdateTx sets every column but id; the last placeholder is the
// expected version.
func buildUpdateTx() string {
	sets := make([]string, 0, len(txColumns)-1)
	for i, column := range txColumns[1:] {
		sets = append(sets, column+" = "+placeholder(i+2, column))
	}
	return fmt.Sprintf("UPDATE transactions SET %s WHERE id = $1 AND version = $%d", strings.Join(sets, ", "), len(txColumns)+1)
}

func txValues(tx domain.Transaction) ([]any, error) {
	items, err := encodeJSON(nonNil(tx.Items))
	if err != nil {
		return nil, err
	}
	payments, err := encodeJSON(nonNil(tx.Payments))
	if err != nil {
		return nil, err
	}
	refunds, err := encodeJSON(nonNil(tx.Refunds))
	if err != nil {
		return nil, err
	}
	debts, err := encodeJSON(nonNil(tx.DebtPayments))
	if err != nil {
		return nil, err
	}
	var spec any
	if tx.DiscountSpec != nil {
		encoded, err := encodeJSON(tx.DiscountSpec)
		if err != nil {
			return nil, err
		}
		spec = encoded
	}

	return []any{
		tx.ID, tx.StoreID, tx.Date, tx.CashierID, tx.CashierName,
		tx.Subtotal, tx.Discount, tx.Total, tx.AmountPaid, tx.Tendered, tx.Change,
		string(tx.PaymentMethod), string(tx.Status), tx.CustomerName, tx.CustomerPhone, nullTime(tx.DueDate), tx.Note,
		nullIfEmpty(tx.IdempotencyKey), items, payments, refunds, debts, spec,
		tx.Version, tx.UpdatedAt,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner, extra ...any) (domain.Transaction, error) {
	var tx domain.Transaction
	var paymentMethod, status string
	var dueDate sql.NullTime
	var items, payments, refunds, debts, spec []byte

	dest := []any{
		&tx.ID, &tx.StoreID, &tx.Date, &tx.CashierID, &tx.CashierName,
		&tx.Subtotal, &tx.Discount, &tx.Total, &tx.AmountPaid, &tx.Tendered, &tx.Change,
		&paymentMethod, &status, &tx.CustomerName, &tx.CustomerPhone, &dueDate, &tx.Note,
		&tx.IdempotencyKey, &items, &payments, &refunds, &debts, &spec,
		&tx.Version, &tx.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.Transaction{}, err
	}

	tx.PaymentMethod = domain.PaymentMethod(paymentMethod)
	tx.Status = domain.TransactionStatus(status)
	tx.Date = tx.Date.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	if dueDate.Valid {
		due := dueDate.Time.UTC()
		tx.DueDate = &due
	}
	for _, doc := range []struct {
		raw []byte
		dst any
	}{
		{items, &tx.Items},
		{payments, &tx.Payments},
		{refunds, &tx.Refunds},
		{debts, &tx.DebtPayments},
	} {
		if err := decodeJSON(doc.raw, doc.dst); err != nil {
			return domain.Transaction{}, err
		}
	}
	if len(spec) > 0 {
		var discount domain.DiscountSpec
		if err := json.Unmarshal(spec, &discount); err != nil {
			return domain.Transaction{}, err
		}
		tx.DiscountSpec = &discount
	}
	return tx, nil
}

func scanDeleted(row rowScanner) (domain.Transaction, error) {
	var deletedAt time.Time
	var deletedBy string
	tx, err := scanTransaction(row, &deletedAt, &deletedBy)
	if err != nil {
		return domain.Transaction{}, err
	}
	at := deletedAt.UTC()
	tx.IsDeleted = true
	tx.DeletedAt = &at
	tx.DeletedBy = deletedBy
	return tx, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findActive(ctx context.Context, q queryRower, column string, value string, forUpdate bool) (*domain.Transaction, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}
	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s = $1`, txSelectColumns, column)
	if forUpdate {
		query += ` FOR UPDATE`
	}

	tx, err := scanTransaction(q.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &tx, nil
}

func (s *Store) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return findActive(ctx, s.db, "id", id, false)
}

func (s *Store) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	return findActive(ctx, s.db, "idempotency_key", key, false)
}

func (s *Store) ListTransactions(ctx context.Context, scope domain.Scope, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txSelectColumns+`
		FROM transactions
		WHERE ($1 OR store_id = $2) AND ($3 = '' OR status = $3)
		ORDER BY date DESC, id DESC
		LIMIT $4
	`, scope.AllBranches, scope.StoreID, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Transaction, 0, 32)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateHeldTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.Status != domain.TxStatusHeld {
		return nil, store.ErrInvalidTransaction
	}
	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	if tx.Date.IsZero() {
		tx.Date = time.Now().UTC()
	}
	tx.Version = 1
	tx.UpdatedAt = time.Now().UTC()

	args, err := txValues(tx)
	if err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if deleted, err := existsIn(ctx, pgTx, "deleted_transactions", "id", tx.ID); err != nil {
		return nil, err
	} else if deleted {
		return nil, store.ErrConflict
	}
	if _, err := pgTx.ExecContext(ctx, insertTxSQL, args...); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, conflictOr(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, conflictOr(err)
	}
	return &tx, nil
}

func (s *Store) FinalizeTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, []string, error) {
	if tx.Status == domain.TxStatusHeld || tx.Status == "" || len(tx.Items) == 0 {
		return nil, nil, store.ErrInvalidTransaction
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if tx.IdempotencyKey != "" {
		for _, table := range []string{"transactions", "deleted_transactions"} {
			used, err := existsIn(ctx, pgTx, table, "idempotency_key", tx.IdempotencyKey)
			if err != nil {
				return nil, nil, err
			}
			if used {
				return nil, nil, store.ErrConflict
			}
		}
	}

	overwrite := false
	nextVersion := int64(1)
	if tx.ID == "" {
		tx.ID = xid.New("tx")
	} else {
		held, err := findActive(ctx, pgTx, "id", tx.ID, true)
		switch {
		case err == nil:
			if held.Status != domain.TxStatusHeld || held.Version != tx.Version {
				return nil, nil, store.ErrConflict
			}
			overwrite = true
			nextVersion = held.Version + 1
		case errors.Is(err, store.ErrNotFound):
			deleted, err := existsIn(ctx, pgTx, "deleted_transactions", "id", tx.ID)
			if err != nil {
				return nil, nil, err
			}
			if deleted {
				return nil, nil, store.ErrConflict
			}
		default:
			return nil, nil, err
		}
	}

	missing, err := reserveTx(ctx, pgTx, tx.StockLines())
	if err != nil {
		return nil, nil, conflictOr(err)
	}

	expected := tx.Version
	tx.Version = nextVersion
	tx.UpdatedAt = time.Now().UTC()
	if tx.Date.IsZero() {
		tx.Date = tx.UpdatedAt
	}
	args, err := txValues(tx)
	if err != nil {
		return nil, nil, err
	}

	if overwrite {
		_, err = pgTx.ExecContext(ctx, updateTxSQL, append(args, expected)...)
	} else {
		_, err = pgTx.ExecContext(ctx, insertTxSQL, args...)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, store.ErrConflict
		}
		return nil, nil, conflictOr(err)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, nil, conflictOr(err)
	}
	return &tx, missing, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	expected := tx.Version
	tx.Version = expected + 1
	tx.UpdatedAt = time.Now().UTC()

	args, err := txValues(tx)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, updateTxSQL, append(args, expected)...)
	if err != nil {
		return nil, conflictOr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := s.FindTransactionByID(ctx, tx.ID); err != nil {
			return nil, err
		}
		return nil, store.ErrConflict
	}
	return &tx, nil
}

func (s *Store) RecordRefund(ctx context.Context, tx domain.Transaction, release []domain.StockLine) (*domain.Transaction, []string, error) {
	var merged []domain.StockLine
	if len(release) > 0 {
		var err error
		if merged, err = store.MergeLines(release); err != nil {
			return nil, nil, err
		}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	current, err := findActive(ctx, pgTx, "id", tx.ID, true)
	if err != nil {
		return nil, nil, err
	}
	if current.Version != tx.Version {
		return nil, nil, store.ErrConflict
	}

	expected := tx.Version
	tx.Version = expected + 1
	tx.UpdatedAt = time.Now().UTC()
	args, err := txValues(tx)
	if err != nil {
		return nil, nil, err
	}
	if _, err := pgTx.ExecContext(ctx, updateTxSQL, append(args, expected)...); err != nil {
		return nil, nil, conflictOr(err)
	}

	missing, err := releaseTx(ctx, pgTx, merged)
	if err != nil {
		return nil, nil, conflictOr(err)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, nil, conflictOr(err)
	}
	return &tx, missing, nil
}

func (s *Store) SoftDeleteTransaction(ctx context.Context, id string, deletedBy string, at time.Time) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if _, err := findActive(ctx, pgTx, "id", id, true); err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO deleted_transactions (%s, deleted_at, deleted_by)
		SELECT %s, $2, $3 FROM transactions WHERE id = $1
	`, txColumnList, txColumnList), id, at.UTC(), deletedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, conflictOr(err)
	}
	if _, err := pgTx.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, id); err != nil {
		return nil, conflictOr(err)
	}

	moved, err := scanDeleted(pgTx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s, deleted_at, deleted_by FROM deleted_transactions WHERE id = $1
	`, txSelectColumns), id))
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, conflictOr(err)
	}
	return &moved, nil
}

func (s *Store) RestoreTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if _, err := findDeleted(ctx, pgTx, id, true); err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO transactions (%s)
		SELECT %s FROM deleted_transactions WHERE id = $1
	`, txColumnList, txColumnList), id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, conflictOr(err)
	}
	if _, err := pgTx.ExecContext(ctx, `DELETE FROM deleted_transactions WHERE id = $1`, id); err != nil {
		return nil, conflictOr(err)
	}

	restored, err := findActive(ctx, pgTx, "id", id, false)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, conflictOr(err)
	}
	return restored, nil
}

func (s *Store) PurgeTransaction(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deleted_transactions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func findDeleted(ctx context.Context, q queryRower, id string, forUpdate bool) (*domain.Transaction, error) {
	query := fmt.Sprintf(`SELECT %s, deleted_at, deleted_by FROM deleted_transactions WHERE id = $1`, txSelectColumns)
	if forUpdate {
		query += ` FOR UPDATE`
	}
	tx, err := scanDeleted(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &tx, nil
}

func (s *Store) FindDeletedTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return findDeleted(ctx, s.db, id, false)
}

func (s *Store) ListDeletedTransactions(ctx context.Context, scope domain.Scope, limit int) ([]domain.Transaction, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txSelectColumns+`, deleted_at, deleted_by
		FROM deleted_transactions
		WHERE $1 OR store_id = $2
		ORDER BY date DESC, id DESC
		LIMIT $3
	`, scope.AllBranches, scope.StoreID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Transaction, 0, 16)
	for rows.Next() {
		tx, err := scanDeleted(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateActivityLog(ctx context.Context, entry domain.ActivityLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("act")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (id, store_id, actor_id, actor_name, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.StoreID, entry.ActorID, entry.ActorName, entry.ActorRole, entry.Action,
		entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListActivityLogs(ctx context.Context, scope domain.Scope, limit int) ([]domain.ActivityLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, actor_id, actor_name, actor_role, action, entity_type, entity_id, detail, created_at
		FROM activity_logs
		WHERE $1 OR store_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, scope.AllBranches, scope.StoreID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.ActivityLog, 0, limit)
	for rows.Next() {
		var entry domain.ActivityLog
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.ActorID, &entry.ActorName, &entry.ActorRole,
			&entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, name, password, role, store_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
	`, user.Username, user.Name, user.Password, user.Role, user.StoreID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, name, password, role, store_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Name, &user.Password, &user.Role, &user.StoreID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE app_users SET password = $2, updated_at = now() WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func existsIn(ctx context.Context, pgTx *sql.Tx, table string, column string, value string) (bool, error) {
	var found bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)`, table, column)
	if err := pgTx.QueryRowContext(ctx, query, value).Scan(&found); err != nil {
		return false, err
	}
	return found, nil
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// conflictOr maps serialization failures and deadlocks to store.ErrConflict
// so the service layer can retry them like any other lost update.
func conflictOr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
