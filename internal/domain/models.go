package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Epsilon is the currency tolerance used when comparing paid amounts
// against totals.
var Epsilon = decimal.New(1, -2)

const (
	RoleCashier     = "cashier"
	RoleBranchAdmin = "branch_admin"
	RoleSuperAdmin  = "super_admin"
)

type Actor struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	StoreID string `json:"store_id,omitempty"`
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleBranchAdmin || a.Role == RoleSuperAdmin
}

// Scope limits which branches an operation may read or mutate.
type Scope struct {
	StoreID     string
	AllBranches bool
}

func BranchScope(storeID string) Scope {
	return Scope{StoreID: storeID}
}

func AllBranchesScope() Scope {
	return Scope{AllBranches: true}
}

// ScopeFor derives the default scope of an actor: super admins see every
// branch, everyone else only their own.
func ScopeFor(actor Actor) Scope {
	if actor.Role == RoleSuperAdmin {
		return AllBranchesScope()
	}
	return BranchScope(actor.StoreID)
}

func (s Scope) Allows(storeID string) bool {
	return s.AllBranches || s.StoreID == storeID
}

// AllowsProduct also admits central inventory, which has no store id.
func (s Scope) AllowsProduct(p Product) bool {
	return p.StoreID == "" || s.Allows(p.StoreID)
}

type Product struct {
	ID            string          `json:"id"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Category      string          `json:"category"`
	CostPrice     decimal.Decimal `json:"cost_price"`
	SellingPrice  decimal.Decimal `json:"selling_price"`
	Stock         int             `json:"stock"`
	MinStockAlert int             `json:"min_stock_alert"`
	StoreID       string          `json:"store_id,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int64           `json:"version"`
}

type ProductCreateRequest struct {
	StoreID       string          `json:"store_id"`
	SKU           string          `json:"sku" validate:"required,max=64"`
	Name          string          `json:"name" validate:"required,max=200"`
	Category      string          `json:"category" validate:"required,max=100"`
	CostPrice     decimal.Decimal `json:"cost_price"`
	SellingPrice  decimal.Decimal `json:"selling_price"`
	Stock         int             `json:"stock" validate:"gte=0"`
	MinStockAlert int             `json:"min_stock_alert" validate:"gte=0"`
}

type ProductUpdateRequest struct {
	Version       int64            `json:"version"`
	Name          *string          `json:"name,omitempty"`
	Category      *string          `json:"category,omitempty"`
	CostPrice     *decimal.Decimal `json:"cost_price,omitempty"`
	SellingPrice  *decimal.Decimal `json:"selling_price,omitempty"`
	Stock         *int             `json:"stock,omitempty" validate:"omitempty,gte=0"`
	MinStockAlert *int             `json:"min_stock_alert,omitempty" validate:"omitempty,gte=0"`
}

// CartItem is a product snapshot taken when the item was added to the cart.
type CartItem struct {
	ID           string          `json:"id" validate:"required"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	Quantity     int             `json:"quantity" validate:"gte=1"`
}

func (c CartItem) LineTotal() decimal.Decimal {
	return c.SellingPrice.Mul(decimal.NewFromInt(int64(c.Quantity)))
}

type StockLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "CASH"
	PaymentPOS      PaymentMethod = "POS"
	PaymentTransfer PaymentMethod = "TRANSFER"
	PaymentWallet   PaymentMethod = "WALLET"
	PaymentCredit   PaymentMethod = "CREDIT"
	PaymentDeposit  PaymentMethod = "DEPOSIT"
	PaymentSplit    PaymentMethod = "SPLIT"
)

type PaymentPart struct {
	Method PaymentMethod   `json:"method" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
}

type PaymentSpec struct {
	Method  PaymentMethod   `json:"method"`
	Amount  decimal.Decimal `json:"amount"`
	IsSplit bool            `json:"is_split"`
	Parts   []PaymentPart   `json:"parts,omitempty" validate:"dive"`
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "PERCENTAGE"
	DiscountFixed      DiscountType = "FIXED"
)

type DiscountSpec struct {
	Type  DiscountType    `json:"type,omitempty"`
	Value decimal.Decimal `json:"value"`
}

func (d DiscountSpec) IsZero() bool {
	return d.Type == "" || d.Value.IsZero()
}

type Customer struct {
	Name  string `json:"name,omitempty" validate:"max=200"`
	Phone string `json:"phone,omitempty" validate:"max=40"`
}

type TransactionStatus string

const (
	TxStatusHeld      TransactionStatus = "HELD"
	TxStatusCompleted TransactionStatus = "COMPLETED"
	TxStatusPartial   TransactionStatus = "PARTIAL"
	TxStatusRefunded  TransactionStatus = "REFUNDED"
)

type RefundItem struct {
	ItemID   string `json:"item_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"gte=1"`
}

type RefundLog struct {
	ID          string          `json:"id"`
	Date        time.Time       `json:"date"`
	Reason      string          `json:"reason"`
	Condition   string          `json:"condition,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Items       []RefundItem    `json:"items"`
	ProcessedBy string          `json:"processed_by"`
	Restocked   bool            `json:"restocked"`
}

type DebtPayment struct {
	ID             string          `json:"id"`
	Date           time.Time       `json:"date"`
	Amount         decimal.Decimal `json:"amount"`
	Method         PaymentMethod   `json:"method"`
	ReceivedBy     string          `json:"received_by"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type Transaction struct {
	ID             string            `json:"id"`
	Date           time.Time         `json:"date"`
	CashierID      string            `json:"cashier_id"`
	CashierName    string            `json:"cashier_name"`
	StoreID        string            `json:"store_id,omitempty"`
	Items          []CartItem        `json:"items"`
	Subtotal       decimal.Decimal   `json:"subtotal"`
	Discount       decimal.Decimal   `json:"discount"`
	DiscountSpec   *DiscountSpec     `json:"discount_spec,omitempty"`
	Total          decimal.Decimal   `json:"total"`
	AmountPaid     decimal.Decimal   `json:"amount_paid"`
	Tendered       decimal.Decimal   `json:"tendered"`
	Change         decimal.Decimal   `json:"change"`
	PaymentMethod  PaymentMethod     `json:"payment_method"`
	Payments       []PaymentPart     `json:"payments"`
	Status         TransactionStatus `json:"status"`
	CustomerName   string            `json:"customer_name,omitempty"`
	CustomerPhone  string            `json:"customer_phone,omitempty"`
	DueDate        *time.Time        `json:"due_date,omitempty"`
	Note           string            `json:"note,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Refunds        []RefundLog       `json:"refunds,omitempty"`
	DebtPayments   []DebtPayment     `json:"debt_payments,omitempty"`
	IsDeleted      bool              `json:"is_deleted,omitempty"`
	DeletedAt      *time.Time        `json:"deleted_at,omitempty"`
	DeletedBy      string            `json:"deleted_by,omitempty"`
	Version        int64             `json:"version"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Outstanding is the unpaid part of the total, never negative.
func (t Transaction) Outstanding() decimal.Decimal {
	rest := t.Total.Sub(t.AmountPaid)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

func (t Transaction) TotalQuantity() int {
	qty := 0
	for _, item := range t.Items {
		qty += item.Quantity
	}
	return qty
}

func (t Transaction) StockLines() []StockLine {
	lines := make([]StockLine, 0, len(t.Items))
	for _, item := range t.Items {
		lines = append(lines, StockLine{ProductID: item.ID, Quantity: item.Quantity})
	}
	return lines
}

// RefundedQuantities sums returned quantities per item id over every
// refund recorded on the transaction.
func (t Transaction) RefundedQuantities() map[string]int {
	out := make(map[string]int, len(t.Items))
	for _, refund := range t.Refunds {
		for _, item := range refund.Items {
			out[item.ItemID] += item.Quantity
		}
	}
	return out
}

func (t Transaction) HasDebtPaymentKey(key string) bool {
	if key == "" {
		return false
	}
	for _, p := range t.DebtPayments {
		if p.IdempotencyKey == key {
			return true
		}
	}
	return false
}

type FinalizeRequest struct {
	StoreID        string       `json:"store_id,omitempty"`
	HeldID         string       `json:"held_id,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty" validate:"max=128"`
	Cart           []CartItem   `json:"cart" validate:"dive"`
	Discount       DiscountSpec `json:"discount"`
	Payment        PaymentSpec  `json:"payment"`
	Customer       Customer     `json:"customer"`
	DueDate        *time.Time   `json:"due_date,omitempty"`
	Note           string       `json:"note,omitempty" validate:"max=500"`
}

type HoldRequest struct {
	StoreID  string       `json:"store_id,omitempty"`
	Cart     []CartItem   `json:"cart" validate:"dive"`
	Discount DiscountSpec `json:"discount"`
	Customer Customer     `json:"customer"`
	DueDate  *time.Time   `json:"due_date,omitempty"`
	Note     string       `json:"note,omitempty" validate:"max=500"`
}

type RecalledState struct {
	HeldID   string       `json:"held_id"`
	StoreID  string       `json:"store_id,omitempty"`
	Cart     []CartItem   `json:"cart"`
	Discount DiscountSpec `json:"discount"`
	Customer Customer     `json:"customer"`
	DueDate  *time.Time   `json:"due_date,omitempty"`
	Note     string       `json:"note,omitempty"`
	HeldAt   time.Time    `json:"held_at"`
}

type RefundRequest struct {
	TransactionID string       `json:"transaction_id" validate:"required"`
	Items         []RefundItem `json:"items" validate:"required,min=1,dive"`
	Reason        string       `json:"reason" validate:"max=500"`
	Condition     string       `json:"condition" validate:"max=50"`
}

type RefundResult struct {
	Refund      RefundLog   `json:"refund"`
	Transaction Transaction `json:"transaction"`
}

type DebtPaymentRequest struct {
	TransactionID  string          `json:"transaction_id" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Method         PaymentMethod   `json:"method,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"max=128"`
}

type TransactionFilter struct {
	Status TransactionStatus
	Limit  int
}

type DebtFilter struct {
	OverdueOnly bool
	AsOf        time.Time
}

type ActivityLog struct {
	ID         string    `json:"id"`
	StoreID    string    `json:"store_id"`
	ActorID    string    `json:"actor_id"`
	ActorName  string    `json:"actor_name"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	StoreID     string `json:"store_id,omitempty"`
	ExpiresAt   string `json:"expires_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Name      string
	Password  string
	Role      string
	StoreID   string
	Active    bool
	CreatedAt time.Time
}

type UserCreateRequest struct {
	Username string `json:"username" validate:"required,min=4,max=64"`
	Name     string `json:"name" validate:"max=200"`
	Password string `json:"password" validate:"required,min=6,max=128"`
	Role     string `json:"role" validate:"omitempty,oneof=cashier branch_admin"`
	StoreID  string `json:"store_id,omitempty"`
}

type UserView struct {
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	StoreID   string    `json:"store_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
