package service

import (
	"context"
	"fmt"
	"strings"

	"branchpos/backend/internal/domain"
	"branchpos/backend/internal/store"
)

func (s *Service) ListProducts(ctx context.Context, scope domain.Scope) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, scope)
}

// LowStock lists in-scope products at or below their alert threshold.
func (s *Service) LowStock(ctx context.Context, scope domain.Scope) ([]domain.Product, error) {
	products, err := s.repo.ListProducts(ctx, scope)
	if err != nil {
		return nil, err
	}
	low := make([]domain.Product, 0, len(products))
	for _, p := range products {
		if p.Stock <= p.MinStockAlert {
			low = append(low, p)
		}
	}
	return low, nil
}

// CreateProduct adds a branch product, or a central one when a super admin
// leaves the store id empty.
func (s *Service) CreateProduct(ctx context.Context, actor domain.Actor, scope domain.Scope, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(actor); err != nil {
		return domain.Product{}, err
	}
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if err := s.validateRequest(req); err != nil {
		return domain.Product{}, err
	}
	if req.CostPrice.IsNegative() || req.SellingPrice.IsNegative() {
		return domain.Product{}, fmt.Errorf("%w: negative price", store.ErrInvalidTransaction)
	}

	storeID := req.StoreID
	if actor.Role != domain.RoleSuperAdmin {
		storeID = actor.StoreID
	}
	if storeID != "" && !scope.Allows(storeID) {
		return domain.Product{}, fmt.Errorf("%w: store %s outside caller scope", store.ErrInvalidTransaction, storeID)
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		SKU:           req.SKU,
		Name:          req.Name,
		Category:      req.Category,
		CostPrice:     req.CostPrice,
		SellingPrice:  req.SellingPrice,
		Stock:         req.Stock,
		MinStockAlert: req.MinStockAlert,
		StoreID:       storeID,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, actor, storeID, "product_create", "product", created.ID,
		fmt.Sprintf("sku=%s,price=%s,stock=%d", created.SKU, created.SellingPrice.StringFixed(2), created.Stock))
	return *created, nil
}

// UpdateProduct applies a manual admin edit. A non-zero Version must match
// the stored one; stock may be set to any value >= 0.
func (s *Service) UpdateProduct(ctx context.Context, actor domain.Actor, scope domain.Scope, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireAdmin(actor); err != nil {
		return domain.Product{}, err
	}
	if err := s.validateRequest(req); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	if !scope.AllowsProduct(*existing) {
		return domain.Product{}, store.ErrNotFound
	}
	if existing.StoreID == "" && actor.Role != domain.RoleSuperAdmin {
		return domain.Product{}, fmt.Errorf("%w: central inventory is managed by head office", ErrForbidden)
	}
	if req.Version != 0 && req.Version != existing.Version {
		return domain.Product{}, store.ErrConflict
	}

	updated := *existing
	changes := make([]string, 0, 6)
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, fmt.Errorf("%w: empty name", store.ErrInvalidTransaction)
		}
		updated.Name = name
		changes = append(changes, "name")
	}
	if req.Category != nil {
		updated.Category = strings.TrimSpace(*req.Category)
		changes = append(changes, "category")
	}
	if req.CostPrice != nil {
		if req.CostPrice.IsNegative() {
			return domain.Product{}, fmt.Errorf("%w: negative price", store.ErrInvalidTransaction)
		}
		updated.CostPrice = *req.CostPrice
		changes = append(changes, "cost_price")
	}
	if req.SellingPrice != nil {
		if req.SellingPrice.IsNegative() {
			return domain.Product{}, fmt.Errorf("%w: negative price", store.ErrInvalidTransaction)
		}
		updated.SellingPrice = *req.SellingPrice
		changes = append(changes, "selling_price")
	}
	if req.Stock != nil {
		updated.Stock = *req.Stock
		changes = append(changes, fmt.Sprintf("stock:%d->%d", existing.Stock, *req.Stock))
	}
	if req.MinStockAlert != nil {
		updated.MinStockAlert = *req.MinStockAlert
		changes = append(changes, "min_stock_alert")
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, actor, saved.StoreID, "product_update", "product", saved.ID, strings.Join(changes, ","))
	return *saved, nil
}
