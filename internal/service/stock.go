package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"heladeria/backend/internal/apperr"
	"heladeria/backend/internal/domain"
	"heladeria/backend/internal/ledger"
	"heladeria/backend/internal/rounding"
)

func (s *Service) GetStock(ctx context.Context, storeID int64, productID int64) (decimal.Decimal, error) {
	if _, err := requireStaff(ctx, storeID); err != nil {
		return decimal.Zero, err
	}
	qty, err := s.repo.GetStock(ctx, storeID, productID)
	if err != nil {
		return decimal.Zero, mapStoreError(err, "stock not found")
	}
	return qty, nil
}

func (s *Service) ListStock(ctx context.Context, storeID int64) ([]domain.StockEntry, error) {
	if _, err := requireStaff(ctx, storeID); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListStock(ctx, storeID)
	if err != nil {
		return nil, mapStoreError(err, "store not found")
	}
	return entries, nil
}

// LowStock lists entries at or below their minimum quantity.
func (s *Service) LowStock(ctx context.Context, storeID int64) ([]domain.StockEntry, error) {
	entries, err := s.ListStock(ctx, storeID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.StockEntry, 0)
	for _, e := range entries {
		if e.Quantity.LessThanOrEqual(e.MinimumQuantity) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Service) SetStock(ctx context.Context, storeID int64, productID int64, req domain.StockSetRequest) (domain.StockEntry, error) {
	actor, err := requireManager(ctx, storeID)
	if err != nil {
		return domain.StockEntry{}, err
	}
	if req.Quantity.IsNegative() || req.MinimumQuantity.IsNegative() {
		return domain.StockEntry{}, apperr.New(apperr.CodeValidation, "quantity must not be negative")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = fmt.Sprintf("Ajuste manual (%s)", actor.Username)
	}

	entry, err := s.repo.SetStock(ctx, domain.StockEntry{
		StoreID:         storeID,
		ProductID:       productID,
		Quantity:        rounding.Quantity(req.Quantity),
		MinimumQuantity: rounding.Quantity(req.MinimumQuantity),
	}, reason)
	if err != nil {
		return domain.StockEntry{}, mapStoreError(err, "product not found")
	}
	s.alternatives.Invalidate(ctx, storeID)
	return *entry, nil
}

// AdjustStock applies a signed restock or correction. The result may not
// drop below zero.
func (s *Service) AdjustStock(ctx context.Context, storeID int64, productID int64, req domain.StockAdjustRequest) (domain.StockEntry, error) {
	if _, err := requireManager(ctx, storeID); err != nil {
		return domain.StockEntry{}, err
	}
	if req.Delta.IsZero() {
		return domain.StockEntry{}, apperr.New(apperr.CodeValidation, "delta must not be zero")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.StockEntry{}, apperr.New(apperr.CodeValidation, "reason is required")
	}

	entry, err := s.repo.AdjustStock(ctx, storeID, productID, rounding.Quantity(req.Delta), reason)
	if err != nil {
		return domain.StockEntry{}, mapStoreError(err, "product not found")
	}
	s.alternatives.Invalidate(ctx, storeID)
	return *entry, nil
}

// Deduct consumes stock outside a checkout, e.g. waste or tastings. Every
// line is validated before any is applied.
func (s *Service) Deduct(ctx context.Context, storeID int64, req domain.StockDeductRequest) error {
	if _, err := requireManager(ctx, storeID); err != nil {
		return err
	}
	required := ledger.Requirements{}
	for _, line := range req.Items {
		required[line.ProductID] = rounding.Add(required[line.ProductID], line.Amount)
	}
	if !ledger.Validate(required) {
		return apperr.New(apperr.CodeValidation, "every line needs a product and a positive amount")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return apperr.New(apperr.CodeValidation, "reason is required")
	}

	if err := s.repo.ReserveAndDeduct(ctx, storeID, required, reason); err != nil {
		return mapStoreError(err, "product not found")
	}
	s.alternatives.Invalidate(ctx, storeID)
	return nil
}

func (s *Service) StockHistory(ctx context.Context, storeID int64, productID int64, limit int) ([]domain.StockHistoryEntry, error) {
	if _, err := requireManager(ctx, storeID); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListStockHistory(ctx, storeID, productID, limit)
	if err != nil {
		return nil, mapStoreError(err, "history not found")
	}
	return entries, nil
}
