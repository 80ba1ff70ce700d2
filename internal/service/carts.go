package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"heladeria/backend/internal/apperr"
	"heladeria/backend/internal/cart"
	"heladeria/backend/internal/domain"
	"heladeria/backend/internal/ledger"
	"heladeria/backend/internal/recommendation"
	"heladeria/backend/internal/rounding"
	"heladeria/backend/internal/xid"
)

var (
	lowFlavorThreshold    = decimal.RequireFromString("0.25")
	lowPackagingThreshold = decimal.NewFromInt(2)
)

// NewCartID issues an opaque id for a fresh server side cart.
func NewCartID() string {
	return xid.New("cart")
}

func (s *Service) GetCart(ctx context.Context, cartID string) (domain.CartView, error) {
	if err := validCartID(cartID); err != nil {
		return domain.CartView{}, err
	}
	lines, err := s.carts.Get(ctx, cartID)
	if err != nil {
		return domain.CartView{}, apperr.Wrap(apperr.CodeInternal, err, "cart unavailable")
	}
	return cartView(cartID, lines), nil
}

func (s *Service) AddToCart(ctx context.Context, cartID string, req domain.AddToCartRequest) (domain.CartView, error) {
	if err := validCartID(cartID); err != nil {
		return domain.CartView{}, err
	}

	ids := append([]int64{req.ProductID}, req.Flavors...)
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.CartView{}, mapStoreError(err, "Producto no encontrado")
	}
	product, ok := products[req.ProductID]
	if !ok || !product.Active {
		return domain.CartView{}, apperr.New(apperr.CodeNotFound, "Producto no encontrado")
	}
	if err := cart.ValidateFlavorSelection(product, len(req.Flavors)); err != nil {
		return domain.CartView{}, apperr.Wrap(apperr.CodeValidation, err, err.Error())
	}

	flavors := make([]domain.FlavorRef, 0, len(req.Flavors))
	for _, id := range req.Flavors {
		flavor, ok := products[id]
		if !ok || !flavor.Active || flavor.Category != domain.FlavorCategory {
			return domain.CartView{}, apperr.New(apperr.CodeValidation, fmt.Sprintf("Sabor %d no disponible", id))
		}
		flavors = append(flavors, domain.FlavorRef{ID: flavor.ID, Name: flavor.Name})
	}

	qty := req.Quantity
	if qty < 1 {
		qty = 1
	}

	lines, err := s.carts.Get(ctx, cartID)
	if err != nil {
		return domain.CartView{}, apperr.Wrap(apperr.CodeInternal, err, "cart unavailable")
	}
	line := domain.CartLine{
		ID:        xid.New("line"),
		ProductID: product.ID,
		Name:      product.Name,
		Price:     product.Price,
		Quantity:  qty,
	}
	if len(flavors) > 0 {
		line.Flavors = flavors
	}
	lines = append(lines, line)
	return s.saveCart(ctx, cartID, lines)
}

func (s *Service) RemoveFromCart(ctx context.Context, cartID string, index int) (domain.CartView, error) {
	if err := validCartID(cartID); err != nil {
		return domain.CartView{}, err
	}
	lines, err := s.carts.Get(ctx, cartID)
	if err != nil {
		return domain.CartView{}, apperr.Wrap(apperr.CodeInternal, err, "cart unavailable")
	}
	if index < 0 || index >= len(lines) {
		return domain.CartView{}, apperr.New(apperr.CodeNotFound, "Ítem inválido")
	}
	lines = append(lines[:index], lines[index+1:]...)
	return s.saveCart(ctx, cartID, lines)
}

// ReplaceFlavor swaps the first occurrence of one flavor in a cart item,
// typically with one of the suggested alternatives.
func (s *Service) ReplaceFlavor(ctx context.Context, cartID string, req domain.ReplaceFlavorRequest) (domain.CartView, error) {
	if err := validCartID(cartID); err != nil {
		return domain.CartView{}, err
	}
	lines, err := s.carts.Get(ctx, cartID)
	if err != nil {
		return domain.CartView{}, apperr.Wrap(apperr.CodeInternal, err, "cart unavailable")
	}
	if req.ItemIndex < 0 || req.ItemIndex >= len(lines) {
		return domain.CartView{}, apperr.New(apperr.CodeValidation, "Ítem inválido")
	}
	line := &lines[req.ItemIndex]
	if len(line.Flavors) == 0 {
		return domain.CartView{}, apperr.New(apperr.CodeValidation, "El ítem no tiene sabores")
	}

	products, err := s.repo.GetProductsByIDs(ctx, []int64{req.NewFlavorID})
	if err != nil {
		return domain.CartView{}, mapStoreError(err, "Sabor nuevo no encontrado")
	}
	flavor, ok := products[req.NewFlavorID]
	if !ok || !flavor.Active || flavor.Category != domain.FlavorCategory {
		return domain.CartView{}, apperr.New(apperr.CodeNotFound, "Sabor nuevo no encontrado")
	}

	replaced := false
	for i := range line.Flavors {
		if line.Flavors[i].ID == req.OldFlavorID {
			line.Flavors[i] = domain.FlavorRef{ID: flavor.ID, Name: flavor.Name}
			replaced = true
			break
		}
	}
	if !replaced {
		return domain.CartView{}, apperr.New(apperr.CodeValidation, "Sabor a reemplazar no presente")
	}
	return s.saveCart(ctx, cartID, lines)
}

func (s *Service) ClearCart(ctx context.Context, cartID string) error {
	if err := validCartID(cartID); err != nil {
		return err
	}
	if err := s.carts.Clear(ctx, cartID); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "cart unavailable")
	}
	return nil
}

// PreviewStockForCart runs PreviewStock over a stored cart.
func (s *Service) PreviewStockForCart(ctx context.Context, storeID int64, cartID string) (domain.StockCheckResponse, error) {
	if err := validCartID(cartID); err != nil {
		return domain.StockCheckResponse{}, err
	}
	lines, err := s.carts.Get(ctx, cartID)
	if err != nil {
		return domain.StockCheckResponse{}, apperr.Wrap(apperr.CodeInternal, err, "cart unavailable")
	}
	return s.PreviewStock(ctx, storeID, lines)
}

// PreviewStock reports, without locking or writing anything, whether the
// store can currently cover the cart. Products that vanished from the
// catalog are ignored here; checkout rejects them.
func (s *Service) PreviewStock(ctx context.Context, storeID int64, lines []domain.CartLine) (domain.StockCheckResponse, error) {
	resp := domain.StockCheckResponse{Status: "success", Warnings: []string{}, Suggestions: []domain.FlavorSuggestion{}}
	if storeID < 1 {
		return resp, apperr.New(apperr.CodeValidation, "store_id es obligatorio")
	}
	if len(lines) == 0 {
		return resp, nil
	}

	products, err := s.repo.GetProductsByIDs(ctx, referencedProductIDs(lines))
	if err != nil {
		return resp, mapStoreError(err, "Producto no encontrado")
	}
	resolved, err := cart.Resolve(domain.CartItems(lines), products, cart.ModePreview)
	if err != nil {
		if errors.Is(err, cart.ErrSplitTooFine) {
			return resp, apperr.Wrap(apperr.CodeValidation, err, "Demasiados sabores para el formato")
		}
		return resp, apperr.Wrap(apperr.CodeInternal, err, "stock preview failed")
	}
	if resolved.Empty() {
		return resp, nil
	}

	flavorStock, err := s.repo.GetStockMap(ctx, storeID, resolved.Flavors.ProductIDs())
	if err != nil {
		return resp, mapStoreError(err, "stock unavailable")
	}

	var missing []recommendation.Missing
	for _, id := range resolved.Flavors.ProductIDs() {
		need := resolved.Flavors[id]
		have := rounding.Quantity(flavorStock[id])
		name := flavorDisplayName(id, products, lines)
		if have.LessThan(need) {
			resp.Blocking = true
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("Sin stock suficiente de %s. Disponible: %s kg, requiere: %s kg",
				name, have.StringFixed(2), need.StringFixed(2)))
			missing = append(missing, recommendation.Missing{FlavorID: id, FlavorName: name, ItemIndices: resolved.FlavorItems[id]})
			continue
		}
		if remaining := rounding.Sub(have, need); remaining.LessThanOrEqual(lowFlavorThreshold) {
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("Stock bajo para %s (quedará ~%s kg)", name, remaining.StringFixed(2)))
		}
	}

	packagingWarnings, packagingBlocking, err := s.previewPackaging(ctx, storeID, resolved.Packaging)
	if err != nil {
		return resp, err
	}
	resp.Warnings = append(resp.Warnings, packagingWarnings...)
	resp.Blocking = resp.Blocking || packagingBlocking

	if resp.Blocking && len(missing) > 0 {
		suggestions, err := s.alternatives.Suggest(ctx, storeID, missing)
		if err != nil {
			s.log.Warn(ctx, "flavor alternatives unavailable", err)
		} else {
			resp.Suggestions = suggestions
		}
	}
	return resp, nil
}

// previewPackaging skips packaging products missing from the catalog.
func (s *Service) previewPackaging(ctx context.Context, storeID int64, packaging map[string]int) ([]string, bool, error) {
	if len(packaging) == 0 {
		return nil, false, nil
	}
	names := make([]string, 0, len(packaging))
	for name := range packaging {
		names = append(names, name)
	}
	sort.Strings(names)

	products, err := s.repo.FindProductsByNames(ctx, names)
	if err != nil {
		return nil, false, mapStoreError(err, "Producto no encontrado")
	}
	required := ledger.Requirements{}
	for _, name := range names {
		if p, ok := products[name]; ok {
			required[p.ID] = decimal.NewFromInt(int64(packaging[name]))
		}
	}
	if len(required) == 0 {
		return nil, false, nil
	}
	stock, err := s.repo.GetStockMap(ctx, storeID, required.ProductIDs())
	if err != nil {
		return nil, false, mapStoreError(err, "stock unavailable")
	}

	var warnings []string
	blocking := false
	for _, name := range names {
		p, ok := products[name]
		if !ok {
			continue
		}
		need := packaging[name]
		have := stock[p.ID].Floor()
		if have.LessThan(decimal.NewFromInt(int64(need))) {
			blocking = true
			warnings = append(warnings, fmt.Sprintf("Sin stock suficiente de %s. Disponible: %s u, requiere: %d u", name, have.String(), need))
			continue
		}
		if remaining := have.Sub(decimal.NewFromInt(int64(need))); remaining.LessThanOrEqual(lowPackagingThreshold) {
			warnings = append(warnings, fmt.Sprintf("Stock bajo de %s (quedarán ~%s u)", name, remaining.String()))
		}
	}
	return warnings, blocking, nil
}

func (s *Service) saveCart(ctx context.Context, cartID string, lines []domain.CartLine) (domain.CartView, error) {
	if err := s.carts.Save(ctx, cartID, lines); err != nil {
		return domain.CartView{}, apperr.Wrap(apperr.CodeInternal, err, "cart unavailable")
	}
	return cartView(cartID, lines), nil
}

func cartView(cartID string, lines []domain.CartLine) domain.CartView {
	if lines == nil {
		lines = []domain.CartLine{}
	}
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(rounding.Bank(line.Price.Mul(decimal.NewFromInt(int64(line.Item().Header().Quantity())))))
	}
	return domain.CartView{CartID: cartID, Items: lines, Total: total}
}

// validCartID accepts the ids NewCartID issues and bare uuids from clients
// that mint their own.
func validCartID(cartID string) error {
	if !xid.Valid(strings.TrimSpace(cartID)) {
		return apperr.New(apperr.CodeValidation, "cart id inválido")
	}
	return nil
}

func flavorDisplayName(id int64, products map[int64]domain.Product, lines []domain.CartLine) string {
	if p, ok := products[id]; ok && p.Name != "" {
		return p.Name
	}
	for _, line := range lines {
		for _, f := range line.Flavors {
			if f.ID == id && f.Name != "" {
				return f.Name
			}
		}
	}
	return fmt.Sprintf("sabor %d", id)
}
