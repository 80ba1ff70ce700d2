package cart

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"heladeria/backend/internal/domain"
	"heladeria/backend/internal/ledger"
	"heladeria/backend/internal/rounding"
)

type Mode int

const (
	// ModePreview skips cart items whose product no longer exists.
	ModePreview Mode = iota
	// ModeCheckout fails on the first missing product.
	ModeCheckout
)

var formatWeights = map[string]decimal.Decimal{
	"1/4 KG": decimal.RequireFromString("0.25"),
	"1/2 KG": decimal.RequireFromString("0.5"),
	"1 KG":   decimal.RequireFromString("1.0"),
}

// FormatWeight returns the pote weight in kilograms for a sales format.
func FormatWeight(format string) (decimal.Decimal, bool) {
	w, ok := formatWeights[format]
	return w, ok
}

// PackagingName returns the packaging product consumed by one pote of the format.
func PackagingName(format string) (string, bool) {
	if _, ok := formatWeights[format]; !ok {
		return "", false
	}
	return "Envase " + format, true
}

// ErrSplitTooFine means some flavor share of a pote would not be positive.
var ErrSplitTooFine = errors.New("weight too small to split across flavors")

type ProductNotFoundError struct {
	ProductID int64
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %d not found", e.ProductID)
}

// Requirements is what a cart needs from the stock ledger.
type Requirements struct {
	Flavors   ledger.Requirements
	Packaging map[string]int
	// FlavorItems lists, per flavor, the cart indices that use it.
	FlavorItems map[int64][]int
}

func (r Requirements) Empty() bool {
	return len(r.Flavors) == 0 && len(r.Packaging) == 0
}

// Resolve expands cart items into flavor kilograms and packaging units.
func Resolve(items []domain.CartItem, products map[int64]domain.Product, mode Mode) (Requirements, error) {
	req := Requirements{
		Flavors:     ledger.Requirements{},
		Packaging:   map[string]int{},
		FlavorItems: map[int64][]int{},
	}

	for idx, item := range items {
		header := item.Header()
		product, ok := products[header.ProductID]
		if !ok {
			if mode == ModeCheckout {
				return Requirements{}, &ProductNotFoundError{ProductID: header.ProductID}
			}
			continue
		}

		switch it := item.(type) {
		case domain.PlainItem:
			continue
		case domain.FlavoredItem:
			weight, ok := FormatWeight(product.SalesFormat)
			if !ok || len(it.Flavors) == 0 {
				continue
			}
			qty := header.Quantity()
			total := rounding.Quantity(weight.Mul(decimal.NewFromInt(int64(qty))))
			shares := SplitWeight(total, len(it.Flavors))
			if !allPositive(shares) {
				return Requirements{}, fmt.Errorf("%s x%d with %d flavors: %w", product.Name, qty, len(it.Flavors), ErrSplitTooFine)
			}
			for i, flavor := range it.Flavors {
				req.Flavors[flavor.ID] = rounding.Add(req.Flavors[flavor.ID], shares[i])
				refs := req.FlavorItems[flavor.ID]
				if len(refs) == 0 || refs[len(refs)-1] != idx {
					req.FlavorItems[flavor.ID] = append(refs, idx)
				}
			}
			if name, ok := PackagingName(product.SalesFormat); ok {
				req.Packaging[name] += qty
			}
		}
	}

	return req, nil
}

// SplitWeight divides total across k flavors at 2 decimals. The rounding
// remainder, positive or negative, goes entirely to the first share.
func SplitWeight(total decimal.Decimal, k int) []decimal.Decimal {
	if k < 1 {
		k = 1
	}
	n := decimal.NewFromInt(int64(k))
	per := rounding.Quantity(total.Div(n))
	remainder := rounding.Sub(total, per.Mul(n))

	shares := make([]decimal.Decimal, k)
	for i := range shares {
		shares[i] = per
	}
	shares[0] = rounding.Add(per, remainder)
	return shares
}

func allPositive(shares []decimal.Decimal) bool {
	for _, share := range shares {
		if !share.IsPositive() {
			return false
		}
	}
	return true
}

// ValidateFlavorSelection enforces the per-product flavor limit.
func ValidateFlavorSelection(product domain.Product, count int) error {
	if count == 0 {
		return nil
	}
	if product.MaxFlavors < 1 {
		return fmt.Errorf("%s does not support flavor selection", product.Name)
	}
	if count > product.MaxFlavors {
		return fmt.Errorf("maximum %d flavors allowed", product.MaxFlavors)
	}
	return nil
}
