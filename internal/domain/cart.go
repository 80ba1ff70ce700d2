package domain

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

type FlavorRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ItemHeader is the part every cart item shares.
type ItemHeader struct {
	LineID    string
	ProductID int64
	Qty       int
	UnitPrice decimal.Decimal
}

func (h ItemHeader) Header() ItemHeader { return h }

// Quantity treats a missing or non-positive quantity as one unit.
func (h ItemHeader) Quantity() int {
	if h.Qty < 1 {
		return 1
	}
	return h.Qty
}

// CartItem is either a PlainItem or a FlavoredItem.
type CartItem interface {
	Header() ItemHeader
	isCartItem()
}

type PlainItem struct {
	ItemHeader
}

type FlavoredItem struct {
	ItemHeader
	Flavors []FlavorRef
}

func (PlainItem) isCartItem()    {}
func (FlavoredItem) isCartItem() {}

// CartLine is the stored and wire form of a cart item.
type CartLine struct {
	ID        string          `json:"id"`
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Flavors   []FlavorRef     `json:"flavors,omitempty"`
}

func (l CartLine) Item() CartItem {
	header := ItemHeader{LineID: l.ID, ProductID: l.ProductID, Qty: l.Quantity, UnitPrice: l.Price}
	if len(l.Flavors) > 0 {
		flavors := make([]FlavorRef, len(l.Flavors))
		copy(flavors, l.Flavors)
		return FlavoredItem{ItemHeader: header, Flavors: flavors}
	}
	return PlainItem{ItemHeader: header}
}

func CartItems(lines []CartLine) []CartItem {
	items := make([]CartItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, line.Item())
	}
	return items
}

// FlavorsJSON serializes a flavor selection for SaleItem display.
func FlavorsJSON(item CartItem) string {
	flavored, ok := item.(FlavoredItem)
	if !ok || len(flavored.Flavors) == 0 {
		return ""
	}
	payload, err := json.Marshal(flavored.Flavors)
	if err != nil {
		return ""
	}
	return string(payload)
}

type CartView struct {
	CartID string          `json:"cart_id"`
	Items  []CartLine      `json:"items"`
	Total  decimal.Decimal `json:"total"`
}

type AddToCartRequest struct {
	ProductID int64   `json:"product_id" validate:"required"`
	Quantity  int     `json:"quantity" validate:"gte=0"`
	Flavors   []int64 `json:"flavors"`
}

type ReplaceFlavorRequest struct {
	ItemIndex   int   `json:"item_index" validate:"gte=0"`
	OldFlavorID int64 `json:"old_flavor_id" validate:"required"`
	NewFlavorID int64 `json:"new_flavor_id" validate:"required"`
}

type StockCheckResponse struct {
	Status      string             `json:"status"`
	Warnings    []string           `json:"warnings"`
	Blocking    bool               `json:"blocking"`
	Suggestions []FlavorSuggestion `json:"suggestions"`
}

type FlavorSuggestion struct {
	MissingFlavorID   int64               `json:"missing_flavor_id"`
	MissingFlavorName string              `json:"missing_flavor_name"`
	Items             []SuggestionItemRef `json:"items"`
	Alternatives      []FlavorAlternative `json:"alternatives"`
}

type SuggestionItemRef struct {
	ItemIndex int `json:"item_index"`
}

type FlavorAlternative struct {
	ID    int64           `json:"id"`
	Name  string          `json:"name"`
	Stock decimal.Decimal `json:"stock"`
}
