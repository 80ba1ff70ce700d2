// Package ledger holds the store independent rules of the stock ledger:
// all-or-nothing validation and 2-decimal balance arithmetic.
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"heladeria/backend/internal/domain"
	"heladeria/backend/internal/rounding"
)

// Requirements maps a product id to the amount a mutation consumes.
type Requirements map[int64]decimal.Decimal

// Merge adds other into r, rounding after every addition.
func (r Requirements) Merge(other Requirements) {
	for id, amount := range other {
		r[id] = rounding.Add(r[id], amount)
	}
}

// ProductIDs returns the ids in ascending order, which is also the lock order.
func (r Requirements) ProductIDs() []int64 {
	ids := make([]int64, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Check compares every requirement with the available balances and reports
// each short or missing product. A product absent from available has no stock
// row in the store and is always short.
func Check(required Requirements, available map[int64]decimal.Decimal) []domain.Shortage {
	var shortages []domain.Shortage
	for _, id := range required.ProductIDs() {
		need := rounding.Quantity(required[id])
		have, ok := available[id]
		if !ok {
			shortages = append(shortages, domain.Shortage{ProductID: id, Available: decimal.Zero, Required: need})
			continue
		}
		if have.LessThan(need) {
			shortages = append(shortages, domain.Shortage{ProductID: id, Available: rounding.Quantity(have), Required: need})
		}
	}
	return shortages
}

// Apply returns the balances left after deducting required. Callers must run
// Check first; Apply does not guard against negative results.
func Apply(required Requirements, available map[int64]decimal.Decimal) map[int64]decimal.Decimal {
	next := make(map[int64]decimal.Decimal, len(required))
	for id, need := range required {
		next[id] = rounding.Sub(available[id], need)
	}
	return next
}

// Validate rejects non-positive or empty requirement sets.
func Validate(required Requirements) bool {
	if len(required) == 0 {
		return false
	}
	for id, amount := range required {
		if id < 1 || !amount.IsPositive() {
			return false
		}
	}
	return true
}

// SaleReason is the history reason written for checkout deductions.
func SaleReason(orderNumber string) string {
	return "Venta #" + orderNumber
}
