// Package idempotency answers whether a checkout key was already used.
//
// The sales table is authoritative: the key is bound to the sale in the same
// commit that creates it. The cache only shortens the duplicate path and is
// written after commit.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"heladeria/backend/internal/cache"
	"heladeria/backend/internal/domain"
	"heladeria/backend/internal/store"
)

const DefaultTTL = 24 * time.Hour

// SaleFinder is the slice of the repository the guard reads.
type SaleFinder interface {
	FindSaleByIdempotency(ctx context.Context, storeID int64, key string) (*domain.Sale, error)
	GetSale(ctx context.Context, saleID int64) (*domain.Sale, error)
}

type Guard struct {
	sales SaleFinder
	kv    cache.Store
	ttl   time.Duration
}

func NewGuard(sales SaleFinder, kv cache.Store, ttl time.Duration) *Guard {
	if kv == nil {
		kv = cache.Noop{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{sales: sales, kv: kv, ttl: ttl}
}

// CheckOrRegister returns the sale already bound to (storeID, key), or nil
// when the key is free. A free key is claimed by the checkout commit itself.
// An empty key is never a duplicate.
func (g *Guard) CheckOrRegister(ctx context.Context, storeID int64, key string) (*domain.Sale, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}

	var saleID int64
	if hit, err := g.kv.GetJSON(ctx, cacheKey(storeID, key), &saleID); err == nil && hit && saleID > 0 {
		sale, err := g.sales.GetSale(ctx, saleID)
		if err == nil {
			return sale, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	sale, err := g.sales.FindSaleByIdempotency(ctx, storeID, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	_ = g.Remember(ctx, storeID, key, sale.ID)
	return sale, nil
}

// Remember records a committed binding in the cache.
func (g *Guard) Remember(ctx context.Context, storeID int64, key string, saleID int64) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return g.kv.SetJSON(ctx, cacheKey(storeID, key), saleID, g.ttl)
}

func cacheKey(storeID int64, key string) string {
	return fmt.Sprintf("idem:%d:%s", storeID, key)
}
