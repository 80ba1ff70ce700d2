// Package recommendation suggests replacement flavors for those a store
// cannot cover.
package recommendation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"heladeria/backend/internal/cache"
	"heladeria/backend/internal/domain"
)

const (
	DefaultLimit    = 3
	defaultCacheTTL = 20 * time.Second
)

// FlavorStockSource lists a store's in-stock flavors, highest stock first.
type FlavorStockSource interface {
	ListFlavorStock(ctx context.Context, storeID int64) ([]domain.FlavorAlternative, error)
}

type Engine struct {
	source   FlavorStockSource
	cache    cache.Store
	cacheTTL time.Duration
	limit    int
}

func NewEngine(source FlavorStockSource, cacheStore cache.Store, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.Noop{}
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}

	return &Engine{
		source:   source,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		limit:    DefaultLimit,
	}
}

// Missing is one flavor the cart needs more of than the store holds.
type Missing struct {
	FlavorID   int64
	FlavorName string
	// ItemIndices are the cart positions that use the flavor.
	ItemIndices []int
}

// Suggest returns one suggestion per missing flavor, each with up to three
// in-stock alternatives from the same store. The missing flavor itself is
// never offered as its own alternative.
func (e *Engine) Suggest(ctx context.Context, storeID int64, missing []Missing) ([]domain.FlavorSuggestion, error) {
	if len(missing) == 0 {
		return nil, nil
	}

	candidates, err := e.flavorStock(ctx, storeID)
	if err != nil {
		return nil, err
	}

	suggestions := make([]domain.FlavorSuggestion, 0, len(missing))
	for _, m := range missing {
		items := make([]domain.SuggestionItemRef, 0, len(m.ItemIndices))
		for _, idx := range m.ItemIndices {
			items = append(items, domain.SuggestionItemRef{ItemIndex: idx})
		}
		suggestions = append(suggestions, domain.FlavorSuggestion{
			MissingFlavorID:   m.FlavorID,
			MissingFlavorName: m.FlavorName,
			Items:             items,
			Alternatives:      pick(candidates, m.FlavorID, e.limit),
		})
	}
	return suggestions, nil
}

func (e *Engine) flavorStock(ctx context.Context, storeID int64) ([]domain.FlavorAlternative, error) {
	key := cacheKey(storeID)
	var cached []domain.FlavorAlternative
	if hit, err := e.cache.GetJSON(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	candidates, err := e.source.ListFlavorStock(ctx, storeID)
	if err != nil {
		return nil, err
	}
	sortByStock(candidates)
	_ = e.cache.SetJSON(ctx, key, candidates, e.cacheTTL)
	return candidates, nil
}

// Invalidate drops the cached flavor list for a store after its stock moved.
func (e *Engine) Invalidate(ctx context.Context, storeID int64) {
	_ = e.cache.Delete(ctx, cacheKey(storeID))
}

func pick(candidates []domain.FlavorAlternative, exclude int64, limit int) []domain.FlavorAlternative {
	out := make([]domain.FlavorAlternative, 0, limit)
	for _, c := range candidates {
		if c.ID == exclude || !c.Stock.IsPositive() {
			continue
		}
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func sortByStock(candidates []domain.FlavorAlternative) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].Stock.Equal(candidates[j].Stock) {
			return candidates[i].Stock.GreaterThan(candidates[j].Stock)
		}
		return candidates[i].ID < candidates[j].ID
	})
}

func cacheKey(storeID int64) string {
	return fmt.Sprintf("flavor-stock:%d", storeID)
}
