package cart

import (
	"context"
	"time"

	"heladeria/backend/internal/cache"
	"heladeria/backend/internal/domain"
)

const DefaultTTL = 48 * time.Hour

// Store keeps carts server side, keyed by an opaque cart id.
type Store struct {
	kv  cache.Store
	ttl time.Duration
}

func NewStore(kv cache.Store, ttl time.Duration) *Store {
	if kv == nil {
		kv = cache.NewMemory()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: kv, ttl: ttl}
}

func (s *Store) Get(ctx context.Context, cartID string) ([]domain.CartLine, error) {
	var lines []domain.CartLine
	if _, err := s.kv.GetJSON(ctx, key(cartID), &lines); err != nil {
		return nil, err
	}
	if lines == nil {
		lines = []domain.CartLine{}
	}
	return lines, nil
}

func (s *Store) Save(ctx context.Context, cartID string, lines []domain.CartLine) error {
	return s.kv.SetJSON(ctx, key(cartID), lines, s.ttl)
}

func (s *Store) Clear(ctx context.Context, cartID string) error {
	return s.kv.Delete(ctx, key(cartID))
}

func key(cartID string) string {
	return "cart:" + cartID
}
