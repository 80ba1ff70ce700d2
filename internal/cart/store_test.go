package cart

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heladeria/backend/internal/domain"
)

func TestStoreSaveGetClear(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, 0)

	empty, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	lines := []domain.CartLine{{
		ID:        "line-1",
		ProductID: 2,
		Price:     decimal.RequireFromString("4500"),
		Quantity:  1,
		Flavors:   []domain.FlavorRef{{ID: 10, Name: "Vainilla"}},
	}}
	require.NoError(t, s.Save(ctx, "c1", lines))

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(10), got[0].Flavors[0].ID)
	assert.IsType(t, domain.FlavoredItem{}, got[0].Item())

	require.NoError(t, s.Clear(ctx, "c1"))
	got, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
