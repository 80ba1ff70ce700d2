package service

import (
	"context"
	"testing"

	"heladeria/backend/internal/apperr"
	"heladeria/backend/internal/domain"
)

func TestCartAddRemoveReplace(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	cartID := NewCartID()

	view, err := f.svc.AddToCart(ctx, cartID, domain.AddToCartRequest{ProductID: 2, Flavors: []int64{10, 11}})
	if err != nil {
		t.Fatalf("add pote: %v", err)
	}
	if len(view.Items) != 1 || view.Items[0].Quantity != 1 || view.Items[0].Flavors[1].Name != "Chocolate" {
		t.Fatalf("unexpected cart %+v", view.Items)
	}

	view, err = f.svc.AddToCart(ctx, cartID, domain.AddToCartRequest{ProductID: 4, Quantity: 2})
	if err != nil {
		t.Fatalf("add water: %v", err)
	}
	if !view.Total.Equal(dec("8400")) {
		t.Fatalf("expected total 6000 + 2*1200, got %s", view.Total)
	}

	view, err = f.svc.ReplaceFlavor(ctx, cartID, domain.ReplaceFlavorRequest{ItemIndex: 0, OldFlavorID: 11, NewFlavorID: 13})
	if err != nil {
		t.Fatalf("replace flavor: %v", err)
	}
	if got := view.Items[0].Flavors[1]; got.ID != 13 || got.Name != "Dulce de Leche" {
		t.Fatalf("flavor not replaced: %+v", got)
	}

	if _, err := f.svc.ReplaceFlavor(ctx, cartID, domain.ReplaceFlavorRequest{ItemIndex: 0, OldFlavorID: 11, NewFlavorID: 12}); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Fatalf("expected validation error for an absent flavor, got %v", err)
	}
	if _, err := f.svc.ReplaceFlavor(ctx, cartID, domain.ReplaceFlavorRequest{ItemIndex: 1, OldFlavorID: 10, NewFlavorID: 12}); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Fatalf("expected validation error for an item without flavors, got %v", err)
	}

	view, err = f.svc.RemoveFromCart(ctx, cartID, 1)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(view.Items) != 1 {
		t.Fatalf("expected one item left, got %d", len(view.Items))
	}
	if _, err := f.svc.RemoveFromCart(ctx, cartID, 5); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND for a bad index, got %v", err)
	}

	if err := f.svc.ClearCart(ctx, cartID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	view, err = f.svc.GetCart(ctx, cartID)
	if err != nil || len(view.Items) != 0 {
		t.Fatalf("expected empty cart, got %+v (%v)", view, err)
	}
}

func TestAddToCartValidatesFlavors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	cases := map[string]domain.AddToCartRequest{
		"unknown product":     {ProductID: 999},
		"too many flavors":    {ProductID: 1, Flavors: []int64{10, 11, 12, 13}},
		"flavors on a drink":  {ProductID: 4, Flavors: []int64{10}},
		"packaging as flavor": {ProductID: 2, Flavors: []int64{21}},
		"unknown flavor id":   {ProductID: 2, Flavors: []int64{77}},
	}
	cartID := NewCartID()
	for name, req := range cases {
		if _, err := f.svc.AddToCart(ctx, cartID, req); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}

func TestCartOperationsRejectMalformedIDs(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for _, id := range []string{"", "cart-", "cart-not-a-uuid", "../../etc"} {
		if _, err := f.svc.GetCart(ctx, id); !apperr.IsCode(err, apperr.CodeValidation) {
			t.Fatalf("%q: expected VALIDATION_ERROR, got %v", id, err)
		}
	}
	if _, err := f.svc.GetCart(ctx, "1b4e28ba-2fa1-11d2-883f-0016d3cca427"); err != nil {
		t.Fatalf("bare uuid must be accepted: %v", err)
	}
}

func TestPreviewStockWarnings(t *testing.T) {
	f := newFixture()
	f.repo.PutStock(domain.StockEntry{StoreID: 1, ProductID: 10, Quantity: dec("0.40")})
	f.repo.PutStock(domain.StockEntry{StoreID: 1, ProductID: 11, Quantity: dec("0.70")})
	f.repo.PutStock(domain.StockEntry{StoreID: 1, ProductID: 21, Quantity: dec("3")})

	resp, err := f.svc.PreviewStock(context.Background(), 1, []domain.CartLine{
		pote(2, 1, 10),
		pote(2, 1, 11),
		pote(99, 1, 12),
	})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !resp.Blocking {
		t.Fatalf("expected blocking preview")
	}
	want := []string{
		"Sin stock suficiente de Vainilla. Disponible: 0.40 kg, requiere: 0.50 kg",
		"Stock bajo para Chocolate (quedará ~0.20 kg)",
		"Stock bajo de Envase 1/2 KG (quedarán ~1 u)",
	}
	if len(resp.Warnings) != len(want) {
		t.Fatalf("unexpected warnings %q", resp.Warnings)
	}
	for i := range want {
		if resp.Warnings[i] != want[i] {
			t.Fatalf("warning %d: got %q want %q", i, resp.Warnings[i], want[i])
		}
	}
	if len(resp.Suggestions) != 1 || resp.Suggestions[0].MissingFlavorID != 10 {
		t.Fatalf("unexpected suggestions %+v", resp.Suggestions)
	}
}

func TestPreviewStockPackagingShortage(t *testing.T) {
	f := newFixture()
	f.repo.PutStock(domain.StockEntry{StoreID: 1, ProductID: 22, Quantity: dec("1")})

	resp, err := f.svc.PreviewStock(context.Background(), 1, []domain.CartLine{pote(3, 2, 10)})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !resp.Blocking || len(resp.Warnings) != 1 {
		t.Fatalf("unexpected preview %+v", resp)
	}
	if resp.Warnings[0] != "Sin stock suficiente de Envase 1 KG. Disponible: 1 u, requiere: 2 u" {
		t.Fatalf("unexpected warning %q", resp.Warnings[0])
	}
	if len(resp.Suggestions) != 0 {
		t.Fatalf("packaging shortages carry no flavor suggestions")
	}
}

func TestPreviewStockEmptyCart(t *testing.T) {
	f := newFixture()

	resp, err := f.svc.PreviewStockForCart(context.Background(), 1, NewCartID())
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if resp.Status != "success" || resp.Blocking || len(resp.Warnings) != 0 {
		t.Fatalf("unexpected preview %+v", resp)
	}
}
