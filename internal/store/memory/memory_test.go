package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"heladeria/backend/internal/domain"
	"heladeria/backend/internal/ledger"
	"heladeria/backend/internal/store"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture() *Store {
	s := New()
	s.PutStore(domain.Store{ID: 1, Name: "Centro"})
	s.PutProduct(domain.Product{ID: 2, Name: "Pote 1/2 KG", SalesFormat: "1/2 KG", MaxFlavors: 4, Price: dec("6000"), Active: true})
	s.PutProduct(domain.Product{ID: 10, Name: "Vainilla", Category: domain.FlavorCategory, Active: true})
	s.PutProduct(domain.Product{ID: 11, Name: "Chocolate", Category: domain.FlavorCategory, Active: true})
	s.PutProduct(domain.Product{ID: 21, Name: "Envase 1/2 KG", Active: true})
	s.PutStock(domain.StockEntry{StoreID: 1, ProductID: 10, Quantity: dec("10")})
	s.PutStock(domain.StockEntry{StoreID: 1, ProductID: 11, Quantity: dec("0.40")})
	s.PutStock(domain.StockEntry{StoreID: 1, ProductID: 21, Quantity: dec("5")})
	s.SetClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })
	return s
}

func draft(key string, deductions ledger.Requirements) store.CheckoutDraft {
	return store.CheckoutDraft{
		StoreID:        1,
		IdempotencyKey: key,
		Channel:        domain.ChannelPOS,
		PaymentMethod:  domain.PaymentMethodCash,
		PaymentStatus:  domain.PaymentStatusCompleted,
		Items: []domain.SaleItem{{
			ProductID:  2,
			Quantity:   1,
			UnitPrice:  dec("6000"),
			TotalPrice: dec("6000"),
		}},
		TotalAmount: dec("6000"),
		Deductions:  deductions,
	}
}

func TestReserveAndDeductIsAllOrNothing(t *testing.T) {
	s := newFixture()
	ctx := context.Background()

	err := s.ReserveAndDeduct(ctx, 1, ledger.Requirements{10: dec("0.5"), 11: dec("0.5"), 99: dec("1")}, "merma")
	var shortage *store.ShortageError
	if !errors.As(err, &shortage) {
		t.Fatalf("expected shortage error, got %v", err)
	}
	if len(shortage.Shortages) != 2 {
		t.Fatalf("expected both short products reported, got %+v", shortage.Shortages)
	}
	if shortage.Shortages[0].ProductName != "Chocolate" || !shortage.Shortages[0].Available.Equal(dec("0.4")) {
		t.Fatalf("unexpected first shortage %+v", shortage.Shortages[0])
	}
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("shortage must match ErrInsufficientStock")
	}

	qty, _ := s.GetStock(ctx, 1, 10)
	if !qty.Equal(dec("10")) {
		t.Fatalf("vainilla must be untouched, got %s", qty)
	}
	history, _ := s.ListStockHistory(ctx, 1, 0, 10)
	if len(history) != 0 {
		t.Fatalf("no history expected, got %d", len(history))
	}
}

func TestReserveAndDeductWritesHistory(t *testing.T) {
	s := newFixture()
	ctx := context.Background()

	if err := s.ReserveAndDeduct(ctx, 1, ledger.Requirements{10: dec("0.17"), 21: dec("1")}, "merma"); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	qty, _ := s.GetStock(ctx, 1, 10)
	if qty.StringFixed(2) != "9.83" {
		t.Fatalf("expected 9.83, got %s", qty)
	}
	history, _ := s.ListStockHistory(ctx, 1, 10, 10)
	if len(history) != 1 || history[0].QuantityChange.StringFixed(2) != "-0.17" || history[0].Reason != "merma" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestGetStockDefaultsToZero(t *testing.T) {
	s := newFixture()
	qty, err := s.GetStock(context.Background(), 1, 404)
	if err != nil || !qty.IsZero() {
		t.Fatalf("expected zero for absent row, got %s %v", qty, err)
	}
}

func TestCreateCheckoutAllocatesSequentialOrderNumbers(t *testing.T) {
	s := newFixture()
	ctx := context.Background()

	first, err := s.CreateCheckout(ctx, draft("", ledger.Requirements{10: dec("0.5")}))
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	second, err := s.CreateCheckout(ctx, draft("", ledger.Requirements{10: dec("0.5")}))
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	if first.Sale.OrderNumber != "VEN-2026-001" || second.Sale.OrderNumber != "VEN-2026-002" {
		t.Fatalf("unexpected order numbers %s %s", first.Sale.OrderNumber, second.Sale.OrderNumber)
	}

	history, _ := s.ListStockHistory(ctx, 1, 10, 10)
	if len(history) != 2 || history[0].Reason != "Venta #VEN-2026-002" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestCreateCheckoutRejectsShortageWithoutWrites(t *testing.T) {
	s := newFixture()
	ctx := context.Background()

	_, err := s.CreateCheckout(ctx, draft("k1", ledger.Requirements{11: dec("0.5"), 10: dec("0.5")}))
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if s.SaleCount() != 0 {
		t.Fatalf("no sale expected")
	}
	if _, err := s.FindSaleByIdempotency(ctx, 1, "k1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("idempotency key must not be bound, got %v", err)
	}
	next, err := s.CreateCheckout(ctx, draft("", ledger.Requirements{10: dec("0.5")}))
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if next.Sale.OrderNumber != "VEN-2026-001" {
		t.Fatalf("rejected checkout must not consume an order number, got %s", next.Sale.OrderNumber)
	}
}

func TestCreateCheckoutReplaysIdempotencyKey(t *testing.T) {
	s := newFixture()
	ctx := context.Background()

	first, err := s.CreateCheckout(ctx, draft("pos-xyz-1", ledger.Requirements{10: dec("0.5")}))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	again, err := s.CreateCheckout(ctx, draft("pos-xyz-1", ledger.Requirements{10: dec("0.5")}))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !again.Duplicate || again.Sale.ID != first.Sale.ID || again.Sale.OrderNumber != first.Sale.OrderNumber {
		t.Fatalf("expected replay of sale %d, got %+v", first.Sale.ID, again)
	}
	qty, _ := s.GetStock(ctx, 1, 10)
	if qty.StringFixed(2) != "9.50" {
		t.Fatalf("expected a single deduction, got %s", qty)
	}

	other, err := s.CreateCheckout(ctx, store.CheckoutDraft{
		StoreID: 2, IdempotencyKey: "pos-xyz-1", Items: draft("", nil).Items, TotalAmount: dec("6000"),
	})
	if err != nil {
		t.Fatalf("other store: %v", err)
	}
	if other.Duplicate || other.Sale.ID == first.Sale.ID {
		t.Fatalf("the same key in another store must create a new sale")
	}
}

func TestCreateCheckoutWithDeliveryUsesLowestStatus(t *testing.T) {
	s := newFixture()
	ctx := context.Background()
	d := draft("", ledger.Requirements{10: dec("0.5")})
	d.Delivery = &store.DeliveryDraft{
		Address: domain.DeliveryAddress{CustomerName: "Ana Paz", Phone: "1155", Address: "Calle 1"},
		Source:  domain.OrderSourceWebshop,
	}

	res, err := s.CreateCheckout(ctx, d)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if res.DeliveryOrder == nil || res.DeliveryOrder.CurrentStatusID != 1 || res.DeliveryOrder.OrderSource != domain.OrderSourceWebshop {
		t.Fatalf("unexpected delivery order %+v", res.DeliveryOrder)
	}
	history, _ := s.ListDeliveryHistory(ctx, res.DeliveryOrder.ID)
	if len(history) != 1 || history[0].CreatedBy != "system" {
		t.Fatalf("unexpected delivery history %+v", history)
	}

	again, err := s.CreateCheckout(ctx, d)
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	if again.DeliveryOrder.AddressID != res.DeliveryOrder.AddressID {
		t.Fatalf("expected address reuse")
	}
}

func TestCreateCheckoutRejectsTakenEmail(t *testing.T) {
	s := newFixture()
	ctx := context.Background()
	d := draft("", ledger.Requirements{10: dec("0.5")})
	d.WebUser = &domain.WebUser{Email: "ana@example.com", PasswordHash: "x"}
	if _, err := s.CreateCheckout(ctx, d); err != nil {
		t.Fatalf("first: %v", err)
	}
	d.WebUser = &domain.WebUser{Email: "ANA@example.com", PasswordHash: "y"}
	if _, err := s.CreateCheckout(ctx, d); !errors.Is(err, store.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	qty, _ := s.GetStock(ctx, 1, 10)
	if qty.StringFixed(2) != "9.50" {
		t.Fatalf("failed checkout must not deduct, got %s", qty)
	}
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	s := newFixture()
	s.PutStock(domain.StockEntry{StoreID: 1, ProductID: 10, Quantity: dec("0.8")})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateCheckout(ctx, draft("", ledger.Requirements{10: dec("0.5")}))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, short := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInsufficientStock):
			short++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 || short != 1 {
		t.Fatalf("expected one success and one shortage, got %d/%d", succeeded, short)
	}
	qty, _ := s.GetStock(ctx, 1, 10)
	if qty.StringFixed(2) != "0.30" {
		t.Fatalf("expected 0.30 left, got %s", qty)
	}
}

func TestAdjustStockRejectsNegativeBalance(t *testing.T) {
	s := newFixture()
	ctx := context.Background()
	if _, err := s.AdjustStock(ctx, 1, 11, dec("-1"), "conteo"); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected shortage, got %v", err)
	}
	entry, err := s.AdjustStock(ctx, 1, 11, dec("2.005"), "reposición")
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if entry.Quantity.StringFixed(2) != "2.41" {
		t.Fatalf("expected 2.41, got %s", entry.Quantity)
	}
}

func TestListFlavorStockOrdersByDescendingStock(t *testing.T) {
	s := newFixture()
	s.PutProduct(domain.Product{ID: 12, Name: "Frutilla", Category: domain.FlavorCategory, Active: true})
	s.PutStock(domain.StockEntry{StoreID: 1, ProductID: 12, Quantity: dec("4")})
	s.PutProduct(domain.Product{ID: 13, Name: "Menta", Category: domain.FlavorCategory, Active: false})
	s.PutStock(domain.StockEntry{StoreID: 1, ProductID: 13, Quantity: dec("40")})

	flavors, _ := s.ListFlavorStock(context.Background(), 1)
	if len(flavors) != 3 || flavors[0].ID != 10 || flavors[1].ID != 12 || flavors[2].ID != 11 {
		t.Fatalf("unexpected order %+v", flavors)
	}
}
