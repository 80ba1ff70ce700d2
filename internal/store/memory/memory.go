package memory

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"heladeria/backend/internal/delivery"
	"heladeria/backend/internal/domain"
	"heladeria/backend/internal/ledger"
	"heladeria/backend/internal/rounding"
	"heladeria/backend/internal/store"
)

// Store is the in-process repository used for development and tests.
// A single mutex serializes every ledger mutation, which gives the same
// validate-then-deduct guarantee postgres gets from row locks.
type Store struct {
	mu            sync.RWMutex
	stores        map[int64]domain.Store
	products      map[int64]domain.Product
	stock         map[int64]map[int64]domain.StockEntry
	history       []domain.StockHistoryEntry
	sales         map[int64]*domain.Sale
	salesByIdem   map[idemKey]int64
	addresses     []domain.DeliveryAddress
	webUsers      map[string]domain.WebUser
	statuses      []domain.DeliveryStatus
	orders        map[int64]*domain.DeliveryOrder
	statusHistory []domain.DeliveryStatusHistory
	orderSeq      map[int]int64
	staff         map[string]domain.StaffUser
	ids           map[string]int64
	now           func() time.Time
}

type idemKey struct {
	storeID int64
	key     string
}

// New returns an empty store with the default delivery statuses.
func New() *Store {
	return &Store{
		stores:      make(map[int64]domain.Store),
		products:    make(map[int64]domain.Product),
		stock:       make(map[int64]map[int64]domain.StockEntry),
		sales:       make(map[int64]*domain.Sale),
		salesByIdem: make(map[idemKey]int64),
		webUsers:    make(map[string]domain.WebUser),
		statuses:    delivery.DefaultStatuses(),
		orders:      make(map[int64]*domain.DeliveryOrder),
		orderSeq:    make(map[int]int64),
		staff:       make(map[string]domain.StaffUser),
		ids:         make(map[string]int64),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// NewSeeded returns a store with a demo catalog, stock for store 1 and
// staff accounts. Passwords come from SEED_MANAGER_PASSWORD and
// SEED_CASHIER_PASSWORD and fall back to dev defaults.
func NewSeeded() *Store {
	s := New()

	lat, lng := -34.6037, -58.3816
	s.PutStore(domain.Store{ID: 1, Name: "Venezia Centro", Latitude: &lat, Longitude: &lng})
	s.PutStore(domain.Store{ID: 2, Name: "Venezia Norte"})

	price := decimal.RequireFromString
	products := []domain.Product{
		{ID: 1, Name: "Pote 1/4 KG", Category: "Potes", SalesFormat: "1/4 KG", MaxFlavors: 3, Price: price("3500"), Active: true},
		{ID: 2, Name: "Pote 1/2 KG", Category: "Potes", SalesFormat: "1/2 KG", MaxFlavors: 4, Price: price("6000"), Active: true},
		{ID: 3, Name: "Pote 1 KG", Category: "Potes", SalesFormat: "1 KG", MaxFlavors: 5, Price: price("11000"), Active: true},
		{ID: 4, Name: "Agua mineral 500ml", Category: "Bebidas", Price: price("1200"), Active: true},
		{ID: 10, Name: "Vainilla", Category: domain.FlavorCategory, Active: true, TrackStock: true},
		{ID: 11, Name: "Chocolate", Category: domain.FlavorCategory, Active: true, TrackStock: true},
		{ID: 12, Name: "Frutilla", Category: domain.FlavorCategory, Active: true, TrackStock: true},
		{ID: 13, Name: "Dulce de Leche", Category: domain.FlavorCategory, Active: true, TrackStock: true},
		{ID: 14, Name: "Limón", Category: domain.FlavorCategory, Active: true, TrackStock: true},
		{ID: 20, Name: "Envase 1/4 KG", Category: "Envases", Active: true, TrackStock: true},
		{ID: 21, Name: "Envase 1/2 KG", Category: "Envases", Active: true, TrackStock: true},
		{ID: 22, Name: "Envase 1 KG", Category: "Envases", Active: true, TrackStock: true},
	}
	for _, p := range products {
		s.PutProduct(p)
	}

	for id, qty := range map[int64]string{10: "10", 11: "10", 12: "6", 13: "8", 14: "3"} {
		s.PutStock(domain.StockEntry{StoreID: 1, ProductID: id, Quantity: price(qty), MinimumQuantity: price("1")})
	}
	for _, id := range []int64{20, 21, 22} {
		s.PutStock(domain.StockEntry{StoreID: 1, ProductID: id, Quantity: price("50"), MinimumQuantity: price("5")})
	}

	for _, u := range []struct {
		username string
		envKey   string
		fallback string
		role     string
	}{
		{"manager", "SEED_MANAGER_PASSWORD", "manager123", domain.RoleManager},
		{"cashier", "SEED_CASHIER_PASSWORD", "cashier123", domain.RoleCashier},
	} {
		password := os.Getenv(u.envKey)
		if password == "" {
			password = u.fallback
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			panic("memory: hash seed password: " + err.Error())
		}
		s.PutStaffUser(domain.StaffUser{Username: u.username, PasswordHash: string(hash), Role: u.role, StoreID: 1, Active: true})
	}

	return s
}

func (s *Store) PutStore(st domain.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[st.ID] = st
}

func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// PutStock writes a row directly, bypassing history. Used for fixtures.
func (s *Store) PutStock(entry domain.StockEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Quantity = rounding.Quantity(entry.Quantity)
	entry.UpdatedAt = s.now()
	s.stockRows(entry.StoreID)[entry.ProductID] = entry
}

func (s *Store) PutStaffUser(u domain.StaffUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staff[u.Username] = u
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) GetStore(_ context.Context, storeID int64) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stores[storeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &st, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) FindProductsByNames(_ context.Context, names []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}
	out := make(map[string]domain.Product, len(names))
	for _, p := range s.products {
		if _, ok := wanted[p.Name]; !ok {
			continue
		}
		if prev, dup := out[p.Name]; dup && prev.ID < p.ID {
			continue
		}
		out[p.Name] = p
	}
	return out, nil
}

func (s *Store) ListFlavorStock(_ context.Context, storeID int64) ([]domain.FlavorAlternative, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.FlavorAlternative, 0, 16)
	for productID, entry := range s.stock[storeID] {
		p, ok := s.products[productID]
		if !ok || !p.Active || p.Category != domain.FlavorCategory || !entry.Quantity.IsPositive() {
			continue
		}
		out = append(out, domain.FlavorAlternative{ID: p.ID, Name: p.Name, Stock: entry.Quantity})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Stock.Equal(out[j].Stock) {
			return out[i].Stock.GreaterThan(out[j].Stock)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetStock(_ context.Context, storeID int64, productID int64) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.stock[storeID][productID]
	if !ok {
		return decimal.Zero, nil
	}
	return entry.Quantity, nil
}

func (s *Store) GetStockMap(_ context.Context, storeID int64, productIDs []int64) (map[int64]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stockMapLocked(storeID, productIDs), nil
}

func (s *Store) ListStock(_ context.Context, storeID int64) ([]domain.StockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StockEntry, 0, len(s.stock[storeID]))
	for _, entry := range s.stock[storeID] {
		entry.ProductName = s.products[entry.ProductID].Name
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (s *Store) SetStock(_ context.Context, entry domain.StockEntry, reason string) (*domain.StockEntry, error) {
	if entry.StoreID < 1 || entry.ProductID < 1 || entry.Quantity.IsNegative() || entry.MinimumQuantity.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[entry.ProductID]; !ok {
		return nil, store.ErrNotFound
	}

	rows := s.stockRows(entry.StoreID)
	previous := rows[entry.ProductID].Quantity
	entry.Quantity = rounding.Quantity(entry.Quantity)
	entry.MinimumQuantity = rounding.Quantity(entry.MinimumQuantity)
	entry.UpdatedAt = s.now()
	rows[entry.ProductID] = entry

	if delta := rounding.Sub(entry.Quantity, previous); !delta.IsZero() {
		s.appendHistoryLocked(entry.StoreID, entry.ProductID, delta, reason)
	}
	entry.ProductName = s.products[entry.ProductID].Name
	return &entry, nil
}

func (s *Store) AdjustStock(_ context.Context, storeID int64, productID int64, delta decimal.Decimal, reason string) (*domain.StockEntry, error) {
	if delta.IsZero() {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[productID]; !ok {
		return nil, store.ErrNotFound
	}

	rows := s.stockRows(storeID)
	entry, ok := rows[productID]
	if !ok {
		entry = domain.StockEntry{StoreID: storeID, ProductID: productID}
	}
	next := rounding.Add(entry.Quantity, delta)
	if next.IsNegative() {
		return nil, &store.ShortageError{Shortages: []domain.Shortage{{
			ProductID:   productID,
			ProductName: s.products[productID].Name,
			Available:   entry.Quantity,
			Required:    rounding.Quantity(delta.Neg()),
		}}}
	}
	entry.Quantity = next
	entry.UpdatedAt = s.now()
	rows[productID] = entry
	s.appendHistoryLocked(storeID, productID, rounding.Quantity(delta), reason)

	entry.ProductName = s.products[productID].Name
	return &entry, nil
}

func (s *Store) ReserveAndDeduct(_ context.Context, storeID int64, required ledger.Requirements, reason string) error {
	if !ledger.Validate(required) {
		return store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deductLocked(storeID, required, reason)
}

func (s *Store) ListStockHistory(_ context.Context, storeID int64, productID int64, limit int) ([]domain.StockHistoryEntry, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StockHistoryEntry, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		h := s.history[i]
		if h.StoreID != storeID {
			continue
		}
		if productID > 0 && h.ProductID != productID {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, storeID int64, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	saleID, ok := s.salesByIdem[idemKey{storeID: storeID, key: key}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(s.sales[saleID]), nil
}

func (s *Store) GetSale(_ context.Context, saleID int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) CreateCheckout(_ context.Context, draft store.CheckoutDraft) (*store.CheckoutResult, error) {
	if draft.StoreID < 1 || len(draft.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if draft.IdempotencyKey != "" {
		if saleID, ok := s.salesByIdem[idemKey{storeID: draft.StoreID, key: draft.IdempotencyKey}]; ok {
			return &store.CheckoutResult{Sale: *cloneSale(s.sales[saleID]), DeliveryOrder: s.orderForSaleLocked(saleID), Duplicate: true}, nil
		}
	}

	if len(draft.Deductions) > 0 {
		available := s.stockMapLocked(draft.StoreID, draft.Deductions.ProductIDs())
		if shortages := ledger.Check(draft.Deductions, available); len(shortages) > 0 {
			return nil, &store.ShortageError{Shortages: s.nameShortagesLocked(shortages)}
		}
	}

	if draft.WebUser != nil {
		email := strings.ToLower(strings.TrimSpace(draft.WebUser.Email))
		if _, taken := s.webUsers[email]; taken {
			return nil, store.ErrEmailTaken
		}
	}

	var initial domain.DeliveryStatus
	if draft.Delivery != nil {
		var ok bool
		if initial, ok = delivery.InitialStatus(s.statuses); !ok {
			return nil, store.ErrInvalidInput
		}
	}

	now := draft.CreatedAt
	if now.IsZero() {
		now = s.now()
	}

	if draft.WebUser != nil {
		user := *draft.WebUser
		user.ID = s.nextID("web_user")
		user.Email = strings.ToLower(strings.TrimSpace(user.Email))
		s.webUsers[user.Email] = user
	}

	year := now.Year()
	s.orderSeq[year]++
	sale := &domain.Sale{
		ID:             s.nextID("sale"),
		StoreID:        draft.StoreID,
		OrderNumber:    domain.FormatOrderNumber(year, s.orderSeq[year]),
		IdempotencyKey: draft.IdempotencyKey,
		Channel:        draft.Channel,
		TotalAmount:    draft.TotalAmount,
		PaymentMethod:  draft.PaymentMethod,
		PaymentStatus:  draft.PaymentStatus,
		IsDelivery:     draft.Delivery != nil,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, item := range draft.Items {
		item.ID = s.nextID("sale_item")
		item.SaleID = sale.ID
		sale.Items = append(sale.Items, item)
	}

	var order *domain.DeliveryOrder
	if draft.Delivery != nil {
		addr := s.upsertAddressLocked(draft.Delivery.Address)
		order = &domain.DeliveryOrder{
			ID:              s.nextID("delivery_order"),
			SaleID:          sale.ID,
			AddressID:       addr.ID,
			CurrentStatusID: initial.ID,
			DeliveryNotes:   "Order #" + sale.OrderNumber,
			OrderSource:     draft.Delivery.Source,
			CreatedAt:       now,
		}
		if st, ok := s.stores[draft.StoreID]; ok {
			order.StoreLatitude = st.Latitude
			order.StoreLongitude = st.Longitude
			order.DistanceKM = delivery.Distance(st, addr)
		}
		s.orders[order.ID] = order
		s.statusHistory = append(s.statusHistory, domain.DeliveryStatusHistory{
			ID:              s.nextID("status_history"),
			DeliveryOrderID: order.ID,
			StatusID:        initial.ID,
			Notes:           "Pedido creado",
			CreatedBy:       delivery.CreatedBy,
			CreatedAt:       now,
		})
	}

	if len(draft.Deductions) > 0 {
		// Validated above under the same lock; this cannot fail.
		if err := s.deductLocked(draft.StoreID, draft.Deductions, ledger.SaleReason(sale.OrderNumber)); err != nil {
			return nil, err
		}
	}

	s.sales[sale.ID] = sale
	if draft.IdempotencyKey != "" {
		s.salesByIdem[idemKey{storeID: draft.StoreID, key: draft.IdempotencyKey}] = sale.ID
	}

	result := &store.CheckoutResult{Sale: *cloneSale(sale)}
	if order != nil {
		copied := *order
		result.DeliveryOrder = &copied
	}
	return result, nil
}

func (s *Store) AttachPayment(_ context.Context, saleID int64, update store.PaymentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, ok := s.sales[saleID]
	if !ok {
		return store.ErrNotFound
	}
	sale.PreferenceID = update.PreferenceID
	sale.PaymentLink = update.PaymentLink
	sale.QRLink = update.QRLink
	sale.UpdatedAt = s.now()
	return nil
}

func (s *Store) UpdatePaymentStatus(_ context.Context, saleID int64, update store.PaymentStatusUpdate) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, ok := s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale.PaymentStatus = update.PaymentStatus
	sale.MPStatus = update.MPStatus
	if update.MPPaymentID != "" {
		sale.MPPaymentID = update.MPPaymentID
	}
	sale.UpdatedAt = s.now()
	return cloneSale(sale), nil
}

func (s *Store) ListDeliveryStatuses(_ context.Context) ([]domain.DeliveryStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return delivery.Sorted(s.statuses), nil
}

func (s *Store) GetDeliveryOrder(_ context.Context, orderID int64) (*domain.DeliveryOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *order
	return &copied, nil
}

func (s *Store) UpdateDeliveryStatus(_ context.Context, orderID int64, statusID int64, notes string, actor string) (*domain.DeliveryOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	known := false
	for _, st := range s.statuses {
		if st.ID == statusID {
			known = true
			break
		}
	}
	if !known {
		return nil, store.ErrInvalidInput
	}
	order.CurrentStatusID = statusID
	s.statusHistory = append(s.statusHistory, domain.DeliveryStatusHistory{
		ID:              s.nextID("status_history"),
		DeliveryOrderID: orderID,
		StatusID:        statusID,
		Notes:           notes,
		CreatedBy:       actor,
		CreatedAt:       s.now(),
	})
	copied := *order
	return &copied, nil
}

func (s *Store) ListDeliveryHistory(_ context.Context, orderID int64) ([]domain.DeliveryStatusHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DeliveryStatusHistory, 0, 4)
	for _, h := range s.statusHistory {
		if h.DeliveryOrderID == orderID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *Store) GetStaffUser(_ context.Context, username string) (*domain.StaffUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.staff[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

// DeliveryOrderForSale is a test helper.
func (s *Store) DeliveryOrderForSale(saleID int64) *domain.DeliveryOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orderForSaleLocked(saleID)
}

// SaleCount is a test helper.
func (s *Store) SaleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sales)
}

func (s *Store) deductLocked(storeID int64, required ledger.Requirements, reason string) error {
	available := s.stockMapLocked(storeID, required.ProductIDs())
	if shortages := ledger.Check(required, available); len(shortages) > 0 {
		return &store.ShortageError{Shortages: s.nameShortagesLocked(shortages)}
	}
	rows := s.stockRows(storeID)
	now := s.now()
	for _, id := range required.ProductIDs() {
		entry := rows[id]
		entry.Quantity = rounding.Sub(entry.Quantity, required[id])
		entry.UpdatedAt = now
		rows[id] = entry
		s.appendHistoryLocked(storeID, id, rounding.Quantity(required[id]).Neg(), reason)
	}
	return nil
}

func (s *Store) stockMapLocked(storeID int64, productIDs []int64) map[int64]decimal.Decimal {
	out := make(map[int64]decimal.Decimal, len(productIDs))
	rows := s.stock[storeID]
	for _, id := range productIDs {
		if entry, ok := rows[id]; ok {
			out[id] = entry.Quantity
		}
	}
	return out
}

func (s *Store) stockRows(storeID int64) map[int64]domain.StockEntry {
	rows, ok := s.stock[storeID]
	if !ok {
		rows = make(map[int64]domain.StockEntry)
		s.stock[storeID] = rows
	}
	return rows
}

func (s *Store) appendHistoryLocked(storeID int64, productID int64, change decimal.Decimal, reason string) {
	s.history = append(s.history, domain.StockHistoryEntry{
		ID:             s.nextID("stock_history"),
		StoreID:        storeID,
		ProductID:      productID,
		QuantityChange: change,
		Reason:         reason,
		CreatedAt:      s.now(),
	})
}

func (s *Store) nameShortagesLocked(shortages []domain.Shortage) []domain.Shortage {
	for i := range shortages {
		shortages[i].ProductName = s.products[shortages[i].ProductID].Name
	}
	return shortages
}

func (s *Store) upsertAddressLocked(addr domain.DeliveryAddress) domain.DeliveryAddress {
	for i, existing := range s.addresses {
		if existing.CustomerName == addr.CustomerName && existing.Phone == addr.Phone && existing.Address == addr.Address {
			existing.Landmark = addr.Landmark
			existing.Notes = addr.Notes
			if addr.Latitude != nil && addr.Longitude != nil {
				existing.Latitude, existing.Longitude = addr.Latitude, addr.Longitude
			}
			s.addresses[i] = existing
			return existing
		}
	}
	addr.ID = s.nextID("address")
	s.addresses = append(s.addresses, addr)
	return addr
}

func (s *Store) orderForSaleLocked(saleID int64) *domain.DeliveryOrder {
	for _, order := range s.orders {
		if order.SaleID == saleID {
			copied := *order
			return &copied
		}
	}
	return nil
}

func (s *Store) nextID(table string) int64 {
	s.ids[table]++
	return s.ids[table]
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	out := *src
	out.Items = append([]domain.SaleItem(nil), src.Items...)
	return &out
}
