package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"heladeria/backend/internal/delivery"
	"heladeria/backend/internal/domain"
	"heladeria/backend/internal/ledger"
	"heladeria/backend/internal/rounding"
	"heladeria/backend/internal/store"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) GetStore(ctx context.Context, storeID int64) (*domain.Store, error) {
	return scanStoreRow(s.db.QueryRowContext(ctx, `
		SELECT id, name, latitude, longitude
		FROM stores
		WHERE id = $1
	`, storeID))
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	out := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, sales_format, max_flavors, price, active, track_stock
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// FindProductsByNames resolves exact names; duplicate names resolve to the lowest id.
func (s *Store) FindProductsByNames(ctx context.Context, names []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(names))
	if len(names) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (name) id, name, category, sales_format, max_flavors, price, active, track_stock
		FROM products
		WHERE name = ANY($1)
		ORDER BY name, id
	`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.Name] = p
	}
	return out, rows.Err()
}

func (s *Store) ListFlavorStock(ctx context.Context, storeID int64) ([]domain.FlavorAlternative, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, st.quantity
		FROM stocks st
		JOIN products p ON p.id = st.product_id
		WHERE st.store_id = $1 AND p.active AND p.category = $2 AND st.quantity > 0
		ORDER BY st.quantity DESC, p.id
	`, storeID, domain.FlavorCategory)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.FlavorAlternative, 0, 16)
	for rows.Next() {
		var alt domain.FlavorAlternative
		if err := rows.Scan(&alt.ID, &alt.Name, &alt.Stock); err != nil {
			return nil, err
		}
		out = append(out, alt)
	}
	return out, rows.Err()
}

func (s *Store) GetStock(ctx context.Context, storeID int64, productID int64) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT quantity FROM stocks WHERE store_id = $1 AND product_id = $2
	`, storeID, productID).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return qty, nil
}

func (s *Store) GetStockMap(ctx context.Context, storeID int64, productIDs []int64) (map[int64]decimal.Decimal, error) {
	return stockMap(ctx, s.db, storeID, productIDs, false)
}

func (s *Store) ListStock(ctx context.Context, storeID int64) ([]domain.StockEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT st.store_id, st.product_id, p.name, st.quantity, st.minimum_quantity, st.updated_at
		FROM stocks st
		JOIN products p ON p.id = st.product_id
		WHERE st.store_id = $1
		ORDER BY st.product_id
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StockEntry, 0, 64)
	for rows.Next() {
		var e domain.StockEntry
		if err := rows.Scan(&e.StoreID, &e.ProductID, &e.ProductName, &e.Quantity, &e.MinimumQuantity, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) SetStock(ctx context.Context, entry domain.StockEntry, reason string) (*domain.StockEntry, error) {
	if entry.StoreID < 1 || entry.ProductID < 1 || entry.Quantity.IsNegative() || entry.MinimumQuantity.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	name, err := productName(ctx, tx, entry.ProductID)
	if err != nil {
		return nil, err
	}
	previous, err := lockStockRow(ctx, tx, entry.StoreID, entry.ProductID)
	if err != nil {
		return nil, err
	}

	entry.Quantity = rounding.Quantity(entry.Quantity)
	entry.MinimumQuantity = rounding.Quantity(entry.MinimumQuantity)
	err = tx.QueryRowContext(ctx, `
		UPDATE stocks
		SET quantity = $3, minimum_quantity = $4, updated_at = now()
		WHERE store_id = $1 AND product_id = $2
		RETURNING updated_at
	`, entry.StoreID, entry.ProductID, entry.Quantity, entry.MinimumQuantity).Scan(&entry.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if delta := rounding.Sub(entry.Quantity, previous); !delta.IsZero() {
		if err := insertHistory(ctx, tx, entry.StoreID, entry.ProductID, delta, reason); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	entry.ProductName = name
	return &entry, nil
}

func (s *Store) AdjustStock(ctx context.Context, storeID int64, productID int64, delta decimal.Decimal, reason string) (*domain.StockEntry, error) {
	if delta.IsZero() {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	name, err := productName(ctx, tx, productID)
	if err != nil {
		return nil, err
	}
	current, err := lockStockRow(ctx, tx, storeID, productID)
	if err != nil {
		return nil, err
	}

	next := rounding.Add(current, delta)
	if next.IsNegative() {
		return nil, &store.ShortageError{Shortages: []domain.Shortage{{
			ProductID:   productID,
			ProductName: name,
			Available:   current,
			Required:    rounding.Quantity(delta.Neg()),
		}}}
	}

	entry := domain.StockEntry{StoreID: storeID, ProductID: productID, ProductName: name, Quantity: next}
	err = tx.QueryRowContext(ctx, `
		UPDATE stocks
		SET quantity = $3, updated_at = now()
		WHERE store_id = $1 AND product_id = $2
		RETURNING minimum_quantity, updated_at
	`, storeID, productID, next).Scan(&entry.MinimumQuantity, &entry.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := insertHistory(ctx, tx, storeID, productID, rounding.Quantity(delta), reason); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) ReserveAndDeduct(ctx context.Context, storeID int64, required ledger.Requirements, reason string) error {
	if !ledger.Validate(required) {
		return store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := deduct(ctx, tx, storeID, required, reason); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListStockHistory(ctx context.Context, storeID int64, productID int64, limit int) ([]domain.StockHistoryEntry, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, product_id, quantity_change, reason, created_at
		FROM stock_history
		WHERE store_id = $1 AND ($2 = 0 OR product_id = $2)
		ORDER BY id DESC
		LIMIT $3
	`, storeID, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StockHistoryEntry, 0, limit)
	for rows.Next() {
		var h domain.StockHistoryEntry
		if err := rows.Scan(&h.ID, &h.StoreID, &h.ProductID, &h.QuantityChange, &h.Reason, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, storeID int64, key string) (*domain.Sale, error) {
	return findSale(ctx, s.db, "store_id = $1 AND idempotency_key = $2", storeID, key)
}

func (s *Store) GetSale(ctx context.Context, saleID int64) (*domain.Sale, error) {
	return findSale(ctx, s.db, "id = $1", saleID)
}

// CreateCheckout writes the whole checkout in one READ COMMITTED transaction.
// Stock rows are locked in product id order before validation, so concurrent
// checkouts on the same store serialize on the rows they share and never
// deadlock against each other.
func (s *Store) CreateCheckout(ctx context.Context, draft store.CheckoutDraft) (*store.CheckoutResult, error) {
	if draft.StoreID < 1 || len(draft.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	result, err := s.createCheckout(ctx, draft)
	if err != nil && draft.IdempotencyKey != "" && isUniqueViolation(err, "sales_store_idempotency_key_idx") {
		// A concurrent request with the same key committed first.
		return s.replay(ctx, draft.StoreID, draft.IdempotencyKey)
	}
	return result, err
}

func (s *Store) createCheckout(ctx context.Context, draft store.CheckoutDraft) (*store.CheckoutResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var available map[int64]decimal.Decimal
	if len(draft.Deductions) > 0 {
		if available, err = stockMap(ctx, tx, draft.StoreID, draft.Deductions.ProductIDs(), true); err != nil {
			return nil, err
		}
	}

	if draft.IdempotencyKey != "" {
		existing, err := findSale(ctx, tx, "store_id = $1 AND idempotency_key = $2", draft.StoreID, draft.IdempotencyKey)
		switch {
		case err == nil:
			order, err := findDeliveryOrderBySale(ctx, tx, existing.ID)
			if err != nil {
				return nil, err
			}
			return &store.CheckoutResult{Sale: *existing, DeliveryOrder: order, Duplicate: true}, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	if len(draft.Deductions) > 0 {
		if shortages := ledger.Check(draft.Deductions, available); len(shortages) > 0 {
			if err := nameShortages(ctx, tx, shortages); err != nil {
				return nil, err
			}
			return nil, &store.ShortageError{Shortages: shortages}
		}
	}

	now := draft.CreatedAt
	if now.IsZero() {
		now = s.now()
	}

	if draft.WebUser != nil {
		u := draft.WebUser
		_, err := tx.ExecContext(ctx, `
			INSERT INTO web_users (email, password_hash, first_name, last_name, phone, address, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, strings.ToLower(strings.TrimSpace(u.Email)), u.PasswordHash, u.FirstName, u.LastName, u.Phone, u.Address, now)
		if err != nil {
			if isUniqueViolation(err, "web_users_email_key") {
				return nil, store.ErrEmailTaken
			}
			return nil, err
		}
	}

	orderNumber, err := nextOrderNumber(ctx, tx, now.Year())
	if err != nil {
		return nil, err
	}

	sale := domain.Sale{
		StoreID:        draft.StoreID,
		OrderNumber:    orderNumber,
		IdempotencyKey: draft.IdempotencyKey,
		Channel:        draft.Channel,
		TotalAmount:    draft.TotalAmount,
		PaymentMethod:  draft.PaymentMethod,
		PaymentStatus:  draft.PaymentStatus,
		IsDelivery:     draft.Delivery != nil,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sales (
			store_id, order_number, idempotency_key, channel, total_amount,
			payment_method, payment_status, is_delivery, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
		RETURNING id
	`, sale.StoreID, sale.OrderNumber, nullIfEmpty(sale.IdempotencyKey), sale.Channel, sale.TotalAmount,
		sale.PaymentMethod, sale.PaymentStatus, sale.IsDelivery, now).Scan(&sale.ID)
	if err != nil {
		return nil, err
	}

	for _, item := range draft.Items {
		item.SaleID = sale.ID
		err := tx.QueryRowContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, quantity, unit_price, total_price, flavors)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING id
		`, item.SaleID, item.ProductID, item.Quantity, item.UnitPrice, item.TotalPrice, nullIfEmpty(item.Flavors)).Scan(&item.ID)
		if err != nil {
			return nil, err
		}
		sale.Items = append(sale.Items, item)
	}

	var order *domain.DeliveryOrder
	if draft.Delivery != nil {
		if order, err = createDeliveryOrder(ctx, tx, sale, *draft.Delivery, now); err != nil {
			return nil, err
		}
	}

	if len(draft.Deductions) > 0 {
		if err := applyDeductions(ctx, tx, draft.StoreID, draft.Deductions, available, ledger.SaleReason(sale.OrderNumber)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &store.CheckoutResult{Sale: sale, DeliveryOrder: order}, nil
}

func (s *Store) replay(ctx context.Context, storeID int64, key string) (*store.CheckoutResult, error) {
	existing, err := s.FindSaleByIdempotency(ctx, storeID, key)
	if err != nil {
		return nil, err
	}
	order, err := findDeliveryOrderBySale(ctx, s.db, existing.ID)
	if err != nil {
		return nil, err
	}
	return &store.CheckoutResult{Sale: *existing, DeliveryOrder: order, Duplicate: true}, nil
}

func (s *Store) AttachPayment(ctx context.Context, saleID int64, update store.PaymentUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET mp_preference_id = $2, mp_payment_link = $3, mp_qr_link = $4, updated_at = now()
		WHERE id = $1
	`, saleID, nullIfEmpty(update.PreferenceID), nullIfEmpty(update.PaymentLink), nullIfEmpty(update.QRLink))
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) UpdatePaymentStatus(ctx context.Context, saleID int64, update store.PaymentStatusUpdate) (*domain.Sale, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET payment_status = $2, mp_status = $3, mp_payment_id = COALESCE($4, mp_payment_id), updated_at = now()
		WHERE id = $1
	`, saleID, update.PaymentStatus, nullIfEmpty(update.MPStatus), nullIfEmpty(update.MPPaymentID))
	if err != nil {
		return nil, err
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	return s.GetSale(ctx, saleID)
}

func (s *Store) ListDeliveryStatuses(ctx context.Context) ([]domain.DeliveryStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, color_code, sort_order
		FROM delivery_statuses
		ORDER BY sort_order, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.DeliveryStatus, 0, 8)
	for rows.Next() {
		var st domain.DeliveryStatus
		if err := rows.Scan(&st.ID, &st.Name, &st.Description, &st.ColorCode, &st.Order); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) GetDeliveryOrder(ctx context.Context, orderID int64) (*domain.DeliveryOrder, error) {
	order, err := scanDeliveryOrder(s.db.QueryRowContext(ctx, deliveryOrderSelect+` WHERE id = $1`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

func (s *Store) UpdateDeliveryStatus(ctx context.Context, orderID int64, statusID int64, notes string, actor string) (*domain.DeliveryOrder, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var known bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM delivery_statuses WHERE id = $1)`, statusID).Scan(&known); err != nil {
		return nil, err
	}
	if !known {
		return nil, store.ErrInvalidInput
	}

	order, err := scanDeliveryOrder(tx.QueryRowContext(ctx, deliveryOrderSelect+` WHERE id = $1 FOR UPDATE`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE delivery_orders SET current_status_id = $2, updated_at = now() WHERE id = $1
	`, orderID, statusID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_status_history (delivery_order_id, status_id, notes, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, orderID, statusID, notes, actor, s.now()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	order.CurrentStatusID = statusID
	return order, nil
}

func (s *Store) ListDeliveryHistory(ctx context.Context, orderID int64) ([]domain.DeliveryStatusHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, delivery_order_id, status_id, notes, created_by, created_at
		FROM delivery_status_history
		WHERE delivery_order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.DeliveryStatusHistory, 0, 4)
	for rows.Next() {
		var h domain.DeliveryStatusHistory
		if err := rows.Scan(&h.ID, &h.DeliveryOrderID, &h.StatusID, &h.Notes, &h.CreatedBy, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) GetStaffUser(ctx context.Context, username string) (*domain.StaffUser, error) {
	var (
		u       domain.StaffUser
		storeID sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, role, store_id, active
		FROM staff_users
		WHERE username = $1
	`, username).Scan(&u.Username, &u.PasswordHash, &u.Role, &storeID, &u.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	u.StoreID = storeID.Int64
	return &u, nil
}

// CreateStaffUser inserts or replaces a staff account. Used by the seeding path.
func (s *Store) CreateStaffUser(ctx context.Context, u domain.StaffUser) error {
	var storeID any
	if u.StoreID > 0 {
		storeID = u.StoreID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staff_users (username, password_hash, role, store_id, active)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (username)
		DO UPDATE SET password_hash = EXCLUDED.password_hash, role = EXCLUDED.role,
			store_id = EXCLUDED.store_id, active = EXCLUDED.active
	`, u.Username, u.PasswordHash, u.Role, storeID, u.Active)
	return err
}

func deduct(ctx context.Context, tx *sql.Tx, storeID int64, required ledger.Requirements, reason string) error {
	available, err := stockMap(ctx, tx, storeID, required.ProductIDs(), true)
	if err != nil {
		return err
	}
	if shortages := ledger.Check(required, available); len(shortages) > 0 {
		if err := nameShortages(ctx, tx, shortages); err != nil {
			return err
		}
		return &store.ShortageError{Shortages: shortages}
	}
	return applyDeductions(ctx, tx, storeID, required, available, reason)
}

// applyDeductions expects the rows in available to be locked by the caller.
func applyDeductions(ctx context.Context, tx *sql.Tx, storeID int64, required ledger.Requirements, available map[int64]decimal.Decimal, reason string) error {
	for _, id := range required.ProductIDs() {
		next := rounding.Sub(available[id], required[id])
		if _, err := tx.ExecContext(ctx, `
			UPDATE stocks SET quantity = $3, updated_at = now()
			WHERE store_id = $1 AND product_id = $2
		`, storeID, id, next); err != nil {
			return err
		}
		if err := insertHistory(ctx, tx, storeID, id, rounding.Quantity(required[id]).Neg(), reason); err != nil {
			return err
		}
	}
	return nil
}

// stockMap reads quantities for the given products. Missing rows are absent
// from the result. With lock set the rows are taken FOR UPDATE in id order.
func stockMap(ctx context.Context, q queryer, storeID int64, productIDs []int64, lock bool) (map[int64]decimal.Decimal, error) {
	out := make(map[int64]decimal.Decimal, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	query := `
		SELECT product_id, quantity
		FROM stocks
		WHERE store_id = $1 AND product_id = ANY($2)
		ORDER BY product_id`
	if lock {
		query += `
		FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, storeID, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  int64
			qty decimal.Decimal
		)
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		out[id] = qty
	}
	return out, rows.Err()
}

// lockStockRow ensures the row exists and returns its quantity under FOR UPDATE.
func lockStockRow(ctx context.Context, tx *sql.Tx, storeID int64, productID int64) (decimal.Decimal, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stocks (store_id, product_id, quantity, minimum_quantity, updated_at)
		VALUES ($1,$2,0,0,now())
		ON CONFLICT (store_id, product_id) DO NOTHING
	`, storeID, productID); err != nil {
		return decimal.Zero, err
	}
	var qty decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		SELECT quantity FROM stocks WHERE store_id = $1 AND product_id = $2 FOR UPDATE
	`, storeID, productID).Scan(&qty)
	return qty, err
}

func insertHistory(ctx context.Context, tx *sql.Tx, storeID int64, productID int64, change decimal.Decimal, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_history (store_id, product_id, quantity_change, reason, created_at)
		VALUES ($1,$2,$3,$4,now())
	`, storeID, productID, change, reason)
	return err
}

func productName(ctx context.Context, q queryer, productID int64) (string, error) {
	var name string
	err := q.QueryRowContext(ctx, `SELECT name FROM products WHERE id = $1`, productID).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", err
	}
	return name, nil
}

func nameShortages(ctx context.Context, q queryer, shortages []domain.Shortage) error {
	ids := make([]int64, 0, len(shortages))
	for _, sh := range shortages {
		ids = append(ids, sh.ProductID)
	}
	rows, err := q.QueryContext(ctx, `SELECT id, name FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	names := make(map[int64]string, len(ids))
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return err
		}
		names[id] = name
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i := range shortages {
		shortages[i].ProductName = names[shortages[i].ProductID]
	}
	return nil
}

// nextOrderNumber bumps the per-year counter inside the caller's transaction,
// so a rolled back checkout never consumes a number.
func nextOrderNumber(ctx context.Context, tx *sql.Tx, year int) (string, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO order_sequences (year, last_value)
		VALUES ($1, 1)
		ON CONFLICT (year)
		DO UPDATE SET last_value = order_sequences.last_value + 1
		RETURNING last_value
	`, year).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("next order number: %w", err)
	}
	return domain.FormatOrderNumber(year, seq), nil
}

func createDeliveryOrder(ctx context.Context, tx *sql.Tx, sale domain.Sale, draft store.DeliveryDraft, now time.Time) (*domain.DeliveryOrder, error) {
	var initialID int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM delivery_statuses ORDER BY sort_order, id LIMIT 1
	`).Scan(&initialID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	addr, err := upsertAddress(ctx, tx, draft.Address)
	if err != nil {
		return nil, err
	}

	st, err := scanStoreRow(tx.QueryRowContext(ctx, `SELECT id, name, latitude, longitude FROM stores WHERE id = $1`, sale.StoreID))
	if err != nil {
		return nil, err
	}

	order := &domain.DeliveryOrder{
		SaleID:          sale.ID,
		AddressID:       addr.ID,
		CurrentStatusID: initialID,
		DeliveryNotes:   "Order #" + sale.OrderNumber,
		StoreLatitude:   st.Latitude,
		StoreLongitude:  st.Longitude,
		DistanceKM:      delivery.Distance(*st, addr),
		OrderSource:     draft.Source,
		CreatedAt:       now,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO delivery_orders (
			sale_id, address_id, current_status_id, delivery_notes,
			store_latitude, store_longitude, distance_km, order_source, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
		RETURNING id
	`, order.SaleID, order.AddressID, order.CurrentStatusID, order.DeliveryNotes,
		nullFloat(order.StoreLatitude), nullFloat(order.StoreLongitude), nullFloat(order.DistanceKM), order.OrderSource, now).Scan(&order.ID)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_status_history (delivery_order_id, status_id, notes, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, order.ID, initialID, "Pedido creado", delivery.CreatedBy, now); err != nil {
		return nil, err
	}
	return order, nil
}

// upsertAddress reuses an address with the same customer, phone and street.
func upsertAddress(ctx context.Context, tx *sql.Tx, addr domain.DeliveryAddress) (domain.DeliveryAddress, error) {
	var (
		existingID int64
		lat, lng   sql.NullFloat64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT id, latitude, longitude
		FROM delivery_addresses
		WHERE customer_name = $1 AND phone = $2 AND address = $3
		ORDER BY id
		LIMIT 1
		FOR UPDATE
	`, addr.CustomerName, addr.Phone, addr.Address).Scan(&existingID, &lat, &lng)
	switch {
	case err == nil:
		if addr.Latitude == nil || addr.Longitude == nil {
			addr.Latitude, addr.Longitude = floatPtr(lat), floatPtr(lng)
		}
		addr.ID = existingID
		_, err := tx.ExecContext(ctx, `
			UPDATE delivery_addresses
			SET landmark = $2, notes = $3, latitude = $4, longitude = $5, updated_at = now()
			WHERE id = $1
		`, addr.ID, addr.Landmark, addr.Notes, nullFloat(addr.Latitude), nullFloat(addr.Longitude))
		return addr, err
	case errors.Is(err, sql.ErrNoRows):
		err := tx.QueryRowContext(ctx, `
			INSERT INTO delivery_addresses (customer_name, phone, address, landmark, notes, latitude, longitude)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			RETURNING id
		`, addr.CustomerName, addr.Phone, addr.Address, addr.Landmark, addr.Notes,
			nullFloat(addr.Latitude), nullFloat(addr.Longitude)).Scan(&addr.ID)
		return addr, err
	default:
		return addr, err
	}
}

func findSale(ctx context.Context, q queryer, where string, args ...any) (*domain.Sale, error) {
	var (
		sale                                          domain.Sale
		idem, prefID, link, qr, mpPaymentID, mpStatus sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, store_id, order_number, idempotency_key, channel, total_amount,
			payment_method, payment_status, is_delivery, mp_preference_id, mp_payment_link,
			mp_qr_link, mp_payment_id, mp_status, created_at, updated_at
		FROM sales
		WHERE `+where, args...).Scan(
		&sale.ID, &sale.StoreID, &sale.OrderNumber, &idem, &sale.Channel, &sale.TotalAmount,
		&sale.PaymentMethod, &sale.PaymentStatus, &sale.IsDelivery, &prefID, &link,
		&qr, &mpPaymentID, &mpStatus, &sale.CreatedAt, &sale.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.IdempotencyKey = idem.String
	sale.PreferenceID = prefID.String
	sale.PaymentLink = link.String
	sale.QRLink = qr.String
	sale.MPPaymentID = mpPaymentID.String
	sale.MPStatus = mpStatus.String

	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, product_id, quantity, unit_price, total_price, flavors
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item    domain.SaleItem
			flavors sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.TotalPrice, &flavors); err != nil {
			return nil, err
		}
		item.Flavors = flavors.String
		sale.Items = append(sale.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sale, nil
}

const deliveryOrderSelect = `
	SELECT id, sale_id, address_id, current_status_id, delivery_notes,
		store_latitude, store_longitude, distance_km, order_source, created_at
	FROM delivery_orders`

func findDeliveryOrderBySale(ctx context.Context, q queryer, saleID int64) (*domain.DeliveryOrder, error) {
	order, err := scanDeliveryOrder(q.QueryRowContext(ctx, deliveryOrderSelect+` WHERE sale_id = $1`, saleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return order, nil
}

func scanDeliveryOrder(row *sql.Row) (*domain.DeliveryOrder, error) {
	var (
		order              domain.DeliveryOrder
		storeLat, storeLng sql.NullFloat64
		distance           sql.NullFloat64
	)
	if err := row.Scan(&order.ID, &order.SaleID, &order.AddressID, &order.CurrentStatusID, &order.DeliveryNotes,
		&storeLat, &storeLng, &distance, &order.OrderSource, &order.CreatedAt); err != nil {
		return nil, err
	}
	order.StoreLatitude = floatPtr(storeLat)
	order.StoreLongitude = floatPtr(storeLng)
	order.DistanceKM = floatPtr(distance)
	return &order, nil
}

func scanStoreRow(row *sql.Row) (*domain.Store, error) {
	var (
		st       domain.Store
		lat, lng sql.NullFloat64
	)
	if err := row.Scan(&st.ID, &st.Name, &lat, &lng); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	st.Latitude = floatPtr(lat)
	st.Longitude = floatPtr(lng)
	return &st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.SalesFormat, &p.MaxFlavors, &p.Price, &p.Active, &p.TrackStock)
	return p, err
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// isUniqueViolation reports a 23505. When constraint is non-empty it must match too.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	return false
}

func nullIfEmpty(val string) any {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	return val
}

func nullFloat(val *float64) any {
	if val == nil {
		return nil
	}
	return *val
}

func floatPtr(val sql.NullFloat64) *float64 {
	if !val.Valid {
		return nil
	}
	f := val.Float64
	return &f
}
