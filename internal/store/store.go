package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"heladeria/backend/internal/domain"
	"heladeria/backend/internal/ledger"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidInput      = errors.New("invalid input")
	ErrEmailTaken        = errors.New("email already registered")
)

// ShortageError lists every product a mutation could not cover.
type ShortageError struct {
	Shortages []domain.Shortage
}

func (e *ShortageError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, s.String())
	}
	return fmt.Sprintf("insufficient stock: %s", strings.Join(parts, "; "))
}

func (e *ShortageError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// CheckoutDraft is everything a checkout writes, persisted in one transaction.
type CheckoutDraft struct {
	StoreID        int64
	IdempotencyKey string
	Channel        string
	PaymentMethod  string
	PaymentStatus  string
	Items          []domain.SaleItem
	TotalAmount    decimal.Decimal
	Deductions     ledger.Requirements
	Delivery       *DeliveryDraft
	WebUser        *domain.WebUser
	CreatedAt      time.Time
}

type DeliveryDraft struct {
	Address domain.DeliveryAddress
	Source  string
}

type CheckoutResult struct {
	Sale          domain.Sale
	DeliveryOrder *domain.DeliveryOrder
	// Duplicate is set when the idempotency key was already bound to a sale.
	Duplicate bool
}

type PaymentUpdate struct {
	PreferenceID string
	PaymentLink  string
	QRLink       string
}

type PaymentStatusUpdate struct {
	PaymentStatus string
	MPStatus      string
	MPPaymentID   string
}

type Repository interface {
	GetStore(ctx context.Context, storeID int64) (*domain.Store, error)
	GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	FindProductsByNames(ctx context.Context, names []string) (map[string]domain.Product, error)
	ListFlavorStock(ctx context.Context, storeID int64) ([]domain.FlavorAlternative, error)

	GetStock(ctx context.Context, storeID int64, productID int64) (decimal.Decimal, error)
	GetStockMap(ctx context.Context, storeID int64, productIDs []int64) (map[int64]decimal.Decimal, error)
	ListStock(ctx context.Context, storeID int64) ([]domain.StockEntry, error)
	SetStock(ctx context.Context, entry domain.StockEntry, reason string) (*domain.StockEntry, error)
	AdjustStock(ctx context.Context, storeID int64, productID int64, delta decimal.Decimal, reason string) (*domain.StockEntry, error)
	ReserveAndDeduct(ctx context.Context, storeID int64, required ledger.Requirements, reason string) error
	ListStockHistory(ctx context.Context, storeID int64, productID int64, limit int) ([]domain.StockHistoryEntry, error)

	FindSaleByIdempotency(ctx context.Context, storeID int64, key string) (*domain.Sale, error)
	GetSale(ctx context.Context, saleID int64) (*domain.Sale, error)
	CreateCheckout(ctx context.Context, draft CheckoutDraft) (*CheckoutResult, error)
	AttachPayment(ctx context.Context, saleID int64, update PaymentUpdate) error
	UpdatePaymentStatus(ctx context.Context, saleID int64, update PaymentStatusUpdate) (*domain.Sale, error)

	ListDeliveryStatuses(ctx context.Context) ([]domain.DeliveryStatus, error)
	GetDeliveryOrder(ctx context.Context, orderID int64) (*domain.DeliveryOrder, error)
	UpdateDeliveryStatus(ctx context.Context, orderID int64, statusID int64, notes string, actor string) (*domain.DeliveryOrder, error)
	ListDeliveryHistory(ctx context.Context, orderID int64) ([]domain.DeliveryStatusHistory, error)

	GetStaffUser(ctx context.Context, username string) (*domain.StaffUser, error)
}
