package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	ChannelPOS     = "pos"
	ChannelWebshop = "webshop"

	OrderSourcePOS     = "POS"
	OrderSourceWebshop = "WEBSHOP"

	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"

	PaymentMethodCash        = "cash"
	PaymentMethodCard        = "card"
	PaymentMethodTransfer    = "transfer"
	PaymentMethodMercadoPago = "mercadopago"
	PaymentMethodOnline      = "online"

	RoleCashier = "cashier"
	RoleManager = "manager"

	FlavorCategory = "Sabores"
)

type Product struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Category    string          `json:"category"`
	SalesFormat string          `json:"sales_format,omitempty"`
	MaxFlavors  int             `json:"max_flavors"`
	Price       decimal.Decimal `json:"price"`
	Active      bool            `json:"active"`
	TrackStock  bool            `json:"track_stock"`
}

type Store struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

type StockEntry struct {
	StoreID         int64           `json:"store_id"`
	ProductID       int64           `json:"product_id"`
	ProductName     string          `json:"product_name,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	MinimumQuantity decimal.Decimal `json:"minimum_quantity"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type StockHistoryEntry struct {
	ID             int64           `json:"id"`
	StoreID        int64           `json:"store_id"`
	ProductID      int64           `json:"product_id"`
	QuantityChange decimal.Decimal `json:"quantity_change"`
	Reason         string          `json:"reason"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Shortage names one product a store cannot cover.
type Shortage struct {
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"name,omitempty"`
	Available   decimal.Decimal `json:"available"`
	Required    decimal.Decimal `json:"required"`
}

func (s Shortage) String() string {
	name := s.ProductName
	if name == "" {
		name = fmt.Sprintf("producto %d", s.ProductID)
	}
	return fmt.Sprintf("%s: disponible %s, requiere %s", name, s.Available.StringFixed(2), s.Required.StringFixed(2))
}

type StockSetRequest struct {
	Quantity        decimal.Decimal `json:"quantity"`
	MinimumQuantity decimal.Decimal `json:"minimum_quantity"`
	Reason          string          `json:"reason"`
}

type StockAdjustRequest struct {
	Delta  decimal.Decimal `json:"delta"`
	Reason string          `json:"reason" validate:"required"`
}

type StockDeductRequest struct {
	Items  []StockDeductLine `json:"items" validate:"required,min=1,dive"`
	Reason string            `json:"reason" validate:"required"`
}

type StockDeductLine struct {
	ProductID int64           `json:"product_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
}

type Sale struct {
	ID             int64           `json:"id"`
	StoreID        int64           `json:"store_id"`
	OrderNumber    string          `json:"order_number"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Channel        string          `json:"channel"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PaymentMethod  string          `json:"payment_method"`
	PaymentStatus  string          `json:"payment_status"`
	IsDelivery     bool            `json:"is_delivery"`
	PreferenceID   string          `json:"mp_preference_id,omitempty"`
	PaymentLink    string          `json:"mp_payment_link,omitempty"`
	QRLink         string          `json:"mp_qr_link,omitempty"`
	MPPaymentID    string          `json:"mp_payment_id,omitempty"`
	MPStatus       string          `json:"mp_status,omitempty"`
	Items          []SaleItem      `json:"items"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type SaleItem struct {
	ID         int64           `json:"id"`
	SaleID     int64           `json:"sale_id"`
	ProductID  int64           `json:"product_id"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Flavors    string          `json:"flavors,omitempty"`
}

type DeliveryAddress struct {
	ID           int64    `json:"id"`
	CustomerName string   `json:"customer_name"`
	Phone        string   `json:"phone"`
	Address      string   `json:"address"`
	Landmark     string   `json:"landmark,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
}

type WebUser struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Phone        string `json:"phone"`
	Address      string `json:"address"`
}

type DeliveryStatus struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ColorCode   string `json:"color_code,omitempty"`
	Order       int    `json:"order"`
}

type DeliveryOrder struct {
	ID              int64     `json:"id"`
	SaleID          int64     `json:"sale_id"`
	AddressID       int64     `json:"address_id"`
	CurrentStatusID int64     `json:"current_status_id"`
	DeliveryNotes   string    `json:"delivery_notes,omitempty"`
	StoreLatitude   *float64  `json:"store_latitude,omitempty"`
	StoreLongitude  *float64  `json:"store_longitude,omitempty"`
	DistanceKM      *float64  `json:"distance_km,omitempty"`
	OrderSource     string    `json:"order_source"`
	CreatedAt       time.Time `json:"created_at"`
}

type DeliveryStatusHistory struct {
	ID              int64     `json:"id"`
	DeliveryOrderID int64     `json:"delivery_order_id"`
	StatusID        int64     `json:"status_id"`
	Notes           string    `json:"notes,omitempty"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
}

type DeliveryStatusUpdateRequest struct {
	StatusID int64  `json:"status_id" validate:"required"`
	Notes    string `json:"notes"`
}

type StaffUser struct {
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Role         string `json:"role"`
	StoreID      int64  `json:"store_id"`
	Active       bool   `json:"active"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
	StoreID  int64
}

// FormatOrderNumber renders the customer facing order number.
func FormatOrderNumber(year int, seq int64) string {
	return fmt.Sprintf("VEN-%d-%03d", year, seq)
}

// DeliveryOrderDetail is a delivery order with its status trail, oldest first.
type DeliveryOrderDetail struct {
	DeliveryOrder
	History []DeliveryStatusHistory `json:"history"`
}
