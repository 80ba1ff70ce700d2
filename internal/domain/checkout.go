package domain

type DeliveryInfo struct {
	FirstName    string   `json:"first_name" validate:"required"`
	LastName     string   `json:"last_name" validate:"required"`
	Phone        string   `json:"phone" validate:"required"`
	Address      string   `json:"address" validate:"required"`
	Landmark     string   `json:"landmark"`
	Instructions string   `json:"instructions"`
	Latitude     *float64 `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude    *float64 `json:"longitude,omitempty" validate:"omitempty,longitude"`
}

func (d DeliveryInfo) CustomerName() string {
	return d.FirstName + " " + d.LastName
}

type Registration struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

// CheckoutRequest drives both the webshop and the point-of-sale flows.
// Items are taken from the stored cart when CartID is set, otherwise from Lines.
type CheckoutRequest struct {
	StoreID        int64         `json:"store_id" validate:"required"`
	Channel        string        `json:"-"`
	CartID         string        `json:"cart_id,omitempty"`
	Lines          []CartLine    `json:"items,omitempty"`
	PaymentMethod  string        `json:"payment_method" validate:"omitempty,oneof=cash card transfer mercadopago online"`
	IdempotencyKey string        `json:"client_idempotency_key,omitempty" validate:"omitempty,max=128"`
	Delivery       *DeliveryInfo `json:"delivery,omitempty"`
	Register       *Registration `json:"register,omitempty"`
}

type CheckoutResponse struct {
	OrderID     int64  `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
	PaymentLink string `json:"payment_link,omitempty"`
	Warning     string `json:"warning,omitempty"`
}

type StockErrorResponse struct {
	Error       string             `json:"error"`
	Details     []string           `json:"details,omitempty"`
	Items       []Shortage         `json:"items,omitempty"`
	Suggestions []FlavorSuggestion `json:"suggestions,omitempty"`
}
