// Package payment provisions payment links and reads payment outcomes.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"heladeria/backend/internal/domain"
)

const (
	defaultBaseURL             = "https://api.mercadopago.com"
	responseBodyReadLimit      = 1024
	currencyARS                = "ARS"
	statementDescriptor        = "Venezia Helados"
	preferenceLifetime         = 24 * time.Hour
	excludedPaymentTypeTicket  = "ticket"
	defaultInstallments        = 1
	mercadoPagoTimestampLayout = "2006-01-02T15:04:05.000-07:00"
)

// ErrNotConfigured is returned by every call when no access token is set.
var ErrNotConfigured = errors.New("MercadoPago is not configured. Please set MERCADOPAGO_ACCESS_TOKEN.")

// Gateway is what checkout and the webhook need from a payment provider.
type Gateway interface {
	CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error)
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
}

type PreferenceRequest struct {
	SaleID      int64
	OrderNumber string
	Total       decimal.Decimal
	PayerEmail  string
}

type Preference struct {
	ID          string
	PaymentLink string
	SandboxLink string
	ExpiresAt   time.Time
}

type Payment struct {
	ID                string
	Status            string
	StatusDetail      string
	ExternalReference string
}

// URLs are the callback endpoints embedded in every preference.
type URLs struct {
	Notification string
	Success      string
	Failure      string
	Pending      string
}

// MercadoPago talks to the Checkout Pro REST API.
type MercadoPago struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
	urls        URLs
	now         func() time.Time
}

type Option func(*MercadoPago)

func WithHTTPClient(client *http.Client) Option {
	return func(m *MercadoPago) {
		if client != nil {
			m.httpClient = client
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(m *MercadoPago) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			m.baseURL = trimmed
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *MercadoPago) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMercadoPago never fails: an empty token yields a client whose calls
// return ErrNotConfigured, so checkout can degrade to a warning.
func NewMercadoPago(accessToken string, urls URLs, opts ...Option) *MercadoPago {
	client := &MercadoPago{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		baseURL:     defaultBaseURL,
		accessToken: strings.TrimSpace(accessToken),
		urls:        urls,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

func (m *MercadoPago) Configured() bool {
	return m != nil && m.accessToken != ""
}

type preferenceItem struct {
	Title      string      `json:"title"`
	Quantity   int         `json:"quantity"`
	CurrencyID string      `json:"currency_id"`
	UnitPrice  json.Number `json:"unit_price"`
}

type preferencePayload struct {
	Items             []preferenceItem  `json:"items"`
	ExternalReference string            `json:"external_reference"`
	NotificationURL   string            `json:"notification_url,omitempty"`
	BackURLs          map[string]string `json:"back_urls,omitempty"`
	AutoReturn        string            `json:"auto_return,omitempty"`
	PaymentMethods    struct {
		ExcludedPaymentTypes []map[string]string `json:"excluded_payment_types"`
		Installments         int                 `json:"installments"`
	} `json:"payment_methods"`
	StatementDescriptor string            `json:"statement_descriptor"`
	Expires             bool              `json:"expires"`
	ExpirationDateFrom  string            `json:"expiration_date_from"`
	ExpirationDateTo    string            `json:"expiration_date_to"`
	Payer               map[string]string `json:"payer,omitempty"`
}

// CreatePreference creates a single-item preference for the whole order total.
func (m *MercadoPago) CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error) {
	if !m.Configured() {
		return nil, ErrNotConfigured
	}
	if req.SaleID < 1 || !req.Total.IsPositive() {
		return nil, fmt.Errorf("invalid preference request for sale %d", req.SaleID)
	}

	now := m.now()
	expiresAt := now.Add(preferenceLifetime)
	payload := preferencePayload{
		Items: []preferenceItem{{
			Title:      "Pedido #" + req.OrderNumber,
			Quantity:   1,
			CurrencyID: currencyARS,
			UnitPrice:  json.Number(req.Total.StringFixed(2)),
		}},
		ExternalReference:   strconv.FormatInt(req.SaleID, 10),
		NotificationURL:     m.urls.Notification,
		StatementDescriptor: statementDescriptor,
		Expires:             true,
		ExpirationDateFrom:  now.Format(mercadoPagoTimestampLayout),
		ExpirationDateTo:    expiresAt.Format(mercadoPagoTimestampLayout),
	}
	if m.urls.Success != "" || m.urls.Failure != "" || m.urls.Pending != "" {
		payload.BackURLs = map[string]string{
			"success": m.urls.Success,
			"failure": m.urls.Failure,
			"pending": m.urls.Pending,
		}
		if m.urls.Success != "" {
			payload.AutoReturn = "approved"
		}
	}
	payload.PaymentMethods.ExcludedPaymentTypes = []map[string]string{{"id": excludedPaymentTypeTicket}}
	payload.PaymentMethods.Installments = defaultInstallments
	if email := strings.TrimSpace(req.PayerEmail); email != "" {
		payload.Payer = map[string]string{"email": email}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal preference: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.buildURL("checkout/preferences"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build preference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+m.accessToken)
	httpReq.Header.Set("X-Idempotency-Key", "sale-"+strconv.FormatInt(req.SaleID, 10))

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute preference request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		return nil, fmt.Errorf("preference request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var apiResp struct {
		ID               string `json:"id"`
		InitPoint        string `json:"init_point"`
		SandboxInitPoint string `json:"sandbox_init_point"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode preference response: %w", err)
	}
	if apiResp.ID == "" {
		return nil, errors.New("preference response without id")
	}

	link := apiResp.InitPoint
	if link == "" {
		link = apiResp.SandboxInitPoint
	}
	return &Preference{
		ID:          apiResp.ID,
		PaymentLink: link,
		SandboxLink: apiResp.SandboxInitPoint,
		ExpiresAt:   expiresAt,
	}, nil
}

// GetPayment fetches a payment by id, as announced by a webhook.
func (m *MercadoPago) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	if !m.Configured() {
		return nil, ErrNotConfigured
	}
	trimmed := strings.TrimSpace(paymentID)
	if trimmed == "" {
		return nil, errors.New("payment id is required")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, m.buildURL("v1/payments/"+url.PathEscape(trimmed)), nil)
	if err != nil {
		return nil, fmt.Errorf("build payment request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.accessToken)

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute payment request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		return nil, fmt.Errorf("payment request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var apiResp struct {
		ID                json.Number `json:"id"`
		Status            string      `json:"status"`
		StatusDetail      string      `json:"status_detail"`
		ExternalReference string      `json:"external_reference"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode payment response: %w", err)
	}
	return &Payment{
		ID:                apiResp.ID.String(),
		Status:            apiResp.Status,
		StatusDetail:      apiResp.StatusDetail,
		ExternalReference: apiResp.ExternalReference,
	}, nil
}

func (m *MercadoPago) buildURL(path string) string {
	return strings.TrimRight(m.baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// MapStatus converts a provider status into a sale payment status.
func MapStatus(providerStatus string) string {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "approved":
		return domain.PaymentStatusCompleted
	case "rejected", "cancelled":
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusPending
	}
}

// RequiresLink reports whether a payment method is settled through a payment link.
// Cash is settled at the counter; everything else gets a link.
func RequiresLink(method string) bool {
	return method != domain.PaymentMethodCash
}

// Notification is the webhook body. Older integrations send topic and id
// as query parameters instead; see ParseNotification.
type Notification struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID json.Number `json:"id"`
	} `json:"data"`
}

// ParseNotification extracts the payment id from a webhook call. ok is false
// for notifications that are not about payments.
func ParseNotification(body []byte, query url.Values) (paymentID string, ok bool) {
	var n Notification
	if len(bytes.TrimSpace(body)) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(body))
		decoder.UseNumber()
		_ = decoder.Decode(&n)
	}
	if n.Type == "" {
		n.Type = query.Get("type")
		if n.Type == "" {
			n.Type = query.Get("topic")
		}
	}
	if n.Type != "payment" {
		return "", false
	}
	id := n.Data.ID.String()
	if id == "" {
		id = query.Get("data.id")
	}
	if id == "" {
		id = query.Get("id")
	}
	return id, id != ""
}
