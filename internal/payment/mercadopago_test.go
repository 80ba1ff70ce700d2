package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heladeria/backend/internal/domain"
)

func TestCreatePreferenceNotConfigured(t *testing.T) {
	client := NewMercadoPago("", URLs{})

	_, err := client.CreatePreference(context.Background(), PreferenceRequest{SaleID: 1, Total: decimal.NewFromInt(10)})
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, "MercadoPago is not configured. Please set MERCADOPAGO_ACCESS_TOKEN.", err.Error())
}

func TestCreatePreferencePayload(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/checkout/preferences", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"pref-1","init_point":"https://mp.test/init/pref-1","sandbox_init_point":"https://sandbox.mp.test/pref-1"}`))
	}))
	defer srv.Close()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client := NewMercadoPago("test-token", URLs{
		Notification: "https://api.test/api/v1/payments/webhook",
		Success:      "https://shop.test/ok",
	}, WithBaseURL(srv.URL), WithClock(func() time.Time { return fixed }))

	pref, err := client.CreatePreference(context.Background(), PreferenceRequest{
		SaleID:      42,
		OrderNumber: "VEN-2026-007",
		Total:       decimal.RequireFromString("9500"),
	})
	require.NoError(t, err)
	assert.Equal(t, "pref-1", pref.ID)
	assert.Equal(t, "https://mp.test/init/pref-1", pref.PaymentLink)
	assert.Equal(t, fixed.Add(24*time.Hour), pref.ExpiresAt)

	items := captured["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "Pedido #VEN-2026-007", item["title"])
	assert.Equal(t, float64(1), item["quantity"])
	assert.Equal(t, "ARS", item["currency_id"])
	assert.Equal(t, float64(9500), item["unit_price"])

	assert.Equal(t, "42", captured["external_reference"])
	assert.Equal(t, "https://api.test/api/v1/payments/webhook", captured["notification_url"])
	assert.Equal(t, "Venezia Helados", captured["statement_descriptor"])
	assert.Equal(t, true, captured["expires"])

	methods := captured["payment_methods"].(map[string]any)
	assert.Equal(t, float64(1), methods["installments"])
	excluded := methods["excluded_payment_types"].([]any)
	require.Len(t, excluded, 1)
	assert.Equal(t, "ticket", excluded[0].(map[string]any)["id"])
}

func TestCreatePreferenceRequiresCreatedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"pref-1","init_point":"x"}`))
	}))
	defer srv.Close()

	client := NewMercadoPago("test-token", URLs{}, WithBaseURL(srv.URL))
	_, err := client.CreatePreference(context.Background(), PreferenceRequest{SaleID: 1, Total: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotConfigured))
	assert.Contains(t, err.Error(), "status 200")
}

func TestGetPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/123", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":123,"status":"approved","status_detail":"accredited","external_reference":"42"}`))
	}))
	defer srv.Close()

	client := NewMercadoPago("test-token", URLs{}, WithBaseURL(srv.URL))
	p, err := client.GetPayment(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, "123", p.ID)
	assert.Equal(t, "approved", p.Status)
	assert.Equal(t, "42", p.ExternalReference)
}

func TestMapStatus(t *testing.T) {
	cases := map[string]string{
		"approved":     domain.PaymentStatusCompleted,
		"rejected":     domain.PaymentStatusFailed,
		"cancelled":    domain.PaymentStatusFailed,
		"in_process":   domain.PaymentStatusPending,
		"pending":      domain.PaymentStatusPending,
		"":             domain.PaymentStatusPending,
		" APPROVED ":   domain.PaymentStatusCompleted,
		"charged_back": domain.PaymentStatusPending,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapStatus(in), "status %q", in)
	}
}

func TestParseNotification(t *testing.T) {
	id, ok := ParseNotification([]byte(`{"type":"payment","data":{"id":"987"}}`), url.Values{})
	assert.True(t, ok)
	assert.Equal(t, "987", id)

	id, ok = ParseNotification(nil, url.Values{"topic": {"payment"}, "id": {"555"}})
	assert.True(t, ok)
	assert.Equal(t, "555", id)

	_, ok = ParseNotification([]byte(`{"type":"merchant_order","data":{"id":"1"}}`), url.Values{})
	assert.False(t, ok)
}

func TestRequiresLink(t *testing.T) {
	assert.False(t, RequiresLink(domain.PaymentMethodCash))
	assert.True(t, RequiresLink(domain.PaymentMethodMercadoPago))
	assert.True(t, RequiresLink(domain.PaymentMethodOnline))
}
