package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"heladeria/backend/internal/cache"
	"heladeria/backend/internal/cart"
	"heladeria/backend/internal/domain"
	"heladeria/backend/internal/idempotency"
	"heladeria/backend/internal/metrics"
	"heladeria/backend/internal/service"
	"heladeria/backend/internal/store/memory"
)

type testServer struct {
	handler http.Handler
	repo    *memory.Store
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	repo := memory.NewSeeded()
	kv := cache.NewMemory()
	reg := metrics.NewRegistry()
	svc := service.New(service.Deps{
		Repo:    repo,
		Carts:   cart.NewStore(kv, 0),
		Guard:   idempotency.NewGuard(repo, kv, 0),
		Metrics: reg.CheckoutMetrics,
	})
	auth := NewAuthManager("test-secret-test-secret-test-secret", time.Hour, repo)
	api := New(svc, auth, Options{AllowedOrigin: "http://localhost:5173", Metrics: reg.Handler()})
	return testServer{handler: api.Handler(), repo: repo}
}

func (s testServer) do(t *testing.T, method string, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s testServer) login(t *testing.T, username string, password string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{Username: username, Password: password}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d: %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("expected access token")
	}
	return resp.AccessToken
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"ok":true}` {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodGet, "/metrics", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{Username: "manager", Password: "nope"}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLoginIsRateLimited(t *testing.T) {
	srv := newTestServer(t)
	for i := 0; i < 5; i++ {
		rec := srv.do(t, http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{Username: "manager", Password: "bad"}, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rec.Code)
		}
	}
	rec := srv.do(t, http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{Username: "manager", Password: "manager123"}, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestRejectsOversizedBody(t *testing.T) {
	srv := newTestServer(t)
	payload := `{"username":"` + strings.Repeat("a", 2<<20) + `","password":"x"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodGet, "/healthz", nil, "")
	for header, want := range map[string]string{
		"X-Content-Type-Options":      "nosniff",
		"X-Frame-Options":             "DENY",
		"Access-Control-Allow-Origin": "http://localhost:5173",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Fatalf("%s: got %q want %q", header, got, want)
		}
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id")
	}
}

func TestStaffRoutesRequireAuth(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/api/v1/stores/1/stock", "/api/v1/sales/1", "/api/v1/delivery/orders/1"} {
		rec := srv.do(t, http.MethodGet, path, nil, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
	rec := srv.do(t, http.MethodGet, "/api/v1/stores/1/stock", nil, "not-a-token")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rec.Code)
	}
}

func TestCashierCannotAdjustStock(t *testing.T) {
	srv := newTestServer(t)
	token := srv.login(t, "cashier", "cashier123")
	rec := srv.do(t, http.MethodPost, "/api/v1/stores/1/stock/10/adjust", map[string]any{"delta": "1", "reason": "conteo"}, token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPOSSaleDeductsStock(t *testing.T) {
	srv := newTestServer(t)
	token := srv.login(t, "cashier", "cashier123")

	body := map[string]any{
		"payment_method": "cash",
		"items": []map[string]any{
			{"product_id": 3, "quantity": 1, "flavors": []map[string]any{{"id": 10}, {"id": 11}}},
		},
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pos/sales", bytes.NewReader(mustJSON(t, body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", "pos-1")
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp domain.CheckoutResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OrderID == 0 || !strings.HasPrefix(resp.OrderNumber, "VEN-") {
		t.Fatalf("unexpected response %+v", resp)
	}
	if strings.Contains(rec.Body.String(), "payment_link") {
		t.Fatalf("cash sales carry no payment link: %s", rec.Body.String())
	}

	qty, err := srv.repo.GetStock(req.Context(), 1, 10)
	if err != nil || !qty.Equal(decimal.RequireFromString("9.5")) {
		t.Fatalf("expected vainilla 9.5, got %s (%v)", qty, err)
	}

	replay := httptest.NewRequest(http.MethodPost, "/api/v1/pos/sales", bytes.NewReader(mustJSON(t, body)))
	replay.Header.Set("Content-Type", "application/json")
	replay.Header.Set("Authorization", "Bearer "+token)
	replay.Header.Set("Idempotency-Key", "pos-1")
	rec = httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, replay)
	var again domain.CheckoutResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &again); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if again.OrderID != resp.OrderID {
		t.Fatalf("replay must return the same order, got %d want %d", again.OrderID, resp.OrderID)
	}
}

func TestPOSSaleRejectsOtherStore(t *testing.T) {
	srv := newTestServer(t)
	token := srv.login(t, "cashier", "cashier123")
	rec := srv.do(t, http.MethodPost, "/api/v1/pos/sales", map[string]any{
		"store_id": 2,
		"items":    []map[string]any{{"product_id": 4, "quantity": 1}},
	}, token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestWebshopCheckoutStockErrorBody(t *testing.T) {
	srv := newTestServer(t)
	srv.repo.PutStock(domain.StockEntry{StoreID: 1, ProductID: 10, Quantity: decimal.RequireFromString("0.10")})

	cartRec := srv.do(t, http.MethodPost, "/api/v1/carts", nil, "")
	if cartRec.Code != http.StatusCreated {
		t.Fatalf("create cart: %d", cartRec.Code)
	}
	var view domain.CartView
	if err := json.Unmarshal(cartRec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode cart: %v", err)
	}

	rec := srv.do(t, http.MethodPost, "/api/v1/carts/"+view.CartID+"/items", domain.AddToCartRequest{ProductID: 1, Flavors: []int64{10}}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("add to cart: %d %s", rec.Code, rec.Body.String())
	}

	rec = srv.do(t, http.MethodGet, "/api/v1/carts/"+view.CartID+"/stock-check?store_id=1", nil, "")
	var preview domain.StockCheckResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &preview); err != nil || !preview.Blocking {
		t.Fatalf("expected blocking preview, got %s", rec.Body.String())
	}

	rec = srv.do(t, http.MethodPost, "/api/v1/checkout", map[string]any{
		"store_id": 1,
		"cart_id":  view.CartID,
		"delivery": map[string]any{
			"first_name": "Ana",
			"last_name":  "Pérez",
			"phone":      "1155550000",
			"address":    "Av. Corrientes 1234",
		},
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	for _, key := range []string{"error", "details", "items", "suggestions"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("missing %q in %s", key, rec.Body.String())
		}
	}
	if string(body["error"]) != `"Stock validation failed"` {
		t.Fatalf("unexpected error %s", body["error"])
	}
}

func TestWebshopCheckoutEmptyCart(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodPost, "/api/v1/checkout", map[string]any{"store_id": 1, "cart_id": "cart-missing"}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"EMPTY_CART"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestCheckoutValidatesBody(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodPost, "/api/v1/checkout", map[string]any{"cart_id": "c1"}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "store_id") {
		t.Fatalf("expected field level detail, got %s", rec.Body.String())
	}
}

func TestDeliveryStatusesArePublic(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodGet, "/api/v1/delivery/statuses", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var statuses []domain.DeliveryStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &statuses); err != nil || len(statuses) == 0 {
		t.Fatalf("expected statuses, got %s", rec.Body.String())
	}
}

func TestParsePositiveLimit(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"", 50},
		{"abc", 50},
		{"-3", 50},
		{"20", 20},
		{"9999", 500},
	}
	for _, tc := range cases {
		if got := parsePositiveLimit(tc.raw, 50, 500); got != tc.want {
			t.Fatalf("parsePositiveLimit(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}
