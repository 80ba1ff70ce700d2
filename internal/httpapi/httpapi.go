package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"heladeria/backend/internal/apperr"
	"heladeria/backend/internal/domain"
	"heladeria/backend/internal/logger"
	"heladeria/backend/internal/service"
	"heladeria/backend/internal/xid"
)

const (
	maxBodyBytes    = 1 << 20
	requestIDHeader = "X-Request-ID"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	log           *logger.Logger
	metrics       http.Handler
	validate      *validator.Validate
}

// Options carries the optional collaborators of the HTTP layer.
type Options struct {
	AllowedOrigin string
	Logger        *logger.Logger
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	origin := strings.TrimSpace(opts.AllowedOrigin)
	if origin == "" {
		origin = "http://localhost:5173"
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: origin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		log:           log,
		metrics:       opts.Metrics,
		validate:      newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

// Allow records an attempt for key and reports whether it fits the window.
func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		a.requestID,
		a.recoverer,
		a.securityHeaders,
		a.accessLog,
	)

	r.Get("/healthz", a.handleHealth)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Route("/carts", func(r chi.Router) {
			r.Post("/", a.handleCreateCart)
			r.Route("/{cartID}", func(r chi.Router) {
				r.Get("/", a.handleGetCart)
				r.Delete("/", a.handleClearCart)
				r.Post("/items", a.handleAddToCart)
				r.Delete("/items/{index}", a.handleRemoveFromCart)
				r.Post("/replace-flavor", a.handleReplaceFlavor)
				r.Get("/stock-check", a.handleStockCheck)
			})
		})

		r.Post("/checkout", a.handleWebshopCheckout)
		r.Post("/payments/webhook", a.handlePaymentWebhook)
		r.Get("/delivery/statuses", a.handleDeliveryStatuses)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleCashier, domain.RoleManager))

			r.Post("/pos/sales", a.handlePOSSale)
			r.Get("/sales/{saleID}", a.handleGetSale)

			r.Route("/stores/{storeID}/stock", func(r chi.Router) {
				r.Get("/", a.handleListStock)
				r.Get("/low", a.handleLowStock)
				r.Get("/history", a.handleStockHistory)
				r.Post("/deduct", a.handleDeductStock)
				r.Get("/{productID}", a.handleGetStock)
				r.Put("/{productID}", a.handleSetStock)
				r.Post("/{productID}/adjust", a.handleAdjustStock)
			})

			r.Get("/delivery/orders/{orderID}", a.handleGetDeliveryOrder)
			r.Post("/delivery/orders/{orderID}/status", a.handleAdvanceDelivery)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		a.writeAppError(r.Context(), w, apperr.New(apperr.CodeNotFound, "route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	})
	return r
}

func (a *API) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if reqID == "" || len(reqID) > 128 {
			reqID = xid.New("req")
		}
		w.Header().Set(requestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(a.log.WithRequestID(r.Context(), reqID)))
	})
}

func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err := fmt.Errorf("panic: %v", rec)
				a.writeAppError(r.Context(), w, apperr.Wrap(apperr.CodeInternal, err, "panic"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ctx := a.log.WithFields(r.Context(), map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      status,
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		a.log.Info(ctx, "request.complete")
	})
}

// requireAuth admits requests carrying a valid bearer token for one of roles
// and hands the caller to the service layer through the context.
func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(header, "Bearer ") {
				a.writeAppError(r.Context(), w, apperr.New(apperr.CodeUnauthorized, "missing bearer token"))
				return
			}
			actor, err := a.auth.ParseToken(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
			if err != nil {
				a.writeAppError(r.Context(), w, apperr.Wrap(apperr.CodeUnauthorized, err, "invalid token"))
				return
			}
			if !isRoleAllowed(actor.Role, roles) {
				a.writeAppError(r.Context(), w, apperr.New(apperr.CodeForbidden, "forbidden"))
				return
			}
			ctx := service.WithActor(r.Context(), actor)
			ctx = a.log.WithField(ctx, "actor", actor.Username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, item := range allowed {
		if role == item {
			return true
		}
	}
	return false
}

// decodeJSON reads a single JSON document into dest and runs its validate tags.
func (a *API) decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Wrap(apperr.CodeValidation, err, "request body too large")
		}
		return apperr.Wrap(apperr.CodeValidation, err, "invalid request body")
	}
	if err := a.validate.Struct(dest); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return apperr.Wrap(apperr.CodeValidation, err, "validation failed")
	}
	details := make(map[string]string, len(errs))
	for _, fe := range errs {
		details[fe.Field()] = validationMessage(fe)
	}
	return apperr.New(apperr.CodeValidation, "validation failed").WithDetails(details)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "email":
		return "must be a valid email"
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	}
	return "is invalid"
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id < 1 {
		return 0, apperr.New(apperr.CodeValidation, "invalid "+name)
	}
	return id, nil
}

// writeAppError renders err as JSON. Stock shortages keep their dedicated
// body so clients can offer the suggested alternatives.
func (a *API) writeAppError(ctx context.Context, w http.ResponseWriter, err error) {
	typed := apperr.As(err)
	if typed == nil {
		typed = apperr.Wrap(apperr.CodeInternal, err, "unexpected error")
	}
	meta := apperr.MetadataFor(typed.Code())

	if typed.Code() == apperr.CodeInsufficientStock {
		if body, ok := typed.Details().(domain.StockErrorResponse); ok {
			writeJSON(w, meta.HTTPStatus, body)
			return
		}
	}

	if meta.HTTPStatus >= http.StatusInternalServerError {
		a.log.Error(a.log.WithField(ctx, "error_code", string(typed.Code())), "request.error", err)
	}

	msg := meta.PublicMessage
	payload := map[string]any{"code": string(typed.Code())}
	if meta.DetailsAllowed {
		if m := typed.Message(); m != "" {
			msg = m
		}
		if details := typed.Details(); details != nil {
			payload["details"] = details
		}
	}
	payload["error"] = msg
	writeJSON(w, meta.HTTPStatus, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
