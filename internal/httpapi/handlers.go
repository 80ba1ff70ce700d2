package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"heladeria/backend/internal/apperr"
	"heladeria/backend/internal/domain"
	"heladeria/backend/internal/service"
)

const idempotencyHeader = "Idempotency-Key"

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Ping(r.Context()); err != nil {
		a.log.Warn(r.Context(), "health check failed", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "too many login attempts, try again later"})
		return
	}
	var req domain.LoginRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.writeAppError(r.Context(), w, apperr.Wrap(apperr.CodeUnauthorized, err, "invalid credentials"))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreateCart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, domain.CartView{CartID: service.NewCartID(), Items: []domain.CartLine{}})
}

func (a *API) handleGetCart(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.GetCart(r.Context(), chi.URLParam(r, "cartID"))
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleClearCart(w http.ResponseWriter, r *http.Request) {
	if err := a.service.ClearCart(r.Context(), chi.URLParam(r, "cartID")); err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAddToCart(w http.ResponseWriter, r *http.Request) {
	var req domain.AddToCartRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	view, err := a.service.AddToCart(r.Context(), chi.URLParam(r, "cartID"), req)
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleRemoveFromCart(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		a.writeAppError(r.Context(), w, apperr.New(apperr.CodeValidation, "invalid index"))
		return
	}
	view, err := a.service.RemoveFromCart(r.Context(), chi.URLParam(r, "cartID"), index)
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleReplaceFlavor(w http.ResponseWriter, r *http.Request) {
	var req domain.ReplaceFlavorRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	view, err := a.service.ReplaceFlavor(r.Context(), chi.URLParam(r, "cartID"), req)
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleStockCheck(w http.ResponseWriter, r *http.Request) {
	storeID, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("store_id")), 10, 64)
	if err != nil {
		a.writeAppError(r.Context(), w, apperr.New(apperr.CodeValidation, "store_id es obligatorio"))
		return
	}
	resp, err := a.service.PreviewStockForCart(r.Context(), storeID, chi.URLParam(r, "cartID"))
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleWebshopCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	req.Channel = domain.ChannelWebshop
	if key := strings.TrimSpace(r.Header.Get(idempotencyHeader)); key != "" {
		req.IdempotencyKey = key
	}
	a.checkout(w, r, req)
}

func (a *API) handlePOSSale(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())
	var req domain.CheckoutRequest
	if actor.StoreID != 0 {
		req.StoreID = actor.StoreID
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	if actor.StoreID != 0 && req.StoreID != actor.StoreID {
		a.writeAppError(r.Context(), w, apperr.New(apperr.CodeForbidden, "store access denied"))
		return
	}
	req.Channel = domain.ChannelPOS
	if key := strings.TrimSpace(r.Header.Get(idempotencyHeader)); key != "" {
		req.IdempotencyKey = key
	}
	a.checkout(w, r, req)
}

func (a *API) checkout(w http.ResponseWriter, r *http.Request, req domain.CheckoutRequest) {
	resp, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "saleID")
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	sale, err := a.service.GetSale(r.Context(), id)
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleListStock(w http.ResponseWriter, r *http.Request) {
	storeID, err := pathID(r, "storeID")
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	entries, err := a.service.ListStock(r.Context(), storeID)
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	storeID, err := pathID(r, "storeID")
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	entries, err := a.service.LowStock(r.Context(), storeID)
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleGetStock(w http.ResponseWriter, r *http.Request) {
	storeID, err := pathID(r, "storeID")
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	productID, err := pathID(r, "productID")
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	qty, err := a.service.GetStock(r.Context(), storeID, productID)
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"store_id":   storeID,
		"product_id": productID,
		"quantity":   qty,
	})
}

func (a *API) handleSetStock(w http.ResponseWriter, r *http.Request) {
	storeID, err := pathID(r, "storeID")
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	productID, err := pathID(r, "productID")
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	var req domain.StockSetRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	entry, err := a.service.SetStock(r.Context(), storeID, productID, req)
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	storeID, err := pathID(r, "storeID")
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	productID, err := pathID(r, "productID")
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	var req domain.StockAdjustRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	entry, err := a.service.AdjustStock(r.Context(), storeID, productID, req)
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleDeductStock(w http.ResponseWriter, r *http.Request) {
	storeID, err := pathID(r, "storeID")
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	var req domain.StockDeductRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	if err := a.service.Deduct(r.Context(), storeID, req); err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func (a *API) handleStockHistory(w http.ResponseWriter, r *http.Request) {
	storeID, err := pathID(r, "storeID")
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	var productID int64
	if raw := strings.TrimSpace(r.URL.Query().Get("product_id")); raw != "" {
		productID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || productID < 1 {
			a.writeAppError(r.Context(), w, apperr.New(apperr.CodeValidation, "invalid product_id"))
			return
		}
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
	entries, err := a.service.StockHistory(r.Context(), storeID, productID, limit)
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleDeliveryStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := a.service.ListDeliveryStatuses(r.Context())
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (a *API) handleGetDeliveryOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "orderID")
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	detail, err := a.service.GetDeliveryOrder(r.Context(), id)
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) handleAdvanceDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "orderID")
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	var req domain.DeliveryStatusUpdateRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	detail, err := a.service.AdvanceDelivery(r.Context(), id, req)
	if err != nil {
		a.writeAppError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handlePaymentWebhook acknowledges notifications it cannot act on with 200
// so the provider stops retrying them. Lookup failures answer 503.
func (a *API) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeAppError(r.Context(), w, apperr.Wrap(apperr.CodeValidation, err, "request body too large"))
			return
		}
		a.writeAppError(r.Context(), w, apperr.Wrap(apperr.CodeValidation, err, "invalid request body"))
		return
	}
	sale, handled, err := a.service.HandlePaymentNotification(r.Context(), body, r.URL.Query())
	if err != nil {
		if apperr.IsCode(err, apperr.CodePaymentUnavailable) {
			a.writeAppError(r.Context(), w, err)
			return
		}
		a.log.Warn(r.Context(), "payment notification ignored", err)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}
	if !handled {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "processed",
		"sale_id":        sale.ID,
		"payment_status": sale.PaymentStatus,
	})
}
