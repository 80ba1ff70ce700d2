package service

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"heladeria/backend/internal/apperr"
	"heladeria/backend/internal/domain"
	"heladeria/backend/internal/payment"
	"heladeria/backend/internal/store"
)

// HandlePaymentNotification processes a provider webhook. Notifications that
// are not about payments are acknowledged and ignored, so ok is false and err
// is nil for them.
func (s *Service) HandlePaymentNotification(ctx context.Context, body []byte, query url.Values) (sale *domain.Sale, ok bool, err error) {
	paymentID, ok := payment.ParseNotification(body, query)
	if !ok {
		return nil, false, nil
	}
	ctx = s.log.WithField(ctx, "payment_id", paymentID)

	payCtx, cancel := context.WithTimeout(ctx, s.paymentTimeout)
	defer cancel()
	p, err := s.payments.GetPayment(payCtx, paymentID)
	if err != nil {
		if errors.Is(err, payment.ErrNotConfigured) {
			return nil, true, apperr.Wrap(apperr.CodePaymentUnavailable, err, err.Error())
		}
		s.log.Warn(ctx, "payment lookup failed", err)
		return nil, true, apperr.Wrap(apperr.CodePaymentUnavailable, err, "payment lookup failed")
	}

	saleID, err := strconv.ParseInt(strings.TrimSpace(p.ExternalReference), 10, 64)
	if err != nil || saleID < 1 {
		return nil, true, apperr.New(apperr.CodeValidation, "payment without a sale reference")
	}

	updated, err := s.repo.UpdatePaymentStatus(ctx, saleID, paymentStatusUpdate(p))
	if err != nil {
		return nil, true, mapStoreError(err, "sale not found")
	}
	s.log.Info(s.log.WithFields(ctx, map[string]any{
		"sale_id":        updated.ID,
		"payment_status": updated.PaymentStatus,
	}), "payment status updated")
	return updated, true, nil
}

func paymentStatusUpdate(p *payment.Payment) store.PaymentStatusUpdate {
	return store.PaymentStatusUpdate{
		PaymentStatus: payment.MapStatus(p.Status),
		MPStatus:      p.Status,
		MPPaymentID:   p.ID,
	}
}
