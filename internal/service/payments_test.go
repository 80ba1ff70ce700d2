package service

import (
	"context"
	"net/url"
	"testing"

	"heladeria/backend/internal/apperr"
	"heladeria/backend/internal/domain"
	"heladeria/backend/internal/payment"
)

func TestPaymentNotificationUpdatesSale(t *testing.T) {
	f := newFixture()
	req := posCash(pote(2, 1, 10))
	req.PaymentMethod = domain.PaymentMethodMercadoPago
	resp, err := f.svc.Checkout(context.Background(), req)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	f.gateway.payment = &payment.Payment{ID: "555", Status: "approved", ExternalReference: "1"}
	sale, ok, err := f.svc.HandlePaymentNotification(context.Background(), []byte(`{"type":"payment","data":{"id":"555"}}`), url.Values{})
	if err != nil || !ok {
		t.Fatalf("notification: ok=%v err=%v", ok, err)
	}
	if sale.ID != resp.OrderID || sale.PaymentStatus != domain.PaymentStatusCompleted || sale.MPPaymentID != "555" {
		t.Fatalf("unexpected sale %+v", sale)
	}
}

func TestPaymentNotificationIgnoresOtherTopics(t *testing.T) {
	f := newFixture()

	_, ok, err := f.svc.HandlePaymentNotification(context.Background(), []byte(`{"type":"merchant_order","data":{"id":"1"}}`), url.Values{})
	if err != nil || ok {
		t.Fatalf("expected an ignored notification, ok=%v err=%v", ok, err)
	}
}

func TestPaymentNotificationWithoutGateway(t *testing.T) {
	f := newFixture()
	f.gateway.err = payment.ErrNotConfigured

	_, _, err := f.svc.HandlePaymentNotification(context.Background(), nil, url.Values{"topic": {"payment"}, "id": {"9"}})
	if !apperr.IsCode(err, apperr.CodePaymentUnavailable) {
		t.Fatalf("expected PAYMENT_UNAVAILABLE, got %v", err)
	}
}
