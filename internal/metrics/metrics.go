// Package metrics exposes checkout counters and timings to prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const (
	OutcomeSuccess           = "success"
	OutcomeDuplicate         = "duplicate"
	OutcomeEmptyCart         = "empty_cart"
	OutcomeInsufficientStock = "insufficient_stock"
	OutcomeProductNotFound   = "product_not_found"
	OutcomeValidation        = "validation"
	OutcomeFailed            = "failed"
)

// Registry owns its prometheus registry so tests can build as many as they like.
type Registry struct {
	reg *prometheus.Registry
	*CheckoutMetrics
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{reg: reg, CheckoutMetrics: NewCheckoutMetrics(reg)}
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// CheckoutMetrics records checkout outcomes. A nil receiver is a no-op.
type CheckoutMetrics struct {
	total           *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	deductedKG      prometheus.Counter
	paymentFailures prometheus.Counter
}

// NewCheckoutMetrics registers the checkout metrics on the provided registerer.
func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	if reg == nil {
		return &CheckoutMetrics{}
	}
	total := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_total",
		Help: "Checkout attempts by channel and outcome.",
	}, []string{"channel", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkout_duration_seconds",
		Help:    "Checkout latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})
	deducted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stock_deducted_kg_total",
		Help: "Flavor kilograms deducted by completed checkouts.",
	})
	paymentFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payment_link_failures_total",
		Help: "Checkouts that completed without a payment link.",
	})
	reg.MustRegister(total, duration, deducted, paymentFailures)
	return &CheckoutMetrics{
		total:           total,
		duration:        duration,
		deductedKG:      deducted,
		paymentFailures: paymentFailures,
	}
}

// ObserveCheckout records one finished checkout.
func (m *CheckoutMetrics) ObserveCheckout(channel string, outcome string, elapsed time.Duration) {
	if m == nil || m.total == nil {
		return
	}
	channel = normalizeLabel(channel)
	m.total.WithLabelValues(channel, normalizeLabel(outcome)).Inc()
	m.duration.WithLabelValues(channel).Observe(elapsed.Seconds())
}

func (m *CheckoutMetrics) AddDeductedKG(kg decimal.Decimal) {
	if m == nil || m.deductedKG == nil || !kg.IsPositive() {
		return
	}
	m.deductedKG.Add(kg.InexactFloat64())
}

func (m *CheckoutMetrics) IncPaymentFailure() {
	if m == nil || m.paymentFailures == nil {
		return
	}
	m.paymentFailures.Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
