// Package events publishes sale lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

const (
	DefaultTopic      = "sale-events"
	TypeSaleCompleted = "sale.completed"
)

type SaleItem struct {
	ProductID  int64           `json:"product_id"`
	Quantity   int             `json:"quantity"`
	TotalPrice decimal.Decimal `json:"total_price"`
	Flavors    string          `json:"flavors,omitempty"`
}

type SaleCompleted struct {
	EventID       string          `json:"event_id"`
	Type          string          `json:"type"`
	SaleID        int64           `json:"sale_id"`
	StoreID       int64           `json:"store_id"`
	OrderNumber   string          `json:"order_number"`
	Channel       string          `json:"channel"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentMethod string          `json:"payment_method"`
	PaymentStatus string          `json:"payment_status"`
	IsDelivery    bool            `json:"is_delivery"`
	Items         []SaleItem      `json:"items"`
	Timestamp     time.Time       `json:"timestamp"`
	RequestID     string          `json:"request_id,omitempty"`
}

type Publisher interface {
	PublishSaleCompleted(ctx context.Context, event SaleCompleted) error
	Close() error
}

// Noop drops every event. Used when no brokers are configured.
type Noop struct{}

func (Noop) PublishSaleCompleted(context.Context, SaleCompleted) error { return nil }
func (Noop) Close() error                                              { return nil }

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events with the sale as partition key, so every
// event of one sale lands on the same partition in order.
type KafkaPublisher struct {
	writer kafkaMessageWriter
}

// NewKafkaPublisher returns Noop when brokers is empty.
// brokers is a comma-separated list of host:port.
func NewKafkaPublisher(brokers string, topic string) Publisher {
	var addrs []string
	for _, a := range strings.Split(brokers, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	if len(addrs) == 0 {
		return Noop{}
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 5 * time.Second,
	}}
}

// NewKafkaPublisherWith is only for tests to inject a fake writer.
func NewKafkaPublisherWith(w kafkaMessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) PublishSaleCompleted(ctx context.Context, event SaleCompleted) error {
	if event.Type == "" {
		event.Type = TypeSaleCompleted
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(SaleKey(event.SaleID)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func SaleKey(saleID int64) string {
	return fmt.Sprintf("SALE#%d", saleID)
}
