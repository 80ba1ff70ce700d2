package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// fakeKafkaWriter implements kafkaMessageWriter for tests
type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisherWritesKeyedEvent(t *testing.T) {
	fw := &fakeKafkaWriter{}
	p := NewKafkaPublisherWith(fw)

	err := p.PublishSaleCompleted(context.Background(), SaleCompleted{
		SaleID:      42,
		StoreID:     1,
		OrderNumber: "VEN-2026-001",
		TotalAmount: decimal.RequireFromString("9500"),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("want 1 message, got %d", len(fw.msgs))
	}
	msg := fw.msgs[0]
	if string(msg.Key) != "SALE#42" {
		t.Fatalf("unexpected key %q", msg.Key)
	}

	var got SaleCompleted
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != TypeSaleCompleted || got.OrderNumber != "VEN-2026-001" || got.Timestamp.IsZero() {
		t.Fatalf("unexpected event: %+v", got)
	}
	if !got.TotalAmount.Equal(decimal.RequireFromString("9500")) {
		t.Fatalf("unexpected total %s", got.TotalAmount)
	}
}

func TestKafkaPublisherPropagatesError(t *testing.T) {
	boom := errors.New("broker down")
	p := NewKafkaPublisherWith(&fakeKafkaWriter{err: boom})

	if err := p.PublishSaleCompleted(context.Background(), SaleCompleted{SaleID: 1}); !errors.Is(err, boom) {
		t.Fatalf("want broker error, got %v", err)
	}
}

func TestNewKafkaPublisherWithoutBrokersIsNoop(t *testing.T) {
	p := NewKafkaPublisher(" , ", "")
	if _, ok := p.(Noop); !ok {
		t.Fatalf("want Noop, got %T", p)
	}
	if err := p.PublishSaleCompleted(context.Background(), SaleCompleted{}); err != nil {
		t.Fatalf("noop publish: %v", err)
	}
}
