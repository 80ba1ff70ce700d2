package cache

import (
	"context"
	"os"
	"testing"
	"time"
)

type payload struct {
	SaleID int64 `json:"sale_id"`
}

func TestMemoryRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }

	if err := m.SetJSON(ctx, "k", payload{SaleID: 7}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got payload
	ok, err := m.GetJSON(ctx, "k", &got)
	if err != nil || !ok || got.SaleID != 7 {
		t.Fatalf("expected hit with sale 7, got ok=%v err=%v value=%+v", ok, err, got)
	}

	now = now.Add(2 * time.Minute)
	ok, err = m.GetJSON(ctx, "k", &got)
	if err != nil || ok {
		t.Fatalf("expected expired entry, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.SetJSON(ctx, "k", payload{SaleID: 1}, 0)
	_ = m.Delete(ctx, "k")
	var got payload
	if ok, _ := m.GetJSON(ctx, "k", &got); ok {
		t.Fatalf("expected deleted entry to miss")
	}
}

func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("HELADERIA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set HELADERIA_TEST_REDIS_ADDR to run redis integration test")
	}
	ctx := context.Background()
	c := NewRedis(addr, "", 0, "heladeria-test:")
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	key := "roundtrip-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { _ = c.Delete(ctx, key) })
	if err := c.SetJSON(ctx, key, payload{SaleID: 42}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got payload
	ok, err := c.GetJSON(ctx, key, &got)
	if err != nil || !ok || got.SaleID != 42 {
		t.Fatalf("expected hit with sale 42, got ok=%v err=%v value=%+v", ok, err, got)
	}
}
