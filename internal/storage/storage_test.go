package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rewired-gh/papertrade/internal/models"
	"github.com/shopspring/decimal"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(100, ":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testReceipt(id string, at time.Time) *models.TradeReceipt {
	return &models.TradeReceipt{
		Action:               models.ActionBuy,
		Book:                 models.BookSpot,
		InstrumentID:         id,
		Quantity:             decimal.RequireFromString("0.00012345"),
		Price:                decimal.RequireFromString("10000.0001"),
		ResultingCashBalance: decimal.RequireFromString("99998.765"),
		ExecutedAt:           at,
	}
}

func TestStorage_GetMissing(t *testing.T) {
	s := newTestStorage(t)
	value, ok, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok || value != nil {
		t.Errorf("got (%q, %v), want absent", value, ok)
	}
}

func TestStorage_SetAndGet(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	value, ok, err := s.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(value) != "v2" {
		t.Errorf("got %q, want v2", value)
	}
}

func TestStorage_IndependentKeys(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	_ = s.Set(ctx, "a", []byte("1"))
	_ = s.Set(ctx, "b", []byte("2"))

	a, _, _ := s.Get(ctx, "a")
	b, _, _ := s.Get(ctx, "b")
	if string(a) != "1" || string(b) != "2" {
		t.Errorf("got a=%q b=%q", a, b)
	}
}

func TestStorage_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	ctx := context.Background()

	s, err := New(10, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Set(ctx, "state", []byte(`{"x":1}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.RecordTrade(ctx, testReceipt("bitcoin", time.Now())); err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = New(10, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	value, ok, err := s.Get(ctx, "state")
	if err != nil || !ok || string(value) != `{"x":1}` {
		t.Errorf("after reopen got (%q, %v, %v)", value, ok, err)
	}
	trades, err := s.RecentTrades(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(trades) != 1 {
		t.Errorf("got %d trades after reopen, want 1", len(trades))
	}
}

func TestStorage_RecordTradeRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	at := time.Unix(1700000000, 123)
	want := testReceipt("bitcoin", at)
	want.Book = models.BookLeveraged
	want.Leverage = 5

	if err := s.RecordTrade(ctx, want); err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}
	trades, err := s.RecentTrades(ctx, 5)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	got := trades[0]
	if got.Book != want.Book || got.Action != want.Action || got.InstrumentID != want.InstrumentID || got.Leverage != 5 {
		t.Errorf("got %+v", got)
	}
	if !got.Quantity.Equal(want.Quantity) || !got.Price.Equal(want.Price) || !got.ResultingCashBalance.Equal(want.ResultingCashBalance) {
		t.Errorf("decimal fields lost precision: %+v", got)
	}
	if !got.ExecutedAt.Equal(at) {
		t.Errorf("executed at = %v, want %v", got.ExecutedAt, at)
	}
}

func TestStorage_RecentTradesOrderAndLimit(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 5; i++ {
		if err := s.RecordTrade(ctx, testReceipt(fmt.Sprintf("coin-%d", i), now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("RecordTrade: %v", err)
		}
	}
	trades, err := s.RecentTrades(ctx, 3)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(trades) != 3 {
		t.Fatalf("got %d trades, want 3", len(trades))
	}
	if trades[0].InstrumentID != "coin-4" || trades[2].InstrumentID != "coin-2" {
		t.Errorf("unexpected order: %s, %s, %s", trades[0].InstrumentID, trades[1].InstrumentID, trades[2].InstrumentID)
	}
}

func TestStorage_TradeCap(t *testing.T) {
	s, err := New(3, ":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 6; i++ {
		if err := s.RecordTrade(ctx, testReceipt(fmt.Sprintf("coin-%d", i), now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("RecordTrade: %v", err)
		}
	}
	trades, err := s.RecentTrades(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(trades) != 3 {
		t.Fatalf("got %d trades, want 3", len(trades))
	}
	if trades[2].InstrumentID != "coin-3" {
		t.Errorf("oldest kept = %s, want coin-3", trades[2].InstrumentID)
	}
	if err := s.RotateTrades(ctx); err != nil {
		t.Errorf("RotateTrades: %v", err)
	}
}
