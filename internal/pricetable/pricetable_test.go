package pricetable

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/rewired-gh/papertrade/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu          sync.Mutex
	instruments []models.Instrument
	err         error
	block       bool
}

func (f *fakeFetcher) FetchMarkets(ctx context.Context) ([]models.Instrument, error) {
	f.mu.Lock()
	block, instruments, err := f.block, f.instruments, f.err
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return instruments, err
}

func (f *fakeFetcher) set(instruments []models.Instrument, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instruments, f.err = instruments, err
}

func inst(id, symbol, name string, price, mcap int64) models.Instrument {
	return models.Instrument{
		ID:           id,
		Symbol:       symbol,
		Name:         name,
		CurrentPrice: decimal.NewFromInt(price),
		MarketCap:    decimal.NewFromInt(mcap),
	}
}

func sampleInstruments() []models.Instrument {
	return []models.Instrument{
		inst("ethereum", "ETH", "Ethereum", 3000, 400),
		inst("bitcoin", "BTC", "Bitcoin", 60000, 1200),
		inst("bitcoin-cash", "BCH", "Bitcoin Cash", 400, 8),
	}
}

func TestTable_EmptyBeforeRefresh(t *testing.T) {
	table := New(&fakeFetcher{}, clock.NewMock(), 0)
	require.NotNil(t, table.Snapshot())
	assert.Equal(t, 0, table.Snapshot().Len())
	_, ok := table.Get("bitcoin")
	assert.False(t, ok)
}

func TestTable_Refresh(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	f := &fakeFetcher{instruments: sampleInstruments()}
	table := New(f, mock, time.Second)

	require.NoError(t, table.Refresh(context.Background()))

	btc, ok := table.Get("bitcoin")
	require.True(t, ok)
	assert.True(t, btc.CurrentPrice.Equal(decimal.NewFromInt(60000)))
	assert.Equal(t, mock.Now(), table.Snapshot().FetchedAt)

	ids := []string{}
	for _, i := range table.Snapshot().Instruments() {
		ids = append(ids, i.ID)
	}
	assert.Equal(t, []string{"bitcoin", "ethereum", "bitcoin-cash"}, ids)
}

func TestTable_RefreshFailureKeepsSnapshot(t *testing.T) {
	f := &fakeFetcher{instruments: sampleInstruments()}
	table := New(f, clock.NewMock(), time.Second)
	require.NoError(t, table.Refresh(context.Background()))
	before := table.Snapshot()

	f.set(nil, errors.New("connection reset"))
	err := table.Refresh(context.Background())

	var fetchErr *models.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Same(t, before, table.Snapshot())
	_, ok := table.Get("bitcoin")
	assert.True(t, ok)
}

func TestTable_RefreshTimeout(t *testing.T) {
	f := &fakeFetcher{instruments: sampleInstruments()}
	table := New(f, clock.NewMock(), 20*time.Millisecond)
	require.NoError(t, table.Refresh(context.Background()))

	f.mu.Lock()
	f.block = true
	f.mu.Unlock()

	err := table.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, table.Snapshot().Len())
}

func TestTable_RefreshReplacesWholesale(t *testing.T) {
	f := &fakeFetcher{instruments: sampleInstruments()}
	table := New(f, clock.NewMock(), 0)
	require.NoError(t, table.Refresh(context.Background()))

	f.set([]models.Instrument{inst("solana", "SOL", "Solana", 150, 70)}, nil)
	require.NoError(t, table.Refresh(context.Background()))

	_, ok := table.Get("bitcoin")
	assert.False(t, ok, "instruments missing from the new poll must disappear")
	_, ok = table.Get("solana")
	assert.True(t, ok)
}

func TestTable_DropsInvalidInstruments(t *testing.T) {
	f := &fakeFetcher{instruments: []models.Instrument{
		inst("bitcoin", "BTC", "Bitcoin", 60000, 1200),
		inst("dead", "DED", "Dead Coin", 0, 0),
		inst("", "NUL", "No ID", 1, 1),
	}}
	table := New(f, clock.NewMock(), 0)
	require.NoError(t, table.Refresh(context.Background()))
	assert.Equal(t, 1, table.Snapshot().Len())
}

func TestTable_Lookup(t *testing.T) {
	f := &fakeFetcher{instruments: sampleInstruments()}
	table := New(f, clock.NewMock(), 0)
	require.NoError(t, table.Refresh(context.Background()))

	tests := []struct {
		query string
		want  []string
	}{
		{"bitcoin", []string{"bitcoin", "bitcoin-cash"}},
		{"BTC", []string{"bitcoin"}},
		{"eth", []string{"ethereum"}},
		{"  bCh ", []string{"bitcoin-cash"}},
		{"doge", nil},
		{"", []string{"bitcoin", "ethereum", "bitcoin-cash"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var got []string
			for _, i := range table.Lookup(tt.query) {
				got = append(got, i.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTable_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	a := []models.Instrument{inst("x", "X", "X", 1, 1), inst("y", "Y", "Y", 1, 1)}
	b := []models.Instrument{inst("x", "X", "X", 2, 1), inst("y", "Y", "Y", 2, 1)}
	f := &fakeFetcher{instruments: a}
	table := New(f, clock.NewMock(), 0)
	require.NoError(t, table.Refresh(context.Background()))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if i%2 == 0 {
				f.set(b, nil)
			} else {
				f.set(a, nil)
			}
			_ = table.Refresh(context.Background())
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		snap := table.Snapshot()
		x, _ := snap.Get("x")
		y, _ := snap.Get("y")
		require.True(t, x.CurrentPrice.Equal(y.CurrentPrice), "torn snapshot")
	}
}
