// Package pricetable keeps the freshest known quote for every tracked instrument.
package pricetable

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/rewired-gh/papertrade/internal/logger"
	"github.com/rewired-gh/papertrade/internal/models"
)

// Fetcher retrieves the full instrument list from the market-data API.
type Fetcher interface {
	FetchMarkets(ctx context.Context) ([]models.Instrument, error)
}

// Snapshot is an immutable view of the table at one refresh.
type Snapshot struct {
	byID      map[string]models.Instrument
	order     []string // market cap descending
	FetchedAt time.Time
}

func newSnapshot(instruments []models.Instrument, at time.Time) *Snapshot {
	s := &Snapshot{
		byID:      make(map[string]models.Instrument, len(instruments)),
		order:     make([]string, 0, len(instruments)),
		FetchedAt: at,
	}
	for _, inst := range instruments {
		if _, dup := s.byID[inst.ID]; !dup {
			s.order = append(s.order, inst.ID)
		}
		s.byID[inst.ID] = inst
	}
	sort.SliceStable(s.order, func(i, j int) bool {
		return s.byID[s.order[i]].MarketCap.GreaterThan(s.byID[s.order[j]].MarketCap)
	})
	return s
}

// Get returns the instrument with id, if present.
func (s *Snapshot) Get(id string) (models.Instrument, bool) {
	inst, ok := s.byID[id]
	return inst, ok
}

// Len returns the number of instruments.
func (s *Snapshot) Len() int {
	return len(s.order)
}

// Instruments returns all instruments ordered by market cap, largest first.
func (s *Snapshot) Instruments() []models.Instrument {
	out := make([]models.Instrument, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Lookup matches query case-insensitively against name and symbol.
// An empty query matches everything.
func (s *Snapshot) Lookup(query string) []models.Instrument {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []models.Instrument
	for _, id := range s.order {
		inst := s.byID[id]
		if q == "" ||
			strings.Contains(strings.ToLower(inst.Name), q) ||
			strings.Contains(strings.ToLower(inst.Symbol), q) {
			out = append(out, inst)
		}
	}
	return out
}

// Table holds the current snapshot. Readers always see a complete snapshot;
// Refresh swaps in a new one atomically.
type Table struct {
	fetcher Fetcher
	clock   clock.Clock
	timeout time.Duration
	current atomic.Pointer[Snapshot]
}

// New creates an empty table. A zero timeout means the caller's context alone bounds Refresh.
func New(fetcher Fetcher, clk clock.Clock, timeout time.Duration) *Table {
	if clk == nil {
		clk = clock.New()
	}
	t := &Table{fetcher: fetcher, clock: clk, timeout: timeout}
	t.current.Store(newSnapshot(nil, time.Time{}))
	return t
}

// Refresh fetches the full instrument list and replaces the table. On failure
// the previous snapshot is kept and a *models.FetchError is returned.
func (t *Table) Refresh(ctx context.Context) error {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	fetched, err := t.fetcher.FetchMarkets(ctx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return &models.FetchError{Err: err}
	}

	valid := make([]models.Instrument, 0, len(fetched))
	for i := range fetched {
		if err := fetched[i].Validate(); err != nil {
			logger.Debug("Dropping instrument %q: %v", fetched[i].ID, err)
			continue
		}
		valid = append(valid, fetched[i])
	}

	t.current.Store(newSnapshot(valid, t.clock.Now()))
	logger.Debug("Price table refreshed with %d instruments", len(valid))
	return nil
}

// Snapshot returns the current snapshot. It is never nil.
func (t *Table) Snapshot() *Snapshot {
	return t.current.Load()
}

// Get returns the last known quote for id.
func (t *Table) Get(id string) (models.Instrument, bool) {
	return t.Snapshot().Get(id)
}

// Lookup searches the current snapshot by name or symbol.
func (t *Table) Lookup(query string) []models.Instrument {
	return t.Snapshot().Lookup(query)
}
