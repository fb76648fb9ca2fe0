// Package watchlist keeps the user's persisted list of followed instruments.
package watchlist

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/rewired-gh/papertrade/internal/logger"
	"github.com/rewired-gh/papertrade/internal/models"
	"github.com/rewired-gh/papertrade/internal/pricetable"
)

// Key is the persistence key of the watchlist.
const Key = "watchlist"

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

type PriceFeed interface {
	Snapshot() *pricetable.Snapshot
}

type Watchlist struct {
	mu     sync.Mutex
	ids    []string
	loaded bool
	store  Store
	prices PriceFeed
}

func New(store Store, prices PriceFeed) *Watchlist {
	return &Watchlist{store: store, prices: prices}
}

// Load restores the persisted list; corrupt data yields an empty list. A store
// read failure is returned and leaves the watchlist unloaded, refusing changes
// until a later Load succeeds.
func (w *Watchlist) Load(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ids = nil
	data, ok, err := w.store.Get(ctx, Key)
	if err != nil {
		w.loaded = false
		return &models.PersistenceError{Key: Key, Err: err}
	}
	w.loaded = true
	if !ok {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		logger.Warn("Discarding corrupt watchlist: %v", err)
		return nil
	}
	for _, id := range ids {
		if id != "" && !slices.Contains(w.ids, id) {
			w.ids = append(w.ids, id)
		}
	}
	return nil
}

// Add appends an instrument present in the price table. Adding an id already
// on the list is a no-op and reports added=false.
func (w *Watchlist) Add(ctx context.Context, id string) (inst models.Instrument, added bool, err error) {
	inst, ok := w.prices.Snapshot().Get(id)
	if !ok {
		return models.Instrument{}, false, fmt.Errorf("%w: %s", models.ErrInstrumentUnknown, id)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.loaded {
		return models.Instrument{}, false, fmt.Errorf("%w: watchlist", models.ErrNotLoaded)
	}
	if slices.Contains(w.ids, id) {
		return inst, false, nil
	}
	w.ids = append(w.ids, id)
	if err := w.save(ctx); err != nil {
		logger.Warn("Watchlist not persisted: %v", err)
	}
	return inst, true, nil
}

// Remove drops id from the list.
func (w *Watchlist) Remove(ctx context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.loaded {
		return fmt.Errorf("%w: watchlist", models.ErrNotLoaded)
	}
	idx := slices.Index(w.ids, id)
	if idx < 0 {
		return fmt.Errorf("%w: %s is not on the watchlist", models.ErrNotFound, id)
	}
	w.ids = slices.Delete(w.ids, idx, idx+1)
	if err := w.save(ctx); err != nil {
		logger.Warn("Watchlist not persisted: %v", err)
	}
	return nil
}

// IDs returns the followed ids in insertion order.
func (w *Watchlist) IDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.ids)
}

// Quotes returns the current instrument for every followed id, skipping ids
// missing from the price table.
func (w *Watchlist) Quotes() []models.Instrument {
	snap := w.prices.Snapshot()
	ids := w.IDs()
	out := make([]models.Instrument, 0, len(ids))
	for _, id := range ids {
		if inst, ok := snap.Get(id); ok {
			out = append(out, inst)
		}
	}
	return out
}

func (w *Watchlist) save(ctx context.Context) error {
	ids := w.ids
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return &models.PersistenceError{Key: Key, Err: err}
	}
	if err := w.store.Set(ctx, Key, data); err != nil {
		return &models.PersistenceError{Key: Key, Err: err}
	}
	return nil
}
