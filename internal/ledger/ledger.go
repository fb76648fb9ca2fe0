// Package ledger implements the paper-trading portfolio: a cash balance plus
// spot and leveraged position books, executed against the live price table.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/rewired-gh/papertrade/internal/logger"
	"github.com/rewired-gh/papertrade/internal/models"
	"github.com/rewired-gh/papertrade/internal/pricetable"
	"github.com/shopspring/decimal"
)

// StateKey is the persistence key of the serialized PortfolioState.
const StateKey = "portfolio_state"

// Store is the durable key/value store the ledger persists to.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Journal records executed trades. Failures are logged, never surfaced.
type Journal interface {
	RecordTrade(ctx context.Context, r *models.TradeReceipt) error
}

// PriceFeed exposes the latest price snapshot.
type PriceFeed interface {
	Snapshot() *pricetable.Snapshot
}

// Config controls ledger construction.
type Config struct {
	StartingBalance decimal.Decimal
	Clock           clock.Clock
	Journal         Journal
}

// TradeRequest is a user's intent to trade.
type TradeRequest struct {
	Book         models.Book
	InstrumentID string
	Quantity     decimal.Decimal
	Action       models.Action
	// Leverage applies to leveraged buys only.
	Leverage int
}

// Ledger owns the PortfolioState. All trades are serialized by mu.
type Ledger struct {
	mu    sync.Mutex
	state models.PortfolioState
	// loaded is false until Load has read the store. Nothing is written before.
	loaded bool
	// dirty is set when the last save failed.
	dirty  bool
	store  Store
	prices PriceFeed
	config Config
}

// New creates a ledger holding the starting balance. Call Load before trading.
func New(store Store, prices PriceFeed, config Config) *Ledger {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	return &Ledger{
		state:  models.NewPortfolioState(config.StartingBalance),
		store:  store,
		prices: prices,
		config: config,
	}
}

// Load restores persisted state. Missing or undecodable state starts a fresh
// account with the starting balance. A store read failure is returned as a
// *models.PersistenceError and leaves the ledger unloaded: trades and saves
// are refused until a later Load succeeds.
func (l *Ledger) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, ok, err := l.store.Get(ctx, StateKey)
	if err != nil {
		l.loaded = false
		return &models.PersistenceError{Key: StateKey, Err: err}
	}
	l.loaded = true
	l.dirty = false

	if !ok {
		logger.Info("No persisted portfolio, starting with balance %s", l.config.StartingBalance)
		l.state = models.NewPortfolioState(l.config.StartingBalance)
		return nil
	}
	state, err := decodeState(data)
	if err != nil {
		logger.Warn("Starting with a fresh portfolio: %v", err)
		l.state = models.NewPortfolioState(l.config.StartingBalance)
		return nil
	}
	l.state = state
	logger.Info("Loaded portfolio: cash %s, %d spot and %d leveraged positions",
		l.state.CashBalance, len(l.state.Spot), len(l.state.Leveraged))
	return nil
}

func decodeState(data []byte) (models.PortfolioState, error) {
	var state models.PortfolioState
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("corrupt portfolio state: %w", err)
	}
	if state.Spot == nil {
		state.Spot = make(map[string]models.Position)
	}
	if state.Leveraged == nil {
		state.Leveraged = make(map[string]models.Position)
	}
	if err := state.Validate(); err != nil {
		return state, fmt.Errorf("invalid portfolio state: %w", err)
	}
	return state, nil
}

// Loaded reports whether persisted state has been read.
func (l *Ledger) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// Save writes the full state to the store.
func (l *Ledger) Save(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.save(ctx)
}

// Flush saves only when an earlier save failed. Unchanged state is never
// rewritten, so a copy written by another process is not clobbered.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		return nil
	}
	return l.save(ctx)
}

func (l *Ledger) save(ctx context.Context) error {
	if !l.loaded {
		return &models.PersistenceError{Key: StateKey, Err: models.ErrNotLoaded}
	}
	data, err := json.Marshal(l.state)
	if err == nil {
		err = l.store.Set(ctx, StateKey, data)
	}
	if err != nil {
		l.dirty = true
		return &models.PersistenceError{Key: StateKey, Err: err}
	}
	l.dirty = false
	return nil
}

// ExecuteTrade validates and applies a trade at the current price. Validation
// failures leave state untouched. A failed persist is logged and reported
// through Persisted=false on the receipt; the in-memory trade stands.
func (l *Ledger) ExecuteTrade(ctx context.Context, req TradeRequest) (*models.TradeReceipt, error) {
	if !req.Quantity.IsPositive() {
		return nil, models.ErrInvalidQuantity
	}
	if req.Action != models.ActionBuy && req.Action != models.ActionSell {
		return nil, fmt.Errorf("%w: unknown action %q", models.ErrInvalidTrade, req.Action)
	}
	if req.Book != models.BookSpot && req.Book != models.BookLeveraged {
		return nil, fmt.Errorf("%w: unknown book %q", models.ErrInvalidTrade, req.Book)
	}
	if req.Book == models.BookLeveraged && req.Action == models.ActionBuy && req.Leverage < 1 {
		return nil, models.ErrInvalidLeverage
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		return nil, fmt.Errorf("%w: portfolio", models.ErrNotLoaded)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inst, ok := l.prices.Snapshot().Get(req.InstrumentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrInstrumentUnknown, req.InstrumentID)
	}
	price := inst.CurrentPrice
	cost := req.Quantity.Mul(price)

	book := l.state.BookPositions(req.Book)
	pos, held := book[req.InstrumentID]
	cash := l.state.CashBalance

	switch req.Action {
	case models.ActionBuy:
		if cost.GreaterThan(cash) {
			return nil, fmt.Errorf("%w: cost %s exceeds balance %s", models.ErrInsufficientFunds, cost.StringFixed(2), cash.StringFixed(2))
		}
		cash = cash.Sub(cost)
		pos.Quantity = pos.Quantity.Add(req.Quantity)
		if req.Book == models.BookSpot {
			pos.TotalCostBasis = pos.TotalCostBasis.Add(cost)
		} else {
			pos.EntryPrice = price
			pos.Leverage = req.Leverage
		}

	case models.ActionSell:
		if !held {
			return nil, fmt.Errorf("%w: %s in %s book", models.ErrNoPosition, req.InstrumentID, req.Book)
		}
		if req.Quantity.GreaterThan(pos.Quantity) {
			return nil, fmt.Errorf("%w: selling %s but holding %s", models.ErrInsufficientHoldings, req.Quantity, pos.Quantity)
		}
		cash = cash.Add(cost)
		oldQty := pos.Quantity
		pos.Quantity = oldQty.Sub(req.Quantity)
		if req.Book == models.BookSpot {
			released := pos.TotalCostBasis.Div(oldQty).Mul(req.Quantity)
			pos.TotalCostBasis = decimal.Max(pos.TotalCostBasis.Sub(released), decimal.Zero)
		}
	}

	// Commit cash and position together.
	l.state.CashBalance = cash
	if pos.Quantity.IsZero() {
		delete(book, req.InstrumentID)
	} else {
		book[req.InstrumentID] = pos
	}

	receipt := &models.TradeReceipt{
		Action:               req.Action,
		Book:                 req.Book,
		InstrumentID:         req.InstrumentID,
		Quantity:             req.Quantity,
		Price:                price,
		ResultingCashBalance: cash,
		ExecutedAt:           l.config.Clock.Now(),
	}
	if req.Book == models.BookLeveraged {
		receipt.Leverage = pos.Leverage
		if req.Action == models.ActionBuy {
			receipt.Leverage = req.Leverage
		}
	}

	if err := l.save(ctx); err != nil {
		logger.Warn("Trade applied but not persisted: %v", err)
	} else {
		receipt.Persisted = true
	}

	if l.config.Journal != nil {
		if err := l.config.Journal.RecordTrade(ctx, receipt); err != nil {
			logger.Warn("Failed to journal trade: %v", err)
		}
	}

	logger.Info("Executed %s %s %s of %s at %s, cash now %s",
		req.Book, req.Action, req.Quantity, req.InstrumentID, price, cash)
	return receipt, nil
}

// Valuate sums quantity × price × multiplier over the book against one price
// snapshot. Instruments missing from the snapshot contribute zero.
func (l *Ledger) Valuate(book models.Book) decimal.Decimal {
	snap := l.prices.Snapshot()

	l.mu.Lock()
	defer l.mu.Unlock()

	total := decimal.Zero
	for id, pos := range l.state.BookPositions(book) {
		inst, ok := snap.Get(id)
		if !ok {
			continue
		}
		total = total.Add(pos.Quantity.Mul(inst.CurrentPrice).Mul(pos.Multiplier()))
	}
	return total
}

// Holdings returns a valuation of every position in book, ordered by instrument id.
func (l *Ledger) Holdings(book models.Book) []models.Holding {
	snap := l.prices.Snapshot()

	l.mu.Lock()
	positions := l.state.BookPositions(book)
	holdings := make([]models.Holding, 0, len(positions))
	for id, pos := range positions {
		h := models.Holding{
			Book:         book,
			InstrumentID: id,
			Quantity:     pos.Quantity,
			Leverage:     pos.Leverage,
		}
		if book == models.BookSpot {
			h.AverageEntry = pos.AverageEntry()
			h.CostBasis = pos.TotalCostBasis
		} else {
			h.AverageEntry = pos.EntryPrice
			h.CostBasis = pos.EntryPrice.Mul(pos.Quantity)
		}
		if inst, ok := snap.Get(id); ok {
			h.Name, h.Symbol = inst.Name, inst.Symbol
			h.Priced = true
			h.CurrentPrice = inst.CurrentPrice
			h.MarketValue = pos.Quantity.Mul(inst.CurrentPrice).Mul(pos.Multiplier())
			if book == models.BookSpot {
				h.UnrealizedPnL = h.MarketValue.Sub(pos.TotalCostBasis)
			} else {
				h.UnrealizedPnL = inst.CurrentPrice.Sub(pos.EntryPrice).Mul(pos.Quantity).Mul(pos.Multiplier())
			}
		}
		holdings = append(holdings, h)
	}
	l.mu.Unlock()

	sort.Slice(holdings, func(i, j int) bool { return holdings[i].InstrumentID < holdings[j].InstrumentID })
	return holdings
}

// State returns a deep copy of the current portfolio.
func (l *Ledger) State() models.PortfolioState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Clone()
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.CashBalance
}

// Reset discards every position and restores the starting balance.
func (l *Ledger) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		return fmt.Errorf("%w: portfolio", models.ErrNotLoaded)
	}
	l.state = models.NewPortfolioState(l.config.StartingBalance)
	logger.Warn("Portfolio reset to starting balance %s", l.config.StartingBalance)
	return l.save(ctx)
}
