package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Book selects one of the two independent position books.
type Book string

const (
	BookSpot      Book = "spot"
	BookLeveraged Book = "leveraged"
)

// ParseBook accepts "spot", "leveraged" and the original app's "future"/"futures" alias.
func ParseBook(s string) (Book, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spot":
		return BookSpot, nil
	case "leveraged", "future", "futures":
		return BookLeveraged, nil
	}
	return "", fmt.Errorf("%w: unknown book %q", ErrInvalidTrade, s)
}

// Action is the side of a trade.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// ParseAction accepts "buy" or "sell", case-insensitively.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return ActionBuy, nil
	case "sell":
		return ActionSell, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidTrade, s)
}

// Position is a holding in one book. Spot positions track TotalCostBasis;
// leveraged positions track EntryPrice and Leverage of the most recent buy.
type Position struct {
	Quantity       decimal.Decimal `json:"quantity"`
	TotalCostBasis decimal.Decimal `json:"total_cost_basis,omitzero"`
	EntryPrice     decimal.Decimal `json:"entry_price,omitzero"`
	Leverage       int             `json:"leverage,omitempty"`
}

// AverageEntry is the running average entry price of a spot position.
func (p Position) AverageEntry() decimal.Decimal {
	if p.Quantity.IsZero() {
		return decimal.Zero
	}
	return p.TotalCostBasis.Div(p.Quantity)
}

// Multiplier is the valuation multiplier: the leverage, or 1 when unset.
func (p Position) Multiplier() decimal.Decimal {
	if p.Leverage < 1 {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(int64(p.Leverage))
}

// PortfolioState is the complete persisted paper-trading account.
type PortfolioState struct {
	CashBalance decimal.Decimal     `json:"cash_balance"`
	Spot        map[string]Position `json:"spot"`
	Leveraged   map[string]Position `json:"leveraged"`
}

// NewPortfolioState returns an account holding only cash.
func NewPortfolioState(startingBalance decimal.Decimal) PortfolioState {
	return PortfolioState{
		CashBalance: startingBalance,
		Spot:        make(map[string]Position),
		Leveraged:   make(map[string]Position),
	}
}

// BookPositions returns the positions map for book, or nil for an unknown book.
func (s *PortfolioState) BookPositions(book Book) map[string]Position {
	switch book {
	case BookSpot:
		return s.Spot
	case BookLeveraged:
		return s.Leveraged
	}
	return nil
}

// Clone returns a deep copy.
func (s PortfolioState) Clone() PortfolioState {
	c := PortfolioState{
		CashBalance: s.CashBalance,
		Spot:        make(map[string]Position, len(s.Spot)),
		Leveraged:   make(map[string]Position, len(s.Leveraged)),
	}
	for id, p := range s.Spot {
		c.Spot[id] = p
	}
	for id, p := range s.Leveraged {
		c.Leveraged[id] = p
	}
	return c
}

// Validate checks the invariants a loaded state must satisfy.
func (s *PortfolioState) Validate() error {
	if s.CashBalance.IsNegative() {
		return errors.New("cash balance must not be negative")
	}
	for id, p := range s.Spot {
		if !p.Quantity.IsPositive() {
			return fmt.Errorf("spot position %s: quantity must be positive", id)
		}
		if p.TotalCostBasis.IsNegative() {
			return fmt.Errorf("spot position %s: cost basis must not be negative", id)
		}
	}
	for id, p := range s.Leveraged {
		if !p.Quantity.IsPositive() {
			return fmt.Errorf("leveraged position %s: quantity must be positive", id)
		}
		if p.Leverage < 1 {
			return fmt.Errorf("leveraged position %s: leverage must be at least 1", id)
		}
	}
	return nil
}

// TradeReceipt describes an executed trade.
type TradeReceipt struct {
	Action               Action          `json:"action"`
	Book                 Book            `json:"book"`
	InstrumentID         string          `json:"instrument_id"`
	Quantity             decimal.Decimal `json:"quantity"`
	Price                decimal.Decimal `json:"price"`
	Leverage             int             `json:"leverage,omitempty"`
	ResultingCashBalance decimal.Decimal `json:"resulting_cash_balance"`
	ExecutedAt           time.Time       `json:"executed_at"`
	// Persisted is false when the state could not be written after the trade.
	Persisted bool `json:"-"`
}

// Cost is the cash moved by the trade.
func (r *TradeReceipt) Cost() decimal.Decimal {
	return r.Quantity.Mul(r.Price)
}

// Holding is a read-only valuation of one position.
type Holding struct {
	Book          Book
	InstrumentID  string
	Name          string
	Symbol        string
	Quantity      decimal.Decimal
	AverageEntry  decimal.Decimal
	Leverage      int
	CostBasis     decimal.Decimal
	CurrentPrice  decimal.Decimal
	MarketValue   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Priced        bool
}
