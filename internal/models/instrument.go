// Package models defines the core domain entities: instruments, positions, portfolios and alert rules.
package models

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Instrument is one tradable coin as last reported by the market-data API.
type Instrument struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	MarketCap    decimal.Decimal `json:"market_cap"`
}

// Validate checks instrument field constraints.
func (i *Instrument) Validate() error {
	if i.ID == "" {
		return errors.New("instrument ID must not be empty")
	}
	if !i.CurrentPrice.IsPositive() {
		return errors.New("current price must be positive")
	}
	if i.MarketCap.IsNegative() {
		return errors.New("market cap must not be negative")
	}
	return nil
}

// DisplayName returns "Name (SYMBOL)", falling back to the ID when the name is unknown.
func (i *Instrument) DisplayName() string {
	name := i.Name
	if name == "" {
		name = i.ID
	}
	if i.Symbol == "" {
		return name
	}
	return name + " (" + i.Symbol + ")"
}
