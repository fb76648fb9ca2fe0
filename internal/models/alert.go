package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of the threshold an alert waits for.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// ParseDirection accepts "above"/"below" (and ">="/"<="), case-insensitively.
// Both directions match inclusively, so the strict ">" and "<" are rejected.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "above", ">=":
		return DirectionAbove, nil
	case "below", "<=":
		return DirectionBelow, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}

// Crossed reports whether price satisfies the direction against target.
func (d Direction) Crossed(price, target decimal.Decimal) bool {
	switch d {
	case DirectionAbove:
		return price.GreaterThanOrEqual(target)
	case DirectionBelow:
		return price.LessThanOrEqual(target)
	}
	return false
}

// AlertRule is a persisted price threshold. Once Triggered it never re-arms.
type AlertRule struct {
	ID               string          `json:"id"`
	InstrumentID     string          `json:"instrument_id"`
	InstrumentName   string          `json:"instrument_name,omitempty"`
	InstrumentSymbol string          `json:"instrument_symbol,omitempty"`
	TargetPrice      decimal.Decimal `json:"target_price"`
	Direction        Direction       `json:"direction"`
	CreatedAt        time.Time       `json:"created_at"`
	Triggered        bool            `json:"triggered"`
	TriggeredAt      *time.Time      `json:"triggered_at,omitempty"`
}

// Validate checks alert rule field constraints.
func (r *AlertRule) Validate() error {
	if r.ID == "" {
		return errors.New("alert ID must not be empty")
	}
	if r.InstrumentID == "" {
		return errors.New("instrument ID must not be empty")
	}
	if !r.TargetPrice.IsPositive() {
		return ErrInvalidThreshold
	}
	if r.Direction != DirectionAbove && r.Direction != DirectionBelow {
		return ErrInvalidDirection
	}
	if r.Triggered && r.TriggeredAt == nil {
		return errors.New("triggered alert must record when it fired")
	}
	return nil
}

// Label is the human-readable instrument reference used in notifications.
func (r *AlertRule) Label() string {
	name := r.InstrumentName
	if name == "" {
		name = r.InstrumentID
	}
	if r.InstrumentSymbol == "" {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, r.InstrumentSymbol)
}

// FiredRule is a rule that fired during an evaluation pass.
type FiredRule struct {
	Rule    AlertRule
	Price   decimal.Decimal
	FiredAt time.Time
}
