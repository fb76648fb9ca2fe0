package models

import (
	"errors"
	"fmt"
)

// Validation errors. They are terminal for the operation that returned them and
// leave in-memory state unchanged.
var (
	ErrInstrumentUnknown    = errors.New("instrument unknown")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrNoPosition           = errors.New("no position")
	ErrInvalidThreshold     = errors.New("invalid threshold")
	ErrNotFound             = errors.New("not found")

	ErrInvalidQuantity  = errors.New("quantity must be positive")
	ErrInvalidLeverage  = errors.New("leverage must be at least 1")
	ErrInvalidDirection = errors.New("direction must be above or below")
	ErrInvalidTrade     = errors.New("invalid trade")

	// ErrNotLoaded rejects mutations while persisted state could not be read.
	// Writing before a successful load would overwrite the durable copy.
	ErrNotLoaded = errors.New("persisted state not loaded")
)

// FetchError reports a failed market-data refresh. The previous price table is kept.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// PersistenceError reports a failed write or read of a persisted key.
// In-memory state stays authoritative; the next successful save reconciles.
type PersistenceError struct {
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %q: %v", e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
