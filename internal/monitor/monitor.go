// Package monitor evaluates user price alerts against the price table. Each
// rule fires at most once: armed → fired, and only deletion removes it.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/rewired-gh/papertrade/internal/logger"
	"github.com/rewired-gh/papertrade/internal/models"
	"github.com/rewired-gh/papertrade/internal/notify"
	"github.com/rewired-gh/papertrade/internal/pricetable"
	"github.com/shopspring/decimal"
)

// RulesKey is the persistence key of the serialized rule set.
const RulesKey = "price_alerts"

// Store is the durable key/value store rules are persisted to.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// PriceFeed exposes the latest price snapshot.
type PriceFeed interface {
	Snapshot() *pricetable.Snapshot
}

type Monitor struct {
	mu     sync.Mutex
	rules  []models.AlertRule
	loaded bool
	dirty  bool
	store  Store
	prices PriceFeed
	sink   notify.Sink
	clock  clock.Clock
}

func New(store Store, prices PriceFeed, sink notify.Sink, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if sink == nil {
		sink = notify.LogSink{}
	}
	return &Monitor{
		store:  store,
		prices: prices,
		sink:   sink,
		clock:  clk,
	}
}

// Load restores persisted rules. Missing or corrupt data yields an empty set;
// individually invalid rules are dropped. A store read failure is returned and
// leaves the monitor unloaded: rule changes are refused and nothing is
// persisted until a later Load succeeds.
func (m *Monitor) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok, err := m.store.Get(ctx, RulesKey)
	if err != nil {
		m.loaded = false
		m.rules = nil
		return &models.PersistenceError{Key: RulesKey, Err: err}
	}
	m.loaded = true
	m.dirty = false
	m.rules = nil
	if !ok {
		return nil
	}

	var persisted []models.AlertRule
	if err := json.Unmarshal(data, &persisted); err != nil {
		logger.Warn("Discarding corrupt alert rules: %v", err)
		return nil
	}
	for _, r := range persisted {
		if err := r.Validate(); err != nil {
			logger.Warn("Skipping invalid alert rule %q: %v", r.ID, err)
			continue
		}
		m.rules = append(m.rules, r)
	}
	logger.Info("Loaded %d alert rules", len(m.rules))
	return nil
}

// Loaded reports whether the last Load read the store successfully.
func (m *Monitor) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// CreateRule arms a new rule for an instrument present in the price table.
func (m *Monitor) CreateRule(ctx context.Context, instrumentID string, target decimal.Decimal, dir models.Direction) (models.AlertRule, error) {
	if !target.IsPositive() {
		return models.AlertRule{}, fmt.Errorf("%w: target %s must be positive", models.ErrInvalidThreshold, target)
	}
	if dir != models.DirectionAbove && dir != models.DirectionBelow {
		return models.AlertRule{}, fmt.Errorf("%w: %q", models.ErrInvalidDirection, dir)
	}
	inst, ok := m.prices.Snapshot().Get(instrumentID)
	if !ok {
		return models.AlertRule{}, fmt.Errorf("%w: %s", models.ErrInstrumentUnknown, instrumentID)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return models.AlertRule{}, fmt.Errorf("generate rule id: %w", err)
	}

	rule := models.AlertRule{
		ID:               id.String(),
		InstrumentID:     inst.ID,
		InstrumentName:   inst.Name,
		InstrumentSymbol: inst.Symbol,
		TargetPrice:      target,
		Direction:        dir,
		CreatedAt:        m.clock.Now(),
	}

	m.mu.Lock()
	if !m.loaded {
		m.mu.Unlock()
		return models.AlertRule{}, fmt.Errorf("%w: alert rules", models.ErrNotLoaded)
	}
	m.rules = append(m.rules, rule)
	m.persist(ctx)
	m.mu.Unlock()

	logger.Info("Created alert %s: %s %s %s", rule.ID, rule.InstrumentID, rule.Direction, rule.TargetPrice)
	m.sink.Notify("Alert Created", fmt.Sprintf("You'll be notified when %s goes %s %s",
		rule.Label(), rule.Direction, models.FormatUSD(rule.TargetPrice)))
	return rule, nil
}

// DeleteRule removes a rule, armed or fired.
func (m *Monitor) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	if !m.loaded {
		m.mu.Unlock()
		return fmt.Errorf("%w: alert rules", models.ErrNotLoaded)
	}
	idx := -1
	for i := range m.rules {
		if m.rules[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: alert %s", models.ErrNotFound, id)
	}
	rule := m.rules[idx]
	m.rules = append(m.rules[:idx], m.rules[idx+1:]...)
	m.persist(ctx)
	m.mu.Unlock()

	logger.Info("Deleted alert %s", id)
	m.sink.Notify("Alert Removed", fmt.Sprintf("Alert for %s %s %s removed",
		rule.Label(), rule.Direction, models.FormatUSD(rule.TargetPrice)))
	return nil
}

// Evaluate checks every armed rule against one price snapshot and fires those
// whose condition holds. Rules for instruments missing from the snapshot are
// skipped this pass.
func (m *Monitor) Evaluate(ctx context.Context) []models.FiredRule {
	snap := m.prices.Snapshot()
	now := m.clock.Now()

	m.mu.Lock()
	var fired []models.FiredRule
	for i := range m.rules {
		r := &m.rules[i]
		if r.Triggered {
			continue
		}
		inst, ok := snap.Get(r.InstrumentID)
		if !ok {
			continue
		}
		if !r.Direction.Crossed(inst.CurrentPrice, r.TargetPrice) {
			continue
		}
		at := now
		r.Triggered = true
		r.TriggeredAt = &at
		fired = append(fired, models.FiredRule{Rule: *r, Price: inst.CurrentPrice, FiredAt: now})
	}
	if len(fired) > 0 || m.dirty {
		m.persist(ctx)
	}
	m.mu.Unlock()

	for _, f := range fired {
		logger.Info("Alert %s fired: %s at %s (target %s %s)",
			f.Rule.ID, f.Rule.InstrumentID, f.Price, f.Rule.Direction, f.Rule.TargetPrice)
		m.sink.Notify("Price Alert Triggered", fmt.Sprintf("%s is now %s (target: %s %s)",
			f.Rule.Label(), models.FormatUSD(f.Price), f.Rule.Direction, models.FormatUSD(f.Rule.TargetPrice)))
	}
	return fired
}

// Rules returns a copy of all rules in creation order.
func (m *Monitor) Rules() []models.AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AlertRule, len(m.rules))
	copy(out, m.rules)
	return out
}

// Shutdown flushes rules whose last persist failed.
func (m *Monitor) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded || !m.dirty {
		return
	}
	logger.Info("Flushing %d alert rules before shutdown", len(m.rules))
	m.persist(ctx)
}

// persist writes the rule set. Failures mark the monitor dirty so the next
// evaluation retries; in-memory rules stay authoritative. Caller holds mu.
func (m *Monitor) persist(ctx context.Context) {
	if !m.loaded {
		return
	}
	rules := m.rules
	if rules == nil {
		rules = []models.AlertRule{}
	}
	data, err := json.Marshal(rules)
	if err == nil {
		err = m.store.Set(ctx, RulesKey, data)
	}
	if err != nil {
		m.dirty = true
		logger.Warn("Failed to persist alert rules: %v", &models.PersistenceError{Key: RulesKey, Err: err})
		return
	}
	m.dirty = false
}
