// Package strategy implements the strategy runtime: a
// registry of strategy kinds scheduled per (strategy,account) through
// the shared lifecycle state machine, executing trading cycles against
// the order manager, historical data service and risk gate.
package strategy

import (
	"context"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/broker"
	"github.com/eddiefleurent/topstepx-engine/internal/models"
	"github.com/eddiefleurent/topstepx-engine/internal/orders"
)

// RunContext is everything one strategy cycle needs, assembled by the
// Runtime from its shared dependencies plus the instance's own config.
type RunContext struct {
	AccountID string
	Config    models.StrategyConfig
	Contract  models.Contract

	Orders     *orders.Manager
	Historical Historical
	Broker     Broker
	Calendar   Calendar
	Accounts   Accounts
}

// Accounts is the narrow slice of internal/accounts.Store a strategy
// needs to read current position marks for breakeven management.
type Accounts interface {
	PositionFor(accountID, symbol string) (models.Position, bool)
}

// Historical is the narrow slice of internal/historical.Service a
// strategy needs, kept as an interface so strategies don't depend on
// the LRU/singleflight internals.
type Historical interface {
	Get(ctx context.Context, symbol string, tf models.Timeframe, rng broker.HistoricalRange) ([]models.Bar, error)
}

// Broker is the narrow slice of internal/broker.Broker a strategy needs.
type Broker interface {
	GetContract(ctx context.Context, symbol string) (models.Contract, error)
}

// Calendar is the narrow slice of internal/clock.Calendar a strategy needs.
type Calendar interface {
	Location() *time.Location
}

// Strategy is the polymorphic interface every registered kind
// implements.
type Strategy interface {
	// ExecuteCycle runs exactly once per opened execution window.
	ExecuteCycle(ctx context.Context, rc *RunContext) error
	// OnBar is called for every closed bar on one of the strategy's symbols.
	OnBar(rc *RunContext, bar models.Bar)
	// OnFill is called for every fill on the instance's account; it is up
	// to the strategy to ignore orders it did not place.
	OnFill(rc *RunContext, fill orders.FillEvent)
}

// Factory constructs a fresh Strategy instance; registered kinds are
// stateful per (account,name) so each instance gets its own factory call.
type Factory func() Strategy

var registry = map[string]Factory{}

// Register adds kind to the registry; called from each strategy
// implementation's init().
func Register(kind string, factory Factory) {
	registry[kind] = factory
}

// New constructs a fresh Strategy for kind, or (nil,false) if
// unregistered.
func New(kind string) (Strategy, bool) {
	factory, ok := registry[kind]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// RegisteredKinds lists every registered strategy kind name.
func RegisteredKinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}

// paramFloat reads a float64 param with a default; StrategyConfig.Params
// decodes from JSON/YAML as float64 for all numeric values.
func paramFloat(cfg models.StrategyConfig, key string, def float64) float64 {
	if v, ok := cfg.Params[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return def
}

func paramInt(cfg models.StrategyConfig, key string, def int) int {
	return int(paramFloat(cfg, key, float64(def)))
}

func paramString(cfg models.StrategyConfig, key, def string) string {
	if v, ok := cfg.Params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func paramBool(cfg models.StrategyConfig, key string, def bool) bool {
	if v, ok := cfg.Params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func firstSymbol(cfg models.StrategyConfig) string {
	if len(cfg.Symbols) == 0 {
		return ""
	}
	return cfg.Symbols[0]
}
