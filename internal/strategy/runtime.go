package strategy

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/clock"
	"github.com/eddiefleurent/topstepx-engine/internal/eventbus"
	"github.com/eddiefleurent/topstepx-engine/internal/models"
	"github.com/eddiefleurent/topstepx-engine/internal/orders"
	"github.com/eddiefleurent/topstepx-engine/internal/store"
)

// errorRetryDelay is the single post-error retry delay.
const errorRetryDelay = 60 * time.Second

type instanceKey struct {
	AccountID string
	Name      string
}

// instance is one (strategy,account) pair's runtime bookkeeping.
type instance struct {
	key             instanceKey
	lifecycle       *models.Lifecycle
	cfg             models.StrategyConfig
	pendingCfg      *models.StrategyConfig
	strat           Strategy
	nextExecutionAt time.Time
	errorAt         time.Time
}

// Runtime owns every (strategy,account) instance's lifecycle and
// scheduling.
type Runtime struct {
	store    *store.Store
	orderMgr *orders.Manager
	hist     Historical
	broker   Broker
	cal      *clock.Calendar
	bus      *eventbus.Bus
	accts    Accounts
	logger   *log.Logger

	mu        sync.Mutex
	instances map[instanceKey]*instance
}

// Option configures a Runtime at construction.
type Option func(*Runtime)

// WithLogger overrides the default stderr logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// New constructs a Runtime.
func New(st *store.Store, orderMgr *orders.Manager, hist Historical, brokerClient Broker, cal *clock.Calendar, bus *eventbus.Bus, accts Accounts, opts ...Option) *Runtime {
	r := &Runtime{
		store: st, orderMgr: orderMgr, hist: hist, broker: brokerClient, cal: cal, bus: bus, accts: accts,
		logger:    log.New(os.Stderr, "[strategy] ", log.LstdFlags),
		instances: make(map[instanceKey]*instance),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadFromStore auto-enables every persisted StrategyConfig with
// enabled=true.
func (r *Runtime) LoadFromStore(now time.Time) {
	for _, cfg := range r.store.ListStrategyConfigs() {
		r.applyConfig(cfg, now)
	}
}

func (r *Runtime) applyConfig(cfg models.StrategyConfig, now time.Time) {
	key := instanceKey{AccountID: cfg.AccountID, Name: cfg.Name}
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[key]
	if !ok {
		strat, known := New(cfg.Name)
		if !known {
			r.logger.Printf("skipping unknown strategy kind %q for account %s", cfg.Name, cfg.AccountID)
			return
		}
		inst = &instance{key: key, lifecycle: models.NewLifecycle(), strat: strat}
		r.instances[key] = inst
	}

	if inst.lifecycle.Status() == models.StrategyRunning {
		inst.pendingCfg = &cfg
		return
	}

	r.setConfig(inst, cfg, now)
}

func (r *Runtime) setConfig(inst *instance, cfg models.StrategyConfig, now time.Time) {
	inst.cfg = cfg
	inst.pendingCfg = nil
	wasEnabled := inst.lifecycle.Status() != models.StrategyDisabled
	if cfg.Enabled && !wasEnabled {
		_ = inst.lifecycle.Transition(models.StrategyEnabledIdle, models.ConditionEnable)
	}
	if !cfg.Enabled && wasEnabled {
		_ = inst.lifecycle.Transition(models.StrategyDisabled, models.ConditionDisable)
	}
	if cfg.Enabled {
		inst.nextExecutionAt = r.computeNextExecution(cfg, now)
	}
}

// computeNextExecution resolves market_open_time (default 08:30) in the
// exchange calendar's timezone.
func (r *Runtime) computeNextExecution(cfg models.StrategyConfig, now time.Time) time.Time {
	hhmm := paramString(cfg, "market_open_time", "08:30")
	loc := time.UTC
	if r.cal != nil {
		loc = r.cal.Location()
	}
	next, err := clock.NextBoundary(now, loc, hhmm)
	if err != nil {
		return now.Add(24 * time.Hour)
	}
	return next
}

// UpdateConfig atomically replaces a (strategy,account)'s config,
// deferring the swap until the running cycle ends if applicable.
func (r *Runtime) UpdateConfig(cfg models.StrategyConfig, now time.Time) error {
	if err := r.store.SetStrategyConfig(cfg); err != nil {
		return fmt.Errorf("persisting strategy config: %w", err)
	}
	r.applyConfig(cfg, now)
	return nil
}

// DisableAll satisfies risk.StrategyDisabler: every strategy on
// accountID transitions to DISABLED immediately, regardless of phase.
func (r *Runtime) DisableAll(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		if inst.key.AccountID != accountID {
			continue
		}
		status := inst.lifecycle.Status()
		if status == models.StrategyDisabled {
			continue
		}
		_ = inst.lifecycle.Transition(models.StrategyDisabled, models.ConditionDisable)
		inst.cfg.Enabled = false
		_ = r.store.SetStrategyConfig(inst.cfg)
	}
}

// Tick drives lifecycle transitions and fires executeCycle for every
// instance whose execution window has opened; called on a short
// interval (e.g. every few seconds) by cmd/engine's strategy ticker.
func (r *Runtime) Tick(ctx context.Context, now time.Time) {
	r.mu.Lock()
	due := make([]*instance, 0)
	for _, inst := range r.instances {
		switch inst.lifecycle.Status() {
		case models.StrategyEnabledIdle:
			if !inst.nextExecutionAt.IsZero() && !now.Before(inst.nextExecutionAt) {
				if err := inst.lifecycle.Transition(models.StrategyRunning, models.ConditionWindowOpen); err == nil {
					due = append(due, inst)
				}
			}
		case models.StrategyError:
			if !inst.errorAt.IsZero() && now.Sub(inst.errorAt) >= errorRetryDelay {
				if !inst.lifecycle.HasRetried() {
					if err := inst.lifecycle.Transition(models.StrategyRunning, models.ConditionRetry); err == nil {
						due = append(due, inst)
					}
				} else {
					_ = inst.lifecycle.Transition(models.StrategyStopped, models.ConditionRetryExhausted)
				}
			}
		}
	}
	r.mu.Unlock()

	for _, inst := range due {
		r.runCycle(ctx, inst)
	}
}

func (r *Runtime) runCycle(ctx context.Context, inst *instance) {
	rc, err := r.buildRunContext(ctx, inst.cfg)
	if err != nil {
		r.onCycleError(inst, err)
		return
	}
	if err := inst.strat.ExecuteCycle(ctx, rc); err != nil {
		r.onCycleError(inst, err)
		return
	}

	r.mu.Lock()
	_ = inst.lifecycle.Transition(models.StrategyEnabledIdle, models.ConditionCycleComplete)
	if inst.pendingCfg != nil {
		r.setConfig(inst, *inst.pendingCfg, time.Now().UTC())
	} else {
		inst.nextExecutionAt = r.computeNextExecution(inst.cfg, time.Now().UTC())
	}
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(eventbus.TopicStrategyUpdate, models.StrategyState{
			Status: inst.lifecycle.Status(), IsRunning: false, LastTick: time.Now().UTC(),
		})
	}
}

func (r *Runtime) onCycleError(inst *instance, cycleErr error) {
	r.logger.Printf("executeCycle failed account=%s strategy=%s: %v", inst.key.AccountID, inst.key.Name, cycleErr)
	r.mu.Lock()
	_ = inst.lifecycle.Transition(models.StrategyError, models.ConditionError)
	inst.errorAt = time.Now().UTC()
	r.mu.Unlock()
	if r.bus != nil {
		r.bus.Publish(eventbus.TopicNotification, models.Notification{
			AccountID: inst.key.AccountID, Timestamp: time.Now().UTC(),
			Level: models.LevelError, Message: fmt.Sprintf("%s: %v", inst.key.Name, cycleErr),
		})
	}
}

func (r *Runtime) buildRunContext(ctx context.Context, cfg models.StrategyConfig) (*RunContext, error) {
	symbol := firstSymbol(cfg)
	if symbol == "" {
		return nil, models.NewTradeError(models.ErrInvalidInput, "strategy config has no symbols", nil)
	}
	contract, err := r.broker.GetContract(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &RunContext{
		AccountID: cfg.AccountID, Config: cfg, Contract: contract,
		Orders: r.orderMgr, Historical: r.hist, Broker: r.broker, Calendar: r.cal, Accounts: r.accts,
	}, nil
}

// OnBar dispatches a closed bar to every instance that is not DISABLED
// or STOPPED and is subscribed to its symbol, so rolling indicators stay warm
// between execution windows.
func (r *Runtime) OnBar(ctx context.Context, bar models.Bar) {
	r.mu.Lock()
	var targets []*instance
	for _, inst := range r.instances {
		status := inst.lifecycle.Status()
		if status == models.StrategyDisabled || status == models.StrategyStopped {
			continue
		}
		for _, sym := range inst.cfg.Symbols {
			if sym == bar.Symbol {
				targets = append(targets, inst)
				break
			}
		}
	}
	r.mu.Unlock()

	for _, inst := range targets {
		rc, err := r.buildRunContext(ctx, inst.cfg)
		if err != nil {
			continue
		}
		inst.strat.OnBar(rc, bar)
	}
}

// OnFill dispatches a fill event to every instance on accountID; each
// strategy decides whether the order is one of its own.
func (r *Runtime) OnFill(ctx context.Context, accountID string, fill orders.FillEvent) {
	r.mu.Lock()
	var targets []*instance
	for _, inst := range r.instances {
		if inst.key.AccountID == accountID {
			targets = append(targets, inst)
		}
	}
	r.mu.Unlock()

	for _, inst := range targets {
		rc, err := r.buildRunContext(ctx, inst.cfg)
		if err != nil {
			continue
		}
		inst.strat.OnFill(rc, fill)
	}
}

// Status returns the lifecycle status of one (strategy,account) pair.
func (r *Runtime) Status(accountID, name string) (models.StrategyStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceKey{AccountID: accountID, Name: name}]
	if !ok {
		return "", false
	}
	return inst.lifecycle.Status(), true
}
