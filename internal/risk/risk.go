// Package risk implements the per-account prop-firm compliance engine:
// daily-loss-limit and trailing-max-loss-limit tracking,
// a pre-trade veto gate shared by the order manager and strategy
// runtime, and the flatten-and-disable response to a violation.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/accounts"
	"github.com/eddiefleurent/topstepx-engine/internal/config"
	"github.com/eddiefleurent/topstepx-engine/internal/eventbus"
	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

// Decision is the outcome of a pre-trade Evaluate call.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow is the zero-reason permitted decision.
var Allow = Decision{Allowed: true}

// Veto builds a rejecting Decision carrying reason.
func Veto(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Intent is the minimal shape a pre-trade check needs from a proposed
// order; OrderManager and StrategyRuntime both satisfy this inline.
type Intent struct {
	AccountID string
	Symbol    string
}

// Flattener closes every position for an account; satisfied by
// internal/orders.Manager. Kept as an interface here to avoid a
// risk -> orders import cycle.
type Flattener interface {
	FlattenAll(ctx context.Context, accountID string) error
}

// StrategyDisabler disables every strategy running on an account;
// satisfied by internal/strategy.Runtime.
type StrategyDisabler interface {
	DisableAll(accountID string)
}

// accountState is the per-account running risk computation.
type accountState struct {
	mu                sync.Mutex
	startOfDayBalance float64
	initialBalance    float64
	highWaterMark     float64
	hwmFixed          bool
	realizedPnLToday  float64
	lastSnapshot      models.RiskSnapshot
	compliant         bool
}

// Monitor recomputes compliance per account on every fill, every
// balance update, and on a 15s timer, and gates pre-trade intents.
type Monitor struct {
	cfg    config.RiskConfig
	accts  *accounts.Store
	bus    *eventbus.Bus
	flat   Flattener
	disabl StrategyDisabler

	mu     sync.Mutex
	states map[string]*accountState
}

// New builds a Monitor. flat and disabl may be nil until the order
// manager and strategy runtime are wired in by cmd/engine; until then
// a violation is published but not auto-remediated.
func New(cfg config.RiskConfig, accts *accounts.Store, bus *eventbus.Bus, flat Flattener, disabl StrategyDisabler) *Monitor {
	return &Monitor{
		cfg:    cfg,
		accts:  accts,
		bus:    bus,
		flat:   flat,
		disabl: disabl,
		states: make(map[string]*accountState),
	}
}

func (m *Monitor) stateFor(accountID string, startBalance float64) *accountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[accountID]
	if !ok {
		s = &accountState{startOfDayBalance: startBalance, initialBalance: startBalance, highWaterMark: startBalance, compliant: true}
		m.states[accountID] = s
	}
	return s
}

// ResetDay resets the start-of-day balance and realized P&L for
// accountID, called by the EOD ticker at session rollover.
func (m *Monitor) ResetDay(accountID string, startBalance float64) {
	s := m.stateFor(accountID, startBalance)
	s.mu.Lock()
	s.startOfDayBalance = startBalance
	s.realizedPnLToday = 0
	s.mu.Unlock()
}

// RecordRealizedPnL accumulates a closed trade's realized P&L into the
// day's running total, called by the order manager on every fill.
func (m *Monitor) RecordRealizedPnL(accountID string, pnl float64) {
	s := m.stateFor(accountID, 0)
	s.mu.Lock()
	s.realizedPnLToday += pnl
	s.mu.Unlock()
}

// Recompute recalculates accountID's RiskSnapshot from the account
// projection's current balance/positions and publishes it, driving
// any violation into a flatten-and-disable response.
func (m *Monitor) Recompute(ctx context.Context, accountID string) (models.RiskSnapshot, error) {
	snap, ok := m.accts.Snapshot(accountID)
	if !ok {
		return models.RiskSnapshot{}, fmt.Errorf("recompute: unknown account %s", accountID)
	}
	s := m.stateFor(accountID, snap.Account.StartOfDayBalance)

	s.mu.Lock()
	if s.startOfDayBalance == 0 {
		s.startOfDayBalance = snap.Account.StartOfDayBalance
		s.initialBalance = snap.Account.StartOfDayBalance
		s.highWaterMark = snap.Account.StartOfDayBalance
	}
	// The trailing high-water mark ratchets up with balance only until
	// the account first reaches initial+TrailThreshold; from then on
	// it is fixed for the life of the account, per the prop-firm
	// trailing-drawdown rule.
	if !s.hwmFixed {
		if snap.Account.Balance > s.highWaterMark {
			s.highWaterMark = snap.Account.Balance
		}
		if snap.Account.Balance >= s.initialBalance+m.cfg.TrailThreshold {
			s.hwmFixed = true
		}
	}

	var unrealizedTotal float64
	for _, p := range snap.Positions {
		unrealizedTotal += p.UnrealizedPnL
	}
	totalPnL := snap.Account.Balance - s.startOfDayBalance + unrealizedTotal

	dllUsed := 0.0
	if s.realizedPnLToday < 0 {
		dllUsed = -s.realizedPnLToday
	}
	dll := models.LimitBand{
		Limit: m.cfg.DailyLossLimit, Used: dllUsed,
		Remaining: m.cfg.DailyLossLimit - dllUsed,
	}
	dll.Pct = safeDiv(dll.Used, dll.Limit)
	dll.Violated = m.cfg.DailyLossLimit > 0 && dllUsed >= m.cfg.DailyLossLimit

	mllUsed := s.highWaterMark - snap.Account.Balance
	if mllUsed < 0 {
		mllUsed = 0
	}
	mll := models.LimitBand{
		Limit: m.cfg.MaxLossLimit, Used: mllUsed,
		Remaining: m.cfg.MaxLossLimit - mllUsed,
	}
	mll.Pct = safeDiv(mll.Used, mll.Limit)
	mll.Violated = m.cfg.MaxLossLimit > 0 && mllUsed >= m.cfg.MaxLossLimit

	trailingLoss := s.highWaterMark - snap.Account.Balance
	compliant := !dll.Violated && !mll.Violated

	riskSnap := models.RiskSnapshot{
		AccountID: accountID, Balance: snap.Account.Balance, StartBalance: s.startOfDayBalance,
		TotalPnL: totalPnL, DLL: dll, MLL: mll, TrailingLoss: trailingLoss, Compliance: compliant,
	}

	wasCompliant := s.compliant
	s.compliant = compliant
	s.lastSnapshot = riskSnap
	s.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(eventbus.TopicRiskUpdate, riskSnap)
	}

	if wasCompliant && !compliant {
		m.onViolation(ctx, accountID, riskSnap)
	}
	return riskSnap, nil
}

func (m *Monitor) onViolation(ctx context.Context, accountID string, snap models.RiskSnapshot) {
	reason := "risk limit violated"
	switch {
	case snap.DLL.Violated:
		reason = "daily loss limit violated"
	case snap.MLL.Violated:
		reason = "trailing max loss limit violated"
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.TopicNotification, models.Notification{
			AccountID: accountID, Timestamp: time.Now().UTC(),
			Level: models.LevelError, Message: reason,
		})
	}
	if m.disabl != nil {
		m.disabl.DisableAll(accountID)
	}
	if m.flat != nil {
		_ = m.flat.FlattenAll(ctx, accountID)
	}
}

// Evaluate is the pre-trade gate called by OrderManager and
// StrategyRuntime before any new order is submitted.
func (m *Monitor) Evaluate(intent Intent) Decision {
	m.mu.Lock()
	s, ok := m.states[intent.AccountID]
	m.mu.Unlock()
	if !ok {
		return Allow
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.compliant {
		return Veto(fmt.Sprintf("account %s is non-compliant", intent.AccountID))
	}
	return Allow
}

// EvaluateSymbol is the narrow (accountID, symbol) -> (allowed, reason)
// shape consumed by internal/orders.Manager, which cannot import this
// package's Intent/Decision types without an import cycle back from
// risk -> orders (risk's Flattener/StrategyDisabler interfaces are
// satisfied by orders/strategy, not imported from them).
func (m *Monitor) EvaluateSymbol(accountID, symbol string) (bool, string) {
	d := m.Evaluate(Intent{AccountID: accountID, Symbol: symbol})
	return d.Allowed, d.Reason
}

// Snapshot returns the last computed RiskSnapshot for accountID.
func (m *Monitor) Snapshot(accountID string) (models.RiskSnapshot, bool) {
	m.mu.Lock()
	s, ok := m.states[accountID]
	m.mu.Unlock()
	if !ok {
		return models.RiskSnapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSnapshot, true
}

// Run recomputes every tracked account's risk on a 15s timer until
// ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, snap := range m.accts.Snapshots() {
				_, _ = m.Recompute(ctx, snap.Account.ID)
			}
		}
	}
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
