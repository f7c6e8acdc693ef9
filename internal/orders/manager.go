// Package orders composes trading intent into broker calls:
// bracket/OCO composition, fill watching, breakeven
// management, and end-of-day flattening.
package orders

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/accounts"
	"github.com/eddiefleurent/topstepx-engine/internal/broker"
	"github.com/eddiefleurent/topstepx-engine/internal/eventbus"
	"github.com/eddiefleurent/topstepx-engine/internal/models"
	"github.com/eddiefleurent/topstepx-engine/internal/retry"
	"github.com/eddiefleurent/topstepx-engine/internal/util"
)

// newIdempotencyKey generates one client-side idempotency key, used
// to tag every retry attempt of the same logical submission so the
// broker collapses them into a single order instead of double-placing
// on a retried write.
func newIdempotencyKey() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return fmt.Sprintf("idem-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("idem-%d-%d", time.Now().UnixNano(), n.Int64())
}

// BracketOpts declares the protective stop/target to attach on fill.
type BracketOpts struct {
	StopLoss   *float64
	TakeProfit *float64
	TickSize   float64
}

// pendingBracket is a locally-queued OCO pair awaiting the parent's fill.
type pendingBracket struct {
	accountID  string
	symbol     string
	side       models.Side
	qty        int
	stopLoss   *float64
	takeProfit *float64
	tickSize   float64
	stopID     string
	targetID   string
}

// FillEvent is emitted once per order, when its FILLED status is first
// observed; individual partial executions are not reported.
type FillEvent struct {
	Order   models.Order
	AtPrice float64
}

// eodRegistration is one account's configured end-of-day flatten time.
type eodRegistration struct {
	accountID string
	localTime string // "HH:MM"
}

// Manager composes trading intent into broker orders.
type Manager struct {
	broker broker.Broker
	accts  *accounts.Store
	bus    *eventbus.Bus
	risk   RiskEvaluator
	trades TradeStore
	logger *log.Logger

	mu               sync.Mutex
	brackets         map[string]*pendingBracket // keyed by parent order id
	breakevenApplied map[string]bool            // keyed by position key
	lastSeenStatus   map[string]models.OrderStatus
	eodRegs          []eodRegistration
	fifo             *fifoBook

	onFill func(FillEvent)
}

// RiskEvaluator is the minimal interface the order manager needs from
// the risk monitor: EvaluateSymbol(accountID, symbol) (allowed, reason).
type RiskEvaluator interface {
	EvaluateSymbol(accountID, symbol string) (bool, string)
}

// TradeStore is the minimal interface the order manager needs to
// persist realized trades: AppendTrade(TradeRecord) error.
type TradeStore interface {
	AppendTrade(models.TradeRecord) error
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLogger overrides the default stderr logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithOnFill registers a callback invoked once per unique fill.
func WithOnFill(fn func(FillEvent)) Option {
	return func(m *Manager) { m.onFill = fn }
}

// WithTradeStore wires a destination for FIFO-consolidated
// TradeRecords realized as fills close out open lots.
func WithTradeStore(ts TradeStore) Option {
	return func(m *Manager) { m.trades = ts }
}

// New constructs a Manager.
func New(brokerClient broker.Broker, accts *accounts.Store, bus *eventbus.Bus, riskGate RiskEvaluator, opts ...Option) *Manager {
	m := &Manager{
		broker:           brokerClient,
		accts:            accts,
		bus:              bus,
		risk:             riskGate,
		logger:           log.New(os.Stderr, "[orders] ", log.LstdFlags),
		brackets:         make(map[string]*pendingBracket),
		breakevenApplied: make(map[string]bool),
		lastSeenStatus:   make(map[string]models.OrderStatus),
		fifo:             newFIFOBook(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) checkRisk(accountID, symbol string) error {
	if m.risk == nil {
		return nil
	}
	if ok, reason := m.risk.EvaluateSymbol(accountID, symbol); !ok {
		return models.NewTradeError(models.ErrRiskVeto, reason, nil)
	}
	return nil
}

// SubmitMarket places a MARKET order; if opts carries a bracket, the
// OCO children are queued to be placed once the parent reports FILLED.
func (m *Manager) SubmitMarket(ctx context.Context, accountID, symbol string, side models.Side, qty int, opts BracketOpts) (models.Order, error) {
	if err := m.checkRisk(accountID, symbol); err != nil {
		return models.Order{}, err
	}
	idemKey := newIdempotencyKey()
	var order models.Order
	err := retry.Do(ctx, retry.DefaultConfig, func(ctx context.Context) error {
		var err error
		order, err = m.broker.PlaceOrder(ctx, broker.PlaceOrderRequest{
			AccountID: accountID, Symbol: symbol, Side: side, Type: models.OrderMarket,
			Quantity: qty, TimeInForce: models.TIFDay, IdempotencyKey: idemKey,
		})
		return err
	})
	if err != nil {
		return models.Order{}, err
	}
	if opts.StopLoss != nil || opts.TakeProfit != nil {
		m.mu.Lock()
		m.brackets[order.ID] = &pendingBracket{
			accountID: accountID, symbol: symbol, side: opposite(side), qty: qty,
			stopLoss: opts.StopLoss, takeProfit: opts.TakeProfit, tickSize: opts.TickSize,
		}
		m.mu.Unlock()
	}
	return order, nil
}

// SubmitStopEntry places a STOP entry with pre-declared bracket
// children, queued locally and submitted only once the entry fills.
func (m *Manager) SubmitStopEntry(ctx context.Context, accountID, symbol string, side models.Side, qty int, stopPrice, slPrice, tpPrice, tickSize float64) (models.Order, error) {
	if err := m.checkRisk(accountID, symbol); err != nil {
		return models.Order{}, err
	}
	rounded := util.RoundToTick(stopPrice, tickSize)
	idemKey := newIdempotencyKey()
	var order models.Order
	err := retry.Do(ctx, retry.DefaultConfig, func(ctx context.Context) error {
		var err error
		order, err = m.broker.PlaceOrder(ctx, broker.PlaceOrderRequest{
			AccountID: accountID, Symbol: symbol, Side: side, Type: models.OrderStop,
			Quantity: qty, StopPrice: &rounded, TimeInForce: models.TIFDay, IdempotencyKey: idemKey,
		})
		return err
	})
	if err != nil {
		return models.Order{}, err
	}
	sl, tp := util.RoundToTick(slPrice, tickSize), util.RoundToTick(tpPrice, tickSize)
	m.mu.Lock()
	m.brackets[order.ID] = &pendingBracket{
		accountID: accountID, symbol: symbol, side: opposite(side), qty: qty,
		stopLoss: &sl, takeProfit: &tp, tickSize: tickSize,
	}
	m.mu.Unlock()
	return order, nil
}

func opposite(s models.Side) models.Side {
	if s == models.SideBuy {
		return models.SideSell
	}
	return models.SideBuy
}

// ModifyOrder applies patch to an open order.
func (m *Manager) ModifyOrder(ctx context.Context, id string, price *float64, qty *int) (models.Order, error) {
	var order models.Order
	err := retry.Do(ctx, retry.DefaultConfig, func(ctx context.Context) error {
		var err error
		order, err = m.broker.ModifyOrder(ctx, id, broker.OrderPatch{Price: price, Quantity: qty})
		return err
	})
	return order, err
}

// CancelOrder cancels a single order by id.
func (m *Manager) CancelOrder(ctx context.Context, id string) error {
	return retry.Do(ctx, retry.DefaultConfig, func(ctx context.Context) error {
		return m.broker.CancelOrder(ctx, id)
	})
}

// CancelAll cancels every working order for accountID.
func (m *Manager) CancelAll(ctx context.Context, accountID string) error {
	return retry.Do(ctx, retry.DefaultConfig, func(ctx context.Context) error {
		return m.broker.CancelAllForAccount(ctx, accountID)
	})
}

// FlattenSymbol closes the position for (accountID,symbol) through the
// broker's flatten call. It does not cancel working orders itself;
// FlattenAll runs CancelAll first.
func (m *Manager) FlattenSymbol(ctx context.Context, accountID, symbol string) error {
	return retry.Do(ctx, retry.DefaultConfig, func(ctx context.Context) error {
		return m.broker.FlattenSymbol(ctx, accountID, symbol)
	})
}

// FlattenAll closes every position for accountID, satisfying
// risk.Flattener for the risk monitor's violation response.
func (m *Manager) FlattenAll(ctx context.Context, accountID string) error {
	if err := m.CancelAll(ctx, accountID); err != nil {
		m.logger.Printf("flattenAll: cancelAll account=%s error=%v", accountID, err)
	}
	snap, ok := m.accts.Snapshot(accountID)
	if !ok {
		return nil
	}
	var firstErr error
	for symbol := range snap.Positions {
		if err := m.FlattenSymbol(ctx, accountID, symbol); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FlattenEOD cancels working orders then closes all positions with
// MARKET, called by Run once isEODTime reports true for accountID.
func (m *Manager) FlattenEOD(ctx context.Context, accountID string) error {
	return m.FlattenAll(ctx, accountID)
}

// RegisterEODFlatten adds accountID to Run's EOD check. The localTime
// (HH:MM) is stored with the registration but Run does not read it:
// when to flatten is decided solely by the isEODTime callback.
func (m *Manager) RegisterEODFlatten(accountID, localTime string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.eodRegs {
		if r.accountID == accountID {
			return
		}
	}
	m.eodRegs = append(m.eodRegs, eodRegistration{accountID: accountID, localTime: localTime})
}

// WatchFills reconciles fills every 30s via REST, fetching each tracked
// account's orders from the broker and emitting a FillEvent once per
// order on its first observed FILLED status; the stream path pushes
// updates into ApplyOrderUpdate separately and this loop is the
// authoritative backstop.
func (m *Manager) WatchFills(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, snap := range m.accts.Snapshots() {
				brokerOrders, err := m.broker.GetOrders(ctx, snap.Account.ID)
				if err != nil {
					m.logger.Printf("watchFills: getOrders account=%s error=%v", snap.Account.ID, err)
					continue
				}
				for _, o := range brokerOrders {
					m.noteOrderStatus(o)
				}
			}
		}
	}
}

// noteOrderStatus is called by the stream-path handler (through
// NoteOrderUpdate) and by WatchFills for every observed order status;
// on a first-seen FILLED it fires the onFill callback, cancels the OCO
// sibling of a filled bracket leg, and submits queued bracket children.
func (m *Manager) noteOrderStatus(o models.Order) {
	m.mu.Lock()
	prev, seen := m.lastSeenStatus[o.ID]
	m.lastSeenStatus[o.ID] = o.Status
	bracket := m.brackets[o.ID]
	m.mu.Unlock()

	if seen && prev == o.Status {
		return
	}
	if o.Status != models.OrderFilled {
		return
	}

	fillPrice := 0.0
	if o.LimitPrice != nil {
		fillPrice = *o.LimitPrice
	} else if o.StopPrice != nil {
		fillPrice = *o.StopPrice
	}
	if m.onFill != nil {
		m.onFill(FillEvent{Order: o, AtPrice: fillPrice})
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.TopicTradeFill, o)
	}
	m.recordFill(o, fillPrice)

	if o.ParentID != "" {
		m.CancelOCOSibling(context.Background(), o.ParentID, o.ID)
	}
	if bracket != nil {
		m.submitBracketChildren(context.Background(), o.ID, bracket)
	}
}

// NoteOrderUpdate exposes noteOrderStatus for stream-path callers.
func (m *Manager) NoteOrderUpdate(o models.Order) { m.noteOrderStatus(o) }

// recordFill folds one filled order into the FIFO book for its
// (account,symbol) and persists any trades realized by closing
// against resting opposite-side lots.
func (m *Manager) recordFill(o models.Order, fillPrice float64) {
	if o.Quantity <= 0 {
		return
	}
	key := o.AccountID + "|" + o.Symbol
	m.mu.Lock()
	trades := m.fifo.consolidate(key, o.AccountID, o.Symbol, o.Side, o.Quantity, fillPrice, o.UpdatedAt)
	m.mu.Unlock()

	if m.trades == nil {
		return
	}
	for _, t := range trades {
		if err := m.trades.AppendTrade(t); err != nil {
			m.logger.Printf("recordFill: AppendTrade account=%s symbol=%s: %v", o.AccountID, o.Symbol, err)
		}
	}
}

func (m *Manager) submitBracketChildren(ctx context.Context, parentID string, b *pendingBracket) {
	if b.stopLoss != nil {
		sl := util.RoundToTick(*b.stopLoss, b.tickSize)
		order, err := m.broker.PlaceOrder(ctx, broker.PlaceOrderRequest{
			AccountID: b.accountID, Symbol: b.symbol, Side: b.side, Type: models.OrderStop,
			Quantity: b.qty, StopPrice: &sl, ParentID: parentID, BracketRole: models.BracketStop,
			ReduceOnly: true, TimeInForce: models.TIFDay,
		})
		if err != nil {
			m.logger.Printf("submitBracketChildren: stop leg failed parent=%s: %v", parentID, err)
		} else {
			m.mu.Lock()
			b.stopID = order.ID
			m.mu.Unlock()
		}
	}
	if b.takeProfit != nil {
		tp := util.RoundToTick(*b.takeProfit, b.tickSize)
		order, err := m.broker.PlaceOrder(ctx, broker.PlaceOrderRequest{
			AccountID: b.accountID, Symbol: b.symbol, Side: b.side, Type: models.OrderLimit,
			Quantity: b.qty, LimitPrice: &tp, ParentID: parentID, BracketRole: models.BracketTarget,
			ReduceOnly: true, TimeInForce: models.TIFDay,
		})
		if err != nil {
			m.logger.Printf("submitBracketChildren: target leg failed parent=%s: %v", parentID, err)
		} else {
			m.mu.Lock()
			b.targetID = order.ID
			m.mu.Unlock()
		}
	}
	// Once both legs exist they form an OCO pair: cancel the sibling
	// when one side later fills, handled in CancelOCOSibling (called from
	// noteOrderStatus).
}

// CancelOCOSibling cancels the surviving bracket leg once filledID
// fills, implementing the OCO semantics for locally-queued children.
func (m *Manager) CancelOCOSibling(ctx context.Context, parentID, filledID string) {
	m.mu.Lock()
	b, ok := m.brackets[parentID]
	m.mu.Unlock()
	if !ok {
		return
	}
	var sibling string
	switch filledID {
	case b.stopID:
		sibling = b.targetID
	case b.targetID:
		sibling = b.stopID
	default:
		return
	}
	if sibling == "" {
		return
	}
	if err := m.CancelOrder(ctx, sibling); err != nil {
		m.logger.Printf("cancelOCOSibling: %v", err)
	}
}

// ResolveOCOTieBreak picks the winner between two entries that both
// filled within the same tick: the one whose trigger price is closer
// to openPrice wins; the loser's order id is returned for cancellation
// .
func ResolveOCOTieBreak(aPrice, bPrice, aTrigger, bTrigger, openPrice float64, aID, bID string) (winner, loser string) {
	distA := abs(aTrigger - openPrice)
	distB := abs(bTrigger - openPrice)
	if distA <= distB {
		return aID, bID
	}
	return bID, aID
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// ManageBreakeven moves the protective stop to entry ± 1 tick once
// (current-entry)*side >= triggerPoints, at most once per position.
func (m *Manager) ManageBreakeven(ctx context.Context, pos models.Position, triggerPoints, tickSize float64) error {
	key := pos.Key()
	m.mu.Lock()
	if m.breakevenApplied[key] {
		m.mu.Unlock()
		return nil
	}
	var stopOrderID string
	for parentID, b := range m.brackets {
		if b.accountID == pos.AccountID && b.symbol == pos.Symbol && b.stopID != "" {
			stopOrderID = b.stopID
			_ = parentID
			break
		}
	}
	m.mu.Unlock()
	if stopOrderID == "" {
		return nil
	}

	directional := pos.CurrentPrice - pos.AvgEntryPrice
	if pos.Side == models.PositionShort {
		directional = -directional
	}
	if directional < triggerPoints {
		return nil
	}

	sign := 1.0
	if pos.Side == models.PositionShort {
		sign = -1.0
	}
	newStop := util.RoundToTick(pos.AvgEntryPrice+sign*tickSize, tickSize)
	if _, err := m.ModifyOrder(ctx, stopOrderID, &newStop, nil); err != nil {
		return fmt.Errorf("manageBreakeven: %w", err)
	}
	m.mu.Lock()
	m.breakevenApplied[key] = true
	m.mu.Unlock()
	return nil
}

// Run drives WatchFills and the EOD-flatten check until ctx is
// cancelled; isEODTime is supplied by the clock/calendar component.
func (m *Manager) Run(ctx context.Context, isEODTime func(accountID string) bool) error {
	eodTicker := time.NewTicker(time.Minute)
	defer eodTicker.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- m.WatchFills(ctx) }()

	flattenedToday := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-eodTicker.C:
			m.mu.Lock()
			regs := append([]eodRegistration(nil), m.eodRegs...)
			m.mu.Unlock()
			for _, r := range regs {
				if isEODTime != nil && isEODTime(r.accountID) {
					if !flattenedToday[r.accountID] {
						if err := m.FlattenEOD(ctx, r.accountID); err != nil {
							m.logger.Printf("flattenEOD account=%s error=%v", r.accountID, err)
						}
						flattenedToday[r.accountID] = true
					}
				} else {
					flattenedToday[r.accountID] = false
				}
			}
		}
	}
}
