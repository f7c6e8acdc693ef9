// Package accounts maintains the in-memory account/position projection:
// a fast optimistic stream-update path and an
// authoritative REST reconciliation path that heals phantom and
// untracked positions.
package accounts

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/broker"
	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

// divergenceTickTolerance is the balance-divergence threshold, in
// tick-values, used by BalanceDiverges. Reconcile does not compare or
// overwrite the account balance.
const divergenceTickTolerance = 1.0

// Snapshot is a read-only view of one account's projected state.
type Snapshot struct {
	Account   models.Account
	Positions map[string]models.Position // key: symbol
	Orders    map[string]models.Order    // key: order id
	UpdatedAt time.Time
}

// Projection is one account's mutable projected state, guarded by its
// own mutex so that writes to different accounts never contend.
type projection struct {
	mu        sync.RWMutex
	account   models.Account
	positions map[string]models.Position
	orders    map[string]models.Order
	updatedAt time.Time
}

func newProjection(acct models.Account) *projection {
	return &projection{
		account:   acct,
		positions: make(map[string]models.Position),
		orders:    make(map[string]models.Order),
		updatedAt: time.Now().UTC(),
	}
}

func (p *projection) snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	positions := make(map[string]models.Position, len(p.positions))
	for k, v := range p.positions {
		positions[k] = v
	}
	orders := make(map[string]models.Order, len(p.orders))
	for k, v := range p.orders {
		orders[k] = v
	}
	return Snapshot{Account: p.account, Positions: positions, Orders: orders, UpdatedAt: p.updatedAt}
}

// Store projects broker-side account/position/order state for fast,
// lock-light reads by every other component.
type Store struct {
	brokerClient broker.Broker
	logger       *log.Logger

	mu    sync.RWMutex
	accts map[string]*projection

	onNotification func(models.Notification)
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger overrides the default stderr logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithNotifier registers a sink for warning notifications emitted
// during self-healing reconciliation.
func WithNotifier(fn func(models.Notification)) Option {
	return func(s *Store) { s.onNotification = fn }
}

// New constructs an empty Store atop brokerClient.
func New(brokerClient broker.Broker, opts ...Option) *Store {
	s := &Store{
		brokerClient: brokerClient,
		logger:       log.New(os.Stderr, "[accounts] ", log.LstdFlags),
		accts:        make(map[string]*projection),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) projectionFor(accountID string) *projection {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.accts[accountID]
	if !ok {
		p = newProjection(models.Account{ID: accountID})
		s.accts[accountID] = p
	}
	return p
}

// Snapshot returns a copy of one account's current projection.
func (s *Store) Snapshot(accountID string) (Snapshot, bool) {
	s.mu.RLock()
	p, ok := s.accts[accountID]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return p.snapshot(), true
}

// Snapshots returns every tracked account's current projection.
func (s *Store) Snapshots() []Snapshot {
	s.mu.RLock()
	ps := make([]*projection, 0, len(s.accts))
	for _, p := range s.accts {
		ps = append(ps, p)
	}
	s.mu.RUnlock()
	out := make([]Snapshot, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.snapshot())
	}
	return out
}

// PositionFor returns the current projected position for
// (accountID,symbol), used by the strategy runtime's breakeven checks.
func (s *Store) PositionFor(accountID, symbol string) (models.Position, bool) {
	p := s.projectionFor(accountID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol]
	return pos, ok
}

// ApplyPositionUpdate is the fast stream path: an optimistic,
// immediately-applied delta from the streaming hub.
func (s *Store) ApplyPositionUpdate(pos models.Position) {
	p := s.projectionFor(pos.AccountID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos.IsFlat() {
		delete(p.positions, pos.Symbol)
	} else {
		p.positions[pos.Symbol] = pos
	}
	p.updatedAt = time.Now().UTC()
}

// ApplyOrderUpdate is the fast stream path for order status deltas.
// Out-of-order stream messages are dropped via a monotonic
// updated_at check.
func (s *Store) ApplyOrderUpdate(o models.Order) {
	p := s.projectionFor(o.AccountID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.orders[o.ID]; ok && existing.UpdatedAt.After(o.UpdatedAt) {
		return
	}
	p.orders[o.ID] = o
	p.updatedAt = time.Now().UTC()
}

// ApplyAccountUpdate applies a balance/equity delta from the stream.
func (s *Store) ApplyAccountUpdate(acct models.Account) {
	p := s.projectionFor(acct.ID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct.UpdatedAt.Before(p.account.UpdatedAt) {
		return
	}
	p.account = acct
	p.updatedAt = time.Now().UTC()
}

// Reconcile pulls authoritative positions and orders for accountID via
// REST and replaces the projection's positions and orders with them on
// every call, healing any phantom (local-only) or untracked
// (broker-only) positions discovered in the process. The account
// balance is neither fetched nor compared.
func (s *Store) Reconcile(ctx context.Context, accountID string) error {
	brokerPositions, err := s.brokerClient.GetPositions(ctx, accountID)
	if err != nil {
		return fmt.Errorf("reconcile: fetching broker positions: %w", err)
	}
	brokerOrders, err := s.brokerClient.GetOrders(ctx, accountID)
	if err != nil {
		return fmt.Errorf("reconcile: fetching broker orders: %w", err)
	}

	p := s.projectionFor(accountID)
	p.mu.Lock()
	localPositions := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		localPositions = append(localPositions, pos)
	}
	p.mu.Unlock()

	diff := diffPositions(brokerPositions, localPositions)
	if len(diff.phantomOnly) > 0 {
		s.healPhantoms(accountID, diff.phantomOnly)
	}
	if len(diff.untrackedOnly) > 0 {
		s.healUntracked(accountID, diff.untrackedOnly)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions = make(map[string]models.Position, len(brokerPositions))
	for _, pos := range brokerPositions {
		if !pos.IsFlat() {
			p.positions[pos.Symbol] = pos
		}
	}
	p.orders = make(map[string]models.Order, len(brokerOrders))
	for _, o := range brokerOrders {
		p.orders[o.ID] = o
	}
	p.updatedAt = time.Now().UTC()
	return nil
}

type positionDiff struct {
	phantomOnly   []models.Position // tracked locally, absent from broker
	untrackedOnly []models.Position // present at broker, not tracked locally
}

// diffPositions computes the set difference between broker and local
// positions by symbol using a pair of symbol-keyed maps.
func diffPositions(brokerPositions, localPositions []models.Position) positionDiff {
	brokerBySymbol := make(map[string]models.Position, len(brokerPositions))
	for _, p := range brokerPositions {
		brokerBySymbol[p.Symbol] = p
	}
	localBySymbol := make(map[string]models.Position, len(localPositions))
	for _, p := range localPositions {
		localBySymbol[p.Symbol] = p
	}

	var diff positionDiff
	for sym, lp := range localBySymbol {
		if _, ok := brokerBySymbol[sym]; !ok {
			diff.phantomOnly = append(diff.phantomOnly, lp)
		}
	}
	for sym, bp := range brokerBySymbol {
		if _, ok := localBySymbol[sym]; !ok {
			diff.untrackedOnly = append(diff.untrackedOnly, bp)
		}
	}
	sort.Slice(diff.phantomOnly, func(i, j int) bool { return diff.phantomOnly[i].Symbol < diff.phantomOnly[j].Symbol })
	sort.Slice(diff.untrackedOnly, func(i, j int) bool {
		return diff.untrackedOnly[i].OpenedAt.After(diff.untrackedOnly[j].OpenedAt)
	})
	return diff
}

// healPhantoms drops local-only positions the broker no longer holds
// and records a warning notification for each.
func (s *Store) healPhantoms(accountID string, phantoms []models.Position) {
	p := s.projectionFor(accountID)
	p.mu.Lock()
	for _, ph := range phantoms {
		delete(p.positions, ph.Symbol)
	}
	p.mu.Unlock()
	for _, ph := range phantoms {
		s.logger.Printf("healed phantom position account=%s symbol=%s qty=%d", accountID, ph.Symbol, ph.Quantity)
		s.notify(accountID, fmt.Sprintf("dropped phantom position %s (qty %d), absent from broker", ph.Symbol, ph.Quantity))
	}
}

// healUntracked adopts broker-only positions into the local
// projection: the broker positions are sorted by absolute quantity,
// largest first, and applied directly, since each broker position
// already carries its own true quantity.
func (s *Store) healUntracked(accountID string, untracked []models.Position) {
	p := s.projectionFor(accountID)
	remaining := append([]models.Position(nil), untracked...)
	sort.Slice(remaining, func(i, j int) bool {
		return math.Abs(float64(remaining[i].Quantity)) > math.Abs(float64(remaining[j].Quantity))
	})
	p.mu.Lock()
	for _, pos := range remaining {
		p.positions[pos.Symbol] = pos
	}
	p.mu.Unlock()
	for _, pos := range remaining {
		s.logger.Printf("adopted untracked position account=%s symbol=%s qty=%d", accountID, pos.Symbol, pos.Quantity)
		s.notify(accountID, fmt.Sprintf("adopted untracked broker position %s (qty %d)", pos.Symbol, pos.Quantity))
	}
}

func (s *Store) notify(accountID, message string) {
	if s.onNotification == nil {
		return
	}
	s.onNotification(models.Notification{
		AccountID: accountID,
		Timestamp: time.Now().UTC(),
		Level:     models.LevelWarning,
		Message:   message,
	})
}

// BalanceDiverges reports whether local and broker balances differ by
// more than divergenceTickTolerance * tickValue.
func BalanceDiverges(local, broker float64, tickValue float64) bool {
	if tickValue <= 0 {
		tickValue = 1
	}
	return math.Abs(local-broker) > divergenceTickTolerance*tickValue
}

// Run starts the 60s authoritative reconciliation loop for every
// currently-tracked account, until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.mu.RLock()
			ids := make([]string, 0, len(s.accts))
			for id := range s.accts {
				ids = append(ids, id)
			}
			s.mu.RUnlock()
			for _, id := range ids {
				if err := s.Reconcile(ctx, id); err != nil {
					s.logger.Printf("reconcile account=%s error=%v", id, err)
				}
			}
		}
	}
}

// Track registers accountID (e.g. at startup, before the first
// reconciliation pass), seeding it with acct.
func (s *Store) Track(acct models.Account) {
	p := s.projectionFor(acct.ID)
	p.mu.Lock()
	p.account = acct
	p.updatedAt = time.Now().UTC()
	p.mu.Unlock()
}
