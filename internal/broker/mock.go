package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

// Mock is an in-memory Broker implementation used by unit tests
// across packages: every call records its arguments and returns
// canned or computed results rather than touching a network.
type Mock struct {
	mu sync.Mutex

	Accounts      []models.Account
	Contracts     map[string]models.Contract
	Orders        map[string]*models.Order
	Positions     map[string]*models.Position // key: accountID|symbol
	HistoricalBar map[string][]models.Bar     // key: symbol|timeframe

	PlaceOrderErr error
	AutoFill      bool // if true, PlaceOrder immediately marks MARKET orders FILLED

	HistoricalBarCalls int
	HistoricalBarDelay time.Duration
}

// NewMock returns an empty Mock ready for a test to populate.
func NewMock() *Mock {
	return &Mock{
		Contracts:     make(map[string]models.Contract),
		Orders:        make(map[string]*models.Order),
		Positions:     make(map[string]*models.Position),
		HistoricalBar: make(map[string][]models.Bar),
	}
}

var _ Broker = (*Mock)(nil)

func (m *Mock) Authenticate(ctx context.Context) error { return nil }

func (m *Mock) ListAccounts(ctx context.Context) ([]models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Account(nil), m.Accounts...), nil
}

func (m *Mock) GetContract(ctx context.Context, symbol string) (models.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Contracts[symbol]
	if !ok {
		return models.Contract{}, models.NewTradeError(models.ErrNoContract, "unknown contract "+symbol, nil)
	}
	return c, nil
}

func (m *Mock) ListContracts(ctx context.Context) ([]models.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Contract, 0, len(m.Contracts))
	for _, c := range m.Contracts {
		out = append(out, c)
	}
	return out, nil
}

func (m *Mock) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceOrderErr != nil {
		return models.Order{}, m.PlaceOrderErr
	}
	now := time.Now().UTC()
	status := models.OrderWorking
	if m.AutoFill && req.Type == models.OrderMarket {
		status = models.OrderFilled
	}
	o := models.Order{
		ID:             uuid.NewString(),
		AccountID:      req.AccountID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Quantity:       req.Quantity,
		LimitPrice:     req.LimitPrice,
		StopPrice:      req.StopPrice,
		TimeInForce:    req.TimeInForce,
		ReduceOnly:     req.ReduceOnly,
		Status:         status,
		ParentID:       req.ParentID,
		BracketRole:    req.BracketRole,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.Orders[o.ID] = &o
	return o, nil
}

func (m *Mock) ModifyOrder(ctx context.Context, id string, patch OrderPatch) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[id]
	if !ok {
		return models.Order{}, models.NewTradeError(models.ErrStateConflict, "unknown order", nil)
	}
	if patch.Price != nil {
		o.LimitPrice = patch.Price
	}
	if patch.Quantity != nil {
		o.Quantity = *patch.Quantity
	}
	o.UpdatedAt = time.Now().UTC()
	return *o, nil
}

func (m *Mock) CancelOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[id]
	if !ok {
		return models.NewTradeError(models.ErrStateConflict, "unknown order", nil)
	}
	if o.Status.IsTerminal() {
		return nil
	}
	o.Status = models.OrderCancelled
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Mock) CancelAllForAccount(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.Orders {
		if o.AccountID == accountID && !o.Status.IsTerminal() {
			o.Status = models.OrderCancelled
			o.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (m *Mock) GetPositions(ctx context.Context, accountID string) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Position
	for k, p := range m.Positions {
		if p.AccountID == accountID {
			out = append(out, *p)
		}
		_ = k
	}
	return out, nil
}

func (m *Mock) GetOrders(ctx context.Context, accountID string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.Orders {
		if o.AccountID == accountID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *Mock) GetOrderStatus(ctx context.Context, id string) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[id]
	if !ok {
		return models.Order{}, models.NewTradeError(models.ErrStateConflict, "unknown order", nil)
	}
	return *o, nil
}

func (m *Mock) FlattenSymbol(ctx context.Context, accountID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Positions, accountID+"|"+symbol)
	return nil
}

func (m *Mock) GetHistoricalBars(ctx context.Context, symbol string, tf models.Timeframe, rng HistoricalRange) ([]models.Bar, error) {
	m.mu.Lock()
	m.HistoricalBarCalls++
	delay := m.HistoricalBarDelay
	bars := append([]models.Bar(nil), m.HistoricalBar[symbol+"|"+tf.String()]...)
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return bars, nil
}

// SetOrderStatus is a test helper simulating a broker-side status
// change (e.g. a fill) out of band from PlaceOrder.
func (m *Mock) SetOrderStatus(id string, status models.OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.Orders[id]; ok {
		o.Status = status
		o.UpdatedAt = time.Now().UTC()
	}
}
