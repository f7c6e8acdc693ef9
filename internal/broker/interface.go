// Package broker implements the TopStepX REST client, its circuit
// breaker and rate-limiting decorators, and the streaming hub client.
package broker

import (
	"context"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

// HistoricalRange bounds a historical-bar query.
type HistoricalRange struct {
	Start time.Time
	End   time.Time
	Limit int
}

// PlaceOrderRequest is the broker-facing order placement payload. The
// Control Surface's richer bracket/tick request (§6) is translated
// down to one or more of these by the Order Manager.
type PlaceOrderRequest struct {
	AccountID      string
	Symbol         string
	Side           models.Side
	Type           models.OrderType
	Quantity       int
	LimitPrice     *float64
	StopPrice      *float64
	TimeInForce    models.TimeInForce
	ReduceOnly     bool
	ParentID       string
	BracketRole    models.BracketRole
	IdempotencyKey string
}

// OrderPatch is a partial update applied by ModifyOrder.
type OrderPatch struct {
	Price    *float64
	Quantity *int
}

// Broker is the opaque REST contract consumed by every other
// component. All methods are context-aware; callers
// supply their own per-request timeout via ctx.
type Broker interface {
	Authenticate(ctx context.Context) error
	ListAccounts(ctx context.Context) ([]models.Account, error)
	GetContract(ctx context.Context, symbol string) (models.Contract, error)
	ListContracts(ctx context.Context) ([]models.Contract, error)
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (models.Order, error)
	ModifyOrder(ctx context.Context, id string, patch OrderPatch) (models.Order, error)
	CancelOrder(ctx context.Context, id string) error
	CancelAllForAccount(ctx context.Context, accountID string) error
	GetPositions(ctx context.Context, accountID string) ([]models.Position, error)
	GetOrders(ctx context.Context, accountID string) ([]models.Order, error)
	GetOrderStatus(ctx context.Context, id string) (models.Order, error)
	FlattenSymbol(ctx context.Context, accountID, symbol string) error
	GetHistoricalBars(ctx context.Context, symbol string, tf models.Timeframe, rng HistoricalRange) ([]models.Bar, error)
}
