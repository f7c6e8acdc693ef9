package broker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

// CircuitBreakerClient wraps a Broker with a gobreaker circuit so a
// sustained run of broker failures short-circuits further calls
// rather than piling up retries against a broker that is down.
type CircuitBreakerClient struct {
	inner Broker
	cb    *gobreaker.CircuitBreaker
}

// NewCircuitBreakerClient wraps inner with default trip settings:
// while fewer than 10 requests are counted it opens after 5
// consecutive failures; from 10 requests on it opens when more than
// 50% of them failed. Counts are cleared every minute while closed;
// an open breaker half-opens after 15s.
func NewCircuitBreakerClient(inner Broker) *CircuitBreakerClient {
	st := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return counts.ConsecutiveFailures >= 5
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio > 0.5
		},
	}
	return &CircuitBreakerClient{inner: inner, cb: gobreaker.NewCircuitBreaker(st)}
}

var _ Broker = (*CircuitBreakerClient)(nil)

func (c *CircuitBreakerClient) call(fn func() (interface{}, error)) (interface{}, error) {
	out, err := c.cb.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, models.NewTradeError(models.ErrTransient, "broker circuit open", err)
		}
		return nil, err
	}
	return out, nil
}

func (c *CircuitBreakerClient) Authenticate(ctx context.Context) error {
	_, err := c.call(func() (interface{}, error) { return nil, c.inner.Authenticate(ctx) })
	return err
}

func (c *CircuitBreakerClient) ListAccounts(ctx context.Context) ([]models.Account, error) {
	out, err := c.call(func() (interface{}, error) { return c.inner.ListAccounts(ctx) })
	if err != nil {
		return nil, err
	}
	return out.([]models.Account), nil
}

func (c *CircuitBreakerClient) GetContract(ctx context.Context, symbol string) (models.Contract, error) {
	out, err := c.call(func() (interface{}, error) { return c.inner.GetContract(ctx, symbol) })
	if err != nil {
		return models.Contract{}, err
	}
	return out.(models.Contract), nil
}

func (c *CircuitBreakerClient) ListContracts(ctx context.Context) ([]models.Contract, error) {
	out, err := c.call(func() (interface{}, error) { return c.inner.ListContracts(ctx) })
	if err != nil {
		return nil, err
	}
	return out.([]models.Contract), nil
}

func (c *CircuitBreakerClient) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (models.Order, error) {
	out, err := c.call(func() (interface{}, error) { return c.inner.PlaceOrder(ctx, req) })
	if err != nil {
		return models.Order{}, err
	}
	return out.(models.Order), nil
}

func (c *CircuitBreakerClient) ModifyOrder(ctx context.Context, id string, patch OrderPatch) (models.Order, error) {
	out, err := c.call(func() (interface{}, error) { return c.inner.ModifyOrder(ctx, id, patch) })
	if err != nil {
		return models.Order{}, err
	}
	return out.(models.Order), nil
}

func (c *CircuitBreakerClient) CancelOrder(ctx context.Context, id string) error {
	_, err := c.call(func() (interface{}, error) { return nil, c.inner.CancelOrder(ctx, id) })
	return err
}

func (c *CircuitBreakerClient) CancelAllForAccount(ctx context.Context, accountID string) error {
	_, err := c.call(func() (interface{}, error) { return nil, c.inner.CancelAllForAccount(ctx, accountID) })
	return err
}

func (c *CircuitBreakerClient) GetPositions(ctx context.Context, accountID string) ([]models.Position, error) {
	out, err := c.call(func() (interface{}, error) { return c.inner.GetPositions(ctx, accountID) })
	if err != nil {
		return nil, err
	}
	return out.([]models.Position), nil
}

func (c *CircuitBreakerClient) GetOrders(ctx context.Context, accountID string) ([]models.Order, error) {
	out, err := c.call(func() (interface{}, error) { return c.inner.GetOrders(ctx, accountID) })
	if err != nil {
		return nil, err
	}
	return out.([]models.Order), nil
}

func (c *CircuitBreakerClient) GetOrderStatus(ctx context.Context, id string) (models.Order, error) {
	out, err := c.call(func() (interface{}, error) { return c.inner.GetOrderStatus(ctx, id) })
	if err != nil {
		return models.Order{}, err
	}
	return out.(models.Order), nil
}

func (c *CircuitBreakerClient) FlattenSymbol(ctx context.Context, accountID, symbol string) error {
	_, err := c.call(func() (interface{}, error) { return nil, c.inner.FlattenSymbol(ctx, accountID, symbol) })
	return err
}

func (c *CircuitBreakerClient) GetHistoricalBars(ctx context.Context, symbol string, tf models.Timeframe, rng HistoricalRange) ([]models.Bar, error) {
	out, err := c.call(func() (interface{}, error) { return c.inner.GetHistoricalBars(ctx, symbol, tf, rng) })
	if err != nil {
		return nil, err
	}
	return out.([]models.Bar), nil
}
