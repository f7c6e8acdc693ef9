package strategy

import (
	"context"
	"testing"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

func trendConfig() models.StrategyConfig {
	return models.StrategyConfig{
		AccountID: "A1", Name: "TrendFollowing", Enabled: true,
		Symbols: []string{"MNQ"}, PositionSize: 1,
		Params: map[string]interface{}{"fast_period": 2.0, "slow_period": 4.0},
	}
}

func TestTrendFollowingEntersOnCrossover(t *testing.T) {
	rt, _, m, _ := newTestRuntime(t)
	strat := &TrendFollowing{}
	registerStub(rt, "A1", "TrendFollowing", strat)
	rt.instances[instanceKey{"A1", "TrendFollowing"}].cfg = trendConfig()
	rc, err := rt.buildRunContext(context.Background(), rt.instances[instanceKey{"A1", "TrendFollowing"}].cfg)
	if err != nil {
		t.Fatalf("buildRunContext: %v", err)
	}

	// Flat closes first so fast==slow (no cross recorded yet), then a
	// sharp rally pushes the fast SMA above the slow SMA.
	for _, c := range []float64{100, 100, 100, 100, 110, 120} {
		strat.OnBar(rc, models.Bar{Symbol: "MNQ", Close: c})
	}

	orders, _ := m.GetOrders(context.Background(), "A1")
	if len(orders) != 1 {
		t.Fatalf("expected exactly one entry on the fast/slow crossover, got %d", len(orders))
	}
	if orders[0].Side != models.SideBuy {
		t.Fatalf("expected a BUY entry once fast SMA crosses above slow SMA, got %s", orders[0].Side)
	}
}

func TestTrendFollowingFlattensAndReversesOnOpposingCross(t *testing.T) {
	rt, _, m, accts := newTestRuntime(t)
	m.AutoFill = true
	strat := &TrendFollowing{}
	registerStub(rt, "A1", "TrendFollowing", strat)
	rt.instances[instanceKey{"A1", "TrendFollowing"}].cfg = trendConfig()
	rc, _ := rt.buildRunContext(context.Background(), rt.instances[instanceKey{"A1", "TrendFollowing"}].cfg)

	for _, c := range []float64{100, 100, 100, 100, 110, 120} {
		strat.OnBar(rc, models.Bar{Symbol: "MNQ", Close: c})
	}
	entryOrders, _ := m.GetOrders(context.Background(), "A1")
	if len(entryOrders) != 1 {
		t.Fatalf("expected exactly one entry order before the reversal, got %d", len(entryOrders))
	}
	// Simulate the stream applying the auto-filled entry, as
	// orders.Manager itself doesn't write through to accounts.Store.
	accts.ApplyPositionUpdate(models.Position{
		AccountID: "A1", Symbol: "MNQ", Side: models.PositionLong, Quantity: 1,
	})

	for _, c := range []float64{110, 100, 90, 80} {
		strat.OnBar(rc, models.Bar{Symbol: "MNQ", Close: c})
	}

	orders, _ := m.GetOrders(context.Background(), "A1")
	var sells int
	for _, o := range orders {
		if o.Side == models.SideSell {
			sells++
		}
	}
	if sells == 0 {
		t.Fatalf("expected at least one SELL order (flatten and/or reverse) on the downward cross")
	}
}
