package strategy

import (
	"context"
	"testing"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

func TestMeanStddev(t *testing.T) {
	mean, stddev := meanStddev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if mean != 5 {
		t.Fatalf("expected mean 5, got %v", mean)
	}
	if stddev < 2.0 || stddev > 2.01 {
		t.Fatalf("expected stddev ~2.0, got %v", stddev)
	}
}

func mnqConfig(params map[string]interface{}) models.StrategyConfig {
	return models.StrategyConfig{
		AccountID: "A1", Name: "MeanReversion", Enabled: true,
		Symbols: []string{"MNQ"}, PositionSize: 1, Params: params,
	}
}

func TestMeanReversionEntersOnZScoreExtreme(t *testing.T) {
	rt, _, m, _ := newTestRuntime(t)
	strat := &MeanReversion{}
	registerStub(rt, "A1", "MeanReversion", strat)
	rt.instances[instanceKey{"A1", "MeanReversion"}].cfg = mnqConfig(map[string]interface{}{
		"lookback": 5.0, "entry_z": 1.0, "exit_z": 0.25,
	})
	rc, err := rt.buildRunContext(context.Background(), rt.instances[instanceKey{"A1", "MeanReversion"}].cfg)
	if err != nil {
		t.Fatalf("buildRunContext: %v", err)
	}

	for _, c := range []float64{100, 100, 100, 100} {
		strat.OnBar(rc, models.Bar{Symbol: "MNQ", Close: c})
	}
	strat.OnBar(rc, models.Bar{Symbol: "MNQ", Close: 130})

	orders, _ := m.GetOrders(context.Background(), "A1")
	if len(orders) != 1 {
		t.Fatalf("expected exactly one entry order once the z-score extreme fires, got %d", len(orders))
	}
	if orders[0].Side != models.SideSell {
		t.Fatalf("expected a SELL entry on a positive z-score spike, got %s", orders[0].Side)
	}
}

func TestMeanReversionDoesNotEnterBelowThreshold(t *testing.T) {
	rt, _, m, _ := newTestRuntime(t)
	strat := &MeanReversion{}
	registerStub(rt, "A1", "MeanReversion", strat)
	rt.instances[instanceKey{"A1", "MeanReversion"}].cfg = mnqConfig(map[string]interface{}{
		"lookback": 5.0, "entry_z": 3.0,
	})
	rc, _ := rt.buildRunContext(context.Background(), rt.instances[instanceKey{"A1", "MeanReversion"}].cfg)

	for _, c := range []float64{100, 101, 99, 100, 101} {
		strat.OnBar(rc, models.Bar{Symbol: "MNQ", Close: c})
	}

	orders, _ := m.GetOrders(context.Background(), "A1")
	if len(orders) != 0 {
		t.Fatalf("expected no entry while the z-score stays below the threshold, got %d", len(orders))
	}
}
