package strategy

import (
	"context"
	"testing"

	"github.com/eddiefleurent/topstepx-engine/internal/accounts"
	"github.com/eddiefleurent/topstepx-engine/internal/broker"
	"github.com/eddiefleurent/topstepx-engine/internal/clock"
	"github.com/eddiefleurent/topstepx-engine/internal/eventbus"
	"github.com/eddiefleurent/topstepx-engine/internal/models"
	"github.com/eddiefleurent/topstepx-engine/internal/orders"
)

// s3Historical serves the two fixed bar sets ExecuteCycle needs to
// reproduce the spec's worked overnight-breakout example (S3): the
// overnight range fetch asks for no Limit, the ATR fetch always sets
// one, so the two are told apart by rng.Limit.
type s3Historical struct {
	rangeBars, atrBars []models.Bar
}

func (h s3Historical) Get(ctx context.Context, symbol string, tf models.Timeframe, rng broker.HistoricalRange) ([]models.Bar, error) {
	if rng.Limit == 0 {
		return h.rangeBars, nil
	}
	return h.atrBars, nil
}

func TestClassicalATRWilderSmoothing(t *testing.T) {
	bars := []models.Bar{
		{High: 10, Low: 8, Close: 9},
		{High: 11, Low: 9, Close: 10},
		{High: 12, Low: 10, Close: 11},
		{High: 13, Low: 11, Close: 12},
	}
	atr := classicalATR(bars, 2)
	if atr <= 0 {
		t.Fatalf("expected a positive ATR, got %v", atr)
	}
}

func TestClassicalATRRequiresAtLeastTwoBars(t *testing.T) {
	if atr := classicalATR([]models.Bar{{High: 10, Low: 9}}, 14); atr != 0 {
		t.Fatalf("expected 0 ATR with a single bar, got %v", atr)
	}
}

func TestNearestZoneBeyondLong(t *testing.T) {
	if z := nearestZoneBeyond(100, 101, 103, true); z != 101 {
		t.Fatalf("expected the nearer boundary (101) beyond entry, got %v", z)
	}
	if z := nearestZoneBeyond(100, 90, 95, true); z != 0 {
		t.Fatalf("expected 0 when neither boundary lies beyond a long entry, got %v", z)
	}
}

func TestNearestZoneBeyondShort(t *testing.T) {
	if z := nearestZoneBeyond(100, 97, 99, false); z != 99 {
		t.Fatalf("expected the nearer boundary (99) beyond entry, got %v", z)
	}
	if z := nearestZoneBeyond(100, 105, 110, false); z != 0 {
		t.Fatalf("expected 0 when neither boundary lies beyond a short entry, got %v", z)
	}
}

func TestOvernightRangeBreakoutOnFillCancelsUnfilledSibling(t *testing.T) {
	s := &OvernightRangeBreakout{longEntryID: "long-1", shortEntryID: "short-1"}
	rt, _, m, _ := newTestRuntime(t)
	registerStub(rt, "A1", "OvernightRange", s)
	ctx := context.Background()
	rc, err := rt.buildRunContext(ctx, rt.instances[instanceKey{"A1", "OvernightRange"}].cfg)
	if err != nil {
		t.Fatalf("buildRunContext: %v", err)
	}

	m.Orders["short-1"] = &models.Order{ID: "short-1", AccountID: "A1", Symbol: "MNQ", Status: models.OrderWorking}

	s.OnFill(rc, orders.FillEvent{Order: models.Order{ID: "long-1"}})

	o, err := m.GetOrderStatus(ctx, "short-1")
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if o.Status != models.OrderCancelled {
		t.Fatalf("expected the unfilled sibling to be cancelled, got status=%s", o.Status)
	}
}

// TestOvernightRangeBreakoutExecuteCycleReproducesWorkedExample
// reproduces scenario S3 literally: H_on=25100, L_on=24980,
// O_open=25050, ATR=20, range_break_offset=0.25, stop_atr_multiplier=1.25,
// tp_atr_multiplier=2.0, tick=0.25 must submit a long stop-entry at
// 25100.25 with SL=25075.25 and TP=25140.25.
func TestOvernightRangeBreakoutExecuteCycleReproducesWorkedExample(t *testing.T) {
	m := broker.NewMock()
	m.Contracts["MNQ"] = models.Contract{Symbol: "MNQ", TickSize: 0.25}
	accts := accounts.New(m)
	bus := eventbus.New()
	orderMgr := orders.New(m, accts, bus, alwaysAllowRisk{})

	cal, err := clock.NewCalendar("America/Chicago", "16:00")
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}

	hist := s3Historical{
		// yields H_on=25100, L_on=24980, O_open (last bar's close)=25050.
		rangeBars: []models.Bar{
			{High: 25100, Low: 25000, Close: 25060},
			{High: 25050, Low: 24980, Close: 25050},
		},
		// a 2-bar input collapses Wilder smoothing to a single true
		// range: max(20, |25010-25000|, |24990-25000|) = 20.
		atrBars: []models.Bar{
			{Close: 25000},
			{High: 25010, Low: 24990, Close: 25005},
		},
	}

	rc := &RunContext{
		AccountID: "A1",
		Config: models.StrategyConfig{
			AccountID: "A1", Name: "OvernightRange", Enabled: true,
			Symbols: []string{"MNQ"}, PositionSize: 1,
			Params: map[string]interface{}{
				"range_break_offset":  0.25,
				"stop_atr_multiplier": 1.25,
				"tp_atr_multiplier":   2.0,
			},
		},
		Contract:   models.Contract{Symbol: "MNQ", TickSize: 0.25},
		Orders:     orderMgr,
		Historical: hist,
		Calendar:   cal,
	}

	s := &OvernightRangeBreakout{}
	if err := s.ExecuteCycle(context.Background(), rc); err != nil {
		t.Fatalf("ExecuteCycle: %v", err)
	}

	longOrder, err := m.GetOrderStatus(context.Background(), s.longEntryID)
	if err != nil {
		t.Fatalf("GetOrderStatus(long entry): %v", err)
	}
	if longOrder.StopPrice == nil || *longOrder.StopPrice != 25100.25 {
		t.Fatalf("expected long entry at 25100.25, got %v", longOrder.StopPrice)
	}

	longOrder.Status = models.OrderFilled
	orderMgr.NoteOrderUpdate(longOrder)

	all, err := m.GetOrders(context.Background(), "A1")
	if err != nil {
		t.Fatalf("GetOrders: %v", err)
	}
	var sl, tp *float64
	for _, o := range all {
		if o.ParentID != longOrder.ID {
			continue
		}
		switch o.BracketRole {
		case models.BracketStop:
			sl = o.StopPrice
		case models.BracketTarget:
			tp = o.LimitPrice
		}
	}
	if sl == nil || *sl != 25075.25 {
		t.Fatalf("expected stop-loss at 25075.25, got %v", sl)
	}
	if tp == nil || *tp != 25140.25 {
		t.Fatalf("expected take-profit at 25140.25, got %v", tp)
	}
}

func TestOvernightRangeBreakoutOnFillIgnoresUnrelatedOrder(t *testing.T) {
	s := &OvernightRangeBreakout{longEntryID: "long-1", shortEntryID: "short-1"}
	rt, _, m, _ := newTestRuntime(t)
	registerStub(rt, "A1", "OvernightRange", s)
	ctx := context.Background()
	rc, _ := rt.buildRunContext(ctx, rt.instances[instanceKey{"A1", "OvernightRange"}].cfg)

	m.Orders["short-1"] = &models.Order{ID: "short-1", AccountID: "A1", Symbol: "MNQ", Status: models.OrderWorking}
	s.OnFill(rc, orders.FillEvent{Order: models.Order{ID: "unrelated"}})

	o, _ := m.GetOrderStatus(ctx, "short-1")
	if o.Status != models.OrderWorking {
		t.Fatalf("expected the sibling to be left alone for an unrelated fill, got status=%s", o.Status)
	}
}
