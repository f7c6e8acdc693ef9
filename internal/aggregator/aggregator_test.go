package aggregator

import (
	"testing"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

func TestOnTickUpdatesHighLowClose(t *testing.T) {
	a := New()
	tf := models.Timeframe{Value: 1, Unit: models.UnitMinute}
	sub := a.Subscribe("MNQ", tf)
	defer sub.Unsubscribe()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.OnTick(models.Tick{Symbol: "MNQ", Timestamp: base, Bid: 100})
	a.OnTick(models.Tick{Symbol: "MNQ", Timestamp: base.Add(10 * time.Second), Bid: 105})
	a.OnTick(models.Tick{Symbol: "MNQ", Timestamp: base.Add(20 * time.Second), Bid: 95})

	bar, ok := a.CurrentBar("MNQ", tf)
	if !ok {
		t.Fatal("expected an open bar")
	}
	if bar.Open != 100 || bar.High != 105 || bar.Low != 95 || bar.Close != 95 {
		t.Fatalf("unexpected OHLC: %+v", bar)
	}
}

func TestBarClosesOnBoundary(t *testing.T) {
	a := New()
	tf := models.Timeframe{Value: 1, Unit: models.UnitMinute}
	sub := a.Subscribe("MNQ", tf)
	defer sub.Unsubscribe()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.OnTick(models.Tick{Symbol: "MNQ", Timestamp: base, Bid: 100})
	a.OnTick(models.Tick{Symbol: "MNQ", Timestamp: base.Add(90 * time.Second), Bid: 110})

	var closed []models.Bar
	drain := true
	for drain {
		select {
		case evt := <-sub.Events:
			if evt.Kind == BarClosed {
				closed = append(closed, evt.Bar)
			}
		default:
			drain = false
		}
	}
	if len(closed) == 0 {
		t.Fatal("expected at least one BarClosed event crossing the 1m boundary")
	}
	for i := 1; i < len(closed); i++ {
		if !closed[i].OpenTime.After(closed[i-1].OpenTime) {
			t.Fatal("expected strictly monotonic open_time across closed bars")
		}
	}
}
