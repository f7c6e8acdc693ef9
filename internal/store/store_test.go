package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

func TestStrategyConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "engine.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cfg := models.StrategyConfig{
		Name: "OvernightRange", AccountID: "A1", Enabled: true,
		Symbols: []string{"MNQ"}, PositionSize: 1, MaxPositions: 1,
		Params: map[string]interface{}{"atr_period": float64(14)},
	}
	if err := s.SetStrategyConfig(cfg); err != nil {
		t.Fatalf("SetStrategyConfig: %v", err)
	}

	reopened, err := Open(filepath.Join(dir, "engine.json"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.GetStrategyConfig("A1", "OvernightRange")
	if !ok {
		t.Fatal("expected persisted config to survive reopen")
	}
	if !got.Enabled || got.Symbols[0] != "MNQ" {
		t.Fatalf("unexpected round-tripped config: %+v", got)
	}
}

func TestQueryBarsSortedDedupedAndBounded(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "engine.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tf := models.Timeframe{Value: 1, Unit: models.UnitMinute}
	bars := []models.Bar{
		{Symbol: "MNQ", Timeframe: tf, OpenTime: base.Add(2 * time.Minute), Close: 3},
		{Symbol: "MNQ", Timeframe: tf, OpenTime: base, Close: 1},
		{Symbol: "MNQ", Timeframe: tf, OpenTime: base.Add(time.Minute), Close: 2},
	}
	if err := s.UpsertBars(bars); err != nil {
		t.Fatalf("UpsertBars: %v", err)
	}
	// Upsert a duplicate open_time with an updated close: must replace, not duplicate.
	if err := s.UpsertBars([]models.Bar{{Symbol: "MNQ", Timeframe: tf, OpenTime: base, Close: 99}}); err != nil {
		t.Fatalf("UpsertBars dup: %v", err)
	}

	got := s.QueryBars("MNQ", tf, base, base.Add(3*time.Minute), 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 deduplicated bars, got %d", len(got))
	}
	if got[0].Close != 99 {
		t.Fatalf("expected the duplicate open_time to be replaced, got close=%v", got[0].Close)
	}
	for i := 1; i < len(got); i++ {
		if got[i].OpenTime.Before(got[i-1].OpenTime) {
			t.Fatal("expected ascending open_time order")
		}
	}
}
