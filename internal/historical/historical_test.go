package historical

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/broker"
	"github.com/eddiefleurent/topstepx-engine/internal/models"
	"github.com/eddiefleurent/topstepx-engine/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.json"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return s
}

func TestGetFallsThroughToBrokerAndPersists(t *testing.T) {
	tf := models.Timeframe{Value: 1, Unit: models.UnitMinute}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rng := broker.HistoricalRange{Start: base, End: base.Add(2 * time.Minute)}

	m := broker.NewMock()
	m.HistoricalBar["MNQ|1m"] = []models.Bar{
		{Symbol: "MNQ", Timeframe: tf, OpenTime: base, Close: 1},
		{Symbol: "MNQ", Timeframe: tf, OpenTime: base.Add(time.Minute), Close: 2},
	}
	st := newTestStore(t)
	svc := New(m, st, Config{})

	bars, err := svc.Get(context.Background(), "MNQ", tf, rng)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars from broker fallback, got %d", len(bars))
	}
	if m.HistoricalBarCalls != 1 {
		t.Fatalf("expected exactly one broker call, got %d", m.HistoricalBarCalls)
	}

	// Second call should now be satisfied from cache (the in-memory LRU
	// filled by the first call) without another broker round-trip.
	if _, err := svc.Get(context.Background(), "MNQ", tf, rng); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if m.HistoricalBarCalls != 1 {
		t.Fatalf("expected a cache tier to satisfy the second call, broker calls=%d", m.HistoricalBarCalls)
	}
}

func TestGetCollapsesConcurrentDuplicateFetches(t *testing.T) {
	tf := models.Timeframe{Value: 1, Unit: models.UnitMinute}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rng := broker.HistoricalRange{Start: base, End: base.Add(time.Minute)}

	m := broker.NewMock()
	m.HistoricalBarDelay = 50 * time.Millisecond
	m.HistoricalBar["MNQ|1m"] = []models.Bar{
		{Symbol: "MNQ", Timeframe: tf, OpenTime: base, Close: 1},
	}
	st := newTestStore(t)
	svc := New(m, st, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Get(context.Background(), "MNQ", tf, rng); err != nil {
				t.Errorf("concurrent Get: %v", err)
			}
		}()
	}
	wg.Wait()

	if m.HistoricalBarCalls > 1 {
		t.Fatalf("expected singleflight to collapse concurrent fetches, got %d broker calls", m.HistoricalBarCalls)
	}
}

func TestGetServesFromLRUWithoutStoreOrBroker(t *testing.T) {
	tf := models.Timeframe{Value: 1, Unit: models.UnitMinute}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rng := broker.HistoricalRange{Start: base, End: base.Add(time.Minute)}

	m := broker.NewMock()
	m.HistoricalBar["MNQ|1m"] = []models.Bar{
		{Symbol: "MNQ", Timeframe: tf, OpenTime: base, Close: 1},
	}
	st := newTestStore(t)
	svc := New(m, st, Config{TTLRTH: time.Minute, TTLOff: time.Minute})

	if _, err := svc.Get(context.Background(), "MNQ", tf, rng); err != nil {
		t.Fatalf("Get: %v", err)
	}
	calls := m.HistoricalBarCalls

	if _, err := svc.Get(context.Background(), "MNQ", tf, rng); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if m.HistoricalBarCalls != calls {
		t.Fatalf("expected LRU hit to avoid any broker call, before=%d after=%d", calls, m.HistoricalBarCalls)
	}
}
