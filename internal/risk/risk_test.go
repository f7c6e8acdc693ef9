package risk

import (
	"context"
	"testing"

	"github.com/eddiefleurent/topstepx-engine/internal/accounts"
	"github.com/eddiefleurent/topstepx-engine/internal/broker"
	"github.com/eddiefleurent/topstepx-engine/internal/config"
	"github.com/eddiefleurent/topstepx-engine/internal/eventbus"
	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

type fakeFlattener struct{ calls int }

func (f *fakeFlattener) FlattenAll(ctx context.Context, accountID string) error {
	f.calls++
	return nil
}

type fakeDisabler struct{ calls int }

func (f *fakeDisabler) DisableAll(accountID string) { f.calls++ }

func newTestMonitor(cfg config.RiskConfig, flat Flattener, disabl StrategyDisabler) (*Monitor, *accounts.Store) {
	acctStore := accounts.New(broker.NewMock())
	bus := eventbus.New()
	return New(cfg, acctStore, bus, flat, disabl), acctStore
}

func TestRecomputeViolatesDailyLossLimit(t *testing.T) {
	flat := &fakeFlattener{}
	disabl := &fakeDisabler{}
	mon, acctStore := newTestMonitor(config.RiskConfig{DailyLossLimit: 500, MaxLossLimit: 2000, TrailThreshold: 2000}, flat, disabl)

	acctStore.Track(models.Account{ID: "A1", Balance: 9500, StartOfDayBalance: 10000})
	mon.RecordRealizedPnL("A1", -600)

	snap, err := mon.Recompute(context.Background(), "A1")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if !snap.DLL.Violated {
		t.Fatal("expected daily loss limit to be violated")
	}
	if snap.Compliance {
		t.Fatal("expected non-compliant snapshot")
	}
	if flat.calls != 1 || disabl.calls != 1 {
		t.Fatalf("expected flatten+disable exactly once, got flat=%d disable=%d", flat.calls, disabl.calls)
	}

	decision := mon.Evaluate(Intent{AccountID: "A1", Symbol: "MNQ"})
	if decision.Allowed {
		t.Fatal("expected Evaluate to veto a non-compliant account")
	}
}

func TestRecomputeHighWaterMarkFixesOnceInitialPlusThresholdReached(t *testing.T) {
	mon, acctStore := newTestMonitor(config.RiskConfig{DailyLossLimit: 5000, MaxLossLimit: 2000, TrailThreshold: 2000}, nil, nil)
	acctStore.Track(models.Account{ID: "A1", Balance: 10000, StartOfDayBalance: 10000})

	snap, err := mon.Recompute(context.Background(), "A1")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if snap.MLL.Used != 0 {
		t.Fatalf("expected no max-loss usage at the starting balance, got %v", snap.MLL.Used)
	}

	// balance reaches initial(10000)+threshold(2000): the mark ratchets
	// to 12000 and locks.
	acctStore.ApplyAccountUpdate(models.Account{ID: "A1", Balance: 12000, StartOfDayBalance: 10000})
	snap, err = mon.Recompute(context.Background(), "A1")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if snap.MLL.Used != 0 {
		t.Fatalf("expected no max-loss usage once the mark catches up to balance, got %v", snap.MLL.Used)
	}

	// balance keeps climbing; the mark must stay fixed at 12000, not
	// continue trailing up to 15000.
	acctStore.ApplyAccountUpdate(models.Account{ID: "A1", Balance: 15000, StartOfDayBalance: 10000})
	snap, err = mon.Recompute(context.Background(), "A1")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	// if the mark had kept trailing it would sit at 15000 and a pullback
	// to 11500 would show 3500 of max-loss usage instead of 500.
	acctStore.ApplyAccountUpdate(models.Account{ID: "A1", Balance: 11500, StartOfDayBalance: 10000})
	snap, err = mon.Recompute(context.Background(), "A1")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if snap.MLL.Used != 500 {
		t.Fatalf("expected the fixed high-water mark (12000) to show 500 of drawdown at balance 11500, got used=%v", snap.MLL.Used)
	}
}

func TestRecomputeWithinLimitsAllows(t *testing.T) {
	mon, acctStore := newTestMonitor(config.RiskConfig{DailyLossLimit: 500, MaxLossLimit: 2000, TrailThreshold: 2000}, nil, nil)
	acctStore.Track(models.Account{ID: "A1", Balance: 9900, StartOfDayBalance: 10000})
	mon.RecordRealizedPnL("A1", -100)

	snap, err := mon.Recompute(context.Background(), "A1")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if !snap.Compliance {
		t.Fatal("expected compliant snapshot")
	}
	if !mon.Evaluate(Intent{AccountID: "A1", Symbol: "MNQ"}).Allowed {
		t.Fatal("expected Evaluate to allow a compliant account")
	}
}
