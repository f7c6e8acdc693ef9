package orders

import (
	"context"
	"testing"

	"github.com/eddiefleurent/topstepx-engine/internal/accounts"
	"github.com/eddiefleurent/topstepx-engine/internal/broker"
	"github.com/eddiefleurent/topstepx-engine/internal/eventbus"
	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

type allowAllRisk struct{}

func (allowAllRisk) EvaluateSymbol(accountID, symbol string) (bool, string) { return true, "" }

type vetoRisk struct{}

func (vetoRisk) EvaluateSymbol(accountID, symbol string) (bool, string) {
	return false, "non-compliant"
}

func TestSubmitMarketVetoedByRisk(t *testing.T) {
	m := broker.NewMock()
	m.AutoFill = true
	mgr := New(m, accounts.New(m), eventbus.New(), vetoRisk{})

	_, err := mgr.SubmitMarket(context.Background(), "A1", "MNQ", models.SideBuy, 1, BracketOpts{})
	if err == nil {
		t.Fatal("expected risk veto to block submission")
	}
	if models.KindOf(err) != models.ErrRiskVeto {
		t.Fatalf("expected ErrRiskVeto, got %v", models.KindOf(err))
	}
}

func TestSubmitMarketFillTriggersBracketChildren(t *testing.T) {
	m := broker.NewMock()
	m.AutoFill = true
	mgr := New(m, accounts.New(m), eventbus.New(), allowAllRisk{})

	sl, tp := 95.0, 110.0
	order, err := mgr.SubmitMarket(context.Background(), "A1", "MNQ", models.SideBuy, 1, BracketOpts{StopLoss: &sl, TakeProfit: &tp, TickSize: 0.25})
	if err != nil {
		t.Fatalf("SubmitMarket: %v", err)
	}
	if order.Status != models.OrderFilled {
		t.Fatalf("expected mock auto-fill, got status=%s", order.Status)
	}

	mgr.NoteOrderUpdate(order)

	orders, _ := m.GetOrders(context.Background(), "A1")
	var stopLegs, targetLegs int
	for _, o := range orders {
		switch o.BracketRole {
		case models.BracketStop:
			stopLegs++
		case models.BracketTarget:
			targetLegs++
		}
	}
	if stopLegs != 1 || targetLegs != 1 {
		t.Fatalf("expected exactly one stop leg and one target leg, got stop=%d target=%d", stopLegs, targetLegs)
	}
}

type fakeTradeStore struct {
	trades []models.TradeRecord
}

func (f *fakeTradeStore) AppendTrade(t models.TradeRecord) error {
	f.trades = append(f.trades, t)
	return nil
}

func TestRecordFillConsolidatesRoundTripIntoTradeStore(t *testing.T) {
	m := broker.NewMock()
	m.AutoFill = true
	ts := &fakeTradeStore{}
	mgr := New(m, accounts.New(m), eventbus.New(), allowAllRisk{}, WithTradeStore(ts))

	entry, err := mgr.SubmitMarket(context.Background(), "A1", "MNQ", models.SideBuy, 2, BracketOpts{})
	if err != nil {
		t.Fatalf("SubmitMarket entry: %v", err)
	}
	mgr.NoteOrderUpdate(entry)
	if len(ts.trades) != 0 {
		t.Fatalf("an opening fill must not realize a trade, got %d", len(ts.trades))
	}

	exit, err := mgr.SubmitMarket(context.Background(), "A1", "MNQ", models.SideSell, 2, BracketOpts{})
	if err != nil {
		t.Fatalf("SubmitMarket exit: %v", err)
	}
	mgr.NoteOrderUpdate(exit)

	if len(ts.trades) != 1 {
		t.Fatalf("expected the closing fill to realize exactly 1 trade, got %d", len(ts.trades))
	}
	if ts.trades[0].AccountID != "A1" || ts.trades[0].Symbol != "MNQ" || ts.trades[0].Quantity != 2 {
		t.Fatalf("unexpected trade record: %+v", ts.trades[0])
	}
}

func TestResolveOCOTieBreak(t *testing.T) {
	winner, loser := ResolveOCOTieBreak(0, 0, 101, 98, 100, "long", "short")
	if winner != "long" || loser != "short" {
		t.Fatalf("expected the trigger closer to open price to win, got winner=%s loser=%s", winner, loser)
	}
}

func TestFlattenAllClosesEveryPosition(t *testing.T) {
	m := broker.NewMock()
	acctStore := accounts.New(m)
	acctStore.Track(models.Account{ID: "A1"})
	acctStore.ApplyPositionUpdate(models.Position{AccountID: "A1", Symbol: "MNQ", Side: models.PositionLong, Quantity: 1})
	acctStore.ApplyPositionUpdate(models.Position{AccountID: "A1", Symbol: "ES", Side: models.PositionShort, Quantity: 2})

	mgr := New(m, acctStore, eventbus.New(), allowAllRisk{})
	if err := mgr.FlattenAll(context.Background(), "A1"); err != nil {
		t.Fatalf("FlattenAll: %v", err)
	}
}

func TestManageBreakevenAppliesAtMostOnce(t *testing.T) {
	m := broker.NewMock()
	acctStore := accounts.New(m)
	mgr := New(m, acctStore, eventbus.New(), allowAllRisk{})

	sl := 95.0
	order, err := mgr.SubmitStopEntry(context.Background(), "A1", "MNQ", models.SideBuy, 1, 105, sl, 115, 0.25)
	if err != nil {
		t.Fatalf("SubmitStopEntry: %v", err)
	}
	order.Status = models.OrderFilled
	mgr.NoteOrderUpdate(order)

	pos := models.Position{AccountID: "A1", Symbol: "MNQ", Side: models.PositionLong, AvgEntryPrice: 105, CurrentPrice: 110, Quantity: 1}
	if err := mgr.ManageBreakeven(context.Background(), pos, 2, 0.25); err != nil {
		t.Fatalf("ManageBreakeven: %v", err)
	}
	// A second call for the same position must be a no-op, not error.
	if err := mgr.ManageBreakeven(context.Background(), pos, 2, 0.25); err != nil {
		t.Fatalf("second ManageBreakeven: %v", err)
	}
}
