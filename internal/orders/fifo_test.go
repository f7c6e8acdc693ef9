package orders

import (
	"testing"
	"testing/quick"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

func TestFIFOBookFullClose(t *testing.T) {
	b := newFIFOBook()
	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	trades := b.consolidate("A1|MNQ", "A1", "MNQ", models.SideBuy, 2, 100, t0)
	if len(trades) != 0 {
		t.Fatalf("opening fill should realize no trades, got %d", len(trades))
	}

	trades = b.consolidate("A1|MNQ", "A1", "MNQ", models.SideSell, 2, 110, t1)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.Quantity != 2 || tr.EntryPrice != 100 || tr.ExitPrice != 110 {
		t.Fatalf("unexpected trade: %+v", tr)
	}
	if tr.GrossPnL != 20 {
		t.Fatalf("expected gross pnl 20, got %v", tr.GrossPnL)
	}
	if len(b.lots["A1|MNQ"]) != 0 {
		t.Fatalf("book should be flat after full close, has %d lots", len(b.lots["A1|MNQ"]))
	}
}

func TestFIFOBookPartialCloseAgainstTwoLots(t *testing.T) {
	b := newFIFOBook()
	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	t2 := t0.Add(2 * time.Minute)

	b.consolidate("A1|MNQ", "A1", "MNQ", models.SideBuy, 2, 100, t0)
	b.consolidate("A1|MNQ", "A1", "MNQ", models.SideBuy, 3, 105, t1)

	trades := b.consolidate("A1|MNQ", "A1", "MNQ", models.SideSell, 4, 120, t2)
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades (FIFO splits across both lots), got %d", len(trades))
	}
	if trades[0].EntryPrice != 100 || trades[0].Quantity != 2 {
		t.Fatalf("first trade should fully consume the oldest lot, got %+v", trades[0])
	}
	if trades[1].EntryPrice != 105 || trades[1].Quantity != 2 {
		t.Fatalf("second trade should partially consume the newer lot, got %+v", trades[1])
	}

	remaining := b.lots["A1|MNQ"]
	if len(remaining) != 1 || remaining[0].qty != 1 || remaining[0].price != 105 {
		t.Fatalf("expected 1 remaining unit of the second lot, got %+v", remaining)
	}
}

func TestFIFOBookReversalOpensOppositeLot(t *testing.T) {
	b := newFIFOBook()
	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	b.consolidate("A1|MNQ", "A1", "MNQ", models.SideBuy, 2, 100, t0)

	trades := b.consolidate("A1|MNQ", "A1", "MNQ", models.SideSell, 5, 90, t1)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade closing the long, got %d", len(trades))
	}
	if trades[0].GrossPnL != -20 {
		t.Fatalf("expected a 20-point loss on the closed long, got %v", trades[0].GrossPnL)
	}

	remaining := b.lots["A1|MNQ"]
	if len(remaining) != 1 || remaining[0].side != models.SideSell || remaining[0].qty != 3 {
		t.Fatalf("expected a 3-unit short lot opened by the reversal, got %+v", remaining)
	}
}

func TestFIFOBookShortSideProfitsOnDecline(t *testing.T) {
	b := newFIFOBook()
	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	b.consolidate("A1|MNQ", "A1", "MNQ", models.SideSell, 1, 100, t0)
	trades := b.consolidate("A1|MNQ", "A1", "MNQ", models.SideBuy, 1, 90, t1)
	if len(trades) != 1 || trades[0].GrossPnL != 10 {
		t.Fatalf("expected a short covering at a profit, got %+v", trades)
	}
}

// TestFIFOBookProperties_Quick checks invariants that must hold for
// any sequence of fills on a single (account,symbol) book: the net
// signed position implied by the fills always matches what remains
// queued, every realized trade has positive quantity, and every
// trade's P&L is consistent with its recorded entry/exit prices.
func TestFIFOBookProperties_Quick(t *testing.T) {
	prop := func(fills []int8) bool {
		b := newFIFOBook()
		base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
		var allTrades []models.TradeRecord
		netSigned := 0

		for i, f := range fills {
			if f == 0 {
				continue
			}
			side := models.SideBuy
			qty := int(f)
			if f < 0 {
				side = models.SideSell
				qty = -qty
			}
			price := 100 + float64(i)
			at := base.Add(time.Duration(i) * time.Minute)

			trades := b.consolidate("A1|MNQ", "A1", "MNQ", side, qty, price, at)
			for _, tr := range trades {
				if tr.Quantity <= 0 {
					return false
				}
				expected := (tr.ExitPrice - tr.EntryPrice) * float64(tr.Quantity)
				if tr.Side == models.SideSell {
					expected = -expected
				}
				if tr.GrossPnL != expected || tr.NetPnL != tr.GrossPnL {
					return false
				}
			}
			allTrades = append(allTrades, trades...)

			if side == models.SideBuy {
				netSigned += qty
			} else {
				netSigned -= qty
			}
		}

		remaining := b.lots["A1|MNQ"]
		openQty := 0
		for _, l := range remaining {
			if l.qty <= 0 {
				return false
			}
			openQty += signedQty(l)
		}
		return openQty == netSigned
	}

	cfg := &quick.Config{MaxCount: 1000}
	if err := quick.Check(prop, cfg); err != nil {
		t.Fatalf("property check failed: %v", err)
	}
}

func signedQty(l lot) int {
	if l.side == models.SideSell {
		return -l.qty
	}
	return l.qty
}
