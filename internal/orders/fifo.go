package orders

import (
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

// lot is one FIFO-queued unit of an open position, created by an
// entry fill and consumed oldest-first by opposing fills.
type lot struct {
	side     models.Side
	qty      int
	price    float64
	openedAt time.Time
}

// fifoBook holds the per (account,symbol) queue of open lots used to
// consolidate raw order fills into realized TradeRecords.
type fifoBook struct {
	lots map[string][]lot
}

func newFIFOBook() *fifoBook {
	return &fifoBook{lots: make(map[string][]lot)}
}

// consolidate folds one fill into the book for key, returning the
// TradeRecords realized by matching it FIFO against resting
// opposite-side lots. A fill that extends (or opens) a position
// queues a new lot and realizes no trade. A fill that closes against
// resting lots consumes them oldest-first, one TradeRecord per lot it
// fully or partially consumes. A closing fill larger than the resting
// quantity nets the book to zero and opens a new lot on the
// remainder in the fill's own direction, a reversal.
func (b *fifoBook) consolidate(key, accountID, symbol string, side models.Side, qty int, price float64, at time.Time) []models.TradeRecord {
	if qty <= 0 {
		return nil
	}
	lots := b.lots[key]

	if len(lots) == 0 || lots[0].side == side {
		lots = append(lots, lot{side: side, qty: qty, price: price, openedAt: at})
		b.lots[key] = lots
		return nil
	}

	var trades []models.TradeRecord
	remaining := qty
	i := 0
	for remaining > 0 && i < len(lots) {
		l := &lots[i]
		matched := remaining
		if l.qty < matched {
			matched = l.qty
		}
		trades = append(trades, buildTrade(accountID, symbol, l.side, matched, l.price, price, l.openedAt, at))
		l.qty -= matched
		remaining -= matched
		if l.qty == 0 {
			i++
		}
	}
	lots = lots[i:]

	if remaining > 0 {
		lots = append(lots, lot{side: side, qty: remaining, price: price, openedAt: at})
	}

	if len(lots) == 0 {
		delete(b.lots, key)
	} else {
		b.lots[key] = lots
	}
	return trades
}

// buildTrade derives realized P&L for one matched (entry lot, closing
// fill) pair: a BUY-side lot profits when price rises, a SELL-side
// lot profits when it falls.
func buildTrade(accountID, symbol string, entrySide models.Side, qty int, entryPrice, exitPrice float64, entryTime, exitTime time.Time) models.TradeRecord {
	gross := (exitPrice - entryPrice) * float64(qty)
	if entrySide == models.SideSell {
		gross = -gross
	}
	return models.TradeRecord{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		Symbol:     symbol,
		Side:       entrySide,
		Quantity:   qty,
		EntryPrice: entryPrice,
		ExitPrice:  exitPrice,
		EntryTime:  entryTime,
		ExitTime:   exitTime,
		GrossPnL:   gross,
		NetPnL:     gross,
	}
}
