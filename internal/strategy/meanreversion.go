package strategy

import (
	"context"
	"math"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
	"github.com/eddiefleurent/topstepx-engine/internal/orders"
)

func init() {
	Register("MeanReversion", func() Strategy { return &MeanReversion{} })
}

// MeanReversion enters counter-trend on a rolling z-score extreme and
// exits when the z-score reverts or a stop is hit.
type MeanReversion struct {
	closes    []float64
	entryID   string
	entrySide models.Side
}

// ExecuteCycle is a no-op: MeanReversion trades purely off closed
// bars via OnBar rather than a scheduled window.
func (s *MeanReversion) ExecuteCycle(ctx context.Context, rc *RunContext) error { return nil }

func (s *MeanReversion) OnFill(rc *RunContext, fill orders.FillEvent) {
	if fill.Order.ID == s.entryID {
		return
	}
}

// OnBar recomputes the rolling z-score and enters/exits accordingly.
func (s *MeanReversion) OnBar(rc *RunContext, bar models.Bar) {
	lookback := paramInt(rc.Config, "lookback", 20)
	entryZ := paramFloat(rc.Config, "entry_z", 2.0)
	exitZ := paramFloat(rc.Config, "exit_z", 0.5)

	s.closes = append(s.closes, bar.Close)
	if len(s.closes) > lookback {
		s.closes = s.closes[len(s.closes)-lookback:]
	}
	if len(s.closes) < lookback {
		return
	}

	mean, stddev := meanStddev(s.closes)
	if stddev == 0 {
		return
	}
	z := (bar.Close - mean) / stddev

	symbol := firstSymbol(rc.Config)
	pos, hasPos := rc.Accounts.PositionFor(rc.AccountID, symbol)
	qty := rc.Config.PositionSize
	if qty <= 0 {
		qty = 1
	}

	switch {
	case !hasPos || pos.IsFlat():
		if math.Abs(z) >= entryZ {
			side := models.SideBuy
			if z > 0 {
				side = models.SideSell
			}
			order, err := rc.Orders.SubmitMarket(context.Background(), rc.AccountID, symbol, side, qty, orders.BracketOpts{})
			if err == nil {
				s.entryID = order.ID
				s.entrySide = side
			}
		}
	default:
		stopZ := paramFloat(rc.Config, "stop_z", entryZ*1.5)
		if math.Abs(z) <= exitZ || math.Abs(z) >= stopZ {
			_ = rc.Orders.FlattenSymbol(context.Background(), rc.AccountID, symbol)
			s.entryID = ""
		}
	}
}

func meanStddev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sqDiff float64
	for _, x := range xs {
		d := x - mean
		sqDiff += d * d
	}
	return mean, math.Sqrt(sqDiff / float64(len(xs)))
}
