package strategy

import (
	"context"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
	"github.com/eddiefleurent/topstepx-engine/internal/orders"
)

func init() {
	Register("TrendFollowing", func() Strategy { return &TrendFollowing{} })
}

// TrendFollowing enters in the direction of a fast/slow SMA crossover
// and exits on the opposing cross.
type TrendFollowing struct {
	closes           []float64
	lastFastOverSlow *bool
	entryID          string
}

// ExecuteCycle is a no-op: TrendFollowing trades purely off closed
// bars via OnBar rather than a scheduled window.
func (s *TrendFollowing) ExecuteCycle(ctx context.Context, rc *RunContext) error { return nil }

func (s *TrendFollowing) OnFill(rc *RunContext, fill orders.FillEvent) {}

// OnBar recomputes the fast/slow SMA crossover and enters/exits accordingly.
func (s *TrendFollowing) OnBar(rc *RunContext, bar models.Bar) {
	fastPeriod := paramInt(rc.Config, "fast_period", 10)
	slowPeriod := paramInt(rc.Config, "slow_period", 30)

	s.closes = append(s.closes, bar.Close)
	if len(s.closes) > slowPeriod {
		s.closes = s.closes[len(s.closes)-slowPeriod:]
	}
	if len(s.closes) < slowPeriod {
		return
	}

	fast := sma(s.closes[len(s.closes)-fastPeriod:])
	slow := sma(s.closes)
	fastOverSlow := fast > slow

	symbol := firstSymbol(rc.Config)
	qty := rc.Config.PositionSize
	if qty <= 0 {
		qty = 1
	}

	crossed := s.lastFastOverSlow != nil && *s.lastFastOverSlow != fastOverSlow
	s.lastFastOverSlow = &fastOverSlow
	if !crossed {
		return
	}

	pos, hasPos := rc.Accounts.PositionFor(rc.AccountID, symbol)
	if hasPos && !pos.IsFlat() {
		_ = rc.Orders.FlattenSymbol(context.Background(), rc.AccountID, symbol)
		s.entryID = ""
	}

	side := models.SideSell
	if fastOverSlow {
		side = models.SideBuy
	}
	order, err := rc.Orders.SubmitMarket(context.Background(), rc.AccountID, symbol, side, qty, orders.BracketOpts{})
	if err == nil {
		s.entryID = order.ID
	}
}

func sma(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
