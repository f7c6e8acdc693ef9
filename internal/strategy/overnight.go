package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/broker"
	"github.com/eddiefleurent/topstepx-engine/internal/models"
	"github.com/eddiefleurent/topstepx-engine/internal/orders"
)

func init() {
	Register("OvernightRange", func() Strategy { return &OvernightRangeBreakout{} })
}

// OvernightRangeBreakout is the reference strategy:
// brackets the overnight range with a pair of OCO stop-entries sized
// off the session's ATR, with breakeven management and EOD flattening
// registered on fill.
type OvernightRangeBreakout struct {
	longEntryID, shortEntryID string
	openPrice                 float64
}

// ExecuteCycle computes the overnight range and ATR zones and submits
// the long/short OCO stop-entry pair.
func (s *OvernightRangeBreakout) ExecuteCycle(ctx context.Context, rc *RunContext) error {
	symbol := firstSymbol(rc.Config)
	tf := models.Timeframe{Value: 5, Unit: models.UnitMinute}
	if s := paramString(rc.Config, "atr_timeframe", "5m"); s != "" {
		if parsed, ok := parseTimeframe(s); ok {
			tf = parsed
		}
	}

	now := time.Now().UTC()
	overnightStart := paramString(rc.Config, "overnight_start_time", "18:00")
	overnightEnd := paramString(rc.Config, "overnight_end_time", "08:30")
	loc := rc.Calendar.Location()
	endTime, err := resolveBoundaryBefore(now, loc, overnightEnd)
	if err != nil {
		return err
	}
	startTime, err := resolveBoundaryBefore(endTime, loc, overnightStart)
	if err != nil {
		return err
	}

	rangeBars, err := rc.Historical.Get(ctx, symbol, tf, broker.HistoricalRange{Start: startTime, End: endTime})
	if err != nil {
		return fmt.Errorf("fetching overnight range bars: %w", err)
	}
	if len(rangeBars) == 0 {
		return models.NewTradeError(models.ErrInvalidInput, "no overnight range bars available", nil)
	}
	hOn, lOn := rangeBars[0].High, rangeBars[0].Low
	for _, b := range rangeBars {
		if b.High > hOn {
			hOn = b.High
		}
		if b.Low < lOn {
			lOn = b.Low
		}
	}

	atrPeriod := paramInt(rc.Config, "atr_period", 14)
	atrBars, err := rc.Historical.Get(ctx, symbol, tf, broker.HistoricalRange{Start: startTime.Add(-tf.Duration() * time.Duration(atrPeriod+1)), End: endTime, Limit: atrPeriod + 1})
	if err != nil {
		return fmt.Errorf("fetching ATR bars: %w", err)
	}
	atr := classicalATR(atrBars, atrPeriod)
	if atr <= 0 {
		return models.NewTradeError(models.ErrInvalidInput, "ATR computed as non-positive", nil)
	}

	openPrice := rangeBars[len(rangeBars)-1].Close
	s.openPrice = openPrice
	half := atr / 2
	upperLo, upperHi := openPrice+half*0.5, openPrice+half*0.68
	lowerLo, lowerHi := openPrice-half*0.5, openPrice-half*0.68

	// range_break_offset is already expressed in price units (not a
	// tick count to be re-scaled): H_on=25100, offset=0.25 must add to
	// longEntry=25100.25, not 25100.0625.
	offset := paramFloat(rc.Config, "range_break_offset", 2)
	tick := rc.Contract.TickSize

	stopMult := paramFloat(rc.Config, "stop_atr_multiplier", 1.0)
	tpMult := paramFloat(rc.Config, "tp_atr_multiplier", 2.0)

	longEntry := hOn + offset
	longStop := longEntry - atr*stopMult
	longTarget := nearestZoneBeyond(longEntry, upperLo, upperHi, true)
	if longTarget == 0 {
		longTarget = longEntry + atr*tpMult
	}

	shortEntry := lOn - offset
	shortStop := shortEntry + atr*stopMult
	shortTarget := nearestZoneBeyond(shortEntry, lowerHi, lowerLo, false)
	if shortTarget == 0 {
		shortTarget = shortEntry - atr*tpMult
	}

	qty := rc.Config.PositionSize
	if qty <= 0 {
		qty = 1
	}

	longOrder, err := rc.Orders.SubmitStopEntry(ctx, rc.AccountID, symbol, models.SideBuy, qty, longEntry, longStop, longTarget, tick)
	if err != nil {
		return fmt.Errorf("submitting long stop-entry: %w", err)
	}
	s.longEntryID = longOrder.ID

	shortOrder, err := rc.Orders.SubmitStopEntry(ctx, rc.AccountID, symbol, models.SideSell, qty, shortEntry, shortStop, shortTarget, tick)
	if err != nil {
		return fmt.Errorf("submitting short stop-entry: %w", err)
	}
	s.shortEntryID = shortOrder.ID

	eodLocal := paramString(rc.Config, "eod_flatten_local_time", "16:00")
	rc.Orders.RegisterEODFlatten(rc.AccountID, eodLocal)
	return nil
}

// OnFill cancels the unfilled sibling entry (OCO semantics) and, once
// the winning entry is established, lets the order manager's own
// ManageBreakeven (driven by bar updates) take over profit management.
func (s *OvernightRangeBreakout) OnFill(rc *RunContext, fill orders.FillEvent) {
	if fill.Order.ID != s.longEntryID && fill.Order.ID != s.shortEntryID {
		return
	}
	var sibling string
	if fill.Order.ID == s.longEntryID {
		sibling = s.shortEntryID
	} else {
		sibling = s.longEntryID
	}
	if sibling == "" {
		return
	}
	_ = rc.Orders.CancelOrder(context.Background(), sibling)
}

// OnBar applies breakeven management once the configured profit
// trigger is reached.
func (s *OvernightRangeBreakout) OnBar(rc *RunContext, bar models.Bar) {
	if !paramBool(rc.Config, "breakeven_enabled", true) {
		return
	}
	trigger := paramFloat(rc.Config, "breakeven_profit_points", 0)
	if trigger <= 0 || rc.Accounts == nil {
		return
	}
	symbol := firstSymbol(rc.Config)
	pos, ok := rc.Accounts.PositionFor(rc.AccountID, symbol)
	if !ok || pos.IsFlat() {
		return
	}
	pos.CurrentPrice = bar.Close
	if err := rc.Orders.ManageBreakeven(context.Background(), pos, trigger, rc.Contract.TickSize); err != nil {
		_ = err // best-effort; the next closed bar calls ManageBreakeven again
	}
}

// classicalATR computes the true-range EMA over bars (standard Wilder
// smoothing seeded with a simple average of the first `period` true ranges).
func classicalATR(bars []models.Bar, period int) float64 {
	if len(bars) < 2 {
		return 0
	}
	trueRanges := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		tr := math.Max(bars[i].High-bars[i].Low,
			math.Max(math.Abs(bars[i].High-bars[i-1].Close), math.Abs(bars[i].Low-bars[i-1].Close)))
		trueRanges = append(trueRanges, tr)
	}
	if len(trueRanges) < period {
		period = len(trueRanges)
	}
	if period == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += trueRanges[i]
	}
	atr := sum / float64(period)
	for i := period; i < len(trueRanges); i++ {
		atr = (atr*float64(period-1) + trueRanges[i]) / float64(period)
	}
	return atr
}

// nearestZoneBeyond returns the zone boundary nearest entry that lies
// beyond it in the breakout direction, or 0 if neither boundary qualifies.
func nearestZoneBeyond(entry, lo, hi float64, long bool) float64 {
	if long {
		if lo > entry {
			return lo
		}
		if hi > entry {
			return hi
		}
		return 0
	}
	if hi < entry {
		return hi
	}
	if lo < entry {
		return lo
	}
	return 0
}
