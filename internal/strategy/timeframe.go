package strategy

import (
	"strconv"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/clock"
	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

// parseTimeframe parses a compact timeframe string such as "5m", "1h",
// "1d" into a models.Timeframe.
func parseTimeframe(s string) (models.Timeframe, bool) {
	if len(s) < 2 {
		return models.Timeframe{}, false
	}
	unitChar := s[len(s)-1]
	var unit models.TimeframeUnit
	switch unitChar {
	case 's':
		unit = models.UnitSecond
	case 'm':
		unit = models.UnitMinute
	case 'h':
		unit = models.UnitHour
	case 'd':
		unit = models.UnitDay
	case 'w':
		unit = models.UnitWeek
	case 'M':
		unit = models.UnitMonth
	default:
		return models.Timeframe{}, false
	}
	value, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return models.Timeframe{}, false
	}
	return models.Timeframe{Value: value, Unit: unit}, true
}

// resolveBoundaryBefore returns the most recent occurrence of hhmm
// (exchange-local) at or before now, the mirror of clock.NextBoundary.
func resolveBoundaryBefore(now time.Time, loc *time.Location, hhmm string) (time.Time, error) {
	next, err := clock.NextBoundary(now.Add(-24*time.Hour), loc, hhmm)
	if err != nil {
		return time.Time{}, err
	}
	if next.After(now) {
		next = next.AddDate(0, 0, -1)
	}
	return next, nil
}
