// Package clock provides timezone-aware wall-clock access and
// exchange-session boundary detection. It embeds IANA timezone data
// so LoadLocation succeeds on minimal container images that ship
// without a system tzdata.
package clock

import (
	_ "time/tzdata"

	"sync"
	"time"
)

// Clock is the single source of wall-clock and monotonic time used
// throughout the engine, injected via CoreContext rather than calling
// time.Now() directly so tests can substitute a fixed or stepped
// implementation.
type Clock interface {
	Now() time.Time
	NowIn(loc *time.Location) time.Time
}

// Real is the production Clock backed by time.Now.
type Real struct{}

func (Real) Now() time.Time                     { return time.Now() }
func (Real) NowIn(loc *time.Location) time.Time { return time.Now().In(loc) }

// Calendar answers exchange-session questions for a single timezone,
// caching the resolved *time.Location rather than re-parsing it on
// every lookup.
type Calendar struct {
	mu       sync.RWMutex
	loc      *time.Location
	tzName   string
	eodLocal string // "HH:MM" local flatten time
}

// NewCalendar resolves tzName (e.g. "America/Chicago") once and caches
// it; eodLocal is the configured EOD flatten wall-clock time.
func NewCalendar(tzName, eodLocal string) (*Calendar, error) {
	if tzName == "" {
		tzName = "America/Chicago"
	}
	if eodLocal == "" {
		eodLocal = "16:00"
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, err
	}
	return &Calendar{loc: loc, tzName: tzName, eodLocal: eodLocal}, nil
}

// Location returns the cached exchange timezone.
func (c *Calendar) Location() *time.Location {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loc
}

// InLocal converts t into the exchange's local timezone.
func (c *Calendar) InLocal(t time.Time) time.Time {
	return t.In(c.Location())
}

// IsEODFlattenTime reports whether now (in exchange-local time) has
// reached or passed the configured EOD flatten wall-clock time for
// today.
func (c *Calendar) IsEODFlattenTime(now time.Time) bool {
	local := c.InLocal(now)
	target, err := parseLocalTimeToday(local, c.eodLocal)
	if err != nil {
		return false
	}
	return !local.Before(target)
}

// NextBoundary returns the next time-of-day boundary (HH:MM, exchange
// local) strictly after now, advancing to tomorrow if today's has
// passed or is exactly now.
func NextBoundary(now time.Time, loc *time.Location, hhmm string) (time.Time, error) {
	local := now.In(loc)
	target, err := parseLocalTimeToday(local, hhmm)
	if err != nil {
		return time.Time{}, err
	}
	if !target.After(local) {
		target = target.AddDate(0, 0, 1)
	}
	return target, nil
}

func parseLocalTimeToday(local time.Time, hhmm string) (time.Time, error) {
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(local.Year(), local.Month(), local.Day(), parsed.Hour(), parsed.Minute(), 0, 0, local.Location()), nil
}

// IsWeekend reports whether t (already in exchange-local time) falls
// on a weekend; a minimal session-boundary check used where a full
// holiday calendar is unnecessary.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
