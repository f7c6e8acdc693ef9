// Package aggregator turns ticks into timeframe OHLCV bars: one
// BarBuilder per (symbol,timeframe), shared by every subscriber of
// that pair, coalescing BarUpdated emissions to at most once per 250ms.
package aggregator

import (
	"sync"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

const updateCoalesceInterval = 250 * time.Millisecond

// EventKind distinguishes an in-progress update from a closed bar.
type EventKind string

const (
	BarUpdated EventKind = "BarUpdated"
	BarClosed  EventKind = "BarClosed"
)

// BarEvent is delivered to every subscriber of a (symbol,timeframe).
type BarEvent struct {
	Kind EventKind
	Bar  models.Bar
}

type subscriber struct {
	id   uint64
	sink chan BarEvent
}

// builder holds one (symbol,timeframe)'s in-progress bar and its
// subscriber fan-out list.
type builder struct {
	mu             sync.Mutex
	symbol         string
	tf             models.Timeframe
	current        models.Bar
	hasOpen        bool
	nextBoundary   time.Time
	subs           []subscriber
	lastEmitUpdate time.Time
}

// Aggregator maps (symbol,timeframe) to its shared builder.
type Aggregator struct {
	mu        sync.Mutex
	builders  map[string]*builder
	nextSubID uint64
}

// New constructs an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{builders: make(map[string]*builder)}
}

func keyOf(symbol string, tf models.Timeframe) string {
	return symbol + "|" + tf.String()
}

// Subscription is returned by Subscribe.
type Subscription struct {
	id     uint64
	b      *builder
	agg    *Aggregator
	key    string
	Events <-chan BarEvent
}

// Unsubscribe removes this subscription from its builder's fan-out list.
func (s *Subscription) Unsubscribe() {
	s.b.mu.Lock()
	for i, sub := range s.b.subs {
		if sub.id == s.id {
			s.b.subs = append(s.b.subs[:i], s.b.subs[i+1:]...)
			close(sub.sink)
			break
		}
	}
	s.b.mu.Unlock()
}

// Subscribe registers sink for (symbol,timeframe), creating the
// shared builder on first use.
func (a *Aggregator) Subscribe(symbol string, tf models.Timeframe) *Subscription {
	a.mu.Lock()
	k := keyOf(symbol, tf)
	b, ok := a.builders[k]
	if !ok {
		b = &builder{symbol: symbol, tf: tf}
		a.builders[k] = b
	}
	a.nextSubID++
	id := a.nextSubID
	a.mu.Unlock()

	ch := make(chan BarEvent, 64)
	b.mu.Lock()
	b.subs = append(b.subs, subscriber{id: id, sink: ch})
	b.mu.Unlock()

	return &Subscription{id: id, b: b, agg: a, key: k, Events: ch}
}

// CurrentBar returns the builder's in-progress bar for (symbol,timeframe).
func (a *Aggregator) CurrentBar(symbol string, tf models.Timeframe) (models.Bar, bool) {
	a.mu.Lock()
	b, ok := a.builders[keyOf(symbol, tf)]
	a.mu.Unlock()
	if !ok {
		return models.Bar{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.hasOpen
}

// OnTick feeds a single quote into every builder registered for
// symbol, across all subscribed timeframes.
func (a *Aggregator) OnTick(tick models.Tick) {
	price := tick.Bid
	if tick.Last != nil {
		price = *tick.Last
	}
	vol := 0.0
	if tick.Volume != nil {
		vol = *tick.Volume
	}

	a.mu.Lock()
	var targets []*builder
	for _, b := range a.builders {
		if b.symbol == tick.Symbol {
			targets = append(targets, b)
		}
	}
	a.mu.Unlock()

	for _, b := range targets {
		b.onTick(tick.Timestamp, price, vol)
	}
}

func boundaryAfter(t time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return t
	}
	epoch := t.UnixNano()
	step := d.Nanoseconds()
	next := ((epoch / step) + 1) * step
	return time.Unix(0, next).UTC()
}

func (b *builder) onTick(t time.Time, price, vol float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.tf.Duration()
	if !b.hasOpen {
		b.openBar(t, price, d)
		b.fanOut(BarEvent{Kind: BarUpdated, Bar: b.current})
		return
	}

	for !t.Before(b.nextBoundary) {
		closed := b.current
		b.fanOut(BarEvent{Kind: BarClosed, Bar: closed})
		// Fill any fully-elapsed intervals with flat bars before the
		// tick's own interval.E step 1.
		nextOpen := b.nextBoundary
		nextBoundary := boundaryAfter(nextOpen, d)
		if t.Before(nextBoundary) {
			b.current = models.Bar{Symbol: b.symbol, Timeframe: b.tf, OpenTime: nextOpen,
				Open: closed.Close, High: closed.Close, Low: closed.Close, Close: closed.Close, Volume: 0}
			b.nextBoundary = nextBoundary
			break
		}
		filled := models.Bar{Symbol: b.symbol, Timeframe: b.tf, OpenTime: nextOpen,
			Open: closed.Close, High: closed.Close, Low: closed.Close, Close: closed.Close, Volume: 0}
		b.current = filled
		b.nextBoundary = nextBoundary
	}

	if price > b.current.High {
		b.current.High = price
	}
	if price < b.current.Low {
		b.current.Low = price
	}
	b.current.Close = price
	b.current.Volume += vol

	if time.Since(b.lastEmitUpdate) >= updateCoalesceInterval {
		b.lastEmitUpdate = time.Now()
		b.fanOut(BarEvent{Kind: BarUpdated, Bar: b.current})
	}
}

func (b *builder) openBar(t time.Time, price float64, d time.Duration) {
	openTime := alignOpen(t, d)
	b.current = models.Bar{Symbol: b.symbol, Timeframe: b.tf, OpenTime: openTime,
		Open: price, High: price, Low: price, Close: price, Volume: 0}
	b.nextBoundary = boundaryAfter(openTime, d)
	b.hasOpen = true
	b.lastEmitUpdate = time.Now()
}

// alignOpen aligns t down to the nearest UTC epoch boundary of size d
// .
func alignOpen(t time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return t
	}
	step := d.Nanoseconds()
	epoch := t.UnixNano()
	aligned := (epoch / step) * step
	return time.Unix(0, aligned).UTC()
}

func (b *builder) fanOut(evt BarEvent) {
	for _, s := range b.subs {
		select {
		case s.sink <- evt:
		default:
		}
	}
}
