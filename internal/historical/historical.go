// Package historical implements the three-tier historical-bar cache:
// in-memory LRU, durable store, broker REST, with a
// fingerprint-keyed singleflight collapsing duplicate concurrent
// upstream fetches.
package historical

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/eddiefleurent/topstepx-engine/internal/broker"
	"github.com/eddiefleurent/topstepx-engine/internal/models"
	"github.com/eddiefleurent/topstepx-engine/internal/store"
)

// lruEntry is one cached range result.
type lruEntry struct {
	key      string
	bars     []models.Bar
	expireAt time.Time
}

// Service resolves historical-bar requests through the three tiers.
type Service struct {
	brokerClient broker.Broker
	store        *store.Store
	ttlRTH       time.Duration
	ttlOff       time.Duration
	isRTH        func(time.Time) bool

	mu    sync.Mutex
	lru   map[string]*list.Element
	order *list.List
	cap   int

	group singleflight.Group
}

// Config bounds LRU size and TTLs.
type Config struct {
	Capacity int
	TTLRTH   time.Duration
	TTLOff   time.Duration
	IsRTH    func(time.Time) bool
}

// New builds a Service atop brokerClient and durable st.
func New(brokerClient broker.Broker, st *store.Store, cfg Config) *Service {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.TTLRTH <= 0 {
		cfg.TTLRTH = 30 * time.Second
	}
	if cfg.TTLOff <= 0 {
		cfg.TTLOff = 10 * time.Minute
	}
	if cfg.IsRTH == nil {
		cfg.IsRTH = func(time.Time) bool { return true }
	}
	return &Service{
		brokerClient: brokerClient,
		store:        st,
		ttlRTH:       cfg.TTLRTH,
		ttlOff:       cfg.TTLOff,
		isRTH:        cfg.IsRTH,
		lru:          make(map[string]*list.Element),
		order:        list.New(),
		cap:          cfg.Capacity,
	}
}

func fingerprint(symbol string, tf models.Timeframe, rng broker.HistoricalRange) string {
	return fmt.Sprintf("%s|%s|%d|%d|%d", symbol, tf.String(), rng.Start.Unix(), rng.End.Unix(), rng.Limit)
}

// Get resolves (symbol,timeframe,range) via LRU -> store -> broker,
// upserting any broker-sourced bars back into the store and LRU.
func (s *Service) Get(ctx context.Context, symbol string, tf models.Timeframe, rng broker.HistoricalRange) ([]models.Bar, error) {
	key := fingerprint(symbol, tf, rng)

	if bars, ok := s.lookupLRU(key); ok {
		return bars, nil
	}

	result, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.resolve(ctx, symbol, tf, rng, key)
	})
	if err != nil {
		return nil, err
	}
	return result.([]models.Bar), nil
}

func (s *Service) resolve(ctx context.Context, symbol string, tf models.Timeframe, rng broker.HistoricalRange, key string) ([]models.Bar, error) {
	fromStore := s.store.QueryBars(symbol, tf, rng.Start, rng.End, rng.Limit)
	if coversRange(fromStore, rng) {
		s.storeLRU(key, fromStore)
		return fromStore, nil
	}

	fetched, err := s.brokerClient.GetHistoricalBars(ctx, symbol, tf, rng)
	if err != nil {
		return nil, err
	}
	if len(fetched) > 0 {
		if err := s.store.UpsertBars(fetched); err != nil {
			return nil, models.NewTradeError(models.ErrInternal, "persisting fetched bars", err)
		}
	}
	merged := s.store.QueryBars(symbol, tf, rng.Start, rng.End, rng.Limit)
	s.storeLRU(key, merged)
	return merged, nil
}

// coversRange is a conservative contiguous-coverage check: any gap in
// the requested range is treated as a miss.
func coversRange(bars []models.Bar, rng broker.HistoricalRange) bool {
	if len(bars) == 0 {
		return rng.Start.Equal(rng.End)
	}
	if bars[0].OpenTime.After(rng.Start) {
		return false
	}
	step := bars[0].Timeframe.Duration()
	if step <= 0 {
		return true
	}
	for i := 1; i < len(bars); i++ {
		gap := bars[i].OpenTime.Sub(bars[i-1].OpenTime)
		if gap > step {
			return false
		}
	}
	last := bars[len(bars)-1]
	return !last.OpenTime.Add(step).Before(rng.End)
}

func (s *Service) ttlFor(now time.Time) time.Duration {
	if s.isRTH(now) {
		return s.ttlRTH
	}
	return s.ttlOff
}

func (s *Service) lookupLRU(key string) ([]models.Bar, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.lru[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*lruEntry)
	if time.Now().After(entry.expireAt) {
		s.order.Remove(el)
		delete(s.lru, key)
		return nil, false
	}
	s.order.MoveToFront(el)
	return entry.bars, true
}

func (s *Service) storeLRU(key string, bars []models.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.lru[key]; ok {
		s.order.Remove(el)
		delete(s.lru, key)
	}
	entry := &lruEntry{key: key, bars: bars, expireAt: time.Now().Add(s.ttlFor(time.Now()))}
	el := s.order.PushFront(entry)
	s.lru[key] = el
	for s.order.Len() > s.cap {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.lru, oldest.Value.(*lruEntry).key)
	}
}
