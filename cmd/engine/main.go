// Package main provides the entry point for the TopStepX trading engine.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/topstepx-engine/internal/accounts"
	"github.com/eddiefleurent/topstepx-engine/internal/aggregator"
	"github.com/eddiefleurent/topstepx-engine/internal/api"
	"github.com/eddiefleurent/topstepx-engine/internal/broker"
	"github.com/eddiefleurent/topstepx-engine/internal/clock"
	"github.com/eddiefleurent/topstepx-engine/internal/config"
	"github.com/eddiefleurent/topstepx-engine/internal/eventbus"
	"github.com/eddiefleurent/topstepx-engine/internal/historical"
	"github.com/eddiefleurent/topstepx-engine/internal/models"
	"github.com/eddiefleurent/topstepx-engine/internal/orders"
	"github.com/eddiefleurent/topstepx-engine/internal/risk"
	"github.com/eddiefleurent/topstepx-engine/internal/scheduler"
	"github.com/eddiefleurent/topstepx-engine/internal/store"
	"github.com/eddiefleurent/topstepx-engine/internal/strategy"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return 1
	}

	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.Environment == "live" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	logger.Infof("starting topstepx-engine in %s mode", cfg.Environment)

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to build engine")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("engine exited with error")
		return 1
	}
	logger.Info("engine stopped cleanly")
	return 0
}

// Engine wires every core component into one supervised process:
// stream ingestion, bar aggregation, reconciliation, risk, strategy
// scheduling and the REST/SSE control surface.
type Engine struct {
	cfg    *config.Config
	logger *logrus.Logger

	clock    *clock.Calendar
	brokerC  broker.Broker
	streamC  *broker.StreamClient
	store    *store.Store
	bus      *eventbus.Bus
	sched    *scheduler.Scheduler
	accts    *accounts.Store
	orderMgr *orders.Manager
	riskMon  *risk.Monitor
	agg      *aggregator.Aggregator
	hist     *historical.Service
	rt       *strategy.Runtime
	apiSrv   *api.Server
}

// riskGateHandle breaks the construction cycle between orders.Manager
// (needs a RiskEvaluator at New) and risk.Monitor (needs the Manager
// as its Flattener): the manager is built against this indirection,
// which starts delegating once riskMon is assigned.
type riskGateHandle struct {
	monitor *risk.Monitor
}

func (h *riskGateHandle) EvaluateSymbol(accountID, symbol string) (bool, string) {
	if h.monitor == nil {
		return true, ""
	}
	return h.monitor.EvaluateSymbol(accountID, symbol)
}

func buildEngine(cfg *config.Config, logger *logrus.Logger) (*Engine, error) {
	cal, err := clock.NewCalendar(cfg.Schedule.ExchangeTZ, cfg.Schedule.EODFlattenLocalTime)
	if err != nil {
		return nil, fmt.Errorf("building exchange calendar: %w", err)
	}

	rateLimit := broker.DefaultRateLimits
	if cfg.Broker.RateLimitPerSec > 0 {
		rateLimit = broker.RateLimits{Burst: cfg.Broker.RateLimitPerSec, RefillPerSec: float64(cfg.Broker.RateLimitPerSec)}
	}
	restClient := broker.NewClientWithRateLimits(cfg.Broker.BaseURL, cfg.Broker.Username, cfg.Broker.APIKey, rateLimit)
	brokerC := broker.NewCircuitBreakerClient(restClient)

	st, err := store.Open(cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	bus := eventbus.New()

	gate := &riskGateHandle{}
	accts := accounts.New(brokerC)
	orderMgr := orders.New(brokerC, accts, bus, gate, orders.WithTradeStore(st))
	riskMon := risk.New(cfg.Risk, accts, bus, orderMgr, nil)
	gate.monitor = riskMon

	hist := historical.New(brokerC, st, historical.Config{
		TTLRTH: cfg.Historical.BarCacheTTLRTH,
		TTLOff: cfg.Historical.BarCacheTTLOff,
	})
	rt := strategy.New(st, orderMgr, hist, brokerC, cal, bus, accts)

	agg := aggregator.New()

	streamC := broker.NewStreamClient(cfg.Broker.StreamURL, func() string { return cfg.Broker.APIKey })

	maxConc := cfg.Scheduler.MaxConcurrentTasks
	sched := scheduler.NewWithLimits(context.Background(), maxConc, 0)

	apiSrv := api.New(api.Config{ListenAddr: cfg.HTTP.ListenAddr, AuthToken: cfg.HTTP.AuthToken},
		accts, orderMgr, riskMon, rt, hist, st, brokerC, bus, logger)

	return &Engine{
		cfg: cfg, logger: logger,
		clock: cal, brokerC: brokerC, streamC: streamC, store: st, bus: bus,
		sched: sched, accts: accts, orderMgr: orderMgr, riskMon: riskMon,
		agg: agg, hist: hist, rt: rt, apiSrv: apiSrv,
	}, nil
}

// Run starts every long-lived goroutine under an errgroup tied to
// ctx, blocking until one fails or ctx is cancelled, then shuts
// everything down gracefully.
func (e *Engine) Run(ctx context.Context) error {
	authCtx, authCancel := context.WithTimeout(ctx, 15*time.Second)
	defer authCancel()
	if err := e.brokerC.Authenticate(authCtx); err != nil {
		return fmt.Errorf("authenticating with broker: %w", err)
	}

	accts, err := e.brokerC.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}
	for _, acct := range accts {
		e.accts.Track(acct)
		if err := e.accts.Reconcile(ctx, acct.ID); err != nil {
			e.logger.WithError(err).WithField("account_id", acct.ID).Warn("startup reconciliation failed")
		}
		e.riskMon.ResetDay(acct.ID, acct.StartOfDayBalance)
		e.orderMgr.RegisterEODFlatten(acct.ID, e.cfg.Schedule.EODFlattenLocalTime)
		e.streamC.Subscribe("orders:" + acct.ID)
		e.streamC.Subscribe("positions:" + acct.ID)
		e.streamC.Subscribe("accounts:" + acct.ID)
	}

	symbols := e.trackedSymbols()
	for _, symbol := range symbols {
		e.streamC.Subscribe("quotes:" + symbol)
		e.streamC.Subscribe("trades:" + symbol)
	}

	e.rt.LoadFromStore(time.Now().UTC())

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.streamC.Run(gCtx)
		return nil
	})
	g.Go(func() error { return e.consumeStream(gCtx) })
	g.Go(func() error { return e.consumeGaps(gCtx) })
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error { return e.consumeBars(gCtx, symbol) })
	}
	g.Go(func() error { return e.accts.Run(gCtx, 60*time.Second) })
	g.Go(func() error {
		return e.orderMgr.Run(gCtx, func(accountID string) bool {
			return e.clock.IsEODFlattenTime(time.Now())
		})
	})
	g.Go(func() error { return e.riskMon.Run(gCtx) })
	g.Go(func() error { return e.runStrategyTicker(gCtx) })
	g.Go(func() error {
		if err := e.apiSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control surface: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := e.apiSrv.Shutdown(shutdownCtx); err != nil {
			e.logger.WithError(err).Warn("control surface shutdown error")
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runStrategyTicker drives periodic ExecuteCycle checks independent
// of bar arrival, so time-based entries (e.g. session-open logic)
// still fire when a symbol is quiet.
func (e *Engine) runStrategyTicker(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.rt.Tick(ctx, time.Now().UTC())
		}
	}
}

// trackedSymbols returns every symbol referenced by a persisted
// strategy config, across all accounts, de-duplicated.
func (e *Engine) trackedSymbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, cfg := range e.store.ListStrategyConfigs() {
		for _, sym := range cfg.Symbols {
			if !seen[sym] {
				seen[sym] = true
				out = append(out, sym)
			}
		}
	}
	return out
}

// consumeBars fans every closed 1-minute bar for symbol out to the
// strategy runtime, the durable bar store and the push stream.
func (e *Engine) consumeBars(ctx context.Context, symbol string) error {
	sub := e.agg.Subscribe(symbol, models.Timeframe{Value: 1, Unit: models.UnitMinute})
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if evt.Kind != aggregator.BarClosed {
				continue
			}
			e.rt.OnBar(ctx, evt.Bar)
			_ = e.store.UpsertBars([]models.Bar{evt.Bar})
			e.bus.Publish(eventbus.TopicMarketUpdate, evt.Bar)
		}
	}
}

// consumeGaps resubmits a reconciliation task on the scheduler
// whenever the stream client detects a sequence gap on a topic.
func (e *Engine) consumeGaps(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case gap, ok := <-e.streamC.Gaps():
			if !ok {
				return nil
			}
			accountID := accountIDFromTopic(gap.Topic)
			if accountID == "" {
				continue
			}
			_ = e.sched.Submit(scheduler.Task{
				Priority: scheduler.High,
				Name:     "gap-reconcile:" + accountID,
				Run: func(taskCtx context.Context) error {
					return e.accts.Reconcile(taskCtx, accountID)
				},
			})
		}
	}
}

// consumeStream decodes each hub message by topic prefix and routes
// it to the component that owns that kind of state. Topics follow the
// "kind:key" convention (quotes:SYMBOL, trades:SYMBOL, orders:ACCOUNT,
// positions:ACCOUNT, accounts:ACCOUNT).
func (e *Engine) consumeStream(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-e.streamC.Events():
			if !ok {
				return nil
			}
			e.dispatchStreamEvent(evt)
		}
	}
}

func (e *Engine) dispatchStreamEvent(evt broker.StreamEvent) {
	kind, _, found := strings.Cut(evt.Topic, ":")
	if !found {
		return
	}
	switch kind {
	case "quotes", "trades":
		var tick models.Tick
		if err := json.Unmarshal(evt.Payload, &tick); err != nil {
			e.logger.WithError(err).Warn("malformed tick payload")
			return
		}
		e.agg.OnTick(tick)
	case "orders":
		var o models.Order
		if err := json.Unmarshal(evt.Payload, &o); err != nil {
			e.logger.WithError(err).Warn("malformed order payload")
			return
		}
		e.accts.ApplyOrderUpdate(o)
		e.orderMgr.NoteOrderUpdate(o)
		e.bus.Publish(eventbus.TopicOrderUpdate, o)
	case "positions":
		var p models.Position
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			e.logger.WithError(err).Warn("malformed position payload")
			return
		}
		e.accts.ApplyPositionUpdate(p)
		e.bus.Publish(eventbus.TopicPositionUpdate, p)
	case "accounts":
		var a models.Account
		if err := json.Unmarshal(evt.Payload, &a); err != nil {
			e.logger.WithError(err).Warn("malformed account payload")
			return
		}
		e.accts.ApplyAccountUpdate(a)
		e.bus.Publish(eventbus.TopicAccountUpdate, a)
	}
}

func accountIDFromTopic(topic string) string {
	_, key, found := strings.Cut(topic, ":")
	if !found {
		return ""
	}
	return key
}
