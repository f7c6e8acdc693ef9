// Package api implements the engine's REST and Server-Sent Events
// control surface: the account/position/order/strategy/risk table
// wired against the core components, plus an authenticated push
// stream fed by the event bus.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/topstepx-engine/internal/accounts"
	"github.com/eddiefleurent/topstepx-engine/internal/broker"
	"github.com/eddiefleurent/topstepx-engine/internal/eventbus"
	"github.com/eddiefleurent/topstepx-engine/internal/historical"
	"github.com/eddiefleurent/topstepx-engine/internal/orders"
	"github.com/eddiefleurent/topstepx-engine/internal/risk"
	"github.com/eddiefleurent/topstepx-engine/internal/store"
	"github.com/eddiefleurent/topstepx-engine/internal/strategy"
)

// Config configures the Server.
type Config struct {
	ListenAddr string
	AuthToken  string
}

// Server is the chi-routed HTTP API, mirroring the middleware stack
// and auth precedence of a typical embedded operator dashboard.
type Server struct {
	router *chi.Mux
	server *http.Server
	logger *logrus.Logger

	addr      string
	authToken string

	accts      *accounts.Store
	orderMgr   *orders.Manager
	riskMon    *risk.Monitor
	strategyRt *strategy.Runtime
	hist       *historical.Service
	store      *store.Store
	brokerC    broker.Broker
	bus        *eventbus.Bus

	mu         sync.RWMutex
	selectedID string
}

// New constructs a Server wired against every core component and
// pre-builds its route table.
func New(cfg Config, accts *accounts.Store, orderMgr *orders.Manager, riskMon *risk.Monitor,
	strategyRt *strategy.Runtime, hist *historical.Service, st *store.Store, brokerC broker.Broker,
	bus *eventbus.Bus, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:     chi.NewRouter(),
		logger:     logger,
		addr:       cfg.ListenAddr,
		authToken:  cfg.AuthToken,
		accts:      accts,
		orderMgr:   orderMgr,
		riskMon:    riskMon,
		strategyRt: strategyRt,
		hist:       hist,
		store:      st,
		brokerC:    brokerC,
		bus:        bus,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLoggerMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(middleware.Compress(5))

	s.router.Get("/health", s.handleHealth)

	register := func(r chi.Router) {
		r.Get("/api/accounts", s.handleListAccounts)
		r.Post("/api/accounts/{id}/switch", s.handleSwitchAccount)
		r.Get("/api/account", s.handleSelectedAccount)

		r.Get("/api/positions", s.handleListPositions)
		r.Post("/api/positions/{id}/close", s.handleClosePosition)
		r.Post("/api/positions/flatten", s.handleFlattenAll)

		r.Get("/api/orders", s.handleListOrders)
		r.Post("/api/orders/place", s.handlePlaceOrder)
		r.Delete("/api/orders/{id}", s.handleCancelOrder)
		r.Delete("/api/orders", s.handleCancelAllOrders)

		r.Get("/api/trades", s.handleListTrades)
		r.Get("/api/trades/export", s.handleExportTrades)

		r.Get("/api/historical-data", s.handleHistoricalData)

		r.Get("/api/strategies", s.handleListStrategies)
		r.Post("/api/strategies/{name}/start", s.handleStartStrategy)
		r.Post("/api/strategies/{name}/stop", s.handleStopStrategy)
		r.Post("/api/strategies/{name}/config", s.handleConfigStrategy)
		r.Get("/api/strategies/{name}/stats", s.handleStrategyStats)
		r.Get("/api/strategies/{name}/verify", s.handleStrategyVerify)

		r.Get("/api/risk", s.handleRiskSnapshot)
		r.Get("/api/notifications", s.handleNotifications)

		r.Get("/api/settings/{scope}", s.handleGetSettings)
		r.Post("/api/settings", s.handlePostSettings)

		r.Get("/api/stream", s.handleStream)
	}

	if s.authToken != "" {
		s.router.Route("/", func(r chi.Router) {
			r.Use(s.authMiddleware)
			register(r)
		})
	} else {
		register(s.router)
	}
}

func (s *Server) requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loggedURL := s.redactTokenFromURL(r.URL)
		entry := s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"url":        loggedURL.String(),
			"user_agent": r.UserAgent(),
			"remote_ip":  r.RemoteAddr,
		})

		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)

		entry.WithFields(logrus.Fields{
			"status":   wrapped.Status(),
			"bytes":    wrapped.BytesWritten(),
			"duration": time.Since(start),
		}).Info("http request")
	})
}

func (s *Server) redactTokenFromURL(original *url.URL) *url.URL {
	cloned := &url.URL{
		Scheme:   original.Scheme,
		Host:     original.Host,
		Path:     original.Path,
		RawQuery: original.RawQuery,
		Fragment: original.Fragment,
	}
	if original.RawQuery != "" {
		values := original.Query()
		if values.Has("token") {
			values.Set("token", "[REDACTED]")
		}
		cloned.RawQuery = values.Encode()
	}
	return cloned
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		var token string
		token = r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			if cookie, err := r.Cookie("auth_token"); err == nil {
				token = cookie.Value
			}
		}

		if !s.isValidToken(token) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isValidToken(token string) bool {
	if len(token) != len(s.authToken) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

// Start runs the HTTP server until Shutdown is called or it fails.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // the push stream holds the connection open
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infof("starting control surface on %s", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"subscribers": s.bus.SubscriberCount(),
	})
}

// resolveAccountID reads account_id from the query string, falling
// back to the selected account when absent.
func (s *Server) resolveAccountID(r *http.Request) string {
	if id := r.URL.Query().Get("account_id"); id != "" {
		return id
	}
	return s.SelectedAccount()
}

// SelectedAccount returns the active account context, defaulting to
// the first tracked account the first time it is queried.
func (s *Server) SelectedAccount() string {
	s.mu.RLock()
	id := s.selectedID
	s.mu.RUnlock()
	if id != "" {
		return id
	}

	snaps := s.accts.Snapshots()
	if len(snaps) == 0 {
		return ""
	}
	s.mu.Lock()
	if s.selectedID == "" {
		s.selectedID = snaps[0].Account.ID
	}
	id = s.selectedID
	s.mu.Unlock()
	return id
}

func (s *Server) setSelectedAccount(id string) {
	s.mu.Lock()
	s.selectedID = id
	s.mu.Unlock()
}

var errAccountRequired = fmt.Errorf("account_id is required")
