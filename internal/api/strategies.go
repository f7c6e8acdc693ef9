package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
	"github.com/eddiefleurent/topstepx-engine/internal/strategy"
)

// strategyView is one (kind,account) row in the listing response.
type strategyView struct {
	Name      string                `json:"name"`
	AccountID string                `json:"account_id"`
	Status    models.StrategyStatus `json:"status"`
	Enabled   bool                  `json:"enabled"`
	Symbols   []string              `json:"symbols"`
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	accountID := s.resolveAccountID(r)
	views := make([]strategyView, 0)
	for _, kind := range strategy.RegisteredKinds() {
		cfg, hasCfg := s.store.GetStrategyConfig(accountID, kind)
		status, hasStatus := s.strategyRt.Status(accountID, kind)
		if !hasCfg && !hasStatus {
			views = append(views, strategyView{Name: kind, AccountID: accountID, Status: models.StrategyDisabled})
			continue
		}
		if !hasStatus {
			status = models.StrategyDisabled
		}
		views = append(views, strategyView{
			Name: kind, AccountID: accountID, Status: status,
			Enabled: cfg.Enabled, Symbols: cfg.Symbols,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type startStrategyRequest struct {
	AccountID string   `json:"account_id"`
	Symbols   []string `json:"symbols,omitempty"`
}

func (s *Server) handleStartStrategy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, known := strategy.New(name); !known {
		writeError(w, http.StatusNotFound, "unknown_strategy", "unknown strategy kind")
		return
	}

	var req startStrategyRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
			return
		}
	}
	if req.AccountID == "" {
		req.AccountID = s.resolveAccountID(r)
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", errAccountRequired.Error())
		return
	}

	cfg, ok := s.store.GetStrategyConfig(req.AccountID, name)
	if !ok {
		cfg = models.StrategyConfig{Name: name, AccountID: req.AccountID, PositionSize: 1, MaxPositions: 1, Params: map[string]interface{}{}}
	}
	if len(req.Symbols) > 0 {
		cfg.Symbols = req.Symbols
	}
	if len(cfg.Symbols) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "symbols is required to start a strategy with no prior config")
		return
	}
	cfg.Enabled = true
	cfg.UpdatedAt = time.Now().UTC()

	if err := s.strategyRt.UpdateConfig(cfg, time.Now().UTC()); err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type stopStrategyRequest struct {
	AccountID string `json:"account_id"`
}

func (s *Server) handleStopStrategy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req stopStrategyRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
			return
		}
	}
	if req.AccountID == "" {
		req.AccountID = s.resolveAccountID(r)
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", errAccountRequired.Error())
		return
	}

	cfg, ok := s.store.GetStrategyConfig(req.AccountID, name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_strategy", "no config for this (strategy,account)")
		return
	}
	cfg.Enabled = false
	cfg.UpdatedAt = time.Now().UTC()
	if err := s.strategyRt.UpdateConfig(cfg, time.Now().UTC()); err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type configStrategyRequest struct {
	AccountID    string                 `json:"account_id"`
	Symbols      []string               `json:"symbols,omitempty"`
	PositionSize *int                   `json:"position_size,omitempty"`
	MaxPositions *int                   `json:"max_positions,omitempty"`
	Params       map[string]interface{} `json:"params,omitempty"`
}

func (s *Server) handleConfigStrategy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req configStrategyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}
	if req.AccountID == "" {
		req.AccountID = s.resolveAccountID(r)
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", errAccountRequired.Error())
		return
	}

	cfg, ok := s.store.GetStrategyConfig(req.AccountID, name)
	if !ok {
		cfg = models.StrategyConfig{Name: name, AccountID: req.AccountID, PositionSize: 1, MaxPositions: 1, Params: map[string]interface{}{}}
	}
	if len(req.Symbols) > 0 {
		cfg.Symbols = req.Symbols
	}
	if req.PositionSize != nil {
		cfg.PositionSize = *req.PositionSize
	}
	if req.MaxPositions != nil {
		cfg.MaxPositions = *req.MaxPositions
	}
	if req.Params != nil {
		if cfg.Params == nil {
			cfg.Params = map[string]interface{}{}
		}
		for k, v := range req.Params {
			cfg.Params[k] = v
		}
	}
	cfg.UpdatedAt = time.Now().UTC()
	if err := s.strategyRt.UpdateConfig(cfg, time.Now().UTC()); err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleStrategyStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	accountID := s.resolveAccountID(r)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", errAccountRequired.Error())
		return
	}
	row, ok := s.store.GetStrategyStats(accountID, name)
	if !ok {
		writeJSON(w, http.StatusOK, models.StrategyStats{})
		return
	}
	stats := models.StrategyStats{TradeCount: row.TotalTrades, TotalPnL: row.TotalPnL, MaxDrawdown: row.MaxDrawdown}
	if row.TotalTrades > 0 {
		stats.WinRate = float64(row.Winning) / float64(row.TotalTrades) * 100
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleStrategyVerify reports whether the strategy would currently
// be allowed to enter a new position, without submitting any order.
func (s *Server) handleStrategyVerify(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	accountID := s.resolveAccountID(r)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", errAccountRequired.Error())
		return
	}
	cfg, ok := s.store.GetStrategyConfig(accountID, name)
	if !ok || len(cfg.Symbols) == 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{"will_trade": false, "reason": "no configured symbols"})
		return
	}

	result := map[string]interface{}{"will_trade": true, "symbols": cfg.Symbols}
	for _, sym := range cfg.Symbols {
		if allowed, reason := s.riskMon.EvaluateSymbol(accountID, sym); !allowed {
			result["will_trade"] = false
			result["reason"] = reason
			break
		}
	}
	writeJSON(w, http.StatusOK, result)
}
