// Package store implements the engine's durable state:
// historical bars, account state, strategy config/stats, trade
// history, notifications and settings, persisted as a single JSON
// document using an atomic write (temp file in the same directory,
// fsync, rename, parent-directory fsync, with an EXDEV cross-device
// copy fallback).
package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

// barKey uniquely identifies a bar row: (symbol,timeframe,open_time).
type barKey struct {
	Symbol    string
	Timeframe string
	OpenTime  int64
}

// Data is the full durable document's logical table layout.
type Data struct {
	Bars            []models.Bar                      `json:"historical_bars"`
	AccountStates   map[string]AccountState           `json:"account_state"`
	StrategyConfigs map[string]models.StrategyConfig  `json:"strategy_config"` // key: accountID|name
	StrategyStats   map[string]StrategyStatsRow       `json:"strategy_stats"`  // key: accountID|name
	TradeHistory    []models.TradeRecord              `json:"trade_history"`
	Notifications   []models.Notification             `json:"notifications"`
	Settings        map[string]map[string]interface{} `json:"settings"` // scope -> key -> value
}

// AccountState is the durable projection row for one account.
type AccountState struct {
	AccountID         string    `json:"account_id"`
	Balance           float64   `json:"balance"`
	Equity            float64   `json:"equity"`
	DLLUsed           float64   `json:"dll_used"`
	MLLUsed           float64   `json:"mll_used"`
	StartOfDayBalance float64   `json:"start_of_day_balance"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// StrategyStatsRow is the durable performance row for one strategy/account.
type StrategyStatsRow struct {
	AccountID   string    `json:"account_id"`
	Name        string    `json:"name"`
	TotalTrades int       `json:"total_trades"`
	Winning     int       `json:"winning"`
	TotalPnL    float64   `json:"total_pnl"`
	MaxDrawdown float64   `json:"max_drawdown"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newData() *Data {
	return &Data{
		AccountStates:   make(map[string]AccountState),
		StrategyConfigs: make(map[string]models.StrategyConfig),
		StrategyStats:   make(map[string]StrategyStatsRow),
		Settings:        make(map[string]map[string]interface{}),
	}
}

// Store is the JSON-backed durable store, safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	data     *Data
	filepath string
}

// Open loads path if it exists, or starts an empty store otherwise.
// The parent directory is created (0o700) if missing.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	s := &Store{filepath: path, data: newData()}
	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat store file: %w", err)
	}
	return s, nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return fmt.Errorf("reading store file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	d := newData()
	if err := json.Unmarshal(raw, d); err != nil {
		return fmt.Errorf("parsing store file: %w", err)
	}
	s.mu.Lock()
	s.data = d
	s.mu.Unlock()
	return nil
}

// save persists s.data atomically: write to a temp file in the same
// directory (avoids EXDEV on rename), fsync it, rename over the
// target, then fsync the parent directory so the rename itself
// survives a crash.
func (s *Store) save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encoding store: %w", err)
	}

	dir := filepath.Dir(s.filepath)
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filepath); err != nil {
		if copyErr := copyFile(tmpPath, s.filepath); copyErr != nil {
			return fmt.Errorf("rename failed (%v) and copy fallback failed: %w", err, copyErr)
		}
		os.Remove(tmpPath)
	}
	cleanup = false
	return syncParentDir(s.filepath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return syncParentDir(dst)
}

func syncParentDir(path string) error {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

// --- historical bars ---

// UpsertBars inserts or replaces bars keyed by (symbol,timeframe,open_time).
func (s *Store) UpsertBars(bars []models.Bar) error {
	s.mu.Lock()
	index := make(map[barKey]int, len(s.data.Bars))
	for i, b := range s.data.Bars {
		index[keyOf(b)] = i
	}
	for _, b := range bars {
		k := keyOf(b)
		if i, ok := index[k]; ok {
			s.data.Bars[i] = b
		} else {
			s.data.Bars = append(s.data.Bars, b)
			index[k] = len(s.data.Bars) - 1
		}
	}
	s.mu.Unlock()
	return s.save()
}

func keyOf(b models.Bar) barKey {
	return barKey{Symbol: b.Symbol, Timeframe: b.Timeframe.String(), OpenTime: b.OpenTime.UnixNano()}
}

// QueryBars returns bars for symbol+timeframe within [start,end],
// sorted ascending by OpenTime and deduplicated, capped at limit rows
// (0 = unlimited).
func (s *Store) QueryBars(symbol string, tf models.Timeframe, start, end time.Time, limit int) []models.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Bar
	for _, b := range s.data.Bars {
		if b.Symbol != symbol || b.Timeframe != tf {
			continue
		}
		if b.OpenTime.Before(start) || b.OpenTime.After(end) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// PruneBarsOlderThan removes bars older than the given retention
// cutoff (spec: 30-day retention).
func (s *Store) PruneBarsOlderThan(cutoff time.Time) error {
	s.mu.Lock()
	kept := s.data.Bars[:0]
	for _, b := range s.data.Bars {
		if !b.OpenTime.Before(cutoff) {
			kept = append(kept, b)
		}
	}
	s.data.Bars = kept
	s.mu.Unlock()
	return s.save()
}

// --- account state ---

// SetAccountState upserts the durable projection row for one account.
func (s *Store) SetAccountState(st AccountState) error {
	s.mu.Lock()
	s.data.AccountStates[st.AccountID] = st
	s.mu.Unlock()
	return s.save()
}

// GetAccountState returns the durable row for accountID, if present.
func (s *Store) GetAccountState(accountID string) (AccountState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.data.AccountStates[accountID]
	return st, ok
}

// --- strategy config ---

func strategyKey(accountID, name string) string { return accountID + "|" + name }

// SetStrategyConfig upserts a strategy config, preserving unknown
// Params keys verbatim (the caller controls Params directly).
func (s *Store) SetStrategyConfig(cfg models.StrategyConfig) error {
	s.mu.Lock()
	cfg.UpdatedAt = time.Now().UTC()
	s.data.StrategyConfigs[strategyKey(cfg.AccountID, cfg.Name)] = cfg
	s.mu.Unlock()
	return s.save()
}

// GetStrategyConfig returns the persisted config, if any.
func (s *Store) GetStrategyConfig(accountID, name string) (models.StrategyConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.data.StrategyConfigs[strategyKey(accountID, name)]
	return c, ok
}

// ListStrategyConfigs returns every persisted strategy config,
// e.g. for restart-time auto-enable.
func (s *Store) ListStrategyConfigs() []models.StrategyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.StrategyConfig, 0, len(s.data.StrategyConfigs))
	for _, c := range s.data.StrategyConfigs {
		out = append(out, c)
	}
	return out
}

// --- strategy stats ---

// SetStrategyStats upserts the durable stats row.
func (s *Store) SetStrategyStats(row StrategyStatsRow) error {
	s.mu.Lock()
	row.UpdatedAt = time.Now().UTC()
	s.data.StrategyStats[strategyKey(row.AccountID, row.Name)] = row
	s.mu.Unlock()
	return s.save()
}

// GetStrategyStats returns the durable stats row, if any.
func (s *Store) GetStrategyStats(accountID, name string) (StrategyStatsRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data.StrategyStats[strategyKey(accountID, name)]
	return r, ok
}

// --- trade history ---

// AppendTrade records one FIFO-consolidated trade.
func (s *Store) AppendTrade(t models.TradeRecord) error {
	s.mu.Lock()
	s.data.TradeHistory = append(s.data.TradeHistory, t)
	s.mu.Unlock()
	return s.save()
}

// ListTrades returns trades for accountID (optionally filtered by
// symbol), most recent first, capped at limit (0 = unlimited).
func (s *Store) ListTrades(accountID, symbol string, limit int) []models.TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TradeRecord
	for i := len(s.data.TradeHistory) - 1; i >= 0; i-- {
		t := s.data.TradeHistory[i]
		if t.AccountID != accountID {
			continue
		}
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// --- notifications ---

const notificationRetention = 7 * 24 * time.Hour

// AppendNotification records n and prunes entries older than the
// 7-day retention window.
func (s *Store) AppendNotification(n models.Notification) error {
	s.mu.Lock()
	s.data.Notifications = append(s.data.Notifications, n)
	cutoff := time.Now().Add(-notificationRetention)
	kept := s.data.Notifications[:0]
	for _, existing := range s.data.Notifications {
		if existing.Timestamp.After(cutoff) {
			kept = append(kept, existing)
		}
	}
	s.data.Notifications = kept
	s.mu.Unlock()
	return s.save()
}

// ListNotifications returns notifications for accountID, most recent first.
func (s *Store) ListNotifications(accountID string, limit int) []models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Notification
	for i := len(s.data.Notifications) - 1; i >= 0; i-- {
		n := s.data.Notifications[i]
		if n.AccountID != accountID {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// --- settings ---

// SetSetting upserts value at scope/key.
func (s *Store) SetSetting(scope, key string, value interface{}) error {
	s.mu.Lock()
	if s.data.Settings[scope] == nil {
		s.data.Settings[scope] = make(map[string]interface{})
	}
	s.data.Settings[scope][key] = value
	s.mu.Unlock()
	return s.save()
}

// GetSettings returns the full key/value map for scope.
func (s *Store) GetSettings(scope string) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.data.Settings[scope]))
	for k, v := range s.data.Settings[scope] {
		out[k] = v
	}
	return out
}
