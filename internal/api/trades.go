package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
)

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	accountID := s.resolveAccountID(r)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", errAccountRequired.Error())
		return
	}
	symbol := r.URL.Query().Get("type")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	trades := s.store.ListTrades(accountID, symbol, limit)
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleExportTrades(w http.ResponseWriter, r *http.Request) {
	accountID := s.resolveAccountID(r)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", errAccountRequired.Error())
		return
	}
	trades := s.store.ListTrades(accountID, "", 0)

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="trades-%s.csv"`, accountID))
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "account_id", "strategy", "symbol", "side", "quantity",
		"entry_price", "exit_price", "entry_time", "exit_time", "gross_pnl", "fees", "net_pnl"})
	for _, t := range trades {
		_ = cw.Write([]string{
			t.ID, t.AccountID, t.StrategyName, t.Symbol, string(t.Side), strconv.Itoa(t.Quantity),
			strconv.FormatFloat(t.EntryPrice, 'f', -1, 64), strconv.FormatFloat(t.ExitPrice, 'f', -1, 64),
			t.EntryTime.Format("2006-01-02T15:04:05Z07:00"), t.ExitTime.Format("2006-01-02T15:04:05Z07:00"),
			strconv.FormatFloat(t.GrossPnL, 'f', -1, 64), strconv.FormatFloat(t.Fees, 'f', -1, 64),
			strconv.FormatFloat(t.NetPnL, 'f', -1, 64),
		})
	}
	cw.Flush()
}
