package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/topstepx-engine/internal/broker"
	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

// parseTimeframe reads a compact timeframe token such as "5m", "1h",
// "1d" into a models.Timeframe.
func parseTimeframe(s string) (models.Timeframe, bool) {
	if s == "" {
		return models.Timeframe{}, false
	}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i == len(s) {
		return models.Timeframe{}, false
	}
	value, err := strconv.Atoi(s[:i])
	if err != nil || value <= 0 {
		return models.Timeframe{}, false
	}
	unit, ok := map[string]models.TimeframeUnit{
		"s": models.UnitSecond, "m": models.UnitMinute, "h": models.UnitHour,
		"d": models.UnitDay, "w": models.UnitWeek, "M": models.UnitMonth,
	}[s[i:]]
	if !ok {
		return models.Timeframe{}, false
	}
	return models.Timeframe{Value: value, Unit: unit}, true
}

func emptyRange() broker.HistoricalRange {
	end := time.Now().UTC()
	return broker.HistoricalRange{Start: end.Add(-24 * time.Hour), End: end, Limit: 1}
}

func (s *Server) handleHistoricalData(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "symbol is required")
		return
	}
	tf, ok := parseTimeframe(r.URL.Query().Get("timeframe"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "timeframe must look like 5m, 1h or 1d")
		return
	}
	limit := 500
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	end := time.Now().UTC()
	if raw := r.URL.Query().Get("end"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			end = t
		}
	}

	rng := broker.HistoricalRange{End: end, Limit: limit}
	bars, err := s.hist.Get(r.Context(), symbol, tf, rng)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bars)
}
