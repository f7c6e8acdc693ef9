package api

import (
	"encoding/json"
	"net/http"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
)

// errorEnvelope is the JSON shape of every non-2xx response.
type errorEnvelope struct {
	Error  string      `json:"error"`
	Code   string      `json:"code,omitempty"`
	Detail interface{} `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	if message == "" {
		message = code
	}
	writeJSON(w, status, errorEnvelope{Error: message, Code: code})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeTradeError maps the engine's error taxonomy to the HTTP status
// codes the control surface documents.
func writeTradeError(w http.ResponseWriter, err error) {
	kind := models.KindOf(err)
	status := http.StatusInternalServerError
	code := string(kind)
	switch kind {
	case models.ErrInvalidInput, models.ErrInvalidPrice:
		status = http.StatusBadRequest
	case models.ErrRiskVeto:
		status = http.StatusForbidden
	case models.ErrNoContract:
		status = http.StatusNotFound
	case models.ErrStateConflict:
		status = http.StatusConflict
	case models.ErrRateLimited:
		status = http.StatusTooManyRequests
	case models.ErrAuthExpired:
		status = http.StatusUnauthorized
	case models.ErrTimeout, models.ErrTransient, models.ErrBrokerRejected, models.ErrInternal, models.ErrCancelled:
		status = http.StatusInternalServerError
	}
	writeError(w, status, code, err.Error())
}
