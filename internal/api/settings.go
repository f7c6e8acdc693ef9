package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	accountID := s.resolveAccountID(r)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", errAccountRequired.Error())
		return
	}
	limit := 50
	notes := s.store.ListNotifications(accountID, limit)
	writeJSON(w, http.StatusOK, notes)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	writeJSON(w, http.StatusOK, s.store.GetSettings(scope))
}

type settingsUpsertRequest struct {
	Scope string      `json:"scope"`
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

func (s *Server) handlePostSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsUpsertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}
	if req.Scope == "" || req.Key == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "scope and key are required")
		return
	}
	if err := s.store.SetSetting(req.Scope, req.Key, req.Value); err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}
