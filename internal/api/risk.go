package api

import "net/http"

func (s *Server) handleRiskSnapshot(w http.ResponseWriter, r *http.Request) {
	accountID := s.resolveAccountID(r)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", errAccountRequired.Error())
		return
	}
	snap, ok := s.riskMon.Snapshot(accountID)
	if !ok {
		writeError(w, http.StatusNotFound, "no_snapshot", "risk has not been computed for this account yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
