package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
	"github.com/eddiefleurent/topstepx-engine/internal/orders"
)

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	snaps := s.accts.Snapshots()
	accts := make([]models.Account, 0, len(snaps))
	for _, snap := range snaps {
		accts = append(accts, snap.Account)
	}
	writeJSON(w, http.StatusOK, accts)
}

func (s *Server) handleSwitchAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.accts.Snapshot(id); !ok {
		writeError(w, http.StatusNotFound, "unknown_account", "unknown account id")
		return
	}
	s.setSelectedAccount(id)
	writeJSON(w, http.StatusOK, map[string]string{"selected_account_id": id})
}

func (s *Server) handleSelectedAccount(w http.ResponseWriter, r *http.Request) {
	id := s.SelectedAccount()
	if id == "" {
		writeError(w, http.StatusNotFound, "no_account", "no account is tracked yet")
		return
	}
	snap, ok := s.accts.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_account", "unknown account id")
		return
	}
	writeJSON(w, http.StatusOK, snap.Account)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	accountID := s.resolveAccountID(r)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", errAccountRequired.Error())
		return
	}
	snap, ok := s.accts.Snapshot(accountID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_account", "unknown account id")
		return
	}
	positions := make([]models.Position, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		if p.IsFlat() {
			continue
		}
		positions = append(positions, p)
	}
	writeJSON(w, http.StatusOK, positions)
}

type closePositionRequest struct {
	Quantity *int `json:"quantity,omitempty"`
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "id")
	accountID := s.resolveAccountID(r)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", errAccountRequired.Error())
		return
	}

	var req closePositionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	pos, ok := s.accts.PositionFor(accountID, symbol)
	if !ok || pos.IsFlat() {
		writeError(w, http.StatusNotFound, "unknown_position", "no open position for symbol")
		return
	}

	if req.Quantity == nil || *req.Quantity >= pos.Quantity {
		if err := s.orderMgr.FlattenSymbol(ctx, accountID, symbol); err != nil {
			writeTradeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "closing"})
		return
	}

	if *req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "quantity must be > 0")
		return
	}
	closingSide := models.SideSell
	if pos.Side == models.PositionShort {
		closingSide = models.SideBuy
	}
	if _, err := s.orderMgr.SubmitMarket(ctx, accountID, symbol, closingSide, *req.Quantity, orders.BracketOpts{}); err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closing_partial"})
}

func (s *Server) handleFlattenAll(w http.ResponseWriter, r *http.Request) {
	accountID := s.resolveAccountID(r)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", errAccountRequired.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.orderMgr.FlattenAll(ctx, accountID); err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "flattening"})
}
