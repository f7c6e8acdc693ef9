package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eddiefleurent/topstepx-engine/internal/models"
	"github.com/eddiefleurent/topstepx-engine/internal/orders"
)

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
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
	out := make([]models.Order, 0, len(snap.Orders))
	for _, o := range snap.Orders {
		if !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// placeOrderRequest is the REST order-placement schema.
type placeOrderRequest struct {
	AccountID       string             `json:"account_id"`
	Symbol          string             `json:"symbol"`
	Side            models.Side        `json:"side"`
	Quantity        int                `json:"quantity"`
	OrderType       string             `json:"order_type"`
	LimitPrice      *float64           `json:"limit_price,omitempty"`
	StopPrice       *float64           `json:"stop_price,omitempty"`
	StopLossTicks   *float64           `json:"stop_loss_ticks,omitempty"`
	TakeProfitTicks *float64           `json:"take_profit_ticks,omitempty"`
	StopLossPrice   *float64           `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *float64           `json:"take_profit_price,omitempty"`
	EnableBracket   bool               `json:"enable_bracket,omitempty"`
	EnableBreakeven bool               `json:"enable_breakeven,omitempty"`
	ReduceOnly      bool               `json:"reduce_only,omitempty"`
	TimeInForce     models.TimeInForce `json:"time_in_force,omitempty"`
}

func (req *placeOrderRequest) validate() error {
	if req.Symbol == "" {
		return models.NewTradeError(models.ErrInvalidInput, "symbol is required", nil)
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return models.NewTradeError(models.ErrInvalidInput, "side must be BUY or SELL", nil)
	}
	if req.Quantity < 1 {
		return models.NewTradeError(models.ErrInvalidInput, "quantity must be >= 1", nil)
	}
	switch req.OrderType {
	case "market", "limit", "stop":
	default:
		return models.NewTradeError(models.ErrInvalidInput, "order_type must be market, limit or stop", nil)
	}
	if req.StopLossTicks != nil && req.StopLossPrice != nil {
		return models.NewTradeError(models.ErrInvalidInput, "stop_loss_ticks and stop_loss_price are mutually exclusive", nil)
	}
	if req.TakeProfitTicks != nil && req.TakeProfitPrice != nil {
		return models.NewTradeError(models.ErrInvalidInput, "take_profit_ticks and take_profit_price are mutually exclusive", nil)
	}
	if req.OrderType == "stop" && req.EnableBracket && (req.StopLossTicks != nil || req.TakeProfitTicks != nil) {
		return models.NewTradeError(models.ErrInvalidInput, "stop-entry brackets require stop_loss_price/take_profit_price, not ticks", nil)
	}
	if req.OrderType == "stop" && req.StopPrice == nil {
		return models.NewTradeError(models.ErrInvalidInput, "stop_price is required for stop orders", nil)
	}
	if req.OrderType == "limit" && req.LimitPrice == nil {
		return models.NewTradeError(models.ErrInvalidInput, "limit_price is required for limit orders", nil)
	}
	if req.TimeInForce != "" && req.TimeInForce != models.TIFDay && req.TimeInForce != models.TIFGTC {
		return models.NewTradeError(models.ErrInvalidInput, "time_in_force must be DAY or GTC", nil)
	}
	return nil
}

// resolveTicks converts a ticks-relative offset into an absolute
// price around ref, honoring direction by side: a long's stop sits
// below entry and its target above, a short's the reverse.
func resolveTicks(side models.Side, ref, tickSize float64, slTicks, tpTicks *float64) (sl, tp *float64) {
	dir := 1.0
	if side == models.SideSell {
		dir = -1.0
	}
	if slTicks != nil {
		v := ref - dir*(*slTicks)*tickSize
		sl = &v
	}
	if tpTicks != nil {
		v := ref + dir*(*tpTicks)*tickSize
		tp = &v
	}
	return sl, tp
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
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
	if err := req.validate(); err != nil {
		writeTradeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	contract, err := s.brokerC.GetContract(ctx, req.Symbol)
	if err != nil {
		writeTradeError(w, err)
		return
	}

	var order models.Order
	switch req.OrderType {
	case "stop":
		sl, tp := req.StopLossPrice, req.TakeProfitPrice
		order, err = s.orderMgr.SubmitStopEntry(ctx, req.AccountID, req.Symbol, req.Side, req.Quantity,
			*req.StopPrice, derefOr(sl, 0), derefOr(tp, 0), contract.TickSize)
	default:
		opts := orders.BracketOpts{TickSize: contract.TickSize}
		if req.EnableBracket {
			sl, tp := req.StopLossPrice, req.TakeProfitPrice
			if req.StopLossTicks != nil || req.TakeProfitTicks != nil {
				ref, refErr := s.referencePrice(ctx, req.Symbol)
				if refErr != nil {
					writeTradeError(w, refErr)
					return
				}
				sl, tp = resolveTicks(req.Side, ref, contract.TickSize, req.StopLossTicks, req.TakeProfitTicks)
			}
			opts.StopLoss, opts.TakeProfit = sl, tp
		}
		order, err = s.orderMgr.SubmitMarket(ctx, req.AccountID, req.Symbol, req.Side, req.Quantity, opts)
	}
	if err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func derefOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// referencePrice returns the most recent 1-minute close for symbol,
// used to convert tick-relative bracket offsets on market orders
// where no resting limit/stop price exists to offset from.
func (s *Server) referencePrice(ctx context.Context, symbol string) (float64, error) {
	bars, err := s.hist.Get(ctx, symbol, models.Timeframe{Value: 1, Unit: models.UnitMinute}, emptyRange())
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, models.NewTradeError(models.ErrInvalidInput, "no recent price available to resolve tick offsets", nil)
	}
	return bars[len(bars)-1].Close, nil
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.orderMgr.CancelOrder(ctx, id); err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleCancelAllOrders(w http.ResponseWriter, r *http.Request) {
	accountID := s.resolveAccountID(r)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", errAccountRequired.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.orderMgr.CancelAll(ctx, accountID); err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
