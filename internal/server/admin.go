package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"signal_router/internal/core"
	"signal_router/internal/lifecycle"
	apperrors "signal_router/pkg/errors"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const balanceFetchLimit = 4

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Reconciler.TriggerManual(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, err := s.deps.Store.ListAll(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	trades := make([]*core.TrackedTrade, 0, len(ids))
	var unreadable []string
	for _, id := range ids {
		t, err := s.deps.Store.Get(ctx, id)
		switch {
		case err == nil:
			trades = append(trades, t)
		case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrCorruptRecord):
			unreadable = append(unreadable, id)
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].AccountID != trades[j].AccountID {
			return trades[i].AccountID < trades[j].AccountID
		}
		return trades[i].SignalID < trades[j].SignalID
	})

	resp := map[string]interface{}{"trades": trades, "count": len(trades)}
	if len(unreadable) > 0 {
		resp["unreadable"] = unreadable
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleManual(w http.ResponseWriter, r *http.Request) {
	var m lifecycle.ManualTrade
	if err := decodeBody(w, r, &m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	trade, err := s.deps.Manual.RegisterManual(r.Context(), m)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, trade)
	case errors.Is(err, apperrors.ErrInvalidEvent), errors.Is(err, apperrors.ErrUnknownAccount):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperrors.ErrSlotOccupied), errors.Is(err, apperrors.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type accountSlots struct {
	AccountID   int             `json:"account_id"`
	PendingRisk decimal.Decimal `json:"pending_risk"`
	Slots       []string        `json:"slots"`
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := make([]accountSlots, 0, len(s.deps.Accounts.IDs()))
	for _, id := range s.deps.Accounts.IDs() {
		slots, err := s.deps.Ledger.Slots(ctx, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		pending, err := s.deps.Ledger.PendingRisk(ctx, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		keys := make([]string, 0, len(slots))
		for _, sl := range slots {
			keys = append(keys, sl.Key())
		}
		sort.Strings(keys)
		out = append(out, accountSlots{AccountID: id, PendingRisk: pending, Slots: keys})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRisk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.deps.Ledger.RiskConfig(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pending := make(map[int]decimal.Decimal)
	for _, id := range s.deps.Accounts.IDs() {
		p, err := s.deps.Ledger.PendingRisk(ctx, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		pending[id] = p
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"config": cfg, "pending": pending})
}

func (s *Server) handlePutRisk(w http.ResponseWriter, r *http.Request) {
	var cfg core.RiskConfig
	if err := decodeBody(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.deps.Ledger.SetRiskConfig(r.Context(), cfg); err != nil {
		if errors.Is(err, apperrors.ErrInvalidConfig) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("Risk config updated", "fixed_risk_usd", cfg.FixedRiskUSD.String(), "buffer_percentage", cfg.BufferPercentage.String())
	s.notify(r.Context(), core.SeverityInfo, "Risk settings updated",
		"Risk per trade: "+cfg.FixedRiskUSD.StringFixed(2)+" USD, buffer: "+cfg.BufferPercentage.Mul(decimal.NewFromInt(100)).String()+"%", nil)
	writeJSON(w, http.StatusOK, cfg)
}

type accountBalance struct {
	*core.Balance
	AccountID int    `json:"account_id"`
	Error     string `json:"error,omitempty"`
}

// handleBalances queries every account; one failing account does not fail the response
func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	ids := s.deps.Accounts.IDs()
	out := make([]accountBalance, len(ids))

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(balanceFetchLimit)
	for i, id := range ids {
		g.Go(func() error {
			out[i].AccountID = id
			client, ok := s.deps.Accounts.Get(id)
			if !ok {
				out[i].Error = apperrors.ErrUnknownAccount.Error()
				return nil
			}
			bal, err := client.GetBalance(ctx)
			if err != nil {
				out[i].Error = err.Error()
				return nil
			}
			out[i].Balance = bal
			return nil
		})
	}
	_ = g.Wait()

	total := decimal.Zero
	for _, b := range out {
		if b.Balance != nil {
			total = total.Add(b.Equity)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": out, "total_equity": total})
}

// transferRequest addresses accounts by id; 0 is the main account
type transferRequest struct {
	From   int             `json:"from"`
	To     int             `json:"to"`
	Amount decimal.Decimal `json:"amount"`
	Coin   string          `json:"coin"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.From == req.To {
		writeError(w, http.StatusBadRequest, "from and to must differ")
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if req.Coin == "" {
		req.Coin = "USDT"
	}

	fromMember, ok := s.deps.Accounts.MemberID(req.From)
	if !ok || fromMember == 0 {
		writeError(w, http.StatusBadRequest, "no member id for account "+strconv.Itoa(req.From))
		return
	}
	toMember, ok := s.deps.Accounts.MemberID(req.To)
	if !ok || toMember == 0 {
		writeError(w, http.StatusBadRequest, "no member id for account "+strconv.Itoa(req.To))
		return
	}
	_, main, ok := s.deps.Accounts.Primary()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no account configured")
		return
	}

	transferID, err := main.Transfer(r.Context(), core.TransferRequest{
		FromMemberID: fromMember,
		ToMemberID:   toMember,
		Coin:         strings.ToUpper(req.Coin),
		Amount:       req.Amount,
	})
	if err != nil {
		s.logger.Error("Transfer failed", "from", req.From, "to", req.To, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.notify(r.Context(), core.SeverityInfo, "Funds transferred",
		req.Amount.String()+" "+strings.ToUpper(req.Coin)+" from "+accountLabel(req.From)+" to "+accountLabel(req.To),
		map[string]string{"transfer_id": transferID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "transferId": transferID})
}

func accountLabel(id int) string {
	if id == 0 {
		return "Main"
	}
	return "Sub-" + strconv.Itoa(id)
}

type resetRequest struct {
	Confirm bool `json:"confirm"`
}

// handleReset wipes tracked trades, slots and pending risk, and restores the default risk config.
// Venue orders and positions are not touched.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeBody(w, r, &req); err != nil || !req.Confirm {
		writeError(w, http.StatusBadRequest, `reset requires {"confirm": true}`)
		return
	}

	ctx := r.Context()
	if err := s.deps.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.deps.Ledger.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Warn("State reset performed", "remote_addr", r.RemoteAddr)
	s.notify(ctx, core.SeverityWarning, "Full state reset performed",
		"Tracked trades, slots and pending risk cleared. Risk config restored to defaults.", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) notify(ctx context.Context, sev core.Severity, title, msg string, fields map[string]string) {
	if s.deps.Notifier == nil {
		return
	}
	s.deps.Notifier.Notify(ctx, core.Notification{Severity: sev, Title: title, Message: msg, Fields: fields})
}
