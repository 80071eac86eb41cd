/*
handlers.go - HTTP handlers for the loyalty ledger

PURPOSE:
  Exposes the ledger via REST. Handles HTTP request/response, JSON
  serialization, and delegates to the ledger operations. The ledger's
  correctness does not depend on anything here; this layer is thin glue.

ENDPOINTS:
  POST /api/loyalty/award             Award referral points
  POST /api/loyalty/spend             Record a spend (with early release)
  POST /api/loyalty/withdraw          Claw back pending top-up points
  GET  /api/loyalty/{wallet}/balance  Balance snapshot
  GET  /api/loyalty/{wallet}/events   Event history
  POST /api/admin/topups              Insert a time-locked top-up batch
  POST /api/admin/release             Run both release sweeps now

ERROR HANDLING:
  - 400: Validation errors (permanent rejections; fix the input)
  - 404: Missing lock/batch
  - 500: Store/transaction failures (caller may retry)
  Idempotent replays are 200s carrying the zero-effect result.

SEE ALSO:
  - dto.go: Request/response shapes
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/olympay/loyalty-engine/loyalty"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *loyalty.Ledger
}

// NewHandler creates a new handler around the given ledger.
func NewHandler(ledger *loyalty.Ledger) *Handler {
	return &Handler{Ledger: ledger}
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// Award grants referral points.
// POST /api/loyalty/award
func (h *Handler) Award(w http.ResponseWriter, r *http.Request) {
	var req AwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Ledger.AwardReferralPoints(r.Context(), loyalty.AwardInput{
		Wallet:       loyalty.WalletID(req.WalletAddress),
		Amount:       req.Amount,
		RedemptionID: req.RedemptionID,
		Meta:         req.Meta,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AwardResponse{
		OK:      true,
		Awarded: res.Awarded,
		Balance: toBalanceDTO(res.Balance),
	})
}

// Spend records a spend-equivalent event.
// POST /api/loyalty/spend
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	var req SpendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amountUSD, err := decimal.NewFromString(req.AmountUSD)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amountUsd", err)
		return
	}

	res, err := h.Ledger.SpendPoints(r.Context(), loyalty.SpendInput{
		Wallet:     loyalty.WalletID(req.WalletAddress),
		AmountUSD:  amountUSD,
		OrderID:    req.OrderID,
		MaxBatches: req.MaxBatches,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SpendResponse{
		OK:               true,
		MatchedFromTopup: res.MatchedFromTopup,
		Balance:          toBalanceDTO(res.Balance),
	})
}

// Withdraw claws back pending top-up points.
// POST /api/loyalty/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amountUSD, err := decimal.NewFromString(req.AmountUSD)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amountUsd", err)
		return
	}

	res, err := h.Ledger.WithdrawTopup(r.Context(), loyalty.WithdrawInput{
		Wallet:     loyalty.WalletID(req.WalletAddress),
		AmountUSD:  amountUSD,
		WithdrawID: req.WithdrawID,
		MaxBatches: req.MaxBatches,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, WithdrawResponse{
		OK:        true,
		Withdrawn: res.Withdrawn,
		Balance:   toBalanceDTO(res.Balance),
	})
}

// GetBalance returns the current balance snapshot for a wallet.
// GET /api/loyalty/{wallet}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	wallet := loyalty.WalletID(chi.URLParam(r, "wallet"))

	bal, err := h.Ledger.BalanceSnapshot(r.Context(), wallet)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// GetEvents returns recent ledger events for a wallet, newest first.
// GET /api/loyalty/{wallet}/events
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	wallet := loyalty.WalletID(chi.URLParam(r, "wallet"))

	events, err := h.Ledger.Events(r.Context(), wallet, 0)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateTopup inserts a time-locked top-up batch and credits pending.
// This is the write path normally driven by deposit/promotion flows.
// POST /api/admin/topups
func (h *Handler) CreateTopup(w http.ResponseWriter, r *http.Request) {
	var req TopupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	unlockAt, err := time.Parse(time.RFC3339, req.UnlockAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unlockAt (use RFC3339)", err)
		return
	}

	batch, err := h.Ledger.GrantTopup(r.Context(), loyalty.WalletID(req.WalletAddress), req.Amount, unlockAt, time.Time{})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, TopupResponse{
		OK:       true,
		BatchID:  batch.ID,
		Amount:   batch.Amount,
		UnlockAt: batch.UnlockAt.Format(time.RFC3339),
	})
}

// TriggerRelease runs both release sweeps immediately.
// POST /api/admin/release
func (h *Handler) TriggerRelease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	locks, err := h.Ledger.ReleaseDueLocks(ctx, loyalty.SweepInput{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Lock sweep failed", err)
		return
	}
	res, err := h.Ledger.ReleasePendingDue(ctx, loyalty.SweepInput{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Pending sweep failed", err)
		return
	}

	writeJSON(w, http.StatusOK, ReleaseResponse{
		OK:             true,
		LocksProcessed: locks,
		Processed:      res.Processed,
		ReleasedTotal:  res.ReleasedTotal,
	})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case loyalty.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid input", err)
	case loyalty.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	default:
		writeError(w, http.StatusInternalServerError, "Ledger operation failed", err)
	}
}
