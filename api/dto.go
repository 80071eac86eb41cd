/*
dto.go - Request/response data structures for the HTTP API

PURPOSE:
  JSON shapes exchanged with clients. Kept separate from domain types so
  the wire format can evolve without touching the ledger.

CONVENTIONS:
  - USD amounts travel as strings ("12.50") and are parsed with decimal
    to avoid float drift before the rate conversion
  - Point amounts are plain integers
  - Timestamps are RFC3339

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/olympay/loyalty-engine/loyalty"
)

// =============================================================================
// REQUESTS
// =============================================================================

type AwardRequest struct {
	WalletAddress string            `json:"walletAddress"`
	Amount        int64             `json:"amount"`
	RedemptionID  string            `json:"redemptionId"`
	Meta          map[string]string `json:"meta,omitempty"`
}

type SpendRequest struct {
	WalletAddress string `json:"walletAddress"`
	AmountUSD     string `json:"amountUsd"`
	OrderID       string `json:"orderId,omitempty"`
	MaxBatches    int    `json:"maxBatchesToScan,omitempty"`
}

type WithdrawRequest struct {
	WalletAddress string `json:"walletAddress"`
	AmountUSD     string `json:"amountUsd"`
	WithdrawID    string `json:"withdrawId,omitempty"`
	MaxBatches    int    `json:"maxBatchesToScan,omitempty"`
}

type TopupRequest struct {
	WalletAddress string `json:"walletAddress"`
	Amount        int64  `json:"amount"`
	UnlockAt      string `json:"unlockAt"` // RFC3339
}

// =============================================================================
// RESPONSES
// =============================================================================

type BalanceDTO struct {
	Spendable int64  `json:"spendable"`
	Pending   int64  `json:"pending"`
	Lifetime  int64  `json:"lifetime"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

type AwardResponse struct {
	OK      bool       `json:"ok"`
	Awarded int64      `json:"awarded"`
	Balance BalanceDTO `json:"balance"`
}

type SpendResponse struct {
	OK               bool       `json:"ok"`
	MatchedFromTopup int64      `json:"matchedFromTopup"`
	Balance          BalanceDTO `json:"balance"`
}

type WithdrawResponse struct {
	OK        bool       `json:"ok"`
	Withdrawn int64      `json:"withdrawn"`
	Balance   BalanceDTO `json:"balance"`
}

type ReleaseResponse struct {
	OK             bool  `json:"ok"`
	LocksProcessed int   `json:"locksProcessed"`
	Processed      int   `json:"processed"`
	ReleasedTotal  int64 `json:"releasedTotal"`
}

type TopupResponse struct {
	OK       bool   `json:"ok"`
	BatchID  string `json:"batchId"`
	Amount   int64  `json:"amount"`
	UnlockAt string `json:"unlockAt"`
}

type EventDTO struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Amount    int64             `json:"amount"`
	CreatedAt string            `json:"createdAt"`
	Meta      map[string]string `json:"meta,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toBalanceDTO(b loyalty.Balance) BalanceDTO {
	dto := BalanceDTO{
		Spendable: b.Spendable,
		Pending:   b.Pending,
		Lifetime:  b.Lifetime,
	}
	if !b.UpdatedAt.IsZero() {
		dto.UpdatedAt = b.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

func toEventDTOs(events []loyalty.Event) []EventDTO {
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = EventDTO{
			ID:        e.ID,
			Type:      string(e.Type),
			Amount:    e.Amount,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
			Meta:      e.Meta,
		}
	}
	return dtos
}
