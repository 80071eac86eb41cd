/*
Package loyalty implements the OlymPay points ledger.

PURPOSE:
  This package contains the domain types and operations for the loyalty
  points system: awarding referral points, recording spends, releasing
  time-locked top-up batches, and clawing back unspent promotional credit.

KEY CONCEPTS IN THIS FILE (types.go):
  - WalletID: Opaque wallet identity, hashed before storage
  - Balance: The three-bucket model (spendable / pending / lifetime)
  - TopupBatch: Time-locked pending points, drained FIFO
  - Event: Immutable audit record of every balance change
  - RateSpend: The single USD-to-points conversion rate

BALANCE MODEL:
  spendable - points immediately usable
  pending   - points waiting on a time-lock
  lifetime  - activity volume: grows on BOTH award and spend, shrinks only
              on withdraw. It is NOT "total earned"; keep that in mind when
              reporting on it.

SEE ALSO:
  - ledger.go: The operations that mutate balances
  - store.go: Persistence interfaces
*/
package loyalty

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// WALLET IDENTITY
// =============================================================================

// WalletID is an opaque wallet identity as supplied by callers.
type WalletID string

// WalletKey is the hashed form of a WalletID, used as the storage key.
// Raw wallet addresses are never persisted as primary keys.
type WalletKey string

// HashWallet derives the storage key for a wallet identity.
// One-way and deterministic: the same wallet always maps to the same key.
func HashWallet(w WalletID) WalletKey {
	sum := sha256.Sum256([]byte(w))
	return WalletKey(hex.EncodeToString(sum[:]))
}

// =============================================================================
// CONVERSION RATE
// =============================================================================

// RateSpend converts a USD amount into points for SpendPoints and
// WithdrawTopup. Points are plain integers; the decimal is only used for
// the conversion itself, then truncated.
var RateSpend = decimal.NewFromInt(10)

// PointsFromUSD applies RateSpend and truncates to an integer point amount.
func PointsFromUSD(usd decimal.Decimal) int64 {
	return usd.Mul(RateSpend).IntPart()
}

// =============================================================================
// BALANCE - One row per wallet, three buckets
// =============================================================================

// Balance is the current point totals for one wallet.
//
// INVARIANTS:
//   - Spendable >= 0 and Pending >= 0 after every operation
//   - Lifetime decreases only through WithdrawTopup
type Balance struct {
	Spendable int64     `json:"spendable"`
	Pending   int64     `json:"pending"`
	Lifetime  int64     `json:"lifetime"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// =============================================================================
// TOPUP BATCH - Time-locked pending points, drained FIFO
// =============================================================================

// TopupBatch is a block of pending points awaiting its unlock time.
// Batches are consumed oldest-first and never deleted: a drained batch
// sits at Remaining = 0 forever.
type TopupBatch struct {
	ID        string
	WalletKey WalletKey
	Amount    int64 // original batch size
	Remaining int64 // 0 <= Remaining <= Amount
	CreatedAt time.Time
	UnlockAt  time.Time
}

// =============================================================================
// LOCK - Legacy release path
// =============================================================================

// Lock is the legacy representation of time-locked points, kept for
// compatibility with data written before top-up batches existed.
// ReleasePendingDue over TopupBatch is the canonical release path.
type Lock struct {
	ID        string
	WalletKey WalletKey
	Amount    int64
	UnlockAt  time.Time
	Released  bool
}

// =============================================================================
// EVENT - Append-only audit trail
// =============================================================================

type EventType string

const (
	EventAward    EventType = "AWARD"
	EventSpend    EventType = "SPEND"
	EventRelease  EventType = "RELEASE"
	EventWithdraw EventType = "WITHDRAW"
)

// Event records a single balance-affecting operation. The ledger only ever
// appends events; it never reads them back.
type Event struct {
	ID        string
	WalletKey WalletKey
	Type      EventType
	Amount    int64
	CreatedAt time.Time
	Meta      map[string]string
}

// =============================================================================
// IDEMPOTENCY KEYS
// =============================================================================

// Idempotency marker keys are "{TYPE}_{externalID}". The marker is created
// in the same transaction as the balance mutation, so a retried call with
// the same external ID becomes a safe no-op.
func awardKey(redemptionID string) string  { return "AWARD_" + redemptionID }
func spendKey(orderID string) string       { return "SPEND_" + orderID }
func withdrawKey(withdrawID string) string { return "WITHDRAW_" + withdrawID }
