/*
ledger.go - Loyalty ledger operations

PURPOSE:
  The orchestration layer. Each public operation composes reads and writes
  across the balance row, the top-up batches, the idempotency markers, and
  the event log inside a single store transaction.

OPERATIONS:
  AwardReferralPoints - grant points straight to spendable
  SpendPoints         - record a spend and early-release matching pending
  ReleaseDueLocks     - sweep the legacy locks collection
  ReleasePendingDue   - sweep due top-up batches (canonical release path)
  WithdrawTopup       - claw back unspent promotional credit
  BalanceSnapshot     - read-only balance view

ATOMICITY:
  One operation = one transaction, except the two sweeps, which use one
  transaction per lock/batch. That bounds transaction size but gives up
  all-or-nothing semantics across a page: a failed item is skipped and
  retried on the next sweep.

IDEMPOTENCY:
  Operations carrying an external ID create a marker inside the same
  transaction as the mutation. A replayed call gets the duplicate-key
  error from the store, which the operation converts into a zero-effect
  success returning the current balance.

SPEND / EARLY RELEASE:
  SpendPoints does NOT debit spendable. It credits the spend amount AND
  treats the spend as proof of activity that releases up to the same
  amount of still-locked pending batches early (FIFO). This coupling is
  intentional product behavior; see the matchedFromTopup and
  instantRelease fields on SPEND events.

SEE ALSO:
  - store.go: The persistence contract these operations are written against
  - types.go: Balance / batch / event shapes
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER
// =============================================================================

const (
	// DefaultMaxBatches bounds how many open batches a single spend or
	// withdraw will scan.
	DefaultMaxBatches = 200

	// DefaultPageSize bounds how many due locks/batches one sweep processes.
	DefaultPageSize = 100
)

// Ledger exposes the loyalty operations over an injected store.
type Ledger struct {
	store TxStore
}

func NewLedger(store TxStore) *Ledger {
	return &Ledger{store: store}
}

var eventSeq uint64

func newEventID() string {
	return fmt.Sprintf("evt-%d-%d", time.Now().UnixNano(), atomic.AddUint64(&eventSeq, 1))
}

// =============================================================================
// AWARD
// =============================================================================

type AwardInput struct {
	Wallet       WalletID
	Amount       int64
	RedemptionID string
	Meta         map[string]string
	Now          time.Time // zero = time.Now().UTC()
}

type AwardResult struct {
	Awarded int64   `json:"awarded"`
	Balance Balance `json:"balance"`
}

// AwardReferralPoints grants Amount points directly to spendable (no
// time-lock). Idempotent on RedemptionID: a replay returns Awarded = 0 and
// the current balance without error.
func (l *Ledger) AwardReferralPoints(ctx context.Context, in AwardInput) (AwardResult, error) {
	if in.Wallet == "" {
		return AwardResult{}, &ValidationError{Field: "wallet", Reason: ErrMissingWallet}
	}
	if in.Amount <= 0 {
		return AwardResult{}, &ValidationError{Field: "amount", Reason: ErrInvalidAmount}
	}
	if in.RedemptionID == "" {
		return AwardResult{}, &ValidationError{Field: "redemptionId", Reason: ErrMissingExternalID}
	}

	key := HashWallet(in.Wallet)
	now := orNow(in.Now)

	var after Balance
	err := l.store.WithTx(ctx, func(s Store) error {
		if err := s.CreateMarker(ctx, awardKey(in.RedemptionID)); err != nil {
			return err
		}

		bal, err := balanceOrZero(ctx, s, key)
		if err != nil {
			return err
		}
		bal.Spendable += in.Amount
		bal.Lifetime += in.Amount
		bal.UpdatedAt = now
		if err := s.PutBalance(ctx, key, bal); err != nil {
			return err
		}

		meta := mergeMeta(in.Meta, map[string]string{
			"redemptionId": in.RedemptionID,
			"reason":       "referral invite",
		})
		if err := s.AppendEvent(ctx, Event{
			ID:        newEventID(),
			WalletKey: key,
			Type:      EventAward,
			Amount:    in.Amount,
			CreatedAt: now,
			Meta:      meta,
		}); err != nil {
			return err
		}

		after = bal
		return nil
	})

	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		bal, serr := l.BalanceSnapshot(ctx, in.Wallet)
		if serr != nil {
			return AwardResult{}, serr
		}
		return AwardResult{Awarded: 0, Balance: bal}, nil
	}
	if err != nil {
		return AwardResult{}, err
	}
	return AwardResult{Awarded: in.Amount, Balance: after}, nil
}

// =============================================================================
// SPEND
// =============================================================================

type SpendInput struct {
	Wallet     WalletID
	AmountUSD  decimal.Decimal
	OrderID    string // optional; enables idempotency
	MaxBatches int    // 0 = DefaultMaxBatches
	Now        time.Time
}

type SpendResult struct {
	MatchedFromTopup int64   `json:"matchedFromTopup"`
	Balance          Balance `json:"balance"`
}

// SpendPoints records a spend of PointsFromUSD(AmountUSD) points and
// early-releases up to that many points of pending top-up batches, FIFO by
// creation time. Spendable increases by amount + matched; pending decreases
// by matched (clamped at zero); lifetime increases by amount.
func (l *Ledger) SpendPoints(ctx context.Context, in SpendInput) (SpendResult, error) {
	if in.Wallet == "" {
		return SpendResult{}, &ValidationError{Field: "wallet", Reason: ErrMissingWallet}
	}
	amount := PointsFromUSD(in.AmountUSD)
	if amount == 0 {
		return SpendResult{}, &ValidationError{Field: "amountUsd", Reason: ErrInvalidAmount}
	}
	maxBatches := in.MaxBatches
	if maxBatches <= 0 {
		maxBatches = DefaultMaxBatches
	}

	key := HashWallet(in.Wallet)
	now := orNow(in.Now)

	var (
		after   Balance
		matched int64
	)
	err := l.store.WithTx(ctx, func(s Store) error {
		if in.OrderID != "" {
			if err := s.CreateMarker(ctx, spendKey(in.OrderID)); err != nil {
				return err
			}
		}

		bal, err := balanceOrZero(ctx, s, key)
		if err != nil {
			return err
		}
		pendingBefore := bal.Pending

		// A spend can never release more than is pending.
		toMatch := min(amount, pendingBefore)

		batches, err := s.OpenBatches(ctx, key, maxBatches)
		if err != nil {
			return err
		}
		for _, b := range batches {
			if toMatch <= 0 {
				break
			}
			take := min(b.Remaining, toMatch)
			if take <= 0 {
				continue
			}
			if err := s.UpdateBatchRemaining(ctx, b.ID, b.Remaining-take); err != nil {
				return err
			}
			matched += take
			toMatch -= take
		}

		bal.Spendable += amount + matched
		bal.Pending = max(int64(0), pendingBefore-matched)
		bal.Lifetime += amount
		bal.UpdatedAt = now
		if err := s.PutBalance(ctx, key, bal); err != nil {
			return err
		}

		meta := map[string]string{
			"matchedFromTopup": fmt.Sprintf("%d", matched),
			"instantRelease":   "true",
		}
		if in.OrderID != "" {
			meta["orderId"] = in.OrderID
		}
		if err := s.AppendEvent(ctx, Event{
			ID:        newEventID(),
			WalletKey: key,
			Type:      EventSpend,
			Amount:    amount,
			CreatedAt: now,
			Meta:      meta,
		}); err != nil {
			return err
		}

		after = bal
		return nil
	})

	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		bal, serr := l.BalanceSnapshot(ctx, in.Wallet)
		if serr != nil {
			return SpendResult{}, serr
		}
		return SpendResult{MatchedFromTopup: 0, Balance: bal}, nil
	}
	if err != nil {
		return SpendResult{}, err
	}
	return SpendResult{MatchedFromTopup: matched, Balance: after}, nil
}

// =============================================================================
// RELEASE SWEEPS
// =============================================================================

type SweepInput struct {
	Now      time.Time // zero = time.Now().UTC()
	PageSize int       // 0 = DefaultPageSize
}

type SweepResult struct {
	Processed     int   `json:"processed"`
	ReleasedTotal int64 `json:"releasedTotal"`
}

// ReleaseDueLocks promotes pending points held in the legacy locks
// collection whose unlock time has passed. One transaction per lock; a
// failed item is skipped (and retried on the next sweep) without affecting
// the rest of the page. Per-item errors are joined into the returned error.
func (l *Ledger) ReleaseDueLocks(ctx context.Context, in SweepInput) (int, error) {
	now := orNow(in.Now)
	pageSize := orPageSize(in.PageSize)

	locks, err := l.store.DueLocks(ctx, now, pageSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	var itemErrs []error
	for _, lock := range locks {
		lockID := lock.ID
		applied := false
		err := l.store.WithTx(ctx, func(s Store) error {
			cur, err := s.GetLock(ctx, lockID)
			if err != nil {
				return err
			}
			// Re-check inside the transaction: another sweep may have won.
			if cur.Released {
				return nil
			}
			if err := s.MarkLockReleased(ctx, lockID); err != nil {
				return err
			}

			bal, err := balanceOrZero(ctx, s, cur.WalletKey)
			if err != nil {
				return err
			}
			bal.Spendable += cur.Amount
			bal.UpdatedAt = now
			if err := s.PutBalance(ctx, cur.WalletKey, bal); err != nil {
				return err
			}

			if err := s.AppendEvent(ctx, Event{
				ID:        newEventID(),
				WalletKey: cur.WalletKey,
				Type:      EventRelease,
				Amount:    cur.Amount,
				CreatedAt: now,
				Meta:      map[string]string{"lockId": lockID},
			}); err != nil {
				return err
			}
			applied = true
			return nil
		})
		if err != nil {
			itemErrs = append(itemErrs, fmt.Errorf("lock %s: %w", lockID, err))
			continue
		}
		if applied {
			processed++
		}
	}
	return processed, errors.Join(itemErrs...)
}

// ReleasePendingDue promotes due top-up batches: for each batch with
// UnlockAt <= now and Remaining > 0, the full remaining amount moves from
// pending to spendable and the batch is zeroed. One transaction per batch;
// re-running immediately processes nothing, since zeroed batches no longer
// match.
func (l *Ledger) ReleasePendingDue(ctx context.Context, in SweepInput) (SweepResult, error) {
	now := orNow(in.Now)
	pageSize := orPageSize(in.PageSize)

	batches, err := l.store.DueBatches(ctx, now, pageSize)
	if err != nil {
		return SweepResult{}, err
	}

	var result SweepResult
	var itemErrs []error
	for _, b := range batches {
		if b.Remaining <= 0 {
			continue
		}
		batchID := b.ID
		var released int64
		err := l.store.WithTx(ctx, func(s Store) error {
			cur, err := s.GetBatch(ctx, batchID)
			if err != nil {
				return err
			}
			if cur.Remaining <= 0 {
				return nil
			}
			rem := cur.Remaining
			if err := s.UpdateBatchRemaining(ctx, batchID, 0); err != nil {
				return err
			}

			bal, err := balanceOrZero(ctx, s, cur.WalletKey)
			if err != nil {
				return err
			}
			bal.Spendable += rem
			bal.Pending = max(int64(0), bal.Pending-rem)
			bal.UpdatedAt = now
			if err := s.PutBalance(ctx, cur.WalletKey, bal); err != nil {
				return err
			}

			if err := s.AppendEvent(ctx, Event{
				ID:        newEventID(),
				WalletKey: cur.WalletKey,
				Type:      EventRelease,
				Amount:    rem,
				CreatedAt: now,
				Meta:      map[string]string{"kind": "pending", "batchId": batchID},
			}); err != nil {
				return err
			}
			released = rem
			return nil
		})
		if err != nil {
			itemErrs = append(itemErrs, fmt.Errorf("batch %s: %w", batchID, err))
			continue
		}
		if released > 0 {
			result.Processed++
			result.ReleasedTotal += released
		}
	}
	return result, errors.Join(itemErrs...)
}

// =============================================================================
// WITHDRAW
// =============================================================================

type WithdrawInput struct {
	Wallet     WalletID
	AmountUSD  decimal.Decimal
	WithdrawID string // optional; enables idempotency
	MaxBatches int    // 0 = DefaultMaxBatches
	Now        time.Time
}

type WithdrawResult struct {
	Withdrawn int64   `json:"withdrawn"`
	Balance   Balance `json:"balance"`
}

// WithdrawTopup removes up to PointsFromUSD(AmountUSD) points from a
// wallet's pending top-up batches, FIFO. Withdrawn is capped at the total
// remaining across scanned batches; no batch goes negative. This is the
// only operation that decreases lifetime.
func (l *Ledger) WithdrawTopup(ctx context.Context, in WithdrawInput) (WithdrawResult, error) {
	if in.Wallet == "" {
		return WithdrawResult{}, &ValidationError{Field: "wallet", Reason: ErrMissingWallet}
	}
	amount := PointsFromUSD(in.AmountUSD)
	if amount == 0 {
		return WithdrawResult{}, &ValidationError{Field: "amountUsd", Reason: ErrInvalidAmount}
	}
	maxBatches := in.MaxBatches
	if maxBatches <= 0 {
		maxBatches = DefaultMaxBatches
	}

	key := HashWallet(in.Wallet)
	now := orNow(in.Now)

	var (
		after     Balance
		withdrawn int64
	)
	err := l.store.WithTx(ctx, func(s Store) error {
		if in.WithdrawID != "" {
			if err := s.CreateMarker(ctx, withdrawKey(in.WithdrawID)); err != nil {
				return err
			}
		}

		bal, err := balanceOrZero(ctx, s, key)
		if err != nil {
			return err
		}

		batches, err := s.OpenBatches(ctx, key, maxBatches)
		if err != nil {
			return err
		}
		toTake := amount
		for _, b := range batches {
			if toTake <= 0 {
				break
			}
			take := min(b.Remaining, toTake)
			if take <= 0 {
				continue
			}
			if err := s.UpdateBatchRemaining(ctx, b.ID, b.Remaining-take); err != nil {
				return err
			}
			withdrawn += take
			toTake -= take
		}

		bal.Pending = max(int64(0), bal.Pending-withdrawn)
		bal.Lifetime = max(int64(0), bal.Lifetime-withdrawn)
		bal.UpdatedAt = now
		if err := s.PutBalance(ctx, key, bal); err != nil {
			return err
		}

		meta := map[string]string{
			"requested": fmt.Sprintf("%d", amount),
		}
		if in.WithdrawID != "" {
			meta["withdrawId"] = in.WithdrawID
		}
		if err := s.AppendEvent(ctx, Event{
			ID:        newEventID(),
			WalletKey: key,
			Type:      EventWithdraw,
			Amount:    withdrawn,
			CreatedAt: now,
			Meta:      meta,
		}); err != nil {
			return err
		}

		after = bal
		return nil
	})

	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		bal, serr := l.BalanceSnapshot(ctx, in.Wallet)
		if serr != nil {
			return WithdrawResult{}, serr
		}
		return WithdrawResult{Withdrawn: 0, Balance: bal}, nil
	}
	if err != nil {
		return WithdrawResult{}, err
	}
	return WithdrawResult{Withdrawn: withdrawn, Balance: after}, nil
}

// =============================================================================
// TOPUP GRANT
// =============================================================================

// GrantTopup inserts a time-locked top-up batch and credits the wallet's
// pending bucket in one transaction. This is the write path used by the
// deposit/promotion flows that feed the ledger (and by the admin endpoint);
// the points stay pending until a release sweep or a spend unlocks them.
func (l *Ledger) GrantTopup(ctx context.Context, wallet WalletID, amount int64, unlockAt time.Time, now time.Time) (TopupBatch, error) {
	if wallet == "" {
		return TopupBatch{}, &ValidationError{Field: "wallet", Reason: ErrMissingWallet}
	}
	if amount <= 0 {
		return TopupBatch{}, &ValidationError{Field: "amount", Reason: ErrInvalidAmount}
	}

	key := HashWallet(wallet)
	now = orNow(now)
	batch := TopupBatch{
		ID:        fmt.Sprintf("batch-%d-%d", now.UnixNano(), atomic.AddUint64(&eventSeq, 1)),
		WalletKey: key,
		Amount:    amount,
		Remaining: amount,
		CreatedAt: now,
		UnlockAt:  unlockAt,
	}

	err := l.store.WithTx(ctx, func(s Store) error {
		if err := s.InsertBatch(ctx, batch); err != nil {
			return err
		}
		bal, err := balanceOrZero(ctx, s, key)
		if err != nil {
			return err
		}
		bal.Pending += amount
		bal.UpdatedAt = now
		return s.PutBalance(ctx, key, bal)
	})
	if err != nil {
		return TopupBatch{}, err
	}
	return batch, nil
}

// =============================================================================
// BALANCE SNAPSHOT
// =============================================================================

// BalanceSnapshot returns the wallet's current balance, zero-valued if the
// wallet has no row yet.
func (l *Ledger) BalanceSnapshot(ctx context.Context, wallet WalletID) (Balance, error) {
	if wallet == "" {
		return Balance{}, &ValidationError{Field: "wallet", Reason: ErrMissingWallet}
	}
	return balanceOrZero(ctx, l.store, HashWallet(wallet))
}

// Events returns the most recent events for a wallet, newest first.
func (l *Ledger) Events(ctx context.Context, wallet WalletID, limit int) ([]Event, error) {
	if wallet == "" {
		return nil, &ValidationError{Field: "wallet", Reason: ErrMissingWallet}
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return l.store.EventsByWallet(ctx, HashWallet(wallet), limit)
}

// =============================================================================
// HELPERS
// =============================================================================

func balanceOrZero(ctx context.Context, s Store, key WalletKey) (Balance, error) {
	bal, err := s.GetBalance(ctx, key)
	if err != nil {
		return Balance{}, err
	}
	if bal == nil {
		return Balance{}, nil
	}
	return *bal, nil
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func orPageSize(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	return n
}

func mergeMeta(caller, fixed map[string]string) map[string]string {
	out := make(map[string]string, len(caller)+len(fixed))
	for k, v := range caller {
		out[k] = v
	}
	for k, v := range fixed {
		out[k] = v
	}
	return out
}
