package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olympay/loyalty-engine/loyalty"
	"github.com/olympay/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

var baseTime = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// STORE CONTRACT
// =============================================================================

func TestBalance_RoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := loyalty.HashWallet("wallet-1")

	// Absent wallet reads as nil, not an error.
	bal, err := st.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, bal)

	want := loyalty.Balance{Spendable: 10, Pending: 20, Lifetime: 30, UpdatedAt: baseTime}
	require.NoError(t, st.PutBalance(ctx, key, want))

	got, err := st.GetBalance(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	// Upsert overwrites.
	want.Spendable = 99
	require.NoError(t, st.PutBalance(ctx, key, want))
	got, err = st.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(99), got.Spendable)
}

func TestOpenBatches_FIFOOrderAndFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := loyalty.HashWallet("wallet-1")

	unlock := baseTime.Add(time.Hour)
	require.NoError(t, st.InsertBatch(ctx, loyalty.TopupBatch{
		ID: "b2", WalletKey: key, Amount: 30, Remaining: 30,
		CreatedAt: baseTime.Add(time.Second), UnlockAt: unlock,
	}))
	require.NoError(t, st.InsertBatch(ctx, loyalty.TopupBatch{
		ID: "b1", WalletKey: key, Amount: 50, Remaining: 50,
		CreatedAt: baseTime, UnlockAt: unlock,
	}))
	require.NoError(t, st.InsertBatch(ctx, loyalty.TopupBatch{
		ID: "b0", WalletKey: key, Amount: 10, Remaining: 0, // drained
		CreatedAt: baseTime.Add(-time.Minute), UnlockAt: unlock,
	}))

	batches, err := st.OpenBatches(ctx, key, 10)
	require.NoError(t, err)
	require.Len(t, batches, 2, "drained batches are filtered out")
	assert.Equal(t, "b1", batches[0].ID, "oldest created first")
	assert.Equal(t, "b2", batches[1].ID)
}

func TestDueBatches_UnlockOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := loyalty.HashWallet("wallet-1")

	require.NoError(t, st.InsertBatch(ctx, loyalty.TopupBatch{
		ID: "later", WalletKey: key, Amount: 5, Remaining: 5,
		CreatedAt: baseTime, UnlockAt: baseTime.Add(time.Hour),
	}))
	require.NoError(t, st.InsertBatch(ctx, loyalty.TopupBatch{
		ID: "due", WalletKey: key, Amount: 5, Remaining: 5,
		CreatedAt: baseTime, UnlockAt: baseTime.Add(-time.Minute),
	}))

	due, err := st.DueBatches(ctx, baseTime, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)
}

func TestCreateMarker_DuplicateRejected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateMarker(ctx, "AWARD_r1"))
	err := st.CreateMarker(ctx, "AWARD_r1")
	assert.ErrorIs(t, err, loyalty.ErrDuplicateIdempotencyKey)

	// Different key is fine.
	assert.NoError(t, st.CreateMarker(ctx, "SPEND_r1"))
}

func TestWithTx_RollbackOnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := loyalty.HashWallet("wallet-1")

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(s loyalty.Store) error {
		if err := s.PutBalance(ctx, key, loyalty.Balance{Spendable: 50, UpdatedAt: baseTime}); err != nil {
			return err
		}
		if err := s.CreateMarker(ctx, "AWARD_r1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Nothing from the failed transaction is visible.
	bal, err := st.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, bal)
	assert.NoError(t, st.CreateMarker(ctx, "AWARD_r1"), "marker was rolled back")
}

func TestLocks_DueQueryAndRelease(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := loyalty.HashWallet("wallet-1")

	require.NoError(t, st.InsertLock(ctx, loyalty.Lock{
		ID: "lock-1", WalletKey: key, Amount: 15, UnlockAt: baseTime.Add(-time.Minute),
	}))

	due, err := st.DueLocks(ctx, baseTime, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, st.MarkLockReleased(ctx, "lock-1"))

	due, err = st.DueLocks(ctx, baseTime, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "released locks no longer match")

	err = st.MarkLockReleased(ctx, "missing")
	assert.ErrorIs(t, err, loyalty.ErrLockNotFound)
}

func TestUpdateBatchRemaining_Missing(t *testing.T) {
	st := newTestStore(t)
	err := st.UpdateBatchRemaining(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, loyalty.ErrBatchNotFound)
}

// =============================================================================
// LEDGER OVER SQLITE - The same flows the memory store tests cover
// =============================================================================

func TestLedger_AwardSpendReplay_OverSQLite(t *testing.T) {
	st := newTestStore(t)
	ledger := loyalty.NewLedger(st)
	ctx := context.Background()

	award, err := ledger.AwardReferralPoints(ctx, loyalty.AwardInput{
		Wallet: "W", Amount: 100, RedemptionID: "r1", Now: baseTime,
	})
	require.NoError(t, err)
	require.Equal(t, int64(100), award.Awarded)

	_, err = ledger.GrantTopup(ctx, "W", 40, baseTime.Add(time.Hour), baseTime.Add(time.Second))
	require.NoError(t, err)

	spend, err := ledger.SpendPoints(ctx, loyalty.SpendInput{
		Wallet: "W", AmountUSD: decimal.NewFromInt(2), OrderID: "o1", Now: baseTime.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(20), spend.MatchedFromTopup)
	assert.Equal(t, int64(140), spend.Balance.Spendable)
	assert.Equal(t, int64(20), spend.Balance.Pending)
	assert.Equal(t, int64(120), spend.Balance.Lifetime)

	replay, err := ledger.SpendPoints(ctx, loyalty.SpendInput{
		Wallet: "W", AmountUSD: decimal.NewFromInt(2), OrderID: "o1", Now: baseTime.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), replay.MatchedFromTopup)
	assert.Equal(t, spend.Balance, replay.Balance)

	events, err := ledger.Events(ctx, "W", 10)
	require.NoError(t, err)
	assert.Len(t, events, 2, "replayed spend does not append an event")
}

func TestLedger_ReleasePendingDue_OverSQLite(t *testing.T) {
	st := newTestStore(t)
	ledger := loyalty.NewLedger(st)
	ctx := context.Background()

	_, err := ledger.GrantTopup(ctx, "W", 40, baseTime, baseTime.Add(-time.Hour))
	require.NoError(t, err)

	res, err := ledger.ReleasePendingDue(ctx, loyalty.SweepInput{Now: baseTime})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, int64(40), res.ReleasedTotal)

	again, err := ledger.ReleasePendingDue(ctx, loyalty.SweepInput{Now: baseTime})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Processed)

	bal, err := ledger.BalanceSnapshot(ctx, "W")
	require.NoError(t, err)
	assert.Equal(t, int64(40), bal.Spendable)
	assert.Equal(t, int64(0), bal.Pending)
}
