/*
store.go - Persistence interfaces for the loyalty ledger

PURPOSE:
  Defines the interface between the ledger operations and the database.
  The ledger is written against these interfaces and injected with a
  concrete store, so it can run against SQLite in production and the
  in-memory store in tests.

KEY INTERFACES:
  Store:   Reads and writes for balances, batches, locks, events, markers
  TxStore: Store plus WithTx for atomic multi-write operations

ATOMICITY CONTRACT:
  Every ledger operation performs all of its reads and writes inside one
  WithTx call (the two sweep operations use one WithTx per item). If the
  function passed to WithTx returns an error, none of its writes are
  visible.

IDEMPOTENCY:
  CreateMarker has create-if-absent semantics and fails with
  ErrDuplicateIdempotencyKey when the key already exists. Because the
  marker is created inside the same transaction as the balance mutation,
  a duplicate call either re-applies nothing or applies exactly once.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite
  - loyalty/store: In-memory for testing

SEE ALSO:
  - ledger.go: Operations composed from these methods
*/
package loyalty

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Data access for one transactional scope (or none)
// =============================================================================

// Store is the data-access surface the ledger operations are written
// against. Methods behave the same whether called on the root store or on
// the transactional view passed to a WithTx callback.
type Store interface {
	// GetBalance returns the balance row for a wallet, or nil if the wallet
	// has no row yet (absent = all-zero balance).
	GetBalance(ctx context.Context, key WalletKey) (*Balance, error)

	// PutBalance upserts the balance row for a wallet.
	PutBalance(ctx context.Context, key WalletKey, b Balance) error

	// OpenBatches returns up to limit batches with Remaining > 0 for the
	// wallet, ordered by CreatedAt ascending (FIFO consumption order).
	OpenBatches(ctx context.Context, key WalletKey, limit int) ([]TopupBatch, error)

	// DueBatches returns up to limit batches with UnlockAt <= now, ordered
	// by UnlockAt ascending, across all wallets.
	DueBatches(ctx context.Context, now time.Time, limit int) ([]TopupBatch, error)

	// GetBatch returns a batch by ID. Returns ErrBatchNotFound if missing.
	GetBatch(ctx context.Context, id string) (*TopupBatch, error)

	// InsertBatch creates a new top-up batch.
	InsertBatch(ctx context.Context, b TopupBatch) error

	// UpdateBatchRemaining sets a batch's Remaining counter.
	// Returns ErrBatchNotFound if the batch does not exist.
	UpdateBatchRemaining(ctx context.Context, id string, remaining int64) error

	// DueLocks returns up to limit unreleased locks with UnlockAt <= now,
	// ordered by UnlockAt ascending. Legacy release path.
	DueLocks(ctx context.Context, now time.Time, limit int) ([]Lock, error)

	// GetLock returns a lock by ID. Returns ErrLockNotFound if missing.
	GetLock(ctx context.Context, id string) (*Lock, error)

	// InsertLock creates a legacy lock.
	InsertLock(ctx context.Context, l Lock) error

	// MarkLockReleased sets Released = true on a lock.
	MarkLockReleased(ctx context.Context, id string) error

	// AppendEvent adds an audit record. Append-only: events are never
	// updated or deleted.
	AppendEvent(ctx context.Context, e Event) error

	// EventsByWallet returns up to limit events for a wallet, newest first.
	// Read side for the HTTP surface; the ledger itself never reads events.
	EventsByWallet(ctx context.Context, key WalletKey, limit int) ([]Event, error)

	// CreateMarker records an idempotency key. Fails with
	// ErrDuplicateIdempotencyKey if the key already exists.
	CreateMarker(ctx context.Context, idempotencyKey string) error
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
