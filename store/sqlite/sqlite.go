/*
Package sqlite provides a SQLite-backed implementation of loyalty.TxStore.

PURPOSE:
  Production persistence for the loyalty ledger. The same patterns apply
  to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  balances:         One row per hashed wallet, the three buckets
  topup_batches:    Time-locked pending points, drained FIFO, never deleted
  locks:            Legacy time-locks (compatibility release path)
  events:           Append-only audit trail
  idempotency_keys: Applied-operation markers, primary key = the marker

INDEXES:
  - idx_batches_wallet_open: FIFO batch scans per wallet (hot path)
  - idx_batches_unlock:      Due-batch sweeps
  - idx_locks_due:           Due-lock sweeps
  - idx_events_wallet:       Per-wallet event history

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging): multiple readers don't
  block, single writer at a time, better crash recovery.

TRANSACTIONS:
  WithTx maps one ledger operation onto one SQL transaction. The
  idempotency marker insert rides in the same transaction as the balance
  mutation, so a replay either re-applies nothing or applies exactly once.

USAGE:
  st, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()
  ledger := loyalty.NewLedger(st)

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/olympay/loyalty-engine/loyalty"
)

// timeLayout is fixed-width UTC so lexicographic order in TEXT columns
// matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements loyalty.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single connection: SQLite allows one writer at a time, and :memory:
	// databases are per-connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	s.queries = queries{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Balances (one row per hashed wallet)
	CREATE TABLE IF NOT EXISTS balances (
		wallet_key TEXT PRIMARY KEY,
		spendable  INTEGER NOT NULL DEFAULT 0,
		pending    INTEGER NOT NULL DEFAULT 0,
		lifetime   INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Top-up batches (append-only; drained via remaining decrements)
	CREATE TABLE IF NOT EXISTS topup_batches (
		id         TEXT PRIMARY KEY,
		wallet_key TEXT NOT NULL,
		amount     INTEGER NOT NULL,
		remaining  INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		unlock_at  TEXT NOT NULL,
		CHECK (remaining >= 0 AND remaining <= amount)
	);

	CREATE INDEX IF NOT EXISTS idx_batches_wallet_open
		ON topup_batches(wallet_key, remaining, created_at);
	CREATE INDEX IF NOT EXISTS idx_batches_unlock
		ON topup_batches(unlock_at);

	-- Legacy locks
	CREATE TABLE IF NOT EXISTS locks (
		id         TEXT PRIMARY KEY,
		wallet_key TEXT NOT NULL,
		amount     INTEGER NOT NULL,
		unlock_at  TEXT NOT NULL,
		released   INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_locks_due
		ON locks(released, unlock_at);

	-- Events (append-only audit trail)
	CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY,
		wallet_key TEXT NOT NULL,
		event_type TEXT NOT NULL,
		amount     INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		meta_json  TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_wallet
		ON events(wallet_key, created_at DESC);

	-- Idempotency markers ("{TYPE}_{externalID}")
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key        TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a SQL transaction. Rolled back if fn errors.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// Root-level reads/writes take the store mutex; transactional access goes
// through WithTx. The query logic itself is shared via the queries struct.

func (s *Store) GetBalance(ctx context.Context, key loyalty.WalletKey) (*loyalty.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.GetBalance(ctx, key)
}

func (s *Store) PutBalance(ctx context.Context, key loyalty.WalletKey, b loyalty.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.PutBalance(ctx, key, b)
}

func (s *Store) OpenBatches(ctx context.Context, key loyalty.WalletKey, limit int) ([]loyalty.TopupBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.OpenBatches(ctx, key, limit)
}

func (s *Store) DueBatches(ctx context.Context, now time.Time, limit int) ([]loyalty.TopupBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.DueBatches(ctx, now, limit)
}

func (s *Store) GetBatch(ctx context.Context, id string) (*loyalty.TopupBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.GetBatch(ctx, id)
}

func (s *Store) InsertBatch(ctx context.Context, b loyalty.TopupBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.InsertBatch(ctx, b)
}

func (s *Store) UpdateBatchRemaining(ctx context.Context, id string, remaining int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.UpdateBatchRemaining(ctx, id, remaining)
}

func (s *Store) DueLocks(ctx context.Context, now time.Time, limit int) ([]loyalty.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.DueLocks(ctx, now, limit)
}

func (s *Store) GetLock(ctx context.Context, id string) (*loyalty.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.GetLock(ctx, id)
}

func (s *Store) InsertLock(ctx context.Context, l loyalty.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.InsertLock(ctx, l)
}

func (s *Store) MarkLockReleased(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.MarkLockReleased(ctx, id)
}

func (s *Store) AppendEvent(ctx context.Context, e loyalty.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.AppendEvent(ctx, e)
}

func (s *Store) EventsByWallet(ctx context.Context, key loyalty.WalletKey, limit int) ([]loyalty.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries.EventsByWallet(ctx, key, limit)
}

func (s *Store) CreateMarker(ctx context.Context, idempotencyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries.CreateMarker(ctx, idempotencyKey)
}

// =============================================================================
// QUERIES - Shared between the root store and transactional views
// =============================================================================

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

func (q *queries) GetBalance(ctx context.Context, key loyalty.WalletKey) (*loyalty.Balance, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT spendable, pending, lifetime, updated_at
		FROM balances WHERE wallet_key = ?`, string(key))

	var b loyalty.Balance
	var updatedAt string
	err := row.Scan(&b.Spendable, &b.Pending, &b.Lifetime, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	b.UpdatedAt, err = time.Parse(timeLayout, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse balance timestamp: %w", err)
	}
	return &b, nil
}

func (q *queries) PutBalance(ctx context.Context, key loyalty.WalletKey, b loyalty.Balance) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO balances (wallet_key, spendable, pending, lifetime, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(wallet_key) DO UPDATE SET
			spendable = excluded.spendable,
			pending = excluded.pending,
			lifetime = excluded.lifetime,
			updated_at = excluded.updated_at`,
		string(key), b.Spendable, b.Pending, b.Lifetime, formatTime(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to put balance: %w", err)
	}
	return nil
}

func (q *queries) OpenBatches(ctx context.Context, key loyalty.WalletKey, limit int) ([]loyalty.TopupBatch, error) {
	return q.queryBatches(ctx, `
		SELECT id, wallet_key, amount, remaining, created_at, unlock_at
		FROM topup_batches
		WHERE wallet_key = ? AND remaining > 0
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, string(key), limit)
}

func (q *queries) DueBatches(ctx context.Context, now time.Time, limit int) ([]loyalty.TopupBatch, error) {
	return q.queryBatches(ctx, `
		SELECT id, wallet_key, amount, remaining, created_at, unlock_at
		FROM topup_batches
		WHERE unlock_at <= ?
		ORDER BY unlock_at ASC, id ASC
		LIMIT ?`, formatTime(now), limit)
}

func (q *queries) GetBatch(ctx context.Context, id string) (*loyalty.TopupBatch, error) {
	batches, err := q.queryBatches(ctx, `
		SELECT id, wallet_key, amount, remaining, created_at, unlock_at
		FROM topup_batches WHERE id = ? LIMIT 1`, id, 1)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, loyalty.ErrBatchNotFound
	}
	return &batches[0], nil
}

func (q *queries) InsertBatch(ctx context.Context, b loyalty.TopupBatch) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO topup_batches (id, wallet_key, amount, remaining, created_at, unlock_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, string(b.WalletKey), b.Amount, b.Remaining,
		formatTime(b.CreatedAt), formatTime(b.UnlockAt))
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

func (q *queries) UpdateBatchRemaining(ctx context.Context, id string, remaining int64) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE topup_batches SET remaining = ? WHERE id = ?`, remaining, id)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return loyalty.ErrBatchNotFound
	}
	return nil
}

func (q *queries) DueLocks(ctx context.Context, now time.Time, limit int) ([]loyalty.Lock, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, wallet_key, amount, unlock_at, released
		FROM locks
		WHERE released = 0 AND unlock_at <= ?
		ORDER BY unlock_at ASC, id ASC
		LIMIT ?`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query locks: %w", err)
	}
	defer rows.Close()

	var locks []loyalty.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

func (q *queries) GetLock(ctx context.Context, id string) (*loyalty.Lock, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, wallet_key, amount, unlock_at, released
		FROM locks WHERE id = ? LIMIT 1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query lock: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, loyalty.ErrLockNotFound
	}
	l, err := scanLock(rows)
	if err != nil {
		return nil, err
	}
	return &l, rows.Err()
}

func (q *queries) InsertLock(ctx context.Context, l loyalty.Lock) error {
	released := 0
	if l.Released {
		released = 1
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO locks (id, wallet_key, amount, unlock_at, released)
		VALUES (?, ?, ?, ?, ?)`,
		l.ID, string(l.WalletKey), l.Amount, formatTime(l.UnlockAt), released)
	if err != nil {
		return fmt.Errorf("failed to insert lock: %w", err)
	}
	return nil
}

func (q *queries) MarkLockReleased(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE locks SET released = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return loyalty.ErrLockNotFound
	}
	return nil
}

func (q *queries) AppendEvent(ctx context.Context, e loyalty.Event) error {
	metaJSON, _ := json.Marshal(e.Meta)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO events (id, wallet_key, event_type, amount, created_at, meta_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.WalletKey), string(e.Type), e.Amount,
		formatTime(e.CreatedAt), string(metaJSON))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (q *queries) EventsByWallet(ctx context.Context, key loyalty.WalletKey, limit int) ([]loyalty.Event, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, wallet_key, event_type, amount, created_at, meta_json
		FROM events
		WHERE wallet_key = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, string(key), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []loyalty.Event
	for rows.Next() {
		var (
			e         loyalty.Event
			eventType string
			createdAt string
			metaJSON  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.WalletKey, &eventType, &e.Amount, &createdAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = loyalty.EventType(eventType)
		e.CreatedAt, err = time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			if err := json.Unmarshal([]byte(metaJSON.String), &e.Meta); err != nil {
				return nil, fmt.Errorf("failed to decode event meta: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (q *queries) CreateMarker(ctx context.Context, idempotencyKey string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, created_at) VALUES (?, ?)`,
		idempotencyKey, formatTime(time.Now().UTC()))
	if err != nil {
		if isUniqueConstraintError(err) {
			return loyalty.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to create idempotency marker: %w", err)
	}
	return nil
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

func (q *queries) queryBatches(ctx context.Context, query string, args ...any) ([]loyalty.TopupBatch, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var batches []loyalty.TopupBatch
	for rows.Next() {
		var (
			b         loyalty.TopupBatch
			createdAt string
			unlockAt  string
		)
		if err := rows.Scan(&b.ID, &b.WalletKey, &b.Amount, &b.Remaining, &createdAt, &unlockAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		if b.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse batch created_at: %w", err)
		}
		if b.UnlockAt, err = time.Parse(timeLayout, unlockAt); err != nil {
			return nil, fmt.Errorf("failed to parse batch unlock_at: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func scanLock(rows *sql.Rows) (loyalty.Lock, error) {
	var (
		l        loyalty.Lock
		unlockAt string
		released int
	)
	if err := rows.Scan(&l.ID, &l.WalletKey, &l.Amount, &unlockAt, &released); err != nil {
		return loyalty.Lock{}, fmt.Errorf("failed to scan lock: %w", err)
	}
	var err error
	if l.UnlockAt, err = time.Parse(timeLayout, unlockAt); err != nil {
		return loyalty.Lock{}, fmt.Errorf("failed to parse lock unlock_at: %w", err)
	}
	l.Released = released != 0
	return l, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
