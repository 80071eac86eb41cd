// Package store provides loyalty.TxStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/olympay/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	balances map[loyalty.WalletKey]loyalty.Balance
	batches  map[string]loyalty.TopupBatch
	locks    map[string]loyalty.Lock
	events   []loyalty.Event
	markers  map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[loyalty.WalletKey]loyalty.Balance),
		batches:  make(map[string]loyalty.TopupBatch),
		locks:    make(map[string]loyalty.Lock),
		markers:  make(map[string]bool),
	}
}

func (m *Memory) GetBalance(_ context.Context, key loyalty.WalletKey) (*loyalty.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBalanceLocked(key), nil
}

func (m *Memory) getBalanceLocked(key loyalty.WalletKey) *loyalty.Balance {
	if bal, ok := m.balances[key]; ok {
		b := bal
		return &b
	}
	return nil
}

func (m *Memory) PutBalance(_ context.Context, key loyalty.WalletKey, b loyalty.Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[key] = b
	return nil
}

func (m *Memory) OpenBatches(_ context.Context, key loyalty.WalletKey, limit int) ([]loyalty.TopupBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openBatchesLocked(key, limit), nil
}

func (m *Memory) openBatchesLocked(key loyalty.WalletKey, limit int) []loyalty.TopupBatch {
	var out []loyalty.TopupBatch
	for _, b := range m.batches {
		if b.WalletKey == key && b.Remaining > 0 {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) DueBatches(_ context.Context, now time.Time, limit int) ([]loyalty.TopupBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []loyalty.TopupBatch
	for _, b := range m.batches {
		if !b.UnlockAt.After(now) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UnlockAt.Equal(out[j].UnlockAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UnlockAt.Before(out[j].UnlockAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetBatch(_ context.Context, id string) (*loyalty.TopupBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if b, ok := m.batches[id]; ok {
		out := b
		return &out, nil
	}
	return nil, loyalty.ErrBatchNotFound
}

func (m *Memory) InsertBatch(_ context.Context, b loyalty.TopupBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = b
	return nil
}

func (m *Memory) UpdateBatchRemaining(_ context.Context, id string, remaining int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateBatchLocked(id, remaining)
}

func (m *Memory) updateBatchLocked(id string, remaining int64) error {
	b, ok := m.batches[id]
	if !ok {
		return loyalty.ErrBatchNotFound
	}
	b.Remaining = remaining
	m.batches[id] = b
	return nil
}

func (m *Memory) DueLocks(_ context.Context, now time.Time, limit int) ([]loyalty.Lock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []loyalty.Lock
	for _, l := range m.locks {
		if !l.Released && !l.UnlockAt.After(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UnlockAt.Equal(out[j].UnlockAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UnlockAt.Before(out[j].UnlockAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetLock(_ context.Context, id string) (*loyalty.Lock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if l, ok := m.locks[id]; ok {
		out := l
		return &out, nil
	}
	return nil, loyalty.ErrLockNotFound
}

func (m *Memory) InsertLock(_ context.Context, l loyalty.Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[l.ID] = l
	return nil
}

func (m *Memory) MarkLockReleased(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markLockLocked(id)
}

func (m *Memory) markLockLocked(id string) error {
	l, ok := m.locks[id]
	if !ok {
		return loyalty.ErrLockNotFound
	}
	l.Released = true
	m.locks[id] = l
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, e loyalty.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) EventsByWallet(_ context.Context, key loyalty.WalletKey, limit int) ([]loyalty.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []loyalty.Event
	for i := len(m.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.events[i].WalletKey == key {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

func (m *Memory) CreateMarker(_ context.Context, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createMarkerLocked(idempotencyKey)
}

func (m *Memory) createMarkerLocked(idempotencyKey string) error {
	if m.markers[idempotencyKey] {
		return loyalty.ErrDuplicateIdempotencyKey
	}
	m.markers[idempotencyKey] = true
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(loyalty.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	view := &txMemoryView{parent: m}

	if err := fn(view); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	balances map[loyalty.WalletKey]loyalty.Balance
	batches  map[string]loyalty.TopupBatch
	locks    map[string]loyalty.Lock
	events   []loyalty.Event
	markers  map[string]bool
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		balances: make(map[loyalty.WalletKey]loyalty.Balance, len(m.balances)),
		batches:  make(map[string]loyalty.TopupBatch, len(m.batches)),
		locks:    make(map[string]loyalty.Lock, len(m.locks)),
		events:   append([]loyalty.Event{}, m.events...),
		markers:  make(map[string]bool, len(m.markers)),
	}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	for k, v := range m.batches {
		s.batches[k] = v
	}
	for k, v := range m.locks {
		s.locks[k] = v
	}
	for k, v := range m.markers {
		s.markers[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.balances = s.balances
	m.batches = s.batches
	m.locks = s.locks
	m.events = s.events
	m.markers = s.markers
}

// txMemoryView gives the WithTx callback access to the already-locked
// parent maps without re-acquiring the mutex.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) GetBalance(_ context.Context, key loyalty.WalletKey) (*loyalty.Balance, error) {
	return tv.parent.getBalanceLocked(key), nil
}

func (tv *txMemoryView) PutBalance(_ context.Context, key loyalty.WalletKey, b loyalty.Balance) error {
	tv.parent.balances[key] = b
	return nil
}

func (tv *txMemoryView) OpenBatches(_ context.Context, key loyalty.WalletKey, limit int) ([]loyalty.TopupBatch, error) {
	return tv.parent.openBatchesLocked(key, limit), nil
}

func (tv *txMemoryView) DueBatches(_ context.Context, now time.Time, limit int) ([]loyalty.TopupBatch, error) {
	var out []loyalty.TopupBatch
	for _, b := range tv.parent.batches {
		if !b.UnlockAt.After(now) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnlockAt.Before(out[j].UnlockAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (tv *txMemoryView) GetBatch(_ context.Context, id string) (*loyalty.TopupBatch, error) {
	if b, ok := tv.parent.batches[id]; ok {
		out := b
		return &out, nil
	}
	return nil, loyalty.ErrBatchNotFound
}

func (tv *txMemoryView) InsertBatch(_ context.Context, b loyalty.TopupBatch) error {
	tv.parent.batches[b.ID] = b
	return nil
}

func (tv *txMemoryView) UpdateBatchRemaining(_ context.Context, id string, remaining int64) error {
	return tv.parent.updateBatchLocked(id, remaining)
}

func (tv *txMemoryView) DueLocks(_ context.Context, now time.Time, limit int) ([]loyalty.Lock, error) {
	var out []loyalty.Lock
	for _, l := range tv.parent.locks {
		if !l.Released && !l.UnlockAt.After(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnlockAt.Before(out[j].UnlockAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (tv *txMemoryView) GetLock(_ context.Context, id string) (*loyalty.Lock, error) {
	if l, ok := tv.parent.locks[id]; ok {
		out := l
		return &out, nil
	}
	return nil, loyalty.ErrLockNotFound
}

func (tv *txMemoryView) InsertLock(_ context.Context, l loyalty.Lock) error {
	tv.parent.locks[l.ID] = l
	return nil
}

func (tv *txMemoryView) MarkLockReleased(_ context.Context, id string) error {
	return tv.parent.markLockLocked(id)
}

func (tv *txMemoryView) AppendEvent(_ context.Context, e loyalty.Event) error {
	tv.parent.events = append(tv.parent.events, e)
	return nil
}

func (tv *txMemoryView) EventsByWallet(_ context.Context, key loyalty.WalletKey, limit int) ([]loyalty.Event, error) {
	var out []loyalty.Event
	for i := len(tv.parent.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if tv.parent.events[i].WalletKey == key {
			out = append(out, tv.parent.events[i])
		}
	}
	return out, nil
}

func (tv *txMemoryView) CreateMarker(_ context.Context, idempotencyKey string) error {
	return tv.parent.createMarkerLocked(idempotencyKey)
}
