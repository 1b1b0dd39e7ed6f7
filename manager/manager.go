// Package manager ties the transaction store, the completed-transaction cache
// and the keep-alive scheduler together behind one lifecycle API.
package manager

import (
	"context"
	"sync"

	"cabbageTxn/filter"
	"cabbageTxn/keepalive"
	"cabbageTxn/logger"
	"cabbageTxn/storage"
	"cabbageTxn/txn"
	"cabbageTxn/txncache"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

var ErrClosed = errors.New("transaction manager is closed")

// Listener is told about transactions that reached a terminal state. It may be
// called more than once for the same transaction, a retried commit or rollback
// notifies again, so implementations must be idempotent.
type Listener interface {
	Committed(ctx context.Context, view *txn.TxnView) error
	RolledBack(ctx context.Context, view *txn.TxnView) error
}

type Config struct {
	CacheCapacity int
	CacheStripes  int
	CachePolicy   txncache.Policy
	KeepAlive     keepalive.Config
}

type Manager struct {
	store     txn.Store
	cache     *txncache.Cache
	scheduler *keepalive.Scheduler

	mu        sync.RWMutex
	listeners []Listener
	closed    atomic.Bool
}

var _ txn.Supplier = (*Manager)(nil)

var _ Listener = (*storage.VersionStore)(nil)

// Open builds the cache and the scheduler, adopts every transaction the store
// still lists as ACTIVE and starts the scheduler. Adopted transactions belong
// to a previous process; nobody heartbeats them, so they time out.
func Open(ctx context.Context, store txn.Store, cfg Config) (*Manager, error) {
	cache, err := txncache.NewWithPolicy(store, cfg.CachePolicy, cfg.CacheCapacity, cfg.CacheStripes)
	if err != nil {
		return nil, err
	}
	m := &Manager{store: store, cache: cache}

	kcfg := cfg.KeepAlive
	onTimeout := kcfg.OnTimeout
	kcfg.OnTimeout = func(ctx context.Context, id uint64) {
		m.finished(ctx, id)
		if onTimeout != nil {
			onTimeout(ctx, id)
		}
	}
	m.scheduler = keepalive.New(store, m.cache, kcfg)

	orphans, err := store.ActiveTransactions(ctx)
	if err != nil {
		cache.Close()
		return nil, err
	}
	for _, view := range orphans {
		m.scheduler.Adopt(view)
	}
	m.scheduler.Start()
	logger.Infow("transaction manager opened", "scheduler", m.scheduler.ID(), "orphans", len(orphans),
		"cache_policy", string(cache.Policy()))
	return m, nil
}

// AddListener registers l for every later terminal transition.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) Begin(ctx context.Context, opts txn.BeginOptions) (*txn.Transaction, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	t, err := m.store.Begin(ctx, opts)
	if err != nil {
		return nil, err
	}
	m.scheduler.ScheduleKeepAlive(t)
	return t, nil
}

// Commit returns the commit timestamp. Committing a committed transaction
// again succeeds with the first commit timestamp.
func (m *Manager) Commit(ctx context.Context, id uint64) (uint64, error) {
	outcome, commitTS, err := m.store.Commit(ctx, id)
	if err != nil {
		return 0, err
	}
	if outcome == txn.OutcomeAlreadyApplied {
		logger.Debugw("commit retried", "txn", id)
	}
	m.finished(ctx, id)
	return commitTS, nil
}

// Rollback rolls id back. Rolling back a rolled back transaction again is a
// no-op; rolling back a committed one fails.
func (m *Manager) Rollback(ctx context.Context, id uint64) error {
	outcome, err := m.store.Rollback(ctx, id, txn.RollbackExplicit)
	if err != nil {
		return err
	}
	if outcome == txn.OutcomeAlreadyApplied {
		logger.Debugw("rollback retried", "txn", id)
	}
	m.finished(ctx, id)
	return nil
}

// finished reads the terminal view back through the cache, which seeds it,
// and notifies the listeners. The transition is durable at this point, so
// failures here are logged and not returned.
func (m *Manager) finished(ctx context.Context, id uint64) {
	view, err := m.cache.GetTransaction(ctx, id)
	if err != nil {
		logger.Warnw("read back finished transaction", "txn", id, "err", err)
		return
	}

	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()

	for _, l := range listeners {
		switch view.State {
		case txn.StateCommitted:
			err = l.Committed(ctx, view)
		case txn.StateRolledBack:
			err = l.RolledBack(ctx, view)
		default:
			return
		}
		if err != nil {
			logger.Warnw("transaction listener failed", "txn", id, "state", view.State.String(), "err", err)
		}
	}
}

// GetTransaction always answers from the cache, which falls back to the store.
func (m *Manager) GetTransaction(ctx context.Context, id uint64) (*txn.TxnView, error) {
	return m.cache.GetTransaction(ctx, id)
}

func (m *Manager) TransactionCached(id uint64) bool {
	return m.cache.TransactionCached(id)
}

func (m *Manager) ScheduleKeepAlive(t *txn.Transaction) {
	m.scheduler.ScheduleKeepAlive(t)
}

func (m *Manager) KeepAlive(ctx context.Context, id uint64) error {
	return m.scheduler.KeepAlive(ctx, id)
}

// Scheduler exposes the keep-alive scheduler, mostly so tests can sweep on
// demand.
func (m *Manager) Scheduler() *keepalive.Scheduler {
	return m.scheduler
}

// NewFilterState builds the per-scan visibility state for readerID. The
// snapshot is taken now; the state must only be used by one goroutine.
func (m *Manager) NewFilterState(ctx context.Context, readerID uint64, acc filter.RowAccumulator) (*filter.State, error) {
	reader, err := m.cache.GetTransaction(ctx, readerID)
	if err != nil {
		return nil, err
	}
	snapshot, err := txn.NewSnapshot(ctx, m.cache, reader)
	if err != nil {
		return nil, err
	}
	return filter.NewState(filter.NewTxnFilter(snapshot), acc), nil
}

type Status struct {
	Scheduler string
	Store     *storage.Status
	Cache     txncache.Stats
	KeepAlive keepalive.Stats
}

type storeStatus interface {
	Status(ctx context.Context) (*storage.Status, error)
}

func (m *Manager) Status(ctx context.Context) (*Status, error) {
	status := &Status{
		Scheduler: m.scheduler.ID(),
		Cache:     m.cache.Stats(),
		KeepAlive: m.scheduler.Stats(),
	}
	if s, ok := m.store.(storeStatus); ok {
		st, err := s.Status(ctx)
		if err != nil {
			return nil, err
		}
		status.Store = st
	}
	return status, nil
}

// Close stops the scheduler and releases the cache. The store and its engine
// belong to the caller.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.scheduler.Stop()
	m.cache.Close()
	return nil
}
