// Package keepalive heartbeats active transactions and rolls back the ones
// nobody keeps alive.
package keepalive

import (
	"context"
	"sync"
	"time"

	"cabbageTxn/logger"
	"cabbageTxn/txn"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval = time.Second
	DefaultTimeout  = 10 * time.Second

	sweepParallelism = 8
)

// Store is the part of the transaction store the scheduler writes through.
type Store interface {
	KeepAlive(ctx context.Context, id uint64) (bool, error)
	Rollback(ctx context.Context, id uint64, reason txn.RollbackReason) (txn.Outcome, error)
}

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	// AutoHeartbeat makes every sweep heartbeat the transactions begun
	// through this process. Recovered orphans are never heartbeated.
	AutoHeartbeat bool
	// OnTimeout is called after the scheduler rolled back a transaction.
	OnTimeout func(ctx context.Context, id uint64)
	Clock     func() time.Time
}

type entry struct {
	id       uint64
	orphan   bool
	deadline time.Time
}

// Scheduler owns the registry of transactions it keeps alive. Instances are
// independent; nothing is shared between them.
type Scheduler struct {
	id       uuid.UUID
	store    Store
	supplier txn.Supplier
	cfg      Config

	mu      sync.Mutex
	entries map[uint64]*entry
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	heartbeats atomic.Uint64
	failures   atomic.Uint64
	timeouts   atomic.Uint64
}

// New builds a scheduler. supplier resolves states (usually the completed
// transaction cache); store receives heartbeats and timeout rollbacks.
func New(store Store, supplier txn.Supplier, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scheduler{
		id:       uuid.New(),
		store:    store,
		supplier: supplier,
		cfg:      cfg,
		entries:  make(map[uint64]*entry),
	}
}

func (s *Scheduler) ID() string {
	return s.id.String()
}

// Start launches the sweep loop. Calls after the first, or after Stop, do
// nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
	logger.Infow("keep-alive scheduler started", "scheduler", s.ID(),
		"interval", s.cfg.Interval.String(), "timeout", s.cfg.Timeout.String())
}

// Stop cancels the loop and waits for it. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	logger.Infow("keep-alive scheduler stopped", "scheduler", s.ID())
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// ScheduleKeepAlive registers a transaction begun by this process.
func (s *Scheduler) ScheduleKeepAlive(t *txn.Transaction) {
	s.register(t.ID, false, s.cfg.Clock())
}

// Adopt registers a transaction found ACTIVE at startup whose owner is gone.
// Its deadline counts from the last heartbeat on record.
func (s *Scheduler) Adopt(view *txn.TxnView) {
	last := view.LastKeepAlive
	if last.IsZero() {
		last = s.cfg.Clock()
	}
	s.register(view.ID, true, last)
	logger.Infow("adopted orphan transaction", "scheduler", s.ID(), "txn", view.ID,
		"last_keep_alive", last)
}

func (s *Scheduler) register(id uint64, orphan bool, last time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = &entry{id: id, orphan: orphan, deadline: last.Add(s.cfg.Timeout)}
}

func (s *Scheduler) unregister(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// refresh moves the deadline forward. An explicit heartbeat also claims an
// orphan, since its owner evidently came back.
func (s *Scheduler) refresh(id uint64, claim bool) {
	now := s.cfg.Clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{id: id}
		s.entries[id] = e
	}
	if claim {
		e.orphan = false
	}
	e.deadline = now.Add(s.cfg.Timeout)
}

// Registered reports whether id is in the registry.
func (s *Scheduler) Registered(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// KeepAlive heartbeats one transaction. A finished transaction is dropped
// from the registry without a store write. A child whose record is still
// ACTIVE but whose ancestor rolled back is rolled back with reason timeout.
func (s *Scheduler) KeepAlive(ctx context.Context, id uint64) error {
	view, err := s.supplier.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	state, _, err := txn.EffectiveState(ctx, s.supplier, view)
	if err != nil {
		return err
	}
	if state != txn.StateActive {
		if view.State == txn.StateActive {
			_, err = s.expire(ctx, id)
			return err
		}
		s.unregister(id)
		return nil
	}
	alive, err := s.store.KeepAlive(ctx, id)
	if err != nil {
		return err
	}
	if !alive {
		s.unregister(id)
		return nil
	}
	s.heartbeats.Inc()
	s.refresh(id, true)
	return nil
}

// Sweep runs one pass over the registry. Errors are logged, never returned:
// a transaction that cannot be kept alive ends up timed out.
func (s *Scheduler) Sweep(ctx context.Context) {
	s.mu.Lock()
	entries := make([]entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, *e)
	}
	s.mu.Unlock()
	if len(entries) == 0 {
		return
	}

	now := s.cfg.Clock()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			s.check(gctx, e, now)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) check(ctx context.Context, e entry, now time.Time) {
	view, err := s.supplier.GetTransaction(ctx, e.id)
	switch {
	case txn.IsNotFound(err):
		logger.Warnw("dropping unknown transaction", "scheduler", s.ID(), "txn", e.id)
		s.unregister(e.id)
		return
	case err != nil:
		logger.Warnw("keep-alive lookup failed", "scheduler", s.ID(), "txn", e.id, "err", err)
	case view.State.IsFinal():
		s.unregister(e.id)
		return
	case !view.IsRoot():
		state, _, err := txn.EffectiveState(ctx, s.supplier, view)
		if err != nil {
			logger.Warnw("resolve effective state failed", "scheduler", s.ID(), "txn", e.id, "err", err)
		} else if state == txn.StateRolledBack {
			s.timeout(ctx, e, "ancestor rolled back")
			return
		}
	}

	if s.cfg.AutoHeartbeat && !e.orphan && err == nil {
		alive, err := s.store.KeepAlive(ctx, e.id)
		switch {
		case err != nil:
			s.failures.Inc()
			logger.Warnw("heartbeat failed", "scheduler", s.ID(), "txn", e.id, "err", err)
		case !alive:
			s.unregister(e.id)
			return
		default:
			s.heartbeats.Inc()
			s.refresh(e.id, false)
			return
		}
	}

	// e was copied when the sweep started; a heartbeat since then has moved
	// the live deadline
	if !s.expired(e.id, now) {
		return
	}
	s.timeout(ctx, e, "deadline passed")
}

// expired reports whether id is still registered with a deadline at or
// before now.
func (s *Scheduler) expired(id uint64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return ok && !now.Before(e.deadline)
}

func (s *Scheduler) timeout(ctx context.Context, e entry, cause string) {
	applied, err := s.expire(ctx, e.id)
	if err != nil {
		logger.Warnw("timeout rollback failed", "scheduler", s.ID(), "txn", e.id, "err", err)
		return
	}
	if applied {
		logger.Infow("rolled back timed out transaction", "scheduler", s.ID(), "txn", e.id,
			"orphan", e.orphan, "cause", cause)
	}
}

// expire rolls id back with reason timeout, drops it from the registry and
// reports whether this call finished it. OnTimeout runs only in that case.
func (s *Scheduler) expire(ctx context.Context, id uint64) (bool, error) {
	outcome, err := s.store.Rollback(ctx, id, txn.RollbackTimeout)
	if err != nil && !txn.IsIllegalTransition(err) {
		return false, err
	}
	s.unregister(id)
	if outcome != txn.OutcomeApplied {
		return false, nil
	}
	s.timeouts.Inc()
	if s.cfg.OnTimeout != nil {
		s.cfg.OnTimeout(ctx, id)
	}
	return true, nil
}

type Stats struct {
	Registered int
	Heartbeats uint64
	Failures   uint64
	Timeouts   uint64
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Registered: s.Len(),
		Heartbeats: s.heartbeats.Load(),
		Failures:   s.failures.Load(),
		Timeouts:   s.timeouts.Load(),
	}
}
