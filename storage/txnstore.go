package storage

import (
	"context"
	"sync"
	"time"

	"cabbageTxn/engine"
	"cabbageTxn/logger"
	"cabbageTxn/txn"
)

const lockStripes = 64

// TxnStore is the durable transaction table on top of an engine. Transitions
// of one id are serialized by a striped mutex; different ids only contend
// when they share a stripe.
type TxnStore struct {
	engine engine.Engine
	ids    *allocator
	locks  [lockStripes]sync.Mutex
	now    func() time.Time
}

var _ txn.Store = (*TxnStore)(nil)

type options struct {
	blockSize uint64
	idLimit   uint64
	now       func() time.Time
}

type Option func(*options)

// WithBlockSize sets how many ids are reserved per ceiling write.
func WithBlockSize(n uint64) Option {
	return func(o *options) { o.blockSize = n }
}

// WithIDLimit caps the id space.
func WithIDLimit(limit uint64) Option {
	return func(o *options) { o.idLimit = limit }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func NewTxnStore(e engine.Engine, opts ...Option) (*TxnStore, error) {
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	ids, err := newAllocator(e, o.blockSize, o.idLimit)
	if err != nil {
		return nil, err
	}
	return &TxnStore{engine: e, ids: ids, now: o.now}, nil
}

func (s *TxnStore) lock(id uint64) func() {
	mu := &s.locks[id%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *TxnStore) Begin(ctx context.Context, opts txn.BeginOptions) (*txn.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Parent != 0 {
		// the parent may not finish while its child is being created
		defer s.lock(opts.Parent)()
		parent, err := s.load(opts.Parent)
		if err != nil {
			return nil, err
		}
		if parent.State != txn.StateActive {
			return nil, &txn.NotActiveError{TxnID: parent.ID, State: parent.State}
		}
	}

	id, err := s.ids.Next()
	if err != nil {
		return nil, err
	}
	t := txn.NewTransaction(id, opts)
	view := t.View(s.now())
	// the active marker goes first: an ACTIVE record must always be listed
	// by ActiveTransactions, or no scheduler would ever time it out
	if err = s.engine.Set((&TxnActive{ID: id}).MVCCEncode(), []byte{'1'}); err != nil {
		return nil, &txn.StoreUnavailableError{Op: "begin", Err: err}
	}
	if err = s.engine.Set((&TxnRecord{ID: id}).MVCCEncode(), encodeRecord(view)); err != nil {
		s.abortBegin(id)
		return nil, &txn.StoreUnavailableError{Op: "begin", Err: err}
	}
	if err = s.engine.Set((&TxnHeartbeat{ID: id}).MVCCEncode(), encodeHeartbeat(view.LastKeepAlive)); err != nil {
		s.abortBegin(id)
		return nil, &txn.StoreUnavailableError{Op: "begin", Err: err}
	}
	logger.Debugw("begin transaction", "txn", id, "parent", t.ParentID, "isolation", t.Isolation.String())
	return t, nil
}

// abortBegin removes what a failed Begin wrote. The marker is only dropped
// once the record is gone; a record left behind with its marker is adopted
// and timed out like any orphan.
func (s *TxnStore) abortBegin(id uint64) {
	if err := s.engine.Delete((&TxnRecord{ID: id}).MVCCEncode()); err != nil {
		logger.Warnw("remove record of failed begin", "txn", id, "err", err)
		return
	}
	if err := s.engine.Delete((&TxnHeartbeat{ID: id}).MVCCEncode()); err != nil {
		logger.Warnw("remove heartbeat of failed begin", "txn", id, "err", err)
	}
	if err := s.engine.Delete((&TxnActive{ID: id}).MVCCEncode()); err != nil {
		logger.Warnw("remove active marker of failed begin", "txn", id, "err", err)
	}
}

func (s *TxnStore) GetTransaction(ctx context.Context, id uint64) (*txn.TxnView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.load(id)
}

func (s *TxnStore) load(id uint64) (*txn.TxnView, error) {
	value, err := s.engine.Get((&TxnRecord{ID: id}).MVCCEncode())
	if err != nil {
		return nil, &txn.StoreUnavailableError{Op: "get transaction", Err: err}
	}
	if value == nil {
		return nil, &txn.NotFoundError{TxnID: id}
	}
	view, err := decodeRecord(value)
	if err != nil {
		return nil, err
	}
	heartbeat, err := s.engine.Get((&TxnHeartbeat{ID: id}).MVCCEncode())
	if err != nil {
		return nil, &txn.StoreUnavailableError{Op: "get heartbeat", Err: err}
	}
	if heartbeat != nil {
		if view.LastKeepAlive, err = decodeHeartbeat(heartbeat); err != nil {
			return nil, err
		}
	}
	return view, nil
}

func (s *TxnStore) Commit(ctx context.Context, id uint64) (txn.Outcome, uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	defer s.lock(id)()

	view, err := s.load(id)
	if err != nil {
		return 0, 0, err
	}
	switch view.State {
	case txn.StateCommitted:
		return txn.OutcomeAlreadyApplied, view.CommitTimestamp, nil
	case txn.StateRolledBack:
		return txn.OutcomeConflict, 0, &txn.NotActiveError{TxnID: id, State: view.State}
	}

	commitTS, err := s.ids.Next()
	if err != nil {
		return 0, 0, err
	}
	view.State = txn.StateCommitted
	view.CommitTimestamp = commitTS
	if err = s.finish(view, "commit"); err != nil {
		return 0, 0, err
	}
	logger.Debugw("commit transaction", "txn", id, "commit_ts", commitTS)
	return txn.OutcomeApplied, commitTS, nil
}

func (s *TxnStore) Rollback(ctx context.Context, id uint64, reason txn.RollbackReason) (txn.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	defer s.lock(id)()

	view, err := s.load(id)
	if err != nil {
		return 0, err
	}
	switch view.State {
	case txn.StateRolledBack:
		return txn.OutcomeAlreadyApplied, nil
	case txn.StateCommitted:
		return txn.OutcomeConflict, &txn.IllegalTransitionError{TxnID: id, From: view.State, To: txn.StateRolledBack}
	}

	if reason == txn.RollbackNone {
		reason = txn.RollbackExplicit
	}
	view.State = txn.StateRolledBack
	view.RollbackReason = reason
	if err = s.finish(view, "rollback"); err != nil {
		return 0, err
	}
	logger.Debugw("rollback transaction", "txn", id, "reason", reason.String())
	return txn.OutcomeApplied, nil
}

// finish writes the terminal record before dropping the active marker, so a
// crash in between leaves a marker that ActiveTransactions ignores.
func (s *TxnStore) finish(view *txn.TxnView, op string) error {
	if err := s.engine.Set((&TxnRecord{ID: view.ID}).MVCCEncode(), encodeRecord(view)); err != nil {
		return &txn.StoreUnavailableError{Op: op, Err: err}
	}
	if err := s.engine.Delete((&TxnActive{ID: view.ID}).MVCCEncode()); err != nil {
		return &txn.StoreUnavailableError{Op: op, Err: err}
	}
	if err := s.engine.Delete((&TxnHeartbeat{ID: view.ID}).MVCCEncode()); err != nil {
		return &txn.StoreUnavailableError{Op: op, Err: err}
	}
	return nil
}

func (s *TxnStore) KeepAlive(ctx context.Context, id uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	defer s.lock(id)()

	view, err := s.load(id)
	if err != nil {
		return false, err
	}
	if view.State != txn.StateActive {
		return false, nil
	}
	if err = s.engine.Set((&TxnHeartbeat{ID: id}).MVCCEncode(), encodeHeartbeat(s.now())); err != nil {
		return false, &txn.StoreUnavailableError{Op: "keep alive", Err: err}
	}
	return true, nil
}

// ActiveTransactions lists the ACTIVE records, as found through the active
// markers.
func (s *TxnStore) ActiveTransactions(ctx context.Context) ([]*txn.TxnView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := s.scanActive()
	if err != nil {
		return nil, err
	}
	active := make([]*txn.TxnView, 0, len(ids))
	for _, id := range ids {
		view, err := s.load(id)
		if err != nil {
			if txn.IsNotFound(err) {
				logger.Warnw("active marker without record", "txn", id)
				continue
			}
			return nil, err
		}
		if view.State == txn.StateActive {
			active = append(active, view)
		}
	}
	return active, nil
}

func (s *TxnStore) scanActive() ([]uint64, error) {
	kvs, err := s.engine.ScanPrefix((&TxnActive{}).MVCCEncode())
	if err != nil {
		return nil, &txn.StoreUnavailableError{Op: "scan active", Err: err}
	}
	ids := make([]uint64, 0, len(kvs))
	for _, kv := range kvs {
		key, err := DecodeKey(kv.Key)
		if err != nil {
			return nil, err
		}
		switch k := key.(type) {
		case *TxnActive:
			ids = append(ids, k.ID)
		default:
			return nil, &txn.StoreUnavailableError{Op: "scan active", Err: errUnexpectedKey(kv.Key)}
		}
	}
	return ids, nil
}

type Status struct {
	NextID     uint64
	ActiveTxns uint64
	Storage    *engine.Status
}

func (s *TxnStore) Status(ctx context.Context) (*Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := s.scanActive()
	if err != nil {
		return nil, err
	}
	storage, err := s.engine.Status()
	if err != nil {
		return nil, &txn.StoreUnavailableError{Op: "status", Err: err}
	}
	return &Status{
		NextID:     s.ids.Peek(),
		ActiveTxns: uint64(len(ids)),
		Storage:    storage,
	}, nil
}
