package storage

import (
	"math"
	"sync"

	"cabbageTxn/engine"
	"cabbageTxn/txn"
	"cabbageTxn/util"
)

const DefaultBlockSize uint64 = 1000

// allocator hands out transaction ids and commit timestamps from one
// monotonic sequence. It reserves blocks and persists the end of the block
// before using it, so after a restart it continues above every id it may
// have issued.
type allocator struct {
	mu        sync.Mutex
	engine    engine.Engine
	next      uint64
	ceiling   uint64
	blockSize uint64
	limit     uint64
}

func newAllocator(e engine.Engine, blockSize, limit uint64) (*allocator, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if limit == 0 {
		limit = math.MaxUint64 - 1
	}
	a := &allocator{engine: e, next: 1, ceiling: 1, blockSize: blockSize, limit: limit}

	value, err := e.Get((&NextTxnID{}).MVCCEncode())
	if err != nil {
		return nil, &txn.StoreUnavailableError{Op: "load id ceiling", Err: err}
	}
	if len(value) != 0 {
		var ceiling uint64
		if err = util.ByteToInt(value, &ceiling); err != nil {
			return nil, err
		}
		a.next, a.ceiling = ceiling, ceiling
	}
	return a, nil
}

func (a *allocator) Next() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next > a.limit {
		return 0, &txn.TimestampAllocationError{Reason: "id space exhausted"}
	}
	if a.next >= a.ceiling {
		ceiling := a.next + a.blockSize
		if ceiling < a.next || ceiling > a.limit+1 {
			ceiling = a.limit + 1
		}
		if err := a.engine.Set((&NextTxnID{}).MVCCEncode(), util.BinaryToByte(ceiling)); err != nil {
			return 0, &txn.TimestampAllocationError{Reason: "persist id ceiling", Err: err}
		}
		a.ceiling = ceiling
	}
	id := a.next
	a.next++
	return id, nil
}

// Peek returns the id the next call to Next would hand out.
func (a *allocator) Peek() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}
