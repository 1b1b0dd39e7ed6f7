package txncache

import (
	"cabbageTxn/txn"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// tinyLFU keeps views in a ristretto cache. Every view costs 1, so MaxCost is
// the capacity in views. A full cache may refuse a new view when the views it
// would evict are used more often; the lookup still succeeds, the view is
// just not resident afterwards.
type tinyLFU struct {
	cache   *ristretto.Cache
	removed atomic.Uint64
}

func newTinyLFU(capacity int) (*tinyLFU, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		// ten counters per entry
		NumCounters:        int64(capacity) * 10,
		MaxCost:            int64(capacity),
		BufferItems:        64,
		Metrics:            true,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create tinylfu cache")
	}
	return &tinyLFU{cache: cache}, nil
}

func (t *tinyLFU) get(id uint64) (*txn.TxnView, bool) {
	value, ok := t.cache.Get(id)
	if !ok {
		return nil, false
	}
	return value.(*txn.TxnView), true
}

// add waits for ristretto's write buffer, so a view that was admitted is
// visible to the next lookup.
func (t *tinyLFU) add(view *txn.TxnView) *txn.TxnView {
	if cached, ok := t.get(view.ID); ok {
		return cached
	}
	t.cache.Set(view.ID, view, 1)
	t.cache.Wait()
	return view
}

// contains is a lookup, so it counts towards the id's frequency.
func (t *tinyLFU) contains(id uint64) bool {
	_, ok := t.cache.Get(id)
	return ok
}

func (t *tinyLFU) remove(id uint64) {
	if !t.contains(id) {
		return
	}
	t.cache.Del(id)
	t.removed.Inc()
}

func (t *tinyLFU) len() int {
	m := t.cache.Metrics
	n := int64(m.KeysAdded()) - int64(m.KeysEvicted()) - int64(t.removed.Load())
	if n < 0 {
		return 0
	}
	return int(n)
}

func (t *tinyLFU) evictions() uint64 {
	return t.cache.Metrics.KeysEvicted()
}

func (t *tinyLFU) close() {
	t.cache.Close()
}
