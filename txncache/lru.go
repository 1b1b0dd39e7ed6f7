package txncache

import (
	"container/list"
	"sync"

	"cabbageTxn/logger"
	"cabbageTxn/txn"

	"go.uber.org/atomic"
)

// striped spreads entries over power of two stripes, each an LRU list with
// its own mutex.
type striped struct {
	stripes []*stripe
	mask    uint64
	evicted atomic.Uint64
}

type stripe struct {
	mu       sync.Mutex
	capacity int
	lru      *list.List
	entries  map[uint64]*list.Element
}

func newStriped(capacity, stripes int) *striped {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if stripes <= 0 {
		stripes = DefaultStripes
	}
	n := 1
	for n < stripes {
		n <<= 1
	}
	perStripe := (capacity + n - 1) / n

	s := &striped{stripes: make([]*stripe, n), mask: uint64(n - 1)}
	for i := range s.stripes {
		s.stripes[i] = &stripe{
			capacity: perStripe,
			lru:      list.New(),
			entries:  make(map[uint64]*list.Element),
		}
	}
	return s
}

func (s *striped) stripe(id uint64) *stripe {
	return s.stripes[id&s.mask]
}

func (s *striped) get(id uint64) (*txn.TxnView, bool) {
	st := s.stripe(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.entries[id]
	if !ok {
		return nil, false
	}
	st.lru.MoveToFront(e)
	return e.Value.(*txn.TxnView), true
}

func (s *striped) add(view *txn.TxnView) *txn.TxnView {
	st := s.stripe(view.ID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if e, ok := st.entries[view.ID]; ok {
		st.lru.MoveToFront(e)
		return e.Value.(*txn.TxnView)
	}
	st.entries[view.ID] = st.lru.PushFront(view)

	if st.lru.Len() <= st.capacity {
		return view
	}
	oldest := st.lru.Back()
	st.lru.Remove(oldest)
	evicted := oldest.Value.(*txn.TxnView)
	delete(st.entries, evicted.ID)
	s.evicted.Inc()
	logger.Debugw("evict cached transaction", "txn", evicted.ID)
	return view
}

func (s *striped) contains(id uint64) bool {
	st := s.stripe(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.entries[id]
	return ok
}

func (s *striped) remove(id uint64) {
	st := s.stripe(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	if e, ok := st.entries[id]; ok {
		st.lru.Remove(e)
		delete(st.entries, id)
	}
}

func (s *striped) len() int {
	n := 0
	for _, st := range s.stripes {
		st.mu.Lock()
		n += st.lru.Len()
		st.mu.Unlock()
	}
	return n
}

func (s *striped) evictions() uint64 {
	return s.evicted.Load()
}

func (s *striped) close() {}
