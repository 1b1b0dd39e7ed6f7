// Package txncache caches the views of finished transactions in front of a
// transaction supplier.
package txncache

import (
	"context"

	"cabbageTxn/txn"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	DefaultCapacity = 4096
	DefaultStripes  = 16
)

// Policy picks how a full cache makes room.
type Policy string

const (
	// PolicyLRU evicts the least recently used view of a stripe.
	PolicyLRU Policy = "lru"
	// PolicyTinyLFU admits and evicts by estimated access frequency.
	PolicyTinyLFU Policy = "tinylfu"
)

// ParsePolicy accepts the configuration names of the policies; empty means
// LRU.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyLRU:
		return PolicyLRU, nil
	case PolicyTinyLFU:
		return PolicyTinyLFU, nil
	}
	return "", errors.Errorf("unknown cache policy %q", s)
}

// Cache maps transaction ids to COMMITTED or ROLLED_BACK views. A terminal
// view never changes, so an entry is valid until it is evicted and eviction
// only costs another store lookup. ACTIVE views are never stored.
//
// The supplier is never called with a cache lock held, so concurrent misses
// on one id may each fetch it.
type Cache struct {
	supplier txn.Supplier
	views    residentSet

	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ txn.Supplier = (*Cache)(nil)

// residentSet holds the cached views under one eviction policy.
type residentSet interface {
	get(id uint64) (*txn.TxnView, bool)
	// add stores view unless the id is already resident, in which case the
	// resident view is returned.
	add(view *txn.TxnView) *txn.TxnView
	contains(id uint64) bool
	remove(id uint64)
	len() int
	evictions() uint64
	close()
}

type Stats struct {
	Policy    Policy
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

// New builds an LRU cache holding about capacity views. stripes is rounded
// up to a power of two.
func New(supplier txn.Supplier, capacity, stripes int) *Cache {
	return &Cache{supplier: supplier, views: newStriped(capacity, stripes)}
}

// NewWithPolicy builds a cache with the given eviction policy. stripes only
// applies to LRU; the frequency based policy shards internally.
func NewWithPolicy(supplier txn.Supplier, policy Policy, capacity, stripes int) (*Cache, error) {
	switch policy {
	case "", PolicyLRU:
		return New(supplier, capacity, stripes), nil
	case PolicyTinyLFU:
		views, err := newTinyLFU(capacity)
		if err != nil {
			return nil, err
		}
		return &Cache{supplier: supplier, views: views}, nil
	}
	return nil, errors.Errorf("unknown cache policy %q", policy)
}

// GetTransaction returns the cached view or asks the supplier. Supplier
// errors are returned unchanged and nothing is cached for them. The returned
// view is shared and must not be modified.
func (c *Cache) GetTransaction(ctx context.Context, id uint64) (*txn.TxnView, error) {
	if view, ok := c.views.get(id); ok {
		c.hits.Inc()
		return view, nil
	}
	c.misses.Inc()

	view, err := c.supplier.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if view.State.IsFinal() {
		return c.views.add(view), nil
	}
	return view, nil
}

// TransactionCached reports membership without asking the supplier. Under
// LRU it does not touch the recency order either.
func (c *Cache) TransactionCached(id uint64) bool {
	return c.views.contains(id)
}

// Invalidate drops id from the cache.
func (c *Cache) Invalidate(id uint64) {
	c.views.remove(id)
}

func (c *Cache) Len() int {
	return c.views.len()
}

func (c *Cache) Policy() Policy {
	if _, ok := c.views.(*tinyLFU); ok {
		return PolicyTinyLFU
	}
	return PolicyLRU
}

func (c *Cache) Stats() Stats {
	return Stats{
		Policy:    c.Policy(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.views.evictions(),
		Size:      c.Len(),
	}
}

// Close releases the policy's background workers.
func (c *Cache) Close() {
	c.views.close()
}
