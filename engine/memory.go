package engine

import (
	"bytes"
	"sync"

	"cabbageTxn/util"

	"github.com/google/btree"
)

type memItem struct {
	key   []byte
	value []byte
}

func (mi *memItem) Less(than btree.Item) bool {
	other := than.(*memItem)
	return bytes.Compare(mi.key, other.key) < 0
}

// Memory keeps every entry in a btree. Nothing survives Close.
type Memory struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

func NewMemory() *Memory {
	return &Memory{tree: btree.New(8)}
}

func (m *Memory) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item := m.tree.Get(&memItem{key: key})
	if item == nil {
		return nil, nil
	}
	return append([]byte{}, item.(*memItem).value...), nil
}

func (m *Memory) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.ReplaceOrInsert(&memItem{
		key:   append([]byte{}, key...),
		value: append([]byte{}, value...),
	})
	return nil
}

func (m *Memory) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Delete(&memItem{key: key})
	return nil
}

func (m *Memory) Scan(from, to []byte) ([]*KeyValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*KeyValue
	iter := func(i btree.Item) bool {
		item := i.(*memItem)
		result = append(result, &KeyValue{
			Key:   append([]byte{}, item.key...),
			Value: append([]byte{}, item.value...),
		})
		return true
	}
	if to == nil {
		m.tree.AscendGreaterOrEqual(&memItem{key: from}, iter)
	} else {
		m.tree.AscendRange(&memItem{key: from}, &memItem{key: to}, iter)
	}
	return result, nil
}

func (m *Memory) ScanPrefix(prefix []byte) ([]*KeyValue, error) {
	return m.Scan(prefix, util.PrefixEnd(prefix))
}

func (m *Memory) Flush() error {
	return nil
}

func (m *Memory) Status() (*Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var size uint64
	m.tree.Ascend(func(i btree.Item) bool {
		item := i.(*memItem)
		size += uint64(len(item.key) + len(item.value))
		return true
	})
	return &Status{
		Name:         "memory",
		Keys:         uint64(m.tree.Len()),
		Size:         size,
		LiveDiskSize: 0,
	}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Clear(false)
	return nil
}
