// Package engine defines the key/value contract the transaction store and the
// versioned cell store are written against, plus an in-memory implementation.
package engine

// KeyValue is one entry returned by a scan.
type KeyValue struct {
	Key   []byte
	Value []byte
}

type Status struct {
	Name            string
	Keys            uint64
	Size            uint64
	TotalDiskSize   uint64
	LiveDiskSize    uint64
	GarbageDiskSize uint64
	FileName        string
}

// Engine is an ordered key/value store. Implementations must be safe for
// concurrent use. Get returns a nil value and a nil error for a missing key.
type Engine interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// Scan returns the entries in [from, to) in ascending key order. A nil to
	// scans to the end of the keyspace.
	Scan(from, to []byte) ([]*KeyValue, error)
	ScanPrefix(prefix []byte) ([]*KeyValue, error)
	Flush() error
	Status() (*Status, error)
	Close() error
}
