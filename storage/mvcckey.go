package storage

import (
	"cabbageTxn/filter"
	"cabbageTxn/util"

	"github.com/pkg/errors"
)

// Key is one of the closed set of keys the transaction core writes to the
// engine. DecodeKey is the only way back from bytes.
type Key interface {
	MVCCEncode() []byte
}

const (
	KeyPrefix byte = 0x04

	NextTxnIDPrefix    byte = 0x01
	TxnRecordPrefix    byte = 0x02
	TxnHeartbeatPrefix byte = 0x03
	TxnActivePrefix    byte = 0x04
	TxnWritePrefix     byte = 0x05
	VersionedPrefix    byte = 0x06
)

// NextTxnID holds the allocator ceiling: every id below it may have been
// handed out.
type NextTxnID struct{}

func (n *NextTxnID) MVCCEncode() []byte {
	return []byte{KeyPrefix, NextTxnIDPrefix}
}

type TxnRecord struct {
	ID uint64
}

func (t *TxnRecord) MVCCEncode() []byte {
	return append([]byte{KeyPrefix, TxnRecordPrefix}, util.BinaryToByte(t.ID)...)
}

type TxnHeartbeat struct {
	ID uint64
}

func (t *TxnHeartbeat) MVCCEncode() []byte {
	return append([]byte{KeyPrefix, TxnHeartbeatPrefix}, util.BinaryToByte(t.ID)...)
}

// TxnActive marks an ACTIVE transaction so recovery does not have to read
// every record.
type TxnActive struct {
	ID uint64
}

func (t *TxnActive) MVCCEncode() []byte {
	if t.ID == 0 {
		return []byte{KeyPrefix, TxnActivePrefix}
	}
	return append([]byte{KeyPrefix, TxnActivePrefix}, util.BinaryToByte(t.ID)...)
}

// TxnWrite records that a transaction wrote a row, for roll-forward and
// rollback cleanup.
type TxnWrite struct {
	TxnID uint64
	Table string
	Row   []byte
}

func (t *TxnWrite) MVCCEncode() []byte {
	key := append([]byte{KeyPrefix, TxnWritePrefix}, util.BinaryToByte(t.TxnID)...)
	if t.Table == "" && t.Row == nil {
		return key
	}
	key = util.AppendBytes(key, []byte(t.Table))
	return util.AppendBytes(key, t.Row)
}

// Versioned is one stored cell. Within a row cells sort by kind, then by
// qualifier, then newest writer first.
type Versioned struct {
	Table     string
	Row       []byte
	Kind      filter.CellKind
	Qualifier []byte
	TxnID     uint64
}

// custom encoding instead of gob, so that the byte order matches the scan order
func (v *Versioned) MVCCEncode() []byte {
	key := append(rowPrefix(v.Table, v.Row), byte(v.Kind))
	key = util.AppendBytes(key, v.Qualifier)
	return append(key, util.DescUint64(v.TxnID)...)
}

func tablePrefix(table string) []byte {
	return util.AppendBytes([]byte{KeyPrefix, VersionedPrefix}, []byte(table))
}

func rowPrefix(table string, row []byte) []byte {
	return util.AppendBytes(tablePrefix(table), row)
}

func (v *Versioned) Cell(value []byte) *filter.Cell {
	return &filter.Cell{
		Row:       v.Row,
		Qualifier: v.Qualifier,
		Timestamp: v.TxnID,
		Value:     value,
		Kind:      v.Kind,
	}
}

func DecodeKey(key []byte) (Key, error) {
	if len(key) < 2 || key[0] != KeyPrefix {
		return nil, errors.Errorf("not a transaction key: %x", key)
	}

	switch key[1] {
	case NextTxnIDPrefix:
		if len(key) != 2 {
			return nil, errors.Errorf("invalid next txn id key: %x", key)
		}
		return &NextTxnID{}, nil
	case TxnRecordPrefix:
		id, err := decodeID(key)
		if err != nil {
			return nil, err
		}
		return &TxnRecord{ID: id}, nil
	case TxnHeartbeatPrefix:
		id, err := decodeID(key)
		if err != nil {
			return nil, err
		}
		return &TxnHeartbeat{ID: id}, nil
	case TxnActivePrefix:
		id, err := decodeID(key)
		if err != nil {
			return nil, err
		}
		return &TxnActive{ID: id}, nil
	case TxnWritePrefix:
		r := util.NewReader(key[2:])
		txnWrite := &TxnWrite{TxnID: r.Uint64()}
		txnWrite.Table = string(r.Bytes())
		txnWrite.Row = r.Bytes()
		if r.Err() != nil || r.Remaining() != 0 {
			return nil, errors.Errorf("invalid txn write key: %x", key)
		}
		return txnWrite, nil
	case VersionedPrefix:
		r := util.NewReader(key[2:])
		versioned := &Versioned{Table: string(r.Bytes())}
		versioned.Row = r.Bytes()
		versioned.Kind = filter.CellKind(r.Byte())
		versioned.Qualifier = r.Bytes()
		if r.Err() != nil || r.Remaining() != 8 || !versioned.Kind.Valid() {
			return nil, errors.Errorf("invalid versioned key: %x", key)
		}
		ts, err := util.DecodeDescUint64(key[len(key)-8:])
		if err != nil {
			return nil, err
		}
		versioned.TxnID = ts
		return versioned, nil
	}

	return nil, errors.Errorf("unknown transaction key prefix %#x", key[1])
}

func decodeID(key []byte) (uint64, error) {
	if len(key) != 10 {
		return 0, errors.Errorf("invalid transaction key: %x", key)
	}
	var id uint64
	err := util.ByteToInt(key[2:], &id)
	return id, err
}

func errUnexpectedKey(key []byte) error {
	return errors.Errorf("unexpected key %x", key)
}
