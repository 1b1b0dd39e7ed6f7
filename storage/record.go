package storage

import (
	"time"

	"cabbageTxn/txn"
	"cabbageTxn/util"

	"github.com/pkg/errors"
)

const recordVersion byte = 1

// encodeRecord writes every field of the view except LastKeepAlive, which
// lives under its own key so heartbeats do not rewrite the record.
func encodeRecord(v *txn.TxnView) []byte {
	buf := []byte{recordVersion}
	buf = append(buf, util.BinaryToByte(v.ID)...)
	buf = append(buf, util.BinaryToByte(v.BeginTimestamp)...)
	buf = append(buf, util.BinaryToByte(v.CommitTimestamp)...)
	buf = append(buf, util.BinaryToByte(v.ParentID)...)
	buf = append(buf, byte(v.Isolation), byte(v.State), util.BoolToByte(v.Additive), byte(v.RollbackReason))
	buf = append(buf, util.BinaryToByte(uint32(len(v.DestinationTables)))...)
	for _, table := range v.DestinationTables {
		buf = util.AppendBytes(buf, []byte(table))
	}
	return buf
}

func decodeRecord(buf []byte) (*txn.TxnView, error) {
	r := util.NewReader(buf)
	if version := r.Byte(); r.Err() == nil && version != recordVersion {
		return nil, errors.Errorf("unsupported transaction record version %d", version)
	}
	v := &txn.TxnView{
		ID:              r.Uint64(),
		BeginTimestamp:  r.Uint64(),
		CommitTimestamp: r.Uint64(),
		ParentID:        r.Uint64(),
		Isolation:       txn.IsolationLevel(r.Byte()),
		State:           txn.State(r.Byte()),
		Additive:        r.Byte() == 0x01,
		RollbackReason:  txn.RollbackReason(r.Byte()),
	}
	n := r.Uint32()
	if r.Err() != nil {
		return nil, errors.Wrap(r.Err(), "decode transaction record")
	}
	for i := uint32(0); i < n; i++ {
		table := r.Bytes()
		if r.Err() != nil {
			return nil, errors.Wrap(r.Err(), "decode destination tables")
		}
		v.DestinationTables = append(v.DestinationTables, string(table))
	}
	if r.Remaining() != 0 {
		return nil, errors.Errorf("%d trailing bytes in transaction record %d", r.Remaining(), v.ID)
	}
	switch v.State {
	case txn.StateActive, txn.StateCommitted, txn.StateRolledBack:
	default:
		return nil, errors.Errorf("transaction record %d has invalid state %d", v.ID, v.State)
	}
	return v, nil
}

func encodeHeartbeat(t time.Time) []byte {
	return util.BinaryToByte(t.UnixNano())
}

func decodeHeartbeat(buf []byte) (time.Time, error) {
	var nanos int64
	if err := util.ByteToInt(buf, &nanos); err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos), nil
}
