package filter

import (
	"bytes"
	"context"

	"cabbageTxn/txn"
	"cabbageTxn/util"

	"github.com/pkg/errors"
)

// TxnFilter is the snapshot isolation filter for one reading transaction. It
// dispatches on the cell kind and memoizes the visibility of every writer it
// has resolved during the scan.
type TxnFilter struct {
	snapshot *txn.Snapshot

	// writer id -> visible, for the whole scan
	verdicts map[uint64]bool
	// writer id -> commit timestamp, learned from commit timestamp cells
	commits map[uint64]uint64

	// per row
	tombstone     uint64
	antiTombstone uint64
	reinsert      uint64
	included      map[string]struct{}
}

var _ CellFilter = (*TxnFilter)(nil)

func NewTxnFilter(snapshot *txn.Snapshot) *TxnFilter {
	return &TxnFilter{
		snapshot: snapshot,
		verdicts: make(map[uint64]bool),
		commits:  make(map[uint64]uint64),
		included: make(map[string]struct{}),
	}
}

func (f *TxnFilter) FilterCell(ctx context.Context, c *Cell) (ReturnCode, error) {
	switch c.Kind {
	case KindCommitTimestamp:
		return f.filterCommitTimestamp(c)
	case KindTombstone:
		return f.filterTombstone(ctx, c)
	case KindAntiTombstone:
		return f.filterAntiTombstone(ctx, c)
	case KindUserData:
		return f.filterUserData(ctx, c)
	default:
		return Include, nil
	}
}

func (f *TxnFilter) NextRow() {
	f.tombstone = 0
	f.antiTombstone = 0
	f.reinsert = 0
	if len(f.included) > 0 {
		f.included = make(map[string]struct{})
	}
}

func (f *TxnFilter) filterCommitTimestamp(c *Cell) (ReturnCode, error) {
	var commitTS uint64
	if err := util.ByteToInt(c.Value, &commitTS); err != nil {
		return Skip, errors.Wrapf(err, "commit timestamp of txn %d", c.Timestamp)
	}
	f.commits[c.Timestamp] = commitTS
	return Skip, nil
}

func (f *TxnFilter) filterTombstone(ctx context.Context, c *Cell) (ReturnCode, error) {
	visible, err := f.isVisible(ctx, c.Timestamp)
	if err != nil {
		return Skip, err
	}
	if visible && c.Timestamp > f.tombstone {
		f.tombstone = c.Timestamp
	}
	return Skip, nil
}

func (f *TxnFilter) filterAntiTombstone(ctx context.Context, c *Cell) (ReturnCode, error) {
	visible, err := f.isVisible(ctx, c.Timestamp)
	if err != nil {
		return Skip, err
	}
	if !visible {
		return Skip, nil
	}
	if bytes.Equal(c.Value, ReinsertMarker) {
		if c.Timestamp > f.reinsert {
			f.reinsert = c.Timestamp
		}
	} else if c.Timestamp > f.antiTombstone {
		f.antiTombstone = c.Timestamp
	}
	return Skip, nil
}

func (f *TxnFilter) filterUserData(ctx context.Context, c *Cell) (ReturnCode, error) {
	if _, ok := f.included[string(c.Qualifier)]; ok {
		return NextColumn, nil
	}
	visible, err := f.isVisible(ctx, c.Timestamp)
	if err != nil {
		return Skip, err
	}
	if !visible {
		return Skip, nil
	}
	if f.deleted(c.Timestamp) {
		// older versions of the column are covered as well
		return NextColumn, nil
	}
	f.included[string(c.Qualifier)] = struct{}{}
	return IncludeAndNextColumn, nil
}

// deleted reports whether the newest visible tombstone of the row hides a
// version written at ts. An anti-tombstone at or after the tombstone retracts
// the delete; a re-insert at or after it only uncovers versions from its own
// timestamp on.
func (f *TxnFilter) deleted(ts uint64) bool {
	if f.tombstone == 0 || f.antiTombstone >= f.tombstone || ts > f.tombstone {
		return false
	}
	return f.reinsert < f.tombstone || ts < f.reinsert
}

func (f *TxnFilter) isVisible(ctx context.Context, writerID uint64) (bool, error) {
	if visible, ok := f.verdicts[writerID]; ok {
		return visible, nil
	}
	var visible bool
	if commitTS, ok := f.commits[writerID]; ok {
		visible = f.snapshot.VisibleCommitted(writerID, commitTS)
	} else {
		var err error
		visible, err = f.snapshot.IsVisibleID(ctx, writerID)
		if err != nil {
			return false, err
		}
	}
	f.verdicts[writerID] = visible
	return visible, nil
}
