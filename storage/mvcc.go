package storage

import (
	"bytes"
	"context"
	"sync"

	"cabbageTxn/engine"
	"cabbageTxn/filter"
	"cabbageTxn/logger"
	"cabbageTxn/txn"
	"cabbageTxn/util"
)

// VersionStore keeps every write as its own immutable cell version, keyed by
// the id of the writing transaction. What a reader sees is decided at scan
// time by a filter.State.
type VersionStore struct {
	engine   engine.Engine
	supplier txn.Supplier
	// serializes conflict checks with the writes they guard
	mu sync.Mutex
}

func NewVersionStore(e engine.Engine, supplier txn.Supplier) *VersionStore {
	return &VersionStore{engine: e, supplier: supplier}
}

// Put writes one column of a row.
func (vs *VersionStore) Put(ctx context.Context, writerID uint64, table string, row, qualifier, value []byte) error {
	writer, err := vs.writer(ctx, writerID, table)
	if err != nil {
		return err
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()

	cells, err := vs.rowCells(table, row)
	if err != nil {
		return err
	}
	if err = vs.checkConflicts(ctx, writer, table, row, cells); err != nil {
		return err
	}
	if hasOwn(cells, filter.KindTombstone, writer.ID) && !hasOwn(cells, filter.KindAntiTombstone, writer.ID) {
		// re-insert after deleting the row in the same transaction; versions
		// older than the delete stay covered
		reinsert := &Versioned{Table: table, Row: row, Kind: filter.KindAntiTombstone, TxnID: writer.ID}
		if err = vs.engine.Set(reinsert.MVCCEncode(), filter.ReinsertMarker); err != nil {
			return &txn.StoreUnavailableError{Op: "write re-insert", Err: err}
		}
	}
	versioned := &Versioned{Table: table, Row: row, Kind: filter.KindUserData, Qualifier: qualifier, TxnID: writer.ID}
	if err = vs.engine.Set(versioned.MVCCEncode(), value); err != nil {
		return &txn.StoreUnavailableError{Op: "put", Err: err}
	}
	return vs.recordWrite(writer.ID, table, row)
}

// Delete hides every version of the row visible to later readers.
func (vs *VersionStore) Delete(ctx context.Context, writerID uint64, table string, row []byte) error {
	writer, err := vs.writer(ctx, writerID, table)
	if err != nil {
		return err
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()

	cells, err := vs.rowCells(table, row)
	if err != nil {
		return err
	}
	if err = vs.checkConflicts(ctx, writer, table, row, cells); err != nil {
		return err
	}
	// the writer's own anti-tombstone and data share the tombstone's
	// timestamp, so they are dropped rather than covered
	for _, cell := range cells {
		if cell.TxnID != writer.ID || (cell.Kind != filter.KindAntiTombstone && cell.Kind != filter.KindUserData) {
			continue
		}
		if err = vs.engine.Delete(cell.MVCCEncode()); err != nil {
			return &txn.StoreUnavailableError{Op: "delete", Err: err}
		}
	}
	if err = vs.writeMarker(writer.ID, table, row, filter.KindTombstone); err != nil {
		return err
	}
	return vs.recordWrite(writer.ID, table, row)
}

// Undelete retracts earlier deletes of the row, making the versions they hid
// visible again. Data the writer itself wrote before deleting the row is gone
// and stays gone.
func (vs *VersionStore) Undelete(ctx context.Context, writerID uint64, table string, row []byte) error {
	writer, err := vs.writer(ctx, writerID, table)
	if err != nil {
		return err
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()

	cells, err := vs.rowCells(table, row)
	if err != nil {
		return err
	}
	if err = vs.checkConflicts(ctx, writer, table, row, cells); err != nil {
		return err
	}
	if err = vs.writeMarker(writer.ID, table, row, filter.KindAntiTombstone); err != nil {
		return err
	}
	return vs.recordWrite(writer.ID, table, row)
}

func (vs *VersionStore) writer(ctx context.Context, writerID uint64, table string) (*txn.TxnView, error) {
	writer, err := vs.supplier.GetTransaction(ctx, writerID)
	if err != nil {
		return nil, err
	}
	state, _, err := txn.EffectiveState(ctx, vs.supplier, writer)
	if err != nil {
		return nil, err
	}
	if state != txn.StateActive {
		return nil, &txn.NotActiveError{TxnID: writer.ID, State: state}
	}
	if !writer.WritesTo(table) {
		return nil, &txn.UndeclaredTableError{TxnID: writer.ID, Table: table}
	}
	return writer, nil
}

func (vs *VersionStore) writeMarker(writerID uint64, table string, row []byte, kind filter.CellKind) error {
	marker := &Versioned{Table: table, Row: row, Kind: kind, TxnID: writerID}
	if err := vs.engine.Set(marker.MVCCEncode(), []byte{}); err != nil {
		return &txn.StoreUnavailableError{Op: "write " + kind.String(), Err: err}
	}
	return nil
}

func (vs *VersionStore) recordWrite(writerID uint64, table string, row []byte) error {
	txnWrite := &TxnWrite{TxnID: writerID, Table: table, Row: row}
	if err := vs.engine.Set(txnWrite.MVCCEncode(), []byte{'1'}); err != nil {
		return &txn.StoreUnavailableError{Op: "record write", Err: err}
	}
	return nil
}

func (vs *VersionStore) rowCells(table string, row []byte) ([]*Versioned, error) {
	kvs, err := vs.engine.ScanPrefix(rowPrefix(table, row))
	if err != nil {
		return nil, &txn.StoreUnavailableError{Op: "scan row", Err: err}
	}
	cells := make([]*Versioned, 0, len(kvs))
	for _, kv := range kvs {
		v, err := decodeVersioned(kv.Key)
		if err != nil {
			return nil, err
		}
		cells = append(cells, v)
	}
	return cells, nil
}

// checkConflicts fails the write when another transaction wrote the row
// concurrently. Commit timestamp cells are not writes.
func (vs *VersionStore) checkConflicts(ctx context.Context, writer *txn.TxnView, table string, row []byte, cells []*Versioned) error {
	checked := make(map[uint64]struct{})
	for _, cell := range cells {
		if cell.Kind == filter.KindCommitTimestamp || cell.TxnID == writer.ID {
			continue
		}
		if _, ok := checked[cell.TxnID]; ok {
			continue
		}
		checked[cell.TxnID] = struct{}{}

		other, err := vs.supplier.GetTransaction(ctx, cell.TxnID)
		if err != nil {
			return err
		}
		conflict, err := txn.ConflictsWith(ctx, vs.supplier, writer, other)
		if err != nil {
			return err
		}
		if conflict == txn.ConflictSibling {
			return &txn.WriteConflictError{TxnID: writer.ID, ConflictID: other.ID, Table: table, Row: row}
		}
	}
	return nil
}

func hasOwn(cells []*Versioned, kind filter.CellKind, writerID uint64) bool {
	for _, cell := range cells {
		if cell.Kind == kind && cell.TxnID == writerID {
			return true
		}
	}
	return false
}

// Scan feeds the cells of table through state, row by row and newest version
// first, and calls fn with the result of every row that is not excluded. The
// accumulator is reset after each row.
func (vs *VersionStore) Scan(ctx context.Context, state *filter.State, table string, fn func(*filter.Cell) error) error {
	kvs, err := vs.engine.ScanPrefix(tablePrefix(table))
	if err != nil {
		return &txn.StoreUnavailableError{Op: "scan", Err: err}
	}

	var (
		current    []byte
		started    bool
		skipRow    bool
		skipKind   filter.CellKind
		skipColumn []byte
	)
	for _, kv := range kvs {
		v, err := decodeVersioned(kv.Key)
		if err != nil {
			return err
		}
		if !started || !bytes.Equal(v.Row, current) {
			if started {
				if err = finishRow(state, fn); err != nil {
					return err
				}
			}
			if err = ctx.Err(); err != nil {
				return err
			}
			started, current = true, v.Row
			skipRow, skipColumn = false, nil
		}
		if skipRow {
			continue
		}
		if skipColumn != nil && v.Kind == skipKind && bytes.Equal(v.Qualifier, skipColumn) {
			continue
		}

		code, err := state.FilterCell(ctx, v.Cell(kv.Value))
		if err != nil {
			return err
		}
		switch code {
		case filter.NextRow:
			skipRow = true
		case filter.NextColumn, filter.IncludeAndNextColumn:
			skipKind, skipColumn = v.Kind, v.Qualifier
		}
	}
	if started {
		return finishRow(state, fn)
	}
	return nil
}

func finishRow(state *filter.State, fn func(*filter.Cell) error) error {
	var err error
	if !state.ExcludeRow() {
		if result := state.ProduceAccumulatedResult(); result != nil {
			err = fn(result)
		}
	}
	state.Accumulator().Reset()
	state.NextRow()
	return err
}

// Committed rolls a committed root transaction forward: every row it wrote
// gets a commit timestamp cell, so later scans resolve its writes without a
// lookup. A child's own commit timestamp is not its effective one, so its
// writes keep being resolved through the transaction store.
func (vs *VersionStore) Committed(ctx context.Context, view *txn.TxnView) error {
	if !view.IsRoot() {
		return nil
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()

	writes, err := vs.writes(view.ID)
	if err != nil {
		return err
	}
	for _, w := range writes {
		if err = ctx.Err(); err != nil {
			return err
		}
		commit := &Versioned{Table: w.Table, Row: w.Row, Kind: filter.KindCommitTimestamp, TxnID: view.ID}
		if err = vs.engine.Set(commit.MVCCEncode(), util.BinaryToByte(view.CommitTimestamp)); err != nil {
			return &txn.StoreUnavailableError{Op: "roll forward", Err: err}
		}
		if err = vs.engine.Delete(w.MVCCEncode()); err != nil {
			return &txn.StoreUnavailableError{Op: "roll forward", Err: err}
		}
	}
	logger.Debugw("rolled forward", "txn", view.ID, "rows", len(writes))
	return nil
}

// RolledBack removes every version the transaction wrote.
func (vs *VersionStore) RolledBack(ctx context.Context, view *txn.TxnView) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	writes, err := vs.writes(view.ID)
	if err != nil {
		return err
	}
	for _, w := range writes {
		if err = ctx.Err(); err != nil {
			return err
		}
		cells, err := vs.rowCells(w.Table, w.Row)
		if err != nil {
			return err
		}
		for _, cell := range cells {
			if cell.TxnID != view.ID {
				continue
			}
			if err = vs.engine.Delete(cell.MVCCEncode()); err != nil {
				return &txn.StoreUnavailableError{Op: "rollback cleanup", Err: err}
			}
		}
		if err = vs.engine.Delete(w.MVCCEncode()); err != nil {
			return &txn.StoreUnavailableError{Op: "rollback cleanup", Err: err}
		}
	}
	logger.Debugw("removed rolled back versions", "txn", view.ID, "rows", len(writes))
	return nil
}

func (vs *VersionStore) writes(txnID uint64) ([]*TxnWrite, error) {
	kvs, err := vs.engine.ScanPrefix((&TxnWrite{TxnID: txnID}).MVCCEncode())
	if err != nil {
		return nil, &txn.StoreUnavailableError{Op: "scan writes", Err: err}
	}
	writes := make([]*TxnWrite, 0, len(kvs))
	for _, kv := range kvs {
		key, err := DecodeKey(kv.Key)
		if err != nil {
			return nil, err
		}
		switch k := key.(type) {
		case *TxnWrite:
			writes = append(writes, k)
		default:
			return nil, errUnexpectedKey(kv.Key)
		}
	}
	return writes, nil
}

func decodeVersioned(raw []byte) (*Versioned, error) {
	key, err := DecodeKey(raw)
	if err != nil {
		return nil, err
	}
	switch k := key.(type) {
	case *Versioned:
		return k, nil
	default:
		return nil, errUnexpectedKey(raw)
	}
}
