package storage

import (
	"context"
	"testing"

	"cabbageTxn/engine"
	"cabbageTxn/filter"
	"cabbageTxn/txn"

	"github.com/stretchr/testify/require"
)

type testEnv struct {
	t     *testing.T
	ctx   context.Context
	store *TxnStore
	vs    *VersionStore
}

func newTestEnv(t *testing.T) *testEnv {
	e := engine.NewMemory()
	s, err := NewTxnStore(e)
	require.NoError(t, err)
	return &testEnv{t: t, ctx: context.Background(), store: s, vs: NewVersionStore(e, s)}
}

func (env *testEnv) begin(opts txn.BeginOptions) uint64 {
	tx, err := env.store.Begin(env.ctx, opts)
	require.NoError(env.t, err)
	return tx.ID
}

func (env *testEnv) commit(id uint64) {
	_, _, err := env.store.Commit(env.ctx, id)
	require.NoError(env.t, err)
}

func (env *testEnv) put(id uint64, row, column, value string) {
	require.NoError(env.t, env.vs.Put(env.ctx, id, "t", []byte(row), []byte(column), []byte(value)))
}

// rows scans table t as reader and returns row -> column -> value.
func (env *testEnv) rows(supplier txn.Supplier, readerID uint64, columns ...[]byte) map[string]map[string]string {
	rows, err := scanRows(env.ctx, supplier, env.vs, readerID, columns...)
	require.NoError(env.t, err)
	return rows
}

func scanRows(ctx context.Context, supplier txn.Supplier, vs *VersionStore, readerID uint64, columns ...[]byte) (map[string]map[string]string, error) {
	reader, err := supplier.GetTransaction(ctx, readerID)
	if err != nil {
		return nil, err
	}
	snapshot, err := txn.NewSnapshot(ctx, supplier, reader)
	if err != nil {
		return nil, err
	}
	state := filter.NewState(filter.NewTxnFilter(snapshot), filter.NewColumnAccumulator(columns...))
	rows := make(map[string]map[string]string)
	err = vs.Scan(ctx, state, "t", func(c *filter.Cell) error {
		decoded, err := filter.DecodeColumns(c.Value)
		if err != nil {
			return err
		}
		row := make(map[string]string)
		for _, col := range decoded {
			row[string(col.Qualifier)] = string(col.Value)
		}
		rows[string(c.Row)] = row
		return nil
	})
	return rows, err
}

// lookupFailer fails lookups of the listed ids.
type lookupFailer struct {
	txn.Supplier
	fail map[uint64]bool
}

func (l *lookupFailer) GetTransaction(ctx context.Context, id uint64) (*txn.TxnView, error) {
	if l.fail[id] {
		return nil, &txn.StoreUnavailableError{Op: "get transaction", Err: errInjected}
	}
	return l.Supplier.GetTransaction(ctx, id)
}

func TestSnapshotReads(t *testing.T) {
	env := newTestEnv(t)

	t1 := env.begin(txn.BeginOptions{})
	env.put(t1, "r1", "a", "1")
	env.commit(t1)

	t2 := env.begin(txn.BeginOptions{})

	t3 := env.begin(txn.BeginOptions{})
	env.put(t3, "r1", "a", "2")
	env.commit(t3)

	require.Equal(t, map[string]map[string]string{"r1": {"a": "1"}}, env.rows(env.store, t2))

	t4 := env.begin(txn.BeginOptions{})
	t5 := env.begin(txn.BeginOptions{})
	env.put(t5, "r2", "a", "x")
	require.Equal(t, map[string]map[string]string{"r1": {"a": "2"}}, env.rows(env.store, t4))
	require.Equal(t, map[string]map[string]string{"r1": {"a": "2"}, "r2": {"a": "x"}}, env.rows(env.store, t5))

	ru := env.begin(txn.BeginOptions{Isolation: txn.ReadUncommitted})
	require.Contains(t, env.rows(env.store, ru), "r2")
	rc := env.begin(txn.BeginOptions{Isolation: txn.ReadCommitted})
	require.NotContains(t, env.rows(env.store, rc), "r2")
	env.commit(t5)
	require.Contains(t, env.rows(env.store, rc), "r2")
	require.NotContains(t, env.rows(env.store, t4), "r2")
}

func TestProjection(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.begin(txn.BeginOptions{})
	env.put(t1, "r1", "a", "1")
	env.put(t1, "r1", "b", "2")
	env.put(t1, "r2", "b", "3")
	env.commit(t1)

	reader := env.begin(txn.BeginOptions{})
	require.Equal(t, map[string]map[string]string{"r1": {"a": "1"}}, env.rows(env.store, reader, []byte("a")))
}

func TestWriteConflict(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.begin(txn.BeginOptions{})
	t2 := env.begin(txn.BeginOptions{})
	env.put(t1, "r", "a", "1")

	err := env.vs.Put(env.ctx, t2, "t", []byte("r"), []byte("a"), []byte("2"))
	require.True(t, txn.IsWriteConflict(err))
	require.True(t, txn.IsRetryable(err))

	env.commit(t1)
	// t2 began before t1 committed
	err = env.vs.Delete(env.ctx, t2, "t", []byte("r"))
	require.True(t, txn.IsWriteConflict(err))

	t3 := env.begin(txn.BeginOptions{})
	env.put(t3, "r", "a", "3")
}

func TestAdditiveWritesCoexist(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.begin(txn.BeginOptions{Additive: true})
	t2 := env.begin(txn.BeginOptions{Additive: true})
	env.put(t1, "r", "a", "1")
	env.put(t2, "r", "b", "2")
	env.commit(t1)
	env.commit(t2)

	reader := env.begin(txn.BeginOptions{})
	require.Equal(t, map[string]map[string]string{"r": {"a": "1", "b": "2"}}, env.rows(env.store, reader))
}

func TestRolledBackWritesAreRemoved(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.begin(txn.BeginOptions{})
	env.put(t1, "r", "a", "1")
	_, err := env.store.Rollback(env.ctx, t1, txn.RollbackExplicit)
	require.NoError(t, err)

	t2 := env.begin(txn.BeginOptions{})
	require.Empty(t, env.rows(env.store, t2))
	env.put(t2, "r", "a", "2")

	view, err := env.store.GetTransaction(env.ctx, t1)
	require.NoError(t, err)
	require.NoError(t, env.vs.RolledBack(env.ctx, view))

	cells, err := env.vs.rowCells("t", []byte("r"))
	require.NoError(t, err)
	for _, c := range cells {
		require.NotEqual(t, t1, c.TxnID)
	}
	writes, err := env.vs.writes(t1)
	require.NoError(t, err)
	require.Empty(t, writes)
}

func TestDeleteAndUndelete(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.begin(txn.BeginOptions{})
	env.put(t1, "r", "a", "1")
	env.put(t1, "r", "b", "2")
	env.commit(t1)

	t2 := env.begin(txn.BeginOptions{})
	require.NoError(t, env.vs.Delete(env.ctx, t2, "t", []byte("r")))
	require.Empty(t, env.rows(env.store, t2))
	env.commit(t2)

	t3 := env.begin(txn.BeginOptions{})
	require.Empty(t, env.rows(env.store, t3))
	env.put(t3, "r", "a", "3")
	env.commit(t3)

	t4 := env.begin(txn.BeginOptions{})
	require.Equal(t, map[string]map[string]string{"r": {"a": "3"}}, env.rows(env.store, t4))

	t5 := env.begin(txn.BeginOptions{})
	require.NoError(t, env.vs.Undelete(env.ctx, t5, "t", []byte("r")))
	env.commit(t5)

	t6 := env.begin(txn.BeginOptions{})
	require.Equal(t, map[string]map[string]string{"r": {"a": "3", "b": "2"}}, env.rows(env.store, t6))
	// t4 started before the undelete committed
	require.Equal(t, map[string]map[string]string{"r": {"a": "3"}}, env.rows(env.store, t4))
}

func TestDeleteAfterReinsertInSameTransaction(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.begin(txn.BeginOptions{})
	env.put(t1, "r", "a", "1")
	env.commit(t1)

	t2 := env.begin(txn.BeginOptions{})
	require.NoError(t, env.vs.Delete(env.ctx, t2, "t", []byte("r")))
	env.put(t2, "r", "b", "2")
	require.Equal(t, map[string]map[string]string{"r": {"b": "2"}}, env.rows(env.store, t2))
	require.NoError(t, env.vs.Delete(env.ctx, t2, "t", []byte("r")))
	require.Empty(t, env.rows(env.store, t2))
	env.commit(t2)

	t3 := env.begin(txn.BeginOptions{})
	require.Empty(t, env.rows(env.store, t3))
}

func TestDeleteThenInsertMatchesSplitTransactions(t *testing.T) {
	same := newTestEnv(t)
	t1 := same.begin(txn.BeginOptions{})
	same.put(t1, "r", "a", "1")
	same.commit(t1)
	t2 := same.begin(txn.BeginOptions{})
	same.put(t2, "r", "c", "3")
	require.NoError(t, same.vs.Delete(same.ctx, t2, "t", []byte("r")))
	same.put(t2, "r", "b", "2")
	same.commit(t2)

	split := newTestEnv(t)
	u1 := split.begin(txn.BeginOptions{})
	split.put(u1, "r", "a", "1")
	split.commit(u1)
	u2 := split.begin(txn.BeginOptions{})
	split.put(u2, "r", "c", "3")
	require.NoError(t, split.vs.Delete(split.ctx, u2, "t", []byte("r")))
	split.commit(u2)
	u3 := split.begin(txn.BeginOptions{})
	split.put(u3, "r", "b", "2")
	split.commit(u3)

	want := map[string]map[string]string{"r": {"b": "2"}}
	require.Equal(t, want, same.rows(same.store, same.begin(txn.BeginOptions{})))
	require.Equal(t, want, split.rows(split.store, split.begin(txn.BeginOptions{})))
}

func TestUndeleteAfterReinsert(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.begin(txn.BeginOptions{})
	env.put(t1, "r", "a", "1")
	env.commit(t1)

	t2 := env.begin(txn.BeginOptions{})
	require.NoError(t, env.vs.Delete(env.ctx, t2, "t", []byte("r")))
	env.put(t2, "r", "b", "2")
	require.NoError(t, env.vs.Undelete(env.ctx, t2, "t", []byte("r")))
	env.commit(t2)

	reader := env.begin(txn.BeginOptions{})
	require.Equal(t, map[string]map[string]string{"r": {"a": "1", "b": "2"}}, env.rows(env.store, reader))
}

func TestUndeclaredTable(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.begin(txn.BeginOptions{Tables: []string{"other"}})
	err := env.vs.Put(env.ctx, t1, "t", []byte("r"), []byte("a"), []byte("1"))
	var undeclared *txn.UndeclaredTableError
	require.ErrorAs(t, err, &undeclared)
	require.Equal(t, "t", undeclared.Table)
}

func TestWriteByFinishedTransaction(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.begin(txn.BeginOptions{})
	env.commit(t1)
	err := env.vs.Put(env.ctx, t1, "t", []byte("r"), []byte("a"), []byte("1"))
	require.True(t, txn.IsNotActive(err))
}

func TestRollForwardAvoidsLookups(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.begin(txn.BeginOptions{})
	env.put(t1, "r", "a", "1")
	env.commit(t1)

	view, err := env.store.GetTransaction(env.ctx, t1)
	require.NoError(t, err)
	require.NoError(t, env.vs.Committed(env.ctx, view))

	writes, err := env.vs.writes(t1)
	require.NoError(t, err)
	require.Empty(t, writes)

	reader := env.begin(txn.BeginOptions{})
	failer := &lookupFailer{Supplier: env.store, fail: map[uint64]bool{t1: true}}
	require.Equal(t, map[string]map[string]string{"r": {"a": "1"}}, env.rows(failer, reader))
}

func TestLookupFailureAbortsScan(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.begin(txn.BeginOptions{})
	env.put(t1, "r", "a", "1")
	env.commit(t1)

	reader := env.begin(txn.BeginOptions{})
	failer := &lookupFailer{Supplier: env.store, fail: map[uint64]bool{t1: true}}
	_, err := scanRows(env.ctx, failer, env.vs, reader)
	require.Error(t, err)
	require.True(t, txn.IsStoreUnavailable(err))
}

func TestChildWrites(t *testing.T) {
	env := newTestEnv(t)
	parent := env.begin(txn.BeginOptions{})
	child := env.begin(txn.BeginOptions{Parent: parent})
	env.put(child, "r", "a", "1")
	env.commit(child)

	require.Equal(t, map[string]map[string]string{"r": {"a": "1"}}, env.rows(env.store, parent))
	// writing a committed child's row is not a conflict for the parent
	env.put(parent, "r", "b", "2")

	outsider := env.begin(txn.BeginOptions{})
	require.Empty(t, env.rows(env.store, outsider))

	env.commit(parent)
	later := env.begin(txn.BeginOptions{})
	require.Equal(t, map[string]map[string]string{"r": {"a": "1", "b": "2"}}, env.rows(env.store, later))
}

func TestCount(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.begin(txn.BeginOptions{})
	env.put(t1, "r1", "a", "1")
	env.put(t1, "r1", "b", "1")
	env.put(t1, "r2", "a", "1")
	env.put(t1, "r3", "a", "1")
	env.commit(t1)
	t2 := env.begin(txn.BeginOptions{})
	require.NoError(t, env.vs.Delete(env.ctx, t2, "t", []byte("r3")))
	env.commit(t2)

	reader := env.begin(txn.BeginOptions{})
	view, err := env.store.GetTransaction(env.ctx, reader)
	require.NoError(t, err)
	snapshot, err := txn.NewSnapshot(env.ctx, env.store, view)
	require.NoError(t, err)
	acc := filter.NewCountAccumulator()
	var produced int
	err = env.vs.Scan(env.ctx, filter.NewState(filter.NewTxnFilter(snapshot), acc), "t", func(*filter.Cell) error {
		produced++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), acc.Count())
	require.Equal(t, 2, produced)
}
