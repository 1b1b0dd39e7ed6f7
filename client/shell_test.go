package client

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"cabbageTxn/engine"
	"cabbageTxn/keepalive"
	"cabbageTxn/manager"
	"cabbageTxn/storage"
	"cabbageTxn/txn"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestShell(t *testing.T) (*Shell, *bytes.Buffer) {
	ctx := context.Background()
	e := engine.NewMemory()
	store, err := storage.NewTxnStore(e)
	require.NoError(t, err)
	m, err := manager.Open(ctx, store, manager.Config{
		KeepAlive: keepalive.Config{Interval: time.Hour, Timeout: time.Hour},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	versions := storage.NewVersionStore(e, m)
	m.AddListener(versions)

	out := &bytes.Buffer{}
	return NewShell(m, versions, out), out
}

func run(t *testing.T, shell *Shell, out *bytes.Buffer, line string) string {
	out.Reset()
	require.NoError(t, shell.Execute(context.Background(), line), line)
	return out.String()
}

func TestShellTransactionLifecycle(t *testing.T) {
	shell, out := newTestShell(t)

	require.Contains(t, run(t, shell, out, "begin"), "Began SNAPSHOT_ISOLATION transaction")
	writer := shell.Current()
	require.NotZero(t, writer)
	run(t, shell, out, "put t r1 name alice")
	run(t, shell, out, "put t r2 name bob")
	require.Equal(t, "false\n", run(t, shell, out, "cached "+itoa(writer)))
	require.Contains(t, run(t, shell, out, "commit"), "Committed transaction "+itoa(writer))
	require.Zero(t, shell.Current())
	require.Equal(t, "true\n", run(t, shell, out, "cached "+itoa(writer)))
	require.Contains(t, run(t, shell, out, "get "+itoa(writer)), "COMMITTED")

	run(t, shell, out, "begin rc")
	scanned := run(t, shell, out, "scan t")
	require.Contains(t, scanned, "name=alice")
	require.Contains(t, scanned, "name=bob")
	require.Equal(t, "2\n", run(t, shell, out, "count t"))

	run(t, shell, out, "delete t r1")
	require.Equal(t, "1\n", run(t, shell, out, "count t"))
	run(t, shell, out, "undelete t r1")
	require.Equal(t, "2\n", run(t, shell, out, "count t"))
	require.Contains(t, run(t, shell, out, "rollback"), "Rolled back")
}

func TestShellNestedAndKeepAlive(t *testing.T) {
	shell, out := newTestShell(t)
	run(t, shell, out, "begin")
	parent := shell.Current()
	require.Contains(t, run(t, shell, out, "begin additive parent="+itoa(parent)), "under "+itoa(parent))
	child := shell.Current()
	require.Contains(t, run(t, shell, out, "keepalive"), "Kept transaction "+itoa(child))

	run(t, shell, out, "commit")
	run(t, shell, out, "rollback "+itoa(parent))
	require.Contains(t, run(t, shell, out, "get "+itoa(child)), "effective state ROLLED_BACK")
}

func TestShellStatusAndHelp(t *testing.T) {
	shell, out := newTestShell(t)
	run(t, shell, out, "begin")

	var status manager.Status
	require.NoError(t, json.Unmarshal([]byte(run(t, shell, out, "!status")), &status))
	require.Equal(t, uint64(1), status.Store.ActiveTxns)
	require.Equal(t, "memory", status.Store.Storage.Name)

	require.Contains(t, run(t, shell, out, "!help"), "keepalive")
	run(t, shell, out, "!headers off")
	require.False(t, shell.ShowHeaders)
}

func TestShellErrors(t *testing.T) {
	shell, _ := newTestShell(t)
	ctx := context.Background()

	require.Error(t, shell.Execute(ctx, "frobnicate"))
	require.Error(t, shell.Execute(ctx, "!frobnicate"))
	require.ErrorIs(t, shell.Execute(ctx, "commit"), errNoTxn)
	require.ErrorIs(t, shell.Execute(ctx, "put t r c v"), errNoTxn)
	require.Error(t, shell.Execute(ctx, "begin serializable"))
	require.Error(t, shell.Execute(ctx, "get abc"))
	require.True(t, txn.IsNotFound(shell.Execute(ctx, "get 999")))
	require.NoError(t, shell.Execute(ctx, "   "))

	require.NoError(t, shell.Execute(ctx, "begin tables=a"))
	err := shell.Execute(ctx, "put b r c v")
	var undeclared *txn.UndeclaredTableError
	require.True(t, errors.As(err, &undeclared))
}

func itoa(id uint64) string {
	return strconv.FormatUint(id, 10)
}
