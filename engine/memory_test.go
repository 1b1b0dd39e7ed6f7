package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryGetSetDelete(t *testing.T) {
	m := NewMemory()
	v, err := m.Get([]byte("a"))
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, m.Set([]byte("a"), []byte("1")))
	v, err = m.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, m.Delete([]byte("a")))
	v, err = m.Get([]byte("a"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestMemoryScan(t *testing.T) {
	m := NewMemory()
	for _, k := range []string{"a1", "a2", "b1", "b2", "c"} {
		require.NoError(t, m.Set([]byte(k), []byte(k)))
	}

	kvs, err := m.Scan([]byte("a2"), []byte("b2"))
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, []byte("a2"), kvs[0].Key)
	require.Equal(t, []byte("b1"), kvs[1].Key)

	kvs, err = m.Scan([]byte("b"), nil)
	require.NoError(t, err)
	require.Len(t, kvs, 3)

	kvs, err = m.ScanPrefix([]byte("a"))
	require.NoError(t, err)
	require.Len(t, kvs, 2)

	st, err := m.Status()
	require.NoError(t, err)
	require.Equal(t, uint64(5), st.Keys)
}

func TestMemoryValuesAreCopied(t *testing.T) {
	m := NewMemory()
	key := []byte("k")
	val := []byte("v")
	require.NoError(t, m.Set(key, val))
	val[0] = 'x'
	got, err := m.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
}
