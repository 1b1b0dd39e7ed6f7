package util

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBinaryRoundTrip(t *testing.T) {
	var v uint64
	require.NoError(t, ByteToInt(BinaryToByte(uint64(42)), &v))
	require.Equal(t, uint64(42), v)

	var small uint32
	require.Error(t, ByteToInt([]byte{1, 2}, &small))
}

func TestDescUint64Ordering(t *testing.T) {
	older := DescUint64(30)
	newer := DescUint64(50)
	require.Equal(t, -1, bytes.Compare(newer, older))

	v, err := DecodeDescUint64(newer)
	require.NoError(t, err)
	require.Equal(t, uint64(50), v)

	_, err = DecodeDescUint64([]byte{1})
	require.Error(t, err)
}

func TestReader(t *testing.T) {
	buf := BinaryToByte(uint64(7))
	buf = append(buf, 3)
	buf = AppendBytes(buf, []byte("orders"))
	buf = append(buf, BinaryToByte(uint32(9))...)

	r := NewReader(buf)
	require.Equal(t, uint64(7), r.Uint64())
	require.Equal(t, byte(3), r.Byte())
	require.Equal(t, []byte("orders"), r.Bytes())
	require.Equal(t, uint32(9), r.Uint32())
	require.NoError(t, r.Err())
	require.Equal(t, 0, r.Remaining())

	r.Uint64()
	require.Error(t, r.Err())
}

func TestPrefixEnd(t *testing.T) {
	require.Equal(t, []byte{0x04, 0x02}, PrefixEnd([]byte{0x04, 0x01}))
	require.Equal(t, []byte{0x05}, PrefixEnd([]byte{0x04, 0xff}))
	require.Nil(t, PrefixEnd([]byte{0xff, 0xff}))
}
