package util

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// BinaryToByte encodes a fixed size integer big endian, so encoded keys sort
// the same way the numbers do.
func BinaryToByte[T ~uint32 | ~int32 | ~uint64 | ~uint8 | ~int64 | ~uint16](value T) []byte {
	var buffer bytes.Buffer
	// writing a fixed size integer into a bytes.Buffer cannot fail
	_ = binary.Write(&buffer, binary.BigEndian, value)
	return buffer.Bytes()
}

func ByteToInt[T ~uint32 | ~int32 | ~uint64 | ~uint8 | ~int64 | ~uint16](buf []byte, value *T) error {
	err := binary.Read(bytes.NewReader(buf), binary.BigEndian, value)
	return errors.Wrap(err, "decode integer")
}

// DescUint64 encodes v so that larger values sort first.
func DescUint64(v uint64) []byte {
	return BinaryToByte(^v)
}

// DecodeDescUint64 reverses DescUint64.
func DecodeDescUint64(buf []byte) (uint64, error) {
	if len(buf) < 8 {
		return 0, errors.Errorf("descending uint64 needs 8 bytes, got %d", len(buf))
	}
	return ^binary.BigEndian.Uint64(buf[:8]), nil
}

func BufferAppend(args ...[]byte) []byte {
	var buffer bytes.Buffer
	for _, v := range args {
		buffer.Write(v)
	}
	return buffer.Bytes()
}

func BoolToByte(b bool) byte {
	if b {
		return 0x01
	}
	return 0x00
}

// AppendBytes writes a uint32 length prefix followed by b.
func AppendBytes(dst, b []byte) []byte {
	dst = append(dst, BinaryToByte(uint32(len(b)))...)
	return append(dst, b...)
}

// ReadBytes reads a slice written by AppendBytes and returns the remainder.
func ReadBytes(buf []byte) (b, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, errors.WithStack(io.ErrUnexpectedEOF)
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n) {
		return nil, nil, errors.WithStack(io.ErrUnexpectedEOF)
	}
	return buf[:n], buf[n:], nil
}

// Reader decodes a sequence of big endian fields, remembering the first error
// so callers can check once at the end.
type Reader struct {
	buf []byte
	err error
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Uint64() uint64 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 8 {
		r.err = errors.WithStack(io.ErrUnexpectedEOF)
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[:8])
	r.buf = r.buf[8:]
	return v
}

func (r *Reader) Uint32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 4 {
		r.err = errors.WithStack(io.ErrUnexpectedEOF)
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[:4])
	r.buf = r.buf[4:]
	return v
}

func (r *Reader) Byte() byte {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 1 {
		r.err = errors.WithStack(io.ErrUnexpectedEOF)
		return 0
	}
	v := r.buf[0]
	r.buf = r.buf[1:]
	return v
}

func (r *Reader) Bytes() []byte {
	if r.err != nil {
		return nil
	}
	var b []byte
	b, r.buf, r.err = ReadBytes(r.buf)
	return b
}

func (r *Reader) Remaining() int {
	return len(r.buf)
}

func (r *Reader) Err() error {
	return r.err
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
