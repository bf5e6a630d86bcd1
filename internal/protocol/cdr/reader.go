package cdr

import (
	"encoding/binary"
	"math"

	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/pkg/errors"
)

// Reader decodes values from a byte slice. It never reads past the slice.
type Reader struct {
	buf    []byte
	pos    int
	origin int
	endian Endianness
	order  binary.ByteOrder
}

func NewReader(buf []byte, e Endianness) *Reader {
	return &Reader{buf: buf, endian: e, order: e.ByteOrder()}
}

func (r *Reader) Pos() int {
	return r.pos
}

func (r *Reader) Len() int {
	return len(r.buf)
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) Endianness() Endianness {
	return r.endian
}

func (r *Reader) SetEndianness(e Endianness) {
	r.endian = e
	r.order = e.ByteOrder()
}

// SetOrigin makes the current position the alignment origin.
func (r *Reader) SetOrigin() {
	r.origin = r.pos
}

// Sub returns a reader over the next n bytes, with its own origin, and
// advances r past them.
func (r *Reader) Sub(n int) (*Reader, error) {
	b, err := r.next(n)
	if err != nil {
		return nil, err
	}
	return NewReader(b, r.endian), nil
}

// Rest returns the unread bytes without copying and advances to the end.
func (r *Reader) Rest() []byte {
	b := r.buf[r.pos:]
	r.pos = len(r.buf)
	return b
}

func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 || n > len(r.buf)-r.pos {
		return nil, errors.Wrapf(protocol.ErrTruncated, "cdr: need %d bytes at offset %d, have %d", n, r.pos, len(r.buf)-r.pos)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Align skips padding up to the next multiple of n from the origin.
func (r *Reader) Align(n int) error {
	_, err := r.next(padding(r.pos-r.origin, n))
	return err
}

func (r *Reader) Skip(n int) error {
	_, err := r.next(n)
	return err
}

// Bytes returns the next n bytes. The slice aliases the input buffer.
func (r *Reader) Bytes(n int) ([]byte, error) {
	return r.next(n)
}

// ReadInto copies len(dst) bytes into dst.
func (r *Reader) ReadInto(dst []byte) error {
	b, err := r.next(len(dst))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (r *Reader) Octet() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Bool() (bool, error) {
	v, err := r.Octet()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, errors.Wrapf(protocol.ErrMalformed, "cdr: invalid bool octet %d", v)
	}
}

func (r *Reader) Uint16() (uint16, error) {
	if err := r.Align(2); err != nil {
		return 0, err
	}
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return r.order.Uint16(b), nil
}

func (r *Reader) Int16() (int16, error) {
	v, err := r.Uint16()
	return int16(v), err
}

func (r *Reader) Uint32() (uint32, error) {
	if err := r.Align(4); err != nil {
		return 0, err
	}
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return r.order.Uint32(b), nil
}

func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

func (r *Reader) Uint64() (uint64, error) {
	if err := r.Align(8); err != nil {
		return 0, err
	}
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return r.order.Uint64(b), nil
}

func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

func (r *Reader) Float32() (float32, error) {
	v, err := r.Uint32()
	return math.Float32frombits(v), err
}

func (r *Reader) Float64() (float64, error) {
	v, err := r.Uint64()
	return math.Float64frombits(v), err
}

// String reads a uint32 length (including the NUL terminator), the characters
// and the zero padding to the next 4-byte boundary.
func (r *Reader) String() (string, error) {
	n, err := r.Uint32()
	if err != nil {
		return "", err
	}
	b, err := r.next(int(n))
	if err != nil {
		return "", err
	}
	if n > 0 {
		if b[n-1] != 0 {
			return "", errors.Wrap(protocol.ErrMalformed, "cdr: string missing nul terminator")
		}
		b = b[:n-1]
	}
	if err := r.Align(4); err != nil {
		return "", err
	}
	return string(b), nil
}

// Octets reads a uint32-length opaque sequence and its trailing padding. The
// result is a copy.
func (r *Reader) Octets() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	b, err := r.next(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	if err := r.Align(4); err != nil {
		return nil, err
	}
	return out, nil
}

// Uint32Seq reads a uint32 count followed by that many uint32 values.
func (r *Reader) Uint32Seq() ([]uint32, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.Remaining()/4 {
		return nil, errors.Wrapf(protocol.ErrTruncated, "cdr: sequence of %d uint32 exceeds buffer", n)
	}
	out := make([]uint32, n)
	for i := range out {
		if out[i], err = r.Uint32(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
