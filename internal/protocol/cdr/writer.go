package cdr

import (
	"encoding/binary"
	"math"

	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/pkg/errors"
)

// DefaultCapacity bounds a Writer created with a non-positive capacity.
const DefaultCapacity = 64 * 1024

// Writer encodes values into a growable buffer bounded by a fixed capacity.
type Writer struct {
	buf      []byte
	capacity int
	origin   int
	endian   Endianness
	order    binary.ByteOrder
}

func NewWriter(e Endianness, capacity int) *Writer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	initial := capacity
	if initial > 1024 {
		initial = 1024
	}
	return &Writer{
		buf:      make([]byte, 0, initial),
		capacity: capacity,
		endian:   e,
		order:    e.ByteOrder(),
	}
}

// Bytes returns the encoded bytes. The slice is valid until the next write.
func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) Capacity() int {
	return w.capacity
}

func (w *Writer) Endianness() Endianness {
	return w.endian
}

func (w *Writer) SetEndianness(e Endianness) {
	w.endian = e
	w.order = e.ByteOrder()
}

// SetOrigin makes the current length the alignment origin.
func (w *Writer) SetOrigin() {
	w.origin = len(w.buf)
}

// Reset empties the buffer and clears the origin.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.origin = 0
}

// Truncate drops everything written after n bytes.
func (w *Writer) Truncate(n int) {
	if n >= 0 && n < len(w.buf) {
		w.buf = w.buf[:n]
	}
	if w.origin > len(w.buf) {
		w.origin = len(w.buf)
	}
}

func (w *Writer) grow(n int) ([]byte, error) {
	if n < 0 || len(w.buf)+n > w.capacity {
		return nil, errors.Wrapf(protocol.ErrBufferFull, "cdr: need %d bytes at offset %d, capacity %d", n, len(w.buf), w.capacity)
	}
	start := len(w.buf)
	w.buf = append(w.buf, make([]byte, n)...)
	return w.buf[start : start+n], nil
}

// Align writes zero padding up to the next multiple of n from the origin.
func (w *Writer) Align(n int) error {
	_, err := w.grow(padding(len(w.buf)-w.origin, n))
	return err
}

func (w *Writer) WriteBytes(b []byte) error {
	dst, err := w.grow(len(b))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (w *Writer) WriteOctet(v uint8) error {
	dst, err := w.grow(1)
	if err != nil {
		return err
	}
	dst[0] = v
	return nil
}

func (w *Writer) WriteBool(v bool) error {
	if v {
		return w.WriteOctet(1)
	}
	return w.WriteOctet(0)
}

func (w *Writer) WriteUint16(v uint16) error {
	if err := w.Align(2); err != nil {
		return err
	}
	dst, err := w.grow(2)
	if err != nil {
		return err
	}
	w.order.PutUint16(dst, v)
	return nil
}

func (w *Writer) WriteInt16(v int16) error {
	return w.WriteUint16(uint16(v))
}

func (w *Writer) WriteUint32(v uint32) error {
	if err := w.Align(4); err != nil {
		return err
	}
	dst, err := w.grow(4)
	if err != nil {
		return err
	}
	w.order.PutUint32(dst, v)
	return nil
}

func (w *Writer) WriteInt32(v int32) error {
	return w.WriteUint32(uint32(v))
}

func (w *Writer) WriteUint64(v uint64) error {
	if err := w.Align(8); err != nil {
		return err
	}
	dst, err := w.grow(8)
	if err != nil {
		return err
	}
	w.order.PutUint64(dst, v)
	return nil
}

func (w *Writer) WriteInt64(v int64) error {
	return w.WriteUint64(uint64(v))
}

func (w *Writer) WriteFloat32(v float32) error {
	return w.WriteUint32(math.Float32bits(v))
}

func (w *Writer) WriteFloat64(v float64) error {
	return w.WriteUint64(math.Float64bits(v))
}

// WriteString writes the length including the NUL terminator, the characters,
// the terminator and zero padding to the next 4-byte boundary.
func (w *Writer) WriteString(s string) error {
	if err := w.WriteUint32(uint32(len(s) + 1)); err != nil {
		return err
	}
	dst, err := w.grow(len(s) + 1)
	if err != nil {
		return err
	}
	copy(dst, s)
	return w.Align(4)
}

// WriteOctets writes a uint32-length opaque sequence and its padding.
func (w *Writer) WriteOctets(b []byte) error {
	if err := w.WriteUint32(uint32(len(b))); err != nil {
		return err
	}
	if err := w.WriteBytes(b); err != nil {
		return err
	}
	return w.Align(4)
}

func (w *Writer) WriteUint32Seq(vs []uint32) error {
	if err := w.WriteUint32(uint32(len(vs))); err != nil {
		return err
	}
	for _, v := range vs {
		if err := w.WriteUint32(v); err != nil {
			return err
		}
	}
	return nil
}

// PutUint16At overwrites two already written bytes at off, used to patch
// length fields once the body size is known.
func (w *Writer) PutUint16At(off int, v uint16) error {
	if off < 0 || off+2 > len(w.buf) {
		return errors.Wrapf(protocol.ErrBufferFull, "cdr: patch offset %d outside %d written bytes", off, len(w.buf))
	}
	w.order.PutUint16(w.buf[off:off+2], v)
	return nil
}
