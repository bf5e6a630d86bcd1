package cdr

import (
	"math"

	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/pkg/errors"
)

// SequenceNumber reads the {high int32, low uint32} pair.
func (r *Reader) SequenceNumber() (protocol.SequenceNumber, error) {
	high, err := r.Int32()
	if err != nil {
		return 0, err
	}
	low, err := r.Uint32()
	if err != nil {
		return 0, err
	}
	return protocol.NewSequenceNumber(high, low), nil
}

func (w *Writer) WriteSequenceNumber(sn protocol.SequenceNumber) error {
	high, low := sn.Split()
	if err := w.WriteInt32(high); err != nil {
		return err
	}
	return w.WriteUint32(low)
}

// SequenceNumberSet reads a base, a bit count and ceil(bits/32) words. Sets
// wider than 256 bits or with a negative base are malformed.
func (r *Reader) SequenceNumberSet() (protocol.SequenceNumberSet, error) {
	var set protocol.SequenceNumberSet
	high, err := r.Int32()
	if err != nil {
		return set, err
	}
	low, err := r.Uint32()
	if err != nil {
		return set, err
	}
	if high < 0 {
		return set, errors.Wrapf(protocol.ErrMalformed, "cdr: sequence set base high %d is negative", high)
	}
	numBits, err := r.Uint32()
	if err != nil {
		return set, err
	}
	if numBits > protocol.MaxSetBits {
		return set, errors.Wrapf(protocol.ErrMalformed, "cdr: sequence set of %d bits exceeds %d", numBits, protocol.MaxSetBits)
	}
	set.Base = protocol.NewSequenceNumber(high, low)
	set.NumBits = numBits
	for i := 0; i < set.Words(); i++ {
		if set.Bitmap[i], err = r.Uint32(); err != nil {
			return protocol.SequenceNumberSet{}, err
		}
	}
	// Members end at SequenceNumberMax.
	if room := protocol.SequenceNumberMax - set.Base; room < protocol.SequenceNumber(numBits)-1 {
		set.NumBits = uint32(room) + 1
	}
	// Bits past NumBits carry no meaning.
	words := set.Words()
	for i := words; i < len(set.Bitmap); i++ {
		set.Bitmap[i] = 0
	}
	if tail := set.NumBits % 32; tail != 0 && words > 0 {
		set.Bitmap[words-1] &= math.MaxUint32 << (32 - tail)
	}
	return set, nil
}

func (w *Writer) WriteSequenceNumberSet(set protocol.SequenceNumberSet) error {
	if set.NumBits > protocol.MaxSetBits {
		return errors.Wrapf(protocol.ErrMalformed, "cdr: sequence set of %d bits exceeds %d", set.NumBits, protocol.MaxSetBits)
	}
	if err := w.WriteSequenceNumber(set.Base); err != nil {
		return err
	}
	if err := w.WriteUint32(set.NumBits); err != nil {
		return err
	}
	for i := 0; i < set.Words(); i++ {
		if err := w.WriteUint32(set.Bitmap[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) GuidPrefix() (protocol.GuidPrefix, error) {
	var p protocol.GuidPrefix
	err := r.ReadInto(p[:])
	return p, err
}

func (w *Writer) WriteGuidPrefix(p protocol.GuidPrefix) error {
	return w.WriteBytes(p[:])
}

func (r *Reader) EntityID() (protocol.EntityID, error) {
	var id protocol.EntityID
	err := r.ReadInto(id[:])
	return id, err
}

func (w *Writer) WriteEntityID(id protocol.EntityID) error {
	return w.WriteBytes(id[:])
}

// Locator reads kind, port and the 16-byte address.
func (r *Reader) Locator() (protocol.Locator, error) {
	var loc protocol.Locator
	var err error
	if loc.Kind, err = r.Int32(); err != nil {
		return loc, err
	}
	if loc.Port, err = r.Uint32(); err != nil {
		return loc, err
	}
	err = r.ReadInto(loc.Address[:])
	return loc, err
}

func (w *Writer) WriteLocator(loc protocol.Locator) error {
	if err := w.WriteInt32(loc.Kind); err != nil {
		return err
	}
	if err := w.WriteUint32(loc.Port); err != nil {
		return err
	}
	return w.WriteBytes(loc.Address[:])
}

func (r *Reader) Time() (protocol.Time, error) {
	var t protocol.Time
	var err error
	if t.Seconds, err = r.Int32(); err != nil {
		return t, err
	}
	t.Fraction, err = r.Uint32()
	return t, err
}

func (w *Writer) WriteTime(t protocol.Time) error {
	if err := w.WriteInt32(t.Seconds); err != nil {
		return err
	}
	return w.WriteUint32(t.Fraction)
}
