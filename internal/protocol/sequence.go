package protocol

import (
	"fmt"
	"math"
	"strings"
)

// SequenceNumber orders the changes of one writer. Valid values are strictly positive.
type SequenceNumber int64

const (
	SequenceNumberUnknown SequenceNumber = -1 << 32
	SequenceNumberMax     SequenceNumber = math.MaxInt64
)

// NewSequenceNumber joins the wire halves.
func NewSequenceNumber(high int32, low uint32) SequenceNumber {
	return SequenceNumber(int64(high)<<32 | int64(low))
}

// Split returns the wire halves.
func (sn SequenceNumber) Split() (int32, uint32) {
	return int32(int64(sn) >> 32), uint32(uint64(sn))
}

func (sn SequenceNumber) Valid() bool {
	return sn > 0
}

func (sn SequenceNumber) String() string {
	return fmt.Sprintf("%d", int64(sn))
}

const (
	MaxSetBits   = 256
	setWordCount = MaxSetBits / 32
)

// SequenceNumberSet is a base plus a bitmap of up to 256 members in
// [Base, Base+NumBits). Bit i is stored MSB-first in word i/32.
type SequenceNumberSet struct {
	Base    SequenceNumber
	NumBits uint32
	Bitmap  [setWordCount]uint32
}

// NewSequenceNumberSet builds a set with the given base and members. NumBits is
// the smallest width covering every member.
func NewSequenceNumberSet(base SequenceNumber, members ...SequenceNumber) (SequenceNumberSet, error) {
	set := SequenceNumberSet{Base: base}
	if base < 0 {
		return set, fmt.Errorf("%w: negative set base %d", ErrMalformed, base)
	}
	for _, sn := range members {
		if err := set.Add(sn); err != nil {
			return SequenceNumberSet{Base: base}, err
		}
	}
	return set, nil
}

// NewSequenceNumberSetBits builds an empty set with an explicit width.
func NewSequenceNumberSetBits(base SequenceNumber, numBits uint32) (SequenceNumberSet, error) {
	if numBits > MaxSetBits {
		return SequenceNumberSet{}, fmt.Errorf("%w: set of %d bits exceeds %d", ErrMalformed, numBits, MaxSetBits)
	}
	if base < 0 {
		return SequenceNumberSet{}, fmt.Errorf("%w: negative set base %d", ErrMalformed, base)
	}
	return SequenceNumberSet{Base: base, NumBits: numBits}, nil
}

// Add inserts sn, widening NumBits as needed.
func (s *SequenceNumberSet) Add(sn SequenceNumber) error {
	if sn < s.Base || sn-s.Base >= MaxSetBits {
		return fmt.Errorf("%w: %d outside set window [%d, %d)", ErrMalformed, sn, s.Base, s.Base+MaxSetBits)
	}
	off := uint32(sn - s.Base)
	if off+1 > s.NumBits {
		s.NumBits = off + 1
	}
	s.Bitmap[off/32] |= 1 << (31 - off%32)
	return nil
}

// Contains reports whether sn is a member.
func (s SequenceNumberSet) Contains(sn SequenceNumber) bool {
	if sn < s.Base || sn-s.Base >= SequenceNumber(s.NumBits) {
		return false
	}
	off := uint32(sn - s.Base)
	return s.Bitmap[off/32]&(1<<(31-off%32)) != 0
}

// Members lists the set in ascending order.
func (s SequenceNumberSet) Members() []SequenceNumber {
	out := make([]SequenceNumber, 0)
	for off := uint32(0); off < s.NumBits && off < MaxSetBits; off++ {
		if s.Base > 0 && SequenceNumber(off) > SequenceNumberMax-s.Base {
			break
		}
		if s.Bitmap[off/32]&(1<<(31-off%32)) != 0 {
			out = append(out, s.Base+SequenceNumber(off))
		}
	}
	return out
}

func (s SequenceNumberSet) IsEmpty() bool {
	for i := 0; i < s.Words(); i++ {
		if s.Bitmap[i] != 0 {
			return false
		}
	}
	return true
}

// Words is the number of bitmap words on the wire: ceil(NumBits/32).
func (s SequenceNumberSet) Words() int {
	return int((s.NumBits + 31) / 32)
}

func (s SequenceNumberSet) String() string {
	members := s.Members()
	parts := make([]string, 0, len(members))
	for _, sn := range members {
		parts = append(parts, sn.String())
	}
	return fmt.Sprintf("%d:%d{%s}", s.Base, s.NumBits, strings.Join(parts, ","))
}
