package reliability

import (
	"fmt"
	"strings"

	"github.com/danmuck/rtpscore/internal/protocol"
	"golang.org/x/exp/slices"
)

// Range is the inclusive interval [First, Last].
type Range struct {
	First protocol.SequenceNumber
	Last  protocol.SequenceNumber
}

func (r Range) Len() int64 {
	return int64(r.Last-r.First) + 1
}

func (r Range) String() string {
	if r.First == r.Last {
		return r.First.String()
	}
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// RangeSet is a set of sequence numbers kept as sorted, disjoint,
// non-adjacent ranges.
type RangeSet struct {
	ranges []Range
}

// search returns the index of the first range whose Last >= sn.
func (s *RangeSet) search(sn protocol.SequenceNumber) int {
	i, _ := slices.BinarySearchFunc(s.ranges, sn, func(r Range, target protocol.SequenceNumber) int {
		switch {
		case r.Last < target:
			return -1
		case r.Last > target:
			return 1
		default:
			return 0
		}
	})
	return i
}

func (s *RangeSet) Contains(sn protocol.SequenceNumber) bool {
	i := s.search(sn)
	return i < len(s.ranges) && s.ranges[i].First <= sn
}

func (s *RangeSet) Add(sn protocol.SequenceNumber) bool {
	if s.Contains(sn) {
		return false
	}
	s.AddRange(sn, sn)
	return true
}

// AddRange inserts [first, last], merging overlapping and adjacent ranges.
func (s *RangeSet) AddRange(first, last protocol.SequenceNumber) {
	if last < first {
		return
	}
	lo := first
	if lo > protocol.SequenceNumberUnknown {
		lo--
	}
	i := s.search(lo)
	j := i
	for j < len(s.ranges) && (last == protocol.SequenceNumberMax || s.ranges[j].First <= last+1) {
		if s.ranges[j].First < first {
			first = s.ranges[j].First
		}
		if s.ranges[j].Last > last {
			last = s.ranges[j].Last
		}
		j++
	}
	s.ranges = slices.Replace(s.ranges, i, j, Range{First: first, Last: last})
}

// RemoveBelow drops every member below sn.
func (s *RangeSet) RemoveBelow(sn protocol.SequenceNumber) {
	i := s.search(sn)
	s.ranges = slices.Delete(s.ranges, 0, i)
	if len(s.ranges) > 0 && s.ranges[0].First < sn {
		s.ranges[0].First = sn
	}
}

// PopFront removes and returns the lowest range.
func (s *RangeSet) PopFront() (Range, bool) {
	if len(s.ranges) == 0 {
		return Range{}, false
	}
	r := s.ranges[0]
	s.ranges = slices.Delete(s.ranges, 0, 1)
	return r, true
}

func (s *RangeSet) Front() (Range, bool) {
	if len(s.ranges) == 0 {
		return Range{}, false
	}
	return s.ranges[0], true
}

func (s *RangeSet) IsEmpty() bool {
	return len(s.ranges) == 0
}

// Count is the number of members.
func (s *RangeSet) Count() int64 {
	var n int64
	for _, r := range s.ranges {
		n += r.Len()
	}
	return n
}

// Clone returns a copy of s sharing no storage with it.
func (s *RangeSet) Clone() RangeSet {
	return RangeSet{ranges: slices.Clone(s.ranges)}
}

// Ranges returns a copy of the ranges.
func (s *RangeSet) Ranges() []Range {
	return slices.Clone(s.ranges)
}

// Complement returns the ranges of [first, last] not in s.
func (s *RangeSet) Complement(first, last protocol.SequenceNumber) []Range {
	var out []Range
	if last < first {
		return out
	}
	next := first
	for i := s.search(first); i < len(s.ranges) && s.ranges[i].First <= last; i++ {
		r := s.ranges[i]
		if r.First > next {
			out = append(out, Range{First: next, Last: r.First - 1})
		}
		if r.Last >= last {
			return out
		}
		next = r.Last + 1
	}
	return append(out, Range{First: next, Last: last})
}

func (s *RangeSet) String() string {
	parts := make([]string, 0, len(s.ranges))
	for _, r := range s.ranges {
		parts = append(parts, r.String())
	}
	return "{" + strings.Join(parts, ",") + "}"
}
