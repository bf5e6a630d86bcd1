package history

import (
	"bytes"

	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/petar/GoLLRB/llrb"
)

// Store orders changes by writer GUID then sequence number. Depth > 0 keeps
// at most Depth changes per writer; the oldest is evicted first.
type Store struct {
	tree  *llrb.LLRB
	depth int
	count map[protocol.GUID]int
}

func NewStore(depth int) *Store {
	if depth < 0 {
		depth = 0
	}
	return &Store{tree: llrb.New(), depth: depth, count: make(map[protocol.GUID]int)}
}

func (s *Store) Depth() int {
	return s.depth
}

func (s *Store) Len() int {
	return s.tree.Len()
}

// LenFor is the number of changes held for writer.
func (s *Store) LenFor(writer protocol.GUID) int {
	return s.count[writer]
}

// Add stores c and takes ownership of its payload reference. It reports
// false, leaving c untouched, when (writer, sn) is already present. Changes
// evicted by the depth limit are returned with their payloads released.
func (s *Store) Add(c *CacheChange) (bool, []*CacheChange) {
	it := changeItem{c}
	if s.tree.Has(it) {
		return false, nil
	}
	s.tree.InsertNoReplace(it)
	s.count[c.WriterGUID]++
	if s.depth == 0 {
		return true, nil
	}
	var evicted []*CacheChange
	for s.count[c.WriterGUID] > s.depth {
		oldest := s.first(c.WriterGUID)
		if oldest == nil {
			break
		}
		s.remove(oldest)
		evicted = append(evicted, oldest)
	}
	return true, evicted
}

func (s *Store) Get(writer protocol.GUID, sn protocol.SequenceNumber) *CacheChange {
	item := s.tree.Get(key(writer, sn))
	if item == nil {
		return nil
	}
	return item.(changeItem).change
}

// Remove drops (writer, sn) and releases its payload.
func (s *Store) Remove(writer protocol.GUID, sn protocol.SequenceNumber) bool {
	c := s.Get(writer, sn)
	if c == nil {
		return false
	}
	s.remove(c)
	return true
}

// RemoveBelow drops every change of writer with a sequence number below sn.
func (s *Store) RemoveBelow(writer protocol.GUID, sn protocol.SequenceNumber) int {
	var doomed []*CacheChange
	s.tree.AscendRange(key(writer, 0), key(writer, sn), func(i llrb.Item) bool {
		doomed = append(doomed, i.(changeItem).change)
		return true
	})
	for _, c := range doomed {
		s.remove(c)
	}
	return len(doomed)
}

// Min and Max return the lowest and highest sequence numbers held for writer,
// or SequenceNumberUnknown when it has none.
func (s *Store) Min(writer protocol.GUID) protocol.SequenceNumber {
	if c := s.first(writer); c != nil {
		return c.SequenceNumber
	}
	return protocol.SequenceNumberUnknown
}

func (s *Store) Max(writer protocol.GUID) protocol.SequenceNumber {
	var out *CacheChange
	s.tree.DescendLessOrEqual(key(writer, protocol.SequenceNumberMax), func(i llrb.Item) bool {
		if c := i.(changeItem).change; c.WriterGUID == writer {
			out = c
		}
		return false
	})
	if out == nil {
		return protocol.SequenceNumberUnknown
	}
	return out.SequenceNumber
}

// Ascend visits every change in order until fn returns false.
func (s *Store) Ascend(fn func(*CacheChange) bool) {
	s.tree.AscendGreaterOrEqual(s.tree.Min(), func(i llrb.Item) bool {
		return fn(i.(changeItem).change)
	})
}

// AscendFrom visits the changes of writer with sequence number >= from.
func (s *Store) AscendFrom(writer protocol.GUID, from protocol.SequenceNumber, fn func(*CacheChange) bool) {
	s.tree.AscendRange(key(writer, from), key(writer, protocol.SequenceNumberMax), func(i llrb.Item) bool {
		return fn(i.(changeItem).change)
	})
}

// Clear drops every change and releases the payloads.
func (s *Store) Clear() {
	for s.tree.Len() > 0 {
		c := s.tree.DeleteMin().(changeItem).change
		c.Release()
	}
	s.count = make(map[protocol.GUID]int)
}

func (s *Store) first(writer protocol.GUID) *CacheChange {
	var out *CacheChange
	s.tree.AscendGreaterOrEqual(key(writer, 0), func(i llrb.Item) bool {
		if c := i.(changeItem).change; c.WriterGUID == writer {
			out = c
		}
		return false
	})
	return out
}

func (s *Store) remove(c *CacheChange) {
	if s.tree.Delete(changeItem{c}) == nil {
		return
	}
	if n := s.count[c.WriterGUID] - 1; n > 0 {
		s.count[c.WriterGUID] = n
	} else {
		delete(s.count, c.WriterGUID)
	}
	c.Release()
}

type changeItem struct {
	change *CacheChange
}

func key(writer protocol.GUID, sn protocol.SequenceNumber) changeItem {
	return changeItem{&CacheChange{WriterGUID: writer, SequenceNumber: sn}}
}

func (it changeItem) Less(than llrb.Item) bool {
	a, b := it.change, than.(changeItem).change
	if c := bytes.Compare(a.WriterGUID.Prefix[:], b.WriterGUID.Prefix[:]); c != 0 {
		return c < 0
	}
	if c := bytes.Compare(a.WriterGUID.Entity[:], b.WriterGUID.Entity[:]); c != 0 {
		return c < 0
	}
	return a.SequenceNumber < b.SequenceNumber
}
