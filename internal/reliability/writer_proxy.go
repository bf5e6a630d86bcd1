package reliability

import (
	"github.com/danmuck/rtpscore/internal/protocol"
)

// WriterProxy tracks the changes of one remote writer as seen by a local
// reader. Every sequence number up to AvailableUpTo is either received,
// irrelevant or lost; above it, received and irrelevant numbers are kept as
// ranges and everything else up to the highest announced number is missing.
type WriterProxy struct {
	RemoteWriter       protocol.GUID
	LastHeartbeatCount uint32

	availableUpTo protocol.SequenceNumber
	announcedUpTo protocol.SequenceNumber
	received      RangeSet
	lost          RangeSet
	lostCount     int64
}

func NewWriterProxy(remote protocol.GUID) *WriterProxy {
	return &WriterProxy{RemoteWriter: remote}
}

// Clone returns a deep copy of p.
func (p *WriterProxy) Clone() *WriterProxy {
	cp := *p
	cp.received = p.received.Clone()
	cp.lost = p.lost.Clone()
	return &cp
}

// AvailableUpTo is the highest sequence number below which nothing is
// outstanding.
func (p *WriterProxy) AvailableUpTo() protocol.SequenceNumber {
	return p.availableUpTo
}

// AnnouncedUpTo is the highest lastSN seen in a heartbeat.
func (p *WriterProxy) AnnouncedUpTo() protocol.SequenceNumber {
	return p.announcedUpTo
}

// ReceivedChangeSet records sn as received. It reports false for a duplicate
// or for a number at or below AvailableUpTo.
func (p *WriterProxy) ReceivedChangeSet(sn protocol.SequenceNumber) bool {
	if sn <= p.availableUpTo || !p.received.Add(sn) {
		return false
	}
	p.advance()
	return true
}

// IrrelevantChangeSet records sn as carrying nothing for this reader.
func (p *WriterProxy) IrrelevantChangeSet(sn protocol.SequenceNumber) bool {
	return p.ReceivedChangeSet(sn)
}

// IrrelevantChangeRange marks [first, last] irrelevant without enumerating it.
func (p *WriterProxy) IrrelevantChangeRange(first, last protocol.SequenceNumber) {
	if p.availableUpTo == protocol.SequenceNumberMax {
		return
	}
	if first <= p.availableUpTo {
		first = p.availableUpTo + 1
	}
	if last < first {
		return
	}
	p.received.AddRange(first, last)
	p.advance()
}

// LostChangesUpdate declares everything below firstSN that was never
// received lost, raising AvailableUpTo to at least firstSN-1. It returns the
// number of newly lost changes. A firstSN of 1 or less loses nothing.
func (p *WriterProxy) LostChangesUpdate(firstSN protocol.SequenceNumber) int64 {
	if firstSN <= 1 {
		return 0
	}
	limit := firstSN - 1
	if limit <= p.availableUpTo {
		return 0
	}
	var lost int64
	for _, r := range p.received.Complement(p.availableUpTo+1, limit) {
		p.lost.AddRange(r.First, r.Last)
		lost += r.Len()
	}
	p.lostCount += lost
	p.received.RemoveBelow(firstSN)
	p.availableUpTo = limit
	p.advance()
	return lost
}

// MissingChangesUpdate extends the announced range to lastSN; every number
// in (AvailableUpTo, lastSN] not yet received becomes missing.
func (p *WriterProxy) MissingChangesUpdate(lastSN protocol.SequenceNumber) {
	if lastSN > p.announcedUpTo {
		p.announcedUpTo = lastSN
	}
}

// ProcessHeartbeat applies a heartbeat if its count is newer than the last
// one applied. It reports whether the heartbeat was applied.
func (p *WriterProxy) ProcessHeartbeat(count uint32, firstSN, lastSN protocol.SequenceNumber) bool {
	if count <= p.LastHeartbeatCount {
		return false
	}
	p.LastHeartbeatCount = count
	p.LostChangesUpdate(firstSN)
	p.MissingChangesUpdate(lastSN)
	return true
}

// Missing returns the missing ranges.
func (p *WriterProxy) Missing() []Range {
	if p.availableUpTo >= p.announcedUpTo {
		return nil
	}
	return p.received.Complement(p.availableUpTo+1, p.announcedUpTo)
}

func (p *WriterProxy) HasMissing() bool {
	return len(p.Missing()) > 0
}

func (p *WriterProxy) IsMissing(sn protocol.SequenceNumber) bool {
	return sn > p.availableUpTo && sn <= p.announcedUpTo && !p.received.Contains(sn)
}

// MissingSet encodes the missing numbers for an ACKNACK: the base is
// AvailableUpTo+1 and the bitmap covers at most 256 numbers from there.
// Once everything up to SequenceNumberMax is available the base stays at
// SequenceNumberMax with an empty bitmap.
func (p *WriterProxy) MissingSet() protocol.SequenceNumberSet {
	base := p.availableUpTo
	if base < protocol.SequenceNumberMax {
		base++
	}
	set := protocol.SequenceNumberSet{Base: base}
	windowEnd := protocol.SequenceNumberMax
	if base <= protocol.SequenceNumberMax-(protocol.MaxSetBits-1) {
		windowEnd = base + protocol.MaxSetBits - 1
	}
	for _, r := range p.Missing() {
		if r.First > windowEnd {
			break
		}
		last := r.Last
		if last > windowEnd {
			last = windowEnd
		}
		for sn := r.First; ; sn++ {
			// cannot fail: sn is inside the window
			_ = set.Add(sn)
			if sn == last {
				break
			}
		}
	}
	return set
}

// Lost returns the ranges declared lost.
func (p *WriterProxy) Lost() []Range {
	return p.lost.Ranges()
}

// LostCount is the total number of changes ever declared lost.
func (p *WriterProxy) LostCount() int64 {
	return p.lostCount
}

func (p *WriterProxy) IsLost(sn protocol.SequenceNumber) bool {
	return p.lost.Contains(sn)
}

// advance folds received ranges adjacent to AvailableUpTo into it.
func (p *WriterProxy) advance() {
	for {
		r, ok := p.received.Front()
		if !ok || p.availableUpTo == protocol.SequenceNumberMax || r.First > p.availableUpTo+1 {
			return
		}
		p.received.PopFront()
		if r.Last > p.availableUpTo {
			p.availableUpTo = r.Last
		}
	}
}
