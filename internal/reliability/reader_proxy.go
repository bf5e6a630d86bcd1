package reliability

import (
	"github.com/danmuck/rtpscore/internal/protocol"
	"golang.org/x/exp/slices"
)

// ReaderProxy tracks what one remote reader acknowledged and requested from a
// local writer.
type ReaderProxy struct {
	RemoteReader     protocol.GUID
	LastAckNackCount uint32

	ackedUpTo protocol.SequenceNumber
	requested []protocol.SequenceNumber
}

func NewReaderProxy(remote protocol.GUID) *ReaderProxy {
	return &ReaderProxy{RemoteReader: remote, ackedUpTo: 1}
}

// Clone returns a deep copy of p.
func (p *ReaderProxy) Clone() *ReaderProxy {
	cp := *p
	cp.requested = slices.Clone(p.requested)
	return &cp
}

// AckedUpTo is the lowest sequence number the reader has not acknowledged.
func (p *ReaderProxy) AckedUpTo() protocol.SequenceNumber {
	return p.ackedUpTo
}

// AckedChangesSet acknowledges everything below base. It never moves back.
func (p *ReaderProxy) AckedChangesSet(base protocol.SequenceNumber) {
	if base > p.ackedUpTo {
		p.ackedUpTo = base
	}
}

// RequestedChangesSet replaces the requested set. Numbers already
// acknowledged are ignored.
func (p *ReaderProxy) RequestedChangesSet(sns []protocol.SequenceNumber) {
	req := make([]protocol.SequenceNumber, 0, len(sns))
	for _, sn := range sns {
		if sn.Valid() && sn >= p.ackedUpTo {
			req = append(req, sn)
		}
	}
	slices.Sort(req)
	p.requested = slices.Compact(req)
}

// ProcessAckNack applies an ACKNACK if its count is newer than the last one
// applied. It reports whether it was applied.
func (p *ReaderProxy) ProcessAckNack(count uint32, state protocol.SequenceNumberSet) bool {
	if count <= p.LastAckNackCount {
		return false
	}
	p.LastAckNackCount = count
	p.AckedChangesSet(state.Base)
	p.RequestedChangesSet(state.Members())
	return true
}

func (p *ReaderProxy) IsAcked(sn protocol.SequenceNumber) bool {
	return sn < p.ackedUpTo
}

func (p *ReaderProxy) HasRequested() bool {
	return len(p.requested) > 0
}

// Requested returns a copy of the requested numbers in ascending order.
func (p *ReaderProxy) Requested() []protocol.SequenceNumber {
	return slices.Clone(p.requested)
}

// TakeRequested returns the requested numbers and clears them.
func (p *ReaderProxy) TakeRequested() []protocol.SequenceNumber {
	out := p.requested
	p.requested = nil
	return out
}
