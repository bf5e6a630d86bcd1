package endpoint

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/rtpscore/internal/history"
	"github.com/danmuck/rtpscore/internal/observability"
	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/danmuck/rtpscore/internal/protocol/message"
	"github.com/danmuck/rtpscore/internal/protocol/session"
	"github.com/danmuck/rtpscore/internal/reliability"
	"github.com/rs/zerolog"
)

// Listener receives changes in delivery order. The change is only valid for
// the duration of the call; Retain it to keep it.
type Listener interface {
	OnChange(r *Reader, c *history.CacheChange)
}

type ListenerFunc func(r *Reader, c *history.CacheChange)

func (f ListenerFunc) OnChange(r *Reader, c *history.CacheChange) {
	f(r, c)
}

type matchedWriter struct {
	owner    Index
	remote   RemoteWriter
	proxy    *reliability.WriterProxy
	notified protocol.SequenceNumber
	// lastSN is the best-effort high-water mark.
	lastSN       protocol.SequenceNumber
	ackNackCount uint32
}

// Reader is a local endpoint receiving changes from matched writers.
type Reader struct {
	mu       sync.Mutex
	env      *env
	index    Index
	guid     protocol.GUID
	attr     Attributes
	writers  map[protocol.GUID]*matchedWriter
	store    *history.Store
	listener Listener
	log      zerolog.Logger
}

func newReader(e *env, guid protocol.GUID, attr Attributes, listener Listener) *Reader {
	return &Reader{
		env:      e,
		guid:     guid,
		attr:     attr,
		writers:  make(map[protocol.GUID]*matchedWriter),
		store:    history.NewStore(attr.HistoryDepth),
		listener: listener,
		log:      e.log.With().Str("reader", attr.Name).Str("guid", guid.String()).Logger(),
	}
}

func (r *Reader) GUID() protocol.GUID {
	return r.guid
}

func (r *Reader) Index() Index {
	return r.index
}

func (r *Reader) Attributes() Attributes {
	return r.attr
}

// AcceptsMessagesTo reports whether a submessage addressed to id concerns r.
func (r *Reader) AcceptsMessagesTo(id protocol.EntityID) bool {
	return id.IsUnknown() || id == r.guid.Entity
}

// MatchWriter starts tracking a remote writer. A reliable reader sends a
// preemptive ACKNACK after the heartbeat response delay.
func (r *Reader) MatchWriter(rw RemoteWriter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.writers[rw.GUID]; ok {
		return fmt.Errorf("%w: writer %s already matched", ErrEndpointExists, rw.GUID)
	}
	mw := &matchedWriter{
		owner:  r.index,
		remote: rw,
		proxy:  reliability.NewWriterProxy(rw.GUID),
	}
	r.writers[rw.GUID] = mw
	r.log.Debug().Str("writer", rw.GUID.String()).Msg("writer matched")
	if r.attr.Reliability == Reliable {
		r.scheduleAckNackLocked(mw)
	}
	return nil
}

func (r *Reader) UnmatchWriter(guid protocol.GUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.writers[guid]; !ok {
		return false
	}
	delete(r.writers, guid)
	r.env.sched.Cancel(session.Key{Local: r.guid, Remote: guid, Kind: session.EventHeartbeatResponse})
	r.store.RemoveBelow(guid, protocol.SequenceNumberMax)
	return true
}

// WriterProxy returns a copy of the proxy state for a matched writer.
func (r *Reader) WriterProxy(guid protocol.GUID) (reliability.WriterProxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mw, ok := r.writers[guid]
	if !ok {
		return reliability.WriterProxy{}, false
	}
	return *mw.proxy.Clone(), true
}

// ProcessData stores a change from a matched writer and delivers whatever
// became deliverable. The reader takes its own payload reference. It reports
// whether the change was accepted.
func (r *Reader) ProcessData(c *history.CacheChange) bool {
	r.mu.Lock()
	mw, ok := r.writers[c.WriterGUID]
	if !ok {
		r.mu.Unlock()
		r.log.Debug().Str("writer", c.WriterGUID.String()).Msg("data from unmatched writer ignored")
		return false
	}
	var deliver []*history.CacheChange
	if r.attr.Reliability == Reliable {
		if !mw.proxy.ReceivedChangeSet(c.SequenceNumber) {
			r.mu.Unlock()
			return false
		}
		r.addLocked(c)
		deliver = r.collectLocked(mw)
	} else {
		if c.SequenceNumber <= mw.lastSN {
			r.mu.Unlock()
			return false
		}
		mw.lastSN = c.SequenceNumber
		r.addLocked(c)
		deliver = []*history.CacheChange{c.Retain()}
	}
	size := r.store.Len()
	r.mu.Unlock()

	observability.SetHistorySize(r.attr.Name, size)
	r.deliver(deliver)
	return true
}

// ProcessHeartbeat applies a HEARTBEAT from writer and schedules the ACKNACK
// response when one is due.
func (r *Reader) ProcessHeartbeat(writer protocol.GUID, hb *message.Heartbeat) bool {
	if r.attr.Reliability != Reliable {
		return false
	}
	r.mu.Lock()
	mw, ok := r.writers[writer]
	if !ok {
		r.mu.Unlock()
		return false
	}
	lostBefore := mw.proxy.LostCount()
	if !mw.proxy.ProcessHeartbeat(hb.Count, hb.FirstSN, hb.LastSN) {
		r.mu.Unlock()
		return false
	}
	lost := mw.proxy.LostCount() - lostBefore
	respond := mw.proxy.HasMissing()
	if !hb.Final && !respond {
		respond = r.env.timing.RespondToNonFinalHeartbeat
	}
	if respond {
		r.scheduleAckNackLocked(mw)
	}
	deliver := r.collectLocked(mw)
	r.mu.Unlock()

	if lost > 0 {
		r.log.Debug().Int64("lost", lost).Str("writer", writer.String()).Msg("changes lost")
	}
	observability.RecordSamplesLost(lost)
	r.deliver(deliver)
	return true
}

// ProcessGap marks [GapStart, GapList.Base-1] and the GapList members
// irrelevant.
func (r *Reader) ProcessGap(writer protocol.GUID, g *message.Gap) bool {
	if r.attr.Reliability != Reliable {
		return false
	}
	r.mu.Lock()
	mw, ok := r.writers[writer]
	if !ok {
		r.mu.Unlock()
		return false
	}
	mw.proxy.IrrelevantChangeRange(g.GapStart, g.GapList.Base-1)
	for _, sn := range g.GapList.Members() {
		mw.proxy.IrrelevantChangeSet(sn)
	}
	deliver := r.collectLocked(mw)
	r.mu.Unlock()

	r.deliver(deliver)
	return true
}

// Changes returns retained copies of the history in order. Callers release
// them.
func (r *Reader) Changes() []*history.CacheChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*history.CacheChange, 0, r.store.Len())
	r.store.Ascend(func(c *history.CacheChange) bool {
		out = append(out, c.Retain())
		return true
	})
	return out
}

func (r *Reader) scheduleAckNackLocked(mw *matchedWriter) {
	e, owner, writer := r.env, mw.owner, mw.remote.GUID
	key := session.Key{Local: r.guid, Remote: writer, Kind: session.EventHeartbeatResponse}
	e.sched.Schedule(key, e.timing.HeartbeatResponseDelay, func() {
		if rd, ok := e.readerAt(owner); ok {
			rd.sendAckNack(writer)
		}
	})
}

// sendAckNack reports the missing set of writer: base AvailableUpTo+1,
// final when nothing is missing.
func (r *Reader) sendAckNack(writer protocol.GUID) {
	r.mu.Lock()
	mw, ok := r.writers[writer]
	if !ok {
		r.mu.Unlock()
		return
	}
	set := mw.proxy.MissingSet()
	mw.ackNackCount++
	bt := newBatch(r.env, writer.Prefix)
	err := bt.add(message.KindAckNack, func(b *message.Builder) error {
		return b.AckNack(&message.AckNack{
			ReaderID:      r.guid.Entity,
			WriterID:      writer.Entity,
			ReaderSNState: set,
			Count:         mw.ackNackCount,
			Final:         set.IsEmpty(),
		})
	})
	locators := mw.remote.Locators
	r.mu.Unlock()

	if err != nil {
		r.log.Error().Err(err).Msg("build acknack")
		return
	}
	r.env.sendAll(bt.datagrams(), locators)
}

func (r *Reader) addLocked(c *history.CacheChange) {
	cp := c.Retain()
	if ok, _ := r.store.Add(cp); !ok {
		cp.Release()
	}
}

// collectLocked returns retained copies of stored changes of mw that are now
// deliverable in order.
func (r *Reader) collectLocked(mw *matchedWriter) []*history.CacheChange {
	upTo := mw.proxy.AvailableUpTo()
	if upTo <= mw.notified {
		return nil
	}
	var out []*history.CacheChange
	r.store.AscendFrom(mw.remote.GUID, mw.notified+1, func(c *history.CacheChange) bool {
		if c.SequenceNumber > upTo {
			return false
		}
		out = append(out, c.Retain())
		return true
	})
	mw.notified = upTo
	return out
}

func (r *Reader) deliver(changes []*history.CacheChange) {
	for _, c := range changes {
		observability.RecordChangeDelivered()
		if r.listener != nil {
			r.listener.OnChange(r, c)
		}
		c.Release()
	}
}

func (r *Reader) info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := make([]string, 0, len(r.writers))
	for guid := range r.writers {
		matched = append(matched, guid.String())
	}
	sort.Strings(matched)
	return Info{
		Index:       r.index,
		GUID:        r.guid.String(),
		Name:        r.attr.Name,
		Kind:        "reader",
		Topic:       r.attr.Topic,
		Reliability: r.attr.Reliability.String(),
		History:     r.store.Len(),
		Matched:     matched,
	}
}
