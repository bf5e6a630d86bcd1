package endpoint

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/rtpscore/internal/history"
	"github.com/danmuck/rtpscore/internal/observability"
	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/danmuck/rtpscore/internal/protocol/cdr"
	"github.com/danmuck/rtpscore/internal/protocol/message"
	"github.com/danmuck/rtpscore/internal/protocol/session"
	"github.com/danmuck/rtpscore/internal/reliability"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type matchedReader struct {
	owner  Index
	remote RemoteReader
	proxy  *reliability.ReaderProxy
	// resentAt backs nack suppression.
	resentAt map[protocol.SequenceNumber]time.Time
}

func (mr *matchedReader) reliable() bool {
	return mr.remote.Reliability == Reliable
}

// Writer is a local endpoint publishing changes to matched readers.
type Writer struct {
	mu             sync.Mutex
	env            *env
	index          Index
	guid           protocol.GUID
	attr           Attributes
	readers        map[protocol.GUID]*matchedReader
	store          *history.Store
	lastSN         protocol.SequenceNumber
	heartbeatCount uint32
	log            zerolog.Logger
}

func newWriter(e *env, guid protocol.GUID, attr Attributes) *Writer {
	return &Writer{
		env:     e,
		guid:    guid,
		attr:    attr,
		readers: make(map[protocol.GUID]*matchedReader),
		store:   history.NewStore(attr.HistoryDepth),
		log:     e.log.With().Str("writer", attr.Name).Str("guid", guid.String()).Logger(),
	}
}

func (w *Writer) GUID() protocol.GUID {
	return w.guid
}

func (w *Writer) Index() Index {
	return w.index
}

func (w *Writer) Attributes() Attributes {
	return w.attr
}

// LastSequenceNumber is the number of the newest change written, 0 before
// the first Write.
func (w *Writer) LastSequenceNumber() protocol.SequenceNumber {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSN
}

func (w *Writer) HistoryLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.Len()
}

// MatchReader starts tracking a remote reader. A reliable reader that joins
// after the first Write gets announced through the periodic heartbeat.
func (w *Writer) MatchReader(rr RemoteReader) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.readers[rr.GUID]; ok {
		return fmt.Errorf("%w: reader %s already matched", ErrEndpointExists, rr.GUID)
	}
	mr := &matchedReader{
		owner:    w.index,
		remote:   rr,
		proxy:    reliability.NewReaderProxy(rr.GUID),
		resentAt: make(map[protocol.SequenceNumber]time.Time),
	}
	w.readers[rr.GUID] = mr
	w.log.Debug().Str("reader", rr.GUID.String()).Str("reliability", rr.Reliability.String()).Msg("reader matched")
	if mr.reliable() && w.lastSN > 0 {
		w.scheduleHeartbeatLocked()
	}
	return nil
}

func (w *Writer) UnmatchReader(guid protocol.GUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.readers[guid]; !ok {
		return false
	}
	delete(w.readers, guid)
	w.env.sched.Cancel(session.Key{Local: w.guid, Remote: guid, Kind: session.EventNackResponse})
	w.releaseAckedLocked()
	return true
}

// ReaderProxy returns a copy of the proxy state for a matched reader.
func (w *Writer) ReaderProxy(guid protocol.GUID) (reliability.ReaderProxy, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	mr, ok := w.readers[guid]
	if !ok {
		return reliability.ReaderProxy{}, false
	}
	return *mr.proxy.Clone(), true
}

// Write adds a change to the history and sends it to every matched reader.
// Non-alive changes go out as key-only DATA carrying the key hash and status
// info.
func (w *Writer) Write(kind protocol.ChangeKind, handle protocol.InstanceHandle, payload []byte) (protocol.SequenceNumber, error) {
	var p *history.Payload
	if kind == protocol.ChangeAlive {
		var err error
		if p, err = w.env.pool.Copy(payload); err != nil {
			return protocol.SequenceNumberUnknown, errors.Wrapf(err, "writer %s", w.attr.Name)
		}
	}

	w.mu.Lock()
	w.lastSN++
	c := &history.CacheChange{
		WriterGUID:         w.guid,
		SequenceNumber:     w.lastSN,
		Kind:               kind,
		InstanceHandle:     handle,
		Encapsulation:      w.encapsulation(),
		Payload:            p,
		SourceTimestamp:    protocol.TimeFrom(time.Now()),
		HasSourceTimestamp: true,
	}
	_, evicted := w.store.Add(c)
	bt := newBatch(w.env, protocol.GuidPrefixUnknown)
	err := w.appendChange(bt, c, protocol.EntityIDUnknown)
	to := w.locatorsLocked()
	if w.anyReliableLocked() {
		w.scheduleHeartbeatLocked()
	}
	sn, size := c.SequenceNumber, w.store.Len()
	w.mu.Unlock()

	if len(evicted) > 0 {
		w.log.Debug().Int("evicted", len(evicted)).Msg("history depth reached")
	}
	observability.SetHistorySize(w.attr.Name, size)
	if err != nil {
		return sn, errors.Wrapf(err, "writer %s: build change %s", w.attr.Name, sn)
	}
	w.env.sendAll(bt.datagrams(), to)
	return sn, nil
}

// ProcessAckNack applies an ACKNACK from reader. Changes acknowledged by
// every reliable reader leave the history. Requested changes, or a
// non-final ACKNACK, schedule a repair after the nack response delay.
func (w *Writer) ProcessAckNack(reader protocol.GUID, an *message.AckNack) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	mr, ok := w.readers[reader]
	if !ok || !mr.reliable() {
		return false
	}
	if !mr.proxy.ProcessAckNack(an.Count, an.ReaderSNState) {
		return false
	}
	w.releaseAckedLocked()
	if mr.proxy.HasRequested() || !an.Final {
		e, owner := w.env, mr.owner
		key := session.Key{Local: w.guid, Remote: reader, Kind: session.EventNackResponse}
		e.sched.Schedule(key, e.timing.NackResponseDelay, func() {
			if wr, ok := e.writerAt(owner); ok {
				wr.sendRequested(reader)
			}
		})
	}
	return true
}

// Changes returns retained copies of the history in order. Callers release
// them.
func (w *Writer) Changes() []*history.CacheChange {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*history.CacheChange, 0, w.store.Len())
	w.store.Ascend(func(c *history.CacheChange) bool {
		out = append(out, c.Retain())
		return true
	})
	return out
}

// sendRequested repairs what reader asked for: DATA for changes still held,
// GAP for the rest, then a HEARTBEAT.
func (w *Writer) sendRequested(reader protocol.GUID) {
	w.mu.Lock()
	mr, ok := w.readers[reader]
	if !ok {
		w.mu.Unlock()
		return
	}
	now := time.Now()
	suppress := w.env.timing.NackSuppressionDuration
	bt := newBatch(w.env, reader.Prefix)
	var (
		missing []protocol.SequenceNumber
		resent  int
		err     error
	)
	for _, sn := range mr.proxy.TakeRequested() {
		if sn > w.lastSN {
			continue
		}
		if at, ok := mr.resentAt[sn]; ok && suppress > 0 && now.Sub(at) < suppress {
			continue
		}
		c := w.store.Get(w.guid, sn)
		if c == nil {
			missing = append(missing, sn)
			continue
		}
		if err = w.appendChange(bt, c, reader.Entity); err != nil {
			break
		}
		mr.resentAt[sn] = now
		resent++
	}
	if err == nil {
		for _, g := range gapsFor(missing) {
			g.ReaderID, g.WriterID = reader.Entity, w.guid.Entity
			if err = bt.add(message.KindGap, func(b *message.Builder) error { return b.Gap(g) }); err != nil {
				break
			}
		}
	}
	if err == nil {
		err = w.appendHeartbeatLocked(bt, mr, true)
	}
	to := mr.remote.Locators
	w.mu.Unlock()

	if err != nil {
		w.log.Error().Err(err).Str("reader", reader.String()).Msg("build repair")
		return
	}
	if resent > 0 {
		w.log.Debug().Int("resent", resent).Int("gaps", len(missing)).Str("reader", reader.String()).Msg("repair")
	}
	observability.RecordRetransmissions(resent)
	w.env.sendAll(bt.datagrams(), to)
}

// heartbeatTick announces the history to every reliable reader that has not
// acknowledged everything, and rearms while any such reader remains.
func (w *Writer) heartbeatTick() {
	type outbound struct {
		dgs []datagram
		to  []protocol.Locator
	}
	w.mu.Lock()
	var sends []outbound
	for guid, mr := range w.readers {
		if !mr.reliable() || mr.proxy.AckedUpTo() > w.lastSN {
			continue
		}
		bt := newBatch(w.env, guid.Prefix)
		if err := w.appendHeartbeatLocked(bt, mr, false); err != nil {
			w.log.Error().Err(err).Str("reader", guid.String()).Msg("build heartbeat")
			continue
		}
		sends = append(sends, outbound{dgs: bt.datagrams(), to: mr.remote.Locators})
	}
	if len(sends) > 0 {
		w.scheduleHeartbeatLocked()
	}
	w.mu.Unlock()

	for _, s := range sends {
		w.env.sendAll(s.dgs, s.to)
	}
}

// appendHeartbeatLocked announces [store min, lastSN] to mr. With nothing
// left in the history the unacknowledged range is declared irrelevant
// instead.
func (w *Writer) appendHeartbeatLocked(bt *batch, mr *matchedReader, final bool) error {
	if w.lastSN == 0 {
		return nil
	}
	first := w.store.Min(w.guid)
	if first == protocol.SequenceNumberUnknown {
		acked := mr.proxy.AckedUpTo()
		if acked > w.lastSN {
			return nil
		}
		g := &message.Gap{
			ReaderID: mr.remote.GUID.Entity,
			WriterID: w.guid.Entity,
			GapStart: acked,
			GapList:  protocol.SequenceNumberSet{Base: w.lastSN + 1},
		}
		return bt.add(message.KindGap, func(b *message.Builder) error { return b.Gap(g) })
	}
	w.heartbeatCount++
	hb := &message.Heartbeat{
		ReaderID: mr.remote.GUID.Entity,
		WriterID: w.guid.Entity,
		FirstSN:  first,
		LastSN:   w.lastSN,
		Count:    w.heartbeatCount,
		Final:    final,
	}
	return bt.add(message.KindHeartbeat, func(b *message.Builder) error { return b.Heartbeat(hb) })
}

// appendChange adds INFO_TS and DATA for c addressed to reader.
func (w *Writer) appendChange(bt *batch, c *history.CacheChange, reader protocol.EntityID) error {
	d := &message.Data{
		ReaderID:       reader,
		WriterID:       w.guid.Entity,
		SequenceNumber: c.SequenceNumber,
	}
	if c.Kind == protocol.ChangeAlive {
		d.DataFlag = true
		d.Encapsulation = c.Encapsulation
		d.SerializedPayload = c.Data()
		if c.InstanceHandle != (protocol.InstanceHandle{}) {
			d.InlineQos = message.ParameterList{message.KeyHashParameter(c.InstanceHandle)}
		}
	} else {
		d.KeyFlag = true
		d.KeyParameters = message.ParameterList{
			message.KeyHashParameter(c.InstanceHandle),
			message.StatusInfoParameter(c.Kind),
		}
	}
	ts := &message.InfoTimestamp{Timestamp: c.SourceTimestamp}
	return bt.add(message.KindData, func(b *message.Builder) error {
		if c.HasSourceTimestamp {
			if err := b.InfoTimestamp(ts); err != nil {
				return err
			}
		}
		return b.Data(d)
	})
}

func (w *Writer) scheduleHeartbeatLocked() {
	key := session.Key{Local: w.guid, Remote: protocol.GUIDUnknown, Kind: session.EventHeartbeat}
	if w.env.sched.Pending(key) {
		return
	}
	w.env.sched.Schedule(key, w.env.timing.HeartbeatPeriod, w.heartbeatTick)
}

// releaseAckedLocked drops changes every reliable reader has acknowledged.
// Without reliable readers only the depth limit applies.
func (w *Writer) releaseAckedLocked() {
	low := protocol.SequenceNumberMax
	found := false
	for _, mr := range w.readers {
		if !mr.reliable() {
			continue
		}
		found = true
		if acked := mr.proxy.AckedUpTo(); acked < low {
			low = acked
		}
		for sn := range mr.resentAt {
			if mr.proxy.IsAcked(sn) {
				delete(mr.resentAt, sn)
			}
		}
	}
	if !found {
		return
	}
	if n := w.store.RemoveBelow(w.guid, low); n > 0 {
		w.log.Debug().Int("released", n).Str("acked_up_to", low.String()).Msg("history released")
		observability.SetHistorySize(w.attr.Name, w.store.Len())
	}
}

func (w *Writer) anyReliableLocked() bool {
	for _, mr := range w.readers {
		if mr.reliable() {
			return true
		}
	}
	return false
}

// locatorsLocked is the deduplicated union of every matched reader's
// locators.
func (w *Writer) locatorsLocked() []protocol.Locator {
	seen := make(map[protocol.Locator]struct{})
	var out []protocol.Locator
	for _, mr := range w.readers {
		for _, loc := range mr.remote.Locators {
			if _, ok := seen[loc]; ok {
				continue
			}
			seen[loc] = struct{}{}
			out = append(out, loc)
		}
	}
	return out
}

func (w *Writer) encapsulation() uint16 {
	if w.env.endian == cdr.LittleEndian {
		return message.EncapsulationCDRLE
	}
	return message.EncapsulationCDRBE
}

// gapsFor covers sorted sns with GAPs: each opens on a contiguous run and
// lists the following members that fit its bitmap.
func gapsFor(sns []protocol.SequenceNumber) []*message.Gap {
	var out []*message.Gap
	for i := 0; i < len(sns); {
		start := sns[i]
		end := start
		for i++; i < len(sns) && sns[i] == end+1; i++ {
			end = sns[i]
		}
		g := &message.Gap{GapStart: start, GapList: protocol.SequenceNumberSet{Base: end + 1}}
		for ; i < len(sns) && sns[i]-g.GapList.Base < protocol.MaxSetBits; i++ {
			_ = g.GapList.Add(sns[i])
		}
		out = append(out, g)
	}
	return out
}

func (w *Writer) info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	matched := make([]string, 0, len(w.readers))
	for guid := range w.readers {
		matched = append(matched, guid.String())
	}
	sort.Strings(matched)
	return Info{
		Index:              w.index,
		GUID:               w.guid.String(),
		Name:               w.attr.Name,
		Kind:               "writer",
		Topic:              w.attr.Topic,
		Reliability:        w.attr.Reliability.String(),
		History:            w.store.Len(),
		Matched:            matched,
		LastSequenceNumber: int64(w.lastSN),
	}
}
