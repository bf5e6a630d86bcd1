package endpoint

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/danmuck/rtpscore/internal/history"
	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/danmuck/rtpscore/internal/protocol/cdr"
	"github.com/danmuck/rtpscore/internal/protocol/message"
	"github.com/danmuck/rtpscore/internal/protocol/session"
	"github.com/danmuck/rtpscore/internal/testutil/testlog"
	"github.com/danmuck/rtpscore/internal/testutil/wiretest"
)

var (
	remotePrefix  = protocol.GuidPrefix{0x01, 0x0f, 0xaa, 0xbb, 0xcc, 0xdd, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
	remoteWriter  = protocol.GUID{Prefix: remotePrefix, Entity: protocol.NewEntityID(1, protocol.EntityKindUserWriterNoKey)}
	remoteReader  = protocol.GUID{Prefix: remotePrefix, Entity: protocol.NewEntityID(2, protocol.EntityKindUserReaderNoKey)}
	remoteReader2 = protocol.GUID{Prefix: remotePrefix, Entity: protocol.NewEntityID(3, protocol.EntityKindUserReaderNoKey)}
	remoteLoc     = protocol.NewUDPv4Locator(net.IPv4(127, 0, 0, 1), 7411)
)

type harness struct {
	reg    *Registry
	sched  *session.ManualScheduler
	sender *wiretest.CaptureSender
	timing session.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sched:  session.NewManualScheduler(),
		sender: &wiretest.CaptureSender{},
		timing: session.DefaultConfig(),
	}
	h.reg = NewRegistry(Options{
		Prefix:     protocol.GuidPrefix{0x01, 0x0f, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a},
		Vendor:     protocol.VendorIDLocal,
		Sender:     h.sender,
		Scheduler:  h.sched,
		Timing:     h.timing,
		Endianness: cdr.LittleEndian,
	})
	t.Cleanup(h.reg.Close)
	return h
}

func readerAttr(rel ReliabilityKind) Attributes {
	return Attributes{
		Name:        "square-reader",
		Topic:       "square",
		EntityID:    protocol.NewEntityID(7, protocol.EntityKindUserReaderNoKey),
		Reliability: rel,
	}
}

func writerAttr(rel ReliabilityKind, depth int) Attributes {
	return Attributes{
		Name:         "square-writer",
		Topic:        "square",
		EntityID:     protocol.NewEntityID(8, protocol.EntityKindUserWriterNoKey),
		Reliability:  rel,
		HistoryDepth: depth,
	}
}

type collector struct {
	sns  []protocol.SequenceNumber
	data [][]byte
}

func (c *collector) OnChange(_ *Reader, ch *history.CacheChange) {
	c.sns = append(c.sns, ch.SequenceNumber)
	c.data = append(c.data, append([]byte(nil), ch.Data()...))
}

func (h *harness) change(t *testing.T, sn protocol.SequenceNumber, data string) *history.CacheChange {
	t.Helper()
	p, err := h.reg.Pool().Copy([]byte(data))
	if err != nil {
		t.Fatalf("copy payload: %v", err)
	}
	return &history.CacheChange{WriterGUID: remoteWriter, SequenceNumber: sn, Payload: p}
}

// feed hands a change to rd and drops the caller's reference.
func (h *harness) feed(t *testing.T, rd *Reader, sn protocol.SequenceNumber, data string) bool {
	t.Helper()
	c := h.change(t, sn, data)
	defer c.Release()
	return rd.ProcessData(c)
}

func snSet(t *testing.T, base protocol.SequenceNumber, members ...protocol.SequenceNumber) protocol.SequenceNumberSet {
	t.Helper()
	set, err := protocol.NewSequenceNumberSet(base, members...)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	return set
}

func equalSNs(a []protocol.SequenceNumber, b ...protocol.SequenceNumber) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRegistryAddAndLookup(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	rd, err := h.reg.AddReader(readerAttr(Reliable), nil)
	if err != nil {
		t.Fatalf("add reader: %v", err)
	}
	w, err := h.reg.AddWriter(writerAttr(Reliable, 0))
	if err != nil {
		t.Fatalf("add writer: %v", err)
	}
	if rd.Index() != 0 || w.Index() != 1 {
		t.Fatalf("unexpected indexes reader=%d writer=%d", rd.Index(), w.Index())
	}
	if _, err := h.reg.AddReader(readerAttr(BestEffort), nil); !errors.Is(err, ErrEndpointExists) {
		t.Fatalf("expected ErrEndpointExists, got %v", err)
	}
	if got, ok := h.reg.Writer(w.GUID()); !ok || got != w {
		t.Fatalf("writer lookup failed")
	}
	if got, ok := h.reg.Reader(rd.Index()); !ok || got != rd {
		t.Fatalf("reader lookup failed")
	}
	if _, ok := h.reg.Reader(w.Index()); ok {
		t.Fatalf("writer slot must not resolve as reader")
	}
	if got := h.reg.ReadersFor(protocol.EntityIDUnknown); len(got) != 1 {
		t.Fatalf("expected unknown id to match every reader, got %d", len(got))
	}
	if got := h.reg.ReadersFor(protocol.NewEntityID(99, protocol.EntityKindUserReaderNoKey)); len(got) != 0 {
		t.Fatalf("expected no reader for foreign id, got %d", len(got))
	}

	infos := h.reg.Snapshot()
	if len(infos) != 2 || infos[0].Kind != "reader" || infos[1].Kind != "writer" {
		t.Fatalf("unexpected snapshot: %+v", infos)
	}
}

func TestRegistryRejectsInvalidAttributes(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	cases := []Attributes{
		{Name: "Bad Name", EntityID: protocol.NewEntityID(1, protocol.EntityKindUserReaderNoKey)},
		{Name: "reader"},
		{Name: "reader", EntityID: protocol.NewEntityID(1, protocol.EntityKindUserReaderNoKey), HistoryDepth: -1},
		{Name: "reader", EntityID: protocol.NewEntityID(1, protocol.EntityKindUserWriterNoKey)},
	}
	for i, attr := range cases {
		if _, err := h.reg.AddReader(attr, nil); !errors.Is(err, ErrInvalidAttribute) {
			t.Fatalf("case %d: expected ErrInvalidAttribute, got %v", i, err)
		}
	}
	if _, err := h.reg.AddWriter(readerAttr(Reliable)); !errors.Is(err, ErrInvalidAttribute) {
		t.Fatalf("expected reader entity kind to be rejected for writer, got %v", err)
	}
}

func TestReliableReaderOrderedDeliveryAndAckNack(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	col := &collector{}
	rd, err := h.reg.AddReader(readerAttr(Reliable), col)
	if err != nil {
		t.Fatalf("add reader: %v", err)
	}
	if err := rd.MatchWriter(RemoteWriter{GUID: remoteWriter, Locators: []protocol.Locator{remoteLoc}}); err != nil {
		t.Fatalf("match writer: %v", err)
	}

	h.feed(t, rd, 1, "one")
	h.feed(t, rd, 3, "three")
	if !equalSNs(col.sns, 1) {
		t.Fatalf("expected only sn 1 delivered, got %v", col.sns)
	}

	if !rd.ProcessHeartbeat(remoteWriter, &message.Heartbeat{FirstSN: 1, LastSN: 3, Count: 1}) {
		t.Fatalf("heartbeat rejected")
	}
	key := session.Key{Local: rd.GUID(), Remote: remoteWriter, Kind: session.EventHeartbeatResponse}
	if d, ok := h.sched.Delay(key); !ok || d != h.timing.HeartbeatResponseDelay {
		t.Fatalf("expected acknack due after %s, got %s pending=%v", h.timing.HeartbeatResponseDelay, d, ok)
	}
	h.sched.Advance(h.timing.HeartbeatResponseDelay)

	acks := h.sender.Submessages(t, message.KindAckNack)
	if len(acks) != 1 {
		t.Fatalf("expected 1 acknack, got %d", len(acks))
	}
	an := acks[0].(*message.AckNack)
	if an.ReaderSNState.Base != 2 || !equalSNs(an.ReaderSNState.Members(), 2) || an.Final {
		t.Fatalf("unexpected acknack state %s final=%v", an.ReaderSNState, an.Final)
	}
	if an.ReaderID != rd.GUID().Entity || an.WriterID != remoteWriter.Entity {
		t.Fatalf("unexpected acknack ids %s -> %s", an.ReaderID, an.WriterID)
	}
	dsts := h.sender.Submessages(t, message.KindInfoDestination)
	if len(dsts) != 1 || dsts[0].(*message.InfoDestination).Prefix != remotePrefix {
		t.Fatalf("expected INFO_DST for the writer participant, got %v", dsts)
	}
	sent := h.sender.Sent()
	if len(sent[0].To) != 1 || sent[0].To[0] != remoteLoc {
		t.Fatalf("unexpected destination %v", sent[0].To)
	}

	h.feed(t, rd, 2, "two")
	if !equalSNs(col.sns, 1, 2, 3) {
		t.Fatalf("expected in-order delivery 1,2,3 got %v", col.sns)
	}
	if !bytes.Equal(col.data[2], []byte("three")) {
		t.Fatalf("unexpected payload %q", col.data[2])
	}
	if h.feed(t, rd, 2, "two") {
		t.Fatalf("duplicate change must be refused")
	}
}

func TestReliableReaderPreemptiveAckNack(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	rd, _ := h.reg.AddReader(readerAttr(Reliable), nil)
	if err := rd.MatchWriter(RemoteWriter{GUID: remoteWriter, Locators: []protocol.Locator{remoteLoc}}); err != nil {
		t.Fatalf("match writer: %v", err)
	}
	if err := rd.MatchWriter(RemoteWriter{GUID: remoteWriter}); !errors.Is(err, ErrEndpointExists) {
		t.Fatalf("expected ErrEndpointExists, got %v", err)
	}
	h.sched.Advance(h.timing.HeartbeatResponseDelay)
	acks := h.sender.Submessages(t, message.KindAckNack)
	if len(acks) != 1 {
		t.Fatalf("expected preemptive acknack, got %d", len(acks))
	}
	an := acks[0].(*message.AckNack)
	if an.ReaderSNState.Base != 1 || !an.ReaderSNState.IsEmpty() || !an.Final {
		t.Fatalf("unexpected preemptive state %s final=%v", an.ReaderSNState, an.Final)
	}
}

func TestReaderHeartbeatCountGate(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	rd, _ := h.reg.AddReader(readerAttr(Reliable), nil)
	_ = rd.MatchWriter(RemoteWriter{GUID: remoteWriter})

	if !rd.ProcessHeartbeat(remoteWriter, &message.Heartbeat{FirstSN: 1, LastSN: 2, Count: 5}) {
		t.Fatalf("first heartbeat rejected")
	}
	if rd.ProcessHeartbeat(remoteWriter, &message.Heartbeat{FirstSN: 1, LastSN: 9, Count: 5}) {
		t.Fatalf("repeated count must be ignored")
	}
	wp, _ := rd.WriterProxy(remoteWriter)
	if wp.AnnouncedUpTo() != 2 {
		t.Fatalf("expected announced 2, got %d", wp.AnnouncedUpTo())
	}
	if rd.ProcessHeartbeat(protocol.GUID{Prefix: remotePrefix}, &message.Heartbeat{FirstSN: 1, LastSN: 1, Count: 9}) {
		t.Fatalf("heartbeat from unmatched writer must be ignored")
	}
}

func TestReaderFinalHeartbeatWithoutMissingSkipsResponse(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	rd, _ := h.reg.AddReader(readerAttr(Reliable), nil)
	_ = rd.MatchWriter(RemoteWriter{GUID: remoteWriter})
	key := session.Key{Local: rd.GUID(), Remote: remoteWriter, Kind: session.EventHeartbeatResponse}
	h.sched.Fire(key)

	h.feed(t, rd, 1, "one")
	rd.ProcessHeartbeat(remoteWriter, &message.Heartbeat{FirstSN: 1, LastSN: 1, Count: 1, Final: true})
	if h.sched.Pending(key) {
		t.Fatalf("final heartbeat with nothing missing must not schedule a response")
	}
	rd.ProcessHeartbeat(remoteWriter, &message.Heartbeat{FirstSN: 1, LastSN: 1, Count: 2})
	if !h.sched.Pending(key) {
		t.Fatalf("non-final heartbeat must schedule a response")
	}
}

func TestReaderGapReleasesDelivery(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	col := &collector{}
	rd, _ := h.reg.AddReader(readerAttr(Reliable), col)
	_ = rd.MatchWriter(RemoteWriter{GUID: remoteWriter})

	h.feed(t, rd, 4, "four")
	gap := &message.Gap{GapStart: 1, GapList: snSet(t, 3)}
	if !rd.ProcessGap(remoteWriter, gap) {
		t.Fatalf("gap rejected")
	}
	if len(col.sns) != 0 {
		t.Fatalf("sn 3 still unknown, got %v", col.sns)
	}
	rd.ProcessGap(remoteWriter, &message.Gap{GapStart: 3, GapList: snSet(t, 4)})
	if !equalSNs(col.sns, 4) {
		t.Fatalf("expected sn 4 delivered after gaps, got %v", col.sns)
	}
	wp, _ := rd.WriterProxy(remoteWriter)
	if wp.AvailableUpTo() != 4 {
		t.Fatalf("expected available up to 4, got %d", wp.AvailableUpTo())
	}
}

func TestReaderLostChangesAreSkipped(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	col := &collector{}
	rd, _ := h.reg.AddReader(readerAttr(Reliable), col)
	_ = rd.MatchWriter(RemoteWriter{GUID: remoteWriter})

	h.feed(t, rd, 5, "five")
	rd.ProcessHeartbeat(remoteWriter, &message.Heartbeat{FirstSN: 5, LastSN: 5, Count: 1})
	if !equalSNs(col.sns, 5) {
		t.Fatalf("expected sn 5 after 1..4 lost, got %v", col.sns)
	}
	wp, _ := rd.WriterProxy(remoteWriter)
	if wp.LostCount() != 4 {
		t.Fatalf("expected 4 lost, got %d", wp.LostCount())
	}
}

func TestBestEffortReaderDeliversImmediately(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	col := &collector{}
	rd, _ := h.reg.AddReader(readerAttr(BestEffort), col)
	_ = rd.MatchWriter(RemoteWriter{GUID: remoteWriter})

	h.feed(t, rd, 3, "three")
	h.feed(t, rd, 2, "two")
	h.feed(t, rd, 7, "seven")
	if !equalSNs(col.sns, 3, 7) {
		t.Fatalf("expected 3,7 delivered, got %v", col.sns)
	}
	if rd.ProcessHeartbeat(remoteWriter, &message.Heartbeat{FirstSN: 1, LastSN: 7, Count: 1}) {
		t.Fatalf("best-effort reader must ignore heartbeats")
	}
	if h.sched.Len() != 0 {
		t.Fatalf("best-effort reader must not schedule events, got %v", h.sched.Keys())
	}
}

func TestReaderUnmatchReleasesHistory(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	rd, _ := h.reg.AddReader(readerAttr(BestEffort), nil)
	_ = rd.MatchWriter(RemoteWriter{GUID: remoteWriter})
	h.feed(t, rd, 1, "one")
	if h.reg.Pool().Outstanding() != 1 {
		t.Fatalf("expected the stored copy to hold one payload, got %d", h.reg.Pool().Outstanding())
	}
	if !rd.UnmatchWriter(remoteWriter) {
		t.Fatalf("unmatch failed")
	}
	if h.reg.Pool().Outstanding() != 0 {
		t.Fatalf("expected all payloads released, got %d", h.reg.Pool().Outstanding())
	}
	if h.feed(t, rd, 2, "two") {
		t.Fatalf("data after unmatch must be ignored")
	}
}

func TestWriterWriteSendsData(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	w, _ := h.reg.AddWriter(writerAttr(Reliable, 0))
	if err := w.MatchReader(RemoteReader{GUID: remoteReader, Reliability: Reliable, Locators: []protocol.Locator{remoteLoc}}); err != nil {
		t.Fatalf("match reader: %v", err)
	}
	_ = w.MatchReader(RemoteReader{GUID: remoteReader2, Reliability: Reliable, Locators: []protocol.Locator{remoteLoc}})

	for i, payload := range []string{"a", "b", "c"} {
		sn, err := w.Write(protocol.ChangeAlive, protocol.InstanceHandle{}, []byte(payload))
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		if sn != protocol.SequenceNumber(i+1) {
			t.Fatalf("expected sn %d, got %d", i+1, sn)
		}
	}
	sent := h.sender.Sent()
	if len(sent) != 3 {
		t.Fatalf("expected 3 datagrams, got %d", len(sent))
	}
	if len(sent[0].To) != 1 {
		t.Fatalf("expected deduplicated locators, got %v", sent[0].To)
	}
	datas := h.sender.Submessages(t, message.KindData)
	if len(datas) != 3 {
		t.Fatalf("expected 3 DATA, got %d", len(datas))
	}
	d := datas[2].(*message.Data)
	if d.SequenceNumber != 3 || !d.DataFlag || !d.ReaderID.IsUnknown() || string(d.SerializedPayload) != "c" {
		t.Fatalf("unexpected data %+v", d)
	}
	if d.Encapsulation != message.EncapsulationCDRLE {
		t.Fatalf("unexpected encapsulation 0x%04x", d.Encapsulation)
	}
	if got := len(h.sender.Submessages(t, message.KindInfoTimestamp)); got != 3 {
		t.Fatalf("expected INFO_TS before each DATA, got %d", got)
	}
	if w.LastSequenceNumber() != 3 || w.HistoryLen() != 3 {
		t.Fatalf("unexpected writer state last=%d history=%d", w.LastSequenceNumber(), w.HistoryLen())
	}
	hbKey := session.Key{Local: w.GUID(), Remote: protocol.GUIDUnknown, Kind: session.EventHeartbeat}
	if d, ok := h.sched.Delay(hbKey); !ok || d != h.timing.HeartbeatPeriod {
		t.Fatalf("expected periodic heartbeat armed by the first write, got %s pending=%v", d, ok)
	}
}

func TestWriterKeyOnlyChange(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	w, _ := h.reg.AddWriter(writerAttr(BestEffort, 0))
	_ = w.MatchReader(RemoteReader{GUID: remoteReader, Locators: []protocol.Locator{remoteLoc}})

	handle := protocol.InstanceHandle{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if _, err := w.Write(protocol.ChangeAlive, handle, []byte("v")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write(protocol.ChangeNotAliveDisposed, handle, nil); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	datas := h.sender.Submessages(t, message.KindData)
	alive, disposed := datas[0].(*message.Data), datas[1].(*message.Data)
	if got, ok := alive.InstanceHandle(); !ok || got != handle {
		t.Fatalf("expected inline key hash on alive change")
	}
	if !disposed.KeyFlag || disposed.DataFlag {
		t.Fatalf("expected key-only DATA for dispose")
	}
	if disposed.ChangeKind() != protocol.ChangeNotAliveDisposed {
		t.Fatalf("unexpected kind %s", disposed.ChangeKind())
	}
	if got, ok := disposed.InstanceHandle(); !ok || got != handle {
		t.Fatalf("expected key hash in key payload")
	}
}

func TestWriterAckNackReleasesAndRepairs(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	w, _ := h.reg.AddWriter(writerAttr(Reliable, 0))
	_ = w.MatchReader(RemoteReader{GUID: remoteReader, Reliability: Reliable, Locators: []protocol.Locator{remoteLoc}})
	for _, p := range []string{"a", "b", "c"} {
		if _, err := w.Write(protocol.ChangeAlive, protocol.InstanceHandle{}, []byte(p)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	h.sender.Reset()

	if !w.ProcessAckNack(remoteReader, &message.AckNack{ReaderSNState: snSet(t, 2, 2), Count: 1}) {
		t.Fatalf("acknack rejected")
	}
	if w.HistoryLen() != 2 {
		t.Fatalf("expected sn 1 released, history=%d", w.HistoryLen())
	}
	nackKey := session.Key{Local: w.GUID(), Remote: remoteReader, Kind: session.EventNackResponse}
	if d, ok := h.sched.Delay(nackKey); !ok || d != h.timing.NackResponseDelay {
		t.Fatalf("expected repair after %s, got %s pending=%v", h.timing.NackResponseDelay, d, ok)
	}
	h.sched.Advance(h.timing.NackResponseDelay)

	datas := h.sender.Submessages(t, message.KindData)
	if len(datas) != 1 {
		t.Fatalf("expected one resent DATA, got %d", len(datas))
	}
	d := datas[0].(*message.Data)
	if d.SequenceNumber != 2 || d.ReaderID != remoteReader.Entity || string(d.SerializedPayload) != "b" {
		t.Fatalf("unexpected repair %+v", d)
	}
	hbs := h.sender.Submessages(t, message.KindHeartbeat)
	if len(hbs) != 1 {
		t.Fatalf("expected heartbeat after repair, got %d", len(hbs))
	}
	hb := hbs[0].(*message.Heartbeat)
	if hb.FirstSN != 2 || hb.LastSN != 3 || !hb.Final {
		t.Fatalf("unexpected heartbeat %+v", hb)
	}

	if w.ProcessAckNack(remoteReader, &message.AckNack{ReaderSNState: snSet(t, 4), Count: 1, Final: true}) {
		t.Fatalf("stale acknack count must be ignored")
	}
	if !w.ProcessAckNack(remoteReader, &message.AckNack{ReaderSNState: snSet(t, 4), Count: 2, Final: true}) {
		t.Fatalf("acknack rejected")
	}
	if w.HistoryLen() != 0 {
		t.Fatalf("expected history fully released, got %d", w.HistoryLen())
	}
	if h.sched.Pending(nackKey) {
		t.Fatalf("final acknack with nothing requested must not schedule a repair")
	}
	if h.reg.Pool().Outstanding() != 0 {
		t.Fatalf("expected no outstanding payloads, got %d", h.reg.Pool().Outstanding())
	}

	h.sender.Reset()
	h.sched.Advance(h.timing.HeartbeatPeriod)
	if len(h.sender.Sent()) != 0 {
		t.Fatalf("fully acknowledged reader must not get heartbeats")
	}
	if h.sched.Len() != 0 {
		t.Fatalf("heartbeat must not rearm, pending %v", h.sched.Keys())
	}
}

func TestWriterRepairsEvictedChangesWithGap(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	w, _ := h.reg.AddWriter(writerAttr(Reliable, 2))
	_ = w.MatchReader(RemoteReader{GUID: remoteReader, Reliability: Reliable, Locators: []protocol.Locator{remoteLoc}})
	for _, p := range []string{"a", "b", "c"} {
		_, _ = w.Write(protocol.ChangeAlive, protocol.InstanceHandle{}, []byte(p))
	}
	h.sender.Reset()

	w.ProcessAckNack(remoteReader, &message.AckNack{ReaderSNState: snSet(t, 1, 1, 2), Count: 1})
	h.sched.Advance(h.timing.NackResponseDelay)

	datas := h.sender.Submessages(t, message.KindData)
	if len(datas) != 1 || datas[0].(*message.Data).SequenceNumber != 2 {
		t.Fatalf("expected sn 2 resent, got %v", datas)
	}
	gaps := h.sender.Submessages(t, message.KindGap)
	if len(gaps) != 1 {
		t.Fatalf("expected one GAP, got %d", len(gaps))
	}
	g := gaps[0].(*message.Gap)
	if g.GapStart != 1 || g.GapList.Base != 2 || !g.GapList.IsEmpty() {
		t.Fatalf("unexpected gap start=%d list=%s", g.GapStart, g.GapList)
	}
}

func TestWriterPeriodicHeartbeat(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	w, _ := h.reg.AddWriter(writerAttr(Reliable, 0))
	_ = w.MatchReader(RemoteReader{GUID: remoteReader, Reliability: Reliable, Locators: []protocol.Locator{remoteLoc}})
	_ = w.MatchReader(RemoteReader{GUID: remoteReader2, Locators: []protocol.Locator{remoteLoc}})
	_, _ = w.Write(protocol.ChangeAlive, protocol.InstanceHandle{}, []byte("a"))
	h.sender.Reset()

	h.sched.Advance(h.timing.HeartbeatPeriod)
	h.sched.Advance(h.timing.HeartbeatPeriod)
	hbs := h.sender.Submessages(t, message.KindHeartbeat)
	if len(hbs) != 2 {
		t.Fatalf("expected one heartbeat per period for the reliable reader, got %d", len(hbs))
	}
	first, second := hbs[0].(*message.Heartbeat), hbs[1].(*message.Heartbeat)
	if first.FirstSN != 1 || first.LastSN != 1 || first.Final {
		t.Fatalf("unexpected heartbeat %+v", first)
	}
	if second.Count <= first.Count {
		t.Fatalf("heartbeat count must increase: %d then %d", first.Count, second.Count)
	}
	if first.ReaderID != remoteReader.Entity {
		t.Fatalf("unexpected heartbeat reader %s", first.ReaderID)
	}
}

func TestWriterLateReaderGetsGapForReleasedHistory(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	w, _ := h.reg.AddWriter(writerAttr(Reliable, 0))
	_ = w.MatchReader(RemoteReader{GUID: remoteReader, Reliability: Reliable, Locators: []protocol.Locator{remoteLoc}})
	for _, p := range []string{"a", "b", "c"} {
		_, _ = w.Write(protocol.ChangeAlive, protocol.InstanceHandle{}, []byte(p))
	}
	w.ProcessAckNack(remoteReader, &message.AckNack{ReaderSNState: snSet(t, 4), Count: 1, Final: true})
	if w.HistoryLen() != 0 {
		t.Fatalf("expected empty history, got %d", w.HistoryLen())
	}
	h.sender.Reset()

	_ = w.MatchReader(RemoteReader{GUID: remoteReader2, Reliability: Reliable, Locators: []protocol.Locator{remoteLoc}})
	h.sched.Advance(h.timing.HeartbeatPeriod)

	if got := len(h.sender.Submessages(t, message.KindHeartbeat)); got != 0 {
		t.Fatalf("empty history must not announce a heartbeat, got %d", got)
	}
	gaps := h.sender.Submessages(t, message.KindGap)
	if len(gaps) != 1 {
		t.Fatalf("expected one GAP, got %d", len(gaps))
	}
	g := gaps[0].(*message.Gap)
	if g.ReaderID != remoteReader2.Entity || g.GapStart != 1 || g.GapList.Base != 4 {
		t.Fatalf("unexpected gap %+v", g)
	}
}

func TestWriterBestEffortReaderIgnoresAckNack(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	w, _ := h.reg.AddWriter(writerAttr(Reliable, 1))
	_ = w.MatchReader(RemoteReader{GUID: remoteReader, Locators: []protocol.Locator{remoteLoc}})
	_, _ = w.Write(protocol.ChangeAlive, protocol.InstanceHandle{}, []byte("a"))
	_, _ = w.Write(protocol.ChangeAlive, protocol.InstanceHandle{}, []byte("b"))
	if w.ProcessAckNack(remoteReader, &message.AckNack{ReaderSNState: snSet(t, 1, 1), Count: 1}) {
		t.Fatalf("best-effort reader acknack must be ignored")
	}
	if w.HistoryLen() != 1 {
		t.Fatalf("expected depth 1 history, got %d", w.HistoryLen())
	}
	if h.sched.Len() != 0 {
		t.Fatalf("no reliable reader, no timers: %v", h.sched.Keys())
	}
}

func TestWriterRejectsOversizedPayload(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	w, _ := h.reg.AddWriter(writerAttr(BestEffort, 0))
	big := make([]byte, h.reg.Pool().MaxSize()+1)
	if _, err := w.Write(protocol.ChangeAlive, protocol.InstanceHandle{}, big); !errors.Is(err, history.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if w.LastSequenceNumber() != 0 {
		t.Fatalf("failed write must not consume a sequence number")
	}
}

func gapList(sns ...protocol.SequenceNumber) []protocol.SequenceNumber {
	return sns
}

func TestGapsFor(t *testing.T) {
	testlog.Start(t)
	gaps := gapsFor(gapList(2, 3, 4, 7, 9, 400))
	if len(gaps) != 2 {
		t.Fatalf("expected 2 gaps, got %d", len(gaps))
	}
	if gaps[0].GapStart != 2 || gaps[0].GapList.Base != 5 || !equalSNs(gaps[0].GapList.Members(), 7, 9) {
		t.Fatalf("unexpected first gap start=%d list=%s", gaps[0].GapStart, gaps[0].GapList)
	}
	if gaps[1].GapStart != 400 || gaps[1].GapList.Base != 401 {
		t.Fatalf("unexpected second gap start=%d list=%s", gaps[1].GapStart, gaps[1].GapList)
	}
	if len(gapsFor(nil)) != 0 {
		t.Fatalf("expected no gaps for empty input")
	}
}

func TestReaderWriterProxySnapshotIsIndependent(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	rd, _ := h.reg.AddReader(readerAttr(Reliable), nil)
	_ = rd.MatchWriter(RemoteWriter{GUID: remoteWriter, Locators: []protocol.Locator{remoteLoc}})
	rd.ProcessHeartbeat(remoteWriter, &message.Heartbeat{FirstSN: 1, LastSN: 10, Count: 1})
	h.feed(t, rd, 5, "five")
	h.feed(t, rd, 7, "seven")

	snap, ok := rd.WriterProxy(remoteWriter)
	if !ok {
		t.Fatalf("writer proxy missing")
	}
	before := fmt.Sprint(snap.Missing())
	h.feed(t, rd, 6, "six")
	if got := fmt.Sprint(snap.Missing()); got != before {
		t.Fatalf("snapshot changed from %s to %s", before, got)
	}
	live, _ := rd.WriterProxy(remoteWriter)
	if got := fmt.Sprint(live.Missing()); got == before {
		t.Fatalf("live proxy did not record sn 6: %s", got)
	}
}

func TestWriterReaderProxySnapshotIsIndependent(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	w, _ := h.reg.AddWriter(writerAttr(Reliable, 0))
	_ = w.MatchReader(RemoteReader{GUID: remoteReader, Reliability: Reliable, Locators: []protocol.Locator{remoteLoc}})
	for _, p := range []string{"a", "b", "c"} {
		_, _ = w.Write(protocol.ChangeAlive, protocol.InstanceHandle{}, []byte(p))
	}
	w.ProcessAckNack(remoteReader, &message.AckNack{ReaderSNState: snSet(t, 1, 2, 3), Count: 1})
	snap, ok := w.ReaderProxy(remoteReader)
	if !ok {
		t.Fatalf("reader proxy missing")
	}
	h.sched.Advance(h.timing.NackResponseDelay)
	if req := snap.Requested(); !equalSNs(req, 2, 3) {
		t.Fatalf("snapshot lost its requested set: %v", req)
	}
	if live, _ := w.ReaderProxy(remoteReader); live.HasRequested() {
		t.Fatalf("repair must clear the live requested set")
	}
}

func TestNewerAckNackReplacesPendingRepair(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	w, _ := h.reg.AddWriter(writerAttr(Reliable, 0))
	_ = w.MatchReader(RemoteReader{GUID: remoteReader, Reliability: Reliable, Locators: []protocol.Locator{remoteLoc}})
	for _, p := range []string{"a", "b", "c", "d"} {
		_, _ = w.Write(protocol.ChangeAlive, protocol.InstanceHandle{}, []byte(p))
	}
	h.sender.Reset()
	nackKey := session.Key{Local: w.GUID(), Remote: remoteReader, Kind: session.EventNackResponse}

	w.ProcessAckNack(remoteReader, &message.AckNack{ReaderSNState: snSet(t, 1, 1, 2), Count: 1})
	pending := h.sched.Len()
	if !h.sched.Pending(nackKey) {
		t.Fatalf("expected a pending repair")
	}
	h.sched.Advance(h.timing.NackResponseDelay / 2)
	if !w.ProcessAckNack(remoteReader, &message.AckNack{ReaderSNState: snSet(t, 3, 4), Count: 2}) {
		t.Fatalf("newer acknack rejected")
	}
	if h.sched.Len() != pending {
		t.Fatalf("second acknack must replace the repair, pending %v", h.sched.Keys())
	}
	if d, ok := h.sched.Delay(nackKey); !ok || d != h.timing.NackResponseDelay {
		t.Fatalf("expected the repair rearmed for %s, got %s pending=%v", h.timing.NackResponseDelay, d, ok)
	}
	if !h.sched.Fire(nackKey) {
		t.Fatalf("repair not pending")
	}

	datas := h.sender.Submessages(t, message.KindData)
	if len(datas) != 1 || datas[0].(*message.Data).SequenceNumber != 4 {
		t.Fatalf("expected only sn 4 repaired, got %d DATA", len(datas))
	}
	if got := len(h.sender.Submessages(t, message.KindGap)); got != 0 {
		t.Fatalf("unexpected GAP in repair, got %d", got)
	}
	if w.HistoryLen() != 2 {
		t.Fatalf("expected sn 1 and 2 released, history=%d", w.HistoryLen())
	}
}

func TestTimerCallbacksResolveEndpointByIndex(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	rd, _ := h.reg.AddReader(readerAttr(Reliable), nil)
	w, _ := h.reg.AddWriter(writerAttr(Reliable, 0))
	_ = rd.MatchWriter(RemoteWriter{GUID: remoteWriter, Locators: []protocol.Locator{remoteLoc}})
	if owner := rd.writers[remoteWriter].owner; owner != rd.Index() {
		t.Fatalf("proxy owner %d, reader index %d", owner, rd.Index())
	}
	key := session.Key{Local: rd.GUID(), Remote: remoteWriter, Kind: session.EventHeartbeatResponse}

	h.reg.mu.Lock()
	h.reg.table[rd.Index()] = w
	h.reg.mu.Unlock()
	h.sched.Fire(key)
	if len(h.sender.Sent()) != 0 {
		t.Fatalf("timer must not reach a reader no longer in its slot")
	}

	h.reg.mu.Lock()
	h.reg.table[rd.Index()] = rd
	h.reg.mu.Unlock()
	rd.ProcessHeartbeat(remoteWriter, &message.Heartbeat{FirstSN: 1, LastSN: 1, Count: 1})
	h.sched.Fire(key)
	if got := len(h.sender.Submessages(t, message.KindAckNack)); got != 1 {
		t.Fatalf("expected acknack through the registry slot, got %d", got)
	}
}

func TestReliableReaderAcceptsDataAtInt64Limit(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	col := &collector{}
	rd, _ := h.reg.AddReader(readerAttr(Reliable), col)
	_ = rd.MatchWriter(RemoteWriter{GUID: remoteWriter, Locators: []protocol.Locator{remoteLoc}})
	top := protocol.SequenceNumberMax
	if !rd.ProcessHeartbeat(remoteWriter, &message.Heartbeat{FirstSN: top, LastSN: top, Count: 1}) {
		t.Fatalf("heartbeat rejected")
	}
	if !h.feed(t, rd, top, "last") {
		t.Fatalf("data at the int64 limit rejected")
	}
	if h.feed(t, rd, top, "last") {
		t.Fatalf("duplicate at the int64 limit accepted")
	}
	if !equalSNs(col.sns, top) {
		t.Fatalf("expected delivery of the last sn, got %v", col.sns)
	}
	h.sender.Reset()
	h.sched.Fire(session.Key{Local: rd.GUID(), Remote: remoteWriter, Kind: session.EventHeartbeatResponse})
	acks := h.sender.Submessages(t, message.KindAckNack)
	if len(acks) != 1 {
		t.Fatalf("expected one acknack, got %d", len(acks))
	}
	if an := acks[0].(*message.AckNack); an.ReaderSNState.Base != top || !an.Final {
		t.Fatalf("unexpected acknack state %s final=%v", an.ReaderSNState, an.Final)
	}
}
