package receiver

import (
	"github.com/danmuck/rtpscore/internal/endpoint"
	"github.com/danmuck/rtpscore/internal/history"
	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/danmuck/rtpscore/internal/protocol/message"
)

// Submessage outcomes, used as the metric label.
const (
	outcomeAccepted = "accepted"
	outcomeApplied  = "applied"
	outcomeIgnored  = "ignored"
	outcomeNotForUs = "not_for_us"
	outcomeRejected = "rejected"
	outcomeSkipped  = "skipped"
	outcomeFailed   = "failed"
)

// counted reports whether an outcome counts as processed in a Result.
func counted(outcome string) bool {
	switch outcome {
	case outcomeAccepted, outcomeApplied, outcomeSkipped:
		return true
	default:
		return false
	}
}

// Router is the endpoint side of the receiver. *endpoint.Registry
// implements it.
type Router interface {
	Prefix() protocol.GuidPrefix
	Pool() *history.PayloadPool
	ReadersFor(id protocol.EntityID) []*endpoint.Reader
	Writer(guid protocol.GUID) (*endpoint.Writer, bool)
}

// changeFromData builds a CacheChange holding its own payload copy. Callers
// release it.
func changeFromData(pool *history.PayloadPool, st state, d *message.Data) (*history.CacheChange, error) {
	c := &history.CacheChange{
		WriterGUID:         st.writerGUID(d.WriterID),
		SequenceNumber:     d.SequenceNumber,
		Kind:               d.ChangeKind(),
		Encapsulation:      d.Encapsulation,
		SourceTimestamp:    st.timestamp,
		HasSourceTimestamp: st.haveTimestamp,
	}
	if h, ok := d.InstanceHandle(); ok {
		c.InstanceHandle = h
	}
	if d.DataFlag {
		p, err := pool.Copy(d.SerializedPayload)
		if err != nil {
			return nil, err
		}
		c.Payload = p
	}
	return c, nil
}

func handleData(rt Router, st state, d *message.Data) (string, error) {
	if !st.forUs() {
		return outcomeNotForUs, nil
	}
	readers := rt.ReadersFor(d.ReaderID)
	if len(readers) == 0 {
		return outcomeIgnored, nil
	}
	c, err := changeFromData(rt.Pool(), st, d)
	if err != nil {
		return outcomeRejected, err
	}
	defer c.Release()
	outcome := outcomeIgnored
	for _, rd := range readers {
		if rd.ProcessData(c) {
			outcome = outcomeAccepted
		}
	}
	return outcome, nil
}

func handleHeartbeat(rt Router, st state, hb *message.Heartbeat) string {
	if !st.forUs() {
		return outcomeNotForUs
	}
	writer := st.writerGUID(hb.WriterID)
	outcome := outcomeIgnored
	for _, rd := range rt.ReadersFor(hb.ReaderID) {
		if rd.ProcessHeartbeat(writer, hb) {
			outcome = outcomeAccepted
		}
	}
	return outcome
}

func handleGap(rt Router, st state, g *message.Gap) string {
	if !st.forUs() {
		return outcomeNotForUs
	}
	writer := st.writerGUID(g.WriterID)
	outcome := outcomeIgnored
	for _, rd := range rt.ReadersFor(g.ReaderID) {
		if rd.ProcessGap(writer, g) {
			outcome = outcomeAccepted
		}
	}
	return outcome
}

// handleAckNack routes to the local writer (local prefix, writerId); the
// remote reader is (source prefix, readerId).
func handleAckNack(rt Router, st state, an *message.AckNack) string {
	if !st.forUs() {
		return outcomeNotForUs
	}
	w, ok := rt.Writer(protocol.GUID{Prefix: st.localPrefix, Entity: an.WriterID})
	if !ok {
		return outcomeIgnored
	}
	reader := protocol.GUID{Prefix: st.sourcePrefix, Entity: an.ReaderID}
	if !w.ProcessAckNack(reader, an) {
		return outcomeIgnored
	}
	return outcomeAccepted
}
