package receiver

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/danmuck/rtpscore/internal/history"
	"github.com/danmuck/rtpscore/internal/observability"
	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/danmuck/rtpscore/internal/protocol/message"
	"github.com/rs/zerolog"
)

// Result summarizes one Process call.
type Result struct {
	// Processed counts submessages that were applied or routed.
	Processed int
	// Dropped counts submessages that were skipped or rejected.
	Dropped int
	// Err is the error that stopped the message early, if any.
	Err error
}

// Receiver feeds inbound datagrams to a Router. It keeps no state between
// calls and is safe for concurrent use.
type Receiver struct {
	router Router
	log    zerolog.Logger
}

func New(router Router) *Receiver {
	return &Receiver{router: router, log: observability.Component("receiver")}
}

// WithLogger replaces the receiver's logger.
func (rc *Receiver) WithLogger(l zerolog.Logger) *Receiver {
	rc.log = l
	return rc
}

// Process interprets one datagram received from source. Errors never escape:
// a failed submessage stops the message and is reported in the Result, the
// log and the metrics. ctx is checked between submessages.
func (rc *Receiver) Process(ctx context.Context, buf []byte, source protocol.Locator) Result {
	start := time.Now()
	defer func() {
		observability.RecordProcessDuration(time.Since(start))
	}()

	var res Result
	p, err := message.NewParser(buf)
	if err != nil {
		res.Err = err
		rc.dropMessage(err, source, len(buf))
		return res
	}
	st := newState(p.Header(), rc.router.Prefix(), source)
	for {
		if err := ctx.Err(); err != nil {
			res.Err = err
			rc.dropMessage(err, source, len(buf))
			return res
		}
		el, err := p.Next()
		if err == io.EOF {
			return res
		}
		if err != nil {
			res.Err = err
			res.Dropped++
			observability.RecordSubmessage(el.Header.ID.String(), outcomeFailed)
			rc.dropMessage(err, source, len(buf))
			return res
		}
		var outcome string
		st, outcome = rc.dispatch(st, el.Body)
		observability.RecordSubmessage(el.Body.Kind().String(), outcome)
		if counted(outcome) {
			res.Processed++
		} else {
			res.Dropped++
		}
	}
}

func (rc *Receiver) dispatch(st state, sm message.Submessage) (state, string) {
	switch m := sm.(type) {
	case *message.InfoSource:
		return applyInfoSource(st, m), outcomeApplied
	case *message.InfoDestination:
		return applyInfoDestination(st, m), outcomeApplied
	case *message.InfoTimestamp:
		return applyInfoTimestamp(st, m), outcomeApplied
	case *message.Data:
		outcome, err := handleData(rc.router, st, m)
		if err != nil {
			rc.log.Warn().Err(err).
				Str("writer", st.writerGUID(m.WriterID).String()).
				Str("sn", m.SequenceNumber.String()).
				Msg("data rejected")
		}
		return st, outcome
	case *message.Heartbeat:
		return st, handleHeartbeat(rc.router, st, m)
	case *message.Gap:
		return st, handleGap(rc.router, st, m)
	case *message.AckNack:
		return st, handleAckNack(rc.router, st, m)
	case *message.Pad:
		return st, outcomeApplied
	default:
		rc.log.Trace().Str("kind", sm.Kind().String()).Msg("submessage skipped")
		return st, outcomeSkipped
	}
}

func (rc *Receiver) dropMessage(err error, source protocol.Locator, size int) {
	reason := dropReason(err)
	observability.RecordMessageDropped(reason)
	ev := rc.log.Warn()
	if reason == "cancelled" {
		ev = rc.log.Debug()
	}
	ev.Err(err).Str("reason", reason).Str("source", source.String()).Int("bytes", size).Msg("message dropped")
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, protocol.ErrInvalidMagic):
		return "invalid_magic"
	case errors.Is(err, protocol.ErrUnsupportedVersion):
		return "unsupported_version"
	case errors.Is(err, protocol.ErrTruncated):
		return "truncated"
	case errors.Is(err, protocol.ErrInvalidSequenceNumber):
		return "invalid_sequence_number"
	case errors.Is(err, protocol.ErrMalformed):
		return "malformed"
	case errors.Is(err, history.ErrPayloadTooLarge):
		return "payload_too_large"
	default:
		return "error"
	}
}
