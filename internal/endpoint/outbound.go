package endpoint

import (
	"errors"

	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/danmuck/rtpscore/internal/protocol/message"
)

type datagram struct {
	payload []byte
	kinds   []string
}

// batch packs submessages for one destination into as few datagrams as the
// size limit allows. Each datagram opens with INFO_DST when dst is known.
type batch struct {
	env   *env
	dst   protocol.GuidPrefix
	b     *message.Builder
	base  int
	kinds []string
	out   []datagram
}

func newBatch(e *env, dst protocol.GuidPrefix) *batch {
	return &batch{env: e, dst: dst}
}

func (bt *batch) start() error {
	b, err := message.NewBuilder(bt.env.prefix, bt.env.vendor, bt.env.endian, bt.env.maxSize)
	if err != nil {
		return err
	}
	if !bt.dst.IsUnknown() {
		if err := b.InfoDestination(&message.InfoDestination{Prefix: bt.dst}); err != nil {
			return err
		}
	}
	bt.b = b
	bt.base = b.Count()
	bt.kinds = nil
	return nil
}

// add appends the submessages written by fn, starting a new datagram once
// when the current one is full.
func (bt *batch) add(kind message.Kind, fn func(b *message.Builder) error) error {
	if bt.b == nil {
		if err := bt.start(); err != nil {
			return err
		}
	}
	err := fn(bt.b)
	if errors.Is(err, protocol.ErrBufferFull) && bt.b.Count() > bt.base {
		bt.flush()
		if err = bt.start(); err != nil {
			return err
		}
		err = fn(bt.b)
	}
	if err != nil {
		return err
	}
	bt.kinds = append(bt.kinds, kind.String())
	return nil
}

func (bt *batch) flush() {
	if bt.b == nil || bt.b.Count() == bt.base {
		return
	}
	bt.out = append(bt.out, datagram{
		payload: append([]byte(nil), bt.b.Bytes()...),
		kinds:   bt.kinds,
	})
	bt.b = nil
}

// datagrams flushes and returns everything built so far.
func (bt *batch) datagrams() []datagram {
	bt.flush()
	return bt.out
}

func (e *env) sendAll(dgs []datagram, to []protocol.Locator) {
	for _, dg := range dgs {
		e.send(dg.payload, to, dg.kinds...)
	}
}
