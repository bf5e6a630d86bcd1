package history

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultMaxPayloadSize bounds payloads accepted by a PayloadPool.
const DefaultMaxPayloadSize = 64 * 1024

var ErrPayloadTooLarge = errors.New("history: payload too large")

// Payload is a pooled, reference-counted serialized payload. The buffer goes
// back to its pool when the last reference is released.
type Payload struct {
	buf  []byte
	refs atomic.Int32
	pool *PayloadPool
}

func (p *Payload) Bytes() []byte {
	return p.buf
}

func (p *Payload) Len() int {
	return len(p.buf)
}

// Retain adds a reference and returns p.
func (p *Payload) Retain() *Payload {
	if p.refs.Add(1) <= 1 {
		panic("history: retain of released payload")
	}
	return p
}

// Release drops a reference. Releasing more than retained panics.
func (p *Payload) Release() {
	n := p.refs.Add(-1)
	switch {
	case n == 0:
		if p.pool != nil {
			p.pool.put(p)
		}
	case n < 0:
		panic("history: payload released twice")
	}
}

func (p *Payload) Refs() int {
	return int(p.refs.Load())
}

// PayloadPool recycles payload buffers.
type PayloadPool struct {
	maxSize     int
	free        sync.Pool
	outstanding atomic.Int64
}

func NewPayloadPool(maxSize int) *PayloadPool {
	if maxSize <= 0 {
		maxSize = DefaultMaxPayloadSize
	}
	return &PayloadPool{maxSize: maxSize}
}

func (pp *PayloadPool) MaxSize() int {
	return pp.maxSize
}

// Copy returns a payload holding one reference to a copy of data.
func (pp *PayloadPool) Copy(data []byte) (*Payload, error) {
	if len(data) > pp.maxSize {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(data), pp.maxSize)
	}
	p, _ := pp.free.Get().(*Payload)
	if p == nil {
		p = &Payload{pool: pp}
	}
	p.buf = append(p.buf[:0], data...)
	p.refs.Store(1)
	pp.outstanding.Add(1)
	return p, nil
}

// Outstanding is the number of payloads with live references.
func (pp *PayloadPool) Outstanding() int {
	return int(pp.outstanding.Load())
}

func (pp *PayloadPool) put(p *Payload) {
	pp.outstanding.Add(-1)
	p.buf = p.buf[:0]
	pp.free.Put(p)
}
