package history

import (
	"fmt"

	"github.com/danmuck/rtpscore/internal/protocol"
)

// CacheChange is one sample (or instance state change) from one writer.
type CacheChange struct {
	WriterGUID         protocol.GUID
	SequenceNumber     protocol.SequenceNumber
	Kind               protocol.ChangeKind
	InstanceHandle     protocol.InstanceHandle
	Encapsulation      uint16
	Payload            *Payload
	SourceTimestamp    protocol.Time
	HasSourceTimestamp bool
}

// Data returns the serialized payload, or nil when the change has none.
func (c *CacheChange) Data() []byte {
	if c == nil || c.Payload == nil {
		return nil
	}
	return c.Payload.Bytes()
}

// Retain returns a copy of c holding its own payload reference.
func (c *CacheChange) Retain() *CacheChange {
	out := *c
	if c.Payload != nil {
		out.Payload = c.Payload.Retain()
	}
	return &out
}

// Release drops the change's payload reference.
func (c *CacheChange) Release() {
	if c.Payload != nil {
		c.Payload.Release()
		c.Payload = nil
	}
}

func (c *CacheChange) String() string {
	return fmt.Sprintf("%s#%s(%s)", c.WriterGUID, c.SequenceNumber, c.Kind)
}
