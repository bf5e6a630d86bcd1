package wiretest

import (
	"context"
	"sync"
	"testing"

	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/danmuck/rtpscore/internal/protocol/cdr"
	"github.com/danmuck/rtpscore/internal/protocol/message"
)

// Sent is one captured datagram.
type Sent struct {
	Payload []byte
	To      []protocol.Locator
}

// CaptureSender records every send instead of writing to a socket.
type CaptureSender struct {
	mu   sync.Mutex
	sent []Sent
	Err  error
}

func (s *CaptureSender) Send(_ context.Context, payload []byte, to []protocol.Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, Sent{
		Payload: append([]byte(nil), payload...),
		To:      append([]protocol.Locator(nil), to...),
	})
	return s.Err
}

func (s *CaptureSender) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

func (s *CaptureSender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

// Submessages parses every captured datagram and returns the submessages of
// the given kind in send order.
func (s *CaptureSender) Submessages(t testing.TB, kind message.Kind) []message.Submessage {
	t.Helper()
	var out []message.Submessage
	for _, sent := range s.Sent() {
		_, els, err := message.Parse(sent.Payload)
		if err != nil {
			t.Fatalf("parse captured message: %v", err)
		}
		for _, el := range els {
			if el.Body.Kind() == kind {
				out = append(out, el.Body)
			}
		}
	}
	return out
}

// Build encodes one message from prefix with the submessages added by fn.
func Build(t testing.TB, prefix protocol.GuidPrefix, e cdr.Endianness, fn func(b *message.Builder) error) []byte {
	t.Helper()
	b, err := message.NewBuilder(prefix, protocol.VendorIDLocal, e, 0)
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	if err := fn(b); err != nil {
		t.Fatalf("build message: %v", err)
	}
	return append([]byte(nil), b.Bytes()...)
}
