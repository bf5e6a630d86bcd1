package endpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/rtpscore/internal/protocol"
)

var (
	ErrEndpointExists   = errors.New("endpoint already exists")
	ErrUnknownEndpoint  = errors.New("unknown endpoint")
	ErrInvalidAttribute = errors.New("invalid endpoint attributes")
)

// ReliabilityKind selects best-effort or reliable delivery.
type ReliabilityKind uint8

const (
	BestEffort ReliabilityKind = iota
	Reliable
)

func (k ReliabilityKind) String() string {
	if k == Reliable {
		return "reliable"
	}
	return "best_effort"
}

func ParseReliabilityKind(raw string) (ReliabilityKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "reliable":
		return Reliable, nil
	case "best_effort", "best-effort", "besteffort", "":
		return BestEffort, nil
	default:
		return BestEffort, fmt.Errorf("%w: reliability %q", ErrInvalidAttribute, raw)
	}
}

// Attributes describe a local endpoint.
type Attributes struct {
	// Name is a stable lowercase identifier used in logs and metrics.
	Name        string
	Topic       string
	EntityID    protocol.EntityID
	Reliability ReliabilityKind
	// HistoryDepth keeps the last N changes per writer; 0 keeps all.
	HistoryDepth int
}

// RemoteWriter describes a matched remote writer.
type RemoteWriter struct {
	GUID     protocol.GUID
	Locators []protocol.Locator
}

// RemoteReader describes a matched remote reader.
type RemoteReader struct {
	GUID        protocol.GUID
	Reliability ReliabilityKind
	Locators    []protocol.Locator
}

// Sender delivers one datagram to every locator. It is the transport seam.
type Sender interface {
	Send(ctx context.Context, payload []byte, to []protocol.Locator) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, payload []byte, to []protocol.Locator) error

func (f SenderFunc) Send(ctx context.Context, payload []byte, to []protocol.Locator) error {
	return f(ctx, payload, to)
}

// ValidateAttributes checks the name format and that the entity kind suits
// the endpoint.
func ValidateAttributes(attr Attributes, writer bool) error {
	if !isValidName(strings.TrimSpace(attr.Name)) {
		return fmt.Errorf("%w: invalid name %q", ErrInvalidAttribute, attr.Name)
	}
	if attr.EntityID.IsUnknown() {
		return fmt.Errorf("%w: %s has no entity id", ErrInvalidAttribute, attr.Name)
	}
	if attr.HistoryDepth < 0 {
		return fmt.Errorf("%w: %s history depth %d", ErrInvalidAttribute, attr.Name, attr.HistoryDepth)
	}
	if isWriterKind(attr.EntityID.Kind()) != writer {
		return fmt.Errorf("%w: %s entity kind 0x%02x", ErrInvalidAttribute, attr.Name, attr.EntityID.Kind())
	}
	return nil
}

func isWriterKind(kind uint8) bool {
	switch kind & 0x3f {
	case 0x02, 0x03:
		return true
	default:
		return false
	}
}

func isValidName(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if i == 0 || i == len(id)-1 {
			if isSep {
				return false
			}
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
