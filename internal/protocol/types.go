package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	GuidPrefixSize = 12
	EntityIDSize   = 4
)

// GuidPrefix identifies a participant network-wide.
type GuidPrefix [GuidPrefixSize]byte

// GuidPrefixUnknown is the wildcard/unknown prefix.
var GuidPrefixUnknown GuidPrefix

// NewGuidPrefix returns a fresh prefix with the vendor id in the first two
// bytes and random bytes in the rest.
func NewGuidPrefix(vendor VendorID) GuidPrefix {
	var p GuidPrefix
	id := uuid.New()
	p[0] = vendor[0]
	p[1] = vendor[1]
	copy(p[2:], id[:GuidPrefixSize-2])
	return p
}

// ParseGuidPrefix decodes 24 hex characters (dots and colons allowed as separators).
func ParseGuidPrefix(s string) (GuidPrefix, error) {
	var p GuidPrefix
	clean := strings.NewReplacer(".", "", ":", "", " ", "").Replace(strings.TrimSpace(s))
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return p, fmt.Errorf("%w: guid prefix %q: %v", ErrMalformed, s, err)
	}
	if len(raw) != GuidPrefixSize {
		return p, fmt.Errorf("%w: guid prefix %q: want %d bytes, got %d", ErrMalformed, s, GuidPrefixSize, len(raw))
	}
	copy(p[:], raw)
	return p, nil
}

func (p GuidPrefix) IsUnknown() bool {
	return p == GuidPrefixUnknown
}

func (p GuidPrefix) String() string {
	return fmt.Sprintf("%x.%x.%x", p[0:4], p[4:8], p[8:12])
}

// EntityID identifies an endpoint inside a participant: a 3-byte key and a kind octet.
type EntityID [EntityIDSize]byte

// Entity kinds (low octet of an EntityID).
const (
	EntityKindUserWriterWithKey  uint8 = 0x02
	EntityKindUserWriterNoKey    uint8 = 0x03
	EntityKindUserReaderNoKey    uint8 = 0x04
	EntityKindUserReaderWithKey  uint8 = 0x07
	EntityKindBuiltinParticipant uint8 = 0xc1
)

var (
	EntityIDUnknown     = EntityID{0x00, 0x00, 0x00, 0x00}
	EntityIDParticipant = EntityID{0x00, 0x00, 0x01, EntityKindBuiltinParticipant}
)

// NewEntityID builds an id from a 24-bit key and a kind octet.
func NewEntityID(key uint32, kind uint8) EntityID {
	return EntityID{byte(key >> 16), byte(key >> 8), byte(key), kind}
}

// ParseEntityID decodes 8 hex characters.
func ParseEntityID(s string) (EntityID, error) {
	var e EntityID
	clean := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return e, fmt.Errorf("%w: entity id %q: %v", ErrMalformed, s, err)
	}
	if len(raw) != EntityIDSize {
		return e, fmt.Errorf("%w: entity id %q: want %d bytes, got %d", ErrMalformed, s, EntityIDSize, len(raw))
	}
	copy(e[:], raw)
	return e, nil
}

func (e EntityID) Kind() uint8 {
	return e[3]
}

func (e EntityID) IsUnknown() bool {
	return e == EntityIDUnknown
}

func (e EntityID) String() string {
	return hex.EncodeToString(e[:])
}

// GUID is a GuidPrefix plus an EntityID.
type GUID struct {
	Prefix GuidPrefix
	Entity EntityID
}

var GUIDUnknown GUID

// ParseGUID decodes "<prefix>|<entity>" as produced by GUID.String.
func ParseGUID(s string) (GUID, error) {
	parts := strings.Split(strings.TrimSpace(s), "|")
	if len(parts) != 2 {
		return GUID{}, fmt.Errorf("%w: guid %q: want prefix|entity", ErrMalformed, s)
	}
	prefix, err := ParseGuidPrefix(parts[0])
	if err != nil {
		return GUID{}, err
	}
	entity, err := ParseEntityID(parts[1])
	if err != nil {
		return GUID{}, err
	}
	return GUID{Prefix: prefix, Entity: entity}, nil
}

func (g GUID) String() string {
	return g.Prefix.String() + "|" + g.Entity.String()
}

// ProtocolVersion is the RTPS major/minor pair.
type ProtocolVersion struct {
	Major uint8
	Minor uint8
}

const (
	ProtocolVersionMajor uint8 = 2
	ProtocolVersionMinor uint8 = 1
)

var ProtocolVersionCurrent = ProtocolVersion{Major: ProtocolVersionMajor, Minor: ProtocolVersionMinor}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// VendorID identifies the implementation that produced a message.
type VendorID [2]byte

var (
	VendorIDUnknown = VendorID{0x00, 0x00}
	VendorIDLocal   = VendorID{0x01, 0x0f}
)

func (v VendorID) String() string {
	return hex.EncodeToString(v[:])
}

// ChangeKind is the instance state carried by a CacheChange.
type ChangeKind uint8

const (
	ChangeAlive ChangeKind = iota
	ChangeNotAliveDisposed
	ChangeNotAliveUnregistered
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAlive:
		return "ALIVE"
	case ChangeNotAliveDisposed:
		return "NOT_ALIVE_DISPOSED"
	case ChangeNotAliveUnregistered:
		return "NOT_ALIVE_UNREGISTERED"
	default:
		return fmt.Sprintf("ChangeKind(%d)", uint8(k))
	}
}

// InstanceHandle is the 16-byte key hash of a topic instance.
type InstanceHandle [16]byte
