package message

import (
	"fmt"

	"github.com/danmuck/rtpscore/internal/protocol"
)

// Kind is the submessage id octet.
type Kind uint8

const (
	KindPad             Kind = 0x01
	KindAckNack         Kind = 0x06
	KindHeartbeat       Kind = 0x07
	KindGap             Kind = 0x08
	KindInfoTimestamp   Kind = 0x09
	KindInfoSource      Kind = 0x0c
	KindInfoDestination Kind = 0x0e
	KindNackFrag        Kind = 0x12
	KindHeartbeatFrag   Kind = 0x13
	KindData            Kind = 0x15
	KindDataFrag        Kind = 0x16
)

func (k Kind) String() string {
	switch k {
	case KindPad:
		return "pad"
	case KindAckNack:
		return "acknack"
	case KindHeartbeat:
		return "heartbeat"
	case KindGap:
		return "gap"
	case KindInfoTimestamp:
		return "info_ts"
	case KindInfoSource:
		return "info_src"
	case KindInfoDestination:
		return "info_dst"
	case KindNackFrag:
		return "nack_frag"
	case KindHeartbeatFrag:
		return "heartbeat_frag"
	case KindData:
		return "data"
	case KindDataFrag:
		return "data_frag"
	default:
		return fmt.Sprintf("unknown_0x%02x", uint8(k))
	}
}

// Submessage flag bits. Bit 0 is always the endianness flag.
const (
	FlagInlineQos  uint8 = 0x02
	FlagData       uint8 = 0x04
	FlagKey        uint8 = 0x08
	FlagFinal      uint8 = 0x02
	FlagLiveliness uint8 = 0x04
	FlagInvalidate uint8 = 0x02
)

// Serialized payload encapsulation identifiers.
const (
	EncapsulationCDRBE   uint16 = 0x0000
	EncapsulationCDRLE   uint16 = 0x0001
	EncapsulationPLCDRBE uint16 = 0x0002
	EncapsulationPLCDRLE uint16 = 0x0003
)

// SubmessageHeader precedes every submessage body.
type SubmessageHeader struct {
	ID     Kind
	Flags  uint8
	Length uint16
}

// Submessage is one decoded variant: *Data, *Gap, *AckNack, *Heartbeat,
// *InfoTimestamp, *InfoSource, *InfoDestination, *Pad or *Unknown.
type Submessage interface {
	Kind() Kind
}

// Data carries one change from a writer.
type Data struct {
	ReaderID       protocol.EntityID
	WriterID       protocol.EntityID
	SequenceNumber protocol.SequenceNumber
	InlineQos      ParameterList
	DataFlag       bool
	KeyFlag        bool
	Encapsulation  uint16
	Options        uint16
	// SerializedPayload aliases the receive buffer after decode.
	SerializedPayload []byte
	// KeyParameters is the decoded payload of a key-only DATA.
	KeyParameters ParameterList
}

func (*Data) Kind() Kind { return KindData }

// ChangeKind is ALIVE for data, otherwise taken from PID_STATUS_INFO.
func (d *Data) ChangeKind() protocol.ChangeKind {
	if d.DataFlag {
		return protocol.ChangeAlive
	}
	status, ok := d.KeyParameters.StatusInfo()
	if !ok {
		status, ok = d.InlineQos.StatusInfo()
	}
	if !ok {
		return protocol.ChangeAlive
	}
	switch {
	case status&StatusInfoDisposed != 0:
		return protocol.ChangeNotAliveDisposed
	case status&StatusInfoUnregistered != 0:
		return protocol.ChangeNotAliveUnregistered
	default:
		return protocol.ChangeAlive
	}
}

// InstanceHandle returns the key hash carried inline or in the key payload.
func (d *Data) InstanceHandle() (protocol.InstanceHandle, bool) {
	if h, ok := d.InlineQos.KeyHash(); ok {
		return h, true
	}
	return d.KeyParameters.KeyHash()
}

// Gap marks [GapStart, GapList.Base-1] and the GapList members irrelevant.
type Gap struct {
	ReaderID protocol.EntityID
	WriterID protocol.EntityID
	GapStart protocol.SequenceNumber
	GapList  protocol.SequenceNumberSet
}

func (*Gap) Kind() Kind { return KindGap }

type AckNack struct {
	ReaderID      protocol.EntityID
	WriterID      protocol.EntityID
	ReaderSNState protocol.SequenceNumberSet
	Count         uint32
	Final         bool
}

func (*AckNack) Kind() Kind { return KindAckNack }

type Heartbeat struct {
	ReaderID   protocol.EntityID
	WriterID   protocol.EntityID
	FirstSN    protocol.SequenceNumber
	LastSN     protocol.SequenceNumber
	Count      uint32
	Final      bool
	Liveliness bool
}

func (*Heartbeat) Kind() Kind { return KindHeartbeat }

// InfoTimestamp sets the source timestamp of following submessages, or
// clears it when Invalidate is set.
type InfoTimestamp struct {
	Invalidate bool
	Timestamp  protocol.Time
}

func (*InfoTimestamp) Kind() Kind { return KindInfoTimestamp }

type InfoSource struct {
	Version protocol.ProtocolVersion
	Vendor  protocol.VendorID
	Prefix  protocol.GuidPrefix
}

func (*InfoSource) Kind() Kind { return KindInfoSource }

type InfoDestination struct {
	Prefix protocol.GuidPrefix
}

func (*InfoDestination) Kind() Kind { return KindInfoDestination }

type Pad struct{}

func (*Pad) Kind() Kind { return KindPad }

// Unknown is any submessage this package does not decode.
type Unknown struct {
	ID     Kind
	Length int
}

func (u *Unknown) Kind() Kind { return u.ID }
