package protocol

import (
	"fmt"
	"net"
	"time"
)

// Locator kinds.
const (
	LocatorKindInvalid int32 = -1
	LocatorKindUDPv4   int32 = 1
	LocatorKindUDPv6   int32 = 2
)

const LocatorSize = 24

// Locator is a transport address: kind, port and a 16-byte address. IPv4
// addresses occupy the last four bytes.
type Locator struct {
	Kind    int32
	Port    uint32
	Address [16]byte
}

var LocatorInvalid = Locator{Kind: LocatorKindInvalid}

// NewUDPv4Locator builds a UDPv4 locator for ip:port.
func NewUDPv4Locator(ip net.IP, port uint32) Locator {
	loc := Locator{Kind: LocatorKindUDPv4, Port: port}
	if v4 := ip.To4(); v4 != nil {
		copy(loc.Address[12:], v4)
	}
	return loc
}

// LocatorFromUDPAddr maps a socket address onto a locator.
func LocatorFromUDPAddr(addr *net.UDPAddr) Locator {
	if addr == nil {
		return LocatorInvalid
	}
	if v4 := addr.IP.To4(); v4 != nil {
		return NewUDPv4Locator(v4, uint32(addr.Port))
	}
	loc := Locator{Kind: LocatorKindUDPv6, Port: uint32(addr.Port)}
	copy(loc.Address[:], addr.IP.To16())
	return loc
}

// UDPAddr is the inverse of LocatorFromUDPAddr.
func (l Locator) UDPAddr() (*net.UDPAddr, error) {
	switch l.Kind {
	case LocatorKindUDPv4:
		return &net.UDPAddr{IP: net.IPv4(l.Address[12], l.Address[13], l.Address[14], l.Address[15]), Port: int(l.Port)}, nil
	case LocatorKindUDPv6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, l.Address[:])
		return &net.UDPAddr{IP: ip, Port: int(l.Port)}, nil
	default:
		return nil, fmt.Errorf("%w: locator kind %d has no udp address", ErrMalformed, l.Kind)
	}
}

func (l Locator) IsValid() bool {
	return l.Kind == LocatorKindUDPv4 || l.Kind == LocatorKindUDPv6
}

func (l Locator) String() string {
	addr, err := l.UDPAddr()
	if err != nil {
		return fmt.Sprintf("locator(kind=%d)", l.Kind)
	}
	return addr.String()
}

// Time is the RTPS timestamp: seconds plus a 2^-32 fraction.
type Time struct {
	Seconds  int32
	Fraction uint32
}

var TimeInvalid = Time{Seconds: -1, Fraction: 0xffffffff}

// TimeFrom converts a wall-clock time.
func TimeFrom(t time.Time) Time {
	sec := t.Unix()
	nanos := uint64(t.Nanosecond())
	return Time{Seconds: int32(sec), Fraction: uint32((nanos << 32) / uint64(time.Second))}
}

// Time converts back to wall-clock time (nanosecond precision is lossy).
func (t Time) Time() time.Time {
	nanos := (uint64(t.Fraction) * uint64(time.Second)) >> 32
	return time.Unix(int64(t.Seconds), int64(nanos))
}
