package message

import (
	"bytes"

	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/pkg/errors"
)

const (
	HeaderSize           = 20
	SubmessageHeaderSize = 4
)

var Magic = [4]byte{'R', 'T', 'P', 'S'}

// Header is the fixed RTPS message header.
type Header struct {
	Version protocol.ProtocolVersion
	Vendor  protocol.VendorID
	Prefix  protocol.GuidPrefix
}

// ReadHeader validates and decodes the first HeaderSize bytes of buf.
func ReadHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, errors.Wrapf(protocol.ErrTruncated, "message: %d bytes is shorter than the header", len(buf))
	}
	if !bytes.Equal(buf[:4], Magic[:]) {
		return h, errors.Wrapf(protocol.ErrInvalidMagic, "message: got %q", buf[:4])
	}
	h.Version = protocol.ProtocolVersion{Major: buf[4], Minor: buf[5]}
	if h.Version.Major > protocol.ProtocolVersionMajor {
		return h, errors.Wrapf(protocol.ErrUnsupportedVersion, "message: version %s", h.Version)
	}
	copy(h.Vendor[:], buf[6:8])
	copy(h.Prefix[:], buf[8:HeaderSize])
	return h, nil
}

// AppendHeader appends the wire form of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = append(dst, Magic[:]...)
	dst = append(dst, h.Version.Major, h.Version.Minor)
	dst = append(dst, h.Vendor[:]...)
	return append(dst, h.Prefix[:]...)
}
