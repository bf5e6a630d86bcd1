package protocol

import "errors"

var (
	ErrTruncated             = errors.New("protocol: truncated data")
	ErrBufferFull            = errors.New("protocol: buffer full")
	ErrMalformed             = errors.New("protocol: malformed message")
	ErrUnsupportedVersion    = errors.New("protocol: unsupported version")
	ErrInvalidSequenceNumber = errors.New("protocol: invalid sequence number")
	ErrInvalidMagic          = errors.New("protocol: invalid magic")
)
