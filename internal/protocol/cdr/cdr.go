// Package cdr reads and writes Common Data Representation values.
//
// Every read is bounds checked and fails with protocol.ErrTruncated; every
// write is capacity checked and fails with protocol.ErrBufferFull. Alignment
// is computed relative to the origin of the Reader or Writer, which callers
// set to the start of a submessage body or serialized payload.
package cdr

import "encoding/binary"

// Endianness selects the byte order of multi-byte values.
type Endianness uint8

const (
	BigEndian Endianness = iota
	LittleEndian
)

// FlagEndianness is bit 0 of every submessage flags octet.
const FlagEndianness uint8 = 0x01

// EndiannessFromFlags decodes the submessage endianness flag.
func EndiannessFromFlags(flags uint8) Endianness {
	if flags&FlagEndianness != 0 {
		return LittleEndian
	}
	return BigEndian
}

// Flag returns the submessage flag bit for e.
func (e Endianness) Flag() uint8 {
	if e == LittleEndian {
		return FlagEndianness
	}
	return 0
}

func (e Endianness) ByteOrder() binary.ByteOrder {
	if e == LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (e Endianness) String() string {
	if e == LittleEndian {
		return "little"
	}
	return "big"
}

func padding(offset, align int) int {
	if align <= 1 {
		return 0
	}
	if rem := offset % align; rem != 0 {
		return align - rem
	}
	return 0
}
