// Package protocol owns the RTPS wire contract and its value types.
//
// Ownership boundary:
// - GUID prefix / entity id / GUID identity types
// - sequence numbers and sequence number sets
// - locators, timestamps, protocol version and vendor id
// - error taxonomy shared by the codec, parser and receiver
//
// Subpackages:
// - cdr: primitive and composite CDR encoding with endianness + alignment
// - message: RTPS header, submessage parsing and message building
// - session: keyed response timers and reliability timing defaults
package protocol
