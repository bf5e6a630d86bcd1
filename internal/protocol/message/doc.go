// Package message parses and builds RTPS messages.
//
// Ownership boundary:
// - 20-byte message header validation (magic, major version)
// - submessage framing, including the length-0 "rest of message" rule
// - decoding of each known submessage into a typed variant
// - inline QoS parameter lists
// - encoding of messages for endpoint responses
//
// Unknown submessage ids (DATA_FRAG, HEARTBEAT_FRAG, NACK_FRAG and vendor
// ids included) decode to Unknown and are skipped by declared length.
package message
