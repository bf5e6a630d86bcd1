package message

import (
	"encoding/binary"
	"io"

	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/danmuck/rtpscore/internal/protocol/cdr"
	"github.com/pkg/errors"
)

const (
	// octetsToInlineQos when no extra fields precede the inline QoS.
	dataOctetsToInlineQos = 16
	infoSourceLength      = 20
)

// Element is one framed submessage.
type Element struct {
	Header SubmessageHeader
	// Offset of the submessage header within the message.
	Offset int
	Body   Submessage
	// Last is set when the submessage extends to the end of the message.
	Last bool
}

// Parser walks the submessages of one message. It never reads outside buf.
type Parser struct {
	buf    []byte
	pos    int
	header Header
	done   bool
}

// NewParser validates the message header.
func NewParser(buf []byte) (*Parser, error) {
	h, err := ReadHeader(buf)
	if err != nil {
		return nil, err
	}
	return &Parser{buf: buf, pos: HeaderSize, header: h}, nil
}

func (p *Parser) Header() Header {
	return p.header
}

// Next decodes the next submessage. It returns io.EOF after the last one. Any
// other error ends the iteration; the returned Element still carries the
// submessage header when one was read.
func (p *Parser) Next() (Element, error) {
	if p.done || p.pos >= len(p.buf) {
		p.done = true
		return Element{}, io.EOF
	}
	el := Element{Offset: p.pos}
	if len(p.buf)-p.pos < SubmessageHeaderSize {
		p.done = true
		return el, errors.Wrapf(protocol.ErrTruncated, "message: %d trailing bytes at offset %d", len(p.buf)-p.pos, p.pos)
	}
	el.Header.ID = Kind(p.buf[p.pos])
	el.Header.Flags = p.buf[p.pos+1]
	endian := cdr.EndiannessFromFlags(el.Header.Flags)
	el.Header.Length = endian.ByteOrder().Uint16(p.buf[p.pos+2 : p.pos+4])
	p.pos += SubmessageHeaderSize

	bodyLen := int(el.Header.Length)
	if bodyLen == 0 {
		bodyLen = len(p.buf) - p.pos
		el.Last = true
	} else if p.pos+bodyLen > len(p.buf) {
		p.done = true
		return el, errors.Wrapf(protocol.ErrTruncated, "message: %s length %d exceeds %d remaining bytes", el.Header.ID, bodyLen, len(p.buf)-p.pos)
	}
	body := cdr.NewReader(p.buf[p.pos:p.pos+bodyLen], endian)
	p.pos += bodyLen
	if el.Last {
		p.done = true
	}

	var err error
	el.Body, err = decodeBody(el.Header, body)
	if err != nil {
		p.done = true
		return el, errors.WithMessagef(err, "message: decode %s at offset %d", el.Header.ID, el.Offset)
	}
	return el, nil
}

// Parse decodes every submessage of buf. On error it returns the elements
// decoded before the failure.
func Parse(buf []byte) (Header, []Element, error) {
	p, err := NewParser(buf)
	if err != nil {
		return Header{}, nil, err
	}
	var out []Element
	for {
		el, err := p.Next()
		if err == io.EOF {
			return p.Header(), out, nil
		}
		if err != nil {
			return p.Header(), out, err
		}
		out = append(out, el)
	}
}

func decodeBody(h SubmessageHeader, r *cdr.Reader) (Submessage, error) {
	switch h.ID {
	case KindData:
		return decodeData(h, r)
	case KindGap:
		return decodeGap(r)
	case KindAckNack:
		return decodeAckNack(h, r)
	case KindHeartbeat:
		return decodeHeartbeat(h, r)
	case KindInfoTimestamp:
		return decodeInfoTimestamp(h, r)
	case KindInfoSource:
		return decodeInfoSource(h, r)
	case KindInfoDestination:
		return decodeInfoDestination(r)
	case KindPad:
		return &Pad{}, nil
	default:
		return &Unknown{ID: h.ID, Length: r.Len()}, nil
	}
}

func decodeData(h SubmessageHeader, r *cdr.Reader) (*Data, error) {
	d := &Data{
		DataFlag: h.Flags&FlagData != 0,
		KeyFlag:  h.Flags&FlagKey != 0,
	}
	if d.DataFlag && d.KeyFlag {
		return nil, errors.Wrap(protocol.ErrMalformed, "data and key flags both set")
	}
	if _, err := r.Uint16(); err != nil { // extra flags
		return nil, err
	}
	octetsToInlineQos, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	if octetsToInlineQos < dataOctetsToInlineQos {
		return nil, errors.Wrapf(protocol.ErrMalformed, "octetsToInlineQos %d", octetsToInlineQos)
	}
	if d.ReaderID, err = r.EntityID(); err != nil {
		return nil, err
	}
	if d.WriterID, err = r.EntityID(); err != nil {
		return nil, err
	}
	if d.SequenceNumber, err = r.SequenceNumber(); err != nil {
		return nil, err
	}
	if !d.SequenceNumber.Valid() {
		return nil, errors.Wrapf(protocol.ErrInvalidSequenceNumber, "data sn %s", d.SequenceNumber)
	}
	if err := r.Skip(int(octetsToInlineQos) - dataOctetsToInlineQos); err != nil {
		return nil, err
	}
	if h.Flags&FlagInlineQos != 0 {
		if d.InlineQos, err = ReadParameterList(r); err != nil {
			return nil, err
		}
	}
	if !d.DataFlag && !d.KeyFlag {
		return d, nil
	}
	encap, err := r.Bytes(4)
	if err != nil {
		return nil, err
	}
	// Encapsulation and options are big-endian regardless of the flags.
	d.Encapsulation = binary.BigEndian.Uint16(encap[0:2])
	d.Options = binary.BigEndian.Uint16(encap[2:4])
	d.SerializedPayload = r.Rest()
	if d.KeyFlag {
		var endian cdr.Endianness
		switch d.Encapsulation {
		case EncapsulationPLCDRBE:
			endian = cdr.BigEndian
		case EncapsulationPLCDRLE:
			endian = cdr.LittleEndian
		default:
			return nil, errors.Wrapf(protocol.ErrMalformed, "key payload encapsulation 0x%04x", d.Encapsulation)
		}
		if d.KeyParameters, err = ReadParameterList(cdr.NewReader(d.SerializedPayload, endian)); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func decodeGap(r *cdr.Reader) (*Gap, error) {
	g := &Gap{}
	var err error
	if g.ReaderID, err = r.EntityID(); err != nil {
		return nil, err
	}
	if g.WriterID, err = r.EntityID(); err != nil {
		return nil, err
	}
	if g.GapStart, err = r.SequenceNumber(); err != nil {
		return nil, err
	}
	if g.GapList, err = r.SequenceNumberSet(); err != nil {
		return nil, err
	}
	if !g.GapStart.Valid() {
		return nil, errors.Wrapf(protocol.ErrInvalidSequenceNumber, "gap start %s", g.GapStart)
	}
	if !g.GapList.Base.Valid() {
		return nil, errors.Wrapf(protocol.ErrMalformed, "gap list base %s", g.GapList.Base)
	}
	return g, nil
}

func decodeAckNack(h SubmessageHeader, r *cdr.Reader) (*AckNack, error) {
	a := &AckNack{Final: h.Flags&FlagFinal != 0}
	var err error
	if a.ReaderID, err = r.EntityID(); err != nil {
		return nil, err
	}
	if a.WriterID, err = r.EntityID(); err != nil {
		return nil, err
	}
	if a.ReaderSNState, err = r.SequenceNumberSet(); err != nil {
		return nil, err
	}
	if a.Count, err = r.Uint32(); err != nil {
		return nil, err
	}
	return a, nil
}

func decodeHeartbeat(h SubmessageHeader, r *cdr.Reader) (*Heartbeat, error) {
	hb := &Heartbeat{
		Final:      h.Flags&FlagFinal != 0,
		Liveliness: h.Flags&FlagLiveliness != 0,
	}
	var err error
	if hb.ReaderID, err = r.EntityID(); err != nil {
		return nil, err
	}
	if hb.WriterID, err = r.EntityID(); err != nil {
		return nil, err
	}
	if hb.FirstSN, err = r.SequenceNumber(); err != nil {
		return nil, err
	}
	if !hb.FirstSN.Valid() {
		return nil, errors.Wrapf(protocol.ErrInvalidSequenceNumber, "heartbeat first %s", hb.FirstSN)
	}
	if hb.LastSN, err = r.SequenceNumber(); err != nil {
		return nil, err
	}
	if hb.LastSN < hb.FirstSN {
		return nil, errors.Wrapf(protocol.ErrMalformed, "heartbeat last %s < first %s", hb.LastSN, hb.FirstSN)
	}
	if hb.Count, err = r.Uint32(); err != nil {
		return nil, err
	}
	return hb, nil
}

func decodeInfoTimestamp(h SubmessageHeader, r *cdr.Reader) (*InfoTimestamp, error) {
	ts := &InfoTimestamp{Invalidate: h.Flags&FlagInvalidate != 0}
	if ts.Invalidate {
		return ts, nil
	}
	var err error
	if ts.Timestamp, err = r.Time(); err != nil {
		return nil, err
	}
	return ts, nil
}

func decodeInfoSource(h SubmessageHeader, r *cdr.Reader) (*InfoSource, error) {
	if h.Length != 0 && h.Length != infoSourceLength {
		return nil, errors.Wrapf(protocol.ErrMalformed, "info_src length %d", h.Length)
	}
	src := &InfoSource{}
	if err := r.Skip(4); err != nil { // unused
		return nil, err
	}
	b, err := r.Bytes(4)
	if err != nil {
		return nil, err
	}
	src.Version = protocol.ProtocolVersion{Major: b[0], Minor: b[1]}
	src.Vendor = protocol.VendorID{b[2], b[3]}
	if src.Prefix, err = r.GuidPrefix(); err != nil {
		return nil, err
	}
	return src, nil
}

func decodeInfoDestination(r *cdr.Reader) (*InfoDestination, error) {
	prefix, err := r.GuidPrefix()
	if err != nil {
		return nil, err
	}
	return &InfoDestination{Prefix: prefix}, nil
}
