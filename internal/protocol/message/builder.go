package message

import (
	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/danmuck/rtpscore/internal/protocol/cdr"
	"github.com/pkg/errors"
)

// Builder encodes one message: the header followed by submessages in a
// single endianness.
type Builder struct {
	w      *cdr.Writer
	endian cdr.Endianness
	count  int
}

// NewBuilder writes the header for prefix. A non-positive capacity selects
// cdr.DefaultCapacity.
func NewBuilder(prefix protocol.GuidPrefix, vendor protocol.VendorID, e cdr.Endianness, capacity int) (*Builder, error) {
	b := &Builder{w: cdr.NewWriter(e, capacity), endian: e}
	hdr := AppendHeader(make([]byte, 0, HeaderSize), Header{
		Version: protocol.ProtocolVersionCurrent,
		Vendor:  vendor,
		Prefix:  prefix,
	})
	if err := b.w.WriteBytes(hdr); err != nil {
		return nil, err
	}
	return b, nil
}

// Bytes returns the encoded message. It is valid until the next append.
func (b *Builder) Bytes() []byte {
	return b.w.Bytes()
}

func (b *Builder) Len() int {
	return b.w.Len()
}

// Count is the number of submessages appended so far.
func (b *Builder) Count() int {
	return b.count
}

// Data appends a DATA submessage. KeyParameters, when set on a key-only
// DATA, replaces SerializedPayload.
func (b *Builder) Data(d *Data) error {
	if d.DataFlag && d.KeyFlag {
		return errors.Wrap(protocol.ErrMalformed, "message: data and key flags both set")
	}
	flags := uint8(0)
	if len(d.InlineQos) > 0 {
		flags |= FlagInlineQos
	}
	if d.DataFlag {
		flags |= FlagData
	}
	if d.KeyFlag {
		flags |= FlagKey
	}
	return b.submessage(KindData, flags, func(w *cdr.Writer) error {
		if err := w.WriteUint16(0); err != nil {
			return err
		}
		if err := w.WriteUint16(dataOctetsToInlineQos); err != nil {
			return err
		}
		if err := w.WriteEntityID(d.ReaderID); err != nil {
			return err
		}
		if err := w.WriteEntityID(d.WriterID); err != nil {
			return err
		}
		if err := w.WriteSequenceNumber(d.SequenceNumber); err != nil {
			return err
		}
		if len(d.InlineQos) > 0 {
			if err := d.InlineQos.Write(w); err != nil {
				return err
			}
		}
		if !d.DataFlag && !d.KeyFlag {
			return nil
		}
		payload := d.SerializedPayload
		encap := d.Encapsulation
		if d.KeyFlag && d.KeyParameters != nil {
			var err error
			if payload, encap, err = encodeKeyParameters(d.KeyParameters, b.endian); err != nil {
				return err
			}
		}
		if err := w.WriteBytes([]byte{byte(encap >> 8), byte(encap), byte(d.Options >> 8), byte(d.Options)}); err != nil {
			return err
		}
		return w.WriteBytes(payload)
	})
}

func encodeKeyParameters(pl ParameterList, e cdr.Endianness) ([]byte, uint16, error) {
	w := cdr.NewWriter(e, 0)
	if err := pl.Write(w); err != nil {
		return nil, 0, err
	}
	encap := EncapsulationPLCDRBE
	if e == cdr.LittleEndian {
		encap = EncapsulationPLCDRLE
	}
	return w.Bytes(), encap, nil
}

func (b *Builder) Gap(g *Gap) error {
	return b.submessage(KindGap, 0, func(w *cdr.Writer) error {
		if err := w.WriteEntityID(g.ReaderID); err != nil {
			return err
		}
		if err := w.WriteEntityID(g.WriterID); err != nil {
			return err
		}
		if err := w.WriteSequenceNumber(g.GapStart); err != nil {
			return err
		}
		return w.WriteSequenceNumberSet(g.GapList)
	})
}

func (b *Builder) AckNack(a *AckNack) error {
	var flags uint8
	if a.Final {
		flags |= FlagFinal
	}
	return b.submessage(KindAckNack, flags, func(w *cdr.Writer) error {
		if err := w.WriteEntityID(a.ReaderID); err != nil {
			return err
		}
		if err := w.WriteEntityID(a.WriterID); err != nil {
			return err
		}
		if err := w.WriteSequenceNumberSet(a.ReaderSNState); err != nil {
			return err
		}
		return w.WriteUint32(a.Count)
	})
}

func (b *Builder) Heartbeat(hb *Heartbeat) error {
	var flags uint8
	if hb.Final {
		flags |= FlagFinal
	}
	if hb.Liveliness {
		flags |= FlagLiveliness
	}
	return b.submessage(KindHeartbeat, flags, func(w *cdr.Writer) error {
		if err := w.WriteEntityID(hb.ReaderID); err != nil {
			return err
		}
		if err := w.WriteEntityID(hb.WriterID); err != nil {
			return err
		}
		if err := w.WriteSequenceNumber(hb.FirstSN); err != nil {
			return err
		}
		if err := w.WriteSequenceNumber(hb.LastSN); err != nil {
			return err
		}
		return w.WriteUint32(hb.Count)
	})
}

func (b *Builder) InfoTimestamp(ts *InfoTimestamp) error {
	if ts.Invalidate {
		return b.submessage(KindInfoTimestamp, FlagInvalidate, nil)
	}
	return b.submessage(KindInfoTimestamp, 0, func(w *cdr.Writer) error {
		return w.WriteTime(ts.Timestamp)
	})
}

func (b *Builder) InfoSource(src *InfoSource) error {
	return b.submessage(KindInfoSource, 0, func(w *cdr.Writer) error {
		if err := w.WriteBytes([]byte{0, 0, 0, 0, src.Version.Major, src.Version.Minor}); err != nil {
			return err
		}
		if err := w.WriteBytes(src.Vendor[:]); err != nil {
			return err
		}
		return w.WriteGuidPrefix(src.Prefix)
	})
}

func (b *Builder) InfoDestination(dst *InfoDestination) error {
	return b.submessage(KindInfoDestination, 0, func(w *cdr.Writer) error {
		return w.WriteGuidPrefix(dst.Prefix)
	})
}

// Pad appends a PAD submessage with n zero bytes of body.
func (b *Builder) Pad(n int) error {
	return b.submessage(KindPad, 0, func(w *cdr.Writer) error {
		return w.WriteBytes(make([]byte, n))
	})
}

// submessage writes the header, the body produced by fn and patches the
// length. A failed body leaves the message as it was. An empty body encodes
// as length 0, which receivers read as the last submessage.
func (b *Builder) submessage(kind Kind, flags uint8, fn func(w *cdr.Writer) error) error {
	w := b.w
	start := w.Len()
	if err := w.WriteBytes([]byte{byte(kind), flags | b.endian.Flag(), 0, 0}); err != nil {
		return err
	}
	w.SetOrigin()
	if fn != nil {
		if err := fn(w); err != nil {
			w.Truncate(start)
			return err
		}
	}
	length := w.Len() - start - SubmessageHeaderSize
	if length > 0xffff {
		w.Truncate(start)
		return errors.Wrapf(protocol.ErrBufferFull, "message: %s body of %d bytes", kind, length)
	}
	if err := w.PutUint16At(start+2, uint16(length)); err != nil {
		return err
	}
	b.count++
	return nil
}
