package message

import (
	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/danmuck/rtpscore/internal/protocol/cdr"
	"github.com/pkg/errors"
)

type ParameterID uint16

const (
	PIDPad        ParameterID = 0x0000
	PIDSentinel   ParameterID = 0x0001
	PIDKeyHash    ParameterID = 0x0070
	PIDStatusInfo ParameterID = 0x0071
)

// PID_STATUS_INFO flag bits, carried in the last octet of the value.
const (
	StatusInfoDisposed     uint8 = 0x01
	StatusInfoUnregistered uint8 = 0x02
)

type Parameter struct {
	ID    ParameterID
	Value []byte
}

// ParameterList is an ordered list of parameters without the sentinel.
type ParameterList []Parameter

// ReadParameterList consumes parameters up to and including the sentinel.
// PID_PAD entries are dropped. A list without a sentinel is malformed.
func ReadParameterList(r *cdr.Reader) (ParameterList, error) {
	var out ParameterList
	for {
		if err := r.Align(4); err != nil {
			return nil, errors.Wrap(protocol.ErrMalformed, "message: parameter list missing sentinel")
		}
		pid, err := r.Uint16()
		if err != nil {
			return nil, errors.Wrap(protocol.ErrMalformed, "message: parameter list missing sentinel")
		}
		length, err := r.Uint16()
		if err != nil {
			return nil, errors.Wrap(protocol.ErrMalformed, "message: truncated parameter header")
		}
		value, err := r.Bytes(int(length))
		if err != nil {
			return nil, errors.Wrapf(protocol.ErrMalformed, "message: parameter 0x%04x length %d exceeds list", pid, length)
		}
		switch ParameterID(pid) {
		case PIDSentinel:
			return out, nil
		case PIDPad:
			continue
		}
		out = append(out, Parameter{ID: ParameterID(pid), Value: value})
	}
}

// Write encodes the list followed by the sentinel. Values are padded to a
// multiple of four.
func (pl ParameterList) Write(w *cdr.Writer) error {
	for _, p := range pl {
		padded := (len(p.Value) + 3) &^ 3
		if padded > 0xffff {
			return errors.Wrapf(protocol.ErrMalformed, "message: parameter 0x%04x value of %d bytes", uint16(p.ID), len(p.Value))
		}
		if err := w.WriteUint16(uint16(p.ID)); err != nil {
			return err
		}
		if err := w.WriteUint16(uint16(padded)); err != nil {
			return err
		}
		if err := w.WriteBytes(p.Value); err != nil {
			return err
		}
		if err := w.Align(4); err != nil {
			return err
		}
	}
	if err := w.WriteUint16(uint16(PIDSentinel)); err != nil {
		return err
	}
	return w.WriteUint16(0)
}

func (pl ParameterList) Find(id ParameterID) (Parameter, bool) {
	for _, p := range pl {
		if p.ID == id {
			return p, true
		}
	}
	return Parameter{}, false
}

// KeyHash decodes PID_KEY_HASH.
func (pl ParameterList) KeyHash() (protocol.InstanceHandle, bool) {
	var h protocol.InstanceHandle
	p, ok := pl.Find(PIDKeyHash)
	if !ok || len(p.Value) < len(h) {
		return h, false
	}
	copy(h[:], p.Value)
	return h, true
}

// StatusInfo returns the flags octet of PID_STATUS_INFO.
func (pl ParameterList) StatusInfo() (uint8, bool) {
	p, ok := pl.Find(PIDStatusInfo)
	if !ok || len(p.Value) < 4 {
		return 0, false
	}
	return p.Value[3], true
}

// KeyHashParameter builds a PID_KEY_HASH entry.
func KeyHashParameter(h protocol.InstanceHandle) Parameter {
	v := make([]byte, len(h))
	copy(v, h[:])
	return Parameter{ID: PIDKeyHash, Value: v}
}

// StatusInfoParameter builds a PID_STATUS_INFO entry for kind.
func StatusInfoParameter(kind protocol.ChangeKind) Parameter {
	var flags uint8
	switch kind {
	case protocol.ChangeNotAliveDisposed:
		flags = StatusInfoDisposed
	case protocol.ChangeNotAliveUnregistered:
		flags = StatusInfoUnregistered
	}
	return Parameter{ID: PIDStatusInfo, Value: []byte{0, 0, 0, flags}}
}
