package receiver

import (
	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/danmuck/rtpscore/internal/protocol/message"
)

// state is the receiver context of one message. Handlers get a copy and the
// INFO handlers return the updated copy.
type state struct {
	sourceVersion protocol.ProtocolVersion
	sourceVendor  protocol.VendorID
	sourcePrefix  protocol.GuidPrefix
	destPrefix    protocol.GuidPrefix
	localPrefix   protocol.GuidPrefix
	haveTimestamp bool
	timestamp     protocol.Time
	source        protocol.Locator
}

func newState(h message.Header, local protocol.GuidPrefix, source protocol.Locator) state {
	return state{
		sourceVersion: h.Version,
		sourceVendor:  h.Vendor,
		sourcePrefix:  h.Prefix,
		destPrefix:    local,
		localPrefix:   local,
		source:        source,
	}
}

// forUs reports whether entity submessages under st concern this participant.
func (st state) forUs() bool {
	return st.destPrefix.IsUnknown() || st.destPrefix == st.localPrefix
}

func (st state) writerGUID(id protocol.EntityID) protocol.GUID {
	return protocol.GUID{Prefix: st.sourcePrefix, Entity: id}
}

func applyInfoSource(st state, m *message.InfoSource) state {
	st.sourceVersion = m.Version
	st.sourceVendor = m.Vendor
	st.sourcePrefix = m.Prefix
	return st
}

// applyInfoDestination ignores the unknown prefix.
func applyInfoDestination(st state, m *message.InfoDestination) state {
	if !m.Prefix.IsUnknown() {
		st.destPrefix = m.Prefix
	}
	return st
}

func applyInfoTimestamp(st state, m *message.InfoTimestamp) state {
	if m.Invalidate {
		st.haveTimestamp = false
		st.timestamp = protocol.Time{}
		return st
	}
	st.haveTimestamp = true
	st.timestamp = m.Timestamp
	return st
}
