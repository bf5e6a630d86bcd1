package config

import (
	"fmt"

	"github.com/danmuck/rtpscore/internal/endpoint"
	"github.com/danmuck/rtpscore/internal/protocol"
)

// Endpoints are the local endpoints created by Build, in config order.
type Endpoints struct {
	Readers []*endpoint.Reader
	Writers []*endpoint.Writer
}

// RegistryOptions maps cfg onto endpoint.Options. The caller supplies the
// sender; the scheduler and pool are left to the registry defaults.
func RegistryOptions(cfg EngineConfig, sender endpoint.Sender) endpoint.Options {
	return endpoint.Options{
		Prefix:         cfg.GuidPrefix,
		Vendor:         cfg.Vendor,
		Sender:         sender,
		Timing:         cfg.Timing,
		Endianness:     cfg.Endianness,
		MaxMessageSize: cfg.MaxMessageSize,
	}
}

// EntityID is the id of the configured endpoint.
func (ep EndpointConfig) EntityID(writer bool) protocol.EntityID {
	kind := protocol.EntityKindUserReaderNoKey
	switch {
	case writer && ep.Keyed:
		kind = protocol.EntityKindUserWriterWithKey
	case writer:
		kind = protocol.EntityKindUserWriterNoKey
	case ep.Keyed:
		kind = protocol.EntityKindUserReaderWithKey
	}
	return protocol.NewEntityID(ep.EntityKey, kind)
}

func (ep EndpointConfig) Attributes(writer bool) endpoint.Attributes {
	return endpoint.Attributes{
		Name:         ep.Name,
		Topic:        ep.Topic,
		EntityID:     ep.EntityID(writer),
		Reliability:  ep.Reliability,
		HistoryDepth: ep.HistoryDepth,
	}
}

func (m MatchConfig) RemoteWriter() endpoint.RemoteWriter {
	return endpoint.RemoteWriter{GUID: m.GUID, Locators: m.Locators}
}

func (m MatchConfig) RemoteReader() endpoint.RemoteReader {
	return endpoint.RemoteReader{GUID: m.GUID, Reliability: m.Reliability, Locators: m.Locators}
}

// Build creates every configured endpoint on reg and applies the static
// matches. listener receives the changes of every reader.
func Build(reg *endpoint.Registry, cfg EngineConfig, listener endpoint.Listener) (Endpoints, error) {
	var out Endpoints
	for _, ep := range cfg.Readers {
		rd, err := reg.AddReader(ep.Attributes(false), listener)
		if err != nil {
			return Endpoints{}, fmt.Errorf("reader %s: %w", ep.Name, err)
		}
		for _, m := range ep.Matches {
			if err := rd.MatchWriter(m.RemoteWriter()); err != nil {
				return Endpoints{}, fmt.Errorf("reader %s: %w", ep.Name, err)
			}
		}
		out.Readers = append(out.Readers, rd)
	}
	for _, ep := range cfg.Writers {
		w, err := reg.AddWriter(ep.Attributes(true))
		if err != nil {
			return Endpoints{}, fmt.Errorf("writer %s: %w", ep.Name, err)
		}
		for _, m := range ep.Matches {
			if err := w.MatchReader(m.RemoteReader()); err != nil {
				return Endpoints{}, fmt.Errorf("writer %s: %w", ep.Name, err)
			}
		}
		out.Writers = append(out.Writers, w)
	}
	return out, nil
}
