package config

import (
	"encoding/hex"

	"github.com/danmuck/rtpscore/internal/protocol/cdr"
	gotoml "github.com/pelletier/go-toml/v2"
)

// Encode renders cfg in the file format LoadEngineConfig reads.
func Encode(cfg EngineConfig) ([]byte, error) {
	return gotoml.Marshal(toFile(cfg))
}

func toFile(cfg EngineConfig) fileConfig {
	out := fileConfig{
		VendorID:       hex.EncodeToString(cfg.Vendor[:]),
		Listen:         cfg.Listen,
		Endianness:     "little",
		MaxMessageSize: cfg.MaxMessageSize,
		LogLevel:       cfg.LogLevel,
		Admin: fileAdmin{
			Addr:        cfg.Admin.Addr,
			CorsOrigins: cfg.Admin.CorsOrigins,
		},
		Timing: fileTiming{
			HeartbeatPeriod:            cfg.Timing.HeartbeatPeriod.String(),
			NackResponseDelay:          cfg.Timing.NackResponseDelay.String(),
			HeartbeatResponseDelay:     cfg.Timing.HeartbeatResponseDelay.String(),
			NackSuppressionDuration:    cfg.Timing.NackSuppressionDuration.String(),
			RespondToNonFinalHeartbeat: cfg.Timing.RespondToNonFinalHeartbeat,
		},
		Transport: fileTransport{
			RetryInitial:    cfg.Timing.Backoff.InitialDelay.String(),
			RetryMax:        cfg.Timing.Backoff.MaxDelay.String(),
			RetryMultiplier: cfg.Timing.Backoff.Multiplier,
			RetryJitter:     cfg.Timing.Backoff.Jitter,
		},
		Readers: endpointsToFile(cfg.Readers),
		Writers: endpointsToFile(cfg.Writers),
	}
	if !cfg.GuidPrefix.IsUnknown() {
		out.GuidPrefix = cfg.GuidPrefix.String()
	}
	if cfg.Endianness == cdr.BigEndian {
		out.Endianness = "big"
	}
	return out
}

func endpointsToFile(in []EndpointConfig) []fileEndpoint {
	out := make([]fileEndpoint, 0, len(in))
	for _, ep := range in {
		fe := fileEndpoint{
			Name:         ep.Name,
			Topic:        ep.Topic,
			EntityKey:    int64(ep.EntityKey),
			Keyed:        ep.Keyed,
			Reliability:  ep.Reliability.String(),
			HistoryDepth: ep.HistoryDepth,
		}
		for _, m := range ep.Matches {
			fm := fileMatch{GUID: m.GUID.String(), Reliability: m.Reliability.String()}
			for _, loc := range m.Locators {
				fm.Locators = append(fm.Locators, loc.String())
			}
			fe.Matches = append(fe.Matches, fm)
		}
		out = append(out, fe)
	}
	return out
}
