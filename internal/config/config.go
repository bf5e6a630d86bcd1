package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/rtpscore/internal/endpoint"
	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/danmuck/rtpscore/internal/protocol/cdr"
	"github.com/danmuck/rtpscore/internal/protocol/session"
)

var ErrInvalidConfig = errors.New("invalid config")

// EngineConfig is the rtpsd configuration.
type EngineConfig struct {
	// GuidPrefix is random at startup when unknown.
	GuidPrefix     protocol.GuidPrefix
	Vendor         protocol.VendorID
	Listen         string
	Endianness     cdr.Endianness
	MaxMessageSize int
	LogLevel       string
	Admin          AdminConfig
	Timing         session.Config
	Readers        []EndpointConfig
	Writers        []EndpointConfig
}

type AdminConfig struct {
	Addr        string
	CorsOrigins []string
}

// EndpointConfig declares one local reader or writer and its static matches.
type EndpointConfig struct {
	Name         string
	Topic        string
	EntityKey    uint32
	Keyed        bool
	Reliability  endpoint.ReliabilityKind
	HistoryDepth int
	Matches      []MatchConfig
}

// MatchConfig is a statically configured remote endpoint.
type MatchConfig struct {
	GUID        protocol.GUID
	Reliability endpoint.ReliabilityKind
	Locators    []protocol.Locator
}

const maxEntityKey = 1<<24 - 1

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Vendor:         protocol.VendorIDLocal,
		Listen:         "0.0.0.0:7400",
		Endianness:     cdr.LittleEndian,
		MaxMessageSize: 65507,
		LogLevel:       "info",
		Admin: AdminConfig{
			Addr:        "127.0.0.1:9400",
			CorsOrigins: []string{"http://localhost:3000"},
		},
		Timing: session.DefaultConfig(),
	}
}

type fileConfig struct {
	GuidPrefix     string         `toml:"guid_prefix"`
	VendorID       string         `toml:"vendor_id"`
	Listen         string         `toml:"listen"`
	Endianness     string         `toml:"endianness"`
	MaxMessageSize int            `toml:"max_message_size"`
	LogLevel       string         `toml:"log_level"`
	Admin          fileAdmin      `toml:"admin"`
	Timing         fileTiming     `toml:"timing"`
	Transport      fileTransport  `toml:"transport"`
	Readers        []fileEndpoint `toml:"readers"`
	Writers        []fileEndpoint `toml:"writers"`
}

type fileAdmin struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type fileTiming struct {
	HeartbeatPeriod            string `toml:"heartbeat_period"`
	NackResponseDelay          string `toml:"nack_response_delay"`
	HeartbeatResponseDelay     string `toml:"heartbeat_response_delay"`
	NackSuppressionDuration    string `toml:"nack_suppression_duration"`
	RespondToNonFinalHeartbeat bool   `toml:"respond_to_non_final_heartbeat"`
}

type fileTransport struct {
	RetryInitial    string  `toml:"read_retry_initial"`
	RetryMax        string  `toml:"read_retry_max"`
	RetryMultiplier float64 `toml:"read_retry_multiplier"`
	RetryJitter     bool    `toml:"read_retry_jitter"`
}

type fileEndpoint struct {
	Name         string      `toml:"name"`
	Topic        string      `toml:"topic"`
	EntityKey    int64       `toml:"entity_key"`
	Keyed        bool        `toml:"keyed"`
	Reliability  string      `toml:"reliability"`
	HistoryDepth int         `toml:"history_depth"`
	Matches      []fileMatch `toml:"matches"`
}

type fileMatch struct {
	GUID        string   `toml:"guid"`
	Reliability string   `toml:"reliability"`
	Locators    []string `toml:"locators"`
}

// LoadEngineConfig reads path over DefaultEngineConfig: only keys present in
// the file replace defaults.
func LoadEngineConfig(path string) (EngineConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("load rtpsd config (%s): %w", path, err)
	}
	cfg, err := fromFile(raw, meta)
	if err != nil {
		return EngineConfig{}, err
	}
	if err := Validate(cfg); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

// DecodeEngineConfig is LoadEngineConfig for an in-memory document.
func DecodeEngineConfig(data string) (EngineConfig, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("parse rtpsd config: %w", err)
	}
	cfg, err := fromFile(raw, meta)
	if err != nil {
		return EngineConfig{}, err
	}
	if err := Validate(cfg); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

func fromFile(raw fileConfig, meta toml.MetaData) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	var err error

	if meta.IsDefined("guid_prefix") && strings.TrimSpace(raw.GuidPrefix) != "" {
		if cfg.GuidPrefix, err = protocol.ParseGuidPrefix(raw.GuidPrefix); err != nil {
			return EngineConfig{}, fmt.Errorf("%w: guid_prefix: %v", ErrInvalidConfig, err)
		}
	}
	if meta.IsDefined("vendor_id") {
		if cfg.Vendor, err = parseVendor(raw.VendorID); err != nil {
			return EngineConfig{}, err
		}
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("endianness") {
		if cfg.Endianness, err = parseEndianness(raw.Endianness); err != nil {
			return EngineConfig{}, err
		}
	}
	if meta.IsDefined("max_message_size") {
		cfg.MaxMessageSize = raw.MaxMessageSize
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CorsOrigins = normalizeList(raw.Admin.CorsOrigins)
	}

	durations := []struct {
		table, key string
		raw        string
		dst        *time.Duration
	}{
		{"timing", "heartbeat_period", raw.Timing.HeartbeatPeriod, &cfg.Timing.HeartbeatPeriod},
		{"timing", "nack_response_delay", raw.Timing.NackResponseDelay, &cfg.Timing.NackResponseDelay},
		{"timing", "heartbeat_response_delay", raw.Timing.HeartbeatResponseDelay, &cfg.Timing.HeartbeatResponseDelay},
		{"timing", "nack_suppression_duration", raw.Timing.NackSuppressionDuration, &cfg.Timing.NackSuppressionDuration},
		{"transport", "read_retry_initial", raw.Transport.RetryInitial, &cfg.Timing.Backoff.InitialDelay},
		{"transport", "read_retry_max", raw.Transport.RetryMax, &cfg.Timing.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.table, d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return EngineConfig{}, fmt.Errorf("%w: %s.%s: %v", ErrInvalidConfig, d.table, d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("timing", "respond_to_non_final_heartbeat") {
		cfg.Timing.RespondToNonFinalHeartbeat = raw.Timing.RespondToNonFinalHeartbeat
	}
	if meta.IsDefined("transport", "read_retry_multiplier") {
		cfg.Timing.Backoff.Multiplier = raw.Transport.RetryMultiplier
	}
	if meta.IsDefined("transport", "read_retry_jitter") {
		cfg.Timing.Backoff.Jitter = raw.Transport.RetryJitter
	}

	if cfg.Readers, err = endpointsFromFile("readers", raw.Readers); err != nil {
		return EngineConfig{}, err
	}
	if cfg.Writers, err = endpointsFromFile("writers", raw.Writers); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

func endpointsFromFile(table string, in []fileEndpoint) ([]EndpointConfig, error) {
	out := make([]EndpointConfig, 0, len(in))
	for i, raw := range in {
		if raw.EntityKey <= 0 || raw.EntityKey > maxEntityKey {
			return nil, fmt.Errorf("%w: %s[%d]: entity_key %d outside 1..%d", ErrInvalidConfig, table, i, raw.EntityKey, maxEntityKey)
		}
		rel, err := endpoint.ParseReliabilityKind(raw.Reliability)
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%d]: %v", ErrInvalidConfig, table, i, err)
		}
		ep := EndpointConfig{
			Name:         strings.TrimSpace(raw.Name),
			Topic:        strings.TrimSpace(raw.Topic),
			EntityKey:    uint32(raw.EntityKey),
			Keyed:        raw.Keyed,
			Reliability:  rel,
			HistoryDepth: raw.HistoryDepth,
		}
		for j, m := range raw.Matches {
			match, err := matchFromFile(m)
			if err != nil {
				return nil, fmt.Errorf("%w: %s[%d].matches[%d]: %v", ErrInvalidConfig, table, i, j, err)
			}
			ep.Matches = append(ep.Matches, match)
		}
		out = append(out, ep)
	}
	return out, nil
}

func matchFromFile(raw fileMatch) (MatchConfig, error) {
	guid, err := protocol.ParseGUID(raw.GUID)
	if err != nil {
		return MatchConfig{}, err
	}
	rel, err := endpoint.ParseReliabilityKind(raw.Reliability)
	if err != nil {
		return MatchConfig{}, err
	}
	m := MatchConfig{GUID: guid, Reliability: rel}
	for _, addr := range normalizeList(raw.Locators) {
		loc, err := ParseLocator(addr)
		if err != nil {
			return MatchConfig{}, err
		}
		m.Locators = append(m.Locators, loc)
	}
	return m, nil
}

// ParseLocator resolves "host:port" into a UDP locator.
func ParseLocator(addr string) (protocol.Locator, error) {
	udp, err := net.ResolveUDPAddr("udp", strings.TrimPrefix(strings.TrimSpace(addr), "udp://"))
	if err != nil {
		return protocol.LocatorInvalid, fmt.Errorf("locator %q: %w", addr, err)
	}
	return protocol.LocatorFromUDPAddr(udp), nil
}

func parseVendor(raw string) (protocol.VendorID, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), 16, 16)
	if err != nil {
		return protocol.VendorID{}, fmt.Errorf("%w: vendor_id %q", ErrInvalidConfig, raw)
	}
	return protocol.VendorID{byte(v >> 8), byte(v)}, nil
}

func parseEndianness(raw string) (cdr.Endianness, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "little", "le":
		return cdr.LittleEndian, nil
	case "big", "be":
		return cdr.BigEndian, nil
	default:
		return cdr.LittleEndian, fmt.Errorf("%w: endianness %q", ErrInvalidConfig, raw)
	}
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate checks cross-field constraints of a decoded config.
func Validate(cfg EngineConfig) error {
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("%w: listen is required", ErrInvalidConfig)
	}
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return fmt.Errorf("%w: listen %q: %v", ErrInvalidConfig, cfg.Listen, err)
	}
	if cfg.MaxMessageSize < 512 || cfg.MaxMessageSize > 65507 {
		return fmt.Errorf("%w: max_message_size %d outside 512..65507", ErrInvalidConfig, cfg.MaxMessageSize)
	}
	if cfg.Timing.HeartbeatPeriod <= 0 {
		return fmt.Errorf("%w: timing.heartbeat_period must be positive", ErrInvalidConfig)
	}
	if cfg.Timing.NackResponseDelay < 0 || cfg.Timing.HeartbeatResponseDelay < 0 || cfg.Timing.NackSuppressionDuration < 0 {
		return fmt.Errorf("%w: timing delays must not be negative", ErrInvalidConfig)
	}
	seen := make(map[uint32]string)
	for i, ep := range cfg.Readers {
		if err := validateEndpoint("readers", i, ep, seen); err != nil {
			return err
		}
	}
	for i, ep := range cfg.Writers {
		if err := validateEndpoint("writers", i, ep, seen); err != nil {
			return err
		}
	}
	return nil
}

func validateEndpoint(table string, i int, ep EndpointConfig, seen map[uint32]string) error {
	if ep.Name == "" {
		return fmt.Errorf("%w: %s[%d]: name is required", ErrInvalidConfig, table, i)
	}
	if ep.HistoryDepth < 0 {
		return fmt.Errorf("%w: %s[%d]: history_depth %d", ErrInvalidConfig, table, i, ep.HistoryDepth)
	}
	if other, ok := seen[ep.EntityKey]; ok {
		return fmt.Errorf("%w: %s[%d]: entity_key %d already used by %s", ErrInvalidConfig, table, i, ep.EntityKey, other)
	}
	seen[ep.EntityKey] = ep.Name
	for j, m := range ep.Matches {
		if m.GUID.Entity.IsUnknown() {
			return fmt.Errorf("%w: %s[%d].matches[%d]: guid has no entity id", ErrInvalidConfig, table, i, j)
		}
		if len(m.Locators) == 0 {
			return fmt.Errorf("%w: %s[%d].matches[%d]: at least one locator is required", ErrInvalidConfig, table, i, j)
		}
	}
	return nil
}
