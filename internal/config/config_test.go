package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/rtpscore/internal/endpoint"
	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/danmuck/rtpscore/internal/protocol/cdr"
	"github.com/danmuck/rtpscore/internal/protocol/session"
	"github.com/danmuck/rtpscore/internal/testutil/testlog"
	"github.com/danmuck/rtpscore/internal/testutil/wiretest"
)

func TestTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "rtpsd.toml")
	if err := WriteTemplate(path, "rtpsd", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "rtpsd", false); err == nil {
		t.Fatalf("expected existing file to be refused without overwrite")
	}
	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if len(cfg.Readers) != 1 || len(cfg.Writers) != 1 {
		t.Fatalf("unexpected endpoints readers=%d writers=%d", len(cfg.Readers), len(cfg.Writers))
	}
	w := cfg.Writers[0]
	if w.Name != "hello-writer" || w.Reliability != endpoint.Reliable || w.HistoryDepth != 16 {
		t.Fatalf("unexpected writer %+v", w)
	}
	if len(w.Matches) != 1 || w.Matches[0].Reliability != endpoint.Reliable || len(w.Matches[0].Locators) != 1 {
		t.Fatalf("unexpected writer matches %+v", w.Matches)
	}
	if got := w.Matches[0].GUID.Entity; got != protocol.NewEntityID(1, protocol.EntityKindUserReaderNoKey) {
		t.Fatalf("unexpected match entity %s", got)
	}
	if !cfg.GuidPrefix.IsUnknown() {
		t.Fatalf("template leaves the prefix random, got %s", cfg.GuidPrefix)
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestDecodeOverridesOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	cfg, err := DecodeEngineConfig(`
listen = "127.0.0.1:7500"
endianness = "big"

[timing]
heartbeat_period = "250ms"
respond_to_non_final_heartbeat = false
`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	def := DefaultEngineConfig()
	if cfg.Listen != "127.0.0.1:7500" || cfg.Endianness != cdr.BigEndian {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Timing.HeartbeatPeriod != 250*time.Millisecond || cfg.Timing.RespondToNonFinalHeartbeat {
		t.Fatalf("timing overrides not applied: %+v", cfg.Timing)
	}
	if cfg.Timing.NackResponseDelay != def.Timing.NackResponseDelay {
		t.Fatalf("undefined key must keep its default, got %s", cfg.Timing.NackResponseDelay)
	}
	if cfg.Admin.Addr != def.Admin.Addr || cfg.MaxMessageSize != def.MaxMessageSize {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.Timing.Backoff != def.Timing.Backoff {
		t.Fatalf("backoff defaults lost: %+v", cfg.Timing.Backoff)
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"bad duration":   "[timing]\nheartbeat_period = \"soon\"\n",
		"zero period":    "[timing]\nheartbeat_period = \"0s\"\n",
		"bad listen":     "listen = \"nowhere\"\n",
		"small datagram": "max_message_size = 100\n",
		"bad endianness": "endianness = \"middle\"\n",
		"bad prefix":     "guid_prefix = \"zz\"\n",
		"bad vendor":     "vendor_id = \"nope\"\n",
		"entity key":     "[[readers]]\nname = \"r\"\nentity_key = 0\n",
		"reliability":    "[[readers]]\nname = \"r\"\nentity_key = 1\nreliability = \"sometimes\"\n",
		"missing name":   "[[readers]]\nentity_key = 1\n",
		"duplicate key":  "[[readers]]\nname = \"a\"\nentity_key = 1\n[[writers]]\nname = \"b\"\nentity_key = 1\n",
		"bad guid":       "[[readers]]\nname = \"r\"\nentity_key = 1\n[[readers.matches]]\nguid = \"x\"\nlocators = [\"127.0.0.1:1\"]\n",
		"no locators":    "[[readers]]\nname = \"r\"\nentity_key = 1\n[[readers.matches]]\nguid = \"010f0002.00000000.00000001|00000203\"\n",
	}
	for name, doc := range cases {
		if _, err := DecodeEngineConfig(doc); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
	if _, err := DecodeEngineConfig("listen = ["); err == nil || errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected a parse error, got %v", err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	cfg, err := DecodeEngineConfig(rtpsdTemplate)
	if err != nil {
		t.Fatalf("decode template: %v", err)
	}
	cfg.GuidPrefix = protocol.GuidPrefix{0x01, 0x0f, 0, 1, 0, 0, 0, 0, 0, 0, 0, 9}
	cfg.Endianness = cdr.BigEndian
	cfg.Timing.NackSuppressionDuration = 20 * time.Millisecond

	data, err := Encode(cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), "effective.toml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("reload encoded config: %v\n%s", err, data)
	}
	if !reflect.DeepEqual(cfg, back) {
		t.Fatalf("round trip mismatch\nwant %+v\ngot  %+v", cfg, back)
	}
	if !strings.Contains(string(data), "nack_suppression_duration = '20ms'") &&
		!strings.Contains(string(data), `nack_suppression_duration = "20ms"`) {
		t.Fatalf("expected duration strings in output:\n%s", data)
	}
}

func TestBuildCreatesAndMatchesEndpoints(t *testing.T) {
	testlog.Start(t)
	cfg, err := DecodeEngineConfig(rtpsdTemplate)
	if err != nil {
		t.Fatalf("decode template: %v", err)
	}
	opts := RegistryOptions(cfg, &wiretest.CaptureSender{})
	opts.Scheduler = session.NewManualScheduler()
	reg := endpoint.NewRegistry(opts)
	defer reg.Close()

	eps, err := Build(reg, cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(eps.Readers) != 1 || len(eps.Writers) != 1 {
		t.Fatalf("unexpected endpoints %+v", eps)
	}
	w := eps.Writers[0]
	if w.GUID().Entity != protocol.NewEntityID(2, protocol.EntityKindUserWriterNoKey) {
		t.Fatalf("unexpected writer entity %s", w.GUID().Entity)
	}
	if _, ok := w.ReaderProxy(cfg.Writers[0].Matches[0].GUID); !ok {
		t.Fatalf("static match missing on writer")
	}
	if _, ok := eps.Readers[0].WriterProxy(cfg.Readers[0].Matches[0].GUID); !ok {
		t.Fatalf("static match missing on reader")
	}
	if _, err := Build(reg, cfg, nil); !errors.Is(err, endpoint.ErrEndpointExists) {
		t.Fatalf("expected ErrEndpointExists on rebuild, got %v", err)
	}
}

func TestEntityIDKinds(t *testing.T) {
	testlog.Start(t)
	ep := EndpointConfig{EntityKey: 5}
	if got := ep.EntityID(false).Kind(); got != protocol.EntityKindUserReaderNoKey {
		t.Fatalf("unexpected reader kind 0x%02x", got)
	}
	ep.Keyed = true
	if got := ep.EntityID(true).Kind(); got != protocol.EntityKindUserWriterWithKey {
		t.Fatalf("unexpected keyed writer kind 0x%02x", got)
	}
	if got := ep.EntityID(false).Kind(); got != protocol.EntityKindUserReaderWithKey {
		t.Fatalf("unexpected keyed reader kind 0x%02x", got)
	}
}
