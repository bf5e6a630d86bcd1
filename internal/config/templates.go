package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "rtpsd", "":
		return rtpsdTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const rtpsdTemplate = `# rtpsd participant
# guid_prefix = "010f0001.00000000.00000001"
vendor_id = "010f"
listen = "0.0.0.0:7400"
endianness = "little"
max_message_size = 65507
log_level = "info"

[admin]
addr = "127.0.0.1:9400"
cors_origins = ["http://localhost:3000"]

[timing]
heartbeat_period = "3s"
nack_response_delay = "5ms"
heartbeat_response_delay = "5ms"
nack_suppression_duration = "0s"
respond_to_non_final_heartbeat = true

[transport]
read_retry_initial = "5ms"
read_retry_max = "1s"
read_retry_multiplier = 2.0
read_retry_jitter = true

[[readers]]
name = "hello-reader"
topic = "HelloWorld"
entity_key = 1
reliability = "reliable"
history_depth = 0

  [[readers.matches]]
  guid = "010f0002.00000000.00000001|00000203"
  locators = ["127.0.0.1:7410"]

[[writers]]
name = "hello-writer"
topic = "HelloWorld"
entity_key = 2
reliability = "reliable"
history_depth = 16

  [[writers.matches]]
  guid = "010f0002.00000000.00000001|00000104"
  reliability = "reliable"
  locators = ["127.0.0.1:7410"]
`
