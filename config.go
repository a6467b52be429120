package bmv

import (
	"encoding/json"
	"os"
)

// Config is the persisted application configuration (spec.md §6),
// decoded from app-config.json with encoding/json — the same plain
// stdlib-decode-into-a-tagged-struct approach used throughout the corpus
// this driver is modelled on; no third-party config library is
// warranted for a single flat JSON document (see DESIGN.md).
type Config struct {
	// SerialDevice is the path to the device node, e.g. "/dev/ttyUSB0".
	SerialDevice string `json:"serial-device"`

	// DefaultPriority is used by facade calls that don't specify one.
	DefaultPriority byte `json:"default-priority"`
	// DefaultMaxRetries is used by facade calls that don't specify one.
	DefaultMaxRetries int `json:"default-max-retries"`
	// CompressionEnabled toggles queue tail-compression (spec.md §4.4).
	CompressionEnabled bool `json:"compression-enabled"`
	// ResponseTimeoutMS is the per-command response timeout in
	// milliseconds (spec.md §4.7).
	ResponseTimeoutMS int `json:"response-timeout-ms"`

	// RecordingEnabled toggles raw-line recording to RecordingFile.
	RecordingEnabled bool   `json:"recording-enabled"`
	RecordingFile    string `json:"recording-file"`
}

// defaults mirror spec.md §4.10: priority 0, retries 3, compression on,
// timeout 500ms.
func defaultConfig() Config {
	return Config{
		DefaultPriority:    0,
		DefaultMaxRetries:  3,
		CompressionEnabled: true,
		ResponseTimeoutMS:  500,
	}
}

// LoadConfig reads and decodes path, filling unset fields with the
// documented defaults.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	// Decode onto an already-populated struct so zero-valued fields
	// absent from the file keep their defaults; JSON decoding only
	// overwrites fields actually present in the document.
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
