package processor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/sarchlab/spurt/native"
)

// Config holds the runtime settings of processors.
type Config struct {
	// MaxInstances caps parallel fan-out. It is further limited by the
	// executor's context count. Default: native.MaxInstances.
	MaxInstances int `json:"max_instances" yaml:"max_instances"`

	// DebugSignal is the stop signal of the debug sentinels.
	// Default: 0xD.
	DebugSignal uint32 `json:"debug_signal" yaml:"debug_signal"`

	// PollTimeoutMs bounds how long the register dump polls an empty
	// mailbox. Default: 2000 ms.
	PollTimeoutMs uint64 `json:"poll_timeout_ms" yaml:"poll_timeout_ms"`

	// PollIntervalUs is the first delay between mailbox polls. It doubles
	// after every empty poll. Default: 50 us.
	PollIntervalUs uint64 `json:"poll_interval_us" yaml:"poll_interval_us"`

	// PollMaxIntervalUs caps the delay between mailbox polls.
	// Default: 5000 us.
	PollMaxIntervalUs uint64 `json:"poll_max_interval_us" yaml:"poll_max_interval_us"`
}

// DefaultConfig returns the default processor settings.
func DefaultConfig() *Config {
	return &Config{
		MaxInstances:      native.MaxInstances,
		DebugSignal:       0xD,
		PollTimeoutMs:     2000,
		PollIntervalUs:    50,
		PollMaxIntervalUs: 5000,
	}
}

// PollTimeout returns PollTimeoutMs as a duration.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMs) * time.Millisecond
}

// PollInterval returns PollIntervalUs as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalUs) * time.Microsecond
}

// PollMaxInterval returns PollMaxIntervalUs as a duration.
func (c *Config) PollMaxInterval() time.Duration {
	return time.Duration(c.PollMaxIntervalUs) * time.Microsecond
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// LoadConfig loads a Config from a JSON or YAML file, chosen by extension.
// Fields missing from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read processor config file: %w", err)
	}

	config := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse processor config: %w", err)
	}

	return config, nil
}

// SaveConfig writes the Config as JSON or YAML, chosen by extension.
func (c *Config) SaveConfig(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to serialize processor config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write processor config file: %w", err)
	}

	return nil
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	if c.MaxInstances <= 0 {
		return fmt.Errorf("max_instances must be > 0")
	}
	if c.MaxInstances > native.MaxInstances {
		return fmt.Errorf("max_instances must be <= %d", native.MaxInstances)
	}
	if c.DebugSignal == 0 || c.DebugSignal >= uint32(native.StopExitBase) {
		return fmt.Errorf("debug_signal must be a resumable stop signal")
	}
	if c.DebugSignal == dumpSignal || c.DebugSignal == dumpDoneSignal {
		return fmt.Errorf("debug_signal must differ from the register dump signals")
	}
	if c.PollTimeoutMs == 0 {
		return fmt.Errorf("poll_timeout_ms must be > 0")
	}
	if c.PollIntervalUs == 0 {
		return fmt.Errorf("poll_interval_us must be > 0")
	}
	if c.PollIntervalUs > c.PollMaxIntervalUs {
		return fmt.Errorf("poll_interval_us must be <= poll_max_interval_us")
	}
	return nil
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
