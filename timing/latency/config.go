package latency

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v3"
)

// TimingConfig holds latency values for the SPU instruction classes.
// Values follow the published Cell SPU pipeline depths.
type TimingConfig struct {
	// SimpleFixedLatency covers word add, subtract, logical, compare and
	// immediate loads. Default: 2 cycles.
	SimpleFixedLatency uint64 `json:"simple_fixed_latency" yaml:"simple_fixed_latency"`

	// ShiftLatency covers element shifts on the even pipeline.
	// Default: 4 cycles.
	ShiftLatency uint64 `json:"shift_latency" yaml:"shift_latency"`

	// MultiplyLatency is the 16x16 integer multiply latency.
	// Default: 7 cycles.
	MultiplyLatency uint64 `json:"multiply_latency" yaml:"multiply_latency"`

	// FloatLatency is the single precision add/subtract/multiply latency.
	// Default: 6 cycles.
	FloatLatency uint64 `json:"float_latency" yaml:"float_latency"`

	// PermuteLatency covers quadword shifts and rotates on the odd pipeline.
	// Default: 4 cycles.
	PermuteLatency uint64 `json:"permute_latency" yaml:"permute_latency"`

	// LoadStoreLatency is the local store access latency. Default: 6 cycles.
	LoadStoreLatency uint64 `json:"load_store_latency" yaml:"load_store_latency"`

	// BranchLatency is the issue latency of branch instructions.
	// Default: 4 cycles.
	BranchLatency uint64 `json:"branch_latency" yaml:"branch_latency"`

	// BranchTakenPenalty is the refetch cost of a taken branch. The SPU
	// predicts not-taken without a hint. Default: 18 cycles.
	BranchTakenPenalty uint64 `json:"branch_taken_penalty" yaml:"branch_taken_penalty"`

	// ChannelLatency covers channel reads, writes and counts.
	// Default: 6 cycles.
	ChannelLatency uint64 `json:"channel_latency" yaml:"channel_latency"`

	// ILBSize is the instruction line buffer capacity in bytes.
	// Default: 2048.
	ILBSize int `json:"ilb_size" yaml:"ilb_size"`

	// ILBAssociativity is the number of ways per set. Default: 2.
	ILBAssociativity int `json:"ilb_associativity" yaml:"ilb_associativity"`

	// ILBLineSize is the fetch line size in bytes. Default: 64.
	ILBLineSize int `json:"ilb_line_size" yaml:"ilb_line_size"`

	// ILBMissPenalty is the refill cost of a line buffer miss.
	// Default: 15 cycles.
	ILBMissPenalty uint64 `json:"ilb_miss_penalty" yaml:"ilb_miss_penalty"`
}

// DefaultTimingConfig returns a TimingConfig with SPU default values.
func DefaultTimingConfig() *TimingConfig {
	return &TimingConfig{
		SimpleFixedLatency: 2,
		ShiftLatency:       4,
		MultiplyLatency:    7,
		FloatLatency:       6,
		PermuteLatency:     4,
		LoadStoreLatency:   6,
		BranchLatency:      4,
		BranchTakenPenalty: 18,
		ChannelLatency:     6,
		ILBSize:            2048,
		ILBAssociativity:   2,
		ILBLineSize:        64,
		ILBMissPenalty:     15,
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// LoadConfig loads a TimingConfig from a JSON or YAML file, chosen by
// extension. Fields missing from the file keep their defaults.
func LoadConfig(path string) (*TimingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read timing config file: %w", err)
	}

	config := DefaultTimingConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse timing config: %w", err)
	}

	return config, nil
}

// SaveConfig writes the TimingConfig as JSON or YAML, chosen by extension.
func (c *TimingConfig) SaveConfig(path string) error {
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
		return fmt.Errorf("failed to serialize timing config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write timing config file: %w", err)
	}

	return nil
}

// Validate checks that all latency values are valid (> 0) and the line
// buffer geometry is consistent.
func (c *TimingConfig) Validate() error {
	if c.SimpleFixedLatency == 0 {
		return fmt.Errorf("simple_fixed_latency must be > 0")
	}
	if c.ShiftLatency == 0 {
		return fmt.Errorf("shift_latency must be > 0")
	}
	if c.MultiplyLatency == 0 {
		return fmt.Errorf("multiply_latency must be > 0")
	}
	if c.FloatLatency == 0 {
		return fmt.Errorf("float_latency must be > 0")
	}
	if c.PermuteLatency == 0 {
		return fmt.Errorf("permute_latency must be > 0")
	}
	if c.LoadStoreLatency == 0 {
		return fmt.Errorf("load_store_latency must be > 0")
	}
	if c.BranchLatency == 0 {
		return fmt.Errorf("branch_latency must be > 0")
	}
	if c.ChannelLatency == 0 {
		return fmt.Errorf("channel_latency must be > 0")
	}
	if c.ILBLineSize <= 0 || c.ILBLineSize&(c.ILBLineSize-1) != 0 {
		return fmt.Errorf("ilb_line_size must be a power of two")
	}
	if c.ILBAssociativity <= 0 {
		return fmt.Errorf("ilb_associativity must be > 0")
	}
	if c.ILBSize <= 0 || c.ILBSize%(c.ILBLineSize*c.ILBAssociativity) != 0 {
		return fmt.Errorf("ilb_size must be a multiple of ilb_line_size * ilb_associativity")
	}
	return nil
}

// Clone returns a deep copy of the TimingConfig.
func (c *TimingConfig) Clone() *TimingConfig {
	clone := *c
	return &clone
}
