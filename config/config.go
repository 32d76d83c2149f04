package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/brettbedarf/treefs/internal/util"
)

// NamePolicy selects how names longer than [Config.MaxNameLen] are handled
type NamePolicy = string

const (
	// NamePolicyTruncate silently stores the first MaxNameLen bytes of the name
	// (cut back to a UTF-8 boundary). Distinct names may alias after truncation.
	NamePolicyTruncate NamePolicy = "truncate"
	// NamePolicyReject fails the operation with treefs.ErrNameTooLong
	NamePolicyReject NamePolicy = "reject"
)

// CLI style verbosity levels accepted by [ConfigOverride.LogLvl]
const (
	ErrorVerbose = iota + 1
	WarnVerbose
	InfoVerbose
	DebugVerbose
	TraceVerbose
)

// Default configuration constants. See [Config] for field descriptions.
const (
	DefaultFsName = "treefs"
	DefaultName   = "treefs"

	DefaultLogLvl = util.InfoLevel

	// DefaultMaxNameLen matches the host's inline short-name buffer (32 bytes
	// including the terminator)
	DefaultMaxNameLen = 31

	DefaultNamePolicy = NamePolicyTruncate

	// DefaultMaxNodes of 0 means unlimited (bounded only by the identity space)
	DefaultMaxNodes = 0

	// DefaultAttrTimeout is the attribute cache timeout in seconds
	DefaultAttrTimeout = 1.0

	// DefaultEntryTimeout is the directory entry cache timeout in seconds
	DefaultEntryTimeout = 1.0

	// DefaultNegativeTimeout is how long a failed name lookup is cached, in seconds
	DefaultNegativeTimeout = 1.0
)

// Config contains runtime configuration values for the tree filesystem.
type Config struct {
	MountOptions
	LogLvl util.LogLevel // Internal log level (Default info)

	MaxNameLen int        // Maximum stored name length in bytes (Default 31)
	NamePolicy NamePolicy // Over-length name handling: "truncate" or "reject" (Default truncate)
	MaxNodes   uint64     // Maximum live nodes including root; 0 is unlimited (Default 0)

	AttrTimeout     float64 // Attribute cache timeout in seconds (Default 1.0)
	EntryTimeout    float64 // Directory entry cache timeout in seconds (Default 1.0)
	NegativeTimeout float64 // Negative lookup cache timeout in seconds; 0 disables (Default 1.0)
}

// ConfigOverride uses pointer fields to distinguish between unset and zero values
// when loading partial configuration. See [Config] for field descriptions.
type ConfigOverride struct {
	FsName *string `yaml:"fs_name,omitempty" json:"fs_name,omitempty"`
	Name   *string `yaml:"name,omitempty" json:"name,omitempty"`
	Debug  *bool   `yaml:"debug,omitempty" json:"debug,omitempty"`
	// LogLvl is a verbosity between 1 (error) and 5 (trace); out of range values are clamped
	LogLvl          *int     `yaml:"verbose,omitempty" json:"verbose,omitempty"`
	MaxNameLen      *int     `yaml:"max_name_len,omitempty" json:"max_name_len,omitempty"`
	NamePolicy      *string  `yaml:"name_policy,omitempty" json:"name_policy,omitempty"`
	MaxNodes        *uint64  `yaml:"max_nodes,omitempty" json:"max_nodes,omitempty"`
	AttrTimeout     *float64 `yaml:"attr_timeout,omitempty" json:"attr_timeout,omitempty"`
	EntryTimeout    *float64 `yaml:"entry_timeout,omitempty" json:"entry_timeout,omitempty"`
	NegativeTimeout *float64 `yaml:"negative_timeout,omitempty" json:"negative_timeout,omitempty"`
}

// NewDefaultConfig creates a new Config with all default values.
func NewDefaultConfig() *Config {
	return &Config{
		MountOptions: MountOptions{
			FsName: DefaultFsName,
			Name:   DefaultName,
		},
		LogLvl:          DefaultLogLvl,
		MaxNameLen:      DefaultMaxNameLen,
		NamePolicy:      DefaultNamePolicy,
		MaxNodes:        DefaultMaxNodes,
		AttrTimeout:     DefaultAttrTimeout,
		EntryTimeout:    DefaultEntryTimeout,
		NegativeTimeout: DefaultNegativeTimeout,
	}
}

// NewConfig returns the defaults with override applied; a nil override yields defaults
func NewConfig(override *ConfigOverride) *Config {
	cfg := NewDefaultConfig()
	if override != nil {
		cfg.Merge(override)
	}
	return cfg
}

// VerbosityToLogLevel clamps v to [ErrorVerbose, TraceVerbose] and maps it to a LogLevel
func VerbosityToLogLevel(v int) util.LogLevel {
	v = min(max(v, ErrorVerbose), TraceVerbose)
	lvls := [5]util.LogLevel{util.ErrorLevel, util.WarnLevel, util.InfoLevel, util.DebugLevel, util.TraceLevel}
	return lvls[v-1]
}

// Merge applies non-nil values from override onto this Config.
// This allows partial configuration updates while preserving existing values.
func (c *Config) Merge(override *ConfigOverride) {
	c.FsName = util.ValueOrDefault(override.FsName, c.FsName)
	c.Name = util.ValueOrDefault(override.Name, c.Name)
	c.Debug = util.ValueOrDefault(override.Debug, c.Debug)
	if override.LogLvl != nil {
		c.LogLvl = VerbosityToLogLevel(*override.LogLvl)
	}
	c.MaxNameLen = util.ValueOrDefault(override.MaxNameLen, c.MaxNameLen)
	c.NamePolicy = util.ValueOrDefault(override.NamePolicy, c.NamePolicy)
	c.MaxNodes = util.ValueOrDefault(override.MaxNodes, c.MaxNodes)
	c.AttrTimeout = util.ValueOrDefault(override.AttrTimeout, c.AttrTimeout)
	c.EntryTimeout = util.ValueOrDefault(override.EntryTimeout, c.EntryTimeout)
	c.NegativeTimeout = util.ValueOrDefault(override.NegativeTimeout, c.NegativeTimeout)
}

// Validate reports configuration values the filesystem cannot run with
func (c *Config) Validate() error {
	if c.MaxNameLen < 1 {
		return fmt.Errorf("max_name_len must be positive, got %d", c.MaxNameLen)
	}
	switch c.NamePolicy {
	case NamePolicyTruncate, NamePolicyReject:
	default:
		return fmt.Errorf("unknown name_policy %q", c.NamePolicy)
	}
	if c.AttrTimeout < 0 || c.EntryTimeout < 0 || c.NegativeTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// LoadConfigOverrideFile loads configuration overrides from a file without merging.
// Supports both YAML (.yaml, .yml) and JSON (.json) formats.
func LoadConfigOverrideFile(path string) (*ConfigOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var override ConfigOverride

	// Determine format by file extension
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config file extension: %s", path)
	}

	return &override, nil
}

// NewConfigFromFile creates a new Config by merging file overrides with defaults.
// This is a convenience function that combines NewDefaultConfig, LoadConfigOverrideFile, and Merge.
func NewConfigFromFile(path string) (*Config, error) {
	override, err := LoadConfigOverrideFile(path)
	if err != nil {
		return nil, err
	}
	cfg := NewConfig(override)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
