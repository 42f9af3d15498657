// Package config handles configuration loading, validation, and management for idremap.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"idremap/internal/identity"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version" validate:"min=0"`

	Storage      StorageConfig      `toml:"storage" json:"storage" yaml:"storage"`
	Hardware     HardwareConfig     `toml:"hardware" json:"hardware" yaml:"hardware"`
	Interception InterceptionConfig `toml:"interception" json:"interception" yaml:"interception"`
	Modifier     ModifierConfig     `toml:"modifier" json:"modifier" yaml:"modifier"`
	Logging      LoggingConfig      `toml:"logging" json:"logging" yaml:"logging"`
	Metrics      MetricsConfig      `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `toml:"backend" json:"backend" yaml:"backend" validate:"oneof=sqlite memory"`

	// DataDir holds one subdirectory per install.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir" validate:"required_if=Backend sqlite"`

	// Package names the install when the process context does not.
	Package string `toml:"package" json:"package" yaml:"package" validate:"required,max=255"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms" validate:"min=0,max=600000"`
}

// HardwareConfig controls the optional TPM entropy source.
type HardwareConfig struct {
	// TPMEnabled mixes TPM random bytes into a newly created install secret.
	TPMEnabled bool `toml:"tpm_enabled" json:"tpm_enabled" yaml:"tpm_enabled"`

	// TPMPath is the TPM device. Empty probes the default devices.
	TPMPath string `toml:"tpm_path" json:"tpm_path" yaml:"tpm_path"`
}

// InterceptionConfig selects the kinds to remap.
type InterceptionConfig struct {
	// Kinds lists kind names or aliases. Empty enables the whole catalog.
	Kinds []string `toml:"kinds" json:"kinds" yaml:"kinds"`

	// Deny lists kinds whose entry points must not be redirected.
	Deny []string `toml:"deny" json:"deny" yaml:"deny"`
}

// ModifierConfig controls ModifyParams input validation.
type ModifierConfig struct {
	MaxSeedLength int `toml:"max_seed_length" json:"max_seed_length" yaml:"max_seed_length" validate:"min=1,max=4096"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level" validate:"oneof=debug info warn error"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format" validate:"oneof=text json"`

	// Output is "stderr", "stdout" or "file".
	Output string `toml:"output" json:"output" yaml:"output" validate:"oneof=stderr stdout file"`

	// FilePath is the log file when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path" validate:"required_if=Output file"`

	// Rotation settings for file output.
	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int  `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days" validate:"min=0"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig controls the HTTP metrics endpoint of idremapctl serve.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen" validate:"omitempty,hostname_port"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Backend:       "sqlite",
			DataDir:       filepath.Join(dir, "installs"),
			Package:       "idremapctl",
			BusyTimeoutMs: 5000,
		},
		Hardware: HardwareConfig{
			TPMEnabled: false,
			TPMPath:    defaultTPMPath(),
		},
		Interception: InterceptionConfig{
			Kinds: []string{},
			Deny:  []string{},
		},
		Modifier: ModifierConfig{
			MaxSeedLength: 256,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "idremap.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9477",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the base idremap directory, honoring IDREMAP_HOME.
func DataDir() string {
	if v := os.Getenv("IDREMAP_HOME"); v != "" {
		return v
	}
	return PlatformDataDir()
}

// Load reads configuration from path and applies environment overrides.
// A missing file yields the defaults. The format follows the extension:
// .toml, .json, .yaml or .yml; anything else is tried in that order.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err == nil {
			return nil
		}
		if err := json.Unmarshal(data, cfg); err == nil {
			return nil
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config (unknown format): %w", err)
		}
	}
	return nil
}

// Save writes cfg to path in the format its extension names. TOML is the
// default.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("encode YAML: %w", err)
		}
	default:
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("encode TOML: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies IDREMAP_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("IDREMAP_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("IDREMAP_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("IDREMAP_PACKAGE"); v != "" {
		c.Storage.Package = v
	}
	if v := os.Getenv("IDREMAP_TPM_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Hardware.TPMEnabled = b
		}
	}
	if v := os.Getenv("IDREMAP_TPM_PATH"); v != "" {
		c.Hardware.TPMPath = v
	}
	if v := os.Getenv("IDREMAP_KINDS"); v != "" {
		c.Interception.Kinds = splitList(v)
	}
	if v := os.Getenv("IDREMAP_DENY"); v != "" {
		c.Interception.Deny = splitList(v)
	}
	if v := os.Getenv("IDREMAP_MAX_SEED_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Modifier.MaxSeedLength = n
		}
	}
	if v := os.Getenv("IDREMAP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("IDREMAP_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("IDREMAP_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
		c.Logging.Output = "file"
	}
	if v := os.Getenv("IDREMAP_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
		c.Metrics.Enabled = true
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Interception.Kinds = append([]string{}, c.Interception.Kinds...)
	clone.Interception.Deny = append([]string{}, c.Interception.Deny...)
	return &clone
}

// EnabledKinds resolves Interception.Kinds. Empty means every kind.
func (c *Config) EnabledKinds() ([]identity.Kind, error) {
	if len(c.Interception.Kinds) == 0 {
		return identity.Kinds(), nil
	}
	return identity.ParseKinds(c.Interception.Kinds)
}

// DeniedKinds resolves Interception.Deny.
func (c *Config) DeniedKinds() ([]identity.Kind, error) {
	return identity.ParseKinds(c.Interception.Deny)
}
