package apachk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-ini/ini"
)

// Config represents the apachk configuration
type Config struct {
	configPath string
	ini        *ini.File
}

// CheckConfig represents chain verification settings
type CheckConfig struct {
	CrossLink       bool   // Detect cross-linked partitions during scans
	MaxAttempts     int    // Classified repair actions allowed per run
	MinCarveSectors uint32 // Smallest empty partition the carver may create
}

// RepairConfig represents repair behaviour settings
type RepairConfig struct {
	Snapshot bool // Save a snapshot before repairing
}

// OutputConfig represents output format configuration
type OutputConfig struct {
	Format string // Default output format: human, json
}

// VerboseConfig represents verbosity configuration
type VerboseConfig struct {
	Level int    // Default verbose level (0=quiet, 1=decisions, 2=per-record, 3=trace)
	Debug string // Default debug flags (comma-separated)
}

// AllConfig represents all configuration options
type AllConfig struct {
	Check   *CheckConfig
	Repair  *RepairConfig
	Output  *OutputConfig
	Verbose *VerboseConfig
}

// configDefaults lists every section and key with its default value
var configDefaults = []struct {
	section string
	keys    [][2]string
}{
	{"check", [][2]string{
		{"crosslink", "false"},
		{"max_attempts", fmt.Sprintf("%d", DefaultMaxAttempts)},
		{"min_carve_sectors", fmt.Sprintf("0x%x", DefaultMinCarveSectors)},
	}},
	{"repair", [][2]string{
		{"snapshot", "true"},
	}},
	{"output", [][2]string{
		{"format", "human"},
	}},
	{"verbose", [][2]string{
		{"level", "0"},
		{"debug", ""},
	}},
}

// overrideKeys maps each override key to the section holding it
var overrideKeys = map[string]string{
	"crosslink":         "check",
	"max_attempts":      "check",
	"min_carve_sectors": "check",
	"snapshot":          "repair",
	"format":            "output",
	"level":             "verbose",
	"debug":             "verbose",
}

// LoadConfig loads configuration from path. A missing file is created with
// defaults; an empty path gives in-memory defaults that are never saved.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		configPath: path,
	}

	if path == "" {
		cfg.ini = ini.Empty()
		if err := cfg.setDefaults(); err != nil {
			return nil, fmt.Errorf("failed to set default config: %w", err)
		}
		return cfg, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.ini = ini.Empty()
		if err := cfg.setDefaults(); err != nil {
			return nil, fmt.Errorf("failed to set default config: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
	} else {
		iniFile, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		cfg.ini = iniFile
	}

	return cfg, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() error {
	for _, def := range configDefaults {
		section, err := c.ini.NewSection(def.section)
		if err != nil {
			return fmt.Errorf("failed to create %s section: %w", def.section, err)
		}
		for _, kv := range def.keys {
			if _, err := section.NewKey(kv[0], kv[1]); err != nil {
				return fmt.Errorf("failed to set default %s.%s: %w", def.section, kv[0], err)
			}
		}
	}
	return nil
}

// GetCheckConfig returns the check configuration
func (c *Config) GetCheckConfig() *CheckConfig {
	checkConfig := &CheckConfig{
		CrossLink:       false,
		MaxAttempts:     DefaultMaxAttempts,
		MinCarveSectors: DefaultMinCarveSectors,
	}

	if c.ini.HasSection("check") {
		section := c.ini.Section("check")
		if section.HasKey("crosslink") {
			if crossLink, err := section.Key("crosslink").Bool(); err == nil {
				checkConfig.CrossLink = crossLink
			}
		}
		if section.HasKey("max_attempts") {
			if attempts, err := section.Key("max_attempts").Int(); err == nil {
				checkConfig.MaxAttempts = attempts
			}
		}
		if section.HasKey("min_carve_sectors") {
			if sectors, err := ParseSectorCount(section.Key("min_carve_sectors").String()); err == nil {
				checkConfig.MinCarveSectors = sectors
			}
		}
	}

	return checkConfig
}

// GetRepairConfig returns the repair configuration
func (c *Config) GetRepairConfig() *RepairConfig {
	repairConfig := &RepairConfig{
		Snapshot: true,
	}

	if c.ini.HasSection("repair") {
		section := c.ini.Section("repair")
		if section.HasKey("snapshot") {
			if snapshot, err := section.Key("snapshot").Bool(); err == nil {
				repairConfig.Snapshot = snapshot
			}
		}
	}

	return repairConfig
}

// GetOutputConfig returns the output configuration
func (c *Config) GetOutputConfig() *OutputConfig {
	outputConfig := &OutputConfig{
		Format: "human", // fallback default
	}

	if c.ini.HasSection("output") {
		section := c.ini.Section("output")
		if section.HasKey("format") {
			outputConfig.Format = section.Key("format").String()
		}
	}

	return outputConfig
}

// GetVerboseConfig returns the verbose configuration
func (c *Config) GetVerboseConfig() *VerboseConfig {
	verboseConfig := &VerboseConfig{
		Level: 0,  // fallback default
		Debug: "", // fallback default
	}

	if c.ini.HasSection("verbose") {
		section := c.ini.Section("verbose")
		if section.HasKey("level") {
			if level, err := section.Key("level").Int(); err == nil {
				verboseConfig.Level = level
			}
		}
		if section.HasKey("debug") {
			verboseConfig.Debug = section.Key("debug").String()
		}
	}

	return verboseConfig
}

// GetAllConfig returns all configuration options
func (c *Config) GetAllConfig() *AllConfig {
	return &AllConfig{
		Check:   c.GetCheckConfig(),
		Repair:  c.GetRepairConfig(),
		Output:  c.GetOutputConfig(),
		Verbose: c.GetVerboseConfig(),
	}
}

// Options converts the configuration into checker options
func (c *Config) Options() Options {
	check := c.GetCheckConfig()
	return Options{
		CrossLinkCheck:  check.CrossLink,
		MaxAttempts:     check.MaxAttempts,
		MinCarveSectors: check.MinCarveSectors,
	}
}

// Path returns the file the configuration was loaded from, or "" for defaults
func (c *Config) Path() string {
	return c.configPath
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	if c.configPath == "" {
		return fmt.Errorf("configuration has no file")
	}
	return c.ini.SaveTo(c.configPath)
}

// ApplyOverrides applies command-line overrides to the configuration
// Accepts strings like "crosslink:true", "format:json", "level:2", "debug:verify"
func (c *Config) ApplyOverrides(overrides []string) error {
	for _, override := range overrides {
		parts := strings.SplitN(override, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid override format '%s', expected 'key:value'", override)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		sectionName, ok := overrideKeys[key]
		if !ok {
			return fmt.Errorf("unsupported override key '%s' (supported: crosslink, max_attempts, min_carve_sectors, snapshot, format, level, debug)", key)
		}
		if err := validateOverride(key, value); err != nil {
			return err
		}
		c.ini.Section(sectionName).Key(key).SetValue(value)
	}

	return nil
}

func validateOverride(key, value string) error {
	switch key {
	case "format":
		return ValidateOutputFormat(value)
	case "min_carve_sectors":
		sectors, err := ParseSectorCount(value)
		if err != nil {
			return err
		}
		return ValidateCarveSize(sectors)
	case "max_attempts":
		var attempts int
		if _, err := fmt.Sscanf(value, "%d", &attempts); err != nil {
			return fmt.Errorf("invalid max_attempts: %s", value)
		}
		return ValidateMaxAttempts(attempts)
	case "level":
		var level int
		if _, err := fmt.Sscanf(value, "%d", &level); err != nil {
			return fmt.Errorf("invalid verbose level: %s", value)
		}
		return ValidateVerboseLevel(level)
	}
	return nil
}

// ValidateOutputFormat validates that an output format is supported
func ValidateOutputFormat(format string) error {
	switch strings.ToLower(format) {
	case "human", "json":
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s (supported: human, json)", format)
	}
}

// ValidateVerboseLevel validates that a verbose level is valid
func ValidateVerboseLevel(level int) error {
	if level < 0 || level > 3 {
		return fmt.Errorf("invalid verbose level: %d (supported: 0-3)", level)
	}
	return nil
}

// ValidateMaxAttempts validates the repair attempt budget
func ValidateMaxAttempts(attempts int) error {
	if attempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got: %d", attempts)
	}
	if attempts > 64 {
		return fmt.Errorf("max attempts should not exceed 64, got: %d", attempts)
	}
	return nil
}

// ValidateCarveSize validates the minimum carve size
func ValidateCarveSize(sectors uint32) error {
	if !isPowerOfTwo(sectors) {
		return fmt.Errorf("min carve size 0x%x is not a power of two", sectors)
	}
	return nil
}
