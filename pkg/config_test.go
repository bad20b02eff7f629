package apachk

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigDefaults(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, DefaultConfigName)

	// Load config (should create default)
	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	checkConfig := config.GetCheckConfig()
	if checkConfig.CrossLink {
		t.Error("Expected crosslink detection off by default")
	}
	if checkConfig.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("Expected max attempts %d, got %d", DefaultMaxAttempts, checkConfig.MaxAttempts)
	}
	if checkConfig.MinCarveSectors != DefaultMinCarveSectors {
		t.Errorf("Expected min carve sectors 0x%x, got 0x%x", DefaultMinCarveSectors, checkConfig.MinCarveSectors)
	}

	repairConfig := config.GetRepairConfig()
	if !repairConfig.Snapshot {
		t.Errorf("Expected snapshot on by default, got %+v", repairConfig)
	}

	// Verify config file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}
}

func TestConfigInMemoryDefaults(t *testing.T) {
	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if got := config.Options(); got != DefaultOptions() {
		t.Errorf("Expected default options %+v, got %+v", DefaultOptions(), got)
	}
	if err := config.Save(); err == nil {
		t.Error("Expected Save to fail for a config without a file")
	}
}

func TestConfigLoadExisting(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), DefaultConfigName)
	content := strings.Join([]string{
		"[check]",
		"crosslink = true",
		"max_attempts = 4",
		"min_carve_sectors = 256MiB",
		"[repair]",
		"snapshot = false",
	}, "\n")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	opts := config.Options()
	if !opts.CrossLinkCheck {
		t.Error("Expected crosslink detection on")
	}
	if opts.MaxAttempts != 4 {
		t.Errorf("Expected max attempts 4, got %d", opts.MaxAttempts)
	}
	if opts.MinCarveSectors != 0x80000 {
		t.Errorf("Expected min carve sectors 0x80000, got 0x%x", opts.MinCarveSectors)
	}
	if config.GetRepairConfig().Snapshot {
		t.Error("Expected snapshot off")
	}
}

func TestConfigOverrides(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), DefaultConfigName))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Apply multiple overrides
	err = config.ApplyOverrides([]string{
		"crosslink:true",
		"format:json",
		"level:2",
		"debug:verify,carve",
		"min_carve_sectors:0x100000",
	})
	if err != nil {
		t.Fatalf("Failed to apply overrides: %v", err)
	}

	allConfig := config.GetAllConfig()

	if !allConfig.Check.CrossLink {
		t.Error("Expected crosslink on after override")
	}
	if allConfig.Check.MinCarveSectors != 0x100000 {
		t.Errorf("Expected min carve sectors 0x100000 after override, got 0x%x", allConfig.Check.MinCarveSectors)
	}
	if allConfig.Output.Format != "json" {
		t.Errorf("Expected output format 'json' after override, got '%s'", allConfig.Output.Format)
	}
	if allConfig.Verbose.Level != 2 {
		t.Errorf("Expected verbose level 2 after override, got %d", allConfig.Verbose.Level)
	}
	if allConfig.Verbose.Debug != "verify,carve" {
		t.Errorf("Expected debug flags 'verify,carve' after override, got '%s'", allConfig.Verbose.Debug)
	}
}

func TestConfigOverrideValidation(t *testing.T) {
	testCases := []struct {
		override string
		valid    bool
	}{
		{"format:human", true},
		{"format:fdupes", false},
		{"level:3", true},
		{"level:4", false},
		{"max_attempts:8", true},
		{"max_attempts:0", false},
		{"min_carve_sectors:0x40000", true},
		{"min_carve_sectors:0x30000", false},
		{"min_carve_sectors:bogus", false},
		{"erase_error_sector:false", false},
		{"unknown:1", false},
		{"novalue", false},
	}

	for _, tc := range testCases {
		t.Run(tc.override, func(t *testing.T) {
			config, err := LoadConfig("")
			if err != nil {
				t.Fatalf("Failed to load config: %v", err)
			}
			err = config.ApplyOverrides([]string{tc.override})
			if tc.valid && err != nil {
				t.Errorf("Expected %q to be accepted, got %v", tc.override, err)
			}
			if !tc.valid && err == nil {
				t.Errorf("Expected %q to be rejected", tc.override)
			}
		})
	}
}

func TestParseSectorCount(t *testing.T) {
	testCases := []struct {
		input string
		want  uint32
		valid bool
	}{
		{"262144", 0x40000, true},
		{"0x40000", 0x40000, true},
		{"128MiB", 0x40000, true},
		{"1KiB", 2, true},
		{"100", 100, true},
		{"", 0, false},
		{"1000B", 0, false},
		{"nonsense", 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseSectorCount(tc.input)
			if tc.valid {
				if err != nil {
					t.Fatalf("ParseSectorCount(%q) failed: %v", tc.input, err)
				}
				if got != tc.want {
					t.Errorf("ParseSectorCount(%q) = 0x%x, want 0x%x", tc.input, got, tc.want)
				}
			} else if err == nil {
				t.Errorf("ParseSectorCount(%q) should have failed", tc.input)
			}
		})
	}
}
