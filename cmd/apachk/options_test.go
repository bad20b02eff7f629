package main

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

// Test basic option definition and parsing
func TestOptionDefinition(t *testing.T) {
	options := NewParsedOptions()

	options.DefineOption("format", "", OptionTypeString, "human", "Output format")
	options.DefineOption("dry-run", "n", OptionTypeBool, "false", "Dry run")
	options.DefineOption("max-attempts", "", OptionTypeInt, "", "Attempt budget")

	err := options.Parse([]string{"--format=json", "--dry-run", "--max-attempts=4"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if options.GetString("format") != "json" {
		t.Errorf("Expected format 'json', got %s", options.GetString("format"))
	}
	if !options.GetBool("dry-run") {
		t.Errorf("Expected dry-run true, got %v", options.GetBool("dry-run"))
	}
	if options.GetInt("max-attempts") != 4 {
		t.Errorf("Expected max-attempts 4, got %d", options.GetInt("max-attempts"))
	}
}

// Test short option parsing
func TestShortOptions(t *testing.T) {
	options := NewParsedOptions()

	options.DefineOption("verbose", "v", OptionTypeInt, "0", "Verbose level")
	options.DefineOption("dry-run", "n", OptionTypeBool, "false", "Dry run")
	options.DefineOption("quiet", "q", OptionTypeBool, "false", "Quiet mode")

	err := options.Parse([]string{"-vvv", "-nq", "disk.img", "check"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if options.GetInt("verbose") != 3 {
		t.Errorf("Expected verbose level 3, got %d", options.GetInt("verbose"))
	}
	if !options.GetBool("dry-run") || !options.GetBool("quiet") {
		t.Errorf("Expected dry-run and quiet true")
	}
	if got := options.GetArgs(); !reflect.DeepEqual(got, []string{"disk.img", "check"}) {
		t.Errorf("Expected args [disk.img check], got %v", got)
	}
}

// Test that a single -v takes the next integer argument, if any
func TestShortIntConsumesInteger(t *testing.T) {
	tests := []struct {
		args      []string
		wantLevel int
		wantArgs  []string
	}{
		{[]string{"-v", "2", "disk.img", "check"}, 2, []string{"disk.img", "check"}},
		{[]string{"-v", "disk.img", "check"}, 1, []string{"disk.img", "check"}},
		{[]string{"disk.img", "-v", "check", "3"}, 3, []string{"disk.img", "check"}},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			options := NewParsedOptions()
			options.DefineOption("verbose", "v", OptionTypeInt, "0", "Verbose level")
			if err := options.Parse(tt.args); err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if options.GetInt("verbose") != tt.wantLevel {
				t.Errorf("Expected verbose %d, got %d", tt.wantLevel, options.GetInt("verbose"))
			}
			if !reflect.DeepEqual(options.GetArgs(), tt.wantArgs) {
				t.Errorf("Expected args %v, got %v", tt.wantArgs, options.GetArgs())
			}
		})
	}
}

// Test argument collection
func TestArgumentCollection(t *testing.T) {
	options := NewParsedOptions()

	options.DefineOption("format", "f", OptionTypeString, "human", "Format option")
	options.DefineOption("quiet", "q", OptionTypeBool, "false", "Quiet mode")

	args := []string{"--format=json", "disk.img", "restore", "--quiet", "disk.img.apachk-1.snap"}
	if err := options.Parse(args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if options.GetString("format") != "json" {
		t.Errorf("Expected format 'json', got %s", options.GetString("format"))
	}
	if !options.GetBool("quiet") {
		t.Errorf("Expected quiet true")
	}

	expectedArgs := []string{"disk.img", "restore", "disk.img.apachk-1.snap"}
	if !reflect.DeepEqual(options.GetArgs(), expectedArgs) {
		t.Errorf("Expected args %v, got %v", expectedArgs, options.GetArgs())
	}
}

// Test that -- ends option parsing
func TestArgumentTerminator(t *testing.T) {
	options := NewParsedOptions()
	options.DefineOption("quiet", "q", OptionTypeBool, "false", "Quiet mode")
	options.DefineOption("config", "c", OptionTypeString, "", "Config file")

	if err := options.Parse([]string{"-q", "--", "-weird.img", "check"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !options.GetBool("quiet") {
		t.Errorf("Expected quiet true")
	}
	if got := options.GetArgs(); !reflect.DeepEqual(got, []string{"-weird.img", "check"}) {
		t.Errorf("Expected args [-weird.img check], got %v", got)
	}

	// A short string option does not reach past the terminator
	options = NewParsedOptions()
	options.DefineOption("config", "c", OptionTypeString, "", "Config file")
	if err := options.Parse([]string{"-c", "--", "disk.img"}); err == nil {
		t.Errorf("Expected -c without a value to fail")
	}
}

// Test repeatable list options
func TestListOptions(t *testing.T) {
	options := NewParsedOptions()
	options.DefineOption("set", "s", OptionTypeList, "", "Override")

	args := []string{"--set=level:2", "disk.img", "-s", "crosslink:true", "check", "--set=format:json"}
	if err := options.Parse(args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	want := []string{"level:2", "crosslink:true", "format:json"}
	if got := options.GetList("set"); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected overrides %v, got %v", want, got)
	}
	if !options.IsSet("set") {
		t.Errorf("Expected set to be marked as set")
	}
	if got := options.GetArgs(); !reflect.DeepEqual(got, []string{"disk.img", "check"}) {
		t.Errorf("Expected args [disk.img check], got %v", got)
	}
}

// Test boolean option variations
func TestBooleanOptions(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected bool
	}{
		{"Boolean flag present", []string{"--backup"}, true},
		{"Boolean flag absent", []string{}, false},
		{"Boolean with explicit true", []string{"--backup=true"}, true},
		{"Boolean with explicit false", []string{"--backup=false"}, false},
		{"Boolean with 1", []string{"--backup=1"}, true},
		{"Boolean with 0", []string{"--backup=0"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			options := NewParsedOptions()
			options.DefineOption("backup", "b", OptionTypeBool, "", "Snapshot before repair")

			if err := options.Parse(tt.args); err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if options.GetBool("backup") != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, options.GetBool("backup"))
			}
			if options.IsSet("backup") != (len(tt.args) > 0) {
				t.Errorf("Expected IsSet %v", len(tt.args) > 0)
			}
		})
	}
}

// Test error conditions
func TestOptionErrors(t *testing.T) {
	tests := []struct {
		name    string
		optType OptionType
		args    []string
	}{
		{"Unknown long option", OptionTypeBool, []string{"--unknown"}},
		{"Unknown short option", OptionTypeBool, []string{"-u"}},
		{"Invalid boolean value", OptionTypeBool, []string{"--test=invalid"}},
		{"Invalid integer value", OptionTypeInt, []string{"--test=notanumber"}},
		{"String option requires value", OptionTypeString, []string{"--test"}},
		{"String option rejects empty value", OptionTypeString, []string{"--test="}},
		{"Integer option requires value", OptionTypeInt, []string{"--test"}},
		{"List option requires value", OptionTypeList, []string{"--test"}},
		{"Short string option requires value", OptionTypeString, []string{"-t"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			options := NewParsedOptions()
			options.DefineOption("test", "t", tt.optType, "", "Test option")

			if err := options.Parse(tt.args); err == nil {
				t.Errorf("Expected error but got none")
			}
		})
	}
}

// Test default values
func TestDefaultValues(t *testing.T) {
	options := NewParsedOptions()

	options.DefineOption("string-opt", "s", OptionTypeString, "default-string", "String option")
	options.DefineOption("bool-opt", "b", OptionTypeBool, "true", "Bool option")
	options.DefineOption("int-opt", "i", OptionTypeInt, "42", "Int option")
	options.DefineOption("list-opt", "l", OptionTypeList, "ignored", "List option")

	if err := options.Parse([]string{}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if options.GetString("string-opt") != "default-string" {
		t.Errorf("Expected default string 'default-string', got %s", options.GetString("string-opt"))
	}
	if !options.GetBool("bool-opt") {
		t.Errorf("Expected default bool true, got %v", options.GetBool("bool-opt"))
	}
	if options.GetInt("int-opt") != 42 {
		t.Errorf("Expected default int 42, got %d", options.GetInt("int-opt"))
	}
	if len(options.GetList("list-opt")) != 0 {
		t.Errorf("Expected empty list, got %v", options.GetList("list-opt"))
	}
	if options.IsSet("string-opt") {
		t.Errorf("Expected defaults not to count as set")
	}
}

// Test usage output follows definition order
func TestWriteUsage(t *testing.T) {
	options := defineOptions()

	var buf bytes.Buffer
	options.WriteUsage(&buf)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")

	if len(lines) != len(options.order) {
		t.Fatalf("Expected %d usage lines, got %d", len(options.order), len(lines))
	}
	if !strings.Contains(lines[0], "-h, --help") {
		t.Errorf("Expected help first, got %q", lines[0])
	}
	if !strings.Contains(buf.String(), "--set=VALUE") {
		t.Errorf("Expected --set=VALUE in usage")
	}
	if !strings.Contains(buf.String(), "(default: 0)") {
		t.Errorf("Expected verbose default in usage")
	}
}
