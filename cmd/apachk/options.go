package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// OptionType defines the type of value an option expects
type OptionType int

const (
	OptionTypeBool OptionType = iota
	OptionTypeString
	OptionTypeInt
	OptionTypeList // string option that may be given more than once
)

// OptionDef defines a command-line option
type OptionDef struct {
	Long        string     // Long option name (without --)
	Short       string     // Short option name (without -)
	Type        OptionType // Type of value expected
	Description string     // Help description
	Default     string     // Default value
}

// ParsedOptions holds the parsed command-line options
type ParsedOptions struct {
	values        map[string]string
	lists         map[string][]string
	args          []string
	defs          map[string]*OptionDef
	order         []string          // Long names in definition order, for usage output
	shortMap      map[string]string // Maps short options to long options
	explicitlySet map[string]bool   // Tracks which options were explicitly set
}

// NewParsedOptions creates a new options parser
func NewParsedOptions() *ParsedOptions {
	return &ParsedOptions{
		values:        make(map[string]string),
		lists:         make(map[string][]string),
		args:          []string{},
		defs:          make(map[string]*OptionDef),
		shortMap:      make(map[string]string),
		explicitlySet: make(map[string]bool),
	}
}

// DefineOption defines a command-line option
func (p *ParsedOptions) DefineOption(long, short string, optType OptionType, defaultValue, description string) {
	def := &OptionDef{
		Long:        long,
		Short:       short,
		Type:        optType,
		Description: description,
		Default:     defaultValue,
	}
	if _, exists := p.defs[long]; !exists {
		p.order = append(p.order, long)
	}
	p.defs[long] = def
	if short != "" {
		p.shortMap[short] = long
	}

	if defaultValue != "" && optType != OptionTypeList {
		p.values[long] = defaultValue
	}
}

// Parse parses command-line arguments. Options may appear anywhere; every
// argument not consumed by an option is kept, in order, for GetArgs.
func (p *ParsedOptions) Parse(args []string) error {
	consumed := make([]bool, len(args))

	for i := 0; i < len(args); i++ {
		if consumed[i] {
			continue
		}

		arg := args[i]
		if arg == "--" {
			// Everything after -- is positional
			consumed[i] = true
			for j := i + 1; j < len(args); j++ {
				if !consumed[j] {
					p.args = append(p.args, args[j])
					consumed[j] = true
				}
			}
			break
		}

		if strings.HasPrefix(arg, "--") {
			consumed[i] = true
			if err := p.parseLongOption(arg); err != nil {
				return err
			}
		} else if strings.HasPrefix(arg, "-") && len(arg) > 1 {
			consumed[i] = true
			if err := p.parseShortOptions(arg, args, i, consumed); err != nil {
				return err
			}
		}
	}

	positional := p.args
	p.args = nil
	for i := 0; i < len(args); i++ {
		if !consumed[i] {
			p.args = append(p.args, args[i])
		}
	}
	p.args = append(p.args, positional...)

	return nil
}

// setValue stores value for a string, int or list option
func (p *ParsedOptions) setValue(def *OptionDef, value string) error {
	if def.Type == OptionTypeInt {
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("invalid integer value for --%s: %s", def.Long, value)
		}
	}
	if def.Type == OptionTypeList {
		p.lists[def.Long] = append(p.lists[def.Long], value)
	} else {
		p.values[def.Long] = value
	}
	p.explicitlySet[def.Long] = true
	return nil
}

// parseLongOption parses a long option (--option or --option=value)
func (p *ParsedOptions) parseLongOption(arg string) error {
	optName := strings.TrimPrefix(arg, "--")
	var optValue string
	hasValue := false

	if equalPos := strings.Index(optName, "="); equalPos != -1 {
		optValue = optName[equalPos+1:]
		optName = optName[:equalPos]
		hasValue = true
	}

	def, exists := p.defs[optName]
	if !exists {
		return fmt.Errorf("unknown option: --%s", optName)
	}

	if def.Type == OptionTypeBool {
		switch {
		case !hasValue, optValue == "true", optValue == "1":
			p.values[optName] = "true"
		case optValue == "false", optValue == "0":
			p.values[optName] = "false"
		default:
			return fmt.Errorf("invalid boolean value for --%s: %s", optName, optValue)
		}
		p.explicitlySet[optName] = true
		return nil
	}

	if !hasValue || optValue == "" {
		return fmt.Errorf("option --%s requires a value (use --%s=value)", optName, optName)
	}
	return p.setValue(def, optValue)
}

// parseShortOptions parses short option(s) (-o or -abc)
func (p *ParsedOptions) parseShortOptions(arg string, args []string, i int, consumed []bool) error {
	shortOpts := strings.TrimPrefix(arg, "-")

	// Count occurrences of each option for repetition handling, keeping
	// first-seen order so value arguments are consumed predictably
	optCounts := make(map[string]int)
	var seen []string
	for _, r := range shortOpts {
		short := string(r)
		if _, exists := p.shortMap[short]; !exists {
			return fmt.Errorf("unknown option: -%s", short)
		}
		if optCounts[short] == 0 {
			seen = append(seen, short)
		}
		optCounts[short]++
	}

	for _, short := range seen {
		count := optCounts[short]
		def := p.defs[p.shortMap[short]]

		switch def.Type {
		case OptionTypeBool:
			p.values[def.Long] = "true"
			p.explicitlySet[def.Long] = true

		case OptionTypeInt:
			// Repetition is the value (-vvv = verbose level 3); a single
			// occurrence takes the next free integer argument or 1
			value := strconv.Itoa(count)
			if count == 1 {
				if next := findNextAvailableArg(args, i, consumed, true); next != "" {
					value = next
				}
			}
			if err := p.setValue(def, value); err != nil {
				return err
			}

		case OptionTypeString, OptionTypeList:
			next := findNextAvailableArg(args, i, consumed, false)
			if next == "" {
				return fmt.Errorf("option -%s requires a value", short)
			}
			if err := p.setValue(def, next); err != nil {
				return err
			}
		}
	}

	return nil
}

// findNextAvailableArg finds the next unconsumed non-option argument after
// startIdx, optionally requiring an integer, and marks it consumed
func findNextAvailableArg(args []string, startIdx int, consumed []bool, integer bool) string {
	for i := startIdx + 1; i < len(args); i++ {
		if args[i] == "--" {
			break
		}
		if consumed[i] || strings.HasPrefix(args[i], "-") {
			continue
		}
		if integer {
			if _, err := strconv.Atoi(args[i]); err != nil {
				continue
			}
		}
		consumed[i] = true
		return args[i]
	}
	return ""
}

// GetString returns a string option value
func (p *ParsedOptions) GetString(option string) string {
	return p.values[option]
}

// GetInt returns an integer option value
func (p *ParsedOptions) GetInt(option string) int {
	if val, exists := p.values[option]; exists {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return 0
}

// GetBool returns a boolean option value
func (p *ParsedOptions) GetBool(option string) bool {
	return p.values[option] == "true"
}

// GetList returns every value given for a list option
func (p *ParsedOptions) GetList(option string) []string {
	return p.lists[option]
}

// IsSet returns true if an option was explicitly set
func (p *ParsedOptions) IsSet(option string) bool {
	return p.explicitlySet[option]
}

// GetArgs returns non-option arguments
func (p *ParsedOptions) GetArgs() []string {
	return p.args
}

// WriteUsage writes the option table in definition order
func (p *ParsedOptions) WriteUsage(w io.Writer) {
	for _, long := range p.order {
		def := p.defs[long]
		shortOpt := "    "
		if def.Short != "" {
			shortOpt = fmt.Sprintf("-%s, ", def.Short)
		}

		var valueDesc string
		switch def.Type {
		case OptionTypeString, OptionTypeList:
			valueDesc = "=VALUE"
		case OptionTypeInt:
			valueDesc = "=N"
		}

		flag := "--" + def.Long + valueDesc
		line := fmt.Sprintf("  %s%-22s %s", shortOpt, flag, def.Description)
		if def.Default != "" && def.Type != OptionTypeBool {
			line += fmt.Sprintf(" (default: %s)", def.Default)
		}
		fmt.Fprintln(w, line)
	}
}
