package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	apachk "github.com/mattkeenan/apachk/pkg"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	mainColor     = color.New(color.FgGreen)
	subColor      = color.New(color.FgCyan)
	freeColor     = color.New(color.FgRed)
	sentinelColor = color.New(color.FgYellow, color.Bold)
)

// Test is one condition a chain entry must satisfy to be listed
type Test interface {
	Matches(entry apachk.ChainEntry) bool
	String() string
}

// Action is applied to every listed entry
type Action interface {
	Execute(w io.Writer, entry apachk.ChainEntry) error
	String() string
}

// Arguments represents the parsed command line
type Arguments struct {
	Image   string
	Tests   []Test
	Actions []Action
	Verbose int
	ShowMBR bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(argv []string, stdout, stderr io.Writer) int {
	if len(argv) == 0 {
		showUsage(stderr)
		return 1
	}

	switch argv[0] {
	case "--help", "-h", "help":
		showHelp(stdout)
		return 0
	case "--version":
		fmt.Fprintf(stdout, "apals %s\n", version)
		return 0
	}

	args, err := parseArguments(argv)
	if err != nil {
		fmt.Fprintf(stderr, "apals: %v\n", err)
		return 1
	}

	apachk.SetLogOutput(stderr)
	apachk.SetVerboseLevel(args.Verbose)

	if err := list(args, stdout); err != nil {
		fmt.Fprintf(stderr, "apals: %v\n", err)
		return 1
	}
	return 0
}

func showUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: apals <image> [tests...] [actions...]\n")
	fmt.Fprintf(w, "Try 'apals --help' for more information.\n")
}

func showHelp(w io.Writer) {
	fmt.Fprintf(w, "apals - list the partition chain of an APA image\n\n")
	fmt.Fprintf(w, "Usage: apals <image> [tests...] [actions...]\n\n")

	fmt.Fprintf(w, "TESTS (all must match):\n")
	fmt.Fprintf(w, "  --type KIND       Record kind: main, sub, free, mbr, corrupt\n")
	fmt.Fprintf(w, "  --id PATTERN      Partition id matches glob pattern\n")
	fmt.Fprintf(w, "  --size [+-]SIZE   Partition size, e.g. +1GiB, -128MiB, 256MiB\n")
	fmt.Fprintf(w, "  --corrupt         Record that could not be read\n")
	fmt.Fprintf(w, "  --not TEST        Negate the next test\n\n")

	fmt.Fprintf(w, "ACTIONS:\n")
	fmt.Fprintf(w, "  --print           Print the record LBA (default)\n")
	fmt.Fprintf(w, "  --ls              Detailed listing\n")
	fmt.Fprintf(w, "  --json            One JSON object per record\n\n")

	fmt.Fprintf(w, "OPTIONS:\n")
	fmt.Fprintf(w, "  --mbr             Include the sentinel record\n")
	fmt.Fprintf(w, "  -v                Verbose output (repeat for more)\n\n")

	fmt.Fprintf(w, "EXAMPLES:\n")
	fmt.Fprintf(w, "  apals disk.img --ls\n")
	fmt.Fprintf(w, "  apals disk.img --type sub --size +1GiB --ls\n")
	fmt.Fprintf(w, "  apals disk.img --not --type free --json\n")
}

func parseArguments(argv []string) (*Arguments, error) {
	args := &Arguments{}
	negate := false

	addTest := func(test Test) {
		if negate {
			test = &NotTest{Test: test}
			negate = false
		}
		args.Tests = append(args.Tests, test)
	}

	for i := 0; i < len(argv); i++ {
		token := argv[i]
		value := func() (string, error) {
			if i+1 >= len(argv) {
				return "", fmt.Errorf("%s requires a value", token)
			}
			i++
			return argv[i], nil
		}

		switch {
		case token == "--not" || token == "!":
			negate = !negate
		case token == "--type":
			v, err := value()
			if err != nil {
				return nil, err
			}
			switch v {
			case "main", "sub", "free", "mbr", "corrupt":
			default:
				return nil, fmt.Errorf("unknown record type '%s' (main, sub, free, mbr, corrupt)", v)
			}
			addTest(&TypeTest{Kind: v})
		case token == "--id":
			v, err := value()
			if err != nil {
				return nil, err
			}
			if _, err := filepath.Match(v, ""); err != nil {
				return nil, fmt.Errorf("bad --id pattern '%s': %w", v, err)
			}
			addTest(&IDTest{Pattern: v})
		case token == "--size":
			v, err := value()
			if err != nil {
				return nil, err
			}
			test, err := parseSizeTest(v)
			if err != nil {
				return nil, err
			}
			addTest(test)
		case token == "--corrupt":
			addTest(&CorruptTest{})
		case token == "--print":
			args.Actions = append(args.Actions, &PrintAction{})
		case token == "--ls":
			args.Actions = append(args.Actions, &LsAction{})
		case token == "--json":
			args.Actions = append(args.Actions, &JSONAction{})
		case token == "--mbr":
			args.ShowMBR = true
		case strings.HasPrefix(token, "-v") && strings.Trim(token[1:], "v") == "":
			args.Verbose += len(token) - 1
		case strings.HasPrefix(token, "-"):
			return nil, fmt.Errorf("unknown option: %s", token)
		default:
			if args.Image != "" {
				return nil, fmt.Errorf("only one image may be listed, got '%s' and '%s'", args.Image, token)
			}
			args.Image = token
		}
	}

	if negate {
		return nil, fmt.Errorf("--not must be followed by a test")
	}
	if args.Image == "" {
		return nil, fmt.Errorf("missing image")
	}
	if len(args.Actions) == 0 {
		args.Actions = append(args.Actions, &PrintAction{})
	}
	return args, nil
}

// list walks the chain read-only and applies the actions to matching entries
func list(args *Arguments, w io.Writer) error {
	c, dev, err := apachk.OpenChecker(args.Image, true, apachk.DefaultOptions())
	if err != nil {
		return err
	}
	defer dev.Close()

	var actionErr error
	err = c.Walk(func(entry apachk.ChainEntry) bool {
		if entry.LBA == apachk.SectorMBR && entry.Err == nil && !args.ShowMBR {
			return true
		}
		for _, test := range args.Tests {
			if !test.Matches(entry) {
				return true
			}
		}
		for _, action := range args.Actions {
			if actionErr = action.Execute(w, entry); actionErr != nil {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	return actionErr
}

// entryKind names the kind of record an entry holds
func entryKind(entry apachk.ChainEntry) string {
	switch {
	case entry.Err != nil:
		return "corrupt"
	case entry.LBA == apachk.SectorMBR:
		return "mbr"
	case entry.Record.IsFree():
		return "free"
	case entry.Record.IsSub():
		return "sub"
	default:
		return "main"
	}
}

// TypeTest matches records of one kind
type TypeTest struct {
	Kind string
}

func (t *TypeTest) Matches(entry apachk.ChainEntry) bool { return entryKind(entry) == t.Kind }
func (t *TypeTest) String() string                       { return "--type " + t.Kind }

// IDTest matches partition ids against a glob pattern
type IDTest struct {
	Pattern string
}

func (t *IDTest) Matches(entry apachk.ChainEntry) bool {
	if entry.Record == nil {
		return false
	}
	matched, _ := filepath.Match(t.Pattern, entry.Record.IDString())
	return matched
}

func (t *IDTest) String() string { return "--id " + t.Pattern }

// SizeTest compares the partition size in bytes
type SizeTest struct {
	Op    byte // '+' larger, '-' smaller, '=' exact
	Bytes uint64
}

func parseSizeTest(sizeStr string) (*SizeTest, error) {
	test := &SizeTest{Op: '='}
	if strings.HasPrefix(sizeStr, "+") || strings.HasPrefix(sizeStr, "-") {
		test.Op = sizeStr[0]
		sizeStr = sizeStr[1:]
	}
	size, err := humanize.ParseBytes(sizeStr)
	if err != nil {
		return nil, fmt.Errorf("invalid size '%s': %w", sizeStr, err)
	}
	test.Bytes = size
	return test, nil
}

func (t *SizeTest) Matches(entry apachk.ChainEntry) bool {
	if entry.Record == nil {
		return false
	}
	size := uint64(entry.Record.Length) * apachk.SectorSize
	switch t.Op {
	case '+':
		return size > t.Bytes
	case '-':
		return size < t.Bytes
	default:
		return size == t.Bytes
	}
}

func (t *SizeTest) String() string {
	op := ""
	if t.Op != '=' {
		op = string(t.Op)
	}
	return "--size " + op + humanize.IBytes(t.Bytes)
}

// CorruptTest matches records that could not be read
type CorruptTest struct{}

func (t *CorruptTest) Matches(entry apachk.ChainEntry) bool { return entry.Err != nil }
func (t *CorruptTest) String() string                       { return "--corrupt" }

// NotTest negates another test
type NotTest struct {
	Test Test
}

func (t *NotTest) Matches(entry apachk.ChainEntry) bool { return !t.Test.Matches(entry) }
func (t *NotTest) String() string                       { return "--not " + t.Test.String() }

// PrintAction prints the record LBA
type PrintAction struct{}

func (a *PrintAction) Execute(w io.Writer, entry apachk.ChainEntry) error {
	_, err := fmt.Fprintf(w, "0x%08x\n", entry.LBA)
	return err
}

func (a *PrintAction) String() string { return "--print" }

// LsAction prints one detailed, coloured line per record
type LsAction struct{}

func (a *LsAction) Execute(w io.Writer, entry apachk.ChainEntry) error {
	kind := entryKind(entry)
	if entry.Err != nil {
		_, err := fmt.Fprintf(w, "0x%08x %s %v\n", entry.LBA, freeColor.Sprintf("%-7s", kind), entry.Err)
		return err
	}

	rec := entry.Record
	var c *color.Color
	switch kind {
	case "mbr":
		c = sentinelColor
	case "free":
		c = freeColor
	case "sub":
		c = subColor
	default:
		c = mainColor
	}

	detail := ""
	switch kind {
	case "sub":
		detail = fmt.Sprintf(" main=0x%08x #%d", rec.Main, rec.Number)
	case "main":
		if rec.NSub > 0 {
			detail = fmt.Sprintf(" subs=%d", rec.NSub)
		}
	}

	_, err := fmt.Fprintf(w, "0x%08x %s %10s type=0x%04x %-20s %s%s\n",
		entry.LBA,
		c.Sprintf("%-7s", kind),
		humanize.IBytes(uint64(rec.Length)*apachk.SectorSize),
		rec.Type,
		rec.IDString(),
		rec.Created.Time().Format("2006-01-02 15:04:05"),
		detail)
	return err
}

func (a *LsAction) String() string { return "--ls" }

// JSONAction prints one JSON object per record
type JSONAction struct{}

type jsonEntry struct {
	LBA    uint32            `json:"lba"`
	Kind   string            `json:"kind"`
	ID     string            `json:"id,omitempty"`
	Length uint32            `json:"length,omitempty"`
	Type   uint16            `json:"type,omitempty"`
	Next   uint32            `json:"next"`
	Prev   uint32            `json:"prev"`
	Main   uint32            `json:"main,omitempty"`
	Number uint32            `json:"number,omitempty"`
	Subs   []apachk.SubEntry `json:"subs,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func (a *JSONAction) Execute(w io.Writer, entry apachk.ChainEntry) error {
	out := jsonEntry{LBA: entry.LBA, Kind: entryKind(entry)}
	if entry.Err != nil {
		out.Error = entry.Err.Error()
	} else {
		rec := entry.Record
		out.ID = rec.IDString()
		out.Length = rec.Length
		out.Type = rec.Type
		out.Next = rec.Next
		out.Prev = rec.Prev
		out.Main = rec.Main
		out.Number = rec.Number
		out.Subs = rec.DeclaredSubs()
	}

	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

func (a *JSONAction) String() string { return "--json" }
