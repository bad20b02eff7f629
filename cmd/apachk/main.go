package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	apachk "github.com/mattkeenan/apachk/pkg"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// Exit codes
const (
	exitOK        = 0
	exitError     = 1
	exitExhausted = 2
)

func defineOptions() *ParsedOptions {
	options := NewParsedOptions()
	options.DefineOption("help", "h", OptionTypeBool, "false", "Show help message")
	options.DefineOption("version", "", OptionTypeBool, "false", "Show version information")
	options.DefineOption("verbose", "v", OptionTypeInt, "0", "Enable verbose output (repeat for more)")
	options.DefineOption("dry-run", "n", OptionTypeBool, "false", "Report what repair would change without writing")
	options.DefineOption("backup", "b", OptionTypeBool, "", "Snapshot the chain before repairing (config: repair.snapshot)")
	options.DefineOption("quiet", "q", OptionTypeBool, "false", "Suppress non-error output")
	options.DefineOption("format", "", OptionTypeString, "", "Output format (human|json, config: output.format)")
	options.DefineOption("config", "c", OptionTypeString, "", "Configuration file")
	options.DefineOption("crosslink", "", OptionTypeBool, "false", "Detect cross-linked partitions during scans")
	options.DefineOption("max-attempts", "", OptionTypeInt, "", "Repair actions allowed before giving up")
	options.DefineOption("debug", "", OptionTypeString, "", "Comma-separated debug flags")
	options.DefineOption("set", "", OptionTypeList, "", "Override a configuration key (key:value), may be repeated")
	return options
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one invocation and returns the process exit status
func run(argv []string, stdout, stderr io.Writer) int {
	options := defineOptions()
	if err := options.Parse(argv); err != nil {
		fmt.Fprintf(stderr, "apachk: %v\n", err)
		fmt.Fprintf(stderr, "Try 'apachk --help' for more information.\n")
		return exitError
	}

	if options.GetBool("version") {
		fmt.Fprintf(stdout, "apachk %s\n", version)
		return exitOK
	}

	args := options.GetArgs()
	if options.GetBool("help") || len(args) == 0 || args[0] == "help" {
		showHelp(stdout, options)
		return exitOK
	}
	if len(args) < 2 {
		fmt.Fprintf(stderr, "apachk: missing command\n")
		fmt.Fprintf(stderr, "Try 'apachk --help' for more information.\n")
		return exitError
	}

	config, err := loadConfig(options)
	if err != nil {
		fmt.Fprintf(stderr, "apachk: %v\n", err)
		return exitError
	}

	verbose := config.GetVerboseConfig()
	apachk.SetLogOutput(stderr)
	apachk.SetVerboseLevel(max(verbose.Level, options.GetInt("verbose")))
	apachk.InitDebugFlags(verbose.Debug)

	out := newReporter(stdout, config.GetOutputConfig().Format, options.GetBool("quiet"))
	image := args[0]
	command := args[1]

	switch command {
	case "check":
		err = checkCommand(image, config, out)
	case "repair":
		if options.GetBool("dry-run") {
			err = checkCommand(image, config, out)
		} else {
			err = repairCommand(image, config, out)
		}
	case "snapshots":
		err = snapshotsCommand(image, out)
	case "restore":
		err = restoreCommand(image, args[2:], options.GetBool("dry-run"), config, out)
	default:
		fmt.Fprintf(stderr, "apachk: unknown command '%s'\n", command)
		fmt.Fprintf(stderr, "Try 'apachk --help' for more information.\n")
		return exitError
	}

	if err != nil {
		fmt.Fprintf(stderr, "apachk: %v\n", err)
	}
	return exitStatus(err)
}

// reportable reports whether a check or repair got far enough to describe
func reportable(err error) bool {
	return !errors.Is(err, apachk.ErrNotReady) && !errors.Is(err, apachk.ErrSentinelUnreadable)
}

// exitStatus maps a command error to the process exit status
func exitStatus(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, apachk.ErrRepairExhausted):
		return exitExhausted
	default:
		return exitError
	}
}

// loadConfig reads the configuration file and folds the command-line options
// into it as overrides
func loadConfig(options *ParsedOptions) (*apachk.Config, error) {
	path := options.GetString("config")
	if path == "" {
		path = defaultConfigPath()
	}

	config, err := apachk.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	overrides := options.GetList("set")
	if options.IsSet("crosslink") {
		overrides = append(overrides, "crosslink:"+strconv.FormatBool(options.GetBool("crosslink")))
	}
	if options.IsSet("backup") {
		overrides = append(overrides, "snapshot:"+strconv.FormatBool(options.GetBool("backup")))
	}
	if options.IsSet("max-attempts") {
		overrides = append(overrides, "max_attempts:"+options.GetString("max-attempts"))
	}
	if options.IsSet("format") {
		overrides = append(overrides, "format:"+options.GetString("format"))
	}
	if options.IsSet("debug") {
		overrides = append(overrides, "debug:"+options.GetString("debug"))
	}
	if err := config.ApplyOverrides(overrides); err != nil {
		return nil, err
	}
	return config, nil
}

// defaultConfigPath returns the per-user configuration file when it exists.
// Without one the built-in defaults are used and nothing is written.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(dir, "apachk", apachk.DefaultConfigName)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func checkCommand(image string, config *apachk.Config, out *reporter) error {
	c, dev, err := apachk.OpenChecker(image, true, config.Options())
	if err != nil {
		return err
	}
	defer dev.Close()

	result, err := c.Check()
	if reportable(err) {
		out.result(image, c.Info(), "", result)
	}
	return err
}

func repairCommand(image string, config *apachk.Config, out *reporter) error {
	shutdown, stop := setupSignalHandler()
	defer stop()

	c, dev, err := apachk.OpenChecker(image, false, config.Options())
	if err != nil {
		return err
	}
	defer dev.Close()

	var snapshot string
	if config.GetRepairConfig().Snapshot && c.Info().Status == apachk.StatusReady {
		snapshot = apachk.SnapshotPath(image, time.Now())
		if _, err := c.Snapshot(snapshot); err != nil {
			return fmt.Errorf("refusing to repair without a snapshot: %w", err)
		}
	}
	if interrupted(shutdown) {
		return fmt.Errorf("interrupted before repair, device untouched")
	}

	result, err := c.Repair()
	if reportable(err) {
		out.result(image, c.Info(), snapshot, result)
	}
	return err
}

func snapshotsCommand(image string, out *reporter) error {
	paths, err := apachk.ListSnapshots(image)
	if err != nil {
		return err
	}

	var infos []*apachk.SnapshotInfo
	for _, path := range paths {
		info, _, err := apachk.ReadSnapshot(path)
		if err != nil {
			apachk.Warn("skipping %s: %v", path, err)
			continue
		}
		infos = append(infos, info)
	}
	out.snapshots(image, infos)
	return nil
}

func restoreCommand(image string, args []string, dryRun bool, config *apachk.Config, out *reporter) error {
	var path string
	if len(args) > 0 {
		path = args[0]
	} else {
		paths, err := apachk.ListSnapshots(image)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return fmt.Errorf("no snapshots available to restore")
		}
		path = paths[0]
	}

	if dryRun {
		info, _, err := apachk.ReadSnapshot(path)
		if err != nil {
			return err
		}
		out.restored(image, info, true)
		return nil
	}

	shutdown, stop := setupSignalHandler()
	defer stop()

	c, dev, err := apachk.OpenChecker(image, false, config.Options())
	if err != nil {
		return err
	}
	defer dev.Close()
	if interrupted(shutdown) {
		return fmt.Errorf("interrupted before restore, device untouched")
	}

	info, err := c.Restore(path)
	if err != nil {
		return err
	}
	out.restored(image, info, false)
	return nil
}

func showHelp(w io.Writer, options *ParsedOptions) {
	fmt.Fprintf(w, "apachk - check and repair APA partition chains\n\n")
	fmt.Fprintf(w, "Usage: apachk [OPTIONS] <image> <command> [args...]\n\n")

	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  check                Verify the chain and report what repair would change\n")
	fmt.Fprintf(w, "  repair               Repair the chain in place\n")
	fmt.Fprintf(w, "  snapshots            List snapshots taken before earlier repairs\n")
	fmt.Fprintf(w, "  restore [snapshot]   Write a snapshot back (default: the newest)\n")
	fmt.Fprintf(w, "  help                 Show this help message\n\n")

	fmt.Fprintf(w, "Options:\n")
	options.WriteUsage(w)

	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  apachk disk.img check\n")
	fmt.Fprintf(w, "  apachk -v disk.img repair\n")
	fmt.Fprintf(w, "  apachk --format=json --set min_carve_sectors:256MiB disk.img repair\n")
	fmt.Fprintf(w, "  apachk disk.img restore\n\n")

	fmt.Fprintf(w, "Exit status:\n")
	fmt.Fprintf(w, "  0  chain is valid (after repair, if requested)\n")
	fmt.Fprintf(w, "  1  error\n")
	fmt.Fprintf(w, "  2  repair attempts exhausted, chain may remain inconsistent\n")
}
