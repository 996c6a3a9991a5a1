// Steploop drives a multi-step AI task to completion. Each step asks the
// model for the next action, runs the tools it requests, and folds the
// results into a compact blackboard instead of replaying the whole
// interaction. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	steploop run <goal...>        Execute one task
//	steploop batch <goals.yaml>   Execute many tasks concurrently
//	steploop tasks                List stored tasks
//	steploop steps <task-id>      Show the steps of a stored task
//	steploop report <task-id>     Render a task audit report
//	steploop init [dir]           Write a starter config and goals file
//	steploop version              Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/steploop/internal/buildinfo"
	"github.com/nugget/steploop/internal/config"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globalFlags are the flags accepted before the command name.
type globalFlags struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
}

// run is the real entry point. Command results go to stdout; structured
// logs go to stderr so they never mix with JSON output. Arguments are
// parsed by hand to keep flag.CommandLine globals out of tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var g globalFlags
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			g.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			g.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			g.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			g.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			g.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if g.outputFmt == "" {
		g.outputFmt = "text"
	}
	if g.outputFmt != "text" && g.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", g.outputFmt)
	}

	switch command {
	case "run":
		return runTask(ctx, stdout, stderr, g, cmdArgs)
	case "batch":
		return runBatch(ctx, stdout, stderr, g, cmdArgs)
	case "tasks":
		return runTasks(ctx, stdout, stderr, g, cmdArgs)
	case "steps":
		return runSteps(ctx, stdout, stderr, g, cmdArgs)
	case "report":
		return runReport(ctx, stdout, stderr, g, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, g.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Steploop - multi-step AI task runner")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: steploop [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run [-session id] [-max-steps n] <goal...>   Execute one task")
	fmt.Fprintln(w, "  batch <goals.yaml>                           Execute many tasks concurrently")
	fmt.Fprintln(w, "  tasks [-limit n]                             List stored tasks")
	fmt.Fprintln(w, "  steps <task-id>                              Show the steps of a task")
	fmt.Fprintln(w, "  report [-html] <task-id>                     Render a task report")
	fmt.Fprintln(w, "  init [dir]                                   Write starter files (default: .)")
	fmt.Fprintln(w, "  version                                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/steploop/config.yaml, /etc/steploop/config.yaml")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "While a task runs, the first interrupt asks it to stop after the")
	fmt.Fprintln(w, "current step; a second interrupt cancels immediately.")
	return nil
}

// newLogger creates a structured logger writing to w at the given level
// and format. Any format other than "json" yields text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the configuration file and builds the
// logger it asks for.
func loadConfig(explicit string, logOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Validate already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(logOut, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)
	return cfg, logger, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
