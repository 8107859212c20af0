// Ackline keeps an MQTT broker session alive on an unreliable link and
// tracks every QoS 1/2 publish until the broker acknowledges it.
//
// Usage:
//
//	ackline serve             Connect to the broker and run until signalled
//	ackline init [dir]        Write an example config into dir
//	ackline journal           Summarize the delivery journal
//	ackline version           Print version and build information
//	ackline -o json version   Output version information as JSON
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	json "github.com/goccy/go-json"

	"github.com/nugget/ackline/examples"
	"github.com/nugget/ackline/internal/app"
	"github.com/nugget/ackline/internal/buildinfo"
	"github.com/nugget/ackline/internal/config"
	"github.com/nugget/ackline/internal/journal"
)

// main only builds the OS-level environment and hands off to [run], so
// the whole command surface can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; the caller
// prints the returned error to stderr. Arguments are parsed by hand to
// keep package-level flag state out of tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "journal":
		return runJournal(stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runServe loads config, builds the app and runs it until SIGINT or
// SIGTERM cancels the context.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Ackline", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded", "path", cfgPath, "broker", cfg.MQTT.Broker, "log_level", level.String())

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("Ackline stopped")
	return nil
}

// runInit writes the example config into dir. An existing config is
// never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Ackline in %s\n", dir)

	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	configPath := filepath.Join(dir, "ackline.yaml")
	written, err := writeIfMissing(configPath, examples.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, kept)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit ackline.yaml to point at your broker, then run: ackline serve")
	return nil
}

// writeIfMissing writes content to path only if nothing is there yet.
// It reports whether it wrote the file.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// runJournal prints the delivery journal summary.
func runJournal(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Journal.Path); err != nil {
		return fmt.Errorf("journal %s: %w", cfg.Journal.Path, err)
	}

	j, err := journal.Open(cfg.Journal.Path, newLogger(io.Discard, slog.LevelError, "text"))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	s, err := j.Summary(10)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	fmt.Fprintf(w, "Journal: %s\n", cfg.Journal.Path)
	fmt.Fprintf(w, "  %-14s %d\n", "total:", s.Total)
	for _, outcome := range []string{"acknowledged", "abandoned"} {
		o := s.Outcomes[outcome]
		fmt.Fprintf(w, "  %-14s %d (avg %.0f ms, max %d ms)\n", outcome+":", o.Count, o.AvgLatencyMs, o.MaxLatencyMs)
	}
	if len(s.Recent) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Recent:")
		for _, e := range s.Recent {
			fmt.Fprintf(w, "  %s  id=%-5d qos=%d %-12s %6d ms  %s\n",
				e.RetiredAt.Format("2006-01-02 15:04:05"), e.ID, e.QoS, e.Outcome, e.LatencyMs, e.Topic)
		}
	}
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Ackline - acknowledged MQTT delivery over unreliable links")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ackline [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Connect to the broker and run")
	fmt.Fprintln(w, "  init [dir]   Write an example ackline.yaml (default: .)")
	fmt.Fprintln(w, "  journal      Summarize the delivery journal")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./ackline.yaml, ~/.config/ackline/ackline.yaml, /etc/ackline/ackline.yaml")
	return nil
}

// newLogger creates a slog.Logger writing to w at the given level. The
// format is "json" or anything else for text. Level names include the
// custom TRACE level.
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

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
