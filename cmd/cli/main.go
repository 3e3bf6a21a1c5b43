package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	simple "github.com/cochaviz/kiln/config"
	"github.com/cochaviz/kiln/internal/hash"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/report"
	"github.com/cochaviz/kiln/internal/setup"
)

const (
	defaultLogLevel  = "warning"
	defaultLogFormat = "text"
)

// errBatchFailed is returned after a summary has already reported the
// failing packages.
var errBatchFailed = errors.New("one or more packages failed")

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelWarn)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := &app{logger: logger, levelVar: &levelVar}
	root := newRootCommand(cli)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			cli.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		if !errors.Is(err, errBatchFailed) {
			cli.logger.Error("command execution failed", "error", err)
		}
		os.Exit(1)
	}
}

// app holds the global flags and the logger they configure.
type app struct {
	logger   *slog.Logger
	levelVar *slog.LevelVar

	manifestPath string
	cacheDir     string
	configPath   string
	logLevel     string
	logFormat    string
	jobs         int
}

func newRootCommand(cli *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "kiln",
		Short:         "Incremental package builder for bootable images",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&cli.manifestPath, "manifest", "m", setup.DefaultManifest, "Path to the manifest (.toml, .hcl, .yaml)")
	flags.StringVar(&cli.cacheDir, "cache-dir", "", "Cache root (default from settings, else ./"+setup.DefaultCacheDir+")")
	flags.StringVar(&cli.configPath, "config", "", "Settings file (default "+setup.SettingsPath()+")")
	flags.StringVar(&cli.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	flags.StringVar(&cli.logFormat, "log-format", defaultLogFormat, "Log output format (text, json)")
	flags.IntVar(&cli.jobs, "jobs", 0, "Number of concurrent downloads (default from settings)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(cli.logLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(cli.logFormat)
		if err != nil {
			return err
		}
		cli.levelVar.Set(level)
		cli.logger = logging.New(mode, os.Stderr, cli.levelVar)
		slog.SetDefault(cli.logger)
		setup.SetLogger(cli.logger.With("component", "setup"))
		return nil
	}

	root.AddCommand(
		newFetchCommand(cli),
		newBuildCommand(cli),
		newGCCommand(cli),
		newCleanCommand(cli),
		newStatusCommand(cli),
		newHashCommand(),
	)
	return root
}

// settings layers flags over the settings file over built-in defaults.
func (cli *app) settings(cmd *cobra.Command) (simple.Settings, error) {
	settings := simple.Defaults()

	path := cli.configPath
	explicit := cmd.Flags().Changed("config")
	if path == "" {
		path = setup.SettingsPath()
	}
	if path != "" {
		loaded, err := simple.LoadSettings(path)
		switch {
		case err == nil:
			settings = loaded
		case errors.Is(err, fs.ErrNotExist) && !explicit:
			cli.logger.Debug("no settings file", "path", path)
		default:
			return settings, err
		}
	}

	if cli.cacheDir != "" {
		settings.CacheDir = cli.cacheDir
	}
	if cmd.Flags().Changed("jobs") {
		if cli.jobs < 1 {
			return settings, fmt.Errorf("--jobs must be positive, got %d", cli.jobs)
		}
		settings.FetchConcurrency = cli.jobs
	}
	return settings, nil
}

func (cli *app) options(cmd *cobra.Command, command string) (simple.Options, error) {
	settings, err := cli.settings(cmd)
	if err != nil {
		return simple.Options{}, err
	}
	return simple.Options{
		Settings: settings,
		Logger:   cli.logger.With("command", command),
		Stdout:   cmd.OutOrStdout(),
		Stderr:   cmd.ErrOrStderr(),
	}, nil
}

func newFetchCommand(cli *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Download and verify every package source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := cli.options(cmd, "fetch")
			if err != nil {
				return err
			}

			summary, err := simple.Fetch(cmd.Context(), cli.manifestPath, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			report.GC(out, summary.GC)
			if report.ExitCode(report.Fetch(out, summary.Fetch)) != 0 {
				return errBatchFailed
			}
			return nil
		},
	}
}

func newBuildCommand(cli *app) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Fetch sources and rebuild every stale package",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := cli.options(cmd, "build")
			if err != nil {
				return err
			}

			summary, err := simple.Build(cmd.Context(), cli.manifestPath, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			report.GC(out, summary.GC)
			fetched := report.Fetch(out, summary.Fetch)
			built := report.Build(out, summary.Build)
			if report.ExitCode(fetched, built) != 0 {
				return errBatchFailed
			}
			return nil
		},
	}
}

func newGCCommand(cli *app) *cobra.Command {
	return &cobra.Command{
		Use:     "gc",
		Aliases: []string{"garbage-collect"},
		Short:   "Remove cache entries the manifest no longer references",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := cli.options(cmd, "gc")
			if err != nil {
				return err
			}

			stats, err := simple.GarbageCollect(cli.manifestPath, opts)
			if err != nil {
				return err
			}
			report.GC(cmd.OutOrStdout(), stats)
			return stats.Err()
		},
	}
}

func newCleanCommand(cli *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove the whole cache directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := cli.settings(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			err = simple.Clean(settings.CacheDir, os.Args[1:], cli.logger.With("command", "clean"))
			switch {
			case errors.Is(err, simple.ErrAlreadyClean):
				fmt.Fprintln(out, color.GreenString("Build directory already clean"))
				return nil
			case err != nil:
				return err
			}
			fmt.Fprintln(out, color.GreenString("Build directory cleaned successfully"))
			return nil
		},
	}
}

func newStatusCommand(cli *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List packages with their cache key and freshness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := cli.options(cmd, "status")
			if err != nil {
				return err
			}

			statuses, err := simple.Status(cli.manifestPath, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(statuses) == 0 {
				fmt.Fprintln(out, "no packages")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PACKAGE\tSOURCE\tKEY\tBUILT\tSTATE")
			for _, status := range statuses {
				built := "never"
				if !status.BuiltAt.IsZero() {
					built = humanize.Time(status.BuiltAt)
				}
				state := "fresh"
				if status.Stale {
					state = "stale (" + status.Reason + ")"
				}
				if status.Record != nil && status.Record.Error != "" {
					state += ", last error: " + status.Record.Error
				}
				fmt.Fprintf(w, "%s@%s\t%s\t%s\t%s\t%s\n", status.Name, status.Version, status.Source, status.CacheKey, built, state)
			}
			return w.Flush()
		},
	}
}

func newHashCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <file>",
		Short: "Print the sha256 digest of a file for use in a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			digest, err := hash.HashFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), digest)
			return nil
		},
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
