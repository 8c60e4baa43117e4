// Package main implements the coordbug command line harness.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"github.com/taigrr/coordbug/internal/config"
	"github.com/taigrr/coordbug/internal/controller"
	"github.com/taigrr/coordbug/internal/coord"
	"github.com/taigrr/coordbug/internal/pathfilter"
	"github.com/taigrr/coordbug/internal/store"
	"github.com/taigrr/coordbug/internal/types"
	"github.com/taigrr/coordbug/internal/watcher"
)

var (
	configPath string
	rootDir    string
	logLevel   string

	// newBackend overrides the watcher's notification source; nil selects fsnotify.
	newBackend func() (watcher.Backend, error)
)

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCmd(),
		fang.WithVersion(version),
		fang.WithoutCompletions(),
		fang.WithoutManpage(),
	); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordbug",
		Short: "Directory change notification harness",
		Long: `coordbug keeps a Parent directory with one SubDirectory, adds empty
files to either through coordinated writes, and reports the number
of entries in each. The watch command prints a line whenever a change
notification arrives and reports when notifications go missing.`,
		Example:      "coordbug add-parent\ncoordbug watch --probe-timeout 2s --fail-fast",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runStatus,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML config file")
	flags.StringVar(&rootDir, "root", "", "data directory (default: per-user config dir)")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Print the current entry counts",
			Args:  cobra.NoArgs,
			RunE:  runStatus,
		},
		&cobra.Command{
			Use:   "add-parent",
			Short: "Add an empty file to the parent directory",
			Args:  cobra.NoArgs,
			RunE:  runAdd((*controller.Controller).AddToParent),
		},
		&cobra.Command{
			Use:   "add-sub",
			Short: "Add an empty file to the subdirectory",
			Args:  cobra.NoArgs,
			RunE:  runAdd((*controller.Controller).AddToSub),
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Delete everything and recreate the empty layout",
			Args:  cobra.NoArgs,
			RunE:  runReset,
		},
		newWatchCmd(),
		newServeCmd(),
	)
	return cmd
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if rootDir != "" {
		cfg.Root = rootDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// services holds the components shared by every command.
type services struct {
	cfg    config.Config
	logger *slog.Logger
	layout types.Layout
	filter *pathfilter.PathFilter
	store  *store.Store
	writer *coord.Writer
}

func newServices(cmd *cobra.Command) (*services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	layout, err := cfg.Layout()
	if err != nil {
		return nil, err
	}
	filter := pathfilter.New(cfg.PathFilter())
	return &services{
		cfg:    cfg,
		logger: newLogger(cfg, cmd.ErrOrStderr()),
		layout: layout,
		filter: filter,
		store:  store.New(layout, filter),
		writer: coord.ForLayout(layout),
	}, nil
}

func (s *services) newWatcher() *watcher.Watcher {
	mode, _ := watcher.ParseFailureMode(s.cfg.FailureMode)
	return watcher.New(watcher.Options{
		Logger:       s.logger,
		Debounce:     s.cfg.Debounce.Std(),
		ProbeTimeout: s.cfg.ProbeTimeout.Std(),
		FailureMode:  mode,
		Filter:       s.filter,
		NewBackend:   newBackend,
	})
}

// newController builds a controller. Watching is only enabled when w is set.
func (s *services) newController(w *watcher.Watcher, options controller.Options) (*controller.Controller, error) {
	options.Store = s.store
	options.Writer = s.writer
	options.Logger = s.logger
	options.NotifyTimeout = s.cfg.NotifyTimeout.Std()
	if w != nil {
		options.Watcher = w
	}
	return controller.New(options)
}

func printCounts(w io.Writer, prefix string, snapshot types.ListingSnapshot) {
	parent, sub := snapshot.Counts()
	if prefix != "" {
		fmt.Fprintf(w, "%s parent=%d sub=%d\n", prefix, parent, sub)
		return
	}
	fmt.Fprintf(w, "parent=%d sub=%d\n", parent, sub)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	svc, err := newServices(cmd)
	if err != nil {
		return err
	}
	ctrl, err := svc.newController(nil, controller.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize %s: %w", svc.layout.Parent, err)
	}
	defer ctrl.Close()

	printCounts(cmd.OutOrStdout(), "", ctrl.Snapshot())
	return nil
}

func runAdd(add func(*controller.Controller) (string, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		svc, err := newServices(cmd)
		if err != nil {
			return err
		}
		ctrl, err := svc.newController(nil, controller.Options{})
		if err != nil {
			return fmt.Errorf("failed to initialize %s: %w", svc.layout.Parent, err)
		}
		defer ctrl.Close()

		name, err := add(ctrl)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, name)
		printCounts(out, "", ctrl.Snapshot())
		return nil
	}
}

func runReset(cmd *cobra.Command, _ []string) error {
	svc, err := newServices(cmd)
	if err != nil {
		return err
	}
	ctrl, err := svc.newController(nil, controller.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize %s: %w", svc.layout.Parent, err)
	}
	defer ctrl.Close()

	if err := ctrl.Reset(); err != nil {
		return err
	}
	printCounts(cmd.OutOrStdout(), "", ctrl.Snapshot())
	return nil
}
