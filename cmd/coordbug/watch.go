package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/taigrr/coordbug/internal/config"
	"github.com/taigrr/coordbug/internal/controller"
	"github.com/taigrr/coordbug/internal/types"
	"github.com/taigrr/coordbug/internal/watcher"
	"golang.org/x/sync/errgroup"
)

type watchFlags struct {
	debounce      time.Duration
	probeTimeout  time.Duration
	notifyTimeout time.Duration
	heartbeat     time.Duration
	failFast      bool
}

func newWatchCmd() *cobra.Command {
	var flags watchFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print a line for every change notification until interrupted",
		Long: `watch starts the change watcher on the parent directory and prints
"change parent=N sub=M" each time a notification arrives. With
--heartbeat it probes the watcher periodically and prints
"no notification received" when a probe times out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, flags)
		},
	}

	f := cmd.Flags()
	f.DurationVar(&flags.debounce, "debounce", 0, "coalescing window for notifications")
	f.DurationVar(&flags.probeTimeout, "probe-timeout", 0, "start-up probe timeout (0 disables the probe)")
	f.DurationVar(&flags.notifyTimeout, "notify-timeout", 0, "report mutations not followed by a notification within this time")
	f.DurationVar(&flags.heartbeat, "heartbeat", 0, "interval between liveness probes (0 disables)")
	f.BoolVar(&flags.failFast, "fail-fast", false, "exit when notifications are unavailable")
	return cmd
}

func (f watchFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("debounce") {
		cfg.Debounce = config.Duration(f.debounce)
	}
	if changed("probe-timeout") {
		cfg.ProbeTimeout = config.Duration(f.probeTimeout)
	}
	if changed("notify-timeout") {
		cfg.NotifyTimeout = config.Duration(f.notifyTimeout)
	}
	if changed("fail-fast") {
		if f.failFast {
			cfg.FailureMode = string(watcher.FailFast)
		} else {
			cfg.FailureMode = string(watcher.Silent)
		}
	}
}

// lineWriter serializes output from the watcher and heartbeat goroutines.
type lineWriter struct {
	mutex sync.Mutex
	out   io.Writer
}

func (l *lineWriter) snapshot(prefix string, snapshot types.ListingSnapshot) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	printCounts(l.out, prefix, snapshot)
}

func (l *lineWriter) line(format string, args ...any) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	fmt.Fprintf(l.out, format+"\n", args...)
}

func runWatch(cmd *cobra.Command, flags watchFlags) error {
	svc, err := newServices(cmd)
	if err != nil {
		return err
	}
	flags.apply(cmd, &svc.cfg)
	if err := svc.cfg.Validate(); err != nil {
		return err
	}

	out := &lineWriter{out: cmd.OutOrStdout()}
	w := svc.newWatcher()
	ctrl, err := svc.newController(w, controller.Options{
		OnChange: func(s types.ListingSnapshot) { out.snapshot("change", s) },
		OnMissed: func() { out.line("no notification received") },
	})
	if err != nil {
		var unsupported *watcher.WatchUnsupportedError
		if ctrl == nil {
			return err
		}
		if errors.As(err, &unsupported) {
			ctrl.Close()
			return err
		}
	}
	defer ctrl.Close()

	out.snapshot("watching "+svc.layout.Parent, ctrl.Snapshot())
	if health := w.Health(); health.Status == watcher.StatusSilent {
		out.line("watcher is not delivering notifications: %s", health.LastError)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if flags.heartbeat > 0 {
		g.Go(func() error {
			return heartbeat(ctx, w, flags.heartbeat, svc.cfg.ProbeTimeout.Std(), svc.cfg.FailureMode, out)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	stats := ctrl.Stats()
	out.line("stopped notifications=%d refreshes=%d missed=%d", stats.Notifications, stats.Refreshes, stats.Missed)
	return nil
}

// heartbeat probes w every interval. In fail-fast mode a silent probe ends
// the watch with an error.
func heartbeat(ctx context.Context, w *watcher.Watcher, interval, timeout time.Duration, mode string, out *lineWriter) error {
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		err := w.Probe(probeCtx)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, watcher.ErrNoNotification):
			if ctx.Err() != nil {
				return nil
			}
			out.line("no notification received")
			if watcher.FailureMode(mode) == watcher.FailFast {
				return &watcher.WatchUnsupportedError{Path: "heartbeat", Reason: "probe timed out", Err: err}
			}
		default:
			out.line("probe failed: %v", err)
		}
	}
}
