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

	"github.com/lowaak/sensorhud/internal/sensor"
	"github.com/lowaak/sensorhud/internal/service"
	"github.com/lowaak/sensorhud/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Stream live telemetry",
	Long: `Scan for sensors and stream their telemetry.

With the terminal UI, pick a device from the list and press Enter to stream
from it. In headless mode the first device found for every sensor kind is
selected automatically and a summary line is printed every interval.`,
	RunE: runRun,
}

var (
	runHeadless bool
	runInterval time.Duration
)

func init() {
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "Print telemetry lines instead of the terminal UI")
	runCmd.Flags().DurationVar(&runInterval, "interval", time.Second, "Headless output interval")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if runInterval <= 0 {
		return fmt.Errorf("invalid interval %s: must be > 0", runInterval)
	}
	cmd.SilenceUsage = true

	// the terminal UI owns the screen, so logs go to the log file only
	var console io.Writer = os.Stderr
	if !runHeadless {
		console = nil
	}
	a, err := newApp(cfg, console)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runHeadless {
		return runHeadlessLoop(ctx, a, cmd.OutOrStdout(), runInterval)
	}
	return newTUI(a).Run(ctx)
}

// autoSelector selects the first device discovered for every kind
type autoSelector struct {
	mu       sync.Mutex
	selected map[sensor.Kind]sensor.Device
	choose   func(sensor.Device)
}

func newAutoSelector(choose func(sensor.Device)) *autoSelector {
	return &autoSelector{selected: make(map[sensor.Kind]sensor.Device), choose: choose}
}

func (s *autoSelector) offer(d sensor.Device) {
	s.mu.Lock()
	if _, ok := s.selected[d.Kind()]; ok {
		s.mu.Unlock()
		return
	}
	s.selected[d.Kind()] = d
	s.mu.Unlock()
	s.choose(d)
}

func runHeadlessLoop(ctx context.Context, a *app, out io.Writer, interval time.Duration) error {
	selector := newAutoSelector(a.controller.SetDevice)
	unregister := a.notifications.DeviceDiscovered.Listen(selector.offer)
	defer unregister()

	snapshots := make(chan telemetry.Snapshot, 1)
	unlisten := a.model.Listen(snapshots)
	defer unlisten()

	if err := a.controller.StartScan(nil); err != nil && !errors.Is(err, service.ErrScanInProgress) {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var latest telemetry.Snapshot
	for {
		select {
		case <-ctx.Done():
			a.controller.Stop()
			return nil
		case latest = <-snapshots:
		case <-ticker.C:
			fmt.Fprintf(out, "%s %s\n", time.Now().Format("15:04:05"), formatSummary(latest))
		}
	}
}
