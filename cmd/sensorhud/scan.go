package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lowaak/sensorhud/internal/sensor"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover supported sensors",
	Long: `Run the configured number of discovery passes and print every sensor
that advertises a supported service. A device exposing several services is
listed once per service.`,
	RunE: runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	a, err := newApp(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printer := newDevicePrinter(cmd.OutOrStdout())
	unregister := a.notifications.DeviceDiscovered.Listen(printer.print)
	defer unregister()

	done := make(chan struct{})
	if err := a.controller.StartScan(func() { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		fmt.Fprintln(cmd.ErrOrStderr(), "\nCtrl+C pressed, cancelling scan...")
	}

	printer.summary(len(a.controller.Devices()))
	return nil
}

// devicePrinter writes one colored line per discovered device
type devicePrinter struct {
	mu      sync.Mutex
	out     io.Writer
	name    func(a ...interface{}) string
	address func(a ...interface{}) string
	kind    func(a ...interface{}) string
}

func newDevicePrinter(out io.Writer) *devicePrinter {
	return &devicePrinter{
		out:     out,
		name:    color.New(color.FgCyan, color.Bold).SprintFunc(),
		address: color.New(color.FgHiBlack).SprintFunc(),
		kind:    color.New(color.FgGreen).SprintFunc(),
	}
}

func (p *devicePrinter) print(d sensor.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := d.Name
	if name == "" {
		name = "Unknown"
	}
	fmt.Fprintf(p.out, "%-24s %s  %s\n", p.name(name), p.address(d.Address), p.kind(d.Kind().DisplayName()))
}

func (p *devicePrinter) summary(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if count == 0 {
		fmt.Fprintln(p.out, color.YellowString("No supported sensors found"))
		return
	}
	fmt.Fprintf(p.out, "%d supported sensor service(s) found\n", count)
}
