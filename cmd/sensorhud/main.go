package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lowaak/sensorhud/internal/config"
)

var version = "dev"

var loader = config.NewLoader()

var rootCmd = &cobra.Command{
	Use:   "sensorhud",
	Short: "Live telemetry from Bluetooth fitness sensors",
	Long: `sensorhud discovers heart rate, cadence/speed, power and FE-C trainer
sensors, keeps their connections alive and decodes their notifications into
live telemetry.

Configuration is read from defaults, an optional YAML file (--config),
SENSORHUD_* environment variables and flags, in increasing precedence.`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)

	if err := loader.BindFlags(rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}
}
