package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/lowaak/sensorhud/internal/sensor"
	"github.com/lowaak/sensorhud/internal/telemetry"
)

func formatDevice(d sensor.Device) string {
	name := d.Name
	if name == "" {
		name = "Unknown"
	}
	return fmt.Sprintf("%s (%s) [%s]", name, d.Address, d.Kind().DisplayName())
}

// formatElapsed formats a duration as mm:ss
func formatElapsed(d time.Duration) string {
	seconds := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// formatSummary renders a snapshot on one line for headless output
func formatSummary(s telemetry.Snapshot) string {
	var parts []string
	if s.HeartRate.HasData() {
		parts = append(parts, fmt.Sprintf("hr %.0f bpm", s.HeartRate.Latest))
	}
	if s.Cadence.HasData() {
		parts = append(parts, fmt.Sprintf("cadence %.0f rpm", s.Cadence.Latest))
	}
	if s.Speed.HasData() {
		parts = append(parts, fmt.Sprintf("speed %.1f km/h", s.Speed.Latest))
	}
	if s.Power.HasData() {
		parts = append(parts, fmt.Sprintf("power %.0f W (avg %.0f)", s.Power.Latest, s.Power.Average))
	}
	if _, ok := s.Attached[sensor.KindLegacyTrainer]; ok {
		trainer := s.Trainer
		parts = append(parts, fmt.Sprintf("trainer %s %s", trainer.FEState, formatElapsed(trainer.ElapsedTime)))
		if trainer.Power != nil {
			parts = append(parts, fmt.Sprintf("trainer power %d W", *trainer.Power))
		}
	}
	if len(parts) == 0 {
		return "waiting for data"
	}
	return strings.Join(parts, " | ")
}

// formatMetrics renders a snapshot with tview color tags
func formatMetrics(s telemetry.Snapshot) string {
	var b strings.Builder
	b.WriteString("\n")

	metric := func(label string, stats telemetry.Statistics, unit, format string) {
		if !stats.HasData() {
			return
		}
		value := fmt.Sprintf(format, stats.Latest)
		fmt.Fprintf(&b, "  %-10s [yellow]%s[white] %s  [gray]min %.0f  avg %.0f  max %.0f[white]\n\n",
			label+":", value, unit, stats.Min, stats.Average, stats.Max)
	}
	metric("Heart Rate", s.HeartRate, "bpm", "%.0f")
	metric("Power", s.Power, "W", "%.0f")
	metric("Cadence", s.Cadence, "rpm", "%.0f")
	metric("Speed", s.Speed, "km/h", "%.1f")

	if _, ok := s.Attached[sensor.KindLegacyTrainer]; ok {
		t := s.Trainer
		fmt.Fprintf(&b, "  [green]Trainer[white] %s  elapsed [yellow]%s[white]  distance [yellow]%d[white] m\n",
			t.FEState, formatElapsed(t.ElapsedTime), t.Distance)
		if t.Speed != nil {
			fmt.Fprintf(&b, "    speed [yellow]%.1f[white] km/h", *t.Speed*3.6)
		}
		if t.Cadence != nil {
			fmt.Fprintf(&b, "    cadence [yellow]%d[white] rpm", *t.Cadence)
		}
		if t.Power != nil {
			fmt.Fprintf(&b, "    power [yellow]%d[white] W", *t.Power)
		}
		fmt.Fprintf(&b, "\n    resistance [yellow]%.1f[white] %%", t.Resistance)
		if t.Incline != nil {
			fmt.Fprintf(&b, "    incline [yellow]%.1f[white] %%", *t.Incline)
		}
		b.WriteString("\n")
	}

	if b.Len() == 1 {
		return "\n\n  [gray]Waiting for data...[white]"
	}
	return b.String()
}
