package service

import (
	"context"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/lowaak/sensorhud/internal/bt"
	"github.com/lowaak/sensorhud/internal/sensor"
)

// ScanOptions zero values, and negative ones, take the defaults
type ScanOptions struct {
	Rounds int           `default:"5"`
	Window time.Duration `default:"5s"`
}

// ScanTask runs a fixed number of discovery passes and publishes a Device for
// every supported service an advertisement carries. Duplicates across passes
// are published again; consumers filter them.
type ScanTask struct {
	transport bt.Transport
	table     sensor.ServiceTable
	publish   func(sensor.Device)
	opts      ScanOptions
	logger    *logrus.Logger
}

func NewScanTask(transport bt.Transport, table sensor.ServiceTable, publish func(sensor.Device), logger *logrus.Logger, opts ScanOptions) *ScanTask {
	if transport == nil {
		panic("ScanTask: transport cannot be nil")
	}
	if publish == nil {
		panic("ScanTask: publish cannot be nil")
	}
	if logger == nil {
		panic("ScanTask: logger cannot be nil")
	}
	if opts.Rounds < 0 {
		opts.Rounds = 0
	}
	if opts.Window < 0 {
		opts.Window = 0
	}
	defaults.SetDefaults(&opts)
	return &ScanTask{
		transport: transport,
		table:     table,
		publish:   publish,
		opts:      opts,
		logger:    logger,
	}
}

// Run performs the discovery rounds. A failed pass is logged and counts as a
// round. It returns early only when ctx is cancelled.
func (s *ScanTask) Run(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{"rounds": s.opts.Rounds, "window": s.opts.Window}).Info("Scan: starting")
	for round := 1; round <= s.opts.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		advertisements, err := s.transport.Discover(ctx, s.opts.Window)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.WithError(err).WithField("round", round).Warn("Scan: discovery pass failed")
			continue
		}
		published := 0
		for _, adv := range advertisements {
			published += s.publishSupported(adv)
		}
		s.logger.WithFields(logrus.Fields{
			"round":          round,
			"advertisements": len(advertisements),
			"devices":        published,
		}).Debug("Scan: pass finished")
	}
	s.logger.Info("Scan: finished")
	return nil
}

func (s *ScanTask) publishSupported(adv bt.Advertisement) int {
	published := 0
	seen := make(map[sensor.Kind]bool)
	for _, uuid := range adv.ServiceUUIDs {
		descriptor, ok := s.table.ByServiceUUID(uuid)
		if !ok || seen[descriptor.Kind] {
			continue
		}
		seen[descriptor.Kind] = true
		s.publish(sensor.Device{Name: adv.Name, Address: adv.Address, Service: descriptor})
		published++
	}
	return published
}
