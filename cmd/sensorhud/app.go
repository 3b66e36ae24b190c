package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/sensorhud/internal/bt"
	"github.com/lowaak/sensorhud/internal/config"
	"github.com/lowaak/sensorhud/internal/connection"
	"github.com/lowaak/sensorhud/internal/sensor"
	"github.com/lowaak/sensorhud/internal/service"
	"github.com/lowaak/sensorhud/internal/telemetry"
)

// app holds the wired core shared by the scan and run commands
type app struct {
	cfg           *config.Config
	logger        *logrus.Logger
	logCloser     io.Closer
	mock          *bt.MockTransport
	model         *telemetry.Model
	notifications *sensor.Notifications
	controller    *service.Controller
}

// newApp wires the core. Logs go to console and the configured log file.
func newApp(cfg *config.Config, console io.Writer) (*app, error) {
	logger, closer, err := config.NewLogger(cfg.Log, console)
	if err != nil {
		return nil, err
	}
	table, err := cfg.ServiceTable()
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	transport, mock, err := newTransport(cfg, logger)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	model := telemetry.NewModel(logger, telemetry.Options{TireCircumferenceMM: cfg.Model.TireCircumferenceMM})
	notifications := sensor.NewNotifications()
	controller, err := service.NewController(service.ControllerConfig{
		Transport:     transport,
		Table:         table,
		Model:         model,
		Notifications: notifications,
		Logger:        logger,
		PoolSize:      cfg.Pool.Size,
		Scan:          service.ScanOptions{Rounds: cfg.Scan.Rounds, Window: cfg.Scan.Window},
		Connection:    connection.Options{Backoff: cfg.Connect.Backoff},
	})
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	if mock != nil {
		mock.StartSimulation(cfg.Mock.NotifyInterval)
	}
	logger.WithField("transport", cfg.Transport).Info("App: started")
	return &app{
		cfg:           cfg,
		logger:        logger,
		logCloser:     closer,
		mock:          mock,
		model:         model,
		notifications: notifications,
		controller:    controller,
	}, nil
}

func newTransport(cfg *config.Config, logger *logrus.Logger) (bt.Transport, *bt.MockTransport, error) {
	switch cfg.Transport {
	case config.TransportMock:
		mock := bt.NewMockTransport(logger, bt.DefaultMockPeripherals()...)
		return mock, mock, nil
	case config.TransportTinyGo:
		adapter := bt.NewAdapter(bluetooth.DefaultAdapter, logger)
		if err := adapter.Enable(); err != nil {
			return nil, nil, err
		}
		return adapter, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// Close shuts the core down and flushes the log file
func (a *app) Close() error {
	if a.mock != nil {
		a.mock.StopSimulation()
	}
	err := a.controller.Shutdown()
	a.logger.Info("App: stopped")
	return errors.Join(err, a.logCloser.Close())
}
