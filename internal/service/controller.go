package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/lowaak/sensorhud/internal/bt"
	"github.com/lowaak/sensorhud/internal/connection"
	"github.com/lowaak/sensorhud/internal/go_func_utils"
	"github.com/lowaak/sensorhud/internal/registry"
	"github.com/lowaak/sensorhud/internal/sensor"
	"github.com/lowaak/sensorhud/internal/telemetry"
)

var ErrScanInProgress = errors.New("scan already in progress")

type ControllerConfig struct {
	Transport     bt.Transport
	Table         sensor.ServiceTable
	Model         *telemetry.Model
	Notifications *sensor.Notifications
	Logger        *logrus.Logger
	PoolSize      int
	Scan          ScanOptions
	Connection    connection.Options
}

// Controller wires the registry, the worker pool and one Manager per sensor
// kind, and routes user selections to them.
type Controller struct {
	transport     bt.Transport
	table         sensor.ServiceTable
	registry      *registry.Registry
	pool          *go_func_utils.Pool
	notifications *sensor.Notifications
	scanOpts      ScanOptions
	logger        *logrus.Logger

	heartRate     *Manager
	cadenceSpeed  *Manager
	power         *Manager
	legacyTrainer *Manager

	scanning atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	devices []sensor.Device

	shutdownOnce sync.Once
	shutdownErr  error
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Transport == nil {
		panic("Controller: transport cannot be nil")
	}
	if cfg.Model == nil || cfg.Notifications == nil {
		panic("Controller: model and notifications cannot be nil")
	}
	if cfg.Logger == nil {
		panic("Controller: logger cannot be nil")
	}

	reg := registry.New(cfg.Transport, cfg.Logger)
	pool := go_func_utils.NewPool(cfg.Logger, cfg.PoolSize)
	deps := Deps{
		Acquirer:      reg,
		Pool:          pool,
		Model:         cfg.Model,
		Notifications: cfg.Notifications,
		Logger:        cfg.Logger,
		Options:       cfg.Connection,
	}

	managers := make(map[sensor.Kind]*Manager, len(sensor.AllKinds))
	for _, kind := range sensor.AllKinds {
		m, err := NewManager(kind, deps)
		if err != nil {
			for _, created := range managers {
				created.Close()
			}
			pool.Shutdown()
			return nil, fmt.Errorf("creating %s manager: %w", kind, err)
		}
		managers[kind] = m
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		transport:     cfg.Transport,
		table:         cfg.Table,
		registry:      reg,
		pool:          pool,
		notifications: cfg.Notifications,
		scanOpts:      cfg.Scan,
		logger:        cfg.Logger,
		heartRate:     managers[sensor.KindHeartRate],
		cadenceSpeed:  managers[sensor.KindCadenceSpeed],
		power:         managers[sensor.KindPower],
		legacyTrainer: managers[sensor.KindLegacyTrainer],
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

func (c *Controller) managers() []*Manager {
	return []*Manager{c.heartRate, c.cadenceSpeed, c.power, c.legacyTrainer}
}

// Manager returns the manager serving kind
func (c *Controller) Manager(kind sensor.Kind) (*Manager, bool) {
	switch kind {
	case sensor.KindHeartRate:
		return c.heartRate, true
	case sensor.KindCadenceSpeed:
		return c.cadenceSpeed, true
	case sensor.KindPower:
		return c.power, true
	case sensor.KindLegacyTrainer:
		return c.legacyTrainer, true
	default:
		return nil, false
	}
}

func (c *Controller) Registry() *registry.Registry {
	return c.registry
}

func (c *Controller) IsScanning() bool {
	return c.scanning.Load()
}

// StartScan runs a scan task on the pool. done, when not nil, is called once
// the scan has finished.
func (c *Controller) StartScan(done func()) error {
	if !c.scanning.CompareAndSwap(false, true) {
		return ErrScanInProgress
	}
	scan := NewScanTask(c.transport, c.table, c.addDevice, c.logger, c.scanOpts)
	err := c.pool.Submit("scan", func() {
		defer func() {
			c.scanning.Store(false)
			if done != nil {
				done()
			}
		}()
		if err := scan.Run(c.ctx); err != nil {
			c.logger.WithError(err).Info("Controller: scan cancelled")
		}
	})
	if err != nil {
		c.scanning.Store(false)
		return fmt.Errorf("starting scan: %w", err)
	}
	return nil
}

// addDevice records a scan result and publishes it when it is new
func (c *Controller) addDevice(device sensor.Device) {
	c.mu.Lock()
	for _, d := range c.devices {
		if d == device {
			c.mu.Unlock()
			return
		}
	}
	c.devices = append(c.devices, device)
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"device":  device.Name,
		"address": device.Address,
		"kind":    device.Kind(),
	}).Info("Controller: device discovered")
	c.notifications.DeviceDiscovered.Notify(device)
}

// Devices returns the discovered devices in discovery order
func (c *Controller) Devices() []sensor.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]sensor.Device, len(c.devices))
	copy(result, c.devices)
	return result
}

// SetDevice starts streaming from device on the manager for its kind
func (c *Controller) SetDevice(device sensor.Device) {
	m, ok := c.Manager(device.Kind())
	if !ok {
		c.logger.WithFields(logrus.Fields{"device": device.Name, "kind": device.Kind()}).Error("Controller: no manager for sensor kind")
		return
	}
	m.SetDevice(device)
}

// Stop unsubscribes every task of every manager
func (c *Controller) Stop() {
	for _, m := range c.managers() {
		m.Stop()
	}
}

// Shutdown stops scanning, closes the managers, waits for running jobs and
// disconnects every device. It is safe to call more than once.
func (c *Controller) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.logger.Info("Controller: shutting down")
		c.cancel()
		for _, m := range c.managers() {
			m.Close()
		}
		c.pool.Shutdown()
		c.shutdownErr = c.registry.Shutdown()
	})
	return c.shutdownErr
}
