// Package service supervises connection tasks per sensor kind, runs discovery
// scans and routes user selections to the right sensor service.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lowaak/sensorhud/internal/bt"
	"github.com/lowaak/sensorhud/internal/connection"
	"github.com/lowaak/sensorhud/internal/go_func_utils"
	"github.com/lowaak/sensorhud/internal/protocol"
	"github.com/lowaak/sensorhud/internal/registry"
	"github.com/lowaak/sensorhud/internal/sensor"
	"github.com/lowaak/sensorhud/internal/telemetry"
)

// Submitter runs a named job on a worker; *go_func_utils.Pool is one
type Submitter interface {
	Submit(name string, fn func()) error
}

// Deps are the collaborators shared by every manager
type Deps struct {
	Acquirer      connection.Acquirer
	Pool          Submitter
	Model         *telemetry.Model
	Notifications *sensor.Notifications
	Logger        *logrus.Logger
	Options       connection.Options
}

// profile binds a sensor kind to its decoder and one-time setup
type profile struct {
	decode      protocol.Decoder
	featureInit connection.FeatureInit
}

func profileFor(kind sensor.Kind, model *telemetry.Model) (profile, error) {
	decode, err := protocol.DecoderFor(kind)
	if err != nil {
		return profile{}, err
	}
	attach := func(device sensor.Device) error {
		return model.Attach(kind, device)
	}
	switch kind {
	case sensor.KindHeartRate, sensor.KindCadenceSpeed, sensor.KindPower, sensor.KindLegacyTrainer:
		return profile{decode: decode, featureInit: attach}, nil
	default:
		return profile{}, fmt.Errorf("unsupported sensor kind %q", kind)
	}
}

// TaskInfo describes a tracked connection task
type TaskInfo struct {
	ID               uint64
	Device           sensor.Device
	State            connection.State
	Active           bool
	SkipsFeatureInit bool
}

type setDeviceMsg struct {
	device sensor.Device
}

type stopMsg struct {
	done chan struct{}
}

type disconnectMsg struct {
	handle *registry.Handle
	link   bt.Link
}

type tasksMsg struct {
	reply chan []TaskInfo
}

// Manager owns the connection tasks of one sensor kind. Every change to the
// task set happens on the manager's own goroutine; the public methods post
// messages to it.
type Manager struct {
	kind    sensor.Kind
	deps    Deps
	profile profile
	logger  *logrus.Entry

	inbox *go_func_utils.Queue[any]
	tasks []*connection.Task // owned by the actor goroutine

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ registry.DisconnectListener = (*Manager)(nil)

func NewManager(kind sensor.Kind, deps Deps) (*Manager, error) {
	if deps.Acquirer == nil || deps.Pool == nil || deps.Model == nil || deps.Notifications == nil {
		panic("Manager: dependencies cannot be nil")
	}
	if deps.Logger == nil {
		panic("Manager: logger cannot be nil")
	}
	p, err := profileFor(kind, deps.Model)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		kind:    kind,
		deps:    deps,
		profile: p,
		logger:  deps.Logger.WithField("kind", kind),
		inbox:   go_func_utils.NewQueue[any](),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()
		m.loop()
	})
	return m, nil
}

func (m *Manager) Kind() sensor.Kind {
	return m.kind
}

func (m *Manager) post(msg any) bool {
	if !m.inbox.Push(msg) {
		m.logger.WithField("message", fmt.Sprintf("%T", msg)).Warn("Manager: closed, dropping message")
		return false
	}
	return true
}

// SetDevice starts streaming from device
func (m *Manager) SetDevice(device sensor.Device) {
	m.post(setDeviceMsg{device: device})
}

// Stop unsubscribes every tracked task. Shared connections stay up. It
// returns once every task has been signalled.
func (m *Manager) Stop() {
	done := make(chan struct{})
	if !m.post(stopMsg{done: done}) {
		return
	}
	select {
	case <-done:
	case <-m.ctx.Done():
	}
}

// HandleDisconnect is called by the registry when a link of handle drops
func (m *Manager) HandleDisconnect(handle *registry.Handle, link bt.Link) {
	m.post(disconnectMsg{handle: handle, link: link})
}

// Tasks returns the tracked tasks, oldest first
func (m *Manager) Tasks() []TaskInfo {
	reply := make(chan []TaskInfo, 1)
	if !m.post(tasksMsg{reply: reply}) {
		return nil
	}
	select {
	case tasks := <-reply:
		return tasks
	case <-m.ctx.Done():
		return nil
	}
}

// Close stops the manager goroutine and cancels every task. It does not wait
// for the tasks to finish.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.inbox.Close()
		m.cancel()
		m.wg.Wait()
		for _, t := range m.tasks {
			t.Unsubscribe()
		}
		m.logger.Debug("Manager: closed")
	})
}

func (m *Manager) loop() {
	for {
		msg, ok := m.inbox.Pop(m.ctx)
		if !ok {
			return
		}
		switch v := msg.(type) {
		case setDeviceMsg:
			m.prune()
			m.spawn(v.device, m.profile.featureInit)
		case stopMsg:
			m.stopAll()
			close(v.done)
		case disconnectMsg:
			m.handleDisconnect(v.handle, v.link)
		case tasksMsg:
			v.reply <- m.taskInfos()
		default:
			m.logger.Errorf("Manager: unexpected message %T", msg)
		}
	}
}

func (m *Manager) spawn(device sensor.Device, featureInit connection.FeatureInit) {
	task := connection.New(m.ctx, connection.Config{
		Device:      device,
		Acquirer:    m.deps.Acquirer,
		Listener:    m,
		FeatureInit: featureInit,
		Process:     m.processor(device),
		Logger:      m.deps.Logger,
		Options:     m.deps.Options,
	})
	name := fmt.Sprintf("%s task %d (%s)", m.kind, task.ID(), device)
	if err := m.deps.Pool.Submit(name, task.Run); err != nil {
		m.logger.WithError(err).WithField("device", device.Name).Error("Manager: could not start task")
		task.Unsubscribe()
		return
	}
	m.tasks = append(m.tasks, task)
	m.logger.WithFields(logrus.Fields{
		"device":       device.Name,
		"address":      device.Address,
		"task":         task.ID(),
		"feature_init": featureInit != nil,
	}).Info("Manager: task started")
}

func (m *Manager) stopAll() {
	m.logger.WithField("tasks", len(m.tasks)).Info("Manager: unsubscribing tasks")
	for _, t := range m.tasks {
		t.Unsubscribe()
	}
}

// boundTo reports whether t lost its stream when link dropped. A task that
// has not subscribed yet is bound to whatever the handle holds.
func boundTo(t *connection.Task, handle *registry.Handle, link bt.Link) bool {
	if t.Handle() != handle {
		return false
	}
	if own := t.Link(); own != nil {
		return own == link || !own.IsConnected()
	}
	return handle.Link() == link || !handle.IsConnected()
}

func (m *Manager) handleDisconnect(handle *registry.Handle, link bt.Link) {
	index := -1
	for i := len(m.tasks) - 1; i >= 0; i-- {
		if boundTo(m.tasks[i], handle, link) {
			index = i
			break
		}
	}
	if index < 0 {
		m.logger.WithField("address", handle.Address()).Debug("Manager: disconnect for a link without a task")
		return
	}

	task := m.tasks[index]
	m.tasks = append(m.tasks[:index], m.tasks[index+1:]...)
	wasActive := task.IsActive()
	// retire the old instance, its subscription died with the link
	task.Unsubscribe()

	log := m.logger.WithFields(logrus.Fields{"device": task.Device().Name, "address": handle.Address(), "task": task.ID()})
	if !wasActive {
		log.Info("Manager: task was stopped, not reconnecting")
		return
	}
	log.Info("Manager: device disconnected, reconnecting")
	m.spawn(task.Device(), nil)
}

// prune forgets tasks that were stopped and have finished
func (m *Manager) prune() {
	kept := m.tasks[:0]
	for _, t := range m.tasks {
		if !t.IsActive() && t.State() == connection.StateTerminated {
			continue
		}
		kept = append(kept, t)
	}
	m.tasks = kept
}

func (m *Manager) taskInfos() []TaskInfo {
	result := make([]TaskInfo, 0, len(m.tasks))
	for _, t := range m.tasks {
		result = append(result, TaskInfo{
			ID:               t.ID(),
			Device:           t.Device(),
			State:            t.State(),
			Active:           t.IsActive(),
			SkipsFeatureInit: t.SkipsFeatureInit(),
		})
	}
	return result
}

func (m *Manager) processor(device sensor.Device) connection.Processor {
	log := m.logger.WithField("device", device.Name)
	return func(payload []byte) {
		measurements := m.profile.decode(payload)
		if len(measurements) == 0 {
			log.WithField("payload", fmt.Sprintf("% x", payload)).Debug("Manager: notification ignored")
			return
		}
		now := time.Now()
		for _, measurement := range measurements {
			event := sensor.MeasurementEvent{Device: device, Measurement: measurement, ReceivedAt: now}
			m.deps.Model.Record(event)
			m.deps.Notifications.MeasurementUpdated.Notify(event)
			if log.Logger.IsLevelEnabled(logrus.TraceLevel) {
				log.Trace(sensor.Describe(measurement))
			}
		}
	}
}
