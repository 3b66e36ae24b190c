// Package telemetry turns measurement events from the attached sensors into
// per-metric statistics and broadcasts snapshots to the display.
package telemetry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/lowaak/sensorhud/internal/events"
	"github.com/lowaak/sensorhud/internal/sensor"
)

var ErrKindMismatch = errors.New("device does not provide this sensor kind")

const (
	eventTimeRollover = 0x10000
	ticksPerSecond    = 1024
	ticksPerMinute    = 60 * ticksPerSecond
)

type Options struct {
	TireCircumferenceMM float64 `default:"2168"`
}

// TrainerState is the latest value of every FE-C field
type TrainerState struct {
	ElapsedTime      time.Duration
	Distance         uint8
	Speed            *float64
	HeartRate        *uint8
	FEState          sensor.FEState
	LapToggle        bool
	CycleLength      uint8
	Incline          *float64
	Resistance       float64
	UpdateEventCount uint8
	Cadence          *uint8
	Power            *uint16
	AccumulatedPower *uint16
}

// Snapshot is a copy of the model state
type Snapshot struct {
	Attached  map[sensor.Kind]sensor.Device
	HeartRate Statistics // bpm
	Cadence   Statistics // rpm
	Speed     Statistics // km/h
	Power     Statistics // watts
	Trainer   TrainerState
	UpdatedAt time.Time
}

type revolutionReading struct {
	revs      uint32
	eventTime uint16
}

// Model is safe for concurrent use
type Model struct {
	logger *logrus.Logger
	opts   Options

	mu        sync.Mutex
	attached  map[sensor.Kind]sensor.Device
	heartRate Statistics
	cadence   Statistics
	speed     Statistics
	power     Statistics
	lastCrank *revolutionReading
	lastWheel *revolutionReading
	trainer   TrainerState
	updatedAt time.Time

	updates *events.ChannelEvent[Snapshot]
}

func NewModel(logger *logrus.Logger, opts Options) *Model {
	if logger == nil {
		panic("Model: logger cannot be nil")
	}
	if opts.TireCircumferenceMM < 0 {
		opts.TireCircumferenceMM = 0
	}
	defaults.SetDefaults(&opts)
	return &Model{
		logger:   logger,
		opts:     opts,
		attached: make(map[sensor.Kind]sensor.Device),
		updates:  events.NewChannelEvent[Snapshot](true),
	}
}

// Attach marks device as the source for kind, resetting that kind's derived
// state when the device changes. The device's service must be of kind.
func (m *Model) Attach(kind sensor.Kind, device sensor.Device) error {
	if device.Kind() != kind {
		return fmt.Errorf("%w: %s offers %s, not %s", ErrKindMismatch, device.Name, device.Kind(), kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.attached[kind]; ok && current == device {
		return nil
	}
	m.attached[kind] = device
	switch kind {
	case sensor.KindHeartRate:
		m.heartRate = Statistics{}
	case sensor.KindCadenceSpeed:
		m.cadence, m.speed = Statistics{}, Statistics{}
		m.lastCrank, m.lastWheel = nil, nil
	case sensor.KindPower:
		m.power = Statistics{}
	case sensor.KindLegacyTrainer:
		m.trainer = TrainerState{}
	}
	m.logger.WithFields(logrus.Fields{"kind": kind, "device": device.Name, "address": device.Address}).Info("Model: device attached")
	return nil
}

// Attached returns the device attached for kind
func (m *Model) Attached(kind sensor.Kind) (sensor.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.attached[kind]
	return d, ok
}

// Record folds a measurement into the model. Events from a device other than
// the one attached for the measurement's kind are ignored and Record returns
// false.
func (m *Model) Record(event sensor.MeasurementEvent) bool {
	m.mu.Lock()
	attached, ok := m.attached[event.Measurement.Kind()]
	if !ok || attached != event.Device {
		m.mu.Unlock()
		return false
	}

	switch v := event.Measurement.(type) {
	case sensor.HrMeasurement:
		m.heartRate.Add(float64(v.BPM))
	case sensor.CadenceMeasurement:
		m.recordCrank(revolutionReading{revs: uint32(v.CumulativeCrankRevs), eventTime: v.LastCrankEventTime})
	case sensor.SpeedMeasurement:
		m.recordWheel(revolutionReading{revs: v.CumulativeWheelRevs, eventTime: v.LastWheelEventTime})
	case sensor.PowerMeasurement:
		m.power.Add(float64(v.Watts))
	case sensor.GeneralData:
		m.trainer.ElapsedTime = v.ElapsedTime
		m.trainer.Distance = v.Distance
		m.trainer.Speed = v.Speed
		m.trainer.HeartRate = v.HeartRate
		m.trainer.FEState = v.FEState
		m.trainer.LapToggle = v.LapToggle
	case sensor.GeneralSettings:
		m.trainer.CycleLength = v.CycleLength
		m.trainer.Incline = v.Incline
		m.trainer.Resistance = v.Resistance
		m.trainer.FEState = v.FEState
		m.trainer.LapToggle = v.LapToggle
	case sensor.SpecificTrainerData:
		m.trainer.UpdateEventCount = v.UpdateEventCount
		m.trainer.Cadence = v.Cadence
		m.trainer.Power = v.Power
		m.trainer.AccumulatedPower = v.AccumulatedPower
	}
	m.updatedAt = event.ReceivedAt
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.updates.Notify(snapshot)
	return true
}

// eventDelta returns the ticks between two event times, correcting a single
// rollover of the 16 bit counter. ok is false when the times are equal.
func eventDelta(prev, cur uint16) (ticks int, ok bool) {
	if cur == prev {
		return 0, false
	}
	delta := int(cur) - int(prev)
	if cur < prev {
		delta += eventTimeRollover
	}
	return delta, true
}

// recordCrank must be called with mu held
func (m *Model) recordCrank(r revolutionReading) {
	prev := m.lastCrank
	if prev == nil {
		m.lastCrank = &r
		return
	}
	ticks, ok := eventDelta(prev.eventTime, r.eventTime)
	if !ok {
		// no new crank event since the last notification
		return
	}
	m.lastCrank = &r
	revs := uint16(r.revs) - uint16(prev.revs)
	m.cadence.Add(float64(revs) * ticksPerMinute / float64(ticks))
}

// recordWheel must be called with mu held
func (m *Model) recordWheel(r revolutionReading) {
	prev := m.lastWheel
	if prev == nil {
		m.lastWheel = &r
		return
	}
	ticks, ok := eventDelta(prev.eventTime, r.eventTime)
	if !ok {
		return
	}
	m.lastWheel = &r
	revs := r.revs - prev.revs
	mmPerSecond := float64(revs) * m.opts.TireCircumferenceMM * ticksPerSecond / float64(ticks)
	m.speed.Add(mmPerSecond * 3.6 / 1000)
}

func (m *Model) snapshotLocked() Snapshot {
	attached := make(map[sensor.Kind]sensor.Device, len(m.attached))
	for k, d := range m.attached {
		attached[k] = d
	}
	return Snapshot{
		Attached:  attached,
		HeartRate: m.heartRate,
		Cadence:   m.cadence,
		Speed:     m.speed,
		Power:     m.power,
		Trainer:   m.trainer,
		UpdatedAt: m.updatedAt,
	}
}

// Snapshot returns the current state
func (m *Model) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Listen registers ch for snapshots. The latest snapshot is delivered
// immediately and a reader that falls behind only sees the newest one.
func (m *Model) Listen(ch chan Snapshot) func() {
	return m.updates.Listen(ch)
}
