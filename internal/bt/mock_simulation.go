package bt

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/lowaak/sensorhud/internal/go_func_utils"
	"github.com/lowaak/sensorhud/internal/protocol"
	"github.com/lowaak/sensorhud/internal/sensor"
)

const (
	simWheelCircumferenceM = 2.168
	ticksPerSecond         = 1024
)

// simulation holds the evolving state of the simulated ride
type simulation struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup

	start   time.Time
	elapsed time.Duration

	wheelRevs      uint32
	wheelEventTime uint16
	wheelRemainder float64
	crankRevs      uint16
	crankEventTime uint16
	crankRemainder float64

	fecPage          int
	fecEventCount    uint8
	accumulatedPower uint16
}

// StartSimulation emits a notification on every subscribed characteristic
// each interval until StopSimulation is called.
func (m *MockTransport) StartSimulation(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.simulation != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sim := &simulation{cancel: cancel, start: time.Now()}
	m.simulation = sim

	m.logger.WithField("interval", interval).Info("MockTransport: starting sensor simulation")
	sim.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer sim.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.simulateTick(sim, interval)
			}
		}
	})
}

// StopSimulation stops the notification generator and waits for it to exit
func (m *MockTransport) StopSimulation() {
	m.mu.Lock()
	sim := m.simulation
	m.simulation = nil
	m.mu.Unlock()
	if sim == nil {
		return
	}
	sim.cancel()
	sim.wg.Wait()
}

func (m *MockTransport) simulateTick(sim *simulation, interval time.Duration) {
	sim.elapsed += interval
	t := sim.elapsed.Seconds()

	// a gentle wave so the display has something to show
	wave := math.Sin(t / 20)
	heartRate := uint8(135 + 15*wave)
	power := int16(190 + 40*wave)
	cadenceRpm := 85 + 8*wave
	speedMps := 8.5 + 1.5*wave

	seconds := interval.Seconds()
	ticks := uint16(seconds * ticksPerSecond)

	sim.wheelRemainder += speedMps * seconds / simWheelCircumferenceM
	wholeWheel := math.Floor(sim.wheelRemainder)
	sim.wheelRemainder -= wholeWheel
	sim.wheelRevs += uint32(wholeWheel)
	sim.wheelEventTime += ticks

	sim.crankRemainder += cadenceRpm / 60 * seconds
	wholeCrank := math.Floor(sim.crankRemainder)
	sim.crankRemainder -= wholeCrank
	sim.crankRevs += uint16(wholeCrank)
	sim.crankEventTime += ticks

	sim.accumulatedPower += uint16(power)
	sim.fecEventCount++

	var fecPage []byte
	switch sim.fecPage % 3 {
	case 0:
		fecPage = protocol.GeneralDataPage(
			uint8(int(t*4)%256), uint8(int(t*speedMps)%256), uint16(speedMps*1000), heartRate, 0x03)
	case 1:
		fecPage = protocol.GeneralSettingsPage(216, int16(150*wave), 40, 0x03)
	default:
		fecPage = protocol.SpecificTrainerDataPage(sim.fecEventCount, uint8(cadenceRpm), sim.accumulatedPower, uint16(power))
	}
	sim.fecPage++

	m.mu.Lock()
	links := make([]*MockLink, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	for _, l := range links {
		l.notify(sensor.CharUUIDHeartRateMeasurement, protocol.HeartRatePayload(heartRate))
		l.notify(sensor.CharUUIDCSCMeasurement, protocol.CSCPayload(sim.wheelRevs, sim.wheelEventTime, sim.crankRevs, sim.crankEventTime))
		l.notify(sensor.CharUUIDCyclingPowerMeasurement, protocol.PowerPayload(power))
		l.notify(sensor.CharUUIDLegacyTrainerFEC, protocol.FECFrame(fecPage))
	}
}

func (l *MockLink) notify(characteristicUUID string, payload []byte) {
	if cb := l.callback(characteristicUUID); cb != nil {
		cb(payload)
	}
}
