package bt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lowaak/sensorhud/internal/sensor"
)

// MockPeripheral is a simulated sensor advertised by MockTransport
type MockPeripheral struct {
	Name         string
	Address      string
	ServiceUUIDs []string
}

// MockTransport implements Transport without Bluetooth hardware. Tests drive
// it by hand with Emit and SimulateDisconnect; StartSimulation feeds plausible
// sensor data to every active subscription.
type MockTransport struct {
	logger *logrus.Logger

	mu              sync.Mutex
	peripherals     []MockPeripheral
	links           map[string]*MockLink
	connectFailures map[string]int
	connectCalls    map[string]int
	connectDelay    time.Duration
	discoverDelay   time.Duration
	discoverCalls   int

	simulation *simulation
}

var _ Transport = (*MockTransport)(nil)

// NewMockTransport creates a transport advertising the given peripherals
func NewMockTransport(logger *logrus.Logger, peripherals ...MockPeripheral) *MockTransport {
	if logger == nil {
		panic("MockTransport: logger cannot be nil")
	}
	return &MockTransport{
		logger:          logger,
		peripherals:     peripherals,
		links:           make(map[string]*MockLink),
		connectFailures: make(map[string]int),
		connectCalls:    make(map[string]int),
	}
}

// DefaultMockPeripherals is a heart rate strap, a cadence sensor and a smart
// trainer exposing both cycling power and FE-C on one address
func DefaultMockPeripherals() []MockPeripheral {
	return []MockPeripheral{
		{Name: "HR strap", Address: "D0:00:00:00:00:01", ServiceUUIDs: []string{sensor.ServiceUUIDHeartRate}},
		{Name: "Cadence sensor", Address: "D0:00:00:00:00:02", ServiceUUIDs: []string{sensor.ServiceUUIDCyclingSpeedCadence}},
		{Name: "Smart trainer", Address: "D0:00:00:00:00:03", ServiceUUIDs: []string{sensor.ServiceUUIDCyclingPower, sensor.ServiceUUIDLegacyTrainer}},
	}
}

// AddPeripheral makes another peripheral visible to Discover and Connect
func (m *MockTransport) AddPeripheral(p MockPeripheral) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peripherals = append(m.peripherals, p)
}

// FailConnects makes the next n connects to address fail
func (m *MockTransport) FailConnects(address string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectFailures[address] = n
}

// SetConnectDelay makes every Connect take d
func (m *MockTransport) SetConnectDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectDelay = d
}

// SetDiscoverDelay makes every Discover take min(d, window)
func (m *MockTransport) SetDiscoverDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoverDelay = d
}

func (m *MockTransport) findPeripheral(address string) (MockPeripheral, bool) {
	for _, p := range m.peripherals {
		if p.Address == address {
			return p, true
		}
	}
	return MockPeripheral{}, false
}

func (m *MockTransport) Discover(ctx context.Context, window time.Duration) ([]Advertisement, error) {
	m.mu.Lock()
	m.discoverCalls++
	delay := min(m.discoverDelay, window)
	result := make([]Advertisement, 0, len(m.peripherals))
	for _, p := range m.peripherals {
		result = append(result, Advertisement{
			Name:         p.Name,
			Address:      p.Address,
			ServiceUUIDs: append([]string(nil), p.ServiceUUIDs...),
		})
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return result, nil
}

func (m *MockTransport) Connect(ctx context.Context, address string) (Link, error) {
	m.mu.Lock()
	m.connectCalls[address]++
	delay := m.connectDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.findPeripheral(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}
	if m.connectFailures[address] > 0 {
		m.connectFailures[address]--
		return nil, fmt.Errorf("connect %s: simulated failure", address)
	}
	if old := m.links[address]; old != nil {
		old.markDisconnected()
	}
	link := &MockLink{
		transport:    m,
		address:      address,
		services:     p.ServiceUUIDs,
		connected:    true,
		subscription: make(map[string]func([]byte)),
	}
	m.links[address] = link
	m.logger.WithField("address", address).Debug("MockTransport: connected")
	return link, nil
}

func (m *MockTransport) OnDisconnected(link Link, fn func(Link)) {
	if l, ok := link.(*MockLink); ok {
		l.mu.Lock()
		l.onDisconnect = fn
		l.mu.Unlock()
	}
}

// Link returns the current link for address, if any
func (m *MockTransport) Link(address string) *MockLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[address]
}

// Emit delivers payload to the subscriber of the characteristic on address.
// It returns false when nothing is subscribed.
func (m *MockTransport) Emit(address, characteristicUUID string, payload []byte) bool {
	link := m.Link(address)
	if link == nil {
		return false
	}
	cb := link.callback(characteristicUUID)
	if cb == nil {
		return false
	}
	cb(payload)
	return true
}

// SimulateDisconnect drops the current link to address as if the peripheral
// went out of range. It returns false when there was no live link.
func (m *MockTransport) SimulateDisconnect(address string) bool {
	link := m.Link(address)
	if link == nil {
		return false
	}
	fn := link.markDisconnected()
	if fn == nil {
		return false
	}
	m.logger.WithField("address", address).Info("MockTransport: simulated disconnect")
	fn(link)
	return true
}

// ConnectCalls returns how many times Connect was called for address
func (m *MockTransport) ConnectCalls(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls[address]
}

// DiscoverCalls returns how many discovery passes were run
func (m *MockTransport) DiscoverCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discoverCalls
}

// MockLink is the Link handed out by MockTransport
type MockLink struct {
	transport *MockTransport
	address   string
	services  []string

	mu              sync.Mutex
	connected       bool
	onDisconnect    func(Link)
	subscription    map[string]func([]byte) // by characteristic UUID
	disconnectCalls int
	startCalls      int
	stopCalls       int
}

var _ Link = (*MockLink)(nil)

func (l *MockLink) Address() string {
	return l.address
}

func (l *MockLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *MockLink) hasService(serviceUUID string) bool {
	for _, s := range l.services {
		if sensor.NormalizeUUID(s) == sensor.NormalizeUUID(serviceUUID) {
			return true
		}
	}
	return false
}

func (l *MockLink) StartNotify(serviceUUID, characteristicUUID string, callback func(buf []byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startCalls++
	if !l.connected {
		return ErrNotConnected
	}
	if !l.hasService(serviceUUID) {
		return fmt.Errorf("service not supported by this device: %s", serviceUUID)
	}
	l.subscription[sensor.NormalizeUUID(characteristicUUID)] = callback
	return nil
}

func (l *MockLink) StopNotify(serviceUUID, characteristicUUID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopCalls++
	if !l.connected {
		return ErrNotConnected
	}
	delete(l.subscription, sensor.NormalizeUUID(characteristicUUID))
	return nil
}

func (l *MockLink) Disconnect() error {
	l.mu.Lock()
	l.disconnectCalls++
	l.mu.Unlock()

	fn := l.markDisconnected()
	if fn != nil {
		fn(l)
	}
	return nil
}

func (l *MockLink) markDisconnected() func(Link) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return nil
	}
	l.connected = false
	l.subscription = make(map[string]func([]byte))
	return l.onDisconnect
}

func (l *MockLink) callback(characteristicUUID string) func([]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscription[sensor.NormalizeUUID(characteristicUUID)]
}

// Subscribed reports whether the characteristic has an active subscription
func (l *MockLink) Subscribed(characteristicUUID string) bool {
	return l.callback(characteristicUUID) != nil
}

// Calls returns how many times StartNotify, StopNotify and Disconnect were called
func (l *MockLink) Calls() (start, stop, disconnect int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startCalls, l.stopCalls, l.disconnectCalls
}
