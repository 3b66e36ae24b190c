package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/sensorhud/internal/bt"
	"github.com/lowaak/sensorhud/internal/sensor"
)

var (
	hrStrap      = sensor.Device{Name: "HR strap", Address: "D0:00:00:00:00:01", Service: sensor.ServiceHeartRate}
	cadence      = sensor.Device{Name: "Cadence sensor", Address: "D0:00:00:00:00:02", Service: sensor.ServiceCadenceSpeed}
	trainerPower = sensor.Device{Name: "Smart trainer", Address: "D0:00:00:00:00:03", Service: sensor.ServicePower}
	trainerFEC   = sensor.Device{Name: "Smart trainer", Address: "D0:00:00:00:00:03", Service: sensor.ServiceLegacyTrainer}
)

type recordingListener struct {
	name  string
	mu    *sync.Mutex
	log   *[]string
	links []bt.Link
}

func (l *recordingListener) HandleDisconnect(h *Handle, link bt.Link) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.log = append(*l.log, l.name+"@"+h.Address())
	l.links = append(l.links, link)
}

func newTestRegistry(t *testing.T) (*Registry, *bt.MockTransport, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	transport := bt.NewMockTransport(logger, bt.DefaultMockPeripherals()...)
	return New(transport, logger), transport, hook
}

func TestAcquire_ConcurrentSingleConnect(t *testing.T) {
	reg, transport, _ := newTestRegistry(t)
	transport.SetConnectDelay(30 * time.Millisecond)

	const callers = 8
	handles := make([]*Handle, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			device := trainerPower
			if i%2 == 1 {
				device = trainerFEC
			}
			h, err := reg.Acquire(context.Background(), device, nil)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, transport.ConnectCalls(trainerPower.Address))
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Len(t, reg.Handles(), 1)
}

func TestAcquire_ReusesConnectedHandle(t *testing.T) {
	reg, transport, _ := newTestRegistry(t)

	h1, err := reg.Acquire(context.Background(), trainerPower, nil)
	require.NoError(t, err)
	h2, err := reg.Acquire(context.Background(), trainerFEC, nil)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, 1, transport.ConnectCalls(trainerPower.Address))

	got, ok := reg.Handle(trainerPower.Address)
	require.True(t, ok)
	assert.Same(t, h1, got)
}

func TestAcquire_ConnectErrorPropagates(t *testing.T) {
	reg, transport, _ := newTestRegistry(t)
	transport.FailConnects(hrStrap.Address, 1)

	h, err := reg.Acquire(context.Background(), hrStrap, nil)
	assert.Error(t, err)
	assert.Nil(t, h)

	// the registry does not retry on its own
	assert.Equal(t, 1, transport.ConnectCalls(hrStrap.Address))

	h, err = reg.Acquire(context.Background(), hrStrap, nil)
	require.NoError(t, err)
	assert.True(t, h.IsConnected())
	assert.Equal(t, 2, transport.ConnectCalls(hrStrap.Address))
}

func TestAcquire_CancelledContextDoesNotConnect(t *testing.T) {
	reg, transport, _ := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h, err := reg.Acquire(ctx, trainerPower, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, h)
	assert.Equal(t, 0, transport.ConnectCalls(trainerPower.Address))
}

func TestAcquire_WaiterCancelledDuringConnect(t *testing.T) {
	reg, transport, _ := newTestRegistry(t)
	transport.SetConnectDelay(50 * time.Millisecond)
	transport.FailConnects(trainerPower.Address, 1)

	firstDone := make(chan error, 1)
	go func() {
		_, err := reg.Acquire(context.Background(), trainerPower, nil)
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return transport.ConnectCalls(trainerPower.Address) == 1 }, time.Second, time.Millisecond)

	// queued behind the failing connect, gives up before it gets the address
	ctx, cancel := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		_, err := reg.Acquire(ctx, trainerFEC, nil)
		waiterDone <- err
	}()
	cancel()

	assert.Error(t, <-firstDone)
	assert.ErrorIs(t, <-waiterDone, context.Canceled)
	assert.Equal(t, 1, transport.ConnectCalls(trainerPower.Address))
	h, ok := reg.Handle(trainerPower.Address)
	require.True(t, ok)
	assert.False(t, h.IsConnected())
}

func TestAcquire_UnknownAddress(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Acquire(context.Background(), sensor.Device{Name: "ghost", Address: "FF:FF", Service: sensor.ServicePower}, nil)
	assert.ErrorIs(t, err, bt.ErrUnknownDevice)
}

func TestAcquire_ReconnectsAfterDisconnect(t *testing.T) {
	reg, transport, _ := newTestRegistry(t)
	h, err := reg.Acquire(context.Background(), cadence, nil)
	require.NoError(t, err)

	require.True(t, transport.SimulateDisconnect(cadence.Address))
	assert.False(t, h.IsConnected())

	again, err := reg.Acquire(context.Background(), cadence, nil)
	require.NoError(t, err)
	assert.Same(t, h, again)
	assert.True(t, again.IsConnected())
	assert.Equal(t, 2, transport.ConnectCalls(cadence.Address))
}

func TestDisconnectListeners_OrderAndIdempotence(t *testing.T) {
	reg, transport, _ := newTestRegistry(t)

	var mu sync.Mutex
	var calls []string
	first := &recordingListener{name: "power", mu: &mu, log: &calls}
	second := &recordingListener{name: "trainer", mu: &mu, log: &calls}

	_, err := reg.Acquire(context.Background(), trainerPower, first)
	require.NoError(t, err)
	_, err = reg.Acquire(context.Background(), trainerFEC, second)
	require.NoError(t, err)
	h, err := reg.Acquire(context.Background(), trainerPower, first)
	require.NoError(t, err)

	assert.Len(t, h.Listeners(), 2)

	require.True(t, transport.SimulateDisconnect(trainerPower.Address))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"power@" + trainerPower.Address,
		"trainer@" + trainerPower.Address,
	}, calls)
}

func TestDisconnect_ReplacedLinkStillFansOut(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	var mu sync.Mutex
	var calls []string
	listener := &recordingListener{name: "hr", mu: &mu, log: &calls}

	h, err := reg.Acquire(context.Background(), hrStrap, listener)
	require.NoError(t, err)
	replaced := h.Link()
	require.NoError(t, replaced.Disconnect())
	_, err = reg.Acquire(context.Background(), hrStrap, listener)
	require.NoError(t, err)
	require.NotSame(t, replaced, h.Link())

	// the transport reports the first drop late, after the reconnect
	reg.onTransportDisconnected(h, replaced)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, calls, 2)
	require.Len(t, listener.links, 2)
	assert.Same(t, replaced, listener.links[1])
	assert.True(t, h.IsConnected())
}

func TestSubscription_CancelBoundToLink(t *testing.T) {
	reg, transport, _ := newTestRegistry(t)
	h, err := reg.Acquire(context.Background(), hrStrap, nil)
	require.NoError(t, err)

	old, err := h.Subscribe(sensor.ServiceUUIDHeartRate, sensor.CharUUIDHeartRateMeasurement, func([]byte) {})
	require.NoError(t, err)

	require.True(t, transport.SimulateDisconnect(hrStrap.Address))
	_, err = h.Subscribe(sensor.ServiceUUIDHeartRate, sensor.CharUUIDHeartRateMeasurement, func([]byte) {})
	assert.ErrorIs(t, err, bt.ErrNotConnected)

	_, err = reg.Acquire(context.Background(), hrStrap, nil)
	require.NoError(t, err)
	current, err := h.Subscribe(sensor.ServiceUUIDHeartRate, sensor.CharUUIDHeartRateMeasurement, func([]byte) {})
	require.NoError(t, err)

	assert.NoError(t, old.Cancel())
	assert.True(t, transport.Link(hrStrap.Address).Subscribed(sensor.CharUUIDHeartRateMeasurement))

	assert.NoError(t, current.Cancel())
	assert.NoError(t, current.Cancel())
	assert.False(t, transport.Link(hrStrap.Address).Subscribed(sensor.CharUUIDHeartRateMeasurement))
	_, stops, _ := transport.Link(hrStrap.Address).Calls()
	assert.Equal(t, 1, stops)
}

// failingTransport hands out links whose Disconnect fails for one address
type failingTransport struct {
	*bt.MockTransport
	failAddress string
}

type failingLink struct {
	bt.Link
}

func (l failingLink) Disconnect() error {
	return errors.New("radio busy")
}

func (f *failingTransport) Connect(ctx context.Context, address string) (bt.Link, error) {
	link, err := f.MockTransport.Connect(ctx, address)
	if err != nil || address != f.failAddress {
		return link, err
	}
	return failingLink{Link: link}, nil
}

func (f *failingTransport) OnDisconnected(link bt.Link, fn func(bt.Link)) {
	if fl, ok := link.(failingLink); ok {
		link = fl.Link
	}
	f.MockTransport.OnDisconnected(link, fn)
}

func TestShutdown_BestEffort(t *testing.T) {
	logger, hook := test.NewNullLogger()
	transport := &failingTransport{
		MockTransport: bt.NewMockTransport(logger, bt.DefaultMockPeripherals()...),
		failAddress:   cadence.Address,
	}
	reg := New(transport, logger)

	for _, d := range []sensor.Device{hrStrap, cadence, trainerPower} {
		_, err := reg.Acquire(context.Background(), d, nil)
		require.NoError(t, err)
	}

	err := reg.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), cadence.Address)

	assert.False(t, transport.Link(hrStrap.Address).IsConnected())
	assert.False(t, transport.Link(trainerPower.Address).IsConnected())
	assert.True(t, transport.Link(cadence.Address).IsConnected())

	var errorsLogged int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errorsLogged++
		}
	}
	assert.Equal(t, 1, errorsLogged)

	_, err = reg.Acquire(context.Background(), hrStrap, nil)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestShutdown_NothingConnected(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	assert.NoError(t, reg.Shutdown())
}
