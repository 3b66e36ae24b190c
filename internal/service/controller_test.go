package service

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/sensorhud/internal/bt"
	"github.com/lowaak/sensorhud/internal/connection"
	"github.com/lowaak/sensorhud/internal/sensor"
	"github.com/lowaak/sensorhud/internal/telemetry"
)

func newTestController(t *testing.T) (*Controller, *bt.MockTransport, *sensor.Notifications) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	transport := bt.NewMockTransport(logger, bt.DefaultMockPeripherals()...)
	notifications := sensor.NewNotifications()
	c, err := NewController(ControllerConfig{
		Transport:     transport,
		Table:         sensor.DefaultServiceTable(),
		Model:         telemetry.NewModel(logger, telemetry.Options{}),
		Notifications: notifications,
		Logger:        logger,
		PoolSize:      4,
		Scan:          ScanOptions{Rounds: 3, Window: time.Millisecond},
		Connection:    connection.Options{Backoff: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })
	return c, transport, notifications
}

func TestController_ScanPublishesEachDeviceOnce(t *testing.T) {
	c, transport, notifications := newTestController(t)

	var discovered []sensor.Device
	notifications.DeviceDiscovered.Listen(func(d sensor.Device) {
		discovered = append(discovered, d)
	})

	done := make(chan struct{})
	require.NoError(t, c.StartScan(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scan did not finish")
	}

	assert.Equal(t, 3, transport.DiscoverCalls())
	assert.False(t, c.IsScanning())
	assert.Equal(t, []sensor.Device{hrStrap, cadence, trainerPower, trainerFEC}, c.Devices())
	assert.Equal(t, c.Devices(), discovered)
}

func TestController_OneScanAtATime(t *testing.T) {
	c, transport, _ := newTestController(t)
	transport.SetDiscoverDelay(20 * time.Millisecond)
	c.scanOpts.Window = time.Second

	done := make(chan struct{})
	require.NoError(t, c.StartScan(func() { close(done) }))
	assert.True(t, c.IsScanning())
	assert.ErrorIs(t, c.StartScan(nil), ErrScanInProgress)

	<-done
	assert.Equal(t, 3, transport.DiscoverCalls())
}

func TestController_SetDeviceRoutesByKind(t *testing.T) {
	c, transport, _ := newTestController(t)

	c.SetDevice(trainerPower)
	c.SetDevice(trainerFEC)
	c.SetDevice(hrStrap)

	for _, tc := range []struct {
		kind   sensor.Kind
		device sensor.Device
	}{
		{sensor.KindPower, trainerPower},
		{sensor.KindLegacyTrainer, trainerFEC},
		{sensor.KindHeartRate, hrStrap},
	} {
		m, ok := c.Manager(tc.kind)
		require.True(t, ok)
		require.Eventually(t, func() bool {
			tasks := m.Tasks()
			return len(tasks) == 1 && tasks[0].State == connection.StateStreaming
		}, time.Second, time.Millisecond, "kind %s", tc.kind)
		assert.Equal(t, tc.device, m.Tasks()[0].Device)
	}

	m, _ := c.Manager(sensor.KindCadenceSpeed)
	assert.Empty(t, m.Tasks())
	assert.Equal(t, 1, transport.ConnectCalls(trainerPower.Address))

	_, ok := c.Manager(sensor.Kind("treadmill"))
	assert.False(t, ok)
}

func TestController_StopUnsubscribesEveryManager(t *testing.T) {
	c, transport, _ := newTestController(t)
	c.SetDevice(trainerPower)
	c.SetDevice(trainerFEC)

	legacy, _ := c.Manager(sensor.KindLegacyTrainer)
	require.Eventually(t, func() bool {
		tasks := legacy.Tasks()
		return len(tasks) == 1 && tasks[0].State == connection.StateStreaming
	}, time.Second, time.Millisecond)

	c.Stop()

	for _, kind := range []sensor.Kind{sensor.KindPower, sensor.KindLegacyTrainer} {
		m, _ := c.Manager(kind)
		for _, task := range m.Tasks() {
			assert.False(t, task.Active, "kind %s", kind)
		}
	}
	// stopping keeps the shared connection
	assert.True(t, transport.Link(trainerPower.Address).IsConnected())
}

func TestController_ShutdownDisconnects(t *testing.T) {
	c, transport, _ := newTestController(t)
	c.SetDevice(hrStrap)
	hr, _ := c.Manager(sensor.KindHeartRate)
	require.Eventually(t, func() bool {
		tasks := hr.Tasks()
		return len(tasks) == 1 && tasks[0].State == connection.StateStreaming
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown())

	assert.False(t, transport.Link(hrStrap.Address).IsConnected())
	assert.Error(t, c.StartScan(nil))
	// no replacement after shutdown
	assert.Equal(t, 1, transport.ConnectCalls(hrStrap.Address))
}
