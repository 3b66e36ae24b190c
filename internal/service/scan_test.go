package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/sensorhud/internal/bt"
	"github.com/lowaak/sensorhud/internal/sensor"
)

func TestScanTask_RunsFixedRounds(t *testing.T) {
	logger, _ := test.NewNullLogger()
	transport := bt.NewMockTransport(logger, bt.DefaultMockPeripherals()...)
	transport.AddPeripheral(bt.MockPeripheral{Name: "Speaker", Address: "E0:00:00:00:00:09", ServiceUUIDs: []string{"0000110b-0000-1000-8000-00805f9b34fb"}})

	var published []sensor.Device
	scan := NewScanTask(transport, sensor.DefaultServiceTable(), func(d sensor.Device) {
		published = append(published, d)
	}, logger, ScanOptions{Rounds: 5, Window: time.Millisecond})

	require.NoError(t, scan.Run(context.Background()))
	assert.Equal(t, 5, transport.DiscoverCalls())

	// one device per supported service, every round, no de-duplication
	require.Len(t, published, 20)
	assert.Equal(t, sensor.Device{Name: "HR strap", Address: "D0:00:00:00:00:01", Service: sensor.ServiceHeartRate}, published[0])
	assert.Equal(t, sensor.ServicePower, published[2].Service)
	assert.Equal(t, sensor.ServiceLegacyTrainer, published[3].Service)
	for _, d := range published {
		assert.NotEqual(t, "Speaker", d.Name)
	}

	// nothing after the last round
	assert.Equal(t, 5, transport.DiscoverCalls())
}

func TestScanTask_MatchesUUIDsCaseInsensitively(t *testing.T) {
	logger, _ := test.NewNullLogger()
	transport := bt.NewMockTransport(logger, bt.MockPeripheral{
		Name:         "Watch",
		Address:      "D0:00:00:00:00:0A",
		ServiceUUIDs: []string{strings.ToUpper(sensor.ServiceUUIDHeartRate), sensor.ServiceUUIDHeartRate},
	})

	var published []sensor.Device
	scan := NewScanTask(transport, sensor.DefaultServiceTable(), func(d sensor.Device) {
		published = append(published, d)
	}, logger, ScanOptions{Rounds: 1, Window: time.Millisecond})

	require.NoError(t, scan.Run(context.Background()))
	require.Len(t, published, 1)
	assert.Equal(t, sensor.KindHeartRate, published[0].Kind())
}

func TestScanTask_CustomTable(t *testing.T) {
	logger, _ := test.NewNullLogger()
	transport := bt.NewMockTransport(logger, bt.DefaultMockPeripherals()...)
	table, err := sensor.NewServiceTable(sensor.ServiceHeartRate)
	require.NoError(t, err)

	var published []sensor.Device
	scan := NewScanTask(transport, table, func(d sensor.Device) {
		published = append(published, d)
	}, logger, ScanOptions{Rounds: 2, Window: time.Millisecond})

	require.NoError(t, scan.Run(context.Background()))
	require.Len(t, published, 2)
	for _, d := range published {
		assert.Equal(t, "HR strap", d.Name)
	}
}

func TestScanTask_Cancelled(t *testing.T) {
	logger, _ := test.NewNullLogger()
	transport := bt.NewMockTransport(logger, bt.DefaultMockPeripherals()...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	scan := NewScanTask(transport, sensor.DefaultServiceTable(), func(sensor.Device) {
		t.Fatal("nothing should be published")
	}, logger, ScanOptions{})

	assert.ErrorIs(t, scan.Run(ctx), context.Canceled)
	assert.Equal(t, 0, transport.DiscoverCalls())
}

func TestScanTask_Defaults(t *testing.T) {
	logger, _ := test.NewNullLogger()
	transport := bt.NewMockTransport(logger)
	scan := NewScanTask(transport, sensor.DefaultServiceTable(), func(sensor.Device) {}, logger, ScanOptions{})
	assert.Equal(t, 5, scan.opts.Rounds)
	assert.Equal(t, 5*time.Second, scan.opts.Window)
}
