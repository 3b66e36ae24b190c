package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/sensorhud/internal/sensor"
)

func single[T sensor.Measurement](t *testing.T, got []sensor.Measurement) T {
	t.Helper()
	require.Len(t, got, 1)
	m, ok := got[0].(T)
	require.True(t, ok, "unexpected measurement type %T", got[0])
	return m
}

func TestDecoderFor(t *testing.T) {
	for _, kind := range sensor.AllKinds {
		dec, err := DecoderFor(kind)
		require.NoError(t, err, kind)
		assert.NotNil(t, dec)
	}
	_, err := DecoderFor(sensor.Kind("treadmill"))
	assert.Error(t, err)
}

func TestDecodePower(t *testing.T) {
	m := single[sensor.PowerMeasurement](t, DecodePower([]byte{0x20, 0x00, 0x64, 0x00}))
	assert.Equal(t, int16(100), m.Watts)

	m = single[sensor.PowerMeasurement](t, DecodePower(PowerPayload(-12)))
	assert.Equal(t, int16(-12), m.Watts)

	// optional fields after the power value are ignored
	m = single[sensor.PowerMeasurement](t, DecodePower([]byte{0x01, 0x00, 0xFA, 0x00, 0x55, 0x10, 0x20}))
	assert.Equal(t, int16(250), m.Watts)

	assert.Empty(t, DecodePower([]byte{0x00, 0x00, 0x64}))
	assert.Empty(t, DecodePower(nil))
}

func TestDecodeHeartRate(t *testing.T) {
	t.Run("uint8", func(t *testing.T) {
		m := single[sensor.HrMeasurement](t, DecodeHeartRate([]byte{0x00, 72}))
		assert.Equal(t, uint16(72), m.BPM)
		assert.Nil(t, m.SensorContact)
		assert.Nil(t, m.EnergyExpended)
		assert.Empty(t, m.RRIntervals)
	})

	t.Run("uint16 with contact", func(t *testing.T) {
		m := single[sensor.HrMeasurement](t, DecodeHeartRate([]byte{0x07, 0x2C, 0x01}))
		assert.Equal(t, uint16(300), m.BPM)
		require.NotNil(t, m.SensorContact)
		assert.True(t, *m.SensorContact)
	})

	t.Run("contact supported not detected", func(t *testing.T) {
		m := single[sensor.HrMeasurement](t, DecodeHeartRate([]byte{0x04, 60}))
		require.NotNil(t, m.SensorContact)
		assert.False(t, *m.SensorContact)
	})

	t.Run("energy and rr intervals", func(t *testing.T) {
		payload := []byte{0x18, 80, 0x10, 0x00, 0x00, 0x04, 0x00, 0x02}
		m := single[sensor.HrMeasurement](t, DecodeHeartRate(payload))
		assert.Equal(t, uint16(80), m.BPM)
		require.NotNil(t, m.EnergyExpended)
		assert.Equal(t, uint16(16), *m.EnergyExpended)
		assert.Equal(t, []float64{1.0, 0.5}, m.RRIntervals)
	})

	t.Run("payload helper", func(t *testing.T) {
		m := single[sensor.HrMeasurement](t, DecodeHeartRate(HeartRatePayload(141)))
		assert.Equal(t, uint16(141), m.BPM)
	})

	t.Run("short payloads", func(t *testing.T) {
		assert.Empty(t, DecodeHeartRate(nil))
		assert.Empty(t, DecodeHeartRate([]byte{0x00}))
		assert.Empty(t, DecodeHeartRate([]byte{0x01, 0x50}))
		assert.Empty(t, DecodeHeartRate([]byte{0x08, 0x50, 0x01}))
	})
}

func TestDecodeCSC(t *testing.T) {
	t.Run("wheel and crank", func(t *testing.T) {
		got := DecodeCSC(CSCPayload(70000, 2048, 300, 1024))
		require.Len(t, got, 2)
		assert.Equal(t, sensor.SpeedMeasurement{CumulativeWheelRevs: 70000, LastWheelEventTime: 2048}, got[0])
		assert.Equal(t, sensor.CadenceMeasurement{CumulativeCrankRevs: 300, LastCrankEventTime: 1024}, got[1])
	})

	t.Run("crank only", func(t *testing.T) {
		m := single[sensor.CadenceMeasurement](t, DecodeCSC([]byte{0x02, 0x0A, 0x00, 0x00, 0x08}))
		assert.Equal(t, uint16(10), m.CumulativeCrankRevs)
		assert.Equal(t, uint16(2048), m.LastCrankEventTime)
	})

	t.Run("wheel only", func(t *testing.T) {
		m := single[sensor.SpeedMeasurement](t, DecodeCSC([]byte{0x01, 0x01, 0x00, 0x00, 0x00, 0x00, 0x04}))
		assert.Equal(t, uint32(1), m.CumulativeWheelRevs)
		assert.Equal(t, uint16(1024), m.LastWheelEventTime)
	})

	t.Run("no data", func(t *testing.T) {
		assert.Empty(t, DecodeCSC([]byte{0x00}))
		assert.Empty(t, DecodeCSC(nil))
	})

	t.Run("truncated", func(t *testing.T) {
		assert.Empty(t, DecodeCSC([]byte{0x03, 0x01, 0x00, 0x00, 0x00, 0x00, 0x04, 0x01}))
		assert.Empty(t, DecodeCSC([]byte{0x01, 0x01, 0x00}))
	})
}

func TestDecodeFEState(t *testing.T) {
	tests := []struct {
		in    byte
		state sensor.FEState
		lap   bool
	}{
		{0x01, sensor.FEStateAsleep, false},
		{0x02, sensor.FEStateReady, false},
		{0x03, sensor.FEStateInUse, false},
		{0x04, sensor.FEStateFinished, false},
		{0x0B, sensor.FEStateInUse, true},
		{0x00, sensor.FEStateUnknown, false},
		{0x0F, sensor.FEStateUnknown, true},
		{0x35, sensor.FEStateUnknown, false},
	}
	for _, tt := range tests {
		state, lap := DecodeFEState(tt.in)
		assert.Equal(t, tt.state, state, "byte 0x%02x", tt.in)
		assert.Equal(t, tt.lap, lap, "byte 0x%02x", tt.in)
	}
}

func TestDecodeFEC_GeneralData(t *testing.T) {
	page := []byte{0x10, 0x00, 0x04, 0x32, 0xFF, 0xFF, 0xFF, 0x00, 0x02}
	m := single[sensor.GeneralData](t, DecodeFEC(FECFrame(page)))

	assert.Equal(t, time.Second, m.ElapsedTime)
	assert.Equal(t, uint8(50), m.Distance)
	assert.Nil(t, m.Speed)
	assert.Nil(t, m.HeartRate)
	assert.Equal(t, sensor.FEStateReady, m.FEState)
	assert.False(t, m.LapToggle)

	m = single[sensor.GeneralData](t, DecodeFEC(FECFrame(GeneralDataPage(10, 7, 8330, 142, 0x0B))))
	assert.Equal(t, 2500*time.Millisecond, m.ElapsedTime)
	require.NotNil(t, m.Speed)
	assert.InDelta(t, 8.33, *m.Speed, 1e-9)
	require.NotNil(t, m.HeartRate)
	assert.Equal(t, uint8(142), *m.HeartRate)
	assert.Equal(t, sensor.FEStateInUse, m.FEState)
	assert.True(t, m.LapToggle)
}

func TestDecodeFEC_GeneralSettings(t *testing.T) {
	m := single[sensor.GeneralSettings](t, DecodeFEC(FECFrame(GeneralSettingsPage(210, 250, 40, 0x03))))
	assert.Equal(t, uint8(210), m.CycleLength)
	require.NotNil(t, m.Incline)
	assert.InDelta(t, 2.5, *m.Incline, 1e-9)
	assert.Equal(t, 20.0, m.Resistance)
	assert.Equal(t, sensor.FEStateInUse, m.FEState)

	m = single[sensor.GeneralSettings](t, DecodeFEC(FECFrame(GeneralSettingsPage(210, -10000, 0, 0x02))))
	require.NotNil(t, m.Incline)
	assert.InDelta(t, -100.0, *m.Incline, 1e-9)

	for _, raw := range []int16{10001, -10001, 0x7FFF} {
		m = single[sensor.GeneralSettings](t, DecodeFEC(FECFrame(GeneralSettingsPage(0, raw, 0, 0x02))))
		assert.Nil(t, m.Incline, "raw incline %d", raw)
	}
}

func TestDecodeFEC_SpecificTrainerData(t *testing.T) {
	m := single[sensor.SpecificTrainerData](t, DecodeFEC(FECFrame(SpecificTrainerDataPage(9, 88, 5000, 215))))
	assert.Equal(t, uint8(9), m.UpdateEventCount)
	require.NotNil(t, m.Cadence)
	assert.Equal(t, uint8(88), *m.Cadence)
	require.NotNil(t, m.Power)
	assert.Equal(t, uint16(215), *m.Power)
	require.NotNil(t, m.AccumulatedPower)
	assert.Equal(t, uint16(5000), *m.AccumulatedPower)

	m = single[sensor.SpecificTrainerData](t, DecodeFEC(FECFrame(SpecificTrainerDataPage(1, 0xFF, 5000, 0xFFF))))
	assert.Nil(t, m.Cadence)
	assert.Nil(t, m.Power)
	assert.Nil(t, m.AccumulatedPower)
}

func TestDecodeFEC_Ignored(t *testing.T) {
	// unknown page type
	assert.Empty(t, DecodeFEC(FECFrame([]byte{0x50, 0xFF, 0xFF, 0x01, 0x0F, 0x00, 0x85, 0x83})))
	// header only
	assert.Empty(t, DecodeFEC([]byte{0xA4, 0x09, 0x4E}))
	// length byte larger than the frame
	assert.Empty(t, DecodeFEC([]byte{0xA4, 0x20, 0x4E, 0x00, 0x10, 0x00}))
	// page too short for its type
	assert.Empty(t, DecodeFEC(FECFrame([]byte{0x10, 0x00, 0x04})))
	assert.Empty(t, DecodeFEC(FECFrame([]byte{0x19, 0x00, 0x04, 0x00})))
	assert.Empty(t, DecodeFEC(nil))
}

func TestFECMessage(t *testing.T) {
	page := GeneralDataPage(4, 50, 0xFFFF, 0xFF, 0x02)
	frame := FECFrame(page)
	assert.Equal(t, byte(len(page)+1), frame[1])

	msg, ok := FECMessage(frame)
	require.True(t, ok)
	assert.Equal(t, page, msg)
}
