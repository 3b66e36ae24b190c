package protocol

import (
	"time"

	"github.com/lowaak/sensorhud/internal/sensor"
)

// FE-C data page numbers
const (
	PageGeneralData         = 0x10
	PageGeneralSettings     = 0x11
	PageSpecificTrainerData = 0x19
)

const (
	fecHeaderSize = 4

	speedUnknown     = 0xFFFF
	heartRateUnknown = 0xFF
	cadenceUnknown   = 0xFF
	powerUnknown     = 0xFFF

	inclineLimit = 100.0
)

// DecodeFEC unwraps an ANT+ FE-C message tunnelled in a BLE notification and
// decodes its data page. The frame is [sync, length, type, channel, page...];
// the length byte counts the page bytes plus the channel byte.
func DecodeFEC(raw []byte) []sensor.Measurement {
	message, ok := FECMessage(raw)
	if !ok {
		return nil
	}
	var m sensor.Measurement
	switch message[0] {
	case PageGeneralData:
		m, ok = decodeGeneralData(message)
	case PageGeneralSettings:
		m, ok = decodeGeneralSettings(message)
	case PageSpecificTrainerData:
		m, ok = decodeSpecificTrainerData(message)
	default:
		ok = false
	}
	if !ok {
		return nil
	}
	return []sensor.Measurement{m}
}

// FECMessage extracts the data page carried by a raw FE-C frame
func FECMessage(raw []byte) ([]byte, bool) {
	if len(raw) < fecHeaderSize {
		return nil, false
	}
	payloadSize := int(raw[1])
	end := fecHeaderSize + payloadSize - 1
	if payloadSize < 2 || end > len(raw) {
		return nil, false
	}
	return raw[fecHeaderSize:end], true
}

// DecodeFEState splits an FE state byte into the state and the lap toggle bit
func DecodeFEState(b byte) (sensor.FEState, bool) {
	lapToggle := b&0x8 != 0
	switch b & 0x7 {
	case 1:
		return sensor.FEStateAsleep, lapToggle
	case 2:
		return sensor.FEStateReady, lapToggle
	case 3:
		return sensor.FEStateInUse, lapToggle
	case 4:
		return sensor.FEStateFinished, lapToggle
	default:
		return sensor.FEStateUnknown, lapToggle
	}
}

func decodeGeneralData(msg []byte) (sensor.Measurement, bool) {
	if len(msg) < 9 {
		return nil, false
	}
	d := sensor.GeneralData{
		ElapsedTime: time.Duration(msg[2]) * 250 * time.Millisecond,
		Distance:    msg[3],
	}
	if raw := u16(msg, 4); raw != speedUnknown {
		speed := float64(raw) * 0.001
		d.Speed = &speed
	}
	if msg[6] != heartRateUnknown {
		hr := msg[6]
		d.HeartRate = &hr
	}
	d.FEState, d.LapToggle = DecodeFEState(msg[8])
	return d, true
}

func decodeGeneralSettings(msg []byte) (sensor.Measurement, bool) {
	if len(msg) < 9 {
		return nil, false
	}
	s := sensor.GeneralSettings{
		CycleLength: msg[3],
		Resistance:  float64(msg[6]) * 0.5,
	}
	incline := float64(i16(msg, 4)) * 0.01
	if incline >= -inclineLimit && incline <= inclineLimit {
		s.Incline = &incline
	}
	s.FEState, s.LapToggle = DecodeFEState(msg[8])
	return s, true
}

func decodeSpecificTrainerData(msg []byte) (sensor.Measurement, bool) {
	if len(msg) < 7 {
		return nil, false
	}
	d := sensor.SpecificTrainerData{
		UpdateEventCount: msg[1],
	}
	if msg[2] != cadenceUnknown {
		cadence := msg[2]
		d.Cadence = &cadence
	}
	// 12 bit instantaneous power in the upper bits of bytes 5-6
	if power := u16(msg, 5) >> 4; power != powerUnknown {
		accumulated := u16(msg, 3)
		d.Power = &power
		d.AccumulatedPower = &accumulated
	}
	return d, true
}
