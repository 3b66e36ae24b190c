package protocol

import (
	"github.com/lowaak/sensorhud/internal/sensor"
)

// Heart Rate Measurement flag bits
const (
	hrFlagUint16         = 1 << 0
	hrFlagContactStatus  = 1 << 1 // contact detected
	hrFlagContactSupport = 1 << 2
	hrFlagEnergyExpended = 1 << 3
	hrFlagRRInterval     = 1 << 4
)

// CSC Measurement flag bits
const (
	cscFlagWheelData = 1 << 0
	cscFlagCrankData = 1 << 1
)

// DecodeHeartRate parses the Heart Rate Measurement characteristic
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
func DecodeHeartRate(buf []byte) []sensor.Measurement {
	if len(buf) < 2 {
		return nil
	}
	flags := buf[0]
	offset := 1

	var m sensor.HrMeasurement
	if flags&hrFlagUint16 != 0 {
		if len(buf) < offset+2 {
			return nil
		}
		m.BPM = u16(buf, offset)
		offset += 2
	} else {
		m.BPM = uint16(buf[offset])
		offset++
	}

	if flags&hrFlagContactSupport != 0 {
		contact := flags&hrFlagContactStatus != 0
		m.SensorContact = &contact
	}

	if flags&hrFlagEnergyExpended != 0 {
		if len(buf) < offset+2 {
			return nil
		}
		energy := u16(buf, offset)
		m.EnergyExpended = &energy
		offset += 2
	}

	if flags&hrFlagRRInterval != 0 {
		// RR intervals fill the rest of the payload, 1/1024 s each
		for ; offset+2 <= len(buf); offset += 2 {
			m.RRIntervals = append(m.RRIntervals, float64(u16(buf, offset))/1024.0)
		}
	}

	return []sensor.Measurement{m}
}

// DecodeCSC parses the CSC Measurement characteristic. A notification carrying
// both wheel and crank data yields a speed and a cadence measurement.
// See: https://www.bluetooth.com/specifications/specs/cycling-speed-and-cadence-service-1-0/
func DecodeCSC(buf []byte) []sensor.Measurement {
	if len(buf) < 1 {
		return nil
	}
	flags := buf[0]
	offset := 1

	var result []sensor.Measurement
	if flags&cscFlagWheelData != 0 {
		// UINT32 cumulative wheel revolutions + UINT16 last wheel event time
		if len(buf) < offset+6 {
			return nil
		}
		result = append(result, sensor.SpeedMeasurement{
			CumulativeWheelRevs: u32(buf, offset),
			LastWheelEventTime:  u16(buf, offset+4),
		})
		offset += 6
	}

	if flags&cscFlagCrankData != 0 {
		// UINT16 cumulative crank revolutions + UINT16 last crank event time
		if len(buf) < offset+4 {
			return nil
		}
		result = append(result, sensor.CadenceMeasurement{
			CumulativeCrankRevs: u16(buf, offset),
			LastCrankEventTime:  u16(buf, offset+2),
		})
	}

	return result
}

// DecodePower reads the instantaneous power of a Cycling Power Measurement.
// Known limitation: the flags field is not consulted, the SINT16 at bytes 2-3
// is always taken as watts.
func DecodePower(buf []byte) []sensor.Measurement {
	if len(buf) < 4 {
		return nil
	}
	return []sensor.Measurement{sensor.PowerMeasurement{Watts: i16(buf, 2)}}
}
