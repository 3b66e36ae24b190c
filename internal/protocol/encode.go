package protocol

const (
	fecSync          = 0xA4
	fecBroadcastData = 0x4E
)

// FECFrame wraps an 8 byte FE-C data page in the frame DecodeFEC expects,
// with a trailing XOR checksum.
func FECFrame(page []byte) []byte {
	frame := make([]byte, 0, fecHeaderSize+len(page)+1)
	frame = append(frame, fecSync, byte(len(page)+1), fecBroadcastData, 0x00)
	frame = append(frame, page...)
	var checksum byte
	for _, b := range frame {
		checksum ^= b
	}
	return append(frame, checksum)
}

// HeartRatePayload builds a Heart Rate Measurement with a UINT8 bpm value and
// sensor contact detected
func HeartRatePayload(bpm uint8) []byte {
	return []byte{hrFlagContactSupport | hrFlagContactStatus, bpm}
}

// CSCPayload builds a CSC Measurement carrying both wheel and crank data
func CSCPayload(wheelRevs uint32, wheelTime uint16, crankRevs uint16, crankTime uint16) []byte {
	return []byte{
		cscFlagWheelData | cscFlagCrankData,
		byte(wheelRevs), byte(wheelRevs >> 8), byte(wheelRevs >> 16), byte(wheelRevs >> 24),
		byte(wheelTime), byte(wheelTime >> 8),
		byte(crankRevs), byte(crankRevs >> 8),
		byte(crankTime), byte(crankTime >> 8),
	}
}

// PowerPayload builds a Cycling Power Measurement with no optional fields
func PowerPayload(watts int16) []byte {
	return []byte{0x00, 0x00, byte(uint16(watts)), byte(uint16(watts) >> 8)}
}

// GeneralDataPage builds FE-C page 0x10. elapsedQuarters is in 0.25 s units,
// speed in 0.001 m/s.
func GeneralDataPage(elapsedQuarters, distance uint8, speed uint16, heartRate uint8, feState byte) []byte {
	return []byte{PageGeneralData, 0x19, elapsedQuarters, distance, byte(speed), byte(speed >> 8), heartRate, 0x00, feState}
}

// GeneralSettingsPage builds FE-C page 0x11. incline is in 0.01 % units,
// resistance in 0.5 % units.
func GeneralSettingsPage(cycleLength uint8, incline int16, resistance uint8, feState byte) []byte {
	return []byte{PageGeneralSettings, 0xFF, 0xFF, cycleLength, byte(uint16(incline)), byte(uint16(incline) >> 8), resistance, 0x00, feState}
}

// SpecificTrainerDataPage builds FE-C page 0x19. power is a 12 bit value.
func SpecificTrainerDataPage(eventCount, cadence uint8, accumulatedPower uint16, power uint16) []byte {
	packed := (power & 0x0FFF) << 4
	return []byte{PageSpecificTrainerData, eventCount, cadence, byte(accumulatedPower), byte(accumulatedPower >> 8), byte(packed), byte(packed >> 8), 0x00}
}
