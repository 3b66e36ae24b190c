// Package protocol decodes raw notification payloads into typed measurements.
//
// Every decoder is total: a short, malformed or unrecognised payload yields no
// measurements rather than an error, and sentinel field values decode to nil
// optional fields.
package protocol

import (
	"fmt"

	"github.com/lowaak/sensorhud/internal/sensor"
)

// Decoder maps one notification payload to zero or more measurements
type Decoder func(payload []byte) []sensor.Measurement

// DecoderFor returns the decoder for a sensor kind
func DecoderFor(kind sensor.Kind) (Decoder, error) {
	switch kind {
	case sensor.KindHeartRate:
		return DecodeHeartRate, nil
	case sensor.KindCadenceSpeed:
		return DecodeCSC, nil
	case sensor.KindPower:
		return DecodePower, nil
	case sensor.KindLegacyTrainer:
		return DecodeFEC, nil
	default:
		return nil, fmt.Errorf("no decoder for sensor kind %q", kind)
	}
}

func u16(buf []byte, offset int) uint16 {
	return uint16(buf[offset]) | (uint16(buf[offset+1]) << 8)
}

func i16(buf []byte, offset int) int16 {
	return int16(u16(buf, offset))
}

func u32(buf []byte, offset int) uint32 {
	return uint32(buf[offset]) |
		uint32(buf[offset+1])<<8 |
		uint32(buf[offset+2])<<16 |
		uint32(buf[offset+3])<<24
}
