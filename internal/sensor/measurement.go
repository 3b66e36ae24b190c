package sensor

import (
	"fmt"
	"time"
)

// Measurement is a decoded sensor reading. The set of implementations is
// closed to this package.
type Measurement interface {
	Kind() Kind
	isMeasurement()
}

// MeasurementEvent pairs a measurement with the device that produced it
type MeasurementEvent struct {
	Device      Device
	Measurement Measurement
	ReceivedAt  time.Time
}

// HrMeasurement is a heart rate measurement characteristic value
type HrMeasurement struct {
	BPM uint16
	// SensorContact is nil when the sensor does not support contact detection
	SensorContact  *bool
	EnergyExpended *uint16   // kJ
	RRIntervals    []float64 // seconds
}

// SpeedMeasurement carries the wheel revolution data of a CSC notification
type SpeedMeasurement struct {
	CumulativeWheelRevs uint32
	LastWheelEventTime  uint16 // 1/1024 s
}

// CadenceMeasurement carries the crank revolution data of a CSC notification
type CadenceMeasurement struct {
	CumulativeCrankRevs uint16
	LastCrankEventTime  uint16 // 1/1024 s
}

// PowerMeasurement is the instantaneous power of a cycling power notification
type PowerMeasurement struct {
	Watts int16
}

// FEState is the fitness equipment state reported by FE-C pages
type FEState int

const (
	FEStateUnknown FEState = iota
	FEStateAsleep
	FEStateReady
	FEStateInUse
	FEStateFinished
)

func (s FEState) String() string {
	switch s {
	case FEStateAsleep:
		return "ASLEEP"
	case FEStateReady:
		return "READY"
	case FEStateInUse:
		return "IN_USE"
	case FEStateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// GeneralData is FE-C page 0x10
type GeneralData struct {
	ElapsedTime time.Duration
	Distance    uint8    // metres, rolls over at 256
	Speed       *float64 // m/s
	HeartRate   *uint8
	FEState     FEState
	LapToggle   bool
}

// GeneralSettings is FE-C page 0x11
type GeneralSettings struct {
	CycleLength uint8    // 0.01 m units
	Incline     *float64 // percent, [-100, 100]
	Resistance  float64  // percent of maximum
	FEState     FEState
	LapToggle   bool
}

// SpecificTrainerData is FE-C page 0x19
type SpecificTrainerData struct {
	UpdateEventCount uint8
	Cadence          *uint8  // rpm
	Power            *uint16 // watts
	AccumulatedPower *uint16 // watts, rolls over at 65536
}

func (HrMeasurement) Kind() Kind       { return KindHeartRate }
func (SpeedMeasurement) Kind() Kind    { return KindCadenceSpeed }
func (CadenceMeasurement) Kind() Kind  { return KindCadenceSpeed }
func (PowerMeasurement) Kind() Kind    { return KindPower }
func (GeneralData) Kind() Kind         { return KindLegacyTrainer }
func (GeneralSettings) Kind() Kind     { return KindLegacyTrainer }
func (SpecificTrainerData) Kind() Kind { return KindLegacyTrainer }

func (HrMeasurement) isMeasurement()       {}
func (SpeedMeasurement) isMeasurement()    {}
func (CadenceMeasurement) isMeasurement()  {}
func (PowerMeasurement) isMeasurement()    {}
func (GeneralData) isMeasurement()         {}
func (GeneralSettings) isMeasurement()     {}
func (SpecificTrainerData) isMeasurement() {}

// Describe renders a measurement as a short log-friendly string
func Describe(m Measurement) string {
	switch v := m.(type) {
	case HrMeasurement:
		return fmt.Sprintf("hr=%d bpm", v.BPM)
	case SpeedMeasurement:
		return fmt.Sprintf("wheel revs=%d t=%d", v.CumulativeWheelRevs, v.LastWheelEventTime)
	case CadenceMeasurement:
		return fmt.Sprintf("crank revs=%d t=%d", v.CumulativeCrankRevs, v.LastCrankEventTime)
	case PowerMeasurement:
		return fmt.Sprintf("power=%d W", v.Watts)
	case GeneralData:
		return fmt.Sprintf("general data elapsed=%v distance=%d state=%s", v.ElapsedTime, v.Distance, v.FEState)
	case GeneralSettings:
		return fmt.Sprintf("general settings resistance=%.1f%% state=%s", v.Resistance, v.FEState)
	case SpecificTrainerData:
		return fmt.Sprintf("trainer data event=%d", v.UpdateEventCount)
	default:
		return fmt.Sprintf("%T", m)
	}
}
