package sensor

import (
	"fmt"
	"strings"
)

// Bluetooth Service and Characteristic UUIDs for the supported sensor kinds
const (
	// Heart Rate Service
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"

	// Cycling Speed and Cadence Service (CSC)
	ServiceUUIDCyclingSpeedCadence = "00001816-0000-1000-8000-00805f9b34fb"
	CharUUIDCSCMeasurement         = "00002a5b-0000-1000-8000-00805f9b34fb"

	// Cycling Power Service
	ServiceUUIDCyclingPower         = "00001818-0000-1000-8000-00805f9b34fb"
	CharUUIDCyclingPowerMeasurement = "00002a63-0000-1000-8000-00805f9b34fb"

	// ANT+ FE-C tunnelled over a Nordic UART style BLE service
	ServiceUUIDLegacyTrainer = "6e40fec1-b5a3-f393-e0a9-e50e24dcca9e"
	CharUUIDLegacyTrainerFEC = "6e40fec2-b5a3-f393-e0a9-e50e24dcca9e"
)

// Kind identifies one of the supported sensor kinds
type Kind string

const (
	KindHeartRate     Kind = "heart_rate"
	KindCadenceSpeed  Kind = "cadence_speed"
	KindPower         Kind = "power"
	KindLegacyTrainer Kind = "legacy_trainer"
)

// AllKinds lists every supported sensor kind in display order
var AllKinds = []Kind{KindHeartRate, KindCadenceSpeed, KindPower, KindLegacyTrainer}

// ParseKind returns the Kind for its string form
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown sensor kind %q", s)
}

// DisplayName returns a human readable name for the kind
func (k Kind) DisplayName() string {
	switch k {
	case KindHeartRate:
		return "Heart Rate Monitor"
	case KindCadenceSpeed:
		return "Cadence & Speed Sensor"
	case KindPower:
		return "Power Meter"
	case KindLegacyTrainer:
		return "Bike Trainer (FE-C over Bluetooth)"
	default:
		return "Unknown"
	}
}

// ServiceDescriptor binds a sensor kind to the GATT service advertised by the
// sensor and the characteristic that carries its measurement notifications.
type ServiceDescriptor struct {
	Kind               Kind
	ServiceUUID        string
	CharacteristicUUID string
}

// Default service descriptors
var (
	ServiceHeartRate = ServiceDescriptor{
		Kind:               KindHeartRate,
		ServiceUUID:        ServiceUUIDHeartRate,
		CharacteristicUUID: CharUUIDHeartRateMeasurement,
	}
	ServiceCadenceSpeed = ServiceDescriptor{
		Kind:               KindCadenceSpeed,
		ServiceUUID:        ServiceUUIDCyclingSpeedCadence,
		CharacteristicUUID: CharUUIDCSCMeasurement,
	}
	ServicePower = ServiceDescriptor{
		Kind:               KindPower,
		ServiceUUID:        ServiceUUIDCyclingPower,
		CharacteristicUUID: CharUUIDCyclingPowerMeasurement,
	}
	ServiceLegacyTrainer = ServiceDescriptor{
		Kind:               KindLegacyTrainer,
		ServiceUUID:        ServiceUUIDLegacyTrainer,
		CharacteristicUUID: CharUUIDLegacyTrainerFEC,
	}
)

// ServiceTable is the immutable set of supported services, one per kind.
type ServiceTable struct {
	services []ServiceDescriptor
}

// DefaultServiceTable returns the table of built-in service descriptors
func DefaultServiceTable() ServiceTable {
	table, _ := NewServiceTable(ServiceHeartRate, ServiceCadenceSpeed, ServicePower, ServiceLegacyTrainer)
	return table
}

// NewServiceTable builds a table from descriptors. UUIDs are normalized to lower
// case. Every kind may appear at most once and every UUID must be non-empty.
func NewServiceTable(descriptors ...ServiceDescriptor) (ServiceTable, error) {
	seen := make(map[Kind]bool)
	services := make([]ServiceDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if _, err := ParseKind(string(d.Kind)); err != nil {
			return ServiceTable{}, err
		}
		if seen[d.Kind] {
			return ServiceTable{}, fmt.Errorf("duplicate service descriptor for %s", d.Kind)
		}
		if d.ServiceUUID == "" || d.CharacteristicUUID == "" {
			return ServiceTable{}, fmt.Errorf("service descriptor for %s has an empty UUID", d.Kind)
		}
		seen[d.Kind] = true
		d.ServiceUUID = NormalizeUUID(d.ServiceUUID)
		d.CharacteristicUUID = NormalizeUUID(d.CharacteristicUUID)
		services = append(services, d)
	}
	return ServiceTable{services: services}, nil
}

// Services returns a copy of the descriptors in table order
func (t ServiceTable) Services() []ServiceDescriptor {
	result := make([]ServiceDescriptor, len(t.services))
	copy(result, t.services)
	return result
}

// ByKind returns the descriptor configured for kind
func (t ServiceTable) ByKind(kind Kind) (ServiceDescriptor, bool) {
	for _, d := range t.services {
		if d.Kind == kind {
			return d, true
		}
	}
	return ServiceDescriptor{}, false
}

// ByServiceUUID returns the descriptor whose service UUID matches
func (t ServiceTable) ByServiceUUID(serviceUUID string) (ServiceDescriptor, bool) {
	serviceUUID = NormalizeUUID(serviceUUID)
	for _, d := range t.services {
		if d.ServiceUUID == serviceUUID {
			return d, true
		}
	}
	return ServiceDescriptor{}, false
}

// ServiceUUIDs returns the service UUIDs of the table, used as a scan filter
func (t ServiceTable) ServiceUUIDs() []string {
	result := make([]string, 0, len(t.services))
	for _, d := range t.services {
		result = append(result, d.ServiceUUID)
	}
	return result
}

// NormalizeUUID lower-cases and trims a UUID string so that advertisements
// and configured UUIDs compare equal.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.TrimSpace(uuid))
}
