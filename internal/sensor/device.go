package sensor

import (
	"fmt"

	"github.com/lowaak/sensorhud/internal/events"
)

// Device is a sensor discovered by a scan. The address is the identity key of
// the physical peripheral; a peripheral exposing several supported services is
// reported as one Device per service. Devices compare equal with == when name,
// address and service all match.
type Device struct {
	Name    string
	Address string
	Service ServiceDescriptor
}

// Kind returns the sensor kind of the device's service
func (d Device) Kind() Kind {
	return d.Service.Kind
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%s", d.Name, d.Address)
}

// Notifications is the event channel consumed by the display layer
type Notifications struct {
	DeviceDiscovered   *events.CallbackEvent[Device]
	MeasurementUpdated *events.CallbackEvent[MeasurementEvent]
}

// NewNotifications creates empty device-discovered and measurement-updated channels
func NewNotifications() *Notifications {
	return &Notifications{
		DeviceDiscovered:   events.NewCallbackEvent[Device](false),
		MeasurementUpdated: events.NewCallbackEvent[MeasurementEvent](false),
	}
}
