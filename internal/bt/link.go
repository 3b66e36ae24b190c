package bt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// tinyLink is a Link over a tinygo bluetooth.Device
type tinyLink struct {
	address string
	logger  *logrus.Entry

	mu           sync.RWMutex
	device       *bluetooth.Device // nil once disconnected
	onDisconnect func(Link)

	bleMu                  sync.Mutex // serializes GATT operations
	serviceByUuid          *hashmap.Map[string, *bluetooth.DeviceService]
	characteristicByUuid   *hashmap.Map[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *hashmap.Map[string, bool]
	allServicesDiscovered  bool
}

var _ Link = (*tinyLink)(nil)

func newTinyLink(logger *logrus.Logger, address string, device *bluetooth.Device) *tinyLink {
	if logger == nil {
		panic("logger must be non nil")
	}
	return &tinyLink{
		address:                address,
		logger:                 logger.WithField("address", address),
		device:                 device,
		serviceByUuid:          hashmap.New[string, *bluetooth.DeviceService](),
		characteristicByUuid:   hashmap.New[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: hashmap.New[string, bool](),
	}
}

func (l *tinyLink) Address() string {
	return l.address
}

func (l *tinyLink) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.device != nil
}

func (l *tinyLink) connectedDevice() *bluetooth.Device {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.device
}

// markDisconnected drops the device and returns the disconnect handler, or
// nil when the link was already down.
func (l *tinyLink) markDisconnected() func(Link) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.device == nil {
		return nil
	}
	l.device = nil
	return l.onDisconnect
}

func (l *tinyLink) setDisconnectHandler(fn func(Link)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDisconnect = fn
}

func (l *tinyLink) StartNotify(serviceUuidStr string, characteristicUuidStr string, callback func(buf []byte)) error {
	if callback == nil {
		return errors.New("notification callback cannot be nil")
	}
	return l.setNotify(serviceUuidStr, characteristicUuidStr, callback)
}

func (l *tinyLink) StopNotify(serviceUuidStr string, characteristicUuidStr string) error {
	// a nil callback disables notifications
	return l.setNotify(serviceUuidStr, characteristicUuidStr, nil)
}

func (l *tinyLink) setNotify(serviceUuidStr string, characteristicUuidStr string, callback func(buf []byte)) error {
	l.bleMu.Lock()
	defer l.bleMu.Unlock()

	log := l.logger.WithField("characteristic", characteristicUuidStr)
	enable := callback != nil

	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	characteristicUuid, err := bluetooth.ParseUUID(characteristicUuidStr)
	if err != nil {
		return fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUuidStr, err)
	}

	characteristic, err := l.getDeviceCharacteristic(serviceUuid, characteristicUuid)
	if err != nil {
		log.WithError(err).Warn("Link: failed to get characteristic")
		return err
	}

	if err := characteristic.EnableNotifications(callback); err != nil {
		if enable {
			return fmt.Errorf("failed to enable notifications: %w", err)
		}
		return fmt.Errorf("failed to disable notifications: %w", err)
	}
	log.WithField("enabled", enable).Debug("Link: notifications updated")
	return nil
}

func (l *tinyLink) Disconnect() error {
	device := l.connectedDevice()
	if device == nil {
		return nil
	}
	l.logger.Info("Link: disconnecting")
	// the adapter's connect handler reports the completed disconnect
	return device.Disconnect()
}

func (l *tinyLink) getDeviceService(serviceUuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	device := l.connectedDevice()
	if device == nil {
		return nil, ErrNotConnected
	}

	serviceUuidStr := serviceUuid.String()
	if service, ok := l.serviceByUuid.Get(serviceUuidStr); ok {
		return service, nil
	}

	// Discover everything at once: discovering single services repeatedly
	// interrupts services that are already streaming
	if !l.allServicesDiscovered {
		l.logger.Debug("Link: discovering all services")
		deviceServices, err := device.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}
		for i := range deviceServices {
			svc := &deviceServices[i]
			l.serviceByUuid.Set(svc.UUID().String(), svc)
		}
		l.allServicesDiscovered = true
	}

	service, ok := l.serviceByUuid.Get(serviceUuidStr)
	if !ok {
		return nil, fmt.Errorf("service %v not found on device", serviceUuidStr)
	}
	return service, nil
}

func (l *tinyLink) getDeviceCharacteristic(serviceUuid bluetooth.UUID, charUuid bluetooth.UUID) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuidStr := serviceUuid.String()
	charUuidStr := charUuid.String()
	comboUuidStr := serviceUuidStr + "_" + charUuidStr

	if characteristic, ok := l.characteristicByUuid.Get(comboUuidStr); ok {
		return characteristic, nil
	}

	if discovered, _ := l.serviceCharsDiscovered.Get(serviceUuidStr); !discovered {
		service, err := l.getDeviceService(serviceUuid)
		if err != nil {
			return nil, err
		}

		l.logger.WithField("service", serviceUuidStr).Debug("Link: discovering characteristics")
		discovered, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceUuidStr, err)
		}
		for i := range discovered {
			char := &discovered[i]
			l.characteristicByUuid.Set(serviceUuidStr+"_"+char.UUID().String(), char)
		}
		l.serviceCharsDiscovered.Set(serviceUuidStr, true)
	}

	characteristic, ok := l.characteristicByUuid.Get(comboUuidStr)
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", charUuidStr, serviceUuidStr)
	}
	return characteristic, nil
}
