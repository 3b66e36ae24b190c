package registry

import (
	"sync"

	"github.com/lowaak/sensorhud/internal/bt"
)

// Handle is the shared connection to one device address
type Handle struct {
	address string

	connectMu sync.Mutex

	mu   sync.RWMutex
	link bt.Link

	listenersMu sync.Mutex
	listeners   []DisconnectListener
}

func newHandle(address string) *Handle {
	return &Handle{address: address}
}

func (h *Handle) Address() string {
	return h.address
}

// Link returns the most recent link, which may no longer be connected
func (h *Handle) Link() bt.Link {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.link
}

func (h *Handle) setLink(link bt.Link) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.link = link
}

func (h *Handle) IsConnected() bool {
	link := h.Link()
	return link != nil && link.IsConnected()
}

// Disconnect closes the current link. It is a no-op when not connected.
func (h *Handle) Disconnect() error {
	link := h.Link()
	if link == nil || !link.IsConnected() {
		return nil
	}
	return link.Disconnect()
}

// addListener registers l once; registering the same listener again is a no-op
func (h *Handle) addListener(l DisconnectListener) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	for _, existing := range h.listeners {
		if existing == l {
			return
		}
	}
	h.listeners = append(h.listeners, l)
}

// Listeners returns the registered disconnect listeners in registration order
func (h *Handle) Listeners() []DisconnectListener {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	result := make([]DisconnectListener, len(h.listeners))
	copy(result, h.listeners)
	return result
}

// Subscribe starts notifications on the current link. The returned
// Subscription stays bound to that link.
func (h *Handle) Subscribe(serviceUUID, characteristicUUID string, callback func(buf []byte)) (*Subscription, error) {
	link := h.Link()
	if link == nil || !link.IsConnected() {
		return nil, bt.ErrNotConnected
	}
	if err := link.StartNotify(serviceUUID, characteristicUUID, callback); err != nil {
		return nil, err
	}
	return &Subscription{
		handle:             h,
		link:               link,
		serviceUUID:        serviceUUID,
		characteristicUUID: characteristicUUID,
	}, nil
}

// Subscription is one active notification stream
type Subscription struct {
	handle             *Handle
	link               bt.Link
	serviceUUID        string
	characteristicUUID string
	once               sync.Once
}

// Link returns the link the subscription was started on
func (s *Subscription) Link() bt.Link {
	return s.link
}

// Cancel stops the notifications. It only touches the link it was created on,
// so cancelling after a reconnect cannot stop a newer subscription. Calling
// Cancel more than once is a no-op.
func (s *Subscription) Cancel() error {
	var err error
	s.once.Do(func() {
		if s.handle.Link() != s.link || !s.link.IsConnected() {
			return
		}
		err = s.link.StopNotify(s.serviceUUID, s.characteristicUUID)
	})
	return err
}
