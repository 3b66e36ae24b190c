// Package registry shares one physical connection per device address between
// every sensor service that uses that address, and fans transport disconnects
// out to the services that registered interest.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/lowaak/sensorhud/internal/bt"
	"github.com/lowaak/sensorhud/internal/sensor"
)

var ErrShutdown = errors.New("device registry is shut down")

// DisconnectListener is told when a link behind a handle drops. link is the
// link that dropped; by the time the event arrives the handle may already
// hold a newer one.
type DisconnectListener interface {
	HandleDisconnect(handle *Handle, link bt.Link)
}

// Registry owns the connection handle of every device address
type Registry struct {
	transport bt.Transport
	logger    *logrus.Logger
	handles   *hashmap.Map[string, *Handle]
	closed    atomic.Bool
}

func New(transport bt.Transport, logger *logrus.Logger) *Registry {
	if transport == nil {
		panic("Registry: transport cannot be nil")
	}
	if logger == nil {
		panic("Registry: logger cannot be nil")
	}
	return &Registry{
		transport: transport,
		logger:    logger,
		handles:   hashmap.New[string, *Handle](),
	}
}

// Acquire returns the handle for device's address, registering listener for
// its disconnects and connecting it if it is not connected. Connects for one
// address are serialized; a failed connect is returned without retrying. No
// connect is started, and none is kept, once ctx is done.
func (r *Registry) Acquire(ctx context.Context, device sensor.Device, listener DisconnectListener) (*Handle, error) {
	if r.closed.Load() {
		return nil, ErrShutdown
	}
	address := device.Address
	log := r.logger.WithFields(logrus.Fields{"address": address, "device": device.Name})

	h, loaded := r.handles.GetOrInsert(address, newHandle(address))
	if !loaded {
		log.Debug("Registry: created handle")
	}
	if listener != nil {
		h.addListener(listener)
	}

	h.connectMu.Lock()
	defer h.connectMu.Unlock()

	if h.IsConnected() {
		return h, nil
	}
	// the caller may have given up while waiting for another connect
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log.Info("Registry: connecting")
	link, err := r.transport.Connect(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("connecting %s: %w", address, err)
	}
	if err := ctx.Err(); err != nil {
		log.Info("Registry: connected after the caller gave up, disconnecting")
		_ = link.Disconnect()
		return nil, err
	}
	h.setLink(link)
	r.transport.OnDisconnected(link, func(l bt.Link) {
		r.onTransportDisconnected(h, l)
	})

	if r.closed.Load() {
		_ = link.Disconnect()
		return nil, ErrShutdown
	}
	log.Info("Registry: connected")
	return h, nil
}

// Handle returns the handle for address if one was ever acquired
func (r *Registry) Handle(address string) (*Handle, bool) {
	return r.handles.Get(address)
}

// Handles returns every handle the registry has created
func (r *Registry) Handles() []*Handle {
	result := make([]*Handle, 0, r.handles.Len())
	r.handles.Range(func(_ string, h *Handle) bool {
		result = append(result, h)
		return true
	})
	return result
}

// onTransportDisconnected tells every listener, even when the link was
// already replaced: listeners still bound to the dropped link need the event.
func (r *Registry) onTransportDisconnected(h *Handle, link bt.Link) {
	listeners := h.Listeners()
	log := r.logger.WithFields(logrus.Fields{
		"address":   h.address,
		"listeners": len(listeners),
	})
	if h.Link() != link {
		log.Info("Registry: replaced link disconnected")
	} else {
		log.Info("Registry: device disconnected")
	}
	for _, l := range listeners {
		l.HandleDisconnect(h, link)
	}
}

// Shutdown disconnects every connected handle. A failure on one handle does
// not stop the others from being attempted; all failures are logged and
// returned together.
func (r *Registry) Shutdown() error {
	r.closed.Store(true)
	var errs []error
	for _, h := range r.Handles() {
		if !h.IsConnected() {
			continue
		}
		if err := h.Disconnect(); err != nil {
			r.logger.WithError(err).WithField("address", h.address).Error("Registry: error disconnecting during shutdown")
			errs = append(errs, fmt.Errorf("disconnecting %s: %w", h.address, err))
			continue
		}
		r.logger.WithField("address", h.address).Info("Registry: disconnected")
	}
	return errors.Join(errs...)
}
