package bt

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownDevice = errors.New("device address has not been seen by a scan")
	ErrNotConnected  = errors.New("device is not connected")
)

// Advertisement is one peripheral seen during a discovery pass
type Advertisement struct {
	Name         string
	Address      string
	ServiceUUIDs []string
}

// Link is one physical connection to a peripheral. A new Link is returned by
// every successful Transport.Connect; once disconnected it is never reused.
type Link interface {
	Address() string
	IsConnected() bool
	StartNotify(serviceUUID, characteristicUUID string, callback func(buf []byte)) error
	StopNotify(serviceUUID, characteristicUUID string) error
	Disconnect() error
}

// Transport is the connect, notify and discover capability the sensor core
// is built on.
type Transport interface {
	// Connect opens a connection to a previously discovered address
	Connect(ctx context.Context, address string) (Link, error)
	// Discover runs one discovery pass lasting at most window and returns the
	// advertisements seen, one per address
	Discover(ctx context.Context, window time.Duration) ([]Advertisement, error)
	// OnDisconnected sets the function called when link drops, whether the
	// disconnect was requested or not. A later call replaces the function.
	OnDisconnected(link Link, fn func(Link))
}
