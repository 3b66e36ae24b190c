package bt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/sensorhud/internal/go_func_utils"
)

// Adapter is the Transport backed by the host's Bluetooth adapter
type Adapter struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Logger

	// addresses seen by Discover, needed to connect by address string
	knownAddresses *hashmap.Map[string, bluetooth.Address]
	// current link per address
	links *hashmap.Map[string, *tinyLink]

	scanMu sync.Mutex
}

var _ Transport = (*Adapter)(nil)

// NewAdapter wraps a tinygo adapter, usually bluetooth.DefaultAdapter
func NewAdapter(adapter *bluetooth.Adapter, logger *logrus.Logger) *Adapter {
	if adapter == nil {
		panic("Adapter: bluetooth adapter cannot be nil")
	}
	if logger == nil {
		panic("Adapter: logger cannot be nil")
	}
	return &Adapter{
		adapter:        adapter,
		logger:         logger,
		knownAddresses: hashmap.New[string, bluetooth.Address](),
		links:          hashmap.New[string, *tinyLink](),
	}
}

// Enable powers up the adapter and routes disconnects to the owning links
func (a *Adapter) Enable() error {
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		address := device.Address.String()
		if connected {
			a.logger.WithField("address", address).Info("Adapter: device connected")
			return
		}
		a.logger.WithField("address", address).Info("Adapter: device disconnected")
		link, ok := a.links.Get(address)
		if !ok {
			return
		}
		if fn := link.markDisconnected(); fn != nil {
			// off the adapter's event goroutine
			go_func_utils.SafeGo(a.logger, func() { fn(link) })
		}
	})
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("enabling bluetooth adapter: %w", err)
	}
	return nil
}

// Discover scans for window or until ctx is done. Advertisements from the
// same address are merged.
func (a *Adapter) Discover(ctx context.Context, window time.Duration) ([]Advertisement, error) {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	var mu sync.Mutex
	byAddress := make(map[string]*Advertisement)
	var order []string

	stopTimer := time.AfterFunc(window, func() {
		if err := a.adapter.StopScan(); err != nil {
			a.logger.WithError(err).Warn("Adapter: error stopping scan")
		}
	})
	defer stopTimer.Stop()

	stopOnCancel := context.AfterFunc(ctx, func() {
		_ = a.adapter.StopScan()
	})
	defer stopOnCancel()

	a.logger.WithField("window", window).Debug("Adapter: discovery pass started")
	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		address := result.Address.String()
		a.knownAddresses.Set(address, result.Address)

		mu.Lock()
		defer mu.Unlock()
		adv, ok := byAddress[address]
		if !ok {
			adv = &Advertisement{Address: address}
			byAddress[address] = adv
			order = append(order, address)
		}
		if name := result.LocalName(); name != "" {
			adv.Name = name
		}
		for _, uuid := range result.ServiceUUIDs() {
			adv.ServiceUUIDs = appendUnique(adv.ServiceUUIDs, uuid.String())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	result := make([]Advertisement, 0, len(order))
	for _, address := range order {
		result = append(result, *byAddress[address])
	}
	a.logger.WithField("count", len(result)).Debug("Adapter: discovery pass finished")
	return result, ctx.Err()
}

// Connect opens a new link. If ctx ends first, Connect still waits for the
// attempt to finish and closes a connection it produced, so the caller never
// has two attempts in flight for one address.
func (a *Adapter) Connect(ctx context.Context, address string) (Link, error) {
	addr, ok := a.knownAddresses.Get(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}

	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	done := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		done <- connectResult{device: device, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("connect %s: %w", address, res.err)
		}
		device := res.device
		link := newTinyLink(a.logger, address, &device)
		a.links.Set(address, link)
		return link, nil
	case <-ctx.Done():
		a.logger.WithField("address", address).Debug("Adapter: connect cancelled, waiting for the attempt to end")
		if res := <-done; res.err == nil {
			_ = res.device.Disconnect()
		}
		return nil, ctx.Err()
	}
}

func (a *Adapter) OnDisconnected(link Link, fn func(Link)) {
	if l, ok := link.(*tinyLink); ok {
		l.setDisconnectHandler(fn)
	}
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
