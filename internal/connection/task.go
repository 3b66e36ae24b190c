// Package connection runs the lifecycle of one device and sensor service
// pairing: connect, one-time feature setup, subscribe, stream, clean up.
package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/lowaak/sensorhud/internal/bt"
	"github.com/lowaak/sensorhud/internal/go_func_utils"
	"github.com/lowaak/sensorhud/internal/registry"
	"github.com/lowaak/sensorhud/internal/sensor"
)

type State int32

const (
	StateConnecting State = iota
	StateFeatureInit
	StateSubscribing
	StateStreaming
	StateCleanup
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateFeatureInit:
		return "FeatureInit"
	case StateSubscribing:
		return "Subscribing"
	case StateStreaming:
		return "Streaming"
	case StateCleanup:
		return "Cleanup"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Acquirer hands out shared connection handles; *registry.Registry is one
type Acquirer interface {
	Acquire(ctx context.Context, device sensor.Device, listener registry.DisconnectListener) (*registry.Handle, error)
}

// FeatureInit is run once after the first successful connect
type FeatureInit func(device sensor.Device) error

// Processor handles one notification payload, in receipt order
type Processor func(payload []byte)

type Options struct {
	// Backoff is the pause between failed connect attempts; zero or negative
	// takes the default
	Backoff time.Duration `default:"1s"`
}

// Config wires a Task to its collaborators. FeatureInit may be nil, in which
// case the step is skipped.
type Config struct {
	Device      sensor.Device
	Acquirer    Acquirer
	Listener    registry.DisconnectListener
	FeatureInit FeatureInit
	Process     Processor
	Logger      *logrus.Logger
	Options     Options
}

var taskIDs atomic.Uint64

// Task is a single connection lifecycle. It is started with Run and ended
// cooperatively with Unsubscribe or Stop; the active flag is checked once per
// loop iteration, and a blocked wait is woken by either call.
type Task struct {
	id          uint64
	device      sensor.Device
	acquirer    Acquirer
	listener    registry.DisconnectListener
	featureInit FeatureInit
	process     Processor
	opts        Options
	logger      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	active atomic.Bool
	state  atomic.Int32
	handle atomic.Pointer[registry.Handle]
	sub    atomic.Pointer[registry.Subscription]
	queue  *go_func_utils.Queue[[]byte]
	done   chan struct{}

	mu             sync.Mutex
	stopRequested  bool
	cleanedUp      bool
	disconnectOnce sync.Once
}

// New creates a task in the Connecting state. parent cancels the task when
// its owner shuts down.
func New(parent context.Context, cfg Config) *Task {
	if cfg.Acquirer == nil {
		panic("Task: acquirer cannot be nil")
	}
	if cfg.Process == nil {
		panic("Task: processor cannot be nil")
	}
	if cfg.Logger == nil {
		panic("Task: logger cannot be nil")
	}
	opts := cfg.Options
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	defaults.SetDefaults(&opts)

	id := taskIDs.Add(1)
	ctx, cancel := context.WithCancel(parent)
	t := &Task{
		id:          id,
		device:      cfg.Device,
		acquirer:    cfg.Acquirer,
		listener:    cfg.Listener,
		featureInit: cfg.FeatureInit,
		process:     cfg.Process,
		opts:        opts,
		logger: cfg.Logger.WithFields(logrus.Fields{
			"task":    id,
			"address": cfg.Device.Address,
			"device":  cfg.Device.Name,
			"kind":    cfg.Device.Kind(),
		}),
		ctx:    ctx,
		cancel: cancel,
		queue:  go_func_utils.NewQueue[[]byte](),
		done:   make(chan struct{}),
	}
	t.active.Store(true)
	return t
}

func (t *Task) ID() uint64 {
	return t.id
}

func (t *Task) Device() sensor.Device {
	return t.device
}

// Handle returns the connection handle once Connecting has succeeded
func (t *Task) Handle() *registry.Handle {
	return t.handle.Load()
}

// Link returns the link the task subscribed on, nil before Subscribing has
// succeeded
func (t *Task) Link() bt.Link {
	if sub := t.sub.Load(); sub != nil {
		return sub.Link()
	}
	return nil
}

func (t *Task) IsActive() bool {
	return t.active.Load()
}

func (t *Task) State() State {
	return State(t.state.Load())
}

// SkipsFeatureInit reports whether this task was created without a feature
// init step, as replacement tasks are
func (t *Task) SkipsFeatureInit() bool {
	return t.featureInit == nil
}

// Done is closed when Run returns
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Unsubscribe ends the task but leaves the shared connection up
func (t *Task) Unsubscribe() {
	if t.active.Swap(false) {
		t.logger.Debug("Task: unsubscribe requested")
	}
	t.cancel()
}

// Stop ends the task and disconnects its handle during cleanup. If cleanup
// has already run, the disconnect happens here instead. The handle is
// disconnected at most once per task.
func (t *Task) Stop() {
	t.active.Store(false)
	t.mu.Lock()
	t.stopRequested = true
	cleanedUp := t.cleanedUp
	t.mu.Unlock()
	t.logger.Debug("Task: stop requested")
	t.cancel()
	if cleanedUp {
		t.disconnect()
	}
}

func (t *Task) setState(s State) {
	t.state.Store(int32(s))
	t.logger.WithField("state", s).Debug("Task: state changed")
}

// Run executes the lifecycle on the calling goroutine and returns when the
// task terminates. A panic in any phase is logged and ends only this task.
func (t *Task) Run() {
	defer close(t.done)
	defer t.setState(StateTerminated)
	defer t.cancel()

	// Contain logs the panic with its stack
	_ = go_func_utils.Contain(t.logger, "connection task", t.run)
}

func (t *Task) run() {
	var subscription *registry.Subscription
	defer func() {
		t.cleanup(subscription)
	}()

	t.setState(StateConnecting)
	handle := t.connect()
	if handle == nil || !t.active.Load() {
		return
	}

	if t.featureInit != nil {
		t.setState(StateFeatureInit)
		if err := t.featureInit(t.device); err != nil {
			t.logger.WithError(err).Error("Task: feature init failed, giving up")
			t.active.Store(false)
			return
		}
	}
	if !t.active.Load() {
		return
	}

	t.setState(StateSubscribing)
	service := t.device.Service
	sub, err := handle.Subscribe(service.ServiceUUID, service.CharacteristicUUID, t.enqueue)
	if err != nil {
		t.logger.WithError(err).Error("Task: subscribe failed")
		return
	}
	subscription = sub
	t.sub.Store(sub)

	t.setState(StateStreaming)
	t.logger.Info("Task: streaming")
	for {
		payload, ok := t.queue.Pop(t.ctx)
		if !t.active.Load() {
			// a dequeued payload is dropped once the task is inactive
			break
		}
		if !ok {
			break
		}
		t.process(payload)
	}
}

// connect retries Acquire with a fixed backoff while the task is active and
// its context is live
func (t *Task) connect() *registry.Handle {
	for attempt := 1; t.active.Load(); attempt++ {
		handle, err := t.acquirer.Acquire(t.ctx, t.device, t.listener)
		if err == nil {
			t.handle.Store(handle)
			return handle
		}
		if !t.active.Load() || t.ctx.Err() != nil {
			return nil
		}
		t.logger.WithError(err).WithField("attempt", attempt).Warn("Task: connect failed, retrying")

		timer := time.NewTimer(t.opts.Backoff)
		select {
		case <-timer.C:
		case <-t.ctx.Done():
			timer.Stop()
		}
	}
	return nil
}

func (t *Task) enqueue(buf []byte) {
	// the transport may reuse buf after the callback returns
	payload := make([]byte, len(buf))
	copy(payload, buf)
	t.queue.Push(payload)
}

func (t *Task) cleanup(subscription *registry.Subscription) {
	t.setState(StateCleanup)
	t.queue.Close()
	if subscription != nil {
		if err := subscription.Cancel(); err != nil {
			t.logger.WithError(err).Warn("Task: error stopping notifications")
		}
	}
	if dropped := len(t.queue.Drain()); dropped > 0 {
		t.logger.WithField("dropped", dropped).Debug("Task: discarded queued notifications")
	}

	t.mu.Lock()
	t.cleanedUp = true
	stop := t.stopRequested
	t.mu.Unlock()
	if stop {
		t.disconnect()
	}
	t.logger.Info("Task: finished")
}

func (t *Task) disconnect() {
	handle := t.handle.Load()
	if handle == nil {
		return
	}
	t.disconnectOnce.Do(func() {
		t.logger.Info("Task: disconnecting")
		if err := handle.Disconnect(); err != nil {
			t.logger.WithError(err).Warn("Task: error disconnecting")
		}
	})
}
