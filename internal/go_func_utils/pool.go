package go_func_utils

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

var ErrPoolClosed = errors.New("worker pool is closed")

const DefaultPoolSize = 10

type job struct {
	name string
	fn   func()
}

// Pool runs submitted jobs on at most size goroutines. Submit never blocks:
// jobs wait in a queue until a worker is free. A panicking job is logged and
// ends only that job.
type Pool struct {
	logger  *logrus.Logger
	size    int
	workers *pool.Pool
	pending *Queue[job]

	ctx        context.Context
	cancel     context.CancelFunc
	dispatched chan struct{}
	closeOnce  sync.Once

	running   atomic.Int32
	completed atomic.Int64
	panicked  atomic.Int64
}

// NewPool starts a pool with the given capacity. A non-positive size uses
// DefaultPoolSize.
func NewPool(logger *logrus.Logger, size int) *Pool {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if size <= 0 {
		size = DefaultPoolSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:     logger,
		size:       size,
		workers:    pool.New().WithMaxGoroutines(size),
		pending:    NewQueue[job](),
		ctx:        ctx,
		cancel:     cancel,
		dispatched: make(chan struct{}),
	}
	go p.dispatch()
	return p
}

func (p *Pool) dispatch() {
	defer close(p.dispatched)
	for {
		j, ok := p.pending.Pop(p.ctx)
		if !ok {
			return
		}
		// blocks while every worker is busy
		p.workers.Go(func() { p.run(j) })
	}
}

func (p *Pool) run(j job) {
	p.running.Add(1)
	defer p.running.Add(-1)

	p.logger.WithField("job", j.name).Debug("Pool: job started")
	if err := Contain(p.logger, j.name, j.fn); err != nil {
		p.panicked.Add(1)
		return
	}
	p.completed.Add(1)
	p.logger.WithField("job", j.name).Debug("Pool: job finished")
}

// Submit queues fn to run on the pool
func (p *Pool) Submit(name string, fn func()) error {
	if fn == nil {
		panic("job cannot be nil")
	}
	if !p.pending.Push(job{name: name, fn: fn}) {
		return ErrPoolClosed
	}
	return nil
}

// Size returns the maximum number of concurrently running jobs
func (p *Pool) Size() int {
	return p.size
}

// Running returns the number of jobs currently executing
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Stats returns the number of jobs that completed normally and that panicked
func (p *Pool) Stats() (completed, panicked int64) {
	return p.completed.Load(), p.panicked.Load()
}

// Shutdown stops accepting jobs, discards jobs that have not started and
// waits for running jobs to return. Running jobs are expected to observe
// their own cancellation.
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() {
		p.pending.Close()
		p.cancel()
		<-p.dispatched
		if dropped := p.pending.Drain(); len(dropped) > 0 {
			p.logger.WithField("count", len(dropped)).Warn("Pool: discarded jobs that never started")
		}
		p.workers.Wait()
	})
}
