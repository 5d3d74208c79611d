package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultFlushTimeout = 2 * time.Second

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull makes Emit non-blocking; overflow is counted in Dropped.
	DropIfFull bool
	// FlushTimeout bounds how long Close waits for the sink to drain the
	// queue before the sink context is cancelled.
	FlushTimeout time.Duration
}

// Dispatcher asynchronously forwards audit events to a sink. Events are
// redacted before they are queued, so no sink ever sees a secret.
type Dispatcher struct {
	cfg    Config
	sink   Sink
	queue  chan Event
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts the delivery goroutine. It returns nil when cfg is
// disabled; a nil Dispatcher accepts and discards events.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:    cfg,
		sink:   sink,
		queue:  make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	d.wg.Add(1)
	go d.deliver()
	return d
}

func (d *Dispatcher) deliver() {
	defer d.wg.Done()
	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(d.ctx, event)
		case <-d.done:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case event := <-d.queue:
			if d.ctx.Err() != nil {
				d.dropped.Add(1)
				continue
			}
			d.sink.Emit(d.ctx, event)
		default:
			return
		}
	}
}

// Emit queues a redacted copy of event.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	event = Redact(event)

	if d.cfg.DropIfFull {
		select {
		case d.queue <- event:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.queue <- event:
	case <-ctx.Done():
	case <-d.done:
	}
}

// Close stops accepting events and flushes the queue. A sink still busy
// after FlushTimeout sees its context cancelled and the remainder is
// counted as dropped.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)

		finished := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(finished)
		}()

		timer := time.NewTimer(d.cfg.FlushTimeout)
		defer timer.Stop()
		select {
		case <-finished:
		case <-timer.C:
			d.cancel()
			<-finished
		}
		d.cancel()
	})
}

// Dropped reports events lost to backpressure or shutdown.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
