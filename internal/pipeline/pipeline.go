// Package pipeline fans capture events out to decoding workers.
package pipeline

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"firestige.xyz/recorder/internal/core"
	"firestige.xyz/recorder/internal/metrics"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1024
)

// EventHandler consumes events. It must be safe for concurrent use by
// workers owning different connections.
type EventHandler interface {
	Handle(ev core.Event) error
}

// Config contains dispatcher configuration.
type Config struct {
	Workers   int
	QueueSize int // per-worker event buffer
	Strategy  DispatchStrategy
}

// Dispatcher owns a fixed set of workers. All events of one connection are
// processed by the same worker, in submission order.
type Dispatcher struct {
	handler  EventHandler
	strategy DispatchStrategy
	queues   []chan core.Event

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// New creates a dispatcher. Workers start immediately.
func New(cfg Config, handler EventHandler) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Strategy == nil {
		cfg.Strategy = &FlowHashStrategy{}
	}
	d := &Dispatcher{
		handler:  handler,
		strategy: cfg.Strategy,
		queues:   make([]chan core.Event, cfg.Workers),
	}
	for i := range d.queues {
		d.queues[i] = make(chan core.Event, cfg.QueueSize)
		d.wg.Add(1)
		go d.worker(i)
	}
	slog.Info("dispatcher started", "workers", cfg.Workers, "strategy", cfg.Strategy.Name())
	return d
}

// Submit hands ev to the worker owning its connection, blocking while that
// worker's queue is full. Randomness is applied before Submit returns so
// that key material is in place before any later handshake is decoded.
func (d *Dispatcher) Submit(ctx context.Context, ev core.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return core.ErrPipelineStopped
	}
	if ev.Kind == core.EventRandomness {
		return d.handler.Handle(ev)
	}
	q := d.queues[d.strategy.Dispatch(ev.ID.Stream.Conn, len(d.queues))]
	select {
	case q <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run submits every event from in until it is closed or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, in <-chan core.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			if err := d.Submit(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// Stop rejects further submissions and waits for queued events to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
	slog.Info("dispatcher stopped")
}

func (d *Dispatcher) worker(i int) {
	defer d.wg.Done()
	depth := metrics.WorkerQueueDepth.WithLabelValues(strconv.Itoa(i))
	defer depth.Set(0)
	q := d.queues[i]
	for ev := range q {
		depth.Set(float64(len(q)))
		if err := d.handler.Handle(ev); err != nil {
			// The registry has already logged and counted the failure.
			slog.Debug("event failed", "worker", i, "stream", ev.ID.Stream.String(), "error", err)
		}
	}
}
