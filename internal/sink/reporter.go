package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/recorder/internal/core"
	"firestige.xyz/recorder/internal/metrics"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 50 * time.Millisecond
	defaultQueueSize    = 10000
)

// Reporter queues records for a Sink and writes them in batches from its own
// goroutine:
//
//	decoder → Reporter.Put() → batchLoop → Sink.PutBatch()/Put()
//	                                     └→ fallback Sink (on primary failure)
//
// Put never blocks. Write failures are logged and counted; they never reach
// the decoder.
type Reporter struct {
	primary  Sink
	fallback Sink

	batchSize    int
	batchTimeout time.Duration

	mu      sync.RWMutex
	started bool
	closed  bool
	ch      chan Entry
	done   chan struct{}
}

type ReporterConfig struct {
	Primary      Sink
	Fallback     Sink // optional
	BatchSize    int
	BatchTimeout time.Duration
	QueueSize    int
}

func NewReporter(cfg ReporterConfig) *Reporter {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Reporter{
		primary:      cfg.Primary,
		fallback:     cfg.Fallback,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		ch:           make(chan Entry, queueSize),
		done:         make(chan struct{}),
	}
}

// Start runs the batch loop until Close. Later calls do nothing.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	go r.batchLoop(ctx)
}

func (r *Reporter) Name() string { return "reporter/" + r.primary.Name() }

// Put enqueues rec. It fails with ErrSink when the queue is full or the
// reporter is closed.
func (r *Reporter) Put(sid core.StreamID, rec core.Record) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("%w: reporter closed", core.ErrSink)
	}
	select {
	case r.ch <- Entry{Stream: sid, Record: rec}:
		return nil
	default:
		metrics.DroppedEventsTotal.WithLabelValues(metrics.ScopeSink).Inc()
		return fmt.Errorf("%w: queue full", core.ErrSink)
	}
}

// Close flushes queued records and closes the sinks. Without Start the
// queue is flushed on the caller's goroutine.
func (r *Reporter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	close(r.ch)
	r.mu.Unlock()
	if started {
		<-r.done
	} else {
		r.batchLoop(context.Background())
	}

	err := r.primary.Close()
	if r.fallback != nil {
		err = errors.Join(err, r.fallback.Close())
	}
	return err
}

func (r *Reporter) batchLoop(ctx context.Context) {
	defer close(r.done)

	batch := make([]Entry, 0, r.batchSize)
	ticker := time.NewTicker(r.batchTimeout)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.write(ctx, r.primary, batch); err != nil {
			slog.Warn("sink batch failed", "sink", r.primary.Name(), "batch_size", len(batch), "error", err)
			if r.fallback != nil {
				if err := r.write(ctx, r.fallback, batch); err != nil {
					metrics.SinkErrorsTotal.WithLabelValues("fallback").Inc()
					slog.Warn("fallback sink also failed", "sink", r.fallback.Name(), "error", err)
				}
			}
		}
		clear(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-r.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// write prefers PutBatch and falls back to one Put per record.
func (r *Reporter) write(ctx context.Context, s Sink, batch []Entry) error {
	metrics.SinkBatchSize.WithLabelValues(s.Name()).Observe(float64(len(batch)))
	if bs, ok := s.(BatchSink); ok {
		if err := bs.PutBatch(ctx, batch); err != nil {
			metrics.SinkErrorsTotal.WithLabelValues("batch").Inc()
			return err
		}
		return nil
	}
	var errs []error
	for _, e := range batch {
		if err := s.Put(e.Stream, e.Record); err != nil {
			metrics.SinkErrorsTotal.WithLabelValues("put").Inc()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
