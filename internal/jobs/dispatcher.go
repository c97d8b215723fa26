// Package jobs decouples request handling from event processing. The
// dispatcher hands normalized events to a bounded worker pool that drives
// the ingestion pipeline; the HTTP layer never waits on the store.
package jobs

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"crena/internal/ingest"
)

// Retry policy for unexpected pipeline failures. Ignored events and
// unknown services are terminal outcomes and are never retried.
const (
	maxAttempts  = 3
	retryBackoff = 250 * time.Millisecond
)

// Dispatcher fans events out to pipeline workers.
type Dispatcher struct {
	pipeline *ingest.Pipeline
	queue    chan *ingest.Event
	workers  int
	logger   *slog.Logger

	wg      sync.WaitGroup
	startMu sync.Once
	stopMu  sync.Once

	// closeMu orders late Dispatch calls against close(queue): a handler
	// still in flight when shutdown begins must drop, not panic.
	closeMu sync.RWMutex
	closed  bool
}

// NewDispatcher creates a Dispatcher with the given worker count.
func NewDispatcher(pipeline *ingest.Pipeline, workers int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		pipeline: pipeline,
		queue:    make(chan *ingest.Event, workers*64),
		workers:  workers,
		logger:   logger,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.startMu.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
		d.logger.Info("Event dispatcher started", slog.Int("workers", d.workers))
	})
}

// Dispatch enqueues one event for asynchronous processing. When the queue
// is saturated, or shutdown has already begun, the event is dropped and
// logged; the tracking endpoint has already acknowledged the client by then.
func (d *Dispatcher) Dispatch(event *ingest.Event) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()

	if d.closed {
		d.logger.Warn("Dispatcher shut down, dropping event",
			slog.String("service", event.ServiceUUID))
		return
	}

	select {
	case d.queue <- event:
	default:
		d.logger.Error("Event queue saturated, dropping event",
			slog.String("service", event.ServiceUUID))
	}
}

// Shutdown stops intake and drains in-flight events, bounded by ctx.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	var err error
	d.stopMu.Do(func() {
		d.closeMu.Lock()
		d.closed = true
		close(d.queue)
		d.closeMu.Unlock()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.logger.Info("Event dispatcher drained")
		case <-ctx.Done():
			err = ctx.Err()
			d.logger.Warn("Event dispatcher shutdown timed out", slog.Any("error", err))
		}
	})
	return err
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for event := range d.queue {
		d.process(event)
	}
}

func (d *Dispatcher) process(event *ingest.Event) {
	for attempt := 1; ; attempt++ {
		_, err := d.pipeline.Ingest(context.Background(), event)
		if err == nil {
			return
		}

		if attempt >= maxAttempts {
			d.logger.Error("Giving up on event after repeated failures",
				slog.String("service", event.ServiceUUID),
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			return
		}

		d.logger.Warn("Retrying failed event",
			slog.String("service", event.ServiceUUID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		time.Sleep(retryBackoff * time.Duration(attempt))
	}
}
