// Package usage records one UsageEvent per completed request attempt.
// Recording is observability, not correctness-critical: it never blocks
// the request path and failures are logged and swallowed.
package usage

import (
	"log/slog"
	"sync"

	"lynxa/internal/db"
	"lynxa/internal/metrics"
	"lynxa/internal/model"
)

// queueSize bounds the in-flight events. Overflow is dropped with a warning.
const queueSize = 256

// Recorder appends usage events through a background worker.
type Recorder struct {
	db      db.Service
	logger  *slog.Logger
	metrics *metrics.Metrics
	queue   chan model.UsageEvent
	wg      sync.WaitGroup
}

// NewRecorder creates a Recorder and starts its worker goroutine.
func NewRecorder(dbService db.Service, logger *slog.Logger, m *metrics.Metrics) *Recorder {
	r := &Recorder{
		db:      dbService,
		logger:  logger.With("component", "usage"),
		metrics: m,
		queue:   make(chan model.UsageEvent, queueSize),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Record enqueues one event. It never blocks and never fails the caller:
// when the queue is full the event is dropped and counted.
func (r *Recorder) Record(event model.UsageEvent) {
	if r.metrics != nil {
		r.metrics.TokensTotal.WithLabelValues("input").Add(float64(event.InputTokens))
		r.metrics.TokensTotal.WithLabelValues("output").Add(float64(event.OutputTokens))
	}

	select {
	case r.queue <- event:
	default:
		r.logger.Warn("Dropping usage event: queue is full", "endpoint", event.Endpoint)
		if r.metrics != nil {
			r.metrics.UsageEventsDropped.Inc()
		}
	}
}

// worker drains the queue into the store. A write failure is logged at
// Warn and discarded; the response it belongs to has already left.
func (r *Recorder) worker() {
	defer r.wg.Done()
	r.logger.Info("Starting usage recorder worker.")

	for event := range r.queue {
		if err := r.db.CreateUsageEvent(&event); err != nil {
			r.logger.Warn("Failed to persist usage event", "endpoint", event.Endpoint, "error", err)
		}
	}
	r.logger.Info("Usage recorder worker stopped.")
}

// Close stops accepting events and waits for the queue to drain.
func (r *Recorder) Close() {
	close(r.queue)
	r.wg.Wait()
	r.logger.Info("Usage recorder shutdown complete.")
}
