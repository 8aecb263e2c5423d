// Package metrics exposes Prometheus collectors for the task queue, fed from
// the scheduler's event bus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pdart-go/hstqueue/internal/events"
)

type Collectors struct {
	TasksQueued        *prometheus.CounterVec
	TasksDuplicate     *prometheus.CounterVec
	TasksStarted       *prometheus.CounterVec
	SlotsReleased      *prometheus.CounterVec
	SlotsInUse         prometheus.Gauge
	WorkerRuntime      prometheus.Histogram
	ProposalsSkipped   prometheus.Counter
	ProposalsAbandoned prometheus.Counter
}

// NewCollectors registers the collectors on reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		TasksQueued: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hstq_tasks_queued_total",
				Help: "Tasks inserted into the queue.",
			},
			[]string{"stage"},
		),
		TasksDuplicate: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hstq_tasks_duplicate_total",
				Help: "Queue requests ignored because the task was already queued or running.",
			},
			[]string{"stage"},
		),
		TasksStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hstq_tasks_started_total",
				Help: "Worker processes spawned.",
			},
			[]string{"stage"},
		),
		SlotsReleased: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hstq_slots_released_total",
				Help: "Subprocess slots reclaimed, by reason.",
			},
			[]string{"reason"},
		),
		SlotsInUse: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "hstq_slots_in_use",
				Help: "Subprocess slots registered at the last observation.",
			},
		),
		WorkerRuntime: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hstq_worker_runtime_seconds",
				Help:    "Time a slot was held before it was reclaimed.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34min
			},
		),
		ProposalsSkipped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "hstq_proposals_skipped_total",
				Help: "Proposal ids rejected by the driver.",
			},
		),
		ProposalsAbandoned: f.NewCounter(
			prometheus.CounterOpts{
				Name: "hstq_proposals_abandoned_total",
				Help: "Proposals whose tasks were removed.",
			},
		),
	}
}

// Observe updates the collectors for one event.
func (c *Collectors) Observe(ev events.Event) {
	stage := strconv.Itoa(ev.Task.Stage)
	switch ev.Type {
	case events.EventTaskQueued:
		c.TasksQueued.WithLabelValues(stage).Inc()
	case events.EventTaskDuplicate:
		c.TasksDuplicate.WithLabelValues(stage).Inc()
	case events.EventTaskStarted:
		c.TasksStarted.WithLabelValues(stage).Inc()
		c.SlotsInUse.Set(float64(ev.Count))
	case events.EventSlotReleased:
		c.SlotsReleased.WithLabelValues(ev.Reason).Inc()
		c.SlotsInUse.Set(float64(ev.Count))
		if ev.Runtime > 0 {
			c.WorkerRuntime.Observe(ev.Runtime.Seconds())
		}
	case events.EventProposalSkipped:
		c.ProposalsSkipped.Inc()
	case events.EventProposalAbandoned:
		c.ProposalsAbandoned.Inc()
	}
}

// Attach feeds every bus event into the collectors.
func (c *Collectors) Attach(bus *events.Bus) func() {
	return bus.Subscribe(c.Observe)
}

func Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(g),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
