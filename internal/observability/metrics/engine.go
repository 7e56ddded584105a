// Package metrics provides Prometheus collectors for the transport core:
// cycle timing, xruns, butler activity, pool exhaustion, and capture
// throughput. All recording paths called from the audio thread are plain
// atomic increments; scrape-side work happens on the Prometheus goroutine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics collects the engine-level counters and gauges.
type EngineMetrics struct {
	processCycles   prometheus.Counter
	cycleDuration   prometheus.Histogram
	xruns           prometheus.Counter
	transportState  *prometheus.GaugeVec

	butlerWakes       prometheus.Counter
	butlerRefills     prometheus.Counter
	butlerFlushes     prometheus.Counter
	butlerWorkPending prometheus.Gauge

	capturedFrames  *prometheus.CounterVec
	playbackFrames  *prometheus.CounterVec
	captureFailures *prometheus.CounterVec

	poolExhaustions  *prometheus.CounterVec
	eventRingDrops   *prometheus.CounterVec
	topoSortRuns     prometheus.Counter
	feedbackCycles   prometheus.Counter
	syncLossEvents   prometheus.Counter
	notifierDrops    prometheus.Counter
}

// NewEngineMetrics registers and returns a fresh collector set against
// reg. Pass prometheus.NewRegistry() in tests to avoid colliding with the
// default global registry.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	factory := promauto.With(reg)

	return &EngineMetrics{
		processCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "transportcore",
			Subsystem: "engine",
			Name:      "process_cycles_total",
			Help:      "Total audio callback cycles processed",
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "transportcore",
			Subsystem: "engine",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time spent inside the audio callback",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 14),
		}),
		xruns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "transportcore",
			Subsystem: "engine",
			Name:      "xruns_total",
			Help:      "Missed audio deadlines reported by the backend or butler",
		}),
		transportState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "transportcore",
			Subsystem: "engine",
			Name:      "transport_state",
			Help:      "Current transport motion state (1 for active state, 0 otherwise)",
		}, []string{"state"}),

		butlerWakes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "transportcore",
			Subsystem: "butler",
			Name:      "wakes_total",
			Help:      "Times the butler thread was woken",
		}),
		butlerRefills: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "transportcore",
			Subsystem: "butler",
			Name:      "refill_passes_total",
			Help:      "Completed playback refill passes",
		}),
		butlerFlushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "transportcore",
			Subsystem: "butler",
			Name:      "flush_passes_total",
			Help:      "Completed capture flush passes",
		}),
		butlerWorkPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "transportcore",
			Subsystem: "butler",
			Name:      "work_pending",
			Help:      "1 while a flush pass reported more work outstanding",
		}),

		capturedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transportcore",
			Subsystem: "diskstream",
			Name:      "captured_frames_total",
			Help:      "Frames written into capture ring buffers",
		}, []string{"track"}),
		playbackFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transportcore",
			Subsystem: "diskstream",
			Name:      "playback_frames_total",
			Help:      "Frames read from playback ring buffers",
		}, []string{"track"}),
		captureFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transportcore",
			Subsystem: "diskstream",
			Name:      "capture_failures_total",
			Help:      "Capture passes aborted by I/O failure",
		}, []string{"track"}),

		poolExhaustions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transportcore",
			Subsystem: "pool",
			Name:      "exhaustions_total",
			Help:      "Allocation requests refused by a full pool",
		}, []string{"pool"}),
		eventRingDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transportcore",
			Subsystem: "scheduler",
			Name:      "event_ring_drops_total",
			Help:      "Events dropped on a full inbound ring",
		}, []string{"ring"}),
		topoSortRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "transportcore",
			Subsystem: "routing",
			Name:      "topo_sort_runs_total",
			Help:      "Route graph re-sorts triggered by graph mutations",
		}),
		feedbackCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "transportcore",
			Subsystem: "routing",
			Name:      "feedback_cycles_total",
			Help:      "Topological sorts that detected a feedback cycle",
		}),
		syncLossEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "transportcore",
			Subsystem: "sync",
			Name:      "loss_events_total",
			Help:      "Times the transport master became unusable and the engine fell back to its internal clock",
		}),
		notifierDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "transportcore",
			Subsystem: "events",
			Name:      "notification_drops_total",
			Help:      "Notifications dropped on a full delivery buffer",
		}),
	}
}

func (m *EngineMetrics) RecordCycle(seconds float64) {
	m.processCycles.Inc()
	m.cycleDuration.Observe(seconds)
}

func (m *EngineMetrics) RecordXrun() { m.xruns.Inc() }

// SetTransportState marks state as active and every other known state
// inactive.
func (m *EngineMetrics) SetTransportState(state string) {
	for _, s := range []string{"Stopped", "Rolling", "DeclickToStop", "DeclickToLocate", "WaitingForLocate"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.transportState.WithLabelValues(s).Set(v)
	}
}

func (m *EngineMetrics) RecordButlerWake()   { m.butlerWakes.Inc() }
func (m *EngineMetrics) RecordRefillPass()   { m.butlerRefills.Inc() }
func (m *EngineMetrics) RecordFlushPass()    { m.butlerFlushes.Inc() }
func (m *EngineMetrics) SetWorkPending(p bool) {
	if p {
		m.butlerWorkPending.Set(1)
	} else {
		m.butlerWorkPending.Set(0)
	}
}

func (m *EngineMetrics) RecordCapturedFrames(track string, n int) {
	m.capturedFrames.WithLabelValues(track).Add(float64(n))
}

func (m *EngineMetrics) RecordPlaybackFrames(track string, n int) {
	m.playbackFrames.WithLabelValues(track).Add(float64(n))
}

func (m *EngineMetrics) RecordCaptureFailure(track string) {
	m.captureFailures.WithLabelValues(track).Inc()
}

func (m *EngineMetrics) RecordPoolExhaustion(pool string) {
	m.poolExhaustions.WithLabelValues(pool).Inc()
}

func (m *EngineMetrics) RecordEventRingDrop(ring string) {
	m.eventRingDrops.WithLabelValues(ring).Inc()
}

func (m *EngineMetrics) RecordTopoSort(feedback bool) {
	m.topoSortRuns.Inc()
	if feedback {
		m.feedbackCycles.Inc()
	}
}

func (m *EngineMetrics) RecordSyncLoss()     { m.syncLossEvents.Inc() }
func (m *EngineMetrics) RecordNotifierDrop() { m.notifierDrops.Inc() }
