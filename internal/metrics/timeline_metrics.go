package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TimelineMetrics содержит метрики построения timeline и записи blocking states.
type TimelineMetrics struct {
	// Счётчики построений
	buildsStarted   prometheus.Counter
	buildsCompleted prometheus.Counter
	buildsFailed    prometheus.Counter

	// Гистограммы времени и размера
	buildDuration  prometheus.Histogram
	eventsPerBuild prometheus.Histogram

	// Счётчики по типам произведённых событий
	eventsSynthesized *prometheus.CounterVec

	// Счётчики записи blocking states
	blockingRecorded *prometheus.CounterVec
	outboxEvents     prometheus.Counter
}

// NewTimelineMetrics создаёт новый экземпляр метрик timeline.
func NewTimelineMetrics() *TimelineMetrics {
	return newTimelineMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newTimelineMetricsWithRegisterer(registerer prometheus.Registerer) *TimelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &TimelineMetrics{
		buildsStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "entitlement_timeline_builds_started_total",
			Help: "Total number of timeline builds started",
		}),
		buildsCompleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "entitlement_timeline_builds_completed_total",
			Help: "Total number of timeline builds completed successfully",
		}),
		buildsFailed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "entitlement_timeline_builds_failed_total",
			Help: "Total number of timeline builds failed",
		}),
		buildDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "entitlement_timeline_build_duration_seconds",
			Help:    "Duration of timeline builds in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		eventsPerBuild: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "entitlement_timeline_events_per_build",
			Help:    "Number of semantic events in a built timeline",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
		eventsSynthesized: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "entitlement_timeline_events_total",
			Help: "Total number of semantic events synthesized grouped by event type",
		}, []string{"event_type"}),
		blockingRecorded: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "entitlement_blocking_states_recorded_total",
			Help: "Total number of blocking states recorded grouped by scope",
		}, []string{"scope"}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "entitlement_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// RecordBuildStarted увеличивает счётчик начатых построений.
func (m *TimelineMetrics) RecordBuildStarted() {
	m.buildsStarted.Inc()
}

// RecordBuildCompleted фиксирует успешное построение и его размер.
func (m *TimelineMetrics) RecordBuildCompleted(eventCount int) {
	m.buildsCompleted.Inc()
	m.eventsPerBuild.Observe(float64(eventCount))
}

// RecordBuildFailed увеличивает счётчик неудачных построений.
func (m *TimelineMetrics) RecordBuildFailed() {
	m.buildsFailed.Inc()
}

// RecordBuildDuration записывает время построения timeline.
func (m *TimelineMetrics) RecordBuildDuration(duration time.Duration) {
	m.buildDuration.Observe(duration.Seconds())
}

// RecordEvent увеличивает счётчик произведённых событий данного типа.
func (m *TimelineMetrics) RecordEvent(eventType string) {
	m.eventsSynthesized.WithLabelValues(eventType).Inc()
}

// RecordBlockingState увеличивает счётчик записанных blocking states.
func (m *TimelineMetrics) RecordBlockingState(scope string) {
	m.blockingRecorded.WithLabelValues(scope).Inc()
}

// RecordOutboxEvent увеличивает счётчик событий, поставленных в outbox.
func (m *TimelineMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
