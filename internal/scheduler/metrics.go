package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "tessera_"

var (
	groupQueuedDesc = prometheus.NewDesc(
		metricPrefix+"tenancy_queued_jobs",
		"Number of jobs waiting in a tenancy group",
		[]string{"tenancy"},
		nil,
	)
	groupRunningDesc = prometheus.NewDesc(
		metricPrefix+"tenancy_running_jobs",
		"Number of jobs running for a tenancy group",
		[]string{"tenancy"},
		nil,
	)
	activeGroupsDesc = prometheus.NewDesc(
		metricPrefix+"active_tenancies",
		"Number of active tenancy groups",
		nil,
		nil,
	)
)

// Metrics exposes scheduler state to Prometheus. Gauges are read from the
// live groups at scrape time; counters are updated as jobs move.
type Metrics struct {
	groups *GroupFactory

	admitted    *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	finished    *prometheus.CounterVec
	acquireWait *prometheus.HistogramVec
}

func newMetrics(groups *GroupFactory) *Metrics {
	return &Metrics{
		groups: groups,
		admitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "jobs_admitted_total",
				Help: "Number of jobs admitted into a tenancy queue",
			},
			[]string{"tenancy"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "jobs_rejected_total",
				Help: "Number of submissions refused at admission",
			},
			[]string{"reason"},
		),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "jobs_finished_total",
				Help: "Number of jobs reaching a terminal state",
			},
			[]string{"tenancy", "state"},
		),
		acquireWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "executor_acquire_seconds",
				Help:    "Time a tenancy worker waited for an executor",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"tenancy"},
		),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- groupQueuedDesc
	ch <- groupRunningDesc
	ch <- activeGroupsDesc
	m.admitted.Describe(ch)
	m.rejected.Describe(ch)
	m.finished.Describe(ch)
	m.acquireWait.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	groups := m.groups.Groups()
	ch <- prometheus.MustNewConstMetric(activeGroupsDesc, prometheus.GaugeValue, float64(len(groups)))
	for _, g := range groups {
		s := g.Stats()
		ch <- prometheus.MustNewConstMetric(groupQueuedDesc, prometheus.GaugeValue, float64(s.Queued), s.Tenancy)
		ch <- prometheus.MustNewConstMetric(groupRunningDesc, prometheus.GaugeValue, float64(s.Running), s.Tenancy)
	}
	m.admitted.Collect(ch)
	m.rejected.Collect(ch)
	m.finished.Collect(ch)
	m.acquireWait.Collect(ch)
}

func (m *Metrics) observeAdmitted(tenancy string) {
	m.admitted.WithLabelValues(tenancy).Inc()
}

func (m *Metrics) observeRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeFinished(tenancy string, state string) {
	m.finished.WithLabelValues(tenancy, state).Inc()
}

func (m *Metrics) observeAcquire(tenancy string, d time.Duration) {
	m.acquireWait.WithLabelValues(tenancy).Observe(d.Seconds())
}
