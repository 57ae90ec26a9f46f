package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gefion"

// Metrics holds the counters shared by worker and master components.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	probeAttempts *prometheus.CounterVec
	reports       *prometheus.CounterVec
	reconciled    *prometheus.CounterVec
	notifications *prometheus.CounterVec
	resyncs       prometheus.Counter
	activeTimers  prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		probeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_attempts_total",
			Help:      "Probe attempts by kind and result.",
		}, []string{"kind", "result"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Outcome reports sent by the worker, by result.",
		}, []string{"result"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_total",
			Help:      "Outcomes reconciled by the master, by verdict.",
		}, []string{"verdict"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by channel and result.",
		}, []string{"channel", "result"}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_resyncs_total",
			Help:      "Schedule resyncs performed by the worker.",
		}),
		activeTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schedule_active_timers",
			Help:      "Recurring check timers currently installed.",
		}),
	}
	reg.MustRegister(m.probeAttempts, m.reports, m.reconciled, m.notifications, m.resyncs, m.activeTimers)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

func (m *Metrics) ProbeAttempt(kind string, ok bool) {
	if m == nil {
		return
	}
	m.probeAttempts.WithLabelValues(kind, result(ok)).Inc()
}

func (m *Metrics) Report(ok bool) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(result(ok)).Inc()
}

// Reconciled counts one verdict: "accepted", "rejected" or "error".
func (m *Metrics) Reconciled(verdict string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(verdict).Inc()
}

func (m *Metrics) Notification(channel string, ok bool) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, result(ok)).Inc()
}

func (m *Metrics) Resync(active int) {
	if m == nil {
		return
	}
	m.resyncs.Inc()
	m.activeTimers.Set(float64(active))
}
