package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the Prometheus metrics for the integrity service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ScansTotal        *prometheus.CounterVec
	ScanErrorsTotal   *prometheus.CounterVec
	ScanDuration      *prometheus.HistogramVec
	DetectionsTotal   *prometheus.CounterVec
	BusDroppedTotal   *prometheus.CounterVec
	CorrelatedTotal   *prometheus.CounterVec
	SuppressedTotal   *prometheus.CounterVec
	MonitorChecks     *prometheus.CounterVec
	MonitorAlerts     *prometheus.CounterVec
	ActiveMonitors    prometheus.Gauge
	PersistErrors     *prometheus.CounterVec
	NatsPublishErrors prometheus.Counter
}

// NewMetrics creates a Metrics instance backed by its own registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ScansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "integrity_detector_scans_total",
			Help: "Total number of detector scans",
		}, []string{"module"}),
		ScanErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "integrity_detector_scan_errors_total",
			Help: "Total number of failed detector scans",
		}, []string{"module"}),
		ScanDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "integrity_detector_scan_duration_seconds",
			Help:    "Detector scan duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"module"}),
		DetectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "integrity_detections_total",
			Help: "Total number of detection events produced",
		}, []string{"module", "threat_level"}),
		BusDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "integrity_bus_dropped_total",
			Help: "Events dropped because a subscriber was full",
		}, []string{"bus", "subscriber"}),
		CorrelatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "integrity_correlated_events_total",
			Help: "Correlated events emitted",
		}, []string{"event_type"}),
		SuppressedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "integrity_correlations_suppressed_total",
			Help: "Rule matches suppressed by the confidence gate",
		}, []string{"event_type"}),
		MonitorChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "integrity_monitor_checks_total",
			Help: "Behavioral checks by outcome",
		}, []string{"outcome"}),
		MonitorAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "integrity_monitor_alerts_total",
			Help: "Behavioral alerts by severity",
		}, []string{"severity"}),
		ActiveMonitors: factory.NewGauge(prometheus.GaugeOpts{
			Name: "integrity_active_monitors",
			Help: "Sessions currently being monitored",
		}),
		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "integrity_persist_errors_total",
			Help: "Records that failed to persist",
		}, []string{"kind"}),
		NatsPublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "integrity_nats_publish_errors_total",
			Help: "Total number of NATS publish errors",
		}),
	}
}

// Handler exposes the registry over HTTP
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveScan records one detector scan
func (m *Metrics) ObserveScan(module string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ScansTotal.WithLabelValues(module).Inc()
	m.ScanDuration.WithLabelValues(module).Observe(d.Seconds())
	if err != nil {
		m.ScanErrorsTotal.WithLabelValues(module).Inc()
	}
}

// IncDetections counts a detection event
func (m *Metrics) IncDetections(module, threatLevel string) {
	if m == nil {
		return
	}
	m.DetectionsTotal.WithLabelValues(module, threatLevel).Inc()
}

// IncBusDropped counts an event dropped for a subscriber
func (m *Metrics) IncBusDropped(bus, subscriber string) {
	if m == nil {
		return
	}
	m.BusDroppedTotal.WithLabelValues(bus, subscriber).Inc()
}

// IncCorrelated counts an emitted correlated event
func (m *Metrics) IncCorrelated(eventType string) {
	if m == nil {
		return
	}
	m.CorrelatedTotal.WithLabelValues(eventType).Inc()
}

// IncSuppressed counts a rule match that did not pass the gate
func (m *Metrics) IncSuppressed(eventType string) {
	if m == nil {
		return
	}
	m.SuppressedTotal.WithLabelValues(eventType).Inc()
}

// IncMonitorCheck counts a behavioral check outcome: ok, error or discarded
func (m *Metrics) IncMonitorCheck(outcome string) {
	if m == nil {
		return
	}
	m.MonitorChecks.WithLabelValues(outcome).Inc()
}

// IncMonitorAlert counts a behavioral alert
func (m *Metrics) IncMonitorAlert(severity string) {
	if m == nil {
		return
	}
	m.MonitorAlerts.WithLabelValues(severity).Inc()
}

// SetActiveMonitors sets the active session gauge
func (m *Metrics) SetActiveMonitors(n int) {
	if m == nil {
		return
	}
	m.ActiveMonitors.Set(float64(n))
}

// IncPersistErrors counts a failed persist
func (m *Metrics) IncPersistErrors(kind string) {
	if m == nil {
		return
	}
	m.PersistErrors.WithLabelValues(kind).Inc()
}

// IncNatsPublishErrors increments the NATS publish error counter
func (m *Metrics) IncNatsPublishErrors() {
	if m == nil {
		return
	}
	m.NatsPublishErrors.Inc()
}
