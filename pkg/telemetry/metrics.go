package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "addonpkg"

// Metrics counts what a batch did. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	resolutions     *prometheus.CounterVec
	resolveDuration *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	downloads       *prometheus.CounterVec
	downloadBytes   *prometheus.CounterVec
	planActions     *prometheus.CounterVec
	items           *prometheus.CounterVec
}

// NewMetrics returns metrics registered on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Add-on resolutions by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		resolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolve_duration_seconds",
				Help:      "Time to resolve one add-on, including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_retries_total",
				Help:      "Retried source calls by source and reason",
			},
			[]string{"source", "reason"},
		),
		downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Archive downloads by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		downloadBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_bytes_total",
				Help:      "Bytes downloaded by source",
			},
			[]string{"source"},
		),
		planActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_actions_total",
				Help:      "Planned actions by kind",
			},
			[]string{"action"},
		),
		items: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_total",
				Help:      "Executed plan items by action and outcome",
			},
			[]string{"action", "outcome"},
		),
	}

	m.registry.MustRegister(
		m.resolutions,
		m.resolveDuration,
		m.retries,
		m.downloads,
		m.downloadBytes,
		m.planActions,
		m.items,
	)
	return m
}

// Registry exposes the underlying registry, for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveResolution(source, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(source, outcome).Inc()
	m.resolveDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) IncRetry(source, reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(source, reason).Inc()
}

func (m *Metrics) ObserveDownload(source, outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(source, outcome).Inc()
	if bytes > 0 {
		m.downloadBytes.WithLabelValues(source).Add(float64(bytes))
	}
}

func (m *Metrics) IncPlanAction(action string) {
	if m == nil {
		return
	}
	m.planActions.WithLabelValues(action).Inc()
}

func (m *Metrics) IncItem(action, outcome string) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(action, outcome).Inc()
}

// WriteTextfile writes the metrics in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
