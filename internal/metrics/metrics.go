// Package metrics holds the engine's Prometheus collectors, registered on
// the default registry at package load.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "serieslake"

	// Metric names.
	MetricNameBuildInfo             = Namespace + "_build_info"
	MetricNameRuns                  = Namespace + "_runs_total"
	MetricNameRunDuration           = Namespace + "_run_duration_seconds"
	MetricNameRowsAdded             = Namespace + "_rows_added_total"
	MetricNamePublishCASLost        = Namespace + "_publish_cas_lost_total"
	MetricNameConsolidationFailures = Namespace + "_consolidation_failures_total"
	MetricNameNotifyFailures        = Namespace + "_notify_failures_total"

	// Labels.
	LabelVersion   = "version"
	LabelCommit    = "commit"
	LabelDate      = "date"
	LabelDataset   = "dataset"
	LabelStatus    = "status"
	LabelTransport = "transport"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameBuildInfo,
			Help: "Build information of the serieslake binary",
		},
		[]string{LabelVersion, LabelCommit, LabelDate},
	)

	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameRuns,
			Help: "Number of pipeline runs by terminal status",
		},
		[]string{LabelDataset, LabelStatus},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    MetricNameRunDuration,
			Help:    "Duration of pipeline runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // ~0.1s .. ~205s
		},
		[]string{LabelDataset},
	)

	RowsAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameRowsAdded,
			Help: "Number of new observation rows published",
		},
		[]string{LabelDataset},
	)

	PublishCASLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNamePublishCASLost,
			Help: "Number of publications lost to a concurrent pointer swap",
		},
		[]string{LabelDataset},
	)

	ConsolidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameConsolidationFailures,
			Help: "Number of month consolidations that failed",
		},
		[]string{LabelDataset},
	)

	NotifyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameNotifyFailures,
			Help: "Number of update notifications that failed to publish",
		},
		[]string{LabelDataset, LabelTransport},
	)
)
