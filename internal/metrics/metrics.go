// Package metrics exposes the reactor's runtime counters over Prometheus
// (spec.md §7's "periodic stats lines" requirement, made scrapeable
// instead of/in addition to logged).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter/gauge the reactive core updates.
type Metrics struct {
	PacketsDispatched *prometheus.CounterVec
	DispatchDropped   prometheus.Counter

	RequestsForwarded *prometheus.CounterVec
	RequestsDeduped   *prometheus.CounterVec
	RepliesReceived   *prometheus.CounterVec
	StrayReplies      prometheus.Counter

	DriverCredit     *prometheus.GaugeVec
	DriverQueueDepth *prometheus.GaugeVec
	DriverErrors     *prometheus.CounterVec

	LogWriterOpenFiles *prometheus.GaugeVec
	LogWriterRotations *prometheus.CounterVec
	LogWriterDropped   *prometheus.CounterVec
}

// New registers every metric on reg and returns the bundle. Call with
// prometheus.NewRegistry() in tests to avoid polluting the default
// registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spoki_packets_dispatched_total",
			Help: "Observed packets routed to a shard, by protocol.",
		}, []string{"proto"}),
		DispatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spoki_dispatch_dropped_total",
			Help: "Packets dropped by the dispatcher: filtered out, no shard at the routed index, or shard inbox full.",
		}),
		RequestsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spoki_requests_forwarded_total",
			Help: "Probe requests forwarded to the Scamper driver, by method.",
		}, []string{"method"}),
		RequestsDeduped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spoki_requests_deduped_total",
			Help: "Probe requests dropped because their TargetKey was already in flight or the admission rate limit was exceeded.",
		}, []string{"method"}),
		RepliesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spoki_replies_received_total",
			Help: "Decoded Scamper ping replies delivered to a collector.",
		}, []string{"method"}),
		StrayReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spoki_stray_replies_total",
			Help: "Decoded replies whose user-id matched no in-flight request.",
		}),
		DriverCredit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spoki_driver_credit",
			Help: "Current MORE credit held by a driver.",
		}, []string{"driver"}),
		DriverQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spoki_driver_queue_depth",
			Help: "Pending commands queued for a driver.",
		}, []string{"driver"}),
		DriverErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spoki_driver_errors_total",
			Help: "Protocol violations, ERR lines, write failures and full-queue drops seen by a driver.",
		}, []string{"driver"}),
		LogWriterOpenFiles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spoki_logwriter_open_files",
			Help: "Files currently open by a log writer (0, 1, or 2).",
		}, []string{"component"}),
		LogWriterRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spoki_logwriter_rotations_total",
			Help: "Hour-boundary rotations performed by a log writer.",
		}, []string{"component"}),
		LogWriterDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spoki_logwriter_dropped_total",
			Help: "Records dropped by a log writer for being outside the two-file window.",
		}, []string{"component"}),
	}
	reg.MustRegister(
		m.PacketsDispatched, m.DispatchDropped,
		m.RequestsForwarded, m.RequestsDeduped, m.RepliesReceived, m.StrayReplies,
		m.DriverCredit, m.DriverQueueDepth, m.DriverErrors,
		m.LogWriterOpenFiles, m.LogWriterRotations, m.LogWriterDropped,
	)
	return m
}

// Handler returns the Prometheus scrape endpoint for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
