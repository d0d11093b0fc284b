// Package metrics holds the prometheus collectors for a replication run.
// A run is a batch job, so collectors are written to a text file at the end
// instead of being scraped.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "envclone"

var (
	// Registry collects everything below. It is separate from the default
	// registry so the text file only carries replication metrics.
	Registry = prometheus.NewRegistry()

	ResourceOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resource_outcomes_total",
		Help:      "Replicated resources by kind and final status.",
	}, []string{"kind", "status"})

	ItemFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "item_failures_total",
		Help:      "Objects, users, groups or links that failed to copy.",
	}, []string{"kind"})

	CredentialRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_refreshes_total",
		Help:      "Credential sets re-obtained after expiry.",
	}, []string{"account"})

	PhaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "phase_duration_seconds",
		Help:      "Wall time of each pipeline phase.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"phase"})

	ActiveTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_transfers",
		Help:      "Resources currently being snapshotted or transferred.",
	})
)

func init() {
	Registry.MustRegister(ResourceOutcomes, ItemFailures, CredentialRefreshes, PhaseDuration, ActiveTransfers)
}

// ObserveOutcome counts a finished resource.
func ObserveOutcome(kind string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	ResourceOutcomes.WithLabelValues(kind, status).Inc()
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
