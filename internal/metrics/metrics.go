// Package metrics holds the Prometheus collectors of the migrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "orgmigrator"

var (
	// APIRequests counts cloud API calls by method and HTTP status
	// ("error" when no response was received).
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Cloud API requests by method and status code",
		},
		[]string{"method", "code"},
	)

	// Objects counts configuration objects processed by a run.
	Objects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_total",
			Help:      "Configuration objects processed, by operation, type and action",
		},
		[]string{
			"operation", // backup, restore, precheck
			"type",      // scope/type, e.g. org/wlans
			"action",    // created, skip_exists, failed, ...
		},
	)

	// Devices counts inventory devices by final status.
	Devices = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_total",
			Help:      "Inventory devices processed, by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RunDuration observes the duration of complete runs.
	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of backup, restore and inventory runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"operation", "result"},
	)

	// ScheduledRuns counts scheduled backup triggers.
	ScheduledRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_runs_total",
			Help:      "Scheduled backups started, by schedule name and result",
		},
		[]string{"schedule", "result"},
	)
)

// Collectors returns every collector of the package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{APIRequests, Objects, Devices, RunDuration, ScheduledRuns}
}

// Register adds the collectors to reg. Already registered collectors are
// accepted.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
