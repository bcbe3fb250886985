// Package metrics exposes prometheus instrumentation for the bot.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	donationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kudos_donations_total",
		Help: "Donation attempts by outcome",
	}, []string{"result"})

	pointsTransferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kudos_points_transferred_total",
		Help: "Points moved between users by committed donations",
	})

	rolloverTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kudos_rollover_total",
		Help: "Monthly rollover runs by outcome",
	}, []string{"result"})

	rolloverArchived = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kudos_rollover_archived_scores",
		Help: "Scores archived by the most recent rollover",
	})

	workspaceRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kudos_workspace_retries_total",
		Help: "Rate-limited Slack API calls that were retried",
	}, []string{"operation"})

	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kudos_command_duration_seconds",
		Help:    "Duration of slash command handling",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})
)

// ObserveDonation counts a donation attempt. result is "ok" or an error kind.
func ObserveDonation(result string, points int64) {
	donationsTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		pointsTransferred.Add(float64(points))
	}
}

// ObserveRollover records a rollover run.
func ObserveRollover(result string, archived int) {
	rolloverTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		rolloverArchived.Set(float64(archived))
	}
}

// ObserveWorkspaceRetry counts one backoff wait before a Slack API retry.
func ObserveWorkspaceRetry(operation string) {
	workspaceRetries.WithLabelValues(operation).Inc()
}

// ObserveCommand records how long a slash command took.
func ObserveCommand(command string, duration time.Duration) {
	commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}
