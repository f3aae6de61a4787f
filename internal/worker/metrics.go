package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	claimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentq",
		Name:      "poller_claims_total",
		Help:      "Jobs claimed by in-process pollers.",
	})
	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentq",
		Name:      "poller_completions_total",
		Help:      "Completions recorded by pollers, by terminal status.",
	}, []string{"status"})
	staleCompletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentq",
		Name:      "poller_stale_completions_total",
		Help:      "Completions rejected because the job was no longer owned by this poller.",
	})
	tickErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentq",
		Name:      "poller_tick_errors_total",
		Help:      "Poll ticks that failed before or after execution.",
	})
	reapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentq",
		Name:      "reaped_jobs_total",
		Help:      "Running jobs failed by the lease reaper.",
	})
	executionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentq",
		Name:      "execution_duration_seconds",
		Help:      "Wall time spent inside executors.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
	})
)
