package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdb_messages_appended_total",
		Help: "Messages appended to threads, by role.",
	}, []string{"role"})

	MessagesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentdb_messages_deleted_total",
		Help: "Messages removed by range deletes and cascades.",
	})

	StreamsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentdb_streams_opened_total",
		Help: "Delta streams opened.",
	})

	StreamsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdb_streams_closed_total",
		Help: "Delta streams closed, by final status.",
	}, []string{"status"})

	DeltasFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentdb_deltas_flushed_total",
		Help: "Delta rows written to the buffer.",
	})

	FlushLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentdb_delta_flush_seconds",
		Help:    "Latency of a coalesced delta flush.",
		Buckets: prometheus.DefBuckets,
	})

	SweeperRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentdb_sweeper_runs_total",
		Help: "Retention sweeper executions.",
	})

	CascadedThreads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentdb_threads_cascaded_total",
		Help: "Threads whose contents were cascade-deleted.",
	})

	ModelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdb_model_calls_total",
		Help: "Model invocations, by outcome.",
	}, []string{"outcome"})

	ContextAssemblies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentdb_context_assemblies_total",
		Help: "Context assembly runs.",
	})
)
