// Package metrics exposes the engine's Prometheus instruments. A single
// Metrics value is constructed at startup and handed to the components
// that record into it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument the engine records.
type Metrics struct {
	registry *prometheus.Registry

	LLMTokens        *prometheus.CounterVec
	LLMCostUSD       *prometheus.CounterVec
	LLMCalls         *prometheus.CounterVec
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	BatchDuration    *prometheus.HistogramVec
	CallbacksEmitted *prometheus.CounterVec
	TasksCompleted   *prometheus.CounterVec
}

// New creates and registers the engine instruments on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enrich",
			Name:      "llm_tokens_total",
			Help:      "Total LLM tokens by provider, operation tag, and direction.",
		}, []string{"provider", "operation_tag", "direction"}),
		LLMCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enrich",
			Name:      "llm_cost_usd_total",
			Help:      "Estimated LLM spend in USD by provider and operation tag.",
		}, []string{"provider", "operation_tag"}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enrich",
			Name:      "llm_calls_total",
			Help:      "LLM calls by provider and outcome (ok, error, fallback).",
		}, []string{"provider", "outcome"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enrich",
			Name:      "cache_hits_total",
			Help:      "Cache hits by tier (memory, api, llm).",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enrich",
			Name:      "cache_misses_total",
			Help:      "Cache misses by tier (memory, api, llm).",
		}, []string{"tier"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "enrich",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of batch-processor runs by enrichment type.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"enrichment_type"}),
		CallbacksEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enrich",
			Name:      "callbacks_emitted_total",
			Help:      "Outbound callback deliveries by status.",
		}, []string{"status"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enrich",
			Name:      "tasks_completed_total",
			Help:      "Task runs by enrichment type and terminal status.",
		}, []string{"enrichment_type", "status"}),
	}

	m.registry.MustRegister(
		m.LLMTokens, m.LLMCostUSD, m.LLMCalls,
		m.CacheHits, m.CacheMisses,
		m.BatchDuration, m.CallbacksEmitted, m.TasksCompleted,
	)
	return m
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
