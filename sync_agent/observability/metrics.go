package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncCycles tracks finished sync cycles by final status.
	SyncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_sync_cycles_total",
		Help: "Total number of sync cycles by result status",
	}, []string{"status"})

	// SyncCycleDuration tracks the wall time of a sync cycle.
	SyncCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldsync_sync_cycle_duration_seconds",
		Help:    "Duration of a full sync cycle (queue drain + download pass)",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	})

	// SyncSkipped tracks cycles that did no work, by reason.
	SyncSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_sync_skipped_total",
		Help: "Sync cycles skipped before doing any work",
	}, []string{"reason"}) // reason: in_progress, offline, lease_held

	// QueueEntriesProcessed tracks queue entry outcomes.
	QueueEntriesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_queue_entries_processed_total",
		Help: "Sync queue entries processed by type and outcome",
	}, []string{"type", "outcome"}) // outcome: confirmed, failed, abandoned

	// QueueEnqueued tracks enqueue attempts, including deduplicated ones.
	QueueEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_queue_enqueued_total",
		Help: "Mutations enqueued for replay",
	}, []string{"type", "result"}) // result: created, deduplicated

	// QueueDepth tracks the number of pending queue entries.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_queue_depth",
		Help: "Current number of pending sync queue entries",
	})

	// QueueOldestEntryAge tracks the age of the oldest pending entry.
	QueueOldestEntryAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_queue_oldest_entry_age_seconds",
		Help: "Age of the oldest pending sync queue entry in seconds",
	})

	// DeadLetters tracks the number of abandoned entries kept for diagnostics.
	DeadLetters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_dead_letters",
		Help: "Current number of abandoned sync queue entries",
	})

	// Online reports connectivity (1 = online).
	Online = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_online",
		Help: "Connectivity as seen by the monitor (1=online, 0=offline)",
	})

	// ConnectivityTransitions tracks online/offline flips.
	ConnectivityTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_connectivity_transitions_total",
		Help: "Connectivity transitions observed by the monitor",
	}, []string{"to"})

	// SyncTriggers tracks why cycles were requested.
	SyncTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_sync_triggers_total",
		Help: "Sync cycle triggers by source",
	}, []string{"trigger"}) // trigger: startup, online, periodic, manual, retry

	// LeaseEvents tracks cross-process sync lease activity.
	LeaseEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_sync_lease_events_total",
		Help: "Sync lease acquisitions, contentions and losses",
	}, []string{"event"})

	// CacheErrors tracks local store failures degraded to empty results.
	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_cache_errors_total",
		Help: "Local store errors degraded by the cache guard",
	}, []string{"op"})

	// CacheDegraded reports whether the last cache operation failed.
	CacheDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_cache_degraded",
		Help: "1 if the local store is currently failing",
	})

	// StoreRecreated tracks destroy-and-recreate on schema version conflicts.
	StoreRecreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_store_recreated_total",
		Help: "Local store recreations caused by schema version conflicts",
	})

	// RemoteRequestDuration tracks remote API latency.
	RemoteRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fieldsync_remote_request_duration_seconds",
		Help:    "Remote API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "code"})

	// RedisLatency tracks Redis operation latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldsync_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	// StreamClients tracks connected status stream clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_stream_clients",
		Help: "Connected sync status WebSocket clients",
	})
)
