// Package metrics wraps a Prometheus registry the way
// core/system_health_logging.go wrapped one in the teacher repo: a small
// struct of pre-registered gauges/counters plus a thin update API, instead
// of scattering prometheus.MustRegister calls across the codebase.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the gauges and counters the game-engine stack reports.
// `kktp serve metrics` creates one Registry and serves it; no core
// component is handed a Registry or updates it. There is no package-level
// singleton.
type Registry struct {
	reg *prometheus.Registry

	PoolAvailable  prometheus.Gauge
	PoolReserved   prometheus.Gauge
	PoolSpentTotal prometheus.Counter

	IndexerRows      *prometheus.GaugeVec
	IndexerEvictions prometheus.Counter
	IndexerFlushes   prometheus.Counter

	AnchorsSent   *prometheus.CounterVec
	AnchorFailed  prometheus.Counter
	AnchorLatency prometheus.Histogram

	MovesProcessed    prometheus.Counter
	VRFSyncWaits      prometheus.Counter
	SessionsFaulted   prometheus.Counter
	SessionsActive    prometheus.Gauge
	LobbyMembers      prometheus.Gauge
	GroupMsgsDropped  prometheus.Counter
	GroupMsgsBuffered prometheus.Gauge
}

// New builds a Registry with every metric registered and ready to observe.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		PoolAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kktp_utxo_pool_available",
			Help: "Number of AVAILABLE entries in the UTXO pool.",
		}),
		PoolReserved: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kktp_utxo_pool_reserved",
			Help: "Number of RESERVED entries in the UTXO pool.",
		}),
		PoolSpentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kktp_utxo_pool_spent_total",
			Help: "Total entries transitioned to SPENT.",
		}),
		IndexerRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kktp_indexer_rows",
			Help: "Rows held per indexer sub-store.",
		}, []string{"store"}),
		IndexerEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kktp_indexer_evictions_total",
			Help: "Total rows removed by TTL or size eviction.",
		}),
		IndexerFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kktp_indexer_flushes_total",
			Help: "Total flush cycles completed.",
		}),
		AnchorsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kktp_anchors_sent_total",
			Help: "Total anchors submitted, labelled by kind.",
		}, []string{"kind"}),
		AnchorFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kktp_anchor_failed_total",
			Help: "Total anchor submission failures.",
		}),
		AnchorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kktp_anchor_confirm_seconds",
			Help:    "Time from submission to confirmation for anchors.",
			Buckets: prometheus.DefBuckets,
		}),
		MovesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kktp_moves_processed_total",
			Help: "Total local moves processed.",
		}),
		VRFSyncWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kktp_vrf_sync_waits_total",
			Help: "Total VRF_SYNC_WAIT conditions raised.",
		}),
		SessionsFaulted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kktp_sessions_faulted_total",
			Help: "Total sessions transitioned to FAULTED.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kktp_sessions_active",
			Help: "Sessions currently ACTIVE.",
		}),
		LobbyMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kktp_lobby_members",
			Help: "Current member count of the local lobby, if any.",
		}),
		GroupMsgsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kktp_group_messages_dropped_total",
			Help: "Group messages dropped for stale key version.",
		}),
		GroupMsgsBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kktp_group_messages_buffered",
			Help: "Group messages currently buffered pending key rotation.",
		}),
	}

	reg.MustRegister(
		r.PoolAvailable, r.PoolReserved, r.PoolSpentTotal,
		r.IndexerRows, r.IndexerEvictions, r.IndexerFlushes,
		r.AnchorsSent, r.AnchorFailed, r.AnchorLatency,
		r.MovesProcessed, r.VRFSyncWaits, r.SessionsFaulted, r.SessionsActive,
		r.LobbyMembers, r.GroupMsgsDropped, r.GroupMsgsBuffered,
	)
	return r
}

// Gatherer exposes the underlying registry for an HTTP handler (promhttp).
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
