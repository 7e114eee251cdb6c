package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callkit_active_calls",
		Help: "Number of call windows currently alive",
	})

	CallsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callkit_calls_started_total",
		Help: "Total number of call windows opened",
	}, []string{"role"}) // "caller" | "receiver"

	CallsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callkit_calls_ended_total",
		Help: "Total number of calls reaching a terminal state",
	}, []string{"outcome"}) // "ended" | "declined" | "failed" | "missed"

	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "callkit_call_duration_seconds",
		Help:    "Duration of connected calls",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
	})

	CallSetupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "callkit_call_setup_seconds",
		Help:    "Time from window start to connected",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
	}, []string{"role"})

	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callkit_sessions_created_total",
		Help: "Total number of call session records created",
	})

	SessionDedupHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callkit_session_dedup_hits_total",
		Help: "FindOrCreate calls answered by an already active session",
	})

	SignalingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callkit_signaling_messages_total",
		Help: "Total signaling writes and applications",
	}, []string{"type", "direction"}) // type: "offer"|"answer"|"ice"|"status", direction: "in"|"out"

	SignalingOrderErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callkit_signaling_order_errors_total",
		Help: "Signaling updates ignored due to phase mismatch or duplication",
	})

	ICECandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callkit_ice_candidates_total",
		Help: "Total number of ICE candidates exchanged",
	}, []string{"side", "direction"}) // side: "caller"|"receiver"

	BufferedCandidatesReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callkit_buffered_candidates_replayed_total",
		Help: "Candidates applied from the buffer after the remote description landed",
	})

	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callkit_state_transitions_total",
		Help: "Call window state transitions",
	}, []string{"state"})

	MediaAcquireFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callkit_media_acquire_failures_total",
		Help: "Local media acquisition failures",
	}, []string{"reason"})

	StoreOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callkit_store_operations_total",
		Help: "Signaling store operations",
	}, []string{"op", "result"}) // result: "ok" | "error"

	StoreSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callkit_store_subscriptions",
		Help: "Number of live document subscriptions",
	})

	RingTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callkit_ring_timeouts_total",
		Help: "Calls that timed out waiting for an answer",
	})

	SignalingTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callkit_signaling_timeouts_total",
		Help: "Calls that timed out before transport connectivity",
	})

	PLIRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callkit_pli_requests_total",
		Help: "Total PLI requests (indicates video quality issues)",
	})

	NACKRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callkit_nack_requests_total",
		Help: "Total NACK requests (indicates packet loss)",
	})

	ActiveClientSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callkit_active_client_sockets",
		Help: "Number of active client WebSocket connections",
	})

	ConfigReloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callkit_config_reloads_total",
		Help: "Number of configuration reloads",
	})

	StartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callkit_start_time_seconds",
		Help: "Server start time in Unix seconds",
	})
)
