package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "safewalk"

// Client-side core.
var (
	HeartbeatTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "heartbeat_ticks_total", Help: "Heartbeat ticks by outcome"},
		[]string{"outcome"},
	)
	StatusPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "status_polls_total", Help: "Request status polls by outcome"},
		[]string{"outcome"},
	)
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "status_transitions_total", Help: "Logical status transitions"},
		[]string{"from", "to"},
	)
	RelayClients = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "relay_clients", Help: "Attached screen connections"})
)

// Reference backend.
var (
	MatchesTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total number of matches"})
	NoMatchTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "no_match_total", Help: "Requests with no escort available"})
	MatchLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})
	EscortsOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "escorts_online", Help: "Number of registered escorts"})
	CodeVerifyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "code_verifications_total", Help: "Pairing code verifications by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
