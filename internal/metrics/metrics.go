package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Terminal connection metrics collectors
var (
	// Connection lifecycle

	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bspterm_connections_active",
			Help: "Number of terminal connections with a running driver",
		},
		[]string{"protocol"},
	)

	ConnectionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bspterm_connection_events_total",
			Help: "Total number of connection lifecycle events",
		},
		[]string{"protocol", "event"},
	)

	ConnectDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bspterm_connect_duration_seconds",
			Help:    "Time from dial to a running driver in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"protocol"},
	)

	// Data path

	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bspterm_bytes_total",
			Help: "Total number of terminal bytes transferred",
		},
		[]string{"protocol", "direction"},
	)

	WakeupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bspterm_wakeups_total",
			Help: "Total number of debounced wakeup notifications",
		},
		[]string{"protocol"},
	)

	// Liveness

	KeepalivesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bspterm_keepalives_sent_total",
			Help: "Total number of keepalives sent",
		},
		[]string{"protocol", "status"},
	)

	ProbeResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bspterm_probe_results_total",
			Help: "Total number of reachability probe results",
		},
		[]string{"result"},
	)

	NAWSUpdatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bspterm_naws_updates_total",
			Help: "Total number of Telnet window size reports sent",
		},
	)

	// Registry

	RegistryTerminals = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bspterm_registry_terminals",
			Help: "Number of open terminals in the registry",
		},
		[]string{"source", "protocol"},
	)

	RegistryReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bspterm_registry_reaped_total",
			Help: "Total number of ended terminals removed by the registry collector",
		},
	)

	// Relay

	RelaySessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bspterm_relay_sessions_active",
			Help: "Number of WebSocket relay sessions",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bspterm_http_requests_total",
			Help: "Total number of relay HTTP requests",
		},
		[]string{"method", "route", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bspterm_http_request_duration_seconds",
			Help:    "Relay HTTP request duration in seconds, including relayed WebSocket sessions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Connection event labels
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
	EventChildExit    = "child_exit"
	EventDialFailed   = "dial_failed"
)

// Byte direction labels
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Probe result labels
const (
	ProbeReachable   = "reachable"
	ProbeUnreachable = "unreachable"
	ProbeUnavailable = "unavailable"
)
