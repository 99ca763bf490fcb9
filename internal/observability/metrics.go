// Package observability holds the process-wide Prometheus metrics and the
// localhost debug server (pprof, /metrics, /health).
package observability

import (
	"errors"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Phase names used as the "phase" label. Keep in sync with the engine.
var Phases = []string{"walls", "intake", "astar", "flowfield", "motion", "neighbors"}

// Metrics with bounded cardinality (no per-agent labels)
var (
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nav_tick_duration_seconds",
		Help:    "Time spent in one simulation tick",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
	})

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nav_phase_duration_seconds",
		Help:    "Time spent in each tick phase",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	}, []string{"phase"}) // Bounded: Phases

	astarSearches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nav_astar_searches_total",
		Help: "A* searches by outcome",
	}, []string{"outcome"}) // Bounded: "found", "no_path", "error"

	astarExpanded = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nav_astar_expanded_nodes",
		Help:    "Nodes closed per A* search",
		Buckets: prometheus.ExponentialBuckets(8, 4, 8),
	})

	flowFieldAcquire = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nav_flowfield_acquire_total",
		Help: "Flow field acquisitions by outcome",
	}, []string{"outcome"}) // Bounded: "hit", "miss", "evicted", "exhausted"

	flowFieldPropagations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nav_flowfield_propagations_total",
		Help: "Wavefront propagations run",
	})

	flowFieldTruncated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nav_flowfield_truncated_total",
		Help: "Propagations stopped by the safety cap",
	})

	flowFieldsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nav_flowfields_live",
		Help: "Flow field instances with at least one reference",
	})

	agentCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nav_agent_count",
		Help: "Current number of agents",
	})

	kdNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nav_kdtree_nodes",
		Help: "Nodes in the last KD-tree build",
	})

	wallCells = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nav_wall_cells",
		Help: "Blocked cells in the wall index",
	})

	eventLogDropped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nav_event_log_dropped",
		Help: "Events dropped due to rate limiting or buffer full",
	})

	renderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nav_render_duration_seconds",
		Help:    "Time spent rendering a debug frame",
		Buckets: []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.25},
	})

	// DoS detection metrics - use ONLY bounded label values
	connectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connection_rejected_total",
		Help: "Connections rejected by rate limiter or origin check",
	}, []string{"reason"}) // Bounded: "rate_limit", "origin", "ws_total_limit", "ws_ip_limit"

	// HTTP metrics with bounded labels
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"}) // endpoint is the route pattern, not the URL

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	rateLimitClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rate_limit_clients",
		Help: "Client addresses currently tracked by the API rate limiter",
	})

	wsConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "websocket_connections_active",
		Help: "Currently active WebSocket connections",
	})

	wsMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "websocket_messages_total",
		Help: "Total WebSocket messages sent",
	})
)

// Config configures the debug server
type Config struct {
	Enabled       bool
	ListenAddr    string // MUST be "127.0.0.1:6060" in production
	BasicAuthUser string // Optional basic auth
	BasicAuthPass string
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060", // Localhost only - NEVER expose externally
	}
}

// ConfigFromEnv reads DEBUG_SERVER_ENABLED, DEBUG_BASIC_AUTH_USER and
// DEBUG_BASIC_AUTH_PASS on top of the defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if os.Getenv("DEBUG_SERVER_ENABLED") == "false" {
		cfg.Enabled = false
	}
	if addr := os.Getenv("DEBUG_SERVER_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	cfg.BasicAuthUser = os.Getenv("DEBUG_BASIC_AUTH_USER")
	cfg.BasicAuthPass = os.Getenv("DEBUG_BASIC_AUTH_PASS")
	return cfg
}

// Handler returns the debug mux (pprof, /metrics, /health), wrapped in basic
// auth when configured.
func Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	if cfg.BasicAuthUser != "" {
		return basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass, mux)
	}
	return mux
}

// StartDebugServer starts the internal observability server
// CRITICAL: This MUST bind to localhost only to prevent pprof-based DoS
func StartDebugServer(cfg Config) *http.Server {
	if !cfg.Enabled {
		log.Println("📊 Debug server disabled")
		return nil
	}

	if cfg.ListenAddr != "127.0.0.1:6060" && cfg.ListenAddr != "localhost:6060" {
		// Only allow external binding if explicitly enabled via env
		if os.Getenv("ALLOW_DEBUG_EXTERNAL") != "true" {
			log.Println("⚠️ Debug server forced to localhost for security")
			cfg.ListenAddr = "127.0.0.1:6060"
		}
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           Handler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("📊 Debug server starting on %s", cfg.ListenAddr)
		log.Printf("   - pprof:   http://%s/debug/pprof/", cfg.ListenAddr)
		log.Printf("   - metrics: http://%s/metrics", cfg.ListenAddr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("⚠️ Debug server error: %v", err)
		}
	}()

	return srv
}

// basicAuthMiddleware adds basic authentication to the handler
func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecordTick records tick timing for metrics
func RecordTick(duration time.Duration) {
	tickDuration.Observe(duration.Seconds())
}

// RecordPhase records one phase's duration. phase must be one of Phases.
func RecordPhase(phase string, duration time.Duration) {
	phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordSearch records an A* outcome ("found", "no_path", "error") and its
// expanded node count.
func RecordSearch(outcome string, expanded int) {
	astarSearches.WithLabelValues(outcome).Inc()
	astarExpanded.Observe(float64(expanded))
}

// RecordFlowFieldAcquire records a cache outcome ("hit", "miss", "evicted",
// "exhausted"). Misses and evictions ran a propagation.
func RecordFlowFieldAcquire(outcome string, truncated bool) {
	flowFieldAcquire.WithLabelValues(outcome).Inc()
	if outcome == "miss" || outcome == "evicted" {
		flowFieldPropagations.Inc()
		if truncated {
			flowFieldTruncated.Inc()
		}
	}
}

// UpdateWorld updates the per-tick gauges.
func UpdateWorld(agents, liveFields, nodes, walls int) {
	agentCount.Set(float64(agents))
	flowFieldsLive.Set(float64(liveFields))
	kdNodes.Set(float64(nodes))
	wallCells.Set(float64(walls))
}

// UpdateEventLogDropped publishes the event log drop count
func UpdateEventLogDropped(dropped uint64) {
	eventLogDropped.Set(float64(dropped))
}

// RecordRender records render timing for metrics
func RecordRender(duration time.Duration) {
	renderDuration.Observe(duration.Seconds())
}

// RecordConnectionRejected increments the rejection counter
// reason must be one of: "rate_limit", "target_rate_limit", "origin",
// "ws_total_limit", "ws_ip_limit"
func RecordConnectionRejected(reason string) {
	connectionRejected.WithLabelValues(reason).Inc()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, endpoint string, status int, duration time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	requestTotal.WithLabelValues(method, endpoint, http.StatusText(status)).Inc()
}

// UpdateRateLimitClients publishes the rate limiter's tracked client count
func UpdateRateLimitClients(count int) {
	rateLimitClients.Set(float64(count))
}

// UpdateWSConnections updates WebSocket connection count
func UpdateWSConnections(count int) {
	wsConnectionsActive.Set(float64(count))
}

// IncrementWSMessages increments WebSocket message counter
func IncrementWSMessages() {
	wsMessagesTotal.Inc()
}
