package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"crowd-nav/internal/sim"
	"crowd-nav/internal/sim/pathing"
	"crowd-nav/internal/sim/spatial"
	"crowd-nav/internal/world"
)

// EngineInterface defines the engine methods used by the API.
// This interface enables mocking for tests without spinning up the tick loop.
// Keep this minimal - only include methods the API layer actually calls.
type EngineInterface interface {
	// GetSnapshot returns the latest published snapshot and its release func
	GetSnapshot() (*sim.Snapshot, func())
	Stats() sim.EngineStats
	Grid() spatial.Grid

	GetAgent(id string) (sim.AgentSnapshot, error)
	Spawn(opts sim.AgentOptions) (*sim.Agent, error)
	SpawnRandom(n int, strategy sim.Strategy) ([]*sim.Agent, error)
	Remove(id string) error
	SetTarget(id string, x, y float64) error
	SetTargetWithStrategy(id string, x, y float64, s sim.Strategy) error

	// FindPath runs a one-off A* search on the current walls
	FindPath(sx, sy, gx, gy float64) (pathing.Result, error)
	Walls() []spatial.Coord
	WithFlowField(slot int, fn func(*pathing.FlowField)) bool
	SetObstacles(q spatial.OverlapQuery) spatial.WallStats
	RecentEvents(n int) []sim.Event
}

// MapStore is the persisted map catalogue. world.MapStore implements it.
type MapStore interface {
	Save(name string, m *world.ObstacleMap) error
	Load(name string) (*world.ObstacleMap, error)
	List() ([]world.MapInfo, error)
	Delete(name string) error
}

// RouterConfig contains all dependencies needed to construct the HTTP router.
// This struct is designed for dependency injection and testability.
//
// Example usage in tests:
//
//	cfg := api.RouterConfig{
//	    Engine: mockEngine,
//	    RateLimitConfig: &api.RateLimitConfig{
//	        RequestsPerSecond: 1000, // High limits for tests
//	        Burst:             1000,
//	        TargetsPerSecond:  1000,
//	        TargetBurst:       1000,
//	    },
//	}
//	router := api.NewRouter(cfg)
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	// Engine is the navigation engine (required)
	Engine EngineInterface

	// Maps is the optional map store. Map routes answer 503 without it.
	Maps MapStore

	// RateLimiter is an optional pre-configured rate limiter.
	// If nil, a new one will be created using RateLimitConfig.
	RateLimiter *ClientLimiter

	// RateLimitConfig is optional configuration for the rate limiter.
	// Only used if RateLimiter is nil. If both are nil, uses DefaultRateLimitConfig.
	RateLimitConfig *RateLimitConfig

	// Connections is the websocket connection limiter reported by /api/stats.
	Connections *ConnLimiter

	// CORSOrigins is an optional list of allowed CORS origins.
	// If nil, uses DefaultOrigins.
	CORSOrigins []string

	// AdminToken, when set, is required as a bearer token on map writes.
	AdminToken string

	// DisableLogging disables the request logger middleware (useful for benchmarks).
	DisableLogging bool
}

// routerHandlers holds the handler dependencies for the router.
type routerHandlers struct {
	engine  EngineInterface
	maps    MapStore
	limiter *ClientLimiter
	conns   *ConnLimiter
}

// NewRouter constructs the HTTP router with all middleware and routes.
//
// IMPORTANT: This function is PURE apart from the rate limiter's idle sweep,
// which is only started when no RateLimiter is passed in:
//   - No network listeners are opened
//   - No engine ticks are run
//
// This makes it safe to use in tests with httptest.NewServer.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware - Order matters!
	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	// Rate limiting (BEFORE CORS to reject early and save CPU)
	limiter := cfg.RateLimiter
	if limiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		limiter = NewClientLimiter(rateLimitCfg)
	}
	r.Use(limiter.Limit(BudgetRequest))

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = DefaultOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	h := &routerHandlers{
		engine:  cfg.Engine,
		maps:    cfg.Maps,
		limiter: limiter,
		conns:   cfg.Connections,
	}
	// Spawns and target changes land in the engine's bounded request queue.
	targets := limiter.Limit(BudgetTarget)

	r.Route("/api", func(r chi.Router) {
		// Simulation state
		r.Get("/state", h.handleGetState)
		r.Get("/stats", h.handleGetStats)
		r.Get("/events", h.handleGetEvents)
		r.Get("/walls", h.handleGetWalls)
		r.Get("/path", h.handleFindPath)

		// Agents
		r.With(targets).Post("/agents", h.handleSpawnAgents)
		r.Get("/agents/{id}", h.handleGetAgent)
		r.Delete("/agents/{id}", h.handleRemoveAgent)
		r.With(targets).Post("/agents/{id}/target", h.handleSetTarget)

		// Flow fields
		r.Get("/flowfields", h.handleListFlowFields)
		r.Get("/flowfields/{slot}", h.handleGetFlowField)

		r.Get("/debug/frame.png", h.handleDebugFrame)

		// Obstacle maps
		r.Route("/maps", func(r chi.Router) {
			r.Get("/", h.handleListMaps)
			r.Get("/{name}", h.handleGetMap)
			r.Group(func(r chi.Router) {
				r.Use(adminTokenMiddleware(cfg.AdminToken))
				r.Post("/{name}", h.handleSaveMap)
				r.Delete("/{name}", h.handleDeleteMap)
				r.Post("/{name}/apply", h.handleApplyMap)
			})
		})
	})

	// Default route
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/api/stats", http.StatusFound)
	})

	return r
}
