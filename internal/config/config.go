// Package config provides centralized configuration management.
// This is the SINGLE SOURCE OF TRUTH for grid, pathfinding and server settings.
//
// Values resolve in three layers: defaults, then the optional YAML file named
// by CONFIG_FILE, then environment variables. Configuration is read once at
// startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"crowd-nav/internal/sim"
	"crowd-nav/internal/sim/pathing"
	"crowd-nav/internal/sim/spatial"
)

var ErrInvalidConfig = errors.New("invalid config")

// =============================================================================
// GRID CONFIGURATION
// =============================================================================

// GridConfig describes the navigation grid and how walls are sampled.
type GridConfig struct {
	Width                 int     `yaml:"width"`
	Height                int     `yaml:"height"`
	CellSize              float64 `yaml:"cell_size"`
	ObstacleLayer         int     `yaml:"obstacle_layer"`
	RebuildWallsEveryTick bool    `yaml:"rebuild_walls_every_tick"`
	SampleShards          int     `yaml:"sample_shards"` // parallel wall sampling shards
}

// DefaultGrid returns the default grid configuration.
func DefaultGrid() GridConfig {
	return GridConfig{
		Width:         256,
		Height:        256,
		CellSize:      1.0,
		ObstacleLayer: 6,
		SampleShards:  64,
	}
}

// GridFromEnv applies environment overrides to base.
func GridFromEnv(base GridConfig) GridConfig {
	cfg := base
	if w := getEnvInt("GRID_WIDTH", 0); w > 0 {
		cfg.Width = w
	}
	if h := getEnvInt("GRID_HEIGHT", 0); h > 0 {
		cfg.Height = h
	}
	if cs := getEnvFloat("GRID_CELL_SIZE", 0); cs > 0 {
		cfg.CellSize = cs
	}
	cfg.ObstacleLayer = getEnvInt("OBSTACLE_LAYER", cfg.ObstacleLayer)
	cfg.RebuildWallsEveryTick = getEnvBool("REBUILD_WALLS_EVERY_TICK", cfg.RebuildWallsEveryTick)
	if s := getEnvInt("WALL_SAMPLE_SHARDS", 0); s > 0 {
		cfg.SampleShards = s
	}
	return cfg
}

// =============================================================================
// PATHFINDING CONFIGURATION
// =============================================================================

// PathfindingConfig sizes the A* workers.
type PathfindingConfig struct {
	HeapInitialCapacity int `yaml:"heap_initial_capacity"`
	SearchWorkers       int `yaml:"search_workers"`
}

// DefaultPathfinding returns the default A* configuration.
func DefaultPathfinding() PathfindingConfig {
	return PathfindingConfig{
		HeapInitialCapacity: pathing.DefaultHeapCapacity,
		SearchWorkers:       runtime.NumCPU(),
	}
}

// PathfindingFromEnv applies environment overrides to base.
func PathfindingFromEnv(base PathfindingConfig) PathfindingConfig {
	cfg := base
	if c := getEnvInt("ASTAR_HEAP_CAPACITY", 0); c > 0 {
		cfg.HeapInitialCapacity = c
	}
	if w := getEnvInt("SEARCH_WORKERS", 0); w > 0 {
		cfg.SearchWorkers = w
	}
	return cfg
}

// =============================================================================
// FLOW FIELD CONFIGURATION
// =============================================================================

// FlowFieldConfig sizes the flow field pool.
type FlowFieldConfig struct {
	PoolCapacity     int    `yaml:"pool_capacity"`
	PropagationCap   int    `yaml:"propagation_cap"`
	ExhaustionPolicy string `yaml:"exhaustion_policy"` // "reject" or "evict"
}

// DefaultFlowField returns the default flow field configuration.
func DefaultFlowField() FlowFieldConfig {
	return FlowFieldConfig{
		PoolCapacity:     64,
		PropagationCap:   pathing.DefaultPropagationCap,
		ExhaustionPolicy: "reject",
	}
}

// FlowFieldFromEnv applies environment overrides to base.
func FlowFieldFromEnv(base FlowFieldConfig) FlowFieldConfig {
	cfg := base
	if c := getEnvInt("FLOWFIELD_POOL_CAPACITY", 0); c > 0 {
		cfg.PoolCapacity = c
	}
	if c := getEnvInt("FLOWFIELD_PROPAGATION_CAP", 0); c > 0 {
		cfg.PropagationCap = c
	}
	if p := os.Getenv("FLOWFIELD_EXHAUSTION_POLICY"); p != "" {
		cfg.ExhaustionPolicy = p
	}
	return cfg
}

// =============================================================================
// KD-TREE CONFIGURATION
// =============================================================================

// KDTreeConfig tunes the neighbour tree.
type KDTreeConfig struct {
	LeafThreshold int `yaml:"leaf_threshold"`
}

// DefaultKDTree returns the default KD-tree configuration.
func DefaultKDTree() KDTreeConfig {
	return KDTreeConfig{LeafThreshold: spatial.DefaultLeafSize}
}

// KDTreeFromEnv applies environment overrides to base.
func KDTreeFromEnv(base KDTreeConfig) KDTreeConfig {
	cfg := base
	if l := getEnvInt("KDTREE_LEAF_THRESHOLD", 0); l > 0 {
		cfg.LeafThreshold = l
	}
	return cfg
}

// =============================================================================
// SIMULATION CONFIGURATION
// =============================================================================

// SimConfig holds tick and agent settings.
type SimConfig struct {
	TickRate       int     `yaml:"tick_rate"`
	MaxAgents      int     `yaml:"max_agents"`
	DefaultSpeed   float64 `yaml:"default_speed"` // world units per second
	AgentRadius    float64 `yaml:"agent_radius"`
	NeighborDist   float64 `yaml:"neighbor_dist"`
	MaxNeighbors   int     `yaml:"max_neighbors"`
	ArriveRadius   float64 `yaml:"arrive_radius"`
	MaxFollowTicks int     `yaml:"max_follow_ticks"`
	Wander         bool    `yaml:"wander"`
	Seed           int64   `yaml:"seed"`
	InitialAgents  int     `yaml:"initial_agents"`  // spawned at startup
	FlowFieldShare float64 `yaml:"flowfield_share"` // fraction of initial agents using flow fields
}

// DefaultSim returns the default simulation configuration.
func DefaultSim() SimConfig {
	d := sim.DefaultEngineConfig()
	return SimConfig{
		TickRate:       d.TickRate,
		MaxAgents:      d.MaxAgents,
		DefaultSpeed:   d.Agent.Speed,
		AgentRadius:    d.Agent.Radius,
		NeighborDist:   d.Agent.NeighborDist,
		MaxNeighbors:   d.Agent.MaxNeighbors,
		ArriveRadius:   d.ArriveRadius,
		MaxFollowTicks: d.MaxFollowTicks,
		Wander:         true,
		Seed:           d.Seed,
		InitialAgents:  200,
		FlowFieldShare: 0.5,
	}
}

// SimFromEnv applies environment overrides to base.
func SimFromEnv(base SimConfig) SimConfig {
	cfg := base
	if r := getEnvInt("TICK_RATE", 0); r > 0 {
		cfg.TickRate = r
	}
	if m := getEnvInt("MAX_AGENTS", 0); m > 0 {
		cfg.MaxAgents = m
	}
	if s := getEnvFloat("AGENT_SPEED", 0); s > 0 {
		cfg.DefaultSpeed = s
	}
	if r := getEnvFloat("ARRIVE_RADIUS", 0); r > 0 {
		cfg.ArriveRadius = r
	}
	cfg.Wander = getEnvBool("WANDER", cfg.Wander)
	if v := os.Getenv("SIM_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Seed = seed
		}
	}
	cfg.InitialAgents = getEnvInt("INITIAL_AGENTS", cfg.InitialAgents)
	if s := getEnvFloat("FLOWFIELD_SHARE", -1); s >= 0 {
		cfg.FlowFieldShare = s
	}
	return cfg
}

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port             int      `yaml:"port"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	RequestsPerSec   float64  `yaml:"requests_per_sec"` // per-IP rate limit
	Burst            int      `yaml:"burst"`
	TargetsPerSec    float64  `yaml:"targets_per_sec"` // per-IP spawns and target changes
	TargetBurst      int      `yaml:"target_burst"`
	TrustProxy       bool     `yaml:"trust_proxy"`  // key clients on X-Forwarded-For
	BroadcastHz      int      `yaml:"broadcast_hz"` // websocket snapshot rate
	MaxWSConnections int      `yaml:"max_ws_connections"`
	MaxWSPerIP       int      `yaml:"max_ws_per_ip"`
	AdminToken       string   `yaml:"admin_token"` // required for map writes when set
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:             3000,
		RequestsPerSec:   20,
		Burst:            40,
		TargetsPerSec:    5,
		TargetBurst:      10,
		BroadcastHz:      10,
		MaxWSConnections: 100,
		MaxWSPerIP:       5,
	}
}

// ServerFromEnv applies environment overrides to base.
func ServerFromEnv(base ServerConfig) ServerConfig {
	cfg := base
	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Port = p
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	if r := getEnvFloat("RATE_LIMIT_RPS", 0); r > 0 {
		cfg.RequestsPerSec = r
	}
	if b := getEnvInt("RATE_LIMIT_BURST", 0); b > 0 {
		cfg.Burst = b
	}
	if r := getEnvFloat("TARGET_RATE_LIMIT_RPS", 0); r > 0 {
		cfg.TargetsPerSec = r
	}
	if b := getEnvInt("TARGET_RATE_LIMIT_BURST", 0); b > 0 {
		cfg.TargetBurst = b
	}
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", cfg.TrustProxy)
	if hz := getEnvInt("WS_BROADCAST_HZ", 0); hz > 0 {
		cfg.BroadcastHz = hz
	}
	if m := getEnvInt("MAX_WS_CONNECTIONS", 0); m > 0 {
		cfg.MaxWSConnections = m
	}
	if m := getEnvInt("MAX_WS_PER_IP", 0); m > 0 {
		cfg.MaxWSPerIP = m
	}
	cfg.AdminToken = getEnvString("ADMIN_TOKEN", cfg.AdminToken)
	return cfg
}

// =============================================================================
// STORAGE CONFIGURATION
// =============================================================================

// StorageConfig names the map and event log files.
type StorageConfig struct {
	MapFile      string `yaml:"map_file"`    // YAML obstacle map loaded at startup
	MapDBPath    string `yaml:"map_db_path"` // SQLite map store ("" disables)
	MapName      string `yaml:"map_name"`    // map to load from the store at startup
	EventLogPath string `yaml:"event_log_path"`
}

// DefaultStorage returns the default storage configuration.
func DefaultStorage() StorageConfig {
	return StorageConfig{
		MapDBPath:    "data/maps.db",
		EventLogPath: "data/events.jsonl",
	}
}

// StorageFromEnv applies environment overrides to base.
func StorageFromEnv(base StorageConfig) StorageConfig {
	cfg := base
	cfg.MapFile = getEnvString("MAP_FILE", cfg.MapFile)
	cfg.MapDBPath = getEnvString("MAP_DB_PATH", cfg.MapDBPath)
	cfg.MapName = getEnvString("MAP_NAME", cfg.MapName)
	cfg.EventLogPath = getEnvString("EVENT_LOG_PATH", cfg.EventLogPath)
	return cfg
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Grid        GridConfig        `yaml:"grid"`
	Pathfinding PathfindingConfig `yaml:"pathfinding"`
	FlowField   FlowFieldConfig   `yaml:"flowfield"`
	KDTree      KDTreeConfig      `yaml:"kdtree"`
	Sim         SimConfig         `yaml:"sim"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
}

// Default returns every section at its default.
func Default() AppConfig {
	return AppConfig{
		Grid:        DefaultGrid(),
		Pathfinding: DefaultPathfinding(),
		FlowField:   DefaultFlowField(),
		KDTree:      DefaultKDTree(),
		Sim:         DefaultSim(),
		Server:      DefaultServer(),
		Storage:     DefaultStorage(),
	}
}

// Load returns the complete configuration: defaults, the CONFIG_FILE overlay
// if set, then environment overrides.
func Load() (AppConfig, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.OverlayFile(path); err != nil {
			return cfg, err
		}
	}
	cfg = cfg.WithEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// OverlayFile decodes the YAML file at path over c. Keys missing from the
// file keep their current values.
func (c *AppConfig) OverlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// WithEnv applies every section's environment overrides.
func (c AppConfig) WithEnv() AppConfig {
	return AppConfig{
		Grid:        GridFromEnv(c.Grid),
		Pathfinding: PathfindingFromEnv(c.Pathfinding),
		FlowField:   FlowFieldFromEnv(c.FlowField),
		KDTree:      KDTreeFromEnv(c.KDTree),
		Sim:         SimFromEnv(c.Sim),
		Server:      ServerFromEnv(c.Server),
		Storage:     StorageFromEnv(c.Storage),
	}
}

// Validate rejects values the engine cannot run with.
func (c AppConfig) Validate() error {
	var problems []string
	if c.Grid.Width <= 0 || c.Grid.Height <= 0 {
		problems = append(problems, fmt.Sprintf("grid %dx%d", c.Grid.Width, c.Grid.Height))
	}
	if c.Grid.CellSize <= 0 {
		problems = append(problems, fmt.Sprintf("cell size %g", c.Grid.CellSize))
	}
	if c.FlowField.PoolCapacity <= 0 {
		problems = append(problems, fmt.Sprintf("flow field pool capacity %d", c.FlowField.PoolCapacity))
	}
	if _, err := pathing.ParsePolicy(c.FlowField.ExhaustionPolicy); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Sim.TickRate <= 0 {
		problems = append(problems, fmt.Sprintf("tick rate %d", c.Sim.TickRate))
	}
	if c.Sim.MaxAgents <= 0 {
		problems = append(problems, fmt.Sprintf("max agents %d", c.Sim.MaxAgents))
	}
	if c.Sim.FlowFieldShare < 0 || c.Sim.FlowFieldShare > 1 {
		problems = append(problems, fmt.Sprintf("flow field share %g", c.Sim.FlowFieldShare))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Engine converts the configuration into engine settings.
func (c AppConfig) Engine() (sim.EngineConfig, error) {
	policy, err := pathing.ParsePolicy(c.FlowField.ExhaustionPolicy)
	if err != nil {
		return sim.EngineConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg := sim.DefaultEngineConfig()
	cfg.Grid = spatial.NewGrid(c.Grid.Width, c.Grid.Height, c.Grid.CellSize)
	cfg.ObstacleLayer = c.Grid.ObstacleLayer
	cfg.RebuildWallsEveryTick = c.Grid.RebuildWallsEveryTick
	cfg.SampleShards = c.Grid.SampleShards
	cfg.HeapInitialCapacity = c.Pathfinding.HeapInitialCapacity
	cfg.SearchWorkers = c.Pathfinding.SearchWorkers
	cfg.Cache = pathing.CacheConfig{
		Capacity:       c.FlowField.PoolCapacity,
		PropagationCap: c.FlowField.PropagationCap,
		Policy:         policy,
	}
	cfg.LeafThreshold = c.KDTree.LeafThreshold
	cfg.TickRate = c.Sim.TickRate
	cfg.MaxAgents = c.Sim.MaxAgents
	cfg.ArriveRadius = c.Sim.ArriveRadius
	cfg.MaxFollowTicks = c.Sim.MaxFollowTicks
	cfg.Wander = c.Sim.Wander
	cfg.Seed = c.Sim.Seed
	cfg.Agent = sim.SimDefaults{
		Speed:        c.Sim.DefaultSpeed,
		Radius:       c.Sim.AgentRadius,
		NeighborDist: c.Sim.NeighborDist,
		MaxNeighbors: c.Sim.MaxNeighbors,
	}
	return cfg, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvString(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
