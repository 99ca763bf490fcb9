package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"crowd-nav/internal/api"
	"crowd-nav/internal/config"
	"crowd-nav/internal/observability"
	"crowd-nav/internal/sim"
	"crowd-nav/internal/world"
)

func main() {
	// Load .env file from parent directory
	if err := godotenv.Load("../.env"); err != nil {
		// Try current directory as fallback
		if err := godotenv.Load(".env"); err != nil {
			log.Println("💡 No .env file found, using environment variables only")
		}
	} else {
		log.Println("✅ Loaded environment from ../.env")
	}

	log.Println("🧭 ================================")
	log.Println("🧭  CROWD NAV - GO ENGINE")
	log.Println("🧭  A* + shared flow fields")
	log.Println("🧭 ================================")

	appConfig, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}
	engineCfg, err := appConfig.Engine()
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}
	simCfg := appConfig.Sim
	serverCfg := appConfig.Server
	storageCfg := appConfig.Storage

	log.Printf("🗺️ Grid: %dx%d cells of %.2f units", engineCfg.Grid.Width, engineCfg.Grid.Height, engineCfg.Grid.CellSize)
	log.Printf("🧭 Config: %d TPS, %d search workers, %d flow field slots (%s)",
		engineCfg.TickRate, engineCfg.SearchWorkers, engineCfg.Cache.Capacity, engineCfg.Cache.Policy)

	// Map store (optional)
	var store *world.MapStore
	if storageCfg.MapDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(storageCfg.MapDBPath), 0755); err != nil {
			log.Printf("⚠️ Map store disabled: %v", err)
		} else if store, err = world.OpenMapStore(storageCfg.MapDBPath); err != nil {
			log.Printf("⚠️ Map store disabled: %v", err)
			store = nil
		} else {
			log.Printf("💾 Map store: %s", storageCfg.MapDBPath)
		}
	}

	worldW, worldH := engineCfg.Grid.WorldSize()
	obstacles := loadObstacles(storageCfg, store, worldW, worldH)
	log.Printf("🧱 Obstacle map %q: %d rects, %d circles", obstacles.Name, len(obstacles.Rects), len(obstacles.Circles))

	engine := sim.NewEngine(engineCfg, obstacles)

	// Start event log
	if storageCfg.EventLogPath != "" {
		if err := os.MkdirAll(filepath.Dir(storageCfg.EventLogPath), 0755); err != nil {
			log.Printf("⚠️ Event log disabled: %v", err)
		} else if err := engine.StartEventLog(storageCfg.EventLogPath); err != nil {
			log.Printf("⚠️ Event log disabled: %v", err)
		}
	} else if err := engine.StartEventLog(""); err != nil {
		log.Printf("⚠️ Event log disabled: %v", err)
	}

	spawnInitialAgents(engine, simCfg)
	stats := engine.Stats()
	log.Printf("🛡️ Limits: %d agents (%d spawned), %d walls", stats.MaxAgents, stats.Agents, stats.Walls)

	// Start debug server
	debugSrv := observability.StartDebugServer(observability.ConfigFromEnv())

	var maps api.MapStore
	if store != nil {
		maps = store
	}
	server := api.NewServer(engine, api.ServerOptions{
		Maps: maps,
		RateLimitConfig: &api.RateLimitConfig{
			RequestsPerSecond: serverCfg.RequestsPerSec,
			Burst:             serverCfg.Burst,
			TargetsPerSecond:  serverCfg.TargetsPerSec,
			TargetBurst:       serverCfg.TargetBurst,
			TrustProxy:        serverCfg.TrustProxy,
		},
		CORSOrigins: serverCfg.AllowedOrigins,
		AdminToken:  serverCfg.AdminToken,
		WebSocket: api.WSConfig{
			MaxTotal:    serverCfg.MaxWSConnections,
			MaxPerIP:    serverCfg.MaxWSPerIP,
			BroadcastHz: serverCfg.BroadcastHz,
		},
	})
	if serverCfg.AdminToken == "" {
		log.Println("⚠️ Map writes are unauthenticated (set ADMIN_TOKEN to protect them)")
	}

	engine.Start()
	log.Println("✅ Navigation engine started")

	addr := ":" + strconv.Itoa(serverCfg.Port)
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("🌐 API server on http://localhost%s", addr)
		log.Printf("📡 WebSocket: ws://localhost%s/ws", addr)
		serverErr <- server.Start(addr)
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Println("✅ Server ready! Press Ctrl+C to stop.")
	select {
	case <-quit:
	case err := <-serverErr:
		if err != nil {
			log.Printf("❌ API server: %v", err)
		}
	}

	log.Println("🛑 Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️ API shutdown: %v", err)
	}
	if debugSrv != nil {
		debugSrv.Shutdown(ctx)
	}
	engine.Stop()
	engine.StopEventLog()
	if store != nil {
		store.Close()
	}
	log.Println("👋 Goodbye!")
}

// loadObstacles picks the startup map: a YAML file, then a stored map, then
// the built-in demo layout.
func loadObstacles(cfg config.StorageConfig, store *world.MapStore, w, h float64) *world.ObstacleMap {
	if cfg.MapFile != "" {
		m, err := world.LoadMapFile(cfg.MapFile)
		if err == nil {
			return m
		}
		log.Printf("⚠️ Map file %s: %v", cfg.MapFile, err)
	}
	if store != nil && cfg.MapName != "" {
		m, err := store.Load(cfg.MapName)
		if err == nil {
			return m
		}
		if !errors.Is(err, world.ErrMapNotFound) {
			log.Printf("⚠️ Stored map %s: %v", cfg.MapName, err)
		} else {
			log.Printf("⚠️ Stored map %s not found", cfg.MapName)
		}
	}
	return world.DemoMap(w, h)
}

// spawnInitialAgents populates the world; FlowFieldShare of the agents use
// flow fields. With wander on, idle agents pick their own targets.
func spawnInitialAgents(engine *sim.Engine, cfg config.SimConfig) {
	if cfg.InitialAgents <= 0 {
		return
	}
	flowCount := int(float64(cfg.InitialAgents) * cfg.FlowFieldShare)

	astar, err := engine.SpawnRandom(cfg.InitialAgents-flowCount, sim.StrategyAStar)
	if err != nil {
		log.Printf("⚠️ Spawn A* agents: %v", err)
	}
	flow, err := engine.SpawnRandom(flowCount, sim.StrategyFlowField)
	if err != nil {
		log.Printf("⚠️ Spawn flow field agents: %v", err)
	}
	log.Printf("🚶 Spawned %d A* and %d flow field agents", len(astar), len(flow))
}
