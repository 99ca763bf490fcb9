// navbench runs the navigation engine headless for a fixed number of ticks,
// prints per-phase timings and cache counters, and optionally writes a PNG of
// the final state.
//
// USAGE:
//
//	go run ./cmd/navbench -ticks 600 -agents 2000 -share 0.5 -out frame.png
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"crowd-nav/internal/config"
	"crowd-nav/internal/render"
	"crowd-nav/internal/sim"
	"crowd-nav/internal/sim/pathing"
	"crowd-nav/internal/world"
)

var phaseNames = [...]string{"walls", "intake", "astar", "flowfield", "motion", "neighbors"}

type summary struct {
	Ticks         int                `json:"ticks"`
	Agents        int                `json:"agents"`
	Walls         int                `json:"walls"`
	Wall          time.Duration      `json:"wallNs"`
	MeanTick      time.Duration      `json:"meanTickNs"`
	P99Tick       time.Duration      `json:"p99TickNs"`
	MaxTick       time.Duration      `json:"maxTickNs"`
	PhaseMeanMs   map[string]float64 `json:"phaseMeanMs"`
	Searches      int                `json:"searches"`
	PathsFound    int                `json:"pathsFound"`
	PathsFailed   int                `json:"pathsFailed"`
	Expanded      int                `json:"expanded"`
	FieldRequests int                `json:"fieldRequests"`
	Rejected      int                `json:"rejected"`
	Reached       int                `json:"reached"`
	Cache         pathing.CacheStats `json:"cache"`
}

func main() {
	godotenv.Load(".env")

	appConfig, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}

	ticks := flag.Int("ticks", 600, "ticks to simulate")
	agents := flag.Int("agents", appConfig.Sim.InitialAgents, "agents to spawn")
	share := flag.Float64("share", appConfig.Sim.FlowFieldShare, "fraction of agents using flow fields")
	mapFile := flag.String("map", appConfig.Storage.MapFile, "YAML obstacle map (demo layout when empty)")
	policy := flag.String("policy", appConfig.FlowField.ExhaustionPolicy, "flow field exhaustion policy (reject|evict)")
	seed := flag.Int64("seed", appConfig.Sim.Seed, "random seed")
	out := flag.String("out", "", "write a PNG of the final state")
	px := flag.Int("px", 0, "PNG pixels per cell (0 = auto)")
	asJSON := flag.Bool("json", false, "print the summary as JSON")
	flag.Parse()

	appConfig.FlowField.ExhaustionPolicy = *policy
	appConfig.Sim.Seed = *seed
	appConfig.Sim.MaxAgents = max(appConfig.Sim.MaxAgents, *agents)
	engineCfg, err := appConfig.Engine()
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}

	w, h := engineCfg.Grid.WorldSize()
	obstacles := world.DemoMap(w, h)
	if *mapFile != "" {
		if obstacles, err = world.LoadMapFile(*mapFile); err != nil {
			log.Fatalf("❌ Map: %v", err)
		}
	}

	engine := sim.NewEngine(engineCfg, obstacles)
	flowCount := int(float64(*agents) * *share)
	if _, err := engine.SpawnRandom(*agents-flowCount, sim.StrategyAStar); err != nil {
		log.Fatalf("❌ Spawn: %v", err)
	}
	if _, err := engine.SpawnRandom(flowCount, sim.StrategyFlowField); err != nil {
		log.Fatalf("❌ Spawn: %v", err)
	}

	s := run(engine, *ticks)
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(s)
	} else {
		printSummary(s)
	}

	if *out != "" {
		if err := writeFrame(engine, *out, *px); err != nil {
			log.Fatalf("❌ Frame: %v", err)
		}
		log.Printf("🖼️ Wrote %s", *out)
	}
}

func run(engine *sim.Engine, ticks int) summary {
	s := summary{PhaseMeanMs: make(map[string]float64, len(phaseNames))}
	durations := make([]time.Duration, 0, ticks)

	start := time.Now()
	for i := 0; i < ticks; i++ {
		st := engine.Step()
		durations = append(durations, st.Duration)
		for p, ms := range st.Phases {
			s.PhaseMeanMs[phaseNames[p]] += ms
		}
		s.Searches += st.Searches
		s.PathsFound += st.PathsFound
		s.PathsFailed += st.PathsFailed
		s.Expanded += st.Expanded
		s.FieldRequests += st.FieldRequests
		s.Rejected += st.Rejected
		s.Reached += st.Reached
		s.Agents = st.Agents
		s.Walls = st.Walls
	}
	s.Wall = time.Since(start)
	s.Ticks = ticks
	s.Cache = engine.Stats().Cache

	if ticks == 0 {
		return s
	}
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	s.MeanTick = total / time.Duration(ticks)
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	s.P99Tick = durations[(len(durations)-1)*99/100]
	s.MaxTick = durations[len(durations)-1]
	for k := range s.PhaseMeanMs {
		s.PhaseMeanMs[k] /= float64(ticks)
	}
	return s
}

func printSummary(s summary) {
	fmt.Printf("ticks      %d (%d agents, %d walls) in %v\n", s.Ticks, s.Agents, s.Walls, s.Wall.Round(time.Millisecond))
	fmt.Printf("tick       mean %v  p99 %v  max %v\n", s.MeanTick, s.P99Tick, s.MaxTick)
	for _, name := range phaseNames {
		fmt.Printf("  %-10s %.3f ms\n", name, s.PhaseMeanMs[name])
	}
	fmt.Printf("astar      %d searches, %d found, %d failed, %d nodes expanded\n", s.Searches, s.PathsFound, s.PathsFailed, s.Expanded)
	fmt.Printf("flowfield  %d requests, %d rejected, %d propagations, %d hits, %d evicted\n",
		s.FieldRequests, s.Rejected, s.Cache.Propagations, s.Cache.Hits, s.Cache.Evicted)
	fmt.Printf("reached    %d targets\n", s.Reached)
}

func writeFrame(engine *sim.Engine, path string, px int) error {
	snap, release := engine.GetSnapshot()
	defer release()

	img := render.Frame(engine.Grid(), snap, engine.Walls(), render.Options{CellPixels: px, ShowWaypoints: true})
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render.EncodePNG(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
