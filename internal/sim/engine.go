// Package sim runs the navigation simulation: agents, their path state
// machines and the phased tick that drives the pathfinders, the flow field
// cache and the KD-tree.
package sim

import (
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"runtime"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"crowd-nav/internal/observability"
	"crowd-nav/internal/sim/pathing"
	"crowd-nav/internal/sim/spatial"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentLimit    = errors.New("agent limit reached")
	ErrQueueFull     = errors.New("request queue full")
	ErrNoFreeCell    = errors.New("no free cell to spawn on")
)

// Tick phases, in execution order. Each phase completes before the next starts.
const (
	PhaseWalls = iota
	PhaseIntake
	PhaseAStar
	PhaseFlowField
	PhaseMotion
	PhaseNeighbors
	phaseCount
)

// SimDefaults are per-agent defaults applied at spawn.
type SimDefaults struct {
	Speed        float64
	Radius       float64
	NeighborDist float64
	MaxNeighbors int
}

// EngineConfig holds everything the engine needs at construction.
type EngineConfig struct {
	Grid                  spatial.Grid
	ObstacleLayer         int
	RebuildWallsEveryTick bool
	SampleShards          int

	HeapInitialCapacity int
	SearchWorkers       int

	Cache         pathing.CacheConfig
	LeafThreshold int

	TickRate       int
	MaxAgents      int
	ArriveRadius   float64
	Wander         bool
	Seed           int64
	MaxFollowTicks int // 0 = never give up
	RequestQueue   int

	Agent SimDefaults
}

// DefaultEngineConfig returns the reference deployment settings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Grid:                spatial.NewGrid(256, 256, 1),
		ObstacleLayer:       6,
		SampleShards:        64,
		HeapInitialCapacity: pathing.DefaultHeapCapacity,
		SearchWorkers:       runtime.NumCPU(),
		Cache:               pathing.DefaultCacheConfig(),
		LeafThreshold:       spatial.DefaultLeafSize,
		TickRate:            20,
		MaxAgents:           2000,
		ArriveRadius:        0.25,
		Wander:              true,
		Seed:                1,
		MaxFollowTicks:      20 * 60,
		RequestQueue:        4096,
		Agent: SimDefaults{
			Speed:        4,
			Radius:       0.3,
			NeighborDist: 3,
			MaxNeighbors: 8,
		},
	}
}

type targetRequest struct {
	agentID  string
	x, y     float64
	strategy Strategy
	override bool
}

type searchResult struct {
	res pathing.Result
	err error
}

// Engine owns the simulation state. The tick goroutine is the only writer;
// other goroutines read snapshots or go through the request queue and the
// exported methods, which take the engine lock.
type Engine struct {
	mu  sync.RWMutex
	cfg EngineConfig

	grid       spatial.Grid
	walls      *spatial.WallIndex
	obstacles  spatial.OverlapQuery
	wallsBuilt bool

	cache   *pathing.Cache
	finders []*pathing.Pathfinder
	kd      *spatial.KDTree[*Agent]

	agents   []*Agent // spawn order
	agentMap map[string]*Agent
	kdItems  []*Agent // permuted by every KD build

	requests *spatial.LockFreeQueue[targetRequest]
	reqBuf   []targetRequest

	// Per-phase scratch, reused across ticks
	searchBatch   []*Agent
	searchResults []searchResult
	fieldBatch    []*Agent
	arrived       []bool
	neighborBuf   []int

	rng     *rand.Rand
	rngSeed int64

	tickCount uint64
	lastStats TickStats
	running   bool
	ticker    *time.Ticker
	stopChan  chan struct{}

	snapshotPool *SnapshotPool
	eventLog     *EventLog
}

// NewEngine creates an engine over obstacles. A nil obstacle query means an
// open grid.
func NewEngine(cfg EngineConfig, obstacles spatial.OverlapQuery) *Engine {
	if cfg.TickRate < 1 {
		cfg.TickRate = 20
	}
	if cfg.SearchWorkers < 1 {
		cfg.SearchWorkers = 1
	}
	if cfg.MaxAgents < 1 {
		cfg.MaxAgents = 1
	}
	if cfg.RequestQueue < 1 {
		cfg.RequestQueue = 4096
	}
	if cfg.ArriveRadius <= 0 {
		cfg.ArriveRadius = cfg.Grid.CellSize * 0.25
	}

	walls := spatial.NewWallIndex(cfg.Grid, cfg.SampleShards)
	finders := make([]*pathing.Pathfinder, cfg.SearchWorkers)
	for i := range finders {
		finders[i] = pathing.NewPathfinder(cfg.Grid, walls, cfg.HeapInitialCapacity)
	}

	return &Engine{
		cfg:          cfg,
		grid:         cfg.Grid,
		walls:        walls,
		obstacles:    obstacles,
		cache:        pathing.NewCache(cfg.Grid, walls, cfg.Cache),
		finders:      finders,
		kd:           spatial.NewKDTree[*Agent](cfg.LeafThreshold),
		agentMap:     make(map[string]*Agent),
		requests:     spatial.NewLockFreeQueue[targetRequest](cfg.RequestQueue),
		rng:          rand.New(rand.NewSource(cfg.Seed)),
		rngSeed:      cfg.Seed,
		stopChan:     make(chan struct{}),
		snapshotPool: NewSnapshotPool(cfg.MaxAgents),
		eventLog:     NewEventLog(),
	}
}

// Start begins the tick loop
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.ticker = time.NewTicker(time.Second / time.Duration(e.cfg.TickRate))
	// Stop closes the channel, so each run gets its own.
	e.stopChan = make(chan struct{})
	ticker, stop := e.ticker, e.stopChan
	e.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				e.Step()
			case <-stop:
				return
			}
		}
	}()

	log.Printf("🧭 Navigation engine started at %d TPS (%dx%d grid, %d search workers)",
		e.cfg.TickRate, e.grid.Width, e.grid.Height, len(e.finders))
}

// Stop stops the tick loop
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	e.running = false
	e.ticker.Stop()
	close(e.stopChan)
	log.Println("🛑 Navigation engine stopped")
}

// Step runs one tick synchronously and returns its stats.
func (e *Engine) Step() TickStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick()
}

// tick runs every phase in order. Caller holds e.mu.
func (e *Engine) tick() TickStats {
	start := time.Now()
	e.tickCount++
	dt := 1.0 / float64(e.cfg.TickRate)

	stats := TickStats{Tick: e.tickCount, Agents: len(e.agents)}

	e.eventLog.EmitSimple(EventTypeTick, e.tickCount, "", TickPayload{
		RNGSeed:     e.rngSeed,
		AgentCount:  len(e.agents),
		DeltaTimeNs: int64(dt * 1e9),
	})
	// Advance RNG seed deterministically for next tick
	e.rngSeed = e.rng.Int63()
	e.rng.Seed(e.rngSeed)

	phases := [phaseCount]func(*TickStats){
		PhaseWalls:     e.phaseWalls,
		PhaseIntake:    e.phaseIntake,
		PhaseAStar:     e.phaseAStar,
		PhaseFlowField: e.phaseFlowField,
		PhaseMotion:    func(s *TickStats) { e.phaseMotion(s, dt) },
		PhaseNeighbors: e.phaseNeighbors,
	}
	for p, run := range phases {
		t0 := time.Now()
		run(&stats)
		d := time.Since(t0)
		stats.Phases[p] = float64(d.Microseconds()) / 1000
		observability.RecordPhase(observability.Phases[p], d)
	}

	stats.Walls = e.walls.Count()
	stats.WallVersion = e.walls.Version()
	for _, a := range e.agents {
		if a.State == PathFollowing {
			stats.Following++
		}
	}
	stats.Duration = time.Since(start)

	e.publishSnapshot(stats)
	e.lastStats = stats

	observability.RecordTick(stats.Duration)
	observability.UpdateWorld(len(e.agents), e.cache.Stats().Live, stats.KDNodes, stats.Walls)
	observability.UpdateEventLogDropped(e.eventLog.GetStats().Dropped)
	return stats
}

// phaseWalls samples obstacles into the wall index, once or every tick.
func (e *Engine) phaseWalls(_ *TickStats) {
	if e.wallsBuilt && !e.cfg.RebuildWallsEveryTick {
		return
	}
	e.rebuildWalls()
}

func (e *Engine) rebuildWalls() spatial.WallStats {
	ws := e.walls.Rebuild(e.obstacles, e.cfg.ObstacleLayer)
	if !e.wallsBuilt {
		log.Printf("🧱 Wall index built: %d/%d cells blocked (%d shards)", ws.Walls, ws.Cells, ws.Shards)
	}
	e.wallsBuilt = true
	return ws
}

// phaseIntake applies queued target requests, gives up on stuck followers
// and hands idle wanderers a new random target.
func (e *Engine) phaseIntake(_ *TickStats) {
	e.reqBuf = e.requests.DrainTo(e.reqBuf[:0])
	for _, req := range e.reqBuf {
		a, ok := e.agentMap[req.agentID]
		if !ok {
			continue
		}
		e.dropPath(a)
		if req.override {
			a.Strategy = req.strategy
		}
		e.request(a, req.x, req.y)
	}

	for _, a := range e.agents {
		if a.State == PathFollowing && e.cfg.MaxFollowTicks > 0 {
			a.followTicks++
			if a.followTicks > e.cfg.MaxFollowTicks {
				e.dropPath(a)
				a.FailedCount++
			}
		}
		if a.State == PathIdle && e.cfg.Wander {
			w, h := e.grid.WorldSize()
			e.request(a, e.rng.Float64()*w, e.rng.Float64()*h)
		}
	}
}

// request moves an idle agent to Requested for (x, y).
func (e *Engine) request(a *Agent, x, y float64) {
	a.TargetX, a.TargetY = clampWorld(e.grid, x, y)
	a.State = PathRequested
	a.followTicks = 0

	from := e.grid.ClampCell(a.X, a.Y)
	to := e.grid.WorldToCell(a.TargetX, a.TargetY)
	e.eventLog.EmitSimple(EventTypePathRequest, e.tickCount, a.ID, PathPayload{
		FromX: from.X, FromY: from.Y, ToX: to.X, ToY: to.Y,
	})
}

// dropPath abandons whatever the agent is doing and releases its field.
func (e *Engine) dropPath(a *Agent) {
	if a.flow.Valid() {
		e.cache.Release(a.flow)
		e.eventLog.EmitSimple(EventTypeFlowFieldRelease, e.tickCount, a.ID, FlowFieldPayload{
			Slot: a.flow.Slot(), DestX: a.flow.Destination().X, DestY: a.flow.Destination().Y,
		})
	}
	a.clearPath()
}

// phaseAStar runs every pending A* request in parallel. Each worker owns one
// Pathfinder and reads only the shared wall index.
func (e *Engine) phaseAStar(stats *TickStats) {
	e.searchBatch = e.searchBatch[:0]
	for _, a := range e.agents {
		if a.State == PathRequested && a.Strategy == StrategyAStar {
			a.State = PathSearching
			e.searchBatch = append(e.searchBatch, a)
		}
	}
	if len(e.searchBatch) == 0 {
		return
	}

	batch := e.searchBatch
	if cap(e.searchResults) < len(batch) {
		e.searchResults = make([]searchResult, len(batch))
	}
	results := e.searchResults[:len(batch)]

	workers := min(len(e.finders), len(batch))
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		finder := e.finders[w]
		g.Go(func() error {
			for i := w; i < len(batch); i += workers {
				a := batch[i]
				start := e.grid.ClampCell(a.X, a.Y)
				goal := e.grid.WorldToCell(a.TargetX, a.TargetY)
				res, err := finder.FindPath(start, goal)
				results[i] = searchResult{res: res, err: err}
			}
			return nil
		})
	}
	_ = g.Wait()

	stats.Searches = len(batch)
	for i, a := range batch {
		r := results[i]
		stats.Expanded += r.res.Expanded
		from := e.grid.ClampCell(a.X, a.Y)
		to := e.grid.WorldToCell(a.TargetX, a.TargetY)
		payload := PathPayload{FromX: from.X, FromY: from.Y, ToX: to.X, ToY: to.Y,
			Cost: r.res.Cost, Length: len(r.res.Path), Expanded: r.res.Expanded}

		switch {
		case r.err != nil:
			log.Printf("⚠️ A* search for %s failed: %v", a.ID, r.err)
			observability.RecordSearch("error", r.res.Expanded)
			a.clearPath()
			a.FailedCount++
			stats.PathsFailed++
		case !r.res.Found:
			observability.RecordSearch("no_path", r.res.Expanded)
			e.eventLog.EmitSimple(EventTypePathFailed, e.tickCount, a.ID, payload)
			a.clearPath()
			a.FailedCount++
			stats.PathsFailed++
		default:
			observability.RecordSearch("found", r.res.Expanded)
			e.eventLog.EmitSimple(EventTypePathFound, e.tickCount, a.ID, payload)
			a.Waypoints = r.res.Path
			a.WaypointIdx = 0
			a.State = PathFollowing
			stats.PathsFound++
		}
		results[i] = searchResult{}
	}
}

// phaseFlowField acquires fields for pending flow requests. The cache is the
// one piece of shared mutable state, so this phase runs on the tick goroutine
// alone.
func (e *Engine) phaseFlowField(stats *TickStats) {
	e.fieldBatch = e.fieldBatch[:0]
	for _, a := range e.agents {
		if a.State == PathRequested && a.Strategy == StrategyFlowField {
			e.fieldBatch = append(e.fieldBatch, a)
		}
	}

	for _, a := range e.fieldBatch {
		stats.FieldRequests++
		dest := e.grid.WorldToCell(a.TargetX, a.TargetY)
		if !e.grid.Valid(dest) || e.walls.IsWall(dest) {
			a.clearPath()
			a.FailedCount++
			stats.PathsFailed++
			continue
		}

		h, outcome, err := e.cache.Acquire(dest)
		truncated := err == nil && h.Field().Truncated()
		observability.RecordFlowFieldAcquire(outcome.String(), truncated)
		if err != nil {
			// Pool exhausted: the agent stays idle and asks again later.
			e.eventLog.EmitSimple(EventTypePoolExhausted, e.tickCount, a.ID, FlowFieldPayload{
				Slot: -1, DestX: dest.X, DestY: dest.Y, Outcome: outcome.String(),
			})
			a.clearPath()
			stats.Rejected++
			continue
		}

		a.flow = h
		a.State = PathFollowing
		a.lastNonWallValid = false
		e.eventLog.EmitSimple(EventTypeFlowFieldAcquire, e.tickCount, a.ID, FlowFieldPayload{
			Slot: h.Slot(), DestX: dest.X, DestY: dest.Y, Outcome: outcome.String(), Refs: h.Field().Refs(),
		})
	}
}

// phaseMotion integrates every follower in parallel, then applies arrivals
// (which release cache references) serially.
func (e *Engine) phaseMotion(stats *TickStats, dt float64) {
	n := len(e.agents)
	if cap(e.arrived) < n {
		e.arrived = make([]bool, n)
	}
	arrived := e.arrived[:n]

	workers := min(len(e.finders), n)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < n; i += workers {
				a := e.agents[i]
				arrived[i] = false
				if a.State != PathFollowing {
					continue
				}
				switch a.Strategy {
				case StrategyAStar:
					arrived[i] = stepWaypoints(a, e.grid, dt, e.cfg.ArriveRadius)
				case StrategyFlowField:
					arrived[i] = stepFlowField(a, e.grid, dt)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, a := range e.agents {
		if a.State != PathFollowing {
			continue
		}
		if a.Strategy == StrategyFlowField && !a.flow.Valid() {
			// Field was evicted for another destination: ask again.
			a.clearPath()
			a.State = PathRequested
			continue
		}
		if !arrived[i] {
			continue
		}
		e.dropPath(a)
		a.ReachedCount++
		stats.Reached++
		e.eventLog.EmitSimple(EventTypeTargetReached, e.tickCount, a.ID, nil)
	}
}

// phaseNeighbors rebuilds the KD-tree over agent positions and records each
// agent's nearest neighbours. Only kdItems is permuted; agent identity lives
// on the Agent.
func (e *Engine) phaseNeighbors(stats *TickStats) {
	e.kdItems = append(e.kdItems[:0], e.agents...)
	e.kd.Build(e.kdItems)
	stats.KDNodes = len(e.kd.Nodes())

	items := e.kd.Items()
	for i, a := range items {
		e.neighborBuf = e.kd.Nearest(a.X, a.Y, a.NeighborDist, a.MaxNeighbors, i, e.neighborBuf[:0])
		a.Neighbors = a.Neighbors[:0]
		a.NearestDist = -1
		for rank, j := range e.neighborBuf {
			other := items[j]
			a.Neighbors = append(a.Neighbors, other.ID)
			if rank == 0 {
				a.NearestDist = math.Hypot(other.X-a.X, other.Y-a.Y)
			}
		}
	}
}

func (e *Engine) publishSnapshot(stats TickStats) {
	snap := e.snapshotPool.AcquireWrite()
	snap.TickNumber = e.tickCount
	snap.GridWidth = e.grid.Width
	snap.GridHeight = e.grid.Height
	snap.CellSize = e.grid.CellSize
	for _, a := range e.agents {
		snap.Agents = append(snap.Agents, snap.agentSnapshot(a))
	}
	snap.FlowFields = append(snap.FlowFields, e.cache.Fields()...)
	snap.Cache = e.cache.Stats()
	snap.Stats = stats
	e.snapshotPool.PublishWrite()
}

// Spawn adds one agent.
func (e *Engine) Spawn(opts AgentOptions) (*Agent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spawn(opts)
}

func (e *Engine) spawn(opts AgentOptions) (*Agent, error) {
	if len(e.agents) >= e.cfg.MaxAgents {
		return nil, fmt.Errorf("spawn (max %d): %w", e.cfg.MaxAgents, ErrAgentLimit)
	}
	opts.X, opts.Y = clampWorld(e.grid, opts.X, opts.Y)
	a := newAgent(opts, e.cfg.Agent)
	e.agents = append(e.agents, a)
	e.agentMap[a.ID] = a
	e.eventLog.EmitSimple(EventTypeAgentSpawn, e.tickCount, a.ID, SpawnPayload{X: a.X, Y: a.Y, Strategy: a.Strategy.String()})
	return a, nil
}

// SpawnRandom adds n agents on random free cells. It returns the agents
// created before the limit was hit along with ErrAgentLimit, or
// ErrNoFreeCell when walls cover the whole grid.
func (e *Engine) SpawnRandom(n int, strategy Strategy) ([]*Agent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.wallsBuilt {
		e.rebuildWalls()
	}
	out := make([]*Agent, 0, n)
	for i := 0; i < n; i++ {
		c, ok := e.randomFreeCell()
		if !ok {
			return out, ErrNoFreeCell
		}
		x, y := e.grid.CellCenter(c)
		a, err := e.spawn(AgentOptions{X: x, Y: y, Strategy: strategy})
		if err != nil {
			return out, err
		}
		out = append(out, a)
	}
	return out, nil
}

// randomFreeCell samples a few random cells, then scans the grid from a
// random start so dense maps still yield a free cell when one exists.
func (e *Engine) randomFreeCell() (spatial.Coord, bool) {
	for tries := 0; tries < 64; tries++ {
		c := spatial.Coord{X: e.rng.Intn(e.grid.Width), Y: e.rng.Intn(e.grid.Height)}
		if !e.walls.IsWall(c) {
			return c, true
		}
	}
	n := e.grid.Cells()
	start := e.rng.Intn(n)
	for i := 0; i < n; i++ {
		c := e.grid.CoordOf((start + i) % n)
		if !e.walls.IsWall(c) {
			return c, true
		}
	}
	return spatial.Coord{}, false
}

// Remove deletes an agent, releasing any flow field it holds.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.agentMap[id]
	if !ok {
		return fmt.Errorf("remove %s: %w", id, ErrAgentNotFound)
	}
	e.dropPath(a)
	delete(e.agentMap, id)
	e.agents = slices.DeleteFunc(e.agents, func(x *Agent) bool { return x == a })
	e.eventLog.EmitSimple(EventTypeAgentRemove, e.tickCount, id, nil)
	return nil
}

// SetTarget queues a new target for an agent. It is applied at the start of
// the next tick and is safe to call from any goroutine.
func (e *Engine) SetTarget(id string, x, y float64) error {
	return e.enqueue(targetRequest{agentID: id, x: x, y: y})
}

// SetTargetWithStrategy is SetTarget that also switches the agent's strategy.
func (e *Engine) SetTargetWithStrategy(id string, x, y float64, s Strategy) error {
	return e.enqueue(targetRequest{agentID: id, x: x, y: y, strategy: s, override: true})
}

func (e *Engine) enqueue(req targetRequest) error {
	e.mu.RLock()
	_, ok := e.agentMap[req.agentID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("set target %s: %w", req.agentID, ErrAgentNotFound)
	}
	if !e.requests.TryPush(req) {
		return ErrQueueFull
	}
	return nil
}

// SetObstacles swaps the obstacle source and resamples the wall index.
// Idle cached fields are dropped; fields still in use keep their old costs.
func (e *Engine) SetObstacles(q spatial.OverlapQuery) spatial.WallStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.obstacles = q
	ws := e.rebuildWalls()
	dropped := e.cache.DropIdle()
	log.Printf("🧱 Obstacles replaced: %d walls, %d idle flow fields dropped", ws.Walls, dropped)
	return ws
}

// FindPath runs a one-off A* search between world positions against the
// current walls.
func (e *Engine) FindPath(sx, sy, gx, gy float64) (pathing.Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pf := pathing.NewPathfinder(e.grid, e.walls, e.cfg.HeapInitialCapacity)
	return pf.FindPathWorld(sx, sy, gx, gy)
}

// GetAgent returns a copy of one agent's state.
func (e *Engine) GetAgent(id string) (AgentSnapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.agentMap[id]
	if !ok {
		return AgentSnapshot{}, fmt.Errorf("get %s: %w", id, ErrAgentNotFound)
	}
	s := (&Snapshot{}).agentSnapshot(a)
	s.Waypoints = slices.Clone(s.Waypoints)
	return s, nil
}

// GetSnapshot returns the latest published snapshot and its release func.
func (e *Engine) GetSnapshot() (*Snapshot, func()) {
	return e.snapshotPool.AcquireRead()
}

// CopySnapshot returns a private deep copy of the latest snapshot, or nil.
func (e *Engine) CopySnapshot() *Snapshot {
	return e.snapshotPool.Copy()
}

// Walls returns a copy of the blocked cells.
func (e *Engine) Walls() []spatial.Coord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.walls.Walls()
}

// WithFlowField calls fn with the field in slot while holding the engine
// read lock. Returns false if the slot holds no field.
func (e *Engine) WithFlowField(slot int, fn func(*pathing.FlowField)) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.cache.Peek(slot)
	if !ok {
		return false
	}
	fn(f)
	return true
}

// Grid returns the grid geometry.
func (e *Engine) Grid() spatial.Grid { return e.grid }

// Config returns the engine configuration.
func (e *Engine) Config() EngineConfig { return e.cfg }

// EngineStats is a point-in-time summary for the API.
type EngineStats struct {
	Tick      uint64             `json:"tick"`
	Agents    int                `json:"agents"`
	Running   bool               `json:"running"`
	Walls     int                `json:"walls"`
	Cache     pathing.CacheStats `json:"cache"`
	EventLog  EventLogStats      `json:"eventLog"`
	LastTick  TickStats          `json:"lastTick"`
	QueueLen  int                `json:"queueLen"`
	TickRate  int                `json:"tickRate"`
	MaxAgents int                `json:"maxAgents"`
}

// Stats returns current engine statistics.
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return EngineStats{
		Tick:      e.tickCount,
		Agents:    len(e.agents),
		Running:   e.running,
		Walls:     e.walls.Count(),
		Cache:     e.cache.Stats(),
		EventLog:  e.eventLog.GetStats(),
		LastTick:  e.lastStats,
		QueueLen:  e.requests.Len(),
		TickRate:  e.cfg.TickRate,
		MaxAgents: e.cfg.MaxAgents,
	}
}

// StartEventLog starts writing events to filePath ("" keeps them in memory).
func (e *Engine) StartEventLog(filePath string) error {
	return e.eventLog.Start(filePath)
}

// StopEventLog flushes and stops the event log.
func (e *Engine) StopEventLog() {
	e.eventLog.Stop()
}

// RecentEvents returns up to n of the newest events.
func (e *Engine) RecentEvents(n int) []Event {
	return e.eventLog.Recent(n)
}
