package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowd-nav/internal/sim/pathing"
	"crowd-nav/internal/sim/spatial"
)

// bandObstacle blocks every cell whose center x lies in [x0, x1) and whose
// center y is below yMax.
type bandObstacle struct {
	x0, x1 float64
	yMax   float64
}

func (b bandObstacle) Overlaps(cx, cy, _ float64, layer int) bool {
	return layer == 6 && cx >= b.x0 && cx < b.x1 && cy < b.yMax
}

func testConfig(w, h int) EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.Grid = spatial.NewGrid(w, h, 1)
	cfg.Wander = false
	cfg.SearchWorkers = 4
	cfg.SampleShards = 4
	cfg.MaxAgents = 100
	cfg.Cache.PropagationCap = 1 << 20
	return cfg
}

func runUntil(t *testing.T, e *Engine, maxTicks int, done func() bool) int {
	t.Helper()
	for i := 1; i <= maxTicks; i++ {
		e.Step()
		if done() {
			return i
		}
	}
	t.Fatalf("condition not met within %d ticks", maxTicks)
	return 0
}

// TestEngineAStarAgentReachesTarget verifies the Idle -> Following -> Idle cycle for A*
func TestEngineAStarAgentReachesTarget(t *testing.T) {
	e := NewEngine(testConfig(20, 20), nil)
	a, err := e.Spawn(AgentOptions{X: 0.5, Y: 0.5})
	require.NoError(t, err)
	require.NoError(t, e.SetTarget(a.ID, 15.5, 12.5))

	stats := e.Step()
	assert.Equal(t, 1, stats.Searches)
	assert.Equal(t, 1, stats.PathsFound)
	assert.Equal(t, PathFollowing, a.State)
	assert.Len(t, a.Waypoints, 15)

	runUntil(t, e, 500, func() bool { return a.ReachedCount == 1 })
	assert.Equal(t, PathIdle, a.State)
	assert.InDelta(t, 15.5, a.X, 0.3)
	assert.InDelta(t, 12.5, a.Y, 0.3)
}

// TestEngineAStarNoPath verifies an unreachable target returns the agent to Idle
func TestEngineAStarNoPath(t *testing.T) {
	e := NewEngine(testConfig(20, 20), bandObstacle{x0: 10, x1: 11, yMax: 100})
	a, _ := e.Spawn(AgentOptions{X: 2.5, Y: 2.5})
	require.NoError(t, e.SetTarget(a.ID, 17.5, 17.5))

	stats := e.Step()
	assert.Equal(t, 20, stats.Walls)
	assert.Equal(t, 1, stats.PathsFailed)
	assert.Equal(t, PathIdle, a.State)
	assert.Equal(t, 1, a.FailedCount)
	assert.Empty(t, a.Waypoints)
}

// TestEngineAStarAvoidsWalls verifies followers never stand on a wall cell
func TestEngineAStarAvoidsWalls(t *testing.T) {
	e := NewEngine(testConfig(20, 20), bandObstacle{x0: 10, x1: 11, yMax: 15})
	a, _ := e.Spawn(AgentOptions{X: 5.5, Y: 2.5})
	require.NoError(t, e.SetTarget(a.ID, 15.5, 2.5))

	e.Step()
	for _, c := range a.Waypoints {
		require.False(t, c.X == 10 && c.Y < 15, "waypoint on wall cell %v", c)
	}

	const eps = 1e-6
	runUntil(t, e, 800, func() bool {
		inside := a.X > 10+eps && a.X < 11-eps && a.Y < 15-eps
		require.False(t, inside, "agent inside wall at (%.3f, %.3f)", a.X, a.Y)
		return a.ReachedCount == 1
	})
}

// TestEngineFlowFieldSharing verifies agents with one destination share one field
func TestEngineFlowFieldSharing(t *testing.T) {
	e := NewEngine(testConfig(24, 24), nil)
	starts := [][2]float64{{1.5, 1.5}, {20.5, 2.5}, {3.5, 21.5}, {22.5, 22.5}, {12.5, 1.5}}

	agents := make([]*Agent, 0, len(starts))
	for _, s := range starts {
		a, err := e.Spawn(AgentOptions{X: s[0], Y: s[1], Strategy: StrategyFlowField})
		require.NoError(t, err)
		require.NoError(t, e.SetTarget(a.ID, 12.5, 12.5))
		agents = append(agents, a)
	}

	stats := e.Step()
	assert.Equal(t, len(starts), stats.FieldRequests)
	cache := e.Stats().Cache
	assert.Equal(t, uint64(1), cache.Propagations)
	assert.Equal(t, 1, cache.Live)
	for _, a := range agents {
		assert.Equal(t, PathFollowing, a.State)
		assert.Equal(t, agents[0].FlowSlot(), a.FlowSlot())
	}

	runUntil(t, e, 1000, func() bool {
		for _, a := range agents {
			if a.ReachedCount == 0 {
				return false
			}
		}
		return true
	})
	cache = e.Stats().Cache
	assert.Equal(t, 0, cache.Live, "every arrival must release its reference")
	assert.Equal(t, uint64(1), cache.Propagations)
}

// TestEngineFlowFieldPoolExhausted verifies rejected requests leave the agent idle
func TestEngineFlowFieldPoolExhausted(t *testing.T) {
	cfg := testConfig(20, 20)
	cfg.Cache.Capacity = 1
	e := NewEngine(cfg, nil)

	first, _ := e.Spawn(AgentOptions{X: 1.5, Y: 1.5, Strategy: StrategyFlowField})
	second, _ := e.Spawn(AgentOptions{X: 18.5, Y: 1.5, Strategy: StrategyFlowField})
	require.NoError(t, e.SetTarget(first.ID, 5.5, 15.5))
	require.NoError(t, e.SetTarget(second.ID, 15.5, 15.5))

	stats := e.Step()
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, PathFollowing, first.State)
	assert.Equal(t, PathIdle, second.State)
	assert.Equal(t, uint64(1), e.Stats().Cache.Rejected)
}

// TestEngineFlowFieldEviction verifies evicted followers request again
func TestEngineFlowFieldEviction(t *testing.T) {
	cfg := testConfig(20, 20)
	cfg.Cache.Capacity = 1
	cfg.Cache.Policy = pathing.PolicyEvictLeastReferenced
	e := NewEngine(cfg, nil)

	first, _ := e.Spawn(AgentOptions{X: 1.5, Y: 1.5, Strategy: StrategyFlowField})
	second, _ := e.Spawn(AgentOptions{X: 18.5, Y: 1.5, Strategy: StrategyFlowField})
	require.NoError(t, e.SetTarget(first.ID, 5.5, 15.5))
	require.NoError(t, e.SetTarget(second.ID, 15.5, 15.5))

	e.Step()
	assert.Equal(t, uint64(1), e.Stats().Cache.Evicted)
	assert.Equal(t, PathRequested, first.State, "evicted follower should ask again")
	assert.Equal(t, PathFollowing, second.State)
}

// TestEngineRemoveReleasesField verifies removing a follower drops its reference
func TestEngineRemoveReleasesField(t *testing.T) {
	e := NewEngine(testConfig(16, 16), nil)
	a, _ := e.Spawn(AgentOptions{X: 1.5, Y: 1.5, Strategy: StrategyFlowField})
	require.NoError(t, e.SetTarget(a.ID, 14.5, 14.5))
	e.Step()
	require.Equal(t, 1, e.Stats().Cache.Live)

	require.NoError(t, e.Remove(a.ID))
	assert.Equal(t, 0, e.Stats().Cache.Live)
	assert.ErrorIs(t, e.Remove(a.ID), ErrAgentNotFound)
	_, err := e.GetAgent(a.ID)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

// TestEngineRetarget verifies a new target replaces the current path
func TestEngineRetarget(t *testing.T) {
	e := NewEngine(testConfig(16, 16), nil)
	a, _ := e.Spawn(AgentOptions{X: 1.5, Y: 1.5, Strategy: StrategyFlowField})
	require.NoError(t, e.SetTarget(a.ID, 14.5, 14.5))
	e.Step()

	require.NoError(t, e.SetTargetWithStrategy(a.ID, 1.5, 14.5, StrategyAStar))
	e.Step()
	assert.Equal(t, StrategyAStar, a.Strategy)
	assert.Equal(t, PathFollowing, a.State)
	assert.Equal(t, 0, e.Stats().Cache.Live)
	assert.Equal(t, spatial.Coord{X: 1, Y: 14}, a.Waypoints[len(a.Waypoints)-1])
}

// TestEngineLimitsAndErrors verifies spawn limits and unknown ids
func TestEngineLimitsAndErrors(t *testing.T) {
	cfg := testConfig(8, 8)
	cfg.MaxAgents = 3
	e := NewEngine(cfg, nil)

	spawned, err := e.SpawnRandom(5, StrategyAStar)
	assert.ErrorIs(t, err, ErrAgentLimit)
	assert.Len(t, spawned, 3)
	assert.ErrorIs(t, e.SetTarget("missing", 1, 1), ErrAgentNotFound)
}

// onlyFreeCell blocks every cell except the one centered on (x, y).
type onlyFreeCell struct{ x, y float64 }

func (o onlyFreeCell) Overlaps(cx, cy, _ float64, layer int) bool {
	return layer == 6 && (cx != o.x || cy != o.y)
}

// TestEngineSpawnRandomDenseMap verifies random spawns never land on walls
func TestEngineSpawnRandomDenseMap(t *testing.T) {
	e := NewEngine(testConfig(16, 16), onlyFreeCell{x: 3.5, y: 5.5})

	agents, err := e.SpawnRandom(3, StrategyFlowField)
	require.NoError(t, err)
	require.Len(t, agents, 3)
	for _, a := range agents {
		assert.Equal(t, 3.5, a.X)
		assert.Equal(t, 5.5, a.Y)
	}

	blocked := NewEngine(testConfig(16, 16), bandObstacle{x0: 0, x1: 100, yMax: 100})
	agents, err = blocked.SpawnRandom(2, StrategyAStar)
	assert.ErrorIs(t, err, ErrNoFreeCell)
	assert.Empty(t, agents)
	assert.Equal(t, 0, blocked.Stats().Agents)
}

// TestEngineRestart verifies the tick loop runs again after Stop and Start
func TestEngineRestart(t *testing.T) {
	cfg := testConfig(8, 8)
	cfg.TickRate = 100
	e := NewEngine(cfg, nil)

	e.Start()
	require.Eventually(t, func() bool { return e.Stats().Tick > 0 }, 2*time.Second, 5*time.Millisecond)
	e.Stop()
	assert.False(t, e.Stats().Running)

	stopped := e.Stats().Tick
	e.Start()
	defer e.Stop()
	require.Eventually(t, func() bool { return e.Stats().Tick > stopped+1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, e.Stats().Running)
}

// TestEngineNeighbors verifies the KD phase fills neighbours by stable id
func TestEngineNeighbors(t *testing.T) {
	e := NewEngine(testConfig(32, 32), nil)
	cluster := make([]*Agent, 0, 4)
	for i := 0; i < 4; i++ {
		a, _ := e.Spawn(AgentOptions{X: 10 + float64(i)*0.5, Y: 10})
		cluster = append(cluster, a)
	}
	loner, _ := e.Spawn(AgentOptions{X: 30, Y: 30})

	stats := e.Step()
	assert.Greater(t, stats.KDNodes, 0)

	ids := map[string]bool{}
	for _, a := range cluster {
		ids[a.ID] = true
	}
	for _, a := range cluster {
		assert.Len(t, a.Neighbors, 3)
		for _, id := range a.Neighbors {
			assert.True(t, ids[id], "unexpected neighbour %s", id)
			assert.NotEqual(t, a.ID, id)
		}
		assert.InDelta(t, 0.5, a.NearestDist, 1e-9)
	}
	assert.Empty(t, loner.Neighbors)
	assert.Equal(t, -1.0, loner.NearestDist)
}

// TestEngineWanderDeterministic verifies equal seeds give equal trajectories
func TestEngineWanderDeterministic(t *testing.T) {
	run := func() [][2]float64 {
		cfg := testConfig(32, 32)
		cfg.Wander = true
		cfg.Seed = 42
		e := NewEngine(cfg, bandObstacle{x0: 16, x1: 17, yMax: 20})
		agents, err := e.SpawnRandom(20, StrategyAStar)
		require.NoError(t, err)
		for i := 0; i < 40; i++ {
			e.Step()
		}
		out := make([][2]float64, len(agents))
		for i, a := range agents {
			out[i] = [2]float64{a.X, a.Y}
		}
		return out
	}
	assert.Equal(t, run(), run())
}

// TestEngineSnapshot verifies the published snapshot mirrors engine state
func TestEngineSnapshot(t *testing.T) {
	e := NewEngine(testConfig(16, 16), nil)
	snap, release := e.GetSnapshot()
	assert.Nil(t, snap)
	release()

	a, _ := e.Spawn(AgentOptions{X: 1.5, Y: 1.5})
	require.NoError(t, e.SetTarget(a.ID, 9.5, 1.5))
	e.Step()

	snap, release = e.GetSnapshot()
	defer release()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(1), snap.TickNumber)
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, a.ID, snap.Agents[0].ID)
	assert.Equal(t, "following", snap.Agents[0].State)
	assert.Len(t, snap.Agents[0].Waypoints, 8)

	cp := e.CopySnapshot()
	require.NotNil(t, cp)
	assert.Equal(t, snap.Agents[0].Waypoints, cp.Agents[0].Waypoints)
}
