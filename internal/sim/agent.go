package sim

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"crowd-nav/internal/sim/pathing"
	"crowd-nav/internal/sim/spatial"
)

// Strategy selects how an agent gets its path.
type Strategy uint8

const (
	StrategyAStar Strategy = iota
	StrategyFlowField
)

func (s Strategy) String() string {
	if s == StrategyFlowField {
		return "flowfield"
	}
	return "astar"
}

// ParseStrategy maps "astar" / "flowfield" (case-insensitive) to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "astar", "a*":
		return StrategyAStar, nil
	case "flowfield", "flow", "flow_field":
		return StrategyFlowField, nil
	}
	return StrategyAStar, fmt.Errorf("unknown strategy %q", s)
}

// PathState is the per-agent path lifecycle.
type PathState uint8

const (
	PathIdle      PathState = iota
	PathRequested           // target set, waiting for the next tick
	PathSearching           // A* scheduled this tick
	PathFollowing
)

func (s PathState) String() string {
	switch s {
	case PathRequested:
		return "requested"
	case PathSearching:
		return "searching"
	case PathFollowing:
		return "following"
	default:
		return "idle"
	}
}

// Agent is one simulated mover.
//
// The avoidance fields (preferred velocity, horizons, neighbour limits) are
// carried for a local avoidance solver; the engine itself only reads position,
// speed and radius.
type Agent struct {
	ID string

	X, Y           float64
	VX, VY         float64
	PrefVX, PrefVY float64

	Radius          float64
	Weight          float64
	MaxSpeed        float64
	MaxNeighbors    int
	NeighborDist    float64
	TimeHorizon     float64
	TimeHorizonObst float64

	TargetX, TargetY float64
	Strategy         Strategy
	State            PathState

	// A* following
	Waypoints   []spatial.Coord
	WaypointIdx int

	// Flow field following
	flow             pathing.Handle
	lastDirX         float32
	lastDirY         float32
	lastNonWallValid bool
	followTicks      int

	// Filled by the neighbour phase
	Neighbors   []string
	NearestDist float64

	ReachedCount int
	FailedCount  int
}

// AgentOptions configures a new agent. Zero values take engine defaults.
type AgentOptions struct {
	X, Y     float64
	Strategy Strategy
	MaxSpeed float64
	Radius   float64
}

func newAgent(opts AgentOptions, defaults SimDefaults) *Agent {
	a := &Agent{
		ID:              uuid.NewString(),
		X:               opts.X,
		Y:               opts.Y,
		Radius:          opts.Radius,
		Weight:          0.5,
		MaxSpeed:        opts.MaxSpeed,
		MaxNeighbors:    defaults.MaxNeighbors,
		NeighborDist:    defaults.NeighborDist,
		TimeHorizon:     2,
		TimeHorizonObst: 2,
		TargetX:         opts.X,
		TargetY:         opts.Y,
		Strategy:        opts.Strategy,
		NearestDist:     -1,
	}
	if a.MaxSpeed <= 0 {
		a.MaxSpeed = defaults.Speed
	}
	if a.Radius <= 0 {
		a.Radius = defaults.Radius
	}
	return a
}

// Position implements spatial.Positioned.
func (a *Agent) Position() (float64, float64) {
	return a.X, a.Y
}

// RemainingWaypoints returns the waypoints not yet reached.
func (a *Agent) RemainingWaypoints() []spatial.Coord {
	if a.State != PathFollowing || a.Strategy != StrategyAStar || a.WaypointIdx >= len(a.Waypoints) {
		return nil
	}
	return a.Waypoints[a.WaypointIdx:]
}

// FlowSlot returns the pool slot of the field being followed, or -1.
func (a *Agent) FlowSlot() int {
	if a.State != PathFollowing || !a.flow.Valid() {
		return -1
	}
	return a.flow.Slot()
}

// clearPath drops any path or field reference. The caller releases the
// field handle first.
func (a *Agent) clearPath() {
	a.Waypoints = a.Waypoints[:0]
	a.WaypointIdx = 0
	a.flow = pathing.Handle{}
	a.lastNonWallValid = false
	a.VX, a.VY = 0, 0
	a.PrefVX, a.PrefVY = 0, 0
	a.State = PathIdle
}
