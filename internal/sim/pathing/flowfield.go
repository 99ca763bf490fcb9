package pathing

import (
	"math"
	"sync/atomic"

	"crowd-nav/internal/sim/spatial"
)

// Cost values stored per cell.
const (
	FreeCost uint16 = 1
	WallCost uint16 = math.MaxUint16
)

// Unreached is the bestCost of a cell the wavefront never reached.
const Unreached uint32 = math.MaxUint32

// DefaultPropagationCap bounds the number of cells dequeued by one propagation.
const DefaultPropagationCap = 1024

// Default direction of a cell that was never reached.
var defaultDir = [2]float32{0, 1}

// FlowField is one destination's cost and direction grid.
//
// Instead of running A* for each agent, a single field is computed per
// destination and shared by every agent heading there. The field is written
// only by the owning Cache; agents read it through a Handle.
//
// Origin: Treuille, Cooper, Popović. "Continuum Crowds." SIGGRAPH 2006.
type FlowField struct {
	grid  spatial.Grid
	cost  []uint16
	best  []uint32
	dirX  []float32
	dirY  []float32
	queue []int // reusable wavefront queue

	dest      spatial.Coord
	refs      int
	gen       atomic.Uint64 // bumped on every recompute
	valid     bool
	truncated bool
	processed int
}

func newFlowField(grid spatial.Grid) *FlowField {
	size := grid.Cells()
	return &FlowField{
		grid:  grid,
		cost:  make([]uint16, size),
		best:  make([]uint32, size),
		dirX:  make([]float32, size),
		dirY:  make([]float32, size),
		queue: make([]int, 0, 256),
	}
}

// Destination returns the cell this field leads to.
func (f *FlowField) Destination() spatial.Coord { return f.dest }

// Refs returns the current reference count.
func (f *FlowField) Refs() int { return f.refs }

// Truncated reports whether the last propagation hit the cap.
func (f *FlowField) Truncated() bool { return f.truncated }

// compute resets the grid from walls and runs the reverse wavefront from dest.
// At most maxSteps cells are dequeued; the rest keep Unreached and the
// default direction.
func (f *FlowField) compute(dest spatial.Coord, walls spatial.WallSource, maxSteps int) {
	f.dest = dest
	f.truncated = false
	f.processed = 0

	for i := range f.cost {
		if walls.IsWall(f.grid.CoordOf(i)) {
			f.cost[i] = WallCost
		} else {
			f.cost[i] = FreeCost
		}
		f.best[i] = Unreached
		f.dirX[i], f.dirY[i] = defaultDir[0], defaultDir[1]
	}
	if !f.grid.Valid(dest) {
		f.valid = true
		return
	}

	destIdx := f.grid.Index(dest)
	f.cost[destIdx] = 0
	f.best[destIdx] = 0
	f.dirX[destIdx], f.dirY[destIdx] = 0, 0

	f.queue = f.queue[:0]
	f.queue = append(f.queue, destIdx)

	head := 0
	for head < len(f.queue) {
		if f.processed >= maxSteps {
			f.truncated = true
			break
		}
		current := f.queue[head]
		head++
		f.processed++

		cur := f.grid.CoordOf(current)
		curBest := f.best[current]

		for _, off := range spatial.NeighborOffsets {
			nb := cur.Add(off.X, off.Y)
			if !f.grid.Valid(nb) {
				continue
			}
			nidx := f.grid.Index(nb)
			if f.cost[nidx] == WallCost {
				continue
			}

			candidate := curBest + uint32(f.cost[nidx])*uint32(spatial.StepCost(off.X, off.Y))
			if candidate < f.best[nidx] {
				f.best[nidx] = candidate
				// Point from the neighbour back toward the current cell.
				dx, dy := float32(-off.X), float32(-off.Y)
				inv := float32(1 / math.Sqrt(float64(dx*dx+dy*dy)))
				f.dirX[nidx], f.dirY[nidx] = dx*inv, dy*inv
				f.queue = append(f.queue, nidx)
			}
		}
	}

	// Keep the queue from pinning a huge backing array after a pathological run.
	if cap(f.queue) > 4*f.grid.Cells() {
		f.queue = make([]int, 0, f.grid.Cells())
	}
	f.valid = true
}

// Cost returns the traversal cost of c, or WallCost outside the grid.
func (f *FlowField) Cost(c spatial.Coord) uint16 {
	if !f.grid.Valid(c) {
		return WallCost
	}
	return f.cost[f.grid.Index(c)]
}

// BestCost returns the accumulated cost from c to the destination, or
// Unreached.
func (f *FlowField) BestCost(c spatial.Coord) uint32 {
	if !f.grid.Valid(c) {
		return Unreached
	}
	return f.best[f.grid.Index(c)]
}

// Direction returns the unit step direction stored for c. Cells outside the
// grid report (0, 0).
func (f *FlowField) Direction(c spatial.Coord) (dx, dy float32) {
	if !f.grid.Valid(c) {
		return 0, 0
	}
	i := f.grid.Index(c)
	return f.dirX[i], f.dirY[i]
}

// Lookup returns the flow direction at world position (x, y).
//
// Time complexity: O(1)
func (f *FlowField) Lookup(x, y float64) (vx, vy float32) {
	return f.Direction(f.grid.WorldToCell(x, y))
}

// IsWall reports whether c was a wall when the field was computed.
func (f *FlowField) IsWall(c spatial.Coord) bool {
	return f.Cost(c) == WallCost
}

// Next returns the neighbour cell the direction at c points to.
func (f *FlowField) Next(c spatial.Coord) spatial.Coord {
	dx, dy := f.Direction(c)
	return c.Add(sign(dx), sign(dy))
}

func sign(v float32) int {
	switch {
	case v > 0.01:
		return 1
	case v < -0.01:
		return -1
	}
	return 0
}
