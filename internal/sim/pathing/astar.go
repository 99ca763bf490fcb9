// Package pathing implements the two path strategies agents choose between:
// per-agent A* search and shared, reference-counted flow fields.
package pathing

import (
	"fmt"

	"crowd-nav/internal/sim/spatial"
)

// DefaultHeapCapacity is the initial open-set capacity of a Pathfinder.
const DefaultHeapCapacity = 1024

// searchNode is one open-set entry. Its heap key is the cell it describes.
type searchNode struct {
	pos    spatial.Coord
	origin spatial.Coord
	g, h   int
}

func (n searchNode) Key() spatial.Coord { return n.pos }

// Compare orders by fCost, breaking ties on hCost so the search prefers
// nodes closer to the goal.
func (n searchNode) Compare(o searchNode) int {
	if f, of := n.g+n.h, o.g+o.h; f != of {
		if f < of {
			return -1
		}
		return 1
	}
	switch {
	case n.h < o.h:
		return -1
	case n.h > o.h:
		return 1
	}
	return 0
}

// Result is the outcome of a single search.
type Result struct {
	Path     []spatial.Coord // start exclusive, goal inclusive
	Cost     int             // octile cost of Path
	Expanded int             // nodes closed
	Found    bool
}

// Pathfinder runs A* over an 8-connected grid.
//
// A Pathfinder owns its open set, closed set and path buffer, so one
// instance must not be shared between goroutines. Many Pathfinders may read
// the same WallSource concurrently.
type Pathfinder struct {
	grid   spatial.Grid
	walls  spatial.WallSource
	open   *spatial.IndexableHeap[spatial.Coord, searchNode]
	closed map[spatial.Coord]searchNode
}

// NewPathfinder creates a pathfinder reading walls. heapCapacity <= 0 uses
// DefaultHeapCapacity.
func NewPathfinder(grid spatial.Grid, walls spatial.WallSource, heapCapacity int) *Pathfinder {
	if heapCapacity <= 0 {
		heapCapacity = DefaultHeapCapacity
	}
	return &Pathfinder{
		grid:   grid,
		walls:  walls,
		open:   spatial.NewHeap[spatial.Coord, searchNode](spatial.Minimum, heapCapacity),
		closed: make(map[spatial.Coord]searchNode, heapCapacity),
	}
}

// FindPathWorld converts world positions to cells and calls FindPath.
func (p *Pathfinder) FindPathWorld(sx, sy, gx, gy float64) (Result, error) {
	return p.FindPath(p.grid.WorldToCell(sx, sy), p.grid.WorldToCell(gx, gy))
}

// FindPath searches from start to goal. An unreachable goal is a normal
// outcome (Found=false, nil error); an error means the open set was misused.
func (p *Pathfinder) FindPath(start, goal spatial.Coord) (Result, error) {
	if !p.grid.Valid(start) || !p.grid.Valid(goal) || p.walls.IsWall(goal) {
		return Result{}, nil
	}
	if start == goal {
		return Result{Found: true}, nil
	}

	p.open.Clear()
	clear(p.closed)

	if err := p.open.Add(searchNode{pos: start, origin: start, h: spatial.Octile(start, goal)}); err != nil {
		return Result{}, err
	}

	expanded := 0
	for p.open.Len() > 0 {
		current, err := p.open.RemoveFirst()
		if err != nil {
			return Result{}, err
		}
		// A cell can be popped after it was closed through a cheaper route.
		if _, done := p.closed[current.pos]; done {
			continue
		}
		p.closed[current.pos] = current
		expanded++

		if current.pos == goal {
			return Result{
				Path:     p.reconstruct(start, goal),
				Cost:     current.g,
				Expanded: expanded,
				Found:    true,
			}, nil
		}

		for _, off := range spatial.NeighborOffsets {
			next := current.pos.Add(off.X, off.Y)
			if !p.grid.Valid(next) || p.walls.IsWall(next) {
				continue
			}
			if _, done := p.closed[next]; done {
				continue
			}

			g := current.g + spatial.StepCost(off.X, off.Y)
			candidate := searchNode{pos: next, origin: current.pos, g: g, h: spatial.Octile(next, goal)}

			if idx := p.open.IndexOf(next); idx >= 0 {
				if p.open.At(idx).g <= g {
					continue
				}
				if _, err := p.open.RemoveAt(idx); err != nil {
					return Result{}, fmt.Errorf("decrease key %v: %w", next, err)
				}
			}
			if err := p.open.Add(candidate); err != nil {
				return Result{}, err
			}
		}
	}

	return Result{Expanded: expanded}, nil
}

// reconstruct follows origin links from goal back to start.
func (p *Pathfinder) reconstruct(start, goal spatial.Coord) []spatial.Coord {
	path := make([]spatial.Coord, 0, 32)
	for c := goal; c != start; {
		path = append(path, c)
		c = p.closed[c].origin
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// PathCost sums the octile step costs along a path starting at start.
func PathCost(start spatial.Coord, path []spatial.Coord) int {
	cost := 0
	prev := start
	for _, c := range path {
		cost += spatial.StepCost(c.X-prev.X, c.Y-prev.Y)
		prev = c
	}
	return cost
}
