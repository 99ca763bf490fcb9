// Package spatial provides cache-efficient spatial data structures for
// grid navigation and neighbor queries.
//
// All structures use preallocated slices with integer indices (not pointers)
// to minimize GC pressure and maximize cache locality.
package spatial

import (
	"math"
)

// Octile step weights. A diagonal step costs 14 (≈10·√2) so that all
// path costs stay in integer arithmetic.
const (
	StraightCost = 10
	DiagonalCost = 14
)

// Coord is an integer grid cell coordinate.
type Coord struct {
	X int `json:"x" msgpack:"x"`
	Y int `json:"y" msgpack:"y"`
}

// Add returns c offset by (dx, dy).
func (c Coord) Add(dx, dy int) Coord {
	return Coord{X: c.X + dx, Y: c.Y + dy}
}

// NeighborOffsets lists the 8-connected neighbor offsets.
// Orthogonal offsets come first, diagonals last.
var NeighborOffsets = [8]Coord{
	{-1, 0}, {1, 0}, {0, 1}, {0, -1},
	{-1, -1}, {1, -1}, {-1, 1}, {1, 1},
}

// Grid describes a uniform 2D grid of square cells.
//
// Memory layout: cells are stored in row-major order (index = x + y*Width).
type Grid struct {
	Width    int
	Height   int
	CellSize float64
}

// NewGrid creates a grid description. Dimensions are clamped to at least 1x1
// and a non-positive cell size falls back to 1.
func NewGrid(width, height int, cellSize float64) Grid {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	if cellSize <= 0 {
		cellSize = 1
	}
	return Grid{Width: width, Height: height, CellSize: cellSize}
}

// Cells returns the total number of cells.
func (g Grid) Cells() int {
	return g.Width * g.Height
}

// Valid reports whether c lies inside the grid.
func (g Grid) Valid(c Coord) bool {
	return c.X >= 0 && c.X < g.Width && c.Y >= 0 && c.Y < g.Height
}

// Index returns the row-major index of c. c must be valid.
func (g Grid) Index(c Coord) int {
	return c.X + c.Y*g.Width
}

// CoordOf is the inverse of Index.
func (g Grid) CoordOf(index int) Coord {
	return Coord{X: index % g.Width, Y: index / g.Width}
}

// WorldToCell converts a world position to the cell containing it.
// The result may be outside the grid; callers check Valid.
func (g Grid) WorldToCell(x, y float64) Coord {
	return Coord{
		X: int(math.Floor(x / g.CellSize)),
		Y: int(math.Floor(y / g.CellSize)),
	}
}

// ClampCell is WorldToCell clamped to the grid bounds.
func (g Grid) ClampCell(x, y float64) Coord {
	c := g.WorldToCell(x, y)
	if c.X < 0 {
		c.X = 0
	}
	if c.X >= g.Width {
		c.X = g.Width - 1
	}
	if c.Y < 0 {
		c.Y = 0
	}
	if c.Y >= g.Height {
		c.Y = g.Height - 1
	}
	return c
}

// CellCenter returns the world-space center of cell c.
func (g Grid) CellCenter(c Coord) (x, y float64) {
	half := g.CellSize * 0.5
	return float64(c.X)*g.CellSize + half, float64(c.Y)*g.CellSize + half
}

// WorldSize returns the world-space extent of the grid.
func (g Grid) WorldSize() (w, h float64) {
	return float64(g.Width) * g.CellSize, float64(g.Height) * g.CellSize
}

// Octile returns the octile distance between a and b in step-weight units.
// It is admissible and consistent for 8-connected uniform grids.
func Octile(a, b Coord) int {
	dx := absInt(a.X - b.X)
	dy := absInt(a.Y - b.Y)
	if dx > dy {
		return DiagonalCost*dy + StraightCost*(dx-dy)
	}
	return DiagonalCost*dx + StraightCost*(dy-dx)
}

// StepCost returns the weight of a single step by (dx, dy).
func StepCost(dx, dy int) int {
	if dx != 0 && dy != 0 {
		return DiagonalCost
	}
	return StraightCost
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
