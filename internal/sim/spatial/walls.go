package spatial

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// OverlapQuery reports whether any obstacle geometry on layer overlaps the
// circle at (cx, cy) with radius halfExtent.
type OverlapQuery interface {
	Overlaps(cx, cy, halfExtent float64, layer int) bool
}

// WallSource is the read-only view of obstacle flags used by the pathfinders.
type WallSource interface {
	IsWall(c Coord) bool
}

// WallIndex stores one obstacle flag per grid cell.
//
// It is rebuilt in bulk by Rebuild and read concurrently afterwards. Rebuild
// must not run while searches are reading the index.
type WallIndex struct {
	grid    Grid
	walls   []bool
	list    []Coord
	shards  int
	version atomic.Uint64
}

// WallStats summarizes the last rebuild.
type WallStats struct {
	Cells   int
	Walls   int
	Shards  int
	Version uint64
}

// NewWallIndex creates an empty (obstacle-free) index for grid.
// shards controls how many parallel sampling tasks Rebuild uses.
func NewWallIndex(grid Grid, shards int) *WallIndex {
	if shards < 1 {
		shards = 1
	}
	if shards > grid.Cells() {
		shards = grid.Cells()
	}
	return &WallIndex{
		grid:   grid,
		walls:  make([]bool, grid.Cells()),
		list:   make([]Coord, 0, 64),
		shards: shards,
	}
}

// Grid returns the grid this index covers.
func (w *WallIndex) Grid() Grid {
	return w.grid
}

// Rebuild resamples every cell against q.
//
// Sampling is sharded into contiguous cell ranges; each shard writes only its
// own range of the flag array and its own wall list, so shards never share
// mutable state. A nil query detects no obstacles.
func (w *WallIndex) Rebuild(q OverlapQuery, layer int) WallStats {
	cells := w.grid.Cells()
	perShard := (cells + w.shards - 1) / w.shards
	found := make([][]Coord, w.shards)

	var g errgroup.Group
	for s := 0; s < w.shards; s++ {
		begin := s * perShard
		end := begin + perShard
		if end > cells {
			end = cells
		}
		if begin >= end {
			continue
		}
		shard := s
		g.Go(func() error {
			half := w.grid.CellSize * 0.5
			var local []Coord
			for i := begin; i < end; i++ {
				c := w.grid.CoordOf(i)
				hit := false
				if q != nil {
					cx, cy := w.grid.CellCenter(c)
					hit = q.Overlaps(cx, cy, half, layer)
				}
				w.walls[i] = hit
				if hit {
					local = append(local, c)
				}
			}
			found[shard] = local
			return nil
		})
	}
	_ = g.Wait()

	w.list = w.list[:0]
	for _, shard := range found {
		w.list = append(w.list, shard...)
	}
	v := w.version.Add(1)

	return WallStats{Cells: cells, Walls: len(w.list), Shards: w.shards, Version: v}
}

// IsWall reports whether c is blocked. Cells outside the grid count as walls.
func (w *WallIndex) IsWall(c Coord) bool {
	if !w.grid.Valid(c) {
		return true
	}
	return w.walls[w.grid.Index(c)]
}

// SetWall marks a single cell. Used for manual edits and tests.
func (w *WallIndex) SetWall(c Coord, blocked bool) {
	if !w.grid.Valid(c) {
		return
	}
	idx := w.grid.Index(c)
	if w.walls[idx] == blocked {
		return
	}
	w.walls[idx] = blocked
	if blocked {
		w.list = append(w.list, c)
	} else {
		for i, wc := range w.list {
			if wc == c {
				w.list[i] = w.list[len(w.list)-1]
				w.list = w.list[:len(w.list)-1]
				break
			}
		}
	}
	w.version.Add(1)
}

// Walls returns a copy of the blocked cells, in no particular order.
func (w *WallIndex) Walls() []Coord {
	out := make([]Coord, len(w.list))
	copy(out, w.list)
	return out
}

// Count returns the number of blocked cells.
func (w *WallIndex) Count() int {
	return len(w.list)
}

// Version increments on every rebuild or edit.
func (w *WallIndex) Version() uint64 {
	return w.version.Load()
}
