package spatial

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGridConversions verifies world/cell transforms and row-major indexing
func TestGridConversions(t *testing.T) {
	g := NewGrid(256, 256, 2.0)

	tests := []struct {
		name   string
		wx, wy float64
		want   Coord
	}{
		{"origin", 0, 0, Coord{0, 0}},
		{"inside_first", 1.99, 1.99, Coord{0, 0}},
		{"boundary", 2.0, 4.0, Coord{1, 2}},
		{"negative", -0.5, 3, Coord{-1, 1}},
		{"far_edge", 511.9, 511.9, Coord{255, 255}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.WorldToCell(tt.wx, tt.wy))
		})
	}

	cx, cy := g.CellCenter(Coord{3, 5})
	assert.Equal(t, 7.0, cx)
	assert.Equal(t, 11.0, cy)
	assert.Equal(t, Coord{17, 42}, g.CoordOf(g.Index(Coord{17, 42})))
	assert.False(t, g.Valid(Coord{256, 0}))
	assert.False(t, g.Valid(Coord{0, -1}))
	assert.True(t, g.Valid(Coord{255, 255}))
	assert.Equal(t, Coord{0, 255}, g.ClampCell(-10, 1000))
}

// TestOctile verifies the octile metric in 10/14 units
func TestOctile(t *testing.T) {
	tests := []struct {
		a, b Coord
		want int
	}{
		{Coord{0, 0}, Coord{0, 0}, 0},
		{Coord{0, 0}, Coord{9, 9}, 126},
		{Coord{0, 0}, Coord{5, 0}, 50},
		{Coord{2, 3}, Coord{6, 4}, 44},
		{Coord{6, 4}, Coord{2, 3}, 44},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Octile(tt.a, tt.b), "Octile(%v, %v)", tt.a, tt.b)
	}
}

// blockX reports a wall for every cell whose center lies in the column band [x0, x1).
type blockX struct {
	x0, x1 float64
	layer  int
	mu     sync.Mutex
	calls  int
}

func (b *blockX) Overlaps(cx, cy, half float64, layer int) bool {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return layer == b.layer && cx >= b.x0 && cx < b.x1
}

// TestWallIndexRebuild verifies sharded sampling marks exactly the overlapping cells
func TestWallIndexRebuild(t *testing.T) {
	g := NewGrid(32, 16, 1)

	for _, shards := range []int{1, 3, 7, 64, 10000} {
		w := NewWallIndex(g, shards)
		q := &blockX{x0: 10, x1: 12, layer: 6}
		stats := w.Rebuild(q, 6)

		assert.Equal(t, g.Cells(), q.calls, "shards=%d sampled cells", shards)
		assert.Equal(t, 2*16, stats.Walls, "shards=%d", shards)
		assert.Equal(t, 2*16, w.Count(), "shards=%d", shards)
		for y := 0; y < g.Height; y++ {
			for x := 0; x < g.Width; x++ {
				want := x == 10 || x == 11
				require.Equal(t, want, w.IsWall(Coord{x, y}), "shards=%d IsWall(%d,%d)", shards, x, y)
			}
		}
	}
}

// TestWallIndexFailsOpen verifies a nil query or foreign layer yields no walls
func TestWallIndexFailsOpen(t *testing.T) {
	g := NewGrid(8, 8, 1)
	w := NewWallIndex(g, 4)

	assert.Zero(t, w.Rebuild(nil, 0).Walls, "nil query")
	assert.Zero(t, w.Rebuild(&blockX{x0: 0, x1: 8, layer: 1}, 2).Walls, "other layer")
	assert.True(t, w.IsWall(Coord{-1, 0}), "out-of-grid cells read as walls")
}

// TestWallIndexSetWall verifies manual edits update the list and version
func TestWallIndexSetWall(t *testing.T) {
	w := NewWallIndex(NewGrid(4, 4, 1), 1)
	v0 := w.Version()

	w.SetWall(Coord{1, 1}, true)
	w.SetWall(Coord{2, 1}, true)
	w.SetWall(Coord{2, 1}, true)
	require.Equal(t, 2, w.Count())

	w.SetWall(Coord{1, 1}, false)
	require.Equal(t, 1, w.Count())
	require.False(t, w.IsWall(Coord{1, 1}))
	assert.Greater(t, w.Version(), v0)
	assert.Equal(t, []Coord{{2, 1}}, w.Walls())
}
