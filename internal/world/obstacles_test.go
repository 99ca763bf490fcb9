package world

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowd-nav/internal/sim/spatial"
)

func TestOverlaps(t *testing.T) {
	m := &ObstacleMap{
		Rects:   []Rect{{MinX: 2, MinY: 2, MaxX: 4, MaxY: 3, Layer: DefaultLayer}},
		Circles: []Circle{{X: 10, Y: 10, R: 1, Layer: DefaultLayer}, {X: 20, Y: 20, R: 5, Layer: 1}},
	}

	tests := []struct {
		name   string
		x, y   float64
		half   float64
		layer  int
		expect bool
	}{
		{"inside rect", 3, 2.5, 0.5, DefaultLayer, true},
		{"point inside rect", 3, 2.5, 0, DefaultLayer, true},
		{"near rect edge", 4.3, 2.5, 0.5, DefaultLayer, true},
		{"touching rect edge", 4.5, 2.5, 0.5, DefaultLayer, false},
		{"near rect corner", 4.3, 3.3, 0.5, DefaultLayer, true},
		{"diagonal off corner", 4.4, 3.4, 0.5, DefaultLayer, false},
		{"inside circle", 10, 10.5, 0.5, DefaultLayer, true},
		{"touching circle", 11.5, 10, 0.5, DefaultLayer, false},
		{"other layer shape", 20, 20, 0.5, DefaultLayer, false},
		{"other layer query", 3, 2.5, 0.5, 1, false},
		{"matching other layer", 20, 20, 0.5, 1, true},
		{"empty space", 50, 50, 0.5, DefaultLayer, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, m.Overlaps(tt.x, tt.y, tt.half, tt.layer))
		})
	}

	var nilMap *ObstacleMap
	assert.False(t, nilMap.Overlaps(0, 0, 1, DefaultLayer))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		m    ObstacleMap
		ok   bool
	}{
		{"empty", ObstacleMap{}, true},
		{"good", ObstacleMap{Rects: []Rect{{MaxX: 1, MaxY: 1}}, Circles: []Circle{{R: 1}}}, true},
		{"flat rect", ObstacleMap{Rects: []Rect{{MinX: 1, MaxX: 1, MaxY: 2}}}, false},
		{"inverted rect", ObstacleMap{Rects: []Rect{{MinX: 2, MaxX: 1, MaxY: 2}}}, false},
		{"zero radius", ObstacleMap{Circles: []Circle{{R: 0}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidShape), "got %v", err)
			}
		})
	}
}

func TestMapFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.yaml")
	m := DemoMap(64, 48)
	require.NoError(t, SaveMapFile(path, m))

	loaded, err := LoadMapFile(path)
	require.NoError(t, err)
	assert.Equal(t, m, loaded)

	_, err = LoadMapFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseMapRejectsBadShapes(t *testing.T) {
	_, err := ParseMap([]byte("rects:\n  - {min_x: 3, min_y: 0, max_x: 1, max_y: 2}\n"))
	assert.ErrorIs(t, err, ErrInvalidShape)

	m, err := ParseMap([]byte("name: box\nrects:\n  - {min_x: 1, min_y: 1, max_x: 3, max_y: 2, layer: 6}\n"))
	require.NoError(t, err)
	assert.Equal(t, "box", m.Name)
	assert.Equal(t, Rect{MinX: 1, MinY: 1, MaxX: 3, MaxY: 2, Layer: 6}, m.Rects[0])
}

// TestWallIndexSampling checks the map through the wall index it feeds
func TestWallIndexSampling(t *testing.T) {
	grid := spatial.NewGrid(8, 8, 1)
	walls := spatial.NewWallIndex(grid, 4)
	m := &ObstacleMap{Rects: []Rect{{MinX: 2, MinY: 0, MaxX: 3, MaxY: 5, Layer: DefaultLayer}}}

	stats := walls.Rebuild(m, DefaultLayer)
	assert.Equal(t, 5, stats.Walls)
	for y := 0; y < 8; y++ {
		assert.Equal(t, y < 5, walls.IsWall(spatial.Coord{X: 2, Y: y}), "row %d", y)
		assert.False(t, walls.IsWall(spatial.Coord{X: 1, Y: y}))
		assert.False(t, walls.IsWall(spatial.Coord{X: 3, Y: y}))
	}
}
