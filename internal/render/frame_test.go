package render

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowd-nav/internal/sim"
	"crowd-nav/internal/sim/spatial"
)

func TestCellPixels(t *testing.T) {
	tests := []struct {
		w, h, requested, want int
	}{
		{256, 256, 0, 4},
		{64, 32, 0, 16},
		{2000, 10, 0, 1},
		{100, 100, 50, 20},
		{10, 10, 3, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CellPixels(tt.w, tt.h, tt.requested), "%dx%d req %d", tt.w, tt.h, tt.requested)
	}
}

func TestHexColor(t *testing.T) {
	assert.Equal(t, color.RGBA{0x4f, 0xc3, 0xf7, 255}, hexColor("#4fc3f7"))
	assert.Equal(t, color.RGBA{0xAB, 0xCD, 0xEF, 255}, hexColor("#ABCDEF"))
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, hexColor("red"))
}

func TestFrameDrawsWallsAndAgents(t *testing.T) {
	grid := spatial.NewGrid(16, 8, 1)
	walls := []spatial.Coord{{X: 3, Y: 3}}
	snap := &sim.Snapshot{Agents: []sim.AgentSnapshot{
		{ID: "a", X: 10.5, Y: 4.5, Radius: 0.4, Strategy: "astar", State: "following"},
	}}

	img := Frame(grid, snap, walls, Options{CellPixels: 10, ShowGrid: true})
	require.Equal(t, 160, img.Bounds().Dx())
	require.Equal(t, 80, img.Bounds().Dy())

	assert.Equal(t, wallColor, color.RGBAModel.Convert(img.At(35, 35)))
	assert.Equal(t, strategyColors["astar"], color.RGBAModel.Convert(img.At(105, 45)))
	assert.Equal(t, backgroundColor, color.RGBAModel.Convert(img.At(75, 65)))

	var buf bytes.Buffer
	require.NoError(t, EncodePNG(&buf, img))
	decoded, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
}
