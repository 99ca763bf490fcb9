// Package render draws debug frames of the navigation grid: walls, one flow
// field, agents and their remaining A* waypoints.
package render

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"time"

	"github.com/fogleman/gg"

	"crowd-nav/internal/observability"
	"crowd-nav/internal/sim"
	"crowd-nav/internal/sim/pathing"
	"crowd-nav/internal/sim/spatial"
)

// MaxFramePixels caps either side of a frame.
const MaxFramePixels = 2048

// Options controls what a frame shows.
type Options struct {
	CellPixels    int                // pixels per cell; 0 picks a size near 1024px
	Field         *pathing.FlowField // arrows for this field, if set
	ShowWaypoints bool
	ShowGrid      bool
}

var (
	backgroundColor = hexColor("#0c0c1c")
	gridColor       = hexColor("#1e1e2d")
	wallColor       = hexColor("#5a6270")
	arrowColor      = color.RGBA{120, 200, 120, 160}
	destColor       = hexColor("#ffeb3b")
	waypointColor   = color.RGBA{255, 255, 255, 90}
	strategyColors  = map[string]color.RGBA{
		sim.StrategyAStar.String():     hexColor("#4fc3f7"),
		sim.StrategyFlowField.String(): hexColor("#ffb74d"),
	}
)

// CellPixels returns the cell size in pixels used for a grid.
func CellPixels(width, height, requested int) int {
	px := requested
	if px <= 0 {
		px = 1024 / max(width, height)
	}
	px = max(px, 1)
	for px > 1 && (width*px > MaxFramePixels || height*px > MaxFramePixels) {
		px--
	}
	return px
}

// Frame renders snap over walls. A nil snapshot draws walls only on grid.
func Frame(grid spatial.Grid, snap *sim.Snapshot, walls []spatial.Coord, opts Options) image.Image {
	start := time.Now()
	defer func() { observability.RecordRender(time.Since(start)) }()

	px := CellPixels(grid.Width, grid.Height, opts.CellPixels)
	w, h := grid.Width*px, grid.Height*px
	scale := float64(px) / grid.CellSize // pixels per world unit

	dc := gg.NewContext(w, h)
	dc.SetColor(backgroundColor)
	dc.DrawRectangle(0, 0, float64(w), float64(h))
	dc.Fill()

	if opts.ShowGrid && px >= 4 {
		drawGrid(dc, grid, px)
	}

	dc.SetColor(wallColor)
	for _, c := range walls {
		dc.DrawRectangle(float64(c.X*px), float64(c.Y*px), float64(px), float64(px))
	}
	dc.Fill()

	if opts.Field != nil {
		drawField(dc, grid, opts.Field, px)
	}

	if snap != nil {
		if opts.ShowWaypoints {
			drawWaypoints(dc, snap.Agents, px, scale)
		}
		drawAgents(dc, snap.Agents, px, scale)
	}
	return dc.Image()
}

func drawGrid(dc *gg.Context, grid spatial.Grid, px int) {
	dc.SetColor(gridColor)
	dc.SetLineWidth(1)
	w, h := float64(grid.Width*px), float64(grid.Height*px)
	for x := 0; x <= grid.Width; x++ {
		dc.DrawLine(float64(x*px), 0, float64(x*px), h)
	}
	for y := 0; y <= grid.Height; y++ {
		dc.DrawLine(0, float64(y*px), w, float64(y*px))
	}
	dc.Stroke()
}

func drawField(dc *gg.Context, grid spatial.Grid, f *pathing.FlowField, px int) {
	half := float64(px) / 2
	if px >= 6 {
		dc.SetColor(arrowColor)
		dc.SetLineWidth(1)
		for y := 0; y < grid.Height; y++ {
			for x := 0; x < grid.Width; x++ {
				c := spatial.Coord{X: x, Y: y}
				if f.IsWall(c) {
					continue
				}
				dx, dy := f.Direction(c)
				if dx == 0 && dy == 0 {
					continue
				}
				cx, cy := float64(x*px)+half, float64(y*px)+half
				dc.DrawLine(cx, cy, cx+float64(dx)*half*0.9, cy+float64(dy)*half*0.9)
			}
		}
		dc.Stroke()
	}

	d := f.Destination()
	dc.SetColor(destColor)
	dc.DrawRectangle(float64(d.X*px), float64(d.Y*px), float64(px), float64(px))
	dc.Fill()
}

func drawWaypoints(dc *gg.Context, agents []sim.AgentSnapshot, px int, scale float64) {
	dc.SetColor(waypointColor)
	dc.SetLineWidth(1)
	half := float64(px) / 2
	for i := range agents {
		a := &agents[i]
		if len(a.Waypoints) == 0 {
			continue
		}
		dc.MoveTo(a.X*scale, a.Y*scale)
		for _, wp := range a.Waypoints {
			dc.LineTo(float64(wp.X*px)+half, float64(wp.Y*px)+half)
		}
		dc.Stroke()
	}
}

func drawAgents(dc *gg.Context, agents []sim.AgentSnapshot, px int, scale float64) {
	for i := range agents {
		a := &agents[i]
		r := max(a.Radius*scale, 1.5)
		c, ok := strategyColors[a.Strategy]
		if !ok {
			c = color.RGBA{255, 255, 255, 255}
		}
		if a.State == "idle" {
			c.A = 140
		}
		dc.SetColor(c)
		dc.DrawCircle(a.X*scale, a.Y*scale, r)
		dc.Fill()
	}
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}

// hexColor parses "#rrggbb"; anything else is white.
func hexColor(hex string) color.RGBA {
	if len(hex) != 7 || hex[0] != '#' {
		return color.RGBA{255, 255, 255, 255}
	}
	return color.RGBA{
		R: hexByte(hex[1])<<4 | hexByte(hex[2]),
		G: hexByte(hex[3])<<4 | hexByte(hex[4]),
		B: hexByte(hex[5])<<4 | hexByte(hex[6]),
		A: 255,
	}
}

func hexByte(c byte) uint8 {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}
