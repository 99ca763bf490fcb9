package sim

import (
	"math"

	"crowd-nav/internal/sim/spatial"
)

// moveToward advances a toward (tx, ty) by at most MaxSpeed*dt and records
// the velocity used. Returns the remaining distance.
func moveToward(a *Agent, tx, ty, dt float64) float64 {
	dx, dy := tx-a.X, ty-a.Y
	dist := math.Hypot(dx, dy)
	if dist < 1e-9 {
		a.VX, a.VY = 0, 0
		return 0
	}
	step := a.MaxSpeed * dt
	if step >= dist {
		a.X, a.Y = tx, ty
		a.VX, a.VY = dx/dt, dy/dt
		return 0
	}
	a.VX, a.VY = dx/dist*a.MaxSpeed, dy/dist*a.MaxSpeed
	a.X += a.VX * dt
	a.Y += a.VY * dt
	return dist - step
}

// stepWaypoints moves an A* follower toward its current waypoint center,
// advancing the waypoint index within arriveRadius. Returns true once the
// last waypoint is reached.
func stepWaypoints(a *Agent, grid spatial.Grid, dt, arriveRadius float64) bool {
	for a.WaypointIdx < len(a.Waypoints) {
		cx, cy := grid.CellCenter(a.Waypoints[a.WaypointIdx])
		if a.WaypointIdx == len(a.Waypoints)-1 && grid.WorldToCell(a.TargetX, a.TargetY) == a.Waypoints[a.WaypointIdx] {
			// Final cell: head for the exact target rather than the cell center.
			cx, cy = a.TargetX, a.TargetY
		}
		if math.Hypot(cx-a.X, cy-a.Y) > arriveRadius {
			a.PrefVX, a.PrefVY = cx-a.X, cy-a.Y
			moveToward(a, cx, cy, dt)
			return false
		}
		a.WaypointIdx++
	}
	a.VX, a.VY = 0, 0
	return true
}

// stepFlowField moves a flow follower along the direction of its current
// cell. On a wall cell it keeps its last non-wall direction. Returns true
// once within one cell of the target.
func stepFlowField(a *Agent, grid spatial.Grid, dt float64) bool {
	if math.Hypot(a.TargetX-a.X, a.TargetY-a.Y) < grid.CellSize {
		a.VX, a.VY = 0, 0
		return true
	}

	if !a.flow.Valid() {
		return false
	}
	field := a.flow.Field()

	cell := grid.ClampCell(a.X, a.Y)
	var dx, dy float32
	switch {
	case field.IsWall(cell):
		if !a.lastNonWallValid {
			a.VX, a.VY = 0, 0
			return false
		}
		dx, dy = a.lastDirX, a.lastDirY
	default:
		dx, dy = field.Direction(cell)
		if cell == field.Destination() {
			// Destination cell stores no direction; close the gap directly.
			moveToward(a, a.TargetX, a.TargetY, dt)
			return false
		}
		a.lastDirX, a.lastDirY = dx, dy
		a.lastNonWallValid = true
	}

	a.PrefVX, a.PrefVY = float64(dx), float64(dy)
	cx, cy := grid.CellCenter(cell)
	// Aim two cells ahead of the current center along the field.
	tx := cx + float64(dx)*grid.CellSize*2
	ty := cy + float64(dy)*grid.CellSize*2
	moveToward(a, tx, ty, dt)
	a.X, a.Y = clampWorld(grid, a.X, a.Y)
	return false
}

func clampWorld(grid spatial.Grid, x, y float64) (float64, float64) {
	w, h := grid.WorldSize()
	const eps = 1e-6
	return math.Max(0, math.Min(w-eps, x)), math.Max(0, math.Min(h-eps, y))
}
