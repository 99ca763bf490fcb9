package api

import (
	"encoding/json"
	"errors"
	"image"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/vmihailenco/msgpack/v5"

	"crowd-nav/internal/render"
	"crowd-nav/internal/sim"
	"crowd-nav/internal/sim/pathing"
	"crowd-nav/internal/sim/spatial"
	"crowd-nav/internal/world"
)

const (
	// MaxSpawnBatch caps agents created by one request
	MaxSpawnBatch = 500
	// MaxMapBody caps an uploaded map document
	MaxMapBody = 1 << 20
	// DefaultEventCount is how many events /api/events returns without ?n=
	DefaultEventCount = 100

	contentTypeMsgpack = "application/msgpack"
)

// Handler methods for routerHandlers

func (h *routerHandlers) handleGetState(w http.ResponseWriter, r *http.Request) {
	snap, release := h.engine.GetSnapshot()
	defer release()
	if snap == nil {
		writeError(w, "No snapshot yet", http.StatusServiceUnavailable)
		return
	}
	writeData(w, r, snap)
}

// statsResponse flattens the engine stats and adds the limiter block.
type statsResponse struct {
	sim.EngineStats
	RateLimits RateLimitStats `json:"rateLimits"`
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{EngineStats: h.engine.Stats(), RateLimits: h.limiter.Stats()}
	if h.conns != nil {
		resp.RateLimits.WebSocket = h.conns.Stats()
	}
	writeJSON(w, resp)
}

func (h *routerHandlers) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	n := DefaultEventCount
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, "n must be a non-negative integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	writeJSON(w, h.engine.RecentEvents(n))
}

func (h *routerHandlers) handleGetWalls(w http.ResponseWriter, r *http.Request) {
	walls := h.engine.Walls()
	grid := h.engine.Grid()
	writeData(w, r, map[string]interface{}{
		"width":    grid.Width,
		"height":   grid.Height,
		"cellSize": grid.CellSize,
		"count":    len(walls),
		"cells":    walls,
	})
}

func (h *routerHandlers) handleFindPath(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var coords [4]float64
	for i, key := range []string{"sx", "sy", "gx", "gy"} {
		v, err := strconv.ParseFloat(q.Get(key), 64)
		if err != nil {
			writeError(w, "sx, sy, gx and gy are required numbers", http.StatusBadRequest)
			return
		}
		coords[i] = v
	}

	res, err := h.engine.FindPath(coords[0], coords[1], coords[2], coords[3])
	if err != nil {
		log.Printf("⚠️ Path query failed: %v", err)
		writeError(w, "Search failed", http.StatusInternalServerError)
		return
	}

	path := res.Path
	if path == nil {
		path = []spatial.Coord{}
	}
	writeJSON(w, map[string]interface{}{
		"found":    res.Found,
		"cost":     res.Cost,
		"expanded": res.Expanded,
		"path":     path,
	})
}

type spawnRequest struct {
	Count    int      `json:"count"`
	X        *float64 `json:"x"`
	Y        *float64 `json:"y"`
	Strategy string   `json:"strategy"`
	Speed    float64  `json:"speed"`
	Radius   float64  `json:"radius"`
	TargetX  *float64 `json:"targetX"`
	TargetY  *float64 `json:"targetY"`
}

func (h *routerHandlers) handleSpawnAgents(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	strategy, err := sim.ParseStrategy(req.Strategy)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if (req.X == nil) != (req.Y == nil) || (req.TargetX == nil) != (req.TargetY == nil) {
		writeError(w, "x and y (and targetX and targetY) go together", http.StatusBadRequest)
		return
	}

	var ids []string
	var spawnErr error
	if req.X != nil {
		a, err := h.engine.Spawn(sim.AgentOptions{
			X: *req.X, Y: *req.Y, Strategy: strategy, MaxSpeed: req.Speed, Radius: req.Radius,
		})
		if a != nil {
			ids = append(ids, a.ID)
		}
		spawnErr = err
	} else {
		count := req.Count
		if count <= 0 {
			count = 1
		}
		if count > MaxSpawnBatch {
			count = MaxSpawnBatch
		}
		agents, err := h.engine.SpawnRandom(count, strategy)
		for _, a := range agents {
			ids = append(ids, a.ID)
		}
		spawnErr = err
	}

	if spawnErr != nil && !errors.Is(spawnErr, sim.ErrAgentLimit) {
		writeEngineError(w, spawnErr)
		return
	}
	if len(ids) == 0 {
		writeError(w, "Agent limit reached", http.StatusServiceUnavailable)
		return
	}

	if req.TargetX != nil {
		for _, id := range ids {
			if err := h.engine.SetTarget(id, *req.TargetX, *req.TargetY); err != nil {
				log.Printf("⚠️ Initial target for %s: %v", id, err)
			}
		}
	}

	writeJSON(w, map[string]interface{}{
		"success":      true,
		"count":        len(ids),
		"agents":       ids,
		"limitReached": spawnErr != nil,
	})
}

func (h *routerHandlers) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.GetAgent(chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, a)
}

func (h *routerHandlers) handleRemoveAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Remove(chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

func (h *routerHandlers) handleSetTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		X        *float64 `json:"x"`
		Y        *float64 `json:"y"`
		Strategy string   `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.X == nil || req.Y == nil {
		writeError(w, "x and y are required", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	var err error
	if req.Strategy != "" {
		s, perr := sim.ParseStrategy(req.Strategy)
		if perr != nil {
			writeError(w, perr.Error(), http.StatusBadRequest)
			return
		}
		err = h.engine.SetTargetWithStrategy(id, *req.X, *req.Y, s)
	} else {
		err = h.engine.SetTarget(id, *req.X, *req.Y)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

func (h *routerHandlers) handleListFlowFields(w http.ResponseWriter, r *http.Request) {
	snap, release := h.engine.GetSnapshot()
	defer release()
	if snap == nil {
		writeJSON(w, map[string]interface{}{"fields": []pathing.FieldInfo{}})
		return
	}
	writeJSON(w, map[string]interface{}{
		"fields": snap.FlowFields,
		"cache":  snap.Cache,
	})
}

// flowFieldDetail is the full per-cell view of one field.
type flowFieldDetail struct {
	Slot        int           `json:"slot" msgpack:"slot"`
	Destination spatial.Coord `json:"destination" msgpack:"destination"`
	Refs        int           `json:"refs" msgpack:"refs"`
	Truncated   bool          `json:"truncated" msgpack:"truncated"`
	Width       int           `json:"width" msgpack:"width"`
	Height      int           `json:"height" msgpack:"height"`
	BestCost    []int64       `json:"bestCost" msgpack:"bestCost"` // -1 unreached
	DirX        []float32     `json:"dirX" msgpack:"dirX"`
	DirY        []float32     `json:"dirY" msgpack:"dirY"`
}

func (h *routerHandlers) handleGetFlowField(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil || slot < 0 {
		writeError(w, "Invalid slot", http.StatusBadRequest)
		return
	}

	grid := h.engine.Grid()
	var detail flowFieldDetail
	ok := h.engine.WithFlowField(slot, func(f *pathing.FlowField) {
		n := grid.Cells()
		detail = flowFieldDetail{
			Slot:        slot,
			Destination: f.Destination(),
			Refs:        f.Refs(),
			Truncated:   f.Truncated(),
			Width:       grid.Width,
			Height:      grid.Height,
			BestCost:    make([]int64, n),
			DirX:        make([]float32, n),
			DirY:        make([]float32, n),
		}
		for i := 0; i < n; i++ {
			c := grid.CoordOf(i)
			if best := f.BestCost(c); best == pathing.Unreached {
				detail.BestCost[i] = -1
			} else {
				detail.BestCost[i] = int64(best)
			}
			detail.DirX[i], detail.DirY[i] = f.Direction(c)
		}
	})
	if !ok {
		writeError(w, "Flow field not found", http.StatusNotFound)
		return
	}
	writeData(w, r, detail)
}

func (h *routerHandlers) handleDebugFrame(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := render.Options{
		ShowWaypoints: q.Get("waypoints") != "0",
		ShowGrid:      q.Get("grid") == "1",
	}
	if v := q.Get("px"); v != "" {
		px, err := strconv.Atoi(v)
		if err != nil || px < 1 || px > 64 {
			writeError(w, "px must be 1..64", http.StatusBadRequest)
			return
		}
		opts.CellPixels = px
	}

	snap, release := h.engine.GetSnapshot()
	defer release()
	grid := h.engine.Grid()
	walls := h.engine.Walls()

	var img image.Image
	if v := q.Get("slot"); v != "" {
		slot, err := strconv.Atoi(v)
		if err != nil || slot < 0 {
			writeError(w, "Invalid slot", http.StatusBadRequest)
			return
		}
		// The field is only valid while the cache lock is held.
		found := h.engine.WithFlowField(slot, func(f *pathing.FlowField) {
			opts.Field = f
			img = render.Frame(grid, snap, walls, opts)
		})
		if !found {
			writeError(w, "Flow field not found", http.StatusNotFound)
			return
		}
	} else {
		img = render.Frame(grid, snap, walls, opts)
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := render.EncodePNG(w, img); err != nil {
		log.Printf("⚠️ Debug frame encode: %v", err)
	}
}

func (h *routerHandlers) handleListMaps(w http.ResponseWriter, r *http.Request) {
	if !h.requireMaps(w) {
		return
	}
	list, err := h.maps.List()
	if err != nil {
		log.Printf("⚠️ List maps: %v", err)
		writeError(w, "Map store error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, list)
}

func (h *routerHandlers) handleGetMap(w http.ResponseWriter, r *http.Request) {
	if !h.requireMaps(w) {
		return
	}
	m, err := h.maps.Load(chi.URLParam(r, "name"))
	if err != nil {
		writeMapError(w, err)
		return
	}
	writeJSON(w, m)
}

func (h *routerHandlers) handleSaveMap(w http.ResponseWriter, r *http.Request) {
	if !h.requireMaps(w) {
		return
	}
	m, err := decodeMap(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.maps.Save(name, m); err != nil {
		writeMapError(w, err)
		return
	}
	log.Printf("🗺️ Map %q saved (%d shapes)", name, m.Shapes())
	writeJSON(w, map[string]interface{}{"success": true, "name": name, "shapes": m.Shapes()})
}

func (h *routerHandlers) handleDeleteMap(w http.ResponseWriter, r *http.Request) {
	if !h.requireMaps(w) {
		return
	}
	if err := h.maps.Delete(chi.URLParam(r, "name")); err != nil {
		writeMapError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

func (h *routerHandlers) handleApplyMap(w http.ResponseWriter, r *http.Request) {
	if !h.requireMaps(w) {
		return
	}
	name := chi.URLParam(r, "name")
	m, err := h.maps.Load(name)
	if err != nil {
		writeMapError(w, err)
		return
	}
	stats := h.engine.SetObstacles(m)
	log.Printf("🗺️ Map %q applied: %d walls", name, stats.Walls)
	writeJSON(w, map[string]interface{}{
		"success": true,
		"name":    name,
		"walls":   stats.Walls,
		"cells":   stats.Cells,
		"version": stats.Version,
	})
}

func (h *routerHandlers) requireMaps(w http.ResponseWriter) bool {
	if h.maps == nil {
		writeError(w, "Map store disabled", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// decodeMap reads a map body as YAML (application/yaml, text/yaml) or JSON.
func decodeMap(r *http.Request) (*world.ObstacleMap, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxMapBody))
	if err != nil {
		return nil, errors.New("unreadable body")
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasSuffix(mt, "yaml") {
		return world.ParseMap(body)
	}
	var m world.ObstacleMap
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, errors.New("invalid map JSON")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Helper functions (package-level for reuse)

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeData encodes as msgpack when the client asks for it (Accept header or
// ?format=msgpack), JSON otherwise.
func writeData(w http.ResponseWriter, r *http.Request, data interface{}) {
	if r.URL.Query().Get("format") != "msgpack" && !strings.Contains(r.Header.Get("Accept"), contentTypeMsgpack) {
		writeJSON(w, data)
		return
	}
	body, err := msgpack.Marshal(data)
	if err != nil {
		log.Printf("⚠️ msgpack encode: %v", err)
		writeError(w, "Encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeMsgpack)
	w.Write(body)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sim.ErrAgentNotFound):
		writeError(w, "Agent not found", http.StatusNotFound)
	case errors.Is(err, sim.ErrQueueFull):
		writeError(w, "Request queue full", http.StatusServiceUnavailable)
	case errors.Is(err, sim.ErrAgentLimit):
		writeError(w, "Agent limit reached", http.StatusServiceUnavailable)
	case errors.Is(err, sim.ErrNoFreeCell):
		writeError(w, "No free cell to spawn on", http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeMapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, world.ErrMapNotFound):
		writeError(w, "Map not found", http.StatusNotFound)
	case errors.Is(err, world.ErrInvalidName), errors.Is(err, world.ErrInvalidShape):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		log.Printf("⚠️ Map store: %v", err)
		writeError(w, "Map store error", http.StatusInternalServerError)
	}
}
