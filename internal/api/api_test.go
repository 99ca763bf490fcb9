package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"crowd-nav/internal/api"
	"crowd-nav/internal/sim"
	"crowd-nav/internal/sim/spatial"
	"crowd-nav/internal/world"
)

const testToken = "s3cret"

func newTestEngine(t *testing.T, w, h int) *sim.Engine {
	t.Helper()
	cfg := sim.DefaultEngineConfig()
	cfg.Grid = spatial.NewGrid(w, h, 1)
	cfg.Wander = false
	cfg.SearchWorkers = 2
	cfg.SampleShards = 2
	cfg.MaxAgents = 50
	return sim.NewEngine(cfg, nil)
}

func newTestServer(t *testing.T, engine *sim.Engine, maps api.MapStore) *httptest.Server {
	t.Helper()
	router := api.NewRouter(api.RouterConfig{
		Engine:         engine,
		Maps:           maps,
		AdminToken:     testToken,
		DisableLogging: true,
		RateLimitConfig: &api.RateLimitConfig{
			RequestsPerSecond: 1000,
			Burst:             1000,
			TargetsPerSecond:  1000,
			TargetBurst:       1000,
			IdleTTL:           time.Hour,
		},
	})
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, body string, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		json.Unmarshal(raw, &out)
	}
	return resp, out
}

// TestNewRouterHasNoSideEffects verifies that NewRouter opens no listener and
// runs no ticks.
func TestNewRouterHasNoSideEffects(t *testing.T) {
	engine := newTestEngine(t, 8, 8)
	rl := api.NewClientLimiter(api.DefaultRateLimitConfig)
	defer rl.Stop()

	router := api.NewRouter(api.RouterConfig{Engine: engine, RateLimiter: rl, DisableLogging: true})
	require.NotNil(t, router)
	assert.Equal(t, uint64(0), engine.Stats().Tick)
	assert.False(t, engine.Stats().Running)
}

// TestAPIGetState tests JSON and msgpack renditions of the snapshot
func TestAPIGetState(t *testing.T) {
	engine := newTestEngine(t, 16, 16)
	ts := newTestServer(t, engine, nil)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/state", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no snapshot before the first tick")

	_, err := engine.SpawnRandom(3, sim.StrategyAStar)
	require.NoError(t, err)
	engine.Step()

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/state", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["agents"], 3)
	assert.EqualValues(t, 1, body["tick"])
	assert.EqualValues(t, 16, body["gridWidth"])

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/state", nil)
	req.Header.Set("Accept", "application/msgpack")
	mresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer mresp.Body.Close()
	assert.Equal(t, "application/msgpack", mresp.Header.Get("Content-Type"))

	var decoded struct {
		Tick   uint64 `msgpack:"tick"`
		Agents []struct {
			ID string `msgpack:"id"`
		} `msgpack:"agents"`
	}
	raw, _ := io.ReadAll(mresp.Body)
	require.NoError(t, msgpack.Unmarshal(raw, &decoded))
	assert.Equal(t, uint64(1), decoded.Tick)
	assert.Len(t, decoded.Agents, 3)
}

// TestAPISpawnAgents tests single, batch and invalid spawn requests
func TestAPISpawnAgents(t *testing.T) {
	engine := newTestEngine(t, 16, 16)
	ts := newTestServer(t, engine, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCount  int
	}{
		{"batch", `{"count": 3, "strategy": "flowfield"}`, http.StatusOK, 3},
		{"single", `{"x": 2.5, "y": 3.5}`, http.StatusOK, 1},
		{"empty body spawns one", ``, http.StatusOK, 1},
		{"with target", `{"count": 2, "targetX": 8.5, "targetY": 8.5}`, http.StatusOK, 2},
		{"unknown strategy", `{"strategy": "teleport"}`, http.StatusBadRequest, 0},
		{"x without y", `{"x": 1}`, http.StatusBadRequest, 0},
		{"invalid json", `{invalid}`, http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/agents", tt.body, nil)
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantCount > 0 {
				assert.EqualValues(t, tt.wantCount, body["count"])
				assert.Len(t, body["agents"], tt.wantCount)
			}
		})
	}
	assert.Equal(t, 7, engine.Stats().Agents)
	assert.Equal(t, 2, engine.Stats().QueueLen, "targets are queued for the next tick")
}

// TestAPISpawnLimit tests partial spawns at the agent cap
func TestAPISpawnLimit(t *testing.T) {
	cfg := sim.DefaultEngineConfig()
	cfg.Grid = spatial.NewGrid(8, 8, 1)
	cfg.MaxAgents = 2
	engine := sim.NewEngine(cfg, nil)
	ts := newTestServer(t, engine, nil)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/agents", `{"count": 5}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["count"])
	assert.Equal(t, true, body["limitReached"])

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/agents", `{"count": 1}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// TestAPIAgentLifecycle tests get, target and remove on one agent
func TestAPIAgentLifecycle(t *testing.T) {
	engine := newTestEngine(t, 16, 16)
	ts := newTestServer(t, engine, nil)

	a, err := engine.Spawn(sim.AgentOptions{X: 1.5, Y: 1.5})
	require.NoError(t, err)
	agentURL := ts.URL + "/api/agents/" + a.ID

	resp, body := doJSON(t, http.MethodGet, agentURL, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, a.ID, body["id"])
	assert.Equal(t, "idle", body["state"])

	resp, _ = doJSON(t, http.MethodPost, agentURL+"/target", `{"x": 12.5, "y": 1.5}`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	engine.Step()

	_, body = doJSON(t, http.MethodGet, agentURL, "", nil)
	assert.Equal(t, "following", body["state"])
	assert.Equal(t, "astar", body["strategy"])

	resp, _ = doJSON(t, http.MethodPost, agentURL+"/target", `{"x": 3.5, "y": 9.5, "strategy": "flowfield"}`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	engine.Step()
	_, body = doJSON(t, http.MethodGet, agentURL, "", nil)
	assert.Equal(t, "flowfield", body["strategy"])

	tests := []struct {
		name       string
		method     string
		url        string
		body       string
		wantStatus int
	}{
		{"target missing coordinate", http.MethodPost, agentURL + "/target", `{"x": 1}`, http.StatusBadRequest},
		{"target bad strategy", http.MethodPost, agentURL + "/target", `{"x": 1, "y": 1, "strategy": "?"}`, http.StatusBadRequest},
		{"target unknown agent", http.MethodPost, ts.URL + "/api/agents/nope/target", `{"x": 1, "y": 1}`, http.StatusNotFound},
		{"get unknown agent", http.MethodGet, ts.URL + "/api/agents/nope", ``, http.StatusNotFound},
		{"remove", http.MethodDelete, agentURL, ``, http.StatusOK},
		{"remove twice", http.MethodDelete, agentURL, ``, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doJSON(t, tt.method, tt.url, tt.body, nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
	assert.Equal(t, 0, engine.Stats().Cache.Live, "removal releases the flow field")
}

// TestAPIFindPath tests the one-off path query
func TestAPIFindPath(t *testing.T) {
	engine := newTestEngine(t, 16, 16)
	ts := newTestServer(t, engine, nil)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/path?sx=0.5&sy=0.5&gx=5.5&gy=0.5", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["found"])
	assert.Len(t, body["path"], 5)
	assert.EqualValues(t, 50, body["cost"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/path?sx=0.5&sy=zero&gx=5.5&gy=0.5", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/path", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestAPIFlowFields tests the field list and per-cell detail
func TestAPIFlowFields(t *testing.T) {
	engine := newTestEngine(t, 12, 10)
	ts := newTestServer(t, engine, nil)

	for i := 0; i < 3; i++ {
		a, err := engine.Spawn(sim.AgentOptions{X: 0.5 + float64(i), Y: 0.5, Strategy: sim.StrategyFlowField})
		require.NoError(t, err)
		require.NoError(t, engine.SetTarget(a.ID, 10.5, 8.5))
	}
	engine.Step()

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/flowfields", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fields, ok := body["fields"].([]interface{})
	require.True(t, ok)
	require.Len(t, fields, 1)
	field := fields[0].(map[string]interface{})
	assert.EqualValues(t, 3, field["refs"])

	slot := int(field["slot"].(float64))
	resp, detail := doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/flowfields/%d", ts.URL, slot), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 12, detail["width"])
	best := detail["bestCost"].([]interface{})
	require.Len(t, best, 120)
	assert.EqualValues(t, 0, best[8*12+10], "destination cell costs nothing")
	assert.EqualValues(t, 10, best[8*12+9])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/flowfields/63", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/flowfields/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestAPIDebugFrame tests the PNG debug view
func TestAPIDebugFrame(t *testing.T) {
	engine := newTestEngine(t, 16, 8)
	ts := newTestServer(t, engine, nil)

	a, err := engine.Spawn(sim.AgentOptions{X: 1.5, Y: 1.5, Strategy: sim.StrategyFlowField})
	require.NoError(t, err)
	require.NoError(t, engine.SetTarget(a.ID, 14.5, 6.5))
	engine.Step()

	resp, err := http.Get(ts.URL + "/api/debug/frame.png?px=4&grid=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 32, img.Bounds().Dy())

	slot := engine.CopySnapshot().FlowFields[0].Slot
	resp2, err := http.Get(fmt.Sprintf("%s/api/debug/frame.png?px=4&slot=%d", ts.URL, slot))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	for _, q := range []string{"px=0", "px=abc", "slot=-1"} {
		r, _ := doJSON(t, http.MethodGet, ts.URL+"/api/debug/frame.png?"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, r.StatusCode, q)
	}
	r, _ := doJSON(t, http.MethodGet, ts.URL+"/api/debug/frame.png?slot=60", "", nil)
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

// TestAPIMaps tests the map catalogue and applying a map to the engine
func TestAPIMaps(t *testing.T) {
	engine := newTestEngine(t, 20, 20)
	store, err := world.OpenMapStore(filepath.Join(t.TempDir(), "maps.db"))
	require.NoError(t, err)
	defer store.Close()
	ts := newTestServer(t, engine, store)
	auth := map[string]string{"Authorization": "Bearer " + testToken}

	mapJSON := `{"name":"wall","width":20,"height":20,"rects":[{"minX":9,"minY":0,"maxX":11,"maxY":15,"layer":6}]}`

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/maps/wall", mapJSON, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/maps/wall", mapJSON, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/maps/wall", mapJSON, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["shapes"])

	yamlBody, err := world.MarshalMap(world.DemoMap(20, 20))
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/maps/demo", bytes.NewReader(yamlBody))
	req.Header.Set("Content-Type", "application/yaml")
	req.Header.Set("Authorization", "Bearer "+testToken)
	yresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	yresp.Body.Close()
	require.Equal(t, http.StatusOK, yresp.StatusCode)

	lresp, err := http.Get(ts.URL + "/api/maps")
	require.NoError(t, err)
	var list []world.MapInfo
	require.NoError(t, json.NewDecoder(lresp.Body).Decode(&list))
	lresp.Body.Close()
	require.Len(t, list, 2)
	assert.Equal(t, "demo", list[0].Name)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/maps/wall", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "wall", body["name"])

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/maps/wall/apply", "", auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Greater(t, body["walls"].(float64), 0.0)
	assert.EqualValues(t, engine.Stats().Walls, body["walls"])

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"missing map", http.MethodGet, "/api/maps/none", "", http.StatusNotFound},
		{"apply missing", http.MethodPost, "/api/maps/none/apply", "", http.StatusNotFound},
		{"bad name", http.MethodPost, "/api/maps/bad.name", mapJSON, http.StatusBadRequest},
		{"bad shape", http.MethodPost, "/api/maps/neg", `{"circles":[{"x":1,"y":1,"r":-2}]}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/maps/x", `{`, http.StatusBadRequest},
		{"delete", http.MethodDelete, "/api/maps/wall", "", http.StatusOK},
		{"delete twice", http.MethodDelete, "/api/maps/wall", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doJSON(t, tt.method, ts.URL+tt.path, tt.body, auth)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

// TestAPIMapsWithoutStore tests the map routes when persistence is disabled
func TestAPIMapsWithoutStore(t *testing.T) {
	ts := newTestServer(t, newTestEngine(t, 8, 8), nil)
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/maps", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// TestAPIEventsAndStats tests the event tail and stats endpoints
func TestAPIEventsAndStats(t *testing.T) {
	engine := newTestEngine(t, 8, 8)
	require.NoError(t, engine.StartEventLog(""))
	defer engine.StopEventLog()
	ts := newTestServer(t, engine, nil)

	_, err := engine.SpawnRandom(2, sim.StrategyAStar)
	require.NoError(t, err)
	engine.Step()

	eresp, err := http.Get(ts.URL + "/api/events?n=2")
	require.NoError(t, err)
	var events []sim.Event
	require.NoError(t, json.NewDecoder(eresp.Body).Decode(&events))
	eresp.Body.Close()
	require.Len(t, events, 2)
	assert.Less(t, events[0].Sequence, events[1].Sequence)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/events?n=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["tick"])
	assert.EqualValues(t, 2, body["agents"])
	limits, ok := body["rateLimits"].(map[string]interface{})
	require.True(t, ok, "stats carry the limiter block")
	assert.EqualValues(t, 1, limits["clients"])
	assert.EqualValues(t, 3, limits["requests"].(map[string]interface{})["allowed"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/walls?format=msgpack", "", nil)
	assert.Equal(t, "application/msgpack", resp.Header.Get("Content-Type"))
}

// TestAPIRateLimit tests that bursts beyond the limit are rejected
func TestAPIRateLimit(t *testing.T) {
	router := api.NewRouter(api.RouterConfig{
		Engine:         newTestEngine(t, 8, 8),
		DisableLogging: true,
		RateLimitConfig: &api.RateLimitConfig{
			RequestsPerSecond: 0.001,
			Burst:             2,
			IdleTTL:           time.Hour,
		},
	})
	ts := httptest.NewServer(router)
	defer ts.Close()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/api/stats")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

// TestAPITargetRateLimit tests that target changes draw from their own budget
func TestAPITargetRateLimit(t *testing.T) {
	engine := newTestEngine(t, 16, 16)
	a, err := engine.Spawn(sim.AgentOptions{X: 1.5, Y: 1.5})
	require.NoError(t, err)

	router := api.NewRouter(api.RouterConfig{
		Engine:         engine,
		DisableLogging: true,
		RateLimitConfig: &api.RateLimitConfig{
			RequestsPerSecond: 1000,
			Burst:             1000,
			TargetsPerSecond:  0.001,
			TargetBurst:       1,
		},
	})
	ts := httptest.NewServer(router)
	defer ts.Close()

	target := ts.URL + "/api/agents/" + a.ID + "/target"
	resp, _ := doJSON(t, http.MethodPost, target, `{"x":10.5,"y":10.5}`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, target, `{"x":3.5,"y":3.5}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Contains(t, body["error"], "target")

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/agents", `{"count":1}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "spawns share the target budget")

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/agents/"+a.ID, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "reads only use the request budget")

	assert.Equal(t, 1, engine.Stats().QueueLen, "the rejected target never reached the queue")

	_, body = doJSON(t, http.MethodGet, ts.URL+"/api/stats", "", nil)
	targets := body["rateLimits"].(map[string]interface{})["targets"].(map[string]interface{})
	assert.EqualValues(t, 1, targets["allowed"])
	assert.EqualValues(t, 2, targets["rejected"])
}

// TestAPICORS tests the default local-development origins
func TestAPICORS(t *testing.T) {
	ts := newTestServer(t, newTestEngine(t, 8, 8), nil)

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"http://localhost:5173", true},
		{"http://127.0.0.1:3000", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/stats", "", map[string]string{"Origin": tt.origin})
			got := resp.Header.Get("Access-Control-Allow-Origin")
			if tt.allowed {
				assert.Equal(t, tt.origin, got)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}
