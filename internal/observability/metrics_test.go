package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFlowFieldAcquire(t *testing.T) {
	props := testutil.ToFloat64(flowFieldPropagations)
	truncated := testutil.ToFloat64(flowFieldTruncated)
	hits := testutil.ToFloat64(flowFieldAcquire.WithLabelValues("hit"))

	RecordFlowFieldAcquire("hit", false)
	RecordFlowFieldAcquire("miss", true)
	RecordFlowFieldAcquire("evicted", false)
	RecordFlowFieldAcquire("exhausted", false)

	assert.Equal(t, props+2, testutil.ToFloat64(flowFieldPropagations), "only misses and evictions propagate")
	assert.Equal(t, truncated+1, testutil.ToFloat64(flowFieldTruncated))
	assert.Equal(t, hits+1, testutil.ToFloat64(flowFieldAcquire.WithLabelValues("hit")))
}

func TestRecordRequestUsesStatusText(t *testing.T) {
	before := testutil.ToFloat64(requestTotal.WithLabelValues("GET", "/api/agents/{id}", "Not Found"))
	RecordRequest("GET", "/api/agents/{id}", http.StatusNotFound, time.Millisecond)
	after := testutil.ToFloat64(requestTotal.WithLabelValues("GET", "/api/agents/{id}", "Not Found"))
	assert.Equal(t, before+1, after)
}

func TestUpdateWorld(t *testing.T) {
	UpdateWorld(12, 3, 7, 40)
	assert.Equal(t, 12.0, testutil.ToFloat64(agentCount))
	assert.Equal(t, 3.0, testutil.ToFloat64(flowFieldsLive))
	assert.Equal(t, 7.0, testutil.ToFloat64(kdNodes))
	assert.Equal(t, 40.0, testutil.ToFloat64(wallCells))
}

func TestDebugHandler(t *testing.T) {
	RecordTick(time.Millisecond)

	tests := []struct {
		name       string
		cfg        Config
		path       string
		user, pass string
		wantStatus int
		wantBody   string
	}{
		{"health", DefaultConfig(), "/health", "", "", http.StatusOK, "OK"},
		{"metrics", DefaultConfig(), "/metrics", "", "", http.StatusOK, "nav_tick_duration_seconds"},
		{"auth required", Config{BasicAuthUser: "ops", BasicAuthPass: "pw"}, "/health", "", "", http.StatusUnauthorized, ""},
		{"auth wrong", Config{BasicAuthUser: "ops", BasicAuthPass: "pw"}, "/health", "ops", "nope", http.StatusUnauthorized, ""},
		{"auth ok", Config{BasicAuthUser: "ops", BasicAuthPass: "pw"}, "/health", "ops", "pw", http.StatusOK, "OK"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			Handler(tt.cfg).ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			body, _ := io.ReadAll(rec.Body)
			assert.True(t, strings.Contains(string(body), tt.wantBody))
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("DEBUG_SERVER_ENABLED", "false")
	t.Setenv("DEBUG_SERVER_ADDR", "127.0.0.1:7070")
	t.Setenv("DEBUG_BASIC_AUTH_USER", "ops")

	cfg := ConfigFromEnv()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "127.0.0.1:7070", cfg.ListenAddr)
	assert.Equal(t, "ops", cfg.BasicAuthUser)
	assert.Nil(t, StartDebugServer(cfg), "a disabled server is not started")
}
