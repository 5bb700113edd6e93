package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/score-lcm/lifecyclemgrd/internal/lcm"
)

type fakeSource struct {
	groups  map[string]*lcm.Graph
	health  map[string]string
}

func (f *fakeSource) Groups() map[string]*lcm.Graph    { return f.groups }
func (f *fakeSource) HealthSnapshot() map[string]string { return f.health }

func newTestGraph(t *testing.T) *lcm.Graph {
	t.Helper()
	log := zap.NewNop()
	queue := lcm.NewJobQueue(log, 4, 2)
	return lcm.NewGraph(log, "core", queue)
}

func TestRouterHealthz(t *testing.T) {
	r := NewRouter(Options{Log: zap.NewNop(), Source: &fakeSource{}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/healthz", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestRouterListAndGetGroup(t *testing.T) {
	g := newTestGraph(t)
	src := &fakeSource{groups: map[string]*lcm.Graph{"core": g}}
	r := NewRouter(Options{Log: zap.NewNop(), Source: src})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/groups", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "success")

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/api/groups/core", nil))
	assert.Equal(t, http.StatusOK, w2.Code)

	w3 := httptest.NewRecorder()
	r.ServeHTTP(w3, httptest.NewRequest(http.MethodGet, "/api/groups/missing", nil))
	assert.Equal(t, http.StatusNotFound, w3.Code)
}

func TestRouterHealthStatus(t *testing.T) {
	src := &fakeSource{health: map[string]string{"watchdogd": "ok"}}
	r := NewRouter(Options{Log: zap.NewNop(), Source: src})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "watchdogd")
}

func TestRouterSetGroupStateRequiresDebugAPI(t *testing.T) {
	g := newTestGraph(t)
	src := &fakeSource{groups: map[string]*lcm.Graph{"core": g}}
	r := NewRouter(Options{Log: zap.NewNop(), Source: src, DebugAPI: false})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/groups/core/state", strings.NewReader(`{"state":"cancelled"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouterSetGroupStateCancelled(t *testing.T) {
	g := newTestGraph(t)
	src := &fakeSource{groups: map[string]*lcm.Graph{"core": g}}
	r := NewRouter(Options{Log: zap.NewNop(), Source: src, DebugAPI: true})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/groups/core/state", strings.NewReader(`{"state":"cancelled"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "core")
}

func TestRouterSetGroupStateRejectsUnknownTarget(t *testing.T) {
	g := newTestGraph(t)
	src := &fakeSource{groups: map[string]*lcm.Graph{"core": g}}
	r := NewRouter(Options{Log: zap.NewNop(), Source: src, DebugAPI: true})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/groups/core/state", strings.NewReader(`{"state":"bogus"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
