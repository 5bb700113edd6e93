package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/score-lcm/lifecyclemgrd/internal/lcm"
	"github.com/score-lcm/lifecyclemgrd/pkg/jsonx"
)

// GroupSource is the subset of daemon state the diagnostics surface reads.
// Kept as an interface so internal/api never needs to import
// internal/health or cmd/lifecyclemgrd's wiring directly.
type GroupSource interface {
	Groups() map[string]*lcm.Graph
	HealthSnapshot() map[string]string
}

// Options configures the diagnostics router.
type Options struct {
	Log        *zap.Logger
	Source     GroupSource
	DevCORS    bool
	DebugAPI   bool // enables POST /api/groups/:name/state; set from the daemon's --debug-api flag
}

// NewRouter builds the gin engine per SPEC_FULL.md §A.4, mirroring
// cmd/zmux-server/main.go's middleware order: recovery first, then secure
// headers, then the dev CORS gate, then request logging, then routes.
// gin-contrib/secure adds the hardened-default headers (frame-deny, nosniff,
// XSS filter; no HSTS) the teacher's
// channel CRUD surface never needed because it only ran behind a reverse
// proxy in production — this daemon's diagnostics surface can be exposed
// directly on a loopback port, so the headers are applied unconditionally.
func NewRouter(opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	_ = r.SetTrustedProxies([]string{"127.0.0.1"})

	r.Use(gin.Recovery())
	r.Use(secure.New(secure.Config{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
	}))
	if opts.DevCORS {
		r.Use(cors.New(cors.Config{
			AllowOrigins: []string{"http://localhost:5173"},
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	r.Use(ZapLogger(opts.Log))

	h := &handlers{log: opts.Log, src: opts.Source}

	r.GET("/api/healthz", h.healthz)
	r.GET("/api/groups", h.listGroups)
	r.GET("/api/groups/:name", h.getGroup)
	r.GET("/api/health/status", h.healthStatus)

	if opts.DebugAPI {
		r.POST("/api/groups/:name/state", h.setGroupState)
	}

	return r
}

type handlers struct {
	log *zap.Logger
	src GroupSource
}

func (h *handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) listGroups(c *gin.Context) {
	groups := h.src.Groups()
	out := make(gin.H, len(groups))
	for name, g := range groups {
		out[name] = g.State().String()
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) getGroup(c *gin.Context) {
	name := c.Param("name")
	groups := h.src.Groups()
	g, ok := groups[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown group"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "state": g.State().String()})
}

func (h *handlers) healthStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.src.HealthSnapshot())
}

// setStateRequest is the debug-only state override body, decoded with
// jsonx.ParseJSONObject per pkg/jsonx's strict-decode convention (rejects
// unknown fields rather than silently ignoring typos).
type setStateRequest struct {
	State string `json:"state"`
}

func (h *handlers) setGroupState(c *gin.Context) {
	var req setStateRequest
	if err := jsonx.ParseJSONObject(c.Request.Body, &req); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid body"})
		return
	}

	name := c.Param("name")
	groups := h.src.Groups()
	g, ok := groups[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown group"})
		return
	}

	target, ok := parseGraphState(req.State)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"message": "unknown state"})
		return
	}

	switch target {
	case lcm.StateCancelled:
		g.Cancel()
	case lcm.StateAborting:
		g.Abort()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"message": "unsupported target state for debug override"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "state": g.State().String()})
}

func parseGraphState(s string) (lcm.GraphState, bool) {
	switch s {
	case "cancelled":
		return lcm.StateCancelled, true
	case "aborting":
		return lcm.StateAborting, true
	default:
		return 0, false
	}
}
