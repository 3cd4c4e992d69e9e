package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/phusion/passenger-sub013/internal/common/errors"
	"github.com/phusion/passenger-sub013/internal/common/logger"
	"github.com/phusion/passenger-sub013/internal/pool"
)

// Handler serves the admin API's read-only inspection and
// restart/detach surface over a single Pool (SPEC_FULL.md §6).
type Handler struct {
	pool     *pool.Pool
	poolName string
	log      *logger.Logger
}

// NewHandler builds a Handler bound to one Pool instance, identified in
// routes by poolName (this module runs exactly one Pool per process, but
// the route shape mirrors the teacher's resource-scoped `/agents/:id`
// convention so the admin API could front more than one in the future).
func NewHandler(p *pool.Pool, poolName string, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{pool: p, poolName: poolName, log: log}
}

func (h *Handler) checkPoolName(c *gin.Context) bool {
	if c.Param("name") != h.poolName {
		c.Error(apperrors.NotFound("pool", c.Param("name")))
		c.Abort()
		return false
	}
	return true
}

// GetPool handles GET /pools/:name -- the Pool-wide inspection snapshot.
func (h *Handler) GetPool(c *gin.Context) {
	if !h.checkPoolName(c) {
		return
	}
	c.JSON(http.StatusOK, h.pool.InspectState())
}

// GetAnalytics handles GET /pools/:name/analytics -- cheap, high-frequency
// counters (spec.md §4.3 collect_analytics).
func (h *Handler) GetAnalytics(c *gin.Context) {
	if !h.checkPoolName(c) {
		return
	}
	c.JSON(http.StatusOK, h.pool.CollectAnalytics())
}

// ListGroups handles GET /pools/:name/groups.
func (h *Handler) ListGroups(c *gin.Context) {
	if !h.checkPoolName(c) {
		return
	}
	c.JSON(http.StatusOK, h.pool.InspectState().Groups)
}

// GetGroup handles GET /pools/:name/groups/:group.
func (h *Handler) GetGroup(c *gin.Context) {
	if !h.checkPoolName(c) {
		return
	}
	name := c.Param("group")
	for _, gs := range h.pool.InspectState().Groups {
		if gs.Name == name {
			c.JSON(http.StatusOK, gs)
			return
		}
	}
	c.Error(apperrors.NotFound("group", name))
	c.Abort()
}

// RestartGroup handles POST /pools/:name/groups/:group/restart (spec.md
// §4.2.3 restart, SPEC_FULL.md §9's file-watch-free rolling restart).
func (h *Handler) RestartGroup(c *gin.Context) {
	if !h.checkPoolName(c) {
		return
	}
	name := c.Param("group")
	opts, ok := h.pool.GroupOptions(name)
	if !ok {
		c.Error(apperrors.NotFound("group", name))
		c.Abort()
		return
	}

	var req RestartGroupRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.BadRequest("invalid restart request body: " + err.Error()))
			c.Abort()
			return
		}
	}

	if req.AppRoot != "" {
		opts.AppRoot = req.AppRoot
	}
	if req.AppType != "" {
		opts.AppType = req.AppType
	}
	if req.Environment != "" {
		opts.Environment = req.Environment
	}
	if req.Interpreter != "" {
		opts.Interpreter = req.Interpreter
	}
	if req.SpawnMethod != "" {
		opts.SpawnMethod = pool.SpawnMethod(req.SpawnMethod)
	}
	if req.Env != nil {
		opts.Env = req.Env
	}

	if !h.pool.RestartGroup(name, opts) {
		c.Error(apperrors.NotFound("group", name))
		c.Abort()
		return
	}

	h.log.Info("admin API restarted group", zap.String("group", name))
	c.Status(http.StatusAccepted)
}

// DetachGroup handles DELETE /pools/:name/groups/:group (spec.md §6 S6
// detach_group_by_name).
func (h *Handler) DetachGroup(c *gin.Context) {
	if !h.checkPoolName(c) {
		return
	}
	name := c.Param("group")
	if !h.pool.DetachGroupByName(name) {
		c.Error(apperrors.NotFound("group", name))
		c.Abort()
		return
	}
	h.log.Info("admin API detached group", zap.String("group", name))
	c.Status(http.StatusNoContent)
}

// Health handles GET /healthz.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now()})
}
