package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/domain/queue"
	"github.com/modelgate/modelgate/internal/infrastructure/cache"
	"github.com/modelgate/modelgate/internal/infrastructure/eventbus"
)

// AdminHandler serves the operator surface: queue introspection and
// mutation, cache management, health, and the redacted running config.
// Every mutation is audited through the event bus.
type AdminHandler struct {
	queues     *queue.Manager
	caches     map[string]cache.Store // stage name -> store
	bus        eventbus.Bus
	configView func() any
	logger     *zap.Logger
	startedAt  time.Time
}

func NewAdminHandler(queues *queue.Manager, caches map[string]cache.Store, bus eventbus.Bus, configView func() any, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		queues:     queues,
		caches:     caches,
		bus:        bus,
		configView: configView,
		logger:     logger.With(zap.String("handler", "admin")),
		startedAt:  time.Now(),
	}
}

// QueueStats handles GET /queue/stats. With ?model= it returns one queue;
// otherwise every known queue plus cache counters.
func (h *AdminHandler) QueueStats(c *gin.Context) {
	if model := c.Query("model"); model != "" {
		stats, ok := h.queues.Stats(model)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown model", "model": model})
			return
		}
		c.JSON(http.StatusOK, stats)
		return
	}

	cacheStats := make(map[string]cache.Stats, len(h.caches))
	for stage, store := range h.caches {
		cacheStats[stage] = store.Stats()
	}
	c.JSON(http.StatusOK, gin.H{
		"models": h.queues.StatsAll(),
		"caches": cacheStats,
	})
}

// QueueMemory handles GET /queue/memory: the host memory snapshot and the
// parallel limit it implies.
func (h *AdminHandler) QueueMemory(c *gin.Context) {
	stats := queue.ReadMemoryStats()
	c.JSON(http.StatusOK, gin.H{
		"memory":        stats,
		"auto_parallel": queue.AutoParallel(),
	})
}

type queueUpdateRequest struct {
	Model         string `json:"model" binding:"required"`
	ParallelLimit *int   `json:"parallel_limit"`
	QueueLimit    *int   `json:"queue_limit"`
}

// QueueUpdate handles POST /admin/queue/update: resize one model's limits.
// Takes effect for the next admission; in-flight requests are untouched.
func (h *AdminHandler) QueueUpdate(c *gin.Context) {
	var req queueUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}
	if req.ParallelLimit != nil && *req.ParallelLimit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "parallel_limit must be >= 1"})
		return
	}
	if req.QueueLimit != nil && *req.QueueLimit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "queue_limit must be >= 0"})
		return
	}

	stats := h.queues.Reconfigure(req.Model, req.ParallelLimit, req.QueueLimit)
	h.audit(c, "queue_update", req.Model, map[string]any{
		"parallel_limit": stats.ParallelLimit,
		"queue_limit":    stats.QueueLimit,
	})
	h.logger.Info("Queue limits updated",
		zap.String("model", req.Model),
		zap.Int("parallel_limit", stats.ParallelLimit),
		zap.Int("queue_limit", stats.QueueLimit),
	)
	c.JSON(http.StatusOK, stats)
}

// QueueReset handles POST /admin/queue/reset: zero counters and averages on
// every queue. Limits and in-flight state survive.
func (h *AdminHandler) QueueReset(c *gin.Context) {
	h.queues.ResetStats()
	h.audit(c, "queue_reset", "", nil)
	h.logger.Info("Queue statistics reset")
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// CacheClear handles POST /admin/cache/clear: drop every cached verdict so
// policy changes take effect immediately.
func (h *AdminHandler) CacheClear(c *gin.Context) {
	for stage, store := range h.caches {
		store.Clear()
		h.logger.Info("Scan cache cleared", zap.String("stage", stage))
	}
	h.audit(c, "cache_clear", "", nil)
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// Health handles GET /health.
func (h *AdminHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.startedAt).String(),
		"time":   time.Now().Unix(),
	})
}

// Config handles GET /config: the running configuration with secrets
// redacted.
func (h *AdminHandler) Config(c *gin.Context) {
	c.JSON(http.StatusOK, h.configView())
}

func (h *AdminHandler) audit(c *gin.Context, action, model string, details map[string]any) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeAdminAction, eventbus.AdminActionPayload{
		Action:   action,
		Model:    model,
		ClientID: c.ClientIP(),
		Details:  details,
	}))
}
