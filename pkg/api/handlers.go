package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"codeberg.org/rostersync/rostersync/pkg/controller"
	"codeberg.org/rostersync/rostersync/pkg/history"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 50

// Cycler is the part of the orchestrator the API drives.
type Cycler interface {
	SyncAll(ctx context.Context) error
	Sync(ctx context.Context, name string) (*controller.Report, error)
	SweepAll(ctx context.Context) error
	Sweep(ctx context.Context, name string) (*controller.Report, error)
	Endpoints() []controller.EndpointStatus
}

type HistoryLister interface {
	List(ctx context.Context, endpoint string, limit int) ([]history.Record, error)
}

// Handler serves the admin API. Triggered cycles run in the background on the
// handler's base context unless the request asks to wait for the outcome.
type Handler struct {
	ctx     context.Context
	cycles  Cycler
	history HistoryLister
	logger  *zap.Logger
	wg      sync.WaitGroup

	healthCheck bool
}

type Option func(*Handler)

// WithHealthCheck toggles the /healthz route. It is on by default.
func WithHealthCheck(enabled bool) Option {
	return func(h *Handler) {
		h.healthCheck = enabled
	}
}

// NewHandler creates a handler. history may be nil when the store is disabled.
func NewHandler(ctx context.Context, cycles Cycler, history HistoryLister, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{ctx: ctx, cycles: cycles, history: history, logger: logger, healthCheck: true}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	if h.healthCheck {
		r.GET("/healthz", func(c *gin.Context) {
			c.String(http.StatusOK, "ok")
		})
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/endpoints", h.ListEndpoints)
		v1.POST("/reconcile", h.ReconcileAll)
		v1.POST("/endpoints/:name/reconcile", h.Reconcile)
		v1.POST("/sweep", h.Sweep)
		v1.GET("/history", h.History)
	}
}

// Wait blocks until every background cycle started by the handler returned.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) ListEndpoints(c *gin.Context) {
	c.JSON(http.StatusOK, h.cycles.Endpoints())
}

// ReconcileAll syncs every endpoint.
func (h *Handler) ReconcileAll(c *gin.Context) {
	h.logger.Info("Bulk reconciliation triggered", zap.String("remote_addr", c.ClientIP()))

	if !wait(c) {
		h.background("sync", func(ctx context.Context) error { return h.cycles.SyncAll(ctx) })
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "count": len(h.cycles.Endpoints())})
		return
	}

	if err := h.cycles.SyncAll(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":    "error",
			"error":     err.Error(),
			"endpoints": h.cycles.Endpoints(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "endpoints": h.cycles.Endpoints()})
}

// Reconcile syncs the endpoint named in the path.
func (h *Handler) Reconcile(c *gin.Context) {
	name := c.Param("name")
	if !h.known(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint " + strconv.Quote(name) + " not found"})
		return
	}

	h.logger.Info("Manual reconciliation triggered",
		zap.String("endpoint", name),
		zap.String("remote_addr", c.ClientIP()))

	if !wait(c) {
		h.background("sync", func(ctx context.Context) error {
			_, err := h.cycles.Sync(ctx, name)
			return err
		})
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "endpoint": name})
		return
	}

	report, err := h.cycles.Sync(c.Request.Context(), name)
	respond(c, report, err)
}

// Sweep runs the deletion sweep on every endpoint, or on the one given by
// the endpoint query parameter.
func (h *Handler) Sweep(c *gin.Context) {
	name := c.Query("endpoint")
	if name != "" && !h.known(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint " + strconv.Quote(name) + " not found"})
		return
	}

	h.logger.Info("Manual sweep triggered",
		zap.String("endpoint", name),
		zap.String("remote_addr", c.ClientIP()))

	run := func(ctx context.Context) (*controller.Report, error) {
		if name == "" {
			return nil, h.cycles.SweepAll(ctx)
		}
		return h.cycles.Sweep(ctx, name)
	}

	if !wait(c) {
		h.background("sweep", func(ctx context.Context) error {
			_, err := run(ctx)
			return err
		})
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "endpoint": name})
		return
	}

	report, err := run(c.Request.Context())
	if name == "" && err == nil {
		c.JSON(http.StatusOK, gin.H{"status": "completed", "endpoints": h.cycles.Endpoints()})
		return
	}
	respond(c, report, err)
}

func (h *Handler) History(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is disabled"})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records, err := h.history.List(c.Request.Context(), c.Query("endpoint"), limit)
	if err != nil {
		h.logger.Error("Failed to list history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list history"})
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *Handler) known(name string) bool {
	for _, ep := range h.cycles.Endpoints() {
		if ep.Name == name {
			return true
		}
	}
	return false
}

func (h *Handler) background(kind string, fn func(ctx context.Context) error) {
	h.wg.Go(func() {
		if err := fn(h.ctx); err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Warn("Triggered cycle failed", zap.String("kind", kind), zap.Error(err))
		}
	})
}

func wait(c *gin.Context) bool {
	ok, _ := strconv.ParseBool(c.Query("wait"))
	return ok
}

func respond(c *gin.Context, report *controller.Report, err error) {
	switch {
	case errors.Is(err, controller.ErrUnknownEndpoint):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error(), "report": report})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "completed", "report": report, "summary": report.Summary()})
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Handled request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
