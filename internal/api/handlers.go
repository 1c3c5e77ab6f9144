package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/coinsentry/coinsentry-go/internal/models"
	"github.com/coinsentry/coinsentry-go/internal/services"
	"github.com/coinsentry/coinsentry-go/internal/store"
)

// HealthChecker is anything that can report liveness of a dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler serves the read-only operational API.
type Handler struct {
	store        store.ResearchStore
	orchestrator *services.Orchestrator
	engine       *services.AnalysisEngine
	dispatcher   *services.Dispatcher
	symbols      map[string]models.Symbol
	checks       map[string]HealthChecker
	logger       *logrus.Logger
}

// NewHandler wires the API handler.
func NewHandler(researchStore store.ResearchStore, orchestrator *services.Orchestrator,
	engine *services.AnalysisEngine, dispatcher *services.Dispatcher,
	symbols []models.Symbol, checks map[string]HealthChecker, logger *logrus.Logger) *Handler {
	registry := make(map[string]models.Symbol, len(symbols))
	for _, symbol := range symbols {
		registry[symbol.Name] = symbol
	}
	return &Handler{
		store:        researchStore,
		orchestrator: orchestrator,
		engine:       engine,
		dispatcher:   dispatcher,
		symbols:      registry,
		checks:       checks,
		logger:       logger,
	}
}

// Health reports the status of each dependency.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check.HealthCheck(ctx); err != nil {
			deps[name] = "unhealthy: " + err.Error()
			status = http.StatusServiceUnavailable
		} else {
			deps[name] = "healthy"
		}
	}

	c.JSON(status, gin.H{
		"status":       statusWord(status),
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}

// LatestMarketData returns the newest point for ?symbol=.
func (h *Handler) LatestMarketData(c *gin.Context) {
	symbol, ok := h.requireSymbol(c)
	if !ok {
		return
	}

	point, err := h.store.LatestMarketData(c.Request.Context(), symbol.Name)
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("Failed to read latest market data")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read market data"})
		return
	}
	if point == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no market data for symbol"})
		return
	}
	c.JSON(http.StatusOK, point)
}

// LatestAnalysis returns the newest persisted analysis for ?symbol=.
func (h *Handler) LatestAnalysis(c *gin.Context) {
	symbol, ok := h.requireSymbol(c)
	if !ok {
		return
	}

	analysis, err := h.store.LatestAnalysis(c.Request.Context(), symbol.Name)
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("Failed to read latest analysis")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read analysis"})
		return
	}
	if analysis == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no analysis for symbol"})
		return
	}
	c.JSON(http.StatusOK, analysis)
}

// RefreshAnalysis generates a fresh analysis on demand and pushes the
// summary to the messaging channel.
func (h *Handler) RefreshAnalysis(c *gin.Context) {
	symbol, ok := h.requireSymbol(c)
	if !ok {
		return
	}

	analysis, err := h.engine.Analyze(c.Request.Context(), symbol)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	if err := h.dispatcher.DispatchSummary(c.Request.Context(), *analysis); err != nil {
		h.logger.WithField("error", err.Error()).Warn("On-demand summary delivery failed")
	}
	c.JSON(http.StatusOK, analysis)
}

// AlertEvents lists recent alert events, newest first.
func (h *Handler) AlertEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-500"})
			return
		}
		limit = parsed
	}

	events, err := h.store.RecentAlertEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("Failed to read alert events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read alert events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// Status reports the orchestrator's per-symbol pipeline state.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"symbols":   h.orchestrator.Status(),
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) requireSymbol(c *gin.Context) (models.Symbol, bool) {
	name := c.Query("symbol")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol query parameter is required"})
		return models.Symbol{}, false
	}
	symbol, ok := h.symbols[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "symbol not registered"})
		return models.Symbol{}, false
	}
	return symbol, true
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "healthy"
	}
	return "degraded"
}
