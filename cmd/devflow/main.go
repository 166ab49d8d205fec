package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devflow-metrics/devflow/internal/core"
	"github.com/devflow-metrics/devflow/internal/engine"
	"github.com/devflow-metrics/devflow/internal/metrics"
	"github.com/devflow-metrics/devflow/internal/models"
	"github.com/devflow-metrics/devflow/internal/source"
	"github.com/devflow-metrics/devflow/internal/storage"
	"github.com/devflow-metrics/devflow/pkg/logger"
)

func main() {
	// Get config path from environment variable, default to configs/devflow.yaml
	configPath := os.Getenv("DEVFLOW_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/devflow.yaml"
	}

	config, err := core.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Config load failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(config.App.LogLevel); err != nil {
		fmt.Printf("Logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	db, err := storage.NewPostgresClient(config.GetDatabaseURL(), logger.Log)
	if err != nil {
		logger.Fatal("Database connection failed", zap.Error(err))
	}
	defer db.Close()

	initCtx, initCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer initCancel()

	if err := db.InitSchema(initCtx); err != nil {
		logger.Fatal("Schema init failed", zap.Error(err))
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Fatal("Metrics registration failed", zap.Error(err))
	}

	registry := source.NewRegistry()
	source.RegisterBuiltins(registry)

	if err := restoreSources(initCtx, registry, db); err != nil {
		logger.Fatal("Source restore failed", zap.Error(err))
	}

	eng := engine.New(registry, config.GetSourceTimeout(), logger.Log)

	if config.App.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), ginLogger(), corsMiddleware())

	router.GET("/health", healthHandler(db, config))
	router.GET("/ready", readyHandler(db))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Source management
		v1.POST("/sources", createSourceHandler(registry, db))
		v1.GET("/sources", listSourcesHandler(db))
		v1.DELETE("/sources/:id", deleteSourceHandler(registry, db))
		v1.POST("/sources/:id/enabled", setSourceEnabledHandler(registry, db))
		v1.GET("/sources/:id/test", testSourceHandler(registry))

		// Metric computation
		v1.GET("/metrics/deployment-frequency", computeMetricHandler(eng.DeploymentFrequency, db, config))
		v1.GET("/metrics/lead-time", computeMetricHandler(eng.LeadTime, db, config))
		v1.GET("/metrics/change-failure-rate", computeMetricHandler(eng.ChangeFailureRate, db, config))
		v1.GET("/metrics/mttr", computeMetricHandler(eng.MeanTimeToRecovery, db, config))
		v1.GET("/metrics/dashboard", dashboardHandler(eng, db, config))
	}

	srv := &http.Server{
		Addr:           config.GetListenAddr(),
		Handler:        router,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		logger.Info("HTTP server started",
			zap.String("addr", srv.Addr),
			zap.String("version", config.App.Version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	srv.Shutdown(shutdownCtx)
	db.Close()
}

// restoreSources re-instantiates every persisted source through the
// registry. A source whose endpoint no longer answers is logged and
// skipped; its config stays persisted so it can be repaired or deleted
// through the API later.
func restoreSources(ctx context.Context, registry *source.Registry, db *storage.PostgresClient) error {
	configs, err := db.ListSourceConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persisted sources: %w", err)
	}

	for _, cfg := range configs {
		if _, err := registry.CreateInstance(ctx, cfg); err != nil {
			logger.Warn("Persisted source not restored",
				zap.String("id", cfg.ID),
				zap.String("name", cfg.Name),
				zap.String("type", cfg.Type),
				zap.Error(err))
		}
	}

	logger.Info("Restored persisted sources",
		zap.Int("configured", len(configs)),
		zap.Int("active", registry.Len()))

	return nil
}

func healthHandler(db *storage.PostgresClient, config *core.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		if err := db.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
			"version":   config.App.Version,
		})
	}
}

func readyHandler(db *storage.PostgresClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		if err := db.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"reason": "database unavailable",
			})
			return
		}

		stats := db.GetPoolStats()
		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now().Format(time.RFC3339),
			"db_pool": gin.H{
				"total_conns":    stats.TotalConns(),
				"idle_conns":     stats.IdleConns(),
				"acquired_conns": stats.AcquiredConns(),
			},
		})
	}
}

type createSourceRequest struct {
	Name     string            `json:"name" binding:"required"`
	Type     string            `json:"type" binding:"required"`
	Settings map[string]string `json:"settings"`
	Enabled  *bool             `json:"enabled"`
}

func createSourceHandler(registry *source.Registry, db *storage.PostgresClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createSourceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}

		enabled := true
		if req.Enabled != nil {
			enabled = *req.Enabled
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
		defer cancel()

		stored, err := registry.CreateInstance(ctx, models.SourceConfig{
			Name:     req.Name,
			Type:     req.Type,
			Settings: req.Settings,
			Enabled:  enabled,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}

		if err := db.SaveSourceConfig(ctx, stored); err != nil {
			registry.RemoveInstance(stored.ID)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "failed to persist source",
			})
			return
		}

		c.JSON(http.StatusCreated, stored)
	}
}

func listSourcesHandler(db *storage.PostgresClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		configs, err := db.ListSourceConfigs(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "failed to list sources",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"sources": configs,
			"count":   len(configs),
		})
	}
}

func deleteSourceHandler(registry *source.Registry, db *storage.PostgresClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		// The registry may lack an instance whose boot-time restore
		// failed; the row must still be deletable.
		evicted := registry.RemoveInstance(id)

		deleted, err := db.DeleteSourceConfig(ctx, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "failed to delete source",
			})
			return
		}

		if !evicted && !deleted {
			c.JSON(http.StatusNotFound, gin.H{
				"error": fmt.Sprintf("source %s not found", id),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"deleted": id,
		})
	}
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func setSourceEnabledHandler(registry *source.Registry, db *storage.PostgresClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		var req setEnabledRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		flipped := registry.SetEnabled(id, *req.Enabled)

		updated, err := db.SetSourceEnabled(ctx, id, *req.Enabled)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "failed to update source",
			})
			return
		}

		if !flipped && !updated {
			c.JSON(http.StatusNotFound, gin.H{
				"error": fmt.Sprintf("source %s not found", id),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":      id,
			"enabled": *req.Enabled,
		})
	}
}

func testSourceHandler(registry *source.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		inst, ok := registry.Get(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"error": fmt.Sprintf("source %s not found", id),
			})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
		defer cancel()

		if err := inst.Source.Connect(ctx); err != nil {
			c.JSON(http.StatusOK, gin.H{
				"id":      id,
				"name":    inst.Config.Name,
				"success": false,
				"message": err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":      id,
			"name":    inst.Config.Name,
			"success": true,
			"message": "connection established",
		})
	}
}

type computeFunc func(ctx context.Context, w models.Window) (models.MetricResult, error)

func computeMetricHandler(compute computeFunc, db *storage.PostgresClient, config *core.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		w, err := windowFromRequest(c, config.Aggregation.DefaultWindowDays)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()

		result, err := compute(ctx, w)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "metric computation failed",
			})
			return
		}

		// History is best effort; the computed result is still returned.
		if err := db.SaveMetricResult(ctx, result); err != nil {
			logger.Warn("Metric result not persisted",
				zap.String("metric", string(result.Metric)),
				zap.Error(err))
		}

		c.JSON(http.StatusOK, result)
	}
}

func dashboardHandler(eng *engine.Engine, db *storage.PostgresClient, config *core.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		w, err := windowFromRequest(c, config.Aggregation.DefaultWindowDays)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()

		results, err := eng.Dashboard(ctx, w)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "dashboard computation failed",
			})
			return
		}

		batch := make([]models.MetricResult, 0, len(results))
		for _, r := range results {
			batch = append(batch, r)
		}
		if err := db.BatchSaveMetricResults(ctx, batch); err != nil {
			logger.Warn("Dashboard results not persisted", zap.Error(err))
		}

		c.JSON(http.StatusOK, gin.H{
			"window_start": w.Start.Format(time.RFC3339),
			"window_end":   w.End.Format(time.RFC3339),
			"metrics":      results,
		})
	}
}

// windowFromRequest reads the optional RFC3339 start/end query params.
// Each defaults independently: end to now, start to end minus the
// configured trailing window.
func windowFromRequest(c *gin.Context, defaultDays int) (models.Window, error) {
	end := time.Now().UTC()
	if s := c.Query("end"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return models.Window{}, fmt.Errorf("invalid end time %q: expected RFC3339", s)
		}
		end = t
	}

	w := models.Trailing(defaultDays, end)
	if s := c.Query("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return models.Window{}, fmt.Errorf("invalid start time %q: expected RFC3339", s)
		}
		w = models.NewWindow(t, end)
	}

	if !w.End.After(w.Start) {
		return models.Window{}, fmt.Errorf("window end must be after start")
	}

	return w, nil
}

func ginLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)

		logger.Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("ip", c.ClientIP()),
		)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
