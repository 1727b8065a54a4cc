package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/app"
	"github.com/corvalhq/corval/internal/handlers"
	"github.com/corvalhq/corval/internal/monitoring"
)

func registerHealthRoutes(r *gin.Engine, cfg *app.Config, mon *monitoring.Module) {
	if cfg == nil {
		return
	}

	// Without a health manager the endpoints degrade to plain process
	// liveness so load balancers keep a stable target.
	if !cfg.Monitoring.Health.Enabled || mon == nil || mon.Health() == nil {
		basic := handlers.Health()
		r.GET("/health", basic)
		r.GET("/health/live", basic)
		r.GET("/health/ready", basic)

		api := r.Group("/api")
		api.GET("/health", basic)
		api.GET("/health/live", basic)
		api.GET("/health/ready", basic)
		return
	}

	manager := mon.Health()

	registerHealthEndpoints(r, manager)
	registerHealthEndpoints(r.Group("/api"), manager)
}

func registerHealthEndpoints(router gin.IRouter, manager *monitoring.HealthManager) {
	router.GET("/health", func(c *gin.Context) {
		report := manager.EvaluateReadiness(c.Request.Context())
		status := http.StatusOK
		if !report.Success {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"success":    report.Success,
			"status":     report.Status,
			"checked_at": time.Now().UTC(),
		})
	})

	router.GET("/health/live", func(c *gin.Context) {
		report := manager.EvaluateLiveness(c.Request.Context())
		writeHealthReport(c, report)
	})

	router.GET("/health/ready", func(c *gin.Context) {
		report := manager.EvaluateReadiness(c.Request.Context())
		writeHealthReport(c, report)
	})
}

func writeHealthReport(c *gin.Context, report monitoring.HealthReport) {
	status := http.StatusOK
	if !report.Success {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"success":    report.Success,
		"status":     report.Status,
		"checks":     report.Checks,
		"checked_at": time.Now().UTC(),
	})
}
