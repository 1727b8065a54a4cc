package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/app"
	"github.com/corvalhq/corval/internal/monitoring"
	"github.com/corvalhq/corval/pkg/response"
)

// MonitoringHandler surfaces operational summaries for administrators.
type MonitoringHandler struct {
	module *monitoring.Module
	cfg    *app.Config
}

// NewMonitoringHandler constructs a monitoring handler. Returns nil when monitoring is disabled.
func NewMonitoringHandler(module *monitoring.Module, cfg *app.Config) *MonitoringHandler {
	if module == nil || cfg == nil {
		return nil
	}
	if !cfg.Monitoring.Health.Enabled && !cfg.Monitoring.Prometheus.Enabled {
		return nil
	}
	return &MonitoringHandler{module: module, cfg: cfg}
}

// Health returns the full readiness report with per-check results. The
// unauthenticated /health probes expose only the folded status; this view
// is for operators holding monitoring.view.
func (h *MonitoringHandler) Health(c *gin.Context) {
	manager := h.module.Health()
	if manager == nil {
		response.Success(c, http.StatusOK, gin.H{"status": "disabled"})
		return
	}

	report := manager.EvaluateReadiness(requestContext(c))
	response.Success(c, http.StatusOK, gin.H{"report": report})
}

// Summary returns platform gauges (tenants, sessions, usage, providers)
// plus scrape configuration hints.
func (h *MonitoringHandler) Summary(c *gin.Context) {
	summary, err := h.module.Summary(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	endpoint := strings.TrimSpace(h.cfg.Monitoring.Prometheus.Endpoint)
	if endpoint == "" {
		endpoint = "/metrics"
	}

	response.Success(c, http.StatusOK, gin.H{
		"summary": summary,
		"prometheus": gin.H{
			"enabled":  h.cfg.Monitoring.Prometheus.Enabled,
			"endpoint": endpoint,
		},
	})
}
