package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/corvalhq/corval/internal/app"
	"github.com/corvalhq/corval/internal/database/testutil"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/monitoring"
)

func TestMonitoringHandlerSummary(t *testing.T) {
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	org := models.Organization{Name: "Initech", Slug: "initech"}
	require.NoError(t, db.Create(&org).Error)
	createTestUser(t, db, "mallory")

	mod, err := monitoring.NewModule(monitoring.Options{DB: db})
	require.NoError(t, err)

	cfg := &app.Config{
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true},
			Health:     app.HealthConfig{Enabled: true},
		},
	}
	handler := NewMonitoringHandler(mod, cfg)
	require.NotNil(t, handler)

	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/monitoring/summary", nil)

	handler.Summary(c)
	require.Equal(t, http.StatusOK, recorder.Code)

	var env apiEnvelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &env))
	require.True(t, env.Success)

	var payload struct {
		Summary struct {
			Organizations  int64 `json:"organizations"`
			Users          int64 `json:"users"`
			ActiveSessions int64 `json:"active_sessions"`
		} `json:"summary"`
		Prometheus struct {
			Enabled  bool   `json:"enabled"`
			Endpoint string `json:"endpoint"`
		} `json:"prometheus"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.Equal(t, int64(1), payload.Summary.Organizations)
	require.Equal(t, int64(1), payload.Summary.Users)
	require.Zero(t, payload.Summary.ActiveSessions)
	require.True(t, payload.Prometheus.Enabled)
	require.Equal(t, "/metrics", payload.Prometheus.Endpoint)
}

func TestNewMonitoringHandlerDisabled(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	mod, err := monitoring.NewModule(monitoring.Options{DB: db})
	require.NoError(t, err)

	require.Nil(t, NewMonitoringHandler(nil, &app.Config{}))
	require.Nil(t, NewMonitoringHandler(mod, nil))
	require.Nil(t, NewMonitoringHandler(mod, &app.Config{}))
}
