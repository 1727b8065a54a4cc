package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/corvalhq/corval/internal/auditctx"
	"github.com/corvalhq/corval/internal/auth/mfa"
	"github.com/corvalhq/corval/internal/database/testutil"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/services"
)

func TestProfileHandler_PreferencesLifecycle(t *testing.T) {
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())
	auditSvc, err := services.NewAuditService(db)
	require.NoError(t, err)

	userSvc, err := services.NewUserService(db, auditSvc)
	require.NoError(t, err)

	user, err := userSvc.Create(context.Background(), services.CreateUserInput{
		Username: "charlie",
		Email:    "charlie@example.com",
		Password: "password123",
	})
	require.NoError(t, err)

	prefSvc, err := services.NewUserPreferencesService(db, auditSvc)
	require.NoError(t, err)

	totpSvc, err := mfa.NewTOTPService(db, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	handler, err := NewProfileHandler(userSvc, prefSvc, totpSvc)
	require.NoError(t, err)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(middleware.CtxUserIDKey, user.ID)
		ctx := auditctx.WithActor(c.Request.Context(), auditctx.Actor{
			UserID:   user.ID,
			Username: user.Username,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})

	profile := router.Group("/api/profile")
	{
		profile.GET("/preferences", handler.GetPreferences)
		profile.PUT("/preferences", handler.UpdatePreferences)
	}

	getReq, _ := http.NewRequest(http.MethodGet, "/api/profile/preferences", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var getEnv apiEnvelope
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &getEnv))
	require.True(t, getEnv.Success)

	var initial services.UserPreferences
	require.NoError(t, json.Unmarshal(getEnv.Data, &initial))
	require.Equal(t, services.DefaultUserPreferences(), initial)

	payload := map[string]any{
		"appearance": map[string]any{
			"theme":   "dark",
			"density": "compact",
		},
		"locale": map[string]any{
			"language":    "fr",
			"timezone":    "Europe/Paris",
			"date_format": "DD/MM/YYYY",
		},
		"notifications": map[string]any{
			"email":   false,
			"desktop": true,
			"digest":  "weekly",
		},
	}
	body, _ := json.Marshal(payload)

	putReq, _ := http.NewRequest(http.MethodPut, "/api/profile/preferences", bytes.NewReader(body))
	putReq.Header.Set("Content-Type", "application/json")
	putRec := httptest.NewRecorder()
	router.ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusOK, putRec.Code, putRec.Body.String())

	var putEnv apiEnvelope
	require.NoError(t, json.Unmarshal(putRec.Body.Bytes(), &putEnv))
	require.True(t, putEnv.Success)

	var updated services.UserPreferences
	require.NoError(t, json.Unmarshal(putEnv.Data, &updated))
	require.Equal(t, "dark", updated.Appearance.Theme)
	require.Equal(t, "compact", updated.Appearance.Density)
	require.Equal(t, "fr", updated.Locale.Language)
	require.Equal(t, "Europe/Paris", updated.Locale.Timezone)
	require.Equal(t, "DD/MM/YYYY", updated.Locale.DateFormat)
	require.False(t, updated.Notifications.Email)
	require.True(t, updated.Notifications.Desktop)
	require.Equal(t, "weekly", updated.Notifications.Digest)
}
