package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	iauth "github.com/corvalhq/corval/internal/auth"
	"github.com/corvalhq/corval/internal/database/testutil"
	"github.com/corvalhq/corval/internal/permissions"
	"github.com/corvalhq/corval/internal/realtime"
)

func newRealtimeTestHandler(t *testing.T) (*RealtimeHandler, *iauth.JWTService, *gorm.DB) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	hub := realtime.NewHub()
	t.Cleanup(hub.Close)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "0123456789abcdef0123456789abcdef"})
	require.NoError(t, err)

	checker, err := permissions.NewChecker(db)
	require.NoError(t, err)

	handler, err := NewRealtimeHandler(hub, jwtSvc, checker)
	require.NoError(t, err)

	return handler, jwtSvc, db
}

func TestRealtimeStreamUnauthorizedWithoutToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler, _, _ := newRealtimeTestHandler(t)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/realtime/ws", nil)

	handler.Stream(c)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRealtimeStreamRejectsInvalidToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler, _, _ := newRealtimeTestHandler(t)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/realtime/ws?token=not-a-jwt", nil)

	handler.Stream(c)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRealtimeStreamForbidsAlertTopicWithoutPermission(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler, jwtSvc, db := newRealtimeTestHandler(t)
	user := createTestUser(t, db, "devon")

	token, err := jwtSvc.GenerateAccessToken(iauth.AccessTokenInput{UserID: user.ID})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/realtime/ws?token="+token+"&topics="+realtime.TopicMonitoringAlert, nil)

	handler.Stream(c)

	require.Equal(t, http.StatusForbidden, rec.Code)
}
