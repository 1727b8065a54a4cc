package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	iauth "github.com/corvalhq/corval/internal/auth"
	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/models"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/response"
)

// SessionHandler lets a signed-in user inspect and revoke their own sessions.
type SessionHandler struct {
	db       *gorm.DB
	sessions *iauth.SessionService
}

// NewSessionHandler constructs a SessionHandler.
func NewSessionHandler(db *gorm.DB, sessions *iauth.SessionService) (*SessionHandler, error) {
	if db == nil {
		return nil, errors.New("session handler: db is required")
	}
	if sessions == nil {
		return nil, errors.New("session handler: session service is required")
	}
	return &SessionHandler{db: db, sessions: sessions}, nil
}

// GET /api/sessions/me
func (h *SessionHandler) ListMySessions(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	var sessions []models.Session
	if err := h.db.WithContext(requestContext(c)).
		Where("user_id = ?", userID).
		Order("last_used_at DESC").
		Find(&sessions).Error; err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}
	response.Success(c, http.StatusOK, sessions)
}

// POST /api/sessions/revoke/:id
func (h *SessionHandler) Revoke(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	sessionID := strings.TrimSpace(c.Param("id"))
	if sessionID == "" {
		response.Error(c, apperrors.NewBadRequest("session id is required"))
		return
	}

	// Sessions belonging to other users answer not found.
	var session models.Session
	err := h.db.WithContext(requestContext(c)).
		Take(&session, "id = ? AND user_id = ?", sessionID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		response.Error(c, apperrors.ErrNotFound)
		return
	}
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	if err := h.sessions.RevokeSession(session.ID); err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// POST /api/sessions/revoke_all
func (h *SessionHandler) RevokeAll(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	if err := h.sessions.RevokeUserSessions(userID); err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}
