package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/auditctx"
	"github.com/corvalhq/corval/internal/models"
)

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func createTestUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()
	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: "password",
		IsActive: true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func contextWithActor(userID, username string) context.Context {
	return auditctx.WithActor(context.Background(), auditctx.Actor{
		UserID:    userID,
		Username:  username,
		IPAddress: "127.0.0.1",
		UserAgent: "test-suite",
	})
}
