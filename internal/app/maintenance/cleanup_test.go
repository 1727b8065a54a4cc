package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	iauth "github.com/corvalhq/corval/internal/auth"
	testutil "github.com/corvalhq/corval/internal/database/testutil"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/services"
	"github.com/corvalhq/corval/pkg/crypto"
)

func TestCleanupTokens(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	now := time.Date(2024, 2, 10, 15, 0, 0, 0, time.UTC)

	expiredReset := models.PasswordResetToken{
		UserID:    "user-expired",
		Token:     "expired",
		ExpiresAt: now.Add(-time.Hour),
	}
	activeReset := models.PasswordResetToken{
		UserID:    "user-active",
		Token:     "active",
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, db.Create(&expiredReset).Error)
	require.NoError(t, db.Create(&activeReset).Error)

	expiredInvite := models.UserInvite{
		Email:     "expired@example.com",
		TokenHash: "invite-expired",
		ExpiresAt: now.Add(-time.Hour),
	}
	activeInvite := models.UserInvite{
		Email:     "active@example.com",
		TokenHash: "invite-active",
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, db.Create(&expiredInvite).Error)
	require.NoError(t, db.Create(&activeInvite).Error)

	expiredVerification := models.EmailVerification{
		UserID:    "user-expired",
		TokenHash: "verify-expired",
		ExpiresAt: now.Add(-time.Hour),
	}
	activeVerification := models.EmailVerification{
		UserID:    "user-active",
		TokenHash: "verify-active",
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, db.Create(&expiredVerification).Error)
	require.NoError(t, db.Create(&activeVerification).Error)

	stats, err := CleanupTokens(context.Background(), db, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.PasswordResets)
	require.Equal(t, int64(1), stats.Invites)
	require.Equal(t, int64(1), stats.EmailVerifications)

	assertRemaining := func(model any, expected int64) {
		var count int64
		require.NoError(t, db.Model(model).Count(&count).Error)
		require.Equal(t, expected, count)
	}

	assertRemaining(&models.PasswordResetToken{}, 1)
	assertRemaining(&models.UserInvite{}, 1)
	assertRemaining(&models.EmailVerification{}, 1)
}

func TestCleanerRunOnce(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	auditSvc, err := services.NewAuditService(db)
	require.NoError(t, err)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         "cleanup-secret",
		Issuer:         "test-suite",
		AccessTokenTTL: time.Hour,
	})
	require.NoError(t, err)

	clock := fixedClock{current: time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)}

	sessionSvc, err := iauth.NewSessionService(db, jwtSvc, iauth.SessionConfig{
		RefreshTokenTTL: time.Hour,
		RefreshLength:   16,
		Clock:           clock.Now,
	})
	require.NoError(t, err)

	user := seedUser(t, db, "cleanup-user")

	_, expiredSession, err := sessionSvc.CreateSession(user.ID, iauth.SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Session{}).Where("id = ?", expiredSession.ID).
		Update("expires_at", clock.Now().Add(-2*time.Hour)).Error)

	_, activeSession, err := sessionSvc.CreateSession(user.ID, iauth.SessionMetadata{})
	require.NoError(t, err)

	_, revokedSession, err := sessionSvc.CreateSession(user.ID, iauth.SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, sessionSvc.RevokeSession(revokedSession.ID))

	// Seed audit log older than retention window.
	require.NoError(t, auditSvc.Log(context.Background(), services.AuditEntry{
		Action:   "test.action",
		Result:   "success",
		Username: "tester",
	}))
	var auditLog models.AuditLog
	require.NoError(t, db.First(&auditLog).Error)
	oldTimestamp := clock.Now().AddDate(0, 0, -10)
	require.NoError(t, db.Model(&auditLog).Update("created_at", oldTimestamp).Error)

	// Seed tokens
	require.NoError(t, db.Create(&models.PasswordResetToken{
		UserID:    user.ID,
		Token:     "reset-expired",
		ExpiresAt: clock.Now().Add(-time.Hour),
	}).Error)
	require.NoError(t, db.Create(&models.UserInvite{
		Email:     "invite@example.com",
		TokenHash: "invite-hash",
		ExpiresAt: clock.Now().Add(-time.Hour),
	}).Error)
	require.NoError(t, db.Create(&models.EmailVerification{
		UserID:    user.ID,
		TokenHash: "verify-hash",
		ExpiresAt: clock.Now().Add(-time.Hour),
	}).Error)

	c := NewCleaner(db, sessionSvc, auditSvc,
		WithNow(clock.Now),
		WithAuditRetentionDays(7),
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	)

	require.NoError(t, c.RunOnce(context.Background()))

	assertNotFound := func(id string) {
		var s models.Session
		err := db.First(&s, "id = ?", id).Error
		require.ErrorIs(t, err, gorm.ErrRecordNotFound)
	}

	assertNotFound(expiredSession.ID)
	assertNotFound(revokedSession.ID)

	var remaining models.Session
	require.NoError(t, db.First(&remaining, "id = ?", activeSession.ID).Error)

	var auditCount int64
	require.NoError(t, db.Model(&models.AuditLog{}).Count(&auditCount).Error)
	require.Equal(t, int64(0), auditCount)

	var tokenCount int64
	require.NoError(t, db.Model(&models.PasswordResetToken{}).Count(&tokenCount).Error)
	require.Equal(t, int64(0), tokenCount)
	require.NoError(t, db.Model(&models.UserInvite{}).Count(&tokenCount).Error)
	require.Equal(t, int64(0), tokenCount)
	require.NoError(t, db.Model(&models.EmailVerification{}).Count(&tokenCount).Error)
	require.Equal(t, int64(0), tokenCount)
}

func TestCleanupOrphanedChunks(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	doc := models.Document{
		OrganizationID: uuid.NewString(),
		Title:          "Runbook",
		SourceType:     models.SourceNote,
		OwnerUserID:    uuid.NewString(),
		Content:        "restart the ingest worker",
	}
	require.NoError(t, db.Create(&doc).Error)

	kept := models.DocumentChunk{DocumentID: doc.ID, Seq: 0, Content: "restart the ingest worker"}
	orphan := models.DocumentChunk{DocumentID: uuid.NewString(), Seq: 0, Content: "stale"}
	require.NoError(t, db.Create(&kept).Error)
	require.NoError(t, db.Create(&orphan).Error)

	removed, err := CleanupOrphanedChunks(context.Background(), db)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	var remaining []models.DocumentChunk
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, doc.ID, remaining[0].DocumentID)
}

func TestArchiveIdleConversations(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	now := time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)

	stale := now.Add(-40 * 24 * time.Hour)
	fresh := now.Add(-time.Hour)

	idle := models.Conversation{
		OrganizationID: uuid.NewString(),
		UserID:         uuid.NewString(),
		Title:          "old thread",
		Status:         models.ConversationActive,
		LastMessageAt:  &stale,
	}
	busy := models.Conversation{
		OrganizationID: uuid.NewString(),
		UserID:         uuid.NewString(),
		Title:          "current thread",
		Status:         models.ConversationActive,
		LastMessageAt:  &fresh,
	}
	require.NoError(t, db.Create(&idle).Error)
	require.NoError(t, db.Create(&busy).Error)

	// Threads that never received a message age by creation time.
	bare := models.Conversation{
		OrganizationID: uuid.NewString(),
		UserID:         uuid.NewString(),
		Title:          "never used",
		Status:         models.ConversationActive,
	}
	require.NoError(t, db.Create(&bare).Error)
	require.NoError(t, db.Model(&bare).Update("created_at", stale).Error)

	archived, err := ArchiveIdleConversations(context.Background(), db, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), archived)

	assertStatus := func(id string, want models.ConversationStatus) {
		var conv models.Conversation
		require.NoError(t, db.First(&conv, "id = ?", id).Error)
		require.Equal(t, want, conv.Status)
	}
	assertStatus(idle.ID, models.ConversationArchived)
	assertStatus(bare.ID, models.ConversationArchived)
	assertStatus(busy.ID, models.ConversationActive)
}

func TestCleanerRunOnceSweeps(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	clock := fixedClock{current: time.Date(2024, 9, 15, 8, 0, 0, 0, time.UTC)}

	invoiceSvc, err := services.NewInvoiceService(db, nil, nil)
	require.NoError(t, err)
	usageSvc, err := services.NewUsageService(db)
	require.NoError(t, err)

	customer := models.Customer{OrganizationID: uuid.NewString(), Code: "ACME", Name: "Acme Ltd"}
	require.NoError(t, db.Create(&customer).Error)

	due := clock.Now().AddDate(0, 0, -5)
	number := "INV-0001"
	invoice := models.Invoice{
		OrganizationID: customer.OrganizationID,
		Number:         &number,
		CustomerID:     customer.ID,
		Status:         models.InvoiceStatusIssued,
		DueDate:        &due,
		TotalCents:     12500,
	}
	require.NoError(t, db.Create(&invoice).Error)

	record := models.UsageRecord{
		OrganizationID:   customer.OrganizationID,
		RequestID:        "req-1",
		Provider:         "stub",
		PromptTokens:     120,
		CompletionTokens: 80,
		CostMicrocents:   4200,
	}
	require.NoError(t, db.Create(&record).Error)
	previousMonth := time.Date(2024, 8, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Model(&record).Update("created_at", previousMonth).Error)

	c := NewCleaner(db, nil, nil,
		WithNow(clock.Now),
		WithInvoiceSweep(invoiceSvc),
		WithUsageRollup(usageSvc),
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	)
	require.NoError(t, c.RunOnce(context.Background()))

	var swept models.Invoice
	require.NoError(t, db.First(&swept, "id = ?", invoice.ID).Error)
	require.Equal(t, models.InvoiceStatusOverdue, swept.Status)

	var rollups []models.UsageRollup
	require.NoError(t, db.Find(&rollups).Error)
	require.Len(t, rollups, 1)
	require.Equal(t, "2024-08", rollups[0].Period)
	require.Equal(t, int64(1), rollups[0].TotalRequests)
	require.Equal(t, int64(200), rollups[0].TotalTokens)
	require.Equal(t, int64(4200), rollups[0].CostMicrocents)
}

func seedUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()

	hash, err := crypto.HashPassword("Password123!")
	require.NoError(t, err)

	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: hash,
		IsActive: true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

type fixedClock struct {
	current time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.current
}
