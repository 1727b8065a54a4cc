package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/models"
)

func TestOrganizationServiceLifecycle(t *testing.T) {
	db := openOrganizationServiceTestDB(t)
	auditSvc, err := NewAuditService(db)
	require.NoError(t, err)

	orgSvc, err := NewOrganizationService(db, auditSvc)
	require.NoError(t, err)

	ctx := context.Background()

	org, err := orgSvc.Create(ctx, CreateOrganizationInput{
		Name:        "Acme Corp",
		Slug:        "Acme-Corp",
		Description: "Primary tenant",
		Settings: map[string]any{
			"timezone": "UTC",
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, org.ID)
	require.Equal(t, "acme-corp", org.Slug)
	require.Equal(t, models.DefaultOrganizationPlan, org.Plan)
	require.True(t, org.IsActive)

	retrieved, err := orgSvc.GetByID(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, "Acme Corp", retrieved.Name)

	bySlug, err := orgSvc.GetBySlug(ctx, "ACME-CORP")
	require.NoError(t, err)
	require.Equal(t, org.ID, bySlug.ID)

	all, err := orgSvc.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	newDesc := "Updated description"
	plan := "enterprise"
	updated, err := orgSvc.Update(ctx, org.ID, UpdateOrganizationInput{
		Description: &newDesc,
		Plan:        &plan,
	})
	require.NoError(t, err)
	require.Equal(t, newDesc, updated.Description)
	require.Equal(t, "enterprise", updated.Plan)

	require.NoError(t, orgSvc.Delete(ctx, org.ID))

	_, err = orgSvc.GetByID(ctx, org.ID)
	require.ErrorIs(t, err, ErrOrganizationNotFound)
}

func TestOrganizationServiceSuspendResume(t *testing.T) {
	db := openOrganizationServiceTestDB(t)
	orgSvc, err := NewOrganizationService(db, nil)
	require.NoError(t, err)

	ctx := context.Background()

	org, err := orgSvc.Create(ctx, CreateOrganizationInput{Name: "Globex", Slug: "globex"})
	require.NoError(t, err)

	require.NoError(t, orgSvc.Suspend(ctx, org.ID))
	reloaded, err := orgSvc.GetByID(ctx, org.ID)
	require.NoError(t, err)
	require.False(t, reloaded.IsActive)

	require.NoError(t, orgSvc.Resume(ctx, org.ID))
	reloaded, err = orgSvc.GetByID(ctx, org.ID)
	require.NoError(t, err)
	require.True(t, reloaded.IsActive)

	require.ErrorIs(t, orgSvc.Suspend(ctx, "missing"), ErrOrganizationNotFound)
}

func TestOrganizationServiceRejectsInvalidSlug(t *testing.T) {
	db := openOrganizationServiceTestDB(t)
	orgSvc, err := NewOrganizationService(db, nil)
	require.NoError(t, err)

	_, err = orgSvc.Create(context.Background(), CreateOrganizationInput{
		Name: "Bad Slug Co",
		Slug: "not a slug!",
	})
	require.Error(t, err)
}

func openOrganizationServiceTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Organization{},
		&models.Department{},
		&models.User{},
		&models.AuditLog{},
	))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}
