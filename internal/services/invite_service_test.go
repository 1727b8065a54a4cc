package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/pkg/mail"
)

func TestInviteServiceGenerateAndRedeem(t *testing.T) {
	db := openInviteTestDB(t)
	org := createInviteTestOrg(t, db, "Acme", "acme")
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	svc, err := NewInviteService(db, nil,
		WithInviteClock(func() time.Time { return current }),
		WithInviteExpiry(24*time.Hour),
		WithInviteBaseURL("https://corval.example.com/invite/accept"),
	)
	require.NoError(t, err)

	invite, token, link, err := svc.GenerateInvite(context.Background(), GenerateInviteInput{
		OrganizationID: org.ID,
		Email:          "user@example.com",
		InvitedBy:      "admin",
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Contains(t, link, token)

	require.Equal(t, "user@example.com", invite.Email)
	require.Equal(t, org.ID, invite.OrganizationID)
	require.Nil(t, invite.AcceptedAt)

	accepted, err := svc.RedeemInvite(context.Background(), token)
	require.NoError(t, err)
	require.NotNil(t, accepted.AcceptedAt)

	// Redeeming again should fail with already used.
	_, err = svc.RedeemInvite(context.Background(), token)
	require.ErrorIs(t, err, ErrInviteAlreadyUsed)
}

func TestInviteServiceGenerateWithDepartment(t *testing.T) {
	db := openInviteTestDB(t)
	org := createInviteTestOrg(t, db, "Acme", "acme")

	department := &models.Department{OrganizationID: org.ID, Name: "Operations"}
	require.NoError(t, db.Create(department).Error)

	svc, err := NewInviteService(db, nil)
	require.NoError(t, err)

	invite, token, _, err := svc.GenerateInvite(context.Background(), GenerateInviteInput{
		OrganizationID: org.ID,
		Email:          "ops@example.com",
		InvitedBy:      "admin",
		DepartmentID:   department.ID,
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.NotNil(t, invite.DepartmentID)
	require.Equal(t, department.ID, *invite.DepartmentID)
	require.NotNil(t, invite.Department)
	require.Equal(t, department.Name, invite.Department.Name)

	resolved, err := svc.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	require.NotNil(t, resolved.Department)
	require.Equal(t, "Operations", resolved.Department.Name)
}

func TestInviteServiceRejectsForeignDepartment(t *testing.T) {
	db := openInviteTestDB(t)
	org := createInviteTestOrg(t, db, "Acme", "acme")
	other := createInviteTestOrg(t, db, "Globex", "globex")

	department := &models.Department{OrganizationID: other.ID, Name: "Finance"}
	require.NoError(t, db.Create(department).Error)

	svc, err := NewInviteService(db, nil)
	require.NoError(t, err)

	_, _, _, err = svc.GenerateInvite(context.Background(), GenerateInviteInput{
		OrganizationID: org.ID,
		Email:          "fin@example.com",
		InvitedBy:      "admin",
		DepartmentID:   department.ID,
	})
	require.ErrorIs(t, err, ErrDepartmentNotFound)
}

func TestInviteServiceRejectsExistingUserEmail(t *testing.T) {
	db := openInviteTestDB(t)
	org := createInviteTestOrg(t, db, "Acme", "acme")

	user := &models.User{
		Username: "existing-user",
		Email:    "existing@example.com",
		Password: "hashed",
	}
	require.NoError(t, db.Create(user).Error)

	svc, err := NewInviteService(db, nil)
	require.NoError(t, err)

	_, _, _, err = svc.GenerateInvite(context.Background(), GenerateInviteInput{
		OrganizationID: org.ID,
		Email:          "Existing@example.com",
		InvitedBy:      "admin",
	})
	require.ErrorIs(t, err, ErrInviteEmailInUse)
}

func TestInviteServiceExpiry(t *testing.T) {
	db := openInviteTestDB(t)
	org := createInviteTestOrg(t, db, "Acme", "acme")
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	svc, err := NewInviteService(db, nil,
		WithInviteClock(func() time.Time { return current }),
		WithInviteExpiry(time.Hour),
	)
	require.NoError(t, err)

	_, token, _, err := svc.GenerateInvite(context.Background(), GenerateInviteInput{
		OrganizationID: org.ID,
		Email:          "late@example.com",
		InvitedBy:      "admin",
	})
	require.NoError(t, err)

	current = current.Add(2 * time.Hour)

	_, err = svc.RedeemInvite(context.Background(), token)
	require.ErrorIs(t, err, ErrInviteExpired)
}

func TestInviteServiceSMTPDisabled(t *testing.T) {
	db := openInviteTestDB(t)
	org := createInviteTestOrg(t, db, "Acme", "acme")

	svc, err := NewInviteService(db, &disabledMailer{})
	require.NoError(t, err)

	_, token, _, err := svc.GenerateInvite(context.Background(), GenerateInviteInput{
		OrganizationID: org.ID,
		Email:          "disabled@example.com",
		InvitedBy:      "admin",
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)
}

func TestInviteServiceDuplicatePrevention(t *testing.T) {
	db := openInviteTestDB(t)
	org := createInviteTestOrg(t, db, "Acme", "acme")
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	svc, err := NewInviteService(db, nil,
		WithInviteClock(func() time.Time { return current }),
		WithInviteExpiry(24*time.Hour),
	)
	require.NoError(t, err)

	_, _, _, err = svc.GenerateInvite(context.Background(), GenerateInviteInput{
		OrganizationID: org.ID,
		Email:          "dup@example.com",
		InvitedBy:      "admin",
	})
	require.NoError(t, err)

	_, _, _, err = svc.GenerateInvite(context.Background(), GenerateInviteInput{
		OrganizationID: org.ID,
		Email:          "dup@example.com",
		InvitedBy:      "admin",
	})
	require.ErrorIs(t, err, ErrInviteAlreadyPending)

	// Advance past expiry; should allow invite again.
	current = current.Add(48 * time.Hour)
	_, _, _, err = svc.GenerateInvite(context.Background(), GenerateInviteInput{
		OrganizationID: org.ID,
		Email:          "dup@example.com",
		InvitedBy:      "admin",
	})
	require.NoError(t, err)
}

func TestInviteServiceValidateTokenDoesNotConsume(t *testing.T) {
	db := openInviteTestDB(t)
	org := createInviteTestOrg(t, db, "Acme", "acme")

	svc, err := NewInviteService(db, nil)
	require.NoError(t, err)

	invite, token, _, err := svc.GenerateInvite(context.Background(), GenerateInviteInput{
		OrganizationID: org.ID,
		Email:          "peek@example.com",
		InvitedBy:      "admin",
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		peeked, err := svc.ValidateToken(context.Background(), token)
		require.NoError(t, err)
		require.Equal(t, invite.ID, peeked.ID)
		require.Nil(t, peeked.AcceptedAt)
	}

	require.NoError(t, svc.AcceptInvite(context.Background(), invite.ID))

	_, err = svc.ValidateToken(context.Background(), token)
	require.ErrorIs(t, err, ErrInviteAlreadyUsed)
}

func TestInviteServiceListAndDelete(t *testing.T) {
	db := openInviteTestDB(t)
	org := createInviteTestOrg(t, db, "Acme", "acme")
	other := createInviteTestOrg(t, db, "Globex", "globex")
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	svc, err := NewInviteService(db, nil,
		WithInviteClock(func() time.Time { return current }),
		WithInviteExpiry(24*time.Hour),
	)
	require.NoError(t, err)

	inv1, token1, _, err := svc.GenerateInvite(context.Background(), GenerateInviteInput{
		OrganizationID: org.ID,
		Email:          "pending@example.com",
		InvitedBy:      "admin",
	})
	require.NoError(t, err)

	_, err = svc.RedeemInvite(context.Background(), token1)
	require.NoError(t, err)

	current = current.Add(48 * time.Hour)
	inv2, _, _, err := svc.GenerateInvite(context.Background(), GenerateInviteInput{
		OrganizationID: org.ID,
		Email:          "new@example.com",
		InvitedBy:      "admin",
	})
	require.NoError(t, err)

	// An invite in another organization must never appear in org listings.
	_, _, _, err = svc.GenerateInvite(context.Background(), GenerateInviteInput{
		OrganizationID: other.ID,
		Email:          "elsewhere@example.com",
		InvitedBy:      "admin",
	})
	require.NoError(t, err)

	list, err := svc.List(context.Background(), org.ID, "pending", "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, inv2.ID, list[0].ID)

	list, err = svc.List(context.Background(), org.ID, "accepted", "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, inv1.ID, list[0].ID)

	list, err = svc.List(context.Background(), org.ID, "expired", "")
	require.NoError(t, err)
	require.Len(t, list, 0)

	list, err = svc.List(context.Background(), org.ID, "", "new@")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, strings.HasPrefix(list[0].Email, "new@"))

	require.NoError(t, svc.Delete(context.Background(), org.ID, inv2.ID))

	// Accepted invites are kept for the record.
	require.ErrorIs(t, svc.Delete(context.Background(), org.ID, inv1.ID), ErrInviteAlreadyUsed)

	// Deleting across organizations is a not-found, not a leak.
	require.ErrorIs(t, svc.Delete(context.Background(), other.ID, inv1.ID), ErrInviteNotFound)
}

func createInviteTestOrg(t *testing.T, db *gorm.DB, name, slug string) *models.Organization {
	t.Helper()

	org := &models.Organization{Name: name, Slug: slug}
	require.NoError(t, db.Create(org).Error)
	return org
}

func openInviteTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Organization{},
		&models.Department{},
		&models.User{},
		&models.UserInvite{},
	))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}

type disabledMailer struct{}

func (disabledMailer) Send(ctx context.Context, msg mail.Message) error {
	return mail.ErrSMTPDisabled
}
