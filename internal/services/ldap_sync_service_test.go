package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	iauth "github.com/corvalhq/corval/internal/auth"
	"github.com/corvalhq/corval/internal/auth/providers"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/pkg/crypto"
)

func TestLDAPSyncServiceSyncGroups(t *testing.T) {
	db, org := openLDAPSyncTestDB(t)

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "sync-secret", AccessTokenTTL: time.Hour})
	require.NoError(t, err)

	sessionService, err := iauth.NewSessionService(db, jwtService, iauth.SessionConfig{})
	require.NoError(t, err)

	ssoManager, err := iauth.NewSSOManager(db, sessionService, iauth.SSOConfig{})
	require.NoError(t, err)

	syncSvc, err := NewLDAPSyncService(db, ssoManager)
	require.NoError(t, err)

	hashed, err := crypto.HashPassword("password")
	require.NoError(t, err)

	user := &models.User{
		Username:       "alice",
		Email:          "alice@example.com",
		Password:       hashed,
		AuthProvider:   "ldap",
		IsActive:       true,
		OrganizationID: &org.ID,
	}
	require.NoError(t, db.Create(user).Error)

	cfg := models.LDAPConfig{
		SyncGroups: true,
		AttributeMapping: map[string]string{
			"groups": "memberOf",
		},
	}

	result, err := syncSvc.SyncGroups(context.Background(), org.ID, cfg, user, []string{
		"cn=Engineering,ou=Groups,dc=example,dc=com",
		"QA",
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.DepartmentsCreated)
	require.Equal(t, 2, result.MembershipsAdded)
	require.Equal(t, 0, result.MembershipsRemoved)

	var departmentCount int64
	require.NoError(t, db.Model(&models.Department{}).
		Where("organization_id = ? AND source = ?", org.ID, "ldap").
		Count(&departmentCount).Error)
	require.Equal(t, int64(2), departmentCount)

	var membershipCount int64
	require.NoError(t, db.Table("user_departments").Where("user_id = ?", user.ID).Count(&membershipCount).Error)
	require.Equal(t, int64(2), membershipCount)

	// Directory group names survive the DN parsing.
	var engineering models.Department
	require.NoError(t, db.Take(&engineering, "name = ?", "Engineering").Error)
	require.Equal(t, "ldap", engineering.Source)

	result, err = syncSvc.SyncGroups(context.Background(), org.ID, cfg, user, []string{"QA"})
	require.NoError(t, err)
	require.Equal(t, 0, result.DepartmentsCreated)
	require.Equal(t, 0, result.MembershipsAdded)
	require.Equal(t, 1, result.MembershipsRemoved)

	require.NoError(t, db.Table("user_departments").Where("user_id = ?", user.ID).Count(&membershipCount).Error)
	require.Equal(t, int64(1), membershipCount)
}

func TestLDAPSyncServiceSyncFromIdentities(t *testing.T) {
	db, org := openLDAPSyncTestDB(t)

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "sync-secret", AccessTokenTTL: time.Hour})
	require.NoError(t, err)

	sessionService, err := iauth.NewSessionService(db, jwtService, iauth.SessionConfig{})
	require.NoError(t, err)

	ssoManager, err := iauth.NewSSOManager(db, sessionService, iauth.SSOConfig{})
	require.NoError(t, err)

	syncSvc, err := NewLDAPSyncService(db, ssoManager)
	require.NoError(t, err)

	cfg := models.LDAPConfig{
		SyncGroups: true,
		AttributeMapping: map[string]string{
			"groups": "memberOf",
		},
	}

	identity := providers.Identity{
		Provider:  "ldap",
		Subject:   "cn=Alice,ou=People,dc=example,dc=com",
		Email:     "alice@example.com",
		FirstName: "Alice",
		LastName:  "Smith",
		Groups: []string{
			"cn=Engineering,ou=Groups,dc=example,dc=com",
		},
	}

	summary, err := syncSvc.SyncFromIdentities(context.Background(), org.ID, cfg, []providers.Identity{identity}, true)
	require.NoError(t, err)
	require.Equal(t, 1, summary.UsersCreated)
	require.Equal(t, 1, summary.DepartmentsCreated)
	require.Equal(t, 1, summary.MembershipsAdded)

	var user models.User
	require.NoError(t, db.Take(&user, "LOWER(email) = ?", "alice@example.com").Error)
	require.Equal(t, "ldap", user.AuthProvider)
	require.NotNil(t, user.OrganizationID)
	require.Equal(t, org.ID, *user.OrganizationID)

	var membershipCount int64
	require.NoError(t, db.Table("user_departments").Where("user_id = ?", user.ID).Count(&membershipCount).Error)
	require.Equal(t, int64(1), membershipCount)

	summary, err = syncSvc.SyncFromIdentities(context.Background(), org.ID, cfg, []providers.Identity{identity}, false)
	require.NoError(t, err)
	require.Equal(t, 1, summary.UsersUpdated)
}

func openLDAPSyncTestDB(t *testing.T) (*gorm.DB, *models.Organization) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Organization{},
		&models.User{},
		&models.Department{},
	))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	org := &models.Organization{Name: "Acme", Slug: "acme"}
	require.NoError(t, db.Create(org).Error)

	return db, org
}
