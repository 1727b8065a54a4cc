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

func TestEmployeeServiceLifecycle(t *testing.T) {
	db, org := openEmployeeTestDB(t)
	svc, err := NewEmployeeService(db, nil, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()

	engineering := models.Department{OrganizationID: org.ID, Name: "Engineering"}
	require.NoError(t, db.Create(&engineering).Error)
	support := models.Department{OrganizationID: org.ID, Name: "Support"}
	require.NoError(t, db.Create(&support).Error)

	employee, err := svc.Create(ctx, CreateEmployeeInput{
		OrganizationID: org.ID,
		EmployeeNo:     "EMP-001",
		FirstName:      "Ada",
		LastName:       "Lovelace",
		Email:          "Ada@Example.com",
		DepartmentID:   engineering.ID,
		Title:          "Engineer",
		Currency:       "usd",
		SalaryCents:    1_000_000,
	})
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", employee.Email)
	require.Equal(t, "USD", employee.Currency)
	require.Equal(t, models.EmployeeStatusActive, employee.Status)
	require.NotNil(t, employee.DepartmentID)

	// Duplicate number inside the organization is rejected.
	_, err = svc.Create(ctx, CreateEmployeeInput{
		OrganizationID: org.ID,
		EmployeeNo:     "EMP-001",
		FirstName:      "Shadow",
		LastName:       "Ada",
	})
	require.Error(t, err)

	title := "Staff Engineer"
	onLeave := string(models.EmployeeStatusOnLeave)
	updated, err := svc.Update(ctx, org.ID, employee.ID, UpdateEmployeeInput{
		Title:  &title,
		Status: &onLeave,
	})
	require.NoError(t, err)
	require.Equal(t, "Staff Engineer", updated.Title)
	require.Equal(t, models.EmployeeStatusOnLeave, updated.Status)

	// Terminations have their own operation.
	terminated := string(models.EmployeeStatusTerminated)
	_, err = svc.Update(ctx, org.ID, employee.ID, UpdateEmployeeInput{Status: &terminated})
	require.Error(t, err)

	listed, total, err := svc.List(ctx, org.ID, EmployeeListOptions{Search: "love"})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, listed, 1)

	transferred, err := svc.Transfer(ctx, org.ID, employee.ID, support.ID)
	require.NoError(t, err)
	require.NotNil(t, transferred.DepartmentID)
	require.Equal(t, support.ID, *transferred.DepartmentID)

	byDepartment, _, err := svc.List(ctx, org.ID, EmployeeListOptions{DepartmentID: engineering.ID})
	require.NoError(t, err)
	require.Empty(t, byDepartment)
}

func TestEmployeeServiceScopesByOrganization(t *testing.T) {
	db, org := openEmployeeTestDB(t)
	svc, err := NewEmployeeService(db, nil, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()

	other := models.Organization{Name: "Globex", Slug: "globex"}
	require.NoError(t, db.Create(&other).Error)
	otherDept := models.Department{OrganizationID: other.ID, Name: "Sales"}
	require.NoError(t, db.Create(&otherDept).Error)

	employee, err := svc.Create(ctx, CreateEmployeeInput{
		OrganizationID: org.ID,
		EmployeeNo:     "EMP-100",
		FirstName:      "Grace",
		LastName:       "Hopper",
	})
	require.NoError(t, err)

	// Same number is fine in another tenant.
	_, err = svc.Create(ctx, CreateEmployeeInput{
		OrganizationID: other.ID,
		EmployeeNo:     "EMP-100",
		FirstName:      "Grace",
		LastName:       "East",
	})
	require.NoError(t, err)

	// Lookups never cross tenants.
	_, err = svc.GetByID(ctx, other.ID, employee.ID)
	require.ErrorIs(t, err, ErrEmployeeNotFound)

	// Departments of another tenant are invisible to transfers.
	_, err = svc.Transfer(ctx, org.ID, employee.ID, otherDept.ID)
	require.ErrorIs(t, err, ErrDepartmentNotFound)
}

func TestEmployeeServiceTerminateAndRehire(t *testing.T) {
	db, org := openEmployeeTestDB(t)

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "employee-secret", AccessTokenTTL: time.Hour})
	require.NoError(t, err)
	sessionService, err := iauth.NewSessionService(db, jwtService, iauth.SessionConfig{})
	require.NoError(t, err)

	svc, err := NewEmployeeService(db, nil, sessionService, nil)
	require.NoError(t, err)

	ctx := context.Background()

	hashed, err := crypto.HashPassword("password")
	require.NoError(t, err)
	user := models.User{
		Username:       "ada",
		Email:          "ada@example.com",
		Password:       hashed,
		IsActive:       true,
		OrganizationID: &org.ID,
	}
	require.NoError(t, db.Create(&user).Error)

	_, _, err = sessionService.CreateSession(user.ID, iauth.SessionMetadata{})
	require.NoError(t, err)

	employee, err := svc.Create(ctx, CreateEmployeeInput{
		OrganizationID: org.ID,
		EmployeeNo:     "EMP-200",
		FirstName:      "Ada",
		LastName:       "Lovelace",
		UserID:         user.ID,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Terminate(ctx, org.ID, employee.ID, nil))

	reloaded, err := svc.GetByID(ctx, org.ID, employee.ID)
	require.NoError(t, err)
	require.Equal(t, models.EmployeeStatusTerminated, reloaded.Status)
	require.NotNil(t, reloaded.TerminatedAt)

	// The linked account lost its sessions.
	var activeSessions int64
	require.NoError(t, db.Model(&models.Session{}).
		Where("user_id = ? AND revoked_at IS NULL", user.ID).
		Count(&activeSessions).Error)
	require.Zero(t, activeSessions)

	// Terminating twice is a no-op.
	require.NoError(t, svc.Terminate(ctx, org.ID, employee.ID, nil))

	// Creating with the same number reactivates the record.
	rehired, err := svc.Create(ctx, CreateEmployeeInput{
		OrganizationID: org.ID,
		EmployeeNo:     "EMP-200",
		FirstName:      "Ada",
		LastName:       "Lovelace",
		Title:          "Principal Engineer",
	})
	require.NoError(t, err)
	require.Equal(t, employee.ID, rehired.ID)
	require.Equal(t, models.EmployeeStatusActive, rehired.Status)
	require.Nil(t, rehired.TerminatedAt)
	require.Equal(t, "Principal Engineer", rehired.Title)

	var count int64
	require.NoError(t, db.Model(&models.Employee{}).
		Where("organization_id = ? AND employee_no = ?", org.ID, "EMP-200").
		Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestEmployeeServiceDeleteRefusedWhileTimeEntriesExist(t *testing.T) {
	db, org := openEmployeeTestDB(t)
	svc, err := NewEmployeeService(db, nil, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()

	hashed, err := crypto.HashPassword("password")
	require.NoError(t, err)
	user := models.User{
		Username:       "grace",
		Email:          "grace@example.com",
		Password:       hashed,
		IsActive:       true,
		OrganizationID: &org.ID,
	}
	require.NoError(t, db.Create(&user).Error)

	employee, err := svc.Create(ctx, CreateEmployeeInput{
		OrganizationID: org.ID,
		EmployeeNo:     "EMP-300",
		FirstName:      "Grace",
		LastName:       "Hopper",
		UserID:         user.ID,
	})
	require.NoError(t, err)

	entry := models.TimeEntry{
		OrganizationID: org.ID,
		TaskID:         "11111111-1111-1111-1111-111111111111",
		UserID:         user.ID,
		Minutes:        60,
		SpentOn:        time.Now(),
	}
	require.NoError(t, db.Create(&entry).Error)

	require.ErrorIs(t, svc.Delete(ctx, org.ID, employee.ID), ErrEmployeeHasTimeEntries)

	require.NoError(t, db.Delete(&entry).Error)
	require.NoError(t, svc.Delete(ctx, org.ID, employee.ID))
	_, err = svc.GetByID(ctx, org.ID, employee.ID)
	require.ErrorIs(t, err, ErrEmployeeNotFound)
}

func TestEmployeeServiceDirectorySync(t *testing.T) {
	db, org := openEmployeeTestDB(t)
	auditSvc, err := NewAuditService(db)
	require.NoError(t, err)
	svc, err := NewEmployeeService(db, auditSvc, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()

	existing, err := svc.Create(ctx, CreateEmployeeInput{
		OrganizationID: org.ID,
		EmployeeNo:     "EMP-400",
		FirstName:      "Old",
		LastName:       "Name",
	})
	require.NoError(t, err)

	gone, err := svc.Create(ctx, CreateEmployeeInput{
		OrganizationID: org.ID,
		EmployeeNo:     "EMP-401",
		FirstName:      "Left",
		LastName:       "Already",
	})
	require.NoError(t, err)
	require.NoError(t, svc.Terminate(ctx, org.ID, gone.ID, nil))

	summary, err := svc.SyncDirectoryRecords(ctx, org.ID, []DirectoryEmployee{
		{EmployeeNo: "EMP-400", FirstName: "New", LastName: "Name", Title: "Manager"},
		{EmployeeNo: "EMP-401", FirstName: "Left", LastName: "Already"},
		{EmployeeNo: "EMP-402", FirstName: "Fresh", LastName: "Hire", Email: "Fresh@Example.com"},
		{FirstName: "No", LastName: "Number"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Created)
	require.Equal(t, 1, summary.Updated)
	require.Equal(t, 2, summary.Skipped)

	reloaded, err := svc.GetByID(ctx, org.ID, existing.ID)
	require.NoError(t, err)
	require.Equal(t, "New", reloaded.FirstName)
	require.Equal(t, "Manager", reloaded.Title)

	// Terminated records stay frozen.
	frozen, err := svc.GetByID(ctx, org.ID, gone.ID)
	require.NoError(t, err)
	require.Equal(t, models.EmployeeStatusTerminated, frozen.Status)

	fresh, _, err := svc.List(ctx, org.ID, EmployeeListOptions{Search: "EMP-402"})
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.Equal(t, "fresh@example.com", fresh[0].Email)
}

func TestEmployeeServiceSyncFromDirectory(t *testing.T) {
	db, org := openEmployeeTestDB(t)
	svc, err := NewEmployeeService(db, nil, nil, nil)
	require.NoError(t, err)

	directory := &staticDirectory{identities: []*providers.Identity{
		{
			Provider:  "ldap",
			Subject:   "cn=Ada,ou=People,dc=example,dc=com",
			Email:     "ada@example.com",
			FirstName: "Ada",
			LastName:  "Lovelace",
			RawClaims: map[string]any{
				"employeeNumber": []string{"EMP-500"},
				"title":          []string{"Engineer"},
				"l":              []string{"London"},
			},
		},
		{
			Provider:  "ldap",
			Subject:   "cn=NoNumber,ou=People,dc=example,dc=com",
			Email:     "nonumber@example.com",
			FirstName: "No",
			LastName:  "Number",
			RawClaims: map[string]any{},
		},
	}}

	summary, err := svc.SyncFromDirectory(context.Background(), org.ID, directory, nil)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Created)
	require.Equal(t, 1, summary.Skipped)

	listed, _, err := svc.List(context.Background(), org.ID, EmployeeListOptions{Search: "EMP-500"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "Engineer", listed[0].Title)
	require.Equal(t, "London", listed[0].Location)
}

type staticDirectory struct {
	identities []*providers.Identity
}

func (d *staticDirectory) ListIdentities(ctx context.Context) ([]*providers.Identity, error) {
	return d.identities, nil
}

func openEmployeeTestDB(t *testing.T) (*gorm.DB, *models.Organization) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Organization{},
		&models.Department{},
		&models.Employee{},
		&models.User{},
		&models.Session{},
		&models.TimeEntry{},
		&models.AuditLog{},
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
