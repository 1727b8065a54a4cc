package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/models"
)

func TestProjectServiceLifecycle(t *testing.T) {
	db, org := openProjectTestDB(t)
	auditSvc, err := NewAuditService(db)
	require.NoError(t, err)

	svc, err := NewProjectService(db, auditSvc, nil)
	require.NoError(t, err)

	ctx := context.Background()
	owner := newProjectTestUser(t, db, org, "owner")
	dev := newProjectTestUser(t, db, org, "dev")

	project, err := svc.Create(ctx, CreateProjectInput{
		OrganizationID: org.ID,
		Code:           "portal-1",
		Name:           "Customer Portal",
		BudgetCents:    500_000,
		OwnerUserID:    owner.ID,
		MemberIDs:      []string{dev.ID},
	})
	require.NoError(t, err)
	require.Equal(t, "PORTAL-1", project.Code)
	require.Equal(t, models.ProjectStatusPlanned, project.Status)
	require.Len(t, project.Members, 2)

	// Duplicate code inside the organization is rejected.
	_, err = svc.Create(ctx, CreateProjectInput{
		OrganizationID: org.ID,
		Code:           "PORTAL-1",
		Name:           "Shadow Portal",
	})
	require.Error(t, err)

	status := string(models.ProjectStatusActive)
	budget := int64(750_000)
	updated, err := svc.Update(ctx, org.ID, project.ID, UpdateProjectInput{
		Status:      &status,
		BudgetCents: &budget,
	})
	require.NoError(t, err)
	require.Equal(t, models.ProjectStatusActive, updated.Status)
	require.Equal(t, budget, updated.BudgetCents)

	bogus := "archived"
	_, err = svc.Update(ctx, org.ID, project.ID, UpdateProjectInput{Status: &bogus})
	require.Error(t, err)

	mine, total, err := svc.List(ctx, org.ID, ProjectListOptions{MemberID: dev.ID})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, project.ID, mine[0].ID)

	found, total, err := svc.List(ctx, org.ID, ProjectListOptions{Search: "portal"})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, found, 1)

	// The owner stays until ownership moves on.
	_, err = svc.RemoveMember(ctx, org.ID, project.ID, owner.ID)
	require.Error(t, err)

	trimmed, err := svc.RemoveMember(ctx, org.ID, project.ID, dev.ID)
	require.NoError(t, err)
	require.Len(t, trimmed.Members, 1)

	rejoined, err := svc.AddMembers(ctx, org.ID, project.ID, []string{dev.ID, dev.ID})
	require.NoError(t, err)
	require.Len(t, rejoined.Members, 2)

	require.NoError(t, svc.Delete(ctx, org.ID, project.ID))
	_, err = svc.GetByID(ctx, org.ID, project.ID)
	require.ErrorIs(t, err, ErrProjectNotFound)
}

func TestProjectServiceTaskBoard(t *testing.T) {
	db, org := openProjectTestDB(t)
	svc, err := NewProjectService(db, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()

	project, err := svc.Create(ctx, CreateProjectInput{
		OrganizationID: org.ID,
		Code:           "BOARD-1",
		Name:           "Board",
	})
	require.NoError(t, err)

	mkTask := func(title string) *models.Task {
		t.Helper()
		task, err := svc.CreateTask(ctx, org.ID, project.ID, CreateTaskInput{Title: title})
		require.NoError(t, err)
		return task
	}

	a := mkTask("Design schema")
	b := mkTask("Build API")
	c := mkTask("Write docs")
	require.Equal(t, 0, a.Position)
	require.Equal(t, 1, b.Position)
	require.Equal(t, 2, c.Position)

	// Cross-lane move closes the gap behind the task.
	moved, err := svc.MoveTask(ctx, org.ID, project.ID, b.ID, "in_progress", 0)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusInProgress, moved.Status)
	require.Equal(t, 0, moved.Position)

	todo, err := svc.ListTasks(ctx, org.ID, project.ID, "todo", "")
	require.NoError(t, err)
	require.Len(t, todo, 2)
	require.Equal(t, a.ID, todo[0].ID)
	require.Equal(t, 0, todo[0].Position)
	require.Equal(t, c.ID, todo[1].ID)
	require.Equal(t, 1, todo[1].Position)

	// Reorder inside the same lane.
	moved, err = svc.MoveTask(ctx, org.ID, project.ID, c.ID, "todo", 0)
	require.NoError(t, err)
	require.Equal(t, 0, moved.Position)

	todo, err = svc.ListTasks(ctx, org.ID, project.ID, "todo", "")
	require.NoError(t, err)
	require.Equal(t, c.ID, todo[0].ID)
	require.Equal(t, a.ID, todo[1].ID)

	// Out-of-range slots append at the end of the lane.
	moved, err = svc.MoveTask(ctx, org.ID, project.ID, b.ID, "todo", 99)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusTodo, moved.Status)
	require.Equal(t, 2, moved.Position)

	_, err = svc.MoveTask(ctx, org.ID, project.ID, b.ID, "blocked", 0)
	require.Error(t, err)

	moved, err = svc.MoveTask(ctx, org.ID, project.ID, a.ID, "done", 0)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusDone, moved.Status)

	board, err := svc.ListTasks(ctx, org.ID, project.ID, "", "")
	require.NoError(t, err)
	require.Len(t, board, 3)

	require.NoError(t, svc.DeleteTask(ctx, org.ID, project.ID, c.ID))
	todo, err = svc.ListTasks(ctx, org.ID, project.ID, "todo", "")
	require.NoError(t, err)
	require.Len(t, todo, 1)
	require.Equal(t, b.ID, todo[0].ID)
	require.Equal(t, 0, todo[0].Position)
}

func TestProjectServiceClosedProjectBlocksWork(t *testing.T) {
	db, org := openProjectTestDB(t)
	svc, err := NewProjectService(db, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	user := newProjectTestUser(t, db, org, "worker")

	project, err := svc.Create(ctx, CreateProjectInput{
		OrganizationID: org.ID,
		Code:           "CLOSED-1",
		Name:           "Wind Down",
	})
	require.NoError(t, err)

	task, err := svc.CreateTask(ctx, org.ID, project.ID, CreateTaskInput{Title: "Last task"})
	require.NoError(t, err)

	status := string(models.ProjectStatusDone)
	_, err = svc.Update(ctx, org.ID, project.ID, UpdateProjectInput{Status: &status})
	require.NoError(t, err)

	_, err = svc.CreateTask(ctx, org.ID, project.ID, CreateTaskInput{Title: "Too late"})
	require.ErrorIs(t, err, ErrProjectClosed)

	_, err = svc.LogTime(ctx, org.ID, LogTimeInput{
		TaskID:  task.ID,
		UserID:  user.ID,
		Minutes: 30,
	})
	require.ErrorIs(t, err, ErrProjectClosed)

	// Existing tasks may still be tidied up on the closed board.
	_, err = svc.MoveTask(ctx, org.ID, project.ID, task.ID, "done", 0)
	require.NoError(t, err)
}

func TestProjectServiceTimeTrackingAndBurn(t *testing.T) {
	db, org := openProjectTestDB(t)
	svc, err := NewProjectService(db, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	alice := newProjectTestUser(t, db, org, "alice")
	bob := newProjectTestUser(t, db, org, "bob")

	project, err := svc.Create(ctx, CreateProjectInput{
		OrganizationID: org.ID,
		Code:           "BURN-1",
		Name:           "Burn",
		BudgetCents:    100_000,
	})
	require.NoError(t, err)

	build, err := svc.CreateTask(ctx, org.ID, project.ID, CreateTaskInput{
		Title:           "Build",
		EstimateMinutes: 120,
	})
	require.NoError(t, err)
	review, err := svc.CreateTask(ctx, org.ID, project.ID, CreateTaskInput{
		Title:           "Review",
		EstimateMinutes: 60,
	})
	require.NoError(t, err)

	spent := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	notBillable := false

	_, err = svc.LogTime(ctx, org.ID, LogTimeInput{
		TaskID: build.ID, UserID: alice.ID, Minutes: 60, SpentOn: &spent,
	})
	require.NoError(t, err)
	_, err = svc.LogTime(ctx, org.ID, LogTimeInput{
		TaskID: build.ID, UserID: bob.ID, Minutes: 30, SpentOn: &spent, Billable: &notBillable,
	})
	require.NoError(t, err)
	_, err = svc.LogTime(ctx, org.ID, LogTimeInput{
		TaskID: review.ID, UserID: bob.ID, Minutes: 45,
	})
	require.NoError(t, err)

	_, err = svc.LogTime(ctx, org.ID, LogTimeInput{
		TaskID: build.ID, UserID: alice.ID, Minutes: 0,
	})
	require.Error(t, err)

	own, total, err := svc.ListTimeEntries(ctx, org.ID, TimeEntryListOptions{UserID: bob.ID})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, own, 2)

	all, total, err := svc.ListTimeEntries(ctx, org.ID, TimeEntryListOptions{ProjectID: project.ID})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, all, 3)

	until := spent.Add(time.Hour)
	early, total, err := svc.ListTimeEntries(ctx, org.ID, TimeEntryListOptions{To: &until})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, early, 2)

	_, err = svc.MoveTask(ctx, org.ID, project.ID, build.ID, "done", 0)
	require.NoError(t, err)

	report, err := svc.BurnReport(ctx, org.ID, project.ID)
	require.NoError(t, err)
	require.EqualValues(t, 100_000, report.BudgetCents)
	require.EqualValues(t, 180, report.EstimateMinutes)
	require.EqualValues(t, 135, report.TotalMinutes)
	require.EqualValues(t, 105, report.BillableMinutes)
	require.EqualValues(t, 17_500, report.BilledCents)
	require.EqualValues(t, 82_500, report.RemainingCents)
	require.EqualValues(t, 2, report.TasksTotal)
	require.EqualValues(t, 1, report.TasksDone)

	require.ErrorIs(t, svc.DeleteTask(ctx, org.ID, project.ID, build.ID), ErrTaskHasTimeEntries)
	require.ErrorIs(t, svc.Delete(ctx, org.ID, project.ID), ErrProjectHasTimeEntries)
}

func TestProjectServiceScopesByOrganization(t *testing.T) {
	db, org := openProjectTestDB(t)
	svc, err := NewProjectService(db, nil, nil)
	require.NoError(t, err)

	other := &models.Organization{Name: "Globex", Slug: "globex"}
	require.NoError(t, db.Create(other).Error)

	ctx := context.Background()
	outsider := newProjectTestUser(t, db, other, "outsider")

	project, err := svc.Create(ctx, CreateProjectInput{
		OrganizationID: org.ID,
		Code:           "SCOPED-1",
		Name:           "Scoped",
	})
	require.NoError(t, err)

	// The same code may exist in another tenant.
	_, err = svc.Create(ctx, CreateProjectInput{
		OrganizationID: other.ID,
		Code:           "SCOPED-1",
		Name:           "Scoped Elsewhere",
	})
	require.NoError(t, err)

	_, err = svc.GetByID(ctx, other.ID, project.ID)
	require.ErrorIs(t, err, ErrProjectNotFound)

	_, err = svc.AddMembers(ctx, org.ID, project.ID, []string{outsider.ID})
	require.Error(t, err)

	task, err := svc.CreateTask(ctx, org.ID, project.ID, CreateTaskInput{Title: "Hidden"})
	require.NoError(t, err)

	_, err = svc.GetTask(ctx, other.ID, project.ID, task.ID)
	require.ErrorIs(t, err, ErrProjectNotFound)

	_, err = svc.LogTime(ctx, other.ID, LogTimeInput{
		TaskID:  task.ID,
		UserID:  outsider.ID,
		Minutes: 15,
	})
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func newProjectTestUser(t *testing.T, db *gorm.DB, org *models.Organization, name string) *models.User {
	t.Helper()

	user := &models.User{
		Username:       name + "-" + org.Slug,
		Email:          name + "@" + org.Slug + ".example",
		Password:       "hashed",
		OrganizationID: &org.ID,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func openProjectTestDB(t *testing.T) (*gorm.DB, *models.Organization) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Organization{},
		&models.User{},
		&models.Customer{},
		&models.Project{},
		&models.Task{},
		&models.TimeEntry{},
		&models.AuditLog{},
	))

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})

	org := &models.Organization{Name: "Acme", Slug: "acme"}
	require.NoError(t, db.Create(org).Error)

	return db, org
}
