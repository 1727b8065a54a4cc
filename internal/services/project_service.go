package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/models"
	apperrors "github.com/corvalhq/corval/pkg/errors"
)

// Flat hourly rate applied to billable minutes in the burn report.
// TODO: charge per-member rates once employee compensation carries one.
const defaultHourlyRateCents = 10000

var (
	// ErrProjectNotFound indicates the requested project does not exist in the organization.
	ErrProjectNotFound = apperrors.New("PROJECT_NOT_FOUND", "Project not found", http.StatusNotFound)
	// ErrTaskNotFound indicates the requested task does not exist on the project.
	ErrTaskNotFound = apperrors.New("TASK_NOT_FOUND", "Task not found", http.StatusNotFound)
	// ErrProjectClosed rejects new tasks and time entries on done or cancelled projects.
	ErrProjectClosed = apperrors.New("PROJECT_CLOSED", "Project is closed", http.StatusConflict)
	// ErrProjectHasTimeEntries refuses deleting a project with logged time.
	ErrProjectHasTimeEntries = apperrors.New("PROJECT_HAS_TIME_ENTRIES", "Project has logged time entries", http.StatusConflict)
	// ErrTaskHasTimeEntries refuses deleting a task with logged time.
	ErrTaskHasTimeEntries = apperrors.New("TASK_HAS_TIME_ENTRIES", "Task has logged time entries", http.StatusConflict)
)

// CreateProjectInput captures a new project.
type CreateProjectInput struct {
	OrganizationID string
	Code           string
	Name           string
	Description    string
	CustomerID     string
	StartDate      *time.Time
	EndDate        *time.Time
	BudgetCents    int64
	OwnerUserID    string
	MemberIDs      []string
}

// UpdateProjectInput describes mutable project fields.
type UpdateProjectInput struct {
	Name        *string
	Description *string
	Status      *string
	CustomerID  *string
	StartDate   *time.Time
	EndDate     *time.Time
	BudgetCents *int64
	OwnerUserID *string
}

// ProjectListOptions controls filtering and pagination for project queries.
type ProjectListOptions struct {
	Page       int
	PageSize   int
	Status     string
	CustomerID string
	MemberID   string
	Search     string
}

// CreateTaskInput captures a new board task. New tasks start in the todo lane.
type CreateTaskInput struct {
	Title           string
	Details         string
	Priority        string
	AssigneeID      string
	DueDate         *time.Time
	EstimateMinutes int64
	Labels          []string
}

// UpdateTaskInput describes mutable task fields. Lane changes go through MoveTask.
type UpdateTaskInput struct {
	Title           *string
	Details         *string
	Priority        *string
	AssigneeID      *string
	DueDate         *time.Time
	EstimateMinutes *int64
	Labels          []string
}

// LogTimeInput records minutes spent on a task.
type LogTimeInput struct {
	TaskID   string
	UserID   string
	Minutes  int64
	SpentOn  *time.Time
	Note     string
	Billable *bool
}

// TimeEntryListOptions controls filtering and pagination for time queries.
// Handlers restrict UserID to the caller unless they hold project.manage.
type TimeEntryListOptions struct {
	Page      int
	PageSize  int
	ProjectID string
	TaskID    string
	UserID    string
	From      *time.Time
	To        *time.Time
}

// ProjectBurnReport compares logged effort against the project budget.
type ProjectBurnReport struct {
	ProjectID       string `json:"project_id"`
	BudgetCents     int64  `json:"budget_cents"`
	EstimateMinutes int64  `json:"estimate_minutes"`
	TotalMinutes    int64  `json:"total_minutes"`
	BillableMinutes int64  `json:"billable_minutes"`
	BilledCents     int64  `json:"billed_cents"`
	RemainingCents  int64  `json:"remaining_cents"`
	TasksTotal      int64  `json:"tasks_total"`
	TasksDone       int64  `json:"tasks_done"`
}

// ProjectService manages projects, their task boards and time tracking
// inside a tenant.
type ProjectService struct {
	db           *gorm.DB
	auditService *AuditService
	bus          *events.Bus
}

// NewProjectService constructs a ProjectService instance.
func NewProjectService(db *gorm.DB, auditService *AuditService, bus *events.Bus) (*ProjectService, error) {
	if db == nil {
		return nil, errors.New("project service: db is required")
	}
	return &ProjectService{
		db:           db,
		auditService: auditService,
		bus:          bus,
	}, nil
}

// Create registers a project. The owner is always a member.
func (s *ProjectService) Create(ctx context.Context, input CreateProjectInput) (*models.Project, error) {
	ctx = ensureContext(ctx)

	orgID := strings.TrimSpace(input.OrganizationID)
	if orgID == "" {
		return nil, apperrors.NewBadRequest("organization id is required")
	}
	if strings.TrimSpace(input.Code) == "" {
		return nil, apperrors.NewBadRequest("project code is required")
	}
	if strings.TrimSpace(input.Name) == "" {
		return nil, apperrors.NewBadRequest("project name is required")
	}
	if input.BudgetCents < 0 {
		return nil, apperrors.NewBadRequest("project budget cannot be negative")
	}

	project := &models.Project{
		OrganizationID: orgID,
		Code:           input.Code,
		Name:           strings.TrimSpace(input.Name),
		Description:    strings.TrimSpace(input.Description),
		Status:         models.ProjectStatusPlanned,
		StartDate:      input.StartDate,
		EndDate:        input.EndDate,
		BudgetCents:    input.BudgetCents,
	}

	if customerID := strings.TrimSpace(input.CustomerID); customerID != "" {
		var customer models.Customer
		err := s.db.WithContext(ctx).Select("id").
			Take(&customer, "id = ? AND organization_id = ?", customerID, orgID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCustomerNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("project service: load customer: %w", err)
		}
		project.CustomerID = &customer.ID
	}

	memberIDs := normaliseIDs(input.MemberIDs)
	if owner := strings.TrimSpace(input.OwnerUserID); owner != "" {
		project.OwnerUserID = &owner
		if !containsString(memberIDs, owner) {
			memberIDs = append(memberIDs, owner)
		}
	}

	members, err := s.loadOrganizationUsers(ctx, orgID, memberIDs)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(project).Error; err != nil {
			return err
		}
		if len(members) > 0 {
			if err := tx.Model(project).Association("Members").Append(members); err != nil {
				return fmt.Errorf("add members: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.NewBadRequest("project code already exists in this organization")
		}
		return nil, fmt.Errorf("project service: create project: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &project.OrganizationID,
		Action:         "project.create",
		Resource:       project.ID,
		Result:         "success",
		Metadata:       map[string]any{"code": project.Code, "name": project.Name},
	})
	s.publish(events.ProjectCreated, project, nil)

	return s.GetByID(ctx, orgID, project.ID)
}

// GetByID loads a project with its members, scoped to the organization.
func (s *ProjectService) GetByID(ctx context.Context, organizationID, id string) (*models.Project, error) {
	ctx = ensureContext(ctx)

	var project models.Project
	err := s.db.WithContext(ctx).
		Preload("Members").
		First(&project, "id = ? AND organization_id = ?", id, organizationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("project service: get project: %w", err)
	}
	return &project, nil
}

// List returns projects with filters and pagination.
func (s *ProjectService) List(ctx context.Context, organizationID string, opts ProjectListOptions) ([]models.Project, int64, error) {
	ctx = ensureContext(ctx)

	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, 0, apperrors.NewBadRequest("organization id is required")
	}

	page, perPage := clampPage(opts.Page, opts.PageSize)

	query := s.db.WithContext(ctx).
		Model(&models.Project{}).
		Where("projects.organization_id = ?", organizationID)

	if status := strings.TrimSpace(opts.Status); status != "" {
		query = query.Where("projects.status = ?", status)
	}
	if customerID := strings.TrimSpace(opts.CustomerID); customerID != "" {
		query = query.Where("projects.customer_id = ?", customerID)
	}
	if memberID := strings.TrimSpace(opts.MemberID); memberID != "" {
		query = query.
			Joins("JOIN project_members pm ON pm.project_id = projects.id").
			Where("pm.user_id = ?", memberID)
	}
	if search := strings.TrimSpace(opts.Search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		query = query.Where("LOWER(projects.name) LIKE ? OR LOWER(projects.code) LIKE ?", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("project service: count projects: %w", err)
	}

	var projects []models.Project
	if err := query.
		Order("projects.code ASC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&projects).Error; err != nil {
		return nil, 0, fmt.Errorf("project service: list projects: %w", err)
	}

	return projects, total, nil
}

// Update modifies project fields. A status change to done or cancelled
// closes the board for new tasks and time entries.
func (s *ProjectService) Update(ctx context.Context, organizationID, id string, input UpdateProjectInput) (*models.Project, error) {
	ctx = ensureContext(ctx)

	project, err := s.GetByID(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	previousStatus := project.Status

	if input.Name != nil {
		if name := strings.TrimSpace(*input.Name); name != "" {
			updates["name"] = name
		}
	}
	if input.Description != nil {
		updates["description"] = strings.TrimSpace(*input.Description)
	}
	if input.Status != nil {
		status := models.ProjectStatus(strings.TrimSpace(*input.Status))
		if !status.Valid() {
			return nil, apperrors.NewBadRequest("invalid project status")
		}
		updates["status"] = status
	}
	if input.CustomerID != nil {
		if customerID := strings.TrimSpace(*input.CustomerID); customerID != "" {
			var customer models.Customer
			err := s.db.WithContext(ctx).Select("id").
				Take(&customer, "id = ? AND organization_id = ?", customerID, organizationID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrCustomerNotFound
			}
			if err != nil {
				return nil, fmt.Errorf("project service: load customer: %w", err)
			}
			updates["customer_id"] = customerID
		} else {
			updates["customer_id"] = nil
		}
	}
	if input.StartDate != nil {
		updates["start_date"] = *input.StartDate
	}
	if input.EndDate != nil {
		updates["end_date"] = *input.EndDate
	}
	if input.BudgetCents != nil {
		if *input.BudgetCents < 0 {
			return nil, apperrors.NewBadRequest("project budget cannot be negative")
		}
		updates["budget_cents"] = *input.BudgetCents
	}
	if input.OwnerUserID != nil {
		if owner := strings.TrimSpace(*input.OwnerUserID); owner != "" {
			users, err := s.loadOrganizationUsers(ctx, organizationID, []string{owner})
			if err != nil {
				return nil, err
			}
			updates["owner_user_id"] = owner
			if err := s.db.WithContext(ctx).Model(project).Association("Members").Append(users); err != nil {
				return nil, fmt.Errorf("project service: add owner membership: %w", err)
			}
		} else {
			updates["owner_user_id"] = nil
		}
	}

	if len(updates) == 0 {
		return project, nil
	}

	if err := s.db.WithContext(ctx).Model(project).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("project service: update project: %w", err)
	}

	reloaded, err := s.GetByID(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &reloaded.OrganizationID,
		Action:         "project.update",
		Resource:       reloaded.ID,
		Result:         "success",
		Metadata:       updates,
	})
	if reloaded.Status != previousStatus {
		s.publish(events.ProjectStatusChanged, reloaded, map[string]any{
			"previous_status": string(previousStatus),
		})
	}

	return reloaded, nil
}

// Delete removes a project without logged time, including its tasks and
// memberships.
func (s *ProjectService) Delete(ctx context.Context, organizationID, id string) error {
	ctx = ensureContext(ctx)

	project, err := s.GetByID(ctx, organizationID, id)
	if err != nil {
		return err
	}

	var logged int64
	if err := s.db.WithContext(ctx).
		Model(&models.TimeEntry{}).
		Joins("JOIN tasks ON tasks.id = time_entries.task_id").
		Where("tasks.project_id = ?", project.ID).
		Count(&logged).Error; err != nil {
		return fmt.Errorf("project service: count time entries: %w", err)
	}
	if logged > 0 {
		return ErrProjectHasTimeEntries
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(project).Association("Members").Clear(); err != nil {
			return fmt.Errorf("clear members: %w", err)
		}
		if err := tx.Where("project_id = ?", project.ID).Delete(&models.Task{}).Error; err != nil {
			return fmt.Errorf("delete tasks: %w", err)
		}
		return tx.Delete(project).Error
	})
	if err != nil {
		return fmt.Errorf("project service: delete project: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &project.OrganizationID,
		Action:         "project.delete",
		Resource:       project.ID,
		Result:         "success",
	})

	return nil
}

// AddMembers attaches organization users to the project.
func (s *ProjectService) AddMembers(ctx context.Context, organizationID, projectID string, userIDs []string) (*models.Project, error) {
	ctx = ensureContext(ctx)

	project, err := s.GetByID(ctx, organizationID, projectID)
	if err != nil {
		return nil, err
	}

	users, err := s.loadOrganizationUsers(ctx, organizationID, normaliseIDs(userIDs))
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return project, nil
	}

	if err := s.db.WithContext(ctx).Model(project).Association("Members").Append(users); err != nil {
		return nil, fmt.Errorf("project service: add members: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &project.OrganizationID,
		Action:         "project.members_add",
		Resource:       project.ID,
		Result:         "success",
		Metadata:       map[string]any{"count": len(users)},
	})

	return s.GetByID(ctx, organizationID, projectID)
}

// RemoveMember detaches a user from the project. The owner cannot be
// removed while still owning it.
func (s *ProjectService) RemoveMember(ctx context.Context, organizationID, projectID, userID string) (*models.Project, error) {
	ctx = ensureContext(ctx)

	project, err := s.GetByID(ctx, organizationID, projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerUserID != nil && *project.OwnerUserID == userID {
		return nil, apperrors.NewBadRequest("reassign ownership before removing the owner")
	}

	if err := s.db.WithContext(ctx).Model(project).
		Association("Members").
		Delete(&models.User{ID: userID}); err != nil {
		return nil, fmt.Errorf("project service: remove member: %w", err)
	}

	return s.GetByID(ctx, organizationID, projectID)
}

// CreateTask appends a task to the todo lane of an open project.
func (s *ProjectService) CreateTask(ctx context.Context, organizationID, projectID string, input CreateTaskInput) (*models.Task, error) {
	ctx = ensureContext(ctx)

	project, err := s.GetByID(ctx, organizationID, projectID)
	if err != nil {
		return nil, err
	}
	if project.Closed() {
		return nil, ErrProjectClosed
	}
	if strings.TrimSpace(input.Title) == "" {
		return nil, apperrors.NewBadRequest("task title is required")
	}
	if input.EstimateMinutes < 0 {
		return nil, apperrors.NewBadRequest("task estimate cannot be negative")
	}

	task := &models.Task{
		ProjectID:       project.ID,
		Title:           strings.TrimSpace(input.Title),
		Details:         strings.TrimSpace(input.Details),
		Status:          models.TaskStatusTodo,
		Priority:        models.TaskPriorityMedium,
		DueDate:         input.DueDate,
		EstimateMinutes: input.EstimateMinutes,
	}
	if priority := strings.TrimSpace(input.Priority); priority != "" {
		parsed, err := parseTaskPriority(priority)
		if err != nil {
			return nil, err
		}
		task.Priority = parsed
	}
	if assignee := strings.TrimSpace(input.AssigneeID); assignee != "" {
		if _, err := s.loadOrganizationUsers(ctx, organizationID, []string{assignee}); err != nil {
			return nil, err
		}
		task.AssigneeID = &assignee
	}
	if task.Labels, err = marshalJSON("task labels", normaliseIDs(input.Labels)); err != nil {
		return nil, fmt.Errorf("project service: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockProject(tx, organizationID, project.ID); err != nil {
			return err
		}
		var laneSize int64
		if err := tx.Model(&models.Task{}).
			Where("project_id = ? AND status = ?", project.ID, models.TaskStatusTodo).
			Count(&laneSize).Error; err != nil {
			return fmt.Errorf("project service: count lane: %w", err)
		}
		task.Position = int(laneSize)
		if err := tx.Create(task).Error; err != nil {
			return fmt.Errorf("project service: create task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Name:           events.TaskCreated,
			OrganizationID: organizationID,
			Payload: map[string]any{
				"project_id": project.ID,
				"task_id":    task.ID,
				"title":      task.Title,
			},
		})
	}

	return task, nil
}

// GetTask loads a task scoped to the project and organization.
func (s *ProjectService) GetTask(ctx context.Context, organizationID, projectID, taskID string) (*models.Task, error) {
	ctx = ensureContext(ctx)

	if _, err := s.GetByID(ctx, organizationID, projectID); err != nil {
		return nil, err
	}

	var task models.Task
	err := s.db.WithContext(ctx).
		First(&task, "id = ? AND project_id = ?", taskID, projectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("project service: get task: %w", err)
	}
	return &task, nil
}

// ListTasks returns the project board ordered by lane and position.
func (s *ProjectService) ListTasks(ctx context.Context, organizationID, projectID string, status, assigneeID string) ([]models.Task, error) {
	ctx = ensureContext(ctx)

	if _, err := s.GetByID(ctx, organizationID, projectID); err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).Where("project_id = ?", projectID)
	if status = strings.TrimSpace(status); status != "" {
		query = query.Where("status = ?", status)
	}
	if assigneeID = strings.TrimSpace(assigneeID); assigneeID != "" {
		query = query.Where("assignee_id = ?", assigneeID)
	}

	var tasks []models.Task
	if err := query.Order("status ASC, position ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("project service: list tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTask modifies task fields other than the board lane.
func (s *ProjectService) UpdateTask(ctx context.Context, organizationID, projectID, taskID string, input UpdateTaskInput) (*models.Task, error) {
	ctx = ensureContext(ctx)

	task, err := s.GetTask(ctx, organizationID, projectID, taskID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}

	if input.Title != nil {
		if title := strings.TrimSpace(*input.Title); title != "" {
			updates["title"] = title
		}
	}
	if input.Details != nil {
		updates["details"] = strings.TrimSpace(*input.Details)
	}
	if input.Priority != nil {
		priority, err := parseTaskPriority(strings.TrimSpace(*input.Priority))
		if err != nil {
			return nil, err
		}
		updates["priority"] = priority
	}
	if input.AssigneeID != nil {
		if assignee := strings.TrimSpace(*input.AssigneeID); assignee != "" {
			if _, err := s.loadOrganizationUsers(ctx, organizationID, []string{assignee}); err != nil {
				return nil, err
			}
			updates["assignee_id"] = assignee
		} else {
			updates["assignee_id"] = nil
		}
	}
	if input.DueDate != nil {
		updates["due_date"] = *input.DueDate
	}
	if input.EstimateMinutes != nil {
		if *input.EstimateMinutes < 0 {
			return nil, apperrors.NewBadRequest("task estimate cannot be negative")
		}
		updates["estimate_minutes"] = *input.EstimateMinutes
	}
	if input.Labels != nil {
		labels, err := marshalJSON("task labels", normaliseIDs(input.Labels))
		if err != nil {
			return nil, fmt.Errorf("project service: %w", err)
		}
		updates["labels"] = labels
	}

	if len(updates) == 0 {
		return task, nil
	}

	if err := s.db.WithContext(ctx).Model(task).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("project service: update task: %w", err)
	}

	return s.GetTask(ctx, organizationID, projectID, taskID)
}

// MoveTask changes a task's lane and slot. Positions stay dense inside each
// lane: the old lane closes the gap and the new lane opens one.
func (s *ProjectService) MoveTask(ctx context.Context, organizationID, projectID, taskID string, status string, position int) (*models.Task, error) {
	ctx = ensureContext(ctx)

	target := models.TaskStatus(strings.TrimSpace(status))
	if !target.Valid() {
		return nil, apperrors.NewBadRequest("invalid task status")
	}

	var (
		task    models.Task
		wasDone bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockProject(tx, organizationID, projectID); err != nil {
			return err
		}

		err := tx.First(&task, "id = ? AND project_id = ?", taskID, projectID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("project service: load task: %w", err)
		}

		wasDone = task.Status == models.TaskStatusDone
		oldStatus, oldPosition := task.Status, task.Position

		var laneSize int64
		laneQuery := tx.Model(&models.Task{}).
			Where("project_id = ? AND status = ?", projectID, target)
		if oldStatus == target {
			laneQuery = laneQuery.Where("id <> ?", task.ID)
		}
		if err := laneQuery.Count(&laneSize).Error; err != nil {
			return fmt.Errorf("project service: count lane: %w", err)
		}

		if position < 0 || int64(position) > laneSize {
			position = int(laneSize)
		}

		if oldStatus == target {
			if position == oldPosition {
				return nil
			}
			if position > oldPosition {
				err = tx.Model(&models.Task{}).
					Where("project_id = ? AND status = ? AND position > ? AND position <= ?",
						projectID, target, oldPosition, position).
					Update("position", gorm.Expr("position - 1")).Error
			} else {
				err = tx.Model(&models.Task{}).
					Where("project_id = ? AND status = ? AND position >= ? AND position < ?",
						projectID, target, position, oldPosition).
					Update("position", gorm.Expr("position + 1")).Error
			}
			if err != nil {
				return fmt.Errorf("project service: shift lane: %w", err)
			}
		} else {
			if err := tx.Model(&models.Task{}).
				Where("project_id = ? AND status = ? AND position > ?", projectID, oldStatus, oldPosition).
				Update("position", gorm.Expr("position - 1")).Error; err != nil {
				return fmt.Errorf("project service: close lane gap: %w", err)
			}
			if err := tx.Model(&models.Task{}).
				Where("project_id = ? AND status = ? AND position >= ?", projectID, target, position).
				Update("position", gorm.Expr("position + 1")).Error; err != nil {
				return fmt.Errorf("project service: open lane gap: %w", err)
			}
		}

		if err := tx.Model(&task).Updates(map[string]any{
			"status":   target,
			"position": position,
		}).Error; err != nil {
			return fmt.Errorf("project service: move task: %w", err)
		}
		task.Status = target
		task.Position = position
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !wasDone && target == models.TaskStatusDone && s.bus != nil {
		s.bus.Publish(events.Event{
			Name:           events.TaskCompleted,
			OrganizationID: organizationID,
			Payload: map[string]any{
				"project_id": projectID,
				"task_id":    task.ID,
				"title":      task.Title,
			},
		})
	}

	return &task, nil
}

// DeleteTask removes a task without logged time and closes its lane gap.
func (s *ProjectService) DeleteTask(ctx context.Context, organizationID, projectID, taskID string) error {
	ctx = ensureContext(ctx)

	task, err := s.GetTask(ctx, organizationID, projectID, taskID)
	if err != nil {
		return err
	}

	var logged int64
	if err := s.db.WithContext(ctx).
		Model(&models.TimeEntry{}).
		Where("task_id = ?", task.ID).
		Count(&logged).Error; err != nil {
		return fmt.Errorf("project service: count time entries: %w", err)
	}
	if logged > 0 {
		return ErrTaskHasTimeEntries
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(task).Error; err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return tx.Model(&models.Task{}).
			Where("project_id = ? AND status = ? AND position > ?", projectID, task.Status, task.Position).
			Update("position", gorm.Expr("position - 1")).Error
	})
	if err != nil {
		return fmt.Errorf("project service: delete task: %w", err)
	}

	return nil
}

// LogTime records minutes against a task on an open project.
func (s *ProjectService) LogTime(ctx context.Context, organizationID string, input LogTimeInput) (*models.TimeEntry, error) {
	ctx = ensureContext(ctx)

	if input.Minutes <= 0 {
		return nil, apperrors.NewBadRequest("minutes must be positive")
	}
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, apperrors.NewBadRequest("user id is required")
	}

	project, task, err := s.loadTaskWithProject(ctx, organizationID, input.TaskID)
	if err != nil {
		return nil, err
	}
	if project.Closed() {
		return nil, ErrProjectClosed
	}

	entry := &models.TimeEntry{
		OrganizationID: organizationID,
		TaskID:         task.ID,
		UserID:         userID,
		Minutes:        input.Minutes,
		Note:           strings.TrimSpace(input.Note),
		Billable:       true,
	}
	if input.SpentOn != nil {
		entry.SpentOn = input.SpentOn.UTC()
	} else {
		entry.SpentOn = time.Now().UTC().Truncate(24 * time.Hour)
	}
	if input.Billable != nil {
		entry.Billable = *input.Billable
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("project service: log time: %w", err)
	}

	return entry, nil
}

// ListTimeEntries returns logged time with filters and pagination. Callers
// without project.manage must be restricted to their own entries via UserID.
func (s *ProjectService) ListTimeEntries(ctx context.Context, organizationID string, opts TimeEntryListOptions) ([]models.TimeEntry, int64, error) {
	ctx = ensureContext(ctx)

	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, 0, apperrors.NewBadRequest("organization id is required")
	}

	page, perPage := clampPage(opts.Page, opts.PageSize)

	query := s.db.WithContext(ctx).
		Model(&models.TimeEntry{}).
		Where("time_entries.organization_id = ?", organizationID)

	if projectID := strings.TrimSpace(opts.ProjectID); projectID != "" {
		query = query.
			Select("time_entries.*").
			Joins("JOIN tasks ON tasks.id = time_entries.task_id").
			Where("tasks.project_id = ?", projectID)
	}
	if taskID := strings.TrimSpace(opts.TaskID); taskID != "" {
		query = query.Where("time_entries.task_id = ?", taskID)
	}
	if userID := strings.TrimSpace(opts.UserID); userID != "" {
		query = query.Where("time_entries.user_id = ?", userID)
	}
	if opts.From != nil {
		query = query.Where("time_entries.spent_on >= ?", opts.From.UTC())
	}
	if opts.To != nil {
		query = query.Where("time_entries.spent_on <= ?", opts.To.UTC())
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("project service: count time entries: %w", err)
	}

	var entries []models.TimeEntry
	if err := query.
		Order("time_entries.spent_on DESC, time_entries.created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("project service: list time entries: %w", err)
	}

	return entries, total, nil
}

// BurnReport sums logged effort against the project budget at the flat
// hourly rate.
func (s *ProjectService) BurnReport(ctx context.Context, organizationID, projectID string) (*ProjectBurnReport, error) {
	ctx = ensureContext(ctx)

	project, err := s.GetByID(ctx, organizationID, projectID)
	if err != nil {
		return nil, err
	}

	report := &ProjectBurnReport{
		ProjectID:   project.ID,
		BudgetCents: project.BudgetCents,
	}

	type taskTotals struct {
		Estimate int64
		Total    int64
		Done     int64
	}
	var tasks taskTotals
	err = s.db.WithContext(ctx).
		Model(&models.Task{}).
		Select("COALESCE(SUM(estimate_minutes), 0) AS estimate, COUNT(*) AS total, COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS done", models.TaskStatusDone).
		Where("project_id = ?", project.ID).
		Scan(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("project service: task totals: %w", err)
	}
	report.EstimateMinutes = tasks.Estimate
	report.TasksTotal = tasks.Total
	report.TasksDone = tasks.Done

	type timeTotals struct {
		Total    int64
		Billable int64
	}
	var logged timeTotals
	err = s.db.WithContext(ctx).
		Model(&models.TimeEntry{}).
		Select("COALESCE(SUM(time_entries.minutes), 0) AS total, COALESCE(SUM(CASE WHEN time_entries.billable THEN time_entries.minutes ELSE 0 END), 0) AS billable").
		Joins("JOIN tasks ON tasks.id = time_entries.task_id").
		Where("tasks.project_id = ?", project.ID).
		Scan(&logged).Error
	if err != nil {
		return nil, fmt.Errorf("project service: time totals: %w", err)
	}
	report.TotalMinutes = logged.Total
	report.BillableMinutes = logged.Billable
	report.BilledCents = logged.Billable * defaultHourlyRateCents / 60
	report.RemainingCents = report.BudgetCents - report.BilledCents

	return report, nil
}

func (s *ProjectService) publish(name string, project *models.Project, extra map[string]any) {
	if s.bus == nil || project == nil {
		return
	}
	payload := map[string]any{
		"project_id": project.ID,
		"code":       project.Code,
		"name":       project.Name,
		"status":     string(project.Status),
	}
	for key, value := range extra {
		payload[key] = value
	}
	s.bus.Publish(events.Event{
		Name:           name,
		OrganizationID: project.OrganizationID,
		Payload:        payload,
	})
}

// loadOrganizationUsers resolves ids to users and rejects any outside the
// tenant.
func (s *ProjectService) loadOrganizationUsers(ctx context.Context, organizationID string, ids []string) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var users []models.User
	if err := s.db.WithContext(ctx).
		Where("id IN ? AND organization_id = ?", ids, organizationID).
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("project service: load users: %w", err)
	}
	if len(users) != len(ids) {
		return nil, apperrors.NewBadRequest("one or more users do not belong to this organization")
	}
	return users, nil
}

func (s *ProjectService) loadTaskWithProject(ctx context.Context, organizationID, taskID string) (*models.Project, *models.Task, error) {
	var task models.Task
	err := s.db.WithContext(ctx).
		First(&task, "id = ?", strings.TrimSpace(taskID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("project service: load task: %w", err)
	}

	var project models.Project
	err = s.db.WithContext(ctx).
		First(&project, "id = ? AND organization_id = ?", task.ProjectID, organizationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("project service: load project: %w", err)
	}

	return &project, &task, nil
}

func lockProject(tx *gorm.DB, organizationID, projectID string) (*models.Project, error) {
	var project models.Project
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&project, "id = ? AND organization_id = ?", projectID, organizationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("project service: load project: %w", err)
	}
	return &project, nil
}

func parseTaskPriority(value string) (models.TaskPriority, error) {
	switch priority := models.TaskPriority(value); priority {
	case models.TaskPriorityLow, models.TaskPriorityMedium, models.TaskPriorityHigh, models.TaskPriorityUrgent:
		return priority, nil
	default:
		return "", apperrors.NewBadRequest("invalid task priority")
	}
}
