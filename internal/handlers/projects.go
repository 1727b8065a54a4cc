package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/middleware"
	"github.com/corvalhq/corval/internal/permissions"
	"github.com/corvalhq/corval/internal/services"
	"github.com/corvalhq/corval/pkg/response"
)

// ProjectHandler exposes projects, their task boards, and time tracking.
type ProjectHandler struct {
	svc     *services.ProjectService
	checker *permissions.Checker
}

func NewProjectHandler(svc *services.ProjectService, checker *permissions.Checker) (*ProjectHandler, error) {
	if svc == nil {
		return nil, errors.New("project handler: service is required")
	}
	if checker == nil {
		return nil, errors.New("project handler: permission checker is required")
	}
	return &ProjectHandler{svc: svc, checker: checker}, nil
}

type createProjectRequest struct {
	Code        string     `json:"code" validate:"required,max=32"`
	Name        string     `json:"name" validate:"required,min=2,max=256"`
	Description string     `json:"description" validate:"omitempty,max=4096"`
	CustomerID  string     `json:"customer_id" validate:"omitempty,uuid4"`
	StartDate   *time.Time `json:"start_date"`
	EndDate     *time.Time `json:"end_date"`
	BudgetCents int64      `json:"budget_cents" validate:"min=0"`
	OwnerUserID string     `json:"owner_user_id" validate:"omitempty,uuid4"`
	MemberIDs   []string   `json:"member_ids" validate:"omitempty,dive,uuid4"`
}

type updateProjectRequest struct {
	Name        *string    `json:"name" validate:"omitempty,min=2,max=256"`
	Description *string    `json:"description" validate:"omitempty,max=4096"`
	Status      *string    `json:"status" validate:"omitempty,oneof=planned active on_hold done cancelled"`
	CustomerID  *string    `json:"customer_id"`
	StartDate   *time.Time `json:"start_date"`
	EndDate     *time.Time `json:"end_date"`
	BudgetCents *int64     `json:"budget_cents" validate:"omitempty,min=0"`
	OwnerUserID *string    `json:"owner_user_id"`
}

type projectMembersRequest struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,dive,uuid4"`
}

type createTaskRequest struct {
	Title           string     `json:"title" validate:"required,min=2,max=256"`
	Details         string     `json:"details" validate:"omitempty,max=8192"`
	Priority        string     `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	AssigneeID      string     `json:"assignee_id" validate:"omitempty,uuid4"`
	DueDate         *time.Time `json:"due_date"`
	EstimateMinutes int64      `json:"estimate_minutes" validate:"min=0"`
	Labels          []string   `json:"labels" validate:"omitempty,dive,max=64"`
}

type updateTaskRequest struct {
	Title           *string    `json:"title" validate:"omitempty,min=2,max=256"`
	Details         *string    `json:"details" validate:"omitempty,max=8192"`
	Priority        *string    `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	AssigneeID      *string    `json:"assignee_id"`
	DueDate         *time.Time `json:"due_date"`
	EstimateMinutes *int64     `json:"estimate_minutes" validate:"omitempty,min=0"`
	Labels          []string   `json:"labels" validate:"omitempty,dive,max=64"`
}

type moveTaskRequest struct {
	Status   string `json:"status" validate:"required,oneof=todo in_progress review done"`
	Position int    `json:"position" validate:"min=0"`
}

type logTimeRequest struct {
	TaskID   string     `json:"task_id" validate:"required,uuid4"`
	Minutes  int64      `json:"minutes" validate:"required,min=1"`
	SpentOn  *time.Time `json:"spent_on"`
	Note     string     `json:"note" validate:"omitempty,max=512"`
	Billable *bool      `json:"billable"`
}

// GET /api/projects
func (h *ProjectHandler) List(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	opts := services.ProjectListOptions{
		Page:       parseIntQuery(c, "page", 1),
		PageSize:   parseIntQuery(c, "per_page", 50),
		Status:     strings.TrimSpace(c.Query("status")),
		CustomerID: strings.TrimSpace(c.Query("customer")),
		MemberID:   strings.TrimSpace(c.Query("member")),
		Search:     strings.TrimSpace(c.Query("search")),
	}

	projects, total, err := h.svc.List(requestContext(c), orgID, opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, projects, &response.Meta{
		Page:    opts.Page,
		PerPage: opts.PageSize,
		Total:   int(total),
	})
}

// GET /api/projects/:id
func (h *ProjectHandler) Get(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	project, err := h.svc.GetByID(requestContext(c), orgID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, project)
}

// POST /api/projects
func (h *ProjectHandler) Create(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body createProjectRequest
	if !bindAndValidate(c, &body) {
		return
	}

	project, err := h.svc.Create(requestContext(c), services.CreateProjectInput{
		OrganizationID: orgID,
		Code:           strings.TrimSpace(body.Code),
		Name:           strings.TrimSpace(body.Name),
		Description:    body.Description,
		CustomerID:     strings.TrimSpace(body.CustomerID),
		StartDate:      body.StartDate,
		EndDate:        body.EndDate,
		BudgetCents:    body.BudgetCents,
		OwnerUserID:    strings.TrimSpace(body.OwnerUserID),
		MemberIDs:      body.MemberIDs,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, project)
}

// PATCH /api/projects/:id
func (h *ProjectHandler) Update(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body updateProjectRequest
	if !bindAndValidate(c, &body) {
		return
	}

	project, err := h.svc.Update(requestContext(c), orgID, c.Param("id"), services.UpdateProjectInput{
		Name:        body.Name,
		Description: body.Description,
		Status:      body.Status,
		CustomerID:  body.CustomerID,
		StartDate:   body.StartDate,
		EndDate:     body.EndDate,
		BudgetCents: body.BudgetCents,
		OwnerUserID: body.OwnerUserID,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, project)
}

// DELETE /api/projects/:id
func (h *ProjectHandler) Delete(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(requestContext(c), orgID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// POST /api/projects/:id/members
func (h *ProjectHandler) AddMembers(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body projectMembersRequest
	if !bindAndValidate(c, &body) {
		return
	}

	project, err := h.svc.AddMembers(requestContext(c), orgID, c.Param("id"), body.UserIDs)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, project)
}

// DELETE /api/projects/:id/members/:userID
func (h *ProjectHandler) RemoveMember(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	project, err := h.svc.RemoveMember(requestContext(c), orgID, c.Param("id"), c.Param("userID"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, project)
}

// GET /api/projects/:id/tasks
func (h *ProjectHandler) ListTasks(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	tasks, err := h.svc.ListTasks(
		requestContext(c),
		orgID,
		c.Param("id"),
		strings.TrimSpace(c.Query("status")),
		strings.TrimSpace(c.Query("assignee")),
	)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, tasks)
}

// GET /api/projects/:id/tasks/:taskID
func (h *ProjectHandler) GetTask(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	task, err := h.svc.GetTask(requestContext(c), orgID, c.Param("id"), c.Param("taskID"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, task)
}

// POST /api/projects/:id/tasks
func (h *ProjectHandler) CreateTask(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body createTaskRequest
	if !bindAndValidate(c, &body) {
		return
	}

	task, err := h.svc.CreateTask(requestContext(c), orgID, c.Param("id"), services.CreateTaskInput{
		Title:           strings.TrimSpace(body.Title),
		Details:         body.Details,
		Priority:        body.Priority,
		AssigneeID:      strings.TrimSpace(body.AssigneeID),
		DueDate:         body.DueDate,
		EstimateMinutes: body.EstimateMinutes,
		Labels:          body.Labels,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, task)
}

// PATCH /api/projects/:id/tasks/:taskID
func (h *ProjectHandler) UpdateTask(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body updateTaskRequest
	if !bindAndValidate(c, &body) {
		return
	}

	task, err := h.svc.UpdateTask(requestContext(c), orgID, c.Param("id"), c.Param("taskID"), services.UpdateTaskInput{
		Title:           body.Title,
		Details:         body.Details,
		Priority:        body.Priority,
		AssigneeID:      body.AssigneeID,
		DueDate:         body.DueDate,
		EstimateMinutes: body.EstimateMinutes,
		Labels:          body.Labels,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, task)
}

// POST /api/projects/:id/tasks/:taskID/move changes the board lane and the
// position within it.
func (h *ProjectHandler) MoveTask(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body moveTaskRequest
	if !bindAndValidate(c, &body) {
		return
	}

	task, err := h.svc.MoveTask(requestContext(c), orgID, c.Param("id"), c.Param("taskID"), body.Status, body.Position)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, task)
}

// DELETE /api/projects/:id/tasks/:taskID
func (h *ProjectHandler) DeleteTask(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteTask(requestContext(c), orgID, c.Param("id"), c.Param("taskID")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// POST /api/time-entries logs minutes for the calling user.
func (h *ProjectHandler) LogTime(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body logTimeRequest
	if !bindAndValidate(c, &body) {
		return
	}

	entry, err := h.svc.LogTime(requestContext(c), orgID, services.LogTimeInput{
		TaskID:   body.TaskID,
		UserID:   c.GetString(middleware.CtxUserIDKey),
		Minutes:  body.Minutes,
		SpentOn:  body.SpentOn,
		Note:     body.Note,
		Billable: body.Billable,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, entry)
}

// GET /api/time-entries lists the caller's own entries. Holders of
// project.manage may filter by any user or see the whole organization.
func (h *ProjectHandler) ListTimeEntries(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	ctx := requestContext(c)
	callerID := c.GetString(middleware.CtxUserIDKey)

	opts := services.TimeEntryListOptions{
		Page:      parseIntQuery(c, "page", 1),
		PageSize:  parseIntQuery(c, "per_page", 50),
		ProjectID: strings.TrimSpace(c.Query("project")),
		TaskID:    strings.TrimSpace(c.Query("task")),
		UserID:    strings.TrimSpace(c.Query("user")),
		From:      parseTimeQuery(c, "from"),
		To:        parseTimeQuery(c, "to"),
	}

	if opts.UserID != callerID {
		manager, err := h.checker.Check(ctx, callerID, "project.manage")
		if err != nil {
			response.Error(c, err)
			return
		}
		if !manager {
			opts.UserID = callerID
		}
	}

	entries, total, err := h.svc.ListTimeEntries(ctx, orgID, opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, entries, &response.Meta{
		Page:    opts.Page,
		PerPage: opts.PageSize,
		Total:   int(total),
	})
}

// GET /api/projects/:id/burn compares logged effort against budget and estimates.
func (h *ProjectHandler) BurnReport(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	report, err := h.svc.BurnReport(requestContext(c), orgID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, report)
}
