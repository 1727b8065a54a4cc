package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/corvalhq/corval/internal/services"
	"github.com/corvalhq/corval/pkg/response"
)

// EmployeeHandler exposes the HR directory endpoints.
type EmployeeHandler struct {
	svc *services.EmployeeService
}

func NewEmployeeHandler(svc *services.EmployeeService) (*EmployeeHandler, error) {
	if svc == nil {
		return nil, errors.New("employee handler: service is required")
	}
	return &EmployeeHandler{svc: svc}, nil
}

type createEmployeeRequest struct {
	EmployeeNo     string         `json:"employee_no" validate:"omitempty,max=32"`
	FirstName      string         `json:"first_name" validate:"required,max=128"`
	LastName       string         `json:"last_name" validate:"required,max=128"`
	Email          string         `json:"email" validate:"required,email"`
	Phone          string         `json:"phone" validate:"omitempty,max=32"`
	DepartmentID   string         `json:"department_id" validate:"omitempty,uuid4"`
	Title          string         `json:"title" validate:"omitempty,max=128"`
	Location       string         `json:"location" validate:"omitempty,max=128"`
	EmploymentType string         `json:"employment_type" validate:"omitempty,oneof=full_time part_time contractor intern"`
	SalaryCents    int64          `json:"salary_cents" validate:"min=0"`
	Currency       string         `json:"currency" validate:"omitempty,len=3"`
	HiredAt        *time.Time     `json:"hired_at"`
	UserID         string         `json:"user_id" validate:"omitempty,uuid4"`
	Profile        map[string]any `json:"profile"`
}

type updateEmployeeRequest struct {
	FirstName      *string        `json:"first_name" validate:"omitempty,max=128"`
	LastName       *string        `json:"last_name" validate:"omitempty,max=128"`
	Email          *string        `json:"email" validate:"omitempty,email"`
	Phone          *string        `json:"phone" validate:"omitempty,max=32"`
	Title          *string        `json:"title" validate:"omitempty,max=128"`
	Location       *string        `json:"location" validate:"omitempty,max=128"`
	EmploymentType *string        `json:"employment_type" validate:"omitempty,oneof=full_time part_time contractor intern"`
	SalaryCents    *int64         `json:"salary_cents" validate:"omitempty,min=0"`
	Currency       *string        `json:"currency" validate:"omitempty,len=3"`
	Status         *string        `json:"status" validate:"omitempty,oneof=active on_leave terminated"`
	UserID         *string        `json:"user_id"`
	Profile        map[string]any `json:"profile"`
}

type terminateEmployeeRequest struct {
	At *time.Time `json:"at"`
}

type directorySyncRequest struct {
	Records []directoryRecord `json:"records" validate:"required,min=1,dive"`
}

type directoryRecord struct {
	EmployeeNo string `json:"employee_no" validate:"omitempty,max=32"`
	FirstName  string `json:"first_name" validate:"required,max=128"`
	LastName   string `json:"last_name" validate:"required,max=128"`
	Email      string `json:"email" validate:"required,email"`
	Phone      string `json:"phone" validate:"omitempty,max=32"`
	Title      string `json:"title" validate:"omitempty,max=128"`
	Location   string `json:"location" validate:"omitempty,max=128"`
}

// GET /api/employees
func (h *EmployeeHandler) List(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	opts := services.EmployeeListOptions{
		Page:         parseIntQuery(c, "page", 1),
		PageSize:     parseIntQuery(c, "per_page", 50),
		Status:       strings.TrimSpace(c.Query("status")),
		DepartmentID: strings.TrimSpace(c.Query("department_id")),
		Search:       strings.TrimSpace(c.Query("search")),
	}

	employees, total, err := h.svc.List(requestContext(c), orgID, opts)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, employees, &response.Meta{
		Page:    opts.Page,
		PerPage: opts.PageSize,
		Total:   int(total),
	})
}

// GET /api/employees/:id
func (h *EmployeeHandler) Get(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}
	employee, err := h.svc.GetByID(requestContext(c), orgID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, employee)
}

// POST /api/employees
func (h *EmployeeHandler) Create(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body createEmployeeRequest
	if !bindAndValidate(c, &body) {
		return
	}

	employee, err := h.svc.Create(requestContext(c), services.CreateEmployeeInput{
		OrganizationID: orgID,
		EmployeeNo:     strings.TrimSpace(body.EmployeeNo),
		FirstName:      strings.TrimSpace(body.FirstName),
		LastName:       strings.TrimSpace(body.LastName),
		Email:          strings.ToLower(strings.TrimSpace(body.Email)),
		Phone:          strings.TrimSpace(body.Phone),
		DepartmentID:   strings.TrimSpace(body.DepartmentID),
		Title:          strings.TrimSpace(body.Title),
		Location:       strings.TrimSpace(body.Location),
		EmploymentType: body.EmploymentType,
		SalaryCents:    body.SalaryCents,
		Currency:       strings.ToUpper(strings.TrimSpace(body.Currency)),
		HiredAt:        body.HiredAt,
		UserID:         strings.TrimSpace(body.UserID),
		Profile:        body.Profile,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, employee)
}

// PATCH /api/employees/:id
func (h *EmployeeHandler) Update(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body updateEmployeeRequest
	if !bindAndValidate(c, &body) {
		return
	}

	employee, err := h.svc.Update(requestContext(c), orgID, c.Param("id"), services.UpdateEmployeeInput{
		FirstName:      body.FirstName,
		LastName:       body.LastName,
		Email:          body.Email,
		Phone:          body.Phone,
		Title:          body.Title,
		Location:       body.Location,
		EmploymentType: body.EmploymentType,
		SalaryCents:    body.SalaryCents,
		Currency:       body.Currency,
		Status:         body.Status,
		UserID:         body.UserID,
		Profile:        body.Profile,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, employee)
}

// POST /api/employees/:id/transfer
func (h *EmployeeHandler) Transfer(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body struct {
		DepartmentID string `json:"department_id" validate:"required,uuid4"`
	}
	if !bindAndValidate(c, &body) {
		return
	}

	employee, err := h.svc.Transfer(requestContext(c), orgID, c.Param("id"), body.DepartmentID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, employee)
}

// POST /api/employees/:id/terminate
func (h *EmployeeHandler) Terminate(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body terminateEmployeeRequest
	if c.Request != nil && c.Request.ContentLength > 0 {
		if !bindAndValidate(c, &body) {
			return
		}
	}

	if err := h.svc.Terminate(requestContext(c), orgID, c.Param("id"), body.At); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"terminated": true})
}

// DELETE /api/employees/:id
func (h *EmployeeHandler) Delete(c *gin.Context) {
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

// POST /api/employees/sync imports a directory export: existing employees are
// matched by employee number or email and updated, unknown ones are created.
func (h *EmployeeHandler) SyncDirectory(c *gin.Context) {
	orgID, ok := organizationScope(c)
	if !ok {
		return
	}

	var body directorySyncRequest
	if !bindAndValidate(c, &body) {
		return
	}

	records := make([]services.DirectoryEmployee, 0, len(body.Records))
	for _, record := range body.Records {
		records = append(records, services.DirectoryEmployee{
			EmployeeNo: strings.TrimSpace(record.EmployeeNo),
			FirstName:  strings.TrimSpace(record.FirstName),
			LastName:   strings.TrimSpace(record.LastName),
			Email:      strings.ToLower(strings.TrimSpace(record.Email)),
			Phone:      strings.TrimSpace(record.Phone),
			Title:      strings.TrimSpace(record.Title),
			Location:   strings.TrimSpace(record.Location),
		})
	}

	summary, err := h.svc.SyncDirectoryRecords(requestContext(c), orgID, records)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, summary)
}
