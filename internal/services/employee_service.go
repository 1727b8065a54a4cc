package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"

	iauth "github.com/corvalhq/corval/internal/auth"
	"github.com/corvalhq/corval/internal/auth/providers"
	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/models"
	apperrors "github.com/corvalhq/corval/pkg/errors"
)

var (
	// ErrEmployeeNotFound indicates the requested employee does not exist in the organization.
	ErrEmployeeNotFound = apperrors.New("EMPLOYEE_NOT_FOUND", "Employee not found", http.StatusNotFound)
	// ErrEmployeeHasTimeEntries refuses hard deletion while tracked work references the employee.
	ErrEmployeeHasTimeEntries = apperrors.New("EMPLOYEE_HAS_TIME_ENTRIES", "Employee has recorded time entries", http.StatusConflict)
)

// DirectoryLister enumerates identities from an external employee directory.
type DirectoryLister interface {
	ListIdentities(ctx context.Context) ([]*providers.Identity, error)
}

// CreateEmployeeInput captures a new HR record.
type CreateEmployeeInput struct {
	OrganizationID string
	EmployeeNo     string
	FirstName      string
	LastName       string
	Email          string
	Phone          string
	DepartmentID   string
	Title          string
	Location       string
	EmploymentType string
	SalaryCents    int64
	Currency       string
	HiredAt        *time.Time
	UserID         string
	Profile        map[string]any
}

// UpdateEmployeeInput describes mutable employee fields. Termination is a
// separate operation because it also revokes the linked account's sessions.
type UpdateEmployeeInput struct {
	FirstName      *string
	LastName       *string
	Email          *string
	Phone          *string
	Title          *string
	Location       *string
	EmploymentType *string
	SalaryCents    *int64
	Currency       *string
	Status         *string
	UserID         *string
	Profile        map[string]any
}

// EmployeeListOptions controls filtering and pagination for employee queries.
type EmployeeListOptions struct {
	Page         int
	PageSize     int
	Status       string
	DepartmentID string
	Search       string
}

// DirectoryEmployee is one attribute-mapped record from an external directory.
type DirectoryEmployee struct {
	EmployeeNo string
	FirstName  string
	LastName   string
	Email      string
	Phone      string
	Title      string
	Location   string
}

// EmployeeDirectorySummary reports the outcome of a directory sync run.
type EmployeeDirectorySummary struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// EmployeeService manages HR records inside a tenant.
type EmployeeService struct {
	db           *gorm.DB
	auditService *AuditService
	sessions     *iauth.SessionService
	bus          *events.Bus
}

// NewEmployeeService constructs an EmployeeService instance. The session
// service is optional; without it terminations skip session revocation.
func NewEmployeeService(db *gorm.DB, auditService *AuditService, sessions *iauth.SessionService, bus *events.Bus) (*EmployeeService, error) {
	if db == nil {
		return nil, errors.New("employee service: db is required")
	}
	return &EmployeeService{
		db:           db,
		auditService: auditService,
		sessions:     sessions,
		bus:          bus,
	}, nil
}

// Create registers a new employee. Creating with the employee number of a
// terminated record reactivates it instead of inserting a duplicate.
func (s *EmployeeService) Create(ctx context.Context, input CreateEmployeeInput) (*models.Employee, error) {
	ctx = ensureContext(ctx)

	orgID := strings.TrimSpace(input.OrganizationID)
	if orgID == "" {
		return nil, apperrors.NewBadRequest("organization id is required")
	}
	employeeNo := strings.TrimSpace(input.EmployeeNo)
	if employeeNo == "" {
		return nil, apperrors.NewBadRequest("employee number is required")
	}
	if strings.TrimSpace(input.FirstName) == "" || strings.TrimSpace(input.LastName) == "" {
		return nil, apperrors.NewBadRequest("employee name is required")
	}

	var existing models.Employee
	err := s.db.WithContext(ctx).Unscoped().
		Take(&existing, "organization_id = ? AND employee_no = ?", orgID, employeeNo).Error
	switch {
	case err == nil:
		if existing.Status != models.EmployeeStatusTerminated && !existing.DeletedAt.Valid {
			return nil, apperrors.NewBadRequest("employee number already exists in this organization")
		}
		return s.rehire(ctx, &existing, input)
	case errors.Is(err, gorm.ErrRecordNotFound):
		// fresh hire
	default:
		return nil, fmt.Errorf("employee service: check employee number: %w", err)
	}

	employee := &models.Employee{
		OrganizationID: orgID,
		EmployeeNo:     employeeNo,
		FirstName:      strings.TrimSpace(input.FirstName),
		LastName:       strings.TrimSpace(input.LastName),
		Email:          strings.ToLower(strings.TrimSpace(input.Email)),
		Phone:          strings.TrimSpace(input.Phone),
		Title:          strings.TrimSpace(input.Title),
		Location:       strings.TrimSpace(input.Location),
		SalaryCents:    input.SalaryCents,
		HiredAt:        input.HiredAt,
		Status:         models.EmployeeStatusActive,
	}
	if employee.SalaryCents < 0 {
		return nil, apperrors.NewBadRequest("salary cannot be negative")
	}
	if employmentType := strings.TrimSpace(input.EmploymentType); employmentType != "" {
		employee.EmploymentType = models.EmploymentType(employmentType)
	}
	if currency := strings.ToUpper(strings.TrimSpace(input.Currency)); currency != "" {
		employee.Currency = currency
	}
	if departmentID := strings.TrimSpace(input.DepartmentID); departmentID != "" {
		if err := s.checkDepartment(ctx, orgID, departmentID); err != nil {
			return nil, err
		}
		employee.DepartmentID = &departmentID
	}
	if userID := strings.TrimSpace(input.UserID); userID != "" {
		employee.UserID = &userID
	}

	if employee.Profile, err = marshalJSON("employee profile", input.Profile); err != nil {
		return nil, fmt.Errorf("employee service: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(employee).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.NewBadRequest("employee number already exists in this organization")
		}
		return nil, fmt.Errorf("employee service: create employee: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &employee.OrganizationID,
		Action:         "employee.create",
		Resource:       employee.ID,
		Result:         "success",
		Metadata: map[string]any{
			"employee_no": employee.EmployeeNo,
			"name":        employee.FullName(),
		},
	})
	s.publish(events.EmployeeCreated, employee)

	return employee, nil
}

func (s *EmployeeService) rehire(ctx context.Context, existing *models.Employee, input CreateEmployeeInput) (*models.Employee, error) {
	updates := map[string]any{
		"status":        models.EmployeeStatusActive,
		"terminated_at": nil,
		"deleted_at":    nil,
		"first_name":    strings.TrimSpace(input.FirstName),
		"last_name":     strings.TrimSpace(input.LastName),
	}
	if email := strings.ToLower(strings.TrimSpace(input.Email)); email != "" {
		updates["email"] = email
	}
	if title := strings.TrimSpace(input.Title); title != "" {
		updates["title"] = title
	}
	if input.HiredAt != nil {
		updates["hired_at"] = *input.HiredAt
	}
	if departmentID := strings.TrimSpace(input.DepartmentID); departmentID != "" {
		if err := s.checkDepartment(ctx, existing.OrganizationID, departmentID); err != nil {
			return nil, err
		}
		updates["department_id"] = departmentID
	}

	if err := s.db.WithContext(ctx).Unscoped().
		Model(existing).
		Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("employee service: rehire employee: %w", err)
	}

	reloaded, err := s.GetByID(ctx, existing.OrganizationID, existing.ID)
	if err != nil {
		return nil, err
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &reloaded.OrganizationID,
		Action:         "employee.rehire",
		Resource:       reloaded.ID,
		Result:         "success",
		Metadata:       map[string]any{"employee_no": reloaded.EmployeeNo},
	})

	return reloaded, nil
}

// GetByID loads an employee with its department, scoped to the organization.
func (s *EmployeeService) GetByID(ctx context.Context, organizationID, id string) (*models.Employee, error) {
	ctx = ensureContext(ctx)

	var employee models.Employee
	err := s.db.WithContext(ctx).
		Preload("Department").
		First(&employee, "id = ? AND organization_id = ?", id, organizationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEmployeeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("employee service: get employee: %w", err)
	}
	return &employee, nil
}

// List returns employees of an organization with filters and pagination.
func (s *EmployeeService) List(ctx context.Context, organizationID string, opts EmployeeListOptions) ([]models.Employee, int64, error) {
	ctx = ensureContext(ctx)

	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, 0, apperrors.NewBadRequest("organization id is required")
	}

	page, perPage := clampPage(opts.Page, opts.PageSize)

	query := s.db.WithContext(ctx).
		Model(&models.Employee{}).
		Where("organization_id = ?", organizationID)

	if status := strings.TrimSpace(opts.Status); status != "" {
		query = query.Where("status = ?", status)
	}
	if departmentID := strings.TrimSpace(opts.DepartmentID); departmentID != "" {
		query = query.Where("department_id = ?", departmentID)
	}
	if search := strings.TrimSpace(opts.Search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		query = query.Where(
			"LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ? OR LOWER(email) LIKE ? OR LOWER(employee_no) LIKE ?",
			like, like, like, like,
		)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("employee service: count employees: %w", err)
	}

	var employees []models.Employee
	if err := query.
		Order("last_name ASC, first_name ASC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&employees).Error; err != nil {
		return nil, 0, fmt.Errorf("employee service: list employees: %w", err)
	}

	return employees, total, nil
}

// Update modifies employee fields. Setting the terminated status here is
// rejected so terminations always go through Terminate.
func (s *EmployeeService) Update(ctx context.Context, organizationID, id string, input UpdateEmployeeInput) (*models.Employee, error) {
	ctx = ensureContext(ctx)

	employee, err := s.GetByID(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}

	if input.FirstName != nil {
		if name := strings.TrimSpace(*input.FirstName); name != "" {
			updates["first_name"] = name
		}
	}
	if input.LastName != nil {
		if name := strings.TrimSpace(*input.LastName); name != "" {
			updates["last_name"] = name
		}
	}
	if input.Email != nil {
		updates["email"] = strings.ToLower(strings.TrimSpace(*input.Email))
	}
	if input.Phone != nil {
		updates["phone"] = strings.TrimSpace(*input.Phone)
	}
	if input.Title != nil {
		updates["title"] = strings.TrimSpace(*input.Title)
	}
	if input.Location != nil {
		updates["location"] = strings.TrimSpace(*input.Location)
	}
	if input.EmploymentType != nil {
		if employmentType := strings.TrimSpace(*input.EmploymentType); employmentType != "" {
			updates["employment_type"] = employmentType
		}
	}
	if input.SalaryCents != nil {
		if *input.SalaryCents < 0 {
			return nil, apperrors.NewBadRequest("salary cannot be negative")
		}
		updates["salary_cents"] = *input.SalaryCents
	}
	if input.Currency != nil {
		if currency := strings.ToUpper(strings.TrimSpace(*input.Currency)); currency != "" {
			updates["currency"] = currency
		}
	}
	if input.Status != nil {
		status := models.EmployeeStatus(strings.TrimSpace(*input.Status))
		if !status.Valid() {
			return nil, apperrors.NewBadRequest("invalid employee status")
		}
		if status == models.EmployeeStatusTerminated {
			return nil, apperrors.NewBadRequest("terminations must use the terminate operation")
		}
		updates["status"] = status
		if employee.Status == models.EmployeeStatusTerminated {
			updates["terminated_at"] = nil
		}
	}
	if input.UserID != nil {
		if userID := strings.TrimSpace(*input.UserID); userID != "" {
			updates["user_id"] = userID
		} else {
			updates["user_id"] = nil
		}
	}
	if input.Profile != nil {
		profile, err := marshalJSON("employee profile", input.Profile)
		if err != nil {
			return nil, fmt.Errorf("employee service: %w", err)
		}
		updates["profile"] = profile
	}

	if len(updates) == 0 {
		return employee, nil
	}

	if err := s.db.WithContext(ctx).Model(employee).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("employee service: update employee: %w", err)
	}

	reloaded, err := s.GetByID(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &reloaded.OrganizationID,
		Action:         "employee.update",
		Resource:       reloaded.ID,
		Result:         "success",
		Metadata:       updates,
	})

	return reloaded, nil
}

// Transfer moves an employee to another department of the same organization.
// An empty department ID clears the assignment.
func (s *EmployeeService) Transfer(ctx context.Context, organizationID, id, departmentID string) (*models.Employee, error) {
	ctx = ensureContext(ctx)

	employee, err := s.GetByID(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	var from string
	if employee.DepartmentID != nil {
		from = *employee.DepartmentID
	}

	departmentID = strings.TrimSpace(departmentID)
	var value any
	if departmentID != "" {
		if err := s.checkDepartment(ctx, organizationID, departmentID); err != nil {
			return nil, err
		}
		value = departmentID
	}

	if err := s.db.WithContext(ctx).
		Model(employee).
		Update("department_id", value).Error; err != nil {
		return nil, fmt.Errorf("employee service: transfer employee: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &employee.OrganizationID,
		Action:         "employee.transfer",
		Resource:       employee.ID,
		Result:         "success",
		Metadata: map[string]any{
			"from_department": from,
			"to_department":   departmentID,
		},
	})

	return s.GetByID(ctx, organizationID, id)
}

// Terminate ends employment, stamps the termination time and revokes the
// linked account's sessions. Terminating twice is a no-op.
func (s *EmployeeService) Terminate(ctx context.Context, organizationID, id string, at *time.Time) error {
	ctx = ensureContext(ctx)

	employee, err := s.GetByID(ctx, organizationID, id)
	if err != nil {
		return err
	}
	if employee.Status == models.EmployeeStatusTerminated {
		return nil
	}

	when := time.Now().UTC()
	if at != nil {
		when = at.UTC()
	}

	if err := s.db.WithContext(ctx).Model(employee).Updates(map[string]any{
		"status":        models.EmployeeStatusTerminated,
		"terminated_at": when,
	}).Error; err != nil {
		return fmt.Errorf("employee service: terminate employee: %w", err)
	}
	employee.Status = models.EmployeeStatusTerminated
	employee.TerminatedAt = &when

	if employee.UserID != nil && s.sessions != nil {
		if err := s.sessions.RevokeUserSessions(*employee.UserID); err != nil {
			return fmt.Errorf("employee service: revoke sessions: %w", err)
		}
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &employee.OrganizationID,
		Action:         "employee.terminate",
		Resource:       employee.ID,
		Result:         "success",
		Metadata:       map[string]any{"terminated_at": when},
	})
	s.publish(events.EmployeeTerminated, employee)

	return nil
}

// Delete soft-deletes an employee record. Deletion is refused while time
// entries reference the linked user account.
func (s *EmployeeService) Delete(ctx context.Context, organizationID, id string) error {
	ctx = ensureContext(ctx)

	employee, err := s.GetByID(ctx, organizationID, id)
	if err != nil {
		return err
	}

	if employee.UserID != nil {
		var entries int64
		if err := s.db.WithContext(ctx).
			Model(&models.TimeEntry{}).
			Where("user_id = ?", *employee.UserID).
			Count(&entries).Error; err != nil {
			return fmt.Errorf("employee service: count time entries: %w", err)
		}
		if entries > 0 {
			return ErrEmployeeHasTimeEntries
		}
	}

	if err := s.db.WithContext(ctx).Delete(employee).Error; err != nil {
		return fmt.Errorf("employee service: delete employee: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &employee.OrganizationID,
		Action:         "employee.delete",
		Resource:       employee.ID,
		Result:         "success",
	})

	return nil
}

// SyncFromDirectory lists identities from the directory and upserts employee
// records by employee number. The mapping names the directory attributes to
// read; "employee_no" falls back to employeeNumber.
func (s *EmployeeService) SyncFromDirectory(ctx context.Context, organizationID string, directory DirectoryLister, mapping map[string]string) (EmployeeDirectorySummary, error) {
	ctx = ensureContext(ctx)

	if directory == nil {
		return EmployeeDirectorySummary{}, errors.New("employee service: directory is required")
	}

	identities, err := directory.ListIdentities(ctx)
	if err != nil {
		return EmployeeDirectorySummary{}, fmt.Errorf("employee service: list directory: %w", err)
	}

	records := make([]DirectoryEmployee, 0, len(identities))
	for _, identity := range identities {
		if identity == nil {
			continue
		}
		records = append(records, DirectoryEmployee{
			EmployeeNo: claimString(identity.RawClaims, mappedAttribute(mapping, "employee_no", "employeeNumber")),
			FirstName:  identity.FirstName,
			LastName:   identity.LastName,
			Email:      identity.Email,
			Phone:      claimString(identity.RawClaims, mappedAttribute(mapping, "phone", "telephoneNumber")),
			Title:      claimString(identity.RawClaims, mappedAttribute(mapping, "title", "title")),
			Location:   claimString(identity.RawClaims, mappedAttribute(mapping, "location", "l")),
		})
	}

	return s.SyncDirectoryRecords(ctx, organizationID, records)
}

// SyncDirectoryRecords upserts the supplied records by employee number.
// Records without a number are skipped, as are terminated employees, whose
// fields stay frozen until an explicit rehire.
func (s *EmployeeService) SyncDirectoryRecords(ctx context.Context, organizationID string, records []DirectoryEmployee) (EmployeeDirectorySummary, error) {
	ctx = ensureContext(ctx)

	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return EmployeeDirectorySummary{}, errors.New("employee service: organization id is required")
	}

	summary := EmployeeDirectorySummary{}

	for _, record := range records {
		employeeNo := strings.TrimSpace(record.EmployeeNo)
		if employeeNo == "" || strings.TrimSpace(record.FirstName) == "" {
			summary.Skipped++
			continue
		}

		var existing models.Employee
		err := s.db.WithContext(ctx).
			Take(&existing, "organization_id = ? AND employee_no = ?", organizationID, employeeNo).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			employee := &models.Employee{
				OrganizationID: organizationID,
				EmployeeNo:     employeeNo,
				FirstName:      strings.TrimSpace(record.FirstName),
				LastName:       strings.TrimSpace(record.LastName),
				Email:          strings.ToLower(strings.TrimSpace(record.Email)),
				Phone:          strings.TrimSpace(record.Phone),
				Title:          strings.TrimSpace(record.Title),
				Location:       strings.TrimSpace(record.Location),
				Status:         models.EmployeeStatusActive,
			}
			if err := s.db.WithContext(ctx).Create(employee).Error; err != nil {
				return summary, fmt.Errorf("employee service: create from directory: %w", err)
			}
			summary.Created++
			s.publish(events.EmployeeCreated, employee)
		case err != nil:
			return summary, fmt.Errorf("employee service: lookup employee: %w", err)
		case existing.Status == models.EmployeeStatusTerminated:
			summary.Skipped++
		default:
			updates := map[string]any{
				"first_name": strings.TrimSpace(record.FirstName),
				"last_name":  strings.TrimSpace(record.LastName),
			}
			if email := strings.ToLower(strings.TrimSpace(record.Email)); email != "" {
				updates["email"] = email
			}
			if phone := strings.TrimSpace(record.Phone); phone != "" {
				updates["phone"] = phone
			}
			if title := strings.TrimSpace(record.Title); title != "" {
				updates["title"] = title
			}
			if location := strings.TrimSpace(record.Location); location != "" {
				updates["location"] = location
			}
			if err := s.db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
				return summary, fmt.Errorf("employee service: update from directory: %w", err)
			}
			summary.Updated++
		}
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		OrganizationID: &organizationID,
		Action:         "employee.directory_sync",
		Result:         "success",
		Metadata: map[string]any{
			"created": summary.Created,
			"updated": summary.Updated,
			"skipped": summary.Skipped,
		},
	})

	return summary, nil
}

func (s *EmployeeService) checkDepartment(ctx context.Context, organizationID, departmentID string) error {
	var department models.Department
	err := s.db.WithContext(ctx).
		Select("id").
		Take(&department, "id = ? AND organization_id = ?", departmentID, organizationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrDepartmentNotFound
	}
	if err != nil {
		return fmt.Errorf("employee service: check department: %w", err)
	}
	return nil
}

func (s *EmployeeService) publish(name string, employee *models.Employee) {
	if s.bus == nil || employee == nil {
		return
	}
	s.bus.Publish(events.Event{
		Name:           name,
		OrganizationID: employee.OrganizationID,
		Payload: map[string]any{
			"employee_id": employee.ID,
			"employee_no": employee.EmployeeNo,
			"name":        employee.FullName(),
			"status":      string(employee.Status),
		},
	})
}

func mappedAttribute(mapping map[string]string, key, fallback string) string {
	if mapping != nil {
		if attr := strings.TrimSpace(mapping[key]); attr != "" {
			return attr
		}
	}
	return fallback
}

func claimString(claims map[string]any, key string) string {
	if len(claims) == 0 || key == "" {
		return ""
	}
	switch value := claims[key].(type) {
	case string:
		return strings.TrimSpace(value)
	case []string:
		if len(value) > 0 {
			return strings.TrimSpace(value[0])
		}
	case []any:
		if len(value) > 0 {
			if str, ok := value[0].(string); ok {
				return strings.TrimSpace(str)
			}
		}
	}
	return ""
}
