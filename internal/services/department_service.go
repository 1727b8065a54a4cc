package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/models"
	apperrors "github.com/corvalhq/corval/pkg/errors"
)

var (
	// ErrDepartmentNotFound indicates the requested department does not exist.
	ErrDepartmentNotFound = apperrors.New("DEPARTMENT_NOT_FOUND", "Department not found", http.StatusNotFound)
	// ErrDepartmentMemberAlreadyExists signals the user is already assigned to the department.
	ErrDepartmentMemberAlreadyExists = apperrors.New("DEPARTMENT_MEMBER_EXISTS", "User already assigned to department", http.StatusConflict)
	// ErrDepartmentMemberNotFound indicates the requested membership does not exist.
	ErrDepartmentMemberNotFound = apperrors.New("DEPARTMENT_MEMBER_NOT_FOUND", "User is not a member of the department", http.StatusNotFound)
)

// CreateDepartmentInput captures new department metadata.
type CreateDepartmentInput struct {
	OrganizationID string
	Name           string
	Description    string
}

// UpdateDepartmentInput describes mutable department fields.
type UpdateDepartmentInput struct {
	Name        *string
	Description *string
}

// DepartmentService handles department lifecycle, membership, and role
// assignment inside an organization.
type DepartmentService struct {
	db           *gorm.DB
	auditService *AuditService
	checker      PermissionChecker
}

// NewDepartmentService constructs a DepartmentService instance.
func NewDepartmentService(db *gorm.DB, auditService *AuditService, checker PermissionChecker) (*DepartmentService, error) {
	if db == nil {
		return nil, errors.New("department service: db is required")
	}
	return &DepartmentService{
		db:           db,
		auditService: auditService,
		checker:      checker,
	}, nil
}

// Create registers a new department inside an organization.
func (s *DepartmentService) Create(ctx context.Context, input CreateDepartmentInput) (*models.Department, error) {
	ctx = ensureContext(ctx)

	orgID := strings.TrimSpace(input.OrganizationID)
	name := strings.TrimSpace(input.Name)

	if orgID == "" {
		return nil, apperrors.NewBadRequest("organization id is required")
	}
	if name == "" {
		return nil, apperrors.NewBadRequest("department name is required")
	}

	var org models.Organization
	if err := s.db.WithContext(ctx).Take(&org, "id = ?", orgID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("department service: load organization: %w", err)
	}

	department := &models.Department{
		OrganizationID: orgID,
		Name:           name,
		Description:    strings.TrimSpace(input.Description),
	}

	if err := s.db.WithContext(ctx).Create(department).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.NewBadRequest("department name already exists in this organization")
		}
		return nil, fmt.Errorf("failed to create department: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		Action:   "department.create",
		Resource: department.ID,
		Result:   "success",
		Metadata: map[string]any{
			"organization_id": orgID,
			"name":            department.Name,
		},
	})

	return department, nil
}

// Update modifies department metadata.
func (s *DepartmentService) Update(ctx context.Context, id string, input UpdateDepartmentInput) (*models.Department, error) {
	ctx = ensureContext(ctx)

	var department models.Department
	err := s.db.WithContext(ctx).First(&department, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDepartmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("department service: load department: %w", err)
	}

	updates := map[string]any{}
	if input.Name != nil {
		if name := strings.TrimSpace(*input.Name); name != "" && name != department.Name {
			updates["name"] = name
		}
	}
	if input.Description != nil {
		updates["description"] = strings.TrimSpace(*input.Description)
	}

	if len(updates) == 0 {
		return &department, nil
	}

	if err := s.db.WithContext(ctx).Model(&department).Updates(updates).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.NewBadRequest("department name already exists in this organization")
		}
		return nil, fmt.Errorf("department service: update department: %w", err)
	}

	if err := s.db.WithContext(ctx).First(&department, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("department service: reload department: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		Action:   "department.update",
		Resource: department.ID,
		Result:   "success",
		Metadata: updates,
	})

	return &department, nil
}

// GetByID loads a department with members and roles, enforcing visibility
// for the requesting user.
func (s *DepartmentService) GetByID(ctx context.Context, id, requesterID string) (*models.Department, error) {
	ctx = ensureContext(ctx)

	var department models.Department
	err := s.db.WithContext(ctx).
		Preload("Users.Roles").
		Preload("Roles").
		First(&department, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDepartmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("department service: get department: %w", err)
	}

	requesterID = strings.TrimSpace(requesterID)
	if requesterID == "" {
		return &department, nil
	}

	userCtx, err := s.userContext(ctx, requesterID)
	if err != nil {
		return nil, err
	}

	if userCtx.IsRoot {
		return &department, nil
	}

	// Departments are never visible across organizations.
	if userCtx.OrganizationID != department.OrganizationID {
		return nil, ErrDepartmentNotFound
	}

	canManage, err := s.canManageDepartments(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if canManage {
		return &department, nil
	}

	if containsString(userCtx.DepartmentIDs, id) {
		return &department, nil
	}

	canView, err := s.canViewDepartments(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if !canView {
		return nil, apperrors.ErrForbidden
	}

	return &department, nil
}

// List returns the departments of an organization visible to the requester.
func (s *DepartmentService) List(ctx context.Context, requesterID, organizationID string) ([]models.Department, error) {
	ctx = ensureContext(ctx)

	requesterID = strings.TrimSpace(requesterID)
	organizationID = strings.TrimSpace(organizationID)

	var userCtx departmentUserContext
	var err error
	if requesterID != "" {
		userCtx, err = s.userContext(ctx, requesterID)
		if err != nil {
			return nil, err
		}
		if !userCtx.IsRoot {
			organizationID = userCtx.OrganizationID
		}
	}
	if organizationID == "" {
		return []models.Department{}, nil
	}

	canManage := false
	switch {
	case requesterID == "":
		canManage = true
	case userCtx.IsRoot:
		canManage = true
	default:
		canManage, err = s.canManageDepartments(ctx, requesterID)
		if err != nil {
			return nil, err
		}
		if !canManage {
			canManage, err = s.canViewDepartments(ctx, requesterID)
			if err != nil {
				return nil, err
			}
		}
	}

	query := s.db.WithContext(ctx).
		Preload("Users").
		Preload("Roles").
		Where("organization_id = ?", organizationID).
		Order("created_at ASC")

	if !canManage {
		if len(userCtx.DepartmentIDs) == 0 {
			return []models.Department{}, nil
		}
		query = query.Where("id IN ?", userCtx.DepartmentIDs)
	}

	var departments []models.Department
	if err := query.Find(&departments).Error; err != nil {
		return nil, fmt.Errorf("department service: list departments: %w", err)
	}

	return departments, nil
}

// Delete removes a department by identifier.
func (s *DepartmentService) Delete(ctx context.Context, id string) error {
	ctx = ensureContext(ctx)

	var department models.Department
	err := s.db.WithContext(ctx).First(&department, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrDepartmentNotFound
	}
	if err != nil {
		return fmt.Errorf("department service: load department: %w", err)
	}

	if err := s.db.WithContext(ctx).Delete(&department).Error; err != nil {
		return fmt.Errorf("department service: delete department: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		Action:   "department.delete",
		Resource: department.ID,
		Result:   "success",
	})

	return nil
}

// AddMember attaches a user to a department. Both must belong to the same
// organization.
func (s *DepartmentService) AddMember(ctx context.Context, departmentID, userID string) error {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(departmentID) == "" || strings.TrimSpace(userID) == "" {
		return apperrors.NewBadRequest("department id and user id are required")
	}

	var department models.Department
	if err := s.db.WithContext(ctx).First(&department, "id = ?", departmentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDepartmentNotFound
		}
		return fmt.Errorf("department service: load department: %w", err)
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("department service: load user: %w", err)
	}

	if !user.InOrganization(department.OrganizationID) {
		return apperrors.NewBadRequest("user belongs to a different organization")
	}

	var existing int64
	if err := s.db.WithContext(ctx).
		Table("user_departments").
		Where("department_id = ? AND user_id = ?", departmentID, userID).
		Count(&existing).Error; err != nil {
		return fmt.Errorf("department service: check membership: %w", err)
	}
	if existing > 0 {
		return ErrDepartmentMemberAlreadyExists
	}

	if err := s.db.WithContext(ctx).Model(&department).Association("Users").Append(&user); err != nil {
		return fmt.Errorf("department service: append member: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		Action:   "department.add_member",
		Resource: departmentID,
		Result:   "success",
		Metadata: map[string]any{"user_id": userID},
	})

	return nil
}

// RemoveMember detaches a user from a department.
func (s *DepartmentService) RemoveMember(ctx context.Context, departmentID, userID string) error {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(departmentID) == "" || strings.TrimSpace(userID) == "" {
		return apperrors.NewBadRequest("department id and user id are required")
	}

	var department models.Department
	if err := s.db.WithContext(ctx).First(&department, "id = ?", departmentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDepartmentNotFound
		}
		return fmt.Errorf("department service: load department: %w", err)
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("department service: load user: %w", err)
	}

	var existing int64
	if err := s.db.WithContext(ctx).
		Table("user_departments").
		Where("department_id = ? AND user_id = ?", departmentID, userID).
		Count(&existing).Error; err != nil {
		return fmt.Errorf("department service: check membership: %w", err)
	}
	if existing == 0 {
		return ErrDepartmentMemberNotFound
	}

	if err := s.db.WithContext(ctx).Model(&department).Association("Users").Delete(&user); err != nil {
		return fmt.Errorf("department service: remove member: %w", err)
	}

	recordAudit(s.auditService, ctx, AuditEntry{
		Action:   "department.remove_member",
		Resource: departmentID,
		Result:   "success",
		Metadata: map[string]any{"user_id": userID},
	})

	return nil
}

// ListMembers returns the users assigned to a department.
func (s *DepartmentService) ListMembers(ctx context.Context, requesterID, departmentID string) ([]models.User, error) {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(departmentID) == "" {
		return nil, apperrors.NewBadRequest("department id is required")
	}

	department, err := s.GetByID(ctx, departmentID, requesterID)
	if err != nil {
		return nil, err
	}

	return department.Users, nil
}

// ListRoles returns roles assigned to the department.
func (s *DepartmentService) ListRoles(ctx context.Context, requesterID, departmentID string) ([]models.Role, error) {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(departmentID) == "" {
		return nil, apperrors.NewBadRequest("department id is required")
	}

	department, err := s.GetByID(ctx, departmentID, requesterID)
	if err != nil {
		return nil, err
	}

	return department.Roles, nil
}

// SetRoles replaces the department's role assignments. Only global roles
// and roles scoped to the department's own organization are accepted.
func (s *DepartmentService) SetRoles(ctx context.Context, departmentID string, roleIDs []string) ([]models.Role, error) {
	ctx = ensureContext(ctx)

	departmentID = strings.TrimSpace(departmentID)
	if departmentID == "" {
		return nil, apperrors.NewBadRequest("department id is required")
	}

	cleanIDs := normaliseIDs(roleIDs)

	var result []models.Role
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var department models.Department
		if err := tx.Preload("Roles").First(&department, "id = ?", departmentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDepartmentNotFound
			}
			return fmt.Errorf("department service: load department: %w", err)
		}

		var roles []models.Role
		if len(cleanIDs) > 0 {
			if err := tx.Where("id IN ?", cleanIDs).Find(&roles).Error; err != nil {
				return fmt.Errorf("department service: load roles: %w", err)
			}
			if len(roles) != len(cleanIDs) {
				return apperrors.NewBadRequest("one or more roles were not found")
			}
			for _, role := range roles {
				if role.OrganizationID != nil && *role.OrganizationID != department.OrganizationID {
					return apperrors.NewBadRequest("role belongs to a different organization")
				}
			}
		}

		if err := tx.Model(&department).Association("Roles").Replace(roles); err != nil {
			return fmt.Errorf("department service: replace roles: %w", err)
		}

		if err := tx.Preload("Roles").First(&department, "id = ?", departmentID).Error; err != nil {
			return fmt.Errorf("department service: reload department: %w", err)
		}

		result = department.Roles

		recordAudit(s.auditService, ctx, AuditEntry{
			Action:   "department.set_roles",
			Resource: department.ID,
			Result:   "success",
			Metadata: map[string]any{
				"role_ids": cleanIDs,
			},
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (s *DepartmentService) canViewDepartments(ctx context.Context, userID string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return true, nil
	}
	if s.checker == nil {
		return true, nil
	}
	return s.checker.Check(ctx, userID, "department.view")
}

func (s *DepartmentService) canManageDepartments(ctx context.Context, userID string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return true, nil
	}
	if s.checker == nil {
		return true, nil
	}
	if ok, err := s.checker.Check(ctx, userID, "department.manage"); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}
	return s.checker.Check(ctx, userID, "permission.manage")
}

func (s *DepartmentService) userContext(ctx context.Context, userID string) (departmentUserContext, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return departmentUserContext{}, errors.New("department service: user id is required")
	}

	var user models.User
	if err := s.db.WithContext(ctx).
		Preload("Departments").
		First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return departmentUserContext{}, apperrors.ErrNotFound
		}
		return departmentUserContext{}, fmt.Errorf("department service: load user context: %w", err)
	}

	departmentIDs := make([]string, 0, len(user.Departments))
	for _, department := range user.Departments {
		departmentIDs = append(departmentIDs, department.ID)
	}

	orgID := ""
	if user.OrganizationID != nil {
		orgID = *user.OrganizationID
	}

	return departmentUserContext{
		ID:             user.ID,
		IsRoot:         user.IsRoot,
		OrganizationID: orgID,
		DepartmentIDs:  departmentIDs,
	}, nil
}

type departmentUserContext struct {
	ID             string
	IsRoot         bool
	OrganizationID string
	DepartmentIDs  []string
}
