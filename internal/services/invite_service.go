package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/pkg/crypto"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/mail"
)

const (
	defaultInviteExpiry     = 72 * time.Hour
	defaultInviteTokenBytes = 48
)

var (
	// ErrInviteNotFound indicates no invite matches the provided token.
	ErrInviteNotFound = errors.New("invite: not found")
	// ErrInviteExpired indicates the invite token has expired.
	ErrInviteExpired = errors.New("invite: expired")
	// ErrInviteAlreadyUsed signals that the invite has already been accepted.
	ErrInviteAlreadyUsed = errors.New("invite: already accepted")
	// ErrInviteAlreadyPending signals an active invite already exists for the email.
	ErrInviteAlreadyPending = errors.New("invite: already pending")
	// ErrInviteEmailInUse signals an account already exists for the email.
	ErrInviteEmailInUse = errors.New("invite: email in use")
)

// InviteOption customises InviteService behaviour.
type InviteOption func(*InviteService)

// WithInviteBaseURL configures the base URL used to create invite hyperlinks.
func WithInviteBaseURL(url string) InviteOption {
	return func(s *InviteService) {
		s.baseURL = strings.TrimRight(url, "/")
	}
}

// WithInviteExpiry overrides the invite token lifetime.
func WithInviteExpiry(d time.Duration) InviteOption {
	return func(s *InviteService) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// WithInviteTokenSize adjusts the random token length in bytes.
func WithInviteTokenSize(size int) InviteOption {
	return func(s *InviteService) {
		if size > 0 {
			s.tokenLength = size
		}
	}
}

// WithInviteClock injects a custom clock primarily for testing.
func WithInviteClock(clock func() time.Time) InviteOption {
	return func(s *InviteService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// InviteService manages generation and consumption of user invite tokens.
type InviteService struct {
	db          *gorm.DB
	mailer      mail.Mailer
	baseURL     string
	expiry      time.Duration
	tokenLength int
	now         func() time.Time
}

// NewInviteService constructs an InviteService with the provided dependencies.
func NewInviteService(db *gorm.DB, mailer mail.Mailer, opts ...InviteOption) (*InviteService, error) {
	if db == nil {
		return nil, errors.New("invite service: db is required")
	}

	service := &InviteService{
		db:          db,
		mailer:      mailer,
		expiry:      defaultInviteExpiry,
		tokenLength: defaultInviteTokenBytes,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// GenerateInviteInput captures a new invitation. A department id pins the
// invitee to that department on acceptance.
type GenerateInviteInput struct {
	OrganizationID string
	Email          string
	InvitedBy      string
	DepartmentID   string
}

// GenerateInvite creates a new invite token for the provided email address and
// optionally dispatches an email. The raw token is returned exactly once.
func (s *InviteService) GenerateInvite(ctx context.Context, input GenerateInviteInput) (*models.UserInvite, string, string, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if email == "" {
		return nil, "", "", errors.New("invite service: email is required")
	}
	organizationID := strings.TrimSpace(input.OrganizationID)
	if organizationID == "" {
		return nil, "", "", errors.New("invite service: organization id is required")
	}

	var existingUsers int64
	if err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("email = ?", email).
		Count(&existingUsers).Error; err != nil {
		return nil, "", "", fmt.Errorf("invite service: check existing user: %w", err)
	}
	if existingUsers > 0 {
		return nil, "", "", ErrInviteEmailInUse
	}

	now := s.now()

	var pending int64
	if err := s.db.WithContext(ctx).
		Model(&models.UserInvite{}).
		Where("organization_id = ? AND email = ? AND accepted_at IS NULL AND expires_at > ?", organizationID, email, now).
		Count(&pending).Error; err != nil {
		return nil, "", "", fmt.Errorf("invite service: check pending invite: %w", err)
	}
	if pending > 0 {
		return nil, "", "", ErrInviteAlreadyPending
	}

	var organization models.Organization
	if err := s.db.WithContext(ctx).Take(&organization, "id = ?", organizationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", "", ErrOrganizationNotFound
		}
		return nil, "", "", fmt.Errorf("invite service: load organization: %w", err)
	}

	rawToken, err := crypto.GenerateToken(s.tokenLength)
	if err != nil {
		return nil, "", "", fmt.Errorf("invite service: generate token: %w", err)
	}

	invite := models.UserInvite{
		OrganizationID: organizationID,
		Email:          email,
		TokenHash:      tokenHash(rawToken),
		InvitedBy:      strings.TrimSpace(input.InvitedBy),
		ExpiresAt:      now.Add(s.expiry),
	}
	if departmentID := strings.TrimSpace(input.DepartmentID); departmentID != "" {
		var department models.Department
		err := s.db.WithContext(ctx).
			Take(&department, "id = ? AND organization_id = ?", departmentID, organizationID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", "", ErrDepartmentNotFound
		}
		if err != nil {
			return nil, "", "", fmt.Errorf("invite service: load department: %w", err)
		}
		invite.DepartmentID = &department.ID
		invite.Department = &department
	}

	if err := s.db.WithContext(ctx).Create(&invite).Error; err != nil {
		return nil, "", "", fmt.Errorf("invite service: create invite: %w", err)
	}

	link := s.inviteLink(rawToken)

	if s.mailer != nil {
		message := mail.InviteMessage(email, organization.Name, link)
		if mailErr := s.mailer.Send(ctx, message); mailErr != nil && !errors.Is(mailErr, mail.ErrSMTPDisabled) {
			return nil, "", "", fmt.Errorf("invite service: send email: %w", mailErr)
		}
	}

	return &invite, rawToken, link, nil
}

// List returns invites for the organization. Status filters on pending,
// accepted or expired; search matches the invitee email.
func (s *InviteService) List(ctx context.Context, organizationID, status, search string) ([]models.UserInvite, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, errors.New("invite service: organization id is required")
	}

	query := s.db.WithContext(ctx).
		Model(&models.UserInvite{}).
		Preload("Department").
		Where("organization_id = ?", organizationID).
		Order("created_at DESC")

	now := s.now()
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "all":
	case "pending":
		query = query.Where("accepted_at IS NULL AND expires_at > ?", now)
	case "accepted":
		query = query.Where("accepted_at IS NOT NULL")
	case "expired":
		query = query.Where("accepted_at IS NULL AND expires_at <= ?", now)
	default:
		return nil, apperrors.NewBadRequest(fmt.Sprintf("unknown invite status %q", status))
	}

	if search = strings.TrimSpace(search); search != "" {
		query = query.Where("email LIKE ?", "%"+strings.ToLower(search)+"%")
	}

	var invites []models.UserInvite
	if err := query.Find(&invites).Error; err != nil {
		return nil, fmt.Errorf("invite service: list invites: %w", err)
	}
	return invites, nil
}

// Delete revokes a pending invite. Accepted invites are kept for the record.
func (s *InviteService) Delete(ctx context.Context, organizationID, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("invite service: invite id is required")
	}

	var invite models.UserInvite
	err := s.db.WithContext(ctx).
		Take(&invite, "id = ? AND organization_id = ?", id, strings.TrimSpace(organizationID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrInviteNotFound
	}
	if err != nil {
		return fmt.Errorf("invite service: load invite: %w", err)
	}
	if invite.AcceptedAt != nil {
		return ErrInviteAlreadyUsed
	}

	if err := s.db.WithContext(ctx).Delete(&invite).Error; err != nil {
		return fmt.Errorf("invite service: delete invite: %w", err)
	}
	return nil
}

// ValidateToken resolves a raw token to its invite without consuming it.
func (s *InviteService) ValidateToken(ctx context.Context, token string) (*models.UserInvite, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("invite service: token is required")
	}

	var invite models.UserInvite
	if err := s.db.WithContext(ctx).
		Preload("Department").
		Where("token_hash = ?", tokenHash(token)).
		First(&invite).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInviteNotFound
		}
		return nil, fmt.Errorf("invite service: find invite: %w", err)
	}

	now := s.now()
	if invite.ExpiresAt.Before(now) {
		return nil, ErrInviteExpired
	}
	if invite.AcceptedAt != nil {
		return nil, ErrInviteAlreadyUsed
	}

	return &invite, nil
}

// AcceptInvite marks the invite as accepted. Callers accept only after any
// dependent provisioning succeeded so a failed redeem does not burn the token.
func (s *InviteService) AcceptInvite(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("invite service: invite id is required")
	}

	var invite models.UserInvite
	if err := s.db.WithContext(ctx).Take(&invite, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInviteNotFound
		}
		return fmt.Errorf("invite service: load invite: %w", err)
	}

	now := s.now()
	if invite.ExpiresAt.Before(now) {
		return ErrInviteExpired
	}
	if invite.AcceptedAt != nil {
		return ErrInviteAlreadyUsed
	}

	if err := s.db.WithContext(ctx).
		Model(&invite).
		Updates(map[string]any{"accepted_at": now}).Error; err != nil {
		return fmt.Errorf("invite service: mark accepted: %w", err)
	}
	return nil
}

// RedeemInvite validates the token and marks the invite as accepted in one step.
func (s *InviteService) RedeemInvite(ctx context.Context, token string) (*models.UserInvite, error) {
	invite, err := s.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.AcceptInvite(ctx, invite.ID); err != nil {
		return nil, err
	}

	now := s.now()
	invite.AcceptedAt = &now
	return invite, nil
}

func (s *InviteService) inviteLink(token string) string {
	if s.baseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s?token=%s", s.baseURL, token)
}

func tokenHash(token string) string {
	checksum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(checksum[:])
}
