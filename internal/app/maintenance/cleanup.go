package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	iauth "github.com/corvalhq/corval/internal/auth"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/services"
	"github.com/corvalhq/corval/pkg/logger"
)

const (
	defaultAuditRetentionDays = 90
	defaultConversationIdle   = 720 * time.Hour
	defaultSessionSpec        = "@hourly"
	defaultAuditSpec          = "@daily"
	defaultTokenSpec          = "@daily"
	defaultInvoiceSpec        = "@daily"
	defaultChunkSpec          = "@hourly"
	defaultConversationSpec   = "@daily"
	defaultRollupSpec         = "@monthly"
)

// Cleaner coordinates background maintenance tasks such as purging expired sessions,
// pruning stale audit logs, removing obsolete tokens, flagging overdue invoices,
// archiving idle assistant threads, and rolling up usage records.
type Cleaner struct {
	db        *gorm.DB
	sessions  *iauth.SessionService
	audit     *services.AuditService
	invoices  *services.InvoiceService
	usage     *services.UsageService
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger
	enabled   bool
	retention int
	idle      time.Duration

	sessionSchedule      string
	auditSchedule        string
	tokenSchedule        string
	invoiceSchedule      string
	chunkSchedule        string
	conversationSchedule string
	rollupSchedule       string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for scheduling and cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithAuditRetentionDays adjusts how long audit logs are retained before cleanup.
func WithAuditRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retention = days
		}
	}
}

// WithSessionSchedule overrides the cron specification for session cleanup.
func WithSessionSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sessionSchedule = spec
		}
	}
}

// WithAuditSchedule overrides the cron specification for audit retention enforcement.
func WithAuditSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.auditSchedule = spec
		}
	}
}

// WithTokenSchedule overrides the cron specification for token cleanup.
func WithTokenSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.tokenSchedule = spec
		}
	}
}

// WithInvoiceSweep enables the daily pass that flags unpaid invoices past
// their due date.
func WithInvoiceSweep(svc *services.InvoiceService) Option {
	return func(cleaner *Cleaner) {
		cleaner.invoices = svc
	}
}

// WithUsageRollup enables the monthly aggregation of raw usage records into
// per-organization rollup rows.
func WithUsageRollup(svc *services.UsageService) Option {
	return func(cleaner *Cleaner) {
		cleaner.usage = svc
	}
}

// WithConversationIdle adjusts how long an assistant thread may sit without
// messages before the daily pass archives it.
func WithConversationIdle(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.idle = d
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency results in
// the corresponding cleanup job being skipped.
func NewCleaner(db *gorm.DB, sessions *iauth.SessionService, audit *services.AuditService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:                   db,
		sessions:             sessions,
		audit:                audit,
		now:                  time.Now,
		retention:            defaultAuditRetentionDays,
		idle:                 defaultConversationIdle,
		sessionSchedule:      defaultSessionSpec,
		auditSchedule:        defaultAuditSpec,
		tokenSchedule:        defaultTokenSpec,
		invoiceSchedule:      defaultInvoiceSpec,
		chunkSchedule:        defaultChunkSpec,
		conversationSchedule: defaultConversationSpec,
		rollupSchedule:       defaultRollupSpec,
		log:                  logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	// Determine whether any job is enabled.
	cleaner.enabled = cleaner.sessions != nil || cleaner.audit != nil || cleaner.db != nil

	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it if at least one cleanup is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled {
		return nil
	}

	if c.sessions != nil {
		if _, err := c.cron.AddFunc(c.sessionSchedule, func() {
			ctx := context.Background()
			if _, err := c.sessions.CleanupExpired(ctx); err != nil {
				c.log.Warn("session cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.audit != nil && c.retention > 0 {
		if _, err := c.cron.AddFunc(c.auditSchedule, func() {
			ctx := context.Background()
			if _, err := c.audit.CleanupOlderThan(ctx, c.retention); err != nil {
				c.log.Warn("audit cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.db != nil {
		if _, err := c.cron.AddFunc(c.tokenSchedule, func() {
			ctx := context.Background()
			if _, err := CleanupTokens(ctx, c.db, c.now()); err != nil {
				c.log.Warn("token cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}

		if _, err := c.cron.AddFunc(c.chunkSchedule, func() {
			ctx := context.Background()
			if _, err := CleanupOrphanedChunks(ctx, c.db); err != nil {
				c.log.Warn("chunk cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}

		if c.idle > 0 {
			if _, err := c.cron.AddFunc(c.conversationSchedule, func() {
				ctx := context.Background()
				if _, err := ArchiveIdleConversations(ctx, c.db, c.now().Add(-c.idle)); err != nil {
					c.log.Warn("conversation archive failed", zap.Error(err))
				}
			}); err != nil {
				return err
			}
		}
	}

	if c.invoices != nil {
		if _, err := c.cron.AddFunc(c.invoiceSchedule, func() {
			ctx := context.Background()
			if _, err := c.invoices.MarkOverdue(ctx, c.now()); err != nil {
				c.log.Warn("invoice sweep failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.usage != nil {
		if _, err := c.cron.AddFunc(c.rollupSchedule, func() {
			ctx := context.Background()
			period := c.now().UTC().AddDate(0, -1, 0).Format("2006-01")
			if _, err := c.usage.RollupUsage(ctx, period); err != nil {
				c.log.Warn("usage rollup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. Primarily used in tests
// and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.sessions != nil {
		if _, err := c.sessions.CleanupExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.audit != nil && c.retention > 0 {
		if _, err := c.audit.CleanupOlderThan(ctx, c.retention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.db != nil {
		if _, err := CleanupTokens(ctx, c.db, c.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
		if _, err := CleanupOrphanedChunks(ctx, c.db); err != nil {
			errs = multierr.Append(errs, err)
		}
		if c.idle > 0 {
			if _, err := ArchiveIdleConversations(ctx, c.db, c.now().Add(-c.idle)); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}

	if c.invoices != nil {
		if _, err := c.invoices.MarkOverdue(ctx, c.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.usage != nil {
		period := c.now().UTC().AddDate(0, -1, 0).Format("2006-01")
		if _, err := c.usage.RollupUsage(ctx, period); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// TokenCleanupStats captures the number of records removed for each token type.
type TokenCleanupStats struct {
	PasswordResets     int64
	Invites            int64
	EmailVerifications int64
}

// CleanupTokens removes expired or consumed tokens across the core tables.
func CleanupTokens(ctx context.Context, db *gorm.DB, now time.Time) (TokenCleanupStats, error) {
	if db == nil {
		return TokenCleanupStats{}, errors.New("cleanup tokens: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	stats := TokenCleanupStats{}

	if result := db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&models.PasswordResetToken{}); result.Error != nil {
		return stats, fmt.Errorf("cleanup tokens: password reset tokens: %w", result.Error)
	} else {
		stats.PasswordResets = result.RowsAffected
	}

	if result := db.WithContext(ctx).
		Where("expires_at < ? OR accepted_at IS NOT NULL", now).
		Delete(&models.UserInvite{}); result.Error != nil {
		return stats, fmt.Errorf("cleanup tokens: invites: %w", result.Error)
	} else {
		stats.Invites = result.RowsAffected
	}

	if result := db.WithContext(ctx).
		Where("expires_at < ? OR verified_at IS NOT NULL", now).
		Delete(&models.EmailVerification{}); result.Error != nil {
		return stats, fmt.Errorf("cleanup tokens: email verification: %w", result.Error)
	} else {
		stats.EmailVerifications = result.RowsAffected
	}

	return stats, nil
}

// CleanupOrphanedChunks removes chunks whose parent document no longer exists.
// Document deletion removes its chunks in the same transaction, so anything
// found here was left behind by an interrupted import or delete.
func CleanupOrphanedChunks(ctx context.Context, db *gorm.DB) (int64, error) {
	if db == nil {
		return 0, errors.New("cleanup chunks: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := db.WithContext(ctx).
		Where("document_id NOT IN (?)", db.Model(&models.Document{}).Select("id")).
		Delete(&models.DocumentChunk{})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup chunks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ArchiveIdleConversations archives active assistant threads whose last
// message predates the cutoff. Threads that never received a message age by
// creation time instead.
func ArchiveIdleConversations(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	if db == nil {
		return 0, errors.New("archive conversations: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("status = ?", models.ConversationActive).
		Where("COALESCE(last_message_at, created_at) < ?", cutoff).
		Update("status", models.ConversationArchived)
	if result.Error != nil {
		return 0, fmt.Errorf("archive conversations: %w", result.Error)
	}
	return result.RowsAffected, nil
}
