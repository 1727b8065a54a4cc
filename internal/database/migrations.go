package database

import (
	"context"

	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/permissions"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Organization{},
		&models.User{},
		&models.Department{},
		&models.Role{},
		&models.Permission{},
		&models.ResourcePermission{},
		&models.Session{},
		&models.AuditLog{},
		&models.MFASecret{},
		&models.PasswordResetToken{},
		&models.EmailVerification{},
		&models.UserInvite{},
		&models.AuthProvider{},
		&models.SystemSetting{},
		&models.CacheEntry{},
		&models.Notification{},

		&models.Employee{},
		&models.Customer{},
		&models.Contact{},
		&models.Invoice{},
		&models.InvoiceItem{},
		&models.Payment{},
		&models.InvoiceSequence{},
		&models.Product{},
		&models.Warehouse{},
		&models.StockLevel{},
		&models.StockMovement{},
		&models.Project{},
		&models.Task{},
		&models.TimeEntry{},

		&models.Document{},
		&models.DocumentChunk{},
		&models.Conversation{},
		&models.ChatMessage{},
		&models.UsageRecord{},
		&models.UsageRollup{},
		&models.Plugin{},
		&models.PluginExecution{},
		&models.AutomationRule{},
		&models.AutomationRun{},
	)
}

// SeedData populates default roles and authentication providers.
func SeedData(db *gorm.DB) error {
	roles := []models.Role{
		{
			BaseModel:   models.BaseModel{ID: "admin"},
			Name:        "Administrator",
			Description: "Full tenant access",
			IsSystem:    true,
		},
		{
			BaseModel:   models.BaseModel{ID: "manager"},
			Name:        "Manager",
			Description: "Manage domain records and approve workflows",
			IsSystem:    true,
		},
		{
			BaseModel:   models.BaseModel{ID: "user"},
			Name:        "User",
			Description: "Standard member access",
			IsSystem:    true,
		},
	}

	for _, role := range roles {
		if err := db.Where(models.Role{BaseModel: models.BaseModel{ID: role.ID}}).Attrs(role).FirstOrCreate(&models.Role{}).Error; err != nil {
			return err
		}
	}

	localProvider := models.AuthProvider{
		BaseModel:         models.BaseModel{ID: "local"},
		Type:              "local",
		Name:              "Local Authentication",
		Enabled:           true,
		AllowRegistration: false,
		Description:       "Username and password authentication",
		Icon:              "key",
	}
	if err := db.Where(models.AuthProvider{Type: localProvider.Type}).Attrs(localProvider).FirstOrCreate(&models.AuthProvider{}).Error; err != nil {
		return err
	}

	inviteProvider := models.AuthProvider{
		BaseModel:                models.BaseModel{ID: "invite"},
		Type:                     "invite",
		Name:                     "Email Invitation",
		Enabled:                  false,
		RequireEmailVerification: true,
		Description:              "Invite users via email",
		Icon:                     "mail",
	}
	if err := db.Where(models.AuthProvider{Type: inviteProvider.Type}).Attrs(inviteProvider).FirstOrCreate(&models.AuthProvider{}).Error; err != nil {
		return err
	}

	if err := permissions.Sync(context.Background(), db); err != nil {
		return err
	}

	return seedRolePermissions(db)
}

// seedRolePermissions attaches the permission catalog to the system roles.
// Admin receives everything; manager and user receive curated subsets.
func seedRolePermissions(db *gorm.DB) error {
	all := permissions.GetAll()
	adminIDs := make([]string, 0, len(all))
	for id := range all {
		adminIDs = append(adminIDs, id)
	}
	if err := assignRolePermissions(db, "admin", adminIDs); err != nil {
		return err
	}

	managerIDs := []string{
		"user.view",
		"department.view",
		"role.view",
		"audit.view",
		"notification.view",
		"employee.view", "employee.create", "employee.edit",
		"customer.view", "customer.create", "customer.edit",
		"invoice.view", "invoice.create", "invoice.edit", "invoice.issue", "invoice.pay",
		"billing.view",
		"product.view", "product.manage", "stock.view", "stock.adjust",
		"project.view", "project.manage", "task.manage", "time.log",
		"document.view", "document.upload", "document.edit", "document.share",
		"assist.use",
		"automation.view", "automation.manage",
	}
	if err := assignRolePermissions(db, "manager", managerIDs); err != nil {
		return err
	}

	userIDs := []string{
		"notification.view",
		"customer.view",
		"invoice.view",
		"product.view", "stock.view",
		"project.view", "time.log",
		"document.view", "document.upload",
		"assist.use",
	}
	return assignRolePermissions(db, "user", userIDs)
}
