package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/events"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/services"
	"github.com/corvalhq/corval/pkg/crypto"
)

const demoOrgSlug = "corval-demo"

func newSeedDemoCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "seed-demo",
		Short: "Populate the database with a demo organization, users, products, and customers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := env.openDatabase()
			if err != nil {
				return err
			}
			defer closeDatabase(db)

			return seedDemoData(cmd, db)
		},
	}
}

func seedDemoData(cmd *cobra.Command, db *gorm.DB) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	audit, err := services.NewAuditService(db)
	if err != nil {
		return err
	}
	orgs, err := services.NewOrganizationService(db, audit)
	if err != nil {
		return err
	}

	if _, err := orgs.GetBySlug(ctx, demoOrgSlug); err == nil {
		return fmt.Errorf("demo organization %q already exists", demoOrgSlug)
	} else if !errors.Is(err, services.ErrOrganizationNotFound) {
		return err
	}

	bus := events.NewBus(16)
	defer bus.Close()

	users, err := services.NewUserService(db, audit)
	if err != nil {
		return err
	}
	inventory, err := services.NewInventoryService(db, audit, bus)
	if err != nil {
		return err
	}
	customers, err := services.NewCustomerService(db, audit, bus)
	if err != nil {
		return err
	}

	org, err := orgs.Create(ctx, services.CreateOrganizationInput{
		Name:        "Corval Demo",
		Slug:        demoOrgSlug,
		Description: "Sample tenant for evaluation",
		Plan:        "trial",
	})
	if err != nil {
		return fmt.Errorf("create demo organization: %w", err)
	}
	cmd.Printf("organization %s (%s)\n", org.Name, org.ID)

	demoUsers := []struct {
		Username string
		Email    string
		Role     string
	}{
		{Username: "demo-admin", Email: "admin@corval-demo.test", Role: "admin"},
		{Username: "demo-manager", Email: "manager@corval-demo.test", Role: "manager"},
		{Username: "demo-member", Email: "member@corval-demo.test", Role: ""},
	}

	active := true
	for _, du := range demoUsers {
		password, err := crypto.GenerateToken(9)
		if err != nil {
			return fmt.Errorf("generate demo password: %w", err)
		}

		user, err := users.Create(ctx, services.CreateUserInput{
			Username:       du.Username,
			Email:          du.Email,
			Password:       password,
			OrganizationID: org.ID,
			IsActive:       &active,
		})
		if err != nil {
			return fmt.Errorf("create demo user %s: %w", du.Username, err)
		}
		if du.Role != "" {
			if _, err := users.SetRoles(ctx, user.ID, []string{du.Role}); err != nil {
				return fmt.Errorf("assign role to %s: %w", du.Username, err)
			}
		}
		cmd.Printf("user %s password %s\n", du.Username, password)
	}

	warehouse, err := inventory.CreateWarehouse(ctx, services.CreateWarehouseInput{
		OrganizationID: org.ID,
		Code:           "MAIN",
		Name:           "Main Warehouse",
		Location:       "Rotterdam",
		IsDefault:      true,
	})
	if err != nil {
		return fmt.Errorf("create demo warehouse: %w", err)
	}

	demoProducts := []struct {
		Input services.CreateProductInput
		Stock int64
	}{
		{
			Input: services.CreateProductInput{
				SKU: "DESK-0001", Name: "Standing Desk", Category: "furniture",
				Unit: "ea", PriceCents: 64900, CostCents: 41200, ReorderPoint: 5,
			},
			Stock: 24,
		},
		{
			Input: services.CreateProductInput{
				SKU: "CHAIR-0002", Name: "Task Chair", Category: "furniture",
				Unit: "ea", PriceCents: 28900, CostCents: 16500, ReorderPoint: 10,
			},
			Stock: 60,
		},
		{
			Input: services.CreateProductInput{
				SKU: "LAMP-0003", Name: "Desk Lamp", Category: "lighting",
				Unit: "ea", PriceCents: 7900, CostCents: 3100, ReorderPoint: 25,
			},
			Stock: 140,
		},
	}

	for _, dp := range demoProducts {
		dp.Input.OrganizationID = org.ID
		product, err := inventory.CreateProduct(ctx, dp.Input)
		if err != nil {
			return fmt.Errorf("create demo product %s: %w", dp.Input.SKU, err)
		}
		if _, err := inventory.AdjustStock(ctx, org.ID, services.StockAdjustment{
			ProductID:   product.ID,
			WarehouseID: warehouse.ID,
			Delta:       dp.Stock,
			Reason:      string(models.StockReasonReceipt),
			Reference:   "seed-demo",
		}); err != nil {
			return fmt.Errorf("stock demo product %s: %w", dp.Input.SKU, err)
		}
		cmd.Printf("product %s (%s)\n", product.SKU, product.Name)
	}

	demoCustomers := []services.CreateCustomerInput{
		{
			Code: "CUST-0001", Name: "Northwind Traders", Email: "purchasing@northwind.test",
			Currency: "USD", CreditLimitCents: 2500000, Status: "active",
		},
		{
			Code: "CUST-0002", Name: "Initech", Email: "accounts@initech.test",
			Currency: "USD", CreditLimitCents: 1000000, Status: "active",
		},
	}

	for _, dc := range demoCustomers {
		dc.OrganizationID = org.ID
		customer, err := customers.Create(ctx, dc)
		if err != nil {
			return fmt.Errorf("create demo customer %s: %w", dc.Code, err)
		}
		cmd.Printf("customer %s (%s)\n", customer.Code, customer.Name)
	}

	cmd.Println("demo data seeded")
	return nil
}
