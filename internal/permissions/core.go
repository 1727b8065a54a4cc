package permissions

func init() {
	perms := []*Permission{
		{
			ID:          "user.view",
			Module:      "core",
			Description: "View users",
		},
		{
			ID:          "user.create",
			Module:      "core",
			DependsOn:   []string{"user.view"},
			Description: "Create new users",
		},
		{
			ID:          "user.edit",
			Module:      "core",
			DependsOn:   []string{"user.view"},
			Description: "Edit existing users",
		},
		{
			ID:          "user.delete",
			Module:      "core",
			DependsOn:   []string{"user.view", "user.edit"},
			Description: "Delete users",
		},
		{
			ID:          "org.view",
			Module:      "core",
			Description: "View organization details",
		},
		{
			ID:          "org.create",
			Module:      "core",
			DependsOn:   []string{"org.view"},
			Description: "Create organizations",
		},
		{
			ID:          "org.manage",
			Module:      "core",
			DependsOn:   []string{"org.view"},
			Description: "Manage organization settings and status",
		},
		{
			ID:          "department.view",
			Module:      "core",
			Description: "View departments",
		},
		{
			ID:          "department.manage",
			Module:      "core",
			DependsOn:   []string{"department.view"},
			Description: "Create departments and manage membership",
		},
		{
			ID:          "role.view",
			Module:      "core",
			Description: "View roles",
		},
		{
			ID:          "role.manage",
			Module:      "core",
			DependsOn:   []string{"role.view"},
			Description: "Create and edit custom roles",
		},
		{
			ID:          "permission.view",
			Module:      "core",
			Description: "View permissions",
		},
		{
			ID:          "permission.manage",
			Module:      "core",
			DependsOn:   []string{"permission.view"},
			Description: "Assign and revoke permissions",
		},
		{
			ID:          "audit.view",
			Module:      "core",
			Description: "View audit logs",
		},
		{
			ID:          "audit.export",
			Module:      "core",
			DependsOn:   []string{"audit.view"},
			Description: "Export audit logs",
		},
		{
			ID:          "notification.view",
			Module:      "core",
			Description: "View in-app notifications",
		},
		{
			ID:          "notification.manage",
			Module:      "core",
			DependsOn:   []string{"notification.view"},
			Description: "Manage in-app notifications and broadcasts",
		},

		{
			ID:          "employee.view",
			Module:      "hr",
			Description: "View employee records",
		},
		{
			ID:          "employee.create",
			Module:      "hr",
			DependsOn:   []string{"employee.view"},
			Description: "Create employee records",
		},
		{
			ID:          "employee.edit",
			Module:      "hr",
			DependsOn:   []string{"employee.view"},
			Description: "Edit employee records",
		},
		{
			ID:          "employee.terminate",
			Module:      "hr",
			DependsOn:   []string{"employee.view", "employee.edit"},
			Description: "Terminate employees",
		},
		{
			ID:          "employee.sync",
			Module:      "hr",
			DependsOn:   []string{"employee.view", "employee.create"},
			Description: "Import employees from the directory",
		},

		{
			ID:          "customer.view",
			Module:      "crm",
			Description: "View customers and contacts",
		},
		{
			ID:          "customer.create",
			Module:      "crm",
			DependsOn:   []string{"customer.view"},
			Description: "Create customers",
		},
		{
			ID:          "customer.edit",
			Module:      "crm",
			DependsOn:   []string{"customer.view"},
			Description: "Edit customers and contacts",
		},
		{
			ID:          "customer.delete",
			Module:      "crm",
			DependsOn:   []string{"customer.view", "customer.edit"},
			Description: "Archive or delete customers",
		},

		{
			ID:          "invoice.view",
			Module:      "ledger",
			Description: "View invoices and payments",
		},
		{
			ID:          "invoice.create",
			Module:      "ledger",
			DependsOn:   []string{"invoice.view", "customer.view"},
			Description: "Create draft invoices",
		},
		{
			ID:          "invoice.edit",
			Module:      "ledger",
			DependsOn:   []string{"invoice.view"},
			Description: "Edit draft invoices",
		},
		{
			ID:          "invoice.issue",
			Module:      "ledger",
			DependsOn:   []string{"invoice.view", "invoice.edit"},
			Description: "Issue invoices to customers",
		},
		{
			ID:          "invoice.pay",
			Module:      "ledger",
			DependsOn:   []string{"invoice.view"},
			Description: "Record payments against invoices",
		},
		{
			ID:          "invoice.void",
			Module:      "ledger",
			DependsOn:   []string{"invoice.view", "invoice.issue"},
			Description: "Void issued invoices",
		},
		{
			ID:          "billing.view",
			Module:      "ledger",
			Description: "View assistant usage and billing summaries",
		},

		{
			ID:          "product.view",
			Module:      "inventory",
			Description: "View products and warehouses",
		},
		{
			ID:          "product.manage",
			Module:      "inventory",
			DependsOn:   []string{"product.view"},
			Description: "Create and edit products and warehouses",
		},
		{
			ID:          "stock.view",
			Module:      "inventory",
			DependsOn:   []string{"product.view"},
			Description: "View stock levels and movements",
		},
		{
			ID:          "stock.adjust",
			Module:      "inventory",
			DependsOn:   []string{"stock.view"},
			Description: "Adjust and transfer stock",
		},

		{
			ID:          "project.view",
			Module:      "projects",
			Description: "View projects and tasks",
		},
		{
			ID:          "project.manage",
			Module:      "projects",
			DependsOn:   []string{"project.view"},
			Implies:     []string{"task.manage"},
			Description: "Create projects and manage membership",
		},
		{
			ID:          "task.manage",
			Module:      "projects",
			DependsOn:   []string{"project.view"},
			Description: "Create and move tasks",
		},
		{
			ID:          "time.log",
			Module:      "projects",
			DependsOn:   []string{"project.view"},
			Description: "Log time entries",
		},

		{
			ID:          "document.view",
			Module:      "knowledge",
			Description: "View knowledge documents",
		},
		{
			ID:          "document.upload",
			Module:      "knowledge",
			DependsOn:   []string{"document.view"},
			Description: "Upload and ingest documents",
		},
		{
			ID:          "document.edit",
			Module:      "knowledge",
			DependsOn:   []string{"document.view"},
			Description: "Edit and reindex documents",
		},
		{
			ID:          "document.delete",
			Module:      "knowledge",
			DependsOn:   []string{"document.view", "document.edit"},
			Description: "Delete documents",
		},
		{
			ID:          "document.share",
			Module:      "knowledge",
			DependsOn:   []string{"document.view"},
			Description: "Share documents and grant access",
		},

		{
			ID:          "assist.use",
			Module:      "assist",
			DependsOn:   []string{"document.view"},
			Description: "Chat with the assistant",
		},
		{
			ID:          "assist.configure",
			Module:      "assist",
			Implies:     []string{"assist.use"},
			DependsOn:   []string{"document.view"},
			Description: "Configure assistant providers and retrieval",
		},

		{
			ID:          "plugin.view",
			Module:      "plugins",
			Description: "View installed plugins",
		},
		{
			ID:          "plugin.install",
			Module:      "plugins",
			DependsOn:   []string{"plugin.view"},
			Description: "Install and upgrade plugins",
		},
		{
			ID:          "plugin.manage",
			Module:      "plugins",
			DependsOn:   []string{"plugin.view"},
			Description: "Enable, disable, and uninstall plugins",
		},
		{
			ID:          "plugin.execute",
			Module:      "plugins",
			DependsOn:   []string{"plugin.view"},
			Description: "Trigger plugin test executions",
		},

		{
			ID:          "automation.view",
			Module:      "automation",
			Description: "View automation rules and runs",
		},
		{
			ID:          "automation.manage",
			Module:      "automation",
			DependsOn:   []string{"automation.view"},
			Description: "Create and edit automation rules",
		},

		{
			ID:          "monitoring.view",
			Module:      "monitoring",
			Description: "View system health and metrics summaries",
		},
		{
			ID:          "security.audit",
			Module:      "monitoring",
			Description: "Run configuration security audits",
		},
	}

	for _, perm := range perms {
		if err := Register(perm); err != nil {
			panic(err)
		}
	}
}
