package events

// Canonical event names published by the services. Automation rule triggers
// and plugin manifests reference these strings.
const (
	CustomerCreated   = "customer.created"
	CustomerUpdated   = "customer.updated"
	CustomerNoteAdded = "customer.note_added"

	EmployeeCreated    = "employee.created"
	EmployeeTerminated = "employee.terminated"

	InvoiceIssued  = "invoice.issued"
	InvoicePaid    = "invoice.paid"
	InvoiceOverdue = "invoice.overdue"

	ProductCreated = "product.created"
	StockAdjusted  = "stock.adjusted"
	StockLow       = "stock.low"

	ProjectCreated       = "project.created"
	ProjectStatusChanged = "project.status_changed"
	TaskCreated          = "task.created"
	TaskCompleted        = "task.completed"

	DocumentUploaded = "document.uploaded"
	DocumentIndexed  = "document.indexed"

	UserLocked = "auth.user_locked"
)

var knownNames = map[string]struct{}{
	CustomerCreated:      {},
	CustomerUpdated:      {},
	CustomerNoteAdded:    {},
	EmployeeCreated:      {},
	EmployeeTerminated:   {},
	InvoiceIssued:        {},
	InvoicePaid:          {},
	InvoiceOverdue:       {},
	ProductCreated:       {},
	StockAdjusted:        {},
	StockLow:             {},
	ProjectCreated:       {},
	ProjectStatusChanged: {},
	TaskCreated:          {},
	TaskCompleted:        {},
	DocumentUploaded:     {},
	DocumentIndexed:      {},
	UserLocked:           {},
}

// Known reports whether name is one of the canonical event names.
func Known(name string) bool {
	_, ok := knownNames[name]
	return ok
}

// Names returns the canonical event names in no particular order.
func Names() []string {
	names := make([]string, 0, len(knownNames))
	for name := range knownNames {
		names = append(names, name)
	}
	return names
}
