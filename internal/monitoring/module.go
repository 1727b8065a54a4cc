package monitoring

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/assist"
	"github.com/corvalhq/corval/internal/realtime"
)

// Options wires the monitoring module into the rest of the platform. Only the
// database is mandatory; everything else degrades to an absent section.
type Options struct {
	DB      *gorm.DB
	Hub     *realtime.Hub
	Gateway *assist.Gateway
	// AlertInterval is how often the watcher re-evaluates readiness.
	// Zero keeps the default.
	AlertInterval time.Duration
}

// Module bundles health probes, the operator summary, and the alert watcher.
// Checks are registered by the application during wiring.
type Module struct {
	health  *HealthManager
	summary *SummaryBuilder
	watcher *Watcher
}

// NewModule constructs the monitoring module.
func NewModule(opts Options) (*Module, error) {
	if opts.DB == nil {
		return nil, errors.New("monitoring: database is required")
	}

	health := NewHealthManager()
	return &Module{
		health: health,
		summary: &SummaryBuilder{
			db:      opts.DB,
			hub:     opts.Hub,
			gateway: opts.Gateway,
		},
		watcher: NewWatcher(health, opts.Hub, opts.AlertInterval),
	}, nil
}

// RegisterLiveness appends cheap probes answered on the unauthenticated
// health endpoint.
func (m *Module) RegisterLiveness(checks ...Check) {
	for _, check := range checks {
		m.health.RegisterLiveness(check)
	}
}

// RegisterReadiness appends dependency probes for the detailed health view
// and the alert watcher.
func (m *Module) RegisterReadiness(checks ...Check) {
	for _, check := range checks {
		m.health.RegisterReadiness(check)
	}
}

// Health exposes the probe manager.
func (m *Module) Health() *HealthManager {
	if m == nil {
		return nil
	}
	return m.health
}

// Watcher exposes the alert watcher so the application can start and stop it
// with the rest of the background workers.
func (m *Module) Watcher() *Watcher {
	if m == nil {
		return nil
	}
	return m.watcher
}

// Summary assembles the operator dashboard snapshot.
func (m *Module) Summary(ctx context.Context) (*Summary, error) {
	if m == nil || m.summary == nil {
		return nil, errors.New("monitoring: module not configured")
	}
	return m.summary.Snapshot(ctx)
}
