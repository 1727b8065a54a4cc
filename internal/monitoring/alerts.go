package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corvalhq/corval/internal/realtime"
	"github.com/corvalhq/corval/pkg/logger"
)

const defaultAlertInterval = 30 * time.Second

// AlertSink receives health transition announcements. The realtime hub
// satisfies it; alerts ride the monitoring topic, which is permission gated
// at upgrade time.
type AlertSink interface {
	Broadcast(message realtime.Message)
}

// Watcher re-evaluates readiness on an interval and announces component
// status transitions. A steady state, healthy or not, stays quiet after the
// first announcement.
type Watcher struct {
	health   *HealthManager
	sink     AlertSink
	interval time.Duration
	log      *zap.Logger

	mu   sync.Mutex
	last map[string]ProbeStatus

	lifecycle sync.Mutex
	started   bool
	stop      chan struct{}
	stopped   chan struct{}
}

// NewWatcher constructs a watcher. A nil sink keeps transitions log-only.
func NewWatcher(health *HealthManager, sink AlertSink, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = defaultAlertInterval
	}
	return &Watcher{
		health:   health,
		sink:     sink,
		interval: interval,
		log:      logger.WithModule("monitoring.watcher"),
		last:     make(map[string]ProbeStatus),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the evaluation loop. Subsequent calls are no-ops.
func (w *Watcher) Start() {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.loop()
}

// Stop terminates the loop and waits for it to exit. Safe without Start.
func (w *Watcher) Stop() {
	w.lifecycle.Lock()
	if !w.started {
		w.lifecycle.Unlock()
		return
	}
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	w.lifecycle.Unlock()
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.interval)
			w.RunOnce(ctx)
			cancel()
		case <-w.stop:
			return
		}
	}
}

// RunOnce evaluates readiness, announces transitions, and returns the report.
func (w *Watcher) RunOnce(ctx context.Context) HealthReport {
	report := w.health.EvaluateReadiness(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, check := range report.Checks {
		previous, seen := w.last[check.Component]
		w.last[check.Component] = check.Status

		if seen && previous == check.Status {
			continue
		}
		// A component booting straight into a healthy state is not news.
		if !seen && check.Status == StatusUp {
			continue
		}
		w.announce(check, previous)
	}
	return report
}

func (w *Watcher) announce(check ProbeResult, previous ProbeStatus) {
	event := "check.recovered"
	switch check.Status {
	case StatusDown:
		event = "check.down"
	case StatusDegraded:
		event = "check.degraded"
	}

	w.log.Warn("health transition",
		zap.String("component", check.Component),
		zap.String("status", string(check.Status)),
		zap.String("previous", string(previous)),
		zap.String("details", check.Details))

	if w.sink == nil {
		return
	}
	w.sink.Broadcast(realtime.Message{
		Topic: realtime.TopicMonitoringAlert,
		Event: event,
		Data: map[string]any{
			"component": check.Component,
			"status":    string(check.Status),
			"previous":  string(previous),
			"details":   check.Details,
		},
	})
}
