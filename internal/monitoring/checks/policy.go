package checks

import (
	"context"
	"time"

	"github.com/corvalhq/corval/internal/monitoring"
)

const defaultPolicyTimeout = 2 * time.Second

// PolicyChecker reports whether a compiled authorization policy is loaded.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Policy returns a readiness probe for the authorization engine. Every
// request consults the engine, so a missing policy takes readiness down.
func Policy(engine PolicyChecker, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("policy", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if engine == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDown,
				Details:  "policy engine not configured",
				Duration: time.Since(start),
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultPolicyTimeout))
		defer cancel()

		if err := engine.HealthCheck(probeCtx); err != nil {
			return monitoring.ResultFromError("policy", err, time.Since(start))
		}

		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Duration: time.Since(start),
		}
	})
}
