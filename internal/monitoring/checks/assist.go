package checks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/corvalhq/corval/internal/monitoring"
)

const defaultAssistTimeout = 5 * time.Second

// ProviderHealth is the assist gateway surface the probe needs.
type ProviderHealth interface {
	HealthCheck(ctx context.Context) map[string]error
}

// Assist returns a readiness probe over the model provider gateway. A partial
// outage degrades; the probe only reports down when every provider fails.
func Assist(gateway ProviderHealth, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("assist", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if gateway == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusUp,
				Details:  "assist disabled",
				Duration: time.Since(start),
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultAssistTimeout))
		defer cancel()

		results := gateway.HealthCheck(probeCtx)
		if len(results) == 0 {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  "no providers configured",
				Duration: time.Since(start),
			}
		}

		var failing []string
		for name, err := range results {
			if err != nil {
				failing = append(failing, fmt.Sprintf("%s: %v", name, err))
			}
		}
		if len(failing) == 0 {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusUp,
				Duration: time.Since(start),
			}
		}

		sort.Strings(failing)
		status := monitoring.StatusDegraded
		if len(failing) == len(results) {
			status = monitoring.StatusDown
		}
		return monitoring.ProbeResult{
			Status:   status,
			Details:  fmt.Sprintf("%d/%d providers failing: %s", len(failing), len(results), strings.Join(failing, "; ")),
			Duration: time.Since(start),
		}
	})
}
