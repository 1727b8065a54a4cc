package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/corvalhq/corval/internal/monitoring"
)

// SizeReporter exposes the realtime hub's connection count.
type SizeReporter interface {
	Size() int
}

// Realtime returns a liveness probe reporting the hub's connection count.
// The hub has no failure mode visible from outside, so the probe never
// degrades; its value is the count in the health report.
func Realtime(hub SizeReporter) monitoring.Check {
	return monitoring.NewCheck("realtime", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if hub == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusUp,
				Details:  "realtime disabled",
				Duration: time.Since(start),
			}
		}
		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Details:  fmt.Sprintf("%d clients connected", hub.Size()),
			Duration: time.Since(start),
		}
	})
}
