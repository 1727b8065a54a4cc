package checks

import (
	"context"
	"time"

	"github.com/corvalhq/corval/internal/monitoring"
)

const defaultPluginsTimeout = 5 * time.Second

// The sentinel plugin compiled on every probe. Load failures here mean the
// sandbox interpreter itself is broken, not any installed plugin.
const pluginProbeSource = `package plugin

import "context"

func Probe(ctx context.Context, event map[string]any) (map[string]any, error) {
	return event, nil
}
`

// Compiler is the plugin executor surface the probe needs.
type Compiler interface {
	Compile(ctx context.Context, source, entrypoint string) error
}

// Plugins returns a readiness probe that compiles a sentinel plugin through
// the sandbox. When the executor is absent the probe reports StatusUp with a
// descriptive message.
func Plugins(executor Compiler, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("plugins", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if executor == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusUp,
				Details:  "plugins disabled",
				Duration: time.Since(start),
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultPluginsTimeout))
		defer cancel()

		if err := executor.Compile(probeCtx, pluginProbeSource, "Probe"); err != nil {
			return monitoring.ResultFromError("plugins", err, time.Since(start))
		}

		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Duration: time.Since(start),
		}
	})
}
