package checks

import (
	"bytes"
	"context"
	"time"

	"github.com/corvalhq/corval/internal/cache"
	"github.com/corvalhq/corval/internal/monitoring"
)

const defaultCacheTimeout = 2 * time.Second

// Cache returns a readiness probe that round-trips a sentinel value through
// the shared cache store. When the cache is disabled the probe reports
// StatusUp with a descriptive message to aid operators.
func Cache(store cache.Store, enabled bool, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("cache", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if !enabled {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusUp,
				Details:  "cache disabled",
				Duration: time.Since(start),
			}
		}
		if store == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  "cache unavailable",
				Duration: time.Since(start),
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultCacheTimeout))
		defer cancel()

		key := "monitoring:probe"
		want := []byte(time.Now().UTC().Format(time.RFC3339Nano))

		if err := store.Set(probeCtx, key, want, 30*time.Second); err != nil {
			return monitoring.ResultFromError("cache", err, time.Since(start))
		}
		got, found, err := store.Get(probeCtx, key)
		if err != nil {
			return monitoring.ResultFromError("cache", err, time.Since(start))
		}
		if !found || !bytes.Equal(got, want) {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  "cache read does not match write",
				Duration: time.Since(start),
			}
		}

		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Duration: time.Since(start),
		}
	})
}
