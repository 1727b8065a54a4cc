package assist

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/services"
	"github.com/corvalhq/corval/pkg/logger"
	"github.com/corvalhq/corval/pkg/metrics"
)

// UsageRecorder persists one billing row per provider call. The usage
// service satisfies it.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, input services.RecordUsageInput) (*models.UsageRecord, error)
}

// RetryPolicy bounds per-provider attempts. Delays grow exponentially from
// BaseDelay with jitter, capped at MaxDelay.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 2
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 250 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 4 * time.Second
	}
	return p
}

// TokenCost prices a provider's tokens in microcents per thousand.
type TokenCost struct {
	PromptPer1K     int64
	CompletionPer1K int64
}

// GatewayConfig tunes resilience and billing.
type GatewayConfig struct {
	NodeID           int64
	FailureThreshold int
	OpenFor          time.Duration
	Retry            RetryPolicy
	Costs            map[string]TokenCost
}

// Gateway fans completion requests across providers in order, shielding
// each behind a circuit breaker and retrying transient failures. Every
// provider it engages leaves a usage row.
type Gateway struct {
	providers []Provider
	breakers  map[string]*Breaker
	usage     UsageRecorder
	retry     RetryPolicy
	costs     map[string]TokenCost
	node      *snowflake.Node
	log       *zap.Logger
}

// NewGateway builds a Gateway over the ordered provider list, primary
// first. A nil usage recorder disables billing rows.
func NewGateway(providers []Provider, usage UsageRecorder, cfg GatewayConfig) (*Gateway, error) {
	if len(providers) == 0 {
		return nil, errors.New("assist gateway: at least one provider is required")
	}
	if cfg.NodeID <= 0 {
		cfg.NodeID = 1
	}

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, errors.New("assist gateway: invalid snowflake node id")
	}

	breakers := make(map[string]*Breaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = NewBreaker(p.Name(), cfg.FailureThreshold, cfg.OpenFor, nil)
	}

	return &Gateway{
		providers: providers,
		breakers:  breakers,
		usage:     usage,
		retry:     cfg.Retry.withDefaults(),
		costs:     cfg.Costs,
		node:      node,
		log:       logger.WithModule("assist.gateway"),
	}, nil
}

// Providers returns the configured backends in failover order.
func (g *Gateway) Providers() []Provider {
	return g.providers
}

// BreakerStates snapshots the breaker position per provider.
func (g *Gateway) BreakerStates() map[string]BreakerState {
	states := make(map[string]BreakerState, len(g.breakers))
	for name, b := range g.breakers {
		states[name] = b.State()
	}
	return states
}

// HealthCheck probes every provider and reports failures by name.
func (g *Gateway) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error, len(g.providers))
	for _, p := range g.providers {
		results[p.Name()] = p.Healthy(ctx)
	}
	return results
}

// Complete runs the request against the first provider that answers.
func (g *Gateway) Complete(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	requestID := g.node.Generate().String()

	var lastErr error
	for _, provider := range g.providers {
		breaker := g.breakers[provider.Name()]
		if !breaker.Allow() {
			metrics.AssistRequests.WithLabelValues(provider.Name(), "breaker_open").Inc()
			continue
		}

		result, err := g.attempt(ctx, provider, req)
		if err == nil {
			breaker.Success()
			result.Provider = provider.Name()
			result.RequestID = requestID
			g.recordUsage(req, requestID, provider.Name(), result.Model, result.PromptTokens, result.CompletionTokens, "success")
			return result, nil
		}

		breaker.Failure()
		g.recordUsage(req, requestID, provider.Name(), "", 0, 0, "error")
		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}

	if lastErr != nil {
		g.log.Warn("all assistant providers exhausted",
			zap.String("request_id", requestID),
			zap.Error(lastErr))
	}
	return nil, ErrProviderUnavailable
}

// StreamComplete is Complete with deltas forwarded to fn as they arrive.
// Failover only happens before the first delta; once output has flowed the
// stream fails in place.
func (g *Gateway) StreamComplete(ctx context.Context, req ChatRequest, fn func(Delta) error) (*ChatResult, error) {
	requestID := g.node.Generate().String()

	var lastErr error
	for _, provider := range g.providers {
		breaker := g.breakers[provider.Name()]
		if !breaker.Allow() {
			metrics.AssistRequests.WithLabelValues(provider.Name(), "breaker_open").Inc()
			continue
		}

		var (
			started bool
			content strings.Builder
			usage   Delta
		)
		wrapped := func(d Delta) error {
			started = true
			if d.Done {
				usage = d
				return nil
			}
			content.WriteString(d.Content)
			return fn(d)
		}

		start := time.Now()
		err := g.streamAttempts(ctx, provider, req, wrapped, &started)
		metrics.AssistLatency.WithLabelValues(provider.Name()).Observe(time.Since(start).Seconds())

		if err == nil {
			breaker.Success()
			metrics.AssistRequests.WithLabelValues(provider.Name(), "success").Inc()
			g.countTokens(provider.Name(), usage.PromptTokens, usage.CompletionTokens)
			g.recordUsage(req, requestID, provider.Name(), "", usage.PromptTokens, usage.CompletionTokens, "success")

			if ferr := fn(Delta{Done: true, PromptTokens: usage.PromptTokens, CompletionTokens: usage.CompletionTokens}); ferr != nil {
				return nil, ferr
			}
			return &ChatResult{
				Provider:         provider.Name(),
				Content:          content.String(),
				PromptTokens:     usage.PromptTokens,
				CompletionTokens: usage.CompletionTokens,
				RequestID:        requestID,
			}, nil
		}

		breaker.Failure()
		metrics.AssistRequests.WithLabelValues(provider.Name(), "failure").Inc()
		g.recordUsage(req, requestID, provider.Name(), "", 0, 0, "error")
		lastErr = err

		// Deltas already reached the caller, or the caller itself failed.
		if started || ctx.Err() != nil {
			g.log.Warn("assistant stream aborted",
				zap.String("request_id", requestID),
				zap.String("provider", provider.Name()),
				zap.Error(err))
			return nil, err
		}
	}

	if lastErr != nil {
		g.log.Warn("all assistant providers exhausted",
			zap.String("request_id", requestID),
			zap.Error(lastErr))
	}
	return nil, ErrProviderUnavailable
}

// attempt runs the retry loop for one provider.
func (g *Gateway) attempt(ctx context.Context, provider Provider, req ChatRequest) (*ChatResult, error) {
	var lastErr error
	for i := 0; i < g.retry.Attempts; i++ {
		if i > 0 {
			if err := g.backoff(ctx, i); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		result, err := provider.Chat(ctx, req)
		metrics.AssistLatency.WithLabelValues(provider.Name()).Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.AssistRequests.WithLabelValues(provider.Name(), "success").Inc()
			g.countTokens(provider.Name(), result.PromptTokens, result.CompletionTokens)
			return result, nil
		}

		lastErr = err
		if !IsRetryable(err) {
			break
		}
		metrics.AssistRequests.WithLabelValues(provider.Name(), "retry").Inc()
		g.log.Debug("assistant request retrying",
			zap.String("provider", provider.Name()),
			zap.Int("attempt", i+1),
			zap.Error(err))
	}

	metrics.AssistRequests.WithLabelValues(provider.Name(), "failure").Inc()
	return nil, lastErr
}

// streamAttempts retries a stream only while nothing has been emitted.
func (g *Gateway) streamAttempts(ctx context.Context, provider Provider, req ChatRequest, fn func(Delta) error, started *bool) error {
	var lastErr error
	for i := 0; i < g.retry.Attempts; i++ {
		if i > 0 {
			if err := g.backoff(ctx, i); err != nil {
				return err
			}
		}

		err := provider.Stream(ctx, req, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if *started || !IsRetryable(err) {
			return err
		}
	}
	return lastErr
}

func (g *Gateway) backoff(ctx context.Context, attempt int) error {
	delay := g.retry.BaseDelay << uint(attempt-1)
	if delay > g.retry.MaxDelay {
		delay = g.retry.MaxDelay
	}
	// Full jitter keeps concurrent retries from stampeding together.
	delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (g *Gateway) countTokens(provider string, prompt, completion int64) {
	if prompt > 0 {
		metrics.AssistTokens.WithLabelValues(provider, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		metrics.AssistTokens.WithLabelValues(provider, "completion").Add(float64(completion))
	}
}

// recordUsage writes the billing row detached from the caller's context so
// cancelled requests still get accounted.
func (g *Gateway) recordUsage(req ChatRequest, requestID, provider, model string, prompt, completion int64, outcome string) {
	if g.usage == nil {
		return
	}

	cost := g.costs[provider]
	input := services.RecordUsageInput{
		OrganizationID:   req.OrganizationID,
		RequestID:        requestID,
		UserID:           req.UserID,
		ConversationID:   req.ConversationID,
		Provider:         provider,
		Model:            model,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		CostMicrocents:   prompt*cost.PromptPer1K/1000 + completion*cost.CompletionPer1K/1000,
		Outcome:          outcome,
	}
	if _, err := g.usage.RecordUsage(context.Background(), input); err != nil {
		g.log.Warn("failed to record assistant usage",
			zap.String("request_id", requestID),
			zap.String("provider", provider),
			zap.Error(err))
	}
}
