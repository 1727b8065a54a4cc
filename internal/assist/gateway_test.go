package assist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/services"
)

// scriptedProvider plays back canned responses keyed by call number.
type scriptedProvider struct {
	name string

	mu      sync.Mutex
	chats   int
	streams int
	lastReq ChatRequest

	chat   func(call int) (*ChatResult, error)
	stream func(call int, fn func(Delta) error) error
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Chat(_ context.Context, req ChatRequest) (*ChatResult, error) {
	p.mu.Lock()
	p.chats++
	call := p.chats
	p.lastReq = req
	p.mu.Unlock()

	if p.chat == nil {
		return nil, errors.New("no chat script")
	}
	return p.chat(call)
}

func (p *scriptedProvider) Stream(_ context.Context, req ChatRequest, fn func(Delta) error) error {
	p.mu.Lock()
	p.streams++
	call := p.streams
	p.lastReq = req
	p.mu.Unlock()

	if p.stream == nil {
		return errors.New("no stream script")
	}
	return p.stream(call, fn)
}

func (p *scriptedProvider) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("scripted provider does not embed")
}

func (p *scriptedProvider) Healthy(context.Context) error { return nil }

func (p *scriptedProvider) chatCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chats
}

func (p *scriptedProvider) streamCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams
}

func (p *scriptedProvider) lastRequest() ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

// usageCapture records billing rows instead of persisting them.
type usageCapture struct {
	mu   sync.Mutex
	rows []services.RecordUsageInput
}

func (u *usageCapture) RecordUsage(_ context.Context, input services.RecordUsageInput) (*models.UsageRecord, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rows = append(u.rows, input)
	return &models.UsageRecord{}, nil
}

func (u *usageCapture) recorded() []services.RecordUsageInput {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]services.RecordUsageInput, len(u.rows))
	copy(out, u.rows)
	return out
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestGatewayCompleteFailsOverToFallback(t *testing.T) {
	primary := &scriptedProvider{name: "gemini", chat: func(int) (*ChatResult, error) {
		return nil, &RequestError{Provider: "gemini", Status: 400, Message: "bad request"}
	}}
	fallback := &scriptedProvider{name: "ollama", chat: func(int) (*ChatResult, error) {
		return &ChatResult{Model: "llama3.1", Content: "pong", PromptTokens: 12, CompletionTokens: 3}, nil
	}}
	usage := &usageCapture{}

	gw, err := NewGateway([]Provider{primary, fallback}, usage, GatewayConfig{Retry: fastRetry()})
	require.NoError(t, err)

	result, err := gw.Complete(context.Background(), ChatRequest{
		OrganizationID: "org-1",
		UserID:         "user-1",
		Messages:       []Message{{Role: RoleUser, Content: "ping"}},
	})
	require.NoError(t, err)
	require.Equal(t, "ollama", result.Provider)
	require.Equal(t, "pong", result.Content)
	require.NotEmpty(t, result.RequestID)

	// A 400 is not retryable, so the primary gets exactly one attempt.
	require.Equal(t, 1, primary.chatCalls())
	require.Equal(t, 1, fallback.chatCalls())

	rows := usage.recorded()
	require.Len(t, rows, 2)
	require.Equal(t, "gemini", rows[0].Provider)
	require.Equal(t, "error", rows[0].Outcome)
	require.Equal(t, "ollama", rows[1].Provider)
	require.Equal(t, "success", rows[1].Outcome)
	require.Equal(t, int64(12), rows[1].PromptTokens)
	require.Equal(t, int64(3), rows[1].CompletionTokens)
	require.Equal(t, result.RequestID, rows[0].RequestID)
	require.Equal(t, result.RequestID, rows[1].RequestID)
	require.Equal(t, "org-1", rows[1].OrganizationID)
	require.Equal(t, "user-1", rows[1].UserID)
}

func TestGatewayCompleteRetriesTransientErrors(t *testing.T) {
	flaky := &scriptedProvider{name: "gemini", chat: func(call int) (*ChatResult, error) {
		if call == 1 {
			return nil, &RequestError{Provider: "gemini", Status: 503, Message: "overloaded"}
		}
		return &ChatResult{Model: "gemini-2.5-flash", Content: "recovered"}, nil
	}}
	usage := &usageCapture{}

	gw, err := NewGateway([]Provider{flaky}, usage, GatewayConfig{Retry: fastRetry()})
	require.NoError(t, err)

	result, err := gw.Complete(context.Background(), ChatRequest{OrganizationID: "org-1", UserID: "user-1"})
	require.NoError(t, err)
	require.Equal(t, "recovered", result.Content)
	require.Equal(t, 2, flaky.chatCalls())
	require.Equal(t, BreakerClosed, gw.BreakerStates()["gemini"])

	rows := usage.recorded()
	require.Len(t, rows, 1)
	require.Equal(t, "success", rows[0].Outcome)
}

func TestGatewayCostsPriceRecordedTokens(t *testing.T) {
	provider := &scriptedProvider{name: "gemini", chat: func(int) (*ChatResult, error) {
		return &ChatResult{Model: "gemini-2.5-flash", Content: "ok", PromptTokens: 2000, CompletionTokens: 500}, nil
	}}
	usage := &usageCapture{}

	gw, err := NewGateway([]Provider{provider}, usage, GatewayConfig{
		Retry: fastRetry(),
		Costs: map[string]TokenCost{
			"gemini": {PromptPer1K: 30, CompletionPer1K: 120},
		},
	})
	require.NoError(t, err)

	_, err = gw.Complete(context.Background(), ChatRequest{OrganizationID: "org-1", UserID: "user-1"})
	require.NoError(t, err)

	rows := usage.recorded()
	require.Len(t, rows, 1)
	// 2000 prompt tokens at 30 per 1K plus 500 completion tokens at 120 per 1K.
	require.Equal(t, int64(60+60), rows[0].CostMicrocents)
}

func TestGatewayBreakerSkipsOpenProvider(t *testing.T) {
	failing := &scriptedProvider{name: "gemini", chat: func(int) (*ChatResult, error) {
		return nil, &RequestError{Provider: "gemini", Status: 400, Message: "broken"}
	}}
	usage := &usageCapture{}

	gw, err := NewGateway([]Provider{failing}, usage, GatewayConfig{
		FailureThreshold: 2,
		OpenFor:          time.Hour,
		Retry:            fastRetry(),
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := gw.Complete(context.Background(), ChatRequest{OrganizationID: "org-1", UserID: "user-1"})
		require.ErrorIs(t, err, ErrProviderUnavailable)
	}
	require.Equal(t, 2, failing.chatCalls())
	require.Equal(t, BreakerOpen, gw.BreakerStates()["gemini"])

	// The open breaker short-circuits without touching the provider.
	_, err = gw.Complete(context.Background(), ChatRequest{OrganizationID: "org-1", UserID: "user-1"})
	require.ErrorIs(t, err, ErrProviderUnavailable)
	require.Equal(t, 2, failing.chatCalls())
	require.Len(t, usage.recorded(), 2)
}

func TestGatewayStreamFailsOverBeforeFirstDelta(t *testing.T) {
	primary := &scriptedProvider{name: "gemini", stream: func(int, func(Delta) error) error {
		return &RequestError{Provider: "gemini", Status: 401, Message: "bad key"}
	}}
	fallback := &scriptedProvider{name: "ollama", stream: func(_ int, fn func(Delta) error) error {
		if err := fn(Delta{Content: "Hello "}); err != nil {
			return err
		}
		if err := fn(Delta{Content: "world"}); err != nil {
			return err
		}
		return fn(Delta{Done: true, PromptTokens: 20, CompletionTokens: 2})
	}}
	usage := &usageCapture{}

	gw, err := NewGateway([]Provider{primary, fallback}, usage, GatewayConfig{Retry: fastRetry()})
	require.NoError(t, err)

	var parts []string
	var finals int
	result, err := gw.StreamComplete(context.Background(), ChatRequest{OrganizationID: "org-1", UserID: "user-1"}, func(d Delta) error {
		if d.Done {
			finals++
			require.Equal(t, int64(20), d.PromptTokens)
			require.Equal(t, int64(2), d.CompletionTokens)
			return nil
		}
		parts = append(parts, d.Content)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "ollama", result.Provider)
	require.Equal(t, "Hello world", result.Content)
	require.Equal(t, int64(20), result.PromptTokens)
	require.Equal(t, []string{"Hello ", "world"}, parts)
	require.Equal(t, 1, finals)

	rows := usage.recorded()
	require.Len(t, rows, 2)
	require.Equal(t, "error", rows[0].Outcome)
	require.Equal(t, "success", rows[1].Outcome)
	require.Equal(t, int64(2), rows[1].CompletionTokens)
}

func TestGatewayStreamDoesNotFailOverMidStream(t *testing.T) {
	primary := &scriptedProvider{name: "gemini", stream: func(_ int, fn func(Delta) error) error {
		if err := fn(Delta{Content: "partial"}); err != nil {
			return err
		}
		return &RequestError{Provider: "gemini", Status: 500, Message: "connection reset"}
	}}
	fallback := &scriptedProvider{name: "ollama", stream: func(_ int, fn func(Delta) error) error {
		return fn(Delta{Done: true})
	}}
	usage := &usageCapture{}

	gw, err := NewGateway([]Provider{primary, fallback}, usage, GatewayConfig{Retry: fastRetry()})
	require.NoError(t, err)

	result, err := gw.StreamComplete(context.Background(), ChatRequest{OrganizationID: "org-1", UserID: "user-1"}, func(Delta) error {
		return nil
	})
	require.Nil(t, result)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, 500, reqErr.Status)
	require.NotErrorIs(t, err, ErrProviderUnavailable)

	// Output already reached the caller, so the fallback must stay untouched.
	require.Equal(t, 1, primary.streamCalls())
	require.Equal(t, 0, fallback.streamCalls())

	rows := usage.recorded()
	require.Len(t, rows, 1)
	require.Equal(t, "error", rows[0].Outcome)
}

func TestGatewayRequiresProviders(t *testing.T) {
	_, err := NewGateway(nil, nil, GatewayConfig{})
	require.Error(t, err)

	// Billing is optional.
	provider := &scriptedProvider{name: "stub", chat: func(int) (*ChatResult, error) {
		return &ChatResult{Content: "ok"}, nil
	}}
	gw, err := NewGateway([]Provider{provider}, nil, GatewayConfig{Retry: fastRetry()})
	require.NoError(t, err)

	result, err := gw.Complete(context.Background(), ChatRequest{OrganizationID: "org-1", UserID: "user-1"})
	require.NoError(t, err)
	require.Equal(t, "ok", result.Content)
}
