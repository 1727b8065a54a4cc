package assist

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	apperrors "github.com/corvalhq/corval/pkg/errors"
)

// ErrProviderUnavailable is returned when every configured provider has been
// skipped or exhausted.
var ErrProviderUnavailable = apperrors.New("ASSIST_PROVIDER_UNAVAILABLE", "No assistant provider available", http.StatusServiceUnavailable)

// Chat roles on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of dialogue sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Snippet is a retrieved chunk injected into the prompt as numbered context.
type Snippet struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	ChunkSeq   int     `json:"chunk_seq"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// ChatRequest is a provider-agnostic completion request.
type ChatRequest struct {
	OrganizationID string
	UserID         string
	ConversationID string
	Messages       []Message
	Context        []Snippet
	MaxTokens      int
	Temperature    float32
}

// ChatResult is a completed answer with token accounting. Provider and
// RequestID are filled in by the gateway.
type ChatResult struct {
	Provider         string
	Model            string
	Content          string
	PromptTokens     int64
	CompletionTokens int64
	RequestID        string
}

// Delta is one streamed fragment. The final delta has Done set and carries
// the token counts when the provider reports them.
type Delta struct {
	Content          string
	Done             bool
	PromptTokens     int64
	CompletionTokens int64
}

// Provider is a single model backend.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResult, error)
	Stream(ctx context.Context, req ChatRequest, fn func(Delta) error) error
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Healthy(ctx context.Context) error
}

// QueryEmbedder is an optional provider upgrade for backends that embed
// search queries differently from documents.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// RequestError is an upstream HTTP failure, kept unwrapped so the retry
// policy can classify it by status.
type RequestError struct {
	Provider string
	Status   int
	Message  string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: upstream status %d: %s", e.Provider, e.Status, e.Message)
}

// IsRetryable reports whether another attempt could succeed: timeouts, rate
// limits, upstream 5xx, and transport-level failures. Caller cancellation is
// final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Status == http.StatusTooManyRequests || reqErr.Status >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// renderMessages folds system turns and retrieval snippets into one system
// prompt and returns the remaining dialogue turns. Providers share this so
// every backend sees the same prompt shape.
func renderMessages(req ChatRequest) (string, []Message) {
	var system strings.Builder
	turns := make([]Message, 0, len(req.Messages))

	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
			continue
		}
		turns = append(turns, msg)
	}

	if len(req.Context) > 0 {
		if system.Len() > 0 {
			system.WriteString("\n\n")
		}
		system.WriteString("Context snippets follow. Use them when relevant and cite them as [n].")
		for i, snippet := range req.Context {
			fmt.Fprintf(&system, "\n\n[%d] %s\n%s", i+1, snippet.Title, snippet.Content)
		}
	}

	return system.String(), turns
}
