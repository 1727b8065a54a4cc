package assist

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// StubProvider is a deterministic backend for development and tests. Answers
// echo the question and list the snippet titles; embeddings are a character
// histogram so similar texts stay close under cosine similarity.
type StubProvider struct {
	dims int
}

// NewStubProvider constructs the stub backend.
func NewStubProvider() *StubProvider {
	return &StubProvider{dims: 16}
}

func (p *StubProvider) Name() string { return "stub" }

func (p *StubProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	question := lastUserMessage(req.Messages)
	if question == "" {
		return nil, errors.New("stub: request has no user message")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Stubbed answer to: %s", question)
	for i, snippet := range req.Context {
		fmt.Fprintf(&b, "\nSee [%d] %s.", i+1, snippet.Title)
	}
	content := b.String()

	return &ChatResult{
		Model:            "stub-1",
		Content:          content,
		PromptTokens:     promptWordCount(req),
		CompletionTokens: int64(len(strings.Fields(content))),
	}, nil
}

func (p *StubProvider) Stream(ctx context.Context, req ChatRequest, fn func(Delta) error) error {
	result, err := p.Chat(ctx, req)
	if err != nil {
		return err
	}

	for _, word := range strings.Fields(result.Content) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(Delta{Content: word + " "}); err != nil {
			return err
		}
	}
	return fn(Delta{
		Done:             true,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
	})
}

func (p *StubProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, p.dims)
		for _, r := range strings.ToLower(text) {
			if r == ' ' || r == '\n' || r == '\t' {
				continue
			}
			vec[int(r)%p.dims]++
		}
		out[i] = vec
	}
	return out, nil
}

func (p *StubProvider) Healthy(ctx context.Context) error { return ctx.Err() }

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func promptWordCount(req ChatRequest) int64 {
	var n int
	for _, msg := range req.Messages {
		n += len(strings.Fields(msg.Content))
	}
	for _, snippet := range req.Context {
		n += len(strings.Fields(snippet.Content))
	}
	return int64(n)
}
