package assist

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaBaseURL    = "http://localhost:11434"
	defaultOllamaChatModel  = "llama3.1"
	defaultOllamaEmbedModel = "nomic-embed-text"
)

// OllamaConfig configures the local Ollama backend.
type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
	Timeout    time.Duration
}

// OllamaProvider talks to a local Ollama server over its HTTP API.
type OllamaProvider struct {
	cfg  OllamaConfig
	http *http.Client
}

// NewOllamaProvider constructs the Ollama backend.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ChatModel == "" {
		cfg.ChatModel = defaultOllamaChatModel
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = defaultOllamaEmbedModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OllamaProvider{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int64         `json:"prompt_eval_count"`
	EvalCount       int64         `json:"eval_count"`
	Error           string        `json:"error"`
}

func (p *OllamaProvider) buildRequest(req ChatRequest, stream bool) ollamaChatRequest {
	system, turns := renderMessages(req)

	messages := make([]ollamaMessage, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, ollamaMessage{Role: RoleSystem, Content: system})
	}
	for _, msg := range turns {
		messages = append(messages, ollamaMessage{Role: msg.Role, Content: msg.Content})
	}

	out := ollamaChatRequest{
		Model:    p.cfg.ChatModel,
		Messages: messages,
		Stream:   stream,
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		out.Options = &ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		}
	}
	return out
}

func (p *OllamaProvider) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &RequestError{Provider: "ollama", Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	resp, err := p.post(ctx, "/api/chat", p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("ollama: parse response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("ollama: api error: %s", parsed.Error)
	}

	return &ChatResult{
		Model:            p.cfg.ChatModel,
		Content:          strings.TrimSpace(parsed.Message.Content),
		PromptTokens:     parsed.PromptEvalCount,
		CompletionTokens: parsed.EvalCount,
	}, nil
}

// Stream reads the chat endpoint's line-delimited JSON chunks.
func (p *OllamaProvider) Stream(ctx context.Context, req ChatRequest, fn func(Delta) error) error {
	resp, err := p.post(ctx, "/api/chat", p.buildRequest(req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama: api error: %s", chunk.Error)
		}
		if chunk.Done {
			return fn(Delta{
				Done:             true,
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
			})
		}
		if chunk.Message.Content == "" {
			continue
		}
		if err := fn(Delta{Content: chunk.Message.Content}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ollama: stream: %w", err)
	}
	return fn(Delta{Done: true})
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error"`
}

// Embed calls the embeddings endpoint once per text; the API has no batch
// form.
func (p *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		resp, err := p.post(ctx, "/api/embeddings", ollamaEmbedRequest{
			Model:  p.cfg.EmbedModel,
			Prompt: text,
		})
		if err != nil {
			return nil, err
		}

		var parsed ollamaEmbedResponse
		err = json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("ollama: parse embedding: %w", err)
		}
		if parsed.Error != "" {
			return nil, fmt.Errorf("ollama: api error: %s", parsed.Error)
		}
		vectors[i] = parsed.Embedding
	}
	return vectors, nil
}

// Healthy probes the local model listing.
func (p *OllamaProvider) Healthy(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama: create request: %w", err)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama: health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return &RequestError{Provider: "ollama", Status: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}
