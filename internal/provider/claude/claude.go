package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dmitriz/llm-univ-sub001/internal/provider"
)

type ClaudeProvider struct {
	apiKey  string
	baseURL string
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []claudeMessage `json:"messages"`
	Stream    bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string          `json:"id"`
	Content []claudeContent `json:"content"`
	Model   string          `json:"model"`
	Usage   claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamDelta struct {
	Type  string       `json:"type"`
	Delta claudeDelta  `json:"delta,omitempty"`
	Error *claudeError `json:"error,omitempty"`
}

type claudeDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey string) provider.Provider {
	return &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
	}
}

func (p *ClaudeProvider) header() http.Header {
	h := http.Header{}
	h.Set("x-api-key", p.apiKey)
	h.Set("anthropic-version", "2023-06-01")
	return h
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	resp, err := provider.Do(ctx, p.Name(), p.baseURL+"/messages", p.header(), p.mapRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	if len(out.Content) == 0 {
		return nil, fmt.Errorf("claude api returned no content")
	}

	return &provider.Response{
		ID:           out.ID,
		Content:      out.Content[0].Text,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		Model:        out.Model,
		Provider:     p.Name(),
	}, nil
}

func (p *ClaudeProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	claudeReq := p.mapRequest(req)
	claudeReq.Stream = true

	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)

		resp, err := provider.Do(ctx, p.Name(), p.baseURL+"/messages", p.header(), claudeReq)
		if err != nil {
			provider.Emit(ctx, ch, &provider.Chunk{Err: err})
			return
		}
		defer resp.Body.Close()

		provider.ScanEvents(ctx, resp.Body, ch, func(event, data string) *provider.Chunk {
			switch event {
			case "content_block_delta":
				var delta claudeStreamDelta
				if err := json.Unmarshal([]byte(data), &delta); err != nil {
					return nil
				}
				if delta.Delta.Type == "text_delta" && delta.Delta.Text != "" {
					return &provider.Chunk{Delta: delta.Delta.Text}
				}
			case "message_stop":
				return &provider.Chunk{Done: true}
			case "error":
				var delta claudeStreamDelta
				if err := json.Unmarshal([]byte(data), &delta); err == nil && delta.Error != nil {
					return &provider.Chunk{Err: fmt.Errorf("claude stream error: %s", delta.Error.Message)}
				}
			}
			return nil
		})
	}()

	return ch, nil
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	var system string
	var messages []claudeMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return claudeRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
		Stream:    req.Stream,
	}
}

func (p *ClaudeProvider) Name() string {
	return "claude"
}

func (p *ClaudeProvider) CostPerInputToken() float64 {
	return 0.0000008
}

func (p *ClaudeProvider) CostPerOutputToken() float64 {
	return 0.000004
}

func (p *ClaudeProvider) SupportedModels() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
		"claude-3-sonnet-20240229",
		"claude-3-haiku-20240307",
	}
}
