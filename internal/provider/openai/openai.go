package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dmitriz/llm-univ-sub001/internal/provider"
)

type OpenAIProvider struct {
	apiKey  string
	baseURL string
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message openAIMessage `json:"message"`
	Delta   openAIDelta   `json:"delta"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func New(apiKey string) provider.Provider {
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1",
	}
}

func (p *OpenAIProvider) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+p.apiKey)
	return h
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	resp, err := provider.Do(ctx, p.Name(), p.baseURL+"/chat/completions", p.header(), p.mapRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("openai api returned no choices")
	}

	return &provider.Response{
		ID:           out.ID,
		Content:      out.Choices[0].Message.Content,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		Model:        out.Model,
		Provider:     p.Name(),
	}, nil
}

func (p *OpenAIProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	openAIReq := p.mapRequest(req)
	openAIReq.Stream = true

	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)

		resp, err := provider.Do(ctx, p.Name(), p.baseURL+"/chat/completions", p.header(), openAIReq)
		if err != nil {
			provider.Emit(ctx, ch, &provider.Chunk{Err: err})
			return
		}
		defer resp.Body.Close()

		provider.ScanEvents(ctx, resp.Body, ch, func(_, data string) *provider.Chunk {
			if data == "[DONE]" {
				return &provider.Chunk{Done: true}
			}
			var out openAIResponse
			if err := json.Unmarshal([]byte(data), &out); err != nil {
				return &provider.Chunk{Err: err}
			}
			if len(out.Choices) > 0 && out.Choices[0].Delta.Content != "" {
				return &provider.Chunk{Delta: out.Choices[0].Delta.Content}
			}
			return nil
		})
	}()

	return ch, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	messages := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openAIMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	return openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) CostPerInputToken() float64 {
	return 0.00000015
}

func (p *OpenAIProvider) CostPerOutputToken() float64 {
	return 0.00000060
}

func (p *OpenAIProvider) SupportedModels() []string {
	return []string{"gpt-4o", "gpt-4o-mini", "gpt-4", "gpt-3.5-turbo"}
}
