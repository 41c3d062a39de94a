package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/bryanwahyu/armoureye/internal/domain/ai"
	"github.com/bryanwahyu/armoureye/internal/infra/ai/prompt"
)

const maxTokens = 1024

// Client is a PackageAnalyzer backed by a chat completion model.
type Client struct {
	*openai.Client
	Model string
}

func NewClient(apiKey, model, baseURL string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{Client: openai.NewClientWithConfig(cfg), Model: model}
}

var _ ai.PackageAnalyzer = (*Client)(nil)

func (c *Client) model() string {
	if c.Model == "" {
		return openai.GPT4oMini
	}
	return c.Model
}

// AnalyzePackage asks the model for a verdict on name@version. The summary is
// always model-written, so opts.SummarizeWithLLM has no effect here.
func (c *Client) AnalyzePackage(ctx context.Context, name, version string, _ ai.AnalyzeOptions) (ai.Analysis, error) {
	model := c.model()
	req := openai.ChatCompletionRequest{
		Model: model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.GetSystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: prompt.GetUserPrompt(name, version)},
		},
	}
	// For reasoning models (o1/o3/o4/gpt-5*) use MaxCompletionTokens instead of MaxTokens
	if strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4") || strings.HasPrefix(model, "gpt-5") {
		req.MaxCompletionTokens = maxTokens
	} else {
		req.MaxTokens = maxTokens
	}

	resp, err := c.CreateChatCompletion(ctx, req)
	if err != nil {
		return ai.Analysis{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return ai.Analysis{}, fmt.Errorf("chat completion for %s@%s returned no choices", name, version)
	}
	return prompt.ParseVerdict(name, version, resp.Choices[0].Message.Content)
}

// CheckEndpoint lists models at the configured base URL.
func (c *Client) CheckEndpoint(ctx context.Context) ai.EndpointStatus {
	models, err := c.Client.ListModels(ctx)
	if err != nil {
		return ai.EndpointStatus{Error: classify(err).Error()}
	}
	return ai.EndpointStatus{Reachable: true, Info: map[string]any{
		"provider": "openai",
		"model":    c.model(),
		"models":   len(models.Models),
	}}
}

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ai.ErrQuotaExceeded, apiErr.Message)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %s", ai.ErrUnavailable, apiErr.Message)
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %v", ai.ErrQuotaExceeded, reqErr.Err)
		}
		return fmt.Errorf("%w: %v", ai.ErrUnavailable, reqErr.Err)
	}
	return fmt.Errorf("failed to create chat completion: %w", err)
}
