// Package openai adapts OpenAI-compatible chat completion APIs (OpenAI and
// Groq) to router.Sender.
package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/otterflow/otterflow/internal/providers"
	"github.com/otterflow/otterflow/internal/router"
	"github.com/otterflow/otterflow/internal/tracing"
)

const (
	OpenAIBaseURL = "https://api.openai.com/v1"
	GroqBaseURL   = "https://api.groq.com/openai/v1"
)

// Adapter implements router.Sender on top of go-openai.
type Adapter struct {
	id     string
	client *openai.Client
}

// Option configures an Adapter.
type Option func(*openai.ClientConfig)

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) Option {
	return func(c *openai.ClientConfig) {
		c.HTTPClient = tracing.HTTPClient(d)
	}
}

// New creates an adapter registered under id. An empty baseURL uses the
// OpenAI endpoint.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	for _, o := range opts {
		o(&config)
	}
	return &Adapter{id: id, client: openai.NewClientWithConfig(config)}
}

// NewGroq creates the Groq adapter.
func NewGroq(apiKey string, opts ...Option) *Adapter {
	return New("Groq", apiKey, GroqBaseURL, opts...)
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Send(ctx context.Context, model string, p router.Prompt) (router.Completion, error) {
	var messages []openai.ChatCompletionMessage
	if p.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: p.Query})

	// go-openai omits a zero temperature from the request body.
	temperature := float32(p.Temperature)
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		TopP:        float32(p.TopP),
		MaxTokens:   p.MaxTokens,
	}
	if p.JSONOutput {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return router.Completion{}, fmt.Errorf("%s chat completion: %w", a.id, err)
	}

	out := router.Completion{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Provider:         a.id,
	}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
	}
	return out, nil
}

func (a *Adapter) ClassifyError(err error) *router.ClassifiedError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return providers.Classify(err, apiErr.HTTPStatusCode, fmt.Sprintf("%v %s", apiErr.Code, apiErr.Message))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return providers.Classify(err, reqErr.HTTPStatusCode, "")
	}
	return providers.Classify(err, 0, "")
}
