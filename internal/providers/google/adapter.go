// Package google adapts the Gemini API to router.Sender.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/otterflow/otterflow/internal/providers"
	"github.com/otterflow/otterflow/internal/router"
	"github.com/otterflow/otterflow/internal/tracing"
)

type Adapter struct {
	client *genai.Client
}

// New creates the Gemini adapter. baseURL is only set in tests.
func New(ctx context.Context, apiKey, baseURL string, timeout time.Duration) (*Adapter, error) {
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: tracing.HTTPClient(timeout),
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Adapter{client: client}, nil
}

func (a *Adapter) ID() string { return "Google" }

func (a *Adapter) Send(ctx context.Context, model string, p router.Prompt) (router.Completion, error) {
	temp := float32(p.Temperature)
	config := &genai.GenerateContentConfig{Temperature: &temp}
	if p.TopP > 0 {
		topP := float32(p.TopP)
		config.TopP = &topP
	}
	if p.MaxTokens > 0 {
		config.MaxOutputTokens = int32(p.MaxTokens)
	}
	if p.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: p.System}}}
	}
	if p.JSONOutput {
		config.ResponseMIMEType = "application/json"
	}

	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: p.Query}}}}
	result, err := a.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return router.Completion{}, fmt.Errorf("gemini generate content: %w", err)
	}

	out := router.Completion{Text: result.Text(), Provider: a.ID()}
	if u := result.UsageMetadata; u != nil {
		out.PromptTokens = int(u.PromptTokenCount)
		out.CompletionTokens = int(u.CandidatesTokenCount)
		out.TotalTokens = int(u.TotalTokenCount)
	}
	return out, nil
}

func (a *Adapter) ClassifyError(err error) *router.ClassifiedError {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		return providers.Classify(err, apiErr.Code, apiErr.Message)
	}
	return providers.Classify(err, statusFromMessage(err.Error()), err.Error())
}

// statusFromMessage pulls the code out of "Error 429, Message: ..." as
// rendered by the SDK.
func statusFromMessage(msg string) int {
	i := strings.Index(msg, "Error ")
	if i < 0 {
		return 0
	}
	var code int
	if _, err := fmt.Sscanf(msg[i:], "Error %d", &code); err != nil {
		return 0
	}
	return code
}
