// Package anthropic adapts the Anthropic Messages API to router.Sender.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/otterflow/otterflow/internal/providers"
	"github.com/otterflow/otterflow/internal/router"
	"github.com/otterflow/otterflow/internal/tracing"
)

// defaultMaxTokens is sent when the prompt does not set one; the Messages
// API requires it.
const defaultMaxTokens = 1024

type Adapter struct {
	id     string
	client *anthropic.Client
}

// New creates the adapter. The SDK's own retries are disabled; fallback to
// the next candidate happens in the router.
func New(apiKey, baseURL string, timeout time.Duration) *Adapter {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(tracing.HTTPClient(0)),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	client := anthropic.NewClient(opts...)
	return &Adapter{id: "Anthropic", client: &client}
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Send(ctx context.Context, model string, p router.Prompt) (router.Completion, error) {
	maxTokens := int64(p.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{{
			Role:    anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(p.Query)},
		}},
		Temperature: anthropic.Float(p.Temperature),
	}
	if p.TopP > 0 && p.TopP < 1 {
		params.TopP = anthropic.Float(p.TopP)
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.System}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return router.Completion{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return router.Completion{
		Text:             text.String(),
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
		Provider:         a.id,
	}, nil
}

func (a *Adapter) ClassifyError(err error) *router.ClassifiedError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return providers.Classify(err, apiErr.StatusCode, apiErr.Error())
	}
	return providers.Classify(err, 0, "")
}
