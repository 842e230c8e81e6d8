// Package aiml serves open-weight models through the AIML API, which speaks
// the OpenAI chat completion format. Catalog entries tagged "Opensource"
// are dispatched here.
package aiml

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/otterflow/otterflow/internal/providers"
	"github.com/otterflow/otterflow/internal/router"
	"github.com/otterflow/otterflow/internal/tracing"
)

const DefaultBaseURL = "https://api.aimlapi.com"

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey, baseURL string, timeout time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  tracing.HTTPClient(timeout),
	}
}

func (a *Adapter) ID() string { return "Opensource" }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Send(ctx context.Context, model string, p router.Prompt) (router.Completion, error) {
	req := completionRequest{
		Model:       model,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		MaxTokens:   p.MaxTokens,
	}
	if p.System != "" {
		req.Messages = append(req.Messages, message{Role: "system", Content: p.System})
	}
	req.Messages = append(req.Messages, message{Role: "user", Content: p.Query})

	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/chat/completions", req, map[string]string{
		"Authorization": "Bearer " + a.apiKey,
	})
	if err != nil {
		return router.Completion{}, err
	}

	var resp completionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return router.Completion{}, fmt.Errorf("decode aiml response: %w", err)
	}
	out := router.Completion{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Provider:         a.ID(),
	}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out, nil
}

func (a *Adapter) ClassifyError(err error) *router.ClassifiedError {
	return providers.ClassifyStatusError(err)
}
