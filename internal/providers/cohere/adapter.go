// Package cohere adapts the Cohere v2 chat API to router.Sender.
package cohere

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

const DefaultBaseURL = "https://api.cohere.com"

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates the Cohere adapter. An empty baseURL uses DefaultBaseURL.
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

func (a *Adapter) ID() string { return "Cohere" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	P           float64       `json:"p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Usage struct {
		Tokens struct {
			InputTokens  float64 `json:"input_tokens"`
			OutputTokens float64 `json:"output_tokens"`
		} `json:"tokens"`
	} `json:"usage"`
}

func (a *Adapter) Send(ctx context.Context, model string, p router.Prompt) (router.Completion, error) {
	req := chatRequest{
		Model:       model,
		Temperature: p.Temperature,
		P:           p.TopP,
		MaxTokens:   p.MaxTokens,
	}
	if p.System != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: p.System})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: p.Query})

	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v2/chat", req, map[string]string{
		"Authorization": "Bearer " + a.apiKey,
		"Accept":        "application/json",
	})
	if err != nil {
		return router.Completion{}, err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return router.Completion{}, fmt.Errorf("decode cohere response: %w", err)
	}
	var text strings.Builder
	for _, c := range resp.Message.Content {
		if c.Type == "" || c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	in, out := int(resp.Usage.Tokens.InputTokens), int(resp.Usage.Tokens.OutputTokens)
	return router.Completion{
		Text:             text.String(),
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
		Provider:         a.ID(),
	}, nil
}

func (a *Adapter) ClassifyError(err error) *router.ClassifiedError {
	return providers.ClassifyStatusError(err)
}
