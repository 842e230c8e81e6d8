// Package domain labels queries with a coarse subject domain using a small
// chat model. The label keys the bandit's reward statistics.
package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/otterflow/otterflow/internal/router"
)

// Other is returned whenever a label cannot be obtained.
const Other = "other"

// Labels is the closed set a classification may return.
var Labels = []string{
	"math", "coding", "science", "finance", "sports",
	"history", "geography", "entertainment", "politics", Other,
}

const systemPrompt = "You are a domain classifier."

// Debiter charges a user's wallet.
type Debiter interface {
	Debit(ctx context.Context, userID string, amount float64) error
}

// Config holds the classifier model and its per-million token prices.
type Config struct {
	Model             string
	InputCostPerM     float64
	OutputCostPerM    float64
	FallbackTokenizer router.Tokenizer
}

// Classifier calls a chat model through a provider adapter and charges the
// caller for it before returning the label.
type Classifier struct {
	sender router.Sender
	wallet Debiter
	cfg    Config
}

func New(sender router.Sender, wallet Debiter, cfg Config) *Classifier {
	if cfg.Model == "" {
		cfg.Model = "gpt-3.5-turbo"
	}
	return &Classifier{sender: sender, wallet: wallet, cfg: cfg}
}

// Classify returns one of Labels. A failed call yields Other with no charge.
// A charge the wallet cannot cover is returned as the wallet's error
// (wallet.ErrInsufficientFunds) and no label is produced.
func (c *Classifier) Classify(ctx context.Context, userID, query string) (string, error) {
	if c.sender == nil {
		return Other, nil
	}
	prompt := buildPrompt(query)
	comp, err := c.sender.Send(ctx, c.cfg.Model, router.Prompt{
		Query:       prompt,
		System:      systemPrompt,
		Temperature: 0,
		JSONOutput:  true,
	})
	if err != nil {
		slog.Warn("domain: classifier call failed", slog.String("error", err.Error()))
		return Other, nil
	}

	in, out := comp.PromptTokens, comp.CompletionTokens
	if in == 0 && out == 0 && c.cfg.FallbackTokenizer != nil {
		in = c.cfg.FallbackTokenizer.Count(systemPrompt) + c.cfg.FallbackTokenizer.Count(prompt)
		out = c.cfg.FallbackTokenizer.Count(comp.Text)
	}
	cost := c.cfg.InputCostPerM/1e6*float64(in) + c.cfg.OutputCostPerM/1e6*float64(out)
	if err := c.wallet.Debit(ctx, userID, cost); err != nil {
		return "", fmt.Errorf("charge domain classification: %w", err)
	}

	return ParseLabel(comp.Text), nil
}

func buildPrompt(query string) string {
	quoted := make([]string, len(Labels))
	for i, l := range Labels {
		quoted[i] = `"` + l + `"`
	}
	return fmt.Sprintf(`You will receive a user query.
Return valid JSON with exactly one key "domain".
The value must be exactly one string from this list: [%s].
If you cannot decide, pick "other".

User query:
"""%s"""`, strings.Join(quoted, ", "), query)
}

// ParseLabel reads {"domain": "..."} and maps anything unknown to Other.
func ParseLabel(text string) string {
	var v struct {
		Domain string `json:"domain"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &v); err != nil {
		slog.Warn("domain: unparseable classifier output", slog.Int("length", len(text)))
		return Other
	}
	for _, l := range Labels {
		if v.Domain == l {
			return l
		}
	}
	return Other
}
