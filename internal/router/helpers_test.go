package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/otterflow/otterflow/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fp(v float64) *float64 { return &v }

// mockSender implements Sender for testing.
type mockSender struct {
	id   string
	text string
	err  error

	mu    sync.Mutex
	calls []string
}

func (m *mockSender) ID() string { return m.id }

func (m *mockSender) Send(ctx context.Context, model string, p Prompt) (Completion, error) {
	m.mu.Lock()
	m.calls = append(m.calls, model)
	m.mu.Unlock()
	if m.err != nil {
		return Completion{}, m.err
	}
	return Completion{
		Text:             m.text,
		PromptTokens:     len(strings.Fields(p.Query)),
		CompletionTokens: len(strings.Fields(m.text)),
		TotalTokens:      len(strings.Fields(p.Query)) + len(strings.Fields(m.text)),
	}, nil
}

func (m *mockSender) ClassifyError(err error) *ClassifiedError {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return &ClassifiedError{Err: err, Class: ErrTransient}
}

func (m *mockSender) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// wordTokenizer counts whitespace-separated words.
type wordTokenizer struct{}

func (wordTokenizer) Count(s string) int { return len(strings.Fields(s)) }

// seedStats writes rewards for a triple.
func seedStats(t *testing.T, s BanditStore, user, model, domain string, rewards ...float64) {
	t.Helper()
	for _, r := range rewards {
		if err := s.AddBanditReward(context.Background(), user, model, domain, r); err != nil {
			t.Fatalf("seed reward: %v", err)
		}
	}
}
