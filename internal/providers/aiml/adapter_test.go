package aiml

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/otterflow/otterflow/internal/router"
)

func TestSendSuccess(t *testing.T) {
	var got completionRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "hola"}}},
			"usage":   map[string]any{"prompt_tokens": 4, "completion_tokens": 1},
		})
	}))
	defer ts.Close()

	a := New("test-key", ts.URL+"/", 0)
	c, err := a.Send(context.Background(), "mistralai/Mixtral-8x7B-Instruct-v0.1", router.Prompt{Query: "hello in spanish", Temperature: 0.7, TopP: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Text != "hola" || c.Provider != "Opensource" {
		t.Errorf("unexpected completion %+v", c)
	}
	if c.TotalTokens != 5 {
		t.Errorf("total tokens should fall back to prompt+completion, got %d", c.TotalTokens)
	}
	if got.Model != "mistralai/Mixtral-8x7B-Instruct-v0.1" || got.TopP != 1 {
		t.Errorf("unexpected request %+v", got)
	}
}

func TestSendServerErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	a := New("k", ts.URL, 0)
	_, err := a.Send(context.Background(), "m", router.Prompt{Query: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := a.ClassifyError(err).Class; got != router.ErrTransient {
		t.Errorf("class = %s, want transient", got)
	}
}
