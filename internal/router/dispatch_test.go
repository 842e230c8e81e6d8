package router

import (
	"context"
	"errors"
	"testing"
)

func newTestDispatcher(senders ...*mockSender) *Dispatcher {
	d := NewDispatcher()
	for _, s := range senders {
		d.RegisterAdapter(s)
	}
	return d
}

func tagged(name, tag string) ScoredCandidate {
	return ScoredCandidate{Name: name, License: tag, TopP: 1, Temperature: 0.7}
}

func TestDispatchNormalizes(t *testing.T) {
	s := &mockSender{id: "Groq", text: "four"}
	d := newTestDispatcher(s)

	att := d.Dispatch(context.Background(), "what is two plus two", tagged("llama", "Groq"))
	if !att.OK() {
		t.Fatalf("unexpected error: %v", att.Err)
	}
	if att.Completion.Text != "four" || att.Completion.Provider != "Groq" {
		t.Errorf("unexpected completion %+v", att.Completion)
	}
	if att.Completion.TotalTokens != 6 {
		t.Errorf("expected 6 total tokens, got %d", att.Completion.TotalTokens)
	}
}

func TestDispatchUnknownProvider(t *testing.T) {
	d := newTestDispatcher()
	att := d.Dispatch(context.Background(), "q", tagged("m", "Nowhere"))
	var pe *ProviderError
	if !errors.As(att.Err, &pe) || !errors.Is(att.Err, ErrUnknownProvider) {
		t.Fatalf("expected ProviderError wrapping ErrUnknownProvider, got %v", att.Err)
	}
}

func TestDispatchClassifiesErrors(t *testing.T) {
	s := &mockSender{id: "OpenAI", err: &ClassifiedError{Err: errors.New("429"), Class: ErrRateLimited}}
	att := newTestDispatcher(s).Dispatch(context.Background(), "q", tagged("gpt", "OpenAI"))
	var pe *ProviderError
	if !errors.As(att.Err, &pe) {
		t.Fatalf("expected ProviderError, got %v", att.Err)
	}
	if pe.Class != ErrRateLimited || pe.Provider != "OpenAI" || pe.Model != "gpt" {
		t.Errorf("unexpected provider error %+v", pe)
	}
}

func TestDispatchEmptyResponse(t *testing.T) {
	s := &mockSender{id: "OpenAI", text: "  \n"}
	att := newTestDispatcher(s).Dispatch(context.Background(), "q", tagged("gpt", "OpenAI"))
	if !errors.Is(att.Err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", att.Err)
	}
}

func TestRouteWithFallbackThirdSucceeds(t *testing.T) {
	bad1 := &mockSender{id: "OpenAI", err: errors.New("boom")}
	bad2 := &mockSender{id: "Groq", err: errors.New("timeout")}
	good := &mockSender{id: "Google", text: "hello"}
	d := newTestDispatcher(bad1, bad2, good)

	cs := []ScoredCandidate{tagged("a", "OpenAI"), tagged("b", "Groq"), tagged("c", "Google")}
	res, err := RouteWithFallback(context.Background(), d, "hi", cs, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Final.Candidate.Name != "c" || res.Final.Completion.Text != "hello" {
		t.Errorf("expected third candidate's result, got %+v", res.Final)
	}
	if len(res.Attempts) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(res.Attempts))
	}
	total := len(bad1.Calls()) + len(bad2.Calls()) + len(good.Calls())
	if total != 3 {
		t.Errorf("expected exactly 3 dispatches, got %d", total)
	}
}

func TestRouteWithFallbackAllFail(t *testing.T) {
	bad := &mockSender{id: "OpenAI", err: errors.New("down")}
	d := newTestDispatcher(bad)
	cs := []ScoredCandidate{tagged("a", "OpenAI"), tagged("b", "OpenAI"), tagged("c", "OpenAI")}

	_, err := RouteWithFallback(context.Background(), d, "hi", cs, 3)
	var acf *AllCandidatesFailedError
	if !errors.As(err, &acf) {
		t.Fatalf("expected AllCandidatesFailedError, got %v", err)
	}
	if acf.Attempts != 3 || len(acf.Errs) != 3 {
		t.Errorf("expected 3 attempts, got %+v", acf)
	}
}

func TestRouteWithFallbackRespectsMaxAttempts(t *testing.T) {
	bad := &mockSender{id: "OpenAI", err: errors.New("down")}
	good := &mockSender{id: "Groq", text: "late"}
	d := newTestDispatcher(bad, good)
	cs := []ScoredCandidate{tagged("a", "OpenAI"), tagged("b", "OpenAI"), tagged("c", "Groq")}

	_, err := RouteWithFallback(context.Background(), d, "hi", cs, 2)
	var acf *AllCandidatesFailedError
	if !errors.As(err, &acf) || acf.Attempts != 2 {
		t.Fatalf("expected failure after 2 attempts, got %v", err)
	}
	if len(good.Calls()) != 0 {
		t.Error("candidate beyond max_attempts must not be tried")
	}
}

func TestRouteWithFallbackEmptyResponseIsTerminal(t *testing.T) {
	empty := &mockSender{id: "OpenAI", text: ""}
	good := &mockSender{id: "Groq", text: "answer"}
	d := newTestDispatcher(empty, good)
	cs := []ScoredCandidate{tagged("a", "OpenAI"), tagged("b", "Groq")}

	res, err := RouteWithFallback(context.Background(), d, "hi", cs, 3)
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
	if len(res.Attempts) != 1 || len(good.Calls()) != 0 {
		t.Error("empty response must not fall through to the next candidate")
	}
}

func TestRouteWithFallbackNoCandidates(t *testing.T) {
	_, err := RouteWithFallback(context.Background(), NewDispatcher(), "hi", nil, 3)
	if !errors.Is(err, ErrNoEligibleModels) {
		t.Errorf("expected ErrNoEligibleModels, got %v", err)
	}
}

func TestRouteWithFallbackCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &mockSender{id: "OpenAI", text: "x"}
	_, err := RouteWithFallback(ctx, newTestDispatcher(s), "hi", []ScoredCandidate{tagged("a", "OpenAI")}, 3)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in error chain, got %v", err)
	}
	if len(s.Calls()) != 0 {
		t.Error("no dispatch should happen after cancellation")
	}
}

func TestFallbackOrder(t *testing.T) {
	cs := cands("a", "b", "c")
	got := fallbackOrder(cs, 1)
	if got[0].Name != "b" || got[1].Name != "a" || got[2].Name != "c" {
		t.Errorf("unexpected order %v", got)
	}
}

type outcome struct {
	provider string
	failed   bool
}

type recordingObserver struct{ got []outcome }

func (o *recordingObserver) ObserveDispatch(provider string, latencyMs float64, err error) {
	o.got = append(o.got, outcome{provider: provider, failed: err != nil})
}

func TestDispatchNotifiesObserver(t *testing.T) {
	ok := &mockSender{id: "Groq", text: "four"}
	bad := &mockSender{id: "OpenAI", err: errors.New("boom")}
	empty := &mockSender{id: "Cohere", text: " \n"}
	d := newTestDispatcher(ok, bad, empty)
	obs := &recordingObserver{}
	d.SetObserver(obs)

	d.Dispatch(context.Background(), "q", tagged("gpt", "OpenAI"))
	d.Dispatch(context.Background(), "q", tagged("llama", "Groq"))
	d.Dispatch(context.Background(), "q", tagged("m", "Nowhere"))
	d.Dispatch(context.Background(), "q", tagged("command-r", "Cohere"))

	want := []outcome{{"OpenAI", true}, {"Groq", false}, {"Cohere", true}}
	if len(obs.got) != len(want) {
		t.Fatalf("got %v, want %v", obs.got, want)
	}
	for i := range want {
		if obs.got[i] != want[i] {
			t.Errorf("outcome %d: got %v, want %v", i, obs.got[i], want[i])
		}
	}
}
