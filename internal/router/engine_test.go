package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/otterflow/otterflow/internal/events"
	"github.com/otterflow/otterflow/internal/store"
	"github.com/otterflow/otterflow/internal/wallet"
)

type fakeClassifier struct {
	label string
	err   error
	calls int
}

func (f *fakeClassifier) Classify(ctx context.Context, userID, query string) (string, error) {
	f.calls++
	return f.label, f.err
}

// recordingBandit logs every stat read and reward write in order.
type recordingBandit struct {
	BanditStore

	mu  sync.Mutex
	ops []string
}

func (r *recordingBandit) GetBanditStat(ctx context.Context, userID, model, domain string) (*store.BanditStat, error) {
	r.record("get:" + model)
	return r.BanditStore.GetBanditStat(ctx, userID, model, domain)
}

func (r *recordingBandit) AddBanditReward(ctx context.Context, userID, model, domain string, reward float64) error {
	r.record(fmt.Sprintf("add:%s:%g", model, reward))
	return r.BanditStore.AddBanditReward(ctx, userID, model, domain, reward)
}

func (r *recordingBandit) record(op string) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *recordingBandit) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.ops
	r.ops = nil
	return out
}

type engineFixture struct {
	store  *store.SQLiteStore
	ledger *wallet.Ledger
	cls    *fakeClassifier
	alpha  *mockSender
	beta   *mockSender
	rec    *recordingBandit
	engine *Engine
}

func newEngineFixture(t *testing.T, policy wallet.SettlementPolicy, balance, minBalance float64) *engineFixture {
	t.Helper()
	ctx := context.Background()
	s := newTestStore(t)
	for _, m := range []store.ModelRecord{
		{Name: "alpha", License: "OpenAI", Cost: fp(0.2), Performance: fp(0.9), Latency: fp(0.3), InputCostRaw: 5, OutputCostRaw: 15},
		{Name: "beta", License: "Groq", Cost: fp(0.1), Performance: fp(0.5), Latency: fp(0.1), InputCostRaw: 0.05, OutputCostRaw: 0.08},
	} {
		if err := s.UpsertModel(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if balance > 0 {
		if _, err := s.CreditWallet(ctx, "u1", balance); err != nil {
			t.Fatal(err)
		}
	}

	f := &engineFixture{
		store:  s,
		ledger: wallet.New(s, policy),
		cls:    &fakeClassifier{label: "math"},
		alpha:  &mockSender{id: "OpenAI", text: "four, from alpha"},
		beta:   &mockSender{id: "Groq", text: "four"},
		rec:    &recordingBandit{BanditStore: s},
	}
	d := NewDispatcher()
	d.RegisterAdapter(f.alpha)
	d.RegisterAdapter(f.beta)

	f.engine = NewEngine(EngineConfig{MinBalance: minBalance}, EngineDeps{
		Catalog:    s,
		Usage:      s,
		Wallet:     f.ledger,
		Classifier: f.cls,
		Bandit:     NewBandit(f.rec, BanditConfig{Epsilon: 0, StdErrThreshold: 0.1}, nil),
		Dispatcher: d,
		Tokenizer:  wordTokenizer{},
	})
	return f
}

func autoRequest(query string) RoutingRequest {
	return RoutingRequest{RequestID: "req", UserID: "u1", Query: query, Mode: ModeAuto, Priorities: DefaultPriorities}
}

func collect(steps *[]events.Step) events.Emitter {
	return func(s events.Step) { *steps = append(*steps, s) }
}

func TestRouteAutoSuccess(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, wallet.PolicyReject, 10, 5)

	var steps []events.Step
	out, err := f.engine.Route(ctx, autoRequest("What is two plus two?"), collect(&steps))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Model != "beta" || out.BanditChoice != "beta" || out.SelectionMode != SelectExploring {
		t.Errorf("expected cold start on top-ranked beta, got %+v", out)
	}
	if out.Domain != "math" || out.Output != "four" || out.Provider != "Groq" || out.Attempts != 1 {
		t.Errorf("unexpected outcome %+v", out)
	}

	wantCost := (0.05/1e6*5 + 0.08/1e6*1) * 1.15
	if math.Abs(out.Cost-wantCost) > 1e-15 {
		t.Errorf("cost = %g, want %g", out.Cost, wantCost)
	}
	bal, _ := f.ledger.Balance(ctx, "u1")
	if math.Abs(bal-(10-wantCost)) > 1e-12 {
		t.Errorf("balance = %f, want %f", bal, 10-wantCost)
	}

	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Step
	}
	want := []string{events.StepSelectionMode, events.StepTopCandidates, events.StepCostAndLatency, "", events.StepEnd}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Fatalf("step order = %q, want %q", names, want)
	}
	if steps[0].Mode != "auto" {
		t.Errorf("selection-mode step carries mode %q", steps[0].Mode)
	}
	if len(steps[1].Models) != 2 || steps[1].Models[0].Name != "beta" {
		t.Errorf("top-candidates step = %+v", steps[1].Models)
	}
	if steps[2].Metrics == nil || steps[2].Metrics.Cost != out.Cost {
		t.Errorf("cost-and-latency step = %+v", steps[2].Metrics)
	}
	if steps[3].FinalResponse != "four" || steps[3].ModelUsed != "beta" || steps[3].Domain != "math" {
		t.Errorf("final step = %+v", steps[3])
	}

	last, err := f.store.LastUsage(ctx, "u1")
	if err != nil || last == nil {
		t.Fatalf("usage not logged: %v", err)
	}
	if last.ModelName != "beta" || last.Domain != "math" || last.Query != "What is two plus two?" || last.BanditChoice != "beta" {
		t.Errorf("unexpected usage log %+v", last)
	}

	stat, _ := f.store.GetBanditStat(ctx, "u1", "beta", "math")
	if stat == nil || stat.Count != 1 || stat.CumulativeReward != 1.0 {
		t.Errorf("expected +1 reward for the used choice, got %+v", stat)
	}
}

func TestRouteRequeryPenalizesPreviousModelBeforeSelection(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, wallet.PolicyReject, 10, 5)

	if _, err := f.engine.Route(ctx, autoRequest("What is two plus two?"), nil); err != nil {
		t.Fatal(err)
	}
	f.rec.take()

	if _, err := f.engine.Route(ctx, autoRequest("what is two plus two"), nil); err != nil {
		t.Fatal(err)
	}
	ops := f.rec.take()
	if len(ops) == 0 || ops[0] != "add:beta:-1" {
		t.Fatalf("requery penalty must be the first bandit operation, got %v", ops)
	}

	stat, _ := f.store.GetBanditStat(ctx, "u1", "beta", "math")
	// +1 (first), -1 (requery), +1 (second).
	if stat.Count != 3 || stat.CumulativeReward != 1.0 {
		t.Errorf("unexpected stat after requery %+v", stat)
	}
}

func TestRouteFallbackPenalizesSkippedChoice(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, wallet.PolicyReject, 10, 5)
	f.beta.err = errors.New("503 upstream")

	out, err := f.engine.Route(ctx, autoRequest("hello there"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Model != "alpha" || out.BanditChoice != "beta" || out.Attempts != 2 {
		t.Errorf("expected fallback to alpha, got %+v", out)
	}
	stat, _ := f.store.GetBanditStat(ctx, "u1", "beta", "math")
	if stat == nil || stat.CumulativeReward != -0.5 {
		t.Errorf("expected -0.5 for skipped choice, got %+v", stat)
	}
	if s, _ := f.store.GetBanditStat(ctx, "u1", "alpha", "math"); s != nil {
		t.Errorf("fallback model should not be rewarded, got %+v", s)
	}
}

func TestRouteAllCandidatesFail(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, wallet.PolicyReject, 10, 5)
	f.alpha.err = errors.New("down")
	f.beta.err = errors.New("down")

	var steps []events.Step
	_, err := f.engine.Route(ctx, autoRequest("hello"), collect(&steps))
	var acf *AllCandidatesFailedError
	if !errors.As(err, &acf) {
		t.Fatalf("expected AllCandidatesFailedError, got %v", err)
	}
	if len(steps) != 2 {
		t.Errorf("no steps after top-candidates on failure, got %d", len(steps))
	}
	if last, _ := f.store.LastUsage(ctx, "u1"); last != nil {
		t.Error("failed request must not be logged")
	}
	bal, _ := f.ledger.Balance(ctx, "u1")
	if bal != 10 {
		t.Errorf("failed request must not be charged, balance %f", bal)
	}
}

func TestRouteNoEligibleModels(t *testing.T) {
	f := newEngineFixture(t, wallet.PolicyReject, 10, 5)
	req := autoRequest("hello")
	req.Constraints = Constraints{CostMax: fp(0.01)}

	_, err := f.engine.Route(context.Background(), req, nil)
	if !errors.Is(err, ErrNoEligibleModels) {
		t.Fatalf("expected ErrNoEligibleModels, got %v", err)
	}
	if len(f.alpha.Calls())+len(f.beta.Calls()) != 0 {
		t.Error("nothing should be dispatched")
	}
}

func TestRouteManual(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, wallet.PolicyReject, 10, 5)

	if _, err := f.engine.Route(ctx, autoRequest("What is two plus two?"), nil); err != nil {
		t.Fatal(err)
	}

	req := RoutingRequest{UserID: "u1", Query: "capital of france", Mode: ModeManual, Model: "alpha", Priorities: DefaultPriorities}
	out, err := f.engine.Route(ctx, req, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Model != "alpha" || out.SelectionMode != SelectManual || out.BanditChoice != "" {
		t.Errorf("unexpected manual outcome %+v", out)
	}

	stat, _ := f.store.GetBanditStat(ctx, "u1", "beta", "math")
	// +1 from the first request, -0.5 for switching away from it.
	if stat.Count != 2 || stat.CumulativeReward != 0.5 {
		t.Errorf("expected manual-switch penalty on beta, got %+v", stat)
	}
	if s, _ := f.store.GetBanditStat(ctx, "u1", "alpha", "math"); s != nil {
		t.Errorf("manual mode writes no outcome reward, got %+v", s)
	}
}

func TestRouteManualUnknownModel(t *testing.T) {
	f := newEngineFixture(t, wallet.PolicyReject, 10, 5)
	req := RoutingRequest{UserID: "u1", Query: "hi", Mode: ModeManual, Model: "nope"}
	_, err := f.engine.Route(context.Background(), req, nil)
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound, got %v", err)
	}
}

func TestRouteUnauthorized(t *testing.T) {
	f := newEngineFixture(t, wallet.PolicyReject, 10, 5)
	_, err := f.engine.Route(context.Background(), RoutingRequest{Query: "hi"}, nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRouteBalanceBelowMinimum(t *testing.T) {
	f := newEngineFixture(t, wallet.PolicyReject, 1, 5)
	_, err := f.engine.Route(context.Background(), autoRequest("hi"), nil)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if f.cls.calls != 0 {
		t.Error("classifier must not run when the pre-check fails")
	}
}

func TestRouteClassifierInsufficientFunds(t *testing.T) {
	f := newEngineFixture(t, wallet.PolicyReject, 10, 5)
	f.cls.err = fmt.Errorf("charge classifier: %w", wallet.ErrInsufficientFunds)

	_, err := f.engine.Route(context.Background(), autoRequest("hi"), nil)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(f.alpha.Calls())+len(f.beta.Calls()) != 0 {
		t.Error("no provider may be called after a classifier charge fails")
	}
}

func TestRouteSettlementRefused(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, wallet.PolicyReject, 0, 0)

	var steps []events.Step
	_, err := f.engine.Route(ctx, autoRequest("What is two plus two?"), collect(&steps))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(f.beta.Calls()) != 1 {
		t.Error("provider should have been called before settlement")
	}
	for _, s := range steps {
		if s.Step == events.StepCostAndLatency || s.FinalResponse != "" {
			t.Errorf("no result may be emitted after a refused charge, got %+v", s)
		}
	}
	if last, _ := f.store.LastUsage(ctx, "u1"); last != nil {
		t.Error("refused request must not be logged")
	}
}

func TestRouteSettlementAllowNegative(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, wallet.PolicyAllowNegative, 0, 0)

	out, err := f.engine.Route(ctx, autoRequest("What is two plus two?"), nil)
	if err != nil {
		t.Fatal(err)
	}
	bal, _ := f.ledger.Balance(ctx, "u1")
	if math.Abs(bal+out.Cost) > 1e-15 {
		t.Errorf("balance = %g, want %g", bal, -out.Cost)
	}
}

func TestWithDefaultsCapsMaxAttempts(t *testing.T) {
	if got := withDefaults(EngineConfig{MaxAttempts: 50}).MaxAttempts; got != MaxAttemptsLimit {
		t.Errorf("expected max attempts capped at %d, got %d", MaxAttemptsLimit, got)
	}
	if got := withDefaults(EngineConfig{}).MaxAttempts; got != 3 {
		t.Errorf("expected default max attempts 3, got %d", got)
	}
}
