package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Sender is a provider adapter. Each adapter owns exactly one provider tag
// and converts its native response into a Completion before returning.
type Sender interface {
	ID() string
	Send(ctx context.Context, model string, p Prompt) (Completion, error)
	ClassifyError(err error) *ClassifiedError
}

// Attempt is the result of one dispatch. Exactly one of Completion or Err
// is meaningful.
type Attempt struct {
	Candidate  ScoredCandidate
	Completion Completion
	Err        error
	LatencyMs  float64
}

// OK reports whether the attempt produced a usable completion.
func (a Attempt) OK() bool { return a.Err == nil }

// DispatchObserver is told the outcome of every provider call.
type DispatchObserver interface {
	ObserveDispatch(provider string, latencyMs float64, err error)
}

// Dispatcher maps provider tags to adapters.
type Dispatcher struct {
	mu       sync.RWMutex
	adapters map[string]Sender
	observer DispatchObserver
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{adapters: make(map[string]Sender)}
}

// RegisterAdapter registers a provider adapter under its ID.
func (d *Dispatcher) RegisterAdapter(a Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[a.ID()] = a
}

// SetObserver installs o to receive dispatch outcomes.
func (d *Dispatcher) SetObserver(o DispatchObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = o
}

// Adapter returns the adapter for a provider tag.
func (d *Dispatcher) Adapter(tag string) (Sender, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.adapters[tag]
	return a, ok
}

// Providers lists the registered provider tags.
func (d *Dispatcher) Providers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.adapters))
	for id := range d.adapters {
		out = append(out, id)
	}
	return out
}

// Dispatch sends query to the candidate's adapter using the candidate's
// generation parameters. Failures come back in Attempt.Err, never as a panic
// or a second return value.
func (d *Dispatcher) Dispatch(ctx context.Context, query string, c ScoredCandidate) Attempt {
	start := time.Now()
	att := Attempt{Candidate: c}

	adapter, ok := d.Adapter(c.License)
	if !ok {
		att.Err = &ProviderError{Provider: c.License, Model: c.Name, Class: ErrFatal, Err: ErrUnknownProvider}
		return att
	}

	comp, err := adapter.Send(ctx, c.Name, Prompt{
		Query:       query,
		Temperature: c.Temperature,
		TopP:        c.TopP,
	})
	att.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		d.observe(c.License, att.LatencyMs, err)
		class := ErrFatal
		if ce := adapter.ClassifyError(err); ce != nil {
			class = ce.Class
		}
		att.Err = &ProviderError{Provider: c.License, Model: c.Name, Class: class, Err: err}
		return att
	}
	if strings.TrimSpace(comp.Text) == "" {
		att.Err = ErrEmptyResponse
		d.observe(c.License, att.LatencyMs, att.Err)
		return att
	}
	d.observe(c.License, att.LatencyMs, nil)
	if comp.Provider == "" {
		comp.Provider = adapter.ID()
	}
	att.Completion = comp
	return att
}

func (d *Dispatcher) observe(provider string, latencyMs float64, err error) {
	d.mu.RLock()
	o := d.observer
	d.mu.RUnlock()
	if o != nil {
		o.ObserveDispatch(provider, latencyMs, err)
	}
}

// FallbackResult holds the successful attempt and every attempt made.
type FallbackResult struct {
	Final    Attempt
	Attempts []Attempt
}

// RouteWithFallback tries candidates strictly in order, at most maxAttempts
// of them, and stops at the first success. An empty response is terminal
// and returned as ErrEmptyResponse. When every attempt fails the error is
// an *AllCandidatesFailedError carrying the attempt count.
func RouteWithFallback(ctx context.Context, d *Dispatcher, query string, candidates []ScoredCandidate, maxAttempts int) (FallbackResult, error) {
	var res FallbackResult
	if len(candidates) == 0 {
		return res, ErrNoEligibleModels
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var errs []error
	for i := 0; i < len(candidates) && i < maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		att := d.Dispatch(ctx, query, candidates[i])
		res.Attempts = append(res.Attempts, att)
		if att.OK() {
			res.Final = att
			return res, nil
		}
		if errors.Is(att.Err, ErrEmptyResponse) {
			return res, ErrEmptyResponse
		}
		slog.Warn("fallback: candidate failed",
			slog.String("model", att.Candidate.Name),
			slog.String("provider", att.Candidate.License),
			slog.Int("attempt", i+1),
			slog.String("error", att.Err.Error()))
		errs = append(errs, att.Err)
	}
	return res, &AllCandidatesFailedError{Attempts: len(res.Attempts), Errs: errs}
}
