// Package health keeps a running view of each provider's dispatch outcomes.
// It observes the dispatcher and never changes which candidate is tried.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/otterflow/otterflow/internal/events"
)

// State is a provider's health as seen from recent dispatches.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Stats is the dispatch record of one provider tag.
type Stats struct {
	Provider      string    `json:"provider"`
	State         State     `json:"state"`
	Dispatches    int64     `json:"dispatches"`
	Failures      int64     `json:"failures"`
	ConsecFails   int       `json:"consec_failures"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorAt   time.Time `json:"last_error_at,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}

// ErrorRate is Failures over Dispatches, 0 before any dispatch.
func (s Stats) ErrorRate() float64 {
	if s.Dispatches == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Dispatches)
}

// Config sets how many consecutive failures mark a provider degraded or down.
type Config struct {
	DegradedAfter int
	DownAfter     int
}

func DefaultConfig() Config {
	return Config{DegradedAfter: 2, DownAfter: 5}
}

// Tracker records dispatch outcomes per provider and publishes state
// transitions on the event bus.
type Tracker struct {
	cfg Config
	bus *events.Bus
	now func() time.Time

	mu    sync.RWMutex
	stats map[string]*Stats
}

func NewTracker(cfg Config, bus *events.Bus) *Tracker {
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = DefaultConfig().DegradedAfter
	}
	if cfg.DownAfter < cfg.DegradedAfter {
		cfg.DownAfter = cfg.DegradedAfter
	}
	return &Tracker{cfg: cfg, bus: bus, now: time.Now, stats: make(map[string]*Stats)}
}

// ObserveDispatch records one attempt against provider. A nil err is a
// success; latency feeds an exponentially weighted average.
func (t *Tracker) ObserveDispatch(provider string, latencyMs float64, err error) {
	t.mu.Lock()
	s, ok := t.stats[provider]
	if !ok {
		s = &Stats{Provider: provider, State: StateHealthy}
		t.stats[provider] = s
	}
	old := s.State
	now := t.now()

	s.Dispatches++
	if err == nil {
		s.ConsecFails = 0
		s.LastSuccessAt = now
		s.State = StateHealthy
		if s.Dispatches-s.Failures == 1 {
			s.AvgLatencyMs = latencyMs
		} else {
			s.AvgLatencyMs = s.AvgLatencyMs*0.9 + latencyMs*0.1
		}
	} else {
		s.Failures++
		s.ConsecFails++
		s.LastError = err.Error()
		s.LastErrorAt = now
		switch {
		case s.ConsecFails >= t.cfg.DownAfter:
			s.State = StateDown
		case s.ConsecFails >= t.cfg.DegradedAfter:
			s.State = StateDegraded
		}
	}
	cur := s.State
	reason := s.LastError
	t.mu.Unlock()

	if old != cur {
		if err == nil {
			reason = "dispatch succeeded"
		}
		t.bus.Publish(events.Event{
			Type:     events.EventProviderHealth,
			Provider: provider,
			OldState: string(old),
			NewState: string(cur),
			Reason:   reason,
		})
	}
}

// Get returns a copy of provider's stats. Unseen providers are healthy.
func (t *Tracker) Get(provider string) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[provider]; ok {
		return *s
	}
	return Stats{Provider: provider, State: StateHealthy}
}

// Snapshot returns stats for every provider in known plus any provider
// seen since start, sorted by tag.
func (t *Tracker) Snapshot(known []string) []Stats {
	t.mu.RLock()
	seen := make(map[string]Stats, len(t.stats)+len(known))
	for id, s := range t.stats {
		seen[id] = *s
	}
	t.mu.RUnlock()
	for _, id := range known {
		if _, ok := seen[id]; !ok {
			seen[id] = Stats{Provider: id, State: StateHealthy}
		}
	}
	out := make([]Stats, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
