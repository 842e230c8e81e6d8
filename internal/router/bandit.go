package router

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/otterflow/otterflow/internal/store"
)

const (
	DefaultEpsilon         = 0.1
	DefaultStdErrThreshold = 0.1
)

// SelectionMode records which branch of the policy produced a choice.
type SelectionMode string

const (
	// SelectExploring: the best arm is still too uncertain, so the ranker's
	// first candidate is used.
	SelectExploring SelectionMode = "exploring"
	// SelectExplore: epsilon roll picked a uniformly random candidate.
	SelectExplore SelectionMode = "explore"
	// SelectExploit: the best-average candidate was used.
	SelectExploit SelectionMode = "exploit"
	// SelectManual: the caller named the model.
	SelectManual SelectionMode = "manual"
)

// BanditStore persists per (user, model, domain) reward statistics.
type BanditStore interface {
	GetBanditStat(ctx context.Context, userID, model, domain string) (*store.BanditStat, error)
	AddBanditReward(ctx context.Context, userID, model, domain string, reward float64) error
}

// BanditConfig tunes the epsilon-greedy policy.
type BanditConfig struct {
	Epsilon         float64
	StdErrThreshold float64
}

// Bandit is an uncertainty-gated epsilon-greedy policy over ranked
// candidates. It holds no reward state of its own; every read goes to the
// store so the next request sees the last write.
type Bandit struct {
	store BanditStore
	cfg   BanditConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBandit creates a bandit. A nil rng is seeded from the clock.
func NewBandit(s BanditStore, cfg BanditConfig, rng *rand.Rand) *Bandit {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Bandit{store: s, cfg: banditDefaults(cfg), rng: rng}
}

func banditDefaults(cfg BanditConfig) BanditConfig {
	if cfg.Epsilon < 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	if cfg.StdErrThreshold <= 0 {
		cfg.StdErrThreshold = DefaultStdErrThreshold
	}
	return cfg
}

// UpdateConfig swaps epsilon and the uncertainty threshold at runtime.
func (b *Bandit) UpdateConfig(cfg BanditConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = banditDefaults(cfg)
}

func (b *Bandit) Config() BanditConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// AverageReward is cumulative reward over count, or 0 with no observations.
func AverageReward(stat *store.BanditStat) float64 {
	if stat == nil || stat.Count == 0 {
		return 0
	}
	return stat.CumulativeReward / float64(stat.Count)
}

// StandardError returns sqrt(s²/n) with the unbiased sample variance. ok is
// false when fewer than two observations exist.
func StandardError(stat *store.BanditStat) (se float64, ok bool) {
	if stat == nil || stat.Count < 2 {
		return 0, false
	}
	n := float64(stat.Count)
	variance := (stat.SumRewardsSquared - stat.CumulativeReward*stat.CumulativeReward/n) / (n - 1)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance / n), true
}

// AverageReward reads the triple and returns its average reward.
func (b *Bandit) AverageReward(ctx context.Context, userID, model, domain string) (float64, error) {
	stat, err := b.store.GetBanditStat(ctx, userID, model, domain)
	if err != nil {
		return 0, err
	}
	return AverageReward(stat), nil
}

// StandardError reads the triple and returns its standard error.
func (b *Bandit) StandardError(ctx context.Context, userID, model, domain string) (float64, bool, error) {
	stat, err := b.store.GetBanditStat(ctx, userID, model, domain)
	if err != nil {
		return 0, false, err
	}
	se, ok := StandardError(stat)
	return se, ok, nil
}

// UpdateReward records one reward observation durably.
func (b *Bandit) UpdateReward(ctx context.Context, userID, model, domain string, reward float64) error {
	return b.store.AddBanditReward(ctx, userID, model, domain, reward)
}

// Selection is the bandit's pick.
type Selection struct {
	Candidate ScoredCandidate
	Index     int
	Mode      SelectionMode
}

// Select picks among ranked candidates. The candidate with the highest
// average reward (first one on ties) is tracked along with its own standard
// error. If that error is unknown or above the threshold the first ranked
// candidate is returned without rolling epsilon. Otherwise epsilon decides
// between a uniform random candidate and the best-average one.
//
// Stat read failures are logged and treated as "no observations".
func (b *Bandit) Select(ctx context.Context, userID string, candidates []ScoredCandidate, domain string) (Selection, error) {
	if len(candidates) == 0 {
		return Selection{}, ErrNoEligibleModels
	}

	bestIdx := -1
	bestAvg := math.Inf(-1)
	var bestSE float64
	var bestKnown bool
	for i, c := range candidates {
		stat, err := b.store.GetBanditStat(ctx, userID, c.Name, domain)
		if err != nil {
			slog.Warn("bandit: stat read failed",
				slog.String("model", c.Name),
				slog.String("domain", domain),
				slog.String("error", err.Error()))
			stat = nil
		}
		avg := AverageReward(stat)
		if avg > bestAvg {
			bestIdx, bestAvg = i, avg
			bestSE, bestKnown = StandardError(stat)
		}
	}

	cfg := b.Config()
	if !bestKnown || bestSE > cfg.StdErrThreshold {
		return Selection{Candidate: candidates[0], Index: 0, Mode: SelectExploring}, nil
	}

	b.mu.Lock()
	explore := b.rng.Float64() < cfg.Epsilon
	var pick int
	if explore {
		pick = b.rng.Intn(len(candidates))
	}
	b.mu.Unlock()

	if explore {
		return Selection{Candidate: candidates[pick], Index: pick, Mode: SelectExplore}, nil
	}
	return Selection{Candidate: candidates[bestIdx], Index: bestIdx, Mode: SelectExploit}, nil
}
