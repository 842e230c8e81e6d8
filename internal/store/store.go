package store

import (
	"context"
	"time"
)

// Store defines the persistence interface for otterflow.
type Store interface {
	// Catalog
	ListModels(ctx context.Context) ([]ModelRecord, error)
	GetModel(ctx context.Context, name string) (*ModelRecord, error)
	UpsertModel(ctx context.Context, m ModelRecord) error
	DeleteModel(ctx context.Context, name string) error

	// Bandit statistics
	GetBanditStat(ctx context.Context, userID, model, domain string) (*BanditStat, error)
	AddBanditReward(ctx context.Context, userID, model, domain string, reward float64) error
	ListBanditStats(ctx context.Context, userID string) ([]BanditStat, error)

	// Usage log
	AppendUsage(ctx context.Context, entry UsageLog) error
	LastUsage(ctx context.Context, userID string) (*UsageLog, error)
	ListUsage(ctx context.Context, userID string, limit, offset int) ([]UsageLog, error)
	AggregateUsageByModel(ctx context.Context) ([]UsageAggregate, error)
	SummarizeUsage(ctx context.Context, userID string) (UsageSummary, error)

	// Wallets
	WalletBalance(ctx context.Context, userID string) (float64, error)
	CreditWallet(ctx context.Context, userID string, amount float64) (float64, error)
	DebitWallet(ctx context.Context, userID string, amount float64, allowNegative bool) (bool, error)

	// API keys
	CreateAPIKey(ctx context.Context, key APIKeyRecord) error
	GetAPIKey(ctx context.Context, id string) (*APIKeyRecord, error)
	ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error)
	UpdateAPIKey(ctx context.Context, key APIKeyRecord) error
	DeleteAPIKey(ctx context.Context, id string) error

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ModelRecord is one catalog entry. Normalized metrics are nil until the
// ingestion or feedback job has computed them.
type ModelRecord struct {
	Name          string `json:"name" yaml:"name"`
	License       string `json:"license" yaml:"license"` // provider tag, selects the adapter
	ContextWindow int    `json:"context_window,omitempty" yaml:"context_window"`

	Cost        *float64 `json:"cost,omitempty" yaml:"cost"`
	Performance *float64 `json:"performance,omitempty" yaml:"performance"`
	Latency     *float64 `json:"latency,omitempty" yaml:"latency"`

	// Prices in USD per million tokens.
	InputCostRaw  float64 `json:"input_cost_raw" yaml:"input_cost_raw"`
	OutputCostRaw float64 `json:"output_cost_raw" yaml:"output_cost_raw"`

	IORatio     float64  `json:"io_ratio" yaml:"io_ratio"`
	MathScore   *float64 `json:"math_score,omitempty" yaml:"math_score"`
	CodingScore *float64 `json:"coding_score,omitempty" yaml:"coding_score"`
	GKScore     *float64 `json:"gk_score,omitempty" yaml:"gk_score"`

	TopP        float64 `json:"top_p" yaml:"top_p"`
	Temperature float64 `json:"temperature" yaml:"temperature"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// BanditStat holds reward statistics for one (user, model, domain) triple.
type BanditStat struct {
	UserID            string    `json:"user_id"`
	ModelName         string    `json:"model_name"`
	DomainLabel       string    `json:"domain_label"`
	CumulativeReward  float64   `json:"cumulative_reward"`
	Count             int64     `json:"count"`
	SumRewardsSquared float64   `json:"sum_rewards_squared"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// UsageLog is one completed routing request.
type UsageLog struct {
	ID               int64     `json:"id"`
	RequestID        string    `json:"request_id"`
	UserID           string    `json:"user_id"`
	Mode             string    `json:"mode"`
	Query            string    `json:"query"`
	Output           string    `json:"output"`
	ModelName        string    `json:"model_name"`
	Provider         string    `json:"provider"`
	Domain           string    `json:"domain"`
	BanditChoice     string    `json:"bandit_choice,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMs        float64   `json:"latency_ms"`
	Cost             float64   `json:"cost"`
	CostPriority     int       `json:"cost_priority"`
	AccuracyPriority int       `json:"accuracy_priority"`
	LatencyPriority  int       `json:"latency_priority"`
	Timestamp        time.Time `json:"timestamp"`
}

// UsageAggregate sums usage for one model across all users.
type UsageAggregate struct {
	ModelName     string  `json:"model_name"`
	Requests      int64   `json:"requests"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
}

// UsageSummary sums usage for one user.
type UsageSummary struct {
	Requests      int64   `json:"requests"`
	TotalTokens   int64   `json:"total_tokens"`
	Cost          float64 `json:"cost"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
}

// APIKeyRecord is the persisted form of an API key. The plaintext key is
// never stored; only its bcrypt hash and a lookup prefix.
type APIKeyRecord struct {
	ID         string     `json:"id"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Enabled    bool       `json:"enabled"`
}
