package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/otterflow/otterflow/internal/router"
	"github.com/otterflow/otterflow/internal/wallet"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN       string
	CatalogSeed string

	AdminToken  string
	CORSOrigins []string

	ProviderTimeoutSecs int

	// Per-user request budget on /v1. Zero RateLimitPerMin disables it.
	RateLimitPerMin int
	RateLimitBurst  int

	// Replay window for Idempotency-Key on chat completions. Zero disables it.
	IdempotencyTTLSecs int

	// Routing knobs. These are reloadable.
	TopK             int
	MaxAttempts      int
	Epsilon          float64
	StdErrThreshold  float64
	RequeryThreshold float64
	Markup           float64
	MinBalance       float64

	SettlementPolicy string

	ClassifierModel      string
	ClassifierInputPerM  float64
	ClassifierOutputPerM float64
	FeedbackIntervalSecs int

	// Provider credentials. An adapter is registered only when its key is set.
	OpenAIAPIKey    string
	GroqAPIKey      string
	AnthropicAPIKey string
	GoogleAPIKey    string
	CohereAPIKey    string
	AIMLAPIKey      string

	// Temporal workflow engine.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	// OpenTelemetry.
	OTelEnabled  bool
	OTelEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr:  getEnv("OTTERFLOW_LISTEN_ADDR", ":8080"),
		LogLevel:    getEnv("OTTERFLOW_LOG_LEVEL", "info"),
		DBDSN:       getEnv("OTTERFLOW_DB_DSN", "file:/data/otterflow.sqlite"),
		CatalogSeed: getEnv("OTTERFLOW_CATALOG_SEED", ""),

		AdminToken:  getEnv("OTTERFLOW_ADMIN_TOKEN", ""),
		CORSOrigins: getEnvStringSlice("OTTERFLOW_CORS_ORIGINS", []string{"*"}),

		ProviderTimeoutSecs: getEnvInt("OTTERFLOW_PROVIDER_TIMEOUT_SECS", 60),

		RateLimitPerMin: getEnvInt("OTTERFLOW_RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:  getEnvInt("OTTERFLOW_RATE_LIMIT_BURST", 20),

		IdempotencyTTLSecs: getEnvInt("OTTERFLOW_IDEMPOTENCY_TTL_SECS", 600),

		TopK:             getEnvInt("OTTERFLOW_TOP_K", router.DefaultTopK),
		MaxAttempts:      getEnvInt("OTTERFLOW_MAX_ATTEMPTS", 3),
		Epsilon:          getEnvFloat("OTTERFLOW_EPSILON", router.DefaultEpsilon),
		StdErrThreshold:  getEnvFloat("OTTERFLOW_STD_ERR_THRESHOLD", router.DefaultStdErrThreshold),
		RequeryThreshold: getEnvFloat("OTTERFLOW_REQUERY_THRESHOLD", 0.7),
		Markup:           getEnvFloat("OTTERFLOW_MARKUP", router.DefaultMarkup),
		MinBalance:       getEnvFloat("OTTERFLOW_MIN_BALANCE", 5.0),

		SettlementPolicy: getEnv("OTTERFLOW_SETTLEMENT_POLICY", string(wallet.PolicyReject)),

		ClassifierModel:      getEnv("OTTERFLOW_CLASSIFIER_MODEL", "gpt-3.5-turbo"),
		ClassifierInputPerM:  getEnvFloat("OTTERFLOW_CLASSIFIER_INPUT_PER_M", 3.0),
		ClassifierOutputPerM: getEnvFloat("OTTERFLOW_CLASSIFIER_OUTPUT_PER_M", 6.0),
		FeedbackIntervalSecs: getEnvInt("OTTERFLOW_FEEDBACK_INTERVAL_SECS", 3600),

		OpenAIAPIKey:    getEnv("OTTERFLOW_OPENAI_API_KEY", ""),
		GroqAPIKey:      getEnv("OTTERFLOW_GROQ_API_KEY", ""),
		AnthropicAPIKey: getEnv("OTTERFLOW_ANTHROPIC_API_KEY", ""),
		GoogleAPIKey:    getEnv("OTTERFLOW_GOOGLE_API_KEY", ""),
		CohereAPIKey:    getEnv("OTTERFLOW_COHERE_API_KEY", ""),
		AIMLAPIKey:      getEnv("OTTERFLOW_AIML_API_KEY", ""),

		TemporalEnabled:   getEnvBool("OTTERFLOW_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("OTTERFLOW_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("OTTERFLOW_TEMPORAL_NAMESPACE", "otterflow"),
		TemporalTaskQueue: getEnv("OTTERFLOW_TEMPORAL_TASK_QUEUE", "otterflow-feedback"),

		OTelEnabled:  getEnvBool("OTTERFLOW_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("OTTERFLOW_OTEL_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("OTTERFLOW_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.RateLimitPerMin < 0 {
		return fmt.Errorf("OTTERFLOW_RATE_LIMIT_PER_MIN must be >= 0, got %d", c.RateLimitPerMin)
	}
	if c.RateLimitPerMin > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("OTTERFLOW_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.IdempotencyTTLSecs < 0 {
		return fmt.Errorf("OTTERFLOW_IDEMPOTENCY_TTL_SECS must be >= 0, got %d", c.IdempotencyTTLSecs)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("OTTERFLOW_TOP_K must be > 0, got %d", c.TopK)
	}
	if c.MaxAttempts <= 0 || c.MaxAttempts > router.MaxAttemptsLimit {
		return fmt.Errorf("OTTERFLOW_MAX_ATTEMPTS must be in [1,%d], got %d", router.MaxAttemptsLimit, c.MaxAttempts)
	}
	if c.Epsilon < 0 || c.Epsilon > 1 {
		return fmt.Errorf("OTTERFLOW_EPSILON must be in [0,1], got %g", c.Epsilon)
	}
	if c.StdErrThreshold <= 0 {
		return fmt.Errorf("OTTERFLOW_STD_ERR_THRESHOLD must be > 0, got %g", c.StdErrThreshold)
	}
	if c.RequeryThreshold <= 0 || c.RequeryThreshold > 1 {
		return fmt.Errorf("OTTERFLOW_REQUERY_THRESHOLD must be in (0,1], got %g", c.RequeryThreshold)
	}
	if c.Markup <= 0 {
		return fmt.Errorf("OTTERFLOW_MARKUP must be > 0, got %g", c.Markup)
	}
	if c.MinBalance < 0 {
		return fmt.Errorf("OTTERFLOW_MIN_BALANCE must be >= 0, got %g", c.MinBalance)
	}
	if _, err := wallet.ParsePolicy(c.SettlementPolicy); err != nil {
		return fmt.Errorf("OTTERFLOW_SETTLEMENT_POLICY: %w", err)
	}
	if c.ClassifierInputPerM < 0 || c.ClassifierOutputPerM < 0 {
		return fmt.Errorf("classifier prices must be >= 0")
	}
	if c.FeedbackIntervalSecs < 0 {
		return fmt.Errorf("OTTERFLOW_FEEDBACK_INTERVAL_SECS must be >= 0, got %d", c.FeedbackIntervalSecs)
	}
	return nil
}

func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSecs) * time.Second
}

func (c Config) FeedbackInterval() time.Duration {
	return time.Duration(c.FeedbackIntervalSecs) * time.Second
}

// EngineConfig returns the routing knobs for router.Engine.
func (c Config) EngineConfig() router.EngineConfig {
	return router.EngineConfig{
		TopK:             c.TopK,
		MaxAttempts:      c.MaxAttempts,
		RequeryThreshold: c.RequeryThreshold,
		Markup:           c.Markup,
		MinBalance:       c.MinBalance,
	}
}

// BanditConfig returns the exploration knobs for router.Bandit.
func (c Config) BanditConfig() router.BanditConfig {
	return router.BanditConfig{
		Epsilon:         c.Epsilon,
		StdErrThreshold: c.StdErrThreshold,
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
