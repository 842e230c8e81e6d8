package app

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/otterflow/otterflow/internal/apikey"
	"github.com/otterflow/otterflow/internal/catalog"
	"github.com/otterflow/otterflow/internal/circuitbreaker"
	"github.com/otterflow/otterflow/internal/domain"
	"github.com/otterflow/otterflow/internal/events"
	"github.com/otterflow/otterflow/internal/feedback"
	"github.com/otterflow/otterflow/internal/health"
	"github.com/otterflow/otterflow/internal/httpapi"
	"github.com/otterflow/otterflow/internal/idempotency"
	"github.com/otterflow/otterflow/internal/logging"
	"github.com/otterflow/otterflow/internal/metrics"
	"github.com/otterflow/otterflow/internal/providers/aiml"
	"github.com/otterflow/otterflow/internal/providers/anthropic"
	"github.com/otterflow/otterflow/internal/providers/cohere"
	"github.com/otterflow/otterflow/internal/providers/google"
	"github.com/otterflow/otterflow/internal/providers/openai"
	"github.com/otterflow/otterflow/internal/ratelimit"
	"github.com/otterflow/otterflow/internal/router"
	"github.com/otterflow/otterflow/internal/store"
	"github.com/otterflow/otterflow/internal/temporal"
	"github.com/otterflow/otterflow/internal/tokens"
	"github.com/otterflow/otterflow/internal/tracing"
	"github.com/otterflow/otterflow/internal/wallet"
)

type Server struct {
	cfg Config

	r *chi.Mux

	store      *store.SQLiteStore
	engine     *router.Engine
	bandit     *router.Bandit
	dispatcher *router.Dispatcher
	logger     *slog.Logger

	limiter  *ratelimit.Limiter
	replays  *idempotency.Cache
	feedback *feedback.Runner
	temporal *temporal.Manager

	shutdownTracing func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)
	ctx := context.Background()

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: tracing.DefaultServiceName,
	})
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, err
	}
	s := &Server{cfg: cfg, store: db, logger: logger, shutdownTracing: shutdownTracing}
	if err := s.build(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context) error {
	cfg := s.cfg
	if err := s.store.Migrate(ctx); err != nil {
		return err
	}
	s.logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	if err := s.seedCatalog(ctx); err != nil {
		return err
	}

	tok, err := tokens.New()
	if err != nil {
		return err
	}

	s.dispatcher = router.NewDispatcher()
	classifierSender, err := s.registerProviders(ctx)
	if err != nil {
		return err
	}
	if len(s.dispatcher.Providers()) == 0 {
		s.logger.Warn("no provider credentials set; every request will fail dispatch")
	}

	policy, err := wallet.ParsePolicy(cfg.SettlementPolicy)
	if err != nil {
		return err
	}
	ledger := wallet.New(s.store, policy)

	classifier := domain.New(classifierSender, ledger, domain.Config{
		Model:             cfg.ClassifierModel,
		InputCostPerM:     cfg.ClassifierInputPerM,
		OutputCostPerM:    cfg.ClassifierOutputPerM,
		FallbackTokenizer: tok,
	})

	m := metrics.New()
	bus := events.NewBus()
	tracker := health.NewTracker(health.DefaultConfig(), bus)
	s.dispatcher.SetObserver(tracker)

	s.bandit = router.NewBandit(s.store, cfg.BanditConfig(), rand.New(rand.NewSource(time.Now().UnixNano())))
	s.engine = router.NewEngine(cfg.EngineConfig(), router.EngineDeps{
		Catalog:    s.store,
		Usage:      s.store,
		Wallet:     ledger,
		Classifier: classifier,
		Bandit:     s.bandit,
		Dispatcher: s.dispatcher,
		Tokenizer:  tok,
		Metrics:    m,
		Bus:        bus,
	})

	admin, err := httpapi.NewAdminTokenHolder(cfg.AdminToken, cfg.DBDSN, s.logger)
	if err != nil {
		return err
	}

	fb, err := s.startFeedback(ctx, m, bus)
	if err != nil {
		return err
	}

	var limit func(http.Handler) http.Handler
	if cfg.RateLimitPerMin > 0 {
		s.limiter = ratelimit.New(cfg.RateLimitPerMin, cfg.RateLimitBurst, time.Minute,
			ratelimit.WithCounter(m.RateLimited),
			ratelimit.WithKeyFunc(callerKey))
		limit = s.limiter.Middleware
	}

	var replay func(http.Handler) http.Handler
	if cfg.IdempotencyTTLSecs > 0 {
		s.replays = idempotency.New(time.Duration(cfg.IdempotencyTTLSecs)*time.Second, 10000)
		replay = idempotency.Middleware(s.replays, callerKey)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing.Middleware())
	r.Use(logging.RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Engine:    s.engine,
		Bandit:    s.bandit,
		Store:     s.store,
		Wallet:    ledger,
		Keys:      apikey.NewManager(s.store),
		Admin:     admin,
		Metrics:   m,
		Bus:       bus,
		Health:    tracker,
		Feedback:  fb,
		RateLimit: limit,

		Idempotency: replay,
	})
	s.r = r
	return nil
}

// seedCatalog upserts the configured seed file. Without one, the built-in
// catalog is loaded into an empty database.
func (s *Server) seedCatalog(ctx context.Context) error {
	if s.cfg.CatalogSeed == "" {
		existing, err := s.store.ListModels(ctx)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return nil
		}
	}
	_, err := catalog.Seed(ctx, s.store, s.cfg.CatalogSeed)
	return err
}

// callerKey identifies authenticated callers by user and everyone else by
// IP. It buckets rate limits and scopes idempotency keys.
func callerKey(r *http.Request) string {
	if user := apikey.UserID(r.Context()); user != "" {
		return "user:" + user
	}
	return "ip:" + ratelimit.ClientIP(r)
}

// registerProviders registers an adapter for every provider whose key is
// set and returns the sender the domain classifier should use, or nil.
func (s *Server) registerProviders(ctx context.Context) (router.Sender, error) {
	cfg := s.cfg
	timeout := cfg.ProviderTimeout()
	var classifierSender router.Sender

	register := func(a router.Sender) {
		s.dispatcher.RegisterAdapter(a)
		s.logger.Info("registered provider", slog.String("provider", a.ID()))
	}

	if cfg.OpenAIAPIKey != "" {
		a := openai.New("OpenAI", cfg.OpenAIAPIKey, "", openai.WithTimeout(timeout))
		register(a)
		classifierSender = a
	}
	if cfg.GroqAPIKey != "" {
		register(openai.NewGroq(cfg.GroqAPIKey, openai.WithTimeout(timeout)))
	}
	if cfg.AnthropicAPIKey != "" {
		register(anthropic.New(cfg.AnthropicAPIKey, "", timeout))
	}
	if cfg.GoogleAPIKey != "" {
		a, err := google.New(ctx, cfg.GoogleAPIKey, "", timeout)
		if err != nil {
			return nil, err
		}
		register(a)
	}
	if cfg.CohereAPIKey != "" {
		register(cohere.New(cfg.CohereAPIKey, "", timeout))
	}
	if cfg.AIMLAPIKey != "" {
		register(aiml.New(cfg.AIMLAPIKey, "", timeout))
	}

	if classifierSender == nil {
		s.logger.Warn("OTTERFLOW_OPENAI_API_KEY not set; every query is classified as other")
	}
	return classifierSender, nil
}

// startFeedback schedules the catalog recompute, through Temporal when it
// is enabled and on a local ticker otherwise, and returns the manual trigger.
func (s *Server) startFeedback(ctx context.Context, m *metrics.Registry, bus *events.Bus) (httpapi.FeedbackFunc, error) {
	cfg := s.cfg
	if cfg.TemporalEnabled {
		mgr, err := temporal.New(temporal.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, &temporal.Activities{Store: s.store, Metrics: m, EventBus: bus})
		if err != nil {
			return nil, err
		}
		s.temporal = mgr
		if err := mgr.Start(); err != nil {
			return nil, err
		}
		if cfg.FeedbackIntervalSecs > 0 {
			if err := mgr.Schedule(ctx, cfg.FeedbackInterval()); err != nil {
				return nil, err
			}
		}
		s.logger.Info("feedback scheduled on temporal",
			slog.String("host", cfg.TemporalHostPort),
			slog.String("task_queue", cfg.TemporalTaskQueue))
		remote := func(ctx context.Context) (int, error) {
			out, err := mgr.Trigger(ctx)
			return out.ModelsUpdated, err
		}
		local := feedback.NewRunner(s.store, 0, m, bus)
		breaker := circuitbreaker.New(circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
			s.logger.Warn("temporal feedback breaker",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		}))
		return guardedFeedback(breaker, remote, local.RunOnce, s.logger), nil
	}

	s.feedback = feedback.NewRunner(s.store, cfg.FeedbackInterval(), m, bus)
	s.feedback.Start()
	return s.feedback.RunOnce, nil
}

// guardedFeedback triggers remote while the breaker allows it and runs local
// otherwise, including right after a remote failure.
func guardedFeedback(b *circuitbreaker.Breaker, remote, local httpapi.FeedbackFunc, logger *slog.Logger) httpapi.FeedbackFunc {
	return func(ctx context.Context) (int, error) {
		if b.Allow() {
			n, err := remote(ctx)
			if err == nil {
				b.Success()
				return n, nil
			}
			if ctx.Err() != nil {
				return 0, err
			}
			b.Failure()
			logger.Warn("temporal feedback trigger failed; running locally", slog.String("error", err.Error()))
		}
		return local(ctx)
	}
}

func (s *Server) Router() http.Handler { return s.r }

// Reload applies the reloadable subset of cfg: log level and routing knobs.
// Everything else needs a restart.
func (s *Server) Reload(cfg Config) {
	logging.SetLevel(cfg.LogLevel)
	s.engine.UpdateConfig(cfg.EngineConfig())
	s.bandit.UpdateConfig(cfg.BanditConfig())

	s.cfg.LogLevel = cfg.LogLevel
	s.cfg.TopK = cfg.TopK
	s.cfg.MaxAttempts = cfg.MaxAttempts
	s.cfg.Epsilon = cfg.Epsilon
	s.cfg.StdErrThreshold = cfg.StdErrThreshold
	s.cfg.RequeryThreshold = cfg.RequeryThreshold
	s.cfg.Markup = cfg.Markup
	s.cfg.MinBalance = cfg.MinBalance
	s.logger.Info("config reloaded",
		slog.String("log_level", cfg.LogLevel),
		slog.Int("top_k", cfg.TopK),
		slog.Float64("epsilon", cfg.Epsilon))
}

// Close stops background jobs and releases the store.
func (s *Server) Close() error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.replays != nil {
		s.replays.Stop()
	}
	if s.feedback != nil {
		s.feedback.Stop()
	}
	if s.temporal != nil {
		s.temporal.Stop()
	}
	var errs []error
	if s.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, s.shutdownTracing(ctx))
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
