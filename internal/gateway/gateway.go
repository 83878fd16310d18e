// ABOUTME: Gateway wires the orchestration engine to its HTTP surface
// ABOUTME: Owns the store, delivery hub, optional Redis/AMQP links and the server lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/robertvill8/orbit-backend/internal/activity"
	"github.com/robertvill8/orbit-backend/internal/auth"
	"github.com/robertvill8/orbit-backend/internal/config"
	"github.com/robertvill8/orbit-backend/internal/delivery"
	"github.com/robertvill8/orbit-backend/internal/idempotency"
	"github.com/robertvill8/orbit-backend/internal/llm"
	"github.com/robertvill8/orbit-backend/internal/lock"
	"github.com/robertvill8/orbit-backend/internal/orchestrator"
	"github.com/robertvill8/orbit-backend/internal/retention"
	"github.com/robertvill8/orbit-backend/internal/store"
	"github.com/robertvill8/orbit-backend/internal/tasks"
	"github.com/robertvill8/orbit-backend/internal/tools"
	"github.com/robertvill8/orbit-backend/internal/workflow"
)

// Gateway orchestrates the orbit-backend server components.
type Gateway struct {
	config     *config.Config
	store      store.Store
	engine     *orchestrator.Engine
	hub        *delivery.Hub
	httpServer *http.Server
	logger     *slog.Logger

	// verifier is nil when bearer auth is disabled
	verifier auth.TokenVerifier

	// idempotency replays chat responses for a repeated Idempotency-Key
	idempotency *idempotency.Cache

	// limiter is nil when rate limiting is disabled
	limiter *userLimiter

	redis     *redis.Client
	relay     *delivery.RedisRelay
	amqp      *activity.AMQPPublisher
	retention *retention.Scheduler

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option overrides a collaborator that New would otherwise build from config.
type Option func(*options)

type options struct {
	llm       llm.Gateway
	workflows tools.WorkflowInvoker
}

// WithLLMGateway uses g instead of the provider named in llm.provider.
func WithLLMGateway(g llm.Gateway) Option {
	return func(o *options) { o.llm = g }
}

// WithWorkflowInvoker uses w instead of the n8n client.
func WithWorkflowInvoker(w tools.WorkflowInvoker) Option {
	return func(o *options) { o.workflows = w }
}

func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newLLMGateway builds the adapter for the configured provider.
func newLLMGateway(cfg config.LLMConfig, logger *slog.Logger) (llm.Gateway, error) {
	llmCfg := llm.Config{
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		Model:        cfg.Model,
		MaxTokens:    cfg.MaxTokens,
		Temperature:  cfg.Temperature,
		SystemPrompt: cfg.SystemPrompt,
	}
	switch cfg.Provider {
	case "anthropic":
		return llm.NewAnthropicGateway(llmCfg, cfg.Timeout, logger), nil
	case "openai":
		return llm.NewOpenAIGateway(llmCfg, cfg.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// connectRedis opens the shared Redis client and checks that it answers.
func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *Gateway, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		hub:         delivery.NewHub(logger),
		idempotency: idempotency.New(5*time.Minute, 100_000), // TTL 5min, max 100k entries
		logger:      logger.With("component", "gateway"),
	}
	defer func() {
		if err != nil {
			_ = gw.Shutdown(context.Background())
		}
	}()

	var locker lock.Locker
	if cfg.Redis.Enabled {
		gw.redis, err = connectRedis(context.Background(), cfg.Redis)
		if err != nil {
			return nil, err
		}
		locker = lock.NewRedisLocker(gw.redis, cfg.Redis.LockTTL, logger)
		gw.relay = delivery.NewRedisRelay(gw.redis, gw.hub, logger)
		gw.hub.SetRelay(gw.relay)
		gw.logger.Info("redis session lock and delivery relay enabled", "addr", cfg.Redis.Addr)
	}

	publishers := []activity.Publisher{activity.NewHubPublisher(gw.hub)}
	if cfg.AMQP.Enabled {
		gw.amqp, err = activity.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, gw.amqp)
		gw.logger.Info("activity publishing to amqp enabled", "exchange", cfg.AMQP.Exchange)
	}

	model := o.llm
	if model == nil {
		model, err = newLLMGateway(cfg.LLM, logger)
		if err != nil {
			return nil, err
		}
	}

	workflows := o.workflows
	if workflows == nil {
		workflows = workflow.NewClient(workflow.Config{
			BaseURL:     cfg.Workflows.BaseURL,
			APIKey:      cfg.Workflows.APIKey,
			Endpoints:   cfg.Workflows.Endpoints,
			Timeout:     cfg.Workflows.Timeout,
			MaxAttempts: cfg.Workflows.MaxRetries,
			BackoffBase: cfg.Workflows.BackoffBase,
			BackoffMax:  cfg.Workflows.BackoffMax,
		}, s, logger)
	}

	gw.engine = orchestrator.New(orchestrator.Config{
		HistoryWindow: cfg.Orchestrator.HistoryWindow,
		MaxRounds:     cfg.Orchestrator.MaxRounds,
		LockTimeout:   cfg.Orchestrator.LockTimeout,
	}, orchestrator.Deps{
		Store:    s,
		Gateway:  model,
		Tools:    tools.NewDispatcher(tasks.NewService(s, logger), workflows, logger),
		ToolDefs: tools.Definitions(),
		Activity: activity.NewRecorder(s, logger, publishers...),
		Locker:   locker,
		Sender:   gw.hub,
		Logger:   logger,

		ErrorMessage: clientErrorMessage,
	})

	if cfg.Retention.Enabled {
		gw.retention, err = retention.New(s, cfg.Retention.Schedule, cfg.Retention.MaxAge, logger)
		if err != nil {
			return nil, err
		}
	}

	if cfg.RateLimit.Enabled {
		gw.limiter = newUserLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	}

	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		gw.logger.Info("HTTP auth middleware enabled")
	} else {
		gw.logger.Warn("HTTP auth disabled - no jwt_secret configured, trusting " + auth.UserIDHeader)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.logger.Info("gateway initialized",
		"llm_provider", model.Provider(),
		"llm_model", model.Model(),
		"tools", len(tools.Catalog()),
	)
	return gw, nil
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run listens on server.http_addr and serves until ctx is canceled.
// Returns nil on graceful shutdown, or the first server error.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln together with the background workers
// (delivery relay, retention) and shuts everything down when ctx ends or any
// of them fails.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if g.relay != nil {
		eg.Go(func() error { return g.relay.Run(egCtx) })
	}
	if g.retention != nil {
		eg.Go(func() error { return g.retention.Run(egCtx) })
	}

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and releases every resource. It is safe to
// call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		if g.httpServer != nil {
			errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		}
		if g.hub != nil {
			g.hub.Close()
		}
		if g.idempotency != nil {
			g.idempotency.Close()
		}
		if g.amqp != nil {
			errs = appendCloseError(errs, "amqp close", g.amqp.Close())
		}
		if g.redis != nil {
			errs = appendCloseError(errs, "redis close", g.redis.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())

		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	if g.redis != nil {
		if err := g.redis.Ping(ctx).Err(); err != nil {
			g.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("redis unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
