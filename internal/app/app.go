// ABOUTME: Builds the concierge component graph from configuration
// ABOUTME: Selects store backends, wires the resilience gateway, and runs background loops

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"github.com/2389/concierge/internal/backend"
	"github.com/2389/concierge/internal/capability"
	"github.com/2389/concierge/internal/config"
	"github.com/2389/concierge/internal/credential"
	"github.com/2389/concierge/internal/idempotency"
	"github.com/2389/concierge/internal/lock"
	"github.com/2389/concierge/internal/messaging"
	"github.com/2389/concierge/internal/metrics"
	"github.com/2389/concierge/internal/orchestrator"
	"github.com/2389/concierge/internal/reasoner"
	"github.com/2389/concierge/internal/resilience"
	"github.com/2389/concierge/internal/router"
	"github.com/2389/concierge/internal/server"
	"github.com/2389/concierge/internal/session"
	"github.com/2389/concierge/internal/store"
	"github.com/2389/concierge/internal/webhook"
)

// Dependencies registered with the resilience gateway up front so they show
// in health reports before their first call.
var knownDependencies = []string{"reasoner", "backend", "messaging", "auth"}

// App is the assembled service.
type App struct {
	cfg          *config.Config
	logger       *slog.Logger
	Orchestrator *orchestrator.Orchestrator
	Gateway      *resilience.Gateway
	Credentials  *credential.Refresher
	Handler      http.Handler

	sqlite  *store.SQLiteStore
	closers []server.Closer

	bgOnce sync.Once
}

// Option adjusts construction, mostly for tests.
type Option func(*builder)

// WithAWSConfig supplies an AWS config instead of loading the default chain.
func WithAWSConfig(cfg aws.Config) Option {
	return func(b *builder) { b.aws = &cfg }
}

// WithEngine replaces the configured reasoning engine.
func WithEngine(e reasoner.Engine) Option {
	return func(b *builder) { b.engine = e }
}

// WithHTTPClient sets the HTTP client used for the backend API, the
// credential endpoints, and the WhatsApp gateway.
func WithHTTPClient(c *http.Client) Option {
	return func(b *builder) { b.httpClient = c }
}

type builder struct {
	ctx        context.Context
	cfg        *config.Config
	logger     *slog.Logger
	aws        *aws.Config
	engine     reasoner.Engine
	httpClient *http.Client

	sqlite  *store.SQLiteStore
	redis   *redis.Client
	closers []server.Closer
}

// New builds every component described by cfg. On error, anything already
// opened is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &builder{ctx: ctx, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(b)
	}

	a, err := b.build()
	if err != nil {
		closeAll(b.closers, logger)
		return nil, err
	}
	return a, nil
}

func (b *builder) build() (*App, error) {
	cfg := b.cfg

	defaults, overrides := cfg.Resilience.Policies()
	gw := resilience.New(defaults, overrides, b.logger,
		resilience.WithObserver(metrics.Recorder{}),
		resilience.WithObserver(resilience.LogObserver(b.logger.With("component", "resilience"))),
	)
	gw.Touch(knownDependencies...)

	if err := b.openShared(); err != nil {
		return nil, err
	}

	idem, err := b.idempotencyStore()
	if err != nil {
		return nil, fmt.Errorf("idempotency store: %w", err)
	}
	locks, err := b.lockManager()
	if err != nil {
		return nil, fmt.Errorf("lock backend: %w", err)
	}
	sessions, err := b.sessionStore()
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	source, err := b.credentialSource()
	if err != nil {
		return nil, fmt.Errorf("credential source: %w", err)
	}
	refresher := credential.NewRefresher(source, gw, credential.Options{Margin: cfg.Credential.Margin}, b.logger)

	api := backend.New(cfg.Backend.BaseURL, gw, refresher, b.httpClient, b.logger)
	handlers, fallback := capability.NewHandlers(api, b.logger)

	engine, err := b.reasoningEngine()
	if err != nil {
		return nil, err
	}
	intents, err := router.New(engine, gw, handlers, fallback, cfg.RouterOptions(), b.logger)
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}
	b.closers = append(b.closers, server.Closer{Name: "router", Close: func() error {
		intents.Close()
		return nil
	}})

	sender := messaging.New(messaging.Options{
		BaseURL:  cfg.Messaging.BaseURL,
		APIKey:   cfg.Messaging.APIKey,
		Apology:  cfg.Orchestrator.Apology,
		Sanitize: cfg.Messaging.SanitizeEnabled(),
		Markdown: cfg.Messaging.Markdown,
		HTTP:     b.httpClient,
	}, gw, b.logger)

	deps := orchestrator.Deps{
		Idempotency: idem,
		Locks:       locks,
		Sessions:    sessions,
		Router:      intents,
		Sender:      sender,
		Circuits:    gw,
		Credentials: refresher,
	}
	if b.sqlite != nil {
		deps.Review = b.sqlite
	}
	orch, err := orchestrator.New(deps, cfg.OrchestratorConfig(), b.logger)
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	routerOpts := webhook.Options{
		Processor:      orch,
		Secret:         cfg.Webhook.Secret,
		AdminToken:     cfg.Webhook.AdminToken,
		AllowedOrigins: cfg.Webhook.AllowedOrigins,
		RetryAfter:     cfg.Webhook.RetryAfter,
		Logger:         b.logger,
	}
	if b.sqlite != nil {
		routerOpts.Review = b.sqlite
	}

	return &App{
		cfg:          cfg,
		logger:       b.logger.With("component", "app"),
		Orchestrator: orch,
		Gateway:      gw,
		Credentials:  refresher,
		Handler:      webhook.NewRouter(routerOpts),
		sqlite:       b.sqlite,
		closers:      b.closers,
	}, nil
}

func (b *builder) uses(name string) bool {
	c := b.cfg
	return c.Idempotency.Backend == name || c.Lock.Backend == name || c.Session.Backend == name
}

// openShared opens the SQLite and Redis connections the selected backends
// share. SQLite is also opened whenever a path is set, for the review queue.
func (b *builder) openShared() error {
	if b.cfg.SQLite.Path != "" {
		s, err := store.NewSQLiteStore(b.cfg.SQLite.Path,
			store.WithSessionTTL(b.cfg.Session.TTL),
			store.WithLogger(b.logger),
		)
		if err != nil {
			return fmt.Errorf("opening sqlite: %w", err)
		}
		b.sqlite = s
		b.closers = append(b.closers, server.Closer{Name: "sqlite", Close: s.Close})
	}

	if b.uses(config.BackendRedis) {
		client, err := store.NewRedisClient(b.ctx, b.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		b.redis = client
		b.closers = append(b.closers, server.Closer{Name: "redis", Close: client.Close})
	}
	return nil
}

func (b *builder) awsConfig() (aws.Config, error) {
	if b.aws != nil {
		return *b.aws, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if b.cfg.DynamoDB.Region != "" {
		opts = append(opts, awsconfig.WithRegion(b.cfg.DynamoDB.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(b.ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	b.aws = &cfg
	return cfg, nil
}

func (b *builder) dynamoClient() (*awsdynamodb.Client, error) {
	cfg, err := b.awsConfig()
	if err != nil {
		return nil, err
	}
	endpoint := b.cfg.DynamoDB.Endpoint
	return awsdynamodb.NewFromConfig(cfg, func(o *awsdynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func (b *builder) idempotencyStore() (idempotency.Store, error) {
	switch b.cfg.Idempotency.Backend {
	case config.BackendSQLite:
		return b.sqlite, nil
	case config.BackendRedis:
		return idempotency.NewRedisStore(b.redis, ""), nil
	case config.BackendDynamoDB:
		client, err := b.dynamoClient()
		if err != nil {
			return nil, err
		}
		return idempotency.NewDynamoStore(client, b.cfg.DynamoDB.IdempotencyTable)
	default:
		s := idempotency.NewMemoryStore(b.cfg.Idempotency.MaxEntries, nil)
		b.closers = append(b.closers, server.Closer{Name: "idempotency", Close: s.Close})
		return s, nil
	}
}

func (b *builder) lockManager() (*lock.Manager, error) {
	var backend lock.Backend
	switch b.cfg.Lock.Backend {
	case config.BackendSQLite:
		backend = b.sqlite
	case config.BackendRedis:
		backend = lock.NewRedisBackend(b.redis)
	default:
		backend = lock.NewMemoryBackend(nil)
	}

	opts := b.cfg.Lock.Options()
	opts.OnAcquire = metrics.ObserveLockWait
	return lock.NewManager(backend, opts, b.logger), nil
}

func (b *builder) sessionStore() (session.Store, error) {
	switch b.cfg.Session.Backend {
	case config.BackendSQLite:
		return b.sqlite, nil
	case config.BackendRedis:
		return session.NewRedisStore(b.redis, b.cfg.Session.TTL), nil
	case config.BackendDynamoDB:
		client, err := b.dynamoClient()
		if err != nil {
			return nil, err
		}
		return session.NewDynamoStore(client, b.cfg.DynamoDB.SessionTable, b.cfg.Session.TTL)
	default:
		return session.NewMemoryStore(b.cfg.Session.TTL, nil), nil
	}
}

func (b *builder) credentialSource() (credential.Source, error) {
	c := b.cfg.Credential
	if c.StaticToken != "" {
		return credential.NewStaticSource(c.StaticToken), nil
	}

	password := credential.StaticSecret(c.Password)
	if c.Password == "" {
		awsCfg, err := b.awsConfig()
		if err != nil {
			return nil, err
		}
		params, err := credential.NewParamStore(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, err
		}
		password = params.Secret(c.PasswordParam)
	}

	return credential.NewHTTPSource(credential.HTTPConfig{
		LoginURL:   c.LoginURL,
		RefreshURL: c.RefreshURL,
		Username:   c.Username,
		Password:   password,
		Client:     b.httpClient,
	}, b.logger), nil
}

func (b *builder) reasoningEngine() (reasoner.Engine, error) {
	if b.engine != nil {
		return b.engine, nil
	}
	r := b.cfg.Reasoner
	switch r.Provider {
	case config.ProviderOpenAI:
		return reasoner.NewOpenAIEngine(reasoner.OpenAIOptions{
			APIKey:      r.APIKey,
			Model:       r.Model,
			Temperature: r.Temperature,
		}), nil
	case config.ProviderAnthropic:
		return reasoner.NewAnthropicEngine(reasoner.AnthropicOptions{
			APIKey:      r.APIKey,
			Model:       r.Model,
			Temperature: r.Temperature,
		}), nil
	case config.ProviderRules:
		return reasoner.NewRulesEngine(), nil
	default:
		return nil, fmt.Errorf("unknown reasoner provider %q", r.Provider)
	}
}

// StartBackground launches the proactive credential refresh and, when SQLite
// is open, the expired-row sweeper. Both stop with ctx. Calling it again is a
// no-op.
func (a *App) StartBackground(ctx context.Context) {
	a.bgOnce.Do(func() {
		go a.Credentials.Run(ctx, a.cfg.Credential.RefreshInterval)
		if a.sqlite != nil {
			go a.sqlite.RunSweeper(ctx, a.cfg.SQLite.SweepInterval)
		}
	})
}

// Run serves HTTP and gRPC until ctx is canceled, then closes every store.
func (a *App) Run(ctx context.Context) error {
	a.StartBackground(ctx)

	srv, err := server.New(server.Options{
		HTTPAddr:        a.cfg.Server.HTTPAddr,
		GRPCAddr:        a.cfg.Server.GRPCAddr,
		Handler:         a.Handler,
		Health:          a.Orchestrator,
		RefreshInterval: a.cfg.Server.HealthRefresh,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
		Closers:         a.closers,
	}, a.logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// Close releases stores without running the servers. Use it when the App
// was only used through Handler.
func (a *App) Close() error {
	return closeAll(a.closers, a.logger)
}

func closeAll(closers []server.Closer, logger *slog.Logger) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.Close(); err != nil {
			logger.Warn("close failed", "resource", c.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Probe checks every configured store once. It backs the check-config
// command.
func (a *App) Probe(ctx context.Context) orchestrator.Health {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.Orchestrator.Health(ctx)
}
