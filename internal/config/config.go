// ABOUTME: Configuration loading and parsing for the concierge service
// ABOUTME: Supports YAML or TOML files with .env loading, env var expansion, and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend names shared by the idempotency, lock, and session sections.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
)

// Reasoner providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderRules     = "rules"
)

// Config represents the complete concierge configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency" toml:"idempotency"`
	Lock         LockConfig         `yaml:"lock" toml:"lock"`
	Session      SessionConfig      `yaml:"session" toml:"session"`
	Redis        RedisConfig        `yaml:"redis" toml:"redis"`
	SQLite       SQLiteConfig       `yaml:"sqlite" toml:"sqlite"`
	DynamoDB     DynamoDBConfig     `yaml:"dynamodb" toml:"dynamodb"`
	Resilience   ResilienceConfig   `yaml:"resilience" toml:"resilience"`
	Credential   CredentialConfig   `yaml:"credential" toml:"credential"`
	Reasoner     ReasonerConfig     `yaml:"reasoner" toml:"reasoner"`
	Backend      BackendConfig      `yaml:"backend" toml:"backend"`
	Messaging    MessagingConfig    `yaml:"messaging" toml:"messaging"`
	Webhook      WebhookConfig      `yaml:"webhook" toml:"webhook"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" toml:"orchestrator"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`
	HealthRefresh   time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	HealthRefreshRaw   string `yaml:"health_refresh" toml:"health_refresh"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// IdempotencyConfig selects the duplicate-suppression store.
type IdempotencyConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	// OnUnavailable is fail_closed or fail_open.
	OnUnavailable string `yaml:"on_unavailable" toml:"on_unavailable"`
	// MaxEntries bounds the memory backend.
	MaxEntries int `yaml:"max_entries" toml:"max_entries"`

	InFlightTTL time.Duration `yaml:"-" toml:"-"`
	Retention   time.Duration `yaml:"-" toml:"-"`

	InFlightTTLRaw string `yaml:"in_flight_ttl" toml:"in_flight_ttl"`
	RetentionRaw   string `yaml:"retention" toml:"retention"`
}

// LockConfig holds conversation lock configuration
type LockConfig struct {
	Backend  string `yaml:"backend" toml:"backend"`
	Attempts int    `yaml:"attempts" toml:"attempts"`

	Lease          time.Duration `yaml:"-" toml:"-"`
	RetryDelay     time.Duration `yaml:"-" toml:"-"`
	AcquireTimeout time.Duration `yaml:"-" toml:"-"`
	SlowHoldWarn   time.Duration `yaml:"-" toml:"-"`

	LeaseRaw          string `yaml:"lease" toml:"lease"`
	RetryDelayRaw     string `yaml:"retry_delay" toml:"retry_delay"`
	AcquireTimeoutRaw string `yaml:"acquire_timeout" toml:"acquire_timeout"`
	SlowHoldWarnRaw   string `yaml:"slow_hold_warn" toml:"slow_hold_warn"`
}

// SessionConfig holds conversation state configuration
type SessionConfig struct {
	Backend       string `yaml:"backend" toml:"backend"`
	MaxTurns      int    `yaml:"max_turns" toml:"max_turns"`
	ContextWindow int    `yaml:"context_window" toml:"context_window"`

	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// RedisConfig holds the shared Redis connection.
type RedisConfig struct {
	URL string `yaml:"url" toml:"url"`
}

// SQLiteConfig holds the embedded store configuration
type SQLiteConfig struct {
	Path string `yaml:"path" toml:"path"`

	SweepInterval    time.Duration `yaml:"-" toml:"-"`
	SweepIntervalRaw string        `yaml:"sweep_interval" toml:"sweep_interval"`
}

// DynamoDBConfig holds DynamoDB table configuration
type DynamoDBConfig struct {
	Region           string `yaml:"region" toml:"region"`
	Endpoint         string `yaml:"endpoint" toml:"endpoint"`
	IdempotencyTable string `yaml:"idempotency_table" toml:"idempotency_table"`
	SessionTable     string `yaml:"session_table" toml:"session_table"`
}

// ResilienceConfig holds the default call policy and per-dependency overrides.
type ResilienceConfig struct {
	Defaults     PolicyConfig            `yaml:"defaults" toml:"defaults"`
	Dependencies map[string]PolicyConfig `yaml:"dependencies" toml:"dependencies"`
}

// PolicyConfig mirrors resilience.Policy. Zero fields inherit.
type PolicyConfig struct {
	Rate             float64 `yaml:"rate" toml:"rate"`
	Burst            int     `yaml:"burst" toml:"burst"`
	FailureThreshold int     `yaml:"failure_threshold" toml:"failure_threshold"`
	HalfOpenProbes   int     `yaml:"half_open_probes" toml:"half_open_probes"`
	MaxAttempts      int     `yaml:"max_attempts" toml:"max_attempts"`

	Wait          time.Duration `yaml:"-" toml:"-"`
	Window        time.Duration `yaml:"-" toml:"-"`
	CoolDown      time.Duration `yaml:"-" toml:"-"`
	MaxCoolDown   time.Duration `yaml:"-" toml:"-"`
	BaseDelay     time.Duration `yaml:"-" toml:"-"`
	MaxDelay      time.Duration `yaml:"-" toml:"-"`
	MaxRetryAfter time.Duration `yaml:"-" toml:"-"`
	CallTimeout   time.Duration `yaml:"-" toml:"-"`

	WaitRaw          string `yaml:"wait" toml:"wait"`
	WindowRaw        string `yaml:"window" toml:"window"`
	CoolDownRaw      string `yaml:"cool_down" toml:"cool_down"`
	MaxCoolDownRaw   string `yaml:"max_cool_down" toml:"max_cool_down"`
	BaseDelayRaw     string `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw      string `yaml:"max_delay" toml:"max_delay"`
	MaxRetryAfterRaw string `yaml:"max_retry_after" toml:"max_retry_after"`
	CallTimeoutRaw   string `yaml:"call_timeout" toml:"call_timeout"`
}

// CredentialConfig holds backend API credential configuration.
// Exactly one source is used: StaticToken, or a login with Username and
// Password (or PasswordParam, an SSM parameter name).
type CredentialConfig struct {
	LoginURL      string `yaml:"login_url" toml:"login_url"`
	RefreshURL    string `yaml:"refresh_url" toml:"refresh_url"`
	Username      string `yaml:"username" toml:"username"`
	Password      string `yaml:"password" toml:"password"`
	PasswordParam string `yaml:"password_param" toml:"password_param"`
	StaticToken   string `yaml:"static_token" toml:"static_token"`

	Margin          time.Duration `yaml:"-" toml:"-"`
	RefreshInterval time.Duration `yaml:"-" toml:"-"`

	MarginRaw          string `yaml:"margin" toml:"margin"`
	RefreshIntervalRaw string `yaml:"refresh_interval" toml:"refresh_interval"`
}

// ReasonerConfig selects the intent classification engine
type ReasonerConfig struct {
	Provider    string  `yaml:"provider" toml:"provider"`
	Model       string  `yaml:"model" toml:"model"`
	APIKey      string  `yaml:"api_key" toml:"api_key"`
	Threshold   float64 `yaml:"threshold" toml:"threshold"`
	Temperature float64 `yaml:"temperature" toml:"temperature"`

	CacheTTL    time.Duration `yaml:"-" toml:"-"`
	CacheTTLRaw string        `yaml:"cache_ttl" toml:"cache_ttl"`
}

// BackendConfig points at the clinic backend API.
type BackendConfig struct {
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

// MessagingConfig holds outbound WhatsApp gateway configuration
type MessagingConfig struct {
	BaseURL string `yaml:"base_url" toml:"base_url"`
	APIKey  string `yaml:"api_key" toml:"api_key"`
	// Sanitize replaces JSON-looking replies with the apology. Defaults to true.
	Sanitize *bool `yaml:"sanitize" toml:"sanitize"`
	Markdown bool  `yaml:"markdown" toml:"markdown"`
}

// WebhookConfig holds inbound webhook configuration
type WebhookConfig struct {
	Secret         string   `yaml:"secret" toml:"secret"`
	AdminToken     string   `yaml:"admin_token" toml:"admin_token"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`

	RetryAfter    time.Duration `yaml:"-" toml:"-"`
	RetryAfterRaw string        `yaml:"retry_after" toml:"retry_after"`
}

// OrchestratorConfig holds per-message pipeline configuration
type OrchestratorConfig struct {
	AdmissionRate  float64 `yaml:"admission_rate" toml:"admission_rate"`
	AdmissionBurst int     `yaml:"admission_burst" toml:"admission_burst"`
	Apology        string  `yaml:"apology" toml:"apology"`

	MessageDeadline time.Duration `yaml:"-" toml:"-"`
	CleanupTimeout  time.Duration `yaml:"-" toml:"-"`

	MessageDeadlineRaw string `yaml:"message_deadline" toml:"message_deadline"`
	CleanupTimeoutRaw  string `yaml:"cleanup_timeout" toml:"cleanup_timeout"`
}

// SanitizeEnabled reports whether outbound JSON sanitization is on.
func (m MessagingConfig) SanitizeEnabled() bool {
	return m.Sanitize == nil || *m.Sanitize
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file next to the config is loaded first without overriding variables
// already set. Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := LoadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	cfg, err := Parse(expandEnvVars(string(data)), strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes already-expanded configuration text, applies defaults, and
// validates the result.
func Parse(data string, isTOML bool) (*Config, error) {
	var cfg Config
	if isTOML {
		if err := toml.Unmarshal([]byte(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadDotEnv loads each existing file into the process environment.
// Missing files are skipped and existing variables win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

func (p *PolicyConfig) durationFields(prefix string) []durationField {
	return []durationField{
		{prefix + ".wait", p.WaitRaw, &p.Wait},
		{prefix + ".window", p.WindowRaw, &p.Window},
		{prefix + ".cool_down", p.CoolDownRaw, &p.CoolDown},
		{prefix + ".max_cool_down", p.MaxCoolDownRaw, &p.MaxCoolDown},
		{prefix + ".base_delay", p.BaseDelayRaw, &p.BaseDelay},
		{prefix + ".max_delay", p.MaxDelayRaw, &p.MaxDelay},
		{prefix + ".max_retry_after", p.MaxRetryAfterRaw, &p.MaxRetryAfter},
		{prefix + ".call_timeout", p.CallTimeoutRaw, &p.CallTimeout},
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"server.health_refresh", cfg.Server.HealthRefreshRaw, &cfg.Server.HealthRefresh},
		{"idempotency.in_flight_ttl", cfg.Idempotency.InFlightTTLRaw, &cfg.Idempotency.InFlightTTL},
		{"idempotency.retention", cfg.Idempotency.RetentionRaw, &cfg.Idempotency.Retention},
		{"lock.lease", cfg.Lock.LeaseRaw, &cfg.Lock.Lease},
		{"lock.retry_delay", cfg.Lock.RetryDelayRaw, &cfg.Lock.RetryDelay},
		{"lock.acquire_timeout", cfg.Lock.AcquireTimeoutRaw, &cfg.Lock.AcquireTimeout},
		{"lock.slow_hold_warn", cfg.Lock.SlowHoldWarnRaw, &cfg.Lock.SlowHoldWarn},
		{"session.ttl", cfg.Session.TTLRaw, &cfg.Session.TTL},
		{"sqlite.sweep_interval", cfg.SQLite.SweepIntervalRaw, &cfg.SQLite.SweepInterval},
		{"credential.margin", cfg.Credential.MarginRaw, &cfg.Credential.Margin},
		{"credential.refresh_interval", cfg.Credential.RefreshIntervalRaw, &cfg.Credential.RefreshInterval},
		{"reasoner.cache_ttl", cfg.Reasoner.CacheTTLRaw, &cfg.Reasoner.CacheTTL},
		{"webhook.retry_after", cfg.Webhook.RetryAfterRaw, &cfg.Webhook.RetryAfter},
		{"orchestrator.message_deadline", cfg.Orchestrator.MessageDeadlineRaw, &cfg.Orchestrator.MessageDeadline},
		{"orchestrator.cleanup_timeout", cfg.Orchestrator.CleanupTimeoutRaw, &cfg.Orchestrator.CleanupTimeout},
	}
	fields = append(fields, cfg.Resilience.Defaults.durationFields("resilience.defaults")...)

	for name, p := range cfg.Resilience.Dependencies {
		if err := parseFields(p.durationFields("resilience.dependencies." + name)); err != nil {
			return err
		}
		cfg.Resilience.Dependencies[name] = p
	}

	return parseFields(fields)
}

func parseFields(fields []durationField) error {
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// ApplyDefaults fills unset fields with production defaults.
func (c *Config) ApplyDefaults() {
	setString := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, v time.Duration) {
		if *dst == 0 {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if *dst == 0 {
			*dst = v
		}
	}

	setString(&c.Server.HTTPAddr, "0.0.0.0:8080")
	setString(&c.Server.GRPCAddr, "0.0.0.0:50051")
	setDuration(&c.Server.ShutdownTimeout, 10*time.Second)
	setDuration(&c.Server.HealthRefresh, 5*time.Second)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "text")

	setString(&c.Idempotency.Backend, BackendMemory)
	setString(&c.Idempotency.OnUnavailable, "fail_closed")
	setInt(&c.Idempotency.MaxEntries, 100000)
	setDuration(&c.Idempotency.InFlightTTL, 2*time.Minute)
	setDuration(&c.Idempotency.Retention, 24*time.Hour)

	setString(&c.Lock.Backend, BackendMemory)
	setInt(&c.Lock.Attempts, 10)
	setDuration(&c.Lock.Lease, 30*time.Second)
	setDuration(&c.Lock.RetryDelay, 500*time.Millisecond)
	setDuration(&c.Lock.AcquireTimeout, 5*time.Second)
	setDuration(&c.Lock.SlowHoldWarn, 3*time.Second)

	setString(&c.Session.Backend, BackendMemory)
	setInt(&c.Session.MaxTurns, 20)
	setInt(&c.Session.ContextWindow, 6)
	setDuration(&c.Session.TTL, 24*time.Hour)

	setDuration(&c.SQLite.SweepInterval, 5*time.Minute)

	setDuration(&c.Credential.Margin, 10*time.Minute)
	setDuration(&c.Credential.RefreshInterval, time.Minute)

	setString(&c.Reasoner.Provider, ProviderRules)
	if c.Reasoner.Threshold == 0 {
		c.Reasoner.Threshold = 0.6
	}
	setDuration(&c.Reasoner.CacheTTL, 120*time.Second)

	setDuration(&c.Webhook.RetryAfter, 5*time.Second)

	setInt(&c.Orchestrator.AdmissionBurst, 50)
	setDuration(&c.Orchestrator.MessageDeadline, 45*time.Second)
	setDuration(&c.Orchestrator.CleanupTimeout, 5*time.Second)
}

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), v)
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Server.GRPCAddr == "" {
		return fmt.Errorf("server.grpc_addr is required")
	}

	if err := oneOf("logging.level", strings.ToLower(c.Logging.Level), "debug", "info", "warn", "error"); err != nil {
		return err
	}
	if err := oneOf("logging.format", c.Logging.Format, "text", "json"); err != nil {
		return err
	}

	if err := oneOf("idempotency.backend", c.Idempotency.Backend, BackendMemory, BackendSQLite, BackendRedis, BackendDynamoDB); err != nil {
		return err
	}
	if err := oneOf("idempotency.on_unavailable", c.Idempotency.OnUnavailable, "fail_closed", "fail_open"); err != nil {
		return err
	}
	if err := oneOf("lock.backend", c.Lock.Backend, BackendMemory, BackendSQLite, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("session.backend", c.Session.Backend, BackendMemory, BackendSQLite, BackendRedis, BackendDynamoDB); err != nil {
		return err
	}

	backends := []string{c.Idempotency.Backend, c.Lock.Backend, c.Session.Backend}
	if slices.Contains(backends, BackendRedis) && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when a redis backend is selected")
	}
	if slices.Contains(backends, BackendSQLite) && c.SQLite.Path == "" {
		return fmt.Errorf("sqlite.path is required when a sqlite backend is selected")
	}
	if c.Idempotency.Backend == BackendDynamoDB && c.DynamoDB.IdempotencyTable == "" {
		return fmt.Errorf("dynamodb.idempotency_table is required for the dynamodb idempotency backend")
	}
	if c.Session.Backend == BackendDynamoDB && c.DynamoDB.SessionTable == "" {
		return fmt.Errorf("dynamodb.session_table is required for the dynamodb session backend")
	}

	// An in_progress record must outlive the attempt that owns it, cleanup included.
	if c.Orchestrator.MessageDeadline+c.Orchestrator.CleanupTimeout > c.Idempotency.InFlightTTL {
		return fmt.Errorf("orchestrator.message_deadline (%s) plus orchestrator.cleanup_timeout (%s) must not exceed idempotency.in_flight_ttl (%s)",
			c.Orchestrator.MessageDeadline, c.Orchestrator.CleanupTimeout, c.Idempotency.InFlightTTL)
	}
	if c.Lock.Lease <= c.Lock.RetryDelay {
		return fmt.Errorf("lock.lease must exceed lock.retry_delay")
	}

	if err := oneOf("reasoner.provider", c.Reasoner.Provider, ProviderOpenAI, ProviderAnthropic, ProviderRules); err != nil {
		return err
	}
	if c.Reasoner.Provider != ProviderRules && c.Reasoner.APIKey == "" {
		return fmt.Errorf("reasoner.api_key is required for provider %q", c.Reasoner.Provider)
	}
	if c.Reasoner.Threshold < 0 || c.Reasoner.Threshold > 1 {
		return fmt.Errorf("reasoner.threshold must be between 0 and 1")
	}

	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Messaging.BaseURL == "" {
		return fmt.Errorf("messaging.base_url is required")
	}

	cred := c.Credential
	if cred.StaticToken == "" {
		if cred.LoginURL == "" || cred.Username == "" {
			return fmt.Errorf("credential requires static_token or login_url with username")
		}
		if cred.Password == "" && cred.PasswordParam == "" {
			return fmt.Errorf("credential.password or credential.password_param is required")
		}
	}

	return nil
}
