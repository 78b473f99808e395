// Package config loads the genorch service configuration from YAML with
// GENORCH_* environment overrides.
package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/aixgo-dev/genorch/internal/engine"
	"github.com/aixgo-dev/genorch/internal/llm/cost"
	"github.com/aixgo-dev/genorch/internal/llm/provider"
	"github.com/aixgo-dev/genorch/internal/observability"
	"github.com/aixgo-dev/genorch/pkg/credits"
	"github.com/aixgo-dev/genorch/pkg/embeddings"
	"github.com/aixgo-dev/genorch/pkg/sandbox"
	"github.com/aixgo-dev/genorch/pkg/vectorstore"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GENORCH"

// MaxFileSize bounds a config file.
const MaxFileSize = 1 << 20

// Config represents the application configuration
type Config struct {
	Logging     LoggingConfig        `yaml:"logging"`
	Server      ServerConfig         `yaml:"server"`
	Provider    ProviderConfig       `yaml:"provider"`
	Engine      engine.Config        `yaml:"engine"`
	Ledger      LedgerConfig         `yaml:"ledger"`
	VectorStore vectorstore.Config   `yaml:"vectorstore"`
	Embeddings  embeddings.Config    `yaml:"embeddings"`
	Sandbox     SandboxConfig        `yaml:"sandbox"`
	Events      EventsConfig         `yaml:"events"`
	RateLimit   RateLimitConfig      `yaml:"rate_limit"`
	Telemetry   observability.Config `yaml:"telemetry"`

	// Pricing overrides or extends the built-in model prices.
	Pricing []cost.ModelPricing `yaml:"pricing,omitempty"`
}

// LoggingConfig selects the zap level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr              string        `yaml:"addr" envconfig:"ADDR"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" envconfig:"READ_HEADER_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	// ReleaseMode switches gin out of debug mode.
	ReleaseMode bool `yaml:"release_mode" envconfig:"RELEASE_MODE"`
	// MetricsAddr, when set, serves health and metrics on a separate
	// listener instead of the API port.
	MetricsAddr string `yaml:"metrics_addr" envconfig:"METRICS_ADDR"`
}

// ProviderConfig selects and configures the model provider.
type ProviderConfig struct {
	Name            string `yaml:"name" envconfig:"NAME"`
	provider.Config `yaml:",inline"`
}

// Ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerRedis    = "redis"
	LedgerPostgres = "postgres"
)

// LedgerConfig selects the credit ledger backend.
type LedgerConfig struct {
	Backend        string `yaml:"backend" envconfig:"BACKEND"`
	DefaultBalance int64  `yaml:"default_balance" envconfig:"DEFAULT_BALANCE"`
	OverrunPolicy  string `yaml:"overrun_policy" envconfig:"OVERRUN_POLICY"`
	UsageLimit     int    `yaml:"usage_limit" envconfig:"USAGE_LIMIT"`

	RedisAddr     string `yaml:"redis_addr,omitempty" envconfig:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password,omitempty" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db,omitempty" envconfig:"REDIS_DB"`
	RedisPrefix   string `yaml:"redis_prefix,omitempty" envconfig:"REDIS_PREFIX"`

	PostgresURL string `yaml:"postgres_url,omitempty" envconfig:"POSTGRES_URL"`

	// ReplenishSchedule is a cron spec for plan resets; empty disables
	// the replenisher.
	ReplenishSchedule string `yaml:"replenish_schedule,omitempty" envconfig:"REPLENISH_SCHEDULE"`
}

// Options converts the settings into ledger options.
func (l LedgerConfig) Options() (credits.Options, error) {
	policy, err := credits.ParseOverrunPolicy(l.OverrunPolicy)
	if err != nil {
		return credits.Options{}, err
	}
	return credits.Options{DefaultBalance: l.DefaultBalance, Policy: policy, UsageLimit: l.UsageLimit}, nil
}

// SandboxConfig configures the code executor.
type SandboxConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
	// Retries re-runs a job whose executor became unavailable.
	Retries        uint `yaml:"retries" envconfig:"RETRIES"`
	sandbox.Config `yaml:",inline"`
}

// EventsConfig configures session event publishing. An empty NATSURL
// disables it.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url,omitempty" envconfig:"NATS_URL"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty" envconfig:"SUBJECT_PREFIX"`
	Stream        string `yaml:"stream,omitempty" envconfig:"STREAM"`
}

// RateLimitConfig bounds request and tool throughput.
type RateLimitConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second" envconfig:"REQUESTS_PER_SECOND"`
	Burst             int           `yaml:"burst" envconfig:"BURST"`
	GlobalPerSecond   float64       `yaml:"global_per_second" envconfig:"GLOBAL_PER_SECOND"`
	ToolTimeout       time.Duration `yaml:"tool_timeout" envconfig:"TOOL_TIMEOUT"`

	Tools map[string]ToolLimit `yaml:"tools,omitempty" ignored:"true"`
}

// ToolLimit is the throughput and timeout of one tool.
type ToolLimit struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout,omitempty"`
}

// selectors are the overrides of sections whose nested configs are
// pointers, which envconfig would otherwise allocate.
type selectors struct {
	VectorStoreProvider string `envconfig:"VECTORSTORE_PROVIDER"`
	EmbeddingDimensions int    `envconfig:"VECTORSTORE_EMBEDDING_DIMENSIONS"`
	FirestoreProject    string `envconfig:"VECTORSTORE_FIRESTORE_PROJECT"`
	EmbeddingsProvider  string `envconfig:"EMBEDDINGS_PROVIDER"`
	EmbeddingsModel     string `envconfig:"EMBEDDINGS_MODEL"`
}

// Default returns a configuration that runs fully in process: mock
// provider, memory ledger, memory store and hash embeddings.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Provider: ProviderConfig{Name: "mock"},
		Ledger: LedgerConfig{
			Backend:        LedgerMemory,
			DefaultBalance: credits.DefaultBalance,
			OverrunPolicy:  credits.OverrunClamp.String(),
		},
		VectorStore: vectorstore.Config{
			Provider:            "memory",
			EmbeddingDimensions: 256,
		},
		Embeddings: embeddings.Config{
			Provider: "hash",
			Hash:     &embeddings.HashConfig{Dimensions: 256},
		},
		Sandbox: SandboxConfig{Enabled: true, Retries: 1},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 2,
			Burst:             5,
			ToolTimeout:       time.Minute,
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of Default,
// then applies environment overrides and validates. An empty path skips
// the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if info.Size() > MaxFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxFileSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry = observability.ConfigFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	sections := []struct {
		name string
		spec any
	}{
		{"LOGGING", &c.Logging},
		{"SERVER", &c.Server},
		{"PROVIDER", &c.Provider},
		{"ENGINE", &c.Engine},
		{"LEDGER", &c.Ledger},
		{"SANDBOX", &c.Sandbox},
		{"EVENTS", &c.Events},
		{"RATE_LIMIT", &c.RateLimit},
	}
	for _, s := range sections {
		if err := envconfig.Process(EnvPrefix+"_"+s.name, s.spec); err != nil {
			return fmt.Errorf("failed to apply %s_%s_* overrides: %w", EnvPrefix, s.name, err)
		}
	}

	var sel selectors
	if err := envconfig.Process(EnvPrefix, &sel); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if sel.VectorStoreProvider != "" {
		c.VectorStore.Provider = sel.VectorStoreProvider
	}
	if sel.EmbeddingDimensions > 0 {
		c.VectorStore.EmbeddingDimensions = sel.EmbeddingDimensions
	}
	if sel.FirestoreProject != "" {
		if c.VectorStore.Firestore == nil {
			c.VectorStore.Firestore = &vectorstore.FirestoreConfig{}
		}
		c.VectorStore.Firestore.ProjectID = sel.FirestoreProject
	}
	if sel.EmbeddingsProvider != "" {
		c.Embeddings.Provider = sel.EmbeddingsProvider
	}
	if sel.EmbeddingsModel != "" {
		if c.Embeddings.OpenAI == nil {
			c.Embeddings.OpenAI = &embeddings.OpenAIConfig{}
		}
		c.Embeddings.OpenAI.Model = sel.EmbeddingsModel
	}

	// Provider keys fall back to the vendors' own variables.
	if c.Embeddings.OpenAI != nil && c.Embeddings.OpenAI.APIKey == "" {
		c.Embeddings.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return nil
}

// Model is the model sessions use unless a request names one.
func (c *Config) Model() string {
	switch {
	case c.Engine.Model != "":
		return c.Engine.Model
	case c.Provider.DefaultModel != "":
		return c.Provider.DefaultModel
	default:
		return provider.DefaultModel(c.Provider.Name)
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	cp := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	cp.Provider.APIKey = mask(cp.Provider.APIKey)
	cp.Ledger.RedisPassword = mask(cp.Ledger.RedisPassword)
	cp.Ledger.PostgresURL = mask(cp.Ledger.PostgresURL)
	if cp.Embeddings.OpenAI != nil {
		oa := *cp.Embeddings.OpenAI
		oa.APIKey = mask(oa.APIKey)
		cp.Embeddings.OpenAI = &oa
	}
	if len(cp.Telemetry.Headers) > 0 {
		cp.Telemetry.Headers = map[string]string{"redacted": mask("x")}
	}
	return &cp
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if !slices.Contains(provider.Factories(), c.Provider.Name) {
		return fmt.Errorf("provider.name %q is not one of %v", c.Provider.Name, provider.Factories())
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if err := c.Ledger.validate(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	if err := c.VectorStore.Validate(); err != nil {
		return fmt.Errorf("vectorstore: %w", err)
	}
	if err := c.Embeddings.Validate(); err != nil {
		return fmt.Errorf("embeddings: %w", err)
	}
	if c.Embeddings.Provider == "hash" && c.Embeddings.Hash != nil &&
		c.Embeddings.Hash.Dimensions != c.VectorStore.EmbeddingDimensions {
		return fmt.Errorf("embeddings.hash.dimensions (%d) must equal vectorstore.embedding_dimensions (%d)",
			c.Embeddings.Hash.Dimensions, c.VectorStore.EmbeddingDimensions)
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 || c.RateLimit.GlobalPerSecond < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		return fmt.Errorf("rate_limit.burst must be positive when requests_per_second is set")
	}
	for name, tl := range c.RateLimit.Tools {
		if tl.RequestsPerSecond < 0 || tl.Burst < 0 || tl.Timeout < 0 {
			return fmt.Errorf("rate_limit.tools.%s values must not be negative", name)
		}
	}

	for _, p := range c.Pricing {
		if p.Model == "" || p.InputPer1M < 0 || p.OutputPer1M < 0 {
			return fmt.Errorf("pricing entries need a model and non-negative prices: %+v", p)
		}
	}
	return nil
}

func (l LedgerConfig) validate() error {
	switch l.Backend {
	case LedgerMemory:
	case LedgerRedis:
		if l.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required for the redis backend")
		}
	case LedgerPostgres:
		if l.PostgresURL == "" {
			return fmt.Errorf("postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("backend must be memory, redis or postgres, got %q", l.Backend)
	}
	if l.DefaultBalance < 0 {
		return fmt.Errorf("default_balance must not be negative")
	}
	if _, err := credits.ParseOverrunPolicy(l.OverrunPolicy); err != nil {
		return err
	}
	if l.ReplenishSchedule != "" {
		if _, err := cron.ParseStandard(l.ReplenishSchedule); err != nil {
			return fmt.Errorf("invalid replenish_schedule %q: %w", l.ReplenishSchedule, err)
		}
	}
	return nil
}
