package engine

import (
	"fmt"
	"time"
)

// Config tunes the engine. Zero values take the defaults below.
type Config struct {
	Model        string `yaml:"model" envconfig:"MODEL"`
	SystemPrompt string `yaml:"system_prompt" envconfig:"SYSTEM_PROMPT"`

	MaxTurns         int `yaml:"max_turns" envconfig:"MAX_TURNS"`
	MaxParallelTools int `yaml:"max_parallel_tools" envconfig:"MAX_PARALLEL_TOOLS"`
	MaxOutputTokens  int `yaml:"max_output_tokens" envconfig:"MAX_OUTPUT_TOKENS"`

	RetrievalTopK     int               `yaml:"retrieval_top_k" envconfig:"RETRIEVAL_TOP_K"`
	RetrievalMinScore float32           `yaml:"retrieval_min_score" envconfig:"RETRIEVAL_MIN_SCORE"`
	RetrievalFilter   map[string]string `yaml:"retrieval_filter" envconfig:"RETRIEVAL_FILTER"`
	RetrievalRetries  uint              `yaml:"retrieval_retries" envconfig:"RETRIEVAL_RETRIES"`

	ProviderRetries uint `yaml:"provider_retries" envconfig:"PROVIDER_RETRIES"`
	LedgerRetries   uint `yaml:"ledger_retries" envconfig:"LEDGER_RETRIES"`
	// RetryWait is the initial backoff interval for all retries.
	RetryWait time.Duration `yaml:"retry_wait" envconfig:"RETRY_WAIT"`

	SessionTimeout   time.Duration `yaml:"session_timeout" envconfig:"SESSION_TIMEOUT"`
	ReconcileTimeout time.Duration `yaml:"reconcile_timeout" envconfig:"RECONCILE_TIMEOUT"`
	EventBuffer      int           `yaml:"event_buffer" envconfig:"EVENT_BUFFER"`
}

// Defaults.
const (
	DefaultMaxTurns         = 50
	DefaultMaxParallelTools = 4
	DefaultMaxOutputTokens  = 4096
	DefaultRetrievalTopK    = 5
	DefaultSessionTimeout   = 10 * time.Minute
	DefaultReconcileTimeout = 15 * time.Second
	DefaultEventBuffer      = 64
)

// DefaultSystemPrompt frames the survey-building assistant.
const DefaultSystemPrompt = "You are a survey design assistant. Use the available tools when they help: " +
	"execute_code for calculations and data checks, insert_equation for LaTeX formulas, " +
	"search_design_patterns for proven question and layout patterns."

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.MaxParallelTools <= 0 {
		c.MaxParallelTools = DefaultMaxParallelTools
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if c.RetrievalTopK <= 0 {
		c.RetrievalTopK = DefaultRetrievalTopK
	}
	if c.RetrievalRetries == 0 {
		c.RetrievalRetries = 3
	}
	if c.ProviderRetries == 0 {
		c.ProviderRetries = 3
	}
	if c.LedgerRetries == 0 {
		c.LedgerRetries = 3
	}
	if c.RetryWait <= 0 {
		c.RetryWait = 200 * time.Millisecond
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = DefaultReconcileTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	return c
}

// Validate rejects out-of-range settings.
func (c Config) Validate() error {
	if c.MaxTurns < 0 || c.MaxParallelTools < 0 || c.MaxOutputTokens < 0 {
		return fmt.Errorf("engine limits must not be negative")
	}
	if c.RetrievalMinScore < -1 || c.RetrievalMinScore > 1 {
		return fmt.Errorf("retrieval_min_score must be within [-1, 1], got %v", c.RetrievalMinScore)
	}
	if c.SessionTimeout < 0 || c.ReconcileTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}
