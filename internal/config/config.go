// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	Memory  MemoryConfig  `mapstructure:"memory" yaml:"memory"`
	Healer  HealerConfig  `mapstructure:"healer" yaml:"healer"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// AgentConfig configures the decision loop and its termination bounds.
type AgentConfig struct {
	MaxIterations            int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	MaxRetries               int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxTime                  time.Duration `mapstructure:"max_time" yaml:"max_time"`
	AutoHeal                 bool          `mapstructure:"auto_heal" yaml:"auto_heal"`
	PersistMemory            bool          `mapstructure:"persist_memory" yaml:"persist_memory"`
	DangerousCommandsAllowed bool          `mapstructure:"dangerous_commands_allowed" yaml:"dangerous_commands_allowed"`
	Verbose                  bool          `mapstructure:"verbose" yaml:"verbose"`
	WorkDir                  string        `mapstructure:"work_dir" yaml:"work_dir"`

	// Timeouts for the two external suspension points of the loop. A stalled
	// call falls back to the heuristic path rather than hanging the iteration.
	LLMCallTimeout  time.Duration `mapstructure:"llm_call_timeout" yaml:"llm_call_timeout"`
	ToolCallTimeout time.Duration `mapstructure:"tool_call_timeout" yaml:"tool_call_timeout"`

	// Stuck-loop detection thresholds. These mirror the observed behavior of
	// the loop rather than any stronger semantics, so they stay configurable.
	StuckFingerprintRepeats int `mapstructure:"stuck_fingerprint_repeats" yaml:"stuck_fingerprint_repeats"`
	StuckFingerprintWindow  int `mapstructure:"stuck_fingerprint_window" yaml:"stuck_fingerprint_window"`
	StuckMinIterations      int `mapstructure:"stuck_min_iterations" yaml:"stuck_min_iterations"`
	StuckFailureStreak      int `mapstructure:"stuck_failure_streak" yaml:"stuck_failure_streak"`

	// MaxPlanRevisions caps how many times the planner may refine a plan.
	MaxPlanRevisions int `mapstructure:"max_plan_revisions" yaml:"max_plan_revisions"`
}

// LLMConfig holds the completion-service connection settings.
type LLMConfig struct {
	Provider          string        `mapstructure:"provider" yaml:"provider"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	FastModel         string        `mapstructure:"fast_model" yaml:"fast_model"`
	PowerfulModel     string        `mapstructure:"powerful_model" yaml:"powerful_model"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	TopP              float64       `mapstructure:"top_p" yaml:"top_p"`
	TopK              int           `mapstructure:"top_k" yaml:"top_k"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// ProviderGemini is the only completion provider currently supported.
const ProviderGemini = "gemini"

// MemoryConfig bounds the short-term memory rings and the LLM digest.
type MemoryConfig struct {
	MaxActions      int `mapstructure:"max_actions" yaml:"max_actions"`
	MaxObservations int `mapstructure:"max_observations" yaml:"max_observations"`
	MaxFailures     int `mapstructure:"max_failures" yaml:"max_failures"`
	SummaryBudget   int `mapstructure:"summary_budget" yaml:"summary_budget"`
}

// HealerConfig configures the self-healing pipeline.
type HealerConfig struct {
	MaxAttempts   int     `mapstructure:"max_attempts" yaml:"max_attempts"`
	MinConfidence float64 `mapstructure:"min_confidence" yaml:"min_confidence"`
}

// StorageConfig selects the persistence backend for long-term memory.
// When DatabaseURL is empty the file store under StateDir is used.
type StorageConfig struct {
	DatabaseURL string `mapstructure:"database_url" yaml:"-"`
	StateDir    string `mapstructure:"state_dir" yaml:"state_dir"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "aether")
	v.SetDefault("logger.log_file", "aether.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Agent --
	v.SetDefault("agent.max_iterations", 100)
	v.SetDefault("agent.max_retries", 3)
	v.SetDefault("agent.max_time", "30m")
	v.SetDefault("agent.auto_heal", true)
	v.SetDefault("agent.persist_memory", true)
	v.SetDefault("agent.dangerous_commands_allowed", false)
	v.SetDefault("agent.verbose", true)
	v.SetDefault("agent.work_dir", ".")
	v.SetDefault("agent.llm_call_timeout", "90s")
	v.SetDefault("agent.tool_call_timeout", "5m")
	v.SetDefault("agent.stuck_fingerprint_repeats", 3)
	v.SetDefault("agent.stuck_fingerprint_window", 20)
	v.SetDefault("agent.stuck_min_iterations", 10)
	v.SetDefault("agent.stuck_failure_streak", 5)
	v.SetDefault("agent.max_plan_revisions", 5)

	// -- LLM --
	v.SetDefault("llm.provider", ProviderGemini)
	v.SetDefault("llm.fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.powerful_model", "gemini-2.5-pro")
	v.SetDefault("llm.api_timeout", "120s")
	v.SetDefault("llm.max_tokens", 8192)
	v.SetDefault("llm.top_p", 0.95)
	v.SetDefault("llm.top_k", 40)
	v.SetDefault("llm.requests_per_minute", 30.0)

	// -- Memory --
	v.SetDefault("memory.max_actions", 20)
	v.SetDefault("memory.max_observations", 50)
	v.SetDefault("memory.max_failures", 50)
	v.SetDefault("memory.summary_budget", 4000)

	// -- Healer --
	v.SetDefault("healer.max_attempts", 3)
	v.SetDefault("healer.min_confidence", 0.3)

	// -- Storage --
	v.SetDefault("storage.state_dir", ".aether")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("llm.api_key", "AETHER_LLM_API_KEY")
	v.BindEnv("storage.database_url", "AETHER_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load secrets if Unmarshal didn't pick them up.
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("AETHER_LLM_API_KEY")
	}
	if cfg.Storage.DatabaseURL == "" {
		cfg.Storage.DatabaseURL = os.Getenv("AETHER_DATABASE_URL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be a positive integer")
	}
	if c.Agent.MaxRetries < 0 {
		return fmt.Errorf("agent.max_retries must not be negative")
	}
	if c.Agent.MaxTime <= 0 {
		return fmt.Errorf("agent.max_time must be a positive duration")
	}
	if c.Agent.StuckFingerprintRepeats <= 1 {
		return fmt.Errorf("agent.stuck_fingerprint_repeats must be greater than 1")
	}
	if c.Agent.StuckFingerprintWindow < c.Agent.StuckFingerprintRepeats {
		return fmt.Errorf("agent.stuck_fingerprint_window must be at least agent.stuck_fingerprint_repeats")
	}
	if err := c.Healer.Validate(); err != nil {
		return fmt.Errorf("healer configuration invalid: %w", err)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the Healer configuration.
func (h *HealerConfig) Validate() error {
	if h.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be greater than 0")
	}
	if h.MinConfidence < 0.0 || h.MinConfidence > 1.0 {
		return fmt.Errorf("min_confidence must be between 0.0 and 1.0")
	}
	return nil
}

// Validate checks the Memory configuration.
func (m *MemoryConfig) Validate() error {
	if m.MaxActions <= 0 || m.MaxObservations <= 0 {
		return fmt.Errorf("max_actions and max_observations must be positive")
	}
	if m.SummaryBudget <= 0 {
		return fmt.Errorf("summary_budget must be positive")
	}
	return nil
}
