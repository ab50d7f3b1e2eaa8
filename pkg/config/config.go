// Package config loads and merges configuration for the vivarium process.
//
// Configuration comes from three layers, later layers winning:
//  1. config.yaml next to the box root
//  2. a .env file in the working directory (loaded via godotenv)
//  3. real environment variables (OPENAI_API_KEY, VIVARIUM_MODEL, ...)
//
// The loaded Config is passed by reference into constructors; nothing in
// this module reads configuration from ambient globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ModelConfig selects and parameterizes a chat model provider.
type ModelConfig struct {
	// Provider is the provider name. Currently "openai" (which also covers
	// any OpenAI-compatible endpoint through BaseURL).
	Provider string `yaml:"provider"`

	// APIKey is the API key for the provider.
	APIKey string `yaml:"api_key"`

	// Model is the model name, e.g. "gpt-4o".
	Model string `yaml:"model"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`
}

// EmbedderConfig selects and parameterizes an embedding provider.
type EmbedderConfig struct {
	Provider   string `yaml:"provider"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	Dimensions int    `yaml:"dimensions"`
}

// DaemonConfig locates the external compute daemon.
type DaemonConfig struct {
	// Root is the daemon's home directory; the ready file and launch script
	// live underneath it.
	Root string `yaml:"root"`

	// LaunchScript is the script run to start the daemon, relative to Root.
	LaunchScript string `yaml:"launch_script"`

	// EvalTimeout bounds ordinary evaluations. Default 30s.
	EvalTimeout time.Duration `yaml:"eval_timeout"`

	// LongTimeout bounds deep sub-agent runs. Default 300s.
	LongTimeout time.Duration `yaml:"long_timeout"`

	// TimeoutThreshold is the consecutive-timeout count that trips the
	// circuit breaker. Default 3.
	TimeoutThreshold int `yaml:"timeout_threshold"`
}

// EngineConfig tunes the cycle engine and memory stream.
type EngineConfig struct {
	// IdlePaceSeconds is the delay after a cycle with no tool activity.
	IdlePaceSeconds int `yaml:"idle_pace_seconds"`

	// ActivePaceSeconds is the delay after a cycle that ran tools.
	ActivePaceSeconds int `yaml:"active_pace_seconds"`

	// MaxThoughtsInContext caps the recent events replayed into each turn.
	MaxThoughtsInContext int `yaml:"max_thoughts_in_context"`

	// ReflectionThreshold is the accumulated-importance pressure that
	// triggers a reflection pass.
	ReflectionThreshold float64 `yaml:"reflection_threshold"`

	// MemoryRetrievalCount is the default top-K for memory retrieval.
	MemoryRetrievalCount int `yaml:"memory_retrieval_count"`

	// RecencyDecayRate tunes retrieval recency decay (per-hour survival).
	RecencyDecayRate float64 `yaml:"recency_decay_rate"`

	// PlanInterval is the number of cycles between planning passes.
	PlanInterval int `yaml:"plan_interval"`

	// JournalInterval is the number of cycles between journal passes.
	JournalInterval int `yaml:"journal_interval"`

	// MaxToolCalls is the hard cap on tool calls per cycle.
	MaxToolCalls int `yaml:"max_tool_calls"`
}

// Config is the complete process configuration.
type Config struct {
	Model      ModelConfig    `yaml:"model"`
	Embedder   EmbedderConfig `yaml:"embedder"`
	Summarizer *ModelConfig   `yaml:"summarizer,omitempty"`
	Daemon     DaemonConfig   `yaml:"daemon"`
	Engine     EngineConfig   `yaml:"engine"`

	// BoxRoot is the directory scanned for *_box instance directories.
	BoxRoot string `yaml:"box_root"`

	// Instances holds per-instance overrides keyed by box id.
	Instances map[string]InstanceOverride `yaml:"instances"`
}

// InstanceOverride carries the per-instance settings that may diverge from
// the process-wide defaults.
type InstanceOverride struct {
	Model      *ModelConfig    `yaml:"model,omitempty"`
	Embedder   *EmbedderConfig `yaml:"embedder,omitempty"`
	Engine     *EngineConfig   `yaml:"engine,omitempty"`
	Summarizer *ModelConfig    `yaml:"summarizer,omitempty"`
}

// Load reads the config file at path and applies env overrides.
//
// A missing file is not an error; defaults plus environment variables make a
// runnable configuration for local use.
func Load(path string) (*Config, error) {
	// A .env alongside the process is a convenience for local runs.
	_ = godotenv.Load()

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fall through to defaults
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if !filepath.IsAbs(cfg.BoxRoot) {
		if abs, err := filepath.Abs(cfg.BoxRoot); err == nil {
			cfg.BoxRoot = abs
		}
	}

	return cfg, nil
}

// ForInstance merges per-instance overrides onto the process defaults.
func (c *Config) ForInstance(id string) Config {
	merged := *c
	ov, ok := c.Instances[id]
	if !ok {
		return merged
	}
	if ov.Model != nil {
		merged.Model = *ov.Model
	}
	if ov.Embedder != nil {
		merged.Embedder = *ov.Embedder
	}
	if ov.Engine != nil {
		merged.Engine = *ov.Engine
	}
	if ov.Summarizer != nil {
		merged.Summarizer = ov.Summarizer
	}
	// The embedder key falls back to the chat key; local endpoints often
	// share one.
	if merged.Embedder.APIKey == "" {
		merged.Embedder.APIKey = merged.Model.APIKey
	}
	return merged
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Model.APIKey = v
		if c.Embedder.APIKey == "" {
			c.Embedder.APIKey = v
		}
	}
	if v := os.Getenv("VIVARIUM_MODEL"); v != "" {
		c.Model.Model = v
	}
	if v := os.Getenv("VIVARIUM_BOX_ROOT"); v != "" {
		c.BoxRoot = v
	}
}

func (c *Config) applyDefaults() {
	if c.Model.Provider == "" {
		c.Model.Provider = "openai"
	}
	if c.Model.Model == "" {
		c.Model.Model = "gpt-4o"
	}
	if c.Embedder.Provider == "" {
		c.Embedder.Provider = "openai"
	}
	if c.Embedder.Model == "" {
		c.Embedder.Model = "text-embedding-3-small"
	}
	if c.Embedder.APIKey == "" {
		c.Embedder.APIKey = c.Model.APIKey
	}
	if c.BoxRoot == "" {
		c.BoxRoot = "."
	}
	if c.Daemon.Root == "" {
		home, _ := os.UserHomeDir()
		c.Daemon.Root = filepath.Join(home, "loom")
	}
	if c.Daemon.LaunchScript == "" {
		c.Daemon.LaunchScript = "daemon.sh"
	}
	if c.Daemon.EvalTimeout == 0 {
		c.Daemon.EvalTimeout = 30 * time.Second
	}
	if c.Daemon.LongTimeout == 0 {
		c.Daemon.LongTimeout = 300 * time.Second
	}
	if c.Daemon.TimeoutThreshold == 0 {
		c.Daemon.TimeoutThreshold = 3
	}
	e := &c.Engine
	if e.IdlePaceSeconds == 0 {
		e.IdlePaceSeconds = 60
	}
	if e.ActivePaceSeconds == 0 {
		e.ActivePaceSeconds = 30
	}
	if e.MaxThoughtsInContext == 0 {
		e.MaxThoughtsInContext = 20
	}
	if e.ReflectionThreshold == 0 {
		e.ReflectionThreshold = 50
	}
	if e.MemoryRetrievalCount == 0 {
		e.MemoryRetrievalCount = 3
	}
	if e.RecencyDecayRate == 0 {
		e.RecencyDecayRate = 0.995
	}
	if e.PlanInterval == 0 {
		e.PlanInterval = 10
	}
	if e.JournalInterval == 0 {
		e.JournalInterval = 5
	}
	if e.MaxToolCalls == 0 {
		e.MaxToolCalls = 20
	}
}
