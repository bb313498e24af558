// Package config loads the orchestrator's runtime configuration from a YAML
// file with environment-variable overrides, following the layering the
// teacher applies in its own cmd/nexus/config.go: built-in defaults first,
// then the YAML file, then PONDERER_BACKEND_* environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the whole-config snapshot served by GET/PUT /config.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Loop     LoopConfig     `yaml:"loop"`
	LLM      LLMConfig      `yaml:"llm"`
	Memory   MemoryConfig   `yaml:"memory"`
	Approval ApprovalConfig `yaml:"approval"`
}

// ServerConfig configures the REST + WS bind address and auth mode.
type ServerConfig struct {
	Bind     string `yaml:"bind"`
	Token    string `yaml:"token"`
	AuthMode string `yaml:"auth_mode"` // required | disabled
}

// LoopConfig configures the loop scheduler's tick cadence and dream window.
type LoopConfig struct {
	EnableAmbientLoop bool          `yaml:"enable_ambient_loop"`
	MinTickAttending  time.Duration `yaml:"min_tick_attending"`
	MinTickActive     time.Duration `yaml:"min_tick_active"`
	MinTickPresent    time.Duration `yaml:"min_tick_present"`
	MinTickAway       time.Duration `yaml:"min_tick_away"`
	MinTickDormant    time.Duration `yaml:"min_tick_dormant"`

	// DreamWindowCron restricts dream-cycle eligibility to a cron-matched
	// window (e.g. "0 1-5 * * *" for 01:00-05:59 local).
	DreamWindowCron    string        `yaml:"dream_window_cron"`
	DreamMinInterval   time.Duration `yaml:"dream_min_interval"`
	JournalMinInterval time.Duration `yaml:"journal_min_interval"`

	MaxForegroundTurns int `yaml:"max_chat_autonomous_turns"`
	MaxToolIterations  int `yaml:"max_tool_iterations"` // 0 = unbounded

	LoopSignatureWindow     int     `yaml:"loop_signature_window"`
	LoopSimilarityThreshold float64 `yaml:"loop_similarity_threshold"`
	LoopHeatThreshold       int     `yaml:"loop_heat_threshold"`
	LoopHeatCooldown        int     `yaml:"loop_heat_cooldown"`

	CompactionThreshold int `yaml:"compaction_threshold"`
}

// LLMConfig configures the OpenAI-compatible chat/completions endpoint.
type LLMConfig struct {
	APIURL      string  `yaml:"api_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// MemoryConfig selects the working-memory backend design.
type MemoryConfig struct {
	Backend       string `yaml:"backend"` // kv | fts_v2 | episodic_v3
	SQLitePath    string `yaml:"sqlite_path"`
	SchemaVersion int    `yaml:"schema_version"`
}

// ApprovalConfig configures the default session-approval policy.
type ApprovalConfig struct {
	RequireApproval []string `yaml:"require_approval"`
	ElevatedTools   []string `yaml:"elevated_tools"`
}

// Default returns the documented tick cadence, loop-heat, and LLM defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:     "127.0.0.1:8787",
			AuthMode: "required",
		},
		Loop: LoopConfig{
			EnableAmbientLoop:       true,
			MinTickAttending:        1 * time.Second,
			MinTickActive:           5 * time.Second,
			MinTickPresent:          15 * time.Second,
			MinTickAway:             60 * time.Second,
			MinTickDormant:          300 * time.Second,
			DreamWindowCron:         "0 1-5 * * *",
			DreamMinInterval:        6 * time.Hour,
			JournalMinInterval:      30 * time.Minute,
			MaxForegroundTurns:      3,
			MaxToolIterations:       10,
			LoopSignatureWindow:     24,
			LoopSimilarityThreshold: 0.92,
			LoopHeatThreshold:       20,
			LoopHeatCooldown:        1,
			CompactionThreshold:     200,
		},
		LLM: LLMConfig{
			APIURL:      "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Memory: MemoryConfig{
			Backend:       "kv",
			SQLitePath:    "ponderer.db",
			SchemaVersion: 1,
		},
	}
}

// Load reads a YAML config file, falling back to Default() fields when the
// file is absent, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if bind := os.Getenv("PONDERER_BACKEND_BIND"); bind != "" {
		cfg.Server.Bind = bind
	}
	if token := os.Getenv("PONDERER_BACKEND_TOKEN"); token != "" {
		cfg.Server.Token = token
	}
	if mode := os.Getenv("PONDERER_BACKEND_AUTH_MODE"); mode != "" {
		cfg.Server.AuthMode = mode
	}
}

// Save writes the config back to path as YAML (used by PUT /config).
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
