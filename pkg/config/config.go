// Package config loads fleet's runtime configuration: environment
// variables layered over an optional static YAML file, with env vars
// taking precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in §6's environment variable table,
// plus the forge credentials and addresses needed to wire the rest of
// the binary.
type Config struct {
	StateRoot      string        `yaml:"state_root"`
	WorktreesRoot  string        `yaml:"worktrees_root"`
	PollInterval   time.Duration `yaml:"-"`
	PollIntervalMS int           `yaml:"poll_interval_ms"`
	AutoMerge      bool          `yaml:"auto_merge"`
	AutoReview     bool          `yaml:"auto_review"`

	AgentBinary string `yaml:"agent_binary"`

	ForgeToken string `yaml:"-"` // never sourced from the YAML file

	ListenAddr string `yaml:"listen_addr"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	ShutdownTimeout time.Duration `yaml:"-"`
}

// Default returns the configuration implied by §6's documented
// defaults, before any env var or file override is applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		StateRoot:       filepath.Join(home, ".orchestrator", "workers"),
		WorktreesRoot:   filepath.Join(home, ".worktrees"),
		PollIntervalMS:  5000,
		PollInterval:    5 * time.Second,
		AutoMerge:       true,
		AutoReview:      true,
		AgentBinary:     "claude",
		ListenAddr:      ":8080",
		LogLevel:        "info",
		LogJSON:         false,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load builds a Config starting from Default, applying yamlPath (if
// non-empty and present) for static defaults, then environment
// variables as the final, highest-precedence layer.
func Load(yamlPath string) (Config, error) {
	cfg := Default()

	if yamlPath != "" {
		if err := applyYAMLFile(&cfg, yamlPath); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	cfg.PollInterval = time.Duration(cfg.PollIntervalMS) * time.Millisecond
	return cfg, nil
}

func applyYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STATE_ROOT"); v != "" {
		cfg.StateRoot = v
	}
	if v := os.Getenv("WORKTREES_ROOT"); v != "" {
		cfg.WorktreesRoot = v
	}
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalMS = n
		}
	}
	if v := os.Getenv("AUTO_MERGE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoMerge = b
		}
	}
	if v := os.Getenv("AUTO_REVIEW"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoReview = b
		}
	}
	if v := os.Getenv("AGENT_BINARY"); v != "" {
		cfg.AgentBinary = v
	}
	if v := os.Getenv("FORGE_TOKEN"); v != "" {
		cfg.ForgeToken = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LogJSON = b
		}
	}
}
