package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// KestrelDir is the project-local configuration directory.
	KestrelDir = ".kestrel"
	// ConfigFileName is the configuration file name within KestrelDir.
	ConfigFileName = "config.yaml"
	// EnvPrefix prefixes every recognized environment variable.
	EnvPrefix = "KESTREL_"
)

// Load loads configuration from all layers.
func Load() (*Config, error) {
	cfg := Default()

	// 2. System config
	systemPath := "/etc/kestrel/config.yaml"
	if _, err := os.Stat(systemPath); err == nil {
		if err := mergeFromFile(cfg, systemPath); err != nil {
			slog.Warn("failed to load system config", "path", systemPath, "error", err)
		}
	}

	// 3. User config
	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, KestrelDir, ConfigFileName)
		if _, err := os.Stat(userPath); err == nil {
			if err := mergeFromFile(cfg, userPath); err != nil {
				slog.Warn("failed to load user config", "path", userPath, "error", err)
			}
		}
	}

	// 4. Project config - errors here are fatal
	projectPath := filepath.Join(KestrelDir, ConfigFileName)
	if _, err := os.Stat(projectPath); err == nil {
		if err := mergeFromFile(cfg, projectPath); err != nil {
			return nil, err
		}
	}

	// 5. Environment variables
	applyEnvVars(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads a single config file on top of defaults, skipping the
// layered search. Used when --config is passed explicitly.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := mergeFromFile(cfg, path); err != nil {
		return nil, err
	}
	applyEnvVars(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFromFile overlays configuration from a YAML file onto cfg.
func mergeFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnvVars applies KESTREL_* overrides for the commonly tuned knobs.
func applyEnvVars(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "STORE_DIALECT"); v != "" {
		cfg.Store.Dialect = v
	}
	if v := os.Getenv(EnvPrefix + "STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if d, ok := envDuration("HEARTBEAT_INTERVAL"); ok {
		cfg.Heartbeat.Interval = d
	}
	if d, ok := envDuration("HEARTBEAT_TTL"); ok {
		cfg.Heartbeat.TTLThreshold = d
	}
	if d, ok := envDuration("REGISTRATION_TIMEOUT"); ok {
		cfg.Heartbeat.RegistrationTimeout = d
	}
	if d, ok := envDuration("APPROVAL_TIMEOUT"); ok {
		cfg.Approval.Timeout = d
	}
	if v := os.Getenv(EnvPrefix + "APPROVAL_ON_REJECT"); v != "" {
		cfg.Approval.OnReject = v
	}
	if n, ok := envInt("MAX_ITERATIONS"); ok {
		cfg.Scheduling.MaxIterations = n
	}
	if n, ok := envInt("MAX_CONCURRENT_TICKETS"); ok {
		cfg.Scheduling.MaxConcurrentTickets = n
	}
	if d, ok := envDuration("STUCK_THRESHOLD"); ok {
		cfg.Discovery.StuckThreshold = d
	}
	if d, ok := envDuration("DIAGNOSTIC_COOLDOWN"); ok {
		cfg.Discovery.DiagnosticCooldown = d
	}
	if v := os.Getenv(EnvPrefix + "TICKET_HUMAN_REVIEW"); v != "" {
		cfg.Approval.TicketHumanReview = v == "true" || v == "1"
	}
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration in environment", "var", EnvPrefix+key, "value", v)
		return 0, false
	}
	return d, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment", "var", EnvPrefix+key, "value", v)
		return 0, false
	}
	return n, true
}
