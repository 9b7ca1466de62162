// Package config provides kestrel's layered configuration.
//
// Load order (later sources override earlier):
//  1. Built-in defaults
//  2. System config (/etc/kestrel/config.yaml) - optional
//  3. User config (~/.kestrel/config.yaml) - optional
//  4. Project config (.kestrel/config.yaml) - optional
//  5. Environment variables (KESTREL_*)
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the kernel.
type Config struct {
	Version    int              `yaml:"version"`
	Store      StoreConfig      `yaml:"store"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Validation ValidationConfig `yaml:"validation"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Board      BoardConfig      `yaml:"board"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Bus        BusConfig        `yaml:"bus"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Dialect is "sqlite" (default) or "postgres".
	Dialect string `yaml:"dialect"`
	// DSN is the database path (sqlite) or connection string (postgres).
	DSN string `yaml:"dsn"`
}

// HeartbeatConfig tunes the agent liveness protocol.
type HeartbeatConfig struct {
	Interval            time.Duration `yaml:"interval"`
	TTLThreshold        time.Duration `yaml:"ttl_threshold"`
	MaxRestartAttempts  int           `yaml:"max_restart_attempts"`
	EscalationWindow    time.Duration `yaml:"escalation_window"`
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
}

// SchedulingConfig tunes the task queue and dispatcher.
type SchedulingConfig struct {
	MaxConcurrentTickets  int                      `yaml:"max_concurrent_tickets"`
	TaskInProgressTimeout time.Duration            `yaml:"task_in_progress_timeout_default"`
	PhaseTimeouts         map[string]time.Duration `yaml:"phase_timeouts,omitempty"`
	MaxIterations         int                      `yaml:"max_iterations"`
	DispatchInterval      time.Duration            `yaml:"dispatch_interval"`
}

// ValidationConfig tunes the validation loop.
type ValidationConfig struct {
	EnabledDefault   bool          `yaml:"enabled_default"`
	ValidatorTimeout time.Duration `yaml:"validator_timeout"`
	StartupP95       time.Duration `yaml:"validator_startup_p95"`
}

// ApprovalConfig tunes the human-approval gate.
type ApprovalConfig struct {
	TicketHumanReview bool          `yaml:"ticket_human_review"`
	Timeout           time.Duration `yaml:"timeout"`
	// OnReject is "delete" or "archive".
	OnReject      string        `yaml:"on_reject"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DiscoveryConfig tunes discovery branching and the diagnostic monitor.
type DiscoveryConfig struct {
	DiagnosticCooldown          time.Duration `yaml:"diagnostic_cooldown"`
	StuckThreshold              time.Duration `yaml:"stuck_threshold"`
	DiagOnValidationFailures    bool          `yaml:"diag_on_validation_failures"`
	ValidationFailuresThreshold int           `yaml:"diag_validation_failures_threshold"`
	MonitorInterval             time.Duration `yaml:"monitor_interval"`
	// AllowPhaseBypass lets discovery-spawned tasks land in phases outside
	// the source phase's allowed_transitions.
	AllowPhaseBypass bool `yaml:"allow_phase_bypass"`
}

// BoardConfig holds per-column overrides applied on top of the seed files.
type BoardConfig struct {
	WIPLimits       map[string]int    `yaml:"wip_limits,omitempty"`
	AutoTransitions map[string]string `yaml:"auto_transitions,omitempty"`
	SeedPath        string            `yaml:"seed_path,omitempty"`
	SummaryLimit    int               `yaml:"summary_limit"`
}

// SupervisorConfig tunes supervisor actions and anomaly detection.
type SupervisorConfig struct {
	AnomalyThreshold float64       `yaml:"anomaly_threshold"`
	RevertWindow     time.Duration `yaml:"revert_window"`
}

// BusConfig tunes the event bus.
type BusConfig struct {
	SubscriberBuffer    int           `yaml:"subscriber_buffer"`
	SlowConsumerTimeout time.Duration `yaml:"slow_consumer_timeout"`
	RetryBase           time.Duration `yaml:"retry_base"`
	RetryFactor         int           `yaml:"retry_factor"`
	MaxAttempts         int           `yaml:"max_attempts"`
}

// Default returns the default configuration with every recognized option
// set to its documented default.
func Default() *Config {
	return &Config{
		Version: 1,
		Store: StoreConfig{
			Dialect: "sqlite",
			DSN:     ".kestrel/kestrel.db",
		},
		Heartbeat: HeartbeatConfig{
			Interval:            15 * time.Second,
			TTLThreshold:        30 * time.Second,
			MaxRestartAttempts:  3,
			EscalationWindow:    time.Hour,
			RegistrationTimeout: 60 * time.Second,
			SweepInterval:       5 * time.Second,
		},
		Scheduling: SchedulingConfig{
			MaxConcurrentTickets:  50,
			TaskInProgressTimeout: 30 * time.Minute,
			MaxIterations:         10,
			DispatchInterval:      time.Second,
		},
		Validation: ValidationConfig{
			EnabledDefault:   false,
			ValidatorTimeout: 30 * time.Minute,
			StartupP95:       30 * time.Second,
		},
		Approval: ApprovalConfig{
			TicketHumanReview: false,
			Timeout:           1800 * time.Second,
			OnReject:          "delete",
			SweepInterval:     10 * time.Second,
		},
		Discovery: DiscoveryConfig{
			DiagnosticCooldown:          60 * time.Second,
			StuckThreshold:              60 * time.Second,
			DiagOnValidationFailures:    true,
			ValidationFailuresThreshold: 2,
			MonitorInterval:             60 * time.Second,
			AllowPhaseBypass:            true,
		},
		Board: BoardConfig{
			SummaryLimit: 4096,
		},
		Supervisor: SupervisorConfig{
			AnomalyThreshold: 0.8,
			RevertWindow:     time.Hour,
		},
		Bus: BusConfig{
			SubscriberBuffer:    100,
			SlowConsumerTimeout: 30 * time.Second,
			RetryBase:           500 * time.Millisecond,
			RetryFactor:         2,
			MaxAttempts:         8,
		},
	}
}

// TaskTimeout returns the in-progress timeout for a phase, falling back to
// the default when no per-phase override exists.
func (c *Config) TaskTimeout(phaseID string) time.Duration {
	if d, ok := c.Scheduling.PhaseTimeouts[phaseID]; ok {
		return d
	}
	return c.Scheduling.TaskInProgressTimeout
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Store.Dialect != "sqlite" && c.Store.Dialect != "postgres" {
		return fmt.Errorf("store.dialect must be sqlite or postgres, got %q", c.Store.Dialect)
	}
	if c.Approval.OnReject != "delete" && c.Approval.OnReject != "archive" {
		return fmt.Errorf("approval.on_reject must be delete or archive, got %q", c.Approval.OnReject)
	}
	if c.Scheduling.MaxIterations < 1 {
		return fmt.Errorf("scheduling.max_iterations must be >= 1, got %d", c.Scheduling.MaxIterations)
	}
	if c.Bus.MaxAttempts < 1 {
		return fmt.Errorf("bus.max_attempts must be >= 1, got %d", c.Bus.MaxAttempts)
	}
	if c.Supervisor.AnomalyThreshold < 0 || c.Supervisor.AnomalyThreshold > 1 {
		return fmt.Errorf("supervisor.anomaly_threshold must be in [0,1], got %f", c.Supervisor.AnomalyThreshold)
	}
	return nil
}
