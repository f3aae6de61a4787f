// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required,notEmpty"`
	DatabaseURLMigrate   string        `env:"DATABASE_URL_MIGRATE"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`
	// Per-IP budget for the remote worker claim endpoints.
	ClaimRateLimitPerMin int           `env:"CLAIM_RATE_LIMIT_PER_MIN" envDefault:"600"`
	RateLimitEvictTTL    time.Duration `env:"RATE_LIMIT_EVICT_TTL"     envDefault:"15m"`

	// ── Queue waits ──────────────────────────────────────────────────────────────
	// Upper bounds on the wait_ms / await_ms a client may request.
	EnqueueMaxWait   time.Duration `env:"ENQUEUE_MAX_WAIT"   envDefault:"30s"`
	AwaitMaxWait     time.Duration `env:"AWAIT_MAX_WAIT"     envDefault:"5m"`
	WaitPollInterval time.Duration `env:"WAIT_POLL_INTERVAL" envDefault:"250ms"`

	// ── Poller ───────────────────────────────────────────────────────────────────
	// Empty WorkerID means hostname and pid, see OwnerID.
	WorkerID     string        `env:"WORKER_ID"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	// Zero disables the lease reaper and the per-run deadline.
	MaxRunDuration      time.Duration `env:"MAX_RUN_DURATION"     envDefault:"30m"`
	ReapInterval        time.Duration `env:"REAP_INTERVAL"        envDefault:"1m"`
	WorkspaceRoot       string        `env:"WORKSPACE_ROOT"       envDefault:"./data/workspaces"`
	AllowedCapabilities []string      `env:"ALLOWED_CAPABILITIES" envSeparator:"," envDefault:"read,write,exec"`

	// ── Executor ─────────────────────────────────────────────────────────────────
	// Name jobs use to select the HTTP runner.
	ExecutorName    string        `env:"EXECUTOR_NAME"    envDefault:"runner"`
	ExecutorURL     string        `env:"EXECUTOR_URL"`
	ExecutorSecret  string        `env:"EXECUTOR_SECRET"`
	ExecutorTimeout time.Duration `env:"EXECUTOR_TIMEOUT" envDefault:"35m"`
	ExecutorRPS     float64       `env:"EXECUTOR_RPS"     envDefault:"2"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing or a value is out of range.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.MaxRunDuration < 0 {
		errs = append(errs, errors.New("MAX_RUN_DURATION must not be negative"))
	}
	if c.MaxRunDuration > 0 && c.ReapInterval <= 0 {
		errs = append(errs, errors.New("REAP_INTERVAL must be positive when MAX_RUN_DURATION is set"))
	}
	if c.ExecutorURL != "" && c.ExecutorSecret == "" {
		errs = append(errs, errors.New("EXECUTOR_SECRET is required when EXECUTOR_URL is set"))
	}
	if c.EnqueueMaxWait < 0 || c.AwaitMaxWait < 0 {
		errs = append(errs, errors.New("wait bounds must not be negative"))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// OwnerID returns WorkerID, or a hostname-derived id when unset. suffix
// distinguishes pollers within one process.
func (c *Config) OwnerID(suffix string) string {
	if c.WorkerID != "" {
		return c.WorkerID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agentq"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), suffix)
}
