// Package config handles loading and validating runbridge configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/codeocean/runbridge/internal/domain"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for runbridge.
type Config struct {
	DataDir               string                 `json:"data_dir,omitempty" yaml:"data_dir,omitempty" toml:"data_dir,omitempty"` // Default: ~/.runbridge/data. Override: RUNBRIDGE_DATA_DIR.
	Server                ServerConfig           `json:"server" yaml:"server" toml:"server"`
	Storage               *StorageConfig         `json:"storage,omitempty" yaml:"storage,omitempty" toml:"storage,omitempty"` // nil = SQLite under data_dir
	RunnerManagement      RunnerManagementConfig `json:"runner_management" yaml:"runner_management" toml:"runner_management"`
	Session               SessionConfig          `json:"session" yaml:"session" toml:"session"`
	Features              FeaturesConfig         `json:"features" yaml:"features" toml:"features"`
	ExecutionEnvironments []ExecutionEnvironment `json:"execution_environments" yaml:"execution_environments" toml:"execution_environments"`
	Observability         *ObservabilityConfig   `json:"observability,omitempty" yaml:"observability,omitempty" toml:"observability,omitempty"` // nil = observability disabled
	Events                *EventsConfig          `json:"events,omitempty" yaml:"events,omitempty" toml:"events,omitempty"`                      // nil = no event publishing
	Logging               LoggingConfig          `json:"logging" yaml:"logging" toml:"logging"`
	RateLimit             *RateLimitConfig       `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty" toml:"rate_limit,omitempty"` // nil = unlimited
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	ListenAddr     string            `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`                // Default: ":8080"
	APIKeys        map[string]string `json:"api_keys" yaml:"api_keys" toml:"api_keys"`                         // API key -> user ID. Override: RUNBRIDGE_API_KEYS=key:user,...
	EnableDocs     bool              `json:"enable_docs" yaml:"enable_docs" toml:"enable_docs"`                // Serve OpenAPI docs.
	MaxRequestSize int64             `json:"max_request_size" yaml:"max_request_size" toml:"max_request_size"` // Default: 1 MB
}

// Addr returns the listen address with a default of ":8080".
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver" toml:"driver"`                                        // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty" toml:"sqlite,omitempty"`         // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty" toml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"` // Default: <data_dir>/runbridge.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode" toml:"journal_mode"`       // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn" toml:"dsn"`                                                // Override: RUNBRIDGE_DB_DSN
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`               // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`               // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s" toml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// RunnerManagementConfig configures the remote sandbox management service.
type RunnerManagementConfig struct {
	Enabled                 bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Strategy                string `json:"strategy" yaml:"strategy" toml:"strategy"`                                                 // Default: "poseidon"
	URL                     string `json:"url" yaml:"url" toml:"url"`                                                                // Override: RUNBRIDGE_RUNNER_MANAGEMENT_URL
	Token                   string `json:"token" yaml:"token" toml:"token"`                                                          // Override: RUNBRIDGE_RUNNER_MANAGEMENT_TOKEN
	RequestTimeoutSeconds   int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds" toml:"request_timeout_seconds"`    // Default: 60
	UnusedRunnerExpirationS int    `json:"unused_runner_expiration_s" yaml:"unused_runner_expiration_s" toml:"unused_runner_expiration_s"` // Default: 180
	ReapSchedule            string `json:"reap_schedule" yaml:"reap_schedule" toml:"reap_schedule"`                                  // Cron expression. Default: "*/5 * * * *"
	DisableReaper           bool   `json:"disable_reaper" yaml:"disable_reaper" toml:"disable_reaper"`
}

// StrategyName returns the configured strategy with a default of "poseidon".
func (r RunnerManagementConfig) StrategyName() string {
	if r.Strategy != "" {
		return r.Strategy
	}
	return "poseidon"
}

// RequestTimeout returns the HTTP timeout for management requests with a default of 60s.
func (r RunnerManagementConfig) RequestTimeout() time.Duration {
	if r.RequestTimeoutSeconds > 0 {
		return time.Duration(r.RequestTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// UnusedRunnerExpiration returns the idle time after which a lease is destroyed, default 180s.
func (r RunnerManagementConfig) UnusedRunnerExpiration() time.Duration {
	if r.UnusedRunnerExpirationS > 0 {
		return time.Duration(r.UnusedRunnerExpirationS) * time.Second
	}
	return 180 * time.Second
}

// ReapCron returns the reaper schedule with a default of every five minutes.
func (r RunnerManagementConfig) ReapCron() string {
	if r.ReapSchedule != "" {
		return r.ReapSchedule
	}
	return "*/5 * * * *"
}

// SessionConfig tunes execution sessions.
type SessionConfig struct {
	OutputBufferSize         int `json:"output_buffer_size" yaml:"output_buffer_size" toml:"output_buffer_size"`                         // Default: 500
	CommentsOutputBufferSize int `json:"comments_output_buffer_size" yaml:"comments_output_buffer_size" toml:"comments_output_buffer_size"` // Default: 5000
	TeardownTimeoutSeconds   int `json:"teardown_timeout_seconds" yaml:"teardown_timeout_seconds" toml:"teardown_timeout_seconds"`       // Default: 10
}

// OutputLimit returns the output buffer bound for a submission cause.
func (s SessionConfig) OutputLimit(cause string) int {
	if cause == domain.CauseRequestComments {
		if s.CommentsOutputBufferSize > 0 {
			return s.CommentsOutputBufferSize
		}
		return 5000
	}
	if s.OutputBufferSize > 0 {
		return s.OutputBufferSize
	}
	return 500
}

// TeardownTimeout bounds persistence and hint extraction after a session ends. Default: 10s.
func (s SessionConfig) TeardownTimeout() time.Duration {
	if s.TeardownTimeoutSeconds > 0 {
		return time.Duration(s.TeardownTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// FeaturesConfig holds administrative switches.
type FeaturesConfig struct {
	DisableRun   bool `json:"disable_run" yaml:"disable_run" toml:"disable_run"`
	DisableScore bool `json:"disable_score" yaml:"disable_score" toml:"disable_score"`
	DisableHints bool `json:"disable_hints" yaml:"disable_hints" toml:"disable_hints"`
}

// ExecutionEnvironment seeds one execution environment and its error templates.
type ExecutionEnvironment struct {
	ID                     int             `json:"id" yaml:"id" toml:"id"`
	Name                   string          `json:"name" yaml:"name" toml:"name"`
	DockerImage            string          `json:"docker_image" yaml:"docker_image" toml:"docker_image"`
	PoolSize               int             `json:"pool_size" yaml:"pool_size" toml:"pool_size"`
	CPULimit               int             `json:"cpu_limit" yaml:"cpu_limit" toml:"cpu_limit"`          // Default: 20
	MemoryLimit            int             `json:"memory_limit" yaml:"memory_limit" toml:"memory_limit"` // MB. Default: 256
	NetworkEnabled         bool            `json:"network_enabled" yaml:"network_enabled" toml:"network_enabled"`
	ExposedPorts           []int           `json:"exposed_ports" yaml:"exposed_ports" toml:"exposed_ports"`
	PermittedExecutionTime int             `json:"permitted_execution_time" yaml:"permitted_execution_time" toml:"permitted_execution_time"` // Seconds. Default: 60
	RunCommand             string          `json:"run_command" yaml:"run_command" toml:"run_command"`
	TestCommand            string          `json:"test_command" yaml:"test_command" toml:"test_command"`
	TestingFramework       string          `json:"testing_framework" yaml:"testing_framework" toml:"testing_framework"`
	ErrorTemplates         []ErrorTemplate `json:"error_templates" yaml:"error_templates" toml:"error_templates"`
}

// ErrorTemplate is a regular-expression error signature with its hint.
type ErrorTemplate struct {
	Name        string `json:"name" yaml:"name" toml:"name"`
	Signature   string `json:"signature" yaml:"signature" toml:"signature"`
	Description string `json:"description" yaml:"description" toml:"description"`
	Hint        string `json:"hint" yaml:"hint" toml:"hint"`
}

// Domain converts the seed into a normalized domain value.
func (e ExecutionEnvironment) Domain() domain.ExecutionEnvironment {
	env := domain.ExecutionEnvironment{
		ID:                     e.ID,
		Name:                   e.Name,
		DockerImage:            e.DockerImage,
		PoolSize:               e.PoolSize,
		CPULimit:               e.CPULimit,
		MemoryLimit:            e.MemoryLimit,
		NetworkEnabled:         e.NetworkEnabled,
		ExposedPorts:           append([]int(nil), e.ExposedPorts...),
		PermittedExecutionTime: e.PermittedExecutionTime,
		RunCommand:             e.RunCommand,
		TestCommand:            e.TestCommand,
		TestingFramework:       e.TestingFramework,
	}
	for _, t := range e.ErrorTemplates {
		env.ErrorTemplates = append(env.ErrorTemplates, domain.ErrorTemplate{
			ExecutionEnvironmentID: e.ID,
			Name:                   t.Name,
			Signature:              t.Signature,
			Description:            t.Description,
			Hint:                   t.Hint,
		})
	}
	env.Normalize()
	return env
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty" toml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty" toml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`             // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol" toml:"protocol"`             // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"` // Default: "runbridge"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`    // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`             // Skip TLS for dev
}

// HealthConfig selects dependencies included in readiness probes.
type HealthConfig struct {
	IncludeDB               bool `json:"include_db" yaml:"include_db" toml:"include_db"`
	IncludeRunnerManagement bool `json:"include_runner_management" yaml:"include_runner_management" toml:"include_runner_management"`
}

// EventsConfig configures NATS publishing of completed testruns.
type EventsConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	URL           string `json:"url" yaml:"url" toml:"url"`                                  // Override: RUNBRIDGE_NATS_URL. Default: nats://127.0.0.1:4222
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix" toml:"subject_prefix"` // Default: "runbridge"
}

// NATSURL returns the broker URL with a default of the local server.
func (e *EventsConfig) NATSURL() string {
	if e != nil && e.URL != "" {
		return e.URL
	}
	return "nats://127.0.0.1:4222"
}

// Prefix returns the subject prefix with a default of "runbridge".
func (e *EventsConfig) Prefix() string {
	if e != nil && e.SubjectPrefix != "" {
		return e.SubjectPrefix
	}
	return "runbridge"
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Format string `json:"format" yaml:"format" toml:"format"` // "json" (default) or "text"
	Level  string `json:"level" yaml:"level" toml:"level"`    // "debug", "info" (default), "warn", "error"
}

// RateLimitConfig limits how often one user may start sessions.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size" toml:"burst_size"`
}

// DefaultConfigPath returns the default config file path (~/.runbridge/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/runbridge.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".runbridge", "config.yaml")
}

// Load reads a YAML, TOML, or JSON config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, .toml for TOML,
// everything else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes config bytes in the format implied by ext without env overrides or validation.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = goutils.Env("RUNBRIDGE_DATA_DIR", c.DataDir)
	c.RunnerManagement.URL = goutils.Env("RUNBRIDGE_RUNNER_MANAGEMENT_URL", c.RunnerManagement.URL)
	c.RunnerManagement.Token = goutils.Env("RUNBRIDGE_RUNNER_MANAGEMENT_TOKEN", c.RunnerManagement.Token)

	if dsn := os.Getenv("RUNBRIDGE_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}

	if url := os.Getenv("RUNBRIDGE_NATS_URL"); url != "" {
		if c.Events == nil {
			c.Events = &EventsConfig{Enabled: true}
		}
		c.Events.URL = url
	}

	// RUNBRIDGE_API_KEYS=key1:user1,key2:user2
	if keys := os.Getenv("RUNBRIDGE_API_KEYS"); keys != "" {
		if c.Server.APIKeys == nil {
			c.Server.APIKeys = make(map[string]string)
		}
		for _, pair := range strings.Split(keys, ",") {
			key, user, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if ok && key != "" && user != "" {
				c.Server.APIKeys[key] = user
			}
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".runbridge", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "runbridge.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// Environments returns the configured execution environments as domain values.
func (c *Config) Environments() []domain.ExecutionEnvironment {
	envs := make([]domain.ExecutionEnvironment, 0, len(c.ExecutionEnvironments))
	for _, e := range c.ExecutionEnvironments {
		envs = append(envs, e.Domain())
	}
	return envs
}

func (c *Config) validate() error {
	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set RUNBRIDGE_DB_DSN)")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.StorageDriverName())
	}

	if c.RunnerManagement.Enabled && c.RunnerManagement.URL == "" {
		return fmt.Errorf("runner_management.url is required when runner management is enabled")
	}

	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be \"json\" or \"text\", got %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}

	seen := make(map[int]bool, len(c.ExecutionEnvironments))
	for i, e := range c.ExecutionEnvironments {
		if e.ID <= 0 {
			return fmt.Errorf("execution_environments[%d]: id must be positive", i)
		}
		if seen[e.ID] {
			return fmt.Errorf("execution_environments[%d]: duplicate id %d", i, e.ID)
		}
		seen[e.ID] = true
		if e.DockerImage == "" {
			return fmt.Errorf("execution_environments[%d]: docker_image is required", i)
		}
		if e.RunCommand == "" {
			return fmt.Errorf("execution_environments[%d]: run_command is required", i)
		}
		for j, t := range e.ErrorTemplates {
			if t.Signature == "" {
				return fmt.Errorf("execution_environments[%d].error_templates[%d]: signature is required", i, j)
			}
			if _, err := regexp.Compile(t.Signature); err != nil {
				return fmt.Errorf("execution_environments[%d].error_templates[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}
