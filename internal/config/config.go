// Package config handles loading and validating gitguard configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for gitguard.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Runtime directory. Default: ~/.gitguard. Override: GITGUARD_WORKSPACE env var.
	Execution     ExecutionConfig      `json:"execution" yaml:"execution"`
	Security      SecurityConfig       `json:"security" yaml:"security"`
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under the workspace
	Server        ServerConfig         `json:"server" yaml:"server"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ExecutionConfig bounds every git invocation.
type ExecutionConfig struct {
	GitBinary             string   `json:"git_binary,omitempty" yaml:"git_binary,omitempty"`           // Default: "git" from PATH. Override: GITGUARD_GIT env var.
	AllowedRoots          []string `json:"allowed_roots,omitempty" yaml:"allowed_roots,omitempty"`     // Repository boundaries. Empty = any repository. Override: GITGUARD_ALLOWED_ROOTS (path-list separated).
	DefaultTimeoutSeconds float64  `json:"default_timeout_seconds" yaml:"default_timeout_seconds"`     // Default: 30
	MaxTimeoutSeconds     float64  `json:"max_timeout_seconds" yaml:"max_timeout_seconds"`             // Default: 300
	GracePeriodSeconds    float64  `json:"grace_period_seconds" yaml:"grace_period_seconds"`           // Interrupt-to-kill delay. Default: 2
	DefaultMaxOutputBytes int      `json:"default_max_output_bytes" yaml:"default_max_output_bytes"`   // Default: 1 MiB
	MaxOutputBytes        int      `json:"max_output_bytes" yaml:"max_output_bytes"`                   // Default: 8 MiB
	Path                  string   `json:"path,omitempty" yaml:"path,omitempty"`                       // PATH for git. Empty = host PATH.
	EnvPassthrough        []string `json:"env_passthrough,omitempty" yaml:"env_passthrough,omitempty"` // Host variables passed to git verbatim.
}

// DefaultTimeout returns the per-call timeout used when the caller gives none.
func (e *ExecutionConfig) DefaultTimeout() time.Duration {
	return seconds(e.DefaultTimeoutSeconds, 30*time.Second)
}

// MaxTimeout returns the upper bound for caller-supplied timeouts.
func (e *ExecutionConfig) MaxTimeout() time.Duration {
	return seconds(e.MaxTimeoutSeconds, 5*time.Minute)
}

// Grace returns the interrupt-to-kill grace period.
func (e *ExecutionConfig) Grace() time.Duration {
	return seconds(e.GracePeriodSeconds, 2*time.Second)
}

// DefaultOutputLimit returns the output ceiling used when the caller gives none.
func (e *ExecutionConfig) DefaultOutputLimit() int {
	if e.DefaultMaxOutputBytes > 0 {
		return e.DefaultMaxOutputBytes
	}
	return 1 << 20
}

// OutputLimit returns the upper bound for caller-supplied output ceilings.
func (e *ExecutionConfig) OutputLimit() int {
	if e.MaxOutputBytes > 0 {
		return e.MaxOutputBytes
	}
	return 8 << 20
}

// Git returns the git program to run.
func (e *ExecutionConfig) Git() string {
	if e.GitBinary != "" {
		return e.GitBinary
	}
	return "git"
}

// SecurityConfig configures classification, auditing and rate limiting.
type SecurityConfig struct {
	RulesFile    string          `json:"rules_file,omitempty" yaml:"rules_file,omitempty"`         // YAML/JSON rule table replacing the built-in one.
	AuditLogPath string          `json:"audit_log_path,omitempty" yaml:"audit_log_path,omitempty"` // JSONL audit log. Default: <workspace>/logs/audit.jsonl
	DisableAudit bool            `json:"disable_audit,omitempty" yaml:"disable_audit,omitempty"`
	RateLimit    RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures per-caller rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
	IdleMinutes       int `json:"idle_minutes" yaml:"idle_minutes"` // Buckets idle this long are pruned. Default: 30.
}

// IdleTTL returns how long an idle caller bucket is kept.
func (r *RateLimitConfig) IdleTTL() time.Duration {
	if r.IdleMinutes > 0 {
		return time.Duration(r.IdleMinutes) * time.Minute
	}
	return 30 * time.Minute
}

// ApprovalConfig configures the confirmation flow for mutating commands.
type ApprovalConfig struct {
	TTLSeconds      int    `json:"ttl_seconds" yaml:"ttl_seconds"`           // How long a proposal stays confirmable. 0 = 1800s (30 min).
	CleanupSchedule string `json:"cleanup_schedule" yaml:"cleanup_schedule"` // Cron spec for purging expired proposals. Default: "@every 1m".
	RetentionHours  int    `json:"retention_hours" yaml:"retention_hours"`   // Expired/used proposals older than this are deleted. Default: 24.
}

// TTL returns the proposal lifetime.
func (a *ApprovalConfig) TTL() time.Duration {
	if a.TTLSeconds > 0 {
		return time.Duration(a.TTLSeconds) * time.Second
	}
	return 30 * time.Minute
}

// Schedule returns the cleanup cron spec.
func (a *ApprovalConfig) Schedule() string {
	if a.CleanupSchedule != "" {
		return a.CleanupSchedule
	}
	return "@every 1m"
}

// Retention returns how long finished proposals are kept.
func (a *ApprovalConfig) Retention() time.Duration {
	if a.RetentionHours > 0 {
		return time.Duration(a.RetentionHours) * time.Hour
	}
	return 24 * time.Hour
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the workspace.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "memory".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from workspace.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: GITGUARD_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ServerConfig configures how callers reach gitguard.
type ServerConfig struct {
	Transport    string            `json:"transport" yaml:"transport"`                                           // MCP transport: "stdio" (default), "sse" or "streamable_http".
	ListenAddr   string            `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`                   // For sse/streamable_http. Default: "127.0.0.1:8765".
	Instructions string            `json:"instructions,omitempty" yaml:"instructions,omitempty"`                 // Extra MCP server instructions.
	APIKeys      map[string]string `json:"api_key_user_mapping,omitempty" yaml:"api_key_user_mapping,omitempty"` // SHA-256 hex of API key → caller ID for sse/streamable_http. Empty = no auth.
	HTTP         *HTTPServerConfig `json:"http,omitempty" yaml:"http,omitempty"`                                 // nil = REST API disabled
}

// MCPTransport returns the effective MCP transport.
func (s *ServerConfig) MCPTransport() string {
	if s.Transport != "" {
		return s.Transport
	}
	return "stdio"
}

// MCPListenAddr returns the listen address for network MCP transports.
func (s *ServerConfig) MCPListenAddr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return "127.0.0.1:8765"
}

// HTTPServerConfig configures the REST API.
type HTTPServerConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"`                       // Default: "127.0.0.1:8080".
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB.
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"`     // SHA-256 hex of API key → caller ID.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the REST listen address.
func (h *HTTPServerConfig) Addr() string {
	if h.ListenAddr != "" {
		return h.ListenAddr
	}
	return "127.0.0.1:8080"
}

// MaxBody returns the request body limit.
func (h *HTTPServerConfig) MaxBody() int64 {
	if h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 1 << 20
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "gitguard"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB  bool `json:"include_db" yaml:"include_db"`
	IncludeGit bool `json:"include_git" yaml:"include_git"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	TimeoutThreshold   float64 `json:"timeout_threshold" yaml:"timeout_threshold"`       // e.g. 0.2 = 20% of calls time out
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// DefaultConfigPath returns the default config file path (~/.gitguard/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "gitguard.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".gitguard", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return Load(resolved)
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("GITGUARD_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("GITGUARD_GIT"); v != "" {
		c.Execution.GitBinary = v
	}
	if v := os.Getenv("GITGUARD_ALLOWED_ROOTS"); v != "" {
		c.Execution.AllowedRoots = filepath.SplitList(v)
	}
	if v := os.Getenv("GITGUARD_RULES_FILE"); v != "" {
		c.Security.RulesFile = v
	}
	if v := os.Getenv("GITGUARD_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Driver == "" {
			c.Storage.Driver = "postgres"
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("GITGUARD_TRANSPORT"); v != "" {
		c.Server.Transport = v
	}
}

func (c *Config) applyDefaults() {
	if c.Workspace == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.Workspace = filepath.Join(home, ".gitguard")
		} else {
			c.Workspace = ".gitguard"
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

// ResolvedWorkspace returns the workspace directory, resolving ~ if needed.
func (c *Config) ResolvedWorkspace() string {
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	e := &c.Execution
	if e.DefaultTimeoutSeconds < 0 || e.MaxTimeoutSeconds < 0 || e.GracePeriodSeconds < 0 {
		return fmt.Errorf("execution timeouts must not be negative")
	}
	if e.DefaultTimeout() > e.MaxTimeout() {
		return fmt.Errorf("execution.default_timeout_seconds (%s) exceeds max_timeout_seconds (%s)", e.DefaultTimeout(), e.MaxTimeout())
	}
	if e.DefaultMaxOutputBytes < 0 || e.MaxOutputBytes < 0 {
		return fmt.Errorf("execution output limits must not be negative")
	}
	if e.DefaultOutputLimit() > e.OutputLimit() {
		return fmt.Errorf("execution.default_max_output_bytes (%d) exceeds max_output_bytes (%d)", e.DefaultOutputLimit(), e.OutputLimit())
	}
	for i, root := range e.AllowedRoots {
		if strings.TrimSpace(root) == "" {
			return fmt.Errorf("execution.allowed_roots[%d] is empty", i)
		}
	}
	if c.Security.RateLimit.RequestsPerMinute < 0 || c.Security.RateLimit.BurstSize < 0 {
		return fmt.Errorf("security.rate_limit values must not be negative")
	}
	if c.Approval.TTLSeconds < 0 {
		return fmt.Errorf("approval.ttl_seconds must not be negative")
	}
	// Storage driver validation.
	switch c.StorageDriverName() {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or memory)", c.Storage.Driver)
	}
	switch c.Server.MCPTransport() {
	case "stdio", "sse", "streamable_http":
	default:
		return fmt.Errorf("server.transport must be stdio, sse, or streamable_http")
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol must be grpc or http")
		}
	}
	return nil
}

func seconds(v float64, def time.Duration) time.Duration {
	if v > 0 {
		return time.Duration(v * float64(time.Second))
	}
	return def
}
