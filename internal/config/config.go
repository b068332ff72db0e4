// Package config handles loading and validating ngome configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for ngome.
type Config struct {
	Engine        EngineConfig         `json:"engine" yaml:"engine"`
	Registry      RegistryConfig       `json:"registry" yaml:"registry"`
	MCP           []MCPServerConfig    `json:"mcp,omitempty" yaml:"mcp,omitempty"` // External MCP capability servers.
	Server        *ServerConfig        `json:"server,omitempty" yaml:"server,omitempty"`
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = audit disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// EngineConfig configures the sandbox execution engine.
type EngineConfig struct {
	// Interpreter is the guest runtime executable. Default: "python3".
	Interpreter string `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	// DefaultTimeoutSeconds bounds one execute() call. Default: 30.
	DefaultTimeoutSeconds int `json:"default_timeout_seconds,omitempty" yaml:"default_timeout_seconds,omitempty"`
	// MemoryLimitMB is the guest virtual memory ceiling (ulimit -v). Default: 256.
	MemoryLimitMB int `json:"memory_limit_mb,omitempty" yaml:"memory_limit_mb,omitempty"`
	// MaxLineBytes caps one bridge message. Default: 1 MB.
	MaxLineBytes int `json:"max_line_bytes,omitempty" yaml:"max_line_bytes,omitempty"`
	// DecodeFailureBudget is the number of consecutive undecodable bridge
	// lines tolerated before the guest is restarted. Default: 5.
	DecodeFailureBudget int `json:"decode_failure_budget,omitempty" yaml:"decode_failure_budget,omitempty"`
	// MaxOutputBytes caps captured guest output. Default: 1 MB.
	MaxOutputBytes int `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"`
}

// DefaultTimeout returns the configured execution timeout as a duration.
func (e EngineConfig) DefaultTimeout() time.Duration {
	if e.DefaultTimeoutSeconds > 0 {
		return time.Duration(e.DefaultTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// RegistryConfig configures capability heartbeat expiry.
type RegistryConfig struct {
	// HeartbeatTTLSeconds is how long an externally sourced capability stays
	// registered without a heartbeat. 0 disables expiry.
	HeartbeatTTLSeconds int `json:"heartbeat_ttl_seconds,omitempty" yaml:"heartbeat_ttl_seconds,omitempty"`
	// SweepSchedule is the cron expression for expiry sweeps. Default: "@every 30s".
	SweepSchedule string `json:"sweep_schedule,omitempty" yaml:"sweep_schedule,omitempty"`
}

// HeartbeatTTL returns the TTL as a duration.
func (r RegistryConfig) HeartbeatTTL() time.Duration {
	return time.Duration(r.HeartbeatTTLSeconds) * time.Second
}

// MCPServerConfig defines a single external MCP capability server.
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name"`                           // Server ID used for capability namespacing (e.g., "github").
	Transport string            `json:"transport" yaml:"transport"`                 // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"` // Executable to launch (stdio only).
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`       // Command arguments (stdio only).
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`         // Server endpoint (sse/streamable_http only).
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	APIKeys    map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // API key → caller ID.
	EnableDocs bool              `json:"enable_docs,omitempty" yaml:"enable_docs,omitempty"`
	Events     bool              `json:"events,omitempty" yaml:"events,omitempty"` // Enable the WebSocket event stream.
	// RateLimitPerMinute caps authenticated requests per caller. 0 = unlimited.
	RateLimitPerMinute int `json:"rate_limit_per_minute,omitempty" yaml:"rate_limit_per_minute,omitempty"`
	// RateLimitBurst is the bucket size. 0 = RateLimitPerMinute.
	RateLimitBurst int `json:"rate_limit_burst,omitempty" yaml:"rate_limit_burst,omitempty"`
}

// Addr returns the listen address, defaulting to ":8080".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// AuditConfig configures the execution audit trail.
type AuditConfig struct {
	Driver   string `json:"driver" yaml:"driver"`                           // "sqlite" (default) or "postgres".
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`           // SQLite file path. Default: ngome-audit.db.
	DSN      string `json:"dsn,omitempty" yaml:"dsn,omitempty"`             // Postgres DSN. Override: NGOME_AUDIT_DSN env var.
	MaxItems int    `json:"max_items,omitempty" yaml:"max_items,omitempty"` // Page size cap for listings. Default: 100.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (a *AuditConfig) StorageDriver() string {
	if a != nil && a.Driver != "" {
		return a.Driver
	}
	return "sqlite"
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing via OTLP.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name,omitempty" yaml:"service_name,omitempty"` // Default: "ngome".
	Endpoint    string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`         // OTLP endpoint, e.g. "localhost:4317".
	Protocol    string  `json:"protocol,omitempty" yaml:"protocol,omitempty"`         // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	SampleRate  float64 `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"` // Default: 1.0.
}

// Load reads a YAML config file and applies env overrides and validation.
// An empty path yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets environment variables win over the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NGOME_INTERPRETER"); v != "" {
		c.Engine.Interpreter = v
	}
	if v := os.Getenv("NGOME_AUDIT_DSN"); v != "" {
		if c.Audit == nil {
			c.Audit = &AuditConfig{Driver: "postgres"}
		}
		c.Audit.DSN = v
	}
	if v := os.Getenv("NGOME_LISTEN_ADDR"); v != "" {
		if c.Server == nil {
			c.Server = &ServerConfig{}
		}
		c.Server.ListenAddr = v
	}
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	if c.Engine.DefaultTimeoutSeconds < 0 {
		return fmt.Errorf("engine.default_timeout_seconds must be >= 0")
	}
	if c.Engine.MemoryLimitMB < 0 {
		return fmt.Errorf("engine.memory_limit_mb must be >= 0")
	}
	if c.Engine.DecodeFailureBudget < 0 {
		return fmt.Errorf("engine.decode_failure_budget must be >= 0")
	}
	if c.Server != nil && c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("server.rate_limit_per_minute must be >= 0")
	}
	if c.Audit != nil {
		switch c.Audit.StorageDriver() {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("audit.driver must be \"sqlite\" or \"postgres\", got %q", c.Audit.Driver)
		}
		if c.Audit.StorageDriver() == "postgres" && c.Audit.DSN == "" {
			return fmt.Errorf("audit.dsn is required for the postgres driver")
		}
	}
	for i, m := range c.MCP {
		if m.Name == "" {
			return fmt.Errorf("mcp[%d].name is required", i)
		}
		switch m.Transport {
		case "stdio":
			if m.Command == "" {
				return fmt.Errorf("mcp[%d].command is required for stdio transport", i)
			}
		case "sse", "streamable_http":
			if m.URL == "" {
				return fmt.Errorf("mcp[%d].url is required for %s transport", i, m.Transport)
			}
		default:
			return fmt.Errorf("mcp[%d].transport must be stdio, sse, or streamable_http, got %q", i, m.Transport)
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if strings.TrimSpace(c.Observability.Tracing.Endpoint) == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
	}
	return nil
}
