package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

// --- Loading ---

func TestLoad_EmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Engine.DefaultTimeout(); got != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", got)
	}
	if cfg.Audit != nil {
		t.Error("audit should be disabled by default")
	}
	if cfg.Server.Addr() != ":8080" {
		t.Errorf("addr = %q, want :8080", cfg.Server.Addr())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("missing file accepted")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %q", err)
	}
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
engine:
  interpreter: python3.12
  default_timeout_seconds: 10
  memory_limit_mb: 128
registry:
  heartbeat_ttl_seconds: 60
server:
  listen_addr: ":9090"
  events: true
  api_keys:
    secret-key: ci-bot
audit:
  driver: sqlite
  path: /tmp/audit.db
mcp:
  - name: github
    transport: stdio
    command: gh-mcp
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Interpreter != "python3.12" {
		t.Errorf("interpreter = %q", cfg.Engine.Interpreter)
	}
	if got := cfg.Engine.DefaultTimeout(); got != 10*time.Second {
		t.Errorf("timeout = %v, want 10s", got)
	}
	if got := cfg.Registry.HeartbeatTTL(); got != time.Minute {
		t.Errorf("heartbeat ttl = %v, want 1m", got)
	}
	if cfg.Server.Addr() != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr())
	}
	if !cfg.Server.Events {
		t.Error("events not enabled")
	}
	if cfg.Server.APIKeys["secret-key"] != "ci-bot" {
		t.Errorf("api keys = %v", cfg.Server.APIKeys)
	}
	if cfg.Audit.StorageDriver() != "sqlite" || cfg.Audit.Path != "/tmp/audit.db" {
		t.Errorf("audit = %+v", cfg.Audit)
	}
	if len(cfg.MCP) != 1 || cfg.MCP[0].Name != "github" {
		t.Errorf("mcp = %+v", cfg.MCP)
	}
}

// --- Env overrides ---

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("NGOME_INTERPRETER", "pypy3")
	t.Setenv("NGOME_AUDIT_DSN", "postgres://db/audit")
	t.Setenv("NGOME_LISTEN_ADDR", ":7070")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Interpreter != "pypy3" {
		t.Errorf("interpreter = %q, want pypy3", cfg.Engine.Interpreter)
	}
	if cfg.Audit == nil || cfg.Audit.StorageDriver() != "postgres" || cfg.Audit.DSN != "postgres://db/audit" {
		t.Errorf("audit = %+v", cfg.Audit)
	}
	if cfg.Server == nil || cfg.Server.Addr() != ":7070" {
		t.Errorf("server = %+v", cfg.Server)
	}
}

// --- Validation ---

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "negative timeout",
			cfg:  Config{Engine: EngineConfig{DefaultTimeoutSeconds: -1}},
			want: "default_timeout_seconds",
		},
		{
			name: "negative memory limit",
			cfg:  Config{Engine: EngineConfig{MemoryLimitMB: -1}},
			want: "memory_limit_mb",
		},
		{
			name: "unknown audit driver",
			cfg:  Config{Audit: &AuditConfig{Driver: "mysql"}},
			want: "audit.driver",
		},
		{
			name: "postgres without dsn",
			cfg:  Config{Audit: &AuditConfig{Driver: "postgres"}},
			want: "audit.dsn",
		},
		{
			name: "mcp without name",
			cfg:  Config{MCP: []MCPServerConfig{{Transport: "stdio", Command: "x"}}},
			want: "mcp[0].name",
		},
		{
			name: "stdio mcp without command",
			cfg:  Config{MCP: []MCPServerConfig{{Name: "x", Transport: "stdio"}}},
			want: "mcp[0].command",
		},
		{
			name: "sse mcp without url",
			cfg:  Config{MCP: []MCPServerConfig{{Name: "x", Transport: "sse"}}},
			want: "mcp[0].url",
		},
		{
			name: "unknown mcp transport",
			cfg:  Config{MCP: []MCPServerConfig{{Name: "x", Transport: "carrier-pigeon"}}},
			want: "transport",
		},
		{
			name: "tracing enabled without endpoint",
			cfg: Config{Observability: &ObservabilityConfig{
				Tracing: &TracingConfig{Enabled: true},
			}},
			want: "tracing.endpoint",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.cfg.Validate()
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Errorf("err = %q, want mention of %q", err, c.want)
			}
		})
	}
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	if err := (&Config{}).Validate(); err != nil {
		t.Errorf("zero config rejected: %v", err)
	}
}
