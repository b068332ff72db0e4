package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/ngome/internal/config"
)

// MCPSource discovers tools from external MCP servers and registers them as
// capabilities. Discovered capabilities are heartbeat-tracked: if the source
// stops refreshing them they expire out of the registry, and the Gatekeeper
// rejects any stale proxy that still references them.
type MCPSource struct {
	registry *Registry
	logger   *slog.Logger
	clients  []mcpclient.MCPClient
}

// NewMCPSource creates a source feeding the given registry.
func NewMCPSource(registry *Registry, logger *slog.Logger) *MCPSource {
	return &MCPSource{registry: registry, logger: logger}
}

// ConnectAndRegister connects to one MCP server, performs the initialization
// handshake, discovers its tools, and registers each as a tracked capability.
// Returns the registered paths.
func (s *MCPSource) ConnectAndRegister(ctx context.Context, cfg config.MCPServerConfig) ([]string, error) {
	c, err := s.createClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating MCP client for %q: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "ngome",
		Version: "0.0.1",
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("MCP initialize for %q: %w", cfg.Name, err)
	}

	s.clients = append(s.clients, c)

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("MCP list tools for %q: %w", cfg.Name, err)
	}

	namespace := mcpNamespace(cfg.Name)
	paths := make([]string, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		path := namespace + "." + t.Name
		binding := Binding{
			Descriptor: Descriptor{
				Path:   path,
				Params: "(**kwargs)",
				Doc:    fmt.Sprintf("[MCP:%s] %s", cfg.Name, t.Description),
			},
			Invoke: s.invoker(c, cfg.Name, t.Name),
		}
		if err := s.registry.RegisterTracked(binding); err != nil {
			s.logger.Warn("skipping MCP tool with invalid path",
				slog.String("server", cfg.Name),
				slog.String("tool", t.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		paths = append(paths, path)
	}

	s.logger.Info("MCP server connected",
		slog.String("server", cfg.Name),
		slog.String("transport", cfg.Transport),
		slog.Int("capabilities", len(paths)),
	)

	return paths, nil
}

// HeartbeatAll refreshes the liveness of the given paths. Call periodically
// while the source connection is healthy.
func (s *MCPSource) HeartbeatAll(paths []string) {
	for _, p := range paths {
		s.registry.Heartbeat(p)
	}
}

// Close shuts down all MCP client connections.
func (s *MCPSource) Close() {
	for _, c := range s.clients {
		if err := c.Close(); err != nil {
			s.logger.Error("closing MCP client", slog.String("error", err.Error()))
		}
	}
}

// invoker adapts one MCP tool into a capability Invoker. Positional
// arguments are not part of the MCP call contract and are rejected.
func (s *MCPSource) invoker(c mcpclient.MCPClient, serverName, toolName string) Invoker {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if len(args) > 0 {
			return nil, fmt.Errorf("MCP capability %s/%s accepts keyword arguments only", serverName, toolName)
		}

		callReq := mcp.CallToolRequest{}
		callReq.Params.Name = toolName
		callReq.Params.Arguments = kwargs

		callResult, err := c.CallTool(ctx, callReq)
		if err != nil {
			return nil, fmt.Errorf("MCP call to %s/%s failed: %w", serverName, toolName, err)
		}
		output := formatMCPContent(callResult.Content)
		if callResult.IsError {
			return nil, fmt.Errorf("MCP tool %s/%s reported an error: %s", serverName, toolName, output)
		}
		return output, nil
	}
}

// createClient creates the appropriate MCP client based on transport type.
func (s *MCPSource) createClient(cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		env := expandEnvMap(cfg.Env)
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnvToMap(cfg.Headers)))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnvToMap(cfg.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

// mcpNamespace derives the capability namespace from a server name:
// "github" → "GithubMCP".
func mcpNamespace(serverName string) string {
	name := strings.ReplaceAll(serverName, "-", "_")
	if name == "" {
		return "MCP"
	}
	return strings.ToUpper(name[:1]) + name[1:] + "MCP"
}

// formatMCPContent converts MCP content items to a single string.
func formatMCPContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			// For non-text content (image, audio, resource), serialize as JSON.
			data, _ := json.Marshal(c)
			sb.WriteString(string(data))
		}
	}
	return sb.String()
}

// expandEnvMap converts a map of key→value to a []string of "KEY=expanded_value".
func expandEnvMap(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

// expandEnvToMap returns a new map with values expanded via os.ExpandEnv.
func expandEnvToMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
