package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/capability"
	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/gatekeeper"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/server"
	"github.com/jkaninda/ngome/internal/skill"
)

// EngineComponents holds everything a running engine needs, built once and
// shared by serve and run modes.
type EngineComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability
	Registry *capability.Registry
	Gate     *gatekeeper.Gatekeeper
	Proxies  *sandbox.ProxyGenerator
	Manager  *sandbox.Manager
	Store    audit.Store // nil when audit is disabled.
	Hub      *server.EventHub

	mcpSource *capability.MCPSource
	recorder  *audit.Recorder
	cleanups  []func()
}

// buildEngine wires the full engine from config: registry with builtin skills
// and MCP sources, gatekeeper, proxy generator, guest runtime, audit trail,
// event hub, and the session manager.
func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, withEvents bool) (*EngineComponents, error) {
	ec := &EngineComponents{Config: cfg, Logger: logger}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, err
	}
	ec.Obs = obs
	ec.cleanups = append(ec.cleanups, func() {
		obs.Shutdown(context.Background())
	})

	// Capability registry with builtin skills.
	registry := capability.NewRegistry(capability.RegistryConfig{
		HeartbeatTTL:  cfg.Registry.HeartbeatTTL(),
		SweepSchedule: cfg.Registry.SweepSchedule,
	}, logger)
	if err := skill.RegisterBuiltins(registry); err != nil {
		ec.Close()
		return nil, fmt.Errorf("registering builtin skills: %w", err)
	}
	ec.Registry = registry

	// Keep the registry size gauge current.
	if m := obs.MetricsOrNil(); m != nil {
		registry.Subscribe(func(capability.Change) {
			m.SetRegisteredCapabilities(registry.Snapshot().Len())
		})
		m.SetRegisteredCapabilities(registry.Snapshot().Len())
	}

	// External MCP capability servers.
	if len(cfg.MCP) > 0 {
		src := capability.NewMCPSource(registry, logger)
		ec.mcpSource = src
		ec.cleanups = append(ec.cleanups, src.Close)
		for _, mc := range cfg.MCP {
			paths, err := src.ConnectAndRegister(ctx, mc)
			if err != nil {
				logger.Warn("mcp server unavailable",
					slog.String("name", mc.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			logger.Info("mcp server connected",
				slog.String("name", mc.Name),
				slog.Int("capabilities", len(paths)),
			)
		}
	}

	// Heartbeat expiry sweeps.
	if cfg.Registry.HeartbeatTTL() > 0 {
		if err := registry.StartJanitor(); err != nil {
			ec.Close()
			return nil, fmt.Errorf("starting registry janitor: %w", err)
		}
		ec.cleanups = append(ec.cleanups, registry.StopJanitor)
	}

	gate := gatekeeper.New(logger)
	gate.Bind(registry)
	ec.Gate = gate

	ec.Proxies = sandbox.NewProxyGenerator(registry)

	runtime := sandbox.NewPythonRuntime(sandbox.PythonConfig{
		Interpreter:   cfg.Engine.Interpreter,
		MemoryLimitMB: cfg.Engine.MemoryLimitMB,
	}, logger)

	// Audit trail.
	var hooks []sandbox.Hooks
	if cfg.Audit != nil {
		store, err := openAuditStore(ctx, cfg.Audit, logger)
		if err != nil {
			ec.Close()
			return nil, err
		}
		ec.Store = store
		ec.cleanups = append(ec.cleanups, func() { _ = store.Close() })

		rec := audit.NewRecorder(store, logger)
		ec.recorder = rec
		ec.cleanups = append(ec.cleanups, rec.Close)
		hooks = append(hooks, sandbox.Hooks{OnExecution: rec.OnExecution, OnCall: rec.OnCall})
	}

	// WebSocket event stream.
	if withEvents {
		hub := server.NewEventHub(logger)
		ec.Hub = hub
		hooks = append(hooks, sandbox.Hooks{OnExecution: hub.OnExecution, OnCall: hub.OnCall})
	}

	ec.Manager = sandbox.NewManager(
		sandbox.ExecutorConfig{
			DefaultTimeout:      cfg.Engine.DefaultTimeout(),
			MaxLineBytes:        cfg.Engine.MaxLineBytes,
			DecodeFailureBudget: cfg.Engine.DecodeFailureBudget,
			MaxOutputBytes:      cfg.Engine.MaxOutputBytes,
		},
		runtime, gate, ec.Proxies,
		obs.MetricsOrNil(), obs.TracerOrNil(),
		combineHooks(hooks),
		logger,
	)

	logger.Info("engine ready",
		slog.Int("capabilities", registry.Snapshot().Len()),
		slog.Bool("audit", ec.Store != nil),
		slog.Bool("events", ec.Hub != nil),
	)
	return ec, nil
}

// Close tears the engine down in reverse construction order.
func (ec *EngineComponents) Close() {
	if ec.Manager != nil {
		ec.Manager.Shutdown()
	}
	for i := len(ec.cleanups) - 1; i >= 0; i-- {
		ec.cleanups[i]()
	}
	ec.cleanups = nil
}

// openAuditStore opens the configured audit backend and runs migrations.
func openAuditStore(ctx context.Context, cfg *config.AuditConfig, logger *slog.Logger) (audit.Store, error) {
	var store audit.Store
	var err error
	switch cfg.StorageDriver() {
	case audit.DriverPostgres:
		store, err = audit.OpenPostgres(cfg.DSN, logger)
	default:
		path := cfg.Path
		if path == "" {
			path = "ngome-audit.db"
		}
		store, err = audit.OpenSQLite(path, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrating audit store: %w", err)
	}
	return store, nil
}

// combineHooks fans one sandbox event out to every configured consumer.
func combineHooks(hooks []sandbox.Hooks) sandbox.Hooks {
	if len(hooks) == 1 {
		return hooks[0]
	}
	return sandbox.Hooks{
		OnExecution: func(ev sandbox.ExecutionEvent) {
			for _, h := range hooks {
				if h.OnExecution != nil {
					h.OnExecution(ev)
				}
			}
		},
		OnCall: func(ev sandbox.CallEvent) {
			for _, h := range hooks {
				if h.OnCall != nil {
					h.OnCall(ev)
				}
			}
		},
	}
}
