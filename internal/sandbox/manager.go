package sandbox

import (
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/gatekeeper"
	"github.com/jkaninda/ngome/internal/observability"
)

// Manager owns one Executor per session so concurrent agent loops each get
// their own isolated guest process. Executors are created lazily on first
// use and live until the session is closed or the manager shuts down.
type Manager struct {
	config  ExecutorConfig
	runtime Runtime
	gate    *gatekeeper.Gatekeeper
	proxies *ProxyGenerator
	metrics *observability.MetricsCollector
	tracer  trace.Tracer
	hooks   Hooks
	logger  *slog.Logger

	mu        sync.Mutex
	executors map[string]*Executor
	closed    bool
}

// NewManager creates a session manager. The config is the template for every
// session executor; only SessionID varies per session.
func NewManager(
	cfg ExecutorConfig,
	runtime Runtime,
	gate *gatekeeper.Gatekeeper,
	proxies *ProxyGenerator,
	metrics *observability.MetricsCollector,
	tracer trace.Tracer,
	hooks Hooks,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		config:    cfg,
		runtime:   runtime,
		gate:      gate,
		proxies:   proxies,
		metrics:   metrics,
		tracer:    tracer,
		hooks:     hooks,
		logger:    logger,
		executors: make(map[string]*Executor),
	}
}

// Executor returns the session's executor, creating it on first use.
// Returns false after Shutdown.
func (m *Manager) Executor(sessionID string) (*Executor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false
	}
	if e, ok := m.executors[sessionID]; ok {
		return e, true
	}
	cfg := m.config
	cfg.SessionID = sessionID
	e := NewExecutor(cfg, m.runtime, m.gate, m.proxies, m.metrics, m.tracer, m.hooks, m.logger)
	m.executors[sessionID] = e
	m.logger.Info("session executor created", slog.String("session_id", sessionID))
	return e, true
}

// CloseSession shuts down and removes one session's executor.
func (m *Manager) CloseSession(sessionID string) {
	m.mu.Lock()
	e, ok := m.executors[sessionID]
	delete(m.executors, sessionID)
	m.mu.Unlock()
	if ok {
		e.Shutdown()
		m.logger.Info("session executor closed", slog.String("session_id", sessionID))
	}
}

// Sessions returns the IDs of live sessions.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.executors))
	for id := range m.executors {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown terminates every session executor. The manager cannot be reused.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	executors := m.executors
	m.executors = nil
	m.mu.Unlock()

	for id, e := range executors {
		e.Shutdown()
		m.logger.Debug("session executor terminated", slog.String("session_id", id))
	}
}
