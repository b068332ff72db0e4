// Package server implements the HTTP API for the sandbox engine.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/capability"
	"github.com/jkaninda/ngome/internal/ratelimit"
	"github.com/jkaninda/ngome/internal/sandbox"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API.
type Config struct {
	ListenAddr string
	EnableDocs bool
	APIKeys    map[string]string // API key → caller ID mapping. Keys from env.

	// MetricsRegistry, when set, mounts Prometheus exposition on MetricsPath.
	MetricsRegistry *prometheus.Registry
	MetricsPath     string // Default: "/metrics".

	// RateLimit bounds authenticated requests per caller. Zero = unlimited.
	RateLimit ratelimit.Config
}

// Gateway is the HTTP API for the sandbox engine.
type Gateway struct {
	config   Config
	manager  *sandbox.Manager
	registry *capability.Registry
	store    audit.Store // nil = audit endpoints disabled.
	hub      *EventHub   // nil = event stream disabled.
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server
	okapi    *okapi.Okapi
	group    *okapi.Group
}

// NewGateway creates the HTTP API.
func NewGateway(cfg Config, mgr *sandbox.Manager, reg *capability.Registry, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		manager:  mgr,
		registry: reg,
		limiter:  ratelimit.NewLimiter(cfg.RateLimit),
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithAudit attaches the audit listing endpoints.
func (g *Gateway) WithAudit(store audit.Store) *Gateway {
	g.store = store
	return g
}

// WithEvents attaches the WebSocket event stream endpoint.
func (g *Gateway) WithEvents(hub *EventHub) *Gateway {
	g.hub = hub
	return g
}

// WithOpenAPIDocs enables the OpenAPI documentation UI.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Ngome",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Execute an untrusted code snippet in the sandbox"),
		okapi.DocTags("Execute"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/capabilities", g.handleCapabilityList,
		okapi.DocSummary("List registered capabilities"),
		okapi.DocTags("Capabilities"),
		okapi.DocResponse([]CapabilityResponse{}),
	)
	g.group.Get("/capabilities/search/{keyword}", g.handleCapabilitySearch,
		okapi.DocSummary("Search capabilities by keyword"),
		okapi.DocTags("Capabilities"),
		okapi.DocPathParam("keyword", "string", "Search keyword"),
		okapi.DocResponse([]CapabilityResponse{}),
	)
	g.group.Get("/sessions", g.handleSessionList,
		okapi.DocSummary("List live sandbox sessions"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse([]SessionResponse{}),
	)
	g.group.Delete("/sessions/{id}", g.handleSessionClose,
		okapi.DocSummary("Terminate a session and its guest process"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(map[string]string{}),
	)

	// Audit endpoints (only if a store is configured).
	if g.store != nil {
		g.group.Get("/executions", g.handleExecutionList,
			okapi.DocSummary("List recent executions"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]audit.ExecutionRecord{}),
		)
		g.group.Get("/sessions/{id}/executions", g.handleSessionExecutionList,
			okapi.DocSummary("List recent executions for one session"),
			okapi.DocTags("Audit"),
			okapi.DocPathParam("id", "string", "Session ID"),
			okapi.DocResponse([]audit.ExecutionRecord{}),
		)
		g.group.Get("/executions/{id}/calls", g.handleCallList,
			okapi.DocSummary("List capability calls made by one execution"),
			okapi.DocTags("Audit"),
			okapi.DocPathParam("id", "string", "Execution ID"),
			okapi.DocResponse([]audit.CallRecord{}),
		)
	}

	// WebSocket event stream. The /v1 group middleware does not apply to
	// HandleStd routes, so the hub route checks the key itself.
	if g.hub != nil {
		g.okapi.HandleStd("GET", "/v1/events", g.authenticateStd(g.hub.ServeHTTP))
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Source    string `json:"source"`
	SessionID string `json:"session_id,omitempty"` // Empty = caller ID is the session.
}

// ExecuteResponse is the JSON response for POST /v1/execute.
type ExecuteResponse struct {
	SessionID  string `json:"session_id"`
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	TimedOut   bool   `json:"timed_out"`
	DurationMS int64  `json:"duration_ms"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	callerID := c.GetString("callerID")

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Source == "" {
		return c.AbortBadRequest("source is required")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = callerID
	}

	g.logger.Info("http execute",
		slog.String("caller_id", callerID),
		slog.String("session_id", sessionID),
		slog.Int("source_bytes", len(req.Source)),
	)

	exec, ok := g.manager.Executor(sessionID)
	if !ok {
		return c.AbortServiceUnavailable("engine is shutting down")
	}

	result, err := exec.Execute(c.Context(), req.Source)
	if err != nil {
		g.logger.Error("execution failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("execution failed")
	}

	return c.OK(ExecuteResponse{
		SessionID:  sessionID,
		Success:    result.Success,
		Output:     result.Output,
		Error:      result.Error,
		TimedOut:   result.TimedOut,
		DurationMS: result.Duration.Milliseconds(),
	})
}

// CapabilityResponse is one capability in listing and search results.
type CapabilityResponse struct {
	Path   string `json:"path"`
	Params string `json:"params"`
	Doc    string `json:"doc"`
}

func (g *Gateway) handleCapabilityList(c *okapi.Context) error {
	descs := g.registry.Snapshot().Descriptors()
	resp := make([]CapabilityResponse, len(descs))
	for i, d := range descs {
		resp[i] = CapabilityResponse{Path: d.Path, Params: d.Params, Doc: d.Doc}
	}
	return c.OK(resp)
}

func (g *Gateway) handleCapabilitySearch(c *okapi.Context) error {
	keyword := c.Param("keyword")
	if keyword == "" {
		return c.AbortBadRequest("keyword is required")
	}
	descs := g.registry.Search(keyword)
	resp := make([]CapabilityResponse, len(descs))
	for i, d := range descs {
		resp[i] = CapabilityResponse{Path: d.Path, Params: d.Params, Doc: d.Doc}
	}
	return c.OK(resp)
}

// SessionResponse is one live session in the session listing.
type SessionResponse struct {
	SessionID string `json:"session_id"`
}

func (g *Gateway) handleSessionList(c *okapi.Context) error {
	ids := g.manager.Sessions()
	resp := make([]SessionResponse, len(ids))
	for i, id := range ids {
		resp[i] = SessionResponse{SessionID: id}
	}
	return c.OK(resp)
}

func (g *Gateway) handleSessionClose(c *okapi.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.AbortBadRequest("session id is required")
	}
	g.manager.CloseSession(id)
	return c.OK(map[string]string{"status": "closed"})
}

func (g *Gateway) handleExecutionList(c *okapi.Context) error {
	recs, err := g.store.ListExecutions(c.Context(), audit.ListFilter{})
	if err != nil {
		g.logger.Error("listing executions", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing executions failed")
	}
	return c.OK(recs)
}

func (g *Gateway) handleSessionExecutionList(c *okapi.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.AbortBadRequest("session id is required")
	}
	recs, err := g.store.ListExecutions(c.Context(), audit.ListFilter{SessionID: id})
	if err != nil {
		g.logger.Error("listing executions", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing executions failed")
	}
	return c.OK(recs)
}

func (g *Gateway) handleCallList(c *okapi.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.AbortBadRequest("execution id is required")
	}
	recs, err := g.store.ListCalls(c.Context(), id)
	if err != nil {
		g.logger.Error("listing calls", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing calls failed")
	}
	return c.OK(recs)
}

// HealthResponse is the JSON response for health probes.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

func (g *Gateway) handleReadiness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped caller ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		callerID, ok := g.resolveAPIKey(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		if err := g.limiter.Allow(callerID); err != nil {
			return c.AbortTooManyRequests(err.Error())
		}
		c.Set("callerID", callerID)
		return next(c)
	}
}

// authenticateStd wraps a plain http.Handler with the same API key check.
func (g *Gateway) authenticateStd(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := g.resolveAPIKey(r.Header.Get("Authorization")); !ok {
			http.Error(w, `{"error":"missing or invalid API key"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (g *Gateway) resolveAPIKey(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	apiKey := strings.TrimPrefix(authHeader, "Bearer ")

	callerID := ""
	for key, id := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			callerID = id
		}
	}
	if callerID == "" {
		return "", false
	}
	return callerID, true
}
