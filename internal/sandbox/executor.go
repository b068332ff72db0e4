package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ngome/internal/bridge"
	"github.com/jkaninda/ngome/internal/gatekeeper"
	"github.com/jkaninda/ngome/internal/observability"
)

// State is the executor's position in its process lifecycle.
type State int32

const (
	StateNotStarted State = iota
	StateIdle
	StateBusy
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// ExecutionResult is the terminal outcome of one Execute call.
type ExecutionResult struct {
	Success  bool          `json:"success"`
	Output   string        `json:"output"`
	Error    string        `json:"error,omitempty"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"-"`
}

// ExecutionEvent is emitted after every execution for audit and streaming.
type ExecutionEvent struct {
	ExecutionID string
	SessionID   string
	Result      ExecutionResult
	CallCount   int
	When        time.Time
}

// CallEvent is emitted after every capability call.
type CallEvent struct {
	ExecutionID string
	SessionID   string
	Path        string
	Status      string // "ok", "denied", "not_found", "error"
	Duration    time.Duration
	When        time.Time
}

// Hooks receive engine events. Nil hooks are skipped. Hooks run on the
// executor's goroutines and must not block.
type Hooks struct {
	OnExecution func(ExecutionEvent)
	OnCall      func(CallEvent)
}

const defaultMaxOutputBytes = 1 << 20 // 1 MB

// ExecutorConfig configures one sandbox executor.
type ExecutorConfig struct {
	// SessionID identifies the owning agent-loop session in events and audit.
	SessionID string
	// DefaultTimeout bounds one Execute call wall-clock. Default: 30s.
	DefaultTimeout time.Duration
	// MaxLineBytes and DecodeFailureBudget bound the bridge stream.
	MaxLineBytes        int
	DecodeFailureBudget int
	// MaxOutputBytes caps captured guest output. Default: 1 MB.
	MaxOutputBytes int
}

func (c ExecutorConfig) timeout() time.Duration {
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return 30 * time.Second
}

func (c ExecutorConfig) maxOutput() int {
	if c.MaxOutputBytes > 0 {
		return c.MaxOutputBytes
	}
	return defaultMaxOutputBytes
}

// Executor owns one guest process and its execution lifecycle:
// NotStarted → Running{Idle,Busy} → Killed → (fresh process) Idle.
// A timeout or crash kills the process; the next Execute starts a clean one,
// so executor-level failures are fatal to the execution but never to the
// executor itself.
type Executor struct {
	config  ExecutorConfig
	runtime Runtime
	gate    *gatekeeper.Gatekeeper
	proxies *ProxyGenerator
	logger  *slog.Logger
	metrics *observability.MetricsCollector
	tracer  trace.Tracer
	hooks   Hooks

	// mu guards the process handle and serializes executions: the guest
	// runs one thing at a time.
	mu         sync.Mutex
	proc       *GuestProcess
	br         *bridge.Bridge
	procCancel context.CancelFunc
	restarts   int
	crashes    int
	// crashObserved marks a mid-execution exit already accounted for, so the
	// next restart does not count it twice.
	crashObserved bool

	state atomic.Int32

	// Per-execution correlation for capability-call events. Written under
	// mu, read from the bridge read loop.
	curExecID atomic.Value // string
	callCount atomic.Int32
}

// NewExecutor creates an executor. The guest process is not started until
// the first Execute call. metrics and tracer may be nil; hooks may be empty.
func NewExecutor(
	cfg ExecutorConfig,
	runtime Runtime,
	gate *gatekeeper.Gatekeeper,
	proxies *ProxyGenerator,
	metrics *observability.MetricsCollector,
	tracer trace.Tracer,
	hooks Hooks,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Executor{
		config:  cfg,
		runtime: runtime,
		gate:    gate,
		proxies: proxies,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		hooks:   hooks,
	}
	e.curExecID.Store("")
	return e
}

// State returns the executor's current lifecycle state.
func (e *Executor) State() State {
	return State(e.state.Load())
}

// Restarts returns how many times a fresh guest process replaced a killed one.
func (e *Executor) Restarts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restarts
}

// Crashes returns how many guest processes exited without an explicit kill.
func (e *Executor) Crashes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.crashes
}

// Execute runs one untrusted snippet and returns its terminal result.
// A running guest process is reused across calls; a killed or crashed one is
// replaced with a fresh process first. The configured timeout bounds the
// whole call regardless of what the guest, or a hung capability
// implementation, is doing; on expiry the process is killed unconditionally
// and the executor remains usable.
func (e *Executor) Execute(ctx context.Context, source string) (*ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(attribute.String("session.id", e.config.SessionID)),
		)
		defer span.End()
	}

	if err := e.ensureProcessLocked(ctx); err != nil {
		return nil, err
	}

	e.state.Store(int32(StateBusy))
	defer func() {
		if e.proc != nil && e.proc.Running() {
			e.state.Store(int32(StateIdle))
		}
	}()

	id := uuid.New().String()
	e.curExecID.Store(id)
	e.callCount.Store(0)

	msg, err := bridge.NewMessageWithID(bridge.MsgExecute, id, bridge.ExecutePayload{
		Source:  source,
		Prelude: e.proxies.Prelude(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding execution request: %w", err)
	}

	done := e.br.Await(id)
	defer e.br.Discard(id)

	release := e.metrics.ExecutionInFlight()
	defer release()

	start := time.Now()
	if err := e.br.Send(msg); err != nil {
		e.killLocked("send_failure")
		return nil, fmt.Errorf("submitting execution: %w", err)
	}

	timeout := e.config.timeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var result ExecutionResult
	select {
	case resp := <-done:
		if resp.Err != nil {
			result = ExecutionResult{Error: "guest process terminated"}
		} else {
			result = e.interpret(resp.Msg)
		}

	case <-timer.C:
		e.killLocked("timeout")
		result = ExecutionResult{
			TimedOut: true,
			Error:    fmt.Sprintf("execution exceeded %s and the guest process was killed", timeout),
		}

	case exitErr := <-e.proc.Done():
		e.handleExitLocked(exitErr)
		result = ExecutionResult{Error: "guest process crashed"}

	case protoErr := <-e.br.Fatal():
		e.metrics.RecordProtocolError()
		e.killLocked("protocol_error")
		result = ExecutionResult{Error: gatekeeper.SanitizeError(protoErr.Error())}

	case <-ctx.Done():
		e.killLocked("canceled")
		return nil, ctx.Err()
	}

	result.Duration = time.Since(start)

	status := "error"
	switch {
	case result.Success:
		status = "success"
	case result.TimedOut:
		status = "timeout"
	}
	e.metrics.RecordExecution(status, result.Duration)

	e.logger.Info("execution finished",
		slog.String("execution_id", id),
		slog.String("session_id", e.config.SessionID),
		slog.String("status", status),
		slog.Duration("duration", result.Duration),
		slog.Int("capability_calls", int(e.callCount.Load())),
	)

	if e.hooks.OnExecution != nil {
		e.hooks.OnExecution(ExecutionEvent{
			ExecutionID: id,
			SessionID:   e.config.SessionID,
			Result:      result,
			CallCount:   int(e.callCount.Load()),
			When:        time.Now().UTC(),
		})
	}

	return &result, nil
}

// Shutdown terminates any running guest process and releases resources.
// The executor may be reused afterwards; the next Execute starts fresh.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc != nil && e.proc.Running() {
		e.proc.Kill()
		e.br.FailAll(bridge.ErrProcessTerminated)
		e.procCancel()
		e.metrics.RecordProcessKill("shutdown")
	}
	e.proc = nil
	e.br = nil
	e.state.Store(int32(StateNotStarted))
}

// ensureProcessLocked guarantees a live guest process, starting a fresh one
// after a kill or crash. Killed processes are never reused; restart always
// begins from a clean slate so no guest state leaks between executions.
func (e *Executor) ensureProcessLocked(ctx context.Context) error {
	if e.proc != nil && e.proc.Running() {
		return nil
	}

	if e.proc != nil {
		// Process died while idle: account for the crash and fail any
		// straggling correlation entries before replacing it.
		if !e.proc.Killed() && !e.crashObserved {
			e.crashes++
			e.metrics.RecordProcessCrash()
			e.logger.Warn("guest process died while idle",
				slog.String("session_id", e.config.SessionID),
			)
		}
		e.br.FailAll(bridge.ErrProcessTerminated)
		e.procCancel()
		e.restarts++
	}

	proc, err := e.runtime.Start(ctx)
	if err != nil {
		e.state.Store(int32(StateKilled))
		return fmt.Errorf("starting guest process: %w", err)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	br := bridge.New(proc.Stdin, e.handleCall, bridge.Config{
		MaxLineBytes:        e.config.MaxLineBytes,
		DecodeFailureBudget: e.config.DecodeFailureBudget,
	}, e.logger)
	go br.ReadLoop(procCtx, proc.Stdout)

	e.proc = proc
	e.br = br
	e.procCancel = cancel
	e.crashObserved = false
	e.state.Store(int32(StateIdle))
	e.metrics.RecordProcessStart()
	return nil
}

// killLocked terminates the current guest unconditionally and fails every
// pending correlation entry locally. Orphans are never resolved with a
// response addressed to a different request.
func (e *Executor) killLocked(reason string) {
	if e.proc == nil {
		return
	}
	e.proc.Kill()
	e.br.FailAll(bridge.ErrProcessTerminated)
	e.procCancel()
	e.metrics.RecordProcessKill(reason)
	e.state.Store(int32(StateKilled))
	e.logger.Warn("guest process killed",
		slog.String("session_id", e.config.SessionID),
		slog.String("reason", reason),
	)
}

// handleExitLocked processes an unexpected guest exit observed mid-execution.
func (e *Executor) handleExitLocked(exitErr error) {
	if e.proc != nil && !e.proc.Killed() {
		e.crashes++
		e.crashObserved = true
		e.metrics.RecordProcessCrash()
		errText := ""
		if exitErr != nil {
			errText = exitErr.Error()
		}
		e.logger.Warn("guest process crashed",
			slog.String("session_id", e.config.SessionID),
			slog.String("exit", errText),
		)
	}
	if e.br != nil {
		e.br.FailAll(bridge.ErrProcessTerminated)
	}
	if e.procCancel != nil {
		e.procCancel()
	}
	e.state.Store(int32(StateKilled))
}

// interpret converts a terminal guest message into an ExecutionResult.
func (e *Executor) interpret(msg *bridge.Message) ExecutionResult {
	switch msg.Type {
	case bridge.MsgComplete:
		var p bridge.CompletePayload
		if err := msg.Decode(&p); err != nil {
			return ExecutionResult{Error: "undecodable completion payload"}
		}
		return ExecutionResult{
			Success: true,
			Output:  truncateOutput(p.Output, e.config.maxOutput()),
		}

	case bridge.MsgError:
		var p bridge.ErrorPayload
		if err := msg.Decode(&p); err != nil {
			return ExecutionResult{Error: "undecodable error payload"}
		}
		return ExecutionResult{
			Output: truncateOutput(p.Output, e.config.maxOutput()),
			Error:  gatekeeper.SanitizeError(p.Message),
		}

	default:
		return ExecutionResult{Error: fmt.Sprintf("unexpected terminal message type %q", msg.Type)}
	}
}

// handleCall is the bridge's CallHandler: it routes one capability call
// through the gatekeeper. Runs on the bridge read loop, preserving the order
// the guest issued calls in.
func (e *Executor) handleCall(ctx context.Context, call bridge.CallPayload) (any, *bridge.CallError) {
	start := time.Now()
	e.callCount.Add(1)

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "capability.call",
			trace.WithAttributes(attribute.String("capability.path", call.Path)),
		)
		defer span.End()
	}

	value, err := e.gate.Execute(ctx, call.Path, call.Args, call.Kwargs)

	status := "ok"
	var callErr *bridge.CallError
	switch {
	case err == nil:
	case errors.Is(err, gatekeeper.ErrPermissionDenied):
		status = "denied"
		callErr = &bridge.CallError{Code: bridge.CodePermissionDenied, Message: err.Error()}
	case errors.Is(err, gatekeeper.ErrNotFound):
		status = "not_found"
		callErr = &bridge.CallError{Code: bridge.CodeNotFound, Message: err.Error()}
	default:
		status = "error"
		callErr = &bridge.CallError{Code: bridge.CodeExecutionError, Message: err.Error()}
	}

	duration := time.Since(start)
	e.metrics.RecordCapabilityCall(call.Path, status, duration)

	if e.hooks.OnCall != nil {
		execID, _ := e.curExecID.Load().(string)
		e.hooks.OnCall(CallEvent{
			ExecutionID: execID,
			SessionID:   e.config.SessionID,
			Path:        call.Path,
			Status:      status,
			Duration:    duration,
			When:        time.Now().UTC(),
		})
	}

	return value, callErr
}

// truncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}
