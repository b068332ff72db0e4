package sandbox

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/capability"
)

// requirePython skips integration tests when no interpreter is installed.
func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath(defaultInterpreter); err != nil {
		t.Skipf("%s not available: %v", defaultInterpreter, err)
	}
}

func newPythonExecutor(t *testing.T, timeout time.Duration, bindings ...capability.Binding) *Executor {
	t.Helper()
	rt := NewPythonRuntime(PythonConfig{MemoryLimitMB: 512}, nil)
	return newTestExecutor(t, rt, ExecutorConfig{
		SessionID:      "integration",
		DefaultTimeout: timeout,
	}, nil, bindings...)
}

func TestPythonRuntime_PrintOK(t *testing.T) {
	requirePython(t)
	e := newPythonExecutor(t, 10*time.Second)

	result, err := e.Execute(context.Background(), `print("ok")`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("success = false, error = %q", result.Error)
	}
	if result.Output != "ok\n" {
		t.Errorf("output = %q, want %q", result.Output, "ok\n")
	}
}

func TestPythonRuntime_CapabilityCall(t *testing.T) {
	requirePython(t)
	e := newPythonExecutor(t, 10*time.Second, capability.Binding{
		Descriptor: capability.Descriptor{
			Path:   "TimeSkill.get_current_time",
			Params: "()",
			Doc:    "Returns the current time.",
		},
		Invoke: func(_ context.Context, _ []any, _ map[string]any) (any, error) {
			return "2026-08-30 12:00:00 UTC", nil
		},
	})

	result, err := e.Execute(context.Background(), `print(TimeSkill.get_current_time())`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("success = false, error = %q", result.Error)
	}
	if !strings.Contains(result.Output, "2026-08-30 12:00:00 UTC") {
		t.Errorf("output = %q", result.Output)
	}
}

func TestPythonRuntime_UnauthorizedCapabilityDenied(t *testing.T) {
	requirePython(t)
	e := newPythonExecutor(t, 10*time.Second)

	result, err := e.Execute(context.Background(), `__bridge_call__("FakeSkill.hack", [], {})`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("unauthorized call should fail the execution")
	}
	if !strings.Contains(result.Error, "not permitted") {
		t.Errorf("error = %q, want permission denial", result.Error)
	}
}

func TestPythonRuntime_GuestExceptionSurfaces(t *testing.T) {
	requirePython(t)
	e := newPythonExecutor(t, 10*time.Second)

	result, err := e.Execute(context.Background(), `print("before")`+"\n"+`raise ValueError("boom")`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("raising guest code reported success")
	}
	if !strings.Contains(result.Error, "boom") {
		t.Errorf("error = %q, want the exception text", result.Error)
	}
	if result.Output != "before\n" {
		t.Errorf("partial output = %q, want %q", result.Output, "before\n")
	}
}

func TestPythonRuntime_TimeoutThenRecovery(t *testing.T) {
	requirePython(t)
	e := newPythonExecutor(t, 2*time.Second)

	result, err := e.Execute(context.Background(), "while True:\n    pass")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.TimedOut || result.Success {
		t.Fatalf("result = %+v, want timed out failure", result)
	}
	if e.State() != StateKilled {
		t.Fatalf("state = %v, want killed", e.State())
	}

	// The next execution gets a fresh process.
	result, err = e.Execute(context.Background(), `print("ok")`)
	if err != nil {
		t.Fatalf("recovery execute: %v", err)
	}
	if !result.Success || result.Output != "ok\n" {
		t.Fatalf("recovery result = %+v", result)
	}
	if e.Restarts() != 1 {
		t.Errorf("restarts = %d, want 1", e.Restarts())
	}
}

func TestPythonRuntime_NoHostEnvironmentLeaks(t *testing.T) {
	requirePython(t)
	t.Setenv("NGOME_SECRET_CANARY", "leak-me")
	e := newPythonExecutor(t, 10*time.Second)

	result, err := e.Execute(context.Background(), `
import os
print(os.environ.get("NGOME_SECRET_CANARY", "absent"))
`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("success = false, error = %q", result.Error)
	}
	if !strings.Contains(result.Output, "absent") {
		t.Errorf("host environment leaked into the guest: %q", result.Output)
	}
}
