package sandbox

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
)

//go:embed runner.py
var runnerSource []byte

const (
	defaultInterpreter   = "python3"
	defaultMemoryLimitMB = 256

	// maxStderrBytes caps the diagnostic stderr capture.
	maxStderrBytes = 64 * 1024
)

// PythonConfig configures the Python guest runtime.
type PythonConfig struct {
	// Interpreter is the executable to launch. Default: "python3".
	Interpreter string
	// MemoryLimitMB is the virtual memory ceiling (ulimit -v). Default: 256.
	MemoryLimitMB int
}

// PythonRuntime runs guest code inside an isolated `python3 -I` process
// speaking the bridge protocol over its standard streams.
//
// Security guarantees:
//   - Fresh private working directory per process (removed on exit)
//   - No environment inheritance from the host, only a minimal safe set
//   - Own process group (Setpgid); SIGKILL to the whole group on Kill
//   - Virtual memory ceiling via ulimit
//   - -I: isolated mode, no user site-packages, no PYTHON* env influence
//   - stderr capture bounded to prevent OOM from a chatty guest
type PythonRuntime struct {
	config PythonConfig
	logger *slog.Logger
}

// NewPythonRuntime creates the default guest runtime.
func NewPythonRuntime(cfg PythonConfig, logger *slog.Logger) *PythonRuntime {
	if cfg.Interpreter == "" {
		cfg.Interpreter = defaultInterpreter
	}
	if cfg.MemoryLimitMB == 0 {
		cfg.MemoryLimitMB = defaultMemoryLimitMB
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PythonRuntime{config: cfg, logger: logger}
}

// Start spawns one guest process. The context bounds only the spawn itself;
// the process lifetime is governed by GuestProcess.Kill.
func (r *PythonRuntime) Start(ctx context.Context) (*GuestProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp("", "ngome-guest-*")
	if err != nil {
		return nil, fmt.Errorf("creating guest working dir: %w", err)
	}

	runnerPath := filepath.Join(tmpDir, "runner.py")
	if err := os.WriteFile(runnerPath, runnerSource, 0o444); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("writing guest runner: %w", err)
	}

	// ulimit wrapper with positional parameters: the interpreter invocation
	// is never interpolated into the shell string.
	memKB := r.config.MemoryLimitMB * 1024
	shellScript := fmt.Sprintf("ulimit -v %d 2>/dev/null; exec \"$@\"", memKB)

	cmd := exec.Command("/bin/sh",
		"-c", shellScript, "_", // "_" is the $0 placeholder
		r.config.Interpreter, "-I", runnerPath,
	)
	cmd.Dir = tmpDir
	cmd.Env = guestEnv(tmpDir)

	// Own process group so Kill reaches children spawned by the guest.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("guest stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("guest stdout pipe: %w", err)
	}

	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxStderrBytes}

	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("starting guest runtime: %w", err)
	}

	pid := cmd.Process.Pid
	r.logger.Info("guest process started",
		slog.Int("pid", pid),
		slog.String("interpreter", r.config.Interpreter),
		slog.Int("memory_limit_mb", r.config.MemoryLimitMB),
		slog.String("dir", tmpDir),
	)

	var cleanup sync.Once
	kill := func() error {
		// Negative PID = kill the entire process group.
		return syscall.Kill(-pid, syscall.SIGKILL)
	}
	wait := func() error {
		err := cmd.Wait()
		cleanup.Do(func() { _ = os.RemoveAll(tmpDir) })
		if err != nil {
			r.logger.Info("guest process exited",
				slog.Int("pid", pid),
				slog.String("error", err.Error()),
				slog.String("stderr", stderrBuf.String()),
			)
		}
		return err
	}

	return NewGuestProcess(stdin, stdout, kill, wait), nil
}

// guestEnv constructs a minimal, safe environment. The host environment is
// NEVER inherited, so no credentials or API keys can leak into the guest.
func guestEnv(tmpDir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"PYTHONUNBUFFERED=1",
	}
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error, just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
