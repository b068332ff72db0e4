// Package sandbox provides the isolated execution engine for untrusted,
// LLM-generated code. A guest process runs the snippet behind a restrictive
// permission boundary; capability calls travel over the bridge and are
// authorized by the gatekeeper. Guest code never touches the host
// filesystem, network, or environment.
package sandbox

import (
	"context"
	"io"
	"sync/atomic"
)

// Runtime starts isolated guest processes. Any mechanism providing no
// ambient OS access, a deterministic hard kill, and a byte-stream I/O
// channel satisfies this contract: a restricted subprocess, a WASM engine,
// or an OS-level sandbox all fit behind the same interface.
type Runtime interface {
	Start(ctx context.Context) (*GuestProcess, error)
}

// GuestProcess is a handle to one isolated runtime instance. Instances are
// never reused across a kill; a restart always yields a fresh process with
// no residual state.
type GuestProcess struct {
	// Stdin carries host → guest bridge messages.
	Stdin io.WriteCloser
	// Stdout carries guest → host bridge messages.
	Stdout io.Reader

	kill    func() error
	done    chan error
	running atomic.Bool
	killed  atomic.Bool
}

// NewGuestProcess wraps a started process. wait must block until the process
// exits and return its exit error; it is called exactly once.
func NewGuestProcess(stdin io.WriteCloser, stdout io.Reader, kill func() error, wait func() error) *GuestProcess {
	p := &GuestProcess{
		Stdin:  stdin,
		Stdout: stdout,
		kill:   kill,
		done:   make(chan error, 1),
	}
	p.running.Store(true)
	go func() {
		err := wait()
		p.running.Store(false)
		p.done <- err
	}()
	return p
}

// Kill terminates the process unconditionally and immediately. There is no
// graceful handshake: the guest may be unresponsive or adversarial.
// Safe to call more than once.
func (p *GuestProcess) Kill() {
	if p.killed.Swap(true) {
		return
	}
	_ = p.kill()
}

// Done delivers the process exit error once the process has terminated.
// An exit without a preceding Kill is a crash.
func (p *GuestProcess) Done() <-chan error {
	return p.done
}

// Running reports whether the process is still alive. It turns false the
// moment Kill is called, before the exit has been reaped; callers deciding
// whether to reuse a process must never see a killed one as live.
func (p *GuestProcess) Running() bool {
	return p.running.Load() && !p.killed.Load()
}

// Killed reports whether the process was terminated by the host.
func (p *GuestProcess) Killed() bool {
	return p.killed.Load()
}
