// Package gatekeeper is the authorization and execution boundary for
// capability calls. Every call coming off the bridge is validated against an
// atomically swapped allow-list snapshot before the bound implementation is
// touched. The Gatekeeper, not the guest-visible proxy, is authoritative: a
// stale proxy referencing a removed capability still fails here.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/jkaninda/ngome/internal/capability"
)

// Sentinel errors forming the capability-call taxonomy.
var (
	// ErrPermissionDenied: path absent from the current allow-list.
	// The bound implementation is never invoked.
	ErrPermissionDenied = errors.New("capability not permitted")

	// ErrNotFound: path is well-formed but no implementation is bound.
	ErrNotFound = errors.New("capability not found")

	// ErrCapabilityFailed: the bound implementation returned an error or
	// panicked. The original error text is sanitized before crossing back
	// into the guest.
	ErrCapabilityFailed = errors.New("capability execution failed")
)

// Gatekeeper validates and executes capability calls against an allow-list
// derived from the capability registry.
type Gatekeeper struct {
	snapshot atomic.Pointer[capability.Snapshot]
	logger   *slog.Logger
}

// New creates a Gatekeeper holding an empty allow-list. Call Refresh (or
// Bind) before executing anything.
func New(logger *slog.Logger) *Gatekeeper {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	g := &Gatekeeper{logger: logger}
	g.snapshot.Store(&capability.Snapshot{})
	return g
}

// Bind subscribes the Gatekeeper to registry changes and performs the
// initial refresh. Any add, remove, or expiry swaps in a fresh snapshot.
func (g *Gatekeeper) Bind(reg *capability.Registry) {
	reg.Subscribe(func(change capability.Change) {
		g.Refresh(reg.Snapshot())
		g.logger.Info("allow-list refreshed",
			slog.String("kind", string(change.Kind)),
			slog.String("path", change.Path),
		)
	})
	g.Refresh(reg.Snapshot())
}

// Refresh atomically swaps the allow-list to the given snapshot. There is no
// window where the old and new lists are both partially active.
func (g *Gatekeeper) Refresh(snap *capability.Snapshot) {
	g.snapshot.Store(snap)
}

// IsAllowed reports whether a path is in the current allow-list. O(1).
func (g *Gatekeeper) IsAllowed(path string) bool {
	_, ok := g.snapshot.Load().Lookup(path)
	return ok
}

// AllowedCount returns the size of the current allow-list.
func (g *Gatekeeper) AllowedCount() int {
	return g.snapshot.Load().Len()
}

// Execute authorizes and runs one capability call. Membership is re-checked
// here even though callers check IsAllowed first: the caller sits on the
// untrusted side of a message stream and is never trusted to have done so.
func (g *Gatekeeper) Execute(ctx context.Context, path string, args []any, kwargs map[string]any) (any, error) {
	binding, ok := g.snapshot.Load().Lookup(path)
	if !ok {
		g.logger.Warn("capability call denied", slog.String("path", path))
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
	}
	if binding.Invoke == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	value, err := g.invoke(ctx, binding, args, kwargs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityFailed, SanitizeError(err.Error()))
	}
	return value, nil
}

// invoke runs the implementation, converting panics into errors so one
// misbehaving skill cannot take down the host.
func (g *Gatekeeper) invoke(ctx context.Context, binding capability.Binding, args []any, kwargs map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("capability panicked",
				slog.String("path", binding.Descriptor.Path),
				slog.Any("panic", r),
			)
			err = fmt.Errorf("%v", r)
		}
	}()
	return binding.Invoke(ctx, args, kwargs)
}
