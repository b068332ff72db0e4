package capability

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ChangeKind classifies a registry change notification.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
	ChangeExpired ChangeKind = "expired"
)

// Change is delivered to subscribers whenever the capability set mutates.
type Change struct {
	Kind ChangeKind
	Path string
}

// Subscriber receives change notifications. Callbacks run synchronously under
// the registry's own goroutine or the mutating caller; they must not block.
type Subscriber func(Change)

// RegistryConfig tunes heartbeat expiry.
type RegistryConfig struct {
	// HeartbeatTTL is how long a heartbeat-tracked capability stays alive
	// without a refresh. Zero disables expiry entirely.
	HeartbeatTTL time.Duration
	// SweepSchedule is the cron expression for expiry sweeps.
	// Supports the standard 5-field form and "@every" descriptors.
	// Default: "@every 30s".
	SweepSchedule string
}

func (c RegistryConfig) schedule() string {
	if c.SweepSchedule != "" {
		return c.SweepSchedule
	}
	return "@every 30s"
}

// entry is one registered capability plus its liveness bookkeeping.
type entry struct {
	binding   Binding
	tracked   bool // Heartbeat-tracked entries expire; builtins never do.
	lastBeat  time.Time
	createdAt time.Time
}

// Registry is the live capability set. Reads are cheap; mutations rebuild
// nothing; consumers take immutable Snapshots on demand.
type Registry struct {
	config RegistryConfig
	logger *slog.Logger

	mu          sync.RWMutex
	entries     map[string]*entry
	subscribers []Subscriber

	cron *cron.Cron
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		config:  cfg,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Register adds or replaces a capability binding. Replacement notifies
// subscribers too: derived views (allow-lists, proxy preludes) must pick up
// the new implementation, not keep dispatching to the old one.
func (r *Registry) Register(b Binding) error {
	if err := ValidatePath(b.Descriptor.Path); err != nil {
		return err
	}
	if b.Invoke == nil {
		return fmt.Errorf("capability %s has no implementation", b.Descriptor.Path)
	}

	now := time.Now()
	r.mu.Lock()
	_, replaced := r.entries[b.Descriptor.Path]
	r.entries[b.Descriptor.Path] = &entry{
		binding:   b,
		lastBeat:  now,
		createdAt: now,
	}
	r.mu.Unlock()

	kind := ChangeAdded
	if replaced {
		kind = ChangeUpdated
	}
	r.notify(Change{Kind: kind, Path: b.Descriptor.Path})
	r.logger.Info("capability registered",
		slog.String("path", b.Descriptor.Path),
		slog.Bool("replaced", replaced),
	)
	return nil
}

// RegisterTracked adds a capability subject to heartbeat expiry.
// Used for capabilities sourced from external providers (e.g. MCP servers)
// whose liveness must be re-asserted.
func (r *Registry) RegisterTracked(b Binding) error {
	if err := r.Register(b); err != nil {
		return err
	}
	r.mu.Lock()
	if e, ok := r.entries[b.Descriptor.Path]; ok {
		e.tracked = true
	}
	r.mu.Unlock()
	return nil
}

// Deregister removes a capability. Returns true if it existed.
func (r *Registry) Deregister(path string) bool {
	r.mu.Lock()
	_, ok := r.entries[path]
	if ok {
		delete(r.entries, path)
	}
	r.mu.Unlock()

	if ok {
		r.notify(Change{Kind: ChangeRemoved, Path: path})
		r.logger.Info("capability removed", slog.String("path", path))
	}
	return ok
}

// Heartbeat refreshes the liveness of a tracked capability.
func (r *Registry) Heartbeat(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[path]
	if !ok {
		return false
	}
	e.lastBeat = time.Now()
	return true
}

// Snapshot returns an immutable view of the current capability set.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bindings := make(map[string]Binding, len(r.entries))
	for path, e := range r.entries {
		bindings[path] = e.binding
	}
	return &Snapshot{bindings: bindings}
}

// Subscribe registers a change-notification callback.
func (r *Registry) Subscribe(s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, s)
}

// Search returns descriptors whose path or documentation contains the
// keyword, case-insensitively, sorted by path. Read-only and side-effect
// free. This backs the guest's discovery helper.
func (r *Registry) Search(keyword string) []Descriptor {
	keyword = strings.ToLower(keyword)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Descriptor
	for _, e := range r.entries {
		d := e.binding.Descriptor
		if strings.Contains(strings.ToLower(d.Path), keyword) ||
			strings.Contains(strings.ToLower(d.Doc), keyword) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Describe returns the descriptor for a path, if registered.
func (r *Registry) Describe(path string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[path]
	if !ok {
		return Descriptor{}, false
	}
	return e.binding.Descriptor, true
}

// StartJanitor schedules periodic heartbeat-expiry sweeps. No-op when
// HeartbeatTTL is zero.
func (r *Registry) StartJanitor() error {
	if r.config.HeartbeatTTL <= 0 {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(r.config.schedule(), r.SweepExpired); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", r.config.schedule(), err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("capability janitor started",
		slog.String("schedule", r.config.schedule()),
		slog.Duration("ttl", r.config.HeartbeatTTL),
	)
	return nil
}

// StopJanitor halts the sweep scheduler.
func (r *Registry) StopJanitor() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

// SweepExpired removes tracked capabilities whose heartbeat has lapsed.
func (r *Registry) SweepExpired() {
	if r.config.HeartbeatTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.config.HeartbeatTTL)

	r.mu.Lock()
	var expired []string
	for path, e := range r.entries {
		if e.tracked && e.lastBeat.Before(cutoff) {
			delete(r.entries, path)
			expired = append(expired, path)
		}
	}
	r.mu.Unlock()

	for _, path := range expired {
		r.logger.Warn("capability expired", slog.String("path", path))
		r.notify(Change{Kind: ChangeExpired, Path: path})
	}
}

func (r *Registry) notify(change Change) {
	r.mu.RLock()
	subs := make([]Subscriber, len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.RUnlock()

	for _, s := range subs {
		s(change)
	}
}
