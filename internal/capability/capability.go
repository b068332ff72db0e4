// Package capability maintains the live set of host-defined operations that
// guest code may invoke. Capabilities are identified by a fully-qualified
// "Namespace.method" path and bound to a concrete host implementation.
// The registry is the single source of truth the Gatekeeper and the Proxy
// Generator both derive their snapshots from.
package capability

import (
	"context"
	"fmt"
	"strings"
)

// Invoker is the host implementation bound to a capability path.
// Arguments arrive exactly as the guest sent them over the bridge.
type Invoker func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Descriptor describes one invocable capability.
type Descriptor struct {
	// Path is the fully-qualified identifier, e.g. "TimeSkill.get_current_time".
	Path string `json:"path"`
	// Params is the human-readable parameter signature, e.g. "(timezone=None)".
	Params string `json:"params"`
	// Doc is a short documentation string shown to guest code.
	Doc string `json:"doc"`
}

// Namespace returns the part of the path before the first dot.
func (d Descriptor) Namespace() string {
	ns, _, _ := strings.Cut(d.Path, ".")
	return ns
}

// Method returns the part of the path after the first dot.
func (d Descriptor) Method() string {
	_, m, _ := strings.Cut(d.Path, ".")
	return m
}

// Binding pairs a descriptor with its trusted implementation.
type Binding struct {
	Descriptor Descriptor
	Invoke     Invoker
}

// Snapshot is an immutable view of the registry at one point in time.
// All lookups at the trust boundary are explicit table reads on a snapshot,
// never reflective name resolution.
type Snapshot struct {
	bindings map[string]Binding
}

// NewSnapshot builds a standalone snapshot from the given bindings.
// Bindings are keyed by descriptor path; later duplicates win.
func NewSnapshot(bindings ...Binding) *Snapshot {
	m := make(map[string]Binding, len(bindings))
	for _, b := range bindings {
		m[b.Descriptor.Path] = b
	}
	return &Snapshot{bindings: m}
}

// Lookup returns the binding for a path and whether it exists.
func (s *Snapshot) Lookup(path string) (Binding, bool) {
	b, ok := s.bindings[path]
	return b, ok
}

// Paths returns every path in the snapshot.
func (s *Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.bindings))
	for p := range s.bindings {
		paths = append(paths, p)
	}
	return paths
}

// Descriptors returns every descriptor in the snapshot.
func (s *Snapshot) Descriptors() []Descriptor {
	descs := make([]Descriptor, 0, len(s.bindings))
	for _, b := range s.bindings {
		descs = append(descs, b.Descriptor)
	}
	return descs
}

// Len returns the number of capabilities in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.bindings)
}

// ValidatePath checks that a path has the "Namespace.method" shape.
func ValidatePath(path string) error {
	ns, method, ok := strings.Cut(path, ".")
	if !ok || ns == "" || method == "" {
		return fmt.Errorf("capability path %q must have the form Namespace.method", path)
	}
	return nil
}
