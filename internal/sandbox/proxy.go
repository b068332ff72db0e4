package sandbox

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jkaninda/ngome/internal/capability"
)

// identPattern matches a valid Python identifier. Descriptors whose
// namespace or method fails it cannot be expressed as a proxy and are left
// out of the prelude (they remain callable via __bridge_call__ and are still
// authorized by the gatekeeper either way).
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ProxyGenerator synthesizes the guest-visible skill declarations: one class
// per namespace whose static methods route through __bridge_call__, plus the
// read-only search_skills and describe_skill discovery helpers built from a
// registry snapshot.
//
// Output is cached; any registry change (add, remove, heartbeat expiry)
// invalidates it. A stale proxy that slips through still fails at the
// gatekeeper; the prelude is convenience, not authority.
type ProxyGenerator struct {
	registry *capability.Registry

	mu     sync.Mutex
	cached string
	valid  bool
}

// NewProxyGenerator creates a generator bound to the registry and subscribes
// it for cache invalidation.
func NewProxyGenerator(reg *capability.Registry) *ProxyGenerator {
	g := &ProxyGenerator{registry: reg}
	reg.Subscribe(func(capability.Change) { g.Invalidate() })
	return g
}

// Prelude returns the generated declarations, regenerating on cache miss.
func (g *ProxyGenerator) Prelude() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.valid {
		return g.cached
	}
	g.cached = generatePrelude(g.registry.Snapshot().Descriptors())
	g.valid = true
	return g.cached
}

// Invalidate drops the cached prelude.
func (g *ProxyGenerator) Invalidate() {
	g.mu.Lock()
	g.valid = false
	g.mu.Unlock()
}

// generatePrelude renders Python declarations for the given descriptors.
func generatePrelude(descs []capability.Descriptor) string {
	sort.Slice(descs, func(i, j int) bool { return descs[i].Path < descs[j].Path })

	// Group proxy methods by namespace, preserving path order.
	var namespaces []string
	methods := make(map[string][]capability.Descriptor)
	for _, d := range descs {
		ns, method := d.Namespace(), d.Method()
		if !identPattern.MatchString(ns) || !identPattern.MatchString(method) {
			continue
		}
		if _, seen := methods[ns]; !seen {
			namespaces = append(namespaces, ns)
		}
		methods[ns] = append(methods[ns], d)
	}

	var b strings.Builder
	for _, ns := range namespaces {
		fmt.Fprintf(&b, "class %s:\n", ns)
		for _, d := range methods[ns] {
			fmt.Fprintf(&b, "    @staticmethod\n")
			fmt.Fprintf(&b, "    def %s(*args, **kwargs):\n", d.Method())
			fmt.Fprintf(&b, "        %s\n", pyString(d.Doc))
			fmt.Fprintf(&b, "        return __bridge_call__(%s, list(args), dict(kwargs))\n", pyString(d.Path))
		}
		b.WriteString("\n")
	}

	// Discovery helpers consult an embedded snapshot, read-only and
	// side-effect free, no host round-trip.
	b.WriteString("__skill_index__ = [\n")
	for _, d := range descs {
		fmt.Fprintf(&b, "    (%s, %s, %s),\n", pyString(d.Path), pyString(d.Params), pyString(d.Doc))
	}
	b.WriteString("]\n\n")

	b.WriteString(`def search_skills(keyword):
    "Search available skills by keyword in path or documentation."
    keyword = str(keyword).lower()
    return [
        {"path": p, "params": s, "doc": d}
        for (p, s, d) in __skill_index__
        if keyword in p.lower() or keyword in d.lower()
    ]

def describe_skill(path):
    "Describe one skill by its fully-qualified path, or None if unknown."
    for (p, s, d) in __skill_index__:
        if p == path:
            return p + s + "\n" + d
    return None
`)
	return b.String()
}

// pyString renders s as a double-quoted Python string literal.
func pyString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\x%02x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}
