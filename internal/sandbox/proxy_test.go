package sandbox

import (
	"context"
	"strings"
	"testing"

	"github.com/jkaninda/ngome/internal/capability"
)

func proxyBinding(path, params, doc string) capability.Binding {
	return capability.Binding{
		Descriptor: capability.Descriptor{Path: path, Params: params, Doc: doc},
		Invoke: func(_ context.Context, _ []any, _ map[string]any) (any, error) {
			return nil, nil
		},
	}
}

func TestProxyGenerator_RendersNamespaceClasses(t *testing.T) {
	reg := capability.NewRegistry(capability.RegistryConfig{}, nil)
	for _, b := range []capability.Binding{
		proxyBinding("TimeSkill.get_current_time", "(timezone=None)", "Returns the current time."),
		proxyBinding("TimeSkill.get_unix_timestamp", "()", "Returns the Unix timestamp."),
		proxyBinding("MathSkill.add", "(a, b)", "Adds two numbers."),
	} {
		if err := reg.Register(b); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	prelude := NewProxyGenerator(reg).Prelude()

	for _, want := range []string{
		"class TimeSkill:",
		"class MathSkill:",
		"def get_current_time(*args, **kwargs):",
		"def get_unix_timestamp(*args, **kwargs):",
		"def add(*args, **kwargs):",
		`__bridge_call__("TimeSkill.get_current_time", list(args), dict(kwargs))`,
		"def search_skills(keyword):",
		"def describe_skill(path):",
		"__skill_index__",
	} {
		if !strings.Contains(prelude, want) {
			t.Errorf("prelude missing %q", want)
		}
	}
}

func TestProxyGenerator_SkipsInvalidIdentifiers(t *testing.T) {
	reg := capability.NewRegistry(capability.RegistryConfig{}, nil)
	if err := reg.Register(proxyBinding("My-Server.do-thing", "()", "hyphenated")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(proxyBinding("Good.method", "()", "ok")); err != nil {
		t.Fatalf("register: %v", err)
	}

	prelude := NewProxyGenerator(reg).Prelude()

	if strings.Contains(prelude, "class My-Server") {
		t.Error("invalid namespace rendered as a class")
	}
	if !strings.Contains(prelude, "class Good:") {
		t.Error("valid namespace missing")
	}
	// Still discoverable through the index.
	if !strings.Contains(prelude, `"My-Server.do-thing"`) {
		t.Error("invalid-identifier path missing from skill index")
	}
}

func TestProxyGenerator_CacheInvalidatedOnRegistryChange(t *testing.T) {
	reg := capability.NewRegistry(capability.RegistryConfig{}, nil)
	if err := reg.Register(proxyBinding("A.one", "()", "")); err != nil {
		t.Fatalf("register: %v", err)
	}

	g := NewProxyGenerator(reg)
	first := g.Prelude()
	if !strings.Contains(first, "class A:") {
		t.Fatal("initial prelude missing registered capability")
	}
	if strings.Contains(first, "class B:") {
		t.Fatal("unexpected capability in initial prelude")
	}

	// Cache hit without changes.
	if again := g.Prelude(); again != first {
		t.Error("prelude regenerated without a registry change")
	}

	if err := reg.Register(proxyBinding("B.two", "()", "")); err != nil {
		t.Fatalf("register: %v", err)
	}
	updated := g.Prelude()
	if !strings.Contains(updated, "class B:") {
		t.Error("prelude not regenerated after registration")
	}

	reg.Deregister("A.one")
	final := g.Prelude()
	if strings.Contains(final, "class A:") {
		t.Error("prelude kept a removed capability")
	}
}

func TestProxyGenerator_EscapesDocStrings(t *testing.T) {
	reg := capability.NewRegistry(capability.RegistryConfig{}, nil)
	if err := reg.Register(proxyBinding("A.one", "()", "line1\nline2 \"quoted\"")); err != nil {
		t.Fatalf("register: %v", err)
	}

	prelude := NewProxyGenerator(reg).Prelude()
	if !strings.Contains(prelude, `line1\nline2 \"quoted\"`) {
		t.Errorf("doc string not escaped:\n%s", prelude)
	}
}

func TestPyString(t *testing.T) {
	cases := []struct{ in, want string }{
		{"plain", `"plain"`},
		{`back\slash`, `"back\\slash"`},
		{"tab\there", `"tab\there"`},
		{"ctrl\x01", `"ctrl\x01"`},
	}
	for _, c := range cases {
		if got := pyString(c.in); got != c.want {
			t.Errorf("pyString(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}
