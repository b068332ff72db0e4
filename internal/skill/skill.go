// Package skill implements the built-in host capabilities shipped with ngome.
// Each skill is a namespace of methods registered into the capability
// registry; guest code reaches them only through the Gatekeeper.
package skill

import (
	"fmt"

	"github.com/jkaninda/ngome/internal/capability"
)

// RegisterBuiltins adds every built-in skill to the registry.
func RegisterBuiltins(reg *capability.Registry) error {
	for _, b := range builtins() {
		if err := reg.Register(b); err != nil {
			return fmt.Errorf("registering builtin %s: %w", b.Descriptor.Path, err)
		}
	}
	return nil
}

func builtins() []capability.Binding {
	var out []capability.Binding
	out = append(out, timeBindings()...)
	out = append(out, textBindings()...)
	out = append(out, mathBindings()...)
	return out
}

// stringArg extracts a positional-or-keyword string argument.
func stringArg(args []any, kwargs map[string]any, pos int, name string) (string, error) {
	if pos < len(args) {
		s, ok := args[pos].(string)
		if !ok {
			return "", fmt.Errorf("argument %q must be a string", name)
		}
		return s, nil
	}
	if v, ok := kwargs[name]; ok {
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("argument %q must be a string", name)
		}
		return s, nil
	}
	return "", fmt.Errorf("missing required argument %q", name)
}

// optionalStringArg extracts an optional string argument with a default.
func optionalStringArg(args []any, kwargs map[string]any, pos int, name, fallback string) (string, error) {
	if pos >= len(args) {
		if _, ok := kwargs[name]; !ok {
			return fallback, nil
		}
	}
	return stringArg(args, kwargs, pos, name)
}

// numberArg extracts a positional-or-keyword numeric argument.
// JSON numbers decode as float64.
func numberArg(args []any, kwargs map[string]any, pos int, name string) (float64, error) {
	var v any
	if pos < len(args) {
		v = args[pos]
	} else if kw, ok := kwargs[name]; ok {
		v = kw
	} else {
		return 0, fmt.Errorf("missing required argument %q", name)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("argument %q must be a number", name)
	}
	return f, nil
}
