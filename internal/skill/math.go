package skill

import (
	"context"
	"fmt"

	"github.com/jkaninda/ngome/internal/capability"
)

func mathBindings() []capability.Binding {
	return []capability.Binding{
		{
			Descriptor: capability.Descriptor{
				Path:   "MathSkill.add",
				Params: "(a, b)",
				Doc:    "Add two numbers.",
			},
			Invoke: func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
				a, err := numberArg(args, kwargs, 0, "a")
				if err != nil {
					return nil, err
				}
				b, err := numberArg(args, kwargs, 1, "b")
				if err != nil {
					return nil, err
				}
				return a + b, nil
			},
		},
		{
			Descriptor: capability.Descriptor{
				Path:   "MathSkill.divide",
				Params: "(a, b)",
				Doc:    "Divide a by b. Fails on division by zero.",
			},
			Invoke: func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
				a, err := numberArg(args, kwargs, 0, "a")
				if err != nil {
					return nil, err
				}
				b, err := numberArg(args, kwargs, 1, "b")
				if err != nil {
					return nil, err
				}
				if b == 0 {
					return nil, fmt.Errorf("division by zero")
				}
				return a / b, nil
			},
		},
	}
}
