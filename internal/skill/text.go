package skill

import (
	"context"
	"strings"

	"github.com/jkaninda/ngome/internal/capability"
)

func textBindings() []capability.Binding {
	return []capability.Binding{
		{
			Descriptor: capability.Descriptor{
				Path:   "TextSkill.word_count",
				Params: "(text)",
				Doc:    "Count whitespace-separated words in a string.",
			},
			Invoke: func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
				text, err := stringArg(args, kwargs, 0, "text")
				if err != nil {
					return nil, err
				}
				return len(strings.Fields(text)), nil
			},
		},
		{
			Descriptor: capability.Descriptor{
				Path:   "TextSkill.to_upper",
				Params: "(text)",
				Doc:    "Upper-case a string.",
			},
			Invoke: func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
				text, err := stringArg(args, kwargs, 0, "text")
				if err != nil {
					return nil, err
				}
				return strings.ToUpper(text), nil
			},
		},
		{
			Descriptor: capability.Descriptor{
				Path:   "TextSkill.reverse",
				Params: "(text)",
				Doc:    "Reverse a string rune-by-rune.",
			},
			Invoke: func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
				text, err := stringArg(args, kwargs, 0, "text")
				if err != nil {
					return nil, err
				}
				runes := []rune(text)
				for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
					runes[i], runes[j] = runes[j], runes[i]
				}
				return string(runes), nil
			},
		},
	}
}
