package skill

import (
	"context"
	"fmt"
	"time"

	"github.com/jkaninda/ngome/internal/capability"
)

// timeFormat is the wall-clock format returned to guest code.
const timeFormat = "2006-01-02 15:04:05 MST"

func timeBindings() []capability.Binding {
	return []capability.Binding{
		{
			Descriptor: capability.Descriptor{
				Path:   "TimeSkill.get_current_time",
				Params: "(timezone=None)",
				Doc:    "Return the current wall-clock time, optionally in an IANA timezone (e.g. \"Europe/Paris\").",
			},
			Invoke: getCurrentTime,
		},
		{
			Descriptor: capability.Descriptor{
				Path:   "TimeSkill.get_unix_timestamp",
				Params: "()",
				Doc:    "Return the current Unix timestamp in seconds.",
			},
			Invoke: func(_ context.Context, _ []any, _ map[string]any) (any, error) {
				return time.Now().Unix(), nil
			},
		},
	}
}

func getCurrentTime(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	tz, err := optionalStringArg(args, kwargs, 0, "timezone", "")
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		now = now.In(loc)
	}
	return now.Format(timeFormat), nil
}
