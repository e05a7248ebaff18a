package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/couchcryptid/storm-alert-pipeline/internal/domain"
)

// ActionHandler performs one action type.
type ActionHandler interface {
	Run(ctx context.Context, a domain.Alert, act Action) error
}

// ActionHandlerFunc adapts a function to ActionHandler.
type ActionHandlerFunc func(ctx context.Context, a domain.Alert, act Action) error

func (f ActionHandlerFunc) Run(ctx context.Context, a domain.Alert, act Action) error {
	return f(ctx, a, act)
}

// DelayHandler waits for the "delay_seconds" parameter or until the context
// is done.
func DelayHandler() ActionHandler {
	return ActionHandlerFunc(func(ctx context.Context, _ domain.Alert, act Action) error {
		secs, err := FloatParam(act.Parameters, "delay_seconds")
		if err != nil {
			return err
		}
		if secs <= 0 {
			return nil
		}
		select {
		case <-domain.Clock().After(time.Duration(secs * float64(time.Second))):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// FloatParam reads a numeric parameter. A missing key reads as zero.
func FloatParam(params map[string]any, key string) (float64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	}
	return 0, fmt.Errorf("parameter %s: expected number, got %T", key, v)
}

// StringParam reads a string parameter, returning def when absent.
func StringParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}
