package directory

import (
	"context"
	"encoding/json"
	"fmt"
)

// opEnvelope is the payload shape bus messages carry for the directory
// path: an operation name plus operation-specific identifiers.
type opEnvelope struct {
	Operation string `json:"operation"`
	UserID    string `json:"user_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	Enabled   bool   `json:"enabled,omitempty"`
}

type timeResult struct {
	DateTime int64 `json:"datetime"`
}

// Handler builds a bus.Handler dispatching enable/disable and group
// membership operations onto dir.
func Handler(dir Directory) func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var env opEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, fmt.Errorf("directory: decoding bus payload: %w", err)
		}

		switch env.Operation {
		case "set_enabled":
			if err := dir.SetUserEnabled(ctx, env.UserID, env.Enabled); err != nil {
				return nil, err
			}
			return nil, nil
		case "add_group":
			if err := dir.AddToGroup(ctx, env.UserID, env.GroupID); err != nil {
				return nil, err
			}
			return nil, nil
		case "remove_group":
			if err := dir.RemoveFromGroup(ctx, env.UserID, env.GroupID); err != nil {
				return nil, err
			}
			return nil, nil
		case "get_time":
			t, err := dir.GetTime(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(timeResult{DateTime: t.Unix()})
		default:
			return nil, fmt.Errorf("directory: unknown operation %q", env.Operation)
		}
	}
}
