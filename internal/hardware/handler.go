package hardware

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// opEnvelope is the payload shape bus messages carry for the hardware path:
// an operation name plus operation-specific fields.
type opEnvelope struct {
	Operation    string `json:"operation"`
	TagID        string `json:"tag_id,omitempty"`
	ConvertedTag uint32 `json:"converted_tag,omitempty"`
	DateTime     int64  `json:"datetime,omitempty"`
}

type dateTimeResult struct {
	DateTime int64 `json:"datetime"`
}

// Handler builds a bus.Handler (see internal/bus) dispatching add/remove/
// set_datetime/get_datetime operations onto board.
func Handler(board Board) func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var env opEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, fmt.Errorf("hardware: decoding bus payload: %w", err)
		}

		switch env.Operation {
		case "add":
			if err := board.Add(ctx, env.TagID, env.ConvertedTag); err != nil {
				return nil, err
			}
			return nil, nil
		case "remove":
			if err := board.Remove(ctx, env.TagID, env.ConvertedTag); err != nil {
				return nil, err
			}
			return nil, nil
		case "set_datetime":
			if err := board.SetDateTime(ctx, time.Unix(env.DateTime, 0).UTC()); err != nil {
				return nil, err
			}
			return nil, nil
		case "get_datetime":
			t, err := board.GetDateTime(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(dateTimeResult{DateTime: t.Unix()})
		default:
			return nil, fmt.Errorf("hardware: unknown operation %q", env.Operation)
		}
	}
}
