package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pumpingstationone/deepharbor/internal/dhlog"
)

// Handler processes one claimed message's payload and returns the response
// body to write back. An error is translated into a Response with
// Status: "failure" and the error's text; handlers do not write the
// response file themselves.
type Handler func(ctx context.Context, payload json.RawMessage) (data json.RawMessage, err error)

// Consumer runs the bus consumer protocol: claim the oldest pending message
// by atomic rename, dispatch it to Handler, and write a correlated response.
type Consumer struct {
	Bus      *Bus
	Handler  Handler
	Log      *dhlog.ContextLogger
	Interval time.Duration // how often to check pending/ when it's empty
}

// NewConsumer returns a Consumer polling at the given interval (0 defaults
// to 1s).
func NewConsumer(b *Bus, handler Handler, log *dhlog.ContextLogger, interval time.Duration) *Consumer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Consumer{Bus: b, Handler: handler, Log: log, Interval: interval}
}

// Run loops until ctx is cancelled, claiming and processing one message per
// iteration and sleeping Interval when pending/ is empty.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := c.processOne(ctx)
		if err != nil {
			c.Log.WithError(err).Error("bus consumer: claim or dispatch failed")
		}
		if processed {
			continue // don't wait for the ticker when there may be more work queued
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// processOne claims the oldest pending message, if any, and runs it through
// Handler end to end. It returns processed=false (with a nil error) when
// pending/ is empty.
func (c *Consumer) processOne(ctx context.Context) (processed bool, err error) {
	names, err := c.Bus.listPendingFIFO()
	if err != nil {
		return false, fmt.Errorf("bus consumer: listing pending: %w", err)
	}
	if len(names) == 0 {
		return false, nil
	}

	name := names[0]
	id := name[:len(name)-len(".json")]

	pendingPath := c.Bus.path(pendingDir, name)
	processingPath := c.Bus.path(processingDir, name)

	if err := os.Rename(pendingPath, processingPath); err != nil {
		if os.IsNotExist(err) {
			// Another consumer claimed it first between our list and our
			// rename; this is expected under multiple consumers.
			return false, nil
		}
		return false, fmt.Errorf("bus consumer: claiming %s: %w", id, err)
	}

	raw, err := os.ReadFile(processingPath)
	if err != nil {
		return true, fmt.Errorf("bus consumer: reading claimed message %s: %w", id, err)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return true, fmt.Errorf("bus consumer: decoding claimed message %s: %w", id, err)
	}

	resp := c.dispatch(ctx, msg)

	if err := c.writeResponse(id, resp); err != nil {
		return true, fmt.Errorf("bus consumer: writing response %s: %w", id, err)
	}

	if err := os.Remove(processingPath); err != nil && !os.IsNotExist(err) {
		return true, fmt.Errorf("bus consumer: cleaning up processing/%s: %w", name, err)
	}
	return true, nil
}

func (c *Consumer) dispatch(ctx context.Context, msg Message) Response {
	data, err := c.Handler(ctx, msg.Payload)
	if err != nil {
		return Response{
			OriginalID: msg.ID,
			Result:     "handler error",
			Status:     "failure",
			Error:      err.Error(),
		}
	}
	return Response{
		OriginalID: msg.ID,
		Result:     "ok",
		Status:     "success",
		Data:       data,
	}
}

func (c *Consumer) writeResponse(id string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	scratch := c.Bus.path(fmt.Sprintf(".tmp_resp_%s", id))
	final := c.Bus.path(responsesDir, id+".json")
	return writeAtomic(scratch, final, data)
}
