package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrReplyTimeout is returned by Send when no response file appears within
// the poll timeout. Callers (effectors) must surface this as a non-200
// response so the Dispatcher retries the enclosing change; the message
// itself is not lost and may still be processed later.
var ErrReplyTimeout = errors.New("bus: reply timeout waiting for response")

// DefaultReplyTimeout bounds the producer's await-reply poll.
const DefaultReplyTimeout = 10 * time.Second

// pollInterval is the cadence for polling responses/.
const pollInterval = 500 * time.Millisecond

// Producer sends requests over the bus and awaits correlated replies.
type Producer struct {
	Bus     *Bus
	Timeout time.Duration
}

// NewProducer returns a Producer with the given reply timeout (pass 0 for
// DefaultReplyTimeout).
func NewProducer(b *Bus, timeout time.Duration) *Producer {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	return &Producer{Bus: b, Timeout: timeout}
}

// Send writes payload as a pending message (scratch file, fsync, atomic
// rename into pending/) and then polls responses/ until the correlated
// reply appears, the context is cancelled, or Timeout elapses.
//
// On success the response file is read, deleted, and its body returned. On
// timeout Send returns ErrReplyTimeout; the message is not withdrawn and the
// consumer may still process it later (at-least-once delivery).
func (p *Producer) Send(ctx context.Context, payload json.RawMessage) (Response, error) {
	id := newID()
	msg := Message{ID: id, Payload: payload, Timestamp: time.Now().Unix()}

	data, err := json.Marshal(msg)
	if err != nil {
		return Response{}, err
	}

	scratch := p.Bus.path(fmt.Sprintf(".tmp_%s", id))
	final := p.Bus.path(pendingDir, id+".json")
	if err := writeAtomic(scratch, final, data); err != nil {
		return Response{}, fmt.Errorf("bus: enqueueing message %s: %w", id, err)
	}

	return p.awaitReply(ctx, id)
}

// awaitReply polls for responses/{id}.json, returning it (and deleting it)
// as soon as it appears.
func (p *Producer) awaitReply(ctx context.Context, id string) (Response, error) {
	deadline := time.Now().Add(p.Timeout)
	responsePath := p.Bus.path(responsesDir, id+".json")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		data, err := os.ReadFile(responsePath)
		if err == nil {
			os.Remove(responsePath)
			var resp Response
			if err := json.Unmarshal(data, &resp); err != nil {
				return Response{}, fmt.Errorf("bus: decoding response %s: %w", id, err)
			}
			return resp, nil
		}
		if !os.IsNotExist(err) {
			return Response{}, fmt.Errorf("bus: reading response %s: %w", id, err)
		}

		if time.Now().After(deadline) {
			return Response{}, ErrReplyTimeout
		}

		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
