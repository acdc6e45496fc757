package bus

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpingstationone/deepharbor/internal/dhlog"
)

func testLog() *dhlog.ContextLogger {
	return dhlog.NewContextLogger(dhlog.Logger, map[string]interface{}{"service": "bus-test"})
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(t.TempDir())
	require.NoError(t, b.EnsureDirs())
	return b
}

// A producer's Send round-trips through a consumer running concurrently:
// the message lands in pending/, the consumer claims and answers it, and
// Send returns the correlated response.
func TestProducerConsumer_RoundTrip(t *testing.T) {
	b := newTestBus(t)
	producer := NewProducer(b, 2*time.Second)

	echoHandler := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	}
	consumer := NewConsumer(b, echoHandler, testLog(), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Run(ctx)

	resp, err := producer.Send(context.Background(), json.RawMessage(`{"operation":"add","tag_id":"42"}`))
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Status)
	assert.JSONEq(t, `{"operation":"add","tag_id":"42"}`, string(resp.Data))
}

// A handler error is surfaced as a failure response, not an error from Send.
func TestProducerConsumer_HandlerErrorBecomesFailureResponse(t *testing.T) {
	b := newTestBus(t)
	producer := NewProducer(b, 2*time.Second)

	boom := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, assertErr("board unreachable")
	}
	consumer := NewConsumer(b, boom, testLog(), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Run(ctx)

	resp, err := producer.Send(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "failure", resp.Status)
	assert.Equal(t, "board unreachable", resp.Error)
}

// Send returns ErrReplyTimeout when nothing ever claims the message, and
// does not remove the pending file; the message remains available for a
// later consumer pass (at-least-once delivery).
func TestProducer_Send_TimesOutWithoutConsumer(t *testing.T) {
	b := newTestBus(t)
	producer := NewProducer(b, 60*time.Millisecond)

	_, err := producer.Send(context.Background(), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrReplyTimeout)

	entries, err := os.ReadDir(filepath.Join(b.Dir, pendingDir))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "timed-out message must remain pending for a later consumer")
}

// listPendingFIFO orders strictly by modification time, oldest first,
// regardless of filename.
func TestBus_ListPendingFIFO_OrdersByModTime(t *testing.T) {
	b := newTestBus(t)

	write := func(name string, at time.Time) {
		p := filepath.Join(b.Dir, pendingDir, name)
		require.NoError(t, os.WriteFile(p, []byte(`{}`), 0o644))
		require.NoError(t, os.Chtimes(p, at, at))
	}

	base := time.Now().Add(-time.Hour)
	write("zzz.json", base.Add(2*time.Second))
	write("aaa.json", base)
	write("mmm.json", base.Add(time.Second))

	names, err := b.listPendingFIFO()
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa.json", "mmm.json", "zzz.json"}, names)
}

// Two consumers racing to claim the same pending message: exactly one wins
// the rename, the loser observes os.IsNotExist and reports not-processed
// rather than an error.
func TestConsumer_ProcessOne_ConcurrentClaimRace(t *testing.T) {
	b := newTestBus(t)
	noop := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) { return nil, nil }
	consumerA := NewConsumer(b, noop, testLog(), time.Second)
	consumerB := NewConsumer(b, noop, testLog(), time.Second)

	id := newID()
	pendingPath := filepath.Join(b.Dir, pendingDir, id+".json")
	require.NoError(t, os.WriteFile(pendingPath, []byte(`{"id":"`+id+`"}`), 0o644))
	now := time.Now()
	require.NoError(t, os.Chtimes(pendingPath, now, now))

	results := make(chan struct {
		processed bool
		err       error
	}, 2)
	race := func(c *Consumer) {
		processed, err := c.processOne(context.Background())
		results <- struct {
			processed bool
			err       error
		}{processed, err}
	}
	go race(consumerA)
	go race(consumerB)

	first := <-results
	second := <-results

	assert.NoError(t, first.err)
	assert.NoError(t, second.err)
	assert.True(t, first.processed != second.processed, "exactly one of the two racing claims must win")
}

// assertErr is a tiny local error type so this file doesn't need to import
// the errors package solely to build one sentinel string error.
type assertErr string

func (e assertErr) Error() string { return string(e) }
