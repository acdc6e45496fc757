// Package notifier provides PostgreSQL LISTEN/NOTIFY support for the Change
// Dispatcher's wake signal. The notification payload itself is never
// trusted: callers treat it purely as "something changed, go re-query the
// Change Log" and the dispatcher is expected to query the table directly
// rather than parse the NOTIFY body.
package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pumpingstationone/deepharbor/internal/dhlog"
)

// Notifier holds a dedicated connection LISTENing on one channel and fans
// wake-ups out to WakeCh. It coalesces bursts of notifications the same way
// the dispatcher's steady-state loop is required to: multiple NOTIFYs that
// arrive before the dispatcher drains WakeCh collapse into a single pending
// wake-up, never more than one per unread signal.
type Notifier struct {
	pool    *pgxpool.Pool
	channel string
	log     *dhlog.ContextLogger

	WakeCh chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// New creates a Notifier for channel, backed by pool. Call Start to begin
// listening; Start blocks until ctx is cancelled or Stop is called.
func New(pool *pgxpool.Pool, channel string, log *dhlog.ContextLogger) *Notifier {
	return &Notifier{
		pool:    pool,
		channel: channel,
		log:     log,
		WakeCh:  make(chan struct{}, 1),
	}
}

// Start runs the listen loop until ctx is cancelled, reconnecting on any
// error after a 1 s pause.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.running = true
	n.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := n.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n.log.WithError(err).Warn("notifier: listen connection lost, reconnecting")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// listen acquires a dedicated connection, issues LISTEN, and blocks on
// incoming notifications until the connection fails or ctx is cancelled.
func (n *Notifier) listen(ctx context.Context) error {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN \""+n.channel+"\""); err != nil {
		return err
	}
	n.log.WithField("channel", n.channel).Info("notifier: listening")

	for {
		_, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		n.wake()
	}
}

// Wake returns the channel the dispatcher blocks on for a wake-up signal,
// satisfying dispatcher.WakeSource.
func (n *Notifier) Wake() <-chan struct{} { return n.WakeCh }

// wake signals WakeCh without blocking, so a burst of NOTIFYs never builds a
// backlog of more than one pending wake-up.
func (n *Notifier) wake() {
	select {
	case n.WakeCh <- struct{}{}:
	default:
	}
}

// Stop cancels the listen loop.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running && n.cancel != nil {
		n.cancel()
		n.running = false
	}
}

// DrainPending consumes any already-queued wake-up without blocking. The
// dispatcher calls this before a fetch pass so that several notifications
// that coalesced while it was busy never trigger more than the one pass
// already about to run.
func (n *Notifier) DrainPending() {
	select {
	case <-n.WakeCh:
	default:
	}
}
