// Package dispatcher implements the Change Dispatcher: the long-lived loop
// that drains the Change Log in id order, resolves each change's effector
// via the Routing Table, POSTs it, records the outcome in the Attempt Log,
// and marks the row processed only on a literal HTTP 200.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/pumpingstationone/deepharbor/internal/attemptlog"
	"github.com/pumpingstationone/deepharbor/internal/changelog"
	"github.com/pumpingstationone/deepharbor/internal/dhlog"
	"github.com/pumpingstationone/deepharbor/internal/effectorclient"
	"github.com/pumpingstationone/deepharbor/internal/routing"
)

// NotificationTimeout bounds how long the steady-state loop waits on a
// wake-up before running the fetch-and-process loop anyway. The timeout path
// exists to tolerate lost notifications, not as an optimization.
const NotificationTimeout = 60 * time.Second

// ChangeStore is the subset of changelog.Store the dispatcher needs. Tests
// substitute an in-memory fake; production wiring passes a *changelog.Store.
type ChangeStore interface {
	FetchUnprocessedBatch(ctx context.Context, limit int) ([]changelog.Change, error)
	MarkProcessed(ctx context.Context, tx *gorm.DB, id int64) error
	WithTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// RouteStore is the subset of routing.Store the dispatcher needs.
type RouteStore interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// AttemptStore is the subset of attemptlog.Store the dispatcher needs.
type AttemptStore interface {
	Record(ctx context.Context, tx *gorm.DB, a attemptlog.Attempt) error
}

// EffectorDispatcher is the subset of effectorclient.Client the dispatcher
// needs.
type EffectorDispatcher interface {
	Dispatch(ctx context.Context, endpoint string, req effectorclient.Request) (effectorclient.Result, error)
}

// WakeSource is the subset of notifier.Notifier the dispatcher's steady-state
// loop needs: a channel to block on and a way to drain a coalesced backlog.
type WakeSource interface {
	Wake() <-chan struct{}
	DrainPending()
}

// Dispatcher ties the Change Log, Routing Table, Attempt Log, and effector
// client into a single-process, single-threaded loop. It holds no
// concurrency beyond the (sequential) alternation between waiting on
// Notify.Wake() and running a fetch-and-process pass.
//
// Fields are interfaces rather than concrete store types so the per-row
// processing logic can be exercised with in-memory fakes; cmd/dispatcher
// wires in the real GORM-backed stores and notifier.Notifier, both of which
// satisfy these interfaces unmodified.
type Dispatcher struct {
	Changes   ChangeStore
	Routes    RouteStore
	Attempts  AttemptStore
	Effector  EffectorDispatcher
	Notify    WakeSource
	BatchSize int
	Log       *dhlog.ContextLogger

	// AfterResume, when non-nil, runs once after the startup resume pass
	// completes and before the steady-state wait begins. cmd/dispatcher uses
	// it to start the LISTEN subscription, so the resume pass always runs
	// against the table alone and subscription begins only once the backlog
	// is drained.
	AfterResume func(ctx context.Context) error
}

// Run executes the resume pass, then alternates between waiting for a
// notification (bounded by NotificationTimeout) and re-running the
// fetch-and-process loop, until ctx is cancelled or an unrecoverable
// database error surfaces. The caller is responsible for reconnecting and
// calling Run again on error.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.Log.Info("dispatcher: starting resume pass")
	if err := d.resumePass(ctx); err != nil {
		return err
	}
	if d.AfterResume != nil {
		if err := d.AfterResume(ctx); err != nil {
			return err
		}
	}
	d.Log.Info("dispatcher: resume pass complete, entering steady state")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.Notify.Wake():
		case <-time.After(NotificationTimeout):
		}

		// Drain any further wake-ups that coalesced while we were about to
		// act, so a notification storm causes one extra pass, not N.
		d.Notify.DrainPending()

		if err := d.resumePass(ctx); err != nil {
			return err
		}
	}
}

// resumePass repeatedly fetches the oldest batch of unprocessed rows and
// processes each in order, continuing until a fetch returns fewer rows than
// BatchSize. The same loop serves startup recovery and the steady-state
// drain after a wake-up.
func (d *Dispatcher) resumePass(ctx context.Context) error {
	for {
		rows, err := d.Changes.FetchUnprocessedBatch(ctx, d.BatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		for _, row := range rows {
			if err := d.processRow(ctx, row); err != nil {
				return err
			}
		}

		if len(rows) < d.BatchSize {
			return nil
		}
	}
}

// processRow resolves one change's route, dispatches it, records the
// attempt, and marks it processed on success. A failing row never blocks the
// rest of the batch: errors returned here are reserved for genuine database
// failures, not effector rejections, which are recorded and swallowed so the
// loop continues.
func (d *Dispatcher) processRow(ctx context.Context, row changelog.Change) error {
	log := d.Log.WithField("change_id", row.ID)

	payload, err := changelog.DecodePayload(row)
	if err != nil {
		// A malformed row can never succeed; record it the same way an
		// unroutable change is recorded so it doesn't spin forever silently.
		return d.recordUnroutable(ctx, row.ID, "", "malformed change payload: "+err.Error())
	}

	endpoint, err := d.Routes.Resolve(ctx, payload.Change)
	if err != nil {
		if errors.Is(err, routing.ErrNoRoute) {
			log.WithField("change_type", payload.Change).Warn("dispatcher: no route for change type")
			return d.recordUnroutable(ctx, row.ID, payload.Change, "no route registered for change type")
		}
		return err
	}

	req := effectorclient.Request{
		MemberID:   payload.MemberID,
		ChangeType: payload.Change,
		ChangeData: payload.Body,
	}

	result, dispatchErr := d.Effector.Dispatch(ctx, endpoint, req)

	attempt := attemptlog.Attempt{
		ChangeID:        row.ID,
		ServiceName:     payload.Change,
		ServiceEndpoint: endpoint,
	}
	if dispatchErr != nil {
		attempt.ResponseCode = attemptlog.TransportFailureCode
		attempt.ResponseMessage = dispatchErr.Error()
		log.WithError(dispatchErr).Warn("dispatcher: effector unreachable")
		return d.Attempts.Record(ctx, nil, attempt)
	}

	attempt.ResponseCode = result.StatusCode
	attempt.ResponseMessage = result.Body

	if !result.Succeeded {
		log.WithField("status_code", result.StatusCode).Warn("dispatcher: effector rejected change")
		return d.Attempts.Record(ctx, nil, attempt)
	}

	return d.Changes.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := d.Attempts.Record(ctx, tx, attempt); err != nil {
			return err
		}
		return d.Changes.MarkProcessed(ctx, tx, row.ID)
	})
}

func (d *Dispatcher) recordUnroutable(ctx context.Context, changeID int64, serviceName, message string) error {
	return d.Attempts.Record(ctx, nil, attemptlog.Attempt{
		ChangeID:        changeID,
		ServiceName:     serviceName,
		ResponseCode:    attemptlog.UnroutableCode,
		ResponseMessage: message,
	})
}

// rawPayload is a small helper exposed for tests that need to build
// change_log.data fixtures without round-tripping through the database.
func rawPayload(changeType, memberID string, body json.RawMessage) json.RawMessage {
	envelope := map[string]json.RawMessage{
		"change":    mustJSON(changeType),
		"member_id": mustJSON(memberID),
		changeType:  body,
	}
	out, _ := json.Marshal(envelope)
	return out
}

func mustJSON(v string) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
