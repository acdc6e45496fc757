package dispatcher

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/pumpingstationone/deepharbor/internal/attemptlog"
	"github.com/pumpingstationone/deepharbor/internal/changelog"
	"github.com/pumpingstationone/deepharbor/internal/dhlog"
	"github.com/pumpingstationone/deepharbor/internal/effectorclient"
	"github.com/pumpingstationone/deepharbor/internal/routing"
)

// fakeChangeStore is an in-memory stand-in for changelog.Store, letting the
// dispatcher's row-ordering and marking logic be exercised without Postgres.
type fakeChangeStore struct {
	mu        sync.Mutex
	rows      []changelog.Change
	processed map[int64]bool
	fetches   int
}

func newFakeChangeStore(rows ...changelog.Change) *fakeChangeStore {
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return &fakeChangeStore{rows: rows, processed: make(map[int64]bool)}
}

func (f *fakeChangeStore) FetchUnprocessedBatch(ctx context.Context, limit int) ([]changelog.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++

	var out []changelog.Change
	for _, r := range f.rows {
		if f.processed[r.ID] {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeChangeStore) MarkProcessed(ctx context.Context, tx *gorm.DB, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[id] = true
	return nil
}

func (f *fakeChangeStore) WithTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func (f *fakeChangeStore) isProcessed(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[id]
}

func (f *fakeChangeStore) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// fakeRouteStore is a static name->endpoint map.
type fakeRouteStore struct {
	routes map[string]string
}

func (f *fakeRouteStore) Resolve(ctx context.Context, name string) (string, error) {
	if ep, ok := f.routes[name]; ok {
		return ep, nil
	}
	return "", routing.ErrNoRoute
}

// fakeAttemptStore records every Attempt appended to it, append-only, the
// same guarantee attemptlog.Store gives.
type fakeAttemptStore struct {
	mu       sync.Mutex
	attempts []attemptlog.Attempt
}

func (f *fakeAttemptStore) Record(ctx context.Context, tx *gorm.DB, a attemptlog.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return nil
}

func (f *fakeAttemptStore) snapshot() []attemptlog.Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]attemptlog.Attempt, len(f.attempts))
	copy(out, f.attempts)
	return out
}

// fakeEffector dispatches every request through fn.
type fakeEffector struct {
	fn func(endpoint string, req effectorclient.Request) (effectorclient.Result, error)
}

func (f *fakeEffector) Dispatch(ctx context.Context, endpoint string, req effectorclient.Request) (effectorclient.Result, error) {
	return f.fn(endpoint, req)
}

// fakeWake is a minimal WakeSource a test can signal manually.
type fakeWake struct {
	ch chan struct{}
}

func newFakeWake() *fakeWake { return &fakeWake{ch: make(chan struct{}, 8)} }

func (f *fakeWake) Wake() <-chan struct{} { return f.ch }

func (f *fakeWake) DrainPending() {
	for {
		select {
		case <-f.ch:
		default:
			return
		}
	}
}

func (f *fakeWake) signal() { f.ch <- struct{}{} }

func testLog() *dhlog.ContextLogger {
	return dhlog.NewContextLogger(dhlog.Logger, map[string]interface{}{"service": "dispatcher-test"})
}

func changeRow(id int64, changeType, memberID string, body string) changelog.Change {
	return changelog.Change{ID: id, Data: rawPayload(changeType, memberID, json.RawMessage(body))}
}

func succeed200(endpoint string, req effectorclient.Request) (effectorclient.Result, error) {
	return effectorclient.Result{StatusCode: 200, Body: "ok", Succeeded: true}, nil
}

// A change with a valid route and a 200 response is marked processed and
// produces exactly one Attempt row with response_code=200.
func TestDispatcher_NormalChange_MarksProcessedAndRecordsSuccess(t *testing.T) {
	rows := newFakeChangeStore(changeRow(100, "status", "7", `{"membership_status":"active"}`))
	routes := &fakeRouteStore{routes: map[string]string{"status": "http://dhstatus/v1/change_status"}}
	attempts := &fakeAttemptStore{}

	d := &Dispatcher{
		Changes:   rows,
		Routes:    routes,
		Attempts:  attempts,
		Effector:  &fakeEffector{fn: succeed200},
		BatchSize: 10,
		Log:       testLog(),
	}

	require.NoError(t, d.resumePass(context.Background()))

	assert.True(t, rows.isProcessed(100))
	got := attempts.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, int64(100), got[0].ChangeID)
	assert.Equal(t, 200, got[0].ResponseCode)
	assert.True(t, got[0].Succeeded())
}

// A change with no registered route stays unprocessed, gets a synthetic
// Attempt row, and does not block a later row with a valid route.
func TestDispatcher_UnroutableChange_LeavesUnprocessedButDoesNotBlockLaterRows(t *testing.T) {
	rows := newFakeChangeStore(
		changeRow(101, "mystery", "7", `{}`),
		changeRow(102, "status", "7", `{"membership_status":"active"}`),
	)
	routes := &fakeRouteStore{routes: map[string]string{"status": "http://dhstatus/v1/change_status"}}
	attempts := &fakeAttemptStore{}

	d := &Dispatcher{
		Changes:   rows,
		Routes:    routes,
		Attempts:  attempts,
		Effector:  &fakeEffector{fn: succeed200},
		BatchSize: 10,
		Log:       testLog(),
	}

	require.NoError(t, d.resumePass(context.Background()))

	assert.False(t, rows.isProcessed(101))
	assert.True(t, rows.isProcessed(102))

	got := attempts.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, int64(101), got[0].ChangeID)
	assert.Equal(t, attemptlog.UnroutableCode, got[0].ResponseCode)
	assert.Equal(t, int64(102), got[1].ChangeID)
	assert.Equal(t, 200, got[1].ResponseCode)
}

// An effector returning 500 leaves the row unprocessed and records the
// returned code and body verbatim.
func TestDispatcher_EffectorRejection_RecordsCodeAndBodyLeavesUnprocessed(t *testing.T) {
	rows := newFakeChangeStore(changeRow(200, "status", "7", `{"membership_status":"active"}`))
	routes := &fakeRouteStore{routes: map[string]string{"status": "http://dhstatus/v1/change_status"}}
	attempts := &fakeAttemptStore{}

	fail500 := func(endpoint string, req effectorclient.Request) (effectorclient.Result, error) {
		return effectorclient.Result{StatusCode: 500, Body: "db down", Succeeded: false}, nil
	}

	d := &Dispatcher{
		Changes:   rows,
		Routes:    routes,
		Attempts:  attempts,
		Effector:  &fakeEffector{fn: fail500},
		BatchSize: 10,
		Log:       testLog(),
	}

	require.NoError(t, d.resumePass(context.Background()))

	assert.False(t, rows.isProcessed(200))
	got := attempts.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, 500, got[0].ResponseCode)
	assert.Equal(t, "db down", got[0].ResponseMessage)
}

// Transport failures (effector unreachable) are recorded with the synthetic
// transport-failure code, same as a non-200 response, and leave the row
// unprocessed for retry.
func TestDispatcher_TransportFailure_RecordsSyntheticCode(t *testing.T) {
	rows := newFakeChangeStore(changeRow(300, "status", "7", `{"membership_status":"active"}`))
	routes := &fakeRouteStore{routes: map[string]string{"status": "http://dhstatus/v1/change_status"}}
	attempts := &fakeAttemptStore{}

	transportErr := func(endpoint string, req effectorclient.Request) (effectorclient.Result, error) {
		return effectorclient.Result{}, effectorclient.ErrTransport
	}

	d := &Dispatcher{
		Changes:   rows,
		Routes:    routes,
		Attempts:  attempts,
		Effector:  &fakeEffector{fn: transportErr},
		BatchSize: 10,
		Log:       testLog(),
	}

	require.NoError(t, d.resumePass(context.Background()))

	assert.False(t, rows.isProcessed(300))
	got := attempts.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, attemptlog.TransportFailureCode, got[0].ResponseCode)
}

// Resuming with several unprocessed rows processes them in strictly
// ascending id order, regardless of slice insertion order.
func TestDispatcher_ResumePass_ProcessesInAscendingIDOrder(t *testing.T) {
	rows := newFakeChangeStore(
		changeRow(52, "status", "7", `{"membership_status":"active"}`),
		changeRow(50, "status", "7", `{"membership_status":"active"}`),
		changeRow(51, "status", "7", `{"membership_status":"active"}`),
	)
	routes := &fakeRouteStore{routes: map[string]string{"status": "http://dhstatus/v1/change_status"}}
	attempts := &fakeAttemptStore{}

	effector := &fakeEffector{fn: succeed200}

	d := &Dispatcher{
		Changes:   rows,
		Routes:    routes,
		Attempts:  attempts,
		Effector:  effector,
		BatchSize: 10,
		Log:       testLog(),
	}

	require.NoError(t, d.resumePass(context.Background()))

	got := attempts.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, []int64{50, 51, 52}, []int64{got[0].ChangeID, got[1].ChangeID, got[2].ChangeID})
}

// A batch containing a failing row still fully processes the rows that
// follow it in the same pass.
func TestDispatcher_FailingRowDoesNotStarveLaterRowsInBatch(t *testing.T) {
	rows := newFakeChangeStore(
		changeRow(1, "status", "7", `{"membership_status":"active"}`),
		changeRow(2, "status", "7", `{"membership_status":"active"}`),
		changeRow(3, "status", "7", `{"membership_status":"active"}`),
	)
	routes := &fakeRouteStore{routes: map[string]string{"status": "http://dhstatus/v1/change_status"}}
	attempts := &fakeAttemptStore{}

	// Row 2 (by processing order, which is ascending id) fails; rows 1 and 3
	// must still be processed in the same pass.
	var calls int
	effector := &fakeEffector{fn: func(endpoint string, req effectorclient.Request) (effectorclient.Result, error) {
		calls++
		if calls == 2 {
			return effectorclient.Result{StatusCode: 500, Body: "boom", Succeeded: false}, nil
		}
		return effectorclient.Result{StatusCode: 200, Succeeded: true}, nil
	}}

	d := &Dispatcher{
		Changes:   rows,
		Routes:    routes,
		Attempts:  attempts,
		Effector:  effector,
		BatchSize: 10,
		Log:       testLog(),
	}

	require.NoError(t, d.resumePass(context.Background()))

	assert.True(t, rows.isProcessed(1))
	assert.False(t, rows.isProcessed(2))
	assert.True(t, rows.isProcessed(3))
}

// A resume pass with nothing new to do is a no-op: no additional Attempt
// rows are written and no previously-processed row is touched again.
func TestDispatcher_ResumePass_NoNewChangesIsANoOp(t *testing.T) {
	rows := newFakeChangeStore(changeRow(1, "status", "7", `{"membership_status":"active"}`))
	routes := &fakeRouteStore{routes: map[string]string{"status": "http://dhstatus/v1/change_status"}}
	attempts := &fakeAttemptStore{}

	d := &Dispatcher{
		Changes:   rows,
		Routes:    routes,
		Attempts:  attempts,
		Effector:  &fakeEffector{fn: succeed200},
		BatchSize: 10,
		Log:       testLog(),
	}

	require.NoError(t, d.resumePass(context.Background()))
	require.Len(t, attempts.snapshot(), 1)

	require.NoError(t, d.resumePass(context.Background()))
	assert.Len(t, attempts.snapshot(), 1, "second pass with nothing unprocessed must not append further attempts")
}

// AfterResume fires only once the entire startup backlog is drained, so a
// caller can delay its LISTEN subscription until resume completes.
func TestDispatcher_Run_AfterResumeFiresOnlyOnceBacklogIsDrained(t *testing.T) {
	rows := newFakeChangeStore(
		changeRow(50, "status", "7", `{"membership_status":"active"}`),
		changeRow(51, "status", "7", `{"membership_status":"active"}`),
		changeRow(52, "status", "7", `{"membership_status":"active"}`),
	)
	routes := &fakeRouteStore{routes: map[string]string{"status": "http://dhstatus/v1/change_status"}}
	attempts := &fakeAttemptStore{}
	wake := newFakeWake()

	var processedAtHook []int64
	d := &Dispatcher{
		Changes:   rows,
		Routes:    routes,
		Attempts:  attempts,
		Effector:  &fakeEffector{fn: succeed200},
		Notify:    wake,
		BatchSize: 2,
		Log:       testLog(),
	}
	d.AfterResume = func(context.Context) error {
		for _, id := range []int64{50, 51, 52} {
			if rows.isProcessed(id) {
				processedAtHook = append(processedAtHook, id)
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []int64{50, 51, 52}, processedAtHook,
		"every backlog row must already be processed when AfterResume runs")
}

// Several wake-ups that coalesce while the dispatcher is busy trigger
// exactly one extra fetch-and-process pass once drained, not one per signal.
func TestDispatcher_Run_NotificationStormCausesOneExtraPass(t *testing.T) {
	rows := newFakeChangeStore(changeRow(1, "status", "7", `{"membership_status":"active"}`))
	routes := &fakeRouteStore{routes: map[string]string{"status": "http://dhstatus/v1/change_status"}}
	attempts := &fakeAttemptStore{}
	wake := newFakeWake()

	d := &Dispatcher{
		Changes:   rows,
		Routes:    routes,
		Attempts:  attempts,
		Effector:  &fakeEffector{fn: succeed200},
		Notify:    wake,
		BatchSize: 10,
		Log:       testLog(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Resume pass completes almost instantly (in-memory fakes); give it a
	// moment, then fire a burst of notifications before cancelling.
	time.Sleep(20 * time.Millisecond)
	fetchesAfterResume := rows.fetchCount()
	for i := 0; i < 5; i++ {
		wake.signal()
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	// The resume pass plus at most one steady-state pass per coalesced
	// backlog drain, never one pass per queued signal.
	assert.LessOrEqual(t, rows.fetchCount(), fetchesAfterResume+2)
}
