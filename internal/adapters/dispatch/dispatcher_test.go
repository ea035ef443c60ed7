package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/keel/internal/adapters/memory"
	"github.com/eleven-am/keel/internal/adapters/queue"
	"github.com/eleven-am/keel/internal/adapters/storage"
	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/ports"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	reports []domain.TaskReport
}

func (r *recordingSink) OfferReport(report domain.TaskReport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return true
}

func (r *recordingSink) OfferTimerFire(domain.Timer) bool {
	return true
}

func (r *recordingSink) all() []domain.TaskReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TaskReport(nil), r.reports...)
}

type dispatchFixture struct {
	dispatcher *Dispatcher
	sink       *recordingSink
	fence      ports.Fence
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	store := memory.NewStore()
	t.Cleanup(func() { store.Close() })

	leases := storage.NewLeaseManager(store, nil)
	lease, acquired, err := leases.TryAcquire(domain.LeaseKey("exec-1"), "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	taskQueue := queue.NewTaskQueue(store, nil)
	cfg := domain.QueueConfig{VisibilityTimeout: time.Minute, ReapInterval: time.Second, MaxDeliveries: 3}
	dispatcher := NewDispatcher(store, taskQueue, cfg, nil)
	t.Cleanup(func() { dispatcher.Close() })

	sink := &recordingSink{}
	dispatcher.SetSink(sink)

	return &dispatchFixture{
		dispatcher: dispatcher,
		sink:       sink,
		fence:      ports.Fence{Owner: lease.Owner, Token: lease.Generation},
	}
}

func fixtureTask(id string) *domain.Task {
	return &domain.Task{
		ID:             id,
		ExecutionID:    "exec-1",
		StepName:       "charge",
		IdempotencyKey: "exec-1:charge:1",
		Status:         domain.TaskStatusQueued,
		Attempt:        1,
		EnqueuedAt:     time.Now().UTC(),
	}
}

func TestDispatchAndClaimRoundTrip(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Dispatch(ctx, fixtureTask("t1"), f.fence))

	task, ok, err := f.dispatcher.ClaimTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t1", task.ID)
	require.Equal(t, domain.TaskStatusDispatched, task.Status)

	_, ok, err = f.dispatcher.ClaimTask(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDispatchRejectsStaleFence(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	stale := ports.Fence{Owner: f.fence.Owner, Token: f.fence.Token - 1}
	err := f.dispatcher.Dispatch(ctx, fixtureTask("t1"), stale)
	require.ErrorIs(t, err, domain.ErrFenceRejected)

	wrongOwner := ports.Fence{Owner: "node-z", Token: f.fence.Token}
	err = f.dispatcher.Dispatch(ctx, fixtureTask("t1"), wrongOwner)
	require.ErrorIs(t, err, domain.ErrFenceRejected)
}

func TestDuplicateCompletionCollapses(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Dispatch(ctx, fixtureTask("t1"), f.fence))
	task, ok, err := f.dispatcher.ClaimTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.dispatcher.Complete(ctx, task.ID, task.IdempotencyKey, []byte(`{"ok":true}`)))
	require.NoError(t, f.dispatcher.Complete(ctx, task.ID, task.IdempotencyKey, []byte(`{"ok":"again"}`)),
		"duplicate report is acknowledged, not an error")
	require.NoError(t, f.dispatcher.Fail(ctx, task.ID, task.IdempotencyKey, "late failure"),
		"conflicting late report is acknowledged and dropped")

	reports := f.sink.all()
	require.Len(t, reports, 1, "only the first report reaches the sink")
	require.True(t, reports[0].Success)
	require.JSONEq(t, `{"ok":true}`, string(reports[0].Result))
}

func TestFailureReportRoutes(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Dispatch(ctx, fixtureTask("t1"), f.fence))
	task, ok, err := f.dispatcher.ClaimTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.dispatcher.Fail(ctx, task.ID, task.IdempotencyKey, "boom"))

	reports := f.sink.all()
	require.Len(t, reports, 1)
	require.False(t, reports[0].Success)
	require.Equal(t, "boom", reports[0].Error)
}

func TestStaleIdempotencyKeyDropped(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Dispatch(ctx, fixtureTask("t1"), f.fence))
	task, ok, err := f.dispatcher.ClaimTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.dispatcher.Complete(ctx, task.ID, "exec-1:charge:99", []byte(`{}`)),
		"report carrying another attempt's key is dropped")
	require.Empty(t, f.sink.all())

	require.NoError(t, f.dispatcher.Complete(ctx, task.ID, task.IdempotencyKey, []byte(`{}`)))
	require.Len(t, f.sink.all(), 1)
}

func TestCompleteUnknownTask(t *testing.T) {
	f := newDispatchFixture(t)
	err := f.dispatcher.Complete(context.Background(), "ghost", "key", nil)
	require.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestTaskOutcomeForRecovery(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Dispatch(ctx, fixtureTask("t1"), f.fence))

	_, terminal, err := f.dispatcher.TaskOutcome("t1")
	require.NoError(t, err)
	require.False(t, terminal, "in-flight task has no outcome yet")

	task, ok, err := f.dispatcher.ClaimTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.dispatcher.Complete(ctx, task.ID, task.IdempotencyKey, []byte(`{"n":1}`)))

	report, terminal, err := f.dispatcher.TaskOutcome("t1")
	require.NoError(t, err)
	require.True(t, terminal)
	require.True(t, report.Success)
	require.JSONEq(t, `{"n":1}`, string(report.Result))
	require.Equal(t, "exec-1", report.ExecutionID)
}

func TestRedispatchOfCompletedTaskIsNoOp(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Dispatch(ctx, fixtureTask("t1"), f.fence))
	task, ok, err := f.dispatcher.ClaimTask(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.dispatcher.Complete(ctx, task.ID, task.IdempotencyKey, nil))

	require.NoError(t, f.dispatcher.Dispatch(ctx, fixtureTask("t1"), f.fence))

	_, ok, err = f.dispatcher.ClaimTask(ctx)
	require.NoError(t, err)
	require.False(t, ok, "a completed task must not be re-enqueued")
}
