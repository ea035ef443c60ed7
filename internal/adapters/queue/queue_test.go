package queue

import (
	"context"
	"testing"
	"time"

	"github.com/eleven-am/keel/internal/adapters/memory"
	"github.com/eleven-am/keel/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *TaskQueue {
	t.Helper()
	store := memory.NewStore()
	t.Cleanup(func() { store.Close() })
	q := NewTaskQueue(store, nil)
	t.Cleanup(func() { q.Close() })
	return q
}

func testTask(id, step string) *domain.Task {
	return &domain.Task{
		ID:             id,
		ExecutionID:    "exec-1",
		StepName:       step,
		IdempotencyKey: "exec-1:" + step + ":1",
		Status:         domain.TaskStatusQueued,
		Attempt:        1,
		EnqueuedAt:     time.Now().UTC(),
	}
}

func TestClaimFollowsEnqueueOrder(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(testTask("t1", "first")))
	require.NoError(t, q.Enqueue(testTask("t2", "second")))

	task, claimID, ok, err := q.Claim(time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t1", task.ID)
	require.NotEmpty(t, claimID)

	task, _, ok, err = q.Claim(time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t2", task.ID)

	_, _, ok, err = q.Claim(time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompleteRemovesClaim(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(testTask("t1", "step")))
	_, claimID, ok, err := q.Claim(time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Complete(claimID))

	requeued, err := q.ReapExpired(time.Now().Add(time.Hour), 5)
	require.NoError(t, err)
	require.Zero(t, requeued, "completed claims must not be requeued")
}

func TestReapRequeuesExpiredClaims(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(testTask("t1", "step")))
	_, _, ok, err := q.Claim(10 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	requeued, err := q.ReapExpired(time.Now().Add(time.Second), 5)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)

	task, _, ok, err := q.Claim(time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t1", task.ID)
}

func TestReapKeepsLiveClaims(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(testTask("t1", "step")))
	_, _, ok, err := q.Claim(time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	requeued, err := q.ReapExpired(time.Now(), 5)
	require.NoError(t, err)
	require.Zero(t, requeued)
}

func TestExtendPushesVisibility(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(testTask("t1", "step")))
	_, claimID, ok, err := q.Claim(10 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Extend(claimID, time.Hour))

	requeued, err := q.ReapExpired(time.Now().Add(time.Minute), 5)
	require.NoError(t, err)
	require.Zero(t, requeued)
}

func TestDeliveryBudgetSendsToDeadLetter(t *testing.T) {
	q := newTestQueue(t)
	maxDeliveries := 2

	require.NoError(t, q.Enqueue(testTask("t1", "step")))

	for delivery := 1; delivery <= maxDeliveries; delivery++ {
		task, _, ok, err := q.Claim(time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "t1", task.ID)

		_, err = q.ReapExpired(time.Now().Add(time.Second), maxDeliveries)
		require.NoError(t, err)
	}

	_, _, ok, err := q.Claim(time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "task past the delivery budget must leave the queue")

	size, err := q.GetDeadLetterSize()
	require.NoError(t, err)
	require.Equal(t, 1, size)

	items, err := q.GetDeadLetterItems(10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, maxDeliveries, items[0].RetryCount)
}

func TestRetryFromDeadLetter(t *testing.T) {
	q := newTestQueue(t)

	task := testTask("t1", "step")
	data, err := task.ToBytes()
	require.NoError(t, err)
	require.NoError(t, q.SendToDeadLetter(data, "exhausted", 3))

	items, err := q.GetDeadLetterItems(1)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, q.RetryFromDeadLetter(items[0].ID))

	claimed, _, ok, err := q.Claim(time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t1", claimed.ID)

	size, err := q.GetDeadLetterSize()
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestWaitForItemSignalsOnEnqueue(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	wake := q.WaitForItem(ctx)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, q.Enqueue(testTask("t1", "step")))

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("expected wake-up after enqueue")
	}
}

func TestQueueSize(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(testTask("t1", "a")))
	require.NoError(t, q.Enqueue(testTask("t2", "b")))

	size, err := q.Size()
	require.NoError(t, err)
	require.Equal(t, 2, size)
}
