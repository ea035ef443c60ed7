package ports

import (
	"context"

	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/xjson"
)

// ReportSink receives worker reports and timer fires and routes them to the
// driver loop that owns the execution. Offer methods return false when no
// live driver is registered for the execution.
type ReportSink interface {
	OfferReport(report domain.TaskReport) bool
	OfferTimerFire(timer domain.Timer) bool
}

// DispatcherPort hands step-execution requests to worker processes and
// collapses duplicate results via idempotency keys. Only the first report
// for a key reaches the sink; later duplicates are acknowledged to the
// worker and discarded.
type DispatcherPort interface {
	// Dispatch enqueues a task descriptor. The fence is verified against the
	// execution's live lease so a deposed owner cannot keep dispatching.
	Dispatch(ctx context.Context, task *domain.Task, fence Fence) error

	// ClaimTask is the worker-side pull. The returned task stays invisible
	// for the queue's visibility window.
	ClaimTask(ctx context.Context) (*domain.Task, bool, error)

	// Complete and Fail are the worker-side report calls.
	Complete(ctx context.Context, taskID, idempotencyKey string, result xjson.RawMessage) error
	Fail(ctx context.Context, taskID, idempotencyKey, errMsg string) error

	// TaskOutcome returns a synthesized report for a task whose row reached a
	// terminal status, for recovery reconciliation. False when the row is
	// missing or the task is still in flight.
	TaskOutcome(taskID string) (*domain.TaskReport, bool, error)

	// SetSink wires the scheduler's inbox router.
	SetSink(sink ReportSink)

	// Reap requeues claims past their visibility window.
	Reap(ctx context.Context) (int, error)

	Close() error
}
