package engine

import (
	"context"

	"github.com/eleven-am/keel/internal/domain"
	"github.com/google/uuid"
)

// resolveFailure turns an unresolved StepFailed into its verdict: a
// RetryScheduled event plus a durable retry timer while the budget lasts,
// ExecutionFailed once it is exhausted. The verdict is derived only from
// the failure event's recorded attempt, seed and timestamp, so every owner
// that evaluates it reaches the same answer.
func (d *driver) resolveFailure(ctx context.Context) error {
	failure := d.state.Failure
	policy := d.sched.cfg.Retry.Policy

	verdict := domain.EvaluateRetry(policy, failure.Attempt, failure.JitterSeed, failure.FailedAt)
	if !verdict.Retry {
		d.logger.Info("retry budget exhausted",
			"step", failure.StepName,
			"attempts", failure.Attempt,
		)
		return d.appendExecutionFailed(ctx, failure.StepName, failure.Error, failure.Attempt)
	}

	timerID := uuid.New().String()
	event, err := domain.NewEvent(d.executionID, domain.EventRetryScheduled, domain.RetryScheduledPayload{
		TaskID:      failure.TaskID,
		StepName:    failure.StepName,
		Attempt:     failure.Attempt,
		NextRetryAt: verdict.NextRetryAt,
		TimerID:     timerID,
		Policy:      policy,
	})
	if err != nil {
		return err
	}
	if err := d.append(ctx, event); err != nil {
		return err
	}

	return d.sched.timers.Arm(&domain.Timer{
		ID:          timerID,
		ExecutionID: d.executionID,
		FireAt:      verdict.NextRetryAt,
		Status:      domain.TimerStatusPending,
		CreatedSeq:  event.Sequence,
	})
}
