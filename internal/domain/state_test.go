package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testEvent(t *testing.T, executionID string, seq int64, eventType EventType, payload interface{}) Event {
	t.Helper()
	event, err := NewEvent(executionID, eventType, payload)
	require.NoError(t, err)
	event.Sequence = seq
	event.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second)
	return *event
}

func signupEvents(t *testing.T, executionID string) []Event {
	t.Helper()
	return []Event{
		testEvent(t, executionID, 1, EventExecutionStarted, ExecutionStartedPayload{
			WorkflowType:      "userSignupFlow",
			DefinitionVersion: 1,
			Input:             []byte(`{"email":"ada@example.com"}`),
		}),
		testEvent(t, executionID, 2, EventStepStarted, StepStartedPayload{
			TaskID: "task-1", StepName: "createAccount", IdempotencyKey: executionID + ":createAccount:1", Attempt: 1,
		}),
		testEvent(t, executionID, 3, EventStepCompleted, StepCompletedPayload{
			TaskID: "task-1", StepName: "createAccount", IdempotencyKey: executionID + ":createAccount:1",
			Result: []byte(`{"accountId":"acc-9"}`),
		}),
		testEvent(t, executionID, 4, EventTimerCreated, TimerCreatedPayload{
			TimerID: "timer-1", FireAt: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), Name: "welcomeDelay",
		}),
		testEvent(t, executionID, 5, EventTimerFired, TimerFiredPayload{TimerID: "timer-1"}),
		testEvent(t, executionID, 6, EventStepStarted, StepStartedPayload{
			TaskID: "task-2", StepName: "sendWelcomeEmail", IdempotencyKey: executionID + ":sendWelcomeEmail:1", Attempt: 1,
		}),
		testEvent(t, executionID, 7, EventStepCompleted, StepCompletedPayload{
			TaskID: "task-2", StepName: "sendWelcomeEmail", IdempotencyKey: executionID + ":sendWelcomeEmail:1",
			Result: []byte(`{"sent":true}`),
		}),
		testEvent(t, executionID, 8, EventExecutionCompleted, ExecutionCompletedPayload{
			Result: []byte(`{"signup":"done"}`),
		}),
	}
}

func TestFoldSignupFlow(t *testing.T) {
	events := signupEvents(t, "exec-1")

	state, err := Fold("exec-1", events)
	require.NoError(t, err)

	require.Equal(t, ExecutionStatusCompleted, state.Status)
	require.Equal(t, int64(8), state.Sequence)
	require.Equal(t, "userSignupFlow", state.WorkflowType)
	require.Equal(t, 1, state.DefinitionVersion)

	account, ok := state.StepCompleted("createAccount")
	require.True(t, ok)
	require.JSONEq(t, `{"accountId":"acc-9"}`, string(account.Result))

	_, ok = state.StepCompleted("sendWelcomeEmail")
	require.True(t, ok)

	require.True(t, state.TimerElapsed("welcomeDelay"))
	require.Empty(t, state.PendingTasks)
	require.Empty(t, state.PendingTimers)
	require.NotNil(t, state.CompletedAt)
	require.JSONEq(t, `{"signup":"done"}`, string(state.Result))
}

func TestFoldIsDeterministic(t *testing.T) {
	events := signupEvents(t, "exec-det")

	first, err := Fold("exec-det", events)
	require.NoError(t, err)
	second, err := Fold("exec-det", events)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestFoldDuplicateIdempotencyKeyIgnored(t *testing.T) {
	events := []Event{
		testEvent(t, "exec-dup", 1, EventExecutionStarted, ExecutionStartedPayload{WorkflowType: "wf", DefinitionVersion: 1}),
		testEvent(t, "exec-dup", 2, EventStepStarted, StepStartedPayload{
			TaskID: "task-1", StepName: "charge", IdempotencyKey: "exec-dup:charge:1", Attempt: 1,
		}),
		testEvent(t, "exec-dup", 3, EventStepCompleted, StepCompletedPayload{
			TaskID: "task-1", StepName: "charge", IdempotencyKey: "exec-dup:charge:1", Result: []byte(`{"amount":1}`),
		}),
		testEvent(t, "exec-dup", 4, EventStepCompleted, StepCompletedPayload{
			TaskID: "task-1", StepName: "charge", IdempotencyKey: "exec-dup:charge:1", Result: []byte(`{"amount":2}`),
		}),
	}

	state, err := Fold("exec-dup", events)
	require.NoError(t, err)

	result, ok := state.StepCompleted("charge")
	require.True(t, ok)
	require.JSONEq(t, `{"amount":1}`, string(result.Result))
	require.JSONEq(t, `{"amount":1}`, string(state.Variables))
	require.Equal(t, int64(3), state.SeenKeys["exec-dup:charge:1"])
	require.Equal(t, int64(4), state.Sequence)
}

func TestFoldRejectsSequenceGap(t *testing.T) {
	events := []Event{
		testEvent(t, "exec-gap", 1, EventExecutionStarted, ExecutionStartedPayload{WorkflowType: "wf", DefinitionVersion: 1}),
		testEvent(t, "exec-gap", 3, EventExecutionCompleted, ExecutionCompletedPayload{}),
	}

	_, err := Fold("exec-gap", events)
	require.Error(t, err)
	var serr *StorageError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, ErrCorrupted, serr.Type)
}

func TestFoldTimerFiredForUnknownTimerIsInert(t *testing.T) {
	events := []Event{
		testEvent(t, "exec-timer", 1, EventExecutionStarted, ExecutionStartedPayload{WorkflowType: "wf", DefinitionVersion: 1}),
		testEvent(t, "exec-timer", 2, EventTimerFired, TimerFiredPayload{TimerID: "ghost"}),
	}

	state, err := Fold("exec-timer", events)
	require.NoError(t, err)
	require.Empty(t, state.FiredTimers)
	require.Equal(t, int64(2), state.Sequence)
}

func TestFoldStepFailedSetsUnresolvedFailure(t *testing.T) {
	events := []Event{
		testEvent(t, "exec-fail", 1, EventExecutionStarted, ExecutionStartedPayload{WorkflowType: "wf", DefinitionVersion: 1}),
		testEvent(t, "exec-fail", 2, EventStepStarted, StepStartedPayload{
			TaskID: "task-1", StepName: "flaky", IdempotencyKey: "exec-fail:flaky:1", Attempt: 1,
		}),
		testEvent(t, "exec-fail", 3, EventStepFailed, StepFailedPayload{
			TaskID: "task-1", StepName: "flaky", IdempotencyKey: "exec-fail:flaky:1", Attempt: 1,
			Error: "connection refused", JitterSeed: 42,
		}),
	}

	state, err := Fold("exec-fail", events)
	require.NoError(t, err)

	require.NotNil(t, state.Failure)
	require.Equal(t, "flaky", state.Failure.StepName)
	require.Equal(t, 1, state.Failure.Attempt)
	require.Equal(t, int64(42), state.Failure.JitterSeed)
	require.False(t, state.Quiescent())
	require.Equal(t, ExecutionStatusRunning, state.Status)
	require.Empty(t, state.PendingTasks)
}

func TestFoldRetryScheduledClearsFailure(t *testing.T) {
	events := []Event{
		testEvent(t, "exec-retry", 1, EventExecutionStarted, ExecutionStartedPayload{WorkflowType: "wf", DefinitionVersion: 1}),
		testEvent(t, "exec-retry", 2, EventStepStarted, StepStartedPayload{
			TaskID: "task-1", StepName: "flaky", IdempotencyKey: "exec-retry:flaky:1", Attempt: 1,
		}),
		testEvent(t, "exec-retry", 3, EventStepFailed, StepFailedPayload{
			TaskID: "task-1", StepName: "flaky", IdempotencyKey: "exec-retry:flaky:1", Attempt: 1, Error: "boom",
		}),
		testEvent(t, "exec-retry", 4, EventRetryScheduled, RetryScheduledPayload{
			TaskID: "task-1", StepName: "flaky", Attempt: 1,
			NextRetryAt: time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC), TimerID: "timer-r1",
		}),
	}

	state, err := Fold("exec-retry", events)
	require.NoError(t, err)

	require.Nil(t, state.Failure)
	timer, ok := state.PendingTimers["timer-r1"]
	require.True(t, ok)
	require.Equal(t, "retry:flaky", timer.Name)
}

func TestFoldCancelledIsTerminalAndLateReportsAreInert(t *testing.T) {
	events := []Event{
		testEvent(t, "exec-cancel", 1, EventExecutionStarted, ExecutionStartedPayload{WorkflowType: "wf", DefinitionVersion: 1}),
		testEvent(t, "exec-cancel", 2, EventStepStarted, StepStartedPayload{
			TaskID: "task-1", StepName: "slow", IdempotencyKey: "exec-cancel:slow:1", Attempt: 1,
		}),
		testEvent(t, "exec-cancel", 3, EventExecutionCancelled, ExecutionCancelledPayload{Reason: "operator"}),
		testEvent(t, "exec-cancel", 4, EventStepCompleted, StepCompletedPayload{
			TaskID: "task-1", StepName: "slow", IdempotencyKey: "exec-cancel:slow:1", Result: []byte(`{"v":1}`),
		}),
	}

	state, err := Fold("exec-cancel", events)
	require.NoError(t, err)

	require.Equal(t, ExecutionStatusCancelled, state.Status)
	require.Empty(t, state.Variables, "late results must not merge into a cancelled execution")
	_, ok := state.StepCompleted("slow")
	require.True(t, ok, "late completion still lands in history")
	require.Empty(t, state.PendingTasks)
}

func TestFoldSignalReceived(t *testing.T) {
	events := []Event{
		testEvent(t, "exec-sig", 1, EventExecutionStarted, ExecutionStartedPayload{WorkflowType: "wf", DefinitionVersion: 1}),
		testEvent(t, "exec-sig", 2, EventSignalReceived, SignalReceivedPayload{
			Name: "approval", Payload: []byte(`{"approved":true}`),
		}),
	}

	state, err := Fold("exec-sig", events)
	require.NoError(t, err)

	payload, ok := state.SignalPayload("approval")
	require.True(t, ok)
	require.JSONEq(t, `{"approved":true}`, string(payload))
}
