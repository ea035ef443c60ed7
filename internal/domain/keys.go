package domain

import "fmt"

const (
	EventPrefix      = "event:"
	EventTailPrefix  = "evtail:"
	ExecutionPrefix  = "exec:"
	LeasePrefix      = "lease:"
	TimerPrefix      = "timer:"
	TaskPrefix       = "task:state:"
	QueuePrefix      = "task:pending:"
	ClaimPrefix      = "task:claimed:"
	DeadLetterPrefix = "task:deadletter:"
	IdemPrefix       = "idem:"
	QueueSeqKey      = "task:seq"
)

// EventKey builds the row key for one event. Sequences are zero padded so
// key order equals append order under prefix iteration.
func EventKey(executionID string, sequence int64) string {
	return fmt.Sprintf("%s%s:%020d", EventPrefix, executionID, sequence)
}

// EventScanPrefix is the iteration prefix covering one execution's log.
func EventScanPrefix(executionID string) string {
	return EventPrefix + executionID + ":"
}

// EventTailKey holds the current tail sequence for an execution.
func EventTailKey(executionID string) string {
	return EventTailPrefix + executionID
}

// ExecutionKey is the registry row for listing and status snapshots.
func ExecutionKey(executionID string) string {
	return ExecutionPrefix + executionID
}

// LeaseKey scopes the scheduler ownership lease for one execution.
func LeaseKey(executionID string) string {
	return LeasePrefix + "execution:" + executionID
}

func TimerKey(executionID, timerID string) string {
	return fmt.Sprintf("%s%s:%s", TimerPrefix, executionID, timerID)
}

func TimerScanPrefix(executionID string) string {
	return TimerPrefix + executionID + ":"
}

func TaskKey(taskID string) string {
	return TaskPrefix + taskID
}

func QueuePendingKey(sequence int64) string {
	return fmt.Sprintf("%s%020d", QueuePrefix, sequence)
}

func QueueClaimedKey(claimID string) string {
	return ClaimPrefix + claimID
}

func DeadLetterKey(itemID string) string {
	return DeadLetterPrefix + itemID
}

// IdemKey marks an idempotency key as folded for an execution.
func IdemKey(executionID, idempotencyKey string) string {
	return fmt.Sprintf("%s%s:%s", IdemPrefix, executionID, idempotencyKey)
}
