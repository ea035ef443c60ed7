package domain

import (
	"time"

	"github.com/eleven-am/keel/internal/xjson"
)

type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task is the work descriptor handed to external worker processes. The
// idempotency key identifies one logical step attempt; duplicate reports
// for the same key collapse before they reach the log.
type Task struct {
	ID             string           `json:"id"`
	ExecutionID    string           `json:"execution_id"`
	StepName       string           `json:"step_name"`
	IdempotencyKey string           `json:"idempotency_key"`
	Payload        xjson.RawMessage `json:"payload,omitempty"`
	Status         TaskStatus       `json:"status"`
	Attempt        int              `json:"attempt"`
	EnqueuedAt     time.Time        `json:"enqueued_at"`
}

func (t *Task) ToBytes() ([]byte, error) {
	return xjson.Marshal(t)
}

func TaskFromBytes(data []byte) (*Task, error) {
	var task Task
	if err := xjson.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// QueueItem wraps a serialized task with its queue sequence.
type QueueItem struct {
	Data     []byte    `json:"data"`
	Sequence int64     `json:"sequence"`
	Enqueued time.Time `json:"enqueued"`
	Delivery int       `json:"delivery,omitempty"`
}

func NewQueueItem(data []byte, sequence int64) *QueueItem {
	return &QueueItem{
		Data:     data,
		Sequence: sequence,
		Enqueued: time.Now().UTC(),
	}
}

func (i *QueueItem) ToBytes() ([]byte, error) {
	return xjson.Marshal(i)
}

func QueueItemFromBytes(data []byte) (*QueueItem, error) {
	var item QueueItem
	if err := xjson.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ClaimedItem is a queue item leased to a worker under a visibility timeout.
// An unreported claim is requeued by the reaper once VisibleAt passes.
type ClaimedItem struct {
	Data      []byte    `json:"data"`
	ClaimID   string    `json:"claim_id"`
	Sequence  int64     `json:"sequence"`
	ClaimedAt time.Time `json:"claimed_at"`
	VisibleAt time.Time `json:"visible_at"`
	Delivery  int       `json:"delivery"`
}

func NewClaimedItem(data []byte, claimID string, sequence int64, visibility time.Duration, delivery int) *ClaimedItem {
	now := time.Now().UTC()
	return &ClaimedItem{
		Data:      data,
		ClaimID:   claimID,
		Sequence:  sequence,
		ClaimedAt: now,
		VisibleAt: now.Add(visibility),
		Delivery:  delivery,
	}
}

func (c *ClaimedItem) ToBytes() ([]byte, error) {
	return xjson.Marshal(c)
}

func ClaimedItemFromBytes(data []byte) (*ClaimedItem, error) {
	var item ClaimedItem
	if err := xjson.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *ClaimedItem) Expired(now time.Time) bool {
	return now.After(c.VisibleAt)
}

// DeadLetterItem holds a task that exhausted its redeliveries.
type DeadLetterItem struct {
	ID         string    `json:"id"`
	Data       []byte    `json:"data"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
}

func (d *DeadLetterItem) ToBytes() ([]byte, error) {
	return xjson.Marshal(d)
}

func DeadLetterItemFromBytes(data []byte) (*DeadLetterItem, error) {
	var item DeadLetterItem
	if err := xjson.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// TaskReport is a worker's completion or failure report for a claimed task.
type TaskReport struct {
	TaskID         string           `json:"task_id"`
	ExecutionID    string           `json:"execution_id"`
	StepName       string           `json:"step_name"`
	IdempotencyKey string           `json:"idempotency_key"`
	Success        bool             `json:"success"`
	Result         xjson.RawMessage `json:"result,omitempty"`
	Error          string           `json:"error,omitempty"`
	ReportedAt     time.Time        `json:"reported_at"`
}
