package domain

import (
	"time"

	"github.com/eleven-am/keel/internal/xjson"
)

// EventType enumerates the closed set of facts that may appear in an
// execution's log. Replay only understands these; anything new requires a
// definition version bump.
type EventType string

const (
	EventExecutionStarted   EventType = "execution.started"
	EventStepStarted        EventType = "step.started"
	EventStepCompleted      EventType = "step.completed"
	EventStepFailed         EventType = "step.failed"
	EventRetryScheduled     EventType = "retry.scheduled"
	EventTimerCreated       EventType = "timer.created"
	EventTimerFired         EventType = "timer.fired"
	EventSignalReceived     EventType = "signal.received"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionCancelled EventType = "execution.cancelled"
)

// Event is one immutable row of an execution's log. (ExecutionID, Sequence)
// is unique; sequences are gapless and strictly increasing per execution.
type Event struct {
	ExecutionID string           `json:"execution_id"`
	Sequence    int64            `json:"sequence"`
	Type        EventType        `json:"type"`
	Payload     xjson.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

func (e *Event) ToBytes() ([]byte, error) {
	return xjson.Marshal(e)
}

func EventFromBytes(data []byte) (*Event, error) {
	var event Event
	if err := xjson.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

type ExecutionStartedPayload struct {
	WorkflowType      string           `json:"workflow_type"`
	DefinitionVersion int              `json:"definition_version"`
	Input             xjson.RawMessage `json:"input,omitempty"`
}

type StepStartedPayload struct {
	TaskID         string           `json:"task_id"`
	StepName       string           `json:"step_name"`
	IdempotencyKey string           `json:"idempotency_key"`
	Attempt        int              `json:"attempt"`
	Input          xjson.RawMessage `json:"input,omitempty"`
}

type StepCompletedPayload struct {
	TaskID         string           `json:"task_id"`
	StepName       string           `json:"step_name"`
	IdempotencyKey string           `json:"idempotency_key"`
	Result         xjson.RawMessage `json:"result,omitempty"`
}

type StepFailedPayload struct {
	TaskID         string `json:"task_id"`
	StepName       string `json:"step_name"`
	IdempotencyKey string `json:"idempotency_key"`
	Attempt        int    `json:"attempt"`
	Error          string `json:"error"`
	// JitterSeed is recorded once so a jittered backoff replays to the
	// same delay.
	JitterSeed int64 `json:"jitter_seed,omitempty"`
}

type RetryScheduledPayload struct {
	TaskID      string      `json:"task_id"`
	StepName    string      `json:"step_name"`
	Attempt     int         `json:"attempt"`
	NextRetryAt time.Time   `json:"next_retry_at"`
	TimerID     string      `json:"timer_id"`
	Policy      RetryPolicy `json:"policy"`
}

type TimerCreatedPayload struct {
	TimerID string    `json:"timer_id"`
	FireAt  time.Time `json:"fire_at"`
	Name    string    `json:"name,omitempty"`
}

type TimerFiredPayload struct {
	TimerID string `json:"timer_id"`
}

type SignalReceivedPayload struct {
	Name    string           `json:"name"`
	Payload xjson.RawMessage `json:"payload,omitempty"`
}

type ExecutionCompletedPayload struct {
	Result xjson.RawMessage `json:"result,omitempty"`
}

type ExecutionFailedPayload struct {
	StepName string `json:"step_name,omitempty"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts,omitempty"`
}

type ExecutionCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewEvent stamps a log row. Sequence is assigned by the event store at
// append time; zero here means "unassigned".
func NewEvent(executionID string, eventType EventType, payload interface{}) (*Event, error) {
	raw, err := xjson.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ExecutionID: executionID,
		Type:        eventType,
		Payload:     raw,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// DecodePayload unmarshals the event payload into the supplied typed struct.
func (e *Event) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return xjson.Unmarshal(e.Payload, v)
}

// IsTerminal reports whether this event ends the execution.
func (e *Event) IsTerminal() bool {
	switch e.Type {
	case EventExecutionCompleted, EventExecutionFailed, EventExecutionCancelled:
		return true
	default:
		return false
	}
}
