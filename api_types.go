package keel

import (
	"time"

	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/ports"
	"github.com/eleven-am/keel/internal/xjson"
)

// State is the folded view of one execution's event log, handed to
// decision functions.
type State = domain.DerivedState

// Decision is a definition's requested next action.
type Decision = ports.Decision

// DecisionFunc maps folded state to the next decision. It must be
// deterministic and side-effect free.
type DecisionFunc = ports.DecisionFunc

// Task is the unit of work handed to worker processes.
type Task = domain.Task

// TaskReport is a worker's completion or failure report.
type TaskReport = domain.TaskReport

// Execution is the registry view of one workflow run.
type Execution = domain.Execution

type ExecutionStatus = domain.ExecutionStatus

const (
	ExecutionRunning   ExecutionStatus = domain.ExecutionStatusRunning
	ExecutionCompleted ExecutionStatus = domain.ExecutionStatusCompleted
	ExecutionFailed    ExecutionStatus = domain.ExecutionStatusFailed
	ExecutionCancelled ExecutionStatus = domain.ExecutionStatusCancelled
)

// ExecutionFilter narrows ListExecutions results.
type ExecutionFilter = domain.ExecutionFilter

// Event is one immutable row of an execution's history.
type Event = domain.Event

type EventType = domain.EventType

const (
	EventExecutionStarted   EventType = domain.EventExecutionStarted
	EventStepStarted        EventType = domain.EventStepStarted
	EventStepCompleted      EventType = domain.EventStepCompleted
	EventStepFailed         EventType = domain.EventStepFailed
	EventRetryScheduled     EventType = domain.EventRetryScheduled
	EventTimerCreated       EventType = domain.EventTimerCreated
	EventTimerFired         EventType = domain.EventTimerFired
	EventSignalReceived     EventType = domain.EventSignalReceived
	EventExecutionCompleted EventType = domain.EventExecutionCompleted
	EventExecutionFailed    EventType = domain.EventExecutionFailed
	EventExecutionCancelled EventType = domain.EventExecutionCancelled
)

// RetryPolicy maps failure counts to backoff delays.
type RetryPolicy = domain.RetryPolicy

const (
	RetryFixed       = domain.RetryPolicyFixed
	RetryExponential = domain.RetryPolicyExponential
)

// DeadLetterItem is a task that exhausted its redeliveries.
type DeadLetterItem = domain.DeadLetterItem

// RawMessage is the JSON payload type used across the public API.
type RawMessage = xjson.RawMessage

// RunStep requests execution of a named step with the given input.
func RunStep(name string, input RawMessage) Decision {
	return Decision{Type: ports.DecisionRunStep, StepName: name, StepInput: input}
}

// Sleep requests a durable timer. The name identifies the timer in folded
// state, so the definition can check State.TimerElapsed afterwards.
func Sleep(name string, d time.Duration) Decision {
	return Decision{Type: ports.DecisionSleep, SleepName: name, SleepFor: d}
}

// AwaitSignal parks the execution until the named signal arrives.
func AwaitSignal(name string) Decision {
	return Decision{Type: ports.DecisionAwaitSignal, SignalName: name}
}

// Complete finishes the execution with a result.
func Complete(result RawMessage) Decision {
	return Decision{Type: ports.DecisionComplete, Result: result}
}

// Fail finishes the execution with an error.
func Fail(errMsg string) Decision {
	return Decision{Type: ports.DecisionFail, Error: errMsg}
}
