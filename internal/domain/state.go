package domain

import (
	"fmt"
	"time"

	"github.com/eleven-am/keel/internal/xjson"
)

// StepResult records one folded step completion.
type StepResult struct {
	TaskID string
	Result xjson.RawMessage
	Seq    int64
}

// PendingTask is a dispatched step awaiting its worker report.
type PendingTask struct {
	TaskID         string
	StepName       string
	IdempotencyKey string
	Attempt        int
	Input          xjson.RawMessage
	StartedSeq     int64
}

// PendingTimer is an armed, not-yet-fired durable timer.
type PendingTimer struct {
	TimerID    string
	Name       string
	FireAt     time.Time
	CreatedSeq int64
}

// UnresolvedFailure marks a StepFailed event whose retry verdict has not
// been appended yet. It is what the retry evaluator reacts to.
type UnresolvedFailure struct {
	TaskID     string
	StepName   string
	Attempt    int
	Error      string
	JitterSeed int64
	FailedAt   time.Time
}

// DerivedState is the pure fold of an execution's event sequence. It holds
// no wall-clock reads and no randomness; replaying the same sequence twice
// yields an identical value.
type DerivedState struct {
	ExecutionID       string
	WorkflowType      string
	DefinitionVersion int
	Status            ExecutionStatus
	Sequence          int64
	StartedAt         time.Time
	CompletedAt       *time.Time
	Input             xjson.RawMessage
	Variables         xjson.RawMessage
	Result            xjson.RawMessage
	LastError         string

	CompletedSteps  map[string]StepResult
	StepAttempts    map[string]int
	SeenKeys        map[string]int64
	PendingTasks    map[string]PendingTask
	PendingTimers   map[string]PendingTimer
	FiredTimers     map[string]bool
	ReceivedSignals map[string]xjson.RawMessage

	Failure *UnresolvedFailure
}

func NewDerivedState(executionID string) *DerivedState {
	return &DerivedState{
		ExecutionID:     executionID,
		Status:          ExecutionStatusRunning,
		CompletedSteps:  make(map[string]StepResult),
		StepAttempts:    make(map[string]int),
		SeenKeys:        make(map[string]int64),
		PendingTasks:    make(map[string]PendingTask),
		PendingTimers:   make(map[string]PendingTimer),
		FiredTimers:     make(map[string]bool),
		ReceivedSignals: make(map[string]xjson.RawMessage),
	}
}

// Fold rebuilds state from scratch. Events must be the gapless ordered
// sequence produced by the event store.
func Fold(executionID string, events []Event) (*DerivedState, error) {
	state := NewDerivedState(executionID)
	for i := range events {
		if err := state.Apply(&events[i]); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// Apply folds a single event. Sequence gaps mean a corrupted read and are
// rejected rather than papered over.
func (s *DerivedState) Apply(event *Event) error {
	if event.Sequence != s.Sequence+1 {
		return &StorageError{
			Type:    ErrCorrupted,
			Key:     EventKey(s.ExecutionID, event.Sequence),
			Message: fmt.Sprintf("event sequence gap for execution %s: folded %d, next %d", s.ExecutionID, s.Sequence, event.Sequence),
		}
	}
	s.Sequence = event.Sequence

	switch event.Type {
	case EventExecutionStarted:
		var payload ExecutionStartedPayload
		if err := event.DecodePayload(&payload); err != nil {
			return err
		}
		s.WorkflowType = payload.WorkflowType
		s.DefinitionVersion = payload.DefinitionVersion
		s.Input = payload.Input
		s.StartedAt = event.Timestamp

	case EventStepStarted:
		var payload StepStartedPayload
		if err := event.DecodePayload(&payload); err != nil {
			return err
		}
		s.PendingTasks[payload.TaskID] = PendingTask{
			TaskID:         payload.TaskID,
			StepName:       payload.StepName,
			IdempotencyKey: payload.IdempotencyKey,
			Attempt:        payload.Attempt,
			Input:          payload.Input,
			StartedSeq:     event.Sequence,
		}
		s.StepAttempts[payload.StepName] = payload.Attempt
		if s.Failure != nil && s.Failure.StepName == payload.StepName {
			s.Failure = nil
		}

	case EventStepCompleted:
		var payload StepCompletedPayload
		if err := event.DecodePayload(&payload); err != nil {
			return err
		}
		if _, seen := s.SeenKeys[payload.IdempotencyKey]; seen {
			return nil
		}
		s.SeenKeys[payload.IdempotencyKey] = event.Sequence
		delete(s.PendingTasks, payload.TaskID)
		s.CompletedSteps[payload.StepName] = StepResult{
			TaskID: payload.TaskID,
			Result: payload.Result,
			Seq:    event.Sequence,
		}
		if s.Status == ExecutionStatusRunning {
			merged, err := MergeVariables(s.Variables, payload.Result)
			if err != nil {
				return err
			}
			s.Variables = merged
		}

	case EventStepFailed:
		var payload StepFailedPayload
		if err := event.DecodePayload(&payload); err != nil {
			return err
		}
		if _, seen := s.SeenKeys[payload.IdempotencyKey]; seen {
			return nil
		}
		s.SeenKeys[payload.IdempotencyKey] = event.Sequence
		delete(s.PendingTasks, payload.TaskID)
		s.LastError = payload.Error
		if s.Status == ExecutionStatusRunning {
			s.Failure = &UnresolvedFailure{
				TaskID:     payload.TaskID,
				StepName:   payload.StepName,
				Attempt:    payload.Attempt,
				Error:      payload.Error,
				JitterSeed: payload.JitterSeed,
				FailedAt:   event.Timestamp,
			}
		}

	case EventRetryScheduled:
		var payload RetryScheduledPayload
		if err := event.DecodePayload(&payload); err != nil {
			return err
		}
		s.PendingTimers[payload.TimerID] = PendingTimer{
			TimerID:    payload.TimerID,
			Name:       "retry:" + payload.StepName,
			FireAt:     payload.NextRetryAt,
			CreatedSeq: event.Sequence,
		}
		s.Failure = nil

	case EventTimerCreated:
		var payload TimerCreatedPayload
		if err := event.DecodePayload(&payload); err != nil {
			return err
		}
		s.PendingTimers[payload.TimerID] = PendingTimer{
			TimerID:    payload.TimerID,
			Name:       payload.Name,
			FireAt:     payload.FireAt,
			CreatedSeq: event.Sequence,
		}

	case EventTimerFired:
		var payload TimerFiredPayload
		if err := event.DecodePayload(&payload); err != nil {
			return err
		}
		timer, pending := s.PendingTimers[payload.TimerID]
		if !pending {
			return nil
		}
		delete(s.PendingTimers, payload.TimerID)
		if timer.Name != "" {
			s.FiredTimers[timer.Name] = true
		}

	case EventSignalReceived:
		var payload SignalReceivedPayload
		if err := event.DecodePayload(&payload); err != nil {
			return err
		}
		s.ReceivedSignals[payload.Name] = payload.Payload

	case EventExecutionCompleted:
		var payload ExecutionCompletedPayload
		if err := event.DecodePayload(&payload); err != nil {
			return err
		}
		s.Status = ExecutionStatusCompleted
		s.Result = payload.Result
		completedAt := event.Timestamp
		s.CompletedAt = &completedAt

	case EventExecutionFailed:
		var payload ExecutionFailedPayload
		if err := event.DecodePayload(&payload); err != nil {
			return err
		}
		s.Status = ExecutionStatusFailed
		s.LastError = payload.Error
		s.Failure = nil
		completedAt := event.Timestamp
		s.CompletedAt = &completedAt

	case EventExecutionCancelled:
		s.Status = ExecutionStatusCancelled
		s.Failure = nil
		completedAt := event.Timestamp
		s.CompletedAt = &completedAt

	default:
		return &StorageError{
			Type:    ErrCorrupted,
			Message: "unknown event type: " + string(event.Type),
		}
	}

	return nil
}

// StepCompleted reports whether the named step finished, with its result.
func (s *DerivedState) StepCompleted(name string) (StepResult, bool) {
	result, ok := s.CompletedSteps[name]
	return result, ok
}

// TimerElapsed reports whether a named timer has fired.
func (s *DerivedState) TimerElapsed(name string) bool {
	return s.FiredTimers[name]
}

// SignalPayload returns a received signal's payload.
func (s *DerivedState) SignalPayload(name string) (xjson.RawMessage, bool) {
	payload, ok := s.ReceivedSignals[name]
	return payload, ok
}

// KeySeen reports whether an idempotency key was already folded.
func (s *DerivedState) KeySeen(key string) bool {
	_, ok := s.SeenKeys[key]
	return ok
}

// Attempts returns how many times the named step has been started.
func (s *DerivedState) Attempts(step string) int {
	return s.StepAttempts[step]
}

// Quiescent reports whether nothing is in flight: no pending tasks, no
// pending timers, no unresolved failure.
func (s *DerivedState) Quiescent() bool {
	return len(s.PendingTasks) == 0 && len(s.PendingTimers) == 0 && s.Failure == nil
}

// ToRecord snapshots the state into a registry row.
func (s *DerivedState) ToRecord() *ExecutionRecord {
	return &ExecutionRecord{
		ID:                s.ExecutionID,
		WorkflowType:      s.WorkflowType,
		DefinitionVersion: s.DefinitionVersion,
		Status:            s.Status,
		Sequence:          s.Sequence,
		StartedAt:         s.StartedAt,
		CompletedAt:       s.CompletedAt,
		Error:             s.LastError,
	}
}
