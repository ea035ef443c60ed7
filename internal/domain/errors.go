package domain

import (
	"errors"
	"fmt"
	"strings"
)

type StorageError struct {
	Type    ErrorType
	Key     string
	Message string
}

func (e *StorageError) Error() string {
	return e.Message
}

type ErrorType int

const (
	ErrKeyNotFound ErrorType = iota
	ErrVersionMismatch
	ErrSequenceConflict
	ErrTransactionConflict
	ErrCorrupted
	ErrClosed
)

func NewKeyNotFoundError(key string) *StorageError {
	return &StorageError{
		Type:    ErrKeyNotFound,
		Key:     key,
		Message: "key not found: " + key,
	}
}

func NewVersionMismatchError(key string, expected, actual int64) *StorageError {
	return &StorageError{
		Type:    ErrVersionMismatch,
		Key:     key,
		Message: fmt.Sprintf("version mismatch for key %s: expected %d, got %d", key, expected, actual),
	}
}

// SequenceConflictError reports an optimistic append that lost the race for
// an execution's event tail. Callers reload the log and retry.
type SequenceConflictError struct {
	ExecutionID string
	Expected    int64
	Actual      int64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("sequence conflict for execution %s: expected tail %d, got %d", e.ExecutionID, e.Expected, e.Actual)
}

func NewSequenceConflictError(executionID string, expected, actual int64) *SequenceConflictError {
	return &SequenceConflictError{
		ExecutionID: executionID,
		Expected:    expected,
		Actual:      actual,
	}
}

var (
	ErrAlreadyStarted    = errors.New("engine already started")
	ErrAlreadyShutdown   = errors.New("already shutdown")
	ErrNotStarted        = errors.New("engine not started")
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInvalidInput      = errors.New("invalid input")
	ErrLeaseHeld         = errors.New("lease held by another owner")
	ErrLeaseExpired      = errors.New("lease expired")
	ErrLeaseNotFound     = errors.New("lease not found")
	ErrFenceRejected     = errors.New("stale fencing token rejected")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrExecutionExists   = errors.New("execution already exists")
	ErrExecutionTerminal = errors.New("execution already terminal")
	ErrTaskNotFound      = errors.New("task not found")
	ErrTimerNotFound     = errors.New("timer not found")
	ErrUnknownDefinition = errors.New("unknown workflow definition")
	ErrDuplicateReport   = errors.New("duplicate task report")
)

func IsSequenceConflict(err error) bool {
	var conflict *SequenceConflictError
	return errors.As(err, &conflict)
}

func IsVersionMismatch(err error) bool {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return storageErr.Type == ErrVersionMismatch
	}
	return false
}

func IsLeaseHeld(err error) bool {
	return errors.Is(err, ErrLeaseHeld)
}

func IsLeaseExpired(err error) bool {
	return errors.Is(err, ErrLeaseExpired)
}

func IsFenceRejected(err error) bool {
	return errors.Is(err, ErrFenceRejected)
}

func IsDuplicateReport(err error) bool {
	return errors.Is(err, ErrDuplicateReport)
}

func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrExecutionNotFound) || errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrTimerNotFound) {
		return true
	}
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return storageErr.Type == ErrKeyNotFound
	}
	return strings.Contains(err.Error(), "not found")
}
