package ports

import (
	"context"

	"github.com/eleven-am/keel/internal/domain"
)

// EventLogPort is the append-only, per-execution ordered log. The full
// ordered sequence for an execution is the only authoritative
// representation of its state.
type EventLogPort interface {
	// Append writes one event at expectedSeq+1 if and only if expectedSeq is
	// the current tail and the fence matches the live lease for the
	// execution. Returns the assigned sequence, a SequenceConflictError on a
	// lost optimistic race, or a fence/lease error on an ownership violation.
	Append(ctx context.Context, executionID string, expectedSeq int64, event *domain.Event, fence Fence) (int64, error)

	// ReadFrom returns the ordered events of an execution starting at
	// fromSeq (inclusive). Restartable: callers resume from any sequence.
	ReadFrom(ctx context.Context, executionID string, fromSeq int64) ([]domain.Event, error)

	// Tail returns the current tail sequence, 0 for an unknown execution.
	Tail(ctx context.Context, executionID string) (int64, error)

	// CreateExecution registers a new execution and appends its first event
	// atomically. Fails if the id already exists.
	CreateExecution(ctx context.Context, record *domain.ExecutionRecord, first *domain.Event) error

	// UpdateRecord rewrites the registry snapshot after a fold. The snapshot
	// is derived; the log stays authoritative.
	UpdateRecord(ctx context.Context, record *domain.ExecutionRecord) error

	// GetRecord and ListRecords serve the monitoring boundary.
	GetRecord(ctx context.Context, executionID string) (*domain.ExecutionRecord, error)
	ListRecords(ctx context.Context, filter domain.ExecutionFilter) ([]domain.ExecutionRecord, error)
}
