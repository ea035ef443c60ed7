package domain

import (
	"time"
)

type Execution struct {
	ID                string
	WorkflowType      string
	DefinitionVersion int
	Status            ExecutionStatus
	Sequence          int64
	StartedAt         time.Time
	CompletedAt       *time.Time
	Error             string
}

type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// ExecutionRecord is the registry row kept alongside the log for listing.
// It is a convenience snapshot only; the log remains the source of truth
// and the record is rewritten from fold results on every append.
type ExecutionRecord struct {
	ID                string          `json:"id"`
	WorkflowType      string          `json:"workflow_type"`
	DefinitionVersion int             `json:"definition_version"`
	Status            ExecutionStatus `json:"status"`
	Sequence          int64           `json:"sequence"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	Error             string          `json:"error,omitempty"`
}

func (r *ExecutionRecord) ToExecution() *Execution {
	return &Execution{
		ID:                r.ID,
		WorkflowType:      r.WorkflowType,
		DefinitionVersion: r.DefinitionVersion,
		Status:            r.Status,
		Sequence:          r.Sequence,
		StartedAt:         r.StartedAt,
		CompletedAt:       r.CompletedAt,
		Error:             r.Error,
	}
}

type ExecutionFilter struct {
	WorkflowType string
	Status       ExecutionStatus
	Limit        int
}

func (f ExecutionFilter) Matches(record *ExecutionRecord) bool {
	if f.WorkflowType != "" && record.WorkflowType != f.WorkflowType {
		return false
	}
	if f.Status != "" && record.Status != f.Status {
		return false
	}
	return true
}
