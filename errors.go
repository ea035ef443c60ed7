package keel

import (
	"github.com/eleven-am/keel/internal/domain"
)

// Sentinel errors surfaced by the public API. Match with errors.Is.
var (
	ErrExecutionNotFound = domain.ErrExecutionNotFound
	ErrExecutionExists   = domain.ErrExecutionExists
	ErrExecutionTerminal = domain.ErrExecutionTerminal

	ErrTaskNotFound      = domain.ErrTaskNotFound
	ErrUnknownDefinition = domain.ErrUnknownDefinition

	ErrLeaseHeld     = domain.ErrLeaseHeld
	ErrLeaseExpired  = domain.ErrLeaseExpired
	ErrFenceRejected = domain.ErrFenceRejected

	ErrInvalidConfig   = domain.ErrInvalidConfig
	ErrInvalidInput    = domain.ErrInvalidInput
	ErrAlreadyStarted  = domain.ErrAlreadyStarted
	ErrAlreadyShutdown = domain.ErrAlreadyShutdown
)
