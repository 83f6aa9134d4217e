package contract

import "errors"

var (
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrStaleRequest      = errors.New("stale human request")
	ErrSessionBusy       = errors.New("session already has an active execution")
	ErrNotTerminal       = errors.New("execution is not terminal")
	ErrOracleUnavailable = errors.New("decision oracle unavailable")
	ErrSchemaViolation   = errors.New("oracle response violates schema")
	ErrPromptMissing     = errors.New("required prompt is missing")
	ErrValidation        = errors.New("validation failed")
	ErrCapabilityUnknown = errors.New("capability is not registered")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrProcedureNotFound = errors.New("procedure not found")
	ErrCoordinatorClosed = errors.New("coordination channel is closed")
)
