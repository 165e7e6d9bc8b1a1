package model

import "errors"

// Sentinel errors for the engine's error taxonomy. Validation errors
// indicate a caller bug and are never retried; Conflict indicates a
// concurrent mutation raced the expected prior status and the caller
// should re-read before deciding to retry.
var (
	ErrInvalidAgentClass = errors.New("invalid agent class")
	ErrInvalidCategory   = errors.New("invalid category")
	ErrInvalidSeverity   = errors.New("invalid severity")
	ErrInvalidOutcome    = errors.New("invalid outcome")

	// ErrAlreadyTerminal is returned when a completion is retried with a
	// different outcome than the recorded one. Retries with the identical
	// outcome are a silent no-op, not an error.
	ErrAlreadyTerminal = errors.New("run already terminal")

	// ErrInvalidTransition is returned when an operation is not legal
	// from the proposal's current status.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrConflict is returned when a compare-and-swap on a proposal's
	// status finds the stored status no longer matches the expected one.
	ErrConflict = errors.New("conflicting concurrent update")

	// ErrAdmissionDenied is returned by BeginExecution when the safety
	// limiter denies the executor run. The proposal stays approved and
	// the call is retryable once budget frees up.
	ErrAdmissionDenied = errors.New("admission denied")
)
