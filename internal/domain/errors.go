package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure: no infrastructure dependency.

var (
	// Input errors
	ErrInvalidReceipt = errors.New("invalid receipt")
	ErrInvalidIntent  = errors.New("invalid intent")

	// Policy errors
	ErrSchemaViolation   = errors.New("policy schema violation")
	ErrPolicyNotFound    = errors.New("policy not found")
	ErrMigrationNotFound = errors.New("no migration rules between chart versions")

	// Chart-of-accounts errors
	ErrDatasetNotFound = errors.New("chart-of-accounts dataset not found")
	ErrAccountNotFound = errors.New("account not found")
	ErrMalformedChart  = errors.New("malformed chart-of-accounts dataset")

	// Booking errors
	ErrProposalNotFound = errors.New("proposal not found")
	ErrEntryNotFound    = errors.New("journal entry not found")
	ErrNotBookable      = errors.New("proposal is not bookable")
	ErrAlreadyBooked    = errors.New("proposal already booked")
	ErrUnbalanced       = errors.New("debits and credits do not balance")
)
