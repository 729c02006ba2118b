package storage

import "errors"

// Storage error constants
var (
	// ErrPoolExhausted is returned when a connection could not be
	// acquired within the configured bounded wait.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrAlertNotFound is returned when an alert is not found
	ErrAlertNotFound = errors.New("alert not found")

	// ErrIncidentNotFound is returned when an incident is not found
	ErrIncidentNotFound = errors.New("incident not found")

	// ErrInvalidStatus is returned for an unknown incident status value
	ErrInvalidStatus = errors.New("invalid incident status")
)
