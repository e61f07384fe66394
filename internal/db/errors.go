package db

import "errors"

var (
	// ErrNotFound is returned when no notification matches the id.
	ErrNotFound = errors.New("notification not found")

	// ErrNotClaimable is returned by MarkProcessing when the row is no longer
	// pending (another cycle claimed it, or an operator cancelled it) or has
	// no attempts left.
	ErrNotClaimable = errors.New("notification not claimable")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the row's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)
