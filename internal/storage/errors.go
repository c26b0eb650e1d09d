package storage

import "errors"

var (
	// ErrNoJob is returned by Lease when no job is eligible
	ErrNoJob = errors.New("no eligible job")
	// ErrLeaseLost is returned when a job is no longer leased by the caller,
	// usually because the reaper requeued it
	ErrLeaseLost = errors.New("job lease lost")
	// ErrNotFound is returned when a looked-up row does not exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a state change is not allowed
	ErrInvalidTransition = errors.New("invalid state transition")
)
