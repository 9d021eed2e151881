package usage

import "errors"

var (
	// ErrInvalidRequest is returned for requests that cannot change anything,
	// such as an all-zero delta.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrDeviceNotRecognized is returned when no limitation profile can be
	// resolved for a device that needs one.
	ErrDeviceNotRecognized = errors.New("device not recognized")
	// ErrResourceNotFound is returned by strict lookups that found nothing.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrInfrastructureUnavailable wraps store and collaborator failures.
	ErrInfrastructureUnavailable = errors.New("infrastructure unavailable")
	// ErrConcurrentUpdate is returned by a conditional append when another
	// snapshot was written after the one the mutation was computed from.
	ErrConcurrentUpdate = errors.New("concurrent counter update")
)
