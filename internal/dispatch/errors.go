package dispatch

import "errors"

var (
	// ErrNotFound: booking or driver id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition: the requested edge is not in the table for the
	// booking's current status.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrForbidden: the actor is not authorized for this edge.
	ErrForbidden = errors.New("forbidden")
	// ErrPreconditionFailed: the transactional re-check found the booking or
	// driver no longer in the expected state.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrNoCandidates: matching found zero available drivers.
	ErrNoCandidates = errors.New("no available drivers")
	// ErrInvalidPickup: the booking has no usable pickup coordinates.
	ErrInvalidPickup = errors.New("invalid pickup location")
	// ErrTransient: transaction conflicts exhausted the retry budget.
	ErrTransient = errors.New("transient store failure")
)
