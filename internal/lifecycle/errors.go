package lifecycle

import "errors"

// Domain errors returned to the controller layer. Callers map these to
// user-facing messages; transport failures (network, storage) are
// returned as ordinary wrapped errors and are distinguishable via
// errors.Is against this set.
var (
	// ErrDriverNotAvailable: the candidate driver is offline or not
	// verification-approved.
	ErrDriverNotAvailable = errors.New("driver not available")

	// ErrRideAlreadyHasDriver: assignment race lost; another driver
	// already holds the ride.
	ErrRideAlreadyHasDriver = errors.New("ride already has a driver")

	// ErrRequestNotFound: a driver response for a ride that is not
	// awaiting one.
	ErrRequestNotFound = errors.New("match request not found")

	// ErrRideAlreadyAssigned: the response arrived after another driver
	// won the ride.
	ErrRideAlreadyAssigned = errors.New("ride already assigned to another driver")

	// ErrRequestExpired: the response window elapsed and the ride was
	// auto-released.
	ErrRequestExpired = errors.New("match request expired")

	// ErrInvalidResponse: malformed accept/reject payload.
	ErrInvalidResponse = errors.New("invalid driver response")

	// ErrInvalidTransition: the requested step does not apply to the
	// ride's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrCannotRefundUnpaidRide: driver cancellation with refund
	// requires the ride to be paid first.
	ErrCannotRefundUnpaidRide = errors.New("cannot refund unpaid ride")
)
