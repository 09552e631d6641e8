package assignment

import (
	"errors"

	"github.com/example/ambulance-dispatch/internal/storage"
)

var (
	// ErrRideUnavailable is the race-loser outcome: the ride is no longer in
	// the state the operation needs (already accepted, cancelled, finished).
	ErrRideUnavailable    = errors.New("ride not found or no longer available")
	ErrDriverNotAvailable = errors.New("driver not found or not available")
	ErrActiveRideConflict = errors.New("driver has an active ride")
	ErrNotFound           = storage.ErrNotFound
	ErrInvalidStatus      = errors.New("invalid status")
	ErrInvalidRequest     = errors.New("invalid request")
)

// Code maps an operation error to the machine-readable code returned to
// clients.
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrRideUnavailable):
		return "RIDE_UNAVAILABLE"
	case errors.Is(err, ErrDriverNotAvailable):
		return "DRIVER_UNAVAILABLE"
	case errors.Is(err, ErrActiveRideConflict):
		return "ACTIVE_RIDE_CONFLICT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidStatus):
		return "INVALID_STATUS"
	case errors.Is(err, ErrInvalidRequest):
		return "INVALID_REQUEST"
	case errors.Is(err, storage.ErrLockTimeout):
		return "LOCK_TIMEOUT"
	default:
		return "INTERNAL"
	}
}
