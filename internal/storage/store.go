package storage

import (
	"context"
	"errors"

	"github.com/example/ambulance-dispatch/internal/models"
)

var (
	// ErrNotFound is returned when no row matches a lookup or lock filter.
	ErrNotFound = errors.New("record not found")
	// ErrLockTimeout is returned when a row lock could not be acquired within
	// the configured bound. Callers may retry.
	ErrLockTimeout = errors.New("row lock wait timed out")
	ErrConflict    = errors.New("record already exists")
)

// Store is the durable record store for rides and drivers. Mutations that need
// mutual exclusion go through WithinTx; the remaining methods are single-row
// writes or unlocked reads.
type Store interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	CreateDriver(ctx context.Context, d *models.Driver) error
	GetRide(ctx context.Context, id string) (models.Ride, error)
	GetDriver(ctx context.Context, id string) (models.Driver, error)
	ListRidesByUser(ctx context.Context, userID string) ([]models.Ride, error)
	// ListDrivers returns drivers in any of the given statuses, or all drivers
	// when none are given.
	ListDrivers(ctx context.Context, statuses ...models.DriverStatus) ([]models.Driver, error)
	UpdateDriverLocation(ctx context.Context, driverID string, loc models.Coord) error
	Stats(ctx context.Context) (models.Stats, error)

	// WithinTx runs fn in a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise; row locks are held until then.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is an open transaction. Lock methods take an exclusive lock on the row
// matching id and, when statuses are given, whose status is one of them. A row
// that exists but fails the status filter yields ErrNotFound.
type Tx interface {
	LockRide(ctx context.Context, id string, statuses ...models.RideStatus) (models.Ride, error)
	LockDriver(ctx context.Context, id string, statuses ...models.DriverStatus) (models.Driver, error)
	// CountRides counts rides assigned to driverID in any of the statuses, as
	// visible to this transaction.
	CountRides(ctx context.Context, driverID string, statuses ...models.RideStatus) (int, error)
	SaveRide(ctx context.Context, r models.Ride) error
	SaveDriver(ctx context.Context, d models.Driver) error
}
