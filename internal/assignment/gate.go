package assignment

import (
	"context"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/storage"
)

// HasActiveRide reports whether the driver holds a ride in ACCEPTED or
// PICKED_UP. It must run in the same transaction as the write it gates, after
// the driver row is locked.
func HasActiveRide(ctx context.Context, tx storage.Tx, driverID string) (bool, error) {
	n, err := tx.CountRides(ctx, driverID, models.ActiveRideStatuses...)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HasActiveRide evaluates the gate under the driver's row lock.
func (s *Service) HasActiveRide(ctx context.Context, driverID string) (bool, error) {
	var active bool
	err := s.Store.WithinTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.LockDriver(ctx, driverID); err != nil {
			return err
		}
		var err error
		active, err = HasActiveRide(ctx, tx, driverID)
		return err
	})
	return active, err
}
