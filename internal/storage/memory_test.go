package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
)

func seed(t *testing.T, s *MemoryStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateRide(ctx, &models.Ride{ID: "r1", UserID: "u1", Status: models.RideRequested}))
	d := models.Driver{ID: "d1", UserID: "du1"}
	d.SetStatus(models.DriverAvailable)
	require.NoError(t, s.CreateDriver(ctx, &d))
}

func TestLockRideStatusFilter(t *testing.T) {
	s := NewMemoryStore(time.Second)
	seed(t, s)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx Tx) error {
		_, err := tx.LockRide(ctx, "r1", models.RideAccepted)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.WithinTx(ctx, func(tx Tx) error {
		r, err := tx.LockRide(ctx, "r1", models.RideRequested)
		if err != nil {
			return err
		}
		assert.Equal(t, "u1", r.UserID)
		return nil
	})
	assert.NoError(t, err)

	err = s.WithinTx(ctx, func(tx Tx) error {
		_, err := tx.LockRide(ctx, "missing")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	s := NewMemoryStore(time.Second)
	seed(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx Tx) error {
		r, err := tx.LockRide(ctx, "r1")
		require.NoError(t, err)
		r.Status = models.RideCancelled
		require.NoError(t, tx.SaveRide(ctx, r))
		return boom
	})
	require.ErrorIs(t, err, boom)

	r, err := s.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RideRequested, r.Status)
}

func TestLockWaitTimesOut(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	seed(t, s)
	ctx := context.Background()

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.WithinTx(ctx, func(tx Tx) error {
			_, err := tx.LockDriver(ctx, "d1")
			close(held)
			<-done
			return err
		})
	}()
	<-held

	err := s.WithinTx(ctx, func(tx Tx) error {
		_, err := tx.LockDriver(ctx, "d1")
		return err
	})
	close(done)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestLockBlocksUntilCommitThenRechecksFilter(t *testing.T) {
	s := NewMemoryStore(time.Second)
	seed(t, s)
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithinTx(ctx, func(tx Tx) error {
			r, err := tx.LockRide(ctx, "r1", models.RideRequested)
			if err != nil {
				return err
			}
			close(held)
			<-release
			r.Status = models.RideCancelled
			return tx.SaveRide(ctx, r)
		})
	}()
	<-held

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	err := s.WithinTx(ctx, func(tx Tx) error {
		_, err := tx.LockRide(ctx, "r1", models.RideRequested)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountRidesSeesPendingWrites(t *testing.T) {
	s := NewMemoryStore(time.Second)
	seed(t, s)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx Tx) error {
		r, err := tx.LockRide(ctx, "r1")
		require.NoError(t, err)
		r.DriverID = "d1"
		r.Status = models.RideAccepted
		require.NoError(t, tx.SaveRide(ctx, r))

		n, err := tx.CountRides(ctx, "d1", models.ActiveRideStatuses...)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveRides)
	assert.Equal(t, 1, stats.AvailableDrivers)
}

func TestCreateDriverRejectsDuplicateUser(t *testing.T) {
	s := NewMemoryStore(time.Second)
	seed(t, s)
	err := s.CreateDriver(context.Background(), &models.Driver{ID: "d2", UserID: "du1"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestListDriversFiltersByStatus(t *testing.T) {
	s := NewMemoryStore(time.Second)
	seed(t, s)
	ctx := context.Background()
	require.NoError(t, s.CreateDriver(ctx, &models.Driver{ID: "d2", UserID: "du2", Status: models.DriverOffline}))

	avail, err := s.ListDrivers(ctx, models.DriverAvailable)
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, "d1", avail[0].ID)

	all, err := s.ListDrivers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdateDriverLocation(t *testing.T) {
	s := NewMemoryStore(time.Second)
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.UpdateDriverLocation(ctx, "d1", models.Coord{Lat: 12.9, Lon: 77.6}))
	d, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, d.Location)
	assert.Equal(t, 12.9, d.Location.Lat)

	assert.ErrorIs(t, s.UpdateDriverLocation(ctx, "nope", models.Coord{}), ErrNotFound)
}
