package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/example/ambulance-dispatch/internal/models"
)

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr(nil))
	assert.ErrorIs(t, mapErr(fmt.Errorf("scan: %w", sql.ErrNoRows)), ErrNotFound)
	assert.ErrorIs(t, mapErr(&pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"}), ErrLockTimeout)
	assert.ErrorIs(t, mapErr(&pq.Error{Code: "23505", Constraint: "drivers_user_id_key"}), ErrConflict)

	other := errors.New("connection refused")
	assert.Equal(t, other, mapErr(other))
}

func TestRowConversions(t *testing.T) {
	now := time.Now().UTC()
	ride := rideRow{
		ID: "r1", UserID: "u1", Status: "REQUESTED", RideType: "AMBULANCE",
		PickupLabel: "Home", PickupLat: 1, PickupLon: 2,
		CreatedAt: now, UpdatedAt: now,
	}.model()
	assert.Empty(t, ride.DriverID)
	assert.Nil(t, ride.EstimatedFare)
	assert.Equal(t, models.Coord{Lat: 1, Lon: 2}, ride.Pickup.Coord)

	ride = rideRow{DriverID: sql.NullString{String: "d1", Valid: true}, EstimatedFare: sql.NullFloat64{Float64: 42, Valid: true}}.model()
	assert.Equal(t, "d1", ride.DriverID)
	if assert.NotNil(t, ride.EstimatedFare) {
		assert.Equal(t, 42.0, *ride.EstimatedFare)
	}

	drv := driverRow{ID: "d1", Status: "AVAILABLE", IsAvailable: true, LocationLat: sql.NullFloat64{Float64: 3, Valid: true}}.model()
	assert.Nil(t, drv.Location, "half a coordinate is no location")
	assert.Equal(t, models.DriverAvailable, drv.Status)

	assert.False(t, nullString("  ").Valid)
	assert.True(t, nullString("d1").Valid)
}
