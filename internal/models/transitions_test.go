package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to RideStatus
		ok       bool
	}{
		{RideRequested, RideAccepted, true},
		{RideRequested, RideCancelled, true},
		{RideRequested, RidePickedUp, false},
		{RideAccepted, RidePickedUp, true},
		{RideAccepted, RideCancelled, false},
		{RideAccepted, RideCompleted, false},
		{RidePickedUp, RideCompleted, true},
		{RideCompleted, RideCancelled, false},
		{RideCancelled, RideAccepted, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestPredecessor(t *testing.T) {
	p, ok := Predecessor(RideCompleted)
	assert.True(t, ok)
	assert.Equal(t, RidePickedUp, p)

	p, ok = Predecessor(RidePickedUp)
	assert.True(t, ok)
	assert.Equal(t, RideAccepted, p)

	_, ok = Predecessor(RideRequested)
	assert.False(t, ok)
}

func TestDriverSetStatusKeepsAvailabilityDerived(t *testing.T) {
	var d Driver
	d.SetStatus(DriverAvailable)
	assert.True(t, d.IsAvailable)
	d.SetStatus(DriverBusy)
	assert.False(t, d.IsAvailable)
	d.SetStatus(DriverOffline)
	assert.False(t, d.IsAvailable)
}

func TestTerminal(t *testing.T) {
	assert.True(t, RideCompleted.Terminal())
	assert.True(t, RideCancelled.Terminal())
	assert.False(t, RideAccepted.Terminal())
}
