package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
)

// fakeChannel fails the first failFor[recipient] sends, or every send when
// the recipient is in alwaysFail.
type fakeChannel struct {
	mu         sync.Mutex
	failFor    map[string]int
	alwaysFail map[string]bool
	calls      map[string]int
	delivered  []delivery
}

type delivery struct {
	recipient string
	ev        Event
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{failFor: map[string]int{}, alwaysFail: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakeChannel) Publish(ctx context.Context, recipient string, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[recipient]++
	if f.alwaysFail[recipient] || f.calls[recipient] <= f.failFor[recipient] {
		return errors.New("broker hiccup")
	}
	f.delivered = append(f.delivered, delivery{recipient, ev})
	return nil
}

func (f *fakeChannel) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.delivered))
	for _, d := range f.delivered {
		out = append(out, d.recipient)
	}
	sort.Strings(out)
	return out
}

type fakeDirectory struct {
	drivers []models.Driver
	err     error
}

func (f *fakeDirectory) ListDrivers(ctx context.Context, statuses ...models.DriverStatus) ([]models.Driver, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(statuses) == 0 {
		return f.drivers, nil
	}
	var out []models.Driver
	for _, d := range f.drivers {
		for _, s := range statuses {
			if d.Status == s {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(ch Channel, dir DriverDirectory) (*Dispatcher, *[]time.Duration) {
	d := NewDispatcher(ch, dir, Config{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}, discardLogger())
	var mu sync.Mutex
	var slept []time.Duration
	d.Sleep = func(ctx context.Context, dur time.Duration) error {
		mu.Lock()
		slept = append(slept, dur)
		mu.Unlock()
		return nil
	}
	return d, &slept
}

func TestSendRideUpdateRetriesWithBackoff(t *testing.T) {
	ch := newFakeChannel()
	ch.failFor[UserKey("u1")] = 2
	d, slept := newTestDispatcher(ch, &fakeDirectory{})

	ok := d.SendRideUpdate(context.Background(), models.Ride{ID: "r1", UserID: "u1", Status: models.RideAccepted})

	require.True(t, ok)
	assert.Equal(t, 3, ch.calls[UserKey("u1")])
	require.Len(t, *slept, 2)
	assert.Equal(t, 500*time.Millisecond, (*slept)[0])
	assert.Equal(t, time.Second, (*slept)[1])
	require.Len(t, ch.delivered, 1)
	assert.Equal(t, EventRideStatusUpdate, ch.delivered[0].ev.Type)
	assert.Equal(t, models.RideAccepted, ch.delivered[0].ev.Ride.Status)
}

func TestSendRideUpdateGivesUpAfterMaxAttempts(t *testing.T) {
	ch := newFakeChannel()
	ch.alwaysFail[UserKey("u1")] = true
	d, slept := newTestDispatcher(ch, &fakeDirectory{})

	ok := d.SendRideUpdate(context.Background(), models.Ride{ID: "r1", UserID: "u1"})

	assert.False(t, ok)
	assert.Equal(t, 3, ch.calls[UserKey("u1")])
	assert.Len(t, *slept, 2)
}

func TestDeliverWrapsDeliveryFailed(t *testing.T) {
	ch := newFakeChannel()
	ch.alwaysFail["user:x"] = true
	d, _ := newTestDispatcher(ch, &fakeDirectory{})

	err := d.deliver(context.Background(), "user:x", Event{Type: EventRideStatusUpdate}, 2)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestDeliverStopsWhenContextDone(t *testing.T) {
	ch := newFakeChannel()
	ch.alwaysFail["user:x"] = true
	d := NewDispatcher(ch, &fakeDirectory{}, Config{MaxAttempts: 5, BaseDelay: time.Hour}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.deliver(ctx, "user:x", Event{Type: EventRideStatusUpdate}, 5)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, 1, ch.calls["user:x"])
}

func TestNotifyAvailableDriversIsolatesFailures(t *testing.T) {
	dir := &fakeDirectory{drivers: []models.Driver{
		{ID: "d1", Status: models.DriverAvailable},
		{ID: "d2", Status: models.DriverAvailable},
		{ID: "d3", Status: models.DriverBusy},
		{ID: "d4", Status: models.DriverAvailable},
	}}
	ch := newFakeChannel()
	ch.alwaysFail[DriverKey("d2")] = true
	d, slept := newTestDispatcher(ch, dir)

	n := d.NotifyAvailableDrivers(context.Background(), models.Ride{ID: "r1"})

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"driver:d1", "driver:d4"}, ch.recipients())
	assert.Equal(t, 1, ch.calls[DriverKey("d2")], "fan-out sends are not retried")
	assert.Zero(t, ch.calls[DriverKey("d3")])
	assert.Empty(t, *slept)
}

func TestBroadcastCancellationReachesEveryDriver(t *testing.T) {
	dir := &fakeDirectory{drivers: []models.Driver{
		{ID: "d1", Status: models.DriverAvailable},
		{ID: "d2", Status: models.DriverBusy},
		{ID: "d3", Status: models.DriverOffline},
	}}
	ch := newFakeChannel()
	d, _ := newTestDispatcher(ch, dir)

	n := d.BroadcastCancellation(context.Background(), "r9", "u1")

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"driver:d1", "driver:d2", "driver:d3"}, ch.recipients())
	for _, del := range ch.delivered {
		assert.Equal(t, EventRideCancelled, del.ev.Type)
		assert.Equal(t, "r9", del.ev.RideID)
		assert.Equal(t, "u1", del.ev.UserID)
	}
}

func TestNotifyAvailableDriversDirectoryError(t *testing.T) {
	ch := newFakeChannel()
	d, _ := newTestDispatcher(ch, &fakeDirectory{err: errors.New("db down")})
	assert.Zero(t, d.NotifyAvailableDrivers(context.Background(), models.Ride{ID: "r1"}))
	assert.Empty(t, ch.delivered)
}

func TestSendStatusUpdatedSingleAttempt(t *testing.T) {
	ch := newFakeChannel()
	ch.failFor[DriverKey("d1")] = 1
	d, _ := newTestDispatcher(ch, &fakeDirectory{})

	ok := d.SendStatusUpdated(context.Background(), models.Driver{ID: "d1", Status: models.DriverOffline})
	assert.False(t, ok)
	assert.Equal(t, 1, ch.calls[DriverKey("d1")])
}
