package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/storage"
)

// fakeUpdater fails the first fail calls, or every call with permanent.
type fakeUpdater struct {
	fail      int
	permanent error
	calls     int
	last      models.Coord
}

func (f *fakeUpdater) UpdateDriverLocation(ctx context.Context, driverID string, loc models.Coord) error {
	f.calls++
	if f.permanent != nil {
		return f.permanent
	}
	if f.calls <= f.fail {
		return errors.New("connection reset")
	}
	f.last = loc
	return nil
}

func ping() models.LocationPing {
	return models.LocationPing{DriverID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}}
}

func TestUpdateLocationWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{fail: 2}
	start := time.Now()
	if err := updateLocationWithRetry(context.Background(), f, ping(), 3, 5*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if f.last.Lon != 2 {
		t.Fatalf("location not applied: %+v", f.last)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("expected backoff of 5ms then 10ms")
	}
}

func TestUpdateLocationWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{fail: 5}
	if err := updateLocationWithRetry(context.Background(), f, ping(), 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestUpdateLocationWithRetry_UnknownDriverNotRetried(t *testing.T) {
	f := &fakeUpdater{permanent: storage.ErrNotFound}
	err := updateLocationWithRetry(context.Background(), f, ping(), 3, time.Millisecond)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("expected a single call, got %d", f.calls)
	}
}

func TestUpdateLocationWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeUpdater{fail: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := updateLocationWithRetry(ctx, f, ping(), 3, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
