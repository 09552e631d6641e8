package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

// ErrDeliveryFailed wraps the last send error once retries are exhausted. It
// never leaves the dispatcher as the error of a business operation.
var ErrDeliveryFailed = errors.New("notification delivery failed")

var tracer = otel.Tracer("github.com/example/ambulance-dispatch/internal/dispatch")

// Channel is the at-most-once publish primitive. A nil error means the event
// was handed to the transport, not that anyone was listening.
type Channel interface {
	Publish(ctx context.Context, recipient string, ev Event) error
}

// DriverDirectory lists drivers for fan-out.
type DriverDirectory interface {
	ListDrivers(ctx context.Context, statuses ...models.DriverStatus) ([]models.Driver, error)
}

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	SendTimeout time.Duration
	// FanoutConcurrency caps parallel sends in a broadcast.
	FanoutConcurrency int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		SendTimeout:       2 * time.Second,
		FanoutConcurrency: 16,
	}
}

type Dispatcher struct {
	Channel Channel
	Drivers DriverDirectory
	Config  Config
	Logger  *slog.Logger
	// Sleep waits between retries; tests replace it to observe the backoff.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(ch Channel, drivers DriverDirectory, cfg Config, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.FanoutConcurrency <= 0 {
		cfg.FanoutConcurrency = def.FanoutConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{Channel: ch, Drivers: drivers, Config: cfg, Logger: logger, Sleep: sleepCtx}
}

// NotifyAvailableDrivers sends a ride_notification to every driver that is
// AVAILABLE at the time of the call. It returns how many sends succeeded.
func (d *Dispatcher) NotifyAvailableDrivers(ctx context.Context, ride models.Ride) int {
	ctx, span := tracer.Start(ctx, "dispatch.NotifyAvailableDrivers")
	defer span.End()
	span.SetAttributes(attribute.String("ride.id", ride.ID))

	drivers, err := d.Drivers.ListDrivers(ctx, models.DriverAvailable)
	if err != nil {
		d.Logger.Error("list available drivers", "ride_id", ride.ID, "error", err)
		return 0
	}
	ev := Event{Type: EventRideNotification, Ride: &ride}
	n := d.fanout(ctx, drivers, ev)
	d.Logger.Info("ride offered to drivers", "ride_id", ride.ID, "drivers", len(drivers), "delivered", n)
	return n
}

// BroadcastCancellation tells every driver, not only those offered the ride,
// that the ride is gone. Each send is a single attempt.
func (d *Dispatcher) BroadcastCancellation(ctx context.Context, rideID, userID string) int {
	ctx, span := tracer.Start(ctx, "dispatch.BroadcastCancellation")
	defer span.End()
	span.SetAttributes(attribute.String("ride.id", rideID))

	drivers, err := d.Drivers.ListDrivers(ctx)
	if err != nil {
		d.Logger.Error("list drivers", "ride_id", rideID, "error", err)
		return 0
	}
	ev := Event{Type: EventRideCancelled, RideID: rideID, UserID: userID}
	n := d.fanout(ctx, drivers, ev)
	d.Logger.Info("ride cancellation broadcast", "ride_id", rideID, "drivers", len(drivers), "delivered", n)
	return n
}

// SendRideUpdate delivers the ride's current state to its requester, retrying
// with exponential backoff. The result is informational only.
func (d *Dispatcher) SendRideUpdate(ctx context.Context, ride models.Ride) bool {
	ctx, span := tracer.Start(ctx, "dispatch.SendRideUpdate")
	defer span.End()
	span.SetAttributes(attribute.String("ride.id", ride.ID), attribute.String("ride.status", string(ride.Status)))

	ev := Event{Type: EventRideStatusUpdate, Ride: &ride}
	if err := d.deliver(ctx, UserKey(ride.UserID), ev, d.Config.MaxAttempts); err != nil {
		d.Logger.Warn("ride update not delivered", "ride_id", ride.ID, "user_id", ride.UserID, "error", err)
		return false
	}
	return true
}

// SendStatusUpdated acknowledges a driver status change on the driver's channel.
func (d *Dispatcher) SendStatusUpdated(ctx context.Context, driver models.Driver) bool {
	ev := Event{Type: EventStatusUpdated, DriverID: driver.ID, Status: string(driver.Status)}
	if err := d.deliver(ctx, DriverKey(driver.ID), ev, 1); err != nil {
		d.Logger.Warn("status ack not delivered", "driver_id", driver.ID, "error", err)
		return false
	}
	return true
}

func (d *Dispatcher) fanout(ctx context.Context, drivers []models.Driver, ev Event) int {
	results := make([]bool, len(drivers))
	var g errgroup.Group
	g.SetLimit(d.Config.FanoutConcurrency)
	for i, drv := range drivers {
		g.Go(func() error {
			if err := d.deliver(ctx, DriverKey(drv.ID), ev, 1); err != nil {
				d.Logger.Warn("driver notification failed", "driver_id", drv.ID, "type", ev.Type, "error", err)
				return nil
			}
			results[i] = true
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range results {
		if ok {
			n++
		}
	}
	return n
}

func (d *Dispatcher) deliver(ctx context.Context, key string, ev Event, attempts int) error {
	delay := d.Config.BaseDelay
	var lastErr error
	for i := 1; i <= attempts; i++ {
		observability.NotificationAttempts.WithLabelValues(string(ev.Type)).Inc()
		sendCtx, cancel := context.WithTimeout(ctx, d.Config.SendTimeout)
		err := d.Channel.Publish(sendCtx, key, ev)
		cancel()
		if err == nil {
			observability.NotificationsTotal.WithLabelValues(string(ev.Type), "delivered").Inc()
			return nil
		}
		lastErr = err
		d.Logger.Debug("publish attempt failed", "recipient", key, "type", ev.Type, "attempt", i, "error", err)
		if i == attempts {
			break
		}
		if err := d.Sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
		delay *= 2
	}
	observability.NotificationsTotal.WithLabelValues(string(ev.Type), "failed").Inc()
	return fmt.Errorf("%w: %s: %v", ErrDeliveryFailed, key, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
