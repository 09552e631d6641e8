package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/storage"
)

var tracer = otel.Tracer("github.com/example/ambulance-dispatch/internal/assignment")

const defaultNotifyTimeout = 30 * time.Second

// Notifier receives post-commit events. Its results are logged by the
// implementation and never affect the operation that triggered them.
type Notifier interface {
	NotifyAvailableDrivers(ctx context.Context, ride models.Ride) int
	SendRideUpdate(ctx context.Context, ride models.Ride) bool
	BroadcastCancellation(ctx context.Context, rideID, userID string) int
	SendStatusUpdated(ctx context.Context, driver models.Driver) bool
}

// Service is the ride assignment engine. Every ride or driver mutation runs
// as lock -> check -> write -> commit inside one store transaction; the
// notification is started only after the commit, off the lock path.
type Service struct {
	Store  storage.Store
	Notify Notifier
	Logger *slog.Logger
	// NotifyTimeout bounds each asynchronous notification, retries included.
	NotifyTimeout time.Duration

	wg sync.WaitGroup
}

func NewService(store storage.Store, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Store: store, Notify: notifier, Logger: logger, NotifyTimeout: defaultNotifyTimeout}
}

// RequestRide stores a new REQUESTED ride and offers it to available drivers.
func (s *Service) RequestRide(ctx context.Context, req models.RideRequest) (models.Ride, error) {
	ctx, span := tracer.Start(ctx, "assignment.RequestRide")
	defer span.End()

	if err := validateRideRequest(req); err != nil {
		return models.Ride{}, err
	}
	now := time.Now().UTC()
	ride := models.Ride{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		Pickup:        req.Pickup,
		Destination:   req.Destination,
		Status:        models.RideRequested,
		RideType:      req.RideType,
		EstimatedFare: req.EstimatedFare,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if ride.RideType == "" {
		ride.RideType = models.DefaultRideType
	}
	if err := s.Store.CreateRide(ctx, &ride); err != nil {
		s.logger().Error("create ride", "user_id", req.UserID, "error", err)
		span.RecordError(err)
		return models.Ride{}, err
	}
	span.SetAttributes(attribute.String("ride.id", ride.ID))
	observability.RidesRequested.Inc()
	s.logger().Info("ride requested", "ride_id", ride.ID, "user_id", ride.UserID)

	s.async(ctx, func(ctx context.Context) { s.Notify.NotifyAvailableDrivers(ctx, ride) })
	return ride, nil
}

// AcceptRide assigns a REQUESTED ride to an AVAILABLE driver. Of any number of
// concurrent attempts on the same ride exactly one succeeds; the others get
// ErrRideUnavailable.
func (s *Service) AcceptRide(ctx context.Context, rideID, driverID string) (models.Ride, error) {
	ctx, span := tracer.Start(ctx, "assignment.AcceptRide", trace.WithAttributes(
		attribute.String("ride.id", rideID), attribute.String("driver.id", driverID)))
	defer span.End()

	var accepted models.Ride
	start := time.Now()
	err := s.Store.WithinTx(ctx, func(tx storage.Tx) error {
		ride, err := tx.LockRide(ctx, rideID, models.RideRequested)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrRideUnavailable
		}
		if err != nil {
			return err
		}
		driver, err := tx.LockDriver(ctx, driverID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrDriverNotAvailable
		}
		if err != nil {
			return err
		}
		if driver.Status != models.DriverAvailable {
			return ErrDriverNotAvailable
		}

		now := time.Now().UTC()
		ride.DriverID = driver.ID
		ride.Status = models.RideAccepted
		ride.UpdatedAt = now
		driver.SetStatus(models.DriverBusy)
		driver.UpdatedAt = now
		if err := tx.SaveRide(ctx, ride); err != nil {
			return err
		}
		if err := tx.SaveDriver(ctx, driver); err != nil {
			return err
		}
		accepted = ride
		return nil
	})
	observability.TxDuration.WithLabelValues("accept").Observe(time.Since(start).Seconds())
	observability.AcceptOutcomes.WithLabelValues(Code(err)).Inc()
	if err != nil {
		s.logRejection("accept ride rejected", err, "ride_id", rideID, "driver_id", driverID)
		span.RecordError(err)
		return models.Ride{}, err
	}
	observability.RideTransitions.WithLabelValues(string(models.RideAccepted)).Inc()
	s.logger().Info("ride accepted", "ride_id", rideID, "driver_id", driverID)

	s.async(ctx, func(ctx context.Context) { s.Notify.SendRideUpdate(ctx, accepted) })
	return accepted, nil
}

// CancelRide cancels the user's own ride while it is still REQUESTED and
// tells every driver it is gone. Accepted rides cannot be cancelled here.
func (s *Service) CancelRide(ctx context.Context, rideID, userID string) (models.Ride, error) {
	ctx, span := tracer.Start(ctx, "assignment.CancelRide", trace.WithAttributes(
		attribute.String("ride.id", rideID), attribute.String("user.id", userID)))
	defer span.End()

	var cancelled models.Ride
	start := time.Now()
	err := s.Store.WithinTx(ctx, func(tx storage.Tx) error {
		ride, err := tx.LockRide(ctx, rideID)
		if err != nil {
			return err
		}
		if ride.UserID != userID {
			return ErrNotFound
		}
		if !models.CanTransition(ride.Status, models.RideCancelled) {
			return ErrRideUnavailable
		}
		ride.Status = models.RideCancelled
		ride.UpdatedAt = time.Now().UTC()
		if err := tx.SaveRide(ctx, ride); err != nil {
			return err
		}
		cancelled = ride
		return nil
	})
	observability.TxDuration.WithLabelValues("cancel").Observe(time.Since(start).Seconds())
	if err != nil {
		s.logRejection("cancel ride rejected", err, "ride_id", rideID, "user_id", userID)
		span.RecordError(err)
		return models.Ride{}, err
	}
	observability.RideTransitions.WithLabelValues(string(models.RideCancelled)).Inc()
	s.logger().Info("ride cancelled", "ride_id", rideID, "user_id", userID)

	s.async(ctx, func(ctx context.Context) { s.Notify.BroadcastCancellation(ctx, cancelled.ID, cancelled.UserID) })
	return cancelled, nil
}

// UpdateRideStatus records the assigned driver's progress: ACCEPTED ->
// PICKED_UP -> COMPLETED. The driver's own status is left alone.
func (s *Service) UpdateRideStatus(ctx context.Context, rideID, driverID string, status models.RideStatus) (models.Ride, error) {
	ctx, span := tracer.Start(ctx, "assignment.UpdateRideStatus", trace.WithAttributes(
		attribute.String("ride.id", rideID), attribute.String("ride.status", string(status))))
	defer span.End()

	if status != models.RidePickedUp && status != models.RideCompleted {
		return models.Ride{}, fmt.Errorf("%w: %q is not a driver progress status", ErrInvalidStatus, status)
	}
	from, _ := models.Predecessor(status)

	var updated models.Ride
	start := time.Now()
	err := s.Store.WithinTx(ctx, func(tx storage.Tx) error {
		ride, err := tx.LockRide(ctx, rideID, from)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrRideUnavailable
		}
		if err != nil {
			return err
		}
		if ride.DriverID != driverID {
			return ErrRideUnavailable
		}
		ride.Status = status
		ride.UpdatedAt = time.Now().UTC()
		if err := tx.SaveRide(ctx, ride); err != nil {
			return err
		}
		updated = ride
		return nil
	})
	observability.TxDuration.WithLabelValues("progress").Observe(time.Since(start).Seconds())
	if err != nil {
		s.logRejection("ride status update rejected", err, "ride_id", rideID, "driver_id", driverID, "status", status)
		span.RecordError(err)
		return models.Ride{}, err
	}
	observability.RideTransitions.WithLabelValues(string(status)).Inc()
	s.logger().Info("ride status updated", "ride_id", rideID, "driver_id", driverID, "status", status)

	s.async(ctx, func(ctx context.Context) { s.Notify.SendRideUpdate(ctx, updated) })
	return updated, nil
}

// SetDriverStatus applies a driver's self-service status change. AVAILABLE is
// refused while the driver holds an active ride; the check and the write share
// the driver row lock.
func (s *Service) SetDriverStatus(ctx context.Context, driverID string, status models.DriverStatus) (models.Driver, error) {
	ctx, span := tracer.Start(ctx, "assignment.SetDriverStatus", trace.WithAttributes(
		attribute.String("driver.id", driverID), attribute.String("driver.status", string(status))))
	defer span.End()

	if !status.Valid() {
		return models.Driver{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var changed models.Driver
	start := time.Now()
	err := s.Store.WithinTx(ctx, func(tx storage.Tx) error {
		driver, err := tx.LockDriver(ctx, driverID)
		if err != nil {
			return err
		}
		if status == models.DriverAvailable {
			active, err := HasActiveRide(ctx, tx, driverID)
			if err != nil {
				return err
			}
			if active {
				return ErrActiveRideConflict
			}
		}
		driver.SetStatus(status)
		driver.UpdatedAt = time.Now().UTC()
		if err := tx.SaveDriver(ctx, driver); err != nil {
			return err
		}
		changed = driver
		return nil
	})
	observability.TxDuration.WithLabelValues("driver_status").Observe(time.Since(start).Seconds())
	observability.DriverStatusChanges.WithLabelValues(string(status), Code(err)).Inc()
	if err != nil {
		s.logRejection("driver status change rejected", err, "driver_id", driverID, "status", status)
		span.RecordError(err)
		return models.Driver{}, err
	}
	s.logger().Info("driver status changed", "driver_id", driverID, "status", status)

	s.async(ctx, func(ctx context.Context) { s.Notify.SendStatusUpdated(ctx, changed) })
	return changed, nil
}

// RegisterDriver onboards a driver profile for an existing person. Drivers
// start OFFLINE.
func (s *Service) RegisterDriver(ctx context.Context, reg models.DriverRegistration) (models.Driver, error) {
	if strings.TrimSpace(reg.UserID) == "" || strings.TrimSpace(reg.LicenseNumber) == "" || strings.TrimSpace(reg.VehicleNumber) == "" {
		return models.Driver{}, fmt.Errorf("%w: user_id, license_number and vehicle_number are required", ErrInvalidRequest)
	}
	now := time.Now().UTC()
	d := models.Driver{
		ID:            uuid.NewString(),
		UserID:        reg.UserID,
		LicenseNumber: reg.LicenseNumber,
		VehicleNumber: reg.VehicleNumber,
		VehicleModel:  reg.VehicleModel,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	d.SetStatus(models.DriverOffline)
	if err := s.Store.CreateDriver(ctx, &d); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return models.Driver{}, fmt.Errorf("%w: driver already registered for user %s", ErrInvalidRequest, reg.UserID)
		}
		return models.Driver{}, err
	}
	s.logger().Info("driver registered", "driver_id", d.ID, "user_id", d.UserID)
	return d, nil
}

func (s *Service) UpdateDriverLocation(ctx context.Context, driverID string, loc models.Coord) error {
	if !loc.Valid() {
		return fmt.Errorf("%w: coordinate out of range", ErrInvalidRequest)
	}
	return s.Store.UpdateDriverLocation(ctx, driverID, loc)
}

func (s *Service) GetRide(ctx context.Context, id string) (models.Ride, error) {
	return s.Store.GetRide(ctx, id)
}

func (s *Service) ListUserRides(ctx context.Context, userID string) ([]models.Ride, error) {
	return s.Store.ListRidesByUser(ctx, userID)
}

func (s *Service) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	return s.Store.GetDriver(ctx, id)
}

func (s *Service) ListDrivers(ctx context.Context, statuses ...models.DriverStatus) ([]models.Driver, error) {
	return s.Store.ListDrivers(ctx, statuses...)
}

func (s *Service) Stats(ctx context.Context) (models.Stats, error) {
	return s.Store.Stats(ctx)
}

// Wait blocks until in-flight notifications finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// async runs fn detached from the request's cancellation but bounded by
// NotifyTimeout.
func (s *Service) async(ctx context.Context, fn func(ctx context.Context)) {
	if s.Notify == nil {
		return
	}
	timeout := s.NotifyTimeout
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// logRejection logs expected rejections at Warn and everything else at Error.
func (s *Service) logRejection(msg string, err error, args ...any) {
	args = append(args, "code", Code(err), "error", err)
	if Code(err) == "INTERNAL" {
		s.logger().Error(msg, args...)
		return
	}
	s.logger().Warn(msg, args...)
}

func validateRideRequest(req models.RideRequest) error {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Pickup.Label) == "" || strings.TrimSpace(req.Destination.Label) == "":
		return fmt.Errorf("%w: pickup and destination labels are required", ErrInvalidRequest)
	case !req.Pickup.Coord.Valid() || !req.Destination.Coord.Valid():
		return fmt.Errorf("%w: coordinate out of range", ErrInvalidRequest)
	case req.EstimatedFare != nil && *req.EstimatedFare < 0:
		return fmt.Errorf("%w: estimated_fare must not be negative", ErrInvalidRequest)
	}
	return nil
}
