package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ambulance-dispatch/internal/models"
)

const (
	pqLockNotAvailable = "55P03"
	pqUniqueViolation  = "23505"
)

type PostgresStore struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

func NewPostgresStore(ctx context.Context, dsn string, maxOpenConns int, lockTimeout time.Duration) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db, lockTimeout: lockTimeout}, nil
}

// DB exposes the underlying handle for migrations.
func (p *PostgresStore) DB() *sql.DB { return p.db.DB }

func (p *PostgresStore) Close() error { return p.db.Close() }

type rideRow struct {
	ID               string          `db:"id"`
	UserID           string          `db:"user_id"`
	DriverID         sql.NullString  `db:"driver_id"`
	PickupLabel      string          `db:"pickup_label"`
	PickupLat        float64         `db:"pickup_lat"`
	PickupLon        float64         `db:"pickup_lon"`
	DestinationLabel string          `db:"destination_label"`
	DestinationLat   float64         `db:"destination_lat"`
	DestinationLon   float64         `db:"destination_lon"`
	Status           string          `db:"status"`
	RideType         string          `db:"ride_type"`
	EstimatedFare    sql.NullFloat64 `db:"estimated_fare"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

func (r rideRow) model() models.Ride {
	out := models.Ride{
		ID:          r.ID,
		UserID:      r.UserID,
		DriverID:    r.DriverID.String,
		Pickup:      models.Place{Label: r.PickupLabel, Coord: models.Coord{Lat: r.PickupLat, Lon: r.PickupLon}},
		Destination: models.Place{Label: r.DestinationLabel, Coord: models.Coord{Lat: r.DestinationLat, Lon: r.DestinationLon}},
		Status:      models.RideStatus(r.Status),
		RideType:    r.RideType,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.EstimatedFare.Valid {
		f := r.EstimatedFare.Float64
		out.EstimatedFare = &f
	}
	return out
}

type driverRow struct {
	ID            string          `db:"id"`
	UserID        string          `db:"user_id"`
	LicenseNumber string          `db:"license_number"`
	VehicleNumber string          `db:"vehicle_number"`
	VehicleModel  string          `db:"vehicle_model"`
	Status        string          `db:"status"`
	IsAvailable   bool            `db:"is_available"`
	LocationLat   sql.NullFloat64 `db:"location_lat"`
	LocationLon   sql.NullFloat64 `db:"location_lon"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func (r driverRow) model() models.Driver {
	out := models.Driver{
		ID:            r.ID,
		UserID:        r.UserID,
		LicenseNumber: r.LicenseNumber,
		VehicleNumber: r.VehicleNumber,
		VehicleModel:  r.VehicleModel,
		Status:        models.DriverStatus(r.Status),
		IsAvailable:   r.IsAvailable,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.LocationLat.Valid && r.LocationLon.Valid {
		out.Location = &models.Coord{Lat: r.LocationLat.Float64, Lon: r.LocationLon.Float64}
	}
	return out
}

const rideColumns = `id, user_id, driver_id, pickup_label, pickup_lat, pickup_lon,
destination_label, destination_lat, destination_lon, status, ride_type, estimated_fare,
created_at, updated_at`

const driverColumns = `id, user_id, license_number, vehicle_number, vehicle_model, status,
is_available, location_lat, location_lon, created_at, updated_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	var fare sql.NullFloat64
	if r.EstimatedFare != nil {
		fare = sql.NullFloat64{Float64: *r.EstimatedFare, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, createRideQuery,
		r.ID, r.UserID, nullString(r.DriverID),
		r.Pickup.Label, r.Pickup.Lat, r.Pickup.Lon,
		r.Destination.Label, r.Destination.Lat, r.Destination.Lon,
		string(r.Status), r.RideType, fare, r.CreatedAt, r.UpdatedAt)
	return mapErr(err)
}

const createRideQuery = `
INSERT INTO rides (` + rideColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

func (p *PostgresStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	var lat, lon sql.NullFloat64
	if d.Location != nil {
		lat = sql.NullFloat64{Float64: d.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: d.Location.Lon, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, createDriverQuery,
		d.ID, d.UserID, d.LicenseNumber, d.VehicleNumber, d.VehicleModel,
		string(d.Status), d.IsAvailable, lat, lon, d.CreatedAt, d.UpdatedAt)
	return mapErr(err)
}

const createDriverQuery = `
INSERT INTO drivers (` + driverColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	var row rideRow
	if err := p.db.GetContext(ctx, &row, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id); err != nil {
		return models.Ride{}, mapErr(err)
	}
	return row.model(), nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	var row driverRow
	if err := p.db.GetContext(ctx, &row, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id); err != nil {
		return models.Driver{}, mapErr(err)
	}
	return row.model(), nil
}

func (p *PostgresStore) ListRidesByUser(ctx context.Context, userID string) ([]models.Ride, error) {
	var rows []rideRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+rideColumns+` FROM rides WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]models.Ride, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (p *PostgresStore) ListDrivers(ctx context.Context, statuses ...models.DriverStatus) ([]models.Driver, error) {
	var rows []driverRow
	var err error
	if len(statuses) == 0 {
		err = p.db.SelectContext(ctx, &rows, `SELECT `+driverColumns+` FROM drivers ORDER BY id`)
	} else {
		err = p.db.SelectContext(ctx, &rows,
			`SELECT `+driverColumns+` FROM drivers WHERE status = ANY($1) ORDER BY id`,
			pq.Array(driverStatusStrings(statuses)))
	}
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]models.Driver, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (p *PostgresStore) UpdateDriverLocation(ctx context.Context, driverID string, loc models.Coord) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET location_lat = $2, location_lon = $3, updated_at = now() WHERE id = $1`,
		driverID, loc.Lat, loc.Lon)
	if err != nil {
		return mapErr(err)
	}
	return expectRow(res)
}

func (p *PostgresStore) Stats(ctx context.Context) (models.Stats, error) {
	var s struct {
		Available int `db:"available_drivers"`
		Pending   int `db:"pending_rides"`
		Active    int `db:"active_rides"`
		Completed int `db:"completed_rides"`
	}
	if err := p.db.GetContext(ctx, &s, statsQuery); err != nil {
		return models.Stats{}, mapErr(err)
	}
	return models.Stats{
		AvailableDrivers: s.Available,
		PendingRides:     s.Pending,
		ActiveRides:      s.Active,
		CompletedRides:   s.Completed,
	}, nil
}

const statsQuery = `
SELECT
  (SELECT count(*) FROM drivers WHERE status = 'AVAILABLE') AS available_drivers,
  count(*) FILTER (WHERE status = 'REQUESTED') AS pending_rides,
  count(*) FILTER (WHERE status IN ('ACCEPTED', 'PICKED_UP')) AS active_rides,
  count(*) FILTER (WHERE status = 'COMPLETED') AS completed_rides
FROM rides`

func (p *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback()

	if p.lockTimeout > 0 {
		// SET does not accept bind parameters; the value is an integer in ms.
		q := fmt.Sprintf("SET LOCAL lock_timeout = %d", p.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return mapErr(err)
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return mapErr(tx.Commit())
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockRide(ctx context.Context, id string, statuses ...models.RideStatus) (models.Ride, error) {
	var row rideRow
	var err error
	if len(statuses) == 0 {
		err = t.tx.GetContext(ctx, &row, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, id)
	} else {
		err = t.tx.GetContext(ctx, &row,
			`SELECT `+rideColumns+` FROM rides WHERE id = $1 AND status = ANY($2) FOR UPDATE`,
			id, pq.Array(rideStatusStrings(statuses)))
	}
	if err != nil {
		return models.Ride{}, mapErr(err)
	}
	return row.model(), nil
}

func (t *pgTx) LockDriver(ctx context.Context, id string, statuses ...models.DriverStatus) (models.Driver, error) {
	var row driverRow
	var err error
	if len(statuses) == 0 {
		err = t.tx.GetContext(ctx, &row, `SELECT `+driverColumns+` FROM drivers WHERE id = $1 FOR UPDATE`, id)
	} else {
		err = t.tx.GetContext(ctx, &row,
			`SELECT `+driverColumns+` FROM drivers WHERE id = $1 AND status = ANY($2) FOR UPDATE`,
			id, pq.Array(driverStatusStrings(statuses)))
	}
	if err != nil {
		return models.Driver{}, mapErr(err)
	}
	return row.model(), nil
}

func (t *pgTx) CountRides(ctx context.Context, driverID string, statuses ...models.RideStatus) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n,
		`SELECT count(*) FROM rides WHERE driver_id = $1 AND status = ANY($2)`,
		driverID, pq.Array(rideStatusStrings(statuses)))
	return n, mapErr(err)
}

func (t *pgTx) SaveRide(ctx context.Context, r models.Ride) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE rides SET driver_id = $2, status = $3, updated_at = $4 WHERE id = $1`,
		r.ID, nullString(r.DriverID), string(r.Status), r.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	return expectRow(res)
}

func (t *pgTx) SaveDriver(ctx context.Context, d models.Driver) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE drivers SET status = $2, is_available = $3, updated_at = $4 WHERE id = $1`,
		d.ID, string(d.Status), d.IsAvailable, d.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	return expectRow(res)
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqLockNotAvailable:
			return fmt.Errorf("%w: %s", ErrLockTimeout, pqErr.Message)
		case pqUniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
		}
	}
	return err
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: strings.TrimSpace(s) != ""}
}

func rideStatusStrings(in []models.RideStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func driverStatusStrings(in []models.DriverStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
