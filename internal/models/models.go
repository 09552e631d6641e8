package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies on the globe.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Place is a labelled coordinate such as a pickup address.
type Place struct {
	Label string `json:"label"`
	Coord
}

type RideStatus string

const (
	RideRequested RideStatus = "REQUESTED"
	RideAccepted  RideStatus = "ACCEPTED"
	RidePickedUp  RideStatus = "PICKED_UP"
	RideCompleted RideStatus = "COMPLETED"
	RideCancelled RideStatus = "CANCELLED"
)

// ActiveRideStatuses are the statuses in which a ride occupies its driver.
var ActiveRideStatuses = []RideStatus{RideAccepted, RidePickedUp}

const DefaultRideType = "AMBULANCE"

type Ride struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	DriverID      string     `json:"driver_id,omitempty"`
	Pickup        Place      `json:"pickup"`
	Destination   Place      `json:"destination"`
	Status        RideStatus `json:"status"`
	RideType      string     `json:"ride_type"`
	EstimatedFare *float64   `json:"estimated_fare,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Active reports whether the ride currently occupies a driver.
func (r Ride) Active() bool {
	return r.Status == RideAccepted || r.Status == RidePickedUp
}

type RideRequest struct {
	UserID        string   `json:"user_id"`
	Pickup        Place    `json:"pickup"`
	Destination   Place    `json:"destination"`
	RideType      string   `json:"ride_type,omitempty"`
	EstimatedFare *float64 `json:"estimated_fare,omitempty"`
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "AVAILABLE"
	DriverBusy      DriverStatus = "BUSY"
	DriverOffline   DriverStatus = "OFFLINE"
)

// Valid reports whether s is one of the known driver statuses.
func (s DriverStatus) Valid() bool {
	switch s {
	case DriverAvailable, DriverBusy, DriverOffline:
		return true
	}
	return false
}

type Driver struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	LicenseNumber string       `json:"license_number"`
	VehicleNumber string       `json:"vehicle_number"`
	VehicleModel  string       `json:"vehicle_model"`
	Status        DriverStatus `json:"status"`
	IsAvailable   bool         `json:"is_available"`
	Location      *Coord       `json:"location,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// SetStatus changes the status and keeps IsAvailable in step with it.
func (d *Driver) SetStatus(s DriverStatus) {
	d.Status = s
	d.IsAvailable = s == DriverAvailable
}

type DriverRegistration struct {
	UserID        string `json:"user_id"`
	LicenseNumber string `json:"license_number"`
	VehicleNumber string `json:"vehicle_number"`
	VehicleModel  string `json:"vehicle_model"`
}

// LocationPing is a driver position report flowing through the ingest topic.
type LocationPing struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	SentAt   time.Time `json:"sent_at"`
}

// Stats backs the admin dashboard.
type Stats struct {
	AvailableDrivers int `json:"available_drivers"`
	PendingRides     int `json:"pending_rides"`
	ActiveRides      int `json:"active_rides"`
	CompletedRides   int `json:"completed_rides"`
}
